package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zulnabil/millow/core"
	"github.com/zulnabil/millow/crypto"
	"github.com/zulnabil/millow/state"
	"github.com/zulnabil/millow/storage"
)

type testParty struct {
	raw  [20]byte
	addr string
}

func newTestParty(t *testing.T) testParty {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	address := key.PubKey().Address()
	return testParty{raw: address.Raw(), addr: address.String()}
}

type testHarness struct {
	handler   http.Handler
	node      *core.Node
	seller    testParty
	inspector testParty
	lender    testParty
	buyer     testParty
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		seller:    newTestParty(t),
		inspector: newTestParty(t),
		lender:    newTestParty(t),
		buyer:     newTestParty(t),
	}
	node, err := core.NewNode(storage.NewMemDB(), core.Roles{
		Seller:    h.seller.raw,
		Inspector: h.inspector.raw,
		Lender:    h.lender.raw,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, node.ApplyGenesis(map[[20]byte]*big.Int{
		h.buyer.raw:  big.NewInt(100),
		h.lender.raw: big.NewInt(100),
	}))
	h.node = node
	h.handler = NewServer(node).Router()
	return h
}

func (h *testHarness) call(t *testing.T, method string, params interface{}) (json.RawMessage, *RPCError) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(RPCRequest{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  []json.RawMessage{raw},
		ID:      1,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Result, resp.Error
}

func (h *testHarness) mustCall(t *testing.T, method string, params interface{}) json.RawMessage {
	t.Helper()
	result, rpcErr := h.call(t, method, params)
	require.Nil(t, rpcErr, "method %s rejected: %+v", method, rpcErr)
	return result
}

func (h *testHarness) mintAndList(t *testing.T) {
	t.Helper()
	h.mustCall(t, "registry_mint", registryMintParams{
		Caller:      h.seller.addr,
		MetadataURI: "ipfs://property/1.json",
	})
	// The seller delegates custody to the vault before listing, mirroring the
	// approve-then-list deployment flow.
	vault := state.EscrowVaultAddress()
	h.mustCall(t, "registry_approveTransfer", registryApproveParams{
		Caller:   h.seller.addr,
		Delegate: crypto.NewAddress(vault[:]).String(),
		AssetID:  1,
	})
	h.mustCall(t, "escrow_list", escrowListParams{
		Caller:        h.seller.addr,
		AssetID:       1,
		Buyer:         h.buyer.addr,
		PurchasePrice: "10",
		EscrowAmount:  "5",
	})
}

func TestFullSaleOverRPC(t *testing.T) {
	h := newTestHarness(t)
	h.mintAndList(t)

	var listing listingJSON
	require.NoError(t, json.Unmarshal(h.mustCall(t, "escrow_getListing", escrowAssetParams{AssetID: 1}), &listing))
	require.True(t, listing.IsListed)
	require.Equal(t, h.buyer.addr, listing.Buyer)
	require.Equal(t, "10", listing.PurchasePrice)
	require.Equal(t, "5", listing.EscrowAmount)

	h.mustCall(t, "escrow_depositEarnest", escrowAmountParams{Caller: h.buyer.addr, AssetID: 1, Amount: "5"})

	var balance map[string]string
	require.NoError(t, json.Unmarshal(h.mustCall(t, "escrow_getBalance", struct{}{}), &balance))
	require.Equal(t, "5", balance["balance"])

	h.mustCall(t, "escrow_updateInspectionStatus", escrowInspectionParams{Caller: h.inspector.addr, AssetID: 1, Passed: true})
	for _, caller := range []string{h.buyer.addr, h.seller.addr, h.lender.addr} {
		h.mustCall(t, "escrow_approveSale", escrowActorParams{Caller: caller, AssetID: 1})
	}
	h.mustCall(t, "escrow_fundSale", escrowAmountParams{Caller: h.lender.addr, AssetID: 1, Amount: "5"})
	h.mustCall(t, "escrow_finalizeSale", escrowActorParams{Caller: h.seller.addr, AssetID: 1})

	require.NoError(t, json.Unmarshal(h.mustCall(t, "escrow_getBalance", struct{}{}), &balance))
	require.Equal(t, "0", balance["balance"])

	var custody map[string]string
	require.NoError(t, json.Unmarshal(h.mustCall(t, "registry_custodianOf", registryAssetParams{AssetID: 1}), &custody))
	require.Equal(t, h.buyer.addr, custody["custodian"])

	var sellerBalance map[string]string
	require.NoError(t, json.Unmarshal(h.mustCall(t, "bank_getBalance", bankBalanceParams{Address: h.seller.addr}), &sellerBalance))
	require.Equal(t, "10", sellerBalance["balance"])
}

func TestListRejectedForNonSellerOverRPC(t *testing.T) {
	h := newTestHarness(t)
	h.mustCall(t, "registry_mint", registryMintParams{Caller: h.seller.addr, MetadataURI: "ipfs://property/1.json"})

	_, rpcErr := h.call(t, "escrow_list", escrowListParams{
		Caller:        h.buyer.addr,
		AssetID:       1,
		Buyer:         h.buyer.addr,
		PurchasePrice: "10",
		EscrowAmount:  "5",
	})
	require.NotNil(t, rpcErr)
	require.Equal(t, codeEscrowForbidden, rpcErr.Code)
	require.Contains(t, fmt.Sprint(rpcErr.Data), "Only the seller can call this function.")
}

func TestCancelRefundsBuyerOverRPC(t *testing.T) {
	h := newTestHarness(t)
	h.mintAndList(t)

	h.mustCall(t, "escrow_depositEarnest", escrowAmountParams{Caller: h.buyer.addr, AssetID: 1, Amount: "5"})
	h.mustCall(t, "escrow_cancelSale", escrowActorParams{Caller: h.buyer.addr, AssetID: 1})

	var buyerBalance map[string]string
	require.NoError(t, json.Unmarshal(h.mustCall(t, "bank_getBalance", bankBalanceParams{Address: h.buyer.addr}), &buyerBalance))
	require.Equal(t, "100", buyerBalance["balance"])

	var balance map[string]string
	require.NoError(t, json.Unmarshal(h.mustCall(t, "escrow_getBalance", struct{}{}), &balance))
	require.Equal(t, "0", balance["balance"])
}

func TestUnknownMethodOverRPC(t *testing.T) {
	h := newTestHarness(t)
	_, rpcErr := h.call(t, "escrow_doesNotExist", struct{}{})
	require.NotNil(t, rpcErr)
	require.Equal(t, codeMethodNotFound, rpcErr.Code)
}

func TestAuthTokenEnforced(t *testing.T) {
	h := newTestHarness(t)
	server := NewServer(h.node)
	server.authToken = "secret"
	h.handler = server.Router()

	_, rpcErr := h.call(t, "escrow_approveSale", escrowActorParams{Caller: h.buyer.addr, AssetID: 1})
	require.NotNil(t, rpcErr)
	require.Equal(t, codeUnauthorized, rpcErr.Code)

	// Reads stay open without a token.
	_, rpcErr = h.call(t, "escrow_getBalance", struct{}{})
	require.Nil(t, rpcErr)
}

func TestPausedModulesRejectOverRPC(t *testing.T) {
	h := newTestHarness(t)
	h.mintAndList(t)

	h.node.SetModulePaused("escrow", true)
	_, rpcErr := h.call(t, "escrow_depositEarnest", escrowAmountParams{Caller: h.buyer.addr, AssetID: 1, Amount: "5"})
	require.NotNil(t, rpcErr)
	require.Equal(t, codeEscrowConflict, rpcErr.Code)

	// Reads stay available while the module is paused.
	h.mustCall(t, "escrow_getListing", escrowAssetParams{AssetID: 1})

	h.node.SetModulePaused("registry", true)
	_, rpcErr = h.call(t, "registry_mint", registryMintParams{Caller: h.seller.addr, MetadataURI: "ipfs://property/2.json"})
	require.NotNil(t, rpcErr)
	require.Equal(t, codeRegistryConflict, rpcErr.Code)

	h.node.SetModulePaused("escrow", false)
	h.node.SetModulePaused("registry", false)
	h.mustCall(t, "escrow_depositEarnest", escrowAmountParams{Caller: h.buyer.addr, AssetID: 1, Amount: "5"})
	h.mustCall(t, "registry_mint", registryMintParams{Caller: h.seller.addr, MetadataURI: "ipfs://property/2.json"})
}
