package rpc

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"

	nativecommon "github.com/zulnabil/millow/native/common"
	"github.com/zulnabil/millow/native/escrow"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
)

type escrowListParams struct {
	Caller        string `json:"caller"`
	AssetID       uint64 `json:"assetId"`
	Buyer         string `json:"buyer"`
	PurchasePrice string `json:"purchasePrice"`
	EscrowAmount  string `json:"escrowAmount"`
}

type escrowAmountParams struct {
	Caller  string `json:"caller"`
	AssetID uint64 `json:"assetId"`
	Amount  string `json:"amount"`
}

type escrowInspectionParams struct {
	Caller  string `json:"caller"`
	AssetID uint64 `json:"assetId"`
	Passed  bool   `json:"passed"`
}

type escrowActorParams struct {
	Caller  string `json:"caller"`
	AssetID uint64 `json:"assetId"`
}

type escrowAssetParams struct {
	AssetID uint64 `json:"assetId"`
}

type escrowApprovalParams struct {
	AssetID uint64 `json:"assetId"`
	Party   string `json:"party"`
}

type listingJSON struct {
	AssetID          uint64 `json:"assetId"`
	Buyer            string `json:"buyer"`
	PurchasePrice    string `json:"purchasePrice"`
	EscrowAmount     string `json:"escrowAmount"`
	IsListed         bool   `json:"isListed"`
	InspectionPassed bool   `json:"inspectionPassed"`
	BuyerApproved    bool   `json:"buyerApproved"`
	SellerApproved   bool   `json:"sellerApproved"`
	LenderApproved   bool   `json:"lenderApproved"`
	Status           string `json:"status"`
	Balance          string `json:"balance"`
	CreatedAt        uint64 `json:"createdAt"`
}

type partiesJSON struct {
	Seller     string `json:"seller"`
	Inspector  string `json:"inspector"`
	Lender     string `json:"lender"`
	NFTAddress string `json:"nftAddress"`
}

func (s *Server) decodeParams(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, errors.New("amount must be set")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, errors.New("amount must be a base-10 integer")
	}
	if amount.Sign() < 0 {
		return nil, errors.New("amount must be non-negative")
	}
	return amount, nil
}

// writeEscrowError maps the engine error taxonomy onto RPC error codes.
func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, escrow.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codeEscrowForbidden, "unauthorized", err.Error())
	case errors.Is(err, escrow.ErrListingNotFound):
		writeError(w, http.StatusNotFound, id, codeEscrowNotFound, "not_found", err.Error())
	case errors.Is(err, escrow.ErrFinalizeNotReady),
		errors.Is(err, escrow.ErrTransferRejected),
		errors.Is(err, escrow.ErrListingClosed),
		errors.Is(err, escrow.ErrListingExists),
		errors.Is(err, nativecommon.ErrModulePaused):
		writeError(w, http.StatusConflict, id, codeEscrowConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeEscrowInternal, "internal_error", err.Error())
	}
}

func (s *Server) handleEscrowList(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowListParams
	if !s.decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	price, err := parseAmount(params.PurchasePrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	earnest, err := parseAmount(params.EscrowAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.List(caller, params.AssetID, buyer, price, earnest); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"listed": true})
}

func (s *Server) handleEscrowDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleEscrowCredit(w, r, req, s.node.DepositEarnest)
}

func (s *Server) handleEscrowFund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleEscrowCredit(w, r, req, s.node.FundSale)
}

func (s *Server) handleEscrowCredit(w http.ResponseWriter, r *http.Request, req *RPCRequest, op func([20]byte, uint64, *big.Int) error) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowAmountParams
	if !s.decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := op(caller, params.AssetID, amount); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	balance, err := s.node.ListingBalance(params.AssetID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"balance": balance.String()})
}

func (s *Server) handleEscrowInspection(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowInspectionParams
	if !s.decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.UpdateInspectionStatus(caller, params.AssetID, params.Passed); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"inspectionPassed": params.Passed})
}

func (s *Server) handleEscrowApprove(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleEscrowAction(w, r, req, s.node.ApproveSale, "approved")
}

func (s *Server) handleEscrowFinalize(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleEscrowAction(w, r, req, s.node.FinalizeSale, "finalized")
}

func (s *Server) handleEscrowCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleEscrowAction(w, r, req, s.node.CancelSale, "cancelled")
}

func (s *Server) handleEscrowAction(w http.ResponseWriter, r *http.Request, req *RPCRequest, op func([20]byte, uint64) error, resultKey string) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowActorParams
	if !s.decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := op(caller, params.AssetID); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{resultKey: true})
}

func (s *Server) handleEscrowGetListing(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowAssetParams
	if !s.decodeParams(w, req, &params) {
		return
	}
	listing, err := s.node.GetListing(params.AssetID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	balance, err := s.node.ListingBalance(params.AssetID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, listingJSON{
		AssetID:          listing.AssetID,
		Buyer:            formatAddress(listing.Buyer),
		PurchasePrice:    listing.PurchasePrice.String(),
		EscrowAmount:     listing.EscrowAmount.String(),
		IsListed:         listing.Open(),
		InspectionPassed: listing.InspectionPassed,
		BuyerApproved:    listing.BuyerApproved,
		SellerApproved:   listing.SellerApproved,
		LenderApproved:   listing.LenderApproved,
		Status:           listing.Status.String(),
		Balance:          balance.String(),
		CreatedAt:        listing.CreatedAt,
	})
}

func (s *Server) handleEscrowGetApproval(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowApprovalParams
	if !s.decodeParams(w, req, &params) {
		return
	}
	party, err := parseAddress(params.Party)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	approved, err := s.node.Approval(params.AssetID, party)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"approved": approved})
}

func (s *Server) handleEscrowGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	balance, err := s.node.PooledBalance()
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"balance": balance.String()})
}

func (s *Server) handleEscrowGetParties(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, partiesJSON{
		Seller:     formatAddress(s.node.Seller()),
		Inspector:  formatAddress(s.node.Inspector()),
		Lender:     formatAddress(s.node.Lender()),
		NFTAddress: formatAddress(s.node.RegistryAddress()),
	})
}

func (s *Server) handleEscrowGetEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, s.node.Events())
}
