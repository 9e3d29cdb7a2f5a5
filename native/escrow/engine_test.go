package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/zulnabil/millow/core/types"
	nativecommon "github.com/zulnabil/millow/native/common"
)

type mockState struct {
	listings map[uint64]*Listing
	accounts map[[20]byte]*types.Account
	vaults   map[uint64]*big.Int
	pooled   *big.Int
	vault    [20]byte
}

func newMockState() *mockState {
	return &mockState{
		listings: make(map[uint64]*Listing),
		accounts: make(map[[20]byte]*types.Account),
		vaults:   make(map[uint64]*big.Int),
		pooled:   big.NewInt(0),
		vault:    newTestAddress(0xEE),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func (m *mockState) ListingPut(l *Listing) error {
	sanitized, err := SanitizeListing(l)
	if err != nil {
		return err
	}
	m.listings[sanitized.AssetID] = sanitized.Clone()
	return nil
}

func (m *mockState) ListingGet(assetID uint64) (*Listing, bool) {
	listing, ok := m.listings[assetID]
	if !ok {
		return nil, false
	}
	return listing.Clone(), true
}

func (m *mockState) ListingCredit(assetID uint64, amount *big.Int) error {
	current, ok := m.vaults[assetID]
	if !ok {
		current = big.NewInt(0)
	}
	m.vaults[assetID] = new(big.Int).Add(current, amount)
	m.pooled = new(big.Int).Add(m.pooled, amount)
	return nil
}

func (m *mockState) ListingDebit(assetID uint64, amount *big.Int) error {
	current, ok := m.vaults[assetID]
	if !ok || current.Cmp(amount) < 0 {
		return fmt.Errorf("vault underflow")
	}
	m.vaults[assetID] = new(big.Int).Sub(current, amount)
	m.pooled = new(big.Int).Sub(m.pooled, amount)
	return nil
}

func (m *mockState) ListingBalance(assetID uint64) (*big.Int, error) {
	current, ok := m.vaults[assetID]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(current), nil
}

func (m *mockState) PooledBalance() (*big.Int, error) {
	return new(big.Int).Set(m.pooled), nil
}

func (m *mockState) EscrowVaultAddress() [20]byte { return m.vault }

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	acc, ok := m.accounts[key]
	if !ok {
		return (&types.Account{}).EnsureDefaults(), nil
	}
	return &types.Account{Nonce: acc.Nonce, Balance: new(big.Int).Set(acc.Balance)}, nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = &types.Account{Nonce: account.Nonce, Balance: new(big.Int).Set(account.Balance)}
	return nil
}

func (m *mockState) setBalance(addr [20]byte, amount int64) {
	m.accounts[addr] = &types.Account{Balance: big.NewInt(amount)}
}

func (m *mockState) balance(addr [20]byte) *big.Int {
	acc, ok := m.accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(acc.Balance)
}

type mockRegistry struct {
	custodians map[uint64][20]byte
	approved   map[uint64][20]byte
	failNext   bool
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{
		custodians: make(map[uint64][20]byte),
		approved:   make(map[uint64][20]byte),
	}
}

func (r *mockRegistry) CustodianOf(id uint64) ([20]byte, error) {
	custodian, ok := r.custodians[id]
	if !ok {
		return [20]byte{}, fmt.Errorf("asset %d not found", id)
	}
	return custodian, nil
}

func (r *mockRegistry) TransferCustody(caller [20]byte, id uint64, to [20]byte) error {
	if r.failNext {
		r.failNext = false
		return fmt.Errorf("custody transfer rejected")
	}
	custodian, ok := r.custodians[id]
	if !ok {
		return fmt.Errorf("asset %d not found", id)
	}
	if caller != custodian && (r.approved[id] == ([20]byte{}) || caller != r.approved[id]) {
		return fmt.Errorf("caller is not custodian or approved delegate")
	}
	r.custodians[id] = to
	delete(r.approved, id)
	return nil
}

type testEnv struct {
	engine    *Engine
	state     *mockState
	registry  *mockRegistry
	seller    [20]byte
	inspector [20]byte
	lender    [20]byte
	buyer     [20]byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		state:     newMockState(),
		registry:  newMockRegistry(),
		seller:    newTestAddress(0x01),
		inspector: newTestAddress(0x02),
		lender:    newTestAddress(0x03),
		buyer:     newTestAddress(0x04),
	}
	env.engine = NewEngine(newTestAddress(0xAA), env.seller, env.inspector, env.lender)
	env.engine.SetState(env.state)
	env.engine.SetRegistry(env.registry)
	env.engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	// Asset 1 minted to the seller with the vault approved as delegate.
	env.registry.custodians[1] = env.seller
	env.registry.approved[1] = env.state.vault
	return env
}

func (env *testEnv) list(t *testing.T) {
	t.Helper()
	if err := env.engine.List(env.seller, 1, env.buyer, big.NewInt(10), big.NewInt(5)); err != nil {
		t.Fatalf("list: %v", err)
	}
}

func TestListCreatesListingAndMovesCustody(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)

	if !env.engine.IsListed(1) {
		t.Fatalf("expected listing to be open")
	}
	buyer, err := env.engine.Buyer(1)
	if err != nil {
		t.Fatalf("buyer: %v", err)
	}
	if buyer != env.buyer {
		t.Fatalf("unexpected buyer")
	}
	price, err := env.engine.PurchasePrice(1)
	if err != nil {
		t.Fatalf("purchase price: %v", err)
	}
	if price.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("unexpected purchase price %s", price)
	}
	earnest, err := env.engine.EscrowAmount(1)
	if err != nil {
		t.Fatalf("escrow amount: %v", err)
	}
	if earnest.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("unexpected escrow amount %s", earnest)
	}
	if env.registry.custodians[1] != env.state.vault {
		t.Fatalf("expected custody to move to the vault")
	}
}

func TestListRequiresSeller(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.List(env.buyer, 1, env.buyer, big.NewInt(10), big.NewInt(5))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err.Error() != "unauthorized: "+ReasonOnlySeller {
		t.Fatalf("unexpected reason: %v", err)
	}
	if env.engine.IsListed(1) {
		t.Fatalf("listing must not be created")
	}
	if env.registry.custodians[1] != env.seller {
		t.Fatalf("custody must not move")
	}
}

func TestListRejectsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)
	err := env.engine.List(env.seller, 1, env.buyer, big.NewInt(10), big.NewInt(5))
	if !errors.Is(err, ErrListingExists) {
		t.Fatalf("expected ErrListingExists, got %v", err)
	}
}

func TestListRejectsEarnestAbovePrice(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.List(env.seller, 1, env.buyer, big.NewInt(10), big.NewInt(11))
	if err == nil {
		t.Fatalf("expected sanitize failure")
	}
}

func TestListRejectsMissingDelegation(t *testing.T) {
	env := newTestEnv(t)
	delete(env.registry.approved, 1)
	err := env.engine.List(env.seller, 1, env.buyer, big.NewInt(10), big.NewInt(5))
	if !errors.Is(err, ErrTransferRejected) {
		t.Fatalf("expected ErrTransferRejected, got %v", err)
	}
	if env.engine.IsListed(1) {
		t.Fatalf("listing must not be created")
	}
}

func TestDepositEarnestCreditsListing(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)
	env.state.setBalance(env.buyer, 5)

	if err := env.engine.DepositEarnest(env.buyer, 1, big.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	pooled, err := env.engine.PooledBalance()
	if err != nil {
		t.Fatalf("pooled balance: %v", err)
	}
	if pooled.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("expected pooled balance 5, got %s", pooled)
	}
	if env.state.balance(env.buyer).Sign() != 0 {
		t.Fatalf("buyer balance should be drained")
	}
	if env.state.balance(env.state.vault).Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("vault account should hold the deposit")
	}
}

func TestDepositRequiresBuyer(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)
	env.state.setBalance(env.seller, 5)
	err := env.engine.DepositEarnest(env.seller, 1, big.NewInt(5))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestDepositRejectedOnInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)
	env.state.setBalance(env.buyer, 3)
	err := env.engine.DepositEarnest(env.buyer, 1, big.NewInt(5))
	if !errors.Is(err, ErrTransferRejected) {
		t.Fatalf("expected ErrTransferRejected, got %v", err)
	}
	if env.state.balance(env.buyer).Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("buyer balance must be unchanged")
	}
	pooled, _ := env.engine.PooledBalance()
	if pooled.Sign() != 0 {
		t.Fatalf("pooled balance must stay zero")
	}
}

func TestUnknownListingRejected(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.DepositEarnest(env.buyer, 9, big.NewInt(5))
	if !errors.Is(err, ErrListingNotFound) {
		t.Fatalf("expected ErrListingNotFound, got %v", err)
	}
}

func TestInspectionUpdateRequiresInspector(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)

	if err := env.engine.UpdateInspectionStatus(env.buyer, 1, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.UpdateInspectionStatus(env.inspector, 1, true); err != nil {
		t.Fatalf("inspection update: %v", err)
	}
	passed, err := env.engine.InspectionPassed(1)
	if err != nil || !passed {
		t.Fatalf("expected inspection passed, got %v %v", passed, err)
	}
	// Last write wins.
	if err := env.engine.UpdateInspectionStatus(env.inspector, 1, false); err != nil {
		t.Fatalf("inspection toggle: %v", err)
	}
	passed, _ = env.engine.InspectionPassed(1)
	if passed {
		t.Fatalf("expected inspection reset to false")
	}
}

func TestApproveSaleIdempotentSelfOnly(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)

	if err := env.engine.ApproveSale(env.inspector, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-party, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := env.engine.ApproveSale(env.buyer, 1); err != nil {
			t.Fatalf("approve %d: %v", i, err)
		}
	}
	approved, err := env.engine.Approval(1, env.buyer)
	if err != nil || !approved {
		t.Fatalf("expected buyer approval, got %v %v", approved, err)
	}
	if approved, _ := env.engine.Approval(1, env.seller); approved {
		t.Fatalf("seller approval must stay false")
	}
	if approved, _ := env.engine.Approval(1, env.inspector); approved {
		t.Fatalf("inspector never holds an approval")
	}
}

func fundAndApprove(t *testing.T, env *testEnv) {
	t.Helper()
	env.state.setBalance(env.buyer, 5)
	env.state.setBalance(env.lender, 5)
	if err := env.engine.DepositEarnest(env.buyer, 1, big.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.UpdateInspectionStatus(env.inspector, 1, true); err != nil {
		t.Fatalf("inspection: %v", err)
	}
	for _, party := range [][20]byte{env.buyer, env.seller, env.lender} {
		if err := env.engine.ApproveSale(party, 1); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	if err := env.engine.FundSale(env.lender, 1, big.NewInt(5)); err != nil {
		t.Fatalf("fund sale: %v", err)
	}
}

func TestFinalizeSaleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)
	fundAndApprove(t, env)

	if err := env.engine.FinalizeSale(env.seller, 1); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	pooled, _ := env.engine.PooledBalance()
	if pooled.Sign() != 0 {
		t.Fatalf("expected pooled balance 0, got %s", pooled)
	}
	if env.registry.custodians[1] != env.buyer {
		t.Fatalf("expected custody to move to the buyer")
	}
	if env.state.balance(env.seller).Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected seller paid 10, got %s", env.state.balance(env.seller))
	}
	listing, err := env.engine.GetListing(1)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if listing.Status != ListingFinalized {
		t.Fatalf("expected finalized status, got %s", listing.Status)
	}
	if env.engine.IsListed(1) {
		t.Fatalf("finalized listing must not report as listed")
	}
}

func TestFinalizeRequiresSeller(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)
	fundAndApprove(t, env)
	if err := env.engine.FinalizeSale(env.buyer, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestFinalizeNotReadyWithoutInspection(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)
	fundAndApprove(t, env)
	if err := env.engine.UpdateInspectionStatus(env.inspector, 1, false); err != nil {
		t.Fatalf("inspection: %v", err)
	}
	if err := env.engine.FinalizeSale(env.seller, 1); !errors.Is(err, ErrFinalizeNotReady) {
		t.Fatalf("expected ErrFinalizeNotReady, got %v", err)
	}
}

func TestFinalizeNotReadyWithoutApprovals(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)
	env.state.setBalance(env.buyer, 10)
	if err := env.engine.DepositEarnest(env.buyer, 1, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.UpdateInspectionStatus(env.inspector, 1, true); err != nil {
		t.Fatalf("inspection: %v", err)
	}
	if err := env.engine.ApproveSale(env.buyer, 1); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := env.engine.FinalizeSale(env.seller, 1); !errors.Is(err, ErrFinalizeNotReady) {
		t.Fatalf("expected ErrFinalizeNotReady, got %v", err)
	}
}

func TestFinalizeNotReadyWhenUnderfunded(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)
	env.state.setBalance(env.buyer, 5)
	if err := env.engine.DepositEarnest(env.buyer, 1, big.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.UpdateInspectionStatus(env.inspector, 1, true); err != nil {
		t.Fatalf("inspection: %v", err)
	}
	for _, party := range [][20]byte{env.buyer, env.seller, env.lender} {
		if err := env.engine.ApproveSale(party, 1); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	if err := env.engine.FinalizeSale(env.seller, 1); !errors.Is(err, ErrFinalizeNotReady) {
		t.Fatalf("expected ErrFinalizeNotReady, got %v", err)
	}
}

func TestFinalizeRejectedCustodyFailureLeavesFunds(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)
	fundAndApprove(t, env)
	env.registry.failNext = true

	err := env.engine.FinalizeSale(env.seller, 1)
	if !errors.Is(err, ErrTransferRejected) {
		t.Fatalf("expected ErrTransferRejected, got %v", err)
	}
	pooled, _ := env.engine.PooledBalance()
	if pooled.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("pooled balance must be unchanged, got %s", pooled)
	}
	if env.state.balance(env.seller).Sign() != 0 {
		t.Fatalf("seller must not be paid")
	}
	listing, _ := env.engine.GetListing(1)
	if listing.Status != ListingOpen {
		t.Fatalf("listing must stay open")
	}
}

func TestCancelBeforeInspectionRefundsBuyer(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)
	env.state.setBalance(env.buyer, 5)
	if err := env.engine.DepositEarnest(env.buyer, 1, big.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := env.engine.CancelSale(env.buyer, 1); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if env.state.balance(env.buyer).Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("buyer must be refunded")
	}
	pooled, _ := env.engine.PooledBalance()
	if pooled.Sign() != 0 {
		t.Fatalf("pooled balance must return to zero")
	}
	if env.registry.custodians[1] != env.state.vault {
		t.Fatalf("custody must stay with the vault on cancel")
	}
	listing, _ := env.engine.GetListing(1)
	if listing.Status != ListingCancelled {
		t.Fatalf("expected cancelled status, got %s", listing.Status)
	}
}

func TestCancelAfterInspectionPaysSeller(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)
	env.state.setBalance(env.buyer, 5)
	if err := env.engine.DepositEarnest(env.buyer, 1, big.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.UpdateInspectionStatus(env.inspector, 1, true); err != nil {
		t.Fatalf("inspection: %v", err)
	}

	if err := env.engine.CancelSale(env.buyer, 1); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if env.state.balance(env.seller).Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("seller keeps the earnest once inspection passed")
	}
	if env.state.balance(env.buyer).Sign() != 0 {
		t.Fatalf("buyer forfeits the earnest")
	}
}

func TestCancelRequiresParty(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)
	if err := env.engine.CancelSale(env.inspector, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestTerminalListingRejectsMutations(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)
	if err := env.engine.CancelSale(env.buyer, 1); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	env.state.setBalance(env.buyer, 5)
	if err := env.engine.DepositEarnest(env.buyer, 1, big.NewInt(5)); !errors.Is(err, ErrListingClosed) {
		t.Fatalf("expected ErrListingClosed for deposit, got %v", err)
	}
	if err := env.engine.ApproveSale(env.buyer, 1); !errors.Is(err, ErrListingClosed) {
		t.Fatalf("expected ErrListingClosed for approve, got %v", err)
	}
	if err := env.engine.UpdateInspectionStatus(env.inspector, 1, true); !errors.Is(err, ErrListingClosed) {
		t.Fatalf("expected ErrListingClosed for inspection, got %v", err)
	}
	if err := env.engine.FinalizeSale(env.seller, 1); !errors.Is(err, ErrListingClosed) {
		t.Fatalf("expected ErrListingClosed for finalize, got %v", err)
	}
	if err := env.engine.CancelSale(env.buyer, 1); !errors.Is(err, ErrListingClosed) {
		t.Fatalf("expected ErrListingClosed for repeated cancel, got %v", err)
	}
}

func TestFundSaleRequiresLender(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)
	env.state.setBalance(env.buyer, 5)
	if err := env.engine.FundSale(env.buyer, 1, big.NewInt(5)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestPausedModuleRejectsMutations(t *testing.T) {
	env := newTestEnv(t)
	env.list(t)

	pauses := nativecommon.NewPauseSet()
	pauses.SetPaused("escrow", true)
	env.engine.SetPauses(pauses)

	env.state.setBalance(env.buyer, 5)
	if err := env.engine.DepositEarnest(env.buyer, 1, big.NewInt(5)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused for deposit, got %v", err)
	}
	if err := env.engine.ApproveSale(env.buyer, 1); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused for approve, got %v", err)
	}
	if err := env.engine.List(env.seller, 2, env.buyer, big.NewInt(10), big.NewInt(5)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused for list, got %v", err)
	}
	if !env.engine.IsListed(1) {
		t.Fatalf("reads must stay available while paused")
	}

	pauses.SetPaused("escrow", false)
	if err := env.engine.DepositEarnest(env.buyer, 1, big.NewInt(5)); err != nil {
		t.Fatalf("deposit after resume: %v", err)
	}
}
