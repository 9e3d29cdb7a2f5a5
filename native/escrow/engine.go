package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/zulnabil/millow/core/events"
	"github.com/zulnabil/millow/core/types"
	nativecommon "github.com/zulnabil/millow/native/common"
)

var (
	errNilState    = errors.New("escrow engine: state not configured")
	errNilRegistry = errors.New("escrow engine: asset registry not configured")
)

const moduleName = "escrow"

type engineState interface {
	ListingPut(*Listing) error
	ListingGet(assetID uint64) (*Listing, bool)
	ListingCredit(assetID uint64, amount *big.Int) error
	ListingDebit(assetID uint64, amount *big.Int) error
	ListingBalance(assetID uint64) (*big.Int, error)
	PooledBalance() (*big.Int, error)
	EscrowVaultAddress() [20]byte
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// assetRegistry is the slice of the registry surface the ledger consumes: a
// custody lookup and the delegate-gated custody transfer.
type assetRegistry interface {
	CustodianOf(id uint64) ([20]byte, error)
	TransferCustody(caller [20]byte, id uint64, to [20]byte) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine is the escrow custody state machine. It coordinates the conditional
// transfer of one titled asset against a staged payment: the seller lists,
// the buyer deposits earnest, the inspector attests the condition precedent,
// every party approves, the lender supplies the remaining funds and the seller
// finalizes. The seller, inspector and lender identities are fixed for the
// lifetime of the engine; the buyer is designated per listing.
type Engine struct {
	state        engineState
	registry     assetRegistry
	registryAddr [20]byte
	seller       [20]byte
	inspector    [20]byte
	lender       [20]byte
	emitter      events.Emitter
	pauses       nativecommon.PauseView
	nowFn        func() int64
}

// NewEngine creates an escrow engine bound to the fixed role identities. The
// state backend and registry are wired separately via SetState and
// SetRegistry.
func NewEngine(registryAddr, seller, inspector, lender [20]byte) *Engine {
	return &Engine{
		registryAddr: registryAddr,
		seller:       seller,
		inspector:    inspector,
		lender:       lender,
		emitter:      events.NoopEmitter{},
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRegistry configures the asset registry consulted for custody moves.
func (e *Engine) SetRegistry(r assetRegistry) { e.registry = r }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: evt})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.registry == nil {
		return errNilRegistry
	}
	return nil
}

func (e *Engine) loadListing(assetID uint64) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	listing, ok := e.state.ListingGet(assetID)
	if !ok {
		return nil, fmt.Errorf("%w: asset %d", ErrListingNotFound, assetID)
	}
	return listing, nil
}

func (e *Engine) loadOpenListing(assetID uint64) (*Listing, error) {
	listing, err := e.loadListing(assetID)
	if err != nil {
		return nil, err
	}
	if !listing.Open() {
		return nil, fmt.Errorf("%w: listing is %s", ErrListingClosed, listing.Status)
	}
	return listing, nil
}

// transferAmount moves funds between two ledger accounts. A failed debit or
// account write surfaces as a rejected transfer so the caller can abort the
// whole operation.
func (e *Engine) transferAmount(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("%w: negative transfer amount", ErrTransferRejected)
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}
	fromAcc = fromAcc.EnsureDefaults()
	toAcc = toAcc.EnsureDefaults()
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: insufficient balance", ErrTransferRejected)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}
	if err := e.state.PutAccount(to[:], toAcc); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}
	return nil
}

// List creates a listing for the asset and moves its custody from the seller
// into the escrow vault. The seller must have delegated transfer rights for
// the asset to the vault beforehand.
func (e *Engine) List(caller [20]byte, assetID uint64, buyer [20]byte, purchasePrice, escrowAmount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if caller != e.seller {
		return fmt.Errorf("%w: %s", ErrUnauthorized, ReasonOnlySeller)
	}
	if _, ok := e.state.ListingGet(assetID); ok {
		return fmt.Errorf("%w: asset %d", ErrListingExists, assetID)
	}
	listing, err := SanitizeListing(&Listing{
		AssetID:       assetID,
		Buyer:         buyer,
		PurchasePrice: cloneBigInt(purchasePrice),
		EscrowAmount:  cloneBigInt(escrowAmount),
		Status:        ListingOpen,
		CreatedAt:     uint64(e.now()),
	})
	if err != nil {
		return err
	}
	custodian, err := e.registry.CustodianOf(assetID)
	if err != nil {
		return err
	}
	if custodian != e.seller {
		return fmt.Errorf("%w: seller does not hold custody of asset %d", ErrTransferRejected, assetID)
	}
	vault := e.state.EscrowVaultAddress()
	if err := e.registry.TransferCustody(vault, assetID, vault); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}
	if err := e.state.ListingPut(listing); err != nil {
		return err
	}
	e.emit(NewListedEvent(listing))
	return nil
}

// DepositEarnest credits the listing balance with funds from the buyer. The
// amount is not validated against the required earnest; the finalize funding
// check is the only backstop.
func (e *Engine) DepositEarnest(caller [20]byte, assetID uint64, amount *big.Int) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	listing, err := e.loadOpenListing(assetID)
	if err != nil {
		return err
	}
	if caller != listing.Buyer {
		return fmt.Errorf("%w: %s", ErrUnauthorized, ReasonOnlyBuyer)
	}
	return e.creditListing(listing, caller, amount)
}

// FundSale credits the listing balance with funds from the lender, covering
// the gap between the earnest deposit and the purchase price.
func (e *Engine) FundSale(caller [20]byte, assetID uint64, amount *big.Int) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	listing, err := e.loadOpenListing(assetID)
	if err != nil {
		return err
	}
	if caller != e.lender {
		return fmt.Errorf("%w: %s", ErrUnauthorized, ReasonOnlyLender)
	}
	return e.creditListing(listing, caller, amount)
}

func (e *Engine) creditListing(listing *Listing, from [20]byte, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("%w: deposit amount must be positive", ErrTransferRejected)
	}
	vault := e.state.EscrowVaultAddress()
	if err := e.transferAmount(from, vault, amt); err != nil {
		return err
	}
	if err := e.state.ListingCredit(listing.AssetID, amt); err != nil {
		return err
	}
	e.emit(NewDepositedEvent(listing, from, amt))
	return nil
}

// UpdateInspectionStatus records the inspector's attestation. The flag may be
// toggled repeatedly; the last write wins.
func (e *Engine) UpdateInspectionStatus(caller [20]byte, assetID uint64, passed bool) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	listing, err := e.loadOpenListing(assetID)
	if err != nil {
		return err
	}
	if caller != e.inspector {
		return fmt.Errorf("%w: %s", ErrUnauthorized, ReasonOnlyInspector)
	}
	listing.InspectionPassed = passed
	if err := e.state.ListingPut(listing); err != nil {
		return err
	}
	e.emit(NewInspectionEvent(listing))
	return nil
}

// ApproveSale records the caller's consent to finalize. Each party approves
// only for themself; the operation is idempotent and approvals cannot be
// revoked.
func (e *Engine) ApproveSale(caller [20]byte, assetID uint64) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	listing, err := e.loadOpenListing(assetID)
	if err != nil {
		return err
	}
	switch caller {
	case listing.Buyer:
		listing.BuyerApproved = true
	case e.seller:
		listing.SellerApproved = true
	case e.lender:
		listing.LenderApproved = true
	default:
		return fmt.Errorf("%w: %s", ErrUnauthorized, ReasonOnlyParty)
	}
	if err := e.state.ListingPut(listing); err != nil {
		return err
	}
	e.emit(NewApprovedEvent(listing, caller))
	return nil
}

// FinalizeSale settles the listing: custody of the asset moves from the vault
// to the buyer and the full listing balance is paid to the seller. Requires a
// passed inspection, approvals from buyer, seller and lender, and a listing
// balance covering the purchase price. The operation is irreversible.
func (e *Engine) FinalizeSale(caller [20]byte, assetID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	listing, err := e.loadOpenListing(assetID)
	if err != nil {
		return err
	}
	if caller != e.seller {
		return fmt.Errorf("%w: %s", ErrUnauthorized, ReasonOnlySeller)
	}
	if !listing.InspectionPassed {
		return fmt.Errorf("%w: inspection not passed", ErrFinalizeNotReady)
	}
	if !listing.BuyerApproved || !listing.SellerApproved || !listing.LenderApproved {
		return fmt.Errorf("%w: missing approvals", ErrFinalizeNotReady)
	}
	balance, err := e.state.ListingBalance(assetID)
	if err != nil {
		return err
	}
	balance = cloneBigInt(balance)
	if balance.Cmp(listing.PurchasePrice) < 0 {
		return fmt.Errorf("%w: insufficient funds for purchase price", ErrFinalizeNotReady)
	}
	vault := e.state.EscrowVaultAddress()
	// Validate both transfer legs before mutating anything so a rejection
	// cannot leave a partial commit behind.
	custodian, err := e.registry.CustodianOf(assetID)
	if err != nil {
		return err
	}
	if custodian != vault {
		return fmt.Errorf("%w: vault does not hold custody of asset %d", ErrTransferRejected, assetID)
	}
	vaultAcc, err := e.state.GetAccount(vault[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}
	if vaultAcc.EnsureDefaults().Balance.Cmp(balance) < 0 {
		return fmt.Errorf("%w: vault balance below listing balance", ErrTransferRejected)
	}
	if err := e.registry.TransferCustody(vault, assetID, listing.Buyer); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}
	if err := e.transferAmount(vault, e.seller, balance); err != nil {
		return err
	}
	if err := e.state.ListingDebit(assetID, balance); err != nil {
		return err
	}
	listing.Status = ListingFinalized
	if err := e.state.ListingPut(listing); err != nil {
		return err
	}
	e.emit(NewFinalizedEvent(listing, balance))
	return nil
}

// CancelSale drains the listing balance and closes the listing. The refund
// direction depends on the inspection outcome: the buyer is made whole while
// the inspection is unmet, the seller keeps the funds once it passed. Custody
// of the asset stays with the vault. The operation is irreversible.
func (e *Engine) CancelSale(caller [20]byte, assetID uint64) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	listing, err := e.loadOpenListing(assetID)
	if err != nil {
		return err
	}
	if caller != listing.Buyer && caller != e.seller && caller != e.lender {
		return fmt.Errorf("%w: %s", ErrUnauthorized, ReasonOnlyParty)
	}
	recipient := listing.Buyer
	if listing.InspectionPassed {
		recipient = e.seller
	}
	balance, err := e.state.ListingBalance(assetID)
	if err != nil {
		return err
	}
	balance = cloneBigInt(balance)
	if balance.Sign() > 0 {
		vault := e.state.EscrowVaultAddress()
		if err := e.transferAmount(vault, recipient, balance); err != nil {
			return err
		}
		if err := e.state.ListingDebit(assetID, balance); err != nil {
			return err
		}
	}
	listing.Status = ListingCancelled
	if err := e.state.ListingPut(listing); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(listing, recipient, balance))
	return nil
}

// --- Read accessors ---

// IsListed reports whether the asset has a listing in the open state.
func (e *Engine) IsListed(assetID uint64) bool {
	if e == nil || e.state == nil {
		return false
	}
	listing, ok := e.state.ListingGet(assetID)
	return ok && listing.Open()
}

// GetListing returns a copy of the stored listing.
func (e *Engine) GetListing(assetID uint64) (*Listing, error) {
	listing, err := e.loadListing(assetID)
	if err != nil {
		return nil, err
	}
	return listing.Clone(), nil
}

// Buyer returns the designated buyer for the listing.
func (e *Engine) Buyer(assetID uint64) ([20]byte, error) {
	listing, err := e.loadListing(assetID)
	if err != nil {
		return [20]byte{}, err
	}
	return listing.Buyer, nil
}

// PurchasePrice returns the total sale amount for the listing.
func (e *Engine) PurchasePrice(assetID uint64) (*big.Int, error) {
	listing, err := e.loadListing(assetID)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(listing.PurchasePrice), nil
}

// EscrowAmount returns the required earnest deposit for the listing.
func (e *Engine) EscrowAmount(assetID uint64) (*big.Int, error) {
	listing, err := e.loadListing(assetID)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(listing.EscrowAmount), nil
}

// InspectionPassed returns the recorded inspection outcome.
func (e *Engine) InspectionPassed(assetID uint64) (bool, error) {
	listing, err := e.loadListing(assetID)
	if err != nil {
		return false, err
	}
	return listing.InspectionPassed, nil
}

// Approval reports whether the given party approved the sale. Parties outside
// the buyer/seller/lender set never hold an approval.
func (e *Engine) Approval(assetID uint64, party [20]byte) (bool, error) {
	listing, err := e.loadListing(assetID)
	if err != nil {
		return false, err
	}
	switch party {
	case listing.Buyer:
		return listing.BuyerApproved, nil
	case e.seller:
		return listing.SellerApproved, nil
	case e.lender:
		return listing.LenderApproved, nil
	default:
		return false, nil
	}
}

// ListingBalance returns the funds held for one listing.
func (e *Engine) ListingBalance(assetID uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, err := e.loadListing(assetID); err != nil {
		return nil, err
	}
	balance, err := e.state.ListingBalance(assetID)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(balance), nil
}

// PooledBalance returns the instance-wide total held across all listings.
func (e *Engine) PooledBalance() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	balance, err := e.state.PooledBalance()
	if err != nil {
		return nil, err
	}
	return cloneBigInt(balance), nil
}

// Seller returns the configured seller identity.
func (e *Engine) Seller() [20]byte { return e.seller }

// Inspector returns the configured inspector identity.
func (e *Engine) Inspector() [20]byte { return e.inspector }

// Lender returns the configured lender identity.
func (e *Engine) Lender() [20]byte { return e.lender }

// RegistryAddress returns the identity of the asset registry backing the
// listings.
func (e *Engine) RegistryAddress() [20]byte { return e.registryAddr }
