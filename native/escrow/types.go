package escrow

import (
	"fmt"
	"math/big"
)

// ListingStatus tracks the lifecycle of one sale offer. Open listings accept
// deposits, inspection updates and approvals; terminal listings reject every
// further mutating operation.
type ListingStatus uint8

const (
	ListingOpen ListingStatus = iota
	ListingFinalized
	ListingCancelled
)

// Valid reports whether the status value is within the supported range.
func (s ListingStatus) Valid() bool {
	switch s {
	case ListingOpen, ListingFinalized, ListingCancelled:
		return true
	default:
		return false
	}
}

func (s ListingStatus) String() string {
	switch s {
	case ListingOpen:
		return "open"
	case ListingFinalized:
		return "finalized"
	case ListingCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Listing captures the sale terms and runtime approval state for one asset
// held in escrow: the designated buyer, the full purchase price, the required
// earnest amount and the per-party approvals gated by the inspection outcome.
type Listing struct {
	AssetID          uint64
	Buyer            [20]byte
	PurchasePrice    *big.Int
	EscrowAmount     *big.Int
	InspectionPassed bool
	BuyerApproved    bool
	SellerApproved   bool
	LenderApproved   bool
	Status           ListingStatus
	CreatedAt        uint64
}

// Clone returns a deep copy of the listing so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	if l.PurchasePrice != nil {
		clone.PurchasePrice = new(big.Int).Set(l.PurchasePrice)
	} else {
		clone.PurchasePrice = big.NewInt(0)
	}
	if l.EscrowAmount != nil {
		clone.EscrowAmount = new(big.Int).Set(l.EscrowAmount)
	} else {
		clone.EscrowAmount = big.NewInt(0)
	}
	return &clone
}

// Open reports whether the listing still accepts mutating operations.
func (l *Listing) Open() bool {
	return l != nil && l.Status == ListingOpen
}

// SanitizeListing validates the supplied listing and returns a cloned instance
// with non-nil amount fields. The original value is not mutated.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("nil listing")
	}
	clone := l.Clone()
	if clone.AssetID == 0 {
		return nil, fmt.Errorf("listing asset id must be positive")
	}
	if clone.Buyer == ([20]byte{}) {
		return nil, fmt.Errorf("listing buyer must be set")
	}
	if clone.PurchasePrice.Sign() < 0 {
		return nil, fmt.Errorf("listing purchase price must be non-negative")
	}
	if clone.EscrowAmount.Sign() < 0 {
		return nil, fmt.Errorf("listing escrow amount must be non-negative")
	}
	if clone.EscrowAmount.Cmp(clone.PurchasePrice) > 0 {
		return nil, fmt.Errorf("listing escrow amount exceeds purchase price")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid listing status: %d", clone.Status)
	}
	return clone, nil
}
