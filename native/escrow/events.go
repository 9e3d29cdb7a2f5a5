package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"github.com/zulnabil/millow/core/types"
)

const (
	EventTypeListed     = "escrow.listed"
	EventTypeDeposited  = "escrow.deposited"
	EventTypeInspection = "escrow.inspection_updated"
	EventTypeApproved   = "escrow.sale_approved"
	EventTypeFinalized  = "escrow.sale_finalized"
	EventTypeCancelled  = "escrow.sale_cancelled"
)

// NewListedEvent returns the canonical payload for a newly created listing.
func NewListedEvent(l *Listing) *types.Event {
	evt := newListingEvent(EventTypeListed, l)
	if l != nil {
		evt.Attributes["purchasePrice"] = bigString(l.PurchasePrice)
		evt.Attributes["escrowAmount"] = bigString(l.EscrowAmount)
	}
	return evt
}

// NewDepositedEvent returns the payload emitted when funds enter the vault.
func NewDepositedEvent(l *Listing, from [20]byte, amount *big.Int) *types.Event {
	evt := newListingEvent(EventTypeDeposited, l)
	evt.Attributes["from"] = hex.EncodeToString(from[:])
	evt.Attributes["amount"] = bigString(amount)
	return evt
}

// NewInspectionEvent returns the payload emitted when the inspector updates
// the inspection outcome.
func NewInspectionEvent(l *Listing) *types.Event {
	evt := newListingEvent(EventTypeInspection, l)
	if l != nil {
		evt.Attributes["passed"] = strconv.FormatBool(l.InspectionPassed)
	}
	return evt
}

// NewApprovedEvent returns the payload emitted when a party approves the sale.
func NewApprovedEvent(l *Listing, party [20]byte) *types.Event {
	evt := newListingEvent(EventTypeApproved, l)
	evt.Attributes["party"] = hex.EncodeToString(party[:])
	return evt
}

// NewFinalizedEvent returns the payload emitted on settlement.
func NewFinalizedEvent(l *Listing, paid *big.Int) *types.Event {
	evt := newListingEvent(EventTypeFinalized, l)
	evt.Attributes["paid"] = bigString(paid)
	return evt
}

// NewCancelledEvent returns the payload emitted on cancellation.
func NewCancelledEvent(l *Listing, recipient [20]byte, refunded *big.Int) *types.Event {
	evt := newListingEvent(EventTypeCancelled, l)
	evt.Attributes["recipient"] = hex.EncodeToString(recipient[:])
	evt.Attributes["refunded"] = bigString(refunded)
	return evt
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func newListingEvent(eventType string, l *Listing) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["assetId"] = strconv.FormatUint(l.AssetID, 10)
	attrs["buyer"] = hex.EncodeToString(l.Buyer[:])
	attrs["status"] = l.Status.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}
