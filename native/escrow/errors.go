package escrow

import "errors"

var (
	// ErrUnauthorized is returned when the caller identity does not match the
	// role required for the requested operation. The wrapped message carries
	// the fixed per-operation reason.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrFinalizeNotReady is returned when one of the finalize preconditions
	// (inspection passed, triple approval, full funding) is unmet.
	ErrFinalizeNotReady = errors.New("finalize not ready")
	// ErrTransferRejected is returned when an external fund or custody
	// transfer fails; the whole operation is rejected with no partial state.
	ErrTransferRejected = errors.New("transfer rejected")
	// ErrListingNotFound is returned when the asset identifier has no listing.
	ErrListingNotFound = errors.New("listing not found")
	// ErrListingClosed is returned when a mutating operation targets a listing
	// that already reached a terminal state.
	ErrListingClosed = errors.New("listing closed")
	// ErrListingExists is returned when the asset identifier is already listed.
	ErrListingExists = errors.New("listing already exists")
)

// Fixed reason strings surfaced with ErrUnauthorized.
const (
	ReasonOnlySeller    = "Only the seller can call this function."
	ReasonOnlyBuyer     = "Only buyer can call this method."
	ReasonOnlyInspector = "Only inspector can call this method."
	ReasonOnlyLender    = "Only lender can call this method."
	ReasonOnlyParty     = "Only a party to the listing can call this method."
)
