package registry

import (
	"encoding/hex"
	"strconv"

	"github.com/zulnabil/millow/core/types"
)

const (
	EventTypeAssetMinted      = "registry.minted"
	EventTypeAssetApproved    = "registry.approved"
	EventTypeAssetTransferred = "registry.transferred"
)

type registryEvent struct {
	evt *types.Event
}

func (e registryEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e registryEvent) Event() *types.Event { return e.evt }

// NewMintedEvent returns the canonical payload for a newly issued asset.
func NewMintedEvent(a *Asset) *types.Event {
	evt := newAssetEvent(EventTypeAssetMinted, a)
	if a != nil {
		evt.Attributes["metadataURI"] = a.MetadataURI
	}
	return evt
}

// NewApprovedEvent returns the payload emitted when a transfer delegate is set.
func NewApprovedEvent(a *Asset, delegate [20]byte) *types.Event {
	evt := newAssetEvent(EventTypeAssetApproved, a)
	evt.Attributes["delegate"] = hex.EncodeToString(delegate[:])
	return evt
}

// NewTransferredEvent returns the payload emitted when custody moves.
func NewTransferredEvent(a *Asset, from [20]byte) *types.Event {
	evt := newAssetEvent(EventTypeAssetTransferred, a)
	evt.Attributes["from"] = hex.EncodeToString(from[:])
	return evt
}

func newAssetEvent(eventType string, a *Asset) *types.Event {
	attrs := make(map[string]string)
	if a == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(a.ID, 10)
	attrs["custodian"] = hex.EncodeToString(a.Custodian[:])
	return &types.Event{Type: eventType, Attributes: attrs}
}
