package registry

import (
	"fmt"
	"strings"
)

// Asset is one titled record issued by the registry: a unique identifier, the
// current custodian, an optional approved transfer delegate and an opaque
// metadata pointer. Custody is the authoritative right to transfer the asset.
type Asset struct {
	ID          uint64
	Custodian   [20]byte
	Approved    [20]byte
	MetadataURI string
	MintedAt    uint64
}

// Clone returns a copy of the asset so callers can mutate it without affecting
// the stored instance.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

// SanitizeAsset validates the supplied asset record and returns a cloned
// instance with a trimmed metadata URI. The original value is not mutated.
func SanitizeAsset(a *Asset) (*Asset, error) {
	if a == nil {
		return nil, fmt.Errorf("nil asset")
	}
	clone := a.Clone()
	clone.MetadataURI = strings.TrimSpace(clone.MetadataURI)
	if clone.ID == 0 {
		return nil, fmt.Errorf("asset id must be positive")
	}
	if clone.Custodian == ([20]byte{}) {
		return nil, fmt.Errorf("asset custodian must be set")
	}
	if clone.MetadataURI == "" {
		return nil, fmt.Errorf("asset metadata URI must be set")
	}
	return clone, nil
}
