package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulnabil/millow/core/events"
	"github.com/zulnabil/millow/core/types"
	nativecommon "github.com/zulnabil/millow/native/common"
)

var (
	errNilState      = errors.New("registry engine: state not configured")
	ErrAssetNotFound = errors.New("registry engine: asset not found")
	ErrNotCustodian  = errors.New("registry engine: caller is not custodian or approved delegate")
)

const moduleName = "registry"

type engineState interface {
	AssetPut(*Asset) error
	AssetGet(id uint64) (*Asset, bool)
	AssetCount() (uint64, error)
	AssetSetCount(uint64) error
}

// Engine issues unique asset identifiers and tracks custody per identifier.
// Only the current custodian, or a delegate the custodian approved for that
// asset, may move custody.
type Engine struct {
	state   engineState
	emitter events.Emitter
	pauses  nativecommon.PauseView
	nowFn   func() int64
}

// NewEngine creates a registry engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

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
	e.emitter.Emit(registryEvent{evt: evt})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) loadAsset(id uint64) (*Asset, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	asset, ok := e.state.AssetGet(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrAssetNotFound, id)
	}
	return asset, nil
}

// Mint issues a new unique identifier with custody initially held by the
// caller. Identifiers are sequential starting from 1.
func (e *Engine) Mint(caller [20]byte, metadataURI string) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return 0, err
	}
	if caller == ([20]byte{}) {
		return 0, fmt.Errorf("registry engine: caller must be set")
	}
	uri := strings.TrimSpace(metadataURI)
	if uri == "" {
		return 0, fmt.Errorf("registry engine: metadata URI must be set")
	}
	count, err := e.state.AssetCount()
	if err != nil {
		return 0, err
	}
	id := count + 1
	asset := &Asset{
		ID:          id,
		Custodian:   caller,
		MetadataURI: uri,
		MintedAt:    uint64(e.now()),
	}
	if err := e.state.AssetPut(asset); err != nil {
		return 0, err
	}
	if err := e.state.AssetSetCount(id); err != nil {
		return 0, err
	}
	e.emit(NewMintedEvent(asset))
	return id, nil
}

// ApproveTransfer authorizes a delegate to move custody of the asset. Only the
// current custodian may grant the approval; the zero address clears it.
func (e *Engine) ApproveTransfer(caller, delegate [20]byte, id uint64) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	asset, err := e.loadAsset(id)
	if err != nil {
		return err
	}
	if asset.Custodian != caller {
		return fmt.Errorf("%w: approve requires custodian", ErrNotCustodian)
	}
	asset.Approved = delegate
	if err := e.state.AssetPut(asset); err != nil {
		return err
	}
	e.emit(NewApprovedEvent(asset, delegate))
	return nil
}

// TransferCustody moves custody of the asset to the recipient. The caller must
// be the current custodian or the approved delegate; any standing approval is
// consumed by the transfer.
func (e *Engine) TransferCustody(caller [20]byte, id uint64, to [20]byte) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	asset, err := e.loadAsset(id)
	if err != nil {
		return err
	}
	if to == ([20]byte{}) {
		return fmt.Errorf("registry engine: transfer recipient must be set")
	}
	if caller != asset.Custodian && (asset.Approved == ([20]byte{}) || caller != asset.Approved) {
		return ErrNotCustodian
	}
	from := asset.Custodian
	asset.Custodian = to
	asset.Approved = [20]byte{}
	if err := e.state.AssetPut(asset); err != nil {
		return err
	}
	e.emit(NewTransferredEvent(asset, from))
	return nil
}

// CustodianOf returns the current custodian for the asset.
func (e *Engine) CustodianOf(id uint64) ([20]byte, error) {
	asset, err := e.loadAsset(id)
	if err != nil {
		return [20]byte{}, err
	}
	return asset.Custodian, nil
}

// ApprovedDelegate returns the approved transfer delegate, if any.
func (e *Engine) ApprovedDelegate(id uint64) ([20]byte, error) {
	asset, err := e.loadAsset(id)
	if err != nil {
		return [20]byte{}, err
	}
	return asset.Approved, nil
}

// MetadataURI returns the opaque metadata pointer stored for the asset.
func (e *Engine) MetadataURI(id uint64) (string, error) {
	asset, err := e.loadAsset(id)
	if err != nil {
		return "", err
	}
	return asset.MetadataURI, nil
}

// TotalIssued returns the number of identifiers minted so far.
func (e *Engine) TotalIssued() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.state.AssetCount()
}
