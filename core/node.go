package core

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/zulnabil/millow/core/events"
	"github.com/zulnabil/millow/core/types"
	nativecommon "github.com/zulnabil/millow/native/common"
	"github.com/zulnabil/millow/native/escrow"
	"github.com/zulnabil/millow/native/registry"
	"github.com/zulnabil/millow/observability/metrics"
	"github.com/zulnabil/millow/state"
	"github.com/zulnabil/millow/storage"
)

// eventHistoryLimit bounds the in-memory event buffer served over RPC.
const eventHistoryLimit = 256

// Roles fixes the three global identities for the lifetime of the node. The
// buyer is designated per listing.
type Roles struct {
	Seller    [20]byte
	Inspector [20]byte
	Lender    [20]byte
}

func (r Roles) validate() error {
	if r.Seller == ([20]byte{}) || r.Inspector == ([20]byte{}) || r.Lender == ([20]byte{}) {
		return fmt.Errorf("node: seller, inspector and lender must all be set")
	}
	if r.Seller == r.Inspector || r.Seller == r.Lender || r.Inspector == r.Lender {
		return fmt.Errorf("node: role identities must be distinct")
	}
	return nil
}

// payloadEvent is implemented by the engines' event wrappers.
type payloadEvent interface {
	events.Event
	Event() *types.Event
}

// Node hosts the state manager and the native engines. Every mutating
// operation is applied under one mutex, giving the single globally-ordered
// atomic-step execution model the ledger promises: no two operations execute
// concurrently and an admitted operation runs to completion or is rejected
// outright.
type Node struct {
	mu       sync.Mutex
	state    *state.Manager
	registry *registry.Engine
	escrow   *escrow.Engine
	pauses   *nativecommon.PauseSet
	logger   *slog.Logger
	events   []types.Event
}

// NewNode wires the state manager and engines over the supplied database.
func NewNode(db storage.Database, roles Roles, logger *slog.Logger) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: database must be set")
	}
	if err := roles.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		state:  state.NewManager(db),
		pauses: nativecommon.NewPauseSet(),
		logger: logger,
	}
	reg := registry.NewEngine()
	reg.SetState(n.state)
	reg.SetEmitter(n)
	reg.SetPauses(n.pauses)

	esc := escrow.NewEngine(state.AssetRegistryAddress(), roles.Seller, roles.Inspector, roles.Lender)
	esc.SetState(n.state)
	esc.SetRegistry(reg)
	esc.SetEmitter(n)
	esc.SetPauses(n.pauses)

	n.registry = reg
	n.escrow = esc
	return n, nil
}

// SetModulePaused toggles the administrative pause for a native module
// ("escrow" or "registry"). Mutating operations on a paused module are
// rejected until it is resumed; reads stay available.
func (n *Node) SetModulePaused(module string, paused bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pauses.SetPaused(module, paused)
	n.logger.Info("module pause updated", slog.String("module", module), slog.Bool("paused", paused))
}

// ApplyGenesis seeds account balances on a fresh database; it is a no-op once
// applied.
func (n *Node) ApplyGenesis(alloc map[[20]byte]*big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.ApplyGenesis(alloc)
}

// Emit implements events.Emitter. The engines invoke it while the node mutex
// is held, so the history needs no extra locking here.
func (n *Node) Emit(evt events.Event) {
	payload, ok := evt.(payloadEvent)
	if !ok || payload.Event() == nil {
		return
	}
	e := payload.Event()
	n.events = append(n.events, *e)
	if len(n.events) > eventHistoryLimit {
		n.events = n.events[len(n.events)-eventHistoryLimit:]
	}
	n.logger.Info("event emitted", slog.String("type", e.Type), slog.Any("attributes", e.Attributes))
}

// Events returns a copy of the retained event history.
func (n *Node) Events() []types.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]types.Event, len(n.events))
	copy(out, n.events)
	return out
}

func (n *Node) publishBalance() {
	if pooled, err := n.state.PooledBalance(); err == nil {
		f, _ := new(big.Float).SetInt(pooled).Float64()
		metrics.Ledger().SetPooledBalance(f)
	}
}

func (n *Node) run(method string, fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := fn()
	metrics.Ledger().ObserveOp(method, err)
	if err != nil {
		n.logger.Warn("operation rejected", slog.String("method", method), slog.Any("error", err))
		return err
	}
	n.publishBalance()
	return nil
}

// --- Escrow operations ---

func (n *Node) List(caller [20]byte, assetID uint64, buyer [20]byte, purchasePrice, escrowAmount *big.Int) error {
	return n.run("list", func() error {
		return n.escrow.List(caller, assetID, buyer, purchasePrice, escrowAmount)
	})
}

func (n *Node) DepositEarnest(caller [20]byte, assetID uint64, amount *big.Int) error {
	return n.run("depositEarnest", func() error {
		return n.escrow.DepositEarnest(caller, assetID, amount)
	})
}

func (n *Node) FundSale(caller [20]byte, assetID uint64, amount *big.Int) error {
	return n.run("fundSale", func() error {
		return n.escrow.FundSale(caller, assetID, amount)
	})
}

func (n *Node) UpdateInspectionStatus(caller [20]byte, assetID uint64, passed bool) error {
	return n.run("updateInspectionStatus", func() error {
		return n.escrow.UpdateInspectionStatus(caller, assetID, passed)
	})
}

func (n *Node) ApproveSale(caller [20]byte, assetID uint64) error {
	return n.run("approveSale", func() error {
		return n.escrow.ApproveSale(caller, assetID)
	})
}

func (n *Node) FinalizeSale(caller [20]byte, assetID uint64) error {
	return n.run("finalizeSale", func() error {
		return n.escrow.FinalizeSale(caller, assetID)
	})
}

func (n *Node) CancelSale(caller [20]byte, assetID uint64) error {
	return n.run("cancelSale", func() error {
		return n.escrow.CancelSale(caller, assetID)
	})
}

// --- Registry operations ---

func (n *Node) MintAsset(caller [20]byte, metadataURI string) (uint64, error) {
	var id uint64
	err := n.run("mint", func() error {
		var inner error
		id, inner = n.registry.Mint(caller, metadataURI)
		return inner
	})
	return id, err
}

func (n *Node) ApproveAssetTransfer(caller, delegate [20]byte, assetID uint64) error {
	return n.run("approveTransfer", func() error {
		return n.registry.ApproveTransfer(caller, delegate, assetID)
	})
}

func (n *Node) TransferAsset(caller [20]byte, assetID uint64, to [20]byte) error {
	return n.run("transferCustody", func() error {
		return n.registry.TransferCustody(caller, assetID, to)
	})
}

// --- Read surface ---

func (n *Node) GetListing(assetID uint64) (*escrow.Listing, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.escrow.GetListing(assetID)
}

func (n *Node) IsListed(assetID uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.escrow.IsListed(assetID)
}

func (n *Node) Approval(assetID uint64, party [20]byte) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.escrow.Approval(assetID, party)
}

func (n *Node) ListingBalance(assetID uint64) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.escrow.ListingBalance(assetID)
}

func (n *Node) PooledBalance() (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.escrow.PooledBalance()
}

func (n *Node) AccountBalance(addr [20]byte) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	acc, err := n.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.Balance), nil
}

func (n *Node) Seller() [20]byte    { return n.escrow.Seller() }
func (n *Node) Inspector() [20]byte { return n.escrow.Inspector() }
func (n *Node) Lender() [20]byte    { return n.escrow.Lender() }

// RegistryAddress returns the identity of the embedded deed registry.
func (n *Node) RegistryAddress() [20]byte { return n.escrow.RegistryAddress() }

func (n *Node) CustodianOf(assetID uint64) ([20]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registry.CustodianOf(assetID)
}

func (n *Node) MetadataURI(assetID uint64) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registry.MetadataURI(assetID)
}

func (n *Node) TotalIssued() (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registry.TotalIssued()
}
