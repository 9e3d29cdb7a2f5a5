package state

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/zulnabil/millow/core/types"
	"github.com/zulnabil/millow/native/escrow"
	"github.com/zulnabil/millow/native/registry"
	"github.com/zulnabil/millow/storage"
)

const (
	accountPrefix = "millow/account/"
	assetPrefix   = "millow/asset/"
	listingPrefix = "millow/listing/"
	vaultPrefix   = "millow/vault/"
	assetCountKey = "millow/asset-count"
	vaultTotalKey = "millow/vault-total"
	genesisKey    = "millow/genesis-applied"
)

// Module identities are derived deterministically so every instance of the
// ledger agrees on the vault and registry addresses without configuration.
var (
	escrowVaultAddr   = moduleAddress("millow/escrow-vault")
	assetRegistryAddr = moduleAddress("millow/asset-registry")
)

func moduleAddress(label string) [20]byte {
	var addr [20]byte
	hash := ethcrypto.Keccak256([]byte(label))
	copy(addr[:], hash[12:])
	return addr
}

// EscrowVaultAddress returns the ledger identity that holds escrowed funds and
// asset custody while a sale is pending.
func EscrowVaultAddress() [20]byte { return escrowVaultAddr }

// AssetRegistryAddress returns the ledger identity of the deed registry.
func AssetRegistryAddress() [20]byte { return assetRegistryAddr }

// Manager persists accounts, assets, listings and vault balances in a KV
// database, implementing the state interfaces consumed by the native engines.
// Records are RLP-encoded under prefixed keys.
type Manager struct {
	db storage.Database
}

// NewManager wraps the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func (m *Manager) getRecord(key string, out interface{}) (bool, error) {
	raw, err := m.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("state: corrupt record at %s: %w", key, err)
	}
	return true, nil
}

func (m *Manager) putRecord(key string, v interface{}) error {
	encoded, err := rlp.EncodeToBytes(v)
	if err != nil {
		return err
	}
	return m.db.Put([]byte(key), encoded)
}

// --- Accounts ---

func accountKey(addr []byte) string {
	return accountPrefix + fmt.Sprintf("%x", addr)
}

// GetAccount loads the account for the address, returning a zero-balance
// account when none is stored yet.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	acc := &types.Account{}
	ok, err := m.getRecord(accountKey(addr), acc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return (&types.Account{}).EnsureDefaults(), nil
	}
	return acc.EnsureDefaults(), nil
}

// PutAccount stores the account for the address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	return m.putRecord(accountKey(addr), account.EnsureDefaults())
}

// --- Registry state ---

func assetKey(id uint64) string {
	return assetPrefix + strconv.FormatUint(id, 10)
}

func (m *Manager) AssetPut(a *registry.Asset) error {
	sanitized, err := registry.SanitizeAsset(a)
	if err != nil {
		return err
	}
	return m.putRecord(assetKey(sanitized.ID), sanitized)
}

func (m *Manager) AssetGet(id uint64) (*registry.Asset, bool) {
	asset := &registry.Asset{}
	ok, err := m.getRecord(assetKey(id), asset)
	if err != nil || !ok {
		return nil, false
	}
	return asset, true
}

func (m *Manager) AssetCount() (uint64, error) {
	raw, err := m.db.Get([]byte(assetCountKey))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("state: corrupt asset count: %w", err)
	}
	return count, nil
}

func (m *Manager) AssetSetCount(count uint64) error {
	return m.db.Put([]byte(assetCountKey), []byte(strconv.FormatUint(count, 10)))
}

// --- Escrow state ---

func listingKey(assetID uint64) string {
	return listingPrefix + strconv.FormatUint(assetID, 10)
}

func vaultKey(assetID uint64) string {
	return vaultPrefix + strconv.FormatUint(assetID, 10)
}

func (m *Manager) ListingPut(l *escrow.Listing) error {
	sanitized, err := escrow.SanitizeListing(l)
	if err != nil {
		return err
	}
	return m.putRecord(listingKey(sanitized.AssetID), sanitized)
}

func (m *Manager) ListingGet(assetID uint64) (*escrow.Listing, bool) {
	listing := &escrow.Listing{}
	ok, err := m.getRecord(listingKey(assetID), listing)
	if err != nil || !ok {
		return nil, false
	}
	return listing, true
}

func (m *Manager) readAmount(key string) (*big.Int, error) {
	raw, err := m.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("state: corrupt amount at %s", key)
	}
	return amount, nil
}

func (m *Manager) writeAmount(key string, amount *big.Int) error {
	return m.db.Put([]byte(key), []byte(amount.String()))
}

func (m *Manager) adjustAmount(key string, delta *big.Int) error {
	current, err := m.readAmount(key)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(current, delta)
	if next.Sign() < 0 {
		return fmt.Errorf("state: balance underflow at %s", key)
	}
	// Zero balances are stored as key absence.
	if next.Sign() == 0 {
		return m.db.Delete([]byte(key))
	}
	return m.writeAmount(key, next)
}

// ListingCredit adds funds to the listing's vault balance and to the pooled
// total.
func (m *Manager) ListingCredit(assetID uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	if err := m.adjustAmount(vaultKey(assetID), amount); err != nil {
		return err
	}
	return m.adjustAmount(vaultTotalKey, amount)
}

// ListingDebit removes funds from the listing's vault balance and from the
// pooled total.
func (m *Manager) ListingDebit(assetID uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: debit amount must be non-negative")
	}
	neg := new(big.Int).Neg(amount)
	if err := m.adjustAmount(vaultKey(assetID), neg); err != nil {
		return err
	}
	return m.adjustAmount(vaultTotalKey, neg)
}

// ListingBalance returns the funds held for one listing.
func (m *Manager) ListingBalance(assetID uint64) (*big.Int, error) {
	return m.readAmount(vaultKey(assetID))
}

// PooledBalance returns the instance-wide total held across all listings.
func (m *Manager) PooledBalance() (*big.Int, error) {
	return m.readAmount(vaultTotalKey)
}

// EscrowVaultAddress returns the account that custodies escrowed funds.
func (m *Manager) EscrowVaultAddress() [20]byte { return escrowVaultAddr }

// --- Genesis ---

// GenesisApplied reports whether initial balances were already written.
func (m *Manager) GenesisApplied() (bool, error) {
	_, err := m.db.Get([]byte(genesisKey))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ApplyGenesis seeds account balances once per database.
func (m *Manager) ApplyGenesis(alloc map[[20]byte]*big.Int) error {
	applied, err := m.GenesisApplied()
	if err != nil {
		return err
	}
	if applied {
		return nil
	}
	for addr, amount := range alloc {
		if amount == nil || amount.Sign() < 0 {
			return fmt.Errorf("state: genesis allocation must be non-negative")
		}
		acc, err := m.GetAccount(addr[:])
		if err != nil {
			return err
		}
		acc.Balance = new(big.Int).Set(amount)
		if err := m.PutAccount(addr[:], acc); err != nil {
			return err
		}
	}
	return m.db.Put([]byte(genesisKey), []byte("1"))
}
