package types

import "math/big"

// Account holds the spendable balance tracked by the ledger for one address.
type Account struct {
	Nonce   uint64
	Balance *big.Int
}

// EnsureDefaults replaces nil big.Int fields with zero values so callers can
// operate on the account without nil checks.
func (a *Account) EnsureDefaults() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	if a.Balance == nil {
		a.Balance = big.NewInt(0)
	}
	return a
}
