package syncer

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/storage"
)

// RebaseRemaining recomputes a config's remaining allocation when the user
// changes the total allocation. The amount already deployed into open
// positions carries over unchanged, so:
//
//	remaining = newAllocation - (oldAllocation - oldRemaining)
//
// floored at zero when the new allocation no longer covers what is deployed.
func RebaseRemaining(oldAllocation, oldRemaining, newAllocation decimal.Decimal) decimal.Decimal {
	used := oldAllocation.Sub(oldRemaining)
	remaining := newAllocation.Sub(used)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// Ledger serializes allocation changes per config. Sizing a copy depends on
// the remaining allocation it is about to debit, so every read-compute-commit
// sequence for one config must run alone; sequences for different configs
// proceed in parallel.
type Ledger struct {
	store storage.DataStore

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewLedger(store storage.DataStore) *Ledger {
	return &Ledger{
		store: store,
		locks: make(map[int64]*sync.Mutex),
	}
}

func (l *Ledger) lockFor(configID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.locks[configID]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[configID] = mu
	}
	return mu
}

// WithConfig runs fn while holding the config's allocation lock. fn must use
// the store directly; a nested ledger call for the same config deadlocks.
func (l *Ledger) WithConfig(configID int64, fn func() error) error {
	mu := l.lockFor(configID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// Debit reserves amount from the config's remaining allocation and reports
// what is left. Fails with storage.ErrInsufficientAllocation when the
// remaining balance cannot cover it.
func (l *Ledger) Debit(ctx context.Context, configID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	var remaining decimal.Decimal
	err := l.WithConfig(configID, func() error {
		var err error
		remaining, err = l.store.DebitAllocation(ctx, configID, amount)
		return err
	})
	return remaining, err
}

// Credit returns a closed position's size to the config and folds the
// realized pnl into its running total. A losing close still credits the full
// size; the loss shows up in total_pnl, not as a reduced refund.
func (l *Ledger) Credit(ctx context.Context, configID int64, size, pnl decimal.Decimal) error {
	return l.WithConfig(configID, func() error {
		return l.store.CreditAllocation(ctx, configID, size, pnl)
	})
}

// Forget drops the lock entry for a deleted config. Call it only after the
// delete has committed so no in-flight sequence still depends on the entry.
func (l *Ledger) Forget(configID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, configID)
}
