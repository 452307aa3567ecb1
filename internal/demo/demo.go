// Package demo wires eventstore, engine, and config together into a
// small worked example — a key/value account ledger — the way the
// teacher repository's cmd/demo/main.go exercises its own controller
// end to end (start, crash, recover).
package demo

import (
	"fmt"
	"time"

	"github.com/lithair/lithair-sub001/internal/config"
	"github.com/lithair/lithair-sub001/internal/engine"
	"github.com/lithair/lithair-sub001/internal/eventstore"
)

// Account is the example aggregate: a balance keyed by account id, with
// "email" as a secondary, unique lookup field.
type Account struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Balance int64  `json:"balance"`
}

func (a Account) IndexValues() map[string]string {
	return map[string]string{"email": a.Email}
}

// Ledger bundles an EventStore and Engine[Account] behind the small
// surface a demo needs: deposit, withdraw, and a recovery path.
type Ledger struct {
	store *eventstore.EventStore
	eng   *engine.Engine[Account]
}

// Open starts a Ledger rooted at dir, replaying any existing log and
// loading the most recent snapshot first.
func Open(cfg *config.Config, dir string) (*Ledger, error) {
	lc := cfg.ToLithairConfig()

	store, err := eventstore.Open(dir, lc)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	engCfg := engine.DefaultConfig()
	engCfg.SnapshotInterval = cfg.Snapshot.Threshold
	eng := engine.New[Account](store, engCfg)
	eng.CreateIndex("email", true)

	if _, err := eng.LoadSnapshot(); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := eng.ReplayEvents(); err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}

	return &Ledger{store: store, eng: eng}, nil
}

// OpenAccount creates a new account with a zero balance, enforcing the unique
// email index.
func (l *Ledger) OpenAccount(id, email string) error {
	return l.eng.ApplyEvent(id, "account_opened", Account{ID: id, Email: email}, nil, "", true)
}

// Deposit adds amount to id's balance and appends a durable event.
func (l *Ledger) Deposit(id string, amount int64) error {
	var current Account
	var found bool
	l.eng.Read(id, func(data Account, f bool) { current, found = data, f })
	if !found {
		return fmt.Errorf("account %s not found", id)
	}
	current.Balance += amount
	return l.eng.ApplyEvent(id, "deposited", current, nil, "", true)
}

// DepositIdempotent is Deposit with an explicit idempotence key: calling it
// more than once with the same eventID applies the mutation at most once,
// returning lithair.ErrDuplicateEvent (via errors.Is) on the repeat calls.
func (l *Ledger) DepositIdempotent(id string, amount int64, eventID string) error {
	var current Account
	var found bool
	l.eng.Read(id, func(data Account, f bool) { current, found = data, f })
	if !found {
		return fmt.Errorf("account %s not found", id)
	}
	current.Balance += amount
	return l.eng.ApplyEvent(id, "deposited", current, nil, eventID, true)
}

// Withdraw subtracts amount from id's balance, rejecting overdrafts.
func (l *Ledger) Withdraw(id string, amount int64) error {
	var current Account
	var found bool
	l.eng.Read(id, func(data Account, f bool) { current, found = data, f })
	if !found {
		return fmt.Errorf("account %s not found", id)
	}
	if current.Balance < amount {
		return fmt.Errorf("insufficient balance: have %d, want to withdraw %d", current.Balance, amount)
	}
	current.Balance -= amount
	return l.eng.ApplyEvent(id, "withdrawn", current, nil, "", true)
}

// Balance returns id's current balance.
func (l *Ledger) Balance(id string) (int64, bool) {
	var balance int64
	var found bool
	l.eng.Read(id, func(data Account, f bool) { balance, found = data.Balance, f })
	return balance, found
}

// MaybeSnapshot takes a snapshot if the engine has crossed its
// configured event threshold since the last one.
func (l *Ledger) MaybeSnapshot() error {
	if !l.eng.ShouldSnapshot() {
		return nil
	}
	return l.eng.Snapshot()
}

// Snapshot takes a snapshot unconditionally, regardless of the
// configured event threshold.
func (l *Ledger) Snapshot() error {
	return l.eng.Snapshot()
}

// Stats exposes the engine's read/write/conflict counters.
func (l *Ledger) Stats() (reads, writes, conflicts uint64) {
	return l.eng.Stats()
}

// VerifyIntegrity walks the full hash chain on disk.
func (l *Ledger) VerifyIntegrity() (valid bool, totalEvents int, err error) {
	result, err := l.store.VerifyChain()
	if err != nil {
		return false, 0, err
	}
	return result.IsValid, result.TotalEvents, nil
}

// Close releases the underlying event store's resources (including its
// advisory directory lock).
func (l *Ledger) Close() error {
	return l.store.Close()
}

// SimulateCrashRecovery demonstrates the durability guarantee the
// teacher's cmd/demo exercises: open a ledger, mutate it, close without
// an explicit final snapshot, then reopen and confirm every mutation
// survived via log replay.
func SimulateCrashRecovery(cfg *config.Config, dir string) (before, after int64, elapsed time.Duration, err error) {
	l1, err := Open(cfg, dir)
	if err != nil {
		return 0, 0, 0, err
	}
	if err := l1.OpenAccount("acc-demo", "demo@example.com"); err != nil {
		l1.Close()
		return 0, 0, 0, err
	}
	if err := l1.Deposit("acc-demo", 100); err != nil {
		l1.Close()
		return 0, 0, 0, err
	}
	before, _ = l1.Balance("acc-demo")
	if err := l1.Close(); err != nil {
		return 0, 0, 0, err
	}

	start := time.Now()
	l2, err := Open(cfg, dir)
	if err != nil {
		return before, 0, 0, err
	}
	defer l2.Close()
	elapsed = time.Since(start)

	after, _ = l2.Balance("acc-demo")
	return before, after, elapsed, nil
}
