/*
repository.go - Persistence contract for the settlement engine

PURPOSE:
  The engine never talks to a database directly. It reads drivers, loads,
  rules, advances and prior settlements through the repositories below and
  writes every settlement-side effect inside one TxStore.WithTx unit of work.

KEY INTERFACES:
  DriverRepository           read-only driver records
  LoadRepository             loads with nested accessorials/expenses/invoices
  RuleRepository             scoped rules and driver-scoped running balances
  AdvanceRepository          advance records and settlement links
  SettlementRepository       settlements, line items, rule history
  NegativeBalanceRepository  carried shortfalls
  Store                      all of the above plus the activity log
  TxStore                    Store with atomic multi-entity writes

CONFLICT DETECTION:
  CreateSettlement must refuse an active auto-generated settlement while any
  active settlement (explicit ones included) covers the same driver and
  period, even under concurrent callers, returning
  *generic.DuplicateSettlementError. UpdateSettlement is compare-and-swap on
  Version and returns generic.ErrConcurrentModification on a stale write.

BATCHING:
  Loads arrive with their nested charges in one call, and rule history for
  a driver comes from one query, so a settlement costs a constant number
  of round-trips regardless of how many loads or rules are involved.

IMPLEMENTATIONS:
  - store/memory: maps behind a mutex, snapshot rollback
  - store/sqlite: SQLite with goose migrations
*/
package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
)

type DriverRepository interface {
	// GetDriver returns generic.ErrDriverNotFound when missing.
	GetDriver(ctx context.Context, id generic.DriverID) (Driver, error)
}

type LoadRepository interface {
	// LoadsByIDs returns the driver's loads among ids. Unknown ids and loads
	// of other drivers are omitted.
	LoadsByIDs(ctx context.Context, driverID generic.DriverID, ids []generic.LoadID) ([]Load, error)

	// LoadsInPeriod returns the driver's loads delivered or last updated
	// within the period. Status filtering is the caller's job.
	LoadsInPeriod(ctx context.Context, driverID generic.DriverID, period generic.Period) ([]Load, error)
}

type RuleRepository interface {
	GetRule(ctx context.Context, id generic.RuleID) (Rule, error)
	SaveRule(ctx context.Context, rule Rule) error

	// ActiveRules returns active rules that may apply to the driver's
	// company. Callers still check RuleScope.Matches.
	ActiveRules(ctx context.Context, companyID string) ([]Rule, error)

	// AddToRuleBalance adds delta to a rule's CurrentBalance and returns the new value.
	AddToRuleBalance(ctx context.Context, id generic.RuleID, delta decimal.Decimal) (decimal.Decimal, error)
}

type AdvanceRepository interface {
	GetAdvance(ctx context.Context, id generic.AdvanceID) (Advance, error)
	SaveAdvance(ctx context.Context, adv Advance) error
	AdvancesByDriver(ctx context.Context, driverID generic.DriverID) ([]Advance, error)
	AdvancesBySettlement(ctx context.Context, settlementID generic.SettlementID) ([]Advance, error)

	// LinkAdvance marks the advance consumed by settlementID. Linking to the
	// same settlement again is a no-op; linking an advance held by another
	// settlement returns generic.ErrAdvanceConsumed.
	LinkAdvance(ctx context.Context, id generic.AdvanceID, settlementID generic.SettlementID) error

	// UnlinkAdvances releases every advance consumed by settlementID.
	UnlinkAdvances(ctx context.Context, settlementID generic.SettlementID) error
}

// HistoryItem is a rule-sourced line item with the state of its settlement.
type HistoryItem struct {
	Item        LineItem
	RuleID      generic.RuleID
	Status      Status
	PeriodStart time.Time
	PeriodEnd   time.Time
}

type SettlementRepository interface {
	CreateSettlement(ctx context.Context, s *Settlement) error
	UpdateSettlement(ctx context.Context, s *Settlement) error
	GetSettlement(ctx context.Context, id generic.SettlementID) (Settlement, error)
	ListSettlements(ctx context.Context, driverID generic.DriverID) ([]Settlement, error)

	// FindActiveSettlement returns the oldest active settlement for the driver
	// and period, auto-generated or explicit, or nil.
	FindActiveSettlement(ctx context.Context, driverID generic.DriverID, period generic.Period) (*Settlement, error)

	// ReplaceLineItems deletes every line item of the settlement and inserts items.
	ReplaceLineItems(ctx context.Context, settlementID generic.SettlementID, items []LineItem) error
	ListLineItems(ctx context.Context, settlementID generic.SettlementID) ([]LineItem, error)

	// RuleHistory returns every rule-sourced line item of the driver's active
	// settlements in one query.
	RuleHistory(ctx context.Context, driverID generic.DriverID) ([]HistoryItem, error)
}

type NegativeBalanceRepository interface {
	// LatestUnappliedBalance returns the driver's open balance, or nil.
	LatestUnappliedBalance(ctx context.Context, driverID generic.DriverID) (*NegativeBalance, error)

	// BalanceFor returns the balance that originated at settlementID, or nil.
	BalanceFor(ctx context.Context, settlementID generic.SettlementID) (*NegativeBalance, error)

	// BalancesAppliedTo returns balances absorbed by settlementID.
	BalancesAppliedTo(ctx context.Context, settlementID generic.SettlementID) ([]NegativeBalance, error)

	SaveBalance(ctx context.Context, nb NegativeBalance) error

	// ApplyBalance marks an unapplied balance as absorbed by settlementID.
	// It returns generic.ErrConcurrentModification if the balance was
	// already applied elsewhere.
	ApplyBalance(ctx context.Context, id generic.BalanceID, settlementID generic.SettlementID, at time.Time) error

	// ReleaseBalances reopens every balance absorbed by settlementID.
	ReleaseBalances(ctx context.Context, settlementID generic.SettlementID) error

	DeleteBalance(ctx context.Context, id generic.BalanceID) error
}

// Store is everything the engine reads and writes.
type Store interface {
	DriverRepository
	LoadRepository
	RuleRepository
	AdvanceRepository
	SettlementRepository
	NegativeBalanceRepository
	generic.ActivityLog
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store it received is
	// rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Locker serializes work on one key across workers.
type Locker interface {
	// Acquire returns generic.ErrLocked when the key is held elsewhere.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// UsageMeter records billable engine usage. Failures never undo a settlement.
type UsageMeter interface {
	RecordSettlement(ctx context.Context, s Settlement, loadCount int) error
}
