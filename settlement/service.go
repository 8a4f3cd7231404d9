/*
service.go - Settlement Orchestrator

PURPOSE:
  Entry point for everything that creates or changes a settlement. The
  service selects loads, asks the Calculator for a preview, and commits the
  settlement together with all of its side effects in one unit of work.

GENERATION:
  1. Reject when any active settlement exists for the period, explicit or
     not (skipped when the caller names loads explicitly)
  2. Select eligible loads
  3. Preview (gross, additions, deductions, advances, carried balance)
  4-7. In one transaction:
     - insert the settlement (the store re-checks the period uniqueness)
     - negative balance hand-off
     - line items
     - link consumed advances
     - running balances of driver-scoped goal rules
     - activity entry
  8. Meter usage after commit. A metering error is logged, never returned.

NEGATIVE BALANCE HAND-OFF:
  net < 0:  open a new balance of |net| for this settlement; a prior open
            balance is marked applied here (its amount is already inside net)
  net >= 0: a prior open balance is marked applied here and shown as a
            negative_balance deduction line

RECALCULATION:
  Guarded by the settlement lock, the owning driver's lock (shared with
  generation and void) and the settlement Version. The
  previous audit and totals are pushed onto History, the stored load ids
  are re-read, and all line items are replaced. The settlement's own
  negative balance is created, resized or removed to match the new sign,
  unless a later settlement already absorbed it.

LIFECYCLE:
  pending -> approved -> paid
  pending | approved -> void
  Paid settlements never change.
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/logger"
)

const defaultLockTTL = 30 * time.Second

type Service struct {
	store   TxStore
	calc    *Calculator
	ledger  *AdvanceLedger
	locker  Locker
	meter   UsageMeter
	log     *logger.Logger
	lockTTL time.Duration
	pattern string
	now     func() time.Time
	newID   func() string
}

type Option func(*Service)

func WithUsageMeter(m UsageMeter) Option   { return func(s *Service) { s.meter = m } }
func WithLogger(l *logger.Logger) Option   { return func(s *Service) { s.log = l } }
func WithLockTTL(ttl time.Duration) Option { return func(s *Service) { s.lockTTL = ttl } }
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithDriverNumberPattern overrides the regexp used by the contamination
// guard. An empty pattern disables it.
func WithDriverNumberPattern(p string) Option {
	return func(s *Service) { s.pattern = p }
}

// NewService wires the engine. A Locker is required; lock.NewLocal() suffices
// for a single process.
func NewService(store TxStore, locker Locker, opts ...Option) (*Service, error) {
	s := &Service{
		store:   store,
		locker:  locker,
		lockTTL: defaultLockTTL,
		pattern: DefaultDriverNumberPattern,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		return nil, errors.New("settlement: store is required")
	}
	if s.locker == nil {
		return nil, errors.New("settlement: locker is required")
	}
	rules, err := NewRuleProcessor(s.pattern)
	if err != nil {
		return nil, err
	}
	s.calc = NewCalculator(rules, s.log, s.now)
	s.ledger = NewAdvanceLedger(s.store, s.log, s.now, s.newID)
	return s, nil
}

// Advances exposes the Advance Ledger bound to the same store.
func (s *Service) Advances() *AdvanceLedger { return s.ledger }

// Calculator exposes the Calculation Engine.
func (s *Service) Calculator() *Calculator { return s.calc }

// =============================================================================
// GENERATION
// =============================================================================

type GenerateRequest struct {
	DriverID    generic.DriverID
	PeriodStart time.Time
	PeriodEnd   time.Time

	// LoadIDs selects loads explicitly. Explicit generation is exempt from
	// the one-settlement-per-period rule.
	LoadIDs              []generic.LoadID
	ForceIncludeNotReady bool

	Notes    string
	BatchRef string
	ActorID  string
}

func (r GenerateRequest) period() generic.Period {
	return generic.NewPeriod(r.PeriodStart, r.PeriodEnd)
}

// GenerateSettlement computes and persists a new settlement.
func (s *Service) GenerateSettlement(ctx context.Context, req GenerateRequest) (*Settlement, error) {
	period := req.period()
	if err := period.Validate(); err != nil {
		return nil, err
	}
	ctx = s.log.WithFields(ctx, map[string]any{
		"driver_id": string(req.DriverID),
		"period":    period.Key(),
	})

	release, err := s.locker.Acquire(ctx, "driver:"+string(req.DriverID), s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock driver %s: %w", req.DriverID, err)
	}
	defer release()

	driver, loads, preview, err := s.prepare(ctx, req, true)
	if err != nil {
		return nil, err
	}

	now := s.now()
	st := &Settlement{
		ID:            generic.SettlementID(s.newID()),
		DriverID:      driver.ID,
		PeriodStart:   period.Start,
		PeriodEnd:     period.End,
		LoadIDs:       loadIDs(loads),
		Status:        StatusPending,
		Notes:         req.Notes,
		BatchRef:      req.BatchRef,
		AutoGenerated: len(req.LoadIDs) == 0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	applyTotals(st, preview)

	err = s.store.WithTx(ctx, func(tx Store) error {
		if st.AutoGenerated {
			if err := checkDuplicate(ctx, tx, driver.ID, period); err != nil {
				return err
			}
		}
		if err := tx.CreateSettlement(ctx, st); err != nil {
			return fmt.Errorf("create settlement: %w", err)
		}

		items, err := s.handOffBalance(ctx, tx, st, preview, now)
		if err != nil {
			return err
		}
		if err := s.writeItems(ctx, tx, st, preview, items, now); err != nil {
			return err
		}
		if err := s.applyGoalDeltas(ctx, tx, nil, preview.Additions, preview.Deductions); err != nil {
			return err
		}
		return tx.AppendActivity(ctx, s.activity(st, generic.ActivitySettlementGenerated, req.ActorID, map[string]any{
			"load_count": len(loads),
			"gross_pay":  st.GrossPay.StringFixed(2),
			"net_pay":    st.NetPay.StringFixed(2),
			"carried":    st.CarriedForward.StringFixed(2),
			"batch_ref":  req.BatchRef,
		}))
	})
	if err != nil {
		return nil, err
	}

	ctx = s.log.WithSettlementID(ctx, string(st.ID))
	s.log.Info(ctx, "settlement generated")
	s.meterUsage(ctx, *st, len(loads))
	return st, nil
}

// PreviewSettlement runs selection and computation without writing anything.
func (s *Service) PreviewSettlement(ctx context.Context, req GenerateRequest) (*Preview, error) {
	if err := req.period().Validate(); err != nil {
		return nil, err
	}
	_, _, preview, err := s.prepare(ctx, req, false)
	return preview, err
}

func (s *Service) prepare(ctx context.Context, req GenerateRequest, checkDup bool) (Driver, []Load, *Preview, error) {
	period := req.period()
	driver, err := s.store.GetDriver(ctx, req.DriverID)
	if err != nil {
		return Driver{}, nil, nil, err
	}
	if checkDup && len(req.LoadIDs) == 0 {
		if err := checkDuplicate(ctx, s.store, driver.ID, period); err != nil {
			return Driver{}, nil, nil, err
		}
	}
	loads, err := s.SelectLoads(ctx, driver, period, req.LoadIDs, req.ForceIncludeNotReady)
	if err != nil {
		return Driver{}, nil, nil, err
	}
	preview, err := s.calc.Preview(ctx, s.store, PreviewInput{Driver: driver, Period: period, Loads: loads})
	if err != nil {
		return Driver{}, nil, nil, err
	}
	return driver, loads, preview, nil
}

func checkDuplicate(ctx context.Context, repo SettlementRepository, driverID generic.DriverID, period generic.Period) error {
	existing, err := repo.FindActiveSettlement(ctx, driverID, period)
	if err != nil {
		return fmt.Errorf("check existing settlement: %w", err)
	}
	if existing != nil {
		return &generic.DuplicateSettlementError{DriverID: driverID, Period: period, ExistingID: existing.ID}
	}
	return nil
}

// SelectLoads returns the loads a settlement for driver over period may
// include: explicitly listed or delivered/updated in the period, not
// deleted, in a settleable status, and ready (or billed, or forced).
func (s *Service) SelectLoads(ctx context.Context, driver Driver, period generic.Period, ids []generic.LoadID, force bool) ([]Load, error) {
	var (
		candidates []Load
		err        error
	)
	if len(ids) > 0 {
		candidates, err = s.store.LoadsByIDs(ctx, driver.ID, ids)
	} else {
		candidates, err = s.store.LoadsInPeriod(ctx, driver.ID, period)
	}
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	var out []Load
	for _, l := range candidates {
		if l.DriverID != driver.ID || l.Deleted || !l.Status.Settleable() {
			continue
		}
		if !l.ReadyForSettlement && !l.Status.Billed() && !force {
			continue
		}
		out = append(out, l)
	}
	if len(out) == 0 {
		return nil, generic.ErrNoEligibleLoads
	}
	return out, nil
}

// =============================================================================
// RECALCULATION
// =============================================================================

type RecalculateOptions struct {
	Reason  string
	ActorID string
}

// RecalculateSettlement recomputes a settlement from its stored load ids and
// replaces its line items.
func (s *Service) RecalculateSettlement(ctx context.Context, id generic.SettlementID, opts RecalculateOptions) (*Settlement, error) {
	ctx = s.log.WithSettlementID(ctx, string(id))

	release, err := s.locker.Acquire(ctx, "settlement:"+string(id), s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock settlement %s: %w", id, err)
	}
	defer release()

	current, err := s.store.GetSettlement(ctx, id)
	if err != nil {
		return nil, err
	}

	// Balances and rule history are per driver, shared with generation.
	releaseDriver, err := s.locker.Acquire(ctx, "driver:"+string(current.DriverID), s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock driver %s: %w", current.DriverID, err)
	}
	defer releaseDriver()

	switch current.Status {
	case StatusPaid:
		return nil, fmt.Errorf("recalculate %s: %w", id, generic.ErrSettlementPaid)
	case StatusVoid:
		return nil, fmt.Errorf("recalculate void settlement %s: %w", id, generic.ErrInvalidStatusTransition)
	}
	if err := s.ensureBalanceOpen(ctx, s.store, id); err != nil {
		return nil, err
	}

	driver, err := s.store.GetDriver(ctx, current.DriverID)
	if err != nil {
		return nil, err
	}
	loads, err := s.store.LoadsByIDs(ctx, driver.ID, current.LoadIDs)
	if err != nil {
		return nil, fmt.Errorf("load stored loads: %w", err)
	}
	previous, err := s.store.ListLineItems(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load line items: %w", err)
	}
	preview, err := s.calc.Preview(ctx, s.store, PreviewInput{
		Driver:       driver,
		Period:       current.Period(),
		Loads:        loads,
		SettlementID: id,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	updated := current
	updated.History = append(append([]AuditSnapshot(nil), current.History...),
		snapshotOf(current, opts.Reason, actorOr(opts.ActorID), now))
	applyTotals(&updated, preview)
	updated.UpdatedAt = now

	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := s.ensureBalanceOpen(ctx, tx, id); err != nil {
			return err
		}
		if err := tx.UpdateSettlement(ctx, &updated); err != nil {
			return fmt.Errorf("update settlement: %w", err)
		}

		var items []LineItem
		if preview.Net.IsNegative() {
			if err := s.upsertOwnBalance(ctx, tx, &updated, now); err != nil {
				return err
			}
		} else {
			if err := s.dropOwnBalance(ctx, tx, id); err != nil {
				return err
			}
			if preview.PreviousBalance != nil {
				items = append(items, balanceItem(&updated, preview.PreviousBalance, preview.PreviousAmount))
			}
		}
		if err := s.writeItems(ctx, tx, &updated, preview, items, now); err != nil {
			return err
		}
		if err := s.applyGoalDeltas(ctx, tx, previous, preview.Additions, preview.Deductions); err != nil {
			return err
		}
		return tx.AppendActivity(ctx, s.activity(&updated, generic.ActivitySettlementRecalculated, opts.ActorID, map[string]any{
			"reason":       opts.Reason,
			"previous_net": current.RawNet().StringFixed(2),
			"net_pay":      updated.RawNet().StringFixed(2),
			"history_len":  len(updated.History),
		}))
	})
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "settlement recalculated")
	return &updated, nil
}

// ensureBalanceOpen fails when the settlement's own negative balance was
// already absorbed by a later settlement.
func (s *Service) ensureBalanceOpen(ctx context.Context, repo NegativeBalanceRepository, id generic.SettlementID) error {
	own, err := repo.BalanceFor(ctx, id)
	if err != nil {
		return fmt.Errorf("load negative balance: %w", err)
	}
	if own != nil && own.Applied {
		return fmt.Errorf("settlement %s balance applied to %s: %w", id, own.AppliedToSettlementID, generic.ErrBalanceCarried)
	}
	return nil
}

func (s *Service) upsertOwnBalance(ctx context.Context, tx Store, st *Settlement, now time.Time) error {
	own, err := tx.BalanceFor(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("load negative balance: %w", err)
	}
	nb := NegativeBalance{
		ID:           generic.BalanceID(s.newID()),
		DriverID:     st.DriverID,
		SettlementID: st.ID,
		CreatedAt:    now,
	}
	if own != nil {
		nb = *own
	}
	nb.Amount = st.CarriedForward
	if err := tx.SaveBalance(ctx, nb); err != nil {
		return fmt.Errorf("save negative balance: %w", err)
	}
	return nil
}

func (s *Service) dropOwnBalance(ctx context.Context, tx Store, id generic.SettlementID) error {
	own, err := tx.BalanceFor(ctx, id)
	if err != nil {
		return fmt.Errorf("load negative balance: %w", err)
	}
	if own == nil {
		return nil
	}
	if err := tx.DeleteBalance(ctx, own.ID); err != nil {
		return fmt.Errorf("delete negative balance: %w", err)
	}
	return nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (s *Service) ApproveSettlement(ctx context.Context, id generic.SettlementID, actor string) (*Settlement, error) {
	return s.transition(ctx, id, actor, []Status{StatusPending}, StatusApproved, generic.ActivitySettlementApproved, nil)
}

func (s *Service) MarkSettlementPaid(ctx context.Context, id generic.SettlementID, actor string) (*Settlement, error) {
	return s.transition(ctx, id, actor, []Status{StatusApproved}, StatusPaid, generic.ActivitySettlementPaid, nil)
}

// VoidSettlement cancels an unpaid settlement and undoes its side effects:
// consumed advances are released, the balance it absorbed is reopened, its
// own open balance is removed, and driver-scoped goal balances are reversed.
func (s *Service) VoidSettlement(ctx context.Context, id generic.SettlementID, actor, reason string) (*Settlement, error) {
	current, err := s.store.GetSettlement(ctx, id)
	if err != nil {
		return nil, err
	}
	release, err := s.locker.Acquire(ctx, "driver:"+string(current.DriverID), s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock driver %s: %w", current.DriverID, err)
	}
	defer release()

	return s.transition(ctx, id, actor, []Status{StatusPending, StatusApproved}, StatusVoid, generic.ActivitySettlementVoided,
		func(tx Store, st *Settlement) error {
			if err := s.ensureBalanceOpen(ctx, tx, id); err != nil {
				return err
			}
			if err := s.dropOwnBalance(ctx, tx, id); err != nil {
				return err
			}
			if err := tx.ReleaseBalances(ctx, id); err != nil {
				return fmt.Errorf("release balances: %w", err)
			}
			if err := tx.UnlinkAdvances(ctx, id); err != nil {
				return fmt.Errorf("release advances: %w", err)
			}
			items, err := tx.ListLineItems(ctx, id)
			if err != nil {
				return fmt.Errorf("load line items: %w", err)
			}
			if err := s.applyGoalDeltas(ctx, tx, items); err != nil {
				return err
			}
			if reason != "" {
				st.Notes = appendNote(st.Notes, "void: "+reason)
			}
			return nil
		})
}

func (s *Service) transition(ctx context.Context, id generic.SettlementID, actor string, from []Status, to Status,
	action generic.ActivityAction, effects func(Store, *Settlement) error) (*Settlement, error) {

	var out Settlement
	err := s.store.WithTx(ctx, func(tx Store) error {
		st, err := tx.GetSettlement(ctx, id)
		if err != nil {
			return err
		}
		if !statusIn(st.Status, from) {
			if st.Status == StatusPaid {
				return fmt.Errorf("settlement %s: %w", id, generic.ErrSettlementPaid)
			}
			return fmt.Errorf("settlement %s %s -> %s: %w", id, st.Status, to, generic.ErrInvalidStatusTransition)
		}
		prev := st.Status
		now := s.now()
		st.Status = to
		st.UpdatedAt = now
		switch to {
		case StatusApproved:
			st.ApprovedAt = &now
		case StatusPaid:
			st.PaidAt = &now
		}
		if effects != nil {
			if err := effects(tx, &st); err != nil {
				return err
			}
		}
		if err := tx.UpdateSettlement(ctx, &st); err != nil {
			return fmt.Errorf("update settlement: %w", err)
		}
		out = st
		return tx.AppendActivity(ctx, s.activity(&st, action, actor, map[string]any{
			"from": string(prev),
			"to":   string(to),
		}))
	})
	if err != nil {
		return nil, err
	}
	s.log.Info(s.log.WithFields(ctx, map[string]any{
		"settlement_id": string(id),
		"status":        string(to),
	}), "settlement status changed")
	return &out, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) GetSettlement(ctx context.Context, id generic.SettlementID) (*Settlement, error) {
	st, err := s.store.GetSettlement(ctx, id)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Service) ListLineItems(ctx context.Context, id generic.SettlementID) ([]LineItem, error) {
	if _, err := s.store.GetSettlement(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListLineItems(ctx, id)
}

func (s *Service) ListSettlements(ctx context.Context, driverID generic.DriverID) ([]Settlement, error) {
	if _, err := s.store.GetDriver(ctx, driverID); err != nil {
		return nil, err
	}
	return s.store.ListSettlements(ctx, driverID)
}

// Activity returns activity log entries matching filter, oldest first.
func (s *Service) Activity(ctx context.Context, filter generic.ActivityFilter) ([]generic.ActivityEntry, error) {
	return s.store.QueryActivity(ctx, filter)
}

// CreateRule stores an already validated rule.
func (s *Service) CreateRule(ctx context.Context, rule Rule, actor string) (*Rule, error) {
	if rule.ID == "" {
		rule.ID = generic.RuleID(s.newID())
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = s.now()
	}
	err := s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.SaveRule(ctx, rule); err != nil {
			return fmt.Errorf("save rule: %w", err)
		}
		entry := generic.ActivityEntry{
			ID:        s.newID(),
			Timestamp: rule.CreatedAt,
			ActorID:   actorOr(actor),
			Action:    generic.ActivityRuleCreated,
			Payload: map[string]any{
				"rule_id":  string(rule.ID),
				"name":     rule.Name,
				"type":     string(rule.Type),
				"scope":    string(rule.Scope.Kind),
				"addition": rule.IsAddition,
			},
		}
		if rule.Scope.Kind == ScopeDriver {
			entry.DriverID = rule.Scope.DriverID
		}
		return tx.AppendActivity(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// =============================================================================
// UNIT-OF-WORK HELPERS
// =============================================================================

// handOffBalance performs the negative balance transition for a newly
// created settlement and returns the display line it produces, if any.
func (s *Service) handOffBalance(ctx context.Context, tx Store, st *Settlement, p *Preview, now time.Time) ([]LineItem, error) {
	prior := p.PreviousBalance
	if prior != nil {
		if err := tx.ApplyBalance(ctx, prior.ID, st.ID, now); err != nil {
			return nil, fmt.Errorf("apply negative balance %s: %w", prior.ID, err)
		}
	}
	if p.Net.IsNegative() {
		nb := NegativeBalance{
			ID:           generic.BalanceID(s.newID()),
			DriverID:     st.DriverID,
			SettlementID: st.ID,
			Amount:       st.CarriedForward,
			CreatedAt:    now,
		}
		if err := tx.SaveBalance(ctx, nb); err != nil {
			return nil, fmt.Errorf("save negative balance: %w", err)
		}
		return nil, nil
	}
	if prior != nil {
		return []LineItem{balanceItem(st, prior, p.PreviousAmount)}, nil
	}
	return nil, nil
}

func balanceItem(st *Settlement, nb *NegativeBalance, amount decimal.Decimal) LineItem {
	return LineItem{
		DriverID:    st.DriverID,
		Category:    CategoryDeduction,
		Type:        TypeNegativeBalance,
		Description: "Negative balance carried from settlement " + string(nb.SettlementID),
		Amount:      amount,
		Source:      NegativeBalanceSource{BalanceID: nb.ID, OriginSettlementID: nb.SettlementID},
	}
}

// writeItems replaces the settlement's line items (additions, advances,
// deductions, then extra) and links every advance it consumed.
func (s *Service) writeItems(ctx context.Context, tx Store, st *Settlement, p *Preview, extra []LineItem, now time.Time) error {
	all := make([]LineItem, 0, len(p.Additions)+len(p.AdvanceItems)+len(p.Deductions)+len(extra))
	all = append(all, p.Additions...)
	all = append(all, p.AdvanceItems...)
	all = append(all, p.Deductions...)
	all = append(all, extra...)
	for i := range all {
		all[i].ID = generic.LineItemID(s.newID())
		all[i].SettlementID = st.ID
		all[i].CreatedAt = now
	}
	if err := tx.ReplaceLineItems(ctx, st.ID, all); err != nil {
		return fmt.Errorf("write line items: %w", err)
	}
	for _, adv := range p.Advances {
		if err := tx.LinkAdvance(ctx, adv.ID, st.ID); err != nil {
			return fmt.Errorf("link advance %s: %w", adv.ID, err)
		}
	}
	return nil
}

// applyGoalDeltas moves the running balance of driver-scoped goal rules by
// (new items - old items) and refuses to cross the goal.
func (s *Service) applyGoalDeltas(ctx context.Context, tx Store, old []LineItem, added ...[]LineItem) error {
	deltas := make(map[generic.RuleID]decimal.Decimal)
	for _, group := range added {
		for _, li := range group {
			if id, ok := li.RuleID(); ok {
				deltas[id] = deltas[id].Add(li.Amount)
			}
		}
	}
	for _, li := range old {
		if id, ok := li.RuleID(); ok {
			deltas[id] = deltas[id].Sub(li.Amount)
		}
	}

	for id, delta := range deltas {
		if delta.IsZero() {
			continue
		}
		rule, err := tx.GetRule(ctx, id)
		if err != nil {
			return fmt.Errorf("load rule %s: %w", id, err)
		}
		if !rule.HasGoal() || !rule.Scope.DriverSpecific() {
			continue
		}
		balance, err := tx.AddToRuleBalance(ctx, rule.ID, delta)
		if err != nil {
			return fmt.Errorf("update rule %s balance: %w", rule.ID, err)
		}
		if balance.GreaterThan(*rule.GoalAmount) {
			return fmt.Errorf("rule %s balance %s exceeds goal %s: %w",
				rule.ID, balance.StringFixed(2), rule.GoalAmount.StringFixed(2), generic.ErrConcurrentModification)
		}
	}
	return nil
}

func (s *Service) activity(st *Settlement, action generic.ActivityAction, actor string, payload map[string]any) generic.ActivityEntry {
	return generic.ActivityEntry{
		ID:           s.newID(),
		Timestamp:    s.now(),
		ActorID:      actorOr(actor),
		Action:       action,
		DriverID:     st.DriverID,
		SettlementID: st.ID,
		Payload:      payload,
	}
}

func (s *Service) meterUsage(ctx context.Context, st Settlement, loadCount int) {
	if s.meter == nil {
		return
	}
	if err := s.meter.RecordSettlement(ctx, st, loadCount); err != nil {
		s.log.Warn(s.log.WithField(ctx, "error", err.Error()), "usage metering failed")
	}
}

func applyTotals(st *Settlement, p *Preview) {
	st.GrossPay = generic.Cents(p.Gross.Total)
	st.TotalAdditions = generic.Cents(p.TotalAdditions)
	st.TotalDeductions = generic.Cents(p.TotalDeductions)
	st.TotalAdvances = generic.Cents(p.TotalAdvances)
	st.PreviousBalance = generic.Cents(p.PreviousAmount)
	net := generic.Cents(p.Net)
	st.NetPay = generic.FloorZero(net)
	st.CarriedForward = decimal.Zero
	if net.IsNegative() {
		st.CarriedForward = net.Neg()
	}
	st.Audit = p.Audit
}

func loadIDs(loads []Load) []generic.LoadID {
	ids := make([]generic.LoadID, 0, len(loads))
	for _, l := range loads {
		ids = append(ids, l.ID)
	}
	return ids
}

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func appendNote(notes, line string) string {
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}
