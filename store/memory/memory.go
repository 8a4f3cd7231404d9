// Package memory provides an in-memory settlement.TxStore for tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory guards a data set with a RWMutex. WithTx holds the write lock for
// the whole unit of work and restores a snapshot on error.
type Memory struct {
	mu sync.RWMutex
	d  *data
}

var _ settlement.TxStore = (*Memory)(nil)

func New() *Memory {
	return &Memory{d: newData()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(settlement.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	if err := fn(m.d); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

// =============================================================================
// SEED - Inputs owned by upstream systems
// =============================================================================

func (m *Memory) SaveDriver(_ context.Context, d settlement.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.drivers[d.ID] = d
	return nil
}

func (m *Memory) SaveLoad(_ context.Context, l settlement.Load) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.loads[l.ID] = cloneLoad(l)
	return nil
}

// =============================================================================
// LOCKED DELEGATES
// =============================================================================

func (m *Memory) GetDriver(ctx context.Context, id generic.DriverID) (settlement.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetDriver(ctx, id)
}

func (m *Memory) LoadsByIDs(ctx context.Context, driverID generic.DriverID, ids []generic.LoadID) ([]settlement.Load, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.LoadsByIDs(ctx, driverID, ids)
}

func (m *Memory) LoadsInPeriod(ctx context.Context, driverID generic.DriverID, period generic.Period) ([]settlement.Load, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.LoadsInPeriod(ctx, driverID, period)
}

func (m *Memory) GetRule(ctx context.Context, id generic.RuleID) (settlement.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetRule(ctx, id)
}

func (m *Memory) SaveRule(ctx context.Context, rule settlement.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.SaveRule(ctx, rule)
}

func (m *Memory) ActiveRules(ctx context.Context, companyID string) ([]settlement.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ActiveRules(ctx, companyID)
}

func (m *Memory) AddToRuleBalance(ctx context.Context, id generic.RuleID, delta decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.AddToRuleBalance(ctx, id, delta)
}

func (m *Memory) GetAdvance(ctx context.Context, id generic.AdvanceID) (settlement.Advance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetAdvance(ctx, id)
}

func (m *Memory) SaveAdvance(ctx context.Context, adv settlement.Advance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.SaveAdvance(ctx, adv)
}

func (m *Memory) AdvancesByDriver(ctx context.Context, driverID generic.DriverID) ([]settlement.Advance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.AdvancesByDriver(ctx, driverID)
}

func (m *Memory) AdvancesBySettlement(ctx context.Context, id generic.SettlementID) ([]settlement.Advance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.AdvancesBySettlement(ctx, id)
}

func (m *Memory) LinkAdvance(ctx context.Context, id generic.AdvanceID, settlementID generic.SettlementID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.LinkAdvance(ctx, id, settlementID)
}

func (m *Memory) UnlinkAdvances(ctx context.Context, settlementID generic.SettlementID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.UnlinkAdvances(ctx, settlementID)
}

func (m *Memory) CreateSettlement(ctx context.Context, s *settlement.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.CreateSettlement(ctx, s)
}

func (m *Memory) UpdateSettlement(ctx context.Context, s *settlement.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.UpdateSettlement(ctx, s)
}

func (m *Memory) GetSettlement(ctx context.Context, id generic.SettlementID) (settlement.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetSettlement(ctx, id)
}

func (m *Memory) ListSettlements(ctx context.Context, driverID generic.DriverID) ([]settlement.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ListSettlements(ctx, driverID)
}

func (m *Memory) FindActiveSettlement(ctx context.Context, driverID generic.DriverID, period generic.Period) (*settlement.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.FindActiveSettlement(ctx, driverID, period)
}

func (m *Memory) ReplaceLineItems(ctx context.Context, id generic.SettlementID, items []settlement.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.ReplaceLineItems(ctx, id, items)
}

func (m *Memory) ListLineItems(ctx context.Context, id generic.SettlementID) ([]settlement.LineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ListLineItems(ctx, id)
}

func (m *Memory) RuleHistory(ctx context.Context, driverID generic.DriverID) ([]settlement.HistoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.RuleHistory(ctx, driverID)
}

func (m *Memory) LatestUnappliedBalance(ctx context.Context, driverID generic.DriverID) (*settlement.NegativeBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.LatestUnappliedBalance(ctx, driverID)
}

func (m *Memory) BalanceFor(ctx context.Context, id generic.SettlementID) (*settlement.NegativeBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.BalanceFor(ctx, id)
}

func (m *Memory) BalancesAppliedTo(ctx context.Context, id generic.SettlementID) ([]settlement.NegativeBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.BalancesAppliedTo(ctx, id)
}

func (m *Memory) SaveBalance(ctx context.Context, nb settlement.NegativeBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.SaveBalance(ctx, nb)
}

func (m *Memory) ApplyBalance(ctx context.Context, id generic.BalanceID, settlementID generic.SettlementID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.ApplyBalance(ctx, id, settlementID, at)
}

func (m *Memory) ReleaseBalances(ctx context.Context, settlementID generic.SettlementID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.ReleaseBalances(ctx, settlementID)
}

func (m *Memory) DeleteBalance(ctx context.Context, id generic.BalanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.DeleteBalance(ctx, id)
}

func (m *Memory) AppendActivity(ctx context.Context, entry generic.ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.AppendActivity(ctx, entry)
}

func (m *Memory) QueryActivity(ctx context.Context, filter generic.ActivityFilter) ([]generic.ActivityEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.QueryActivity(ctx, filter)
}

// =============================================================================
// DATA - Unlocked state; also serves as the transactional view
// =============================================================================

type data struct {
	drivers     map[generic.DriverID]settlement.Driver
	loads       map[generic.LoadID]settlement.Load
	rules       map[generic.RuleID]settlement.Rule
	advances    map[generic.AdvanceID]settlement.Advance
	settlements map[generic.SettlementID]settlement.Settlement
	lineItems   map[generic.SettlementID][]settlement.LineItem
	balances    map[generic.BalanceID]settlement.NegativeBalance
	activity    []generic.ActivityEntry
}

func newData() *data {
	return &data{
		drivers:     make(map[generic.DriverID]settlement.Driver),
		loads:       make(map[generic.LoadID]settlement.Load),
		rules:       make(map[generic.RuleID]settlement.Rule),
		advances:    make(map[generic.AdvanceID]settlement.Advance),
		settlements: make(map[generic.SettlementID]settlement.Settlement),
		lineItems:   make(map[generic.SettlementID][]settlement.LineItem),
		balances:    make(map[generic.BalanceID]settlement.NegativeBalance),
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.drivers {
		c.drivers[k] = v
	}
	for k, v := range d.loads {
		c.loads[k] = v // loads are never mutated in place
	}
	for k, v := range d.rules {
		c.rules[k] = v
	}
	for k, v := range d.advances {
		c.advances[k] = v
	}
	for k, v := range d.settlements {
		c.settlements[k] = cloneSettlement(v)
	}
	for k, v := range d.lineItems {
		c.lineItems[k] = append([]settlement.LineItem(nil), v...)
	}
	for k, v := range d.balances {
		c.balances[k] = v
	}
	c.activity = append([]generic.ActivityEntry(nil), d.activity...)
	return c
}

func (d *data) GetDriver(_ context.Context, id generic.DriverID) (settlement.Driver, error) {
	drv, ok := d.drivers[id]
	if !ok {
		return settlement.Driver{}, fmt.Errorf("driver %s: %w", id, generic.ErrDriverNotFound)
	}
	return drv, nil
}

func (d *data) LoadsByIDs(_ context.Context, driverID generic.DriverID, ids []generic.LoadID) ([]settlement.Load, error) {
	var out []settlement.Load
	seen := make(map[generic.LoadID]bool, len(ids))
	for _, id := range ids {
		l, ok := d.loads[id]
		if !ok || seen[id] || l.DriverID != driverID {
			continue
		}
		seen[id] = true
		out = append(out, cloneLoad(l))
	}
	return out, nil
}

func (d *data) LoadsInPeriod(_ context.Context, driverID generic.DriverID, period generic.Period) ([]settlement.Load, error) {
	var out []settlement.Load
	for _, l := range d.loads {
		if l.DriverID != driverID {
			continue
		}
		delivered := l.DeliveredAt != nil && period.Contains(*l.DeliveredAt)
		updated := !l.UpdatedAt.IsZero() && period.Contains(l.UpdatedAt)
		if delivered || updated {
			out = append(out, cloneLoad(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *data) GetRule(_ context.Context, id generic.RuleID) (settlement.Rule, error) {
	r, ok := d.rules[id]
	if !ok {
		return settlement.Rule{}, fmt.Errorf("rule %s: %w", id, generic.ErrRuleNotFound)
	}
	return r, nil
}

func (d *data) SaveRule(_ context.Context, rule settlement.Rule) error {
	d.rules[rule.ID] = rule
	return nil
}

func (d *data) ActiveRules(_ context.Context, companyID string) ([]settlement.Rule, error) {
	var out []settlement.Rule
	for _, r := range d.rules {
		if !r.Active {
			continue
		}
		if companyID != "" && r.Scope.CompanyID != "" && r.Scope.CompanyID != companyID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *data) AddToRuleBalance(_ context.Context, id generic.RuleID, delta decimal.Decimal) (decimal.Decimal, error) {
	r, ok := d.rules[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("rule %s: %w", id, generic.ErrRuleNotFound)
	}
	r.CurrentBalance = r.CurrentBalance.Add(delta)
	d.rules[id] = r
	return r.CurrentBalance, nil
}

func (d *data) GetAdvance(_ context.Context, id generic.AdvanceID) (settlement.Advance, error) {
	a, ok := d.advances[id]
	if !ok {
		return settlement.Advance{}, fmt.Errorf("advance %s: %w", id, generic.ErrAdvanceNotFound)
	}
	return a, nil
}

func (d *data) SaveAdvance(_ context.Context, adv settlement.Advance) error {
	d.advances[adv.ID] = adv
	return nil
}

func (d *data) AdvancesByDriver(_ context.Context, driverID generic.DriverID) ([]settlement.Advance, error) {
	return d.advancesWhere(func(a settlement.Advance) bool { return a.DriverID == driverID }), nil
}

func (d *data) AdvancesBySettlement(_ context.Context, id generic.SettlementID) ([]settlement.Advance, error) {
	return d.advancesWhere(func(a settlement.Advance) bool { return a.SettlementID == id }), nil
}

func (d *data) advancesWhere(keep func(settlement.Advance) bool) []settlement.Advance {
	var out []settlement.Advance
	for _, a := range d.advances {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *data) LinkAdvance(_ context.Context, id generic.AdvanceID, settlementID generic.SettlementID) error {
	a, ok := d.advances[id]
	if !ok {
		return fmt.Errorf("advance %s: %w", id, generic.ErrAdvanceNotFound)
	}
	if a.SettlementID == settlementID {
		return nil
	}
	if a.SettlementID != "" {
		return fmt.Errorf("advance %s held by %s: %w", id, a.SettlementID, generic.ErrAdvanceConsumed)
	}
	a.SettlementID = settlementID
	d.advances[id] = a
	return nil
}

func (d *data) UnlinkAdvances(_ context.Context, settlementID generic.SettlementID) error {
	for id, a := range d.advances {
		if a.SettlementID == settlementID {
			a.SettlementID = ""
			d.advances[id] = a
		}
	}
	return nil
}

func (d *data) CreateSettlement(_ context.Context, s *settlement.Settlement) error {
	if _, exists := d.settlements[s.ID]; exists {
		return fmt.Errorf("settlement %s already exists", s.ID)
	}
	if s.AutoGenerated && s.Status.Active() {
		if dup := d.activeFor(s.DriverID, s.Period()); dup != nil {
			return &generic.DuplicateSettlementError{DriverID: s.DriverID, Period: s.Period(), ExistingID: dup.ID}
		}
	}
	s.Version = 1
	d.settlements[s.ID] = cloneSettlement(*s)
	return nil
}

func (d *data) UpdateSettlement(_ context.Context, s *settlement.Settlement) error {
	stored, ok := d.settlements[s.ID]
	if !ok {
		return fmt.Errorf("settlement %s: %w", s.ID, generic.ErrSettlementNotFound)
	}
	if stored.Version != s.Version {
		return fmt.Errorf("settlement %s version %d, have %d: %w",
			s.ID, stored.Version, s.Version, generic.ErrConcurrentModification)
	}
	s.Version++
	d.settlements[s.ID] = cloneSettlement(*s)
	return nil
}

func (d *data) GetSettlement(_ context.Context, id generic.SettlementID) (settlement.Settlement, error) {
	s, ok := d.settlements[id]
	if !ok {
		return settlement.Settlement{}, fmt.Errorf("settlement %s: %w", id, generic.ErrSettlementNotFound)
	}
	return cloneSettlement(s), nil
}

func (d *data) ListSettlements(_ context.Context, driverID generic.DriverID) ([]settlement.Settlement, error) {
	var out []settlement.Settlement
	for _, s := range d.settlements {
		if s.DriverID == driverID {
			out = append(out, cloneSettlement(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].PeriodStart.Before(out[j].PeriodStart)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (d *data) FindActiveSettlement(_ context.Context, driverID generic.DriverID, period generic.Period) (*settlement.Settlement, error) {
	s := d.activeFor(driverID, period)
	if s == nil {
		return nil, nil
	}
	c := cloneSettlement(*s)
	return &c, nil
}

// activeFor returns the oldest active settlement of any origin for the period.
func (d *data) activeFor(driverID generic.DriverID, period generic.Period) *settlement.Settlement {
	key := period.Key()
	var found *settlement.Settlement
	for _, s := range d.settlements {
		if s.DriverID != driverID || !s.Status.Active() || s.Period().Key() != key {
			continue
		}
		if found == nil || s.CreatedAt.Before(found.CreatedAt) ||
			(s.CreatedAt.Equal(found.CreatedAt) && s.ID < found.ID) {
			c := s
			found = &c
		}
	}
	return found
}

func (d *data) ReplaceLineItems(_ context.Context, id generic.SettlementID, items []settlement.LineItem) error {
	d.lineItems[id] = append([]settlement.LineItem(nil), items...)
	return nil
}

func (d *data) ListLineItems(_ context.Context, id generic.SettlementID) ([]settlement.LineItem, error) {
	return append([]settlement.LineItem(nil), d.lineItems[id]...), nil
}

func (d *data) RuleHistory(_ context.Context, driverID generic.DriverID) ([]settlement.HistoryItem, error) {
	var out []settlement.HistoryItem
	for id, s := range d.settlements {
		if s.DriverID != driverID || !s.Status.Active() {
			continue
		}
		for _, li := range d.lineItems[id] {
			ruleID, ok := li.RuleID()
			if !ok {
				continue
			}
			out = append(out, settlement.HistoryItem{
				Item:        li,
				RuleID:      ruleID,
				Status:      s.Status,
				PeriodStart: s.PeriodStart,
				PeriodEnd:   s.PeriodEnd,
			})
		}
	}
	return out, nil
}

func (d *data) LatestUnappliedBalance(_ context.Context, driverID generic.DriverID) (*settlement.NegativeBalance, error) {
	var latest *settlement.NegativeBalance
	for _, nb := range d.balances {
		if nb.DriverID != driverID || nb.Applied {
			continue
		}
		if latest == nil || nb.CreatedAt.After(latest.CreatedAt) {
			found := nb
			latest = &found
		}
	}
	return latest, nil
}

func (d *data) BalanceFor(_ context.Context, id generic.SettlementID) (*settlement.NegativeBalance, error) {
	for _, nb := range d.balances {
		if nb.SettlementID == id {
			found := nb
			return &found, nil
		}
	}
	return nil, nil
}

func (d *data) BalancesAppliedTo(_ context.Context, id generic.SettlementID) ([]settlement.NegativeBalance, error) {
	var out []settlement.NegativeBalance
	for _, nb := range d.balances {
		if nb.Applied && nb.AppliedToSettlementID == id {
			out = append(out, nb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *data) SaveBalance(_ context.Context, nb settlement.NegativeBalance) error {
	d.balances[nb.ID] = nb
	return nil
}

func (d *data) ApplyBalance(_ context.Context, id generic.BalanceID, settlementID generic.SettlementID, at time.Time) error {
	nb, ok := d.balances[id]
	if !ok || nb.Applied {
		return fmt.Errorf("negative balance %s no longer open: %w", id, generic.ErrConcurrentModification)
	}
	nb.Applied = true
	nb.AppliedToSettlementID = settlementID
	nb.AppliedAt = &at
	d.balances[id] = nb
	return nil
}

func (d *data) ReleaseBalances(_ context.Context, settlementID generic.SettlementID) error {
	for id, nb := range d.balances {
		if nb.Applied && nb.AppliedToSettlementID == settlementID {
			nb.Applied = false
			nb.AppliedToSettlementID = ""
			nb.AppliedAt = nil
			d.balances[id] = nb
		}
	}
	return nil
}

func (d *data) DeleteBalance(_ context.Context, id generic.BalanceID) error {
	delete(d.balances, id)
	return nil
}

func (d *data) AppendActivity(_ context.Context, entry generic.ActivityEntry) error {
	d.activity = append(d.activity, entry)
	return nil
}

func (d *data) QueryActivity(_ context.Context, filter generic.ActivityFilter) ([]generic.ActivityEntry, error) {
	var out []generic.ActivityEntry
	for _, e := range d.activity {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// COPY HELPERS
// =============================================================================

func cloneSettlement(s settlement.Settlement) settlement.Settlement {
	s.LoadIDs = append([]generic.LoadID(nil), s.LoadIDs...)
	s.History = append([]settlement.AuditSnapshot(nil), s.History...)
	return s
}

func cloneLoad(l settlement.Load) settlement.Load {
	l.Accessorials = append([]settlement.Accessorial(nil), l.Accessorials...)
	l.Expenses = append([]settlement.Expense(nil), l.Expenses...)
	invoices := make([]settlement.Invoice, 0, len(l.Invoices))
	for _, inv := range l.Invoices {
		inv.Accessorials = append([]settlement.Accessorial(nil), inv.Accessorials...)
		invoices = append(invoices, inv)
	}
	l.Invoices = invoices
	return l
}
