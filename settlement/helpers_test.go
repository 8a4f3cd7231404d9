package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/lock"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2025, time.March, 31, 9, 0, 0, 0, time.UTC)

// hookStore runs beforeBalance the first time generation reads the open
// negative balance, between the preview and the commit.
type hookStore struct {
	*memory.Memory
	beforeBalance func()
	fired         bool
}

func (h *hookStore) LatestUnappliedBalance(ctx context.Context, driverID generic.DriverID) (*settlement.NegativeBalance, error) {
	if !h.fired && h.beforeBalance != nil {
		h.fired = true
		h.beforeBalance()
	}
	return h.Memory.LatestUnappliedBalance(ctx, driverID)
}

type fixture struct {
	ctx    context.Context
	store  *memory.Memory
	locker *lock.Local
	svc    *settlement.Service
}

func newFixture(t *testing.T, opts ...settlement.Option) *fixture {
	t.Helper()
	f := &fixture{
		ctx:    context.Background(),
		store:  memory.New(),
		locker: lock.NewLocal(),
	}
	opts = append([]settlement.Option{settlement.WithClock(func() time.Time { return testNow })}, opts...)
	svc, err := settlement.NewService(f.store, f.locker, opts...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(d int) time.Time {
	return generic.NewDate(2025, time.March, d)
}

// week returns Monday..Sunday of the n-th full week of March 2025 (n from 1).
func week(n int) (time.Time, time.Time) {
	start := day(3 + 7*(n-1))
	return start, start.AddDate(0, 0, 6)
}

func perMileDriver(id, number string) settlement.Driver {
	return settlement.Driver{
		ID:           generic.DriverID(id),
		Number:       number,
		Name:         "Test Driver " + number,
		CompanyID:    "acme",
		DriverType:   "company",
		PayType:      settlement.PayPerMile,
		PayRate:      money("0.60"),
		AdvanceLimit: money("500"),
	}
}

// readyLoad is a delivered 500 loaded + 50 empty mile load.
func readyLoad(id string, driverID generic.DriverID, delivered time.Time) settlement.Load {
	return settlement.Load{
		ID:                 generic.LoadID(id),
		DriverID:           driverID,
		CompanyID:          "acme",
		LoadNumber:         "LN-" + id,
		LoadedMiles:        money("500"),
		EmptyMiles:         money("50"),
		Revenue:            money("1500"),
		Status:             settlement.LoadDelivered,
		ReadyForSettlement: true,
		DeliveredAt:        &delivered,
		UpdatedAt:          delivered,
	}
}

func (f *fixture) seedDriver(t *testing.T, d settlement.Driver) {
	t.Helper()
	require.NoError(t, f.store.SaveDriver(f.ctx, d))
}

func (f *fixture) seedLoad(t *testing.T, l settlement.Load) {
	t.Helper()
	require.NoError(t, f.store.SaveLoad(f.ctx, l))
}

func (f *fixture) seedRule(t *testing.T, r settlement.Rule) {
	t.Helper()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = day(1)
	}
	r.Active = true
	require.NoError(t, f.store.SaveRule(f.ctx, r))
}

func (f *fixture) generateWeek(t *testing.T, driverID generic.DriverID, n int) *settlement.Settlement {
	t.Helper()
	start, end := week(n)
	st, err := f.svc.GenerateSettlement(f.ctx, settlement.GenerateRequest{
		DriverID:    driverID,
		PeriodStart: start,
		PeriodEnd:   end,
	})
	require.NoError(t, err)
	return st
}

func (f *fixture) approvedAdvance(t *testing.T, driverID generic.DriverID, amount string, paidAt time.Time) *settlement.Advance {
	t.Helper()
	adv, err := f.svc.Advances().RequestAdvance(f.ctx, settlement.AdvanceRequest{
		DriverID: driverID,
		Amount:   money(amount),
		Reason:   "fuel",
	})
	require.NoError(t, err)
	adv, err = f.svc.Advances().ApproveAdvance(f.ctx, adv.ID, settlement.Review{
		ReviewedBy:    "dispatcher-1",
		PaidAt:        &paidAt,
		PaymentMethod: "comchek",
	})
	require.NoError(t, err)
	return adv
}

func escrowRule(id string, scope settlement.RuleScope, amount, goal, current string) settlement.Rule {
	r := settlement.Rule{
		ID:         generic.RuleID(id),
		Name:       "Escrow",
		Type:       settlement.TypeEscrow,
		IsAddition: false,
		Scope:      scope,
		Mode:       settlement.ModeFixed,
		Amount:     money(amount),
		Frequency:  settlement.FrequencyPerSettlement,
	}
	if goal != "" {
		r.GoalAmount = generic.DecimalPtr(money(goal))
	}
	if current != "" {
		r.CurrentBalance = money(current)
	}
	return r
}

func deductionRule(id string, amount string, freq settlement.Frequency) settlement.Rule {
	return settlement.Rule{
		ID:        generic.RuleID(id),
		Name:      "Deduction " + id,
		Type:      settlement.TypeOtherDeduction,
		Scope:     settlement.RuleScope{Kind: settlement.ScopeCompany, CompanyID: "acme"},
		Mode:      settlement.ModeFixed,
		Amount:    money(amount),
		Frequency: freq,
	}
}

func driverScope(id generic.DriverID) settlement.RuleScope {
	return settlement.RuleScope{Kind: settlement.ScopeDriver, CompanyID: "acme", DriverID: id}
}

func companyScope() settlement.RuleScope {
	return settlement.RuleScope{Kind: settlement.ScopeCompany, CompanyID: "acme"}
}

// assertNetInvariant checks net = gross + additions - deductions - advances - previous.
func assertNetInvariant(t *testing.T, st *settlement.Settlement) {
	t.Helper()
	raw := st.GrossPay.Add(st.TotalAdditions).Sub(st.TotalDeductions).Sub(st.TotalAdvances).Sub(st.PreviousBalance)
	require.True(t, raw.Equal(st.RawNet()), "net %s != formula %s", st.RawNet(), raw)
	if raw.IsNegative() {
		require.True(t, st.NetPay.IsZero(), "stored net must be floored at zero")
		require.True(t, st.CarriedForward.Equal(raw.Neg()))
	}
}

func itemsOfType(items []settlement.LineItem, typ settlement.LineItemType) []settlement.LineItem {
	var out []settlement.LineItem
	for _, li := range items {
		if li.Type == typ {
			out = append(out, li)
		}
	}
	return out
}

func decEq(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, money(want).Equal(got), "want %s got %s", want, got.String())
}
