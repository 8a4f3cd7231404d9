package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/lock"
	"github.com/warp/settlement-engine/settlement"
)

var (
	mar3 = generic.NewDate(2025, time.March, 3)
	mar5 = generic.NewDate(2025, time.March, 5)
	mar9 = generic.NewDate(2025, time.March, 9)
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "settlements.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testSettlement(id string) *settlement.Settlement {
	return &settlement.Settlement{
		ID:            generic.SettlementID(id),
		DriverID:      "drv-1",
		PeriodStart:   mar3,
		PeriodEnd:     mar9,
		LoadIDs:       []generic.LoadID{"L-1"},
		GrossPay:      dec("330"),
		NetPay:        dec("330"),
		Status:        settlement.StatusPending,
		AutoGenerated: true,
		CreatedAt:     mar9,
		UpdatedAt:     mar9,
	}
}

func TestLoad_RoundTripWithCharges(t *testing.T) {
	// GIVEN: A load with a pay override, a detention charge, an expense and
	//        an invoice carrying its own fuel surcharge
	// WHEN: Saving and reading it back by id and by period
	// THEN: Every nested charge comes back attached to the right owner

	ctx := context.Background()
	s := newTestStore(t)
	override := dec("410.25")
	load := settlement.Load{
		ID:                 "L-1",
		DriverID:           "drv-1",
		CompanyID:          "acme",
		LoadNumber:         "LN-1",
		LoadedMiles:        dec("500"),
		EmptyMiles:         dec("50.5"),
		Revenue:            dec("1500"),
		DriverPay:          &override,
		Status:             settlement.LoadInvoiced,
		ReadyForSettlement: true,
		DeliveredAt:        &mar5,
		UpdatedAt:          mar5,
		Accessorials: []settlement.Accessorial{
			{ID: "acc-1", LoadID: "L-1", Type: settlement.AccessorialDetention, Amount: dec("45")},
		},
		Expenses: []settlement.Expense{
			{ID: "exp-1", LoadID: "L-1", Type: settlement.ExpenseToll, Status: settlement.ExpenseApproved, Amount: dec("12.50")},
		},
		Invoices: []settlement.Invoice{{
			ID: "inv-1", LoadID: "L-1", Total: dec("2000"),
			Accessorials: []settlement.Accessorial{
				{ID: "fsc-1", LoadID: "L-1", InvoiceID: "inv-1", Type: settlement.AccessorialFuelSurcharge, Amount: dec("200")},
			},
		}},
	}
	require.NoError(t, s.SaveLoad(ctx, load))
	// Saving again replaces children instead of duplicating them
	require.NoError(t, s.SaveLoad(ctx, load))

	loads, err := s.LoadsByIDs(ctx, "drv-1", []generic.LoadID{"L-1", "L-missing"})
	require.NoError(t, err)
	require.Len(t, loads, 1)
	got := loads[0]

	require.NotNil(t, got.DriverPay)
	assert.True(t, override.Equal(*got.DriverPay))
	assert.True(t, dec("550.5").Equal(got.TotalMiles()))
	require.NotNil(t, got.DeliveredAt)
	assert.True(t, mar5.Equal(*got.DeliveredAt))
	require.Len(t, got.Accessorials, 1)
	assert.Equal(t, settlement.AccessorialDetention, got.Accessorials[0].Type)
	require.Len(t, got.Expenses, 1)
	assert.True(t, dec("12.50").Equal(got.Expenses[0].Amount))
	require.Len(t, got.Invoices, 1)
	assert.True(t, dec("200").Equal(got.Invoices[0].FuelSurcharge()))

	inPeriod, err := s.LoadsInPeriod(ctx, "drv-1", generic.NewPeriod(mar3, mar9))
	require.NoError(t, err)
	assert.Len(t, inPeriod, 1)

	other, err := s.LoadsInPeriod(ctx, "drv-2", generic.NewPeriod(mar3, mar9))
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestGetDriver_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDriver(context.Background(), "ghost")
	assert.ErrorIs(t, err, generic.ErrDriverNotFound)
}

func TestCreateSettlement_ActivePeriodIsUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	first := testSettlement("s-1")
	require.NoError(t, s.CreateSettlement(ctx, first))
	assert.Equal(t, 1, first.Version)

	err := s.CreateSettlement(ctx, testSettlement("s-2"))
	var dup *generic.DuplicateSettlementError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, generic.SettlementID("s-1"), dup.ExistingID)
	assert.ErrorIs(t, err, generic.ErrDuplicateSettlement)

	manual := testSettlement("s-3")
	manual.AutoGenerated = false
	require.NoError(t, s.CreateSettlement(ctx, manual))

	// The explicit settlement still blocks automatic generation
	first.Status = settlement.StatusVoid
	require.NoError(t, s.UpdateSettlement(ctx, first))
	err = s.CreateSettlement(ctx, testSettlement("s-4"))
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, generic.SettlementID("s-3"), dup.ExistingID)

	found, err := s.FindActiveSettlement(ctx, "drv-1", generic.NewPeriod(mar3, mar9))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, generic.SettlementID("s-3"), found.ID)

	manual.Status = settlement.StatusVoid
	require.NoError(t, s.UpdateSettlement(ctx, manual))
	assert.NoError(t, s.CreateSettlement(ctx, testSettlement("s-4")))
}

func TestUpdateSettlement_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateSettlement(ctx, testSettlement("s-1")))

	a, err := s.GetSettlement(ctx, "s-1")
	require.NoError(t, err)
	b, err := s.GetSettlement(ctx, "s-1")
	require.NoError(t, err)

	a.Notes = "first writer"
	require.NoError(t, s.UpdateSettlement(ctx, &a))
	assert.Equal(t, 2, a.Version)

	err = s.UpdateSettlement(ctx, &b)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	stored, err := s.GetSettlement(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "first writer", stored.Notes)
	assert.Equal(t, []generic.LoadID{"L-1"}, stored.LoadIDs)

	missing := testSettlement("s-missing")
	assert.ErrorIs(t, s.UpdateSettlement(ctx, missing), generic.ErrSettlementNotFound)
}

func TestWithTx_RollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx settlement.Store) error {
		require.NoError(t, tx.CreateSettlement(ctx, testSettlement("s-1")))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	_, err = s.GetSettlement(ctx, "s-1")
	assert.ErrorIs(t, err, generic.ErrSettlementNotFound)
}

func TestLineItems_SourcesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateSettlement(ctx, testSettlement("s-1")))

	items := []settlement.LineItem{
		{ID: "li-1", DriverID: "drv-1", Category: settlement.CategoryAddition, Type: settlement.TypeDetentionPay,
			Amount: dec("45"), Source: settlement.AccessorialSource{AccessorialID: "acc-1", LoadID: "L-1", Type: settlement.AccessorialDetention}},
		{ID: "li-2", DriverID: "drv-1", Category: settlement.CategoryDeduction, Type: settlement.TypeEscrow,
			Amount: dec("50"), Source: settlement.RuleSource{RuleID: "escrow", Mode: settlement.ModeFixed, Capped: true}},
		{ID: "li-3", DriverID: "drv-1", Category: settlement.CategoryDeduction, Type: settlement.TypeNegativeBalance,
			Amount: dec("70"), Source: settlement.NegativeBalanceSource{BalanceID: "nb-1", OriginSettlementID: "s-0"}},
		{ID: "li-4", DriverID: "drv-1", Category: settlement.CategoryDeduction, Type: settlement.TypeAdvance,
			Amount: dec("100"), Source: settlement.AdvanceSource{AdvanceID: "adv-1"}},
	}
	require.NoError(t, s.ReplaceLineItems(ctx, "s-1", items))

	got, err := s.ListLineItems(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, items[0].Source, got[0].Source)
	assert.Equal(t, items[1].Source, got[1].Source)
	assert.Equal(t, items[2].Source, got[2].Source)
	assert.Equal(t, items[3].Source, got[3].Source)

	hist, err := s.RuleHistory(ctx, "drv-1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, generic.RuleID("escrow"), hist[0].RuleID)
	assert.True(t, mar9.Equal(hist[0].PeriodEnd))

	require.NoError(t, s.ReplaceLineItems(ctx, "s-1", items[:1]))
	got, err = s.ListLineItems(ctx, "s-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestApplyBalance_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveBalance(ctx, settlement.NegativeBalance{
		ID: "nb-1", DriverID: "drv-1", SettlementID: "s-1", Amount: dec("170"), CreatedAt: mar9,
	}))

	latest, err := s.LatestUnappliedBalance(ctx, "drv-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, dec("170").Equal(latest.Amount))

	require.NoError(t, s.ApplyBalance(ctx, "nb-1", "s-2", mar9))
	assert.ErrorIs(t, s.ApplyBalance(ctx, "nb-1", "s-3", mar9), generic.ErrConcurrentModification)

	latest, err = s.LatestUnappliedBalance(ctx, "drv-1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	applied, err := s.BalancesAppliedTo(ctx, "s-2")
	require.NoError(t, err)
	require.Len(t, applied, 1)
	require.NotNil(t, applied[0].AppliedAt)

	require.NoError(t, s.ReleaseBalances(ctx, "s-2"))
	latest, err = s.LatestUnappliedBalance(ctx, "drv-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Nil(t, latest.AppliedAt)

	require.NoError(t, s.DeleteBalance(ctx, "nb-1"))
	nb, err := s.BalanceFor(ctx, "s-1")
	require.NoError(t, err)
	assert.Nil(t, nb)
}

func TestLinkAdvance_HeldBySomeoneElse(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveAdvance(ctx, settlement.Advance{
		ID: "adv-1", DriverID: "drv-1", Amount: dec("100"), Status: settlement.AdvanceApproved, RequestedAt: mar3, PaidAt: &mar5,
	}))

	require.NoError(t, s.LinkAdvance(ctx, "adv-1", "s-1"))
	require.NoError(t, s.LinkAdvance(ctx, "adv-1", "s-1"))
	assert.ErrorIs(t, s.LinkAdvance(ctx, "adv-1", "s-2"), generic.ErrAdvanceConsumed)
	assert.ErrorIs(t, s.LinkAdvance(ctx, "adv-missing", "s-2"), generic.ErrAdvanceNotFound)

	linked, err := s.AdvancesBySettlement(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, linked, 1)
	require.NotNil(t, linked[0].PaidAt)
	assert.True(t, mar5.Equal(*linked[0].PaidAt))

	require.NoError(t, s.UnlinkAdvances(ctx, "s-1"))
	assert.NoError(t, s.LinkAdvance(ctx, "adv-1", "s-2"))
}

func TestRules_ScopeAndBalance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	goal := dec("1000")
	require.NoError(t, s.SaveRule(ctx, settlement.Rule{
		ID: "escrow", Name: "Escrow", Type: settlement.TypeEscrow,
		Scope: settlement.RuleScope{Kind: settlement.ScopeDriver, CompanyID: "acme", DriverID: "drv-1"},
		Mode:  settlement.ModeFixed, Amount: dec("50"), GoalAmount: &goal,
		Frequency: settlement.FrequencyPerSettlement, Active: true, CreatedAt: mar3,
	}))
	require.NoError(t, s.SaveRule(ctx, settlement.Rule{
		ID: "other-co", Name: "Other", Type: settlement.TypeInsurance,
		Scope: settlement.RuleScope{Kind: settlement.ScopeCompany, CompanyID: "globex"},
		Mode:  settlement.ModeFixed, Amount: dec("25"),
		Frequency: settlement.FrequencyWeekly, Active: true, CreatedAt: mar3,
	}))

	rules, err := s.ActiveRules(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.NotNil(t, rules[0].GoalAmount)
	assert.True(t, goal.Equal(*rules[0].GoalAmount))
	assert.Nil(t, rules[0].MaxAmount)

	bal, err := s.AddToRuleBalance(ctx, "escrow", dec("50"))
	require.NoError(t, err)
	assert.True(t, dec("50").Equal(bal))
	bal, err = s.AddToRuleBalance(ctx, "escrow", dec("-20"))
	require.NoError(t, err)
	assert.True(t, dec("30").Equal(bal))

	_, err = s.AddToRuleBalance(ctx, "missing", dec("1"))
	assert.ErrorIs(t, err, generic.ErrRuleNotFound)
}

func TestActivity_QueryFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.AppendActivity(ctx, generic.ActivityEntry{
		Timestamp: mar5, ActorID: "ops", Action: generic.ActivitySettlementGenerated,
		DriverID: "drv-1", SettlementID: "s-1", Payload: map[string]any{"net_pay": "330.00"},
	}))
	require.NoError(t, s.AppendActivity(ctx, generic.ActivityEntry{
		Timestamp: mar9, ActorID: "ops", Action: generic.ActivitySettlementApproved, DriverID: "drv-1", SettlementID: "s-1",
	}))

	id := generic.SettlementID("s-1")
	all, err := s.QueryActivity(ctx, generic.ActivityFilter{SettlementID: &id})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.NotEmpty(t, all[0].ID)
	assert.Equal(t, "330.00", all[0].Payload["net_pay"])

	approved, err := s.QueryActivity(ctx, generic.ActivityFilter{
		Actions: []generic.ActivityAction{generic.ActivitySettlementApproved},
	})
	require.NoError(t, err)
	require.Len(t, approved, 1)

	to := mar5
	early, err := s.QueryActivity(ctx, generic.ActivityFilter{To: &to})
	require.NoError(t, err)
	assert.Len(t, early, 1)
}

func TestService_GeneratesAgainstSQLite(t *testing.T) {
	// GIVEN: A per-mile driver with one delivered load and an approved advance
	// WHEN: Generating the week twice through the service
	// THEN: The first run persists items and links the advance; the second
	//       is refused by the active-period check

	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2025, time.March, 31, 9, 0, 0, 0, time.UTC)
	svc, err := settlement.NewService(s, lock.NewLocal(), settlement.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	require.NoError(t, s.SaveDriver(ctx, settlement.Driver{
		ID: "drv-1", Number: "DRV-1042", CompanyID: "acme",
		PayType: settlement.PayPerMile, PayRate: dec("0.60"), AdvanceLimit: dec("500"),
	}))
	require.NoError(t, s.SaveLoad(ctx, settlement.Load{
		ID: "L-1", DriverID: "drv-1", CompanyID: "acme", LoadNumber: "LN-1",
		LoadedMiles: dec("500"), EmptyMiles: dec("50"), Revenue: dec("1500"),
		Status: settlement.LoadDelivered, ReadyForSettlement: true, DeliveredAt: &mar5, UpdatedAt: mar5,
	}))
	require.NoError(t, s.SaveAdvance(ctx, settlement.Advance{
		ID: "adv-1", DriverID: "drv-1", Amount: dec("100"), Status: settlement.AdvanceApproved,
		RequestedAt: mar3, PaidAt: &mar5,
	}))

	req := settlement.GenerateRequest{DriverID: "drv-1", PeriodStart: mar3, PeriodEnd: mar9}
	st, err := svc.GenerateSettlement(ctx, req)
	require.NoError(t, err)
	assert.True(t, dec("330").Equal(st.GrossPay))
	assert.True(t, dec("230").Equal(st.NetPay))

	stored, err := s.GetSettlement(ctx, st.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Audit)
	assert.True(t, dec("230").Equal(stored.NetPay))

	adv, err := s.GetAdvance(ctx, "adv-1")
	require.NoError(t, err)
	assert.Equal(t, st.ID, adv.SettlementID)

	items, err := s.ListLineItems(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, settlement.TypeAdvance, items[0].Type)

	_, err = svc.GenerateSettlement(ctx, req)
	assert.ErrorIs(t, err, generic.ErrDuplicateSettlement)
}
