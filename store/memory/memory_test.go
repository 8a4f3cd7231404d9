package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/settlement"
)

var (
	mar3 = generic.NewDate(2025, time.March, 3)
	mar9 = generic.NewDate(2025, time.March, 9)
)

func newSettlement(id string) *settlement.Settlement {
	return &settlement.Settlement{
		ID:            generic.SettlementID(id),
		DriverID:      "drv-1",
		PeriodStart:   mar3,
		PeriodEnd:     mar9,
		Status:        settlement.StatusPending,
		AutoGenerated: true,
		NetPay:        decimal.NewFromInt(330),
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := New()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(tx settlement.Store) error {
		require.NoError(t, tx.CreateSettlement(ctx, newSettlement("s-1")))
		require.NoError(t, tx.SaveBalance(ctx, settlement.NegativeBalance{ID: "nb-1", DriverID: "drv-1", SettlementID: "s-1"}))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	_, err = m.GetSettlement(ctx, "s-1")
	assert.ErrorIs(t, err, generic.ErrSettlementNotFound)
	nb, err := m.BalanceFor(ctx, "s-1")
	require.NoError(t, err)
	assert.Nil(t, nb)
}

func TestCreateSettlement_OneActivePerPeriod(t *testing.T) {
	ctx := context.Background()
	m := New()
	require.NoError(t, m.CreateSettlement(ctx, newSettlement("s-1")))

	err := m.CreateSettlement(ctx, newSettlement("s-2"))
	var dup *generic.DuplicateSettlementError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, generic.SettlementID("s-1"), dup.ExistingID)

	manual := newSettlement("s-3")
	manual.AutoGenerated = false
	assert.NoError(t, m.CreateSettlement(ctx, manual))

	// The explicit settlement still blocks automatic generation
	voidSettlement(t, m, "s-1")
	err = m.CreateSettlement(ctx, newSettlement("s-4"))
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, generic.SettlementID("s-3"), dup.ExistingID)

	// Voiding every active settlement frees the period
	voidSettlement(t, m, "s-3")
	assert.NoError(t, m.CreateSettlement(ctx, newSettlement("s-4")))
}

func TestFindActiveSettlement_SeesExplicitSettlements(t *testing.T) {
	ctx := context.Background()
	m := New()
	manual := newSettlement("s-1")
	manual.AutoGenerated = false
	require.NoError(t, m.CreateSettlement(ctx, manual))

	found, err := m.FindActiveSettlement(ctx, "drv-1", generic.NewPeriod(mar3, mar9))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, generic.SettlementID("s-1"), found.ID)
}

func voidSettlement(t *testing.T, m *Memory, id generic.SettlementID) {
	t.Helper()
	st, err := m.GetSettlement(context.Background(), id)
	require.NoError(t, err)
	st.Status = settlement.StatusVoid
	require.NoError(t, m.UpdateSettlement(context.Background(), &st))
}

func TestUpdateSettlement_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	m := New()
	st := newSettlement("s-1")
	require.NoError(t, m.CreateSettlement(ctx, st))
	assert.Equal(t, 1, st.Version)

	a, _ := m.GetSettlement(ctx, "s-1")
	b, _ := m.GetSettlement(ctx, "s-1")

	require.NoError(t, m.UpdateSettlement(ctx, &a))
	assert.Equal(t, 2, a.Version)

	err := m.UpdateSettlement(ctx, &b)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.True(t, generic.IsRetryable(err))
}

func TestApplyBalance_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	m := New()
	require.NoError(t, m.SaveBalance(ctx, settlement.NegativeBalance{
		ID: "nb-1", DriverID: "drv-1", SettlementID: "s-1", Amount: decimal.NewFromInt(170), CreatedAt: mar9,
	}))

	require.NoError(t, m.ApplyBalance(ctx, "nb-1", "s-2", mar9))
	err := m.ApplyBalance(ctx, "nb-1", "s-3", mar9)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	latest, err := m.LatestUnappliedBalance(ctx, "drv-1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	applied, err := m.BalancesAppliedTo(ctx, "s-2")
	require.NoError(t, err)
	require.Len(t, applied, 1)

	require.NoError(t, m.ReleaseBalances(ctx, "s-2"))
	latest, err = m.LatestUnappliedBalance(ctx, "drv-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Nil(t, latest.AppliedAt)
}

func TestLinkAdvance_HeldBySomeoneElse(t *testing.T) {
	ctx := context.Background()
	m := New()
	require.NoError(t, m.SaveAdvance(ctx, settlement.Advance{ID: "adv-1", DriverID: "drv-1", Status: settlement.AdvanceApproved}))

	require.NoError(t, m.LinkAdvance(ctx, "adv-1", "s-1"))
	require.NoError(t, m.LinkAdvance(ctx, "adv-1", "s-1"))
	assert.ErrorIs(t, m.LinkAdvance(ctx, "adv-1", "s-2"), generic.ErrAdvanceConsumed)

	require.NoError(t, m.UnlinkAdvances(ctx, "s-1"))
	assert.NoError(t, m.LinkAdvance(ctx, "adv-1", "s-2"))
}

func TestLoadsInPeriod_DeliveredOrUpdated(t *testing.T) {
	ctx := context.Background()
	m := New()
	inside := generic.NewDate(2025, time.March, 5)
	outside := generic.NewDate(2025, time.March, 20)

	require.NoError(t, m.SaveLoad(ctx, settlement.Load{ID: "L-delivered", DriverID: "drv-1", DeliveredAt: &inside, UpdatedAt: outside}))
	require.NoError(t, m.SaveLoad(ctx, settlement.Load{ID: "L-updated", DriverID: "drv-1", DeliveredAt: &outside, UpdatedAt: inside}))
	require.NoError(t, m.SaveLoad(ctx, settlement.Load{ID: "L-later", DriverID: "drv-1", DeliveredAt: &outside, UpdatedAt: outside}))
	require.NoError(t, m.SaveLoad(ctx, settlement.Load{ID: "L-other", DriverID: "drv-2", DeliveredAt: &inside}))

	loads, err := m.LoadsInPeriod(ctx, "drv-1", generic.NewPeriod(mar3, mar9))
	require.NoError(t, err)

	require.Len(t, loads, 2)
	assert.Equal(t, generic.LoadID("L-delivered"), loads[0].ID)
	assert.Equal(t, generic.LoadID("L-updated"), loads[1].ID)
}

func TestRuleHistory_SkipsVoidAndNonRuleItems(t *testing.T) {
	ctx := context.Background()
	m := New()
	active := newSettlement("s-1")
	void := newSettlement("s-2")
	void.AutoGenerated = false
	void.Status = settlement.StatusVoid
	require.NoError(t, m.CreateSettlement(ctx, active))
	require.NoError(t, m.CreateSettlement(ctx, void))

	ruleItem := settlement.LineItem{ID: "li-1", SettlementID: "s-1", Amount: decimal.NewFromInt(25), Source: settlement.RuleSource{RuleID: "ins"}}
	advItem := settlement.LineItem{ID: "li-2", SettlementID: "s-1", Amount: decimal.NewFromInt(50), Source: settlement.AdvanceSource{AdvanceID: "adv-1"}}
	require.NoError(t, m.ReplaceLineItems(ctx, "s-1", []settlement.LineItem{ruleItem, advItem}))
	require.NoError(t, m.ReplaceLineItems(ctx, "s-2", []settlement.LineItem{ruleItem}))

	hist, err := m.RuleHistory(ctx, "drv-1")
	require.NoError(t, err)

	require.Len(t, hist, 1)
	assert.Equal(t, generic.RuleID("ins"), hist[0].RuleID)
	assert.Equal(t, settlement.StatusPending, hist[0].Status)
}
