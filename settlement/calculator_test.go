package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/settlement"
)

func newCalculator(t *testing.T) *settlement.Calculator {
	t.Helper()
	rules, err := settlement.NewRuleProcessor(settlement.DefaultDriverNumberPattern)
	require.NoError(t, err)
	return settlement.NewCalculator(rules, nil, func() time.Time { return testNow })
}

func driverPaid(payType settlement.PayType, rate string) settlement.Driver {
	d := perMileDriver("drv-1", "DRV-1042")
	d.PayType = payType
	d.PayRate = money(rate)
	return d
}

// =============================================================================
// GROSS PAY HIERARCHY
// =============================================================================

func TestGrossPay_PercentageExcludesInvoiceFuelSurcharge(t *testing.T) {
	// GIVEN: 25% driver, invoice of $2000 that bills $200 fuel surcharge
	// WHEN: Calculating gross
	// THEN: (2000 - 200) x 25% = $450

	calc := newCalculator(t)
	load := readyLoad("L-1", "drv-1", day(5))
	load.Invoices = []settlement.Invoice{{
		ID:     "inv-1",
		LoadID: "L-1",
		Total:  money("2000"),
		Accessorials: []settlement.Accessorial{
			{ID: "fsc-1", Type: settlement.AccessorialFuelSurcharge, Amount: money("200")},
			{ID: "det-1", Type: settlement.AccessorialDetention, Amount: money("75")},
		},
	}}

	res := calc.CalculateGrossPay(context.Background(), driverPaid(settlement.PayPercentage, "25"), []settlement.Load{load})

	decEq(t, "450", res.Total)
	require.Len(t, res.Loads, 1)
	assert.Equal(t, settlement.PayRulePercentageInvoice, res.Loads[0].Rule)
	decEq(t, "1800", res.Loads[0].Base)
}

func TestGrossPay_PercentageFallsBackToRevenue(t *testing.T) {
	calc := newCalculator(t)
	load := readyLoad("L-1", "drv-1", day(5))
	load.Accessorials = []settlement.Accessorial{
		{ID: "fsc-1", LoadID: "L-1", Type: settlement.AccessorialFuelSurcharge, Amount: money("100")},
	}

	res := calc.CalculateGrossPay(context.Background(), driverPaid(settlement.PayPercentage, "25"), []settlement.Load{load})

	// (1500 - 100) x 25%
	decEq(t, "350", res.Total)
	assert.Equal(t, settlement.PayRulePercentageRevenue, res.Loads[0].Rule)
}

func TestGrossPay_ManualOverrideWins(t *testing.T) {
	calc := newCalculator(t)
	load := readyLoad("L-1", "drv-1", day(5))
	load.DriverPay = generic.DecimalPtr(money("777.77"))
	other := readyLoad("L-2", "drv-1", day(6))

	res := calc.CalculateGrossPay(context.Background(), driverPaid(settlement.PayPerMile, "0.60"), []settlement.Load{load, other})

	decEq(t, "1107.77", res.Total)
	assert.Equal(t, settlement.PayRuleManualOverride, res.Loads[0].Rule)
	assert.Equal(t, settlement.PayRulePerMile, res.Loads[1].Rule)
}

func TestGrossPay_PerLoad(t *testing.T) {
	calc := newCalculator(t)
	loads := []settlement.Load{readyLoad("L-1", "drv-1", day(4)), readyLoad("L-2", "drv-1", day(5))}

	res := calc.CalculateGrossPay(context.Background(), driverPaid(settlement.PayPerLoad, "250"), loads)

	decEq(t, "500", res.Total)
}

func TestGrossPay_HourlyEstimatesFromMiles(t *testing.T) {
	calc := newCalculator(t)
	withMiles := readyLoad("L-1", "drv-1", day(4))
	noMiles := readyLoad("L-2", "drv-1", day(5))
	noMiles.LoadedMiles = money("0")
	noMiles.EmptyMiles = money("0")

	res := calc.CalculateGrossPay(context.Background(), driverPaid(settlement.PayHourly, "20"), []settlement.Load{withMiles, noMiles})

	// 550 / 50 = 11h, plus 10h default
	decEq(t, "420", res.Total)
	decEq(t, "11", res.Loads[0].Base)
	decEq(t, "10", res.Loads[1].Base)
}

func TestGrossPay_WeeklyFlatPaysOncePerBatch(t *testing.T) {
	calc := newCalculator(t)
	loads := []settlement.Load{
		readyLoad("L-1", "drv-1", day(4)),
		readyLoad("L-2", "drv-1", day(5)),
		readyLoad("L-3", "drv-1", day(6)),
	}

	res := calc.CalculateGrossPay(context.Background(), driverPaid(settlement.PayWeeklyFlat, "1200"), loads)

	decEq(t, "1200", res.Total)
	require.Len(t, res.Loads, 3)
	decEq(t, "1200", res.Loads[0].Amount)
	assert.True(t, res.Loads[2].Amount.IsZero())
}

func TestGrossPay_WeeklyFlatSkipsOverriddenLoads(t *testing.T) {
	// GIVEN: A $1200 weekly-flat driver whose first load has a $300 override
	// WHEN: Calculating gross, then again with every load overridden
	// THEN: The flat lands on the first non-overridden load; a fully overridden batch pays the overrides only

	calc := newCalculator(t)
	driver := driverPaid(settlement.PayWeeklyFlat, "1200")

	overridden := readyLoad("L-1", "drv-1", day(4))
	overridden.DriverPay = generic.DecimalPtr(money("300"))
	plain := readyLoad("L-2", "drv-1", day(5))

	res := calc.CalculateGrossPay(context.Background(), driver, []settlement.Load{overridden, plain})

	decEq(t, "1500", res.Total)
	require.Len(t, res.Loads, 2)
	assert.Equal(t, settlement.PayRuleManualOverride, res.Loads[0].Rule)
	decEq(t, "300", res.Loads[0].Amount)
	assert.Equal(t, settlement.PayRuleWeeklyFlat, res.Loads[1].Rule)
	decEq(t, "1200", res.Loads[1].Amount)

	second := readyLoad("L-3", "drv-1", day(6))
	second.DriverPay = generic.DecimalPtr(money("250"))

	res = calc.CalculateGrossPay(context.Background(), driver, []settlement.Load{overridden, second})

	decEq(t, "550", res.Total)
	for _, lp := range res.Loads {
		assert.Equal(t, settlement.PayRuleManualOverride, lp.Rule)
	}
}

func TestGrossPay_RoundsEachLoadToCents(t *testing.T) {
	calc := newCalculator(t)
	load := readyLoad("L-1", "drv-1", day(4))
	load.LoadedMiles = money("333.3")
	load.EmptyMiles = money("0")

	res := calc.CalculateGrossPay(context.Background(), driverPaid(settlement.PayPerMile, "0.555"), []settlement.Load{load})

	// 333.3 x 0.555 = 184.9815
	decEq(t, "184.98", res.Total)
}

// =============================================================================
// COMPOSE
// =============================================================================

func TestCompose_NetSubtractsAdvancesAndPriorBalanceSeparately(t *testing.T) {
	// GIVEN: $330 gross, a $50 deduction, a $100 advance, $300 carried in
	// WHEN: Composing
	// THEN: net = 330 - 50 - 100 - 300 = -120, advances stay out of deductions

	calc := newCalculator(t)
	drv := perMileDriver("drv-1", "DRV-1042")
	paid := day(5)
	rule := deductionRule("lease", "50", settlement.FrequencyPerSettlement)
	rule.Active = true

	p := calc.Compose(context.Background(), settlement.ComposeInput{
		PreviewInput: settlement.PreviewInput{
			Driver: drv,
			Period: generic.NewPeriod(week(1)),
			Loads:  []settlement.Load{readyLoad("L-1", drv.ID, day(5))},
		},
		Rules:    []settlement.Rule{rule},
		Advances: []settlement.Advance{{ID: "adv-1", DriverID: drv.ID, Amount: money("100"), Status: settlement.AdvanceApproved, PaidAt: &paid}},
		Prior:    &settlement.NegativeBalance{ID: "nb-1", DriverID: drv.ID, SettlementID: "s-0", Amount: money("300")},
	})

	decEq(t, "330", p.Gross.Total)
	decEq(t, "50", p.TotalDeductions)
	decEq(t, "100", p.TotalAdvances)
	decEq(t, "300", p.PreviousAmount)
	decEq(t, "-120", p.Net)
	require.Len(t, p.AdvanceItems, 1)
	assert.Equal(t, "Advance paid 2025-03-05", p.AdvanceItems[0].Description)

	require.NotNil(t, p.Audit)
	decEq(t, "-120", p.Audit.NetPay)
	assert.Equal(t, generic.BalanceID("nb-1"), p.Audit.PreviousBalanceID)
	assert.Len(t, p.Audit.Advances, 1)
	assert.Len(t, p.Audit.Deductions, 1)
	assert.Equal(t, testNow, p.Audit.CalculatedAt)
}

func TestCompose_LoadAdditionsAndReimbursements(t *testing.T) {
	calc := newCalculator(t)
	drv := perMileDriver("drv-1", "DRV-1042")
	load := readyLoad("L-1", drv.ID, day(5))
	load.Accessorials = []settlement.Accessorial{
		{ID: "a-1", LoadID: "L-1", Type: settlement.AccessorialAdditionalStop, Amount: money("50")},
		{ID: "a-2", LoadID: "L-1", Type: settlement.AccessorialLayover, Amount: money("150")},
		{ID: "a-3", LoadID: "L-1", Type: settlement.AccessorialLumper, Amount: money("80")},
	}
	load.Expenses = []settlement.Expense{
		{ID: "e-1", LoadID: "L-1", Type: settlement.ExpenseToll, Status: settlement.ExpenseApproved, Amount: money("12.50")},
		{ID: "e-2", LoadID: "L-1", Type: settlement.ExpenseScale, Status: settlement.ExpensePending, Amount: money("9")},
		{ID: "e-3", LoadID: "L-1", Type: settlement.ExpenseFuel, Status: settlement.ExpenseApproved, Amount: money("400")},
	}

	p := calc.Compose(context.Background(), settlement.ComposeInput{
		PreviewInput: settlement.PreviewInput{Driver: drv, Period: generic.NewPeriod(week(1)), Loads: []settlement.Load{load}},
	})

	decEq(t, "212.50", p.TotalAdditions)
	require.Len(t, p.Additions, 3)
	assert.Equal(t, settlement.TypeStopPay, p.Additions[0].Type)
	assert.Equal(t, settlement.TypeLayoverPay, p.Additions[1].Type)
	assert.Equal(t, settlement.TypeReimbursement, p.Additions[2].Type)
	assert.Equal(t, settlement.ExpenseSource{ExpenseID: "e-1", LoadID: "L-1", Type: settlement.ExpenseToll}, p.Additions[2].Source)
	decEq(t, "542.50", p.Net)
}
