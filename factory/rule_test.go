package factory

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/settlement"
)

func TestParseRule_Presets(t *testing.T) {
	f := NewRuleFactory()

	escrow, err := f.ParseRule(EscrowRuleJSON("escrow-1", "drv-1", "acme", "50", "1000"))
	require.NoError(t, err)
	assert.Equal(t, settlement.TypeEscrow, escrow.Type)
	assert.Equal(t, settlement.CategoryDeduction, escrow.Category())
	assert.True(t, escrow.Scope.DriverSpecific())
	assert.True(t, escrow.HasGoal())
	assert.True(t, escrow.Active)
	assert.True(t, decimal.NewFromInt(50).Equal(escrow.Amount))

	insurance, err := f.ParseRule(InsuranceRuleJSON("ins-1", "acme", "25"))
	require.NoError(t, err)
	assert.Equal(t, settlement.FrequencyWeekly, insurance.Frequency)
	assert.True(t, insurance.Scope.Matches(settlement.Driver{ID: "drv-9", CompanyID: "acme"}))

	bonus, err := f.ParseRule(SafetyBonusRuleJSON("safety-1", "acme", "company", "100", "1500"))
	require.NoError(t, err)
	assert.Equal(t, settlement.CategoryAddition, bonus.Category())
	require.NotNil(t, bonus.MinGrossPay)
	assert.True(t, decimal.NewFromInt(1500).Equal(*bonus.MinGrossPay))
}

func TestParseRule_CategoryInvariant(t *testing.T) {
	// GIVEN: An addition-flagged rule whose line type is a deduction
	// WHEN: Parsing it
	// THEN: Rejected as an invalid rule

	f := NewRuleFactory()
	_, err := f.ParseRule(`{
		"name": "Backwards escrow", "type": "escrow", "is_addition": true,
		"scope": {"kind": "company", "company_id": "acme"},
		"mode": "fixed", "amount": "50", "frequency": "weekly"
	}`)

	require.ErrorIs(t, err, generic.ErrInvalidRule)
	assert.Contains(t, err.Error(), "is not an addition")
}

func TestParseRule_EngineOwnedTypesRejected(t *testing.T) {
	f := NewRuleFactory()
	_, err := f.ParseRule(`{
		"name": "Advance", "type": "advance",
		"scope": {"kind": "company", "company_id": "acme"},
		"mode": "fixed", "amount": "50", "frequency": "weekly"
	}`)
	require.ErrorIs(t, err, generic.ErrInvalidRule)
	assert.Contains(t, err.Error(), "cannot be produced by a rule")
}

func TestParseRule_ReportsEveryProblem(t *testing.T) {
	// GIVEN: A rule with a missing scope field, a bad percentage and a goal
	//        below the current balance
	// WHEN: Parsing it
	// THEN: One error lists all of them

	f := NewRuleFactory()
	_, err := f.ParseRule(`{
		"name": "Broken", "type": "fuel",
		"scope": {"kind": "driver", "company_id": "acme"},
		"mode": "percentage", "amount": "150",
		"goal_amount": "100", "current_balance": "200",
		"frequency": "hourly"
	}`)

	require.ErrorIs(t, err, generic.ErrInvalidRule)
	msg := err.Error()
	assert.Contains(t, msg, "driver scope requires driver_id")
	assert.Contains(t, msg, "percentage 150 exceeds 100")
	assert.Contains(t, msg, "current_balance 200 exceeds goal_amount 100")
	assert.Contains(t, msg, `unknown frequency "hourly"`)
}

func TestParseRule_MalformedJSON(t *testing.T) {
	_, err := NewRuleFactory().ParseRule(`{"name": `)
	assert.ErrorIs(t, err, generic.ErrInvalidRule)
}

func TestParseRule_UnknownScopeKind(t *testing.T) {
	_, err := NewRuleFactory().ParseRule(`{
		"name": "Nowhere", "type": "fuel",
		"scope": {"kind": "region"},
		"mode": "fixed", "amount": "10", "frequency": "weekly"
	}`)
	require.ErrorIs(t, err, generic.ErrInvalidRule)
	assert.True(t, strings.Contains(err.Error(), `unknown scope kind "region"`))
}

func TestToJSON_RoundTrip(t *testing.T) {
	f := NewRuleFactory()
	rule, err := f.ParseRule(EscrowRuleJSON("escrow-1", "drv-1", "acme", "50", "1000"))
	require.NoError(t, err)
	rule.CurrentBalance = decimal.NewFromInt(300)

	again, err := f.FromJSON(f.ToJSON(*rule))
	require.NoError(t, err)

	assert.Equal(t, rule.ID, again.ID)
	assert.Equal(t, rule.Scope, again.Scope)
	assert.True(t, rule.CurrentBalance.Equal(again.CurrentBalance))
	require.NotNil(t, again.GoalAmount)
	assert.True(t, rule.GoalAmount.Equal(*again.GoalAmount))
}
