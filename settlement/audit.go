/*
audit.go - Calculation audit record and recalculation history

PURPOSE:
  A settlement must be explainable after the fact. Every computation
  produces one CalculationAudit bundling every input the engine used
  (loads and which pay rule fired for each, rules applied and skipped,
  advances, carried balance) next to the resulting totals.

  Recalculation never overwrites silently: the previous audit and totals
  are pushed onto Settlement.History as an AuditSnapshot first.

SERIALIZATION:
  These types carry json tags; store/sqlite persists them as JSON columns
  and the api returns them as-is.
*/
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
)

// PayRule names which branch of the gross pay hierarchy fired for a load.
type PayRule string

const (
	PayRuleManualOverride    PayRule = "manual_override"
	PayRulePerMile           PayRule = "per_mile"
	PayRulePercentageInvoice PayRule = "percentage_invoice"
	PayRulePercentageRevenue PayRule = "percentage_revenue"
	PayRulePerLoad           PayRule = "per_load"
	PayRuleHourly            PayRule = "hourly"
	PayRuleWeeklyFlat        PayRule = "weekly_flat"
)

// LoadPay is one row of the gross pay breakdown.
type LoadPay struct {
	LoadID generic.LoadID  `json:"load_id"`
	Rule   PayRule         `json:"pay_rule"`
	Base   decimal.Decimal `json:"base"` // miles, revenue base, or hours depending on Rule
	Rate   decimal.Decimal `json:"rate"`
	Amount decimal.Decimal `json:"amount"`
}

// GrossPayResult is the output of CalculateGrossPay.
type GrossPayResult struct {
	Total decimal.Decimal `json:"total"`
	Loads []LoadPay       `json:"loads"`
}

// AuditLine is the flat, serializable form of a line item.
type AuditLine struct {
	Category    Category        `json:"category"`
	Type        LineItemType    `json:"type"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	SourceKind  SourceKind      `json:"source_kind"`
	SourceRef   string          `json:"source_ref"`
}

func auditLines(items []LineItem) []AuditLine {
	out := make([]AuditLine, 0, len(items))
	for _, li := range items {
		line := AuditLine{
			Category:    li.Category,
			Type:        li.Type,
			Description: li.Description,
			Amount:      li.Amount,
		}
		if li.Source != nil {
			line.SourceKind = li.Source.Kind()
			line.SourceRef = li.Source.Ref()
		}
		out = append(out, line)
	}
	return out
}

type SkipReason string

const (
	SkipMinGrossPay   SkipReason = "min_gross_pay_not_met"
	SkipFrequency     SkipReason = "already_applied_in_window"
	SkipGoalReached   SkipReason = "goal_reached"
	SkipContamination SkipReason = "driver_number_mismatch"
	SkipZeroAmount    SkipReason = "zero_amount"
	SkipCategory      SkipReason = "category_mismatch"
)

type SkippedRule struct {
	RuleID generic.RuleID `json:"rule_id"`
	Name   string         `json:"name"`
	Reason SkipReason     `json:"reason"`
}

// CalculationAudit is the structured record of one computation.
type CalculationAudit struct {
	CalculatedAt time.Time        `json:"calculated_at"`
	DriverID     generic.DriverID `json:"driver_id"`
	PayType      PayType          `json:"pay_type"`
	PayRate      decimal.Decimal  `json:"pay_rate"`
	PeriodStart  time.Time        `json:"period_start"`
	PeriodEnd    time.Time        `json:"period_end"`
	LoadIDs      []generic.LoadID `json:"load_ids"`

	Gross        GrossPayResult `json:"gross"`
	Additions    []AuditLine    `json:"additions"`
	Deductions   []AuditLine    `json:"deductions"`
	Advances     []AuditLine    `json:"advances"`
	SkippedRules []SkippedRule  `json:"skipped_rules,omitempty"`

	PreviousBalance   decimal.Decimal   `json:"previous_balance"`
	PreviousBalanceID generic.BalanceID `json:"previous_balance_id,omitempty"`

	TotalAdditions  decimal.Decimal `json:"total_additions"`
	TotalDeductions decimal.Decimal `json:"total_deductions"`
	TotalAdvances   decimal.Decimal `json:"total_advances"`
	NetPay          decimal.Decimal `json:"net_pay"` // signed
}

// AuditSnapshot preserves a settlement's state just before a recalculation.
type AuditSnapshot struct {
	RecordedAt time.Time `json:"recorded_at"`
	Reason     string    `json:"reason"`
	ActorID    string    `json:"actor_id"`
	Version    int       `json:"version"`

	GrossPay        decimal.Decimal `json:"gross_pay"`
	TotalAdditions  decimal.Decimal `json:"total_additions"`
	TotalDeductions decimal.Decimal `json:"total_deductions"`
	TotalAdvances   decimal.Decimal `json:"total_advances"`
	PreviousBalance decimal.Decimal `json:"previous_balance"`
	NetPay          decimal.Decimal `json:"net_pay"`
	CarriedForward  decimal.Decimal `json:"carried_forward"`

	Audit *CalculationAudit `json:"audit,omitempty"`
}

// snapshotOf captures s before it is overwritten.
func snapshotOf(s Settlement, reason, actor string, at time.Time) AuditSnapshot {
	return AuditSnapshot{
		RecordedAt:      at,
		Reason:          reason,
		ActorID:         actor,
		Version:         s.Version,
		GrossPay:        s.GrossPay,
		TotalAdditions:  s.TotalAdditions,
		TotalDeductions: s.TotalDeductions,
		TotalAdvances:   s.TotalAdvances,
		PreviousBalance: s.PreviousBalance,
		NetPay:          s.NetPay,
		CarriedForward:  s.CarriedForward,
		Audit:           s.Audit,
	}
}
