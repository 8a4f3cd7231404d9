/*
Package factory provides JSON to Go rule conversion.

PURPOSE:
  Converts JSON rule definitions into validated settlement.Rule values. Payroll
  staff author recurring additions and deductions (escrow, insurance, safety
  bonuses) as JSON; the factory checks them once so the engine never sees a
  rule it cannot apply.

JSON SCHEMA:
  {
    "id": "escrow-drv-1",
    "name": "Escrow",
    "type": "escrow",
    "is_addition": false,
    "scope": {"kind": "driver", "company_id": "acme", "driver_id": "drv-1"},
    "mode": "fixed",
    "amount": "50",
    "goal_amount": "1000",
    "frequency": "per_settlement"
  }

VALIDATION:
  - mode, frequency and scope kind are known values
  - the scope carries the field its kind names
  - amounts are non-negative; percentages are at most 100
  - current_balance does not exceed goal_amount
  - the line type belongs to the category is_addition selects, and is not
    engine-owned (advance, negative_balance)
  Every problem is reported, combined with multierr and wrapped with
  generic.ErrInvalidRule.

USAGE:
  f := factory.NewRuleFactory()
  rule, err := f.ParseRule(factory.EscrowRuleJSON("escrow-drv-1", "drv-1", "acme", "50", "1000"))

SEE ALSO:
  - settlement/types.go: Rule type definition
  - presets.go: common rule definitions
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/settlement"
	"go.uber.org/multierr"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of a rule.
type RuleJSON struct {
	ID             string           `json:"id,omitempty"`
	Name           string           `json:"name"`
	Type           string           `json:"type"`
	IsAddition     bool             `json:"is_addition"`
	Scope          ScopeJSON        `json:"scope"`
	Mode           string           `json:"mode"`
	Amount         decimal.Decimal  `json:"amount"`
	MinGrossPay    *decimal.Decimal `json:"min_gross_pay,omitempty"`
	MaxAmount      *decimal.Decimal `json:"max_amount,omitempty"`
	GoalAmount     *decimal.Decimal `json:"goal_amount,omitempty"`
	CurrentBalance *decimal.Decimal `json:"current_balance,omitempty"`
	Frequency      string           `json:"frequency"`
	Active         *bool            `json:"active,omitempty"` // default true
}

// ScopeJSON names which drivers a rule applies to.
type ScopeJSON struct {
	Kind         string `json:"kind"` // company, subsidiary, driver_type, driver
	CompanyID    string `json:"company_id,omitempty"`
	SubsidiaryID string `json:"subsidiary_id,omitempty"`
	DriverType   string `json:"driver_type,omitempty"`
	DriverID     string `json:"driver_id,omitempty"`
}

// =============================================================================
// RULE FACTORY
// =============================================================================

// RuleFactory converts JSON rules to settlement.Rule.
type RuleFactory struct{}

func NewRuleFactory() *RuleFactory {
	return &RuleFactory{}
}

// ParseRule parses a JSON string into a validated Rule.
func (f *RuleFactory) ParseRule(jsonStr string) (*settlement.Rule, error) {
	var rj RuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return nil, fmt.Errorf("failed to parse rule JSON: %w: %w", generic.ErrInvalidRule, err)
	}
	return f.FromJSON(rj)
}

// FromJSON validates rj and converts it to a Rule. The error lists every
// problem found.
func (f *RuleFactory) FromJSON(rj RuleJSON) (*settlement.Rule, error) {
	rule := &settlement.Rule{
		ID:         generic.RuleID(rj.ID),
		Name:       rj.Name,
		Type:       settlement.LineItemType(rj.Type),
		IsAddition: rj.IsAddition,
		Scope: settlement.RuleScope{
			Kind:         settlement.ScopeKind(rj.Scope.Kind),
			CompanyID:    rj.Scope.CompanyID,
			SubsidiaryID: rj.Scope.SubsidiaryID,
			DriverType:   rj.Scope.DriverType,
			DriverID:     generic.DriverID(rj.Scope.DriverID),
		},
		Mode:        settlement.RuleMode(rj.Mode),
		Amount:      rj.Amount,
		MinGrossPay: rj.MinGrossPay,
		MaxAmount:   rj.MaxAmount,
		GoalAmount:  rj.GoalAmount,
		Frequency:   settlement.Frequency(rj.Frequency),
		Active:      rj.Active == nil || *rj.Active,
	}
	if rj.CurrentBalance != nil {
		rule.CurrentBalance = *rj.CurrentBalance
	}

	if err := Validate(*rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// Validate checks a rule built outside the factory.
func Validate(r settlement.Rule) error {
	var errs error
	if r.Name == "" {
		errs = multierr.Append(errs, errors.New("name is required"))
	}
	errs = multierr.Append(errs, validateType(r))
	errs = multierr.Append(errs, validateScope(r.Scope))
	errs = multierr.Append(errs, validateAmounts(r))

	switch r.Frequency {
	case settlement.FrequencyWeekly, settlement.FrequencyBiweekly, settlement.FrequencyMonthly,
		settlement.FrequencyOneTime, settlement.FrequencyPerSettlement:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown frequency %q", r.Frequency))
	}

	if errs != nil {
		return fmt.Errorf("%w: %w", generic.ErrInvalidRule, errs)
	}
	return nil
}

func validateType(r settlement.Rule) error {
	if _, ok := r.Type.Category(); !ok {
		return fmt.Errorf("unknown line item type %q", r.Type)
	}
	if !r.Type.RuleAuthorable() {
		return fmt.Errorf("line item type %q cannot be produced by a rule", r.Type)
	}
	if !r.Type.Fits(r.Category()) {
		return fmt.Errorf("line item type %q is not a%s", r.Type, categoryNoun(r.Category()))
	}
	return nil
}

func categoryNoun(c settlement.Category) string {
	if c == settlement.CategoryAddition {
		return "n addition"
	}
	return " deduction"
}

func validateScope(s settlement.RuleScope) error {
	switch s.Kind {
	case settlement.ScopeCompany:
		if s.CompanyID == "" {
			return errors.New("company scope requires company_id")
		}
	case settlement.ScopeSubsidiary:
		if s.SubsidiaryID == "" {
			return errors.New("subsidiary scope requires subsidiary_id")
		}
	case settlement.ScopeDriverType:
		if s.DriverType == "" {
			return errors.New("driver_type scope requires driver_type")
		}
	case settlement.ScopeDriver:
		if s.DriverID == "" {
			return errors.New("driver scope requires driver_id")
		}
	default:
		return fmt.Errorf("unknown scope kind %q", s.Kind)
	}
	return nil
}

func validateAmounts(r settlement.Rule) error {
	var errs error
	switch r.Mode {
	case settlement.ModeFixed, settlement.ModePerMile:
	case settlement.ModePercentage:
		if r.Amount.GreaterThan(decimal.NewFromInt(100)) {
			errs = multierr.Append(errs, fmt.Errorf("percentage %s exceeds 100", r.Amount))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown mode %q", r.Mode))
	}

	if r.Amount.IsNegative() {
		errs = multierr.Append(errs, errors.New("amount must not be negative"))
	}
	for name, v := range map[string]*decimal.Decimal{
		"min_gross_pay": r.MinGrossPay,
		"max_amount":    r.MaxAmount,
		"goal_amount":   r.GoalAmount,
	} {
		if v != nil && v.IsNegative() {
			errs = multierr.Append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if r.CurrentBalance.IsNegative() {
		errs = multierr.Append(errs, errors.New("current_balance must not be negative"))
	}
	if r.GoalAmount != nil && r.CurrentBalance.GreaterThan(*r.GoalAmount) {
		errs = multierr.Append(errs, fmt.Errorf("current_balance %s exceeds goal_amount %s", r.CurrentBalance, r.GoalAmount))
	}
	return errs
}

// ToJSON converts a Rule to RuleJSON.
func (f *RuleFactory) ToJSON(r settlement.Rule) RuleJSON {
	active := r.Active
	rj := RuleJSON{
		ID:         string(r.ID),
		Name:       r.Name,
		Type:       string(r.Type),
		IsAddition: r.IsAddition,
		Scope: ScopeJSON{
			Kind:         string(r.Scope.Kind),
			CompanyID:    r.Scope.CompanyID,
			SubsidiaryID: r.Scope.SubsidiaryID,
			DriverType:   r.Scope.DriverType,
			DriverID:     string(r.Scope.DriverID),
		},
		Mode:        string(r.Mode),
		Amount:      r.Amount,
		MinGrossPay: r.MinGrossPay,
		MaxAmount:   r.MaxAmount,
		GoalAmount:  r.GoalAmount,
		Frequency:   string(r.Frequency),
		Active:      &active,
	}
	if !r.CurrentBalance.IsZero() {
		bal := r.CurrentBalance
		rj.CurrentBalance = &bal
	}
	return rj
}
