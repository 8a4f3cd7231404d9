/*
rules.go - Rule Processor

PURPOSE:
  Turns loads and scoped recurring rules into addition and deduction line
  items for one settlement.

ADDITIONS:
  Per-load, from accessorial charges on the load:
    additional_stop -> stop_pay, detention -> detention_pay, layover -> layover_pay
  Per-load, from approved toll and scale expenses:
    -> reimbursement
  Recurring addition rules (bonus, overtime, incentive, reimbursement).

DEDUCTIONS:
  Recurring deduction rules (insurance, escrow, garnishment, ...).

GATES (every rule, in order):
  1. Minimum gross pay      skip when gross < MinGrossPay
  2. Frequency window       skip when the rule already produced an approved
                            or paid item for this driver in the window
                            anchored to the period end
  3. Goal cap               stop at the goal, cap to the remaining gap
  4. Driver-number guard    a rule whose name embeds a driver number only
                            applies to that driver

  Skips are returned with a reason so the audit can explain them.

GOAL BALANCES:
  Driver-scoped rules keep their running total on the rule itself
  (CurrentBalance). Shared rules never do: the driver's progress is the sum
  of that driver's own historical items for the rule, so one driver's
  payments never count toward another's goal.
*/
package settlement

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
)

// DefaultDriverNumberPattern matches driver numbers such as "DRV-1042".
const DefaultDriverNumberPattern = `\bDRV-\d{3,}\b`

type RuleProcessor struct {
	driverNumber *regexp.Regexp
}

// NewRuleProcessor compiles the driver-number pattern used by the
// contamination guard. An empty pattern disables the guard.
func NewRuleProcessor(driverNumberPattern string) (*RuleProcessor, error) {
	p := &RuleProcessor{}
	if driverNumberPattern == "" {
		return p, nil
	}
	re, err := regexp.Compile(driverNumberPattern)
	if err != nil {
		return nil, fmt.Errorf("compile driver number pattern: %w", err)
	}
	p.driverNumber = re
	return p, nil
}

// RuleInput is everything the processor needs. It performs no I/O.
type RuleInput struct {
	Driver   Driver
	Period   generic.Period
	Loads    []Load
	GrossPay decimal.Decimal
	Rules    []Rule
	History  []HistoryItem

	// SettlementID is set on recalculation; that settlement's own items are
	// not counted as history.
	SettlementID generic.SettlementID
}

type RuleResult struct {
	Additions  []LineItem
	Deductions []LineItem
	Skipped    []SkippedRule
}

// Process evaluates load-derived additions and every recurring rule.
func (p *RuleProcessor) Process(in RuleInput) RuleResult {
	var res RuleResult
	res.Additions = append(res.Additions, LoadAdditions(in.Driver.ID, in.Loads)...)

	rules := append([]Rule(nil), in.Rules...)
	sort.SliceStable(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})

	hist := indexHistory(in.History, in.SettlementID)
	miles := totalMiles(in.Loads)

	for _, rule := range rules {
		if !rule.Active || !rule.Scope.Matches(in.Driver) {
			continue
		}
		item, reason := p.evaluate(rule, in, hist, miles)
		if reason != "" {
			res.Skipped = append(res.Skipped, SkippedRule{RuleID: rule.ID, Name: rule.Name, Reason: reason})
			continue
		}
		if item.Category == CategoryAddition {
			res.Additions = append(res.Additions, item)
		} else {
			res.Deductions = append(res.Deductions, item)
		}
	}
	return res
}

func (p *RuleProcessor) evaluate(rule Rule, in RuleInput, hist ruleHistory, miles decimal.Decimal) (LineItem, SkipReason) {
	if rule.MinGrossPay != nil && in.GrossPay.LessThan(*rule.MinGrossPay) {
		return LineItem{}, SkipMinGrossPay
	}

	if window, ok := rule.Frequency.Window(in.Period.End); ok && hist.appliedIn(rule.ID, window) {
		return LineItem{}, SkipFrequency
	}

	amount := ruleAmount(rule, in.GrossPay, miles)
	capped := false
	if rule.MaxAmount != nil && amount.GreaterThan(*rule.MaxAmount) {
		amount = *rule.MaxAmount
		capped = true
	}

	if rule.HasGoal() {
		var progress decimal.Decimal
		if rule.Scope.DriverSpecific() {
			progress = rule.CurrentBalance.Sub(hist.own[rule.ID])
		} else {
			progress = hist.shared[rule.ID]
		}
		remaining := rule.GoalAmount.Sub(progress)
		if !remaining.IsPositive() {
			return LineItem{}, SkipGoalReached
		}
		if amount.GreaterThan(remaining) {
			amount = remaining
			capped = true
		}
	}

	if !p.honorsDriver(rule.Name, in.Driver) {
		return LineItem{}, SkipContamination
	}

	amount = generic.Cents(amount)
	if !amount.IsPositive() {
		return LineItem{}, SkipZeroAmount
	}

	return LineItem{
		DriverID:    in.Driver.ID,
		Category:    rule.Category(),
		Type:        rule.Type,
		Description: rule.Name,
		Amount:      amount,
		Source:      RuleSource{RuleID: rule.ID, Mode: rule.Mode, Capped: capped},
	}, ""
}

func ruleAmount(rule Rule, gross, miles decimal.Decimal) decimal.Decimal {
	switch rule.Mode {
	case ModePercentage:
		return generic.Percent(gross, rule.Amount)
	case ModePerMile:
		return miles.Mul(rule.Amount)
	default:
		return rule.Amount
	}
}

// honorsDriver is the contamination guard: a rule named after a specific
// driver number applies only to that driver.
func (p *RuleProcessor) honorsDriver(name string, d Driver) bool {
	if p.driverNumber == nil {
		return true
	}
	tokens := p.driverNumber.FindAllString(name, -1)
	if len(tokens) == 0 {
		return true
	}
	for _, tok := range tokens {
		if !strings.EqualFold(tok, d.Number) {
			return false
		}
	}
	return true
}

// =============================================================================
// HISTORY INDEX
// =============================================================================

type ruleHistory struct {
	// finalized holds period ends of approved/paid items of other settlements.
	finalized map[generic.RuleID][]HistoryItem
	// shared sums items of other active settlements, per rule.
	shared map[generic.RuleID]decimal.Decimal
	// own sums items already booked on the settlement being recalculated.
	own map[generic.RuleID]decimal.Decimal
}

func indexHistory(items []HistoryItem, current generic.SettlementID) ruleHistory {
	h := ruleHistory{
		finalized: make(map[generic.RuleID][]HistoryItem),
		shared:    make(map[generic.RuleID]decimal.Decimal),
		own:       make(map[generic.RuleID]decimal.Decimal),
	}
	for _, it := range items {
		if !it.Status.Active() {
			continue
		}
		if current != "" && it.Item.SettlementID == current {
			h.own[it.RuleID] = h.own[it.RuleID].Add(it.Item.Amount)
			continue
		}
		h.shared[it.RuleID] = h.shared[it.RuleID].Add(it.Item.Amount)
		if it.Status == StatusApproved || it.Status == StatusPaid {
			h.finalized[it.RuleID] = append(h.finalized[it.RuleID], it)
		}
	}
	return h
}

func (h ruleHistory) appliedIn(id generic.RuleID, window generic.Period) bool {
	for _, it := range h.finalized[id] {
		if window.Contains(it.PeriodEnd) {
			return true
		}
	}
	return false
}

// =============================================================================
// LOAD-DERIVED ADDITIONS
// =============================================================================

var accessorialPay = map[AccessorialType]LineItemType{
	AccessorialAdditionalStop: TypeStopPay,
	AccessorialDetention:      TypeDetentionPay,
	AccessorialLayover:        TypeLayoverPay,
}

// LoadAdditions derives stop, detention and layover pay from accessorial
// charges and reimbursements from approved toll and scale expenses.
func LoadAdditions(driverID generic.DriverID, loads []Load) []LineItem {
	var out []LineItem
	for _, load := range loads {
		for _, acc := range load.Accessorials {
			typ, ok := accessorialPay[acc.Type]
			if !ok || !acc.Amount.IsPositive() {
				continue
			}
			out = append(out, LineItem{
				DriverID:    driverID,
				Category:    CategoryAddition,
				Type:        typ,
				Description: describe(typ, load, acc.Description),
				Amount:      generic.Cents(acc.Amount),
				Source:      AccessorialSource{AccessorialID: acc.ID, LoadID: load.ID, Type: acc.Type},
			})
		}
		for _, exp := range load.Expenses {
			if exp.Status != ExpenseApproved || !exp.Type.Reimbursable() || !exp.Amount.IsPositive() {
				continue
			}
			out = append(out, LineItem{
				DriverID:    driverID,
				Category:    CategoryAddition,
				Type:        TypeReimbursement,
				Description: describe(TypeReimbursement, load, string(exp.Type)),
				Amount:      generic.Cents(exp.Amount),
				Source:      ExpenseSource{ExpenseID: exp.ID, LoadID: load.ID, Type: exp.Type},
			})
		}
	}
	return out
}

func describe(typ LineItemType, load Load, detail string) string {
	ref := load.LoadNumber
	if ref == "" {
		ref = string(load.ID)
	}
	label := strings.ReplaceAll(string(typ), "_", " ")
	if detail == "" {
		return fmt.Sprintf("%s - load %s", label, ref)
	}
	return fmt.Sprintf("%s - load %s (%s)", label, ref, detail)
}

func totalMiles(loads []Load) decimal.Decimal {
	total := decimal.Zero
	for _, l := range loads {
		total = total.Add(l.TotalMiles())
	}
	return total
}
