/*
calculator.go - Calculation Engine

PURPOSE:
  Computes gross pay under a strict per-load hierarchy and composes the
  full settlement preview: gross + additions - deductions - advances -
  previous negative balance = net.

GROSS PAY HIERARCHY (per load):
  1. Manual override          load.DriverPay, verbatim
  2. Driver pay type:
     per_mile                 (loaded + empty miles) x rate
     percentage               (invoice totals - invoice fuel surcharge) x rate/100
                              no invoice: (revenue - load fuel surcharge) x rate/100
     per_load                 rate
     hourly                   (miles / 50, or 10h without miles) x rate
     weekly_flat              rate once per batch, not per load

  Fuel surcharge never enters the percentage base.

I/O:
  Preview fetches rules, advances, the prior balance and rule history
  concurrently (errgroup). CalculateGrossPay and the Rule Processor are
  pure.
*/
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/logger"
	"golang.org/x/sync/errgroup"
)

var (
	milesPerHour        = decimal.NewFromInt(50)
	defaultHoursPerLoad = decimal.NewFromInt(10)
)

type Calculator struct {
	rules *RuleProcessor
	log   *logger.Logger
	now   func() time.Time
}

func NewCalculator(rules *RuleProcessor, log *logger.Logger, now func() time.Time) *Calculator {
	return &Calculator{rules: rules, log: log, now: now}
}

// =============================================================================
// GROSS PAY
// =============================================================================

// CalculateGrossPay applies the pay hierarchy to every load.
func (c *Calculator) CalculateGrossPay(ctx context.Context, driver Driver, loads []Load) GrossPayResult {
	res := GrossPayResult{Total: decimal.Zero, Loads: make([]LoadPay, 0, len(loads))}
	flatPaid := false

	for _, load := range loads {
		lp := LoadPay{LoadID: load.ID, Rate: driver.PayRate}

		switch {
		case load.DriverPay != nil:
			lp.Rule = PayRuleManualOverride
			lp.Rate = decimal.Zero
			lp.Amount = *load.DriverPay

		case driver.PayType == PayPerMile:
			lp.Rule = PayRulePerMile
			lp.Base = load.TotalMiles()
			lp.Amount = lp.Base.Mul(driver.PayRate)

		case driver.PayType == PayPercentage:
			lp.Rule, lp.Base = percentageBase(load)
			lp.Amount = generic.Percent(lp.Base, driver.PayRate)

		case driver.PayType == PayPerLoad:
			lp.Rule = PayRulePerLoad
			lp.Base = decimal.NewFromInt(1)
			lp.Amount = driver.PayRate

		case driver.PayType == PayHourly:
			lp.Rule = PayRuleHourly
			lp.Base = estimatedHours(load)
			lp.Amount = lp.Base.Mul(driver.PayRate)

		case driver.PayType == PayWeeklyFlat:
			// Overridden loads are settled above and never carry the flat.
			lp.Rule = PayRuleWeeklyFlat
			if !flatPaid {
				lp.Amount = driver.PayRate
				flatPaid = true
			}

		default:
			c.log.Warn(c.log.WithFields(ctx, map[string]any{
				"load_id":  string(load.ID),
				"pay_type": string(driver.PayType),
			}), "unknown pay type, load pays zero")
		}

		lp.Amount = generic.Cents(lp.Amount)
		c.log.Debug(ctx, "gross pay", map[string]any{
			"load_id":  string(load.ID),
			"pay_rule": string(lp.Rule),
			"base":     lp.Base.String(),
			"amount":   lp.Amount.StringFixed(2),
		})
		res.Loads = append(res.Loads, lp)
		res.Total = res.Total.Add(lp.Amount)
	}
	return res
}

func percentageBase(load Load) (PayRule, decimal.Decimal) {
	if len(load.Invoices) > 0 {
		base := decimal.Zero
		for _, inv := range load.Invoices {
			base = base.Add(inv.Total).Sub(inv.FuelSurcharge())
		}
		return PayRulePercentageInvoice, base
	}
	return PayRulePercentageRevenue, load.Revenue.Sub(sumAccessorials(load.Accessorials, AccessorialFuelSurcharge))
}

func estimatedHours(load Load) decimal.Decimal {
	miles := load.TotalMiles()
	if !miles.IsPositive() {
		return defaultHoursPerLoad
	}
	return miles.Div(milesPerHour)
}

// =============================================================================
// PREVIEW
// =============================================================================

type PreviewInput struct {
	Driver Driver
	Period generic.Period
	Loads  []Load

	// SettlementID is set when recomputing an existing settlement. Its linked
	// advances and the balance it already absorbed are reused instead of
	// looking for unapplied ones.
	SettlementID generic.SettlementID
}

// Preview is a computed, unpersisted settlement.
type Preview struct {
	Gross           GrossPayResult
	Additions       []LineItem
	Deductions      []LineItem
	Advances        []Advance
	AdvanceItems    []LineItem
	Rules           []Rule
	PreviousBalance *NegativeBalance
	Skipped         []SkippedRule

	TotalAdditions  decimal.Decimal
	TotalDeductions decimal.Decimal
	TotalAdvances   decimal.Decimal
	PreviousAmount  decimal.Decimal
	Net             decimal.Decimal // signed

	Audit *CalculationAudit
}

// Preview gathers inputs from repo and computes the settlement.
func (c *Calculator) Preview(ctx context.Context, repo Store, in PreviewInput) (*Preview, error) {
	var (
		rules    []Rule
		advances []Advance
		prior    *NegativeBalance
		history  []HistoryItem
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rules, err = repo.ActiveRules(gctx, in.Driver.CompanyID)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		advances, err = c.advancesFor(gctx, repo, in)
		return err
	})
	g.Go(func() error {
		var err error
		prior, err = c.priorBalance(gctx, repo, in)
		return err
	})
	g.Go(func() error {
		var err error
		history, err = repo.RuleHistory(gctx, in.Driver.ID)
		if err != nil {
			return fmt.Errorf("load rule history: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return c.Compose(ctx, ComposeInput{
		PreviewInput: in,
		Rules:        rules,
		Advances:     advances,
		Prior:        prior,
		History:      history,
	}), nil
}

func (c *Calculator) advancesFor(ctx context.Context, repo Store, in PreviewInput) ([]Advance, error) {
	eligible, err := EligibleAdvances(ctx, repo, in.Driver.ID, in.Period)
	if err != nil {
		return nil, err
	}
	if in.SettlementID == "" {
		return eligible, nil
	}
	linked, err := repo.AdvancesBySettlement(ctx, in.SettlementID)
	if err != nil {
		return nil, fmt.Errorf("load linked advances: %w", err)
	}
	return append(linked, eligible...), nil
}

func (c *Calculator) priorBalance(ctx context.Context, repo Store, in PreviewInput) (*NegativeBalance, error) {
	if in.SettlementID == "" {
		nb, err := repo.LatestUnappliedBalance(ctx, in.Driver.ID)
		if err != nil {
			return nil, fmt.Errorf("load negative balance: %w", err)
		}
		return nb, nil
	}
	applied, err := repo.BalancesAppliedTo(ctx, in.SettlementID)
	if err != nil {
		return nil, fmt.Errorf("load applied balance: %w", err)
	}
	if len(applied) == 0 {
		return nil, nil
	}
	// Supersede semantics keep at most one; sum any extras.
	nb := applied[0]
	for _, other := range applied[1:] {
		nb.Amount = nb.Amount.Add(other.Amount)
	}
	return &nb, nil
}

// ComposeInput is a Preview with its inputs already fetched.
type ComposeInput struct {
	PreviewInput
	Rules    []Rule
	Advances []Advance
	Prior    *NegativeBalance
	History  []HistoryItem
}

// Compose performs the computation without I/O.
func (c *Calculator) Compose(ctx context.Context, in ComposeInput) *Preview {
	gross := c.CalculateGrossPay(ctx, in.Driver, in.Loads)

	rr := c.rules.Process(RuleInput{
		Driver:       in.Driver,
		Period:       in.Period,
		Loads:        in.Loads,
		GrossPay:     gross.Total,
		Rules:        in.Rules,
		History:      in.History,
		SettlementID: in.SettlementID,
	})

	p := &Preview{
		Gross:    gross,
		Advances: in.Advances,
		Rules:    in.Rules,
		Skipped:  rr.Skipped,
	}
	p.Additions = c.admit(ctx, CategoryAddition, rr.Additions, &p.Skipped)
	p.Deductions = c.admit(ctx, CategoryDeduction, rr.Deductions, &p.Skipped)

	for _, adv := range in.Advances {
		p.AdvanceItems = append(p.AdvanceItems, LineItem{
			DriverID:    in.Driver.ID,
			Category:    CategoryDeduction,
			Type:        TypeAdvance,
			Description: advanceDescription(adv),
			Amount:      generic.Cents(adv.Amount),
			Source:      AdvanceSource{AdvanceID: adv.ID},
		})
	}

	p.TotalAdditions = sumItems(p.Additions)
	p.TotalDeductions = sumItems(p.Deductions)
	p.TotalAdvances = sumItems(p.AdvanceItems)
	p.PreviousAmount = decimal.Zero
	if in.Prior != nil {
		p.PreviousBalance = in.Prior
		p.PreviousAmount = generic.Cents(in.Prior.Amount)
	}
	p.Net = gross.Total.
		Add(p.TotalAdditions).
		Sub(p.TotalDeductions).
		Sub(p.TotalAdvances).
		Sub(p.PreviousAmount)

	p.Audit = c.audit(in, p)
	return p
}

// admit drops items whose type contradicts the bucket they were queued in.
// Such an item never reaches the totals or the store.
func (c *Calculator) admit(ctx context.Context, want Category, items []LineItem, skipped *[]SkippedRule) []LineItem {
	out := items[:0:0]
	for _, li := range items {
		if li.Category == want && li.Type.Fits(want) {
			out = append(out, li)
			continue
		}
		ruleID, _ := li.RuleID()
		c.log.Warn(c.log.WithFields(ctx, map[string]any{
			"line_type": string(li.Type),
			"category":  string(want),
			"rule_id":   string(ruleID),
		}), "line item type does not match category, dropped")
		*skipped = append(*skipped, SkippedRule{RuleID: ruleID, Name: li.Description, Reason: SkipCategory})
	}
	return out
}

func (c *Calculator) audit(in ComposeInput, p *Preview) *CalculationAudit {
	loadIDs := make([]generic.LoadID, 0, len(in.Loads))
	for _, l := range in.Loads {
		loadIDs = append(loadIDs, l.ID)
	}
	a := &CalculationAudit{
		CalculatedAt:    c.now(),
		DriverID:        in.Driver.ID,
		PayType:         in.Driver.PayType,
		PayRate:         in.Driver.PayRate,
		PeriodStart:     in.Period.Start,
		PeriodEnd:       in.Period.End,
		LoadIDs:         loadIDs,
		Gross:           p.Gross,
		Additions:       auditLines(p.Additions),
		Deductions:      auditLines(p.Deductions),
		Advances:        auditLines(p.AdvanceItems),
		SkippedRules:    p.Skipped,
		PreviousBalance: p.PreviousAmount,
		TotalAdditions:  p.TotalAdditions,
		TotalDeductions: p.TotalDeductions,
		TotalAdvances:   p.TotalAdvances,
		NetPay:          p.Net,
	}
	if p.PreviousBalance != nil {
		a.PreviousBalanceID = p.PreviousBalance.ID
	}
	return a
}

func advanceDescription(a Advance) string {
	if a.PaidAt == nil {
		return "Advance"
	}
	return "Advance paid " + a.PaidAt.Format("2006-01-02")
}

func sumItems(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, li := range items {
		total = total.Add(li.Amount)
	}
	return total
}
