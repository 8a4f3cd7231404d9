/*
Package generic provides the primitives shared by the settlement engine.

PURPOSE:
  This package holds the domain-agnostic building blocks the settlement
  engine is assembled from: typed identifiers, money arithmetic on
  decimal.Decimal, calendar periods and frequency windows, the sentinel
  error catalogue, and the activity-log contract.

KEY CONCEPTS IN THIS FILE (types.go):
  - Identifiers: type-safe ids so a LoadID can never be passed as a DriverID
  - Money: decimal helpers that round to cents the same way everywhere

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, never float64
  2. Rounding: every persisted amount goes through Cents()
  3. Type Safety: distinct id types for every entity

USAGE:
  gross := generic.Cents(miles.Mul(rate))
  net := gross.Add(additions).Sub(deductions)

SEE ALSO:
  - period.go: Period and frequency windows
  - errors.go: Sentinel and structured errors
  - store.go: Activity log contract
*/
package generic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type DriverID string
type LoadID string
type SettlementID string
type LineItemID string
type RuleID string
type AdvanceID string
type BalanceID string

// =============================================================================
// MONEY
// =============================================================================

// Hundred is used for percentage math (rate/100).
var Hundred = decimal.NewFromInt(100)

// Cents rounds to two decimal places, half away from zero.
func Cents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// FloorZero returns d, or zero when d is negative.
func FloorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Percent returns base × rate / 100.
func Percent(base, rate decimal.Decimal) decimal.Decimal {
	return base.Mul(rate).Div(Hundred)
}

// DecimalPtr is a convenience for optional rule fields.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
