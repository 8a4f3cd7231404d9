package settlement

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
)

// =============================================================================
// LINE ITEM TYPES
// =============================================================================

type Category string

const (
	CategoryAddition  Category = "addition"
	CategoryDeduction Category = "deduction"
)

type LineItemType string

// Additions.
const (
	TypeStopPay       LineItemType = "stop_pay"
	TypeDetentionPay  LineItemType = "detention_pay"
	TypeLayoverPay    LineItemType = "layover_pay"
	TypeReimbursement LineItemType = "reimbursement"
	TypeBonus         LineItemType = "bonus"
	TypeOvertime      LineItemType = "overtime"
	TypeIncentive     LineItemType = "incentive"
)

// Deductions.
const (
	TypeAdvance              LineItemType = "advance"
	TypeInsurance            LineItemType = "insurance"
	TypeEscrow               LineItemType = "escrow"
	TypeFuel                 LineItemType = "fuel"
	TypeEquipmentLease       LineItemType = "equipment_lease"
	TypeOccupationalAccident LineItemType = "occupational_accident"
	TypeGarnishment          LineItemType = "garnishment"
	TypeNegativeBalance      LineItemType = "negative_balance"
	TypeOtherDeduction       LineItemType = "other_deduction"
)

var additionTypes = map[LineItemType]bool{
	TypeStopPay:       true,
	TypeDetentionPay:  true,
	TypeLayoverPay:    true,
	TypeReimbursement: true,
	TypeBonus:         true,
	TypeOvertime:      true,
	TypeIncentive:     true,
}

var deductionTypes = map[LineItemType]bool{
	TypeAdvance:              true,
	TypeInsurance:            true,
	TypeEscrow:               true,
	TypeFuel:                 true,
	TypeEquipmentLease:       true,
	TypeOccupationalAccident: true,
	TypeGarnishment:          true,
	TypeNegativeBalance:      true,
	TypeOtherDeduction:       true,
}

// Category returns the category a line item of this type belongs to.
// ok is false for unknown types.
func (t LineItemType) Category() (Category, bool) {
	switch {
	case additionTypes[t]:
		return CategoryAddition, true
	case deductionTypes[t]:
		return CategoryDeduction, true
	}
	return "", false
}

// Fits reports whether a line item of this type may be booked under c.
func (t LineItemType) Fits(c Category) bool {
	cat, ok := t.Category()
	return ok && cat == c
}

// RuleAuthorable reports whether a recurring rule may produce this type.
// Advance and negative-balance lines are engine-owned.
func (t LineItemType) RuleAuthorable() bool {
	if t == TypeAdvance || t == TypeNegativeBalance {
		return false
	}
	_, ok := t.Category()
	return ok
}

// =============================================================================
// LINE ITEM
// =============================================================================

// LineItem is one addition or deduction on a settlement. Amount is always
// positive; Category decides the sign in the net formula.
type LineItem struct {
	ID           generic.LineItemID
	SettlementID generic.SettlementID
	DriverID     generic.DriverID
	Category     Category
	Type         LineItemType
	Description  string
	Amount       decimal.Decimal
	Source       Source
	CreatedAt    time.Time
}

// RuleID returns the id of the rule behind this item, if any.
func (li LineItem) RuleID() (generic.RuleID, bool) {
	if rs, ok := li.Source.(RuleSource); ok {
		return rs.RuleID, true
	}
	return "", false
}

// =============================================================================
// SOURCES - Back-references from a line item to what produced it
// =============================================================================

type SourceKind string

const (
	SourceAccessorial     SourceKind = "accessorial"
	SourceExpense         SourceKind = "expense"
	SourceAdvance         SourceKind = "advance"
	SourceRule            SourceKind = "rule"
	SourceNegativeBalance SourceKind = "negative_balance"
)

// Source is implemented only by the types in this file.
type Source interface {
	Kind() SourceKind
	Ref() string
	isSource()
}

type AccessorialSource struct {
	AccessorialID string
	LoadID        generic.LoadID
	Type          AccessorialType
}

func (AccessorialSource) Kind() SourceKind { return SourceAccessorial }
func (s AccessorialSource) Ref() string    { return s.AccessorialID }
func (AccessorialSource) isSource()        {}

type ExpenseSource struct {
	ExpenseID string
	LoadID    generic.LoadID
	Type      ExpenseType
}

func (ExpenseSource) Kind() SourceKind { return SourceExpense }
func (s ExpenseSource) Ref() string    { return s.ExpenseID }
func (ExpenseSource) isSource()        {}

type AdvanceSource struct {
	AdvanceID generic.AdvanceID
}

func (AdvanceSource) Kind() SourceKind { return SourceAdvance }
func (s AdvanceSource) Ref() string    { return string(s.AdvanceID) }
func (AdvanceSource) isSource()        {}

type RuleSource struct {
	RuleID generic.RuleID
	Mode   RuleMode
	// Capped is true when MaxAmount or the goal gap reduced the computed amount.
	Capped bool
}

func (RuleSource) Kind() SourceKind { return SourceRule }
func (s RuleSource) Ref() string    { return string(s.RuleID) }
func (RuleSource) isSource()        {}

type NegativeBalanceSource struct {
	BalanceID          generic.BalanceID
	OriginSettlementID generic.SettlementID
}

func (NegativeBalanceSource) Kind() SourceKind { return SourceNegativeBalance }
func (s NegativeBalanceSource) Ref() string    { return string(s.BalanceID) }
func (NegativeBalanceSource) isSource()        {}

// NewSource rebuilds a Source from its persisted kind and reference. Fields
// not recoverable from the reference stay zero.
func NewSource(kind SourceKind, ref string) Source {
	switch kind {
	case SourceAccessorial:
		return AccessorialSource{AccessorialID: ref}
	case SourceExpense:
		return ExpenseSource{ExpenseID: ref}
	case SourceAdvance:
		return AdvanceSource{AdvanceID: generic.AdvanceID(ref)}
	case SourceRule:
		return RuleSource{RuleID: generic.RuleID(ref)}
	case SourceNegativeBalance:
		return NegativeBalanceSource{BalanceID: generic.BalanceID(ref)}
	}
	return nil
}
