/*
Package settlement computes periodic driver pay statements.

PURPOSE:
  Given a driver and a date range, the engine derives gross pay from
  completed loads, applies ordered additions and deductions from scoped
  rules, nets out cash advances already paid, and carries unresolved
  shortfalls into the driver's next settlement.

COMPONENTS:
  Advance Ledger     (advances.go)   request / review / eligible / consume
  Rule Processor     (rules.go)      scoped recurring rules with gates
  Calculation Engine (calculator.go) gross pay hierarchy + net pay + audit
  Orchestrator       (service.go)    load selection, persistence, lifecycle

NET PAY:
  net = gross + additions - deductions - advances - previous negative balance

  The stored NetPay is floored at zero. When net is negative its magnitude
  is stored as CarriedForward and a NegativeBalance record is opened for
  the next settlement to absorb.

KEY TYPES IN THIS FILE (types.go):
  Driver, Load, Accessorial, Expense, Invoice  - read-only inputs
  Rule, RuleScope                              - recurring addition/deduction policy
  Advance                                      - cash advance
  Settlement, LineItem, NegativeBalance        - outputs

SEE ALSO:
  - lineitem.go: Line item categories and typed sources
  - audit.go: Calculation audit record and history snapshots
  - repository.go: Persistence contract
*/
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
)

// =============================================================================
// DRIVER
// =============================================================================

type PayType string

const (
	PayPerMile    PayType = "per_mile"
	PayPercentage PayType = "percentage"
	PayPerLoad    PayType = "per_load"
	PayHourly     PayType = "hourly"
	PayWeeklyFlat PayType = "weekly_flat"
)

func (p PayType) Valid() bool {
	switch p {
	case PayPerMile, PayPercentage, PayPerLoad, PayHourly, PayWeeklyFlat:
		return true
	}
	return false
}

// Driver is read-only to the engine.
type Driver struct {
	ID           generic.DriverID
	Number       string // stable driver number, e.g. "DRV-1042"
	Name         string
	CompanyID    string
	SubsidiaryID string
	DriverType   string // e.g. "company", "owner_operator", "lease"
	PayType      PayType
	PayRate      decimal.Decimal
	AdvanceLimit decimal.Decimal
}

// =============================================================================
// LOAD
// =============================================================================

type LoadStatus string

const (
	LoadDispatched  LoadStatus = "dispatched"
	LoadInTransit   LoadStatus = "in_transit"
	LoadDelivered   LoadStatus = "delivered"
	LoadReadyToBill LoadStatus = "ready_to_bill"
	LoadBillingHold LoadStatus = "billing_hold"
	LoadInvoiced    LoadStatus = "invoiced"
	LoadPaid        LoadStatus = "paid"
	LoadCancelled   LoadStatus = "cancelled"
)

// SettleableStatuses are the lifecycle states a load may be settled from.
var SettleableStatuses = []LoadStatus{
	LoadDelivered, LoadInvoiced, LoadPaid, LoadBillingHold, LoadReadyToBill,
}

func (s LoadStatus) Settleable() bool {
	for _, st := range SettleableStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Billed reports whether the load is already invoiced or paid by the customer.
func (s LoadStatus) Billed() bool {
	return s == LoadInvoiced || s == LoadPaid
}

// Load is one unit of transport work. Nested charges are loaded with it.
type Load struct {
	ID                 generic.LoadID
	DriverID           generic.DriverID
	CompanyID          string
	LoadNumber         string
	LoadedMiles        decimal.Decimal
	EmptyMiles         decimal.Decimal
	Revenue            decimal.Decimal
	DriverPay          *decimal.Decimal // manual pay override
	Status             LoadStatus
	ReadyForSettlement bool
	Deleted            bool
	DeliveredAt        *time.Time
	UpdatedAt          time.Time

	Accessorials []Accessorial
	Expenses     []Expense
	Invoices     []Invoice
}

func (l Load) TotalMiles() decimal.Decimal {
	return l.LoadedMiles.Add(l.EmptyMiles)
}

type AccessorialType string

const (
	AccessorialDetention      AccessorialType = "detention"
	AccessorialAdditionalStop AccessorialType = "additional_stop"
	AccessorialFuelSurcharge  AccessorialType = "fuel_surcharge"
	AccessorialLayover        AccessorialType = "layover"
	AccessorialLumper         AccessorialType = "lumper"
)

type Accessorial struct {
	ID          string
	LoadID      generic.LoadID
	InvoiceID   string // set when the charge belongs to an invoice
	Type        AccessorialType
	Description string
	Amount      decimal.Decimal
}

type ExpenseType string

const (
	ExpenseToll  ExpenseType = "toll"
	ExpenseScale ExpenseType = "scale"
	ExpenseFuel  ExpenseType = "fuel"
	ExpenseOther ExpenseType = "other"
)

// Reimbursable reports whether approved expenses of this type are paid back to the driver.
func (t ExpenseType) Reimbursable() bool {
	return t == ExpenseToll || t == ExpenseScale
}

type ExpenseStatus string

const (
	ExpensePending  ExpenseStatus = "pending"
	ExpenseApproved ExpenseStatus = "approved"
	ExpenseRejected ExpenseStatus = "rejected"
)

type Expense struct {
	ID          string
	LoadID      generic.LoadID
	Type        ExpenseType
	Status      ExpenseStatus
	Amount      decimal.Decimal
	Description string
}

type Invoice struct {
	ID           string
	LoadID       generic.LoadID
	Total        decimal.Decimal
	Accessorials []Accessorial
}

// FuelSurcharge sums the fuel-surcharge accessorials billed on the invoice.
func (i Invoice) FuelSurcharge() decimal.Decimal {
	return sumAccessorials(i.Accessorials, AccessorialFuelSurcharge)
}

func sumAccessorials(items []Accessorial, t AccessorialType) decimal.Decimal {
	total := decimal.Zero
	for _, a := range items {
		if a.Type == t {
			total = total.Add(a.Amount)
		}
	}
	return total
}

// =============================================================================
// RULE - Recurring addition / deduction policy
// =============================================================================

type RuleMode string

const (
	ModeFixed      RuleMode = "fixed"
	ModePercentage RuleMode = "percentage" // percent of gross pay
	ModePerMile    RuleMode = "per_mile"
)

type Frequency string

const (
	FrequencyWeekly        Frequency = "weekly"
	FrequencyBiweekly      Frequency = "biweekly"
	FrequencyMonthly       Frequency = "monthly"
	FrequencyOneTime       Frequency = "one_time"
	FrequencyPerSettlement Frequency = "per_settlement"
)

// Window returns the calendar window the frequency dedups within, anchored
// to the period end. ok is false for per-settlement rules.
func (f Frequency) Window(periodEnd time.Time) (generic.Period, bool) {
	switch f {
	case FrequencyWeekly:
		return generic.WeekOf(periodEnd), true
	case FrequencyBiweekly:
		return generic.BiweekOf(periodEnd), true
	case FrequencyMonthly:
		return generic.MonthOf(periodEnd), true
	case FrequencyOneTime:
		return generic.AllTime(), true
	default:
		return generic.Period{}, false
	}
}

type ScopeKind string

const (
	ScopeCompany    ScopeKind = "company"
	ScopeSubsidiary ScopeKind = "subsidiary"
	ScopeDriverType ScopeKind = "driver_type"
	ScopeDriver     ScopeKind = "driver"
)

// RuleScope says which drivers a rule applies to. Kind is the discriminator;
// only the fields it names are meaningful, and the factory rejects rules that
// leave them empty.
type RuleScope struct {
	Kind         ScopeKind
	CompanyID    string
	SubsidiaryID string
	DriverType   string
	DriverID     generic.DriverID
}

// Matches reports whether the rule's scope covers the driver.
func (s RuleScope) Matches(d Driver) bool {
	if s.CompanyID != "" && s.CompanyID != d.CompanyID {
		return false
	}
	switch s.Kind {
	case ScopeCompany:
		return s.CompanyID != ""
	case ScopeSubsidiary:
		return s.SubsidiaryID != "" && s.SubsidiaryID == d.SubsidiaryID
	case ScopeDriverType:
		return s.DriverType != "" && s.DriverType == d.DriverType
	case ScopeDriver:
		return s.DriverID != "" && s.DriverID == d.ID
	}
	return false
}

// DriverSpecific is true when the rule belongs to exactly one driver.
func (s RuleScope) DriverSpecific() bool {
	return s.Kind == ScopeDriver
}

type Rule struct {
	ID             generic.RuleID
	Name           string
	Type           LineItemType
	IsAddition     bool
	Scope          RuleScope
	Mode           RuleMode
	Amount         decimal.Decimal // fixed amount, percent, or per-mile rate
	MinGrossPay    *decimal.Decimal
	MaxAmount      *decimal.Decimal
	GoalAmount     *decimal.Decimal
	CurrentBalance decimal.Decimal // running total, driver-scoped goal rules only
	Frequency      Frequency
	Active         bool
	CreatedAt      time.Time
}

// Category is the line item category this rule materializes as.
func (r Rule) Category() Category {
	if r.IsAddition {
		return CategoryAddition
	}
	return CategoryDeduction
}

func (r Rule) HasGoal() bool {
	return r.GoalAmount != nil && r.GoalAmount.IsPositive()
}

// =============================================================================
// ADVANCE
// =============================================================================

type AdvanceStatus string

const (
	AdvancePending  AdvanceStatus = "pending"
	AdvanceApproved AdvanceStatus = "approved"
	AdvanceRejected AdvanceStatus = "rejected"
)

type Advance struct {
	ID               generic.AdvanceID
	DriverID         generic.DriverID
	LoadID           generic.LoadID
	Amount           decimal.Decimal
	Status           AdvanceStatus
	Reason           string
	RequestedAt      time.Time
	ReviewedBy       string
	ReviewedAt       *time.Time
	RejectionReason  string
	PaidAt           *time.Time
	PaymentMethod    string
	PaymentReference string

	// SettlementID links the advance to the settlement that consumed it.
	SettlementID generic.SettlementID
}

// Outstanding is true while the advance still counts against the driver's limit.
func (a Advance) Outstanding() bool {
	return a.SettlementID == "" && (a.Status == AdvancePending || a.Status == AdvanceApproved)
}

// =============================================================================
// SETTLEMENT
// =============================================================================

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusPaid     Status = "paid"
	StatusVoid     Status = "void"
)

// ActiveStatuses block an auto-generated settlement for the same period.
var ActiveStatuses = []Status{StatusPending, StatusApproved, StatusPaid}

func (s Status) Active() bool {
	return s == StatusPending || s == StatusApproved || s == StatusPaid
}

type Settlement struct {
	ID          generic.SettlementID
	DriverID    generic.DriverID
	PeriodStart time.Time
	PeriodEnd   time.Time
	LoadIDs     []generic.LoadID

	GrossPay        decimal.Decimal
	TotalAdditions  decimal.Decimal
	TotalDeductions decimal.Decimal
	TotalAdvances   decimal.Decimal
	PreviousBalance decimal.Decimal // prior negative balance absorbed here
	NetPay          decimal.Decimal // floored at zero
	CarriedForward  decimal.Decimal // |net| when net < 0

	Status   Status
	Notes    string
	BatchRef string

	// AutoGenerated is true when loads were selected by period query. Only
	// auto-generated creates are checked against the period, but every
	// active settlement blocks them.
	AutoGenerated bool

	Audit   *CalculationAudit
	History []AuditSnapshot

	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ApprovedAt *time.Time
	PaidAt     *time.Time
}

func (s Settlement) Period() generic.Period {
	return generic.NewPeriod(s.PeriodStart, s.PeriodEnd)
}

// RawNet is the signed net before flooring.
func (s Settlement) RawNet() decimal.Decimal {
	if s.CarriedForward.IsPositive() {
		return s.CarriedForward.Neg()
	}
	return s.NetPay
}

// =============================================================================
// NEGATIVE BALANCE
// =============================================================================

// NegativeBalance is the unpaid remainder of a settlement whose net went
// below zero. It is applied to at most one later settlement.
type NegativeBalance struct {
	ID                    generic.BalanceID
	DriverID              generic.DriverID
	SettlementID          generic.SettlementID // where the shortfall originated
	Amount                decimal.Decimal      // positive magnitude
	Applied               bool
	AppliedToSettlementID generic.SettlementID
	AppliedAt             *time.Time
	CreatedAt             time.Time
}
