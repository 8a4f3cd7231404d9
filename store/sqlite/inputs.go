package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// DRIVERS
// =============================================================================

// SaveDriver upserts a driver record.
func (r *queries) SaveDriver(ctx context.Context, d settlement.Driver) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO drivers (id, number, name, company_id, subsidiary_id, driver_type, pay_type, pay_rate, advance_limit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			number = excluded.number,
			name = excluded.name,
			company_id = excluded.company_id,
			subsidiary_id = excluded.subsidiary_id,
			driver_type = excluded.driver_type,
			pay_type = excluded.pay_type,
			pay_rate = excluded.pay_rate,
			advance_limit = excluded.advance_limit
	`, string(d.ID), d.Number, d.Name, d.CompanyID, d.SubsidiaryID, d.DriverType,
		string(d.PayType), d.PayRate, d.AdvanceLimit)
	if err != nil {
		return fmt.Errorf("failed to save driver: %w", err)
	}
	return nil
}

func (r *queries) GetDriver(ctx context.Context, id generic.DriverID) (settlement.Driver, error) {
	var d settlement.Driver
	err := r.q.QueryRowContext(ctx, `
		SELECT id, number, name, company_id, subsidiary_id, driver_type, pay_type, pay_rate, advance_limit
		FROM drivers WHERE id = ?
	`, string(id)).Scan(&d.ID, &d.Number, &d.Name, &d.CompanyID, &d.SubsidiaryID, &d.DriverType,
		&d.PayType, &d.PayRate, &d.AdvanceLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Driver{}, fmt.Errorf("driver %s: %w", id, generic.ErrDriverNotFound)
	}
	if err != nil {
		return settlement.Driver{}, fmt.Errorf("failed to get driver: %w", err)
	}
	return d, nil
}

// =============================================================================
// LOADS
// =============================================================================

func (r *queries) saveLoad(ctx context.Context, l settlement.Load) error {
	var driverPay decimal.NullDecimal
	if l.DriverPay != nil {
		driverPay = decimal.NewNullDecimal(*l.DriverPay)
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO loads (id, driver_id, company_id, load_number, loaded_miles, empty_miles, revenue,
			driver_pay, status, ready_for_settlement, deleted, delivered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			driver_id = excluded.driver_id,
			company_id = excluded.company_id,
			load_number = excluded.load_number,
			loaded_miles = excluded.loaded_miles,
			empty_miles = excluded.empty_miles,
			revenue = excluded.revenue,
			driver_pay = excluded.driver_pay,
			status = excluded.status,
			ready_for_settlement = excluded.ready_for_settlement,
			deleted = excluded.deleted,
			delivered_at = excluded.delivered_at,
			updated_at = excluded.updated_at
	`, string(l.ID), string(l.DriverID), l.CompanyID, l.LoadNumber, l.LoadedMiles, l.EmptyMiles, l.Revenue,
		driverPay, string(l.Status), l.ReadyForSettlement, l.Deleted, formatNullTime(l.DeliveredAt), formatTime(l.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save load: %w", err)
	}

	for _, table := range []string{"accessorials", "expenses", "invoices"} {
		if _, err := r.q.ExecContext(ctx, "DELETE FROM "+table+" WHERE load_id = ?", string(l.ID)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	for _, a := range l.Accessorials {
		if err := r.insertAccessorial(ctx, l.ID, "", a); err != nil {
			return err
		}
	}
	for _, e := range l.Expenses {
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO expenses (load_id, id, type, status, amount, description) VALUES (?, ?, ?, ?, ?, ?)
		`, string(l.ID), e.ID, string(e.Type), string(e.Status), e.Amount, e.Description)
		if err != nil {
			return fmt.Errorf("failed to save expense: %w", err)
		}
	}
	for _, inv := range l.Invoices {
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO invoices (load_id, id, total) VALUES (?, ?, ?)
		`, string(l.ID), inv.ID, inv.Total)
		if err != nil {
			return fmt.Errorf("failed to save invoice: %w", err)
		}
		for _, a := range inv.Accessorials {
			if err := r.insertAccessorial(ctx, l.ID, inv.ID, a); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *queries) insertAccessorial(ctx context.Context, loadID generic.LoadID, owner string, a settlement.Accessorial) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO accessorials (load_id, owner_invoice_id, id, invoice_id, type, description, amount)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(loadID), owner, a.ID, a.InvoiceID, string(a.Type), a.Description, a.Amount)
	if err != nil {
		return fmt.Errorf("failed to save accessorial: %w", err)
	}
	return nil
}

const loadColumns = `id, driver_id, company_id, load_number, loaded_miles, empty_miles, revenue,
	driver_pay, status, ready_for_settlement, deleted, delivered_at, updated_at`

func (r *queries) LoadsByIDs(ctx context.Context, driverID generic.DriverID, ids []generic.LoadID) ([]settlement.Load, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{string(driverID)}
	for _, id := range ids {
		args = append(args, string(id))
	}
	loads, err := r.queryLoads(ctx,
		"SELECT "+loadColumns+" FROM loads WHERE driver_id = ? AND id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return nil, err
	}

	// Preserve the caller's order.
	byID := make(map[generic.LoadID]settlement.Load, len(loads))
	for _, l := range loads {
		byID[l.ID] = l
	}
	out := make([]settlement.Load, 0, len(loads))
	for _, id := range ids {
		if l, ok := byID[id]; ok {
			out = append(out, l)
			delete(byID, id)
		}
	}
	return out, nil
}

func (r *queries) LoadsInPeriod(ctx context.Context, driverID generic.DriverID, period generic.Period) ([]settlement.Load, error) {
	from := formatTime(generic.DateOf(period.Start))
	until := formatTime(generic.DateOf(period.End).AddDate(0, 0, 1))
	return r.queryLoads(ctx, `
		SELECT `+loadColumns+` FROM loads
		WHERE driver_id = ?
		  AND ((delivered_at >= ? AND delivered_at < ?) OR (updated_at >= ? AND updated_at < ?))
		ORDER BY id
	`, string(driverID), from, until, from, until)
}

func (r *queries) queryLoads(ctx context.Context, query string, args ...any) ([]settlement.Load, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query loads: %w", err)
	}
	var loads []settlement.Load
	for rows.Next() {
		l, err := scanLoad(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		loads = append(loads, l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(loads) == 0 {
		return nil, nil
	}
	if err := r.attachCharges(ctx, loads); err != nil {
		return nil, err
	}
	return loads, nil
}

func scanLoad(s rowScanner) (settlement.Load, error) {
	var (
		l           settlement.Load
		driverPay   decimal.NullDecimal
		deliveredAt sql.NullString
		updatedAt   string
	)
	err := s.Scan(&l.ID, &l.DriverID, &l.CompanyID, &l.LoadNumber, &l.LoadedMiles, &l.EmptyMiles, &l.Revenue,
		&driverPay, &l.Status, &l.ReadyForSettlement, &l.Deleted, &deliveredAt, &updatedAt)
	if err != nil {
		return l, fmt.Errorf("failed to scan load: %w", err)
	}
	if driverPay.Valid {
		l.DriverPay = generic.DecimalPtr(driverPay.Decimal)
	}
	l.DeliveredAt = parseNullTime(deliveredAt)
	l.UpdatedAt = parseTime(updatedAt)
	return l, nil
}

// attachCharges loads accessorials, expenses and invoices for all loads
// with one query per table.
func (r *queries) attachCharges(ctx context.Context, loads []settlement.Load) error {
	index := make(map[generic.LoadID]int, len(loads))
	args := make([]any, 0, len(loads))
	for i, l := range loads {
		index[l.ID] = i
		args = append(args, string(l.ID))
	}
	in := "(" + placeholders(len(loads)) + ")"

	invoiceCharges := make(map[string][]settlement.Accessorial)
	err := r.eachRow(ctx, `
		SELECT load_id, owner_invoice_id, id, invoice_id, type, description, amount
		FROM accessorials WHERE load_id IN `+in+` ORDER BY rowid
	`, args, func(s rowScanner) error {
		var (
			a     settlement.Accessorial
			owner string
		)
		if err := s.Scan(&a.LoadID, &owner, &a.ID, &a.InvoiceID, &a.Type, &a.Description, &a.Amount); err != nil {
			return err
		}
		if owner != "" {
			invoiceCharges[string(a.LoadID)+"/"+owner] = append(invoiceCharges[string(a.LoadID)+"/"+owner], a)
			return nil
		}
		i := index[a.LoadID]
		loads[i].Accessorials = append(loads[i].Accessorials, a)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load accessorials: %w", err)
	}

	err = r.eachRow(ctx, `
		SELECT load_id, id, type, status, amount, description
		FROM expenses WHERE load_id IN `+in+` ORDER BY rowid
	`, args, func(s rowScanner) error {
		var e settlement.Expense
		if err := s.Scan(&e.LoadID, &e.ID, &e.Type, &e.Status, &e.Amount, &e.Description); err != nil {
			return err
		}
		i := index[e.LoadID]
		loads[i].Expenses = append(loads[i].Expenses, e)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load expenses: %w", err)
	}

	err = r.eachRow(ctx, `
		SELECT load_id, id, total FROM invoices WHERE load_id IN `+in+` ORDER BY rowid
	`, args, func(s rowScanner) error {
		var inv settlement.Invoice
		if err := s.Scan(&inv.LoadID, &inv.ID, &inv.Total); err != nil {
			return err
		}
		inv.Accessorials = invoiceCharges[string(inv.LoadID)+"/"+inv.ID]
		i := index[inv.LoadID]
		loads[i].Invoices = append(loads[i].Invoices, inv)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load invoices: %w", err)
	}
	return nil
}

// eachRow runs query and calls fn for every row, closing the cursor before returning.
func (r *queries) eachRow(ctx context.Context, query string, args []any, fn func(rowScanner) error) error {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// =============================================================================
// RULES
// =============================================================================

const ruleColumns = `id, name, type, is_addition, scope_kind, scope_company_id, scope_subsidiary_id,
	scope_driver_type, scope_driver_id, mode, amount, min_gross_pay, max_amount, goal_amount,
	current_balance, frequency, active, created_at`

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func decimalPtr(nd decimal.NullDecimal) *decimal.Decimal {
	if !nd.Valid {
		return nil
	}
	return generic.DecimalPtr(nd.Decimal)
}

func (r *queries) SaveRule(ctx context.Context, rule settlement.Rule) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			is_addition = excluded.is_addition,
			scope_kind = excluded.scope_kind,
			scope_company_id = excluded.scope_company_id,
			scope_subsidiary_id = excluded.scope_subsidiary_id,
			scope_driver_type = excluded.scope_driver_type,
			scope_driver_id = excluded.scope_driver_id,
			mode = excluded.mode,
			amount = excluded.amount,
			min_gross_pay = excluded.min_gross_pay,
			max_amount = excluded.max_amount,
			goal_amount = excluded.goal_amount,
			current_balance = excluded.current_balance,
			frequency = excluded.frequency,
			active = excluded.active
	`, string(rule.ID), rule.Name, string(rule.Type), rule.IsAddition,
		string(rule.Scope.Kind), rule.Scope.CompanyID, rule.Scope.SubsidiaryID, rule.Scope.DriverType, string(rule.Scope.DriverID),
		string(rule.Mode), rule.Amount, nullDecimal(rule.MinGrossPay), nullDecimal(rule.MaxAmount), nullDecimal(rule.GoalAmount),
		rule.CurrentBalance, string(rule.Frequency), rule.Active, formatTime(rule.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

func (r *queries) GetRule(ctx context.Context, id generic.RuleID) (settlement.Rule, error) {
	rule, err := scanRule(r.q.QueryRowContext(ctx, "SELECT "+ruleColumns+" FROM rules WHERE id = ?", string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Rule{}, fmt.Errorf("rule %s: %w", id, generic.ErrRuleNotFound)
	}
	return rule, err
}

func (r *queries) ActiveRules(ctx context.Context, companyID string) ([]settlement.Rule, error) {
	var out []settlement.Rule
	err := r.eachRow(ctx, `
		SELECT `+ruleColumns+` FROM rules
		WHERE active = 1 AND (? = '' OR scope_company_id = '' OR scope_company_id = ?)
		ORDER BY id
	`, []any{companyID, companyID}, func(s rowScanner) error {
		rule, err := scanRule(s)
		if err != nil {
			return err
		}
		out = append(out, rule)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	return out, nil
}

func (r *queries) AddToRuleBalance(ctx context.Context, id generic.RuleID, delta decimal.Decimal) (decimal.Decimal, error) {
	var current decimal.Decimal
	err := r.q.QueryRowContext(ctx, "SELECT current_balance FROM rules WHERE id = ?", string(id)).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("rule %s: %w", id, generic.ErrRuleNotFound)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read rule balance: %w", err)
	}
	next := current.Add(delta)
	if _, err := r.q.ExecContext(ctx, "UPDATE rules SET current_balance = ? WHERE id = ?", next, string(id)); err != nil {
		return decimal.Zero, fmt.Errorf("failed to update rule balance: %w", err)
	}
	return next, nil
}

func scanRule(s rowScanner) (settlement.Rule, error) {
	var (
		rule      settlement.Rule
		minGross  decimal.NullDecimal
		maxAmount decimal.NullDecimal
		goal      decimal.NullDecimal
		createdAt string
	)
	err := s.Scan(&rule.ID, &rule.Name, &rule.Type, &rule.IsAddition,
		&rule.Scope.Kind, &rule.Scope.CompanyID, &rule.Scope.SubsidiaryID, &rule.Scope.DriverType, &rule.Scope.DriverID,
		&rule.Mode, &rule.Amount, &minGross, &maxAmount, &goal, &rule.CurrentBalance, &rule.Frequency, &rule.Active, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rule, err
		}
		return rule, fmt.Errorf("failed to scan rule: %w", err)
	}
	rule.MinGrossPay = decimalPtr(minGross)
	rule.MaxAmount = decimalPtr(maxAmount)
	rule.GoalAmount = decimalPtr(goal)
	rule.CreatedAt = parseTime(createdAt)
	return rule, nil
}

// =============================================================================
// ADVANCES
// =============================================================================

const advanceColumns = `id, driver_id, load_id, amount, status, reason, requested_at, reviewed_by, reviewed_at,
	rejection_reason, paid_at, payment_method, payment_reference, settlement_id`

func (r *queries) SaveAdvance(ctx context.Context, a settlement.Advance) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO advances (`+advanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			status = excluded.status,
			reason = excluded.reason,
			reviewed_by = excluded.reviewed_by,
			reviewed_at = excluded.reviewed_at,
			rejection_reason = excluded.rejection_reason,
			paid_at = excluded.paid_at,
			payment_method = excluded.payment_method,
			payment_reference = excluded.payment_reference,
			settlement_id = excluded.settlement_id
	`, string(a.ID), string(a.DriverID), string(a.LoadID), a.Amount, string(a.Status), a.Reason,
		formatTime(a.RequestedAt), a.ReviewedBy, formatNullTime(a.ReviewedAt), a.RejectionReason,
		formatNullTime(a.PaidAt), a.PaymentMethod, a.PaymentReference, string(a.SettlementID))
	if err != nil {
		return fmt.Errorf("failed to save advance: %w", err)
	}
	return nil
}

func (r *queries) GetAdvance(ctx context.Context, id generic.AdvanceID) (settlement.Advance, error) {
	a, err := scanAdvance(r.q.QueryRowContext(ctx, "SELECT "+advanceColumns+" FROM advances WHERE id = ?", string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Advance{}, fmt.Errorf("advance %s: %w", id, generic.ErrAdvanceNotFound)
	}
	return a, err
}

func (r *queries) AdvancesByDriver(ctx context.Context, driverID generic.DriverID) ([]settlement.Advance, error) {
	return r.queryAdvances(ctx, "driver_id = ?", string(driverID))
}

func (r *queries) AdvancesBySettlement(ctx context.Context, id generic.SettlementID) ([]settlement.Advance, error) {
	return r.queryAdvances(ctx, "settlement_id = ?", string(id))
}

func (r *queries) queryAdvances(ctx context.Context, where string, args ...any) ([]settlement.Advance, error) {
	var out []settlement.Advance
	err := r.eachRow(ctx, "SELECT "+advanceColumns+" FROM advances WHERE "+where+" ORDER BY requested_at, id", args,
		func(s rowScanner) error {
			a, err := scanAdvance(s)
			if err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to query advances: %w", err)
	}
	return out, nil
}

// LinkAdvance only succeeds while the advance is free or already linked to
// the same settlement.
func (r *queries) LinkAdvance(ctx context.Context, id generic.AdvanceID, settlementID generic.SettlementID) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE advances SET settlement_id = ?
		WHERE id = ? AND (settlement_id = '' OR settlement_id = ?)
	`, string(settlementID), string(id), string(settlementID))
	if err != nil {
		return fmt.Errorf("failed to link advance: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	held, err := r.GetAdvance(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("advance %s held by %s: %w", id, held.SettlementID, generic.ErrAdvanceConsumed)
}

func (r *queries) UnlinkAdvances(ctx context.Context, settlementID generic.SettlementID) error {
	_, err := r.q.ExecContext(ctx, "UPDATE advances SET settlement_id = '' WHERE settlement_id = ?", string(settlementID))
	if err != nil {
		return fmt.Errorf("failed to unlink advances: %w", err)
	}
	return nil
}

func scanAdvance(s rowScanner) (settlement.Advance, error) {
	var (
		a                  settlement.Advance
		requestedAt        string
		reviewedAt, paidAt sql.NullString
	)
	err := s.Scan(&a.ID, &a.DriverID, &a.LoadID, &a.Amount, &a.Status, &a.Reason, &requestedAt,
		&a.ReviewedBy, &reviewedAt, &a.RejectionReason, &paidAt, &a.PaymentMethod, &a.PaymentReference, &a.SettlementID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan advance: %w", err)
	}
	a.RequestedAt = parseTime(requestedAt)
	a.ReviewedAt = parseNullTime(reviewedAt)
	a.PaidAt = parseNullTime(paidAt)
	return a, nil
}
