package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// SETTLEMENTS
// =============================================================================

const settlementColumns = `id, driver_id, period_start, period_end, period_key, load_ids_json,
	gross_pay, total_additions, total_deductions, total_advances, previous_balance, net_pay, carried_forward,
	status, notes, batch_ref, auto_generated, audit_json, history_json, version,
	created_at, updated_at, approved_at, paid_at`

// CreateSettlement inserts s at version 1. An auto-generated settlement is
// refused while any active settlement, explicit or not, covers its period;
// the partial unique index backs the check between auto-generated rows.
func (r *queries) CreateSettlement(ctx context.Context, s *settlement.Settlement) error {
	if s.AutoGenerated && s.Status.Active() {
		existing, err := r.FindActiveSettlement(ctx, s.DriverID, s.Period())
		if err != nil {
			return fmt.Errorf("failed to check active settlement: %w", err)
		}
		if existing != nil {
			return &generic.DuplicateSettlementError{DriverID: s.DriverID, Period: s.Period(), ExistingID: existing.ID}
		}
	}
	loadIDs, audit, history, err := encodeSettlement(s)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
	`, string(s.ID), string(s.DriverID), formatTime(s.PeriodStart), formatTime(s.PeriodEnd), s.Period().Key(), loadIDs,
		s.GrossPay, s.TotalAdditions, s.TotalDeductions, s.TotalAdvances, s.PreviousBalance, s.NetPay, s.CarriedForward,
		string(s.Status), s.Notes, s.BatchRef, s.AutoGenerated, audit, history,
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt), formatNullTime(s.ApprovedAt), formatNullTime(s.PaidAt))
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "period_key") {
			existing, findErr := r.FindActiveSettlement(ctx, s.DriverID, s.Period())
			if findErr == nil && existing != nil {
				return &generic.DuplicateSettlementError{DriverID: s.DriverID, Period: s.Period(), ExistingID: existing.ID}
			}
			return &generic.DuplicateSettlementError{DriverID: s.DriverID, Period: s.Period()}
		}
		if isUniqueConstraintError(err) {
			return fmt.Errorf("settlement %s already exists", s.ID)
		}
		return fmt.Errorf("failed to create settlement: %w", err)
	}
	s.Version = 1
	return nil
}

// UpdateSettlement writes s only if the stored version still equals s.Version.
func (r *queries) UpdateSettlement(ctx context.Context, s *settlement.Settlement) error {
	loadIDs, audit, history, err := encodeSettlement(s)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE settlements SET
			load_ids_json = ?,
			gross_pay = ?, total_additions = ?, total_deductions = ?, total_advances = ?,
			previous_balance = ?, net_pay = ?, carried_forward = ?,
			status = ?, notes = ?, batch_ref = ?,
			audit_json = ?, history_json = ?,
			updated_at = ?, approved_at = ?, paid_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`, loadIDs,
		s.GrossPay, s.TotalAdditions, s.TotalDeductions, s.TotalAdvances,
		s.PreviousBalance, s.NetPay, s.CarriedForward,
		string(s.Status), s.Notes, s.BatchRef,
		audit, history,
		formatTime(s.UpdatedAt), formatNullTime(s.ApprovedAt), formatNullTime(s.PaidAt),
		string(s.ID), s.Version)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &generic.DuplicateSettlementError{DriverID: s.DriverID, Period: s.Period()}
		}
		return fmt.Errorf("failed to update settlement: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		var stored int
		err := r.q.QueryRowContext(ctx, "SELECT version FROM settlements WHERE id = ?", string(s.ID)).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("settlement %s: %w", s.ID, generic.ErrSettlementNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read settlement version: %w", err)
		}
		return fmt.Errorf("settlement %s version %d, have %d: %w",
			s.ID, stored, s.Version, generic.ErrConcurrentModification)
	}
	s.Version++
	return nil
}

func (r *queries) GetSettlement(ctx context.Context, id generic.SettlementID) (settlement.Settlement, error) {
	s, err := scanSettlement(r.q.QueryRowContext(ctx, "SELECT "+settlementColumns+" FROM settlements WHERE id = ?", string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Settlement{}, fmt.Errorf("settlement %s: %w", id, generic.ErrSettlementNotFound)
	}
	return s, err
}

func (r *queries) ListSettlements(ctx context.Context, driverID generic.DriverID) ([]settlement.Settlement, error) {
	var out []settlement.Settlement
	err := r.eachRow(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE driver_id = ?
		ORDER BY period_start, created_at
	`, []any{string(driverID)}, func(s rowScanner) error {
		st, err := scanSettlement(s)
		if err != nil {
			return err
		}
		out = append(out, st)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	return out, nil
}

func (r *queries) FindActiveSettlement(ctx context.Context, driverID generic.DriverID, period generic.Period) (*settlement.Settlement, error) {
	s, err := scanSettlement(r.q.QueryRowContext(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE driver_id = ? AND period_key = ?
		  AND status IN ('pending', 'approved', 'paid')
		ORDER BY created_at, id
		LIMIT 1
	`, string(driverID), period.Key()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func encodeSettlement(s *settlement.Settlement) (loadIDs string, audit, history any, err error) {
	ids := s.LoadIDs
	if ids == nil {
		ids = []generic.LoadID{}
	}
	if loadIDs, err = toJSON(ids); err != nil {
		return "", nil, nil, fmt.Errorf("failed to encode load ids: %w", err)
	}
	if s.Audit != nil {
		if audit, err = toJSON(s.Audit); err != nil {
			return "", nil, nil, fmt.Errorf("failed to encode audit: %w", err)
		}
	}
	if len(s.History) > 0 {
		if history, err = toJSON(s.History); err != nil {
			return "", nil, nil, fmt.Errorf("failed to encode history: %w", err)
		}
	}
	return loadIDs, audit, history, nil
}

func scanSettlement(s rowScanner) (settlement.Settlement, error) {
	var (
		st                     settlement.Settlement
		periodStart, periodEnd string
		periodKey              string
		loadIDs                sql.NullString
		audit, history         sql.NullString
		createdAt, updatedAt   string
		approvedAt, paidAt     sql.NullString
	)
	err := s.Scan(&st.ID, &st.DriverID, &periodStart, &periodEnd, &periodKey, &loadIDs,
		&st.GrossPay, &st.TotalAdditions, &st.TotalDeductions, &st.TotalAdvances, &st.PreviousBalance, &st.NetPay, &st.CarriedForward,
		&st.Status, &st.Notes, &st.BatchRef, &st.AutoGenerated, &audit, &history, &st.Version,
		&createdAt, &updatedAt, &approvedAt, &paidAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return st, err
		}
		return st, fmt.Errorf("failed to scan settlement: %w", err)
	}
	st.PeriodStart = parseTime(periodStart)
	st.PeriodEnd = parseTime(periodEnd)
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	st.ApprovedAt = parseNullTime(approvedAt)
	st.PaidAt = parseNullTime(paidAt)

	if err := fromJSON(loadIDs, &st.LoadIDs); err != nil {
		return st, fmt.Errorf("failed to decode load ids: %w", err)
	}
	if audit.Valid && audit.String != "" {
		st.Audit = &settlement.CalculationAudit{}
		if err := fromJSON(audit, st.Audit); err != nil {
			return st, fmt.Errorf("failed to decode audit: %w", err)
		}
	}
	if err := fromJSON(history, &st.History); err != nil {
		return st, fmt.Errorf("failed to decode history: %w", err)
	}
	return st, nil
}

// =============================================================================
// LINE ITEMS
// =============================================================================

// sourceRecord is the JSON form of a line item source. Kind selects which
// fields are meaningful.
type sourceRecord struct {
	Ref                string `json:"ref"`
	LoadID             string `json:"load_id,omitempty"`
	Type               string `json:"type,omitempty"`
	Mode               string `json:"mode,omitempty"`
	Capped             bool   `json:"capped,omitempty"`
	OriginSettlementID string `json:"origin_settlement_id,omitempty"`
}

func encodeSource(src settlement.Source) (kind string, body any, ruleID string, err error) {
	if src == nil {
		return "", nil, "", nil
	}
	rec := sourceRecord{Ref: src.Ref()}
	switch s := src.(type) {
	case settlement.AccessorialSource:
		rec.LoadID, rec.Type = string(s.LoadID), string(s.Type)
	case settlement.ExpenseSource:
		rec.LoadID, rec.Type = string(s.LoadID), string(s.Type)
	case settlement.RuleSource:
		rec.Mode, rec.Capped = string(s.Mode), s.Capped
		ruleID = string(s.RuleID)
	case settlement.NegativeBalanceSource:
		rec.OriginSettlementID = string(s.OriginSettlementID)
	}
	js, err := toJSON(rec)
	if err != nil {
		return "", nil, "", err
	}
	return string(src.Kind()), js, ruleID, nil
}

func decodeSource(kind string, body sql.NullString) (settlement.Source, error) {
	if kind == "" {
		return nil, nil
	}
	var rec sourceRecord
	if err := fromJSON(body, &rec); err != nil {
		return nil, err
	}
	switch settlement.SourceKind(kind) {
	case settlement.SourceAccessorial:
		return settlement.AccessorialSource{
			AccessorialID: rec.Ref,
			LoadID:        generic.LoadID(rec.LoadID),
			Type:          settlement.AccessorialType(rec.Type),
		}, nil
	case settlement.SourceExpense:
		return settlement.ExpenseSource{
			ExpenseID: rec.Ref,
			LoadID:    generic.LoadID(rec.LoadID),
			Type:      settlement.ExpenseType(rec.Type),
		}, nil
	case settlement.SourceRule:
		return settlement.RuleSource{
			RuleID: generic.RuleID(rec.Ref),
			Mode:   settlement.RuleMode(rec.Mode),
			Capped: rec.Capped,
		}, nil
	case settlement.SourceNegativeBalance:
		return settlement.NegativeBalanceSource{
			BalanceID:          generic.BalanceID(rec.Ref),
			OriginSettlementID: generic.SettlementID(rec.OriginSettlementID),
		}, nil
	}
	return settlement.NewSource(settlement.SourceKind(kind), rec.Ref), nil
}

func (r *queries) ReplaceLineItems(ctx context.Context, settlementID generic.SettlementID, items []settlement.LineItem) error {
	if _, err := r.q.ExecContext(ctx, "DELETE FROM line_items WHERE settlement_id = ?", string(settlementID)); err != nil {
		return fmt.Errorf("failed to clear line items: %w", err)
	}
	for _, li := range items {
		kind, body, ruleID, err := encodeSource(li.Source)
		if err != nil {
			return fmt.Errorf("failed to encode line item source: %w", err)
		}
		_, err = r.q.ExecContext(ctx, `
			INSERT INTO line_items (id, settlement_id, driver_id, category, type, description, amount,
				source_kind, source_json, rule_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, string(li.ID), string(settlementID), string(li.DriverID), string(li.Category), string(li.Type),
			li.Description, li.Amount, kind, body, ruleID, formatTime(li.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert line item: %w", err)
		}
	}
	return nil
}

const lineItemColumns = `li.id, li.settlement_id, li.driver_id, li.category, li.type, li.description, li.amount,
	li.source_kind, li.source_json, li.created_at`

func (r *queries) ListLineItems(ctx context.Context, settlementID generic.SettlementID) ([]settlement.LineItem, error) {
	var out []settlement.LineItem
	err := r.eachRow(ctx, `
		SELECT `+lineItemColumns+` FROM line_items li
		WHERE li.settlement_id = ?
		ORDER BY li.rowid
	`, []any{string(settlementID)}, func(s rowScanner) error {
		li, err := scanLineItem(s)
		if err != nil {
			return err
		}
		out = append(out, li)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list line items: %w", err)
	}
	return out, nil
}

func (r *queries) RuleHistory(ctx context.Context, driverID generic.DriverID) ([]settlement.HistoryItem, error) {
	var out []settlement.HistoryItem
	err := r.eachRow(ctx, `
		SELECT `+lineItemColumns+`, s.status, s.period_start, s.period_end
		FROM line_items li
		JOIN settlements s ON s.id = li.settlement_id
		WHERE s.driver_id = ? AND li.rule_id <> ''
		  AND s.status IN ('pending', 'approved', 'paid')
		ORDER BY s.period_start, li.rowid
	`, []any{string(driverID)}, func(s rowScanner) error {
		var (
			h                      settlement.HistoryItem
			periodStart, periodEnd string
		)
		li, err := scanLineItem(s, &h.Status, &periodStart, &periodEnd)
		if err != nil {
			return err
		}
		ruleID, ok := li.RuleID()
		if !ok {
			return nil
		}
		h.Item = li
		h.RuleID = ruleID
		h.PeriodStart = parseTime(periodStart)
		h.PeriodEnd = parseTime(periodEnd)
		out = append(out, h)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query rule history: %w", err)
	}
	return out, nil
}

func scanLineItem(s rowScanner, extra ...any) (settlement.LineItem, error) {
	var (
		li        settlement.LineItem
		kind      string
		body      sql.NullString
		createdAt string
	)
	dest := append([]any{&li.ID, &li.SettlementID, &li.DriverID, &li.Category, &li.Type, &li.Description, &li.Amount,
		&kind, &body, &createdAt}, extra...)
	if err := s.Scan(dest...); err != nil {
		return li, fmt.Errorf("failed to scan line item: %w", err)
	}
	src, err := decodeSource(kind, body)
	if err != nil {
		return li, fmt.Errorf("failed to decode line item source: %w", err)
	}
	li.Source = src
	li.CreatedAt = parseTime(createdAt)
	return li, nil
}

// =============================================================================
// NEGATIVE BALANCES
// =============================================================================

const balanceColumns = `id, driver_id, settlement_id, amount, applied, applied_to_settlement_id, applied_at, created_at`

func (r *queries) LatestUnappliedBalance(ctx context.Context, driverID generic.DriverID) (*settlement.NegativeBalance, error) {
	return r.optionalBalance(ctx, `
		SELECT `+balanceColumns+` FROM negative_balances
		WHERE driver_id = ? AND applied = 0
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, string(driverID))
}

func (r *queries) BalanceFor(ctx context.Context, settlementID generic.SettlementID) (*settlement.NegativeBalance, error) {
	return r.optionalBalance(ctx, "SELECT "+balanceColumns+" FROM negative_balances WHERE settlement_id = ?", string(settlementID))
}

func (r *queries) optionalBalance(ctx context.Context, query string, args ...any) (*settlement.NegativeBalance, error) {
	nb, err := scanBalance(r.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get negative balance: %w", err)
	}
	return &nb, nil
}

func (r *queries) BalancesAppliedTo(ctx context.Context, settlementID generic.SettlementID) ([]settlement.NegativeBalance, error) {
	var out []settlement.NegativeBalance
	err := r.eachRow(ctx, `
		SELECT `+balanceColumns+` FROM negative_balances
		WHERE applied = 1 AND applied_to_settlement_id = ?
		ORDER BY created_at
	`, []any{string(settlementID)}, func(s rowScanner) error {
		nb, err := scanBalance(s)
		if err != nil {
			return err
		}
		out = append(out, nb)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query applied balances: %w", err)
	}
	return out, nil
}

func (r *queries) SaveBalance(ctx context.Context, nb settlement.NegativeBalance) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO negative_balances (`+balanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			applied = excluded.applied,
			applied_to_settlement_id = excluded.applied_to_settlement_id,
			applied_at = excluded.applied_at
	`, string(nb.ID), string(nb.DriverID), string(nb.SettlementID), nb.Amount, nb.Applied,
		string(nb.AppliedToSettlementID), formatNullTime(nb.AppliedAt), formatTime(nb.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save negative balance: %w", err)
	}
	return nil
}

// ApplyBalance is conditional on the balance still being open.
func (r *queries) ApplyBalance(ctx context.Context, id generic.BalanceID, settlementID generic.SettlementID, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE negative_balances
		SET applied = 1, applied_to_settlement_id = ?, applied_at = ?
		WHERE id = ? AND applied = 0
	`, string(settlementID), formatTime(at), string(id))
	if err != nil {
		return fmt.Errorf("failed to apply negative balance: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("negative balance %s no longer open: %w", id, generic.ErrConcurrentModification)
	}
	return nil
}

func (r *queries) ReleaseBalances(ctx context.Context, settlementID generic.SettlementID) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE negative_balances
		SET applied = 0, applied_to_settlement_id = '', applied_at = NULL
		WHERE applied = 1 AND applied_to_settlement_id = ?
	`, string(settlementID))
	if err != nil {
		return fmt.Errorf("failed to release negative balances: %w", err)
	}
	return nil
}

func (r *queries) DeleteBalance(ctx context.Context, id generic.BalanceID) error {
	if _, err := r.q.ExecContext(ctx, "DELETE FROM negative_balances WHERE id = ?", string(id)); err != nil {
		return fmt.Errorf("failed to delete negative balance: %w", err)
	}
	return nil
}

func scanBalance(s rowScanner) (settlement.NegativeBalance, error) {
	var (
		nb        settlement.NegativeBalance
		amount    decimal.Decimal
		appliedAt sql.NullString
		createdAt string
	)
	err := s.Scan(&nb.ID, &nb.DriverID, &nb.SettlementID, &amount, &nb.Applied, &nb.AppliedToSettlementID, &appliedAt, &createdAt)
	if err != nil {
		return nb, err
	}
	nb.Amount = amount
	nb.AppliedAt = parseNullTime(appliedAt)
	nb.CreatedAt = parseTime(createdAt)
	return nb, nil
}

// =============================================================================
// ACTIVITY LOG
// =============================================================================

func (r *queries) AppendActivity(ctx context.Context, e generic.ActivityEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	var payload any
	if len(e.Payload) > 0 {
		js, err := toJSON(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode activity payload: %w", err)
		}
		payload = js
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO activity_log (id, timestamp, actor_id, action, driver_id, settlement_id, advance_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, formatTime(e.Timestamp), e.ActorID, string(e.Action), string(e.DriverID),
		string(e.SettlementID), string(e.AdvanceID), payload)
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}

func (r *queries) QueryActivity(ctx context.Context, f generic.ActivityFilter) ([]generic.ActivityEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.DriverID != nil {
		where = append(where, "driver_id = ?")
		args = append(args, string(*f.DriverID))
	}
	if f.SettlementID != nil {
		where = append(where, "settlement_id = ?")
		args = append(args, string(*f.SettlementID))
	}
	if len(f.Actions) > 0 {
		where = append(where, "action IN ("+placeholders(len(f.Actions))+")")
		for _, a := range f.Actions {
			args = append(args, string(a))
		}
	}
	if f.From != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTime(*f.To))
	}

	query := "SELECT id, timestamp, actor_id, action, driver_id, settlement_id, advance_id, payload_json FROM activity_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp, rowid"

	var out []generic.ActivityEntry
	err := r.eachRow(ctx, query, args, func(s rowScanner) error {
		var (
			e       generic.ActivityEntry
			ts      string
			payload sql.NullString
		)
		if err := s.Scan(&e.ID, &ts, &e.ActorID, &e.Action, &e.DriverID, &e.SettlementID, &e.AdvanceID, &payload); err != nil {
			return err
		}
		e.Timestamp = parseTime(ts)
		if err := fromJSON(payload, &e.Payload); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	return out, nil
}
