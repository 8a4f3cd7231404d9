package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/logger"
)

// =============================================================================
// ADVANCE LEDGER - Cash advances and their consumption by settlements
// =============================================================================

type AdvanceRequest struct {
	DriverID generic.DriverID
	LoadID   generic.LoadID
	Amount   decimal.Decimal
	Reason   string
	ActorID  string
}

// Review carries payment metadata recorded on approval.
type Review struct {
	ReviewedBy       string
	PaidAt           *time.Time // defaults to the review time
	PaymentMethod    string
	PaymentReference string
}

type AdvanceLedger struct {
	store TxStore
	log   *logger.Logger
	now   func() time.Time
	newID func() string
}

func NewAdvanceLedger(store TxStore, log *logger.Logger, now func() time.Time, newID func() string) *AdvanceLedger {
	return &AdvanceLedger{store: store, log: log, now: now, newID: newID}
}

// Outstanding sums pending and approved advances not yet consumed by a settlement.
func Outstanding(advances []Advance) decimal.Decimal {
	total := decimal.Zero
	for _, a := range advances {
		if a.Outstanding() {
			total = total.Add(a.Amount)
		}
	}
	return total
}

// RequestAdvance records a pending advance if it fits under the driver's limit.
func (l *AdvanceLedger) RequestAdvance(ctx context.Context, req AdvanceRequest) (*Advance, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("advance %s: %w", req.Amount, generic.ErrInvalidAmount)
	}

	var created Advance
	err := l.store.WithTx(ctx, func(tx Store) error {
		driver, err := tx.GetDriver(ctx, req.DriverID)
		if err != nil {
			return err
		}
		existing, err := tx.AdvancesByDriver(ctx, req.DriverID)
		if err != nil {
			return fmt.Errorf("load advances: %w", err)
		}
		outstanding := Outstanding(existing)
		if outstanding.Add(req.Amount).GreaterThan(driver.AdvanceLimit) {
			return &generic.AdvanceLimitError{
				DriverID:    req.DriverID,
				Limit:       driver.AdvanceLimit,
				Outstanding: outstanding,
				Requested:   req.Amount,
			}
		}

		created = Advance{
			ID:          generic.AdvanceID(l.newID()),
			DriverID:    req.DriverID,
			LoadID:      req.LoadID,
			Amount:      generic.Cents(req.Amount),
			Status:      AdvancePending,
			Reason:      req.Reason,
			RequestedAt: l.now(),
		}
		if err := tx.SaveAdvance(ctx, created); err != nil {
			return fmt.Errorf("save advance: %w", err)
		}
		return tx.AppendActivity(ctx, generic.ActivityEntry{
			ID:        l.newID(),
			Timestamp: created.RequestedAt,
			ActorID:   actorOr(req.ActorID),
			Action:    generic.ActivityAdvanceRequested,
			DriverID:  req.DriverID,
			AdvanceID: created.ID,
			Payload: map[string]any{
				"amount":      created.Amount.StringFixed(2),
				"outstanding": outstanding.StringFixed(2),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// ApproveAdvance moves a pending advance to approved and records how it was paid.
func (l *AdvanceLedger) ApproveAdvance(ctx context.Context, id generic.AdvanceID, review Review) (*Advance, error) {
	return l.review(ctx, id, review.ReviewedBy, func(a *Advance, at time.Time) {
		a.Status = AdvanceApproved
		paidAt := at
		if review.PaidAt != nil {
			paidAt = *review.PaidAt
		}
		a.PaidAt = &paidAt
		a.PaymentMethod = review.PaymentMethod
		a.PaymentReference = review.PaymentReference
	}, generic.ActivityAdvanceApproved)
}

// RejectAdvance moves a pending advance to rejected.
func (l *AdvanceLedger) RejectAdvance(ctx context.Context, id generic.AdvanceID, reviewer, reason string) (*Advance, error) {
	return l.review(ctx, id, reviewer, func(a *Advance, _ time.Time) {
		a.Status = AdvanceRejected
		a.RejectionReason = reason
	}, generic.ActivityAdvanceRejected)
}

func (l *AdvanceLedger) review(ctx context.Context, id generic.AdvanceID, reviewer string, apply func(*Advance, time.Time), action generic.ActivityAction) (*Advance, error) {
	var out Advance
	err := l.store.WithTx(ctx, func(tx Store) error {
		adv, err := tx.GetAdvance(ctx, id)
		if err != nil {
			return err
		}
		if adv.Status != AdvancePending {
			return fmt.Errorf("advance %s is %s: %w", id, adv.Status, generic.ErrAdvanceNotPending)
		}
		at := l.now()
		apply(&adv, at)
		adv.ReviewedBy = reviewer
		adv.ReviewedAt = &at
		if err := tx.SaveAdvance(ctx, adv); err != nil {
			return fmt.Errorf("save advance: %w", err)
		}
		out = adv
		return tx.AppendActivity(ctx, generic.ActivityEntry{
			ID:        l.newID(),
			Timestamp: at,
			ActorID:   actorOr(reviewer),
			Action:    action,
			DriverID:  adv.DriverID,
			AdvanceID: adv.ID,
			Payload:   map[string]any{"amount": adv.Amount.StringFixed(2)},
		})
	})
	if err != nil {
		return nil, err
	}
	l.log.Info(l.log.WithFields(ctx, map[string]any{
		"advance_id": string(id),
		"status":     string(out.Status),
	}), "advance reviewed")
	return &out, nil
}

// EligibleAdvances returns approved advances paid within the period that no
// settlement has consumed yet. These are deducted before any rule.
func EligibleAdvances(ctx context.Context, repo AdvanceRepository, driverID generic.DriverID, period generic.Period) ([]Advance, error) {
	all, err := repo.AdvancesByDriver(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("load advances: %w", err)
	}
	var out []Advance
	for _, a := range all {
		if a.Status != AdvanceApproved || a.SettlementID != "" || a.PaidAt == nil {
			continue
		}
		if period.Contains(*a.PaidAt) {
			out = append(out, a)
		}
	}
	return out, nil
}

// EligibleAdvances is the ledger-bound form of the package function.
func (l *AdvanceLedger) EligibleAdvances(ctx context.Context, driverID generic.DriverID, period generic.Period) ([]Advance, error) {
	return EligibleAdvances(ctx, l.store, driverID, period)
}

// ListAdvances returns every advance of the driver, oldest request first.
func (l *AdvanceLedger) ListAdvances(ctx context.Context, driverID generic.DriverID) ([]Advance, error) {
	if _, err := l.store.GetDriver(ctx, driverID); err != nil {
		return nil, err
	}
	return l.store.AdvancesByDriver(ctx, driverID)
}

func actorOr(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}
