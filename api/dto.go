/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the settlement domain model from the external API contract. Money is
  rendered as fixed two-decimal strings; dates as YYYY-MM-DD.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags. decodeJSONBody rejects
  unknown fields and runs the validator before a handler sees the value.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rule.go: RuleJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/settlement"
)

const dateLayout = "2006-01-02"

// =============================================================================
// REQUESTS
// =============================================================================

type GenerateSettlementRequest struct {
	DriverID             string   `json:"driver_id" validate:"required"`
	PeriodStart          string   `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd            string   `json:"period_end" validate:"required,datetime=2006-01-02"`
	LoadIDs              []string `json:"load_ids,omitempty" validate:"omitempty,dive,required"`
	ForceIncludeNotReady bool     `json:"force_include_not_ready,omitempty"`
	Notes                string   `json:"notes,omitempty" validate:"max=2000"`
	BatchRef             string   `json:"batch_ref,omitempty" validate:"max=100"`
	ActorID              string   `json:"actor_id,omitempty"`
}

func (req GenerateSettlementRequest) toDomain() settlement.GenerateRequest {
	start, _ := time.Parse(dateLayout, req.PeriodStart)
	end, _ := time.Parse(dateLayout, req.PeriodEnd)
	out := settlement.GenerateRequest{
		DriverID:             generic.DriverID(req.DriverID),
		PeriodStart:          start,
		PeriodEnd:            end,
		ForceIncludeNotReady: req.ForceIncludeNotReady,
		Notes:                req.Notes,
		BatchRef:             req.BatchRef,
		ActorID:              req.ActorID,
	}
	for _, id := range req.LoadIDs {
		out.LoadIDs = append(out.LoadIDs, generic.LoadID(id))
	}
	return out
}

type RecalculateRequest struct {
	Reason  string `json:"reason,omitempty" validate:"max=500"`
	ActorID string `json:"actor_id,omitempty"`
}

type TransitionRequest struct {
	ActorID string `json:"actor_id,omitempty"`
}

type VoidRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Reason  string `json:"reason" validate:"required,max=500"`
}

type RequestAdvanceRequest struct {
	LoadID  string `json:"load_id,omitempty"`
	Amount  string `json:"amount" validate:"required,numeric"`
	Reason  string `json:"reason,omitempty" validate:"max=500"`
	ActorID string `json:"actor_id,omitempty"`
}

type ApproveAdvanceRequest struct {
	ReviewedBy       string     `json:"reviewed_by" validate:"required"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
	PaymentMethod    string     `json:"payment_method,omitempty"`
	PaymentReference string     `json:"payment_reference,omitempty"`
}

type RejectAdvanceRequest struct {
	ReviewedBy string `json:"reviewed_by" validate:"required"`
	Reason     string `json:"reason" validate:"required,max=500"`
}

type CreateRuleRequest struct {
	ActorID string           `json:"actor_id,omitempty"`
	Rule    factory.RuleJSON `json:"rule"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type SettlementDTO struct {
	ID              string                       `json:"id"`
	DriverID        string                       `json:"driver_id"`
	PeriodStart     string                       `json:"period_start"`
	PeriodEnd       string                       `json:"period_end"`
	LoadIDs         []string                     `json:"load_ids"`
	GrossPay        string                       `json:"gross_pay"`
	TotalAdditions  string                       `json:"total_additions"`
	TotalDeductions string                       `json:"total_deductions"`
	TotalAdvances   string                       `json:"total_advances"`
	PreviousBalance string                       `json:"previous_balance"`
	NetPay          string                       `json:"net_pay"`
	CarriedForward  string                       `json:"carried_forward"`
	Status          string                       `json:"status"`
	Notes           string                       `json:"notes,omitempty"`
	BatchRef        string                       `json:"batch_ref,omitempty"`
	AutoGenerated   bool                         `json:"auto_generated"`
	Version         int                          `json:"version"`
	CreatedAt       time.Time                    `json:"created_at"`
	UpdatedAt       time.Time                    `json:"updated_at"`
	ApprovedAt      *time.Time                   `json:"approved_at,omitempty"`
	PaidAt          *time.Time                   `json:"paid_at,omitempty"`
	Audit           *settlement.CalculationAudit `json:"audit,omitempty"`
	History         []settlement.AuditSnapshot   `json:"history,omitempty"`
}

func toSettlementDTO(s settlement.Settlement, withAudit bool) SettlementDTO {
	dto := SettlementDTO{
		ID:              string(s.ID),
		DriverID:        string(s.DriverID),
		PeriodStart:     s.PeriodStart.Format(dateLayout),
		PeriodEnd:       s.PeriodEnd.Format(dateLayout),
		LoadIDs:         make([]string, 0, len(s.LoadIDs)),
		GrossPay:        money(s.GrossPay),
		TotalAdditions:  money(s.TotalAdditions),
		TotalDeductions: money(s.TotalDeductions),
		TotalAdvances:   money(s.TotalAdvances),
		PreviousBalance: money(s.PreviousBalance),
		NetPay:          money(s.NetPay),
		CarriedForward:  money(s.CarriedForward),
		Status:          string(s.Status),
		Notes:           s.Notes,
		BatchRef:        s.BatchRef,
		AutoGenerated:   s.AutoGenerated,
		Version:         s.Version,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		ApprovedAt:      s.ApprovedAt,
		PaidAt:          s.PaidAt,
	}
	for _, id := range s.LoadIDs {
		dto.LoadIDs = append(dto.LoadIDs, string(id))
	}
	if withAudit {
		dto.Audit = s.Audit
		dto.History = s.History
	}
	return dto
}

type LineItemDTO struct {
	ID          string `json:"id,omitempty"`
	Category    string `json:"category"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
	SourceKind  string `json:"source_kind,omitempty"`
	SourceRef   string `json:"source_ref,omitempty"`
}

func toLineItemDTOs(items []settlement.LineItem) []LineItemDTO {
	out := make([]LineItemDTO, 0, len(items))
	for _, li := range items {
		dto := LineItemDTO{
			ID:          string(li.ID),
			Category:    string(li.Category),
			Type:        string(li.Type),
			Description: li.Description,
			Amount:      money(li.Amount),
		}
		if li.Source != nil {
			dto.SourceKind = string(li.Source.Kind())
			dto.SourceRef = li.Source.Ref()
		}
		out = append(out, dto)
	}
	return out
}

// PreviewDTO is an unsaved computation. NetPay is signed.
type PreviewDTO struct {
	GrossPay        string                       `json:"gross_pay"`
	TotalAdditions  string                       `json:"total_additions"`
	TotalDeductions string                       `json:"total_deductions"`
	TotalAdvances   string                       `json:"total_advances"`
	PreviousBalance string                       `json:"previous_balance"`
	NetPay          string                       `json:"net_pay"`
	Additions       []LineItemDTO                `json:"additions"`
	Deductions      []LineItemDTO                `json:"deductions"`
	Advances        []LineItemDTO                `json:"advances"`
	SkippedRules    []settlement.SkippedRule     `json:"skipped_rules,omitempty"`
	Audit           *settlement.CalculationAudit `json:"audit,omitempty"`
}

func toPreviewDTO(p *settlement.Preview) PreviewDTO {
	return PreviewDTO{
		GrossPay:        money(p.Gross.Total),
		TotalAdditions:  money(p.TotalAdditions),
		TotalDeductions: money(p.TotalDeductions),
		TotalAdvances:   money(p.TotalAdvances),
		PreviousBalance: money(p.PreviousAmount),
		NetPay:          money(p.Net),
		Additions:       toLineItemDTOs(p.Additions),
		Deductions:      toLineItemDTOs(p.Deductions),
		Advances:        toLineItemDTOs(p.AdvanceItems),
		SkippedRules:    p.Skipped,
		Audit:           p.Audit,
	}
}

type AdvanceDTO struct {
	ID               string     `json:"id"`
	DriverID         string     `json:"driver_id"`
	LoadID           string     `json:"load_id,omitempty"`
	Amount           string     `json:"amount"`
	Status           string     `json:"status"`
	Reason           string     `json:"reason,omitempty"`
	RequestedAt      time.Time  `json:"requested_at"`
	ReviewedBy       string     `json:"reviewed_by,omitempty"`
	ReviewedAt       *time.Time `json:"reviewed_at,omitempty"`
	RejectionReason  string     `json:"rejection_reason,omitempty"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
	PaymentMethod    string     `json:"payment_method,omitempty"`
	PaymentReference string     `json:"payment_reference,omitempty"`
	SettlementID     string     `json:"settlement_id,omitempty"`
}

func toAdvanceDTO(a settlement.Advance) AdvanceDTO {
	return AdvanceDTO{
		ID:               string(a.ID),
		DriverID:         string(a.DriverID),
		LoadID:           string(a.LoadID),
		Amount:           money(a.Amount),
		Status:           string(a.Status),
		Reason:           a.Reason,
		RequestedAt:      a.RequestedAt,
		ReviewedBy:       a.ReviewedBy,
		ReviewedAt:       a.ReviewedAt,
		RejectionReason:  a.RejectionReason,
		PaidAt:           a.PaidAt,
		PaymentMethod:    a.PaymentMethod,
		PaymentReference: a.PaymentReference,
		SettlementID:     string(a.SettlementID),
	}
}

type ActivityDTO struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	ActorID      string         `json:"actor_id"`
	Action       string         `json:"action"`
	DriverID     string         `json:"driver_id,omitempty"`
	SettlementID string         `json:"settlement_id,omitempty"`
	AdvanceID    string         `json:"advance_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

func toActivityDTOs(entries []generic.ActivityEntry) []ActivityDTO {
	out := make([]ActivityDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, ActivityDTO{
			ID:           e.ID,
			Timestamp:    e.Timestamp,
			ActorID:      e.ActorID,
			Action:       string(e.Action),
			DriverID:     string(e.DriverID),
			SettlementID: string(e.SettlementID),
			AdvanceID:    string(e.AdvanceID),
			Payload:      e.Payload,
		})
	}
	return out
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
