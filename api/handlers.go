/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes settlement generation, lifecycle, advances and rules via REST.
  Handles HTTP request/response, JSON serialization, and delegates to the
  settlement service.

ENDPOINTS:
  Settlements:
    POST   /api/settlements                   Generate and persist
    POST   /api/settlements/preview           Compute without saving
    GET    /api/settlements/{id}              Settlement with audit
    GET    /api/settlements/{id}/line-items   Line items in order
    GET    /api/settlements/{id}/activity     Activity log entries
    POST   /api/settlements/{id}/recalculate  Recompute a pending/approved settlement
    POST   /api/settlements/{id}/approve      pending -> approved
    POST   /api/settlements/{id}/pay          approved -> paid
    POST   /api/settlements/{id}/void         any unpaid -> void

  Drivers:
    GET    /api/drivers/{id}/settlements      Settlement history
    GET    /api/drivers/{id}/advances         Advance history
    POST   /api/drivers/{id}/advances         Request a cash advance

  Advances:
    POST   /api/advances/{id}/approve         Approve and record payment
    POST   /api/advances/{id}/reject          Reject with reason

  Rules:
    POST   /api/rules                         Create rule from JSON

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Service: settlement orchestration and advance ledger
  - Rules: JSON to Rule conversion and validation
  - log: request-scoped structured logging

REQUEST FLOW:
  1. Decode and validate the body (validate.go)
  2. Call the settlement service
  3. Convert to DTO and serialize
  4. Map errors with statusFor

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, failed field validation
  - 404: Driver, settlement, advance or rule not found
  - 409: Duplicate settlement, invalid transition, lock held, stale version
  - 422: No eligible loads, invalid period/rule/amount, advance limit
  - 500: Internal errors

SECURITY NOTE:
  No authentication. actor_id in bodies is trusted as given.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Service *settlement.Service
	Rules   *factory.RuleFactory
	log     *logger.Logger
}

// NewHandler creates a new handler. A nil log discards output.
func NewHandler(svc *settlement.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		Service: svc,
		Rules:   factory.NewRuleFactory(),
		log:     log,
	}
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

func (h *Handler) GenerateSettlement(w http.ResponseWriter, r *http.Request) {
	var req GenerateSettlementRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	st, err := h.Service.GenerateSettlement(r.Context(), req.toDomain())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSettlementDTO(*st, true))
}

func (h *Handler) PreviewSettlement(w http.ResponseWriter, r *http.Request) {
	var req GenerateSettlementRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.Service.PreviewSettlement(r.Context(), req.toDomain())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPreviewDTO(p))
}

func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.GetSettlement(r.Context(), settlementID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(*st, true))
}

func (h *Handler) ListLineItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Service.ListLineItems(r.Context(), settlementID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLineItemDTOs(items))
}

func (h *Handler) ListSettlementActivity(w http.ResponseWriter, r *http.Request) {
	id := settlementID(r)
	if _, err := h.Service.GetSettlement(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.Service.Activity(r.Context(), generic.ActivityFilter{SettlementID: &id})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityDTOs(entries))
}

func (h *Handler) RecalculateSettlement(w http.ResponseWriter, r *http.Request) {
	var req RecalculateRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	st, err := h.Service.RecalculateSettlement(r.Context(), settlementID(r), settlement.RecalculateOptions{
		Reason:  req.Reason,
		ActorID: req.ActorID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(*st, true))
}

func (h *Handler) ApproveSettlement(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := h.Service.ApproveSettlement(r.Context(), settlementID(r), req.ActorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(*st, false))
}

func (h *Handler) MarkSettlementPaid(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := h.Service.MarkSettlementPaid(r.Context(), settlementID(r), req.ActorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(*st, false))
}

func (h *Handler) VoidSettlement(w http.ResponseWriter, r *http.Request) {
	var req VoidRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := h.Service.VoidSettlement(r.Context(), settlementID(r), req.ActorID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(*st, false))
}

// =============================================================================
// DRIVER HANDLERS
// =============================================================================

func (h *Handler) ListDriverSettlements(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.ListSettlements(r.Context(), driverID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]SettlementDTO, 0, len(list))
	for _, st := range list {
		out = append(out, toSettlementDTO(st, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListDriverAdvances(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.Advances().ListAdvances(r.Context(), driverID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]AdvanceDTO, 0, len(list))
	for _, a := range list {
		out = append(out, toAdvanceDTO(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) RequestAdvance(w http.ResponseWriter, r *http.Request) {
	var req RequestAdvanceRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		h.writeError(w, r, &requestError{message: "validation failed", details: map[string]string{"amount": "must be a number"}})
		return
	}

	adv, err := h.Service.Advances().RequestAdvance(r.Context(), settlement.AdvanceRequest{
		DriverID: driverID(r),
		LoadID:   generic.LoadID(req.LoadID),
		Amount:   amount,
		Reason:   req.Reason,
		ActorID:  req.ActorID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAdvanceDTO(*adv))
}

// =============================================================================
// ADVANCE HANDLERS
// =============================================================================

func (h *Handler) ApproveAdvance(w http.ResponseWriter, r *http.Request) {
	var req ApproveAdvanceRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	adv, err := h.Service.Advances().ApproveAdvance(r.Context(), advanceID(r), settlement.Review{
		ReviewedBy:       req.ReviewedBy,
		PaidAt:           req.PaidAt,
		PaymentMethod:    req.PaymentMethod,
		PaymentReference: req.PaymentReference,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTO(*adv))
}

func (h *Handler) RejectAdvance(w http.ResponseWriter, r *http.Request) {
	var req RejectAdvanceRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	adv, err := h.Service.Advances().RejectAdvance(r.Context(), advanceID(r), req.ReviewedBy, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTO(*adv))
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	rule, err := h.Rules.FromJSON(req.Rule)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	saved, err := h.Service.CreateRule(r.Context(), *rule, req.ActorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Rules.ToJSON(*saved))
}

// =============================================================================
// HELPERS
// =============================================================================

func settlementID(r *http.Request) generic.SettlementID {
	return generic.SettlementID(chi.URLParam(r, "id"))
}

func driverID(r *http.Request) generic.DriverID {
	return generic.DriverID(chi.URLParam(r, "id"))
}

func advanceID(r *http.Request) generic.AdvanceID {
	return generic.AdvanceID(chi.URLParam(r, "id"))
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsConflict(err):
		return http.StatusConflict
	case generic.IsClientError(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// errorDetails returns structured context for errors that carry it.
func errorDetails(err error) any {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return reqErr.details
	}
	var limitErr *generic.AdvanceLimitError
	if errors.As(err, &limitErr) {
		return map[string]string{
			"limit":       money(limitErr.Limit),
			"outstanding": money(limitErr.Outstanding),
			"requested":   money(limitErr.Requested),
		}
	}
	var dupErr *generic.DuplicateSettlementError
	if errors.As(err, &dupErr) && dupErr.ExistingID != "" {
		return map[string]string{"existing_settlement_id": string(dupErr.ExistingID)}
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error(r.Context(), "request failed", err)
		message = "internal error"
	}
	if generic.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, ErrorResponse{Error: message, Details: errorDetails(err)})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
