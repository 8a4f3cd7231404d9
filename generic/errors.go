/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The settlement package returns these (wrapped with context) and the
  api package maps them to HTTP status codes.

ERROR CATEGORIES:
  1. Not found - driver, settlement, advance, rule
  2. Validation - bad period, bad rule, no eligible loads
  3. Conflict - duplicate settlement, concurrent modification, lock held
  4. State - paid settlement, advance already reviewed, carried balance

USAGE:
  if errors.Is(err, generic.ErrDuplicateSettlement) {
      var dup *generic.DuplicateSettlementError
      if errors.As(err, &dup) { ... dup.ExistingID ... }
  }

SEE ALSO:
  - settlement/service.go: Returns most of these
  - api/handlers.go: statusFor() maps them to HTTP
*/
package generic

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrDriverNotFound     = errors.New("driver not found")
	ErrSettlementNotFound = errors.New("settlement not found")
	ErrAdvanceNotFound    = errors.New("advance not found")
	ErrRuleNotFound       = errors.New("rule not found")

	// ErrNoEligibleLoads is returned when load selection yields nothing to settle.
	ErrNoEligibleLoads = errors.New("no eligible loads for settlement")

	// ErrDuplicateSettlement is returned when an active settlement already
	// exists for the same driver and period.
	ErrDuplicateSettlement = errors.New("active settlement already exists for driver and period")

	// ErrSettlementPaid is returned when a paid settlement would be changed.
	ErrSettlementPaid = errors.New("settlement is paid")

	ErrInvalidStatusTransition = errors.New("invalid settlement status transition")

	ErrAdvanceLimitExceeded = errors.New("advance limit exceeded")
	ErrAdvanceNotPending    = errors.New("advance is not pending")

	// ErrAdvanceConsumed is returned when an advance is already linked to a settlement.
	ErrAdvanceConsumed = errors.New("advance already consumed by a settlement")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLocked is returned when another worker holds the per-key lock.
	ErrLocked = errors.New("resource is locked")

	ErrInvalidPeriod = errors.New("invalid period: end before start")
	ErrInvalidRule   = errors.New("invalid rule")
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrBalanceCarried is returned when a settlement's negative balance was
	// already applied to a later settlement.
	ErrBalanceCarried = errors.New("negative balance already carried into a later settlement")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AdvanceLimitError provides details about a rejected advance request.
type AdvanceLimitError struct {
	DriverID    DriverID
	Limit       decimal.Decimal
	Outstanding decimal.Decimal
	Requested   decimal.Decimal
}

func (e *AdvanceLimitError) Error() string {
	return fmt.Sprintf("advance limit exceeded: limit %s, outstanding %s, requested %s",
		e.Limit.StringFixed(2), e.Outstanding.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *AdvanceLimitError) Unwrap() error {
	return ErrAdvanceLimitExceeded
}

// DuplicateSettlementError identifies the settlement that blocks generation.
type DuplicateSettlementError struct {
	DriverID   DriverID
	Period     Period
	ExistingID SettlementID
}

func (e *DuplicateSettlementError) Error() string {
	if e.ExistingID == "" {
		return fmt.Sprintf("active settlement already exists for driver %s in %s", e.DriverID, e.Period)
	}
	return fmt.Sprintf("active settlement %s already exists for driver %s in %s",
		e.ExistingID, e.DriverID, e.Period)
}

func (e *DuplicateSettlementError) Unwrap() error {
	return ErrDuplicateSettlement
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrLocked)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNoEligibleLoads) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidRule) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrAdvanceLimitExceeded)
}

// IsConflict returns true if the error is a state or concurrency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateSettlement) ||
		errors.Is(err, ErrSettlementPaid) ||
		errors.Is(err, ErrInvalidStatusTransition) ||
		errors.Is(err, ErrAdvanceNotPending) ||
		errors.Is(err, ErrAdvanceConsumed) ||
		errors.Is(err, ErrBalanceCarried) ||
		IsRetryable(err)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDriverNotFound) ||
		errors.Is(err, ErrSettlementNotFound) ||
		errors.Is(err, ErrAdvanceNotFound) ||
		errors.Is(err, ErrRuleNotFound)
}
