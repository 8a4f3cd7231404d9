/*
store.go - Activity log contract

PURPOSE:
  Every state-changing settlement operation leaves an activity entry:
  who did what, to which driver and settlement, and the totals involved.
  The activity log is append-only and separate from the settlement's own
  calculation history, which records WHY numbers changed.

APPEND-ONLY CONTRACT:
  ActivityLog has Append and Query. No Update or Delete exist.

IMPLEMENTATIONS:
  - store/memory: in-memory slice
  - store/sqlite: activity_log table

SEE ALSO:
  - settlement/repository.go: Store embeds ActivityLog
*/
package generic

import (
	"context"
	"time"
)

// ActivityEntry records who did what when.
type ActivityEntry struct {
	ID           string
	Timestamp    time.Time
	ActorID      string // who performed the action ("system" for automated callers)
	Action       ActivityAction
	DriverID     DriverID
	SettlementID SettlementID
	AdvanceID    AdvanceID
	Payload      map[string]any // action-specific data
}

type ActivityAction string

const (
	ActivitySettlementGenerated    ActivityAction = "settlement_generated"
	ActivitySettlementRecalculated ActivityAction = "settlement_recalculated"
	ActivitySettlementApproved     ActivityAction = "settlement_approved"
	ActivitySettlementPaid         ActivityAction = "settlement_paid"
	ActivitySettlementVoided       ActivityAction = "settlement_voided"
	ActivityAdvanceRequested       ActivityAction = "advance_requested"
	ActivityAdvanceApproved        ActivityAction = "advance_approved"
	ActivityAdvanceRejected        ActivityAction = "advance_rejected"
	ActivityRuleCreated            ActivityAction = "rule_created"
)

// ActivityLog stores activity entries. Append-only.
type ActivityLog interface {
	AppendActivity(ctx context.Context, entry ActivityEntry) error
	QueryActivity(ctx context.Context, filter ActivityFilter) ([]ActivityEntry, error)
}

type ActivityFilter struct {
	DriverID     *DriverID
	SettlementID *SettlementID
	Actions      []ActivityAction
	From         *time.Time
	To           *time.Time
}

// Matches reports whether e passes every set field of the filter.
func (f ActivityFilter) Matches(e ActivityEntry) bool {
	if f.DriverID != nil && e.DriverID != *f.DriverID {
		return false
	}
	if f.SettlementID != nil && e.SettlementID != *f.SettlementID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}
