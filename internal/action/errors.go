package action

import (
	"errors"
	"fmt"
)

// ErrStateNotFound is returned when a confirm or report finds no live
// pending action.
var ErrStateNotFound = errors.New("no live pending action")

// ValidationError reports a malformed or missing parameter. The flow does not
// advance; the user is re-prompted for Field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IdentityResolutionError means the owning user could not be resolved from
// the agent's created-by reference. It is fatal for the turn.
type IdentityResolutionError struct {
	AgentID string
	Err     error
}

func (e *IdentityResolutionError) Error() string {
	return fmt.Sprintf("resolve identity for agent %s: %v", e.AgentID, e.Err)
}

func (e *IdentityResolutionError) Unwrap() error { return e.Err }

// LockedResourceError rejects a turn for a locked agent before any state
// transition.
type LockedResourceError struct {
	AgentID string
}

func (e *LockedResourceError) Error() string {
	return fmt.Sprintf("agent %s is locked", e.AgentID)
}

// Failure reasons for success reports that cannot complete their flow.
const (
	MismatchReason = "report does not match confirmed request"
	ConflictReason = "a different wallet is already on record"
)

// ReportRejectedError means a schema-valid success report cannot complete
// the pending action. Nothing durable was written and the flow ends as
// Failed with Reason.
type ReportRejectedError struct {
	Reason string
	Field  string
}

func (e *ReportRejectedError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Field)
}
