package credits

import (
	"errors"
	"fmt"
)

// UnauthorizedError means the caller's role or identity does not permit the
// attempted action. Not retryable.
type UnauthorizedError struct {
	Actor    string
	Action   string
	CreditID string
	Reason   string
}

func (e *UnauthorizedError) Error() string {
	msg := fmt.Sprintf("actor %s is not authorized to %s", e.Actor, e.Action)
	if e.CreditID != "" {
		msg += " on credit " + e.CreditID
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// InvalidStateError means the action is illegal for the credit's current
// state. Not retryable; the caller must re-fetch state.
type InvalidStateError struct {
	CreditID string
	State    State
	Action   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("action %s is invalid for credit %s in state %s", e.Action, e.CreditID, e.State)
}

// DuplicateVoteError means the auditor already cast a ballot in the current
// round. Not retryable.
type DuplicateVoteError struct {
	CreditID  string
	AuditorID string
}

func (e *DuplicateVoteError) Error() string {
	return fmt.Sprintf("auditor %s already voted on credit %s this round", e.AuditorID, e.CreditID)
}

// ConflictError means a concurrent mutation won the race, or a conflicting
// record (such as an open expiry request) already exists. Retryable after
// a re-read.
type ConflictError struct {
	CreditID string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on credit %s: %s", e.CreditID, e.Reason)
}

// NotFoundError means the referenced credit or request does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// InsufficientAuditorsError means the auditor registry cannot satisfy the
// quorum an amount requires. The caller may split the credit into smaller
// amounts and resubmit.
type InsufficientAuditorsError struct {
	Available int
	Required  int
	Amount    int64
}

func (e *InsufficientAuditorsError) Error() string {
	return fmt.Sprintf("not enough auditors for amount %d: have %d, need %d", e.Amount, e.Available, e.Required)
}

// Retryable reports whether the caller may retry the operation after a
// re-read. Only lost races are retryable; precondition failures are not.
func Retryable(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}
