package gate

import (
	"fmt"

	"github.com/gatekeeper-sh/gatekeeper/commandlog"
)

// ValidationError reports caller mistakes: empty command text, unknown
// resolution actions, malformed adjustment amounts.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// InsufficientCreditsError reports a refused charge, carrying the balance
// at refusal time so the caller can decide whether to wait for a top-up.
type InsufficientCreditsError struct {
	Remaining int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits (remaining: %d)", e.Remaining)
}

// NotFoundError reports an unknown record or account id.
type NotFoundError struct {
	Kind string // "command record", "account", "rule", "notification"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// InvalidStateError reports an attempt to resolve a record that is not
// pending. It carries the record's current status so "already handled" is
// distinguishable from success.
type InvalidStateError struct {
	RecordID string
	Status   commandlog.Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("command record %s is already %s", e.RecordID, e.Status)
}

// StoreUnavailableError wraps persistence failures the service could not
// absorb. Rule-store outages during classification never surface as this;
// they degrade to a PENDING outcome instead.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }
