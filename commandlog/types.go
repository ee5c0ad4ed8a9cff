package commandlog

import "time"

// Status is the lifecycle state of a command record. EXECUTED and REJECTED
// are terminal; PENDING_APPROVAL records transition exactly once more.
type Status string

const (
	StatusExecuted Status = "EXECUTED"
	StatusRejected Status = "REJECTED"
	StatusPending  Status = "PENDING_APPROVAL"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusExecuted, StatusRejected, StatusPending:
		return true
	}
	return false
}

// Record is one submitted command and its outcome. MatchedRuleID and
// MatchedPattern are a snapshot taken at classification time, not a live
// join: editing or deleting the rule later never changes the record.
type Record struct {
	ID             string
	AccountID      string
	MatchedRuleID  string // empty when no rule matched
	MatchedPattern string
	CommandText    string
	Status         Status
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}
