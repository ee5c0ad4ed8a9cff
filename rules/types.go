package rules

import "time"

// Action is the policy attached to a rule: what happens to a command
// the rule matches.
type Action string

const (
	ActionAutoAccept      Action = "AUTO_ACCEPT"
	ActionAutoReject      Action = "AUTO_REJECT"
	ActionRequireApproval Action = "REQUIRE_APPROVAL"
)

// Valid reports whether a is one of the known rule actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAutoAccept, ActionAutoReject, ActionRequireApproval:
		return true
	}
	return false
}

// Outcome is the classifier's verdict for a single command.
type Outcome string

const (
	OutcomeAccept  Outcome = "ACCEPT"
	OutcomeReject  Outcome = "REJECT"
	OutcomePending Outcome = "PENDING"
)

// Rule is a single firewall rule: a regular expression with a priority.
// Higher priority rules are consulted first; on equal priority, creation
// order decides. Pattern validity is enforced at creation time.
type Rule struct {
	ID          string
	Pattern     string
	Action      Action
	Priority    int
	Description string
	CreatedAt   time.Time
}

// Decision is the result of classifying one command against the rule set.
// RuleID and Pattern are empty when no rule matched (the fail-open default)
// or when classification degraded to PENDING because rules could not be
// fetched.
type Decision struct {
	Outcome Outcome
	RuleID  string
	Pattern string
}
