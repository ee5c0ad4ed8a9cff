package main

import (
	"time"

	"github.com/gatekeeper-sh/gatekeeper/accounts"
	"github.com/gatekeeper-sh/gatekeeper/commandlog"
	"github.com/gatekeeper-sh/gatekeeper/notify"
	"github.com/gatekeeper-sh/gatekeeper/rules"
)

// API request and response models.

// SubmitCommandRequest is the body of POST /api/commands.
type SubmitCommandRequest struct {
	Command string `json:"command"`
}

// SubmitCommandResponse mirrors the submission outcome.
type SubmitCommandResponse struct {
	RecordID         string `json:"record_id"`
	Status           string `json:"status"`
	Output           string `json:"output"`
	CreditsRemaining int    `json:"credits_remaining"`
}

// ProfileResponse is the caller's own account view.
type ProfileResponse struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	Credits  int    `json:"credits"`
}

// CreateRuleRequest is the body of POST /api/rules.
type CreateRuleRequest struct {
	Pattern     string `json:"pattern"`
	Action      string `json:"action"`
	Priority    int    `json:"priority"`
	Description string `json:"description"`
}

// RuleResponse represents a rule in API responses.
type RuleResponse struct {
	ID          string    `json:"id"`
	Pattern     string    `json:"pattern"`
	Action      string    `json:"action"`
	Priority    int       `json:"priority"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

func toRuleResponse(r *rules.Rule) RuleResponse {
	return RuleResponse{
		ID:          r.ID,
		Pattern:     r.Pattern,
		Action:      string(r.Action),
		Priority:    r.Priority,
		Description: r.Description,
		CreatedAt:   r.CreatedAt,
	}
}

// CreateUserRequest is the body of POST /api/users.
type CreateUserRequest struct {
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}

// CreateUserResponse carries the raw API key, returned exactly once.
type CreateUserResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	APIKey   string `json:"api_key"`
	Message  string `json:"message"`
}

// UserResponse represents an account in listings; the key hash is never
// exposed.
type UserResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
}

func toUserResponse(a *accounts.Account) UserResponse {
	return UserResponse{
		ID:        a.ID,
		Username:  a.Username,
		Role:      string(a.Role),
		Credits:   a.Credits,
		CreatedAt: a.CreatedAt,
	}
}

// AdjustCreditsRequest is the body of POST /api/users/{id}/credits. Amount
// may be negative; the balance clamps at zero.
type AdjustCreditsRequest struct {
	Amount *int `json:"amount"`
}

// AdjustCreditsResponse reports the balance after adjustment.
type AdjustCreditsResponse struct {
	Username   string `json:"username"`
	NewBalance int    `json:"new_balance"`
}

// CommandRecordResponse represents a command record in API responses.
type CommandRecordResponse struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	MatchedRuleID  string     `json:"matched_rule_id,omitempty"`
	MatchedPattern string     `json:"matched_pattern,omitempty"`
	CommandText    string     `json:"command_text"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

func toRecordResponse(r *commandlog.Record) CommandRecordResponse {
	return CommandRecordResponse{
		ID:             r.ID,
		AccountID:      r.AccountID,
		MatchedRuleID:  r.MatchedRuleID,
		MatchedPattern: r.MatchedPattern,
		CommandText:    r.CommandText,
		Status:         string(r.Status),
		CreatedAt:      r.CreatedAt,
		ResolvedAt:     r.ResolvedAt,
	}
}

func toRecordResponses(records []*commandlog.Record) []CommandRecordResponse {
	out := make([]CommandRecordResponse, 0, len(records))
	for _, r := range records {
		out = append(out, toRecordResponse(r))
	}
	return out
}

// ResolveCommandRequest is the body of POST /api/admin/pending-commands/{id}.
type ResolveCommandRequest struct {
	Action string `json:"action"`
}

// ResolveCommandResponse reports the record's terminal status.
type ResolveCommandResponse struct {
	RecordID string `json:"record_id"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// NotificationResponse represents a notification in API responses.
type NotificationResponse struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func toNotificationResponse(n *notify.Notification) NotificationResponse {
	return NotificationResponse{
		ID:        n.ID,
		Message:   n.Message,
		Kind:      string(n.Kind),
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}
