// Package gate is the authorization and settlement core: it classifies
// submitted commands against the rule set, debits the credit ledger, and
// drives pending records through the approval workflow. The command
// record's status is the single guard between the two charge paths
// (submission-time and approval-time), which is what keeps debiting
// at-most-once per command.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/gatekeeper-sh/gatekeeper/accounts"
	"github.com/gatekeeper-sh/gatekeeper/commandlog"
	"github.com/gatekeeper-sh/gatekeeper/internal/logger"
	"github.com/gatekeeper-sh/gatekeeper/notify"
	"github.com/gatekeeper-sh/gatekeeper/rules"
)

// ResolveAction is an admin's decision on a pending record.
type ResolveAction string

const (
	ActionApprove ResolveAction = "APPROVE"
	ActionReject  ResolveAction = "REJECT"
)

const chargePerCommand = 1

// Classifier is the slice of rules.Engine the service needs.
type Classifier interface {
	Classify(ctx context.Context, commandText string) (rules.Decision, error)
}

// Service orchestrates submissions and resolutions.
type Service struct {
	classifier    Classifier
	accounts      accounts.Store
	records       commandlog.Store
	notifications notify.Store
}

// NewService wires the core service. notifications may be nil to disable
// resolution notices (some tests do).
func NewService(classifier Classifier, accountStore accounts.Store, recordStore commandlog.Store, notificationStore notify.Store) *Service {
	return &Service{
		classifier:    classifier,
		accounts:      accountStore,
		records:       recordStore,
		notifications: notificationStore,
	}
}

// SubmitResult is the outcome of one submission.
type SubmitResult struct {
	RecordID         string
	Status           commandlog.Status
	Output           string
	CreditsRemaining int
}

// Submit runs the submission path: balance gate, classification, charge on
// immediate execution, and exactly one persisted command record.
//
// The balance gate runs before classification: a principal with no credits
// is refused regardless of how the rule set would have classified the
// command, and no record is created.
func (s *Service) Submit(ctx context.Context, principal *accounts.Account, commandText string) (*SubmitResult, error) {
	if strings.TrimSpace(commandText) == "" {
		return nil, &ValidationError{Msg: "command text is required"}
	}

	balance := principal.Credits
	if balance < chargePerCommand {
		return nil, &InsufficientCreditsError{Remaining: balance}
	}

	decision, err := s.classifier.Classify(ctx, commandText)
	if err != nil {
		// Fail safe: an unreachable rule store parks the command for
		// human review instead of silently accepting or rejecting it.
		logger.Warn("rule store unavailable, classifying as pending",
			"account_id", principal.ID, "error", err)
		decision = rules.Decision{Outcome: rules.OutcomePending}
	}

	var (
		status commandlog.Status
		output string
	)
	switch decision.Outcome {
	case rules.OutcomeAccept:
		remaining, err := s.accounts.Charge(ctx, principal.ID, chargePerCommand)
		if err != nil {
			if errors.Is(err, accounts.ErrInsufficientCredits) {
				// Lost a charge race since the gate; same answer
				// as failing the gate.
				return nil, &InsufficientCreditsError{Remaining: remaining}
			}
			return nil, &StoreUnavailableError{Op: "charge", Err: err}
		}
		balance = remaining
		status = commandlog.StatusExecuted
		output = fmt.Sprintf("Mock execution of: %s", commandText)
	case rules.OutcomeReject:
		status = commandlog.StatusRejected
		output = "Command was rejected by a rule."
	case rules.OutcomePending:
		status = commandlog.StatusPending
		output = "Command is awaiting admin approval."
	default:
		return nil, fmt.Errorf("unknown classification outcome %q", decision.Outcome)
	}

	record := &commandlog.Record{
		ID:             uuid.NewString(),
		AccountID:      principal.ID,
		MatchedRuleID:  decision.RuleID,
		MatchedPattern: decision.Pattern,
		CommandText:    commandText,
		Status:         status,
	}
	if err := s.records.Create(ctx, record); err != nil {
		// The charge, if any, is not rolled back. Known limitation:
		// surfaced loudly so operators can reconcile.
		if status == commandlog.StatusExecuted {
			logger.Error("command record not persisted after charge",
				"account_id", principal.ID, "command", commandText, "error", err)
		}
		return nil, &StoreUnavailableError{Op: "record create", Err: err}
	}

	return &SubmitResult{
		RecordID:         record.ID,
		Status:           status,
		Output:           output,
		CreditsRemaining: balance,
	}, nil
}

// ResolveResult is the outcome of resolving one pending record.
type ResolveResult struct {
	RecordID string
	Status   commandlog.Status
}

// Resolve applies an admin decision to a pending record.
//
// The guarded status transition is the settlement point: of concurrent
// resolutions of one record exactly one transition succeeds, and only that
// winner touches the ledger. An approval whose charge then fails reverts
// the transition, so the record stays pending and retryable and no command
// executes uncharged.
func (s *Service) Resolve(ctx context.Context, recordID string, action ResolveAction) (*ResolveResult, error) {
	if action != ActionApprove && action != ActionReject {
		return nil, &ValidationError{Msg: fmt.Sprintf("invalid action %q: use APPROVE or REJECT", action)}
	}

	record, err := s.records.Get(ctx, recordID)
	if err != nil {
		if errors.Is(err, commandlog.ErrNotFound) {
			return nil, &NotFoundError{Kind: "command record", ID: recordID}
		}
		return nil, &StoreUnavailableError{Op: "record lookup", Err: err}
	}
	if record.Status != commandlog.StatusPending {
		return nil, &InvalidStateError{RecordID: recordID, Status: record.Status}
	}

	if action == ActionReject {
		if err := s.transition(ctx, recordID, commandlog.StatusRejected); err != nil {
			return nil, err
		}
		s.notifyResolution(ctx, record, commandlog.StatusRejected)
		return &ResolveResult{RecordID: recordID, Status: commandlog.StatusRejected}, nil
	}

	// Re-check the owner's balance at resolution time; it may have moved
	// since submission. Insufficient funds leave the record pending for a
	// later retry, never auto-reject it.
	owner, err := s.accounts.Get(ctx, record.AccountID)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return nil, &NotFoundError{Kind: "account", ID: record.AccountID}
		}
		return nil, &StoreUnavailableError{Op: "account lookup", Err: err}
	}
	if owner.Credits < chargePerCommand {
		return nil, &InsufficientCreditsError{Remaining: owner.Credits}
	}

	// Win the record before charging: the transition is atomic, so a
	// concurrent approval of the same record fails here and never reaches
	// the ledger.
	if err := s.transition(ctx, recordID, commandlog.StatusExecuted); err != nil {
		return nil, err
	}

	remaining, err := s.accounts.Charge(ctx, record.AccountID, chargePerCommand)
	if err != nil {
		// Undo the transition; the record must not read EXECUTED
		// without a matching charge.
		if revertErr := s.records.Transition(ctx, recordID,
			commandlog.StatusExecuted, commandlog.StatusPending); revertErr != nil {
			logger.Error("failed to revert settlement after charge failure",
				"record_id", recordID, "charge_error", err, "revert_error", revertErr)
		}
		if errors.Is(err, accounts.ErrInsufficientCredits) {
			return nil, &InsufficientCreditsError{Remaining: remaining}
		}
		return nil, &StoreUnavailableError{Op: "charge", Err: err}
	}

	s.notifyResolution(ctx, record, commandlog.StatusExecuted)
	return &ResolveResult{RecordID: recordID, Status: commandlog.StatusExecuted}, nil
}

func (s *Service) transition(ctx context.Context, recordID string, to commandlog.Status) error {
	err := s.records.Transition(ctx, recordID, commandlog.StatusPending, to)
	if err == nil {
		return nil
	}
	if errors.Is(err, commandlog.ErrNotFound) {
		return &NotFoundError{Kind: "command record", ID: recordID}
	}
	if errors.Is(err, commandlog.ErrInvalidState) {
		// Lost the race to another resolution.
		record, getErr := s.records.Get(ctx, recordID)
		if getErr != nil {
			return &InvalidStateError{RecordID: recordID}
		}
		return &InvalidStateError{RecordID: recordID, Status: record.Status}
	}
	return &StoreUnavailableError{Op: "record transition", Err: err}
}

func (s *Service) notifyResolution(ctx context.Context, record *commandlog.Record, outcome commandlog.Status) {
	if s.notifications == nil {
		return
	}

	kind := notify.KindCommandApproved
	verb := "approved and executed"
	if outcome == commandlog.StatusRejected {
		kind = notify.KindCommandRejected
		verb = "rejected"
	}

	err := s.notifications.Create(ctx, &notify.Notification{
		ID:        uuid.NewString(),
		AccountID: record.AccountID,
		Message:   fmt.Sprintf("Your command %q was %s.", record.CommandText, verb),
		Kind:      kind,
	})
	if err != nil {
		// Notifications are best-effort; the settlement already stands.
		logger.Warn("failed to create resolution notification",
			"record_id", record.ID, "error", err)
	}
}

// History returns one principal's command records, newest first.
func (s *Service) History(ctx context.Context, accountID string) ([]*commandlog.Record, error) {
	return s.records.ListByAccount(ctx, accountID)
}

// PendingCommands returns every record awaiting resolution, oldest first.
func (s *Service) PendingCommands(ctx context.Context) ([]*commandlog.Record, error) {
	return s.records.ListPending(ctx)
}

// AuditLog returns all records, optionally filtered by status.
func (s *Service) AuditLog(ctx context.Context, status commandlog.Status) ([]*commandlog.Record, error) {
	if status != "" && !status.Valid() {
		return nil, &ValidationError{Msg: fmt.Sprintf("invalid status filter %q", status)}
	}
	return s.records.List(ctx, status)
}

// Stats reports aggregate record counts by status.
type Stats struct {
	TotalCommands int `json:"total_commands"`
	Executed      int `json:"executed"`
	Rejected      int `json:"rejected"`
	Pending       int `json:"pending"`
}

// SystemStats returns the aggregate counts used by the admin overview.
func (s *Service) SystemStats(ctx context.Context) (*Stats, error) {
	counts, err := s.records.CountByStatus(ctx)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "stats", Err: err}
	}
	stats := &Stats{
		Executed: counts[commandlog.StatusExecuted],
		Rejected: counts[commandlog.StatusRejected],
		Pending:  counts[commandlog.StatusPending],
	}
	stats.TotalCommands = stats.Executed + stats.Rejected + stats.Pending
	return stats, nil
}
