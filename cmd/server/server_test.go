package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/gatekeeper-sh/gatekeeper/accounts"
	"github.com/gatekeeper-sh/gatekeeper/commandlog"
	"github.com/gatekeeper-sh/gatekeeper/notify"
	"github.com/gatekeeper-sh/gatekeeper/rules"
)

const (
	memberKey = "member-test-key"
	adminKey  = "admin-test-key"
)

// newTestServer wires the full HTTP surface over in-memory stores with a
// small rule set, one member (5 credits) and one admin.
func newTestServer(t *testing.T) (*Server, *accounts.Account) {
	t.Helper()
	ctx := context.Background()

	ruleStore := rules.NewMemoryStore()
	seed := []*rules.Rule{
		{ID: "rule-rm", Pattern: `^rm`, Action: rules.ActionRequireApproval, Priority: 50},
		{ID: "rule-ls", Pattern: `^ls`, Action: rules.ActionAutoAccept, Priority: 10},
		{ID: "rule-mkfs", Pattern: `^mkfs\s`, Action: rules.ActionAutoReject, Priority: 100},
	}
	for _, rule := range seed {
		if err := ruleStore.Add(ctx, rule); err != nil {
			t.Fatalf("failed to seed rule: %v", err)
		}
	}
	engine, err := rules.NewEngine(ruleStore)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	accountStore := accounts.NewMemoryStore()
	member := &accounts.Account{
		ID:         uuid.NewString(),
		Username:   "alice",
		APIKeyHash: accounts.HashAPIKey(memberKey),
		Role:       accounts.RoleMember,
		Credits:    5,
	}
	admin := &accounts.Account{
		ID:         uuid.NewString(),
		Username:   "root",
		APIKeyHash: accounts.HashAPIKey(adminKey),
		Role:       accounts.RoleAdmin,
		Credits:    0,
	}
	for _, a := range []*accounts.Account{member, admin} {
		if err := accountStore.Create(ctx, a); err != nil {
			t.Fatalf("failed to seed account: %v", err)
		}
	}

	server := newServerWithStores(engine, accountStore,
		commandlog.NewMemoryStore(), notify.NewMemoryStore())
	return server, member
}

func doRequest(t *testing.T, server *Server, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthNeedsNoAuth(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	server, _ := newTestServer(t)

	tests := []struct {
		name   string
		apiKey string
	}{
		{"missing key", ""},
		{"unknown key", "not-a-real-key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, server, http.MethodGet, "/api/profile", tt.apiKey, nil)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestAdminSurfaceForbiddenForMembers(t *testing.T) {
	server, _ := newTestServer(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/rules/"},
		{http.MethodGet, "/api/users/"},
		{http.MethodGet, "/api/admin/audit-logs"},
		{http.MethodGet, "/api/admin/system-stats"},
		{http.MethodGet, "/api/admin/pending-commands"},
	}
	for _, p := range paths {
		rec := doRequest(t, server, p.method, p.path, memberKey, nil)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s %s: status = %d, want 403", p.method, p.path, rec.Code)
		}
	}
}

func TestSubmitCommand(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/commands", memberKey,
		SubmitCommandRequest{Command: "ls -la"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	resp := decode[SubmitCommandResponse](t, rec)
	if resp.Status != "EXECUTED" {
		t.Errorf("status = %s, want EXECUTED", resp.Status)
	}
	if resp.Output != "Mock execution of: ls -la" {
		t.Errorf("output = %q", resp.Output)
	}
	if resp.CreditsRemaining != 4 {
		t.Errorf("credits_remaining = %d, want 4", resp.CreditsRemaining)
	}
	if resp.RecordID == "" {
		t.Error("record_id missing")
	}
}

func TestSubmitEmptyCommand(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/commands", memberKey,
		SubmitCommandRequest{Command: "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitWithoutCredits(t *testing.T) {
	server, member := newTestServer(t)

	if _, err := server.accounts.Charge(context.Background(), member.ID, 5); err != nil {
		t.Fatalf("failed to drain credits: %v", err)
	}

	rec := doRequest(t, server, http.MethodPost, "/api/commands", memberKey,
		SubmitCommandRequest{Command: "ls"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	resp := decode[map[string]any](t, rec)
	if resp["error"] != "insufficient credits" {
		t.Errorf("error = %v", resp["error"])
	}
	if remaining, ok := resp["credits_remaining"].(float64); !ok || remaining != 0 {
		t.Errorf("credits_remaining = %v, want 0", resp["credits_remaining"])
	}
}

func TestCommandHistory(t *testing.T) {
	server, _ := newTestServer(t)

	for _, command := range []string{"ls", "rm tmp.txt"} {
		rec := doRequest(t, server, http.MethodPost, "/api/commands", memberKey,
			SubmitCommandRequest{Command: command})
		if rec.Code != http.StatusOK {
			t.Fatalf("submit %q: status = %d", command, rec.Code)
		}
	}

	rec := doRequest(t, server, http.MethodGet, "/api/commands/history", memberKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	history := decode[[]CommandRecordResponse](t, rec)
	if len(history) != 2 {
		t.Fatalf("history has %d records, want 2", len(history))
	}
}

func TestProfile(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/api/profile", memberKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[ProfileResponse](t, rec)
	if resp.Username != "alice" || resp.Role != "MEMBER" || resp.Credits != 5 {
		t.Errorf("profile = %+v", resp)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	server, _ := newTestServer(t)

	tests := []struct {
		name string
		req  CreateRuleRequest
		want int
	}{
		{"missing pattern", CreateRuleRequest{Action: "AUTO_ACCEPT"}, http.StatusBadRequest},
		{"missing action", CreateRuleRequest{Pattern: `^top`}, http.StatusBadRequest},
		{"bad action", CreateRuleRequest{Pattern: `^top`, Action: "MAYBE"}, http.StatusBadRequest},
		{"bad regex", CreateRuleRequest{Pattern: `^(unclosed`, Action: "AUTO_ACCEPT"}, http.StatusBadRequest},
		{"valid", CreateRuleRequest{Pattern: `^top`, Action: "AUTO_ACCEPT", Priority: 5}, http.StatusCreated},
		{"duplicate pattern", CreateRuleRequest{Pattern: `^top`, Action: "AUTO_REJECT"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, server, http.MethodPost, "/api/rules/", adminKey, tt.req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d, body %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestCreatedRuleTakesEffect(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/rules/", adminKey,
		CreateRuleRequest{Pattern: `^uptime`, Action: "AUTO_REJECT", Priority: 90})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create rule: status = %d", rec.Code)
	}

	submit := doRequest(t, server, http.MethodPost, "/api/commands", memberKey,
		SubmitCommandRequest{Command: "uptime"})
	if submit.Code != http.StatusOK {
		t.Fatalf("submit: status = %d", submit.Code)
	}
	resp := decode[SubmitCommandResponse](t, submit)
	if resp.Status != "REJECTED" {
		t.Errorf("status = %s, want REJECTED", resp.Status)
	}
}

func TestDeleteRule(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodDelete, "/api/rules/rule-ls", adminKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = doRequest(t, server, http.MethodDelete, "/api/rules/rule-ls", adminKey, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", rec.Code)
	}
}

func TestCreateUser(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/users/", adminKey,
		CreateUserRequest{Username: "bob"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decode[CreateUserResponse](t, rec)
	if resp.Role != "MEMBER" {
		t.Errorf("role = %s, want MEMBER", resp.Role)
	}
	if len(resp.APIKey) != 64 {
		t.Errorf("api_key length = %d, want 64", len(resp.APIKey))
	}

	// The raw key authenticates; listings never expose it.
	profile := doRequest(t, server, http.MethodGet, "/api/profile", resp.APIKey, nil)
	if profile.Code != http.StatusOK {
		t.Errorf("new key rejected: status = %d", profile.Code)
	}

	dup := doRequest(t, server, http.MethodPost, "/api/users/", adminKey,
		CreateUserRequest{Username: "bob"})
	if dup.Code != http.StatusBadRequest {
		t.Errorf("duplicate username: status = %d, want 400", dup.Code)
	}
}

func TestAdjustCredits(t *testing.T) {
	server, member := newTestServer(t)

	amount := 10
	rec := doRequest(t, server, http.MethodPost,
		fmt.Sprintf("/api/users/%s/credits", member.ID), adminKey,
		AdjustCreditsRequest{Amount: &amount})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decode[AdjustCreditsResponse](t, rec)
	if resp.NewBalance != 15 {
		t.Errorf("new_balance = %d, want 15", resp.NewBalance)
	}

	// Over-deduction clamps at zero.
	amount = -100
	rec = doRequest(t, server, http.MethodPost,
		fmt.Sprintf("/api/users/%s/credits", member.ID), adminKey,
		AdjustCreditsRequest{Amount: &amount})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decode[AdjustCreditsResponse](t, rec); resp.NewBalance != 0 {
		t.Errorf("new_balance = %d, want 0", resp.NewBalance)
	}

	missing := doRequest(t, server, http.MethodPost, "/api/users/unknown/credits",
		adminKey, AdjustCreditsRequest{Amount: &amount})
	if missing.Code != http.StatusNotFound {
		t.Errorf("unknown user: status = %d, want 404", missing.Code)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	server, _ := newTestServer(t)

	submit := doRequest(t, server, http.MethodPost, "/api/commands", memberKey,
		SubmitCommandRequest{Command: "rm -rf /tmp/x"})
	if submit.Code != http.StatusOK {
		t.Fatalf("submit: status = %d", submit.Code)
	}
	submitted := decode[SubmitCommandResponse](t, submit)
	if submitted.Status != "PENDING_APPROVAL" {
		t.Fatalf("status = %s, want PENDING_APPROVAL", submitted.Status)
	}
	if submitted.CreditsRemaining != 5 {
		t.Errorf("pending submission charged: credits_remaining = %d", submitted.CreditsRemaining)
	}

	pending := doRequest(t, server, http.MethodGet, "/api/admin/pending-commands", adminKey, nil)
	if list := decode[[]CommandRecordResponse](t, pending); len(list) != 1 {
		t.Fatalf("pending list has %d records, want 1", len(list))
	}

	resolve := doRequest(t, server, http.MethodPost,
		"/api/admin/pending-commands/"+submitted.RecordID, adminKey,
		ResolveCommandRequest{Action: "APPROVE"})
	if resolve.Code != http.StatusOK {
		t.Fatalf("resolve: status = %d, body %s", resolve.Code, resolve.Body.String())
	}
	resolved := decode[ResolveCommandResponse](t, resolve)
	if resolved.Status != "EXECUTED" {
		t.Errorf("status = %s, want EXECUTED", resolved.Status)
	}

	// Approval charged the owner.
	profile := decode[ProfileResponse](t, doRequest(t, server, http.MethodGet, "/api/profile", memberKey, nil))
	if profile.Credits != 4 {
		t.Errorf("credits = %d, want 4", profile.Credits)
	}

	// The settled record cannot be resolved twice.
	again := doRequest(t, server, http.MethodPost,
		"/api/admin/pending-commands/"+submitted.RecordID, adminKey,
		ResolveCommandRequest{Action: "REJECT"})
	if again.Code != http.StatusConflict {
		t.Errorf("second resolve: status = %d, want 409", again.Code)
	}

	// The owner got a resolution notification.
	notices := decode[[]NotificationResponse](t, doRequest(t, server, http.MethodGet, "/api/notifications", memberKey, nil))
	if len(notices) != 1 || notices[0].Kind != "COMMAND_APPROVED" {
		t.Errorf("notifications = %+v", notices)
	}
}

func TestResolveUnknownRecord(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost,
		"/api/admin/pending-commands/"+uuid.NewString(), adminKey,
		ResolveCommandRequest{Action: "APPROVE"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestResolveInvalidAction(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost,
		"/api/admin/pending-commands/"+uuid.NewString(), adminKey,
		ResolveCommandRequest{Action: "MAYBE"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAuditLogsAndStats(t *testing.T) {
	server, _ := newTestServer(t)

	for _, command := range []string{"ls", "rm a", "mkfs x"} {
		rec := doRequest(t, server, http.MethodPost, "/api/commands", memberKey,
			SubmitCommandRequest{Command: command})
		if rec.Code != http.StatusOK {
			t.Fatalf("submit %q: status = %d", command, rec.Code)
		}
	}

	all := decode[[]CommandRecordResponse](t, doRequest(t, server,
		http.MethodGet, "/api/admin/audit-logs", adminKey, nil))
	if len(all) != 3 {
		t.Errorf("audit log has %d records, want 3", len(all))
	}

	executed := decode[[]CommandRecordResponse](t, doRequest(t, server,
		http.MethodGet, "/api/admin/audit-logs?status=EXECUTED", adminKey, nil))
	if len(executed) != 1 {
		t.Errorf("filtered audit log has %d records, want 1", len(executed))
	}

	bad := doRequest(t, server, http.MethodGet, "/api/admin/audit-logs?status=BOGUS", adminKey, nil)
	if bad.Code != http.StatusBadRequest {
		t.Errorf("invalid filter: status = %d, want 400", bad.Code)
	}

	stats := decode[map[string]int](t, doRequest(t, server,
		http.MethodGet, "/api/admin/system-stats", adminKey, nil))
	if stats["total_commands"] != 3 || stats["executed"] != 1 ||
		stats["rejected"] != 1 || stats["pending"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestMarkNotificationRead(t *testing.T) {
	server, _ := newTestServer(t)

	submit := decode[SubmitCommandResponse](t, doRequest(t, server,
		http.MethodPost, "/api/commands", memberKey, SubmitCommandRequest{Command: "rm x"}))
	doRequest(t, server, http.MethodPost,
		"/api/admin/pending-commands/"+submit.RecordID, adminKey,
		ResolveCommandRequest{Action: "REJECT"})

	notices := decode[[]NotificationResponse](t, doRequest(t, server,
		http.MethodGet, "/api/notifications", memberKey, nil))
	if len(notices) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notices))
	}

	rec := doRequest(t, server, http.MethodPost,
		"/api/notifications/"+notices[0].ID+"/read", memberKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("mark read: status = %d", rec.Code)
	}

	notices = decode[[]NotificationResponse](t, doRequest(t, server,
		http.MethodGet, "/api/notifications", memberKey, nil))
	if !notices[0].Read {
		t.Error("notification not marked read")
	}

	missing := doRequest(t, server, http.MethodPost,
		"/api/notifications/"+uuid.NewString()+"/read", memberKey, nil)
	if missing.Code != http.StatusNotFound {
		t.Errorf("unknown notification: status = %d, want 404", missing.Code)
	}
}
