package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/gatekeeper-sh/gatekeeper/accounts"
	"github.com/gatekeeper-sh/gatekeeper/commandlog"
	"github.com/gatekeeper-sh/gatekeeper/gate"
	"github.com/gatekeeper-sh/gatekeeper/internal/logger"
	"github.com/gatekeeper-sh/gatekeeper/notify"
	"github.com/gatekeeper-sh/gatekeeper/rules"
)

type Server struct {
	db            *sql.DB
	engine        *rules.Engine
	accounts      accounts.Store
	notifications notify.Store
	service       *gate.Service
	router        *chi.Mux
}

// NewServer connects to Postgres and wires the full stack.
func NewServer(databaseURL string) (*Server, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	engine, err := rules.NewEngine(rules.NewPostgresStore(db))
	if err != nil {
		return nil, fmt.Errorf("failed to build rules engine: %w", err)
	}

	accountStore := accounts.NewPostgresStore(db)
	notificationStore := notify.NewPostgresStore(db)

	s := &Server{
		db:            db,
		engine:        engine,
		accounts:      accountStore,
		notifications: notificationStore,
		service: gate.NewService(engine, accountStore,
			commandlog.NewPostgresStore(db), notificationStore),
	}
	s.setupRoutes()
	return s, nil
}

// newServerWithStores wires the stack over arbitrary store implementations.
// Used by tests to run the whole HTTP surface in memory.
func newServerWithStores(engine *rules.Engine, accountStore accounts.Store,
	recordStore commandlog.Store, notificationStore notify.Store) *Server {
	s := &Server{
		engine:        engine,
		accounts:      accountStore,
		notifications: notificationStore,
		service:       gate.NewService(engine, accountStore, recordStore, notificationStore),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.apiKeyAuth)

		// Member surface
		r.Post("/api/commands", s.handleSubmitCommand)
		r.Get("/api/commands/history", s.handleCommandHistory)
		r.Get("/api/profile", s.handleProfile)
		r.Get("/api/notifications", s.handleListNotifications)
		r.Post("/api/notifications/{id}/read", s.handleMarkNotificationRead)

		// Admin surface
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)

			r.Route("/api/rules", func(r chi.Router) {
				r.Get("/", s.handleListRules)
				r.Post("/", s.handleCreateRule)
				r.Delete("/{id}", s.handleDeleteRule)
			})

			r.Route("/api/users", func(r chi.Router) {
				r.Get("/", s.handleListUsers)
				r.Post("/", s.handleCreateUser)
				r.Post("/{id}/credits", s.handleAdjustCredits)
			})

			r.Route("/api/admin", func(r chi.Router) {
				r.Get("/audit-logs", s.handleAuditLogs)
				r.Get("/system-stats", s.handleSystemStats)
				r.Get("/pending-commands", s.handlePendingCommands)
				r.Post("/pending-commands/{id}", s.handleResolveCommand)
			})
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// --- Member handlers ---

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)

	var req SubmitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	result, err := s.service.Submit(r.Context(), principal, req.Command)
	if err != nil {
		s.respondGateError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, SubmitCommandResponse{
		RecordID:         result.RecordID,
		Status:           string(result.Status),
		Output:           result.Output,
		CreditsRemaining: result.CreditsRemaining,
	})
}

func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)

	records, err := s.service.History(r.Context(), principal.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to fetch command history", err)
		return
	}
	respondJSON(w, http.StatusOK, toRecordResponses(records))
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	respondJSON(w, http.StatusOK, ProfileResponse{
		Username: principal.Username,
		Role:     string(principal.Role),
		Credits:  principal.Credits,
	})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)

	list, err := s.notifications.ListByAccount(r.Context(), principal.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to fetch notifications", err)
		return
	}
	out := make([]NotificationResponse, 0, len(list))
	for _, n := range list {
		out = append(out, toNotificationResponse(n))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	id := chi.URLParam(r, "id")

	if err := s.notifications.MarkRead(r.Context(), id, principal.ID); err != nil {
		if errors.Is(err, notify.ErrNotFound) {
			respondError(w, http.StatusNotFound, "notification not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to mark notification read", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// --- Admin: rules ---

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListRules(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	out := make([]RuleResponse, 0, len(list))
	for _, rule := range list {
		out = append(out, toRuleResponse(rule))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Pattern == "" || req.Action == "" {
		respondError(w, http.StatusBadRequest, "pattern and action are required", nil)
		return
	}

	action := rules.Action(req.Action)
	if !action.Valid() {
		respondError(w, http.StatusBadRequest,
			"invalid action: use AUTO_ACCEPT, AUTO_REJECT or REQUIRE_APPROVAL", nil)
		return
	}
	if _, err := regexp.Compile(req.Pattern); err != nil {
		respondError(w, http.StatusBadRequest, "invalid regular expression pattern", err)
		return
	}

	rule := &rules.Rule{
		ID:          uuid.NewString(),
		Pattern:     req.Pattern,
		Action:      action,
		Priority:    req.Priority,
		Description: req.Description,
	}
	if err := s.engine.AddRule(r.Context(), rule); err != nil {
		if errors.Is(err, rules.ErrDuplicatePattern) {
			respondError(w, http.StatusConflict, "a rule with this exact pattern already exists", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to create rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, toRuleResponse(rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.DeleteRule(r.Context(), id); err != nil {
		if errors.Is(err, rules.ErrNotFound) {
			respondError(w, http.StatusNotFound, "rule not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete rule", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "rule deleted"})
}

// --- Admin: users ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	list, err := s.accounts.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list users", err)
		return
	}
	out := make([]UserResponse, 0, len(list))
	for _, a := range list {
		out = append(out, toUserResponse(a))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Username == "" {
		respondError(w, http.StatusBadRequest, "username is required", nil)
		return
	}

	role := accounts.RoleMember
	if req.Role != "" {
		role = accounts.Role(req.Role)
		if !role.Valid() {
			respondError(w, http.StatusBadRequest, "invalid role: use MEMBER or ADMIN", nil)
			return
		}
	}

	if _, err := s.accounts.GetByUsername(r.Context(), req.Username); err == nil {
		respondError(w, http.StatusBadRequest, "user already exists", nil)
		return
	}

	rawKey, err := accounts.GenerateAPIKey()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate API key", err)
		return
	}

	account := &accounts.Account{
		ID:         uuid.NewString(),
		Username:   req.Username,
		APIKeyHash: accounts.HashAPIKey(rawKey),
		Role:       role,
		Credits:    0,
	}
	if err := s.accounts.Create(r.Context(), account); err != nil {
		if errors.Is(err, accounts.ErrDuplicateUsername) {
			respondError(w, http.StatusBadRequest, "user already exists", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to create user", err)
		return
	}

	respondJSON(w, http.StatusCreated, CreateUserResponse{
		ID:       account.ID,
		Username: account.Username,
		Role:     string(account.Role),
		APIKey:   rawKey,
		Message:  "Save this API key now. It will not be shown again.",
	})
}

func (s *Server) handleAdjustCredits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AdjustCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Amount == nil {
		respondError(w, http.StatusBadRequest, "amount is required and must be a number", nil)
		return
	}

	account, err := s.accounts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			respondError(w, http.StatusNotFound, "user not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to look up user", err)
		return
	}

	balance, err := s.accounts.Adjust(r.Context(), id, *req.Amount)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update credits", err)
		return
	}

	respondJSON(w, http.StatusOK, AdjustCreditsResponse{
		Username:   account.Username,
		NewBalance: balance,
	})
}

// --- Admin: audit and approval ---

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	status := commandlog.Status(r.URL.Query().Get("status"))

	records, err := s.service.AuditLog(r.Context(), status)
	if err != nil {
		s.respondGateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toRecordResponses(records))
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.SystemStats(r.Context())
	if err != nil {
		s.respondGateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePendingCommands(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.PendingCommands(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to fetch pending commands", err)
		return
	}
	respondJSON(w, http.StatusOK, toRecordResponses(records))
}

func (s *Server) handleResolveCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ResolveCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	result, err := s.service.Resolve(r.Context(), id, gate.ResolveAction(req.Action))
	if err != nil {
		s.respondGateError(w, err)
		return
	}

	message := "Command approved and executed"
	if result.Status == commandlog.StatusRejected {
		message = "Command rejected"
	}
	respondJSON(w, http.StatusOK, ResolveCommandResponse{
		RecordID: result.RecordID,
		Status:   string(result.Status),
		Message:  message,
	})
}

// respondGateError maps the service's typed errors onto HTTP statuses.
func (s *Server) respondGateError(w http.ResponseWriter, err error) {
	var (
		validationErr   *gate.ValidationError
		creditsErr      *gate.InsufficientCreditsError
		notFoundErr     *gate.NotFoundError
		invalidStateErr *gate.InvalidStateError
		storeErr        *gate.StoreUnavailableError
	)
	switch {
	case errors.As(err, &validationErr):
		respondError(w, http.StatusBadRequest, validationErr.Error(), nil)
	case errors.As(err, &creditsErr):
		respondJSON(w, http.StatusForbidden, map[string]any{
			"error":             "insufficient credits",
			"credits_remaining": creditsErr.Remaining,
		})
	case errors.As(err, &notFoundErr):
		respondError(w, http.StatusNotFound, notFoundErr.Error(), nil)
	case errors.As(err, &invalidStateErr):
		respondError(w, http.StatusConflict, invalidStateErr.Error(), nil)
	case errors.As(err, &storeErr):
		logger.Error("store unavailable", "error", err)
		respondError(w, http.StatusServiceUnavailable, "storage unavailable", nil)
	default:
		logger.Error("unhandled service error", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Fatal("DATABASE_URL environment variable is required")
	}

	server, err := NewServer(databaseURL)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}
	defer server.db.Close()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "logger shutdown error: %v\n", err)
	}
	logger.Info("server stopped")
}
