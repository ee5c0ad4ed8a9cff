package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gatekeeper-sh/gatekeeper/accounts"
	"github.com/gatekeeper-sh/gatekeeper/internal/logger"
)

type contextKey string

const principalKey contextKey = "principal"

// apiKeyAuth resolves the X-API-Key header to an account and stores it in
// the request context. Only the SHA-256 digest ever touches the store.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			respondError(w, http.StatusUnauthorized, "API key is missing", nil)
			return
		}

		principal, err := s.accounts.GetByAPIKeyHash(r.Context(), accounts.HashAPIKey(apiKey))
		if err != nil {
			if errors.Is(err, accounts.ErrNotFound) {
				respondError(w, http.StatusUnauthorized, "invalid API key", nil)
				return
			}
			logger.Error("account lookup failed during authentication", "error", err)
			respondError(w, http.StatusInternalServerError, "authentication failed", nil)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin rejects non-admin principals. Must run after apiKeyAuth.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := principalFrom(r)
		if principal == nil || !principal.IsAdmin() {
			respondError(w, http.StatusForbidden, "admin access required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principalFrom(r *http.Request) *accounts.Account {
	principal, _ := r.Context().Value(principalKey).(*accounts.Account)
	return principal
}
