package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"custodia/escrow"
	"custodia/factory"
	"custodia/identity"
	"custodia/token"
)

type contextKey string

const actorKey contextKey = "actor"

// Server exposes the factory and its agreements over a JSON HTTP API.
// Authentication establishes who is acting; every authorization decision
// stays in the domain layer.
type Server struct {
	factory  *factory.Factory
	identity *identity.Service
	logger   *zap.Logger
	mux      *http.ServeMux
}

func NewServer(f *factory.Factory, ids *identity.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		factory:  f,
		identity: ids,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/accounts", s.handleRegister)
	s.mux.HandleFunc("POST /v1/login", s.handleLogin)
	s.mux.HandleFunc("GET /v1/judges", s.handleJudges)

	s.mux.Handle("POST /v1/escrows", s.requireAuth(s.handleCreate))
	s.mux.Handle("GET /v1/escrows", s.requireAuth(s.handleList))
	s.mux.Handle("GET /v1/escrows/{id}", s.requireAuth(s.handleGet))
	s.mux.Handle("POST /v1/escrows/{id}/dispute", s.requireAuth(s.transitionHandler(s.factory.Dispute)))
	s.mux.Handle("POST /v1/escrows/{id}/release", s.requireAuth(s.transitionHandler(s.factory.Release)))
	s.mux.Handle("POST /v1/escrows/{id}/claim", s.requireAuth(s.transitionHandler(s.factory.Claim)))
	s.mux.Handle("POST /v1/escrows/{id}/refund", s.requireAuth(s.transitionHandler(s.factory.Refund)))
	s.mux.Handle("POST /v1/escrows/{id}/close", s.requireAuth(s.transitionHandler(s.factory.Close)))

	s.mux.Handle("POST /v1/admin/withdraw", s.requireAuth(s.handleWithdraw))
	s.mux.Handle("PUT /v1/admin/vault", s.requireAuth(s.handleSetVault))
	s.mux.Handle("PUT /v1/admin/fee", s.requireAuth(s.handleSetFee))
	s.mux.Handle("PUT /v1/admin/dispute-window", s.requireAuth(s.handleSetDisputeWindow))
}

// requireAuth resolves the bearer token to an acting address and stores it
// in the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		address, err := s.identity.Verify(strings.TrimSpace(header[7:]))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), actorKey, address)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey).(string); ok {
		return v
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain failures to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrNotAuthorized),
		errors.Is(err, factory.ErrNotAdmin):
		return http.StatusForbidden
	case errors.Is(err, factory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrReentrantCall),
		errors.Is(err, factory.ErrUnchanged):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrWindowNotOpen),
		errors.Is(err, escrow.ErrWindowClosed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, factory.ErrInvalidAmount),
		errors.Is(err, factory.ErrInvalidDuration),
		errors.Is(err, factory.ErrInvalidFee),
		errors.Is(err, factory.ErrVaultRequired),
		errors.Is(err, factory.ErrPartiesRequired),
		errors.Is(err, factory.ErrUnknownToken),
		errors.Is(err, factory.ErrNoJudges),
		errors.Is(err, factory.ErrInsufficientAllowance),
		errors.Is(err, token.ErrInsufficientAllowance),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, identity.ErrWeakSecret),
		errors.Is(err, identity.ErrDuplicateAddress):
		return http.StatusBadRequest
	case errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
