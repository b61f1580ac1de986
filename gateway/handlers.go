package gateway

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"custodia/escrow"
	"custodia/factory"
	"custodia/identity"
)

type createEscrowRequest struct {
	Payee           string `json:"payee"`
	Amount          string `json:"amount"`
	TokenKind       string `json:"token_kind"`
	DurationSeconds int64  `json:"duration_seconds"`
}

type escrowResponse struct {
	ID              string    `json:"id"`
	State           string    `json:"state"`
	TokenKind       string    `json:"token_kind"`
	Payer           string    `json:"payer"`
	Payee           string    `json:"payee"`
	Vault           string    `json:"vault"`
	FeePercent      int       `json:"fee_percent"`
	Balance         string    `json:"balance"`
	Judges          []string  `json:"judges"`
	DueDate         time.Time `json:"due_date"`
	DisputeDeadline time.Time `json:"dispute_deadline"`
}

func toEscrowResponse(esc *escrow.Escrow) escrowResponse {
	return escrowResponse{
		ID:              esc.ID(),
		State:           string(esc.State()),
		TokenKind:       esc.TokenKind(),
		Payer:           esc.Payer(),
		Payee:           esc.Payee(),
		Vault:           esc.Vault(),
		FeePercent:      esc.FeePercent(),
		Balance:         esc.Balance().String(),
		Judges:          esc.Judges(),
		DueDate:         esc.DueDate(),
		DisputeDeadline: esc.DisputeDeadline(),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req identity.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	account, err := s.identity.Register(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"address":      account.Address,
		"display_name": account.DisplayName,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req identity.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	token, err := s.identity.Login(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleJudges(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"judges": s.factory.Judges()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	actor := actorFromContext(r.Context())
	handle, err := s.factory.Create(r.Context(), actor, factory.CreateParams{
		Payee:     req.Payee,
		Amount:    amount,
		TokenKind: req.TokenKind,
		Duration:  time.Duration(req.DurationSeconds) * time.Second,
	})
	if err != nil {
		// A valid handle means the escrow is live and funded and only the
		// audit append failed; the client still gets its agreement.
		if handle == uuid.Nil {
			s.logger.Warn("create escrow", zap.String("payer", actor), zap.Error(err))
			writeError(w, statusFor(err), err.Error())
			return
		}
		s.logger.Error("escrow created but audit append failed",
			zap.String("escrow_id", handle.String()), zap.Error(err))
	}
	esc, err := s.factory.Get(handle)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowResponse(esc))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	seen := make(map[uuid.UUID]struct{})
	out := make([]escrowResponse, 0, 8)
	for _, handle := range append(s.factory.ByPayer(actor), s.factory.ByPayee(actor)...) {
		if _, ok := seen[handle]; ok {
			continue
		}
		seen[handle] = struct{}{}
		esc, err := s.factory.Get(handle)
		if err != nil {
			continue
		}
		out = append(out, toEscrowResponse(esc))
	}
	writeJSON(w, http.StatusOK, map[string][]escrowResponse{"escrows": out})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	handle, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown escrow")
		return
	}
	esc, err := s.factory.Get(handle)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(esc))
}

// transitionHandler adapts one factory transition to an HTTP handler.
func (s *Server) transitionHandler(fn func(context.Context, uuid.UUID, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handle, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusNotFound, "unknown escrow")
			return
		}
		actor := actorFromContext(r.Context())
		if err := fn(r.Context(), handle, actor); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		esc, err := s.factory.Get(handle)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, toEscrowResponse(esc))
	}
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	if err := s.factory.Withdraw(r.Context(), actor); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "swept"})
}

func (s *Server) handleSetVault(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Vault string `json:"vault"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	actor := actorFromContext(r.Context())
	if err := s.factory.SetVault(r.Context(), actor, req.Vault); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"vault": req.Vault})
}

func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeePercent int `json:"fee_percent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	actor := actorFromContext(r.Context())
	if err := s.factory.SetFee(r.Context(), actor, req.FeePercent); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"fee_percent": req.FeePercent})
}

func (s *Server) handleSetDisputeWindow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WindowSeconds int64 `json:"window_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	actor := actorFromContext(r.Context())
	window := time.Duration(req.WindowSeconds) * time.Second
	if err := s.factory.SetDisputeWindow(r.Context(), actor, window); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"window_seconds": req.WindowSeconds})
}
