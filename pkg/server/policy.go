package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/log"
	"github.com/tariffpilot/tariffpilot/pkg/storage"
	"github.com/tariffpilot/tariffpilot/pkg/types"
)

// handleGetPolicy returns a user's policy. Credentials stay encrypted and
// are never echoed back.
func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	email := r.URL.Query().Get("email")
	if email == "" {
		writeJSONError(w, "email is required", http.StatusBadRequest)
		return
	}

	policy, version, err := s.storage.GetPolicy(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			writeJSONError(w, "user not found", http.StatusNotFound)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch policy", slog.Any("error", err))
		writeJSONError(w, "failed to fetch policy", http.StatusInternalServerError)
		return
	}

	hasCredentials := len(policy.EncryptedCredentials) > 0
	policy.EncryptedCredentials = nil
	writeJSON(w, struct {
		Policy         types.UserPolicy `json:"policy"`
		Version        int              `json:"version"`
		HasCredentials bool             `json:"hasCredentials"`
	}{Policy: policy, Version: version, HasCredentials: hasCredentials})
}

type setPolicyRequest struct {
	Policy      types.UserPolicy   `json:"policy"`
	Credentials *types.Credentials `json:"credentials,omitempty"`
}

// handleSetPolicy creates or replaces a user's policy. When credentials are
// supplied they are encrypted before storage; otherwise any existing
// encrypted credentials are preserved.
func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req setPolicyRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Policy.Email == "" {
		writeJSONError(w, "policy.email is required", http.StatusBadRequest)
		return
	}

	if req.Credentials != nil {
		enc, err := s.engine.EncryptCredentials(*req.Credentials)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to encrypt credentials", slog.Any("error", err))
			writeJSONError(w, "failed to encrypt credentials", http.StatusInternalServerError)
			return
		}
		req.Policy.EncryptedCredentials = enc
	} else {
		existing, _, err := s.storage.GetPolicy(ctx, req.Policy.Email)
		if err == nil {
			req.Policy.EncryptedCredentials = existing.EncryptedCredentials
		} else if !errors.Is(err, storage.ErrUserNotFound) {
			log.Ctx(ctx).ErrorContext(ctx, "failed to fetch existing policy", slog.Any("error", err))
			writeJSONError(w, "failed to fetch existing policy", http.StatusInternalServerError)
			return
		}
	}

	if err := s.storage.SetPolicy(ctx, req.Policy.Email, req.Policy, types.CurrentPolicyVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save policy", slog.Any("error", err))
		writeJSONError(w, "failed to save policy", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "policy updated", slog.String("policyEmail", req.Policy.Email))
	writeJSON(w, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

// handleHistoryPrices returns stored price history for a user over a range,
// defaulting to the last 24 hours.
func (s *Server) handleHistoryPrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	email := r.URL.Query().Get("email")
	if email == "" {
		writeJSONError(w, "email is required", http.StatusBadRequest)
		return
	}

	end := time.Now()
	start := end.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, "invalid start time", http.StatusBadRequest)
			return
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, "invalid end time", http.StatusBadRequest)
			return
		}
		end = t
	}

	prices, err := s.storage.GetPriceHistory(ctx, email, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch price history", slog.Any("error", err))
		writeJSONError(w, "failed to fetch price history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		Prices []types.PriceInterval `json:"prices"`
	}{Prices: prices})
}
