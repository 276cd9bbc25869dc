// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the HTTP surface: registration, balance and
// pricing queries, and the admission → forwarding → settlement
// pipeline for inference requests.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bureau-foundation/tollgate/ledger"
	"github.com/bureau-foundation/tollgate/pricing"
)

// Upstream is one configured inference provider.
type Upstream struct {
	// BaseURL is the provider's API root, without a trailing slash.
	BaseURL string

	// APIKey is the provider credential. Empty means requests to this
	// provider fail with a server-misconfiguration error.
	APIKey string
}

// Config holds the parameters for New.
type Config struct {
	// Store is the ledger backing admission and settlement. Required.
	Store *ledger.Store

	// Pricing is the model price table. Required.
	Pricing *pricing.Table

	// OpenAI and Anthropic are the upstream providers behind
	// /v1/chat/completions and /v1/messages respectively.
	OpenAI    Upstream
	Anthropic Upstream

	// DebitOrder is the asset preference order for settlement,
	// reference asset first. Required, non-empty.
	DebitOrder []ledger.Asset

	// ProgramID is the deposit program address quoted in
	// registration instructions.
	ProgramID string

	// HTTPClient performs upstream calls. Nil means a client with a
	// 120 second timeout (streamed completions run long).
	HTTPClient *http.Client

	// MaxOutputTokens is the admission estimate used when a request
	// declares no max_tokens. Defaults to 4096.
	MaxOutputTokens int64

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Server handles the gateway's HTTP routes.
type Server struct {
	store           *ledger.Store
	pricing         *pricing.Table
	openai          Upstream
	anthropic       Upstream
	debitOrder      []ledger.Asset
	programID       string
	client          *http.Client
	maxOutputTokens int64
	logger          *slog.Logger
	mux             *http.ServeMux
}

// New validates the config and builds the route table.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("gateway: Store is required")
	}
	if cfg.Pricing == nil {
		return nil, fmt.Errorf("gateway: Pricing is required")
	}
	if len(cfg.DebitOrder) == 0 {
		return nil, fmt.Errorf("gateway: DebitOrder is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	maxOutput := cfg.MaxOutputTokens
	if maxOutput <= 0 {
		maxOutput = 4096
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		store:           cfg.Store,
		pricing:         cfg.Pricing,
		openai:          cfg.OpenAI,
		anthropic:       cfg.Anthropic,
		debitOrder:      cfg.DebitOrder,
		programID:       cfg.ProgramID,
		client:          client,
		maxOutputTokens: maxOutput,
		logger:          logger,
		mux:             http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /v1/register", s.handleRegister)
	s.mux.HandleFunc("GET /v1/pricing", s.handlePricing)
	s.mux.HandleFunc("GET /v1/balance", s.handleBalance)
	s.mux.HandleFunc("GET /v1/admin/stats", s.handleStats)
	s.mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		s.handleCompletion(w, r, flavorOpenAI)
	})
	s.mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		s.handleCompletion(w, r, flavorAnthropic)
	})
	return s, nil
}

// Handler returns the root handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// principal resolves the Bearer token to a principal, writing a 401
// on failure.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return "", false
	}

	principal, err := s.store.ResolvePrincipal(r.Context(), token)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownToken) {
			writeError(w, http.StatusUnauthorized, "invalid or inactive API token")
		} else {
			s.logger.Error("principal resolution failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return "", false
	}
	return principal, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	binding, err := s.store.CreateBinding(r.Context())
	if err != nil {
		s.logger.Error("registration failed", "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"api_token":    binding.Token,
		"deposit_code": binding.DepositCode,
		"status":       "pending_deposit",
		"instructions": fmt.Sprintf(
			"To activate your API token, deposit SOL or USDC on-chain with deposit code %s to program %s.",
			binding.DepositCode, s.programID),
	})
}

func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pricing":      s.pricing.Snapshot(),
		"fallback":     s.pricing.Fallback(),
		"denomination": "reference smallest units per 1k tokens",
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	balances, err := s.store.Balances(r.Context(), principal)
	if err != nil {
		s.logger.Error("balance read failed", "principal", principal, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	outstanding, err := s.store.OutstandingTotal(r.Context(), principal)
	if err != nil {
		s.logger.Error("outstanding read failed", "principal", principal, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"principal":   principal,
		"balances":    balances,
		"outstanding": outstanding,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
