// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bureau-foundation/tollgate/ledger"
)

// The mock upstream answers with fixed usage so billing paths can be
// exercised end to end without provider credentials.
const (
	mockInputTokens  = 15
	mockOutputTokens = 25
)

const mockBufferedBody = `{"id":"mock-123","choices":[{"message":{"content":"Canned reply."}}],"usage":{"prompt_tokens":15,"completion_tokens":25}}`

const mockOpenAISSE = `data: {"id":"mock-chatcmpl-001","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Canned "}}]}

data: {"id":"mock-chatcmpl-001","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"reply."}}],"usage":{"prompt_tokens":15,"completion_tokens":25}}

data: [DONE]
`

const mockAnthropicSSE = `event: message_start
data: {"type":"message_start","message":{"id":"mock-msg-001","type":"message","role":"assistant","usage":{"input_tokens":15,"output_tokens":0}}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Canned reply."}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":25}}
`

// handleMock serves the canned response. The debit happens before
// delivery, so unlike the real path it can still reject with 402.
func (s *Server) handleMock(w http.ResponseWriter, ctx context.Context, principal, model string, flavor upstreamFlavor, streaming bool, body []byte) {
	cost := s.pricing.Cost(model, mockInputTokens, mockOutputTokens)
	meta := ledger.Metadata{
		Model:        model,
		InputTokens:  mockInputTokens,
		OutputTokens: mockOutputTokens,
		Fingerprint:  fingerprint(body),
		Note:         "mock upstream",
	}

	plan, err := s.store.DebitPlan(ctx, cost, s.debitOrder)
	if err != nil {
		s.logger.Error("mock debit plan failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if _, err := s.store.ApplyWithFallback(ctx, principal, plan, ledger.KindDebit, meta); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			writeError(w, http.StatusPaymentRequired, "insufficient deposit balance")
			return
		}
		s.logger.Error("mock debit failed", "principal", principal, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("mock call charged", "principal", principal, "model", model, "cost", cost)

	if !streaming {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, mockBufferedBody)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	if flavor == flavorAnthropic {
		fmt.Fprint(w, mockAnthropicSSE)
	} else {
		fmt.Fprint(w, mockOpenAISSE)
	}
}
