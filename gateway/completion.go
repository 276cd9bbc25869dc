// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/bureau-foundation/tollgate/ledger"
)

type upstreamFlavor int

const (
	flavorOpenAI upstreamFlavor = iota
	flavorAnthropic
)

func (f upstreamFlavor) path() string {
	if f == flavorAnthropic {
		return "/v1/messages"
	}
	return "/v1/chat/completions"
}

// maxRequestBody bounds inference request bodies. Prompts are large;
// nothing legitimate is this large.
const maxRequestBody = 10 << 20

// mockHeader requests the canned-response path, used by smoke tests
// that exercise billing without upstream credentials.
const mockHeader = "X-Mock-Upstream"

// handleCompletion runs the admission → forwarding → settlement
// pipeline for one inference request.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request, flavor upstreamFlavor) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", int64(maxRequestBody)))
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		model = "unknown"
	}
	streaming := gjson.GetBytes(body, "stream").Bool()

	if !s.admit(w, r.Context(), principal, model, body) {
		return
	}

	if r.Header.Get(mockHeader) == "true" {
		s.handleMock(w, r.Context(), principal, model, flavor, streaming, body)
		return
	}

	upstream := s.openai
	if flavor == flavorAnthropic {
		upstream = s.anthropic
	}
	if upstream.APIKey == "" {
		s.logger.Error("upstream credential not configured", "flavor", flavor.path())
		writeError(w, http.StatusInternalServerError, "upstream API key not configured")
		return
	}

	if streaming {
		s.forwardStreaming(w, r, principal, model, flavor, upstream, body)
		return
	}
	s.forwardBuffered(w, r, principal, model, flavor, upstream, body)
}

// admit performs the non-binding affordability pre-check. It reserves
// nothing: concurrent requests may still race past it, which is what
// the shortfall settlement path exists for.
func (s *Server) admit(w http.ResponseWriter, ctx context.Context, principal, model string, body []byte) bool {
	spendable, err := s.store.SpendableBalance(ctx, principal)
	if err != nil {
		s.logger.Error("spendable read failed", "principal", principal, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return false
	}

	estimate := s.estimate(model, body)
	if spendable <= 0 || estimate >= spendable {
		s.logger.Info("admission rejected",
			"principal", principal,
			"model", model,
			"estimate", estimate,
			"spendable", spendable,
		)
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "insufficient deposit balance",
			"estimate":  estimate,
			"spendable": spendable,
			"balance":   "/v1/balance",
			"pricing":   "/v1/pricing",
		})
		return false
	}
	return true
}

// estimate computes the worst-case cost of a request in reference
// units: the declared max_tokens (or a conservative default) at the
// output rate, plus a bytes/4 proxy for input tokens.
func (s *Server) estimate(model string, body []byte) int64 {
	maxTokens := gjson.GetBytes(body, "max_tokens").Int()
	if maxTokens <= 0 {
		maxTokens = s.maxOutputTokens
	}
	inputTokens := int64(len(body)) / 4
	price := s.pricing.Price(model)
	return inputTokens*price.Input/1000 + maxTokens*price.Output/1000
}

// forwardBuffered relays a non-streaming call: wait for the full
// upstream response, relay it verbatim, then settle on the usage the
// response reports.
func (s *Server) forwardBuffered(w http.ResponseWriter, r *http.Request, principal, model string, flavor upstreamFlavor, upstream Upstream, body []byte) {
	resp, err := s.callUpstream(r, flavor, upstream, body)
	if err != nil {
		s.logger.Warn("upstream call failed", "model", model, "error", err)
		writeError(w, http.StatusBadGateway, "upstream error")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.logger.Warn("upstream body read failed", "model", model, "error", err)
		writeError(w, http.StatusBadGateway, "upstream error")
		return
	}

	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)

	used := extractUsage(respBody)
	s.settle(r.Context(), principal, model, used, fingerprint(body, respBody))
}

// forwardStreaming relays SSE chunks as they arrive while
// accumulating usage, then settles once the upstream finishes. A
// client disconnect truncates delivery, not billing: the relay stops
// writing but keeps draining the upstream.
func (s *Server) forwardStreaming(w http.ResponseWriter, r *http.Request, principal, model string, flavor upstreamFlavor, upstream Upstream, body []byte) {
	if flavor == flavorOpenAI {
		// Without this the final chunk carries no usage object and
		// settlement falls back to the accumulated estimate.
		if patched, err := sjson.SetBytes(body, "stream_options.include_usage", true); err == nil {
			body = patched
		}
	}

	resp, err := s.callUpstream(r, flavor, upstream, body)
	if err != nil {
		s.logger.Warn("upstream stream failed", "model", model, "error", err)
		writeError(w, http.StatusBadGateway, "upstream error")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// The upstream rejected the request before producing output;
		// relay its error verbatim and settle nothing.
		s.logger.Warn("upstream rejected stream", "model", model, "status", resp.StatusCode)
		errBody, _ := io.ReadAll(resp.Body)
		if contentType := resp.Header.Get("Content-Type"); contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(errBody)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)
	flusher, canFlush := w.(http.Flusher)

	accumulator := newUsageAccumulator(flavor)
	relay := newRelay(w)
	for line := range sseLines(resp.Body) {
		relay.write(line)
		if canFlush && !relay.clientGone {
			flusher.Flush()
		}
		accumulator.observe(line)
	}
	if relay.clientGone {
		s.logger.Info("client disconnected mid-stream, settling on delivered output",
			"principal", principal, "model", model)
	}

	used := accumulator.finalize(int64(len(body)) / 4)
	s.settle(r.Context(), principal, model, used, fingerprint(body, accumulator.digest()))
}

// callUpstream builds and performs the provider request. The context
// is detached from the client request so a caller disconnect does not
// cancel the upstream call billing depends on.
func (s *Server) callUpstream(r *http.Request, flavor upstreamFlavor, upstream Upstream, body []byte) (*http.Response, error) {
	ctx := context.WithoutCancel(r.Context())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstream.BaseURL+flavor.path(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	// Compressed SSE cannot be relayed chunk-for-chunk.
	req.Header.Set("Accept-Encoding", "identity")

	switch flavor {
	case flavorOpenAI:
		req.Header.Set("Authorization", "Bearer "+upstream.APIKey)
	case flavorAnthropic:
		req.Header.Set("x-api-key", upstream.APIKey)
		for key, values := range r.Header {
			if len(key) >= 10 && key[:10] == "Anthropic-" {
				req.Header[key] = values
			}
		}
		if req.Header.Get("anthropic-version") == "" {
			req.Header.Set("anthropic-version", "2023-06-01")
		}
	}
	return s.client.Do(req)
}

// settle computes and applies the debit for a completed call. It runs
// after delivery, so it drains what is there and records any
// shortfall instead of failing.
func (s *Server) settle(ctx context.Context, principal, model string, used usage, audit string) {
	ctx = context.WithoutCancel(ctx)
	cost := s.pricing.Cost(model, used.inputTokens, used.outputTokens)
	if cost <= 0 {
		return
	}

	meta := ledger.Metadata{
		Model:        model,
		InputTokens:  used.inputTokens,
		OutputTokens: used.outputTokens,
		Fingerprint:  audit,
	}
	plan, err := s.store.DebitPlan(ctx, cost, s.debitOrder)
	if err != nil {
		s.logger.Error("settlement plan failed", "principal", principal, "error", err)
		return
	}
	result, err := s.store.ApplyWithShortfall(ctx, principal, plan, cost, ledger.KindDebit, meta)
	if err != nil {
		s.logger.Error("settlement failed", "principal", principal, "error", err)
		return
	}

	s.logger.Info("settled",
		"principal", principal,
		"model", model,
		"cost", cost,
		"input_tokens", used.inputTokens,
		"output_tokens", used.outputTokens,
		"shortfall", result.Shortfall,
	)
}

// relay writes to the client until the first write error, then keeps
// accepting lines silently so the upstream gets drained.
type relay struct {
	w          io.Writer
	clientGone bool
}

func newRelay(w io.Writer) *relay {
	return &relay{w: w}
}

func (r *relay) write(line []byte) {
	if r.clientGone {
		return
	}
	if _, err := r.w.Write(line); err != nil {
		r.clientGone = true
	}
}
