// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/tollgate/ledger"
	"github.com/tidwall/gjson"
)

// sseUpstream streams the given SSE payload chunk by chunk.
func sseUpstream(t *testing.T, chunks []string, perChunkDelay time.Duration, sawBody chan<- []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sawBody != nil {
			body := make([]byte, r.ContentLength)
			r.Body.Read(body)
			sawBody <- body
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprint(w, chunk)
			flusher.Flush()
			if perChunkDelay > 0 {
				time.Sleep(perChunkDelay)
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestStreamingRelaysAndSettlesOnFinalUsage(t *testing.T) {
	sawBody := make(chan []byte, 1)
	upstream := sseUpstream(t, []string{
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hello \"}}]}\n\n",
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"world.\"}}]}\n\n",
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":1000,\"completion_tokens\":1000}}\n\n",
		"data: [DONE]\n\n",
	}, 0, sawBody)

	f := newFixture(t, Upstream{BaseURL: upstream.URL, APIKey: "sk"}, Upstream{})
	token := f.issueToken(t, "alice")
	f.fund(t, "alice", testUSDC, 20)

	body := `{"model":"test-model","max_tokens":1000,"stream":true}`
	resp := f.post(t, "/v1/chat/completions", token, body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var dataLines int
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "data: ") {
			dataLines++
		}
	}
	if dataLines != 4 {
		t.Fatalf("relayed %d data lines, want 4", dataLines)
	}

	// include_usage was injected into the upstream request.
	forwarded := <-sawBody
	if !gjson.GetBytes(forwarded, "stream_options.include_usage").Bool() {
		t.Fatalf("forwarded body = %s", forwarded)
	}

	// 1000/1000 tokens at 3/15 per 1k = 18 units.
	if got := f.balance(t, "alice", testUSDC); got != 2 {
		t.Fatalf("balance after stream = %d, want 2", got)
	}
}

func TestStreamingFallsBackToAccumulatedOutput(t *testing.T) {
	// No usage event: settlement meters the delivered text instead.
	text := strings.Repeat("x", 400)
	upstream := sseUpstream(t, []string{
		"data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":1000}}}\n\n",
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"" + text + "\"}}\n\n",
	}, 0, nil)

	f := newFixture(t, Upstream{}, Upstream{BaseURL: upstream.URL, APIKey: "sk"})
	token := f.issueToken(t, "alice")
	f.fund(t, "alice", testUSDC, 100)

	body := `{"model":"test-model","max_tokens":1000,"stream":true}`
	resp := f.post(t, "/v1/messages", token, body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// input 1000 => 3 units; output 400 bytes / 4 = 100 tokens => 1
	// unit at 15/1k.
	waitForBalance(t, f, "alice", testUSDC, 100-3-1)
}

func TestStreamingUpstreamRejectionRelaysWithoutCharge(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	t.Cleanup(upstream.Close)

	f := newFixture(t, Upstream{BaseURL: upstream.URL, APIKey: "sk"}, Upstream{})
	token := f.issueToken(t, "alice")
	f.fund(t, "alice", testUSDC, 1000)

	body := `{"model":"test-model","max_tokens":1000,"stream":true}`
	resp := f.post(t, "/v1/chat/completions", token, body, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(payload), "rate_limit_error") {
		t.Fatalf("relayed body = %s", payload)
	}

	// No tokens were produced, so nothing settles and nothing is owed.
	if got := f.balance(t, "alice", testUSDC); got != 1000 {
		t.Fatalf("balance after rejected stream = %d, want 1000", got)
	}
	outstanding, err := f.store.OutstandingTotal(context.Background(), "alice")
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	if outstanding != 0 {
		t.Fatalf("outstanding = %d, want 0", outstanding)
	}
}

func TestStreamingClientDisconnectStillSettles(t *testing.T) {
	// Upstream keeps producing after the client goes away; billing
	// covers the whole stream.
	chunks := []string{
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"part one \"}}]}\n\n",
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"part two\"}}]}\n\n",
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":1000,\"completion_tokens\":1000}}\n\n",
	}
	upstream := sseUpstream(t, chunks, 50*time.Millisecond, nil)

	f := newFixture(t, Upstream{BaseURL: upstream.URL, APIKey: "sk"}, Upstream{})
	token := f.issueToken(t, "alice")
	f.fund(t, "alice", testUSDC, 20)

	ctx, cancel := context.WithCancel(context.Background())
	body := `{"model":"test-model","max_tokens":1000,"stream":true}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.gateway.URL+"/v1/chat/completions", strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	// Read one chunk, then drop the connection mid-stream.
	buf := make([]byte, 16)
	resp.Body.Read(buf)
	cancel()
	resp.Body.Close()

	// Settlement happens once the upstream finishes: 18 units.
	waitForBalance(t, f, "alice", testUSDC, 2)

	history, err := f.store.History(context.Background(), "alice", testUSDC, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if history[0].Kind != ledger.KindDebit || history[0].Amount != -18 {
		t.Fatalf("settlement entry = %+v", history[0])
	}
	if history[0].Metadata.OutputTokens != 1000 {
		t.Fatalf("settled output tokens = %d, want 1000", history[0].Metadata.OutputTokens)
	}
}

func waitForBalance(t *testing.T, f *fixture, principal string, asset ledger.Asset, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.balance(t, principal, asset) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("balance = %d, want %d", f.balance(t, principal, asset), want)
}
