// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"io"
	"iter"

	"github.com/tidwall/gjson"
	"github.com/zeebo/blake3"
)

// usage is the token meter for one completed call.
type usage struct {
	inputTokens  int64
	outputTokens int64
}

// extractUsage reads the usage object of a buffered response body.
// OpenAI reports prompt_tokens/completion_tokens, Anthropic
// input_tokens/output_tokens; absent fields meter as zero.
func extractUsage(body []byte) usage {
	result := gjson.GetBytes(body, "usage")
	if !result.Exists() {
		return usage{}
	}
	input := result.Get("input_tokens")
	if !input.Exists() {
		input = result.Get("prompt_tokens")
	}
	output := result.Get("output_tokens")
	if !output.Exists() {
		output = result.Get("completion_tokens")
	}
	return usage{inputTokens: input.Int(), outputTokens: output.Int()}
}

// sseLines yields the response stream line by line, newline included,
// so the relay preserves SSE framing.
func sseLines(r io.Reader) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxRequestBody)
		for scanner.Scan() {
			line := append(scanner.Bytes(), '\n')
			if !yield(line) {
				return
			}
		}
	}
}

// usageAccumulator watches relayed SSE lines for usage metadata and
// keeps a byte count of delivered text as the fallback meter when the
// upstream never sends a final usage event.
type usageAccumulator struct {
	flavor upstreamFlavor
	hasher *blake3.Hasher

	input      int64
	output     int64
	inputSeen  bool
	outputSeen bool
	textBytes  int64
}

func newUsageAccumulator(flavor upstreamFlavor) *usageAccumulator {
	return &usageAccumulator{flavor: flavor, hasher: blake3.New()}
}

func (a *usageAccumulator) observe(line []byte) {
	a.hasher.Write(line)

	payload, ok := bytes.CutPrefix(bytes.TrimSpace(line), []byte("data: "))
	if !ok || bytes.Equal(payload, []byte("[DONE]")) {
		return
	}

	switch a.flavor {
	case flavorOpenAI:
		if u := gjson.GetBytes(payload, "usage"); u.Exists() && u.Type != gjson.Null {
			a.input = u.Get("prompt_tokens").Int()
			a.output = u.Get("completion_tokens").Int()
			a.inputSeen, a.outputSeen = true, true
		}
		a.textBytes += int64(len(gjson.GetBytes(payload, "choices.0.delta.content").String()))
	case flavorAnthropic:
		switch gjson.GetBytes(payload, "type").String() {
		case "message_start":
			a.input += gjson.GetBytes(payload, "message.usage.input_tokens").Int()
			a.inputSeen = true
		case "message_delta":
			a.output += gjson.GetBytes(payload, "usage.output_tokens").Int()
			a.outputSeen = true
		case "content_block_delta":
			a.textBytes += int64(len(gjson.GetBytes(payload, "delta.text").String()))
		}
	}
}

// finalize resolves the meter: reported usage wins; otherwise input
// falls back to the request-size proxy and output to a bytes/4
// estimate of the text actually delivered.
func (a *usageAccumulator) finalize(inputProxy int64) usage {
	final := usage{inputTokens: a.input, outputTokens: a.output}
	if !a.inputSeen {
		final.inputTokens = inputProxy
	}
	if !a.outputSeen {
		final.outputTokens = a.textBytes / 4
		if final.outputTokens == 0 && a.textBytes > 0 {
			final.outputTokens = 1
		}
	}
	return final
}

// digest returns the hash of everything observed.
func (a *usageAccumulator) digest() []byte {
	sum := a.hasher.Sum(nil)
	return sum
}

// fingerprint hashes the request/response pair for the audit trail.
func fingerprint(parts ...[]byte) string {
	hasher := blake3.New()
	for _, part := range parts {
		hasher.Write(part)
	}
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
