// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

package pricing

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPriceKnownModel(t *testing.T) {
	table := Default()

	price := table.Price("gpt-4o")
	if price.Input != 2500 || price.Output != 10000 {
		t.Fatalf("gpt-4o price = %+v", price)
	}
}

func TestPriceFallsBackForUnknownModel(t *testing.T) {
	table := Default()

	price := table.Price("some-new-model")
	if price != DefaultFallback {
		t.Fatalf("unknown model price = %+v, want fallback %+v", price, DefaultFallback)
	}
}

func TestCost(t *testing.T) {
	table := Default()

	// gpt-4o: 2500/1k input, 10000/1k output.
	if cost := table.Cost("gpt-4o", 1000, 500); cost != 2500+5000 {
		t.Fatalf("cost = %d, want 7500", cost)
	}

	// Sub-1k counts bill pro rata, truncated.
	if cost := table.Cost("gpt-4o", 15, 25); cost != 37+250 {
		t.Fatalf("small cost = %d, want 287", cost)
	}

	if cost := table.Cost("gpt-4o", 0, 0); cost != 0 {
		t.Fatalf("zero usage cost = %d", cost)
	}
}

func TestReplaceSwapsAtomically(t *testing.T) {
	table := Default()

	table.Replace(map[string]ModelPrice{"only-model": {Input: 1, Output: 2}})

	if price := table.Price("only-model"); price.Input != 1 {
		t.Fatalf("price after replace = %+v", price)
	}
	// Previously known model now takes the fallback path.
	if price := table.Price("gpt-4o"); price != DefaultFallback {
		t.Fatalf("replaced-away model price = %+v", price)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	table := Default()

	snapshot := table.Snapshot()
	snapshot["gpt-4o"] = ModelPrice{Input: 1, Output: 1}

	if price := table.Price("gpt-4o"); price.Input != 2500 {
		t.Fatalf("mutating a snapshot changed the table: %+v", price)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	content := `
fallback: {input: 100, output: 200}
models:
  test-model: {input: 10, output: 20}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write pricing file: %v", err)
	}

	table, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if price := table.Price("test-model"); price.Input != 10 || price.Output != 20 {
		t.Fatalf("loaded price = %+v", price)
	}
	if price := table.Price("unknown"); price.Input != 100 || price.Output != 200 {
		t.Fatalf("loaded fallback = %+v", price)
	}
}

func TestLoadRejectsEmptyAndNegative(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, []byte("models: {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(empty); err == nil {
		t.Fatal("expected error for empty model list")
	}

	negative := filepath.Join(dir, "negative.yaml")
	content := "models:\n  bad: {input: -1, output: 5}\n"
	if err := os.WriteFile(negative, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(negative); err == nil {
		t.Fatal("expected error for negative price")
	}
}
