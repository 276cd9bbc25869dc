// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package pricing holds the model price table used by admission
// estimates and settlement. Reads are lock-free; the whole table is
// swapped atomically on reload.
package pricing

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// ModelPrice is the cost per 1000 tokens, in reference-asset smallest
// units, for one model.
type ModelPrice struct {
	Input  int64 `yaml:"input" json:"input"`
	Output int64 `yaml:"output" json:"output"`
}

// Table maps model names to prices. Unknown models fall back to a
// default price so a new upstream model is billable (conservatively)
// before anyone edits the table.
type Table struct {
	models   atomic.Pointer[map[string]ModelPrice]
	fallback ModelPrice
}

// DefaultFallback is the price charged for models missing from the
// table.
var DefaultFallback = ModelPrice{Input: 5000, Output: 15000}

// defaultModels is the deployed price list.
var defaultModels = map[string]ModelPrice{
	"claude-sonnet-4-5-20250929": {Input: 3000, Output: 15000},
	"claude-opus-4-6":            {Input: 15000, Output: 75000},
	"claude-3-5-haiku-20241022":  {Input: 800, Output: 4000},
	"gpt-4o":                     {Input: 2500, Output: 10000},
	"gpt-5.2":                    {Input: 1500, Output: 4500},
	"claude-4.5-opus":            {Input: 3000, Output: 15000},
}

// New builds a table with the given models and fallback price. The
// map is copied.
func New(models map[string]ModelPrice, fallback ModelPrice) *Table {
	table := &Table{fallback: fallback}
	table.Replace(models)
	return table
}

// Default returns a table with the built-in price list.
func Default() *Table {
	return New(defaultModels, DefaultFallback)
}

// Load reads a YAML price file:
//
//	fallback: {input: 5000, output: 15000}
//	models:
//	  gpt-4o: {input: 2500, output: 10000}
//
// A missing fallback uses DefaultFallback.
func Load(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}

	var file struct {
		Fallback *ModelPrice           `yaml:"fallback"`
		Models   map[string]ModelPrice `yaml:"models"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("pricing: parse %s: %w", path, err)
	}
	if len(file.Models) == 0 {
		return nil, fmt.Errorf("pricing: %s defines no models", path)
	}
	for model, price := range file.Models {
		if price.Input < 0 || price.Output < 0 {
			return nil, fmt.Errorf("pricing: %s: negative price for %s", path, model)
		}
	}

	fallback := DefaultFallback
	if file.Fallback != nil {
		fallback = *file.Fallback
	}
	return New(file.Models, fallback), nil
}

// Price returns the price entry for a model, falling back for unknown
// models.
func (t *Table) Price(model string) ModelPrice {
	models := *t.models.Load()
	if price, ok := models[model]; ok {
		return price
	}
	return t.fallback
}

// Cost computes the charge for a completed call in reference smallest
// units. Token counts below 1000 still bill their pro-rata share,
// truncated, matching the upstream meters.
func (t *Table) Cost(model string, inputTokens, outputTokens int64) int64 {
	price := t.Price(model)
	return inputTokens*price.Input/1000 + outputTokens*price.Output/1000
}

// Replace swaps in a new model map. Readers see either the old or the
// new table, never a mix.
func (t *Table) Replace(models map[string]ModelPrice) {
	copied := make(map[string]ModelPrice, len(models))
	for model, price := range models {
		copied[model] = price
	}
	t.models.Store(&copied)
}

// Snapshot returns a copy of the current model map.
func (t *Table) Snapshot() map[string]ModelPrice {
	models := *t.models.Load()
	copied := make(map[string]ModelPrice, len(models))
	for model, price := range models {
		copied[model] = price
	}
	return copied
}

// Fallback returns the price used for unknown models.
func (t *Table) Fallback() ModelPrice {
	return t.fallback
}
