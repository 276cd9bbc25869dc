// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/tollgate/lib/clock"
	"github.com/bureau-foundation/tollgate/lib/testutil"
)

const (
	testUSDC = Asset("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	testSOL  = Asset("So11111111111111111111111111111111111111112")
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:           filepath.Join(t.TempDir(), "ledger.db"),
		ReferenceAsset: testUSDC,
		Clock:          clock.Fake(time.Unix(1700000000, 0)),
		Logger:         testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})

	ctx := context.Background()
	seed := []AssetInfo{
		{Asset: testUSDC, Symbol: "USDC", Decimals: 6, Rate: 1},
		{Asset: testSOL, Symbol: "SOL", Decimals: 9, Rate: 150},
	}
	for _, info := range seed {
		if err := store.SeedAsset(ctx, info); err != nil {
			t.Fatalf("seed %s: %v", info.Symbol, err)
		}
	}
	return store
}

func TestApplyCreditAndDebit(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	balance, err := store.Apply(ctx, "alice", testUSDC, 1000, KindMirrorDeposit, Metadata{})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if balance != 1000 {
		t.Fatalf("balance after credit = %d, want 1000", balance)
	}

	balance, err = store.Apply(ctx, "alice", testUSDC, -400, KindDebit, Metadata{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if balance != 600 {
		t.Fatalf("balance after debit = %d, want 600", balance)
	}

	balances, err := store.Balances(ctx, "alice")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if balances[testUSDC] != 600 {
		t.Fatalf("snapshot balance = %d, want 600", balances[testUSDC])
	}
}

func TestApplyInsufficientFundsLeavesBalanceUnchanged(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.Apply(ctx, "bob", testUSDC, 17, KindMirrorDeposit, Metadata{}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	// The admission scenario: balance 17, charge 18.
	_, err := store.Apply(ctx, "bob", testUSDC, -18, KindDebit, Metadata{})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraw error = %v, want ErrInsufficientFunds", err)
	}

	balances, err := store.Balances(ctx, "bob")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if balances[testUSDC] != 17 {
		t.Fatalf("balance after rejected debit = %d, want 17", balances[testUSDC])
	}

	history, err := store.History(ctx, "bob", testUSDC, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("log has %d entries after rejected debit, want 1", len(history))
	}
}

func TestApplyRejectsInvalidKind(t *testing.T) {
	store := testStore(t)

	if _, err := store.Apply(context.Background(), "alice", testUSDC, 1, TxKind(99), Metadata{}); err == nil {
		t.Fatal("expected error for invalid transaction kind")
	}
}

func TestHistoryMatchesBalance(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	deltas := []int64{500, -120, 300, -80, -200}
	for _, delta := range deltas {
		kind := KindMirrorDeposit
		if delta < 0 {
			kind = KindDebit
		}
		if _, err := store.Apply(ctx, "carol", testUSDC, delta, kind, Metadata{}); err != nil {
			t.Fatalf("apply %d: %v", delta, err)
		}
	}

	history, err := store.History(ctx, "carol", testUSDC, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != len(deltas) {
		t.Fatalf("history has %d entries, want %d", len(history), len(deltas))
	}

	var sum int64
	for _, tx := range history {
		sum += tx.Amount
	}
	balances, err := store.Balances(ctx, "carol")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if sum != balances[testUSDC] {
		t.Fatalf("log sum %d != balance %d", sum, balances[testUSDC])
	}

	// Newest first.
	if history[0].Amount != -200 {
		t.Fatalf("first history entry amount = %d, want -200", history[0].Amount)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.Apply(ctx, "dave", testUSDC, 100, KindMirrorDeposit, Metadata{}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = store.Apply(ctx, "dave", testUSDC, -10, KindDebit, Metadata{})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientFunds):
		default:
			t.Fatalf("unexpected debit error: %v", err)
		}
	}
	if succeeded != 10 {
		t.Fatalf("%d debits succeeded, want exactly 10", succeeded)
	}

	balances, err := store.Balances(ctx, "dave")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if balances[testUSDC] != 0 {
		t.Fatalf("final balance = %d, want 0", balances[testUSDC])
	}
}

func TestSetRate(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SetRate(ctx, testSOL, 175); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	info, err := store.AssetInfo(ctx, testSOL)
	if err != nil {
		t.Fatalf("asset info: %v", err)
	}
	if info.Rate != 175 {
		t.Fatalf("rate = %v, want 175", info.Rate)
	}

	if err := store.SetRate(ctx, Asset("missing"), 2); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("set rate for unknown asset = %v, want ErrUnknownAsset", err)
	}
	if err := store.SetRate(ctx, testSOL, 0); err == nil {
		t.Fatal("expected error for non-positive rate")
	}
}

func TestSeedAssetKeepsExistingRate(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SetRate(ctx, testSOL, 200); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if err := store.SeedAsset(ctx, AssetInfo{Asset: testSOL, Symbol: "SOL", Decimals: 9, Rate: 150}); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	info, err := store.AssetInfo(ctx, testSOL)
	if err != nil {
		t.Fatalf("asset info: %v", err)
	}
	if info.Rate != 200 {
		t.Fatalf("rate after reseed = %v, want the configured 200", info.Rate)
	}
}

func TestStats(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.CreateBinding(ctx); err != nil {
		t.Fatalf("create binding: %v", err)
	}
	binding, err := store.CreateBinding(ctx)
	if err != nil {
		t.Fatalf("create binding: %v", err)
	}
	if _, ok, err := store.ActivateBinding(ctx, binding.DepositCode, "erin"); err != nil || !ok {
		t.Fatalf("activate binding: ok=%v err=%v", ok, err)
	}

	if _, err := store.Apply(ctx, "erin", testUSDC, 900, KindMirrorDeposit, Metadata{}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := store.Apply(ctx, "erin", testUSDC, -250, KindDebit, Metadata{}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	// Corrections and operator fixes are not traffic; the totals must
	// not move.
	if _, err := store.Apply(ctx, "erin", testUSDC, -100, KindMirrorCorrection, Metadata{}); err != nil {
		t.Fatalf("correction: %v", err)
	}
	if _, err := store.Apply(ctx, "erin", testUSDC, 75, KindManualAdjustment, Metadata{}); err != nil {
		t.Fatalf("adjustment: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{
		TotalDeposits:    900,
		TotalDebits:      250,
		ActivePrincipals: 1,
		IssuedBindings:   2,
		ActiveBindings:   1,
	}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
}
