// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/tollgate/lib/clock"
	"github.com/bureau-foundation/tollgate/lib/sqlitepool"
)

// Asset identifies a fungible unit type by its on-chain mint address.
type Asset string

// Sentinel errors. Callers test with errors.Is.
var (
	// ErrInsufficientFunds means a debit would drive a balance
	// negative. The store applies nothing when returning it.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnknownAsset means the asset is not in the asset registry.
	ErrUnknownAsset = errors.New("unknown asset")

	// ErrUnknownToken means an API token does not exist or its
	// binding has not been activated by a deposit.
	ErrUnknownToken = errors.New("unknown or inactive token")
)

// Metadata is the optional usage/audit payload attached to a
// transaction-log entry. Stored as JSON text so admin queries can use
// sqlite json functions against it.
type Metadata struct {
	Model          string `json:"model,omitempty"`
	InputTokens    int64  `json:"input_tokens,omitempty"`
	OutputTokens   int64  `json:"output_tokens,omitempty"`
	Fingerprint    string `json:"fingerprint,omitempty"`
	OnChainBalance int64  `json:"on_chain_balance,omitempty"`
	LocalBefore    int64  `json:"local_balance_before,omitempty"`
	Shortfall      int64  `json:"shortfall,omitempty"`
	Note           string `json:"note,omitempty"`
}

func (m Metadata) isZero() bool {
	return m == Metadata{}
}

// AssetInfo describes an entry in the asset registry. Rate is the
// price of one whole unit of the asset in whole units of the
// reference asset (so the reference asset itself has Rate 1). The
// rate is mutable configuration, not market data.
type AssetInfo struct {
	Asset    Asset
	Symbol   string
	Decimals int
	Rate     float64
}

// Store owns all balance and transaction-log mutations. The mirror
// and the settlement pipeline are callers, never direct mutators:
// both go through Apply and its variants, which serialize per-balance
// writes via SQLite's single-writer discipline while WAL keeps reads
// consistent and non-blocking.
type Store struct {
	pool      *sqlitepool.Pool
	clock     clock.Clock
	logger    *slog.Logger
	reference Asset
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file. Required.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// ReferenceAsset is the asset costs are denominated in before
	// fallback conversion. Required; must be seeded via SeedAsset
	// before conversions are used.
	ReferenceAsset Asset

	// Clock provides transaction timestamps.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS balances (
	principal  TEXT NOT NULL,
	asset      TEXT NOT NULL,
	amount     INTEGER NOT NULL DEFAULT 0 CHECK (amount >= 0),
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (principal, asset)
);

CREATE TABLE IF NOT EXISTS transactions (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	principal  TEXT NOT NULL,
	asset      TEXT NOT NULL,
	amount     INTEGER NOT NULL,
	kind       INTEGER NOT NULL,
	metadata   TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_principal
	ON transactions(principal, asset, seq);
CREATE INDEX IF NOT EXISTS idx_transactions_kind ON transactions(kind);

CREATE TABLE IF NOT EXISTS watermarks (
	account    TEXT PRIMARY KEY,
	principal  TEXT NOT NULL,
	asset      TEXT NOT NULL,
	amount     INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS assets (
	asset      TEXT PRIMARY KEY,
	symbol     TEXT NOT NULL,
	decimals   INTEGER NOT NULL,
	rate       REAL NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bindings (
	token        TEXT PRIMARY KEY,
	deposit_code TEXT UNIQUE NOT NULL,
	principal    TEXT,
	state        TEXT NOT NULL DEFAULT 'pending',
	created_at   INTEGER NOT NULL,
	activated_at INTEGER
);

CREATE TABLE IF NOT EXISTS outstanding (
	principal  TEXT NOT NULL,
	asset      TEXT NOT NULL,
	amount     INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (principal, asset)
);
`

// Open creates (or opens) the ledger database and its schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("ledger: Path is required")
	}
	if cfg.ReferenceAsset == "" {
		return nil, fmt.Errorf("ledger: ReferenceAsset is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("ledger: Clock is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	return &Store{
		pool:      pool,
		clock:     cfg.Clock,
		logger:    logger,
		reference: cfg.ReferenceAsset,
	}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// ReferenceAsset returns the asset costs are denominated in.
func (s *Store) ReferenceAsset() Asset {
	return s.reference
}

// SeedAsset inserts an asset registry entry if it does not already
// exist. Existing entries (including their rate) are left untouched.
func (s *Store) SeedAsset(ctx context.Context, info AssetInfo) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: seed asset: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO assets (asset, symbol, decimals, rate, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{string(info.Asset), info.Symbol, info.Decimals, info.Rate, s.nowNanos()},
		})
	if err != nil {
		return fmt.Errorf("ledger: seed asset %s: %w", info.Symbol, err)
	}
	return nil
}

// SetRate updates an asset's exchange rate to the reference asset.
func (s *Store) SetRate(ctx context.Context, asset Asset, rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("ledger: rate must be positive, got %v", rate)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: set rate: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE assets SET rate = ?, updated_at = ? WHERE asset = ?",
		&sqlitex.ExecOptions{Args: []any{rate, s.nowNanos(), string(asset)}})
	if err != nil {
		return fmt.Errorf("ledger: set rate: %w", err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("ledger: set rate for %s: %w", asset, ErrUnknownAsset)
	}
	return nil
}

// AssetInfo returns the registry entry for an asset.
func (s *Store) AssetInfo(ctx context.Context, asset Asset) (AssetInfo, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return AssetInfo{}, fmt.Errorf("ledger: asset info: %w", err)
	}
	defer s.pool.Put(conn)

	return assetInfoConn(conn, asset)
}

func assetInfoConn(conn *sqlite.Conn, asset Asset) (AssetInfo, error) {
	info := AssetInfo{Asset: asset}
	found := false
	err := sqlitex.Execute(conn,
		"SELECT symbol, decimals, rate FROM assets WHERE asset = ?",
		&sqlitex.ExecOptions{
			Args: []any{string(asset)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				info.Symbol = stmt.ColumnText(0)
				info.Decimals = stmt.ColumnInt(1)
				info.Rate = stmt.ColumnFloat(2)
				found = true
				return nil
			},
		})
	if err != nil {
		return AssetInfo{}, fmt.Errorf("ledger: asset info %s: %w", asset, err)
	}
	if !found {
		return AssetInfo{}, fmt.Errorf("ledger: asset %s: %w", asset, ErrUnknownAsset)
	}
	return info, nil
}

// Balances returns a snapshot of every asset balance for a principal.
// Principals with no rows (never credited) get an empty map.
func (s *Store) Balances(ctx context.Context, principal string) (map[Asset]int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: balances: %w", err)
	}
	defer s.pool.Put(conn)

	balances := make(map[Asset]int64)
	err = sqlitex.Execute(conn,
		"SELECT asset, amount FROM balances WHERE principal = ?",
		&sqlitex.ExecOptions{
			Args: []any{principal},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				balances[Asset(stmt.ColumnText(0))] = stmt.ColumnInt64(1)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("ledger: balances for %s: %w", principal, err)
	}
	return balances, nil
}

// Apply atomically applies a signed delta to one balance: the
// non-negativity check (debits only), the transaction-log append, and
// the balance update happen in a single transaction. Returns the new
// balance, or ErrInsufficientFunds with nothing applied.
func (s *Store) Apply(ctx context.Context, principal string, asset Asset, delta int64, kind TxKind, meta Metadata) (newBalance int64, err error) {
	if !kind.valid() {
		return 0, fmt.Errorf("ledger: invalid transaction kind %d", int(kind))
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: apply: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("ledger: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return s.applyConn(conn, principal, asset, delta, kind, meta)
}

// applyConn is the single mutation primitive. It must run inside a
// transaction owned by the caller.
func (s *Store) applyConn(conn *sqlite.Conn, principal string, asset Asset, delta int64, kind TxKind, meta Metadata) (int64, error) {
	current, err := balanceConn(conn, principal, asset)
	if err != nil {
		return 0, err
	}

	if delta < 0 && current+delta < 0 {
		return 0, fmt.Errorf("ledger: debit %d from %d (%s, %s): %w",
			-delta, current, principal, asset, ErrInsufficientFunds)
	}

	now := s.nowNanos()
	newBalance := current + delta

	err = sqlitex.Execute(conn,
		`INSERT INTO balances (principal, asset, amount, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (principal, asset)
		 DO UPDATE SET amount = excluded.amount, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{principal, string(asset), newBalance, now}})
	if err != nil {
		return 0, fmt.Errorf("ledger: update balance: %w", err)
	}

	var metadataJSON any
	if !meta.isZero() {
		data, err := json.Marshal(meta)
		if err != nil {
			return 0, fmt.Errorf("ledger: marshal metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO transactions (principal, asset, amount, kind, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{principal, string(asset), delta, int(kind), metadataJSON, now},
		})
	if err != nil {
		return 0, fmt.Errorf("ledger: append transaction: %w", err)
	}

	return newBalance, nil
}

func balanceConn(conn *sqlite.Conn, principal string, asset Asset) (int64, error) {
	var amount int64
	err := sqlitex.Execute(conn,
		"SELECT amount FROM balances WHERE principal = ? AND asset = ?",
		&sqlitex.ExecOptions{
			Args: []any{principal, string(asset)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				amount = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("ledger: read balance: %w", err)
	}
	return amount, nil
}

func (s *Store) nowNanos() int64 {
	return s.clock.Now().UnixNano()
}
