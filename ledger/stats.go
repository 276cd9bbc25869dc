// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Stats aggregates ledger activity for the admin surface.
type Stats struct {
	TotalDeposits    int64 `json:"total_deposits"`
	TotalDebits      int64 `json:"total_debits"`
	ActivePrincipals int64 `json:"active_principals"`
	IssuedBindings   int64 `json:"issued_bindings"`
	ActiveBindings   int64 `json:"active_bindings"`
}

// Stats returns aggregate counters over the whole ledger.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger: stats: %w", err)
	}
	defer s.pool.Put(conn)

	// Deposit and debit totals count only mirror deposits and
	// settlement debits; corrections and manual adjustments would make
	// the admin numbers lie about traffic.
	var stats Stats
	err = sqlitex.Execute(conn,
		`SELECT
			COALESCE(SUM(CASE WHEN kind = ? THEN amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = ? THEN -amount ELSE 0 END), 0),
			COUNT(DISTINCT principal)
		 FROM transactions`,
		&sqlitex.ExecOptions{
			Args: []any{int(KindMirrorDeposit), int(KindDebit)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.TotalDeposits = stmt.ColumnInt64(0)
				stats.TotalDebits = stmt.ColumnInt64(1)
				stats.ActivePrincipals = stmt.ColumnInt64(2)
				return nil
			},
		})
	if err != nil {
		return Stats{}, fmt.Errorf("ledger: stats: %w", err)
	}

	err = sqlitex.Execute(conn,
		`SELECT COUNT(*), COALESCE(SUM(state = ?), 0) FROM bindings`,
		&sqlitex.ExecOptions{
			Args: []any{BindingActive},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.IssuedBindings = stmt.ColumnInt64(0)
				stats.ActiveBindings = stmt.ColumnInt64(1)
				return nil
			},
		})
	if err != nil {
		return Stats{}, fmt.Errorf("ledger: binding stats: %w", err)
	}

	return stats, nil
}

// Transaction is one transaction-log entry as returned by History.
type Transaction struct {
	Seq       int64
	Principal string
	Asset     Asset
	Amount    int64
	Kind      TxKind
	Metadata  Metadata
	CreatedAt time.Time
}

// History returns a principal's transaction-log entries for one asset,
// newest first, capped at limit (default 50).
func (s *Store) History(ctx context.Context, principal string, asset Asset, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: history: %w", err)
	}
	defer s.pool.Put(conn)

	var history []Transaction
	err = sqlitex.Execute(conn,
		`SELECT seq, amount, kind, metadata, created_at
		 FROM transactions
		 WHERE principal = ? AND asset = ?
		 ORDER BY seq DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{principal, string(asset), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tx := Transaction{
					Seq:       stmt.ColumnInt64(0),
					Principal: principal,
					Asset:     asset,
					Amount:    stmt.ColumnInt64(1),
					Kind:      TxKind(stmt.ColumnInt(2)),
					CreatedAt: time.Unix(0, stmt.ColumnInt64(4)),
				}
				if raw := stmt.ColumnText(3); raw != "" {
					if err := json.Unmarshal([]byte(raw), &tx.Metadata); err != nil {
						return fmt.Errorf("decode metadata for seq %d: %w", tx.Seq, err)
					}
				}
				history = append(history, tx)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("ledger: history for %s: %w", principal, err)
	}
	return history, nil
}
