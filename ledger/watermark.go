// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Watermark returns the last on-chain balance fully reconciled for a
// deposit account, and whether the account has been seen at all.
func (s *Store) Watermark(ctx context.Context, account string) (int64, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("ledger: watermark: %w", err)
	}
	defer s.pool.Put(conn)

	return watermarkConn(conn, account)
}

func watermarkConn(conn *sqlite.Conn, account string) (int64, bool, error) {
	var amount int64
	found := false
	err := sqlitex.Execute(conn,
		"SELECT amount FROM watermarks WHERE account = ?",
		&sqlitex.ExecOptions{
			Args: []any{account},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				amount = stmt.ColumnInt64(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return 0, false, fmt.Errorf("ledger: read watermark %s: %w", account, err)
	}
	return amount, found, nil
}

// CreditToWatermark reconciles an observed on-chain balance against
// the stored watermark for a deposit account. The delta since the
// watermark is credited (or, for a shrinking account, deducted down to
// at most zero) and the watermark is advanced to the observed value,
// all in one transaction. Re-observing the same balance is a no-op, so
// duplicate notifications and poll/subscription races credit at most
// once. Returns the delta applied to the local balance.
func (s *Store) CreditToWatermark(ctx context.Context, account, principal string, asset Asset, observed int64, meta Metadata) (applied int64, err error) {
	if observed < 0 {
		return 0, fmt.Errorf("ledger: negative on-chain balance %d for %s", observed, account)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: credit to watermark: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("ledger: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	watermark, _, err := watermarkConn(conn, account)
	if err != nil {
		return 0, err
	}

	delta := observed - watermark
	if delta != 0 {
		kind := KindMirrorDeposit
		if delta < 0 {
			// The deposit account shrank (a withdrawal the gateway does
			// not broker, or an RPC rollback). Mirror the correction but
			// never drive the local balance negative: funds already
			// spent on inference stay spent.
			kind = KindMirrorCorrection
			current, err := balanceConn(conn, principal, asset)
			if err != nil {
				return 0, err
			}
			if -delta > current {
				delta = -current
			}
		}
		meta.OnChainBalance = observed
		if delta != 0 {
			if _, err = s.applyConn(conn, principal, asset, delta, kind, meta); err != nil {
				return 0, err
			}
		}
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO watermarks (account, principal, asset, amount, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (account)
		 DO UPDATE SET principal = excluded.principal,
		               asset = excluded.asset,
		               amount = excluded.amount,
		               updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{account, principal, string(asset), observed, s.nowNanos()},
		})
	if err != nil {
		return 0, fmt.Errorf("ledger: advance watermark %s: %w", account, err)
	}

	if delta != 0 {
		s.logger.Info("mirrored on-chain balance",
			"account", account,
			"principal", principal,
			"asset", asset,
			"delta", delta,
			"observed", observed,
		)
	}
	return delta, nil
}
