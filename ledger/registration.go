// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Binding ties an API token to a deposit code and, once a deposit
// carrying that code lands on chain, to the depositing principal.
type Binding struct {
	Token       string
	DepositCode string
	Principal   string
	State       string
	CreatedAt   time.Time
	ActivatedAt time.Time
}

// Binding states.
const (
	BindingPending = "pending"
	BindingActive  = "active"
)

// CreateBinding issues a fresh API token and deposit code pair. The
// token authenticates requests once activated; the deposit code is
// what the depositor embeds on chain to claim the token.
func (s *Store) CreateBinding(ctx context.Context) (Binding, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Binding{}, fmt.Errorf("ledger: create binding: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now()
	binding := Binding{
		Token:       uuid.NewString(),
		DepositCode: depositCode(),
		State:       BindingPending,
		CreatedAt:   now,
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO bindings (token, deposit_code, state, created_at)
		 VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{binding.Token, binding.DepositCode, binding.State, now.UnixNano()},
		})
	if err != nil {
		return Binding{}, fmt.Errorf("ledger: create binding: %w", err)
	}

	s.logger.Info("issued binding", "deposit_code", binding.DepositCode)
	return binding, nil
}

// depositCode returns a short uppercase code for on-chain embedding.
// Eight characters of a UUID's hex is compact enough for the chain
// account's code field and sparse enough that collisions lose to the
// UNIQUE constraint, which surfaces as an error rather than a
// mis-binding.
func depositCode() string {
	id := uuid.NewString()
	return strings.ToUpper(strings.ReplaceAll(id, "-", "")[:8])
}

// ActivateBinding marks the binding for a deposit code active and
// records the principal that funded it. Activation is exactly-once:
// the first deposit carrying the code wins, later calls (and unknown
// codes) return ok=false with no change.
func (s *Store) ActivateBinding(ctx context.Context, code, principal string) (Binding, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Binding{}, false, fmt.Errorf("ledger: activate binding: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE bindings SET state = ?, principal = ?, activated_at = ?
		 WHERE deposit_code = ? AND state = ?`,
		&sqlitex.ExecOptions{
			Args: []any{BindingActive, principal, s.nowNanos(), code, BindingPending},
		})
	if err != nil {
		return Binding{}, false, fmt.Errorf("ledger: activate binding %s: %w", code, err)
	}
	if conn.Changes() == 0 {
		return Binding{}, false, nil
	}

	binding, err := bindingByCodeConn(conn, code)
	if err != nil {
		return Binding{}, false, err
	}
	s.logger.Info("activated binding", "deposit_code", code, "principal", principal)
	return binding, true, nil
}

// ResolvePrincipal maps an API token to its bound principal. Pending
// and unknown tokens both yield ErrUnknownToken: a token is not usable
// until a deposit has claimed it.
func (s *Store) ResolvePrincipal(ctx context.Context, token string) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("ledger: resolve principal: %w", err)
	}
	defer s.pool.Put(conn)

	var principal string
	found := false
	err = sqlitex.Execute(conn,
		"SELECT principal FROM bindings WHERE token = ? AND state = ?",
		&sqlitex.ExecOptions{
			Args: []any{token, BindingActive},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				principal = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("ledger: resolve principal: %w", err)
	}
	if !found {
		return "", ErrUnknownToken
	}
	return principal, nil
}

// BindingByCode returns the binding for a deposit code, if any.
func (s *Store) BindingByCode(ctx context.Context, code string) (Binding, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Binding{}, false, fmt.Errorf("ledger: binding by code: %w", err)
	}
	defer s.pool.Put(conn)

	binding, err := bindingByCodeConn(conn, code)
	if err != nil {
		return Binding{}, false, err
	}
	if binding.Token == "" {
		return Binding{}, false, nil
	}
	return binding, true, nil
}

func bindingByCodeConn(conn *sqlite.Conn, code string) (Binding, error) {
	var binding Binding
	err := sqlitex.Execute(conn,
		`SELECT token, deposit_code, COALESCE(principal, ''), state, created_at, COALESCE(activated_at, 0)
		 FROM bindings WHERE deposit_code = ?`,
		&sqlitex.ExecOptions{
			Args: []any{code},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				binding.Token = stmt.ColumnText(0)
				binding.DepositCode = stmt.ColumnText(1)
				binding.Principal = stmt.ColumnText(2)
				binding.State = stmt.ColumnText(3)
				binding.CreatedAt = time.Unix(0, stmt.ColumnInt64(4))
				if nanos := stmt.ColumnInt64(5); nanos != 0 {
					binding.ActivatedAt = time.Unix(0, nanos)
				}
				return nil
			},
		})
	if err != nil {
		return Binding{}, fmt.Errorf("ledger: binding %s: %w", code, err)
	}
	return binding, nil
}
