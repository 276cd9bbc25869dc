// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DebitLeg is one entry of a multi-asset debit plan: the full cost of
// the operation expressed in this asset's smallest units. Legs are
// tried in order; a later leg covers only the fraction the earlier
// legs could not.
type DebitLeg struct {
	Asset  Asset
	Amount int64
}

// AppliedLeg records one debit actually taken during a fallback or
// shortfall apply.
type AppliedLeg struct {
	Asset      Asset
	Amount     int64 // positive units debited
	NewBalance int64
}

// DebitResult describes the outcome of ApplyWithFallback or
// ApplyWithShortfall.
type DebitResult struct {
	Legs []AppliedLeg

	// Shortfall is the uncovered remainder in reference-asset units.
	// Always zero for ApplyWithFallback (it fails instead).
	Shortfall int64
}

// DebitPlan converts a cost in reference-asset units into an ordered
// debit plan over the given assets. Assets missing from the registry
// or with a non-positive rate are skipped: a rate of zero means "do
// not fall back to this asset", matching manual rate configuration.
func (s *Store) DebitPlan(ctx context.Context, costRef int64, order []Asset) ([]DebitLeg, error) {
	if costRef < 0 {
		return nil, fmt.Errorf("ledger: negative cost %d", costRef)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: debit plan: %w", err)
	}
	defer s.pool.Put(conn)

	reference, err := assetInfoConn(conn, s.reference)
	if err != nil {
		return nil, err
	}

	plan := make([]DebitLeg, 0, len(order))
	for _, asset := range order {
		info, err := assetInfoConn(conn, asset)
		if err != nil {
			s.logger.Warn("debit plan: skipping unregistered asset", "asset", asset)
			continue
		}
		if info.Rate <= 0 {
			continue
		}
		plan = append(plan, DebitLeg{
			Asset:  asset,
			Amount: convertFromReference(costRef, reference, info),
		})
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("ledger: no usable assets in debit plan: %w", ErrUnknownAsset)
	}
	return plan, nil
}

// ApplyWithFallback applies a multi-asset debit as a unit: legs are
// drained in order, each covering the residual fraction the previous
// legs left, and either the whole cost is covered or nothing is
// applied and ErrInsufficientFunds is returned.
func (s *Store) ApplyWithFallback(ctx context.Context, principal string, plan []DebitLeg, kind TxKind, meta Metadata) (result DebitResult, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return DebitResult{}, fmt.Errorf("ledger: apply with fallback: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return DebitResult{}, fmt.Errorf("ledger: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	// Only coverage matters here, so the first leg's amount stands in
	// for the cost base.
	costBase := int64(1)
	if len(plan) > 0 {
		costBase = plan[0].Amount
	}
	takes, residual, err := s.planTakes(conn, principal, plan, costBase)
	if err != nil {
		return DebitResult{}, err
	}

	if residual > 0 {
		err = fmt.Errorf("ledger: multi-asset debit for %s: %w", principal, ErrInsufficientFunds)
		return DebitResult{}, err
	}

	result, err = s.applyTakes(conn, principal, plan, takes, kind, meta)
	return result, err
}

// ApplyWithShortfall is the post-delivery settlement variant: it
// drains the plan as far as funds allow, records the uncovered
// remainder (in reference units) as an outstanding adjustment, and
// never fails for lack of funds. Admission subtracts outstanding
// amounts from spendable balance, so a shortfall gates future
// requests rather than blocking the response that already shipped.
func (s *Store) ApplyWithShortfall(ctx context.Context, principal string, plan []DebitLeg, costRef int64, kind TxKind, meta Metadata) (result DebitResult, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return DebitResult{}, fmt.Errorf("ledger: apply with shortfall: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return DebitResult{}, fmt.Errorf("ledger: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	takes, residual, err := s.planTakes(conn, principal, plan, costRef)
	if err != nil {
		return DebitResult{}, err
	}

	var shortfall int64
	if residual > 0 {
		// residual is already the uncovered remainder in reference
		// units; the drained legs are not owed again.
		shortfall = residual
		meta.Shortfall = shortfall
	}

	result, err = s.applyTakes(conn, principal, plan, takes, kind, meta)
	if err != nil {
		return DebitResult{}, err
	}

	if shortfall > 0 {
		if len(result.Legs) == 0 {
			// Nothing drained; still leave an audit row so the
			// settlement is visible in the log. Amount zero keeps the
			// log/balance sum invariant intact.
			if _, err = s.applyConn(conn, principal, s.reference, 0, kind, meta); err != nil {
				return DebitResult{}, err
			}
		}
		err = sqlitex.Execute(conn,
			`INSERT INTO outstanding (principal, asset, amount, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (principal, asset)
			 DO UPDATE SET amount = amount + excluded.amount, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{
				Args: []any{principal, string(s.reference), shortfall, s.nowNanos()},
			})
		if err != nil {
			return DebitResult{}, fmt.Errorf("ledger: record shortfall: %w", err)
		}
		result.Shortfall = shortfall

		s.logger.Warn("settlement shortfall recorded",
			"principal", principal,
			"shortfall", shortfall,
			"cost", costRef,
		)
	}

	return result, nil
}

// planTakes walks the plan read-only and decides how much to take
// from each leg. costBase is the full cost in reference units; the
// returned residual is the still-uncovered portion of the cost in
// those same units, zero when the plan is fully covered. Each leg is
// asked only for the fraction the earlier legs left, so drained value
// is never counted against the residual twice.
func (s *Store) planTakes(conn *sqlite.Conn, principal string, plan []DebitLeg, costBase int64) ([]int64, int64, error) {
	takes := make([]int64, len(plan))
	if len(plan) == 0 || costBase <= 0 {
		return takes, 0, nil
	}

	residual := costBase
	for i, leg := range plan {
		// The leg's share of the cost, rounded up so the gateway
		// never under-charges from rounding.
		needed := scaleCeil(leg.Amount, residual, costBase)
		if needed == 0 {
			residual = 0
			break
		}

		balance, err := balanceConn(conn, principal, leg.Asset)
		if err != nil {
			return nil, 0, err
		}

		take := needed
		if balance < take {
			take = balance
		}
		takes[i] = take
		residual = scaleCeil(residual, needed-take, needed)
		if residual == 0 {
			break
		}
	}

	return takes, residual, nil
}

// applyTakes performs the debits decided by planTakes inside the
// caller's transaction.
func (s *Store) applyTakes(conn *sqlite.Conn, principal string, plan []DebitLeg, takes []int64, kind TxKind, meta Metadata) (DebitResult, error) {
	var result DebitResult
	for i, take := range takes {
		if take == 0 {
			continue
		}
		newBalance, err := s.applyConn(conn, principal, plan[i].Asset, -take, kind, meta)
		if err != nil {
			return DebitResult{}, err
		}
		result.Legs = append(result.Legs, AppliedLeg{
			Asset:      plan[i].Asset,
			Amount:     take,
			NewBalance: newBalance,
		})
	}
	return result, nil
}

// OutstandingTotal returns a principal's accumulated settlement
// shortfall in reference-asset units.
func (s *Store) OutstandingTotal(ctx context.Context, principal string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: outstanding: %w", err)
	}
	defer s.pool.Put(conn)

	var total int64
	err = sqlitex.Execute(conn,
		"SELECT COALESCE(SUM(amount), 0) FROM outstanding WHERE principal = ?",
		&sqlitex.ExecOptions{
			Args: []any{principal},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				total = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("ledger: outstanding for %s: %w", principal, err)
	}
	return total, nil
}

// SpendableBalance returns the principal's total balance converted to
// reference-asset units, minus any outstanding shortfall. Used by
// admission; conversion rounds down so admission never overstates
// what a principal can afford.
func (s *Store) SpendableBalance(ctx context.Context, principal string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: spendable: %w", err)
	}
	defer s.pool.Put(conn)

	reference, err := assetInfoConn(conn, s.reference)
	if err != nil {
		return 0, err
	}

	var total int64
	err = sqlitex.Execute(conn,
		`SELECT b.amount, a.decimals, a.rate
		 FROM balances b JOIN assets a ON a.asset = b.asset
		 WHERE b.principal = ?`,
		&sqlitex.ExecOptions{
			Args: []any{principal},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				amount := stmt.ColumnInt64(0)
				info := AssetInfo{Decimals: stmt.ColumnInt(1), Rate: stmt.ColumnFloat(2)}
				total += convertToReference(amount, reference, info)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("ledger: spendable for %s: %w", principal, err)
	}

	var outstanding int64
	err = sqlitex.Execute(conn,
		"SELECT COALESCE(SUM(amount), 0) FROM outstanding WHERE principal = ?",
		&sqlitex.ExecOptions{
			Args: []any{principal},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				outstanding = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("ledger: spendable outstanding: %w", err)
	}

	return total - outstanding, nil
}

// convertFromReference converts an amount of reference-asset smallest
// units into the target asset's smallest units, rounding up.
func convertFromReference(amountRef int64, reference, target AssetInfo) int64 {
	if target.Asset == reference.Asset || amountRef == 0 {
		return amountRef
	}
	scale := math.Pow(10, float64(target.Decimals-reference.Decimals))
	return int64(math.Ceil(float64(amountRef) * scale / target.Rate))
}

// convertToReference converts target-asset smallest units into
// reference smallest units, rounding down.
func convertToReference(amount int64, reference, target AssetInfo) int64 {
	if target.Rate == 1 && target.Decimals == reference.Decimals {
		return amount
	}
	scale := math.Pow(10, float64(target.Decimals-reference.Decimals))
	return int64(math.Floor(float64(amount) * target.Rate / scale))
}

// scaleCeil returns ceil(amount * numerator / denominator) using
// big-integer intermediates so large unit counts cannot overflow.
func scaleCeil(amount, numerator, denominator int64) int64 {
	if numerator == 0 || amount == 0 {
		return 0
	}
	if denominator <= 0 {
		denominator = 1
	}
	product := new(big.Int).Mul(big.NewInt(amount), big.NewInt(numerator))
	quotient, remainder := new(big.Int).QuoRem(product, big.NewInt(denominator), new(big.Int))
	if remainder.Sign() != 0 {
		quotient.Add(quotient, big.NewInt(1))
	}
	return quotient.Int64()
}
