// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledger is the balance store: per-principal, per-asset
// balances backed by SQLite, with an append-only transaction log,
// per-account deposit watermarks, registration bindings, and
// post-delivery shortfall records.
//
// Every mutation — a mirror credit, an inference debit, a manual
// adjustment — goes through the same atomic contract: the balance row
// and its transaction-log row change in one IMMEDIATE transaction, so
// the sum of log amounts for a (principal, asset) pair always equals
// the stored balance. Debits validate non-negativity against the
// pre-mutation value inside that same transaction; there is no
// partial debit.
//
// The watermark table is the mirror's exactly-once guard: a deposit
// credit and its watermark advance commit together, so replaying the
// same on-chain observation computes a zero delta and is a no-op.
package ledger
