// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import "fmt"

// TxKind classifies a transaction-log entry. The set is closed:
// consumers switch exhaustively, and a kind read from the database
// that is not one of these constants is a corruption error, not a
// default case.
type TxKind int

const (
	// KindMirrorDeposit is a credit applied by the chain mirror when
	// an on-chain balance rises above its watermark.
	KindMirrorDeposit TxKind = iota + 1

	// KindDebit is an inference settlement debit.
	KindDebit

	// KindMirrorCorrection is a mirror-applied adjustment when an
	// on-chain balance is observed below its watermark.
	KindMirrorCorrection

	// KindManualAdjustment is an operator-applied correction.
	KindManualAdjustment
)

// String returns the stable log name of the kind. These names appear
// in admin output and test assertions; do not repurpose them.
func (k TxKind) String() string {
	switch k {
	case KindMirrorDeposit:
		return "MIRROR_DEPOSIT"
	case KindDebit:
		return "DEBIT"
	case KindMirrorCorrection:
		return "MIRROR_CORRECTION"
	case KindManualAdjustment:
		return "MANUAL_ADJUSTMENT"
	}
	return fmt.Sprintf("TxKind(%d)", int(k))
}

func (k TxKind) valid() bool {
	return k >= KindMirrorDeposit && k <= KindManualAdjustment
}
