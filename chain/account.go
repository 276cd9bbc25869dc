// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package chain speaks the deposit program's on-chain surface: the
// Anchor account layout, the JSON-RPC query client, and the websocket
// account subscription feed.
package chain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mr-tron/base58"
)

// ErrBadAccountData marks account contents that cannot be decoded or
// parsed. Callers polling many accounts skip these rather than treat
// them as endpoint failures.
var ErrBadAccountData = errors.New("bad deposit account data")

// Well-known mint addresses.
const (
	SOLMint         = "So11111111111111111111111111111111111111112"
	USDCMintMainnet = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCMintDevnet  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// discriminator is the Anchor account discriminator for
// DepositAccount: the first 8 bytes of every account the program owns.
var discriminator = []byte{0xd8, 0x92, 0x6f, 0x2a, 0x5c, 0x08, 0x4a, 0x3e}

// Account layout sizes. The program has shipped three versions; old
// accounts are never migrated, so all three remain live on chain.
const (
	// legacySize: discriminator(8) + owner(32) + balance(8). SOL only.
	legacySize = 48
	// v2Size: discriminator(8) + owner(32) + mint(32) + balance(8).
	v2Size = 80
	// v3Size: v2 plus an 8-byte deposit code before the balance.
	v3Size = 88
)

// DepositAccount is a parsed deposit program account.
type DepositAccount struct {
	// Owner is the depositor's base58 public key, used as the
	// principal identity.
	Owner string

	// Mint is the base58 token mint the balance is denominated in.
	// Legacy accounts report SOLMint.
	Mint string

	// DepositCode is the registration code embedded at deposit time,
	// empty for legacy and v2 accounts.
	DepositCode string

	// Balance is the on-chain balance in the mint's smallest units.
	Balance int64
}

// ParseDepositAccount decodes raw account data in any of the three
// program layouts. Data that is too short, carries the wrong
// discriminator, or holds a balance outside the signed 64-bit range
// the ledger can store is an error.
func ParseDepositAccount(data []byte) (DepositAccount, error) {
	if len(data) < legacySize {
		return DepositAccount{}, fmt.Errorf("chain: account data %d bytes, need at least %d", len(data), legacySize)
	}
	if !bytes.Equal(data[:8], discriminator) {
		return DepositAccount{}, fmt.Errorf("chain: not a deposit account (discriminator %x)", data[:8])
	}

	account := DepositAccount{
		Owner: base58.Encode(data[8:40]),
	}

	var balance uint64
	switch {
	case len(data) >= v3Size:
		account.Mint = base58.Encode(data[40:72])
		account.DepositCode = strings.TrimRight(string(data[72:80]), "\x00")
		balance = binary.LittleEndian.Uint64(data[80:88])
	case len(data) >= v2Size:
		account.Mint = base58.Encode(data[40:72])
		balance = binary.LittleEndian.Uint64(data[72:80])
	default:
		account.Mint = SOLMint
		balance = binary.LittleEndian.Uint64(data[40:48])
	}

	if balance > math.MaxInt64 {
		return DepositAccount{}, fmt.Errorf("chain: balance %d exceeds storable range", balance)
	}
	account.Balance = int64(balance)
	return account, nil
}
