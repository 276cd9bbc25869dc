// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/mr-tron/base58"
)

func rawPubkey(seed byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

func legacyAccount(owner []byte, balance uint64) []byte {
	data := make([]byte, legacySize)
	copy(data, discriminator)
	copy(data[8:], owner)
	binary.LittleEndian.PutUint64(data[40:], balance)
	return data
}

func v2Account(owner, mint []byte, balance uint64) []byte {
	data := make([]byte, v2Size)
	copy(data, discriminator)
	copy(data[8:], owner)
	copy(data[40:], mint)
	binary.LittleEndian.PutUint64(data[72:], balance)
	return data
}

func v3Account(owner, mint []byte, code string, balance uint64) []byte {
	data := make([]byte, v3Size)
	copy(data, discriminator)
	copy(data[8:], owner)
	copy(data[40:], mint)
	copy(data[72:80], code)
	binary.LittleEndian.PutUint64(data[80:], balance)
	return data
}

func TestParseDepositAccountLegacy(t *testing.T) {
	owner := rawPubkey(1)

	account, err := ParseDepositAccount(legacyAccount(owner, 5000))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if account.Owner != base58.Encode(owner) {
		t.Fatalf("owner = %s", account.Owner)
	}
	if account.Mint != SOLMint {
		t.Fatalf("mint = %s, want SOL for legacy layout", account.Mint)
	}
	if account.DepositCode != "" {
		t.Fatalf("deposit code = %q, want empty", account.DepositCode)
	}
	if account.Balance != 5000 {
		t.Fatalf("balance = %d, want 5000", account.Balance)
	}
}

func TestParseDepositAccountV2(t *testing.T) {
	owner, mint := rawPubkey(1), rawPubkey(100)

	account, err := ParseDepositAccount(v2Account(owner, mint, 123456))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if account.Mint != base58.Encode(mint) {
		t.Fatalf("mint = %s", account.Mint)
	}
	if account.DepositCode != "" {
		t.Fatalf("deposit code = %q, want empty", account.DepositCode)
	}
	if account.Balance != 123456 {
		t.Fatalf("balance = %d, want 123456", account.Balance)
	}
}

func TestParseDepositAccountV3(t *testing.T) {
	owner, mint := rawPubkey(1), rawPubkey(100)

	account, err := ParseDepositAccount(v3Account(owner, mint, "AB12CD", 42))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// The code field is zero-padded to 8 bytes on chain.
	if account.DepositCode != "AB12CD" {
		t.Fatalf("deposit code = %q, want AB12CD", account.DepositCode)
	}
	if account.Balance != 42 {
		t.Fatalf("balance = %d, want 42", account.Balance)
	}
}

func TestParseDepositAccountRejectsShortData(t *testing.T) {
	if _, err := ParseDepositAccount(make([]byte, legacySize-1)); err == nil {
		t.Fatal("expected error for short data")
	}
}

func TestParseDepositAccountRejectsWrongDiscriminator(t *testing.T) {
	data := legacyAccount(rawPubkey(1), 100)
	data[0] ^= 0xff

	if _, err := ParseDepositAccount(data); err == nil {
		t.Fatal("expected error for wrong discriminator")
	}
}

func TestParseDepositAccountRejectsOverflowBalance(t *testing.T) {
	data := legacyAccount(rawPubkey(1), 1<<63)

	_, err := ParseDepositAccount(data)
	if err == nil {
		t.Fatal("expected error for balance above signed range")
	}
	if !strings.Contains(err.Error(), "storable range") {
		t.Fatalf("error = %v", err)
	}
}

func TestParseDepositAccountOddLength(t *testing.T) {
	// Between layout sizes: parse as the largest layout that fits.
	owner, mint := rawPubkey(1), rawPubkey(100)
	data := append(v2Account(owner, mint, 777), 0, 0, 0)

	account, err := ParseDepositAccount(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if account.Balance != 777 {
		t.Fatalf("balance = %d, want 777", account.Balance)
	}
}
