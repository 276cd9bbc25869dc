// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package mirror keeps the local ledger in sync with on-chain deposit
// accounts. A poll loop and a push subscription feed both funnel into
// the ledger's watermark guard, so overlapping observations of the
// same balance credit at most once.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/tollgate/chain"
	"github.com/bureau-foundation/tollgate/ledger"
	"github.com/bureau-foundation/tollgate/lib/clock"
)

// ChainClient is the query surface the mirror needs from chain.Client.
type ChainClient interface {
	ProgramAccounts(ctx context.Context) ([]chain.ProgramAccount, error)
	AccountInfo(ctx context.Context, address string) (chain.DepositAccount, bool, error)
}

// EventSource is a live push feed, satisfied by chain.Subscription.
type EventSource interface {
	Updates() <-chan chain.AccountUpdate
	Err() error
	Close() error
}

// SubscribeFunc opens a push feed for a set of addresses.
type SubscribeFunc func(ctx context.Context, addresses []string) (EventSource, error)

// Config holds the parameters for New.
type Config struct {
	// Store is the ledger all observations are applied to. Required.
	Store *ledger.Store

	// Client queries the chain. Required.
	Client ChainClient

	// Subscribe opens the push feed. Nil runs poll-only.
	Subscribe SubscribeFunc

	// Clock drives the loops. Required.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger

	// PollInterval is the steady-state poll cadence. Defaults to 5s.
	PollInterval time.Duration

	// MaxBackoff caps the failure backoff for both loops. Defaults
	// to 60s.
	MaxBackoff time.Duration

	// RediscoverEvery is how many polls pass between program-account
	// rescans. Defaults to 6.
	RediscoverEvery int
}

// Mirror bridges on-chain deposit accounts to the local ledger.
type Mirror struct {
	store        *ledger.Store
	client       ChainClient
	subscribe    SubscribeFunc
	clock        clock.Clock
	logger       *slog.Logger
	pollInterval time.Duration
	maxBackoff   time.Duration
	rediscover   int

	mu      sync.Mutex
	watched map[string]struct{}
}

// New validates the config and returns a Mirror. Call Run to start.
func New(cfg Config) (*Mirror, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("mirror: Store is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("mirror: Client is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("mirror: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 60 * time.Second
	}
	rediscover := cfg.RediscoverEvery
	if rediscover <= 0 {
		rediscover = 6
	}
	return &Mirror{
		store:        cfg.Store,
		client:       cfg.Client,
		subscribe:    cfg.Subscribe,
		clock:        cfg.Clock,
		logger:       logger,
		pollInterval: pollInterval,
		maxBackoff:   maxBackoff,
		rediscover:   rediscover,
		watched:      make(map[string]struct{}),
	}, nil
}

// Run discovers existing deposit accounts, then supervises the poll
// loop and (if configured) the subscription loop until ctx is
// cancelled. Chain unavailability degrades to stale local balances;
// Run itself only returns on cancellation.
func (m *Mirror) Run(ctx context.Context) {
	if err := m.discover(ctx); err != nil {
		m.logger.Error("initial discovery failed", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.pollLoop(ctx)
	}()
	if m.subscribe != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.subscriptionLoop(ctx)
		}()
	}
	wg.Wait()
}

// Watched returns a snapshot of the watched account addresses.
func (m *Mirror) Watched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	addresses := make([]string, 0, len(m.watched))
	for address := range m.watched {
		addresses = append(addresses, address)
	}
	return addresses
}

func (m *Mirror) watch(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watched[address]; ok {
		return false
	}
	m.watched[address] = struct{}{}
	return true
}

// discover enumerates the program's deposit accounts, registers them
// as watched, and syncs each.
func (m *Mirror) discover(ctx context.Context) error {
	accounts, err := m.client.ProgramAccounts(ctx)
	if err != nil {
		return fmt.Errorf("mirror: discover: %w", err)
	}
	for _, entry := range accounts {
		if m.watch(entry.Address) {
			m.logger.Info("watching deposit account",
				"address", entry.Address, "owner", entry.Account.Owner)
		}
		m.syncAccount(ctx, entry.Address, entry.Account)
	}
	m.logger.Debug("discovery pass complete", "watched", len(m.Watched()))
	return nil
}

// syncAccount pushes one observed account state through the watermark
// guard and auto-activates a pending binding when a credit lands on an
// account carrying a deposit code.
func (m *Mirror) syncAccount(ctx context.Context, address string, account chain.DepositAccount) {
	applied, err := m.store.CreditToWatermark(ctx, address, account.Owner,
		ledger.Asset(account.Mint), account.Balance,
		ledger.Metadata{Note: "chain sync"})
	if err != nil {
		m.logger.Error("sync failed", "address", address, "error", err)
		return
	}

	if applied > 0 && account.DepositCode != "" {
		binding, activated, err := m.store.ActivateBinding(ctx, account.DepositCode, account.Owner)
		if err != nil {
			m.logger.Error("binding activation failed",
				"deposit_code", account.DepositCode, "error", err)
		} else if activated {
			m.logger.Info("auto-activated binding on deposit",
				"deposit_code", account.DepositCode,
				"principal", binding.Principal)
		}
	}
}

// pollAll re-fetches every watched account. Closed accounts stay
// watched: the watermark keeps their last credited state, and they
// cost one RPC each per cycle. Accounts with corrupt data are skipped
// for the cycle so one bad account cannot stall the rest.
func (m *Mirror) pollAll(ctx context.Context) error {
	for _, address := range m.Watched() {
		account, ok, err := m.client.AccountInfo(ctx, address)
		if err != nil {
			if errors.Is(err, chain.ErrBadAccountData) {
				m.logger.Warn("skipping account this cycle", "address", address, "error", err)
				continue
			}
			return fmt.Errorf("mirror: poll %s: %w", address, err)
		}
		if !ok {
			continue
		}
		m.syncAccount(ctx, address, account)
	}
	return nil
}

func (m *Mirror) pollLoop(ctx context.Context) {
	wait := m.pollInterval
	cycle := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(wait):
		}

		cycle++
		err := func() error {
			if cycle%m.rediscover == 0 {
				if err := m.discover(ctx); err != nil {
					return err
				}
			}
			return m.pollAll(ctx)
		}()
		if err != nil {
			m.logger.Warn("poll cycle failed", "error", err, "backoff", wait)
			wait = min(wait*2, m.maxBackoff)
			continue
		}
		wait = m.pollInterval
	}
}

func (m *Mirror) subscriptionLoop(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		addresses := m.Watched()
		if len(addresses) == 0 {
			// Nothing to subscribe to yet; discovery adds accounts.
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(m.pollInterval):
			}
			continue
		}

		err := m.runSubscription(ctx, addresses)
		if err != nil {
			m.logger.Warn("subscription feed failed", "error", err, "backoff", backoff)
		} else {
			backoff = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(backoff):
		}
		if err != nil {
			backoff = min(backoff*2, m.maxBackoff)
		}
	}
}

// runSubscription consumes one push feed until it dies or the watched
// set grows past what it covers.
func (m *Mirror) runSubscription(ctx context.Context, addresses []string) error {
	source, err := m.subscribe(ctx, addresses)
	if err != nil {
		return err
	}
	defer source.Close()

	covered := len(addresses)
	recheck := m.clock.NewTicker(m.pollInterval)
	defer recheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-recheck.C:
			if len(m.Watched()) > covered {
				// New accounts appeared; reconnect to cover them.
				m.logger.Debug("resubscribing for new accounts")
				return nil
			}
		case update, ok := <-source.Updates():
			if !ok {
				return source.Err()
			}
			m.syncAccount(ctx, update.Address, update.Account)
		}
	}
}
