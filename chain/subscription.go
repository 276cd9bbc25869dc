// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// AccountUpdate is one push notification from the subscription feed.
type AccountUpdate struct {
	Address string
	Account DepositAccount
}

const (
	// idlePing keeps the connection alive through RPC-provider idle
	// timeouts when no account changes for a while.
	idlePing = 60 * time.Second

	// readLimit bounds a single notification frame. Account data is
	// under 128 bytes base64-encoded; anything near the limit is not
	// ours.
	readLimit = 1 << 20
)

// Subscription is a live accountSubscribe feed over one websocket
// connection. It does not reconnect; the mirror owns the reconnect
// loop and calls Subscribe again with backoff.
type Subscription struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	updates chan AccountUpdate

	mu        sync.Mutex
	readErr   error
	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// SubscriptionConfig holds the parameters for Subscribe.
type SubscriptionConfig struct {
	// WSURL is the websocket RPC endpoint. Required.
	WSURL string

	// Addresses are the deposit accounts to watch. Required, non-empty.
	Addresses []string

	// Dialer overrides the websocket dialer. Nil means the default
	// dialer with a 15 second handshake timeout.
	Dialer *websocket.Dialer

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Subscribe dials the endpoint, subscribes to every address, and
// confirms each subscription before returning. The caller must drain
// Updates until it closes and then call Close.
func Subscribe(ctx context.Context, cfg SubscriptionConfig) (*Subscription, error) {
	if cfg.WSURL == "" {
		return nil, fmt.Errorf("chain: WSURL is required")
	}
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("chain: no addresses to subscribe")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	}

	conn, _, err := dialer.DialContext(ctx, cfg.WSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.WSURL, err)
	}
	conn.SetReadLimit(readLimit)

	sub := &Subscription{
		conn:    conn,
		logger:  logger,
		updates: make(chan AccountUpdate, 16),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	subIDs := make(map[int64]string, len(cfg.Addresses))
	for i, address := range cfg.Addresses {
		request := rpcRequest{
			JSONRPC: "2.0",
			ID:      i + 1,
			Method:  "accountSubscribe",
			Params:  []any{address, rpcOpts},
		}
		if err := conn.WriteJSON(request); err != nil {
			conn.Close()
			return nil, fmt.Errorf("chain: subscribe %s: %w", address, err)
		}

		var confirm struct {
			Result *int64    `json:"result"`
			Error  *rpcError `json:"error"`
		}
		if err := conn.ReadJSON(&confirm); err != nil {
			conn.Close()
			return nil, fmt.Errorf("chain: read subscribe confirmation: %w", err)
		}
		if confirm.Error != nil {
			conn.Close()
			return nil, fmt.Errorf("chain: subscribe %s: rpc error %d: %s",
				address, confirm.Error.Code, confirm.Error.Message)
		}
		if confirm.Result == nil {
			conn.Close()
			return nil, fmt.Errorf("chain: subscribe %s: no subscription id", address)
		}
		subIDs[*confirm.Result] = address
	}
	logger.Info("account subscription established", "accounts", len(subIDs))

	go sub.readLoop(subIDs)
	go sub.pingLoop()
	return sub, nil
}

// Updates delivers push notifications. The channel closes when the
// connection dies; Err then reports why.
func (s *Subscription) Updates() <-chan AccountUpdate {
	return s.updates
}

// Err returns the error that terminated the feed, once Updates has
// closed. A deliberate Close reports nil.
func (s *Subscription) Err() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// Close tears down the connection and waits for the read loop to exit.
// Safe to call with undrained updates still buffered.
func (s *Subscription) Close() error {
	s.shutdown()
	<-s.done
	return nil
}

// shutdown releases anything the read loop may be blocked on.
func (s *Subscription) shutdown() {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.conn.Close()
	})
}

func (s *Subscription) readLoop(subIDs map[int64]string) {
	defer func() {
		s.shutdown()
		close(s.updates)
		close(s.done)
	}()

	for {
		var message struct {
			Method string `json:"method"`
			Params struct {
				Subscription int64 `json:"subscription"`
				Result       struct {
					Value *accountValue `json:"value"`
				} `json:"result"`
			} `json:"params"`
		}
		if err := s.conn.ReadJSON(&message); err != nil {
			s.mu.Lock()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.readErr = err
			}
			s.mu.Unlock()
			return
		}

		if message.Method != "accountNotification" {
			continue
		}
		address, ok := subIDs[message.Params.Subscription]
		if !ok {
			continue
		}
		raw, err := message.Params.Result.Value.decode()
		if err != nil {
			s.logger.Warn("dropping notification with undecodable data", "address", address, "error", err)
			continue
		}
		parsed, err := ParseDepositAccount(raw)
		if err != nil {
			s.logger.Warn("dropping unparseable notification", "address", address, "error", err)
			continue
		}
		select {
		case s.updates <- AccountUpdate{Address: address, Account: parsed}:
		case <-s.quit:
			return
		}
	}
}

func (s *Subscription) pingLoop() {
	ticker := time.NewTicker(idlePing)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			if err != nil {
				s.logger.Debug("keepalive ping failed", "error", err)
				return
			}
		}
	}
}
