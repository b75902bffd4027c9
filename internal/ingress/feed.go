// Package ingress streams live source-wallet activity into the copy-trade
// engine.
//
// The feed holds one WebSocket connection to the activity stream,
// subscribed by wallet address. Incoming fills are decoded into TradeEvent
// values and handed to consumers over a buffered channel; when the consumer
// falls behind, events are dropped rather than blocking the read loop. The
// connection auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes to every tracked wallet. A read deadline detects silent
// server failures within ~2 missed pings.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cascadian/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	eventBufferSize  = 256
)

// wireEvent is the activity stream's fill payload.
type wireEvent struct {
	EventType    string  `json:"event_type"`
	ID           string  `json:"id"`
	Wallet       string  `json:"proxy_wallet"`
	TxHash       string  `json:"transaction_hash"`
	BlockNumber  int64   `json:"block_number"`
	Timestamp    int64   `json:"timestamp"` // unix seconds
	ConditionID  string  `json:"condition_id"`
	OutcomeIndex *int    `json:"outcome_index"`
	TokenID      string  `json:"asset"`
	Slug         string  `json:"slug"`
	Side         string  `json:"side"`
	Size         float64 `json:"size"`
	Price        float64 `json:"price"`
}

// subscribeMsg is the subscription frame, sent on connect and on every
// watch-list change.
type subscribeMsg struct {
	Operation string   `json:"operation"` // subscribe | unsubscribe
	Wallets   []string `json:"wallets"`
}

// Feed is the wallet activity WebSocket client.
type Feed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // lowercase wallet addresses

	eventCh chan types.TradeEvent
	logger  *slog.Logger
}

// NewFeed creates a feed watching the given wallets.
func NewFeed(wsURL string, wallets []string, logger *slog.Logger) *Feed {
	subscribed := make(map[string]bool, len(wallets))
	for _, w := range wallets {
		subscribed[strings.ToLower(w)] = true
	}
	return &Feed{
		url:        wsURL,
		subscribed: subscribed,
		eventCh:    make(chan types.TradeEvent, eventBufferSize),
		logger:     logger.With("component", "ingress"),
	}
}

// Events returns the read-only stream of decoded trade events.
func (f *Feed) Events() <-chan types.TradeEvent { return f.eventCh }

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds wallets to the watch set and notifies the server.
func (f *Feed) Subscribe(wallets []string) error {
	lowered := make([]string, len(wallets))
	f.subscribedMu.Lock()
	for i, w := range wallets {
		lowered[i] = strings.ToLower(w)
		f.subscribed[lowered[i]] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(subscribeMsg{Operation: "subscribe", Wallets: lowered})
}

// Unsubscribe removes wallets from the watch set.
func (f *Feed) Unsubscribe(wallets []string) error {
	lowered := make([]string, len(wallets))
	f.subscribedMu.Lock()
	for i, w := range wallets {
		lowered[i] = strings.ToLower(w)
		delete(f.subscribed, lowered[i])
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(subscribeMsg{Operation: "unsubscribe", Wallets: lowered})
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "wallets", f.subscriptionCount())

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) subscriptionCount() int {
	f.subscribedMu.RLock()
	defer f.subscribedMu.RUnlock()
	return len(f.subscribed)
}

func (f *Feed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	wallets := make([]string, 0, len(f.subscribed))
	for w := range f.subscribed {
		wallets = append(wallets, w)
	}
	f.subscribedMu.RUnlock()

	return f.writeJSON(subscribeMsg{Operation: "subscribe", Wallets: wallets})
}

func (f *Feed) dispatchMessage(data []byte) {
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch ev.EventType {
	case "trade":
		decoded, err := decodeTrade(ev)
		if err != nil {
			f.logger.Error("decode trade event", "error", err, "id", ev.ID)
			return
		}
		select {
		case f.eventCh <- decoded:
		default:
			f.logger.Warn("event channel full, dropping event", "id", ev.ID)
		}

	case "new_market", "market_resolved", "comment":
		f.logger.Debug("ignoring event", "type", ev.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", ev.EventType)
	}
}

// decodeTrade maps a wire fill into the canonical TradeEvent shape.
func decodeTrade(ev wireEvent) (types.TradeEvent, error) {
	side := types.Buy
	switch strings.ToUpper(ev.Side) {
	case "BUY":
	case "SELL":
		side = types.Sell
	default:
		return types.TradeEvent{}, fmt.Errorf("unknown side %q", ev.Side)
	}

	outcome := -1
	if ev.OutcomeIndex != nil {
		outcome = *ev.OutcomeIndex
	}

	return types.TradeEvent{
		EventID:      ev.ID,
		Wallet:       strings.ToLower(ev.Wallet),
		TxHash:       ev.TxHash,
		BlockNumber:  ev.BlockNumber,
		Timestamp:    time.Unix(ev.Timestamp, 0).UTC(),
		ConditionID:  strings.ToLower(ev.ConditionID),
		OutcomeIndex: outcome,
		TokenID:      ev.TokenID,
		MarketID:     ev.Slug,
		Side:         side,
		Tokens:       ev.Size,
		USDC:         ev.Size * ev.Price,
		Source:       types.SourceCLOB,
	}, nil
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
