// ws.go implements the Bitbank public realtime ticker feed.
//
// Bitbank's stream speaks socket.io over a websocket: the server opens with
// an engine.io handshake ("0{...}"), the client joins the default namespace
// ("40"), then subscribes to a room ("42[\"join-room\",\"ticker_btc_jpy\"]").
// Ticker messages arrive as 42["message",{...}] frames; engine.io pings
// ("2") are answered with pongs ("3").
//
// The feed keeps only the most recent ticker. It is an optional freshness
// optimization: REST polling remains the source of truth, and consumers fall
// back to it whenever the cached ticker is stale or absent.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bitbank-bot/pkg/types"
)

const (
	wsReadTimeout      = 90 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsMaxReconnectWait = 30 * time.Second
	tickerStaleAfter   = 30 * time.Second
)

// TickerFeed maintains the realtime ticker mirror for one pair.
type TickerFeed struct {
	url  string
	pair string

	mu        sync.RWMutex
	latest    types.Ticker
	updatedAt time.Time

	logger *slog.Logger
}

// NewTickerFeed creates a feed for the given stream URL and pair.
func NewTickerFeed(url, pair string, logger *slog.Logger) *TickerFeed {
	return &TickerFeed{
		url:    url,
		pair:   pair,
		logger: logger.With("component", "ws_ticker", "pair", pair),
	}
}

// Latest returns the most recent ticker, or false if none has arrived or
// the last one is older than the staleness window.
func (tf *TickerFeed) Latest() (types.Ticker, bool) {
	tf.mu.RLock()
	defer tf.mu.RUnlock()

	if tf.updatedAt.IsZero() || time.Since(tf.updatedAt) > tickerStaleAfter {
		return types.Ticker{}, false
	}
	return tf.latest, true
}

// Run connects and maintains the stream with auto-reconnect.
// Blocks until ctx is cancelled.
func (tf *TickerFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := tf.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		tf.logger.Warn("realtime feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

func (tf *TickerFeed) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, tf.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Close the connection when ctx is cancelled so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	room := "ticker_" + tf.pair
	joined := false

	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		msg := string(raw)

		switch {
		case strings.HasPrefix(msg, "0"): // engine.io handshake
			if err := tf.write(conn, "40"); err != nil {
				return err
			}
		case msg == "2": // engine.io ping
			if err := tf.write(conn, "3"); err != nil {
				return err
			}
		case strings.HasPrefix(msg, "40"): // namespace joined
			if !joined {
				sub := fmt.Sprintf(`42["join-room",%q]`, room)
				if err := tf.write(conn, sub); err != nil {
					return err
				}
				joined = true
				tf.logger.Info("realtime feed subscribed", "room", room)
			}
		case strings.HasPrefix(msg, "42"):
			tf.handleEvent(raw[2:], room)
		}
	}
}

func (tf *TickerFeed) write(conn *websocket.Conn, msg string) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// handleEvent parses one socket.io event frame and updates the cached
// ticker if it belongs to our room.
func (tf *TickerFeed) handleEvent(payload []byte, room string) {
	var frame []json.RawMessage
	if err := json.Unmarshal(payload, &frame); err != nil || len(frame) < 2 {
		return
	}

	var event struct {
		RoomName string `json:"room_name"`
		Message  struct {
			Data struct {
				Sell      string `json:"sell"`
				Buy       string `json:"buy"`
				Last      string `json:"last"`
				Vol       string `json:"vol"`
				Timestamp int64  `json:"timestamp"`
			} `json:"data"`
		} `json:"message"`
	}
	if err := json.Unmarshal(frame[1], &event); err != nil {
		return
	}
	if event.RoomName != room {
		return
	}

	d := event.Message.Data
	tf.mu.Lock()
	tf.latest = types.Ticker{
		Last:      f(d.Last),
		Bid:       f(d.Buy),
		Sell:      f(d.Sell),
		Volume:    f(d.Vol),
		Timestamp: time.UnixMilli(d.Timestamp),
	}
	tf.updatedAt = time.Now()
	tf.mu.Unlock()
}
