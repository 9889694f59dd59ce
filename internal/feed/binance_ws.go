// Package feed streams market data from the Binance USDT-M futures
// websocket into the ordered event channel the pipeline consumes. One
// combined-stream connection carries closed klines, partial book depth and
// mark-price/funding updates; a watchdog emits staleness transitions when
// the stream goes quiet.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/jlindqvist/perpbot/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	watchdogInterval = 5 * time.Second
)

// Config holds the stream connection parameters.
type Config struct {
	// URL is the combined-stream endpoint, without the streams query.
	URL    string
	Symbol string

	// StaleAfter is how long the stream may be silent before the feed is
	// declared stale and entries are suspended downstream.
	StaleAfter time.Duration

	// Buffer is the event channel capacity.
	Buffer int
}

// Defaults returns the production stream configuration.
func Defaults() Config {
	return Config{
		URL:        "wss://fstream.binance.com/stream",
		StaleAfter: 30 * time.Second,
		Buffer:     256,
	}
}

// Feed owns the websocket connection and the outbound event channel.
type Feed struct {
	cfg    Config
	logger *slog.Logger
	events chan domain.MarketEvent

	// lastMsg is the unix-nano receive time of the most recent message.
	lastMsg atomic.Int64
	stale   atomic.Bool
}

// New creates a Feed for the configured symbol.
func New(cfg Config, logger *slog.Logger) *Feed {
	f := &Feed{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "binance_feed"), slog.String("symbol", cfg.Symbol)),
		events: make(chan domain.MarketEvent, cfg.Buffer),
	}
	f.lastMsg.Store(time.Now().UnixNano())
	return f
}

// Events returns the channel the pipeline consumes. It is closed when Run
// returns.
func (f *Feed) Events() <-chan domain.MarketEvent {
	return f.events
}

// streamURL builds the combined-stream URL for the symbol's klines, partial
// depth and mark price.
func (f *Feed) streamURL() string {
	sym := strings.ToLower(f.cfg.Symbol)
	streams := []string{
		sym + "@kline_5m",
		sym + "@kline_15m",
		sym + "@depth20@100ms",
		sym + "@markPrice",
	}
	return f.cfg.URL + "?streams=" + strings.Join(streams, "/")
}

// Run connects and reads until the context is cancelled, reconnecting with
// exponential backoff on disconnect. The event channel is closed on return.
func (f *Feed) Run(ctx context.Context) error {
	// The channel closes only after the watchdog has stopped emitting.
	defer close(f.events)
	wdDone := make(chan struct{})
	defer func() { <-wdDone }()
	go func() {
		defer close(wdDone)
		f.watchdog(ctx)
	}()

	bo := &backoff.Backoff{
		Min:    time.Second,
		Max:    time.Minute,
		Factor: 2,
		Jitter: true,
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		start := time.Now()
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A connection that held for a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			bo.Reset()
		}

		wait := bo.Duration()
		f.logger.Warn("stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("wait", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (f *Feed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go pingLoop(pingCtx, conn)

	f.logger.Info("stream connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: %w: %v", domain.ErrWSDisconnect, err)
		}

		f.touch(ctx)
		if ev, ok := f.parse(raw); ok {
			f.emit(ctx, ev)
		}
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// touch records message receipt and emits recovery if the feed was stale.
func (f *Feed) touch(ctx context.Context) {
	f.lastMsg.Store(time.Now().UnixNano())
	if f.stale.CompareAndSwap(true, false) {
		f.emit(ctx, domain.MarketEvent{Kind: domain.EventFeedRecovered, At: time.Now()})
		f.logger.Info("feed recovered")
	}
}

// watchdog emits a staleness event when the stream has been silent longer
// than StaleAfter.
func (f *Feed) watchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, f.lastMsg.Load())
			if time.Since(last) < f.cfg.StaleAfter {
				continue
			}
			if f.stale.CompareAndSwap(false, true) {
				f.emit(ctx, domain.MarketEvent{Kind: domain.EventFeedStale, At: time.Now()})
				f.logger.Warn("feed stale", slog.Time("last_message", last))
			}
		}
	}
}

func (f *Feed) emit(ctx context.Context, ev domain.MarketEvent) {
	select {
	case <-ctx.Done():
	case f.events <- ev:
	}
}

// envelope is the combined-stream wrapper.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineMessage struct {
	EventTime int64 `json:"E"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Symbol    string `json:"s"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

type depthMessage struct {
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

type markPriceMessage struct {
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	MarkPrice   string `json:"p"`
	FundingRate string `json:"r"`
	NextFunding int64  `json:"T"`
}

// parse routes a raw combined-stream message to a market event. Unparseable
// messages and still-open klines are dropped.
func (f *Feed) parse(raw []byte) (domain.MarketEvent, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.MarketEvent{}, false
	}

	switch {
	case strings.Contains(env.Stream, "@kline_"):
		return f.parseKline(env.Data)
	case strings.Contains(env.Stream, "@depth"):
		return f.parseDepth(env.Data)
	case strings.Contains(env.Stream, "@markPrice"):
		return f.parseMarkPrice(env.Data)
	}
	return domain.MarketEvent{}, false
}

func (f *Feed) parseKline(data []byte) (domain.MarketEvent, bool) {
	var msg klineMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.MarketEvent{}, false
	}
	if !msg.Kline.Closed {
		return domain.MarketEvent{}, false
	}

	var tf domain.Timeframe
	switch msg.Kline.Interval {
	case "5m":
		tf = domain.Timeframe5m
	case "15m":
		tf = domain.Timeframe15m
	default:
		return domain.MarketEvent{}, false
	}

	at := time.UnixMilli(msg.EventTime)
	return domain.MarketEvent{
		Kind: domain.EventCandleClosed,
		At:   at,
		Candle: &domain.Candle{
			Symbol:    msg.Kline.Symbol,
			Timeframe: tf,
			OpenTime:  time.UnixMilli(msg.Kline.OpenTime),
			CloseTime: time.UnixMilli(msg.Kline.CloseTime),
			Open:      parseF(msg.Kline.Open),
			High:      parseF(msg.Kline.High),
			Low:       parseF(msg.Kline.Low),
			Close:     parseF(msg.Kline.Close),
			Volume:    parseF(msg.Kline.Volume),
		},
	}, true
}

func (f *Feed) parseDepth(data []byte) (domain.MarketEvent, bool) {
	var msg depthMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.MarketEvent{}, false
	}

	at := time.UnixMilli(msg.EventTime)
	snap := &domain.BookSnapshot{
		Symbol:    msg.Symbol,
		UpdatedAt: at,
		Bids:      parseLevels(msg.Bids),
		Asks:      parseLevels(msg.Asks),
	}
	if len(snap.Bids) == 0 && len(snap.Asks) == 0 {
		return domain.MarketEvent{}, false
	}
	return domain.MarketEvent{Kind: domain.EventBookUpdate, At: at, Book: snap}, true
}

func (f *Feed) parseMarkPrice(data []byte) (domain.MarketEvent, bool) {
	var msg markPriceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.MarketEvent{}, false
	}

	at := time.UnixMilli(msg.EventTime)
	return domain.MarketEvent{
		Kind: domain.EventFundingUpdate,
		At:   at,
		Funding: &domain.FundingRate{
			Symbol:      msg.Symbol,
			Rate:        parseF(msg.FundingRate),
			MarkPrice:   parseF(msg.MarkPrice),
			NextFunding: time.UnixMilli(msg.NextFunding),
			UpdatedAt:   at,
		},
	}, true
}

func parseLevels(raw [][2]string) []domain.BookLevel {
	levels := make([]domain.BookLevel, 0, len(raw))
	for _, l := range raw {
		levels = append(levels, domain.BookLevel{
			Price: parseF(l[0]),
			Qty:   parseF(l[1]),
		})
	}
	return levels
}

func parseF(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
