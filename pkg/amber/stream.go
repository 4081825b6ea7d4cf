package amber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/log"
	"github.com/tariffpilot/tariffpilot/pkg/types"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/levenlabs/go-lflag"
)

const (
	// application-level heartbeat
	pingPeriod  = 30 * time.Second
	pongTimeout = 10 * time.Second

	// how long without any inbound frame before we log, without disconnecting
	quietLogInterval = 120 * time.Second

	subscribeAckTimeout = 15 * time.Second

	// DefaultMaxAge is how old cached stream prices may be before readers
	// must treat them as absent.
	DefaultMaxAge = 60 * time.Second

	// DefaultCooldown is the minimum gap between OnUpdate invocations.
	DefaultCooldown = 60 * time.Second
)

// StreamConfig configures a Stream.
type StreamConfig struct {
	URL    string
	Token  string
	SiteID string

	// OnUpdate is invoked with the latest normalized prices after each cache
	// update, at most once per cooldown. It must not block.
	OnUpdate func(ctx context.Context, prices []types.PriceInterval)

	// MaxAge and Cooldown default to DefaultMaxAge and DefaultCooldown.
	MaxAge   time.Duration
	Cooldown time.Duration
}

// StreamHealth is a diagnostic snapshot of the stream.
type StreamHealth struct {
	Status        string  `json:"status"`
	Connected     bool    `json:"connected"`
	AgeSeconds    float64 `json:"ageSeconds"`
	MessageCount  int64   `json:"messageCount"`
	ErrorCount    int64   `json:"errorCount"`
	LastError     string  `json:"lastError,omitempty"`
	HasCachedData bool    `json:"hasCachedData"`
}

// Stream maintains a persistent WebSocket subscription to the live price
// feed and caches the most recent current-period prices. All accessors are
// non-blocking; network failures only ever degrade to "no cached data".
type Stream struct {
	cfg StreamConfig

	mu           sync.Mutex
	cached       []types.PriceInterval
	lastUpdate   time.Time
	staleWarned  bool
	lastCallback time.Time

	statusMu     sync.Mutex
	connected    bool
	messageCount int64
	errorCount   int64
	lastError    string
}

// NewStream returns a Stream; call Run to start it.
func NewStream(cfg StreamConfig) *Stream {
	if cfg.MaxAge == 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &Stream{cfg: cfg}
}

// ConfiguredStream sets up flags for the live price stream and returns the
// instance. The stream is only started when a URL is configured.
func ConfiguredStream() *Stream {
	s := &Stream{}
	wsURL := lflag.String("amber-ws-url", "wss://api.amber.com.au/v1/live", "URL for the Amber live price WebSocket")
	lflag.Do(func() {
		s.cfg.URL = *wsURL
		if s.cfg.MaxAge == 0 {
			s.cfg.MaxAge = DefaultMaxAge
		}
		if s.cfg.Cooldown == 0 {
			s.cfg.Cooldown = DefaultCooldown
		}
	})
	return s
}

// SetCredentials points the stream at a site. Must be called before Run.
func (s *Stream) SetCredentials(token, siteID string) {
	s.cfg.Token = token
	s.cfg.SiteID = siteID
}

// SetOnUpdate sets the cooldown-debounced update callback. Must be called
// before Run.
func (s *Stream) SetOnUpdate(fn func(ctx context.Context, prices []types.PriceInterval)) {
	s.cfg.OnUpdate = fn
}

// Run connects and reconnects until ctx is canceled. Reconnects back off
// exponentially from 1s to 60s and reset after a successful subscription.
func (s *Stream) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		subscribed, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.recordError(err)
			if isCleanClose(err) {
				log.Ctx(ctx).DebugContext(ctx, "price stream closed cleanly, reconnecting")
			} else {
				log.Ctx(ctx).WarnContext(ctx, "price stream disconnected", slog.Any("error", err))
			}
		}
		if subscribed {
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// session runs a single connect-subscribe-read cycle. It returns whether the
// subscription was acknowledged, which callers use to reset backoff.
func (s *Stream) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return false, fmt.Errorf("failed to dial %s: %w", s.cfg.URL, err)
	}
	defer conn.Close()
	s.setConnected(true)
	defer s.setConnected(false)

	// close the connection when the context ends so the blocked read returns
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	if err := s.subscribe(conn); err != nil {
		return false, err
	}
	log.Ctx(ctx).InfoContext(ctx, "subscribed to price stream", slog.String("siteID", s.cfg.SiteID))

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingPeriod + pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pingPeriod + pongTimeout))

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(conn, pingDone)

	lastFrame := time.Now()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if since := time.Since(lastFrame); since > quietLogInterval {
			log.Ctx(ctx).InfoContext(ctx, "price stream resumed after quiet period", slog.Duration("quiet", since))
		}
		lastFrame = time.Now()
		s.handleFrame(ctx, msg)
	}
}

func (s *Stream) subscribe(conn *websocket.Conn) error {
	sub := streamFrame{
		Service: "live-prices",
		Action:  "subscribe",
		Data:    &streamData{SiteID: s.cfg.SiteID},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("failed to send subscribe: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(subscribeAckTimeout))
	var ack streamFrame
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("failed to read subscribe ack: %w", err)
	}
	if ack.Action != "subscribe" || ack.Status != http.StatusOK {
		return fmt.Errorf("subscribe rejected: action=%s status=%d", ack.Action, ack.Status)
	}
	return nil
}

func (s *Stream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongTimeout)); err != nil {
				// the read loop will notice the dead connection
				return
			}
		}
	}
}

func (s *Stream) handleFrame(ctx context.Context, msg []byte) {
	var frame streamFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		s.recordError(fmt.Errorf("failed to parse stream frame: %w", err))
		log.Ctx(ctx).WarnContext(ctx, "ignoring unparseable stream frame", slog.Any("error", err))
		return
	}
	s.statusMu.Lock()
	s.messageCount++
	s.statusMu.Unlock()

	if frame.Action != "price-update" || frame.Data == nil || len(frame.Data.Prices) == 0 {
		return
	}

	prices := NormalizeIntervals(frame.Data.Prices)

	s.mu.Lock()
	s.cached = prices
	s.lastUpdate = time.Now()
	s.staleWarned = false
	fire := s.cfg.OnUpdate != nil && time.Since(s.lastCallback) >= s.cfg.Cooldown
	if fire {
		s.lastCallback = time.Now()
	}
	s.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "price stream update", slog.Int("prices", len(prices)))
	if fire {
		s.cfg.OnUpdate(ctx, prices)
	}
}

// GetLatestPrices returns a snapshot of the cached prices, or nil when
// nothing has arrived within maxAge (0 uses the configured default).
func (s *Stream) GetLatestPrices(maxAge time.Duration) []types.PriceInterval {
	if maxAge == 0 {
		maxAge = s.cfg.MaxAge
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastUpdate.IsZero() {
		return nil
	}
	if age := time.Since(s.lastUpdate); age > maxAge {
		if !s.staleWarned {
			s.staleWarned = true
			log.Ctx(context.Background()).Warn("cached stream prices are stale", slog.Duration("age", age))
		}
		return nil
	}
	out := make([]types.PriceInterval, len(s.cached))
	copy(out, s.cached)
	return out
}

// Health returns a diagnostic snapshot.
func (s *Stream) Health() StreamHealth {
	s.mu.Lock()
	var age float64
	hasData := !s.lastUpdate.IsZero()
	if hasData {
		age = time.Since(s.lastUpdate).Seconds()
	}
	fresh := hasData && time.Since(s.lastUpdate) <= s.cfg.MaxAge
	s.mu.Unlock()

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	status := "disconnected"
	if s.connected {
		status = "connected"
		if !fresh {
			status = "connected_stale"
		}
	}
	return StreamHealth{
		Status:        status,
		Connected:     s.connected,
		AgeSeconds:    age,
		MessageCount:  s.messageCount,
		ErrorCount:    s.errorCount,
		LastError:     s.lastError,
		HasCachedData: fresh,
	}
}

func (s *Stream) setConnected(v bool) {
	s.statusMu.Lock()
	s.connected = v
	s.statusMu.Unlock()
}

func (s *Stream) recordError(err error) {
	s.statusMu.Lock()
	s.errorCount++
	s.lastError = err.Error()
	s.statusMu.Unlock()
}

func isCleanClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}

// streamFrame is the shared shape of all frames on the live price socket.
type streamFrame struct {
	Service string      `json:"service,omitempty"`
	Action  string      `json:"action"`
	Status  int         `json:"status,omitempty"`
	Data    *streamData `json:"data,omitempty"`
}

type streamData struct {
	SiteID string                `json:"siteId"`
	Prices []types.PriceInterval `json:"prices,omitempty"`
}
