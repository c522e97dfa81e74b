// Package realtime is a websocket client for the server's realtime channels.
//
// Frames on the wire are JSON packets {"type": ..., "data": ...}. Inbound
// packets are dispatched by type to handlers, one at a time on the read
// goroutine, so a channel's delivery order is preserved.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/metrics"
	"github.com/matheus3301/msync/internal/status"
	"go.uber.org/zap"
)

// Packet types with built-in meaning.
const (
	TypeMessage = "message"
	TypePing    = "ping"
	TypePong    = "pong"
)

// ErrNotConnected is returned by Send while the channel has no live socket.
var ErrNotConnected = errors.New("realtime: not connected")

// Packet is the wire envelope.
type Packet struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handler receives the data of a packet.
type Handler func(ctx context.Context, data json.RawMessage)

// Options tunes reconnection. MaxAttempts 0 retries forever.
type Options struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (o *Options) applyDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
}

type handlerEntry struct {
	id int
	h  Handler
}

// Conn is one realtime channel. It owns a single socket at a time and
// reconnects with exponential backoff until stopped.
type Conn struct {
	name   string
	url    string
	header http.Header
	opts   Options
	dialer *websocket.Dialer
	state  *status.Machine
	logger *zap.Logger

	hmu      sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   int

	// wmu serializes writes; gorilla allows one concurrent writer.
	wmu  sync.Mutex
	ws   *websocket.Conn
	wsMu sync.RWMutex

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a channel. header is sent on every dial (e.g. Authorization).
func New(name, url string, header http.Header, opts Options, b *bus.Bus, logger *zap.Logger) *Conn {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		name:     name,
		url:      url,
		header:   header,
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:    status.NewMachine(name, b),
		logger:   logger.With(zap.String("channel", name)),
		handlers: make(map[string][]handlerEntry),
	}
}

// Name returns the channel name.
func (c *Conn) Name() string { return c.name }

// State returns the current connection state.
func (c *Conn) State() status.State { return c.state.Current() }

// Since returns when the current state was entered.
func (c *Conn) Since() time.Time { return c.state.Since() }

// On registers h for packets of the given type and returns a func that
// removes it.
func (c *Conn) On(packetType string, h Handler) (unsubscribe func()) {
	c.hmu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[packetType] = append(c.handlers[packetType], handlerEntry{id: id, h: h})
	c.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.hmu.Lock()
			defer c.hmu.Unlock()
			hs := c.handlers[packetType]
			for i, e := range hs {
				if e.id == id {
					c.handlers[packetType] = append(hs[:i:i], hs[i+1:]...)
					return
				}
			}
		})
	}
}

// Start begins connecting in the background. It returns immediately; state
// changes are published on the bus.
func (c *Conn) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop closes the socket, stops reconnecting and waits for the read loop.
func (c *Conn) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.transition(status.Closed)
}

// Send wraps v in a "message" packet and writes it.
func (c *Conn) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s packet: %w", TypeMessage, err)
	}
	return c.SendRaw(ctx, Packet{Type: TypeMessage, Data: data})
}

// SendRaw writes v as a JSON frame as-is.
func (c *Conn) SendRaw(ctx context.Context, v any) error {
	c.wsMu.RLock()
	ws := c.ws
	c.wsMu.RUnlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(v); err != nil {
		return fmt.Errorf("%s write: %w", c.name, err)
	}
	return nil
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	for {
		c.transition(status.Connecting)
		ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err == nil {
			attempt = 0
			c.logger.Info("realtime connected", zap.String("url", c.url))
			err = c.serve(ctx, ws)
		}
		if ctx.Err() != nil {
			return
		}
		if c.opts.MaxAttempts > 0 && attempt >= c.opts.MaxAttempts {
			c.logger.Error("realtime giving up", zap.Int("attempts", attempt), zap.Error(err))
			c.transition(status.Disconnected)
			return
		}

		delay := c.backoff(attempt)
		attempt++
		c.transition(status.Reconnecting)
		metrics.RealtimeReconnects.WithLabelValues(c.name).Inc()
		c.logger.Warn("realtime connection lost, reconnecting",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// backoff is base*2^attempt plus up to half a base of jitter, capped at max.
func (c *Conn) backoff(attempt int) time.Duration {
	jitter := rand.Float64() * float64(c.opts.BaseDelay) * 0.5
	d := float64(c.opts.BaseDelay)*math.Pow(2, float64(attempt)) + jitter
	return time.Duration(math.Min(d, float64(c.opts.MaxDelay)))
}

// serve owns ws until it fails or ctx ends.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	c.wsMu.Lock()
	c.ws = ws
	c.wsMu.Unlock()
	c.transition(status.Connected)
	metrics.RealtimeConnected.WithLabelValues(c.name).Set(1)

	defer func() {
		c.wsMu.Lock()
		c.ws = nil
		c.wsMu.Unlock()
		_ = ws.Close()
		metrics.RealtimeConnected.WithLabelValues(c.name).Set(0)
	}()

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var p Packet
		if err := json.Unmarshal(frame, &p); err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(frame)))
			continue
		}
		if p.Type == TypePing {
			if err := c.SendRaw(ctx, Packet{Type: TypePong}); err != nil {
				c.logger.Debug("pong failed", zap.Error(err))
			}
			continue
		}
		c.dispatch(ctx, p)
	}
}

func (c *Conn) dispatch(ctx context.Context, p Packet) {
	c.hmu.RLock()
	hs := append([]handlerEntry(nil), c.handlers[p.Type]...)
	c.hmu.RUnlock()

	if len(hs) == 0 {
		c.logger.Debug("no handler for packet", zap.String("type", p.Type))
		return
	}
	for _, e := range hs {
		c.call(ctx, p, e.h)
	}
}

func (c *Conn) call(ctx context.Context, p Packet, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("packet handler panicked", zap.String("type", p.Type), zap.Any("panic", r))
		}
	}()
	h(ctx, p.Data)
}

func (c *Conn) transition(to status.State) {
	if c.state.Current() == to {
		return
	}
	if err := c.state.Transition(to); err != nil {
		c.logger.Debug("state transition skipped", zap.Error(err))
	}
}
