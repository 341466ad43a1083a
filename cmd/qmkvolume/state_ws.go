package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// UIs (and cmd/ws_listen) connect here to watch what the daemon shows on the
// keyboards. Frames are JSON text with an envelope: {type, ts, data}.
//
//   - state_init      sent once on connect, snapshot taken on the event loop
//   - volume_changed  effective volume changes, coalesced latest-wins
//   - display_updated result of each push to the keyboards
//
// Slow clients are disconnected when their send buffer fills.
// ============================================================================

// StateBroadcast is a state change the broadcaster knows how to serialize.
type StateBroadcast interface {
	broadcastType() string
}

// BroadcastVolumeChanged is emitted whenever the aggregator publishes a new effective volume.
type BroadcastVolumeChanged struct {
	Volume EffectiveVolume
	At     time.Time
}

func (BroadcastVolumeChanged) broadcastType() string { return "volume_changed" }

// BroadcastDisplayUpdated is emitted after each attempt to paint the keyboards.
type BroadcastDisplayUpdated struct {
	Result DisplayResult
}

func (BroadcastDisplayUpdated) broadcastType() string { return "display_updated" }

// wsVolumeData is the `data` payload of state_init and volume_changed.
type wsVolumeData struct {
	Volume float32 `json:"volume"`
	Muted  bool    `json:"muted"`
	Valid  bool    `json:"valid"`
	Level  int     `json:"level"`
}

func newWSVolumeData(v EffectiveVolume) wsVolumeData {
	d := wsVolumeData{Volume: v.Volume, Muted: v.Muted, Valid: v.Valid}
	if v.Valid {
		d.Level = LevelFromVolume(v.Volume)
	}
	return d
}

// wsStateInitData is the `data` payload of state_init.
type wsStateInitData struct {
	wsVolumeData
	DefaultSink string `json:"default_sink,omitempty"`
	Instance    string `json:"instance"`
}

// wsDisplayData is the `data` payload of display_updated.
type wsDisplayData struct {
	Level   int    `json:"level"`
	Muted   bool   `json:"muted"`
	Devices int    `json:"devices"`
	Error   string `json:"error,omitempty"`
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func marshalEnvelope(typ string, at time.Time, data any) ([]byte, error) {
	if at.IsZero() {
		at = time.Now()
	}
	ts := at.UTC()
	return json.Marshal(envelope{Type: typ, Ts: &ts, Data: data})
}

// StateSnapshot is what a new client sees first.
type StateSnapshot struct {
	Volume      EffectiveVolume
	DefaultSink string
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size. Zero means 16.
	SendBuf int
	// BroadcastBuf is the hub inbound broadcast queue size. Zero means 64.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = 16
	}
	if cfg.BroadcastBuf <= 0 {
		cfg.BroadcastBuf = 64
	}
	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, cfg.BroadcastBuf),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		clients:    make(map[*Client]struct{}),
		sendBuf:    cfg.SendBuf,
	}
}

// Run processes hub events until ctx is canceled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Debug("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("ws hub stopping")
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client connected", "client", c.id, "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.remove(c, "unregister")

		case msg := <-h.broadcast:
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.remove(c, "slow_client")
			}
		}
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *Hub) remove(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.close()
	h.logger.Info("ws client disconnected", "client", c.id, "reason", reason, "clients", n)
}

// BroadcastBytes enqueues a serialized frame. It never blocks; a full queue drops the frame.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger

	closeOnce sync.Once
}

// NewClient creates a client with a fresh id and a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 16
	if hub != nil {
		sendBuf = hub.sendBuf
	}
	id := uuid.NewString()
	return &Client{
		id:         id,
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger.With("client", id),
	}
}

// close closes the socket and the send queue; writePump exits on the latter.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
	})
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsVolumeCoalesceWindow bounds how often volume_changed frames go out while
// the volume is being dragged.
const wsVolumeCoalesceWindow = 50 * time.Millisecond

func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logPumpExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Debug("ws pump exiting (close)", "pump", pump, "code", code, "reason", text)
		return
	}
	c.logger.Debug("ws pump exiting", "pump", pump, "error", err)
}

// writePump drains the send queue onto the socket and keeps the peer alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logPumpExit("write", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logPumpExit("write", err)
				return
			}
		}
	}
}

// readPump discards inbound frames; it exists to process control frames and
// notice disconnects.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logPumpExit("read", err)
			c.hub.unregister <- c
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

// SnapshotFunc returns the current state. Implementations hop onto the event loop.
type SnapshotFunc func(ctx context.Context) (StateSnapshot, error)

type StateServer struct {
	logger   *slog.Logger
	hub      *Hub
	snapshot SnapshotFunc
	instance string
}

// NewStateServer constructs the state websocket endpoint. Start hub.Run(ctx)
// and RunBroadcaster alongside it.
func NewStateServer(logger *slog.Logger, snapshot SnapshotFunc, instance string, cfg HubConfig) *StateServer {
	return &StateServer{
		logger:   logger,
		hub:      NewHub(logger, cfg),
		snapshot: snapshot,
		instance: instance,
	}
}

func (s *StateServer) Hub() *Hub { return s.hub }

// Register registers the WS handler on mux.
func (s *StateServer) Register(mux *http.ServeMux, path string) {
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	// Local UI only; the listener defaults to loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *StateServer) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// Register before the snapshot so no broadcast between the two is missed.
	s.hub.register <- client

	// The pumps outlive this handler; net/http cancels r.Context() on return.
	go client.writePump()
	go client.readPump()

	if s.snapshot == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	snap, err := s.snapshot(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "client", client.id, "error", err)
		}
		return
	}

	msg, err := marshalEnvelope("state_init", time.Time{}, wsStateInitData{
		wsVolumeData: newWSVolumeData(snap.Volume),
		DefaultSink:  snap.DefaultSink,
		Instance:     s.instance,
	})
	if err != nil {
		s.logger.Warn("ws snapshot marshal failed", "error", err)
		return
	}

	select {
	case client.send <- msg:
	default:
		s.hub.unregister <- client
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster serializes broadcasts from src and fans them out through hub.
//
// volume_changed is rate limited: the latest pending value is flushed at most
// once per wsVolumeCoalesceWindow. Any other broadcast flushes the pending
// volume first so ordering is preserved.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	var (
		pending *BroadcastVolumeChanged
		timer   *time.Timer
		timerC  <-chan time.Time
	)

	emit := func(b StateBroadcast) {
		var (
			msg []byte
			err error
		)
		switch ev := b.(type) {
		case BroadcastVolumeChanged:
			msg, err = marshalEnvelope(ev.broadcastType(), ev.At, newWSVolumeData(ev.Volume))
		case BroadcastDisplayUpdated:
			d := wsDisplayData{Level: ev.Result.Level, Muted: ev.Result.Muted, Devices: ev.Result.Devices}
			if ev.Result.Err != nil {
				d.Error = ev.Result.Err.Error()
			}
			msg, err = marshalEnvelope(ev.broadcastType(), ev.Result.At, d)
		default:
			return
		}
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "type", b.broadcastType(), "error", err)
			return
		}
		hub.BroadcastBytes(msg)
	}

	flush := func() {
		if pending != nil {
			emit(*pending)
			pending = nil
		}
	}

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerC = nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			stopTimer()
			return

		case <-timerC:
			timer, timerC = nil, nil
			if pending != nil {
				flush()
				// Keep the window closed for bursts that are still in progress.
				timer = time.NewTimer(wsVolumeCoalesceWindow)
				timerC = timer.C
			}

		case b, ok := <-src:
			if !ok {
				flush()
				stopTimer()
				logger.Debug("ws broadcaster stopping (source ended)")
				return
			}

			if v, isVol := b.(BroadcastVolumeChanged); isVol {
				if timer == nil {
					// Window open: send now and start the window.
					emit(v)
					timer = time.NewTimer(wsVolumeCoalesceWindow)
					timerC = timer.C
					continue
				}
				pending = &v
				continue
			}

			flush()
			emit(b)
		}
	}
}

// PublishBroadcast hands b to the broadcaster without blocking the caller.
func PublishBroadcast(ch chan<- StateBroadcast, b StateBroadcast) {
	if ch == nil {
		return
	}
	select {
	case ch <- b:
	default:
	}
}
