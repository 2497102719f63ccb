package gateway

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"classbridge/internal/registry"
	"classbridge/internal/relay"
	"classbridge/pkg/interfaces"
)

// WebSocket upgrader with production-ready settings
// ARCHITECTURAL DISCOVERY: Separate upgrader configuration enables reuse
// and consistent WebSocket settings across different handler instances
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins; the auth state machine is the trust boundary,
		// production deployments should still restrict origins upstream.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Options tune per-connection transport behavior.
type Options struct {
	PingInterval    time.Duration // keepalive ping cadence
	PongWait        time.Duration // explicit deadline for answering a ping
	WriteTimeout    time.Duration // per-frame write deadline
	BufferSize      int           // outbound frame buffer per connection
	SignalRateLimit int           // signaling frames per minute per sender
}

// DefaultOptions returns production transport settings. The pong deadline
// is armed per ping, so a dead connection is detected within
// PingInterval+PongWait rather than on the next tick.
func DefaultOptions() Options {
	return Options{
		PingInterval:    30 * time.Second,
		PongWait:        10 * time.Second,
		WriteTimeout:    5 * time.Second,
		BufferSize:      100,
		SignalRateLimit: 120,
	}
}

// Handler terminates WebSocket connections, drives the per-connection
// authentication state machine and orchestrates the registry (local
// delivery) and the relay (cross-instance delivery plus replication).
type Handler struct {
	registry  *registry.Registry
	relay     *relay.Relay
	tokens    interfaces.TokenVerifier
	directory interfaces.Directory
	settings  interfaces.SettingsProvider
	limiter   *RateLimiter
	opts      Options
}

// NewHandler creates the protocol gateway handler with its dependencies.
func NewHandler(reg *registry.Registry, rel *relay.Relay, tokens interfaces.TokenVerifier, directory interfaces.Directory, settings interfaces.SettingsProvider, opts Options) *Handler {
	return &Handler{
		registry:  reg,
		relay:     rel,
		tokens:    tokens,
		directory: directory,
		settings:  settings,
		limiter:   NewRateLimiter(opts.SignalRateLimit),
		opts:      opts,
	}
}

// HandleWebSocket upgrades the request and starts the connection lifecycle.
// Routing guarantees this only runs for the /ws path; anything else is
// rejected with a 404 before the upgrade.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade failed: %v", err)
		return
	}

	conn := NewConn(ws, h.opts.BufferSize, h.opts.WriteTimeout)
	h.registry.Register(conn)

	go h.handleConnection(conn)
}

// handleConnection owns one connection's lifecycle: keepalive, the read
// loop and teardown. Registry removal happens in the same deferred path
// that stops the timers, so no dangling index entries survive a close.
func (h *Handler) handleConnection(conn *Conn) {
	keepalive := newKeepalive(conn, h.opts.PingInterval, h.opts.PongWait)

	defer func() {
		keepalive.stop()
		h.registry.Remove(conn)
		_ = conn.Close()
	}()

	// Generous read deadline as a backstop; the per-ping pong deadline is
	// the primary liveness check.
	readWait := 2 * (h.opts.PingInterval + h.opts.PongWait)
	if err := conn.ws.SetReadDeadline(time.Now().Add(readWait)); err != nil {
		return
	}
	conn.ws.SetPongHandler(func(string) error {
		keepalive.pongReceived()
		return conn.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	keepalive.start()

	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("gateway: read error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.handleMessage(conn, data)
	}
}

// keepalive sends periodic pings and arms an explicit per-ping deadline.
// An unanswered ping terminates the connection when its deadline fires,
// bounding dead-connection detection at PingInterval+PongWait.
type keepalive struct {
	conn     *Conn
	interval time.Duration
	wait     time.Duration
	ticker   *time.Ticker
	done     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	pongTimer *time.Timer
}

func newKeepalive(conn *Conn, interval, wait time.Duration) *keepalive {
	return &keepalive{
		conn:     conn,
		interval: interval,
		wait:     wait,
		done:     make(chan struct{}),
	}
}

func (k *keepalive) start() {
	k.ticker = time.NewTicker(k.interval)
	go func() {
		for {
			select {
			case <-k.ticker.C:
				k.ping()
			case <-k.done:
				return
			}
		}
	}()
}

// ping sends a control ping and arms the pong deadline. If a previous ping
// is still unacknowledged its timer is already running; arming is skipped
// so the earlier, tighter deadline stands.
func (k *keepalive) ping() {
	if err := k.conn.ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(k.wait)); err != nil {
		_ = k.conn.Close()
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.pongTimer != nil {
		return
	}
	k.pongTimer = time.AfterFunc(k.wait, func() {
		log.Printf("gateway: connection failed to answer ping within %v, terminating", k.wait)
		_ = k.conn.Close()
	})
}

// pongReceived clears the outstanding deadline.
func (k *keepalive) pongReceived() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.pongTimer != nil {
		k.pongTimer.Stop()
		k.pongTimer = nil
	}
}

// stop tears down the ticker and any armed deadline.
func (k *keepalive) stop() {
	k.stopOnce.Do(func() {
		if k.ticker != nil {
			k.ticker.Stop()
		}
		close(k.done)
	})
	k.pongReceived()
}
