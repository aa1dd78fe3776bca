package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tibzee/classrelay/internal/config"
	"github.com/tibzee/classrelay/internal/relay"
	"github.com/tibzee/classrelay/internal/tap"
)

// Hub owns the relay registry and every client's send channel. Run is the
// only goroutine that reads or writes either of them.
type Hub struct {
	cfg        config.Config
	logger     *slog.Logger
	tap        tap.Publisher
	upgrader   websocket.Upgrader
	registry   *relay.Registry
	clients    map[relay.ConnID]*Client
	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	stats      chan chan Stats
	wg         sync.WaitGroup
	running    atomic.Bool
	tapOnce    sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	now        func() time.Time
}

// NewHub creates a hub for cfg. A nil publisher disables the event tap.
func NewHub(cfg config.Config, logger *slog.Logger, publisher tap.Publisher) *Hub {
	if publisher == nil {
		publisher = tap.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        cfg,
		logger:     logger,
		tap:        publisher,
		upgrader:   newUpgrader(newOriginPolicy(cfg.Server.AllowedOrigins, logger)),
		registry:   relay.NewRegistry(),
		clients:    make(map[relay.ConnID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		stats:      make(chan chan Stats),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// Register hands a freshly upgraded client to the dispatcher, which starts
// its pumps. It returns false if the hub is shutting down.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// disconnect is called by a read pump when its transport is gone.
func (h *Hub) disconnect(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// submit forwards a decoded frame to the dispatcher.
func (h *Hub) submit(msg inbound) bool {
	select {
	case h.inbound <- msg:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Stats asks the dispatcher for a snapshot of connections and rooms.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case h.stats <- reply:
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	case <-h.ctx.Done():
		return Stats{}, context.Canceled
	}

	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Run is the dispatcher loop. It returns after Shutdown is called.
func (h *Hub) Run() {
	h.running.Store(true)
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration; skipping")
				continue
			}
			h.attach(client)
			h.startPumps(client)

		case client := <-h.unregister:
			h.detach(client, "disconnected")

		case msg := <-h.inbound:
			h.dispatch(msg)

		case reply := <-h.stats:
			reply <- h.snapshot()
		}
	}
}

// attach records client as connected and applies its handshake identity.
func (h *Hub) attach(client *Client) {
	h.clients[client.id] = client
	h.registry.Connect(client.id)
	h.logger.Info("client registered",
		"conn_id", string(client.id),
		"addr", client.addr,
		"total", len(h.clients))

	if client.handshake != nil {
		h.announce(client, *client.handshake)
	}
}

func (h *Hub) startPumps(client *Client) {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// detach forgets client and closes its send channel, which makes the write
// pump send a close frame. Unknown or already detached clients are ignored.
func (h *Hub) detach(client *Client, reason string) {
	if client == nil {
		return
	}
	current, ok := h.clients[client.id]
	if !ok || current != client {
		return
	}

	delete(h.clients, client.id)
	h.registry.Forget(client.id)
	close(client.send)

	h.logger.Info("client unregistered",
		"conn_id", string(client.id),
		"addr", client.addr,
		"reason", reason,
		"total", len(h.clients))
}

// trySend queues frame for client without blocking the dispatcher.
func (h *Hub) trySend(client *Client, frame []byte) bool {
	select {
	case client.send <- frame:
		return true
	default:
		return false
	}
}

func (h *Hub) snapshot() Stats {
	return Stats{
		Connections: h.registry.Len(),
		Announced:   h.registry.Announced(),
		Rooms:       h.registry.Rooms(),
	}
}

// shutdownClients closes every client connection and its send channel.
func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all client connections")

	count := len(h.clients)
	for _, client := range h.clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.logger.Warn("close client connection", "conn_id", string(client.id), "error", err)
			}
		}
		h.detach(client, "shutdown")
	}

	h.logger.Info("closed client connections", "count", count)
}

// Shutdown stops the dispatcher and waits up to timeout for it and the
// client pumps to exit. The event tap is closed on every path. A hub whose
// Run loop never started returns at once.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	defer h.closeTap()

	if !h.running.Load() {
		h.logger.Info("hub shutdown completed", "running", false)
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
	case <-timer.C:
		h.logger.Warn("hub shutdown timeout reached, dispatcher still running")
		return context.DeadlineExceeded
	}

	pumps := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(pumps)
	}()

	select {
	case <-pumps:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-timer.C:
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

// closeTap drains the event tap once, however many times Shutdown runs.
func (h *Hub) closeTap() {
	h.tapOnce.Do(func() {
		if err := h.tap.Close(); err != nil {
			h.logger.Warn("close event tap", "error", err)
		}
	})
}
