package server

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tibzee/classrelay/internal/config"
	"github.com/tibzee/classrelay/internal/events"
	"github.com/tibzee/classrelay/internal/relay"
)

// Client is one WebSocket connection to the relay. Its send channel is
// written and closed only by the hub's dispatcher goroutine.
type Client struct {
	id          relay.ConnID
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	addr        string
	handshake   *events.JoinPayload
	rateLimiter *rateLimiter
	relayCfg    config.RelayConfig
	rateLimit   config.RateLimitConfig
	logger      *slog.Logger
}

// NewClient creates a Client with a fresh connection id for conn, sized and
// limited according to the hub's configuration.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.Relay.MaxMessageSize)
	}

	id := relay.ConnID(uuid.NewString())
	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, cfg.Relay.SendBuffer),
		hub:         hub,
		addr:        addr,
		rateLimiter: newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		relayCfg:    cfg.Relay,
		rateLimit:   cfg.RateLimit,
		logger:      hub.logger.With("conn_id", string(id), "addr", addr),
	}
}

// ID returns the connection id the registry knows this client by.
func (c *Client) ID() relay.ConnID {
	return c.id
}

// GetSendChan returns the client's outgoing frames.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// announceOnConnect makes the hub announce the client as soon as it is
// registered, for clients that pass their identity as query parameters.
func (c *Client) announceOnConnect(p events.JoinPayload) {
	c.handshake = &p
}

func (c *Client) setupReadConnection() {
	pongWait := c.relayCfg.PongWait
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("set initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("set read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// handleReadError logs err by kind and reports whether the read loop should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.logger.Warn("frame exceeded maximum size", "max_bytes", c.relayCfg.MaxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.logger.Info("client disconnected", "reason", err)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.logger.Info("client connection closed", "reason", err)
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.logger.Warn("unexpected websocket close", "error", err)
		return true
	}

	c.logger.Warn("websocket read error", "error", err)
	return true
}

func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Warn("rate limit exceeded; discarding frame",
			"burst", c.rateLimit.Burst,
			"refill_interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// processFrame decodes raw and hands it to the dispatcher. Undecodable
// frames are still forwarded so the hub can account for the drop.
func (c *Client) processFrame(raw []byte) bool {
	env, err := events.Decode(raw)
	if err != nil {
		c.logger.Debug("invalid frame", "error", err)
		return c.hub.submit(inbound{client: c, malformed: true})
	}
	return c.hub.submit(inbound{client: c, env: env})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("close connection in read pump", "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				return
			}
			continue
		}

		if !c.checkRateLimit() {
			continue
		}

		if !c.processFrame(raw) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.relayCfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.send:
		return c.handleFrame(frame, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("close connection in write pump", "error", err)
	}
}

// handleFrame writes one outgoing frame; a closed channel means the hub has
// dropped the client and a close frame is sent instead.
func (c *Client) handleFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.relayCfg.WriteWait)); err != nil {
		c.logger.Warn("set write deadline", "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("write frame", "error", err)
		}
		return false
	}
	return true
}

func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("write close message", "error", err)
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.relayCfg.WriteWait)); err != nil {
		c.logger.Warn("set write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn("write ping", "error", err)
		return false
	}
	return true
}
