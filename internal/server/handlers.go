package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tibzee/classrelay/internal/events"
)

// newUpgrader builds the WebSocket upgrader for h's origin policy.
func newUpgrader(policy *originPolicy) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     policy.checkOrigin,
	}
}

// WebSocketHandler upgrades GET requests to relay connections. When the
// request carries userType and userId query parameters (classId optional),
// the connection is announced as soon as it is registered.
func (h *Hub) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, h, r.RemoteAddr)
	if join, ok := handshakeJoin(r); ok {
		client.announceOnConnect(join)
	}

	if !h.Register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
	}
}

func handshakeJoin(r *http.Request) (events.JoinPayload, bool) {
	q := r.URL.Query()
	join := events.JoinPayload{
		UserType: q.Get("userType"),
		UserID:   q.Get("userId"),
		ClassID:  q.Get("classId"),
	}
	if join.UserType == "" || join.UserID == "" {
		return events.JoinPayload{}, false
	}
	return join, true
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Class relay is running!")
}

// StatsHandler reports connection and room counts as JSON.
func (h *Hub) StatsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	stats, err := h.Stats(ctx)
	if err != nil {
		http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		h.logger.Warn("write stats response", "error", err)
	}
}

// TestPageHandler serves an HTML page for exercising the relay protocol by hand.
func (h *Hub) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		h.logger.Warn("write test page", "error", err)
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Class Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input, select { padding: 5px; margin-right: 6px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
    </style>
</head>
<body>
    <h1>Class Relay Test</h1>

    <div>
        <select id="userType"><option>teacher</option><option>parent</option></select>
        <input id="userId" placeholder="user id">
        <input id="classId" placeholder="class id">
        <button onclick="connect()">Connect &amp; join</button>
    </div>
    <div style="margin-top: 8px">
        <select id="event">
            <option>new_message</option>
            <option>new_post</option>
            <option>new_transaction</option>
        </select>
        <input id="data" size="60" value='{"classId":"","message":{"content":"hello"}}'>
        <button onclick="sendEvent()">Send</button>
    </div>

    <div id="log"></div>

    <script>
        let ws = null;
        const logDiv = document.getElementById('log');

        function log(text) {
            const line = document.createElement('div');
            line.textContent = text;
            logDiv.appendChild(line);
            logDiv.scrollTop = logDiv.scrollHeight;
        }

        function connect() {
            if (ws) { ws.close(); }
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = function() {
                const data = {
                    userType: document.getElementById('userType').value,
                    userId: document.getElementById('userId').value,
                    classId: document.getElementById('classId').value
                };
                ws.send(JSON.stringify({ event: 'join', data: data }));
                log('joined ' + JSON.stringify(data));
            };
            ws.onmessage = function(e) { log('<- ' + e.data); };
            ws.onclose = function() { log('connection closed'); ws = null; };
        }

        function sendEvent() {
            if (!ws || ws.readyState !== WebSocket.OPEN) { log('not connected'); return; }
            const frame = JSON.stringify({
                event: document.getElementById('event').value,
                data: JSON.parse(document.getElementById('data').value)
            });
            ws.send(frame);
            log('-> ' + frame);
        }
    </script>
</body>
</html>`
