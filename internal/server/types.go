package server

import (
	"strings"

	"github.com/tibzee/classrelay/internal/events"
)

// inbound is a frame read from a client, handed to the dispatcher.
type inbound struct {
	client    *Client
	env       events.Envelope
	malformed bool
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections int            `json:"connections"`
	Announced   int            `json:"announced"`
	Rooms       map[string]int `json:"rooms"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
