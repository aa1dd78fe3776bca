// Package tap publishes a record of every event the relay handles so that
// other services can observe real-time traffic. The relay itself never reads
// these records back.
package tap

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Outcome of a routed event.
const (
	OutcomeDelivered = "delivered"
	OutcomeDropped   = "dropped"
	OutcomeAnnounced = "announced"
)

// Record describes one handled inbound event.
type Record struct {
	ConnID     string    `json:"conn_id"`
	UserID     string    `json:"user_id,omitempty"`
	ClassID    string    `json:"class_id,omitempty"`
	Event      string    `json:"event"`
	Outcome    string    `json:"outcome"`
	Recipients int       `json:"recipients"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher receives routing records. Publish must not block the caller for
// long: it runs on the relay's dispatcher goroutine.
type Publisher interface {
	Publish(rec Record)
	Close() error
}

// Nop discards every record.
type Nop struct{}

// Publish ignores the record.
func (Nop) Publish(Record) {}

// Close does nothing and returns nil.
func (Nop) Close() error { return nil }

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes records as JSON on
// <prefix>.<event>.<class id>, using "_" when the class is unknown.
type NATSPublisher struct {
	conn   natsConn
	prefix string
	logger *slog.Logger
}

// Connect dials the NATS server at url.
func Connect(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("classrelay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return newNATSPublisher(conn, prefix, logger), nil
}

func newNATSPublisher(conn natsConn, prefix string, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Publish sends rec. Failures are logged; the relay keeps routing.
func (p *NATSPublisher) Publish(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		p.logger.Error("encode tap record", "error", err)
		return
	}
	subject := Subject(p.prefix, rec)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("publish tap record", "subject", subject, "error", err)
	}
}

// Close drains pending publications and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// Subject returns the NATS subject a record is published on.
func Subject(prefix string, rec Record) string {
	return prefix + "." + token(rec.Event) + "." + token(rec.ClassID)
}

// token makes s safe to use as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
