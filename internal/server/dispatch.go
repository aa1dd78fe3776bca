package server

import (
	"encoding/json"

	"github.com/tibzee/classrelay/internal/events"
	"github.com/tibzee/classrelay/internal/relay"
	"github.com/tibzee/classrelay/internal/tap"
)

// dispatch routes one inbound frame. It runs on the dispatcher goroutine.
func (h *Hub) dispatch(msg inbound) {
	client := msg.client
	if client == nil {
		return
	}
	if current, ok := h.clients[client.id]; !ok || current != client {
		return
	}

	if msg.malformed {
		h.drop(client, "", relay.DropMalformed)
		return
	}

	event := msg.env.Event
	switch {
	case event == events.Join:
		h.handleJoin(client, msg.env.Data)
	case events.IsMessage(event):
		h.handleMessage(client, event, msg.env.Data)
	default:
		out, ok := events.ClassBroadcast(event)
		if !ok {
			h.drop(client, event, relay.DropUnknownEvent)
			return
		}
		h.handleClassBroadcast(client, event, out, msg.env.Data)
	}
}

func (h *Hub) handleJoin(client *Client, data json.RawMessage) {
	p, err := events.DecodeJoin(data)
	if err != nil {
		h.logger.Debug("invalid join payload", "conn_id", string(client.id), "error", err)
		h.drop(client, events.Join, relay.DropMalformed)
		return
	}
	h.announce(client, p)
}

func (h *Hub) announce(client *Client, p events.JoinPayload) {
	h.registry.Announce(client.id, relay.Role(p.UserType), p.UserID, p.ClassID)

	h.logger.Info("client announced",
		"conn_id", string(client.id),
		"user_type", p.UserType,
		"user_id", p.UserID,
		"class_id", p.ClassID)

	rec := h.record(client, events.Join)
	rec.Outcome = tap.OutcomeAnnounced
	h.tap.Publish(rec)
}

func (h *Hub) handleMessage(client *Client, event string, data json.RawMessage) {
	p, err := events.DecodeMessage(data)
	if err != nil {
		h.logger.Debug("invalid message payload", "conn_id", string(client.id), "error", err)
		h.drop(client, event, relay.DropMalformed)
		return
	}
	if event == events.SendMessage && !p.Addressed() {
		h.handleClassBroadcast(client, event, events.MessageReceived, data)
		return
	}

	route := h.registry.RouteMessage(client.id, relay.Address{
		ReceiverID: p.ReceiverID,
		ClassID:    p.ClassID,
	})
	h.deliver(client, event, events.MessageReceived, p.Message, route)
}

func (h *Hub) handleClassBroadcast(client *Client, event, out string, data json.RawMessage) {
	route := h.registry.RouteClassBroadcast(client.id)
	h.deliver(client, event, out, data, route)
}

// deliver pushes data as out to every target of route. Targets whose send
// buffer is full are disconnected.
func (h *Hub) deliver(sender *Client, event, out string, data json.RawMessage, route relay.Route) {
	if route.Dropped() {
		h.drop(sender, event, route.Reason)
		return
	}

	frame, err := events.Encode(out, data)
	if err != nil {
		h.logger.Debug("encode outbound frame", "conn_id", string(sender.id), "event", out, "error", err)
		h.drop(sender, event, relay.DropMalformed)
		return
	}

	var slow []*Client
	delivered := 0
	for _, id := range route.Targets {
		target, ok := h.clients[id]
		if !ok {
			continue
		}
		if !h.trySend(target, frame) {
			slow = append(slow, target)
			continue
		}
		delivered++
	}

	for _, target := range slow {
		h.logger.Warn("client removed due to full send buffer", "conn_id", string(target.id), "addr", target.addr)
		h.detach(target, "send buffer full")
	}

	h.logger.Debug("event routed",
		"conn_id", string(sender.id),
		"event", event,
		"emitted", out,
		"recipients", delivered)

	rec := h.record(sender, event)
	rec.Outcome = tap.OutcomeDelivered
	rec.Recipients = delivered
	h.tap.Publish(rec)
}

// drop accounts for an event that reached nobody and, when configured,
// tells the sender.
func (h *Hub) drop(sender *Client, event string, reason relay.DropReason) {
	h.logger.Debug("event dropped",
		"conn_id", string(sender.id),
		"event", event,
		"reason", string(reason))

	rec := h.record(sender, event)
	rec.Outcome = tap.OutcomeDropped
	rec.Reason = string(reason)
	h.tap.Publish(rec)

	if !h.cfg.Relay.NotifyDrops {
		return
	}
	frame, err := events.EncodeValue(events.EventDropped, events.DroppedPayload{
		Event:  event,
		Reason: string(reason),
	})
	if err != nil {
		return
	}
	if !h.trySend(sender, frame) {
		h.logger.Debug("drop notice not queued", "conn_id", string(sender.id))
	}
}

func (h *Hub) record(client *Client, event string) tap.Record {
	rec := tap.Record{
		ConnID: string(client.id),
		Event:  event,
		At:     h.now(),
	}
	if conn, ok := h.registry.Lookup(client.id); ok {
		rec.UserID = conn.UserID
		rec.ClassID = conn.ClassID
	}
	return rec
}
