package relay

// DropReason explains why an event reached no recipient.
type DropReason string

const (
	// DropNoRecipient: the addressed user or room has no other live connection.
	DropNoRecipient DropReason = "no_recipient"
	// DropUnannounced: a class-scoped event came from a connection without a class id.
	DropUnannounced DropReason = "unannounced"
	// DropUnaddressed: a message carried neither receiverId nor classId.
	DropUnaddressed DropReason = "unaddressed"
	// DropMalformed: the payload could not be decoded.
	DropMalformed DropReason = "malformed"
	// DropUnknownEvent: the event name is not part of the protocol.
	DropUnknownEvent DropReason = "unknown_event"
)

// Address is the routing part of a direct or room message.
type Address struct {
	ReceiverID string
	ClassID    string
}

// Route is the outcome of a routing decision.
type Route struct {
	Targets []ConnID
	Reason  DropReason
}

// Dropped reports whether the route has no recipients.
func (rt Route) Dropped() bool {
	return len(rt.Targets) == 0
}

// Drop returns an empty route carrying reason.
func Drop(reason DropReason) Route {
	return Route{Reason: reason}
}

// RouteMessage resolves a message from sender. A receiver id wins over a
// class id: every connection announced under that user id receives it,
// regardless of room. Otherwise every other member of the class room does.
func (r *Registry) RouteMessage(sender ConnID, addr Address) Route {
	switch {
	case addr.ReceiverID != "":
		return r.routeTo(sender, r.users[addr.ReceiverID])
	case addr.ClassID != "":
		return r.routeTo(sender, r.rooms[addr.ClassID])
	default:
		return Drop(DropUnaddressed)
	}
}

// RouteClassBroadcast resolves an event scoped to the sender's own class.
func (r *Registry) RouteClassBroadcast(sender ConnID) Route {
	classID, ok := r.RoomOf(sender)
	if !ok {
		return Drop(DropUnannounced)
	}
	return r.routeTo(sender, r.rooms[classID])
}

func (r *Registry) routeTo(sender ConnID, members map[ConnID]struct{}) Route {
	targets := make([]ConnID, 0, len(members))
	for _, id := range sortedIDs(members) {
		if id == sender {
			continue
		}
		targets = append(targets, id)
	}
	if len(targets) == 0 {
		return Drop(DropNoRecipient)
	}
	return Route{Targets: targets}
}
