package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tibzee/classrelay/internal/config"
	"github.com/tibzee/classrelay/internal/events"
	"github.com/tibzee/classrelay/internal/logging"
	"github.com/tibzee/classrelay/internal/relay"
	"github.com/tibzee/classrelay/internal/tap"
)

type recordingTap struct {
	records []tap.Record
	closes  int
}

func (r *recordingTap) Publish(rec tap.Record) { r.records = append(r.records, rec) }
func (r *recordingTap) Close() error { r.closes++; return nil }

func (r *recordingTap) last(t *testing.T) tap.Record {
	t.Helper()
	require.NotEmpty(t, r.records)
	return r.records[len(r.records)-1]
}

func newTestHub(t *testing.T, mutate func(*config.Config)) (*Hub, *recordingTap) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	rec := &recordingTap{}
	return NewHub(cfg, logging.Discard(), rec), rec
}

// attachClient registers a connectionless client with the hub without
// starting its pumps, so frames stay in its send channel.
func attachClient(h *Hub) *Client {
	c := NewClient(nil, h, "127.0.0.1:0")
	h.attach(c)
	return c
}

func frame(t *testing.T, event string, data any) inbound {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return inbound{env: events.Envelope{Event: event, Data: raw}}
}

func send(h *Hub, c *Client, msg inbound) {
	msg.client = c
	h.dispatch(msg)
}

func join(t *testing.T, h *Hub, c *Client, userType, userID, classID string) {
	t.Helper()
	send(h, c, frame(t, events.Join, events.JoinPayload{UserType: userType, UserID: userID, ClassID: classID}))
}

func received(t *testing.T, c *Client) events.Envelope {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		env, err := events.Decode(raw)
		require.NoError(t, err)
		return env
	default:
		t.Fatalf("client %s received nothing", c.id)
		return events.Envelope{}
	}
}

func assertNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("client %s unexpectedly received %s", c.id, raw)
	default:
	}
}

func TestDispatch_TransactionReachesOnlyOwnClass(t *testing.T) {
	h, rec := newTestHub(t, nil)
	teacher := attachClient(h)
	parentA := attachClient(h)
	parentB := attachClient(h)
	outsider := attachClient(h)

	join(t, h, teacher, "teacher", "t1", "FOXBEAR007")
	join(t, h, parentA, "parent", "p1", "FOXBEAR007")
	join(t, h, parentB, "parent", "p2", "FOXBEAR007")
	join(t, h, outsider, "parent", "p3", "OWLWOLF042")

	txn := map[string]any{"studentId": "s1", "points": 5, "reason": "helping"}
	send(h, teacher, frame(t, events.NewTransaction, txn))

	for _, parent := range []*Client{parentA, parentB} {
		env := received(t, parent)
		assert.Equal(t, events.TransactionCreated, env.Event)
		assert.JSONEq(t, `{"studentId":"s1","points":5,"reason":"helping"}`, string(env.Data))
	}
	assertNothing(t, teacher)
	assertNothing(t, outsider)

	last := rec.last(t)
	assert.Equal(t, tap.OutcomeDelivered, last.Outcome)
	assert.Equal(t, 2, last.Recipients)
	assert.Equal(t, "FOXBEAR007", last.ClassID)
	assert.Equal(t, "t1", last.UserID)
}

func TestDispatch_UnannouncedPostIsDropped(t *testing.T) {
	h, rec := newTestHub(t, nil)
	anon := attachClient(h)
	member := attachClient(h)
	join(t, h, member, "parent", "p1", "classA")
	send(h, anon, frame(t, events.Join, events.JoinPayload{UserType: "parent", UserID: "p2"}))

	send(h, anon, frame(t, events.NewPost, map[string]any{"content": "hi"}))

	assertNothing(t, member)
	assertNothing(t, anon)
	last := rec.last(t)
	assert.Equal(t, tap.OutcomeDropped, last.Outcome)
	assert.Equal(t, string(relay.DropUnannounced), last.Reason)
}

func TestDispatch_PostAndSupplementaryClassEvents(t *testing.T) {
	h, _ := newTestHub(t, nil)
	teacher := attachClient(h)
	parent := attachClient(h)
	join(t, h, teacher, "teacher", "t1", "classA")
	join(t, h, parent, "parent", "p1", "classA")

	cases := []struct {
		in, out string
		data    string
	}{
		{events.NewPost, events.PostCreated, `{"postId":"x"}`},
		{events.LikePost, events.PostLiked, `{"postId":"x","likes":2}`},
		{events.AddComment, events.NewComment, `{"postId":"x","comment":{"content":"nice"}}`},
		{events.ReactToMessage, events.MessageReaction, `{"messageId":"m1","emoji":"+1","action":"add"}`},
		{events.DeleteMessage, events.MessageDeleted, `"m1"`},
	}
	for _, tc := range cases {
		send(h, teacher, inbound{env: events.Envelope{Event: tc.in, Data: json.RawMessage(tc.data)}})
		env := received(t, parent)
		assert.Equal(t, tc.out, env.Event, tc.in)
		assert.JSONEq(t, tc.data, string(env.Data), tc.in)
		assertNothing(t, teacher)
	}
}

func TestDispatch_DirectMessage(t *testing.T) {
	h, _ := newTestHub(t, nil)
	teacher := attachClient(h)
	parentPhone := attachClient(h)
	parentTablet := attachClient(h)
	other := attachClient(h)
	join(t, h, teacher, "teacher", "t1", "classA")
	join(t, h, parentPhone, "parent", "p1", "classB")
	join(t, h, parentTablet, "parent", "p1", "")
	join(t, h, other, "parent", "p2", "classA")

	send(h, teacher, frame(t, events.NewMessage, map[string]any{
		"receiverId": "p1",
		"message":    map[string]string{"content": "see you tomorrow"},
	}))

	for _, c := range []*Client{parentPhone, parentTablet} {
		env := received(t, c)
		assert.Equal(t, events.MessageReceived, env.Event)
		assert.JSONEq(t, `{"content":"see you tomorrow"}`, string(env.Data))
	}
	assertNothing(t, other)
	assertNothing(t, teacher)
}

func TestDispatch_RoomMessageViaAlias(t *testing.T) {
	h, _ := newTestHub(t, nil)
	teacher := attachClient(h)
	parent := attachClient(h)
	join(t, h, teacher, "teacher", "t1", "classA")
	join(t, h, parent, "parent", "p1", "classA")

	send(h, parent, frame(t, events.SendMessage, map[string]any{"classId": "classA", "message": "hello"}))

	env := received(t, teacher)
	assert.Equal(t, events.MessageReceived, env.Event)
	assert.JSONEq(t, `"hello"`, string(env.Data))
	assertNothing(t, parent)
}

func TestDispatch_UnaddressedSendMessageGoesToClass(t *testing.T) {
	h, rec := newTestHub(t, nil)
	teacher := attachClient(h)
	parent := attachClient(h)
	outsider := attachClient(h)
	join(t, h, teacher, "teacher", "t1", "classA")
	join(t, h, parent, "parent", "p1", "classA")
	join(t, h, outsider, "teacher", "t2", "classB")

	chat := `{"id":"m2","content":"hi","sender":"parent","replyTo":null}`
	send(h, parent, inbound{env: events.Envelope{Event: events.SendMessage, Data: json.RawMessage(chat)}})

	env := received(t, teacher)
	assert.Equal(t, events.MessageReceived, env.Event)
	assert.JSONEq(t, chat, string(env.Data))
	assertNothing(t, parent)
	assertNothing(t, outsider)
	assert.Equal(t, tap.OutcomeDelivered, rec.last(t).Outcome)

	// new_message keeps requiring an address
	send(h, parent, inbound{env: events.Envelope{Event: events.NewMessage, Data: json.RawMessage(chat)}})
	assertNothing(t, teacher)
	assert.Equal(t, string(relay.DropUnaddressed), rec.last(t).Reason)
}

func TestDispatch_ForgetStopsDelivery(t *testing.T) {
	h, rec := newTestHub(t, nil)
	c1 := attachClient(h)
	c2 := attachClient(h)
	join(t, h, c1, "teacher", "t1", "classA")
	join(t, h, c2, "parent", "p1", "classA")

	h.detach(c2, "test")
	h.detach(c2, "test")

	send(h, c1, frame(t, events.NewPost, map[string]string{"content": "x"}))
	assertNothing(t, c1)
	assert.Equal(t, string(relay.DropNoRecipient), rec.last(t).Reason)

	_, open := <-c2.send
	assert.False(t, open)
	assert.Equal(t, 1, h.snapshot().Connections)
}

func TestDispatch_NotifyDrops(t *testing.T) {
	tests := []struct {
		name   string
		msg    inbound
		event  string
		reason relay.DropReason
	}{
		{
			name:   "unannounced broadcast",
			msg:    inbound{env: events.Envelope{Event: events.NewTransaction, Data: json.RawMessage(`{}`)}},
			event:  events.NewTransaction,
			reason: relay.DropUnannounced,
		},
		{
			name:   "unknown receiver",
			msg:    inbound{env: events.Envelope{Event: events.NewMessage, Data: json.RawMessage(`{"receiverId":"ghost","message":"x"}`)}},
			event:  events.NewMessage,
			reason: relay.DropNoRecipient,
		},
		{
			name:   "unaddressed message",
			msg:    inbound{env: events.Envelope{Event: events.NewMessage, Data: json.RawMessage(`{"message":"x"}`)}},
			event:  events.NewMessage,
			reason: relay.DropUnaddressed,
		},
		{
			name:   "message payload not an object",
			msg:    inbound{env: events.Envelope{Event: events.NewMessage, Data: json.RawMessage(`42`)}},
			event:  events.NewMessage,
			reason: relay.DropMalformed,
		},
		{
			name:   "join without payload",
			msg:    inbound{env: events.Envelope{Event: events.Join}},
			event:  events.Join,
			reason: relay.DropMalformed,
		},
		{
			name:   "unknown event",
			msg:    inbound{env: events.Envelope{Event: "typing"}},
			event:  "typing",
			reason: relay.DropUnknownEvent,
		},
		{
			name:   "undecodable frame",
			msg:    inbound{malformed: true},
			event:  "",
			reason: relay.DropMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHub(t, func(cfg *config.Config) { cfg.Relay.NotifyDrops = true })
			sender := attachClient(h)

			send(h, sender, tt.msg)

			env := received(t, sender)
			assert.Equal(t, events.EventDropped, env.Event)
			var p events.DroppedPayload
			require.NoError(t, json.Unmarshal(env.Data, &p))
			assert.Equal(t, tt.event, p.Event)
			assert.Equal(t, string(tt.reason), p.Reason)
		})
	}
}

func TestDispatch_DropsAreSilentByDefault(t *testing.T) {
	h, rec := newTestHub(t, nil)
	sender := attachClient(h)

	send(h, sender, inbound{env: events.Envelope{Event: events.NewPost, Data: json.RawMessage(`{}`)}})
	send(h, sender, inbound{malformed: true})

	assertNothing(t, sender)
	assert.Len(t, rec.records, 2)
}

func TestDispatch_HandshakeAnnouncement(t *testing.T) {
	h, rec := newTestHub(t, nil)
	teacher := attachClient(h)
	join(t, h, teacher, "teacher", "t1", "classA")

	parent := NewClient(nil, h, "127.0.0.1:0")
	parent.announceOnConnect(events.JoinPayload{UserType: "parent", UserID: "p1", ClassID: "classA"})
	h.attach(parent)

	assert.Equal(t, tap.OutcomeAnnounced, rec.last(t).Outcome)
	classID, ok := h.registry.RoomOf(parent.id)
	require.True(t, ok)
	assert.Equal(t, "classA", classID)

	send(h, teacher, frame(t, events.NewPost, map[string]string{"content": "welcome"}))
	assert.Equal(t, events.PostCreated, received(t, parent).Event)
}

func TestDispatch_SlowClientIsRemoved(t *testing.T) {
	h, _ := newTestHub(t, func(cfg *config.Config) { cfg.Relay.SendBuffer = 1 })
	teacher := attachClient(h)
	slow := attachClient(h)
	join(t, h, teacher, "teacher", "t1", "classA")
	join(t, h, slow, "parent", "p1", "classA")

	send(h, teacher, frame(t, events.NewPost, map[string]string{"n": "1"}))
	send(h, teacher, frame(t, events.NewPost, map[string]string{"n": "2"}))

	env := received(t, slow)
	assert.JSONEq(t, `{"n":"1"}`, string(env.Data))
	_, open := <-slow.send
	assert.False(t, open, "slow client's channel should be closed")

	_, known := h.registry.Lookup(slow.id)
	assert.False(t, known)
	assert.Equal(t, 1, h.snapshot().Connections)
}

func TestDispatch_IgnoresDetachedSender(t *testing.T) {
	h, rec := newTestHub(t, nil)
	c1 := attachClient(h)
	c2 := attachClient(h)
	join(t, h, c1, "teacher", "t1", "classA")
	join(t, h, c2, "parent", "p1", "classA")
	before := len(rec.records)

	h.detach(c2, "test")
	send(h, c2, frame(t, events.NewPost, map[string]string{"content": "late"}))

	assertNothing(t, c1)
	assert.Len(t, rec.records, before)
}

func TestSnapshot(t *testing.T) {
	h, _ := newTestHub(t, nil)
	a := attachClient(h)
	b := attachClient(h)
	attachClient(h)
	join(t, h, a, "teacher", "t1", "classA")
	join(t, h, b, "parent", "p1", "classA")

	assert.Equal(t, Stats{
		Connections: 3,
		Announced:   2,
		Rooms:       map[string]int{"classA": 2},
	}, h.snapshot())
}
