package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Tyrowin/overlay-chat-server/internal/protocol"
)

// fixedCodes hands out codes in order, skipping any already taken.
type fixedCodes struct {
	codes []string
	next  int
}

func (f *fixedCodes) Unique(taken func(string) bool) string {
	for {
		code := f.codes[f.next%len(f.codes)]
		f.next++
		if !taken(code) {
			return code
		}
	}
}

type event map[string]any

func (e event) str(key string) string {
	s, _ := e[key].(string)
	return s
}

func (e event) users() []string {
	raw, _ := e["users"].([]any)
	names := make([]string, 0, len(raw))
	for _, u := range raw {
		names = append(names, u.(map[string]any)["name"].(string))
	}
	return names
}

var testNow = time.UnixMilli(1_700_000_000_000)

func newTestHub(t *testing.T, codes ...string) (*Hub, *Metrics, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	metrics := NewMetrics(prometheus.NewRegistry())
	h := NewHub(nil, zap.New(core), metrics)
	h.now = func() time.Time { return testNow }
	if len(codes) > 0 {
		h.codes = &fixedCodes{codes: codes}
	}
	return h, metrics, logs
}

// connect registers a client with no transport; its events stay in the
// send buffer for drain.
func connect(h *Hub) *Client {
	c := NewClient(nil, h, "test")
	h.addClient(c)
	return c
}

func send(t *testing.T, h *Hub, c *Client, cmd map[string]any) {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	h.dispatch(c, data)
}

func drain(t *testing.T, c *Client) []event {
	t.Helper()
	var out []event
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var ev event
			require.NoError(t, json.Unmarshal(data, &ev))
			out = append(out, ev)
		default:
			return out
		}
	}
}

func types(events []event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.str("type")
	}
	return out
}

func lastOfType(t *testing.T, events []event, typ string) event {
	t.Helper()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].str("type") == typ {
			return events[i]
		}
	}
	t.Fatalf("no %s event in %v", typ, types(events))
	return nil
}

func create(h *Hub, c *Client) string {
	h.dispatch(c, []byte(`{"type":"createRoom"}`))
	code, _ := c.currentRoom()
	return code
}

func TestHubCreateJoinAndChat(t *testing.T) {
	h, metrics, _ := newTestHub(t, "K7M3QX")
	a, b := connect(h), connect(h)

	send(t, h, a, map[string]any{"type": "setName", "name": "Ann"})
	code := create(h, a)
	require.Equal(t, "K7M3QX", code)

	evs := drain(t, a)
	require.Equal(t, []string{protocol.TypeRoomCreated, protocol.TypeUserList}, types(evs))
	assert.Equal(t, "K7M3QX", evs[0].str("roomCode"))
	assert.Equal(t, "Room K7M3QX created! Share this code with friends.", evs[0].str("message"))
	assert.Equal(t, []string{"Ann"}, evs[1].users())

	send(t, h, b, map[string]any{"type": "setName", "name": "Bo"})
	send(t, h, b, map[string]any{"type": "joinRoom", "roomCode": " k7m3qx "})

	bEvs := drain(t, b)
	require.Equal(t, []string{protocol.TypeRoomJoined, protocol.TypeUserList}, types(bEvs))
	assert.Equal(t, "Joined room K7M3QX!", bEvs[0].str("message"))
	assert.ElementsMatch(t, []string{"Ann", "Bo"}, bEvs[1].users())

	aEvs := drain(t, a)
	require.Equal(t, []string{protocol.TypeSystem, protocol.TypeUserList}, types(aEvs))
	assert.Equal(t, "Bo joined the room!", aEvs[0].str("message"))

	send(t, h, a, map[string]any{"type": "chat", "text": "  hi  "})
	for _, c := range []*Client{a, b} {
		evs := drain(t, c)
		require.Len(t, evs, 1)
		assert.Equal(t, protocol.TypeChat, evs[0].str("type"))
		assert.Equal(t, "Ann", evs[0].str("name"))
		assert.Equal(t, protocol.DefaultColor, evs[0].str("color"))
		assert.Equal(t, "hi", evs[0].str("text"))
		assert.EqualValues(t, testNow.UnixMilli(), evs[0]["timestamp"])
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RoomsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ChatMessages))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Members))
}

func TestHubJoinRejections(t *testing.T) {
	h, metrics, _ := newTestHub(t, "AAAAAA")
	owner := connect(h)
	create(h, owner)
	drain(t, owner)

	tests := []struct {
		name    string
		code    any
		message string
	}{
		{name: "too short", code: "ABC", message: protocol.MsgInvalidRoomCode},
		{name: "punctuation", code: "AB-CD1", message: protocol.MsgInvalidRoomCode},
		{name: "unknown room", code: "ZZZZZZ", message: protocol.MsgRoomNotFound},
		{name: "empty", code: "", message: protocol.MsgInvalidRoomCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := connect(h)
			send(t, h, c, map[string]any{"type": "joinRoom", "roomCode": tt.code})

			evs := drain(t, c)
			require.Len(t, evs, 1)
			assert.Equal(t, protocol.TypeError, evs[0].str("type"))
			assert.Equal(t, tt.message, evs[0].str("message"))
			_, joined := c.currentRoom()
			assert.False(t, joined)
		})
	}

	assert.Empty(t, drain(t, owner))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Rejections.WithLabelValues("invalid_code")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Rejections.WithLabelValues("room_not_found")))
}

func TestHubRoomFull(t *testing.T) {
	h, _, _ := newTestHub(t, "FULL55")
	owner := connect(h)
	code := create(h, owner)

	members := []*Client{owner}
	for range 4 {
		c := connect(h)
		send(t, h, c, map[string]any{"type": "joinRoom", "roomCode": code})
		members = append(members, c)
	}
	for _, m := range members {
		drain(t, m)
	}

	sixth := connect(h)
	send(t, h, sixth, map[string]any{"type": "joinRoom", "roomCode": code})

	evs := drain(t, sixth)
	require.Len(t, evs, 1)
	assert.Equal(t, "Room is full! Maximum 5 users per room.", evs[0].str("message"))
	for _, m := range members {
		assert.Empty(t, drain(t, m), "members must not hear about a rejected join")
	}

	stats := h.snapshot()
	assert.Equal(t, 1, stats.Rooms)
	assert.Equal(t, 5, stats.Users)
}

func TestHubJoinWhileInAnotherRoomLeavesOld(t *testing.T) {
	h, _, _ := newTestHub(t, "ROOM11", "ROOM22")
	a, b, c := connect(h), connect(h), connect(h)
	send(t, h, c, map[string]any{"type": "setName", "name": "Cy"})

	first := create(h, a)
	send(t, h, c, map[string]any{"type": "joinRoom", "roomCode": first})
	second := create(h, b)
	drain(t, a)
	drain(t, b)
	drain(t, c)

	send(t, h, c, map[string]any{"type": "joinRoom", "roomCode": second})

	aEvs := drain(t, a)
	require.Equal(t, []string{protocol.TypeSystem, protocol.TypeUserList}, types(aEvs))
	assert.Equal(t, "Cy left the room.", aEvs[0].str("message"))
	assert.Equal(t, []string{protocol.DefaultName}, aEvs[1].users())

	cEvs := drain(t, c)
	require.Equal(t, []string{protocol.TypeRoomJoined, protocol.TypeUserList}, types(cEvs))
	assert.Equal(t, second, cEvs[0].str("roomCode"))

	bEvs := drain(t, b)
	assert.Equal(t, "Cy joined the room!", bEvs[0].str("message"))

	code, _ := c.currentRoom()
	assert.Equal(t, second, code)
}

func TestHubFailedJoinKeepsCurrentRoom(t *testing.T) {
	h, _, _ := newTestHub(t, "STAY11")
	a, b := connect(h), connect(h)
	code := create(h, a)
	send(t, h, b, map[string]any{"type": "joinRoom", "roomCode": code})
	drain(t, a)
	drain(t, b)

	send(t, h, b, map[string]any{"type": "joinRoom", "roomCode": "NOPE99"})

	assert.Equal(t, []string{protocol.TypeError}, types(drain(t, b)))
	assert.Empty(t, drain(t, a))
	current, _ := b.currentRoom()
	assert.Equal(t, code, current)
}

func TestHubRejoinSameRoom(t *testing.T) {
	h, _, _ := newTestHub(t, "SAME11")
	a, b := connect(h), connect(h)
	code := create(h, a)
	send(t, h, b, map[string]any{"type": "joinRoom", "roomCode": code})
	drain(t, a)
	drain(t, b)

	send(t, h, a, map[string]any{"type": "joinRoom", "roomCode": code})

	aEvs := drain(t, a)
	require.Equal(t, []string{protocol.TypeRoomJoined, protocol.TypeUserList}, types(aEvs))
	assert.Len(t, aEvs[1].users(), 2)
	assert.Empty(t, drain(t, b))
	assert.True(t, h.rooms.Exists(code))
}

func TestHubCreateWhileInRoomLeavesOld(t *testing.T) {
	h, _, _ := newTestHub(t, "OLD111", "NEW111")
	a, b := connect(h), connect(h)
	old := create(h, a)
	send(t, h, b, map[string]any{"type": "joinRoom", "roomCode": old})
	drain(t, a)
	drain(t, b)

	created := create(h, b)

	assert.Equal(t, "NEW111", created)
	aEvs := drain(t, a)
	require.Equal(t, []string{protocol.TypeSystem, protocol.TypeUserList}, types(aEvs))
	assert.Equal(t, "Anonymous left the room.", aEvs[0].str("message"))
	assert.Equal(t, []string{protocol.TypeRoomCreated, protocol.TypeUserList}, types(drain(t, b)))
	assert.Equal(t, 2, h.snapshot().Rooms)
}

func TestHubChatIsolatedByRoom(t *testing.T) {
	h, _, _ := newTestHub(t, "ISO111", "ISO222")
	a, b := connect(h), connect(h)
	create(h, a)
	create(h, b)
	drain(t, a)
	drain(t, b)

	send(t, h, a, map[string]any{"type": "chat", "text": "only here"})

	assert.Len(t, drain(t, a), 1)
	assert.Empty(t, drain(t, b))
}

func TestHubLeaveRoom(t *testing.T) {
	h, metrics, _ := newTestHub(t, "LEAVE1")
	a, b := connect(h), connect(h)
	send(t, h, b, map[string]any{"type": "setName", "name": "Bo"})
	code := create(h, a)
	send(t, h, b, map[string]any{"type": "joinRoom", "roomCode": code})
	drain(t, a)
	drain(t, b)

	send(t, h, b, map[string]any{"type": "leaveRoom"})

	bEvs := drain(t, b)
	require.Equal(t, []string{protocol.TypeRoomLeft}, types(bEvs))
	assert.Equal(t, "You left the room.", bEvs[0].str("message"))

	aEvs := drain(t, a)
	require.Equal(t, []string{protocol.TypeSystem, protocol.TypeUserList}, types(aEvs))
	assert.Equal(t, "Bo left the room.", aEvs[0].str("message"))

	send(t, h, a, map[string]any{"type": "leaveRoom"})
	assert.Equal(t, []string{protocol.TypeRoomLeft}, types(drain(t, a)))
	assert.False(t, h.rooms.Exists(code), "empty room must be deleted")
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Rooms))

	// Leaving again is a silent no-op.
	send(t, h, a, map[string]any{"type": "leaveRoom"})
	assert.Empty(t, drain(t, a))
}

func TestHubDisconnect(t *testing.T) {
	h, metrics, _ := newTestHub(t, "DISC11")
	a, b := connect(h), connect(h)
	send(t, h, b, map[string]any{"type": "setName", "name": "Bo"})
	code := create(h, a)
	send(t, h, b, map[string]any{"type": "joinRoom", "roomCode": code})
	drain(t, a)
	drain(t, b)

	h.removeClient(b)

	aEvs := drain(t, a)
	require.Equal(t, []string{protocol.TypeSystem, protocol.TypeUserList}, types(aEvs))
	assert.Equal(t, "Bo disconnected.", aEvs[0].str("message"))
	assert.Equal(t, []string{protocol.DefaultName}, aEvs[1].users())
	assert.True(t, b.closed)
	assert.ErrorIs(t, b.Send([]byte("x")), ErrClientClosed)

	// A second unregister for the same client is ignored.
	h.removeClient(b)

	h.removeClient(a)
	assert.False(t, h.rooms.Exists(code))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Connections))
	assert.Equal(t, Stats{}, h.snapshot())
}

func TestHubSetName(t *testing.T) {
	tests := []struct {
		name    string
		first   string
		second  string
		notice  string
		display string
	}{
		{name: "from default", second: "Zed", notice: "Zed joined the chat!", display: "Zed"},
		{name: "rename", first: "Ann", second: "Anna", notice: "Ann is now known as Anna", display: "Anna"},
		{name: "blank resets", first: "Ann", second: "   ", notice: "Ann is now known as Anonymous", display: "Anonymous"},
		{name: "truncated", first: "Ann", second: strings.Repeat("x", 25), notice: "Ann is now known as " + strings.Repeat("x", 20), display: strings.Repeat("x", 20)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newTestHub(t, "NAME11")
			a, b := connect(h), connect(h)
			if tt.first != "" {
				send(t, h, a, map[string]any{"type": "setName", "name": tt.first})
			}
			code := create(h, a)
			send(t, h, b, map[string]any{"type": "joinRoom", "roomCode": code})
			drain(t, a)
			drain(t, b)

			send(t, h, a, map[string]any{"type": "setName", "name": tt.second})

			for _, c := range []*Client{a, b} {
				evs := drain(t, c)
				require.Equal(t, []string{protocol.TypeSystem, protocol.TypeUserList}, types(evs))
				assert.Equal(t, tt.notice, evs[0].str("message"))
				assert.Contains(t, evs[1].users(), tt.display)
			}
		})
	}
}

func TestHubSetNameOutsideRoomIsSilent(t *testing.T) {
	h, _, _ := newTestHub(t)
	c := connect(h)

	send(t, h, c, map[string]any{"type": "setName", "name": "Solo"})

	assert.Empty(t, drain(t, c))
	assert.Equal(t, "Solo", c.name)
}

func TestHubSetColor(t *testing.T) {
	h, _, _ := newTestHub(t, "COLOR1")
	a, b := connect(h), connect(h)
	code := create(h, a)
	send(t, h, b, map[string]any{"type": "joinRoom", "roomCode": code})
	drain(t, a)
	drain(t, b)

	send(t, h, a, map[string]any{"type": "setColor", "color": "not-a-color"})

	bEvs := drain(t, b)
	require.Equal(t, []string{protocol.TypeUserList}, types(bEvs))
	assert.Contains(t, bEvs[0]["users"], map[string]any{"name": "Anonymous", "color": "not-a-color"})

	send(t, h, a, map[string]any{"type": "chat", "text": "tinted"})
	chat := lastOfType(t, drain(t, b), protocol.TypeChat)
	assert.Equal(t, "not-a-color", chat.str("color"))
}

func TestHubChatRules(t *testing.T) {
	h, _, logs := newTestHub(t, "CHAT11")
	a := connect(h)

	send(t, h, a, map[string]any{"type": "chat", "text": "hello?"})
	evs := drain(t, a)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.MsgNotInRoom, evs[0].str("message"))

	create(h, a)
	drain(t, a)

	send(t, h, a, map[string]any{"type": "chat", "text": "   "})
	assert.Empty(t, drain(t, a), "whitespace-only chat is dropped")

	long := strings.Repeat("y", 600)
	send(t, h, a, map[string]any{"type": "chat", "text": long})
	chat := lastOfType(t, drain(t, a), protocol.TypeChat)
	assert.Equal(t, strings.Repeat("y", protocol.MaxChatLength), chat.str("text"))

	entries := logs.FilterMessage("chat").All()
	require.NotEmpty(t, entries)
	assert.Equal(t, strings.Repeat("y", 50)+"...", entries[len(entries)-1].ContextMap()["text"])
}

func TestHubMalformedAndUnknownFrames(t *testing.T) {
	h, metrics, logs := newTestHub(t, "BAD111")
	a := connect(h)
	create(h, a)
	drain(t, a)

	frames := []string{
		`not json`,
		`{"type":"joinRoom"}`,
		`{"type":"chat","text":42}`,
		`[1,2,3]`,
	}
	for _, f := range frames {
		h.dispatch(a, []byte(f))
	}
	h.dispatch(a, []byte(`{"type":"dance"}`))
	h.dispatch(a, []byte(`{}`))

	assert.Empty(t, drain(t, a))
	assert.Equal(t, float64(len(frames)), testutil.ToFloat64(metrics.MalformedFrames))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Commands.WithLabelValues("unknown")))
	assert.Len(t, logs.FilterMessage("dropping malformed frame").All(), len(frames))

	// The connection keeps working afterwards.
	send(t, h, a, map[string]any{"type": "chat", "text": "still here"})
	assert.Len(t, drain(t, a), 1)
}

func TestHubSkipsFullSendBuffer(t *testing.T) {
	h, _, _ := newTestHub(t, "SLOW11")
	a := connect(h)
	h.sendBufferSize = 2
	slow := connect(h)
	code := create(h, a)
	send(t, h, slow, map[string]any{"type": "joinRoom", "roomCode": code})
	drain(t, a)
	drain(t, slow)

	for i := range 5 {
		send(t, h, a, map[string]any{"type": "chat", "text": strings.Repeat("z", i+1)})
	}

	assert.Len(t, drain(t, a), 5)
	assert.Len(t, drain(t, slow), 2, "overflow is dropped for the slow member only")
	assert.True(t, h.rooms.Exists(code))
}

func TestHubBroadcastExcludesAndCounts(t *testing.T) {
	h, _, _ := newTestHub(t, "CAST11")
	a, b, c := connect(h), connect(h), connect(h)
	code := create(h, a)
	send(t, h, b, map[string]any{"type": "joinRoom", "roomCode": code})
	send(t, h, c, map[string]any{"type": "joinRoom", "roomCode": code})
	for _, cl := range []*Client{a, b, c} {
		drain(t, cl)
	}

	n := h.broadcast(code, protocol.NewSystem("ping"), b)

	assert.Equal(t, 2, n)
	assert.Len(t, drain(t, a), 1)
	assert.Empty(t, drain(t, b))
	assert.Len(t, drain(t, c), 1)
	assert.Zero(t, h.broadcast("NOROOM", protocol.NewSystem("ping"), nil))
}

func TestHubRunShutdownNotifiesRooms(t *testing.T) {
	h, _, _ := newTestHub(t, "SHUT11")
	h.Start()

	a, lone := NewClient(nil, h, "a"), NewClient(nil, h, "lone")
	require.True(t, h.Register(a))
	require.True(t, h.Register(lone))
	require.True(t, h.submit(a, []byte(`{"type":"createRoom"}`)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Rooms: 1, Users: 1, Connections: 2}, stats)

	require.NoError(t, h.Shutdown(time.Second))

	evs := drain(t, a)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, protocol.TypeSystem, last.str("type"))
	assert.Equal(t, protocol.MsgServerShutdown, last.str("message"))
	assert.Empty(t, drain(t, lone))

	_, ok := <-a.send
	assert.False(t, ok, "send buffer is closed after shutdown")

	assert.False(t, h.Register(NewClient(nil, h, "late")))
	_, err = h.Stats(ctx)
	assert.ErrorIs(t, err, ErrHubStopped)
}

func TestHubLogsStatsOnlyWithRooms(t *testing.T) {
	h, _, logs := newTestHub(t, "STAT11")

	h.logStats()
	assert.Zero(t, logs.FilterMessage("room stats").Len())

	a := connect(h)
	create(h, a)
	h.logStats()

	entries := logs.FilterMessage("room stats").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 1, entries[0].ContextMap()["rooms"])
	assert.EqualValues(t, 1, entries[0].ContextMap()["users"])
}

func TestHubShutdownWithoutStart(t *testing.T) {
	h, _, _ := newTestHub(t)

	done := make(chan error, 1)
	go func() { done <- h.Shutdown(time.Second) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown blocked on a hub that was never started")
	}

	assert.False(t, h.Register(NewClient(nil, h, "late")))
	_, err := h.Stats(context.Background())
	assert.ErrorIs(t, err, ErrHubStopped)
	require.NoError(t, h.Shutdown(time.Second), "a second Shutdown is harmless")
}
