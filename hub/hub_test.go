package hub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeConn records deliveries; failNext simulates an unclean disconnect
// where the next send fails.
type fakeConn struct {
	name     string
	received [][]byte
	fail     bool
	closed   bool
}

func (f *fakeConn) Send(data []byte) bool {
	if f.fail {
		return false
	}
	f.received = append(f.received, data)
	return true
}

func (f *fakeConn) Close() { f.closed = true }

func (f *fakeConn) types(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, raw := range f.received {
		var ev struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &ev))
		out = append(out, ev.Type)
	}
	return out
}

func newRunningHub(t *testing.T) *Hub {
	t.Helper()
	h := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func TestHub_JoinAnnouncesToOthersOnly(t *testing.T) {
	h := newRunningHub(t)
	c1 := &fakeConn{name: "c1"}
	c2 := &fakeConn{name: "c2"}

	h.Join(c1, "s1", "u1")
	h.Join(c2, "s1", "u2")

	// c1 gets its own session_joined plus c2's user_joined; c2 only its
	// session_joined.
	require.Equal(t, []string{EventSessionJoined, EventUserJoined}, c1.types(t))
	require.Equal(t, []string{EventSessionJoined}, c2.types(t))
	require.Equal(t, []string{"u1", "u2"}, h.SessionUsers("s1"))
}

func TestHub_LastLeaveDeletesAllIndexEntries(t *testing.T) {
	h := newRunningHub(t)
	c1 := &fakeConn{}
	c2 := &fakeConn{}
	h.Join(c1, "s1", "u1")
	h.Join(c2, "s1", "u2")
	h.Typing("s1", "u1", true)

	h.Leave(c1, "s1")
	h.Leave(c2, "s1")

	require.Empty(t, h.SessionUsers("s1"))
	require.Empty(t, h.TypingUsers("s1"))
	var sessions, users, typing, connUser, connSession int
	h.do(func() {
		sessions, users, typing = len(h.sessions), len(h.users), len(h.typing)
		connUser, connSession = len(h.connUser), len(h.connSession)
	})
	require.Zero(t, sessions)
	require.Zero(t, users)
	require.Zero(t, typing)
	require.Zero(t, connUser)
	require.Zero(t, connSession)
	require.True(t, c1.closed)
	require.True(t, c2.closed)
}

func TestHub_LazyCleanupOnSendFailure(t *testing.T) {
	h := newRunningHub(t)
	u1 := &fakeConn{}
	u2 := &fakeConn{}
	h.Join(u1, "s1", "u1")
	h.Join(u2, "s1", "u2")
	h.Typing("s1", "u1", true)

	// u1 disconnects uncleanly: it never says typing-stop and never leaves,
	// the failed send during the next broadcast is the only signal.
	u1.fail = true
	h.Broadcast("s1", Event{Type: EventUserMessage, Payload: map[string]string{"message": "hello"}}, nil)

	require.Equal(t, []string{"u2"}, h.SessionUsers("s1"))
	require.Empty(t, h.TypingUsers("s1"))
	require.True(t, u1.closed)

	// u2 saw the original message and then u1's departure.
	types := u2.types(t)
	require.Equal(t, EventUserLeft, types[len(types)-1])
}

func TestHub_BroadcastExcludes(t *testing.T) {
	h := newRunningHub(t)
	c1 := &fakeConn{}
	c2 := &fakeConn{}
	h.Join(c1, "s1", "u1")
	h.Join(c2, "s1", "u2")

	before := len(c1.received)
	h.Broadcast("s1", Event{Type: EventUserMessage}, c1)
	require.Len(t, c1.received, before)
	require.Contains(t, c2.types(t), EventUserMessage)
}

func TestHub_TypingRoundTrip(t *testing.T) {
	h := newRunningHub(t)
	c1 := &fakeConn{}
	h.Join(c1, "s1", "u1")

	h.Typing("s1", "u1", true)
	require.Equal(t, []string{"u1"}, h.TypingUsers("s1"))

	h.Typing("s1", "u1", false)
	require.Empty(t, h.TypingUsers("s1"))
}

func TestHub_SendToUserReachesEverySession(t *testing.T) {
	h := newRunningHub(t)
	a := &fakeConn{}
	b := &fakeConn{}
	other := &fakeConn{}
	h.Join(a, "s1", "u1")
	h.Join(b, "s2", "u1")
	h.Join(other, "s3", "u9")

	h.SendToUser("u1", Event{Type: EventAIMessage})

	require.Contains(t, a.types(t), EventAIMessage)
	require.Contains(t, b.types(t), EventAIMessage)
	require.NotContains(t, other.types(t), EventAIMessage)
}

func TestHub_NotifyTaskTargetsWatchedSession(t *testing.T) {
	h := newRunningHub(t)
	watcher := &fakeConn{}
	bystander := &fakeConn{}
	h.Join(watcher, "s1", "u1")
	h.Join(bystander, "s2", "u2")

	h.WatchTask("task-1", "s1", "u1")
	h.NotifyTask("task-1", Event{Type: EventTaskProgress})
	h.NotifyTask("task-unwatched", Event{Type: EventTaskProgress})

	require.Contains(t, watcher.types(t), EventTaskProgress)
	require.NotContains(t, bystander.types(t), EventTaskProgress)

	h.Unwatch("task-1")
	require.Empty(t, h.WatchedTasks())
}

func TestHub_UserWithTwoConnsStaysUntilBothLeave(t *testing.T) {
	h := newRunningHub(t)
	tab1 := &fakeConn{}
	tab2 := &fakeConn{}
	h.Join(tab1, "s1", "u1")
	h.Join(tab2, "s1", "u1")

	h.Leave(tab1, "s1")
	require.Equal(t, []string{"u1"}, h.SessionUsers("s1"))

	h.Leave(tab2, "s1")
	require.Empty(t, h.SessionUsers("s1"))
}
