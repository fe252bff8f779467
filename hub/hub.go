package hub

import (
	"context"
	"log/slog"
	"sort"
)

// Conn is one live client connection. Send must never block the hub: an
// implementation queues data into a per-connection outbox and reports false
// when the connection is dead or the outbox is full, which the hub treats as
// a departure (lazy cleanup, no heartbeat polling).
type Conn interface {
	Send(data []byte) bool
	Close()
}

type taskWatch struct {
	sessionID string
	userID    string
}

// Hub owns four co-updated indices: session to connections, user to
// sessions, connection to user, and session to typing users. All mutation
// and broadcast orchestration run on the single Run goroutine, so the
// indices need no locking. Actual socket writes happen on per-connection
// writer goroutines fed by Send, so one slow consumer cannot stall a
// broadcast to the rest.
type Hub struct {
	ops chan func()
	log *slog.Logger

	sessions    map[string]map[Conn]struct{}
	connUser    map[Conn]string
	connSession map[Conn]string
	users       map[string]map[string]struct{} // user -> set of sessions
	typing      map[string]map[string]struct{} // session -> typing users
	watches     map[string]taskWatch           // task -> notify target
}

func New(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		ops:         make(chan func(), 64),
		log:         log,
		sessions:    make(map[string]map[Conn]struct{}),
		connUser:    make(map[Conn]string),
		connSession: make(map[Conn]string),
		users:       make(map[string]map[string]struct{}),
		typing:      make(map[string]map[string]struct{}),
		watches:     make(map[string]taskWatch),
	}
}

// Run processes hub operations until ctx is done. All other methods enqueue
// onto this loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-h.ops:
			op()
		}
	}
}

func (h *Hub) do(op func()) {
	done := make(chan struct{})
	h.ops <- func() {
		op()
		close(done)
	}
	<-done
}

// Join idempotently adds conn to the session under userID, replies to the
// joining connection with session_joined, and announces user_joined to the
// rest of the session.
func (h *Hub) Join(conn Conn, sessionID, userID string) {
	h.do(func() {
		if _, ok := h.connSession[conn]; ok {
			return
		}
		if h.sessions[sessionID] == nil {
			h.sessions[sessionID] = make(map[Conn]struct{})
		}
		h.sessions[sessionID][conn] = struct{}{}
		h.connUser[conn] = userID
		h.connSession[conn] = sessionID
		if h.users[userID] == nil {
			h.users[userID] = make(map[string]struct{})
		}
		h.users[userID][sessionID] = struct{}{}

		conn.Send(Event{Type: EventSessionJoined, Payload: h.sessionContext(sessionID)}.Encode())
		h.broadcast(sessionID, Event{Type: EventUserJoined, Payload: UserEvent{SessionID: sessionID, UserID: userID}}, conn)
	})
}

// Leave removes conn from every index, pruning empty containers immediately,
// and announces user_left to the remaining members.
func (h *Hub) Leave(conn Conn, sessionID string) {
	h.do(func() { h.leave(conn, sessionID, true) })
}

// Broadcast delivers ev to every connection in the session except exclude
// (may be nil).
func (h *Hub) Broadcast(sessionID string, ev Event, exclude Conn) {
	h.do(func() { h.broadcast(sessionID, ev, exclude) })
}

// Typing records is_typing for userID in the session and broadcasts a
// typing_update. There is no TTL on typing state; Leave purges it.
func (h *Hub) Typing(sessionID, userID string, isTyping bool) {
	h.do(func() {
		h.setTyping(sessionID, userID, isTyping)
		h.broadcast(sessionID, Event{Type: EventTypingUpdate, Payload: TypingEvent{
			SessionID:   sessionID,
			UserID:      userID,
			IsTyping:    isTyping,
			TypingUsers: h.typingUsers(sessionID),
		}}, nil)
	})
}

// SendToUser broadcasts ev into every session the user currently
// participates in.
func (h *Hub) SendToUser(userID string, ev Event) {
	h.do(func() {
		for sessionID := range h.users[userID] {
			h.broadcast(sessionID, ev, nil)
		}
	})
}

// WatchTask registers a session (and optionally a user) to receive progress
// events for a task. The registration is dropped with the session.
func (h *Hub) WatchTask(taskID, sessionID, userID string) {
	h.do(func() { h.watches[taskID] = taskWatch{sessionID: sessionID, userID: userID} })
}

// Unwatch drops a task registration, normally once the task is terminal.
func (h *Hub) Unwatch(taskID string) {
	h.do(func() { delete(h.watches, taskID) })
}

// WatchedTasks lists the task ids currently registered for fan-out. Used by
// the status poller that bridges worker-side progress into this process.
func (h *Hub) WatchedTasks() []string {
	var out []string
	h.do(func() {
		for id := range h.watches {
			out = append(out, id)
		}
	})
	sort.Strings(out)
	return out
}

// NotifyTask fans a task event out to whatever was registered against the
// task. Unregistered tasks are a no-op.
func (h *Hub) NotifyTask(taskID string, ev Event) {
	h.do(func() {
		w, ok := h.watches[taskID]
		if !ok {
			return
		}
		if _, live := h.sessions[w.sessionID]; !live {
			delete(h.watches, taskID)
			return
		}
		h.broadcast(w.sessionID, ev, nil)
		if w.userID != "" {
			for sessionID := range h.users[w.userID] {
				if sessionID != w.sessionID {
					h.broadcast(sessionID, ev, nil)
				}
			}
		}
	})
}

// SessionUsers returns the distinct user ids currently connected to the
// session, sorted.
func (h *Hub) SessionUsers(sessionID string) []string {
	var out []string
	h.do(func() { out = h.sessionUsers(sessionID) })
	return out
}

// TypingUsers returns the users currently flagged typing in the session,
// sorted.
func (h *Hub) TypingUsers(sessionID string) []string {
	var out []string
	h.do(func() { out = h.typingUsers(sessionID) })
	return out
}

// Context returns the session_context payload for the session.
func (h *Hub) Context(sessionID string) SessionContext {
	var out SessionContext
	h.do(func() { out = h.sessionContext(sessionID) })
	return out
}

// --- loop-internal helpers; must only run on the Run goroutine ---

func (h *Hub) broadcast(sessionID string, ev Event, exclude Conn) {
	conns := h.sessions[sessionID]
	if len(conns) == 0 {
		return
	}
	data := ev.Encode()
	var dead []Conn
	for c := range conns {
		if c == exclude {
			continue
		}
		if !c.Send(data) {
			dead = append(dead, c)
		}
	}
	// Lazy cleanup: a failed send is the signal the peer is gone.
	for _, c := range dead {
		h.leave(c, sessionID, true)
	}
}

func (h *Hub) leave(conn Conn, sessionID string, announce bool) {
	userID, known := h.connUser[conn]
	if conns, ok := h.sessions[sessionID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.sessions, sessionID)
			delete(h.typing, sessionID)
		}
	}
	delete(h.connUser, conn)
	delete(h.connSession, conn)
	if !known {
		return
	}
	if !h.userInSession(userID, sessionID) {
		h.setTyping(sessionID, userID, false)
		if set, ok := h.users[userID]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(h.users, userID)
			}
		}
		if announce {
			h.broadcast(sessionID, Event{Type: EventUserLeft, Payload: UserEvent{SessionID: sessionID, UserID: userID}}, nil)
		}
	}
	conn.Close()
}

func (h *Hub) userInSession(userID, sessionID string) bool {
	for c := range h.sessions[sessionID] {
		if h.connUser[c] == userID {
			return true
		}
	}
	return false
}

func (h *Hub) setTyping(sessionID, userID string, isTyping bool) {
	if isTyping {
		if _, live := h.sessions[sessionID]; !live {
			return
		}
		if h.typing[sessionID] == nil {
			h.typing[sessionID] = make(map[string]struct{})
		}
		h.typing[sessionID][userID] = struct{}{}
		return
	}
	if set, ok := h.typing[sessionID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(h.typing, sessionID)
		}
	}
}

func (h *Hub) sessionUsers(sessionID string) []string {
	seen := make(map[string]struct{})
	for c := range h.sessions[sessionID] {
		seen[h.connUser[c]] = struct{}{}
	}
	return sortedKeys(seen)
}

func (h *Hub) typingUsers(sessionID string) []string {
	return sortedKeys(h.typing[sessionID])
}

func (h *Hub) sessionContext(sessionID string) SessionContext {
	return SessionContext{
		SessionID:   sessionID,
		Users:       h.sessionUsers(sessionID),
		TypingUsers: h.typingUsers(sessionID),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
