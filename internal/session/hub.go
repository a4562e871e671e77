package session

import (
	"sync"
	"time"

	"github.com/cpsdqs/aof/internal/store"
)

const maxUserSessions = 5

// conn is the hub's view of one live connection: an outbound frame
// queue plus the time it was registered. Oldest-eviction goes by the
// order of the hub's per-user list, not by this timestamp. The conn
// pointer itself doubles as the store.Dispatcher exclude token.
type conn struct {
	userID  int64
	added   time.Time
	outbox  chan []byte
	closeCh chan struct{}
	once    sync.Once

	pingMu       sync.Mutex
	lastPing     []byte
	pongDeadline time.Time
}

func (c *conn) mu() *sync.Mutex { return &c.pingMu }

func (c *conn) send(frame []byte) {
	select {
	case c.outbox <- frame:
	default: // slow consumer: drop, matching the broadcaster's backpressure policy
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.closeCh) })
}

// Hub is the user_manager of §5: per-user sets of live sessions,
// inserted on first connection and removed on last disconnect, fanning
// store events out to every session of a user except an excluded one.
type Hub struct {
	mu    sync.Mutex
	users map[int64][]*conn
}

// NewHub constructs an empty Hub. Call SetDispatcher on the store with
// it so store writes fan out to live sessions.
func NewHub() *Hub {
	return &Hub{users: make(map[int64][]*conn)}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.users[c.userID]
	list = append(list, c)
	if len(list) > maxUserSessions {
		oldest := list[0]
		list = list[1:]
		go oldest.close()
	}
	h.users[c.userID] = list
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.users[c.userID]
	for i, s := range list {
		if s == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.users, c.userID)
	} else {
		h.users[c.userID] = list
	}
}

// Dispatch implements store.Dispatcher: it fans evt out to every live
// session of userID, skipping exclude when it names one of them.
func (h *Hub) Dispatch(userID int64, evt store.Event, exclude any) {
	frame, err := encodeEventPayload(evt)
	if err != nil {
		return
	}
	h.mu.Lock()
	list := append([]*conn(nil), h.users[userID]...)
	h.mu.Unlock()

	excluded, _ := exclude.(*conn)
	for _, c := range list {
		if c == excluded {
			continue
		}
		c.send(frame)
	}
}
