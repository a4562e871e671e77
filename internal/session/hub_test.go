package session

import (
	"testing"
	"time"

	"github.com/cpsdqs/aof/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(userID int64) *conn {
	return &conn{
		userID:  userID,
		added:   time.Now(),
		outbox:  make(chan []byte, 8),
		closeCh: make(chan struct{}),
	}
}

// TestSessionCapEvictsOldest asserts Testable Property 12: opening a
// sixth concurrent session for the same user forces the oldest to close.
func TestSessionCapEvictsOldest(t *testing.T) {
	h := NewHub()
	conns := make([]*conn, 0, 6)
	for i := 0; i < 6; i++ {
		c := newTestConn(1)
		conns = append(conns, c)
		h.register(c)
	}

	select {
	case <-conns[0].closeCh:
	case <-time.After(time.Second):
		t.Fatal("oldest session was not force-closed after the sixth registration")
	}

	for _, c := range conns[1:] {
		select {
		case <-c.closeCh:
			t.Fatalf("session %d was closed unexpectedly", c.added.UnixNano())
		default:
		}
	}

	h.mu.Lock()
	list := h.users[1]
	h.mu.Unlock()
	assert.Len(t, list, 5)
	assert.NotContains(t, list, conns[0])
}

func TestDispatchExcludesOriginatingSession(t *testing.T) {
	h := NewHub()
	a := newTestConn(1)
	b := newTestConn(1)
	h.register(a)
	h.register(b)

	h.Dispatch(1, store.Event{Name: "source_user_data_did_update", Payload: map[string]any{"source": "ex://root"}}, a)

	select {
	case <-a.outbox:
		t.Fatal("excluded session received the event")
	default:
	}

	select {
	case frame := <-b.outbox:
		require.NotEmpty(t, frame)
		assert.Equal(t, frameServerEvent, frame[0])
	case <-time.After(time.Second):
		t.Fatal("non-excluded session did not receive the event")
	}
}

func TestUnregisterRemovesSession(t *testing.T) {
	h := NewHub()
	a := newTestConn(1)
	h.register(a)
	h.unregister(a)

	h.mu.Lock()
	_, ok := h.users[1]
	h.mu.Unlock()
	assert.False(t, ok)
}
