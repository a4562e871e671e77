package store

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", slog.Default())
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCanonicalizeURIIdempotence(t *testing.T) {
	cases := []string{
		"ex://root",
		"ex:///root",
		"ex://root?x=1#frag",
	}
	for _, c := range cases {
		once, err := CanonicalizeURI(c)
		require.NoError(t, err)
		twice, err := CanonicalizeURI(once.String())
		require.NoError(t, err)
		assert.Equal(t, once.String(), twice.String())
	}
	_, err := CanonicalizeURI("not a uri")
	assert.ErrorIs(t, err, ErrInvalidURI)
}

func TestSourceVersionHashDeterminism(t *testing.T) {
	// A multi-key map exercises Go's randomized map iteration order —
	// a single-key map can't distinguish a sorted encode from an
	// unsorted one.
	meta := map[string]any{"title": "T", "author": "A", "description": "D", "tags": "x"}
	items := []SourceItemMeta{{Path: "/a", Tags: map[string]any{"one": 1, "two": 2, "three": 3}}}
	var hashes []string
	for i := 0; i < 20; i++ {
		h, err := SourceVersionHash(meta, items, nil)
		require.NoError(t, err)
		hashes = append(hashes, h)
	}
	for _, h := range hashes {
		assert.Equal(t, hashes[0], h)
	}
}

func TestItemVersionHashDeterminism(t *testing.T) {
	tags := map[string]any{"title": "T", "contents": "body", "author": "A", "published": true}
	var hashes []string
	for i := 0; i < 20; i++ {
		h, err := ItemVersionHash(tags, nil)
		require.NoError(t, err)
		hashes = append(hashes, h)
	}
	for _, h := range hashes {
		assert.Equal(t, hashes[0], h)
	}
}

func TestCreateSourceVersionRoundTripMultiKeyMetadata(t *testing.T) {
	s := newTestStore(t)
	meta := map[string]any{"title": "T", "author": "A", "description": "D"}
	items := []SourceItemMeta{{Path: "/a", Tags: map[string]any{"one": int8(1), "two": int8(2)}}}

	h1, err := s.CreateSourceVersion("ex://root", meta, items, nil)
	require.NoError(t, err)
	// Re-inserting the same semantic content, freshly constructed, must
	// still hash to the same value and hit the insert-or-ignore path.
	meta2 := map[string]any{"description": "D", "title": "T", "author": "A"}
	h2, err := s.CreateSourceVersion("ex://root", meta2, items, nil)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	sv, err := s.GetSourceVersion("ex://root", h1)
	require.NoError(t, err)
	assert.Equal(t, "T", sv.Metadata["title"])
	assert.Equal(t, "A", sv.Metadata["author"])
	assert.Equal(t, "D", sv.Metadata["description"])
}

func TestCreateSourceVersionIsInsertOrIgnore(t *testing.T) {
	s := newTestStore(t)
	meta := map[string]any{"title": "T"}
	items := []SourceItemMeta{{Path: "/a"}}

	h1, err := s.CreateSourceVersion("ex://root", meta, items, nil)
	require.NoError(t, err)
	h2, err := s.CreateSourceVersion("ex://root", meta, items, nil)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	sv, err := s.GetSourceVersion("ex://root", h1)
	require.NoError(t, err)
	assert.Equal(t, "T", sv.Metadata["title"])
	assert.Equal(t, "/a", sv.Items[0].Path)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Subscribe(1, "ex://root"))

	sub, err := s.IsSubscribed(1, "ex://root")
	require.NoError(t, err)
	assert.True(t, sub)

	err = s.Subscribe(1, "ex://root")
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	require.NoError(t, s.Unsubscribe(1, "ex://root"))
	err = s.Unsubscribe(1, "ex://root")
	assert.ErrorIs(t, err, ErrNotSubscribed)
}

type captureDispatcher struct {
	events []capturedEvent
}

type capturedEvent struct {
	userID  int64
	evt     Event
	exclude any
}

func (c *captureDispatcher) Dispatch(userID int64, evt Event, exclude any) {
	c.events = append(c.events, capturedEvent{userID, evt, exclude})
}

func TestEventDeliveryOnSourceUpdate(t *testing.T) {
	s := newTestStore(t)
	cap := &captureDispatcher{}
	s.SetDispatcher(cap)

	require.NoError(t, s.Subscribe(1, "ex://root"))
	hash, err := s.CreateSourceVersion("ex://root", map[string]any{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.UserUpdateSource(1, "ex://root", time.Now(), hash))

	require.Len(t, cap.events, 2) // subscribe event + update event
	last := cap.events[len(cap.events)-1]
	assert.Equal(t, int64(1), last.userID)
	assert.Equal(t, "subscribed_source_did_update", last.evt.Name)
}

func TestEchoSuppressOnUserData(t *testing.T) {
	s := newTestStore(t)
	cap := &captureDispatcher{}
	s.SetDispatcher(cap)

	sessionA := "session-a"
	require.NoError(t, s.UserUpdateSourceData(1, "ex://root", []byte{0xDE, 0xAD}, sessionA))

	require.Len(t, cap.events, 1)
	assert.Equal(t, sessionA, cap.events[0].exclude)
}

func TestGarbageCollectRemovesUnreferencedVersion(t *testing.T) {
	s := newTestStore(t)
	hash, err := s.CreateSourceVersion("ex://root", map[string]any{}, []SourceItemMeta{{Path: "/a"}}, nil)
	require.NoError(t, err)

	require.NoError(t, s.UserUpdateSource(1, "ex://root", time.Now(), hash))
	require.NoError(t, s.UserDeleteSource(1, "ex://root"))
	require.NoError(t, s.GarbageCollect())

	_, err = s.GetSourceVersion("ex://root", hash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDomainIDGenerationAndLookup(t *testing.T) {
	s := newTestStore(t)
	u, err := s.CreateUser("alice", "pw", []byte("env"))
	require.NoError(t, err)

	id, err := s.CreateDomain(u.ID, "ex", "Example")
	require.NoError(t, err)
	assert.Len(t, id, domainIDLen)

	d, err := s.DomainByID(id)
	require.NoError(t, err)
	assert.Equal(t, "Example", d.Name)
	assert.False(t, d.IsPublic)
}

func TestUserPasswordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateUser("alice", "pw", []byte("env"))
	require.NoError(t, err)

	u, err := s.VerifyPassword("alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)

	_, err = s.VerifyPassword("alice", "wrong")
	assert.ErrorIs(t, err, ErrForbidden)
}
