package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/lattice/relay/internal/auth"
	"github.com/manpreetbhatti/lattice/relay/internal/crdt"
	"github.com/manpreetbhatti/lattice/relay/internal/metrics"
	"github.com/manpreetbhatti/lattice/relay/internal/protocol"
	"github.com/manpreetbhatti/lattice/relay/internal/room"
	"github.com/manpreetbhatti/lattice/relay/internal/snapshot"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore counts loads and slows them down so concurrent acquires
// overlap.
type countingStore struct {
	*snapshot.MemoryStore
	loads atomic.Int32
}

func (s *countingStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	s.loads.Add(1)
	time.Sleep(20 * time.Millisecond)
	return s.MemoryStore.Load(ctx, documentID)
}

// brokenStore cannot be read.
type brokenStore struct {
	*snapshot.MemoryStore
}

func (brokenStore) Load(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

// blockingStore holds every save until release is closed.
type blockingStore struct {
	*snapshot.MemoryStore
	saving  chan struct{}
	release chan struct{}
}

func (s *blockingStore) Save(ctx context.Context, documentID string, data []byte) error {
	s.saving <- struct{}{}
	<-s.release
	return s.MemoryStore.Save(ctx, documentID, data)
}

func newTestHub(store snapshot.Store, opts Options) *Hub {
	return NewHub(snapshot.NewGateway(store, time.Second, nil), opts, nil)
}

func TestAcquireSharesSingleLoad(t *testing.T) {
	store := &countingStore{MemoryStore: snapshot.NewMemoryStore()}
	hub := newTestHub(store, Options{})

	const n = 50
	rooms := make([]*room.Room, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := hub.Acquire("notes")
			assert.NoError(t, err)
			rooms[i] = r
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, store.loads.Load())
	assert.Equal(t, 1, hub.GetRoomCount())
	for _, r := range rooms {
		assert.Same(t, rooms[0], r)
	}

	for _, r := range rooms {
		hub.Release(r)
	}
	assert.Equal(t, 0, hub.GetRoomCount())
	assert.Equal(t, 1, store.SaveCount("notes"))
}

func TestReleaseKeepsRoomWhileReferenced(t *testing.T) {
	hub := newTestHub(snapshot.NewMemoryStore(), Options{})

	a, err := hub.Acquire("notes")
	require.NoError(t, err)
	b, err := hub.Acquire("notes")
	require.NoError(t, err)

	hub.Release(a)
	r, ok := hub.Room("notes")
	require.True(t, ok)
	assert.Same(t, b, r)

	hub.Release(b)
	_, ok = hub.Room("notes")
	assert.False(t, ok)

	// Releasing a stale room is a no-op.
	hub.Release(b)
	assert.Equal(t, 0, hub.GetRoomCount())
}

func TestAcquireLoadsSnapshot(t *testing.T) {
	store := snapshot.NewMemoryStore()
	doc := crdt.NewDoc(7)
	doc.Insert(0, "persisted")
	store.Put("notes", doc.EncodeStateAsUpdate(nil))

	hub := newTestHub(store, Options{})
	r, err := hub.Acquire("notes")
	require.NoError(t, err)
	assert.Equal(t, "persisted", r.Text())
	hub.Release(r)
}

func TestCorruptSnapshotStartsEmpty(t *testing.T) {
	store := snapshot.NewMemoryStore()
	store.Put("notes", []byte{0xfe, 0x01, 0x02})

	hub := newTestHub(store, Options{})
	r, err := hub.Acquire("notes")
	require.NoError(t, err)
	assert.Equal(t, "", r.Text())

	// The unreadable snapshot is replaced as soon as the room opens.
	assert.Equal(t, 1, store.SaveCount("notes"))
	data, err := store.Load(context.Background(), "notes")
	require.NoError(t, err)
	assert.NotEqual(t, []byte{0xfe, 0x01, 0x02}, data)

	hub.Release(r)
	assert.Equal(t, 2, store.SaveCount("notes"))
}

func TestLoadFailureDoesNotOverwrite(t *testing.T) {
	store := brokenStore{MemoryStore: snapshot.NewMemoryStore()}
	hub := newTestHub(store, Options{})

	r, err := hub.Acquire("notes")
	require.NoError(t, err)
	assert.Equal(t, "", r.Text())

	hub.Release(r)
	assert.Equal(t, 0, store.SaveCount("notes"))
}

func TestAcquireWaitsForFinalSave(t *testing.T) {
	store := &blockingStore{
		MemoryStore: snapshot.NewMemoryStore(),
		saving:      make(chan struct{}, 2),
		release:     make(chan struct{}),
	}
	hub := newTestHub(store, Options{})

	first, err := hub.Acquire("notes")
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		hub.Release(first)
		close(released)
	}()
	<-store.saving

	acquired := make(chan *room.Room, 1)
	go func() {
		r, err := hub.Acquire("notes")
		assert.NoError(t, err)
		acquired <- r
	}()

	select {
	case <-acquired:
		t.Fatal("acquire returned while the final save was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	<-released

	select {
	case second := <-acquired:
		assert.NotSame(t, first, second)
		hub.Release(second)
	case <-time.After(time.Second):
		t.Fatal("acquire did not return after the save finished")
	}
}

func TestFlushTargetsListsReadyRooms(t *testing.T) {
	hub := newTestHub(snapshot.NewMemoryStore(), Options{})

	a, err := hub.Acquire("a")
	require.NoError(t, err)
	b, err := hub.Acquire("b")
	require.NoError(t, err)

	assert.Len(t, hub.FlushTargets(), 2)
	assert.Equal(t, map[string]int{"a": 0, "b": 0}, hub.GetActiveRooms())

	hub.Release(a)
	hub.Release(b)
	assert.Empty(t, hub.FlushTargets())
}

func TestDrainRejectsAcquire(t *testing.T) {
	hub := newTestHub(snapshot.NewMemoryStore(), Options{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, hub.Drain(ctx))
	assert.True(t, hub.Draining())

	_, err := hub.Acquire("notes")
	assert.ErrorIs(t, err, ErrDraining)
}

// End-to-end tests over a real websocket.

func startServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
}

// wsClient is a test editor holding its own replica.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	doc  *crdt.Doc
}

func dial(t *testing.T, srv *httptest.Server, documentID string, client uint64) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "doc="+documentID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn, doc: crdt.NewDoc(client)}
}

func (c *wsClient) write(msg []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, msg))
}

func (c *wsClient) read() protocol.Frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	f, err := protocol.ParseFrame(msg)
	require.NoError(c.t, err)
	return f
}

// readError reads until an error frame arrives and returns its code.
func (c *wsClient) readError() protocol.ErrorCode {
	c.t.Helper()
	for {
		f := c.read()
		if f.Type != protocol.MessageTypeError {
			continue
		}
		code, _, err := protocol.ParseError(f.Payload)
		require.NoError(c.t, err)
		return code
	}
}

// expectClose reads until the server closes the connection.
func (c *wsClient) expectClose() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			require.True(c.t, errors.As(err, &ce), "expected close frame, got %v", err)
			return
		}
	}
}

// handshake joins documentID and exchanges state until the replica caught up.
func (c *wsClient) handshake(documentID string) {
	c.t.Helper()
	c.write(protocol.EncodeJoin(documentID))

	f := c.read()
	require.Equal(c.t, protocol.MessageTypeJoined, f.Type)
	require.Equal(c.t, documentID, string(f.Payload))

	f = c.read()
	require.Equal(c.t, protocol.MessageTypeSync, f.Type)
	require.Equal(c.t, protocol.SyncStep1, f.Step)
	roomSV, err := crdt.DecodeStateVector(f.Payload)
	require.NoError(c.t, err)

	c.write(protocol.EncodeSync(protocol.SyncStep1, c.doc.StateVector().Encode()))
	c.write(protocol.EncodeSync(protocol.SyncStep2, c.doc.EncodeStateAsUpdate(roomSV)))

	f = c.read()
	require.Equal(c.t, protocol.MessageTypeSync, f.Type)
	require.Equal(c.t, protocol.SyncStep2, f.Step)
	_, err = c.doc.Apply(f.Payload)
	require.NoError(c.t, err)
}

// awaitText applies incoming updates until the replica shows want.
func (c *wsClient) awaitText(want string) {
	c.t.Helper()
	for c.doc.String() != want {
		f := c.read()
		if f.Type == protocol.MessageTypeSync && f.Step != protocol.SyncStep1 {
			_, err := c.doc.Apply(f.Payload)
			require.NoError(c.t, err)
		}
	}
}

func TestWebSocketHelloWorld(t *testing.T) {
	store := snapshot.NewMemoryStore()
	hub := newTestHub(store, Options{})
	srv := startServer(t, hub)

	a := dial(t, srv, "notes", 1)
	a.handshake("notes")
	a.write(protocol.EncodeSync(protocol.SyncUpdate, a.doc.Insert(0, "hello")))

	require.Eventually(t, func() bool {
		r, ok := hub.Room("notes")
		return ok && r.Text() == "hello"
	}, 2*time.Second, 10*time.Millisecond)

	b := dial(t, srv, "notes", 2)
	b.handshake("notes")
	assert.Equal(t, "hello", b.doc.String())

	b.write(protocol.EncodeSync(protocol.SyncUpdate, b.doc.Insert(5, " world")))
	a.awaitText("hello world")
	assert.Equal(t, 2, hub.GetClientCount())
}

func TestWebSocketHandshakeTimeout(t *testing.T) {
	hub := newTestHub(snapshot.NewMemoryStore(), Options{HandshakeTimeout: 100 * time.Millisecond})
	srv := startServer(t, hub)

	c := dial(t, srv, "notes", 1)
	assert.Equal(t, protocol.CodeHandshakeTimeout, c.readError())
	c.expectClose()
}

func TestWebSocketDocumentMismatch(t *testing.T) {
	hub := newTestHub(snapshot.NewMemoryStore(), Options{})
	srv := startServer(t, hub)

	c := dial(t, srv, "notes", 1)
	c.write(protocol.EncodeJoin("other"))
	assert.Equal(t, protocol.CodeDocumentMismatch, c.readError())
	c.expectClose()
	assert.Equal(t, 0, hub.GetRoomCount())
}

func TestWebSocketSyncBeforeJoin(t *testing.T) {
	hub := newTestHub(snapshot.NewMemoryStore(), Options{})
	srv := startServer(t, hub)

	c := dial(t, srv, "notes", 1)
	c.write(protocol.EncodeSync(protocol.SyncUpdate, c.doc.Insert(0, "x")))
	assert.Equal(t, protocol.CodeUnexpectedMessage, c.readError())

	// The connection survives and can still join.
	c.handshake("notes")
}

func TestWebSocketMalformedFrame(t *testing.T) {
	hub := newTestHub(snapshot.NewMemoryStore(), Options{})
	srv := startServer(t, hub)

	c := dial(t, srv, "notes", 1)
	c.write([]byte{0x7f})
	assert.Equal(t, protocol.CodeMalformedFrame, c.readError())
}

func TestWebSocketViewerCannotEdit(t *testing.T) {
	hub := newTestHub(snapshot.NewMemoryStore(), Options{Authorizer: auth.Static{Role: auth.RoleViewer}})
	srv := startServer(t, hub)

	c := dial(t, srv, "notes", 1)
	c.handshake("notes")
	c.write(protocol.EncodeSync(protocol.SyncUpdate, c.doc.Insert(0, "nope")))
	assert.Equal(t, protocol.CodeReadOnly, c.readError())

	r, ok := hub.Room("notes")
	require.True(t, ok)
	assert.Equal(t, "", r.Text())
}

func TestWebSocketViewerWithLocalContentStaysConnected(t *testing.T) {
	hub := newTestHub(snapshot.NewMemoryStore(), Options{
		Authorizer:       auth.Static{Role: auth.RoleViewer},
		HandshakeTimeout: 150 * time.Millisecond,
	})
	srv := startServer(t, hub)

	c := dial(t, srv, "notes", 1)
	c.doc.Insert(0, "offline draft")
	c.handshake("notes")
	assert.Equal(t, protocol.CodeReadOnly, c.readError())

	assert.Never(t, func() bool {
		r, ok := hub.Room("notes")
		return !ok || r.MemberCount() != 1 || hub.GetClientCount() != 1
	}, 500*time.Millisecond, 20*time.Millisecond)
}

func TestWebSocketMergeFailureFlushesErrorFrame(t *testing.T) {
	hub := newTestHub(snapshot.NewMemoryStore(), Options{})
	srv := startServer(t, hub)
	slowBefore := testutil.ToFloat64(metrics.SlowConsumers)

	a := dial(t, srv, "notes", 1)
	a.handshake("notes")
	c := dial(t, srv, "notes", 2)
	c.handshake("notes")

	c.write(protocol.EncodeSync(protocol.SyncUpdate, []byte{0x01}))
	c.write(protocol.EncodeSync(protocol.SyncUpdate, []byte{0x01}))
	for i := 0; i < 20; i++ {
		a.write(protocol.EncodeSync(protocol.SyncUpdate, a.doc.Insert(0, "x")))
	}

	assert.Equal(t, protocol.CodeMergeFailed, c.readError())
	assert.Equal(t, protocol.CodeMergeFailed, c.readError())
	c.expectClose()
	assert.Equal(t, slowBefore, testutil.ToFloat64(metrics.SlowConsumers))
}

func TestWebSocketRejectsRequests(t *testing.T) {
	tests := []struct {
		name   string
		role   auth.Role
		query  string
		status int
	}{
		{"missing doc", auth.RoleEditor, "", http.StatusBadRequest},
		{"doc too long", auth.RoleEditor, "doc=" + strings.Repeat("x", protocol.MaxDocumentIDLength+1), http.StatusBadRequest},
		{"no access", auth.RoleNone, "doc=notes", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := newTestHub(snapshot.NewMemoryStore(), Options{Authorizer: auth.Static{Role: tt.role}})
			srv := startServer(t, hub)

			_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tt.query), nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestWebSocketRoomAlias(t *testing.T) {
	hub := newTestHub(snapshot.NewMemoryStore(), Options{})
	srv := startServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "room=notes"), nil)
	require.NoError(t, err)
	defer conn.Close()

	c := &wsClient{t: t, conn: conn, doc: crdt.NewDoc(1)}
	c.handshake("notes")
}

func TestWebSocketDrain(t *testing.T) {
	store := snapshot.NewMemoryStore()
	hub := newTestHub(store, Options{})
	srv := startServer(t, hub)

	c := dial(t, srv, "notes", 1)
	c.handshake("notes")
	c.write(protocol.EncodeSync(protocol.SyncUpdate, c.doc.Insert(0, "saved on shutdown")))
	require.Eventually(t, func() bool {
		r, ok := hub.Room("notes")
		return ok && r.Text() == "saved on shutdown"
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Drain(ctx))
	c.expectClose()

	assert.Equal(t, 0, hub.GetClientCount())
	assert.Equal(t, 1, store.SaveCount("notes"))

	data, err := store.Load(context.Background(), "notes")
	require.NoError(t, err)
	doc := crdt.NewDoc(9)
	_, err = doc.Apply(data)
	require.NoError(t, err)
	assert.Equal(t, "saved on shutdown", doc.String())

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "doc=notes"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
