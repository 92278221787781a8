package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/manpreetbhatti/lattice/relay/internal/auth"
	"github.com/manpreetbhatti/lattice/relay/internal/crdt"
	"github.com/manpreetbhatti/lattice/relay/internal/metrics"
	"github.com/manpreetbhatti/lattice/relay/internal/ratelimit"
	"github.com/manpreetbhatti/lattice/relay/internal/room"
	"github.com/manpreetbhatti/lattice/relay/internal/snapshot"
	"go.uber.org/zap"
)

// ErrDraining is returned by Acquire once the hub started shutting down.
var ErrDraining = errors.New("ws: hub is draining")

type Options struct {
	AwarenessInterval time.Duration
	SnapshotInterval  time.Duration
	HandshakeTimeout  time.Duration
	SendQueueSize     int
	MaxMessageBytes   int64

	// Authorizer decides the role of each websocket request. Nil grants
	// every request the editor role.
	Authorizer auth.Authorizer
	// Admission limits upgrade attempts per remote address. Nil disables it.
	Admission *ratelimit.ClientLimiters
}

func DefaultOptions() Options {
	return Options{
		AwarenessInterval: 5 * time.Second,
		SnapshotInterval:  snapshot.DefaultConfig().Interval,
		HandshakeTimeout:  10 * time.Second,
		SendQueueSize:     256,
		MaxMessageBytes:   maxMessageSize,
	}
}

// The registry of open rooms and connected clients
type Hub struct {
	gateway *snapshot.Gateway
	flusher *snapshot.Flusher
	opts    Options
	log     *zap.Logger

	mu       sync.Mutex
	rooms    map[string]*entry
	closing  map[string]chan struct{}
	clients  map[*Client]struct{}
	draining bool

	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// entry is one room slot. ready is closed once the snapshot load finished;
// refs counts acquisitions not yet released.
type entry struct {
	room       *room.Room
	ready      chan struct{}
	refs       int
	loadFailed bool
}

func NewHub(gateway *snapshot.Gateway, opts Options, log *zap.Logger) *Hub {
	defaults := DefaultOptions()
	if opts.AwarenessInterval <= 0 {
		opts.AwarenessInterval = defaults.AwarenessInterval
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = defaults.SnapshotInterval
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaults.SendQueueSize
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaults.MaxMessageBytes
	}
	if opts.Authorizer == nil {
		opts.Authorizer = auth.Static{Role: auth.RoleEditor}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if gateway == nil {
		gateway = snapshot.NewGateway(snapshot.NopStore{}, 0, log)
	}

	h := &Hub{
		gateway: gateway,
		opts:    opts,
		log:     log,
		rooms:   make(map[string]*entry),
		closing: make(map[string]chan struct{}),
		clients: make(map[*Client]struct{}),
		stop:    make(chan struct{}),
	}
	h.flusher = snapshot.NewFlusher(h, gateway, snapshot.Config{Interval: opts.SnapshotInterval}, log)
	return h
}

// Start runs the periodic snapshot flush and awareness refresh.
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		h.flusher.Start()
		h.wg.Add(1)
		go h.refreshAwareness()
	})
}

// Stop ends the background loops and flushes every changed room once more.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.wg.Wait()
		h.flusher.Stop()
	})
}

func (h *Hub) refreshAwareness() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.opts.AwarenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			for _, r := range h.readyRooms() {
				r.RefreshAwareness()
			}
		}
	}
}

// Acquire returns the room for documentID, loading it from the snapshot
// store when it is not open yet. Concurrent calls for the same id share a
// single load. A call that arrives while the room's final save is running
// waits for it before loading again.
func (h *Hub) Acquire(documentID string) (*room.Room, error) {
	for {
		h.mu.Lock()
		if h.draining {
			h.mu.Unlock()
			return nil, ErrDraining
		}
		if done, ok := h.closing[documentID]; ok {
			h.mu.Unlock()
			<-done
			continue
		}
		if e, ok := h.rooms[documentID]; ok {
			e.refs++
			h.mu.Unlock()
			<-e.ready
			return e.room, nil
		}

		e := &entry{ready: make(chan struct{}), refs: 1}
		h.rooms[documentID] = e
		h.mu.Unlock()

		var corrupt bool
		e.room, e.loadFailed, corrupt = h.load(documentID)
		if corrupt {
			if err := h.flusher.FlushNow(context.Background(), e.room); err != nil {
				h.log.Warn("Failed to replace corrupt snapshot", zap.String("room", documentID), zap.Error(err))
			}
		}
		close(e.ready)
		metrics.ActiveRooms.Inc()
		return e.room, nil
	}
}

// load builds the room from its snapshot. A missing or corrupt snapshot
// gives an empty room. loadFailed reports that the store could not be read,
// in which case the stored snapshot must not be overwritten by an unchanged
// empty room. corrupt reports a snapshot that could not be decoded.
func (h *Hub) load(documentID string) (r *room.Room, loadFailed, corrupt bool) {
	log := h.log.With(zap.String("room", documentID))
	doc := crdt.NewDoc(0)

	data, err := h.gateway.Load(context.Background(), documentID)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		log.Debug("No snapshot, starting empty")
	case err != nil:
		log.Error("Failed to load snapshot, starting empty", zap.Error(err))
		loadFailed = true
	default:
		if _, err := doc.Apply(data); err != nil {
			log.Warn("Corrupt snapshot, starting empty", zap.Error(err))
			doc = crdt.NewDoc(0)
			corrupt = true
		} else {
			log.Info("Loaded snapshot", zap.Int("bytes", len(data)), zap.Int("ops", doc.OpCount()))
		}
	}
	return room.New(documentID, doc, h.log), loadFailed, corrupt
}

// Release gives back a room obtained from Acquire. The last release closes
// the room after one final snapshot save.
func (h *Hub) Release(r *room.Room) {
	id := r.ID()

	h.mu.Lock()
	e, ok := h.rooms[id]
	if !ok || e.room != r {
		h.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, id)
	done := make(chan struct{})
	h.closing[id] = done
	h.mu.Unlock()

	// Every snapshot call is bounded by the gateway timeout.
	saved, err := r.Flush(context.Background(), h.gateway.Save, !e.loadFailed)
	if err != nil {
		h.log.Error("Final snapshot save failed", zap.String("room", id), zap.Error(err))
	}

	h.mu.Lock()
	delete(h.closing, id)
	h.mu.Unlock()
	close(done)

	metrics.ActiveRooms.Dec()
	h.log.Info("Room closed (empty)", zap.String("room", id), zap.Bool("saved", saved))
}

// FlushTargets lists the open rooms for the snapshot flusher.
func (h *Hub) FlushTargets() []snapshot.Target {
	rooms := h.readyRooms()
	targets := make([]snapshot.Target, len(rooms))
	for i, r := range rooms {
		targets[i] = r
	}
	return targets
}

func (h *Hub) readyRooms() []*room.Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, e := range h.rooms {
		select {
		case <-e.ready:
			rooms = append(rooms, e.room)
		default:
		}
	}
	return rooms
}

// Room returns the open room for documentID.
func (h *Hub) Room(documentID string) (*room.Room, bool) {
	h.mu.Lock()
	e, ok := h.rooms[documentID]
	h.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.room, true
	default:
		return nil, false
	}
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.ActiveConnections.Inc()
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		metrics.ActiveConnections.Dec()
	}
}

// Draining reports whether the hub stopped accepting connections.
func (h *Hub) Draining() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.draining
}

// Drain stops accepting connections, closes every client with a going-away
// close and waits until all rooms were released and saved.
func (h *Hub) Drain(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.log.Info("Draining connections", zap.Int("clients", len(clients)))
	for _, c := range clients {
		c.Close()
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if h.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Hub) idle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients) == 0 && len(h.rooms) == 0 && len(h.closing) == 0
}

// GetRoomCount returns the number of open rooms.
func (h *Hub) GetRoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// GetClientCount returns the number of open connections.
func (h *Hub) GetClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// GetActiveRooms maps each open room to its member count.
func (h *Hub) GetActiveRooms() map[string]int {
	rooms := h.readyRooms()
	result := make(map[string]int, len(rooms))
	for _, r := range rooms {
		result[r.ID()] = r.MemberCount()
	}
	return result
}

// Stats returns snapshot store statistics when the store provides them.
func (h *Hub) Stats(ctx context.Context) (map[string]interface{}, error) {
	return h.gateway.Stats(ctx)
}
