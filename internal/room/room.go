package room

import (
	"context"
	"errors"
	"sync"

	"github.com/manpreetbhatti/lattice/relay/internal/crdt"
	"github.com/manpreetbhatti/lattice/relay/internal/metrics"
	"github.com/manpreetbhatti/lattice/relay/internal/protocol"
	"go.uber.org/zap"
)

var (
	// ErrNotMember is returned for frames from a peer that has not joined or
	// was already removed.
	ErrNotMember = errors.New("room: not a member")

	// ErrAlreadyJoined is returned when a peer joins twice.
	ErrAlreadyJoined = errors.New("room: already joined")

	// ErrUnexpectedMessage is returned for frames that are not valid in the
	// member's current handshake state.
	ErrUnexpectedMessage = errors.New("room: unexpected message")

	// ErrReadOnly is returned when a viewer tries to change the document.
	ErrReadOnly = errors.New("room: read-only member")

	// ErrRepeatedMergeFailure is returned once a member sent too many
	// undecodable updates in a row. The member is removed.
	ErrRepeatedMergeFailure = errors.New("room: repeated merge failure")

	// ErrPeerClosed is returned by Peer.Send once the connection is shutting
	// down.
	ErrPeerClosed = errors.New("room: peer closed")

	// ErrQueueFull is returned by Peer.Send when the outbound queue is full.
	ErrQueueFull = errors.New("room: send queue full")
)

// maxMergeFailures is the number of consecutive bad updates a member may send.
const maxMergeFailures = 2

// Peer is the room's view of a connection.
type Peer interface {
	// ID returns the connection identity used for awareness.
	ID() string
	// Send enqueues a frame without blocking. It returns ErrPeerClosed or
	// ErrQueueFull when the frame could not be queued.
	Send(msg []byte) error
	// Kick drops the connection immediately.
	Kick()
}

// A collaborative editing session over one document
type Room struct {
	id  string
	log *zap.Logger

	mu      sync.Mutex
	doc     *crdt.Doc
	members map[Peer]*member
	version uint64

	// saveMu serializes snapshot saves; savedVersion is guarded by mu.
	saveMu       sync.Mutex
	savedVersion uint64
}

// Creates a new room for documentID around an already loaded replica
func New(documentID string, doc *crdt.Doc, log *zap.Logger) *Room {
	if doc == nil {
		doc = crdt.NewDoc(0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Room{
		id:      documentID,
		log:     log.With(zap.String("room", documentID)),
		doc:     doc,
		members: make(map[Peer]*member),
	}
}

// ID returns the document id of the room.
func (r *Room) ID() string {
	return r.id
}

// MemberCount returns the number of joined members.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// StateVector returns the room's current state vector.
func (r *Room) StateVector() crdt.StateVector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.StateVector()
}

// Snapshot returns the full replica state as an update blob.
func (r *Room) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeStateAsUpdate(nil)
}

// Text returns the visible document text.
func (r *Room) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.String()
}

// Dirty reports whether the replica changed since the last successful save.
func (r *Room) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version != r.savedVersion
}

// Leave removes p from the room, clears its awareness and tells the others.
// It returns the number of members left.
func (r *Room) Leave(p Peer) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[p]
	if !ok {
		return len(r.members)
	}
	m.state = StateClosed
	r.remove(p, m)
	r.log.Debug("Client left room", zap.String("client", p.ID()), zap.Int("remaining", len(r.members)))
	return len(r.members)
}

// Flush saves the replica through save when it changed since the last save,
// or unconditionally when force is set. It reports whether a save ran.
// Concurrent flushes of the same room are serialized.
func (r *Room) Flush(ctx context.Context, save func(context.Context, string, []byte) error, force bool) (bool, error) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	version := r.version
	if !force && version == r.savedVersion {
		r.mu.Unlock()
		return false, nil
	}
	data := r.doc.EncodeStateAsUpdate(nil)
	r.mu.Unlock()

	if err := save(ctx, r.id, data); err != nil {
		return false, err
	}

	r.mu.Lock()
	if version > r.savedVersion {
		r.savedVersion = version
	}
	r.mu.Unlock()
	return true, nil
}

// remove drops a member and broadcasts its awareness removal. Caller holds mu.
func (r *Room) remove(p Peer, m *member) {
	delete(r.members, p)
	if m.awareness != nil {
		r.broadcastAwareness(p, []protocol.AwarenessEntry{{ClientID: p.ID()}})
	}
}

// deliver enqueues msg for p. A peer that is already closing is dropped
// quietly; one whose queue is full is evicted. Caller holds mu.
func (r *Room) deliver(p Peer, msg []byte) {
	m, ok := r.members[p]
	if !ok {
		return
	}
	err := p.Send(msg)
	if err == nil {
		return
	}
	if errors.Is(err, ErrPeerClosed) {
		m.state = StateClosed
		r.remove(p, m)
		return
	}
	metrics.SlowConsumers.Inc()
	r.log.Warn("Dropping slow client", zap.String("client", p.ID()))
	m.state = StateClosed
	p.Kick()
	r.remove(p, m)
}

// broadcast fans msg out to every enrolled member except the sender. Caller
// holds mu.
func (r *Room) broadcast(sender Peer, msg []byte) {
	for p, m := range r.members {
		if p == sender || !m.enrolled || m.state == StateClosed {
			continue
		}
		metrics.BroadcastFrames.Inc()
		r.deliver(p, msg)
	}
}
