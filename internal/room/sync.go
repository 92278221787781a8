package room

import (
	"errors"
	"fmt"

	"github.com/manpreetbhatti/lattice/relay/internal/crdt"
	"github.com/manpreetbhatti/lattice/relay/internal/metrics"
	"github.com/manpreetbhatti/lattice/relay/internal/protocol"
	"go.uber.org/zap"
)

// State is a member's position in the sync handshake.
type State int

const (
	StateConnecting State = iota
	StateAwaitingPeerState
	StateSynced
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingPeerState:
		return "awaiting-peer-state"
	case StateSynced:
		return "synced"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type member struct {
	state    State
	readOnly bool

	// enrolled members receive broadcasts; set together with the catch-up
	// diff so no update falls between the two.
	enrolled          bool
	diffSent          bool
	peerStateApplied  bool
	consecutiveFailed int

	awareness []byte
}

// JoinOutcome describes what the room sent to a new member.
type JoinOutcome struct {
	DocumentID  string
	StateVector crdt.StateVector
	Members     int
}

// Join admits p and starts the handshake: the joined-ack and the room's
// state vector are queued for p. Viewers join with readOnly set.
func (r *Room) Join(p Peer, readOnly bool) (JoinOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[p]; ok {
		return JoinOutcome{}, ErrAlreadyJoined
	}
	m := &member{state: StateAwaitingPeerState, readOnly: readOnly}
	r.members[p] = m

	sv := r.doc.StateVector()
	r.deliver(p, protocol.EncodeJoined(r.id))
	r.deliver(p, protocol.EncodeSync(protocol.SyncStep1, sv.Encode()))

	r.log.Info("Client joined room",
		zap.String("client", p.ID()),
		zap.Bool("readOnly", readOnly),
		zap.Int("total", len(r.members)))

	return JoinOutcome{DocumentID: r.id, StateVector: sv, Members: len(r.members)}, nil
}

// HandleSync processes a sync frame from p.
func (r *Room) HandleSync(p Peer, step protocol.SyncStep, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[p]
	if !ok || m.state == StateClosed {
		return protocol.WithCode(protocol.CodeUnexpectedMessage, ErrNotMember)
	}

	switch step {
	case protocol.SyncStep1:
		return r.sendDiff(p, m, payload)
	case protocol.SyncStep2:
		return r.applyPeerState(p, m, payload)
	case protocol.SyncUpdate:
		return r.applyUpdate(p, m, payload)
	}
	return protocol.WithCode(protocol.CodeUnexpectedMessage, fmt.Errorf("%w: sync step %d", ErrUnexpectedMessage, step))
}

// ApplyUpdate merges an update blob from p and relays it to the others.
func (r *Room) ApplyUpdate(p Peer, update []byte) error {
	return r.HandleSync(p, protocol.SyncUpdate, update)
}

// Synced reports whether p completed the handshake.
func (r *Room) Synced(p Peer) bool {
	return r.State(p) == StateSynced
}

// State returns the handshake state of p. Peers that are not members are
// reported as closed.
func (r *Room) State(p Peer) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[p]; ok {
		return m.state
	}
	return StateClosed
}

// sendDiff answers a peer's state vector with everything it lacks and enrolls
// it for broadcasts.
func (r *Room) sendDiff(p Peer, m *member, payload []byte) error {
	sv, err := crdt.DecodeStateVector(payload)
	if err != nil {
		return protocol.WithCode(protocol.CodeMalformedFrame, err)
	}
	m.enrolled = true
	m.diffSent = true
	r.deliver(p, protocol.EncodeSync(protocol.SyncStep2, r.doc.EncodeStateAsUpdate(sv)))
	r.checkSynced(p, m)
	return nil
}

func (r *Room) applyPeerState(p Peer, m *member, payload []byte) error {
	if m.readOnly {
		u, err := crdt.DecodeUpdate(payload)
		if err != nil {
			return r.mergeFailed(p, m, err)
		}
		m.consecutiveFailed = 0
		// The viewer's own content is refused, but its handshake still
		// completes.
		m.peerStateApplied = true
		r.checkSynced(p, m)
		if u.Len() > 0 {
			metrics.UpdatesTotal.WithLabelValues("read_only").Inc()
			return protocol.WithCode(protocol.CodeReadOnly, ErrReadOnly)
		}
		return nil
	} else if err := r.merge(p, m, payload); err != nil {
		return err
	}
	m.peerStateApplied = true
	r.checkSynced(p, m)
	return nil
}

func (r *Room) applyUpdate(p Peer, m *member, payload []byte) error {
	if m.readOnly {
		metrics.UpdatesTotal.WithLabelValues("read_only").Inc()
		return protocol.WithCode(protocol.CodeReadOnly, ErrReadOnly)
	}
	return r.merge(p, m, payload)
}

// merge applies a blob to the replica and relays it when it carried anything
// new.
func (r *Room) merge(p Peer, m *member, payload []byte) error {
	fresh, err := r.doc.Apply(payload)
	if err != nil {
		return r.mergeFailed(p, m, err)
	}
	m.consecutiveFailed = 0
	if fresh == 0 {
		metrics.UpdatesTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	metrics.UpdatesTotal.WithLabelValues("applied").Inc()
	r.version++
	r.broadcast(p, protocol.EncodeSync(protocol.SyncUpdate, payload))
	return nil
}

func (r *Room) mergeFailed(p Peer, m *member, cause error) error {
	metrics.UpdatesTotal.WithLabelValues("malformed").Inc()
	m.consecutiveFailed++
	r.log.Warn("Rejected update", zap.String("client", p.ID()), zap.Int("consecutive", m.consecutiveFailed), zap.Error(cause))
	if m.consecutiveFailed >= maxMergeFailures {
		m.state = StateClosed
		r.remove(p, m)
		return protocol.WithCode(protocol.CodeMergeFailed, fmt.Errorf("%w: %v", ErrRepeatedMergeFailure, cause))
	}
	return protocol.WithCode(protocol.CodeMergeFailed, cause)
}

func (r *Room) checkSynced(p Peer, m *member) {
	if m.state != StateAwaitingPeerState || !m.diffSent || !m.peerStateApplied {
		return
	}
	m.state = StateSynced
	metrics.HandshakesTotal.WithLabelValues("synced").Inc()
	r.log.Debug("Client synced", zap.String("client", p.ID()))
}

// IsFatal reports whether err ends the member's session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrRepeatedMergeFailure)
}
