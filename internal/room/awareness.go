package room

import (
	"github.com/manpreetbhatti/lattice/relay/internal/protocol"
)

// ApplyAwareness replaces p's awareness state and relays it to the other
// members. An empty state removes it.
func (r *Room) ApplyAwareness(p Peer, state []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[p]
	if !ok || m.state == StateClosed {
		return protocol.WithCode(protocol.CodeUnexpectedMessage, ErrNotMember)
	}

	if len(state) == 0 {
		if m.awareness == nil {
			return nil
		}
		m.awareness = nil
	} else {
		m.awareness = append([]byte(nil), state...)
	}
	r.broadcastAwareness(p, []protocol.AwarenessEntry{{ClientID: p.ID(), State: m.awareness}})
	return nil
}

// RefreshAwareness sends every member the current awareness of all the
// others. Nothing is sent to a member when nobody else has awareness set.
func (r *Room) RefreshAwareness() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []protocol.AwarenessEntry
	owners := make([]Peer, 0, len(r.members))
	for p, m := range r.members {
		if m.awareness != nil {
			all = append(all, protocol.AwarenessEntry{ClientID: p.ID(), State: m.awareness})
			owners = append(owners, p)
		}
	}
	if len(all) == 0 {
		return
	}

	peers := make([]Peer, 0, len(r.members))
	for p := range r.members {
		peers = append(peers, p)
	}
	for _, p := range peers {
		entries := make([]protocol.AwarenessEntry, 0, len(all))
		for i, e := range all {
			if owners[i] != p {
				entries = append(entries, e)
			}
		}
		if len(entries) > 0 {
			r.deliver(p, protocol.EncodeAwareness(protocol.EncodeAwarenessBatch(entries)))
		}
	}
}

// Awareness returns a copy of the current awareness entries.
func (r *Room) Awareness() []protocol.AwarenessEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []protocol.AwarenessEntry
	for p, m := range r.members {
		if m.awareness != nil {
			entries = append(entries, protocol.AwarenessEntry{ClientID: p.ID(), State: append([]byte(nil), m.awareness...)})
		}
	}
	return entries
}

// broadcastAwareness sends entries to every member except sender. Caller
// holds mu.
func (r *Room) broadcastAwareness(sender Peer, entries []protocol.AwarenessEntry) {
	msg := protocol.EncodeAwareness(protocol.EncodeAwarenessBatch(entries))
	for p, m := range r.members {
		if p == sender || m.state == StateClosed {
			continue
		}
		r.deliver(p, msg)
	}
}
