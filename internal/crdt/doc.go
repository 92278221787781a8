// Package crdt implements the replicated text state shared by a room.
//
// A Doc is a replicated growable array: every inserted rune is an item with a
// unique ID and a Lamport timestamp, deletions leave tombstones, and every
// operation is numbered densely per originating replica so a StateVector can
// describe exactly which operations a replica has seen. Operations whose
// dependencies have not arrived yet are held back and integrated later, so
// update blobs may be applied in any order and any number of times.
package crdt

import (
	"sort"
	"strings"
)

// MaxPending bounds the operations held back waiting for a dependency.
// Operations dropped at the bound never enter the state vector, so a later
// state vector exchange delivers them again.
const MaxPending = 1 << 16

type item struct {
	id      ID
	lamport uint64
	content rune
	deleted bool
	next    *item
}

// Doc is one replica. It is not safe for concurrent use; the room that owns
// it serializes access.
type Doc struct {
	client  uint64
	lamport uint64

	head  item // sentinel, never part of the content
	items map[ID]*item
	sv    StateVector

	// log holds every integrated op in integration order, which is a causal
	// order, so any suffix filtered by a state vector applies cleanly.
	log []op

	// pending holds ops whose dependencies are missing. Each one is parked in
	// waiting under the first dependency it lacks and reconsidered only when
	// that dependency is integrated.
	pending map[ID]op
	waiting map[ID][]ID
}

// NewDoc returns an empty replica that authors operations as client.
func NewDoc(client uint64) *Doc {
	return &Doc{
		client:  client,
		items:   make(map[ID]*item),
		sv:      StateVector{},
		pending: make(map[ID]op),
		waiting: make(map[ID][]ID),
	}
}

// ClientID returns the replica id used for local operations.
func (d *Doc) ClientID() uint64 {
	return d.client
}

// StateVector returns a copy of the current state vector.
func (d *Doc) StateVector() StateVector {
	return d.sv.Clone()
}

// PendingCount returns the number of operations waiting for dependencies.
func (d *Doc) PendingCount() int {
	return len(d.pending)
}

// OpCount returns the number of integrated operations.
func (d *Doc) OpCount() int {
	return len(d.log)
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	n := 0
	for it := d.head.next; it != nil; it = it.next {
		if !it.deleted {
			n++
		}
	}
	return n
}

// String returns the visible text.
func (d *Doc) String() string {
	var b strings.Builder
	for it := d.head.next; it != nil; it = it.next {
		if !it.deleted {
			b.WriteRune(it.content)
		}
	}
	return b.String()
}

// Apply decodes an update blob and merges it. The blob is validated in full
// before anything is merged, so a malformed blob leaves the Doc untouched.
// It returns the number of operations that were new to this replica and
// were either integrated or held pending; ops dropped at MaxPending are not
// counted. The cost is linear in the size of the blob plus the pending ops
// it releases.
func (d *Doc) Apply(update []byte) (int, error) {
	ops, err := decodeOps(update)
	if err != nil {
		return 0, err
	}
	fresh := 0
	for _, o := range ops {
		if d.sv.Covers(o.id) {
			continue
		}
		if _, ok := d.pending[o.id]; ok {
			continue
		}
		if d.ready(o) {
			d.settle(o)
			fresh++
			continue
		}
		if len(d.pending) >= MaxPending {
			continue
		}
		d.pending[o.id] = o
		d.park(o)
		fresh++
	}
	return fresh, nil
}

// EncodeStateAsUpdate returns an update holding every operation the given
// state vector does not cover. A nil or empty vector yields the full state.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) []byte {
	ops := make([]op, 0, len(d.log))
	for _, o := range d.log {
		if !sv.Covers(o.id) {
			ops = append(ops, o)
		}
	}
	held := make([]op, 0, len(d.pending))
	for _, o := range d.pending {
		if !sv.Covers(o.id) {
			held = append(held, o)
		}
	}
	sort.Slice(held, func(i, j int) bool {
		if held[i].id.Client != held[j].id.Client {
			return held[i].id.Client < held[j].id.Client
		}
		return held[i].id.Clock < held[j].id.Clock
	})
	return encodeOps(append(ops, held...))
}

// Insert inserts text before the visible position pos and returns the update
// describing the change. Positions past the end append.
func (d *Doc) Insert(pos int, text string) []byte {
	if text == "" {
		return nil
	}
	origin := d.visibleAt(pos - 1)
	ops := make([]op, 0, len(text))
	for _, c := range text {
		o := op{
			kind:    opInsert,
			id:      ID{Client: d.client, Clock: d.sv[d.client]},
			lamport: d.lamport + 1,
			content: c,
		}
		if origin != nil {
			o.hasOrigin = true
			o.origin = origin.id
		}
		d.integrate(o)
		origin = d.items[o.id]
		ops = append(ops, o)
	}
	return encodeOps(ops)
}

// Delete removes n visible runes starting at pos and returns the update
// describing the change.
func (d *Doc) Delete(pos, n int) []byte {
	var targets []ID
	i := 0
	for it := d.head.next; it != nil && len(targets) < n; it = it.next {
		if it.deleted {
			continue
		}
		if i >= pos {
			targets = append(targets, it.id)
		}
		i++
	}
	if len(targets) == 0 {
		return nil
	}
	ops := make([]op, 0, len(targets))
	for _, t := range targets {
		o := op{
			kind:    opDelete,
			id:      ID{Client: d.client, Clock: d.sv[d.client]},
			lamport: d.lamport + 1,
			target:  t,
		}
		d.integrate(o)
		ops = append(ops, o)
	}
	return encodeOps(ops)
}

// visibleAt returns the visible item at index pos, or nil when pos < 0.
// Indexes past the end return the last visible item.
func (d *Doc) visibleAt(pos int) *item {
	if pos < 0 {
		return nil
	}
	var last *item
	i := 0
	for it := d.head.next; it != nil; it = it.next {
		if it.deleted {
			continue
		}
		last = it
		if i == pos {
			return it
		}
		i++
	}
	return last
}

// ready reports whether every dependency of o has been integrated.
func (d *Doc) ready(o op) bool {
	if o.id.Clock != d.sv[o.id.Client] {
		return false
	}
	switch o.kind {
	case opInsert:
		return !o.hasOrigin || d.items[o.origin] != nil
	case opDelete:
		return d.items[o.target] != nil
	}
	return false
}

// missing returns the first dependency of o that is not integrated yet.
// Caller checked that o is not ready.
func (d *Doc) missing(o op) ID {
	if o.id.Clock != d.sv[o.id.Client] {
		return ID{Client: o.id.Client, Clock: o.id.Clock - 1}
	}
	if o.kind == opInsert {
		return o.origin
	}
	return o.target
}

func (d *Doc) park(o op) {
	dep := d.missing(o)
	d.waiting[dep] = append(d.waiting[dep], o.id)
}

// settle integrates a ready op and then every pending op it unblocks,
// transitively.
func (d *Doc) settle(o op) {
	queue := []op{o}
	for i := 0; i < len(queue); i++ {
		cur := queue[i]
		d.integrate(cur)

		waiters := d.waiting[cur.id]
		delete(d.waiting, cur.id)
		for _, id := range waiters {
			p, ok := d.pending[id]
			if !ok {
				continue
			}
			switch {
			case d.sv.Covers(p.id):
				delete(d.pending, id)
			case d.ready(p):
				delete(d.pending, id)
				queue = append(queue, p)
			default:
				d.park(p)
			}
		}
	}
}

// integrate merges an op whose dependencies are present.
func (d *Doc) integrate(o op) {
	switch o.kind {
	case opInsert:
		left := &d.head
		if o.hasOrigin {
			left = d.items[o.origin]
		}
		// Concurrent inserts at the same origin order by descending
		// (lamport, client); items inserted after a skipped sibling carry a
		// larger timestamp than it, so they are skipped with it.
		for left.next != nil && sortsBefore(left.next, o) {
			left = left.next
		}
		it := &item{id: o.id, lamport: o.lamport, content: o.content, next: left.next}
		left.next = it
		d.items[o.id] = it
	case opDelete:
		d.items[o.target].deleted = true
	}
	d.sv[o.id.Client] = o.id.Clock + 1
	if o.lamport > d.lamport {
		d.lamport = o.lamport
	}
	d.log = append(d.log, o)
}

// sortsBefore reports whether it sorts before a new insert o at the same origin.
func sortsBefore(it *item, o op) bool {
	if it.lamport != o.lamport {
		return it.lamport > o.lamport
	}
	return it.id.Client > o.id.Client
}
