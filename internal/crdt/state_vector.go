package crdt

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// ID identifies one operation: the replica that produced it and its position
// in that replica's dense clock sequence.
type ID struct {
	Client uint64
	Clock  uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

// StateVector maps a replica id to the next clock expected from it, which is
// also the number of that replica's operations already integrated.
type StateVector map[uint64]uint64

// Get returns the next expected clock for client.
func (sv StateVector) Get(client uint64) uint64 {
	return sv[client]
}

// Covers reports whether the operation with the given id is already included.
func (sv StateVector) Covers(id ID) bool {
	return id.Clock < sv[id.Client]
}

// Clone returns a copy of the vector.
func (sv StateVector) Clone() StateVector {
	res := make(StateVector, len(sv))
	for k, v := range sv {
		res[k] = v
	}
	return res
}

// Leq returns true iff sv[x] <= other[x] for all x in sv.
func (sv StateVector) Leq(other StateVector) bool {
	for k, v := range sv {
		if other[k] < v {
			return false
		}
	}
	return true
}

// Equal returns true iff both vectors carry the same non-zero entries.
func (sv StateVector) Equal(other StateVector) bool {
	return sv.Leq(other) && other.Leq(sv)
}

// Encode serializes the vector as a count followed by (client, clock) pairs
// sorted by client.
func (sv StateVector) Encode() []byte {
	clients := make([]uint64, 0, len(sv))
	for k, v := range sv {
		if v > 0 {
			clients = append(clients, k)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	buf := make([]byte, 0, 1+len(clients)*2*binary.MaxVarintLen64)
	buf = binary.AppendUvarint(buf, uint64(len(clients)))
	for _, c := range clients {
		buf = binary.AppendUvarint(buf, c)
		buf = binary.AppendUvarint(buf, sv[c])
	}
	return buf
}

// DecodeStateVector parses a vector produced by Encode. An empty input is the
// empty vector.
func DecodeStateVector(data []byte) (StateVector, error) {
	sv := StateVector{}
	if len(data) == 0 {
		return sv, nil
	}
	r := &reader{buf: data}
	n, err := r.uvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: state vector length: %v", ErrMalformedStateVector, err)
	}
	if n > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrMalformedStateVector, n, len(data))
	}
	for i := uint64(0); i < n; i++ {
		client, err := r.uvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedStateVector, i, err)
		}
		clock, err := r.uvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedStateVector, i, err)
		}
		sv[client] = clock
	}
	if !r.done() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedStateVector, r.remaining())
	}
	return sv, nil
}
