package protocol

import (
	"encoding/binary"
	"fmt"
)

// AwarenessEntry is one connection's awareness state. An empty State means
// the connection's awareness was removed.
type AwarenessEntry struct {
	ClientID string
	State    []byte
}

// EncodeAwarenessBatch serializes entries as a count followed by
// length-prefixed (client id, state) pairs.
func EncodeAwarenessBatch(entries []AwarenessEntry) []byte {
	size := binary.MaxVarintLen64
	for _, e := range entries {
		size += 2*binary.MaxVarintLen64 + len(e.ClientID) + len(e.State)
	}
	buf := make([]byte, 0, size)
	buf = binary.AppendUvarint(buf, uint64(len(entries)))
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, uint64(len(e.ClientID)))
		buf = append(buf, e.ClientID...)
		buf = binary.AppendUvarint(buf, uint64(len(e.State)))
		buf = append(buf, e.State...)
	}
	return buf
}

// DecodeAwarenessBatch parses a batch produced by EncodeAwarenessBatch.
func DecodeAwarenessBatch(data []byte) ([]AwarenessEntry, error) {
	n, pos := binary.Uvarint(data)
	if pos <= 0 {
		return nil, fmt.Errorf("%w: awareness batch length", ErrMalformedFrame)
	}
	// Each entry needs at least its two length bytes.
	if n > uint64(len(data)-pos)/2 {
		return nil, fmt.Errorf("%w: %d awareness entries in %d bytes", ErrMalformedFrame, n, len(data))
	}

	next := func() ([]byte, error) {
		l, w := binary.Uvarint(data[pos:])
		if w <= 0 || l > uint64(len(data)-pos-w) {
			return nil, fmt.Errorf("%w: truncated awareness entry", ErrMalformedFrame)
		}
		pos += w
		b := data[pos : pos+int(l)]
		pos += int(l)
		return b, nil
	}

	entries := make([]AwarenessEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		id, err := next()
		if err != nil {
			return nil, err
		}
		state, err := next()
		if err != nil {
			return nil, err
		}
		entries = append(entries, AwarenessEntry{ClientID: string(id), State: append([]byte(nil), state...)})
	}
	if pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(data)-pos)
	}
	return entries, nil
}
