package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

const updateVersion byte = 0x01

var (
	// ErrMalformedUpdate is returned for update blobs that fail to decode.
	ErrMalformedUpdate = errors.New("crdt: malformed update")

	// ErrMalformedStateVector is returned for state vectors that fail to decode.
	ErrMalformedStateVector = errors.New("crdt: malformed state vector")

	errShortBuffer = errors.New("unexpected end of data")
	errVarint      = errors.New("invalid varint")
)

type opKind byte

const (
	opInsert opKind = 1
	opDelete opKind = 2
)

// op is the unit carried inside an update blob.
type op struct {
	kind    opKind
	id      ID
	lamport uint64

	// insert
	hasOrigin bool
	origin    ID
	content   rune

	// delete
	target ID
}

// Update is a decoded update blob.
type Update struct {
	ops []op
}

// Len returns the number of operations in the update.
func (u *Update) Len() int {
	return len(u.ops)
}

// IDs returns the operation ids in encoding order.
func (u *Update) IDs() []ID {
	ids := make([]ID, len(u.ops))
	for i, o := range u.ops {
		ids[i] = o.id
	}
	return ids
}

// DecodeUpdate parses an update blob without applying it.
func DecodeUpdate(data []byte) (*Update, error) {
	ops, err := decodeOps(data)
	if err != nil {
		return nil, err
	}
	return &Update{ops: ops}, nil
}

func encodeOps(ops []op) []byte {
	buf := make([]byte, 0, 2+len(ops)*12)
	buf = append(buf, updateVersion)
	buf = binary.AppendUvarint(buf, uint64(len(ops)))
	for _, o := range ops {
		buf = append(buf, byte(o.kind))
		buf = binary.AppendUvarint(buf, o.id.Client)
		buf = binary.AppendUvarint(buf, o.id.Clock)
		buf = binary.AppendUvarint(buf, o.lamport)
		switch o.kind {
		case opInsert:
			if o.hasOrigin {
				buf = append(buf, 1)
				buf = binary.AppendUvarint(buf, o.origin.Client)
				buf = binary.AppendUvarint(buf, o.origin.Clock)
			} else {
				buf = append(buf, 0)
			}
			buf = binary.AppendUvarint(buf, uint64(utf8.RuneLen(o.content)))
			buf = utf8.AppendRune(buf, o.content)
		case opDelete:
			buf = binary.AppendUvarint(buf, o.target.Client)
			buf = binary.AppendUvarint(buf, o.target.Clock)
		}
	}
	return buf
}

func decodeOps(data []byte) ([]op, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrMalformedUpdate)
	}
	if data[0] != updateVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrMalformedUpdate, data[0])
	}
	r := &reader{buf: data, pos: 1}
	n, err := r.uvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: op count: %v", ErrMalformedUpdate, err)
	}
	// Every op takes at least five bytes, so a larger count cannot be honest.
	if n > uint64(r.remaining())/5 {
		return nil, fmt.Errorf("%w: %d ops in %d bytes", ErrMalformedUpdate, n, r.remaining())
	}

	ops := make([]op, 0, n)
	for i := uint64(0); i < n; i++ {
		o, err := r.op()
		if err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrMalformedUpdate, i, err)
		}
		ops = append(ops, o)
	}
	if !r.done() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, r.remaining())
	}
	return ops, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) done() bool     { return r.pos == len(r.buf) }
func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, errShortBuffer
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n == 0 {
		return 0, errShortBuffer
	}
	if n < 0 {
		return 0, errVarint
	}
	r.pos += n
	return v, nil
}

func (r *reader) id() (ID, error) {
	client, err := r.uvarint()
	if err != nil {
		return ID{}, err
	}
	clock, err := r.uvarint()
	if err != nil {
		return ID{}, err
	}
	return ID{Client: client, Clock: clock}, nil
}

func (r *reader) op() (op, error) {
	var o op
	kind, err := r.readByte()
	if err != nil {
		return o, err
	}
	o.kind = opKind(kind)
	if o.id, err = r.id(); err != nil {
		return o, err
	}
	if o.lamport, err = r.uvarint(); err != nil {
		return o, err
	}

	switch o.kind {
	case opInsert:
		flag, err := r.readByte()
		if err != nil {
			return o, err
		}
		switch flag {
		case 0:
		case 1:
			o.hasOrigin = true
			if o.origin, err = r.id(); err != nil {
				return o, err
			}
			if o.origin == o.id {
				return o, errors.New("insert references itself")
			}
		default:
			return o, fmt.Errorf("invalid origin flag %d", flag)
		}
		size, err := r.uvarint()
		if err != nil {
			return o, err
		}
		if size == 0 || size > utf8.UTFMax || int(size) > r.remaining() {
			return o, fmt.Errorf("invalid content length %d", size)
		}
		content := r.buf[r.pos : r.pos+int(size)]
		c, w := utf8.DecodeRune(content)
		if (c == utf8.RuneError && w == 1) || w != len(content) {
			return o, errors.New("content is not a single utf-8 rune")
		}
		o.content = c
		r.pos += int(size)
	case opDelete:
		if o.target, err = r.id(); err != nil {
			return o, err
		}
		if o.target == o.id {
			return o, errors.New("delete references itself")
		}
	default:
		return o, fmt.Errorf("unknown op kind %d", kind)
	}
	return o, nil
}
