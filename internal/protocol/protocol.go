package protocol

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Represents the kind of a frame, carried in its first byte
type MessageType byte

const (
	// Sync protocol messages, the second byte is the SyncStep
	MessageTypeSync MessageType = 0

	// Awareness protocol messages (cursors, presence)
	MessageTypeAwareness MessageType = 1

	// Client asks to join a document
	MessageTypeJoin MessageType = 2

	// Relay confirms the join
	MessageTypeJoined MessageType = 3

	// Relay reports a problem with the connection
	MessageTypeError MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeSync:
		return "sync"
	case MessageTypeAwareness:
		return "awareness"
	case MessageTypeJoin:
		return "join-request"
	case MessageTypeJoined:
		return "joined-ack"
	case MessageTypeError:
		return "error"
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// SyncStep represents the step in the sync protocol
type SyncStep byte

const (
	// Sender's state vector
	SyncStep1 SyncStep = 0

	// Operations the receiver's state vector lacks
	SyncStep2 SyncStep = 1

	// Regular update broadcast
	SyncUpdate SyncStep = 2
)

func (s SyncStep) String() string {
	switch s {
	case SyncStep1:
		return "state-vector"
	case SyncStep2:
		return "sync-step-2"
	case SyncUpdate:
		return "update"
	}
	return fmt.Sprintf("unknown(%d)", byte(s))
}

// MaxDocumentIDLength bounds the document id carried by join frames.
const MaxDocumentIDLength = 256

// ErrMalformedFrame is returned for frames that cannot be parsed.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Frame is one decoded websocket message.
type Frame struct {
	Type MessageType
	// Step is only meaningful for sync frames.
	Step    SyncStep
	Payload []byte
}

// ParseFrame splits a message into its kind, step and payload. The payload
// aliases data.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty message", ErrMalformedFrame)
	}

	f := Frame{Type: MessageType(data[0])}
	switch f.Type {
	case MessageTypeSync:
		if len(data) < 2 {
			return Frame{}, fmt.Errorf("%w: sync message too short", ErrMalformedFrame)
		}
		f.Step = SyncStep(data[1])
		if f.Step > SyncUpdate {
			return Frame{}, fmt.Errorf("%w: invalid sync type: %d", ErrMalformedFrame, data[1])
		}
		f.Payload = data[2:]
	case MessageTypeAwareness:
		f.Payload = data[1:]
	case MessageTypeJoin, MessageTypeJoined:
		f.Payload = data[1:]
		if err := validateDocumentID(f.Payload); err != nil {
			return Frame{}, err
		}
	case MessageTypeError:
		if len(data) < 2 {
			return Frame{}, fmt.Errorf("%w: error message too short", ErrMalformedFrame)
		}
		f.Payload = data[1:]
	default:
		return Frame{}, fmt.Errorf("%w: unknown message type: %d", ErrMalformedFrame, data[0])
	}
	return f, nil
}

func validateDocumentID(id []byte) error {
	if len(id) == 0 {
		return fmt.Errorf("%w: empty document id", ErrMalformedFrame)
	}
	if len(id) > MaxDocumentIDLength {
		return fmt.Errorf("%w: document id longer than %d bytes", ErrMalformedFrame, MaxDocumentIDLength)
	}
	if !utf8.Valid(id) {
		return fmt.Errorf("%w: document id is not utf-8", ErrMalformedFrame)
	}
	return nil
}

// EncodeSync builds a sync frame.
func EncodeSync(step SyncStep, payload []byte) []byte {
	buf := make([]byte, 2, 2+len(payload))
	buf[0] = byte(MessageTypeSync)
	buf[1] = byte(step)
	return append(buf, payload...)
}

// EncodeAwareness builds an awareness frame around an already encoded payload.
func EncodeAwareness(payload []byte) []byte {
	buf := make([]byte, 1, 1+len(payload))
	buf[0] = byte(MessageTypeAwareness)
	return append(buf, payload...)
}

// EncodeJoin builds the join-request a client sends first.
func EncodeJoin(documentID string) []byte {
	return append([]byte{byte(MessageTypeJoin)}, documentID...)
}

// EncodeJoined builds the joined-ack for documentID.
func EncodeJoined(documentID string) []byte {
	return append([]byte{byte(MessageTypeJoined)}, documentID...)
}
