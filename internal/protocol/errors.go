package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is the first payload byte of an error frame.
type ErrorCode byte

const (
	CodeMalformedFrame    ErrorCode = 1
	CodeUnexpectedMessage ErrorCode = 2
	CodeMergeFailed       ErrorCode = 3
	CodeHandshakeTimeout  ErrorCode = 4
	CodeReadOnly          ErrorCode = 5
	CodeDocumentMismatch  ErrorCode = 6
	CodeRateLimited       ErrorCode = 7
	CodeInternal          ErrorCode = 8
)

var codeNames = map[ErrorCode]string{
	CodeMalformedFrame:    "malformed-frame",
	CodeUnexpectedMessage: "unexpected-message",
	CodeMergeFailed:       "merge-failed",
	CodeHandshakeTimeout:  "handshake-timeout",
	CodeReadOnly:          "read-only",
	CodeDocumentMismatch:  "document-mismatch",
	CodeRateLimited:       "rate-limited",
	CodeInternal:          "internal",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", byte(c))
}

// CodeError pairs an error code with its cause so a connection can report
// it to the peer.
type CodeError struct {
	Code ErrorCode
	Err  error
}

func (e *CodeError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodeError) Unwrap() error {
	return e.Err
}

// WithCode wraps err with code.
func WithCode(code ErrorCode, err error) error {
	return &CodeError{Code: code, Err: err}
}

// CodeOf returns the code attached to err, or CodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	if errors.Is(err, ErrMalformedFrame) {
		return CodeMalformedFrame
	}
	return CodeInternal
}

// EncodeError builds an error frame.
func EncodeError(code ErrorCode, message string) []byte {
	buf := make([]byte, 2, 2+len(message))
	buf[0] = byte(MessageTypeError)
	buf[1] = byte(code)
	return append(buf, message...)
}

// ParseError decodes the payload of an error frame.
func ParseError(payload []byte) (ErrorCode, string, error) {
	if len(payload) == 0 {
		return 0, "", fmt.Errorf("%w: error message too short", ErrMalformedFrame)
	}
	return ErrorCode(payload[0]), string(payload[1:]), nil
}
