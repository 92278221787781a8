package protocol

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    Frame
		wantErr bool
	}{
		{name: "empty", data: []byte{}, wantErr: true},
		{name: "sync too short", data: []byte{0}, wantErr: true},
		{name: "bad sync step", data: []byte{0, 3}, wantErr: true},
		{name: "unknown type", data: []byte{9, 1}, wantErr: true},
		{name: "empty join", data: []byte{2}, wantErr: true},
		{name: "join bad utf8", data: []byte{2, 0xff}, wantErr: true},
		{name: "join too long", data: append([]byte{2}, strings.Repeat("a", MaxDocumentIDLength+1)...), wantErr: true},
		{name: "error without code", data: []byte{4}, wantErr: true},
		{
			name: "state vector",
			data: []byte{0, 0, 1, 2},
			want: Frame{Type: MessageTypeSync, Step: SyncStep1, Payload: []byte{1, 2}},
		},
		{
			name: "update",
			data: []byte{0, 2, 7},
			want: Frame{Type: MessageTypeSync, Step: SyncUpdate, Payload: []byte{7}},
		},
		{
			name: "awareness",
			data: []byte{1, 'x'},
			want: Frame{Type: MessageTypeAwareness, Payload: []byte{'x'}},
		},
		{
			name: "join",
			data: EncodeJoin("doc-1"),
			want: Frame{Type: MessageTypeJoin, Payload: []byte("doc-1")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFrame(tt.data)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeSync(t *testing.T) {
	f, err := ParseFrame(EncodeSync(SyncStep2, []byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeSync, f.Type)
	assert.Equal(t, SyncStep2, f.Step)
	assert.Equal(t, []byte{1, 2, 3}, f.Payload)
}

func TestJoined(t *testing.T) {
	f, err := ParseFrame(EncodeJoined("notes"))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeJoined, f.Type)
	assert.Equal(t, "notes", string(f.Payload))
}

func TestErrorFrame(t *testing.T) {
	f, err := ParseFrame(EncodeError(CodeReadOnly, "viewers cannot edit"))
	require.NoError(t, err)
	require.Equal(t, MessageTypeError, f.Type)

	code, msg, err := ParseError(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, CodeReadOnly, code)
	assert.Equal(t, "viewers cannot edit", msg)
	assert.Equal(t, "read-only", code.String())
}

func TestCodeOf(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("handle: %w", WithCode(CodeMergeFailed, cause))

	assert.Equal(t, CodeMergeFailed, CodeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeMalformedFrame, CodeOf(fmt.Errorf("read: %w", ErrMalformedFrame)))
	assert.Equal(t, CodeInternal, CodeOf(cause))
}

func TestAwarenessBatch(t *testing.T) {
	entries := []AwarenessEntry{
		{ClientID: "a", State: []byte(`{"cursor":3}`)},
		{ClientID: "b"},
	}
	got, err := DecodeAwarenessBatch(EncodeAwarenessBatch(entries))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ClientID)
	assert.Equal(t, []byte(`{"cursor":3}`), got[0].State)
	assert.Equal(t, "b", got[1].ClientID)
	assert.Empty(t, got[1].State)

	empty, err := DecodeAwarenessBatch(EncodeAwarenessBatch(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAwarenessBatchMalformed(t *testing.T) {
	valid := EncodeAwarenessBatch([]AwarenessEntry{{ClientID: "a", State: []byte("s")}})

	for name, data := range map[string][]byte{
		"empty":     nil,
		"truncated": valid[:len(valid)-1],
		"trailing":  append(append([]byte{}, valid...), 0),
		"count":     {0x7f},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeAwarenessBatch(data)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}
