package watermark

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/hive/pkg/types"
)

func TestCursorRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		w    Watermarks
	}{
		{name: "zeros", w: Watermarks{}},
		{name: "typical", w: Watermarks{Messages: 1700000000000, Tasks: 1700000000123, Context: 5, Activity: 1}},
		{name: "single stream", w: Watermarks{Tasks: 42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursor := EncodeCursor(tt.w)
			decoded, err := DecodeCursor(cursor)
			require.NoError(t, err)
			assert.Equal(t, tt.w, decoded)
			// Accepted cursors re-encode byte-identically.
			assert.Equal(t, cursor, EncodeCursor(decoded))
		})
	}
}

func TestDecodeCursorRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{name: "empty", cursor: ""},
		{name: "too few segments", cursor: "1.2.3"},
		{name: "too many segments", cursor: "1.2.3.4.5"},
		{name: "empty segment", cursor: "1..3.4"},
		{name: "negative segment", cursor: "1.-2.3.4"},
		{name: "not base36", cursor: "1.2.3.!"},
		{name: "plus sign", cursor: "1.+2.3.4"},
		{name: "uppercase segment", cursor: "A.0.0.0"},
		{name: "mixed case segment", cursor: "1.2.3.Zz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCursor(tt.cursor)
			require.Error(t, err)
			assert.Equal(t, types.CodeCursorInvalid, types.CodeOf(err))
		})
	}
}

func TestChanged(t *testing.T) {
	prev := Watermarks{Messages: 100, Tasks: 200, Context: 300, Activity: 400}

	next := prev
	assert.Empty(t, next.Changed(prev, AllStreams))

	next.Tasks = 201
	next.Activity = 401
	assert.Equal(t, []string{StreamTasks, StreamActivity}, next.Changed(prev, AllStreams))

	// Only watched streams report.
	assert.Equal(t, []string{StreamTasks}, next.Changed(prev, []string{StreamTasks}))
	assert.Empty(t, next.Changed(prev, []string{StreamMessages}))
}

func TestValidateStreams(t *testing.T) {
	got, err := ValidateStreams(nil)
	require.NoError(t, err)
	assert.Equal(t, AllStreams, got)

	got, err = ValidateStreams([]string{" Tasks ", "messages", "tasks"})
	require.NoError(t, err)
	assert.Equal(t, []string{StreamTasks, StreamMessages}, got)

	_, err = ValidateStreams([]string{"tasks", "bogus"})
	require.Error(t, err)
	assert.Equal(t, types.CodeStreamsInvalid, types.CodeOf(err))
}
