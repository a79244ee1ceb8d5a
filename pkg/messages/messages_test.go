package messages

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/hive/pkg/config"
	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
)

func newBus(t *testing.T) *Bus {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, config.Default())
}

func TestSendValidation(t *testing.T) {
	b := newBus(t)

	_, err := b.Send(SendInput{Content: "hi"})
	assert.Equal(t, types.CodeInvalidPayload, types.CodeOf(err))

	_, err = b.Send(SendInput{FromAgent: "a", Content: "   "})
	assert.Equal(t, types.CodeInvalidPayload, types.CodeOf(err))

	_, err = b.Send(SendInput{FromAgent: "a", Content: strings.Repeat("x", 2000)})
	require.Error(t, err)
	assert.Equal(t, types.CodeContentTooLong, types.CodeOf(err))
	assert.Equal(t, 2000, types.AsError(err).Detail["content_chars"])
}

func TestSendDefaultsMetadata(t *testing.T) {
	b := newBus(t)
	msg, err := b.Send(SendInput{FromAgent: "a", ToAgent: "b", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "{}", msg.Metadata)
	assert.Positive(t, msg.ID)
}

func TestReadVisibility(t *testing.T) {
	b := newBus(t)

	_, err := b.Send(SendInput{FromAgent: "alice", ToAgent: "bob", Content: "direct to bob"})
	require.NoError(t, err)
	_, err = b.Send(SendInput{FromAgent: "alice", Content: "broadcast"})
	require.NoError(t, err)
	_, err = b.Send(SendInput{FromAgent: "alice", ToAgent: "carol", Content: "direct to carol"})
	require.NoError(t, err)

	result, err := b.Read("bob", ReadFilter{})
	require.NoError(t, err)
	require.Len(t, result.Messages, 2)
	// Default inbox view is newest first.
	assert.Equal(t, "broadcast", result.Messages[0].Content)
	assert.Equal(t, "direct to bob", result.Messages[1].Content)
}

func TestReadMarksAndUnread(t *testing.T) {
	b := newBus(t)

	_, err := b.Send(SendInput{FromAgent: "alice", ToAgent: "bob", Content: "one"})
	require.NoError(t, err)
	_, err = b.Send(SendInput{FromAgent: "alice", ToAgent: "bob", Content: "two"})
	require.NoError(t, err)

	n, err := b.UnreadCount("bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = b.Read("bob", ReadFilter{})
	require.NoError(t, err)

	n, err = b.UnreadCount("bob")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	result, err := b.Read("bob", ReadFilter{UnreadOnly: true})
	require.NoError(t, err)
	assert.Empty(t, result.Messages)

	// Read marks are per agent: carol still sees broadcasts unread.
	_, err = b.Send(SendInput{FromAgent: "alice", Content: "to everyone"})
	require.NoError(t, err)
	n, err = b.UnreadCount("carol")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReadCursorPagination(t *testing.T) {
	b := newBus(t)

	for _, content := range []string{"first", "second", "third"} {
		_, err := b.Send(SendInput{FromAgent: "alice", ToAgent: "bob", Content: content})
		require.NoError(t, err)
	}

	page, err := b.Read("bob", ReadFilter{SinceTS: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	// Delta reads page oldest first.
	assert.Equal(t, "first", page.Messages[0].Content)
	require.NotEmpty(t, page.NextCursor)

	next, err := b.Read("bob", ReadFilter{Cursor: page.NextCursor, Limit: 2})
	require.NoError(t, err)
	require.Len(t, next.Messages, 1)
	assert.Equal(t, "third", next.Messages[0].Content)

	_, err = b.Read("bob", ReadFilter{Cursor: "not-a-cursor"})
	assert.Equal(t, types.CodeCursorInvalid, types.CodeOf(err))
}

func TestReadFromFilter(t *testing.T) {
	b := newBus(t)

	_, err := b.Send(SendInput{FromAgent: "alice", ToAgent: "bob", Content: "from alice"})
	require.NoError(t, err)
	_, err = b.Send(SendInput{FromAgent: "carol", ToAgent: "bob", Content: "from carol"})
	require.NoError(t, err)

	result, err := b.Read("bob", ReadFilter{From: "carol"})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "from carol", result.Messages[0].Content)
}

func TestGetForAgent(t *testing.T) {
	b := newBus(t)

	direct, err := b.Send(SendInput{FromAgent: "alice", ToAgent: "bob", Content: "private"})
	require.NoError(t, err)

	got, err := b.GetForAgent("bob", direct.ID)
	require.NoError(t, err)
	assert.Equal(t, "private", got.Content)

	// Someone else's direct message reads as not found.
	_, err = b.GetForAgent("carol", direct.ID)
	assert.Equal(t, types.CodeMessageNotFoundOrForbidden, types.CodeOf(err))

	_, err = b.GetForAgent("bob", 9999)
	assert.Equal(t, types.CodeMessageNotFoundOrForbidden, types.CodeOf(err))
}

func TestSweep(t *testing.T) {
	b := newBus(t)

	_, err := b.Send(SendInput{FromAgent: "alice", Content: "old"})
	require.NoError(t, err)

	removed, err := b.Sweep(storage.NowMS() + 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	result, err := b.Read("bob", ReadFilter{})
	require.NoError(t, err)
	assert.Empty(t, result.Messages)
}
