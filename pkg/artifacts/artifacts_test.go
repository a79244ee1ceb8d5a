package artifacts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/hive/pkg/config"
	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, config.Default())
}

func TestCreateAndFinalize(t *testing.T) {
	s := newStore(t)

	_, err := s.Create(CreateInput{Name: "report.txt"})
	assert.Equal(t, types.CodeInvalidPayload, types.CodeOf(err))

	_, err = s.Create(CreateInput{CreatedBy: "a", Name: "  "})
	assert.Equal(t, types.CodeArtifactNameRequired, types.CodeOf(err))

	a, err := s.Create(CreateInput{CreatedBy: "a", Name: "report.txt", MimeType: "text/plain"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "default", a.Namespace)

	// Not downloadable until finalized.
	got, err := s.Get(a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.StoragePath)

	fin, err := s.Finalize(a.ID, 42, "deadbeef", "/tmp/"+a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(42), fin.SizeBytes)
	assert.Equal(t, "deadbeef", fin.SHA256)
	assert.Equal(t, "text/plain", fin.MimeType)

	_, err = s.Finalize("missing-id", 1, "x", "/tmp/x", "")
	assert.Equal(t, types.CodeArtifactNotFound, types.CodeOf(err))
}

func TestShareAndAccess(t *testing.T) {
	s := newStore(t)

	a, err := s.Create(CreateInput{CreatedBy: "owner", Name: "doc"})
	require.NoError(t, err)

	ok, err := s.HasAccess("owner", a.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasAccess("stranger", a.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Only the creator may share.
	err = s.Share(a.ID, "friend", "stranger")
	assert.Equal(t, types.CodeArtifactAccessDenied, types.CodeOf(err))

	require.NoError(t, s.Share(a.ID, "friend", "owner"))
	ok, err = s.HasAccess("friend", a.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Wildcard share opens the artifact to everyone.
	require.NoError(t, s.Share(a.ID, "*", "owner"))
	ok, err = s.HasAccess("stranger", a.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	err = s.Share("missing", "friend", "owner")
	assert.Equal(t, types.CodeArtifactNotFound, types.CodeOf(err))
}

func TestListFilter(t *testing.T) {
	s := newStore(t)

	_, err := s.Create(CreateInput{CreatedBy: "a", Name: "one", Namespace: "alpha"})
	require.NoError(t, err)
	_, err = s.Create(CreateInput{CreatedBy: "b", Name: "two", Namespace: "beta"})
	require.NoError(t, err)

	byNS, err := s.List(ListFilter{Namespace: "alpha"})
	require.NoError(t, err)
	require.Len(t, byNS, 1)
	assert.Equal(t, "one", byNS[0].Name)

	byCreator, err := s.List(ListFilter{CreatedBy: "b"})
	require.NoError(t, err)
	require.Len(t, byCreator, 1)
	assert.Equal(t, "two", byCreator[0].Name)
}

func TestAttachAndForTask(t *testing.T) {
	s := newStore(t)

	a, err := s.Create(CreateInput{CreatedBy: "owner", Name: "log"})
	require.NoError(t, err)

	err = s.AttachToTask(1, a.ID, "owner")
	assert.Equal(t, types.CodeTaskNotFound, types.CodeOf(err))

	now := storage.NowMS()
	_, err = s.db.DB().Exec(
		"INSERT INTO tasks (title, description, status, priority, namespace, execution_mode, consistency_mode, created_at, updated_at) VALUES ('t', '', 'pending', 'medium', 'default', 'any', '', ?, ?)",
		now, now,
	)
	require.NoError(t, err)

	require.NoError(t, s.AttachToTask(1, a.ID, "owner"))
	// Duplicate links are ignored.
	require.NoError(t, s.AttachToTask(1, a.ID, "owner"))

	linked, err := s.ForTask(1)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, a.ID, linked[0].ID)

	err = s.AttachToTask(1, "missing", "owner")
	assert.Equal(t, types.CodeArtifactNotFound, types.CodeOf(err))
}

func TestRecordAccess(t *testing.T) {
	s := newStore(t)

	a, err := s.Create(CreateInput{CreatedBy: "owner", Name: "counted"})
	require.NoError(t, err)
	require.NoError(t, s.RecordAccess(a.ID))
	require.NoError(t, s.RecordAccess(a.ID))

	got, err := s.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.AccessCount)
}

func TestSweepTTL(t *testing.T) {
	s := newStore(t)

	expired, err := s.Create(CreateInput{CreatedBy: "owner", Name: "short-lived", TTLMS: 1})
	require.NoError(t, err)
	keep, err := s.Create(CreateInput{CreatedBy: "owner", Name: "keeper", TTLMS: time.Hour.Milliseconds()})
	require.NoError(t, err)

	removed, err := s.Sweep(storage.NowMS() + 10)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(expired.ID)
	assert.Equal(t, types.CodeArtifactNotFound, types.CodeOf(err))
	_, err = s.Get(keep.ID)
	assert.NoError(t, err)
}

func TestTicketLifecycle(t *testing.T) {
	tm := NewTicketManager()

	_, err := tm.Issue("stamp", "art-1", "agent", 60, 0)
	assert.Equal(t, types.CodeInvalidPayload, types.CodeOf(err))

	_, err = tm.Issue(TicketUpload, "", "agent", 60, 0)
	assert.Equal(t, types.CodeArtifactIDRequired, types.CodeOf(err))

	tk, err := tm.Issue(TicketUpload, "art-1", "agent", 60, 1024)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), tk.MaxBytes)
	assert.Equal(t, 1, tm.Len())

	// Kind and artifact must match; a mismatch reports a grant problem
	// and leaves the ticket live.
	_, err = tm.Consume(tk.Token, TicketDownload, "art-1")
	assert.Equal(t, types.CodeArtifactAccessDenied, types.CodeOf(err))
	_, err = tm.Consume(tk.Token, TicketUpload, "art-2")
	assert.Equal(t, types.CodeArtifactAccessDenied, types.CodeOf(err))
	assert.Equal(t, 1, tm.Len())

	got, err := tm.Consume(tk.Token, TicketUpload, "art-1")
	require.NoError(t, err)
	assert.Equal(t, "agent", got.AgentID)

	// Single use.
	_, err = tm.Consume(tk.Token, TicketUpload, "art-1")
	assert.Equal(t, types.CodeAuthTokenInvalid, types.CodeOf(err))
	assert.Equal(t, 0, tm.Len())

	_, err = tm.Consume("unknown-token", TicketUpload, "art-1")
	assert.Equal(t, types.CodeAuthTokenInvalid, types.CodeOf(err))
}

func TestTicketTTLClamp(t *testing.T) {
	tm := NewTicketManager()

	tk, err := tm.Issue(TicketDownload, "art-1", "agent", 1, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, tk.ExpiresAt.Sub(tk.CreatedAt), 30*time.Second)

	tk, err = tm.Issue(TicketDownload, "art-1", "agent", 1<<30, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, tk.ExpiresAt.Sub(tk.CreatedAt), 24*time.Hour)
}

func TestTicketExpiryAndSweep(t *testing.T) {
	tm := NewTicketManager()

	tk, err := tm.Issue(TicketDownload, "art-1", "agent", 60, 0)
	require.NoError(t, err)
	tk.ExpiresAt = time.Now().Add(-time.Second)

	_, err = tm.Consume(tk.Token, TicketDownload, "art-1")
	assert.Equal(t, types.CodeAuthTokenInvalid, types.CodeOf(err))

	tk2, err := tm.Issue(TicketDownload, "art-2", "agent", 60, 0)
	require.NoError(t, err)
	tk2.ExpiresAt = time.Now().Add(-time.Second)
	assert.Equal(t, 1, tm.Sweep())
	assert.Equal(t, 0, tm.Len())
}
