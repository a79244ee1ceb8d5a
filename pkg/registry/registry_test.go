package registry

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
)

func newRegistry(t *testing.T) (*Registry, *storage.Store) {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), db
}

func TestRegister(t *testing.T) {
	r, _ := newRegistry(t)

	_, err := r.Register(types.Agent{})
	assert.Equal(t, types.CodeInvalidPayload, types.CodeOf(err))

	result, err := r.Register(types.Agent{ID: "worker-1", Name: "Worker", Type: "coder"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)
	assert.False(t, result.Reused)
	assert.Equal(t, types.AgentOnline, result.Agent.Status)
	assert.Equal(t, types.LifecyclePersistent, result.Agent.Lifecycle)
	assert.Equal(t, types.WorkspaceUnknown, result.Agent.WorkspaceMode)
}

func TestRegisterAgainKeepsTokenAndFields(t *testing.T) {
	r, _ := newRegistry(t)

	first, err := r.Register(types.Agent{ID: "worker-1", Name: "Worker", Type: "coder"})
	require.NoError(t, err)

	again, err := r.Register(types.Agent{ID: "worker-1", Lifecycle: types.LifecycleEphemeral})
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, first.Token, again.Token)
	// Blank fields keep their earlier values.
	assert.Equal(t, "Worker", again.Agent.Name)
	assert.Equal(t, "coder", again.Agent.Type)
	assert.Equal(t, types.LifecycleEphemeral, again.Agent.Lifecycle)
}

func TestValidateToken(t *testing.T) {
	r, _ := newRegistry(t)

	result, err := r.Register(types.Agent{ID: "worker-1"})
	require.NoError(t, err)

	agentID, err := r.ValidateToken(result.Token)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", agentID)

	agentID, err = r.ValidateToken("bogus")
	require.NoError(t, err)
	assert.Empty(t, agentID)
}

func TestHeartbeat(t *testing.T) {
	r, db := newRegistry(t)

	err := r.Heartbeat("ghost")
	assert.Equal(t, types.CodeAgentNotFound, types.CodeOf(err))

	_, err = r.Register(types.Agent{ID: "worker-1"})
	require.NoError(t, err)

	// Simulate the maintenance sweep marking the agent offline.
	_, err = db.DB().Exec("UPDATE agents SET status = 'offline' WHERE id = 'worker-1'")
	require.NoError(t, err)

	require.NoError(t, r.Heartbeat("worker-1"))
	a, err := r.Get("worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentOnline, a.Status)
}

func TestUpdateRuntimeProfile(t *testing.T) {
	r, _ := newRegistry(t)

	_, err := r.UpdateRuntimeProfile("ghost", types.RuntimeProfile{})
	assert.Equal(t, types.CodeAgentNotFound, types.CodeOf(err))

	_, err = r.Register(types.Agent{ID: "worker-1"})
	require.NoError(t, err)

	a, err := r.UpdateRuntimeProfile("worker-1", types.RuntimeProfile{HasGit: true, FileCount: 120})
	require.NoError(t, err)
	assert.Equal(t, types.WorkspaceRepo, a.WorkspaceMode)
	assert.True(t, a.Profile.HasGit)
	assert.NotZero(t, a.Profile.DetectedAt)
}

func TestInferWorkspaceMode(t *testing.T) {
	tests := []struct {
		name    string
		profile types.RuntimeProfile
		want    types.WorkspaceMode
	}{
		{name: "git checkout", profile: types.RuntimeProfile{HasGit: true, FileCount: 10}, want: types.WorkspaceRepo},
		{name: "empty dir", profile: types.RuntimeProfile{EmptyDir: true}, want: types.WorkspaceIsolated},
		{name: "no files", profile: types.RuntimeProfile{FileCount: 0}, want: types.WorkspaceIsolated},
		{name: "files without git", profile: types.RuntimeProfile{FileCount: 3}, want: types.WorkspaceUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferWorkspaceMode(tt.profile))
		})
	}
}

func TestListByStatus(t *testing.T) {
	r, db := newRegistry(t)

	_, err := r.Register(types.Agent{ID: "a"})
	require.NoError(t, err)
	_, err = r.Register(types.Agent{ID: "b"})
	require.NoError(t, err)
	_, err = db.DB().Exec("UPDATE agents SET status = 'offline' WHERE id = 'b'")
	require.NoError(t, err)

	online, err := r.List(types.AgentOnline, 0, 0)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "a", online[0].ID)

	all, err := r.List("", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestQualityCounters(t *testing.T) {
	r, db := newRegistry(t)

	q, err := r.Quality("unseen")
	require.NoError(t, err)
	assert.Zero(t, q.CompletedCount)
	assert.Zero(t, q.RollbackCount)
	assert.Zero(t, q.RollbackRate())

	require.NoError(t, db.WithTx(func(tx *sql.Tx) error {
		if err := r.RecordCompletion(tx, "worker-1"); err != nil {
			return err
		}
		if err := r.RecordCompletion(tx, "worker-1"); err != nil {
			return err
		}
		return r.RecordRollback(tx, "worker-1")
	}))

	q, err = r.Quality("worker-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), q.CompletedCount)
	assert.Equal(t, int64(1), q.RollbackCount)
	assert.InDelta(t, 1.0/3.0, q.RollbackRate(), 1e-9)
}

func TestActiveAgentCount(t *testing.T) {
	r, db := newRegistry(t)

	_, err := r.Register(types.Agent{ID: "fresh"})
	require.NoError(t, err)
	_, err = r.Register(types.Agent{ID: "stale"})
	require.NoError(t, err)
	_, err = db.DB().Exec("UPDATE agents SET last_seen = last_seen - 600000 WHERE id = 'stale'")
	require.NoError(t, err)

	n, err := r.ActiveAgentCount(60_000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
