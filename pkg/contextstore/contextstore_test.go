package contextstore

import (
	"strings"
	"testing"

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

func TestSetValidation(t *testing.T) {
	s := newStore(t)

	_, err := s.Set(SetInput{Key: "k", Value: "v"})
	assert.Equal(t, types.CodeInvalidPayload, types.CodeOf(err))

	_, err = s.Set(SetInput{AgentID: "a", Key: "  ", Value: "v"})
	assert.Equal(t, types.CodeInvalidPayload, types.CodeOf(err))

	_, err = s.Set(SetInput{AgentID: "a", Key: "k", Value: strings.Repeat("x", 3000)})
	require.Error(t, err)
	assert.Equal(t, types.CodeValueTooLong, types.CodeOf(err))
	assert.Equal(t, 3000, types.AsError(err).Detail["value_chars"])
}

func TestSetUpserts(t *testing.T) {
	s := newStore(t)

	first, err := s.Set(SetInput{AgentID: "a", Key: "plan", Value: "v1"})
	require.NoError(t, err)
	assert.Equal(t, "default", first.Namespace)

	_, err = s.Set(SetInput{AgentID: "a", Key: "plan", Value: "v2", Namespace: "team", TraceID: "t-1"})
	require.NoError(t, err)

	got, err := s.GetOne("a", "plan")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v2", got.Value)
	assert.Equal(t, "team", got.Namespace)
	assert.Equal(t, "t-1", got.TraceID)

	// One row per (agent, key).
	entries, err := s.Get(GetFilter{AgentID: "a", Key: "plan"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGetOneMissing(t *testing.T) {
	s := newStore(t)
	got, err := s.GetOne("a", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetFilters(t *testing.T) {
	s := newStore(t)

	_, err := s.Set(SetInput{AgentID: "a", Key: "k1", Value: "v", Namespace: "alpha"})
	require.NoError(t, err)
	_, err = s.Set(SetInput{AgentID: "b", Key: "k2", Value: "v", Namespace: "beta"})
	require.NoError(t, err)

	byAgent, err := s.Get(GetFilter{AgentID: "a"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, "k1", byAgent[0].Key)

	byNS, err := s.Get(GetFilter{Namespace: "beta"})
	require.NoError(t, err)
	require.Len(t, byNS, 1)
	assert.Equal(t, "b", byNS[0].AgentID)

	all, err := s.Get(GetFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGetDeltaOrdersAscending(t *testing.T) {
	s := newStore(t)

	_, err := s.Set(SetInput{AgentID: "a", Key: "k1", Value: "v"})
	require.NoError(t, err)
	_, err = s.Set(SetInput{AgentID: "a", Key: "k2", Value: "v"})
	require.NoError(t, err)

	entries, err := s.Get(GetFilter{AgentID: "a", UpdatedAfter: 1})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.LessOrEqual(t, entries[0].UpdatedAt, entries[1].UpdatedAt)

	// Nothing newer than the last write.
	latest := entries[1].UpdatedAt
	entries, err = s.Get(GetFilter{AgentID: "a", UpdatedAfter: latest})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDelete(t *testing.T) {
	s := newStore(t)

	_, err := s.Set(SetInput{AgentID: "a", Key: "k", Value: "v"})
	require.NoError(t, err)

	existed, err := s.Delete("a", "k")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete("a", "k")
	require.NoError(t, err)
	assert.False(t, existed)
}
