package consensus

import (
	"database/sql"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/hive/pkg/blob"
	"github.com/agenthub/hive/pkg/config"
	"github.com/agenthub/hive/pkg/registry"
	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
)

type fixture struct {
	resolver *Resolver
	blobs    *blob.Store
	db       *storage.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	blobs := blob.NewStore(db)
	return &fixture{
		resolver: New(db, registry.New(db), blobs, config.Default()),
		blobs:    blobs,
		db:       db,
	}
}

func vote(agent string, d types.VoteDecision, conf float64) types.Vote {
	return types.Vote{AgentID: agent, Decision: d, Confidence: &conf}
}

func TestResolveAccept(t *testing.T) {
	f := newFixture(t)

	result, err := f.resolver.Resolve("prop-1", "requester", []types.Vote{
		vote("a", types.VoteAccept, 0.9),
		vote("b", types.VoteAccept, 0.8),
		vote("c", types.VoteReject, 0.4),
	}, Options{})
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeAccept, result.Decision.Outcome)
	assert.Equal(t, 3, result.Stats.TotalVotes)
	assert.Equal(t, 2, result.Stats.AcceptVotes)
	assert.Equal(t, 1, result.Stats.RejectVotes)
	assert.Empty(t, result.Reasons)
	assert.Empty(t, result.BlobRef)
	assert.Positive(t, result.Decision.ID)

	decisions, err := f.resolver.List("prop-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "requester", decisions[0].RequestingAgent)
}

func TestResolveReject(t *testing.T) {
	f := newFixture(t)

	result, err := f.resolver.Resolve("prop-2", "requester", []types.Vote{
		vote("a", types.VoteReject, 0.9),
		vote("b", types.VoteReject, 0.9),
		vote("c", types.VoteAccept, 0.3),
	}, Options{DisagreementThreshold: 0.5})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeReject, result.Decision.Outcome)
}

func TestResolveValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.resolver.Resolve("", "r", []types.Vote{vote("a", types.VoteAccept, 1)}, Options{})
	assert.Equal(t, types.CodeInvalidPayload, types.CodeOf(err))

	_, err = f.resolver.Resolve("p", "r", nil, Options{})
	assert.Equal(t, types.CodeVotesEmpty, types.CodeOf(err))

	many := make([]types.Vote, config.Default().MaxConsensusVotes+1)
	for i := range many {
		many[i] = vote("a", types.VoteAccept, 1)
	}
	_, err = f.resolver.Resolve("p", "r", many, Options{})
	assert.Equal(t, types.CodeVotesTooLarge, types.CodeOf(err))
}

func TestResolveConfidenceDefaults(t *testing.T) {
	f := newFixture(t)

	// An omitted confidence weighs 0.5 per vote.
	result, err := f.resolver.Resolve("p-default", "r", []types.Vote{
		{AgentID: "a", Decision: types.VoteAccept},
		{AgentID: "b", Decision: types.VoteAccept},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Stats.WeightedAccept)

	// An explicit zero is a real zero, not the default.
	result, err = f.resolver.Resolve("p-zero", "r", []types.Vote{
		vote("a", types.VoteAccept, 0),
		vote("b", types.VoteAccept, 0),
	}, Options{})
	require.NoError(t, err)
	assert.Zero(t, result.Stats.WeightedAccept)
}

func TestResolveEscalations(t *testing.T) {
	f := newFixture(t)

	t.Run("high disagreement", func(t *testing.T) {
		result, err := f.resolver.Resolve("p", "r", []types.Vote{
			vote("a", types.VoteAccept, 0.9),
			vote("b", types.VoteReject, 0.9),
		}, Options{})
		require.NoError(t, err)
		assert.Equal(t, types.OutcomeEscalate, result.Decision.Outcome)
		require.Len(t, result.Reasons, 1)
		assert.True(t, strings.HasPrefix(result.Reasons[0], "high_disagreement:"))
	})

	t.Run("insufficient non-abstain votes", func(t *testing.T) {
		result, err := f.resolver.Resolve("p", "r", []types.Vote{
			vote("a", types.VoteAccept, 0.9),
			vote("b", types.VoteAbstain, 0),
		}, Options{})
		require.NoError(t, err)
		assert.Equal(t, types.OutcomeEscalate, result.Decision.Outcome)
		require.Len(t, result.Reasons, 1)
		assert.True(t, strings.HasPrefix(result.Reasons[0], "insufficient_non_abstain_votes:"))
	})

	t.Run("token budget cap", func(t *testing.T) {
		// 3 valid votes cost 40 + 5*3 = 55.
		result, err := f.resolver.Resolve("p", "r", []types.Vote{
			vote("a", types.VoteAccept, 0.9),
			vote("b", types.VoteAccept, 0.9),
			vote("c", types.VoteAccept, 0.9),
		}, Options{TokenBudgetCap: 50})
		require.NoError(t, err)
		assert.Equal(t, types.OutcomeEscalate, result.Decision.Outcome)
		assert.Equal(t, 55, result.Stats.EstimatedTokenCost)
		require.Len(t, result.Reasons, 1)
		assert.True(t, strings.HasPrefix(result.Reasons[0], "estimated_token_cost_exceeds_cap:"))
	})
}

func TestResolveDedupeAndInvalidVotes(t *testing.T) {
	f := newFixture(t)

	result, err := f.resolver.Resolve("p", "r", []types.Vote{
		vote("a", types.VoteReject, 0.9),
		vote("", types.VoteAccept, 1),    // no agent
		vote("b", "maybe", 1),            // unknown decision
		vote("a", types.VoteAccept, 0.9), // supersedes a's earlier vote
		vote("c", types.VoteAccept, 0.9),
	}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Stats.InvalidVotes)
	assert.Equal(t, 1, result.Stats.DedupedVotes)
	assert.Equal(t, 2, result.Stats.AcceptVotes)
	assert.Equal(t, 0, result.Stats.RejectVotes)
	assert.Equal(t, types.OutcomeAccept, result.Decision.Outcome)
}

func TestResolveDedupeDisabled(t *testing.T) {
	f := newFixture(t)

	off := false
	result, err := f.resolver.Resolve("p", "r", []types.Vote{
		vote("a", types.VoteAccept, 0.9),
		vote("a", types.VoteAccept, 0.9),
		vote("b", types.VoteAccept, 0.9),
	}, Options{DedupeByAgent: &off})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Stats.DedupedVotes)
	assert.Equal(t, 3, result.Stats.AcceptVotes)
}

func TestResolveQualityWeighting(t *testing.T) {
	f := newFixture(t)

	// Give one agent a rollback-heavy record so its weight drops.
	reg := registry.New(f.db)
	require.NoError(t, f.db.WithTx(func(tx *sql.Tx) error {
		for i := 0; i < 5; i++ {
			if err := reg.RecordRollback(tx, "shaky"); err != nil {
				return err
			}
		}
		return reg.RecordCompletion(tx, "shaky")
	}))

	result, err := f.resolver.Resolve("p", "r", []types.Vote{
		vote("shaky", types.VoteReject, 0.9),
		vote("clean-1", types.VoteAccept, 0.8),
		vote("clean-2", types.VoteAccept, 0.8),
		vote("clean-3", types.VoteAccept, 0.8),
	}, Options{})
	require.NoError(t, err)

	assert.Greater(t, result.Stats.WeightedAccept, result.Stats.WeightedReject)
	assert.Equal(t, types.OutcomeAccept, result.Decision.Outcome)
}

func TestQualityWeightBounds(t *testing.T) {
	assert.Equal(t, 1.0, qualityWeight(types.AgentQuality{}))

	strong := qualityWeight(types.AgentQuality{CompletedCount: 100})
	assert.Greater(t, strong, 1.0)
	assert.LessOrEqual(t, strong, 1.2)

	weak := qualityWeight(types.AgentQuality{CompletedCount: 1, RollbackCount: 9})
	assert.Less(t, weak, 1.0)
	assert.GreaterOrEqual(t, weak, 0.7)
}

func TestResolveFromBlob(t *testing.T) {
	f := newFixture(t)

	votes := []types.Vote{
		vote("a", types.VoteAccept, 0.9),
		vote("b", types.VoteAccept, 0.9),
	}
	payload, err := json.Marshal(votes)
	require.NoError(t, err)

	hash := blob.HashPayload(string(payload))
	_, err = f.blobs.Put(hash, string(payload))
	require.NoError(t, err)

	t.Run("by hash", func(t *testing.T) {
		result, err := f.resolver.ResolveFromBlob("p", "r", hash, Options{})
		require.NoError(t, err)
		assert.Equal(t, types.OutcomeAccept, result.Decision.Outcome)
	})

	t.Run("by ref envelope", func(t *testing.T) {
		result, err := f.resolver.ResolveFromBlob("p", "r", blob.EncodeRef(hash, len(payload)), Options{})
		require.NoError(t, err)
		assert.Equal(t, types.OutcomeAccept, result.Decision.Outcome)
	})

	t.Run("bad ref", func(t *testing.T) {
		_, err := f.resolver.ResolveFromBlob("p", "r", "not-a-hash", Options{})
		assert.Equal(t, types.CodeInvalidVotesBlobRef, types.CodeOf(err))
	})

	t.Run("missing blob", func(t *testing.T) {
		_, err := f.resolver.ResolveFromBlob("p", "r", blob.HashPayload("absent"), Options{})
		assert.Equal(t, types.CodeVotesBlobNotFound, types.CodeOf(err))
	})

	t.Run("wrapper format", func(t *testing.T) {
		wrapped := `{"votes":` + string(payload) + `}`
		h := blob.HashPayload(wrapped)
		_, err := f.blobs.Put(h, wrapped)
		require.NoError(t, err)
		result, err := f.resolver.ResolveFromBlob("p", "r", h, Options{})
		require.NoError(t, err)
		assert.Equal(t, types.OutcomeAccept, result.Decision.Outcome)
	})

	t.Run("invalid json", func(t *testing.T) {
		h := blob.HashPayload("not json")
		_, err := f.blobs.Put(h, "not json")
		require.NoError(t, err)
		_, err = f.resolver.ResolveFromBlob("p", "r", h, Options{})
		assert.Equal(t, types.CodeVotesBlobInvalidJSON, types.CodeOf(err))
	})

	t.Run("wrong shape", func(t *testing.T) {
		h := blob.HashPayload(`{"other":1}`)
		_, err := f.blobs.Put(h, `{"other":1}`)
		require.NoError(t, err)
		_, err = f.resolver.ResolveFromBlob("p", "r", h, Options{})
		assert.Equal(t, types.CodeVotesBlobInvalidFormat, types.CodeOf(err))
	})
}

func TestEmitBlobRefPolicies(t *testing.T) {
	f := newFixture(t)

	agree := []types.Vote{
		vote("a", types.VoteAccept, 0.9),
		vote("b", types.VoteAccept, 0.9),
	}
	split := []types.Vote{
		vote("a", types.VoteAccept, 0.9),
		vote("b", types.VoteAccept, 0.9),
		vote("c", types.VoteReject, 0.9),
	}

	t.Run("never", func(t *testing.T) {
		result, err := f.resolver.Resolve("p", "r", split, Options{DisagreementThreshold: 0.5})
		require.NoError(t, err)
		assert.Empty(t, result.BlobRef)
	})

	t.Run("always", func(t *testing.T) {
		result, err := f.resolver.Resolve("p", "r", agree, Options{EmitBlobRefPolicy: EmitAlways})
		require.NoError(t, err)
		require.NotEmpty(t, result.BlobRef)

		hash, _, ok := blob.ParseRef(result.BlobRef)
		require.True(t, ok)
		stored, err := f.blobs.Get(hash)
		require.NoError(t, err)
		require.NotNil(t, stored)

		var decision types.ConsensusDecision
		require.NoError(t, json.Unmarshal([]byte(stored.Value), &decision))
		assert.Equal(t, result.Decision.ID, decision.ID)
	})

	t.Run("on conflict", func(t *testing.T) {
		result, err := f.resolver.Resolve("p", "r", split, Options{DisagreementThreshold: 0.5, EmitBlobRefPolicy: EmitOnConflict})
		require.NoError(t, err)
		assert.NotEmpty(t, result.BlobRef)

		result, err = f.resolver.Resolve("p", "r", agree, Options{EmitBlobRefPolicy: EmitOnConflict})
		require.NoError(t, err)
		assert.Empty(t, result.BlobRef)
	})

	t.Run("on escalate", func(t *testing.T) {
		escalating := []types.Vote{vote("a", types.VoteAccept, 0.9)}
		result, err := f.resolver.Resolve("p", "r", escalating, Options{EmitBlobRefPolicy: EmitOnEscalate})
		require.NoError(t, err)
		assert.Equal(t, types.OutcomeEscalate, result.Decision.Outcome)
		assert.NotEmpty(t, result.BlobRef)

		result, err = f.resolver.Resolve("p", "r", agree, Options{EmitBlobRefPolicy: EmitOnEscalate})
		require.NoError(t, err)
		assert.Empty(t, result.BlobRef)
	})
}

func TestOptionsNormalize(t *testing.T) {
	var o Options
	o.normalize()
	assert.Equal(t, 0.35, o.DisagreementThreshold)
	assert.Equal(t, 2, o.MinNonAbstainVotes)
	assert.Equal(t, EmitNever, o.EmitBlobRefPolicy)

	clamped := Options{DisagreementThreshold: 0.05, EmitBlobRefPolicy: "weird"}
	clamped.normalize()
	assert.Equal(t, 0.1, clamped.DisagreementThreshold)
	assert.Equal(t, EmitNever, clamped.EmitBlobRefPolicy)

	high := Options{DisagreementThreshold: 2}
	high.normalize()
	assert.Equal(t, 0.9, high.DisagreementThreshold)
}
