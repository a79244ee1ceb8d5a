package consensus

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"

	"github.com/agenthub/hive/pkg/blob"
	"github.com/agenthub/hive/pkg/config"
	"github.com/agenthub/hive/pkg/log"
	"github.com/agenthub/hive/pkg/registry"
	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
)

// BlobRefPolicy controls when a resolution emits its decision record as
// a protocol blob.
type BlobRefPolicy string

const (
	EmitNever      BlobRefPolicy = "never"
	EmitAlways     BlobRefPolicy = "always"
	EmitOnEscalate BlobRefPolicy = "on_escalate"
	EmitOnConflict BlobRefPolicy = "on_conflict"
)

// Resolver turns a set of votes into a persisted decision using
// confidence- and quality-weighted scoring with escalation rules.
type Resolver struct {
	db       *storage.Store
	registry *registry.Registry
	blobs    *blob.Store
	cfg      *config.Config
}

// New creates a resolver.
func New(db *storage.Store, reg *registry.Registry, blobs *blob.Store, cfg *config.Config) *Resolver {
	return &Resolver{db: db, registry: reg, blobs: blobs, cfg: cfg}
}

// Options are the resolution knobs; zero values take the documented
// defaults.
type Options struct {
	DisagreementThreshold float64
	MinNonAbstainVotes    int
	TokenBudgetCap        int
	DedupeByAgent         *bool
	QualityWeighting      *bool
	EmitBlobRefPolicy     BlobRefPolicy
}

func (o *Options) normalize() {
	if o.DisagreementThreshold == 0 {
		o.DisagreementThreshold = 0.35
	}
	if o.DisagreementThreshold < 0.1 {
		o.DisagreementThreshold = 0.1
	}
	if o.DisagreementThreshold > 0.9 {
		o.DisagreementThreshold = 0.9
	}
	if o.MinNonAbstainVotes <= 0 {
		o.MinNonAbstainVotes = 2
	}
	switch o.EmitBlobRefPolicy {
	case EmitNever, EmitAlways, EmitOnEscalate, EmitOnConflict:
	default:
		o.EmitBlobRefPolicy = EmitNever
	}
}

func (o Options) dedupe() bool {
	return o.DedupeByAgent == nil || *o.DedupeByAgent
}

func (o Options) weighted() bool {
	return o.QualityWeighting == nil || *o.QualityWeighting
}

// Stats summarizes one resolution.
type Stats struct {
	TotalVotes         int     `json:"total_votes"`
	InvalidVotes       int     `json:"invalid_votes"`
	DedupedVotes       int     `json:"deduped_votes"`
	AcceptVotes        int     `json:"accept_votes"`
	RejectVotes        int     `json:"reject_votes"`
	AbstainVotes       int     `json:"abstain_votes"`
	WeightedAccept     float64 `json:"weighted_accept"`
	WeightedReject     float64 `json:"weighted_reject"`
	DisagreementRatio  float64 `json:"disagreement_ratio"`
	EstimatedTokenCost int     `json:"estimated_token_cost"`
}

// Result is a resolved proposal.
type Result struct {
	Decision types.ConsensusDecision `json:"decision"`
	Stats    Stats                   `json:"stats"`
	Reasons  []string                `json:"reasons,omitempty"`
	BlobRef  string                  `json:"blob_ref,omitempty"`
}

// Resolve scores the votes and persists the decision.
func (r *Resolver) Resolve(proposalID, requestingAgent string, votes []types.Vote, opts Options) (*Result, error) {
	if proposalID == "" {
		return nil, types.NewError(types.CodeInvalidPayload, "proposal_id is required")
	}
	if len(votes) == 0 {
		return nil, types.NewError(types.CodeVotesEmpty, "at least one vote is required")
	}
	if len(votes) > r.cfg.MaxConsensusVotes {
		return nil, types.NewErrorf(types.CodeVotesTooLarge, "at most %d votes per resolution", r.cfg.MaxConsensusVotes).
			WithDetail("max_votes", r.cfg.MaxConsensusVotes)
	}
	opts.normalize()

	var stats Stats
	stats.TotalVotes = len(votes)
	valid := normalizeVotes(votes, &stats)
	if opts.dedupe() {
		before := len(valid)
		valid = dedupeByAgent(valid)
		stats.DedupedVotes = before - len(valid)
	}

	for _, v := range valid {
		weight := 1.0
		if opts.weighted() {
			q, err := r.registry.Quality(v.AgentID)
			if err != nil {
				return nil, err
			}
			weight = qualityWeight(q)
		}
		switch v.Decision {
		case types.VoteAccept:
			stats.AcceptVotes++
			stats.WeightedAccept += *v.Confidence * weight
		case types.VoteReject:
			stats.RejectVotes++
			stats.WeightedReject += *v.Confidence * weight
		case types.VoteAbstain:
			stats.AbstainVotes++
		}
	}

	nonAbstain := stats.AcceptVotes + stats.RejectVotes
	if nonAbstain > 0 {
		minSide := stats.AcceptVotes
		if stats.RejectVotes < minSide {
			minSide = stats.RejectVotes
		}
		stats.DisagreementRatio = float64(minSide) / float64(nonAbstain)
	}
	stats.EstimatedTokenCost = 40 + 5*len(valid)

	outcome := types.OutcomeAccept
	var reasons []string
	switch {
	case opts.TokenBudgetCap > 0 && stats.EstimatedTokenCost > opts.TokenBudgetCap:
		outcome = types.OutcomeEscalate
		reasons = append(reasons, fmt.Sprintf("estimated_token_cost_exceeds_cap: %d > %d", stats.EstimatedTokenCost, opts.TokenBudgetCap))
	case nonAbstain < opts.MinNonAbstainVotes:
		outcome = types.OutcomeEscalate
		reasons = append(reasons, fmt.Sprintf("insufficient_non_abstain_votes: %d < %d", nonAbstain, opts.MinNonAbstainVotes))
	case stats.DisagreementRatio > opts.DisagreementThreshold:
		outcome = types.OutcomeEscalate
		reasons = append(reasons, fmt.Sprintf("high_disagreement: ratio %.3f > threshold %.3f", stats.DisagreementRatio, opts.DisagreementThreshold))
	default:
		if stats.WeightedAccept >= stats.WeightedReject {
			outcome = types.OutcomeAccept
		} else {
			outcome = types.OutcomeReject
		}
	}

	decision, err := r.persist(proposalID, requestingAgent, outcome, stats, reasons)
	if err != nil {
		return nil, err
	}

	result := &Result{Decision: *decision, Stats: stats, Reasons: reasons}
	if r.shouldEmitBlob(opts.EmitBlobRefPolicy, outcome, stats) {
		ref, err := r.emitDecisionBlob(result)
		if err != nil {
			return nil, err
		}
		result.BlobRef = ref
	}

	log.WithComponent("consensus").Info().
		Str("proposal_id", proposalID).
		Str("outcome", string(outcome)).
		Int("votes", stats.TotalVotes).
		Msg("proposal resolved")
	return result, nil
}

// ResolveFromBlob loads votes from a stored protocol blob and resolves.
func (r *Resolver) ResolveFromBlob(proposalID, requestingAgent, hashOrRef string, opts Options) (*Result, error) {
	hash := hashOrRef
	if !blob.ValidHash(hash) {
		parsed, _, ok := blob.ParseRef(hashOrRef)
		if !ok {
			return nil, types.NewError(types.CodeInvalidVotesBlobRef, "votes source must be a 64-hex hash or a blob ref envelope")
		}
		hash = parsed
	}

	stored, err := r.blobs.Get(hash)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, types.NewErrorf(types.CodeVotesBlobNotFound, "votes blob %s not found", hash)
	}
	value, _, err := blob.DecodeLossless(stored.Value)
	if err != nil {
		return nil, types.NewError(types.CodeVotesBlobIntegrityFailed, "votes blob failed integrity verification").
			WithDetail("hash", hash)
	}

	votes, err := parseVotesJSON(value)
	if err != nil {
		return nil, err
	}
	return r.Resolve(proposalID, requestingAgent, votes, opts)
}

// List returns decisions, optionally for one proposal, newest first.
func (r *Resolver) List(proposalID string, limit, offset int) ([]types.ConsensusDecision, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := "SELECT id, proposal_id, requesting_agent, outcome, stats, reasons, created_at FROM consensus_decisions"
	args := []any{}
	if proposalID != "" {
		query += " WHERE proposal_id = ?"
		args = append(args, proposalID)
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.DB().Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ConsensusDecision
	for rows.Next() {
		var d types.ConsensusDecision
		if err := rows.Scan(&d.ID, &d.ProposalID, &d.RequestingAgent, (*string)(&d.Outcome), &d.Stats, &d.Reasons, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// qualityWeight maps an agent's track record into [0.7, 1.2]. Agents
// with no history weigh 1.0.
func qualityWeight(q types.AgentQuality) float64 {
	if q.CompletedCount == 0 && q.RollbackCount == 0 {
		return 1.0
	}
	stability := 1 - math.Min(0.35, q.RollbackRate()*0.7)
	boost := math.Min(0.12, math.Log10(float64(q.CompletedCount)+1)*0.06)
	w := stability + boost
	if w < 0.7 {
		w = 0.7
	}
	if w > 1.2 {
		w = 1.2
	}
	return w
}

// normalizeVotes drops invalid entries, counting them, and clamps
// confidence into [0,1]. An omitted confidence defaults to 0.5; an
// explicit zero stays zero.
func normalizeVotes(votes []types.Vote, stats *Stats) []types.Vote {
	var out []types.Vote
	for _, v := range votes {
		if v.AgentID == "" {
			stats.InvalidVotes++
			continue
		}
		switch v.Decision {
		case types.VoteAccept, types.VoteReject, types.VoteAbstain:
		default:
			stats.InvalidVotes++
			continue
		}
		conf := 0.5
		if v.Confidence != nil {
			conf = *v.Confidence
		}
		if math.IsNaN(conf) || conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
		v.Confidence = &conf
		out = append(out, v)
	}
	return out
}

// dedupeByAgent keeps the last vote per agent, preserving the order of
// last appearance.
func dedupeByAgent(votes []types.Vote) []types.Vote {
	last := make(map[string]int, len(votes))
	for i, v := range votes {
		last[v.AgentID] = i
	}
	out := make([]types.Vote, 0, len(last))
	for i, v := range votes {
		if last[v.AgentID] == i {
			out = append(out, v)
		}
	}
	return out
}

// parseVotesJSON accepts a bare vote array or a {"votes":[...]} wrapper.
func parseVotesJSON(value string) ([]types.Vote, error) {
	raw := []byte(value)
	var votes []types.Vote
	if err := json.Unmarshal(raw, &votes); err == nil {
		return votes, nil
	}
	var wrapper struct {
		Votes []types.Vote `json:"votes"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, types.NewError(types.CodeVotesBlobInvalidJSON, "votes blob is not valid JSON")
	}
	if wrapper.Votes == nil {
		return nil, types.NewError(types.CodeVotesBlobInvalidFormat, "votes blob must be a vote array or {\"votes\":[...]}")
	}
	return wrapper.Votes, nil
}

func (r *Resolver) persist(proposalID, requestingAgent string, outcome types.ConsensusOutcome, stats Stats, reasons []string) (*types.ConsensusDecision, error) {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}
	if reasons == nil {
		reasons = []string{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return nil, err
	}

	now := storage.NowMS()
	decision := &types.ConsensusDecision{
		ProposalID:      proposalID,
		RequestingAgent: requestingAgent,
		Outcome:         outcome,
		Stats:           string(statsJSON),
		Reasons:         string(reasonsJSON),
		CreatedAt:       now,
	}
	err = r.db.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"INSERT INTO consensus_decisions (proposal_id, requesting_agent, outcome, stats, reasons, created_at) VALUES (?, ?, ?, ?, ?, ?)",
			proposalID, requestingAgent, string(outcome), decision.Stats, decision.Reasons, now,
		)
		if err != nil {
			return err
		}
		decision.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		return storage.LogActivity(tx, "resolve_consensus", requestingAgent, 0, string(outcome))
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

func (r *Resolver) shouldEmitBlob(policy BlobRefPolicy, outcome types.ConsensusOutcome, stats Stats) bool {
	switch policy {
	case EmitAlways:
		return true
	case EmitOnEscalate:
		return outcome == types.OutcomeEscalate
	case EmitOnConflict:
		return stats.AcceptVotes > 0 && stats.RejectVotes > 0
	default:
		return false
	}
}

// emitDecisionBlob stores the decision record as a protocol blob and
// returns the ref envelope pointing at it.
func (r *Resolver) emitDecisionBlob(result *Result) (string, error) {
	payload, err := json.Marshal(result.Decision)
	if err != nil {
		return "", err
	}
	stored, _ := blob.EncodeLosslessAuto(string(payload), r.cfg.BlobMinPayloadChars, r.cfg.BlobMinGainPct)
	hash := blob.HashPayload(stored)
	if _, err := r.blobs.Put(hash, stored); err != nil {
		return "", err
	}
	return blob.EncodeRef(hash, len(payload)), nil
}
