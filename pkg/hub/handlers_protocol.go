package hub

import (
	"context"

	"github.com/agenthub/hive/pkg/blob"
	"github.com/agenthub/hive/pkg/consensus"
	"github.com/agenthub/hive/pkg/types"
)

// consensusParams are the shared resolution knobs.
type consensusParams struct {
	ProposalID            string       `json:"proposal_id"`
	Votes                 []types.Vote `json:"votes"`
	VotesBlobHash         string       `json:"votes_blob_hash"`
	VotesBlobRef          string       `json:"votes_blob_ref"`
	DisagreementThreshold float64      `json:"disagreement_threshold"`
	MinNonAbstainVotes    int          `json:"min_non_abstain_votes"`
	TokenBudgetCap        int          `json:"token_budget_cap"`
	DedupeByAgent         *bool        `json:"dedupe_by_agent"`
	QualityWeighting      *bool        `json:"quality_weighting"`
	EmitBlobRefPolicy     string       `json:"emit_blob_ref_policy"`
}

func (p consensusParams) options() consensus.Options {
	return consensus.Options{
		DisagreementThreshold: p.DisagreementThreshold,
		MinNonAbstainVotes:    p.MinNonAbstainVotes,
		TokenBudgetCap:        p.TokenBudgetCap,
		DedupeByAgent:         p.DedupeByAgent,
		QualityWeighting:      p.QualityWeighting,
		EmitBlobRefPolicy:     consensus.BlobRefPolicy(p.EmitBlobRefPolicy),
	}
}

func consensusPayload(result *consensus.Result) map[string]any {
	payload := map[string]any{
		"decision": result.Decision,
		"stats":    result.Stats,
		"reasons":  result.Reasons,
	}
	if result.BlobRef != "" {
		payload["blob_ref"] = result.BlobRef
	}
	return payload
}

func (s *Server) resolveConsensus(ctx context.Context, req *Request) (map[string]any, error) {
	var p consensusParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}

	var (
		result *consensus.Result
		err    error
	)
	switch {
	case p.VotesBlobHash != "":
		result, err = s.Consensus.ResolveFromBlob(p.ProposalID, req.AgentID, p.VotesBlobHash, p.options())
	case p.VotesBlobRef != "":
		result, err = s.Consensus.ResolveFromBlob(p.ProposalID, req.AgentID, p.VotesBlobRef, p.options())
	default:
		result, err = s.Consensus.Resolve(p.ProposalID, req.AgentID, p.Votes, p.options())
	}
	if err != nil {
		return nil, err
	}
	return consensusPayload(result), nil
}

func (s *Server) resolveConsensusFromContext(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		consensusParams
		SourceAgentID string `json:"source_agent_id"`
		Key           string `json:"key"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.SourceAgentID == "" {
		p.SourceAgentID = req.AgentID
	}

	entry, err := s.Context.GetOne(p.SourceAgentID, p.Key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, types.NewErrorf(types.CodeContextNotFound, "context %s/%s not found", p.SourceAgentID, p.Key)
	}
	result, err := s.Consensus.ResolveFromValue(p.ProposalID, req.AgentID, entry.Value, types.CodeUnsupportedContextVotesSrc, p.options())
	if err != nil {
		return nil, err
	}
	return consensusPayload(result), nil
}

func (s *Server) resolveConsensusFromMessage(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		consensusParams
		MessageID int64 `json:"message_id"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}

	msg, err := s.Bus.GetForAgent(agentID, p.MessageID)
	if err != nil {
		return nil, err
	}
	result, err := s.Consensus.ResolveFromValue(p.ProposalID, agentID, msg.Content, types.CodeUnsupportedMessageVotesSrc, p.options())
	if err != nil {
		return nil, err
	}
	return consensusPayload(result), nil
}

func (s *Server) listConsensusDecisions(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		ProposalID string `json:"proposal_id"`
		Limit      int    `json:"limit"`
		Offset     int    `json:"offset"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	decisions, err := s.Consensus.List(p.ProposalID, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return map[string]any{"decisions": decisions, "count": len(decisions)}, nil
}

// packProtocolMessage stores a payload as a blob and returns the ref
// envelope to embed in place of the payload.
func (s *Server) packProtocolMessage(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		Payload string `json:"payload"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Payload == "" {
		return nil, types.NewError(types.CodeInvalidPayload, "payload is required")
	}
	ref, hash, created, err := s.packPayload(p.Payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{"blob_ref": ref, "hash": hash, "created": created, "chars": len(p.Payload)}, nil
}

// unpackProtocolMessage resolves a ref envelope back to its payload.
// Content that is not a ref passes through unchanged.
func (s *Server) unpackProtocolMessage(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		Content string `json:"content"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}

	hash, _, ok := blob.ParseRef(p.Content)
	if !ok {
		return map[string]any{"payload": p.Content, "unpacked": false}, nil
	}
	stored, err := s.Blobs.Get(hash)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, types.NewErrorf(types.CodeVotesBlobNotFound, "blob %s not found", hash)
	}
	payload, applied, err := blob.DecodeLossless(stored.Value)
	if err != nil {
		return nil, types.NewError(types.CodeVotesBlobIntegrityFailed, "blob failed integrity verification").
			WithDetail("hash", hash)
	}
	return map[string]any{"payload": payload, "unpacked": true, "hash": hash, "compressed": applied}, nil
}

func (s *Server) hashPayload(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		Payload string `json:"payload"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	return map[string]any{"hash": blob.HashPayload(p.Payload), "chars": len(p.Payload)}, nil
}

func (s *Server) storeProtocolBlob(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		Hash  string `json:"hash"`
		Value string `json:"value"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Hash == "" {
		p.Hash = blob.HashPayload(p.Value)
	}
	if !blob.ValidHash(p.Hash) {
		return nil, types.NewError(types.CodeInvalidPayload, "hash must be 64 hex characters")
	}
	created, err := s.Blobs.Put(p.Hash, p.Value)
	if err != nil {
		return nil, err
	}
	return map[string]any{"hash": p.Hash, "created": created}, nil
}

func (s *Server) getProtocolBlob(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		Hash string `json:"hash"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	stored, err := s.Blobs.Get(p.Hash)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return map[string]any{"found": false}, nil
	}
	return map[string]any{"found": true, "blob": stored}, nil
}

func (s *Server) listProtocolBlobs(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	blobs, err := s.Blobs.List(p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return map[string]any{"blobs": blobs, "count": len(blobs)}, nil
}
