package hub

import (
	"context"

	"github.com/agenthub/hive/pkg/blob"
	"github.com/agenthub/hive/pkg/contextstore"
	"github.com/agenthub/hive/pkg/messages"
	"github.com/agenthub/hive/pkg/types"
)

func (s *Server) registerAgent(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		AgentID        string                `json:"agent_id"`
		Name           string                `json:"name"`
		Type           string                `json:"type"`
		Capabilities   string                `json:"capabilities"`
		Lifecycle      string                `json:"lifecycle"`
		RuntimeProfile *types.RuntimeProfile `json:"runtime_profile"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.AgentID == "" {
		p.AgentID = req.AgentID
	}

	result, err := s.Registry.Register(types.Agent{
		ID:           p.AgentID,
		Name:         p.Name,
		Type:         p.Type,
		Capabilities: p.Capabilities,
		Lifecycle:    types.AgentLifecycle(p.Lifecycle),
	})
	if err != nil {
		return nil, err
	}
	if p.RuntimeProfile != nil {
		agent, err := s.Registry.UpdateRuntimeProfile(p.AgentID, *p.RuntimeProfile)
		if err != nil {
			return nil, err
		}
		result.Agent = *agent
	}
	return map[string]any{
		"agent":        result.Agent,
		"auth_token":   result.Token,
		"token_reused": result.Reused,
	}, nil
}

func (s *Server) heartbeat(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	if err := s.Registry.Heartbeat(agentID); err != nil {
		return nil, err
	}
	return map[string]any{"agent_id": agentID}, nil
}

func (s *Server) updateRuntimeProfile(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		Profile types.RuntimeProfile `json:"runtime_profile"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	agent, err := s.Registry.UpdateRuntimeProfile(agentID, p.Profile)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agent": agent}, nil
}

func (s *Server) listAgents(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		Status string `json:"status"`
		Limit  int    `json:"limit"`
		Offset int    `json:"offset"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	agents, err := s.Registry.List(types.AgentStatus(p.Status), p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agents": agents, "count": len(agents)}, nil
}

func (s *Server) sendMessage(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		To       string `json:"to"`
		Content  string `json:"content"`
		Metadata string `json:"metadata"`
		TraceID  string `json:"trace_id"`
		SpanID   string `json:"span_id"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	msg, err := s.Bus.Send(messages.SendInput{
		FromAgent: agentID,
		ToAgent:   p.To,
		Content:   p.Content,
		Metadata:  p.Metadata,
		TraceID:   p.TraceID,
		SpanID:    p.SpanID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"message": msg}, nil
}

// sendBlobMessage stores the payload as a protocol blob and delivers a
// ref envelope instead, sidestepping the inline content cap.
func (s *Server) sendBlobMessage(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		To       string `json:"to"`
		Content  string `json:"content"`
		Metadata string `json:"metadata"`
		TraceID  string `json:"trace_id"`
		SpanID   string `json:"span_id"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Content == "" {
		return nil, types.NewError(types.CodeInvalidPayload, "content is required")
	}

	ref, hash, created, err := s.packPayload(p.Content)
	if err != nil {
		return nil, err
	}
	msg, err := s.Bus.Send(messages.SendInput{
		FromAgent: agentID,
		ToAgent:   p.To,
		Content:   ref,
		Metadata:  p.Metadata,
		TraceID:   p.TraceID,
		SpanID:    p.SpanID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"message": msg, "blob_hash": hash, "blob_created": created}, nil
}

func (s *Server) readMessages(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		From       string `json:"from"`
		UnreadOnly bool   `json:"unread_only"`
		SinceTS    int64  `json:"since_ts"`
		Cursor     string `json:"cursor"`
		Limit      int    `json:"limit"`
		Offset     int    `json:"offset"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	result, err := s.Bus.Read(agentID, messages.ReadFilter{
		From:       p.From,
		UnreadOnly: p.UnreadOnly,
		SinceTS:    p.SinceTS,
		Cursor:     p.Cursor,
		Limit:      p.Limit,
		Offset:     p.Offset,
	})
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"messages": result.Messages, "count": len(result.Messages)}
	if result.NextCursor != "" {
		payload["next_cursor"] = result.NextCursor
	}
	return payload, nil
}

func (s *Server) shareContext(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		Key       string `json:"key"`
		Value     string `json:"value"`
		Namespace string `json:"namespace"`
		TraceID   string `json:"trace_id"`
		SpanID    string `json:"span_id"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	entry, err := s.Context.Set(contextstore.SetInput{
		AgentID:   agentID,
		Key:       p.Key,
		Value:     p.Value,
		Namespace: p.Namespace,
		TraceID:   p.TraceID,
		SpanID:    p.SpanID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"entry": entry}, nil
}

func (s *Server) shareBlobContext(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		Key       string `json:"key"`
		Value     string `json:"value"`
		Namespace string `json:"namespace"`
		TraceID   string `json:"trace_id"`
		SpanID    string `json:"span_id"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Value == "" {
		return nil, types.NewError(types.CodeInvalidPayload, "value is required")
	}

	ref, hash, created, err := s.packPayload(p.Value)
	if err != nil {
		return nil, err
	}
	entry, err := s.Context.Set(contextstore.SetInput{
		AgentID:   agentID,
		Key:       p.Key,
		Value:     ref,
		Namespace: p.Namespace,
		TraceID:   p.TraceID,
		SpanID:    p.SpanID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"entry": entry, "blob_hash": hash, "blob_created": created}, nil
}

func (s *Server) getContext(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		AgentID      string `json:"agent_id"`
		Key          string `json:"key"`
		Namespace    string `json:"namespace"`
		UpdatedAfter int64  `json:"updated_after"`
		Limit        int    `json:"limit"`
		Offset       int    `json:"offset"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	entries, err := s.Context.Get(contextstore.GetFilter{
		AgentID:      p.AgentID,
		Key:          p.Key,
		Namespace:    p.Namespace,
		UpdatedAfter: p.UpdatedAfter,
		Limit:        p.Limit,
		Offset:       p.Offset,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries, "count": len(entries)}, nil
}

// packPayload stores a payload as a protocol blob under lossless-auto
// policy and returns its ref envelope.
func (s *Server) packPayload(payload string) (ref, hash string, created bool, err error) {
	stored, _ := blob.EncodeLosslessAuto(payload, s.Cfg.BlobMinPayloadChars, s.Cfg.BlobMinGainPct)
	hash = blob.HashPayload(stored)
	created, err = s.Blobs.Put(hash, stored)
	if err != nil {
		return "", "", false, err
	}
	return blob.EncodeRef(hash, len(payload)), hash, created, nil
}
