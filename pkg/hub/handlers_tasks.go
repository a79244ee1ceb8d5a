package hub

import (
	"context"

	"github.com/agenthub/hive/pkg/board"
	"github.com/agenthub/hive/pkg/claims"
	"github.com/agenthub/hive/pkg/messages"
	"github.com/agenthub/hive/pkg/types"
)

func (s *Server) createTask(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		Title           string  `json:"title"`
		Description     string  `json:"description"`
		Namespace       string  `json:"namespace"`
		Priority        string  `json:"priority"`
		ExecutionMode   string  `json:"execution_mode"`
		ConsistencyMode string  `json:"consistency_mode"`
		DependsOn       []int64 `json:"depends_on"`
		TraceID         string  `json:"trace_id"`
		SpanID          string  `json:"span_id"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	task, err := s.Board.Create(board.CreateInput{
		Title:           p.Title,
		Description:     p.Description,
		Namespace:       p.Namespace,
		Priority:        types.Priority(p.Priority),
		ExecutionMode:   types.ExecutionMode(p.ExecutionMode),
		ConsistencyMode: types.ConsistencyMode(p.ConsistencyMode),
		DependsOn:       p.DependsOn,
		Creator:         req.AgentID,
		TraceID:         p.TraceID,
		SpanID:          p.SpanID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": task}, nil
}

func (s *Server) updateTask(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		TaskID          int64    `json:"task_id"`
		Title           *string  `json:"title"`
		Description     *string  `json:"description"`
		Namespace       *string  `json:"namespace"`
		Priority        *string  `json:"priority"`
		ExecutionMode   *string  `json:"execution_mode"`
		ConsistencyMode *string  `json:"consistency_mode"`
		Status          *string  `json:"status"`
		AssignedTo      *string  `json:"assigned_to"`
		DependsOn       []int64  `json:"depends_on"`
		EvidenceRefs    []string `json:"evidence_refs"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}

	patch := board.Patch{
		Title:       p.Title,
		Description: p.Description,
		Namespace:   p.Namespace,
		DependsOn:   p.DependsOn,
		ChangedBy:   req.AgentID,
		Source:      "update_task",
	}
	if p.Priority != nil {
		v := types.Priority(*p.Priority)
		patch.Priority = &v
	}
	if p.ExecutionMode != nil {
		v := types.ExecutionMode(*p.ExecutionMode)
		patch.ExecutionMode = &v
	}
	if p.ConsistencyMode != nil {
		v := types.ConsistencyMode(*p.ConsistencyMode)
		patch.ConsistencyMode = &v
	}
	if p.Status != nil {
		v := types.TaskStatus(*p.Status)
		if !v.Valid() {
			return nil, types.NewErrorf(types.CodeInvalidPayload, "invalid status %q", *p.Status)
		}
		patch.Status = &v
	}
	if p.AssignedTo != nil {
		patch.AssignedTo = p.AssignedTo
	}

	task, err := s.Board.Update(p.TaskID, patch)
	if err != nil {
		return nil, err
	}
	if len(p.EvidenceRefs) > 0 {
		if _, err := s.Board.AddEvidence(s.DB.DB(), p.TaskID, p.EvidenceRefs); err != nil {
			return nil, err
		}
	}
	return map[string]any{"task": task}, nil
}

func (s *Server) listTasks(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		Status        string `json:"status"`
		AssignedTo    string `json:"assigned_to"`
		Namespace     string `json:"namespace"`
		ExecutionMode string `json:"execution_mode"`
		ReadyOnly     bool   `json:"ready_only"`
		UpdatedAfter  int64  `json:"updated_after"`
		Cursor        string `json:"cursor"`
		Limit         int    `json:"limit"`
		Offset        int    `json:"offset"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	result, err := s.Board.List(board.ListFilter{
		Status:        types.TaskStatus(p.Status),
		AssignedTo:    p.AssignedTo,
		Namespace:     p.Namespace,
		ExecutionMode: types.ExecutionMode(p.ExecutionMode),
		ReadyOnly:     p.ReadyOnly,
		UpdatedAfter:  p.UpdatedAfter,
		Cursor:        p.Cursor,
		Limit:         p.Limit,
		Offset:        p.Offset,
	})
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"tasks": result.Tasks, "count": len(result.Tasks)}
	if result.NextCursor != "" {
		payload["next_cursor"] = result.NextCursor
	}
	return payload, nil
}

func (s *Server) pollAndClaim(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		LeaseSec  int64  `json:"lease_sec"`
		Namespace string `json:"namespace"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}

	result, err := s.Claims.PollAndClaim(agentID, p.LeaseSec, p.Namespace)
	if err != nil {
		return nil, err
	}
	if result == nil {
		retry, err := s.Claims.RetryAdvice(agentID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": nil, "retry_after_ms": retry}, nil
	}
	return map[string]any{"task": result.Task, "claim": result.Claim}, nil
}

func (s *Server) claimTask(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		TaskID    int64  `json:"task_id"`
		LeaseSec  int64  `json:"lease_sec"`
		Namespace string `json:"namespace"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	result, err := s.Claims.ClaimTask(p.TaskID, agentID, p.LeaseSec, p.Namespace)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": result.Task, "claim": result.Claim}, nil
}

func (s *Server) renewTaskClaim(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		TaskID   int64  `json:"task_id"`
		LeaseSec int64  `json:"lease_sec"`
		ClaimID  string `json:"claim_id"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	claim, err := s.Claims.Renew(p.TaskID, agentID, p.LeaseSec, p.ClaimID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"claim": claim}, nil
}

func (s *Server) releaseTaskClaim(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		TaskID             int64    `json:"task_id"`
		NextStatus         string   `json:"next_status"`
		ClaimID            string   `json:"claim_id"`
		ConsistencyMode    string   `json:"consistency_mode"`
		Confidence         float64  `json:"confidence"`
		VerificationPassed bool     `json:"verification_passed"`
		VerifiedBy         string   `json:"verified_by"`
		EvidenceRefs       []string `json:"evidence_refs"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	task, err := s.Claims.Release(claims.ReleaseInput{
		TaskID:              p.TaskID,
		AgentID:             agentID,
		NextStatus:          types.TaskStatus(p.NextStatus),
		ExpectedClaimID:     p.ClaimID,
		ConsistencyOverride: types.ConsistencyMode(p.ConsistencyMode),
		Confidence:          p.Confidence,
		VerificationPassed:  p.VerificationPassed,
		VerifiedBy:          p.VerifiedBy,
		EvidenceRefs:        p.EvidenceRefs,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": task}, nil
}

func (s *Server) listTaskClaims(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		ActiveOnly bool `json:"active_only"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	list, err := s.Claims.ListClaims(p.ActiveOnly)
	if err != nil {
		return nil, err
	}
	return map[string]any{"claims": list, "count": len(list)}, nil
}

func (s *Server) deleteTask(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		TaskID  int64  `json:"task_id"`
		Archive *bool  `json:"archive"`
		Reason  string `json:"reason"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	archive := p.Archive == nil || *p.Archive
	if err := s.Board.Delete(p.TaskID, archive, p.Reason, req.AgentID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true, "archived": archive}, nil
}

func (s *Server) attachTaskArtifact(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		TaskID     int64  `json:"task_id"`
		ArtifactID string `json:"artifact_id"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	ok, err := s.Artifacts.HasAccess(agentID, p.ArtifactID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.NewErrorf(types.CodeArtifactAccessDenied, "agent %q may not attach artifact %s", agentID, p.ArtifactID)
	}
	if err := s.Artifacts.AttachToTask(p.TaskID, p.ArtifactID, agentID); err != nil {
		return nil, err
	}
	return map[string]any{"attached": true}, nil
}

func (s *Server) listTaskArtifacts(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		TaskID int64 `json:"task_id"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	list, err := s.Artifacts.ForTask(p.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"artifacts": list, "count": len(list)}, nil
}

// getTaskHandoff bundles what the next claimant needs: the task, its
// status history tail, evidence, linked artifacts and recent messages
// from the last assignee.
func (s *Server) getTaskHandoff(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		TaskID       int64 `json:"task_id"`
		MessageLimit int   `json:"message_limit"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	task, err := s.Board.Get(p.TaskID)
	if err != nil {
		return nil, err
	}
	evidence, err := s.Board.Evidence(p.TaskID)
	if err != nil {
		return nil, err
	}
	history, err := s.Board.History(p.TaskID)
	if err != nil {
		return nil, err
	}
	artifactList, err := s.Artifacts.ForTask(p.TaskID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"task":      task,
		"evidence":  evidence,
		"history":   history,
		"artifacts": artifactList,
	}
	if task.AssignedTo != "" && req.AgentID != "" {
		limit := p.MessageLimit
		if limit <= 0 || limit > 50 {
			limit = 10
		}
		msgs, err := s.Bus.Read(req.AgentID, messages.ReadFilter{From: task.AssignedTo, Limit: limit})
		if err != nil {
			return nil, err
		}
		payload["recent_messages"] = msgs.Messages
	}
	return payload, nil
}
