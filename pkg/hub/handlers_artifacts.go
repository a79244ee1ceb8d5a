package hub

import (
	"context"

	"github.com/agenthub/hive/pkg/artifacts"
	"github.com/agenthub/hive/pkg/types"
)

func ticketPayload(t *artifacts.Ticket) map[string]any {
	return map[string]any{
		"token":       t.Token,
		"kind":        t.Kind,
		"artifact_id": t.ArtifactID,
		"expires_at":  t.ExpiresAt.UnixMilli(),
		"max_bytes":   t.MaxBytes,
	}
}

// createArtifactUpload declares the artifact and hands back a one-shot
// upload ticket for the HTTP side channel.
func (s *Server) createArtifactUpload(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		Name      string `json:"name"`
		MimeType  string `json:"mime_type"`
		Namespace string `json:"namespace"`
		Summary   string `json:"summary"`
		TTLMS     int64  `json:"ttl_ms"`
		TicketTTL int64  `json:"ticket_ttl_sec"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}

	artifact, err := s.Artifacts.Create(artifacts.CreateInput{
		CreatedBy: agentID,
		Name:      p.Name,
		MimeType:  p.MimeType,
		Namespace: p.Namespace,
		Summary:   p.Summary,
		TTLMS:     p.TTLMS,
	})
	if err != nil {
		return nil, err
	}
	ttl := p.TicketTTL
	if ttl <= 0 {
		ttl = s.Cfg.ArtifactTicketTTLSec
	}
	ticket, err := s.Artifacts.Tickets.Issue(artifacts.TicketUpload, artifact.ID, agentID, ttl, s.Cfg.ArtifactMaxBytes)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"artifact":   artifact,
		"ticket":     ticketPayload(ticket),
		"upload_url": "/artifacts/upload/" + artifact.ID,
	}, nil
}

func (s *Server) createArtifactDownload(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		ArtifactID string `json:"artifact_id"`
		TicketTTL  int64  `json:"ticket_ttl_sec"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}

	ticket, artifact, err := s.issueDownload(agentID, p.ArtifactID, p.TicketTTL)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"artifact":     artifact,
		"ticket":       ticketPayload(ticket),
		"download_url": "/artifacts/download/" + artifact.ID,
	}, nil
}

// createTaskArtifactDownloads issues a download ticket for every linked
// artifact the caller can read. Inaccessible or unfinalized artifacts
// are skipped, not fatal.
func (s *Server) createTaskArtifactDownloads(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		TaskID    int64 `json:"task_id"`
		TicketTTL int64 `json:"ticket_ttl_sec"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}

	linked, err := s.Artifacts.ForTask(p.TaskID)
	if err != nil {
		return nil, err
	}
	var (
		grants  []map[string]any
		skipped []map[string]any
	)
	for _, a := range linked {
		ticket, artifact, err := s.issueDownload(agentID, a.ID, p.TicketTTL)
		if err != nil {
			code := types.CodeOf(err)
			if code == types.CodeArtifactAccessDenied || code == types.CodeArtifactNotUploaded {
				skipped = append(skipped, map[string]any{"artifact_id": a.ID, "reason": code})
				continue
			}
			return nil, err
		}
		grants = append(grants, map[string]any{
			"artifact":     artifact,
			"ticket":       ticketPayload(ticket),
			"download_url": "/artifacts/download/" + artifact.ID,
		})
	}
	payload := map[string]any{"downloads": grants, "count": len(grants)}
	if len(skipped) > 0 {
		payload["skipped"] = skipped
	}
	return payload, nil
}

func (s *Server) issueDownload(agentID, artifactID string, ticketTTL int64) (*artifacts.Ticket, *types.Artifact, error) {
	if artifactID == "" {
		return nil, nil, types.NewError(types.CodeArtifactIDRequired, "artifact_id is required")
	}
	ok, err := s.Artifacts.HasAccess(agentID, artifactID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, types.NewErrorf(types.CodeArtifactAccessDenied, "agent %q may not download artifact %s", agentID, artifactID)
	}
	artifact, err := s.Artifacts.Get(artifactID)
	if err != nil {
		return nil, nil, err
	}
	if artifact.StoragePath == "" {
		return nil, nil, types.NewErrorf(types.CodeArtifactNotUploaded, "artifact %s has no uploaded body yet", artifactID)
	}
	ttl := ticketTTL
	if ttl <= 0 {
		ttl = s.Cfg.ArtifactTicketTTLSec
	}
	ticket, err := s.Artifacts.Tickets.Issue(artifacts.TicketDownload, artifactID, agentID, ttl, 0)
	if err != nil {
		return nil, nil, err
	}
	return ticket, artifact, nil
}

func (s *Server) shareArtifact(ctx context.Context, req *Request) (map[string]any, error) {
	agentID, err := requireAgent(req)
	if err != nil {
		return nil, err
	}
	var p struct {
		ArtifactID string `json:"artifact_id"`
		AgentID    string `json:"agent_id"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := s.Artifacts.Share(p.ArtifactID, p.AgentID, agentID); err != nil {
		return nil, err
	}
	return map[string]any{"shared": true}, nil
}

func (s *Server) listArtifacts(ctx context.Context, req *Request) (map[string]any, error) {
	var p struct {
		Namespace string `json:"namespace"`
		CreatedBy string `json:"created_by"`
		Limit     int    `json:"limit"`
		Offset    int    `json:"offset"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	list, err := s.Artifacts.List(artifacts.ListFilter{
		Namespace: p.Namespace,
		CreatedBy: p.CreatedBy,
		Limit:     p.Limit,
		Offset:    p.Offset,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"artifacts": list, "count": len(list)}, nil
}
