package hub

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/agenthub/hive/pkg/artifacts"
	"github.com/agenthub/hive/pkg/blob"
	"github.com/agenthub/hive/pkg/board"
	"github.com/agenthub/hive/pkg/claims"
	"github.com/agenthub/hive/pkg/config"
	"github.com/agenthub/hive/pkg/consensus"
	"github.com/agenthub/hive/pkg/contextstore"
	"github.com/agenthub/hive/pkg/donegate"
	"github.com/agenthub/hive/pkg/log"
	"github.com/agenthub/hive/pkg/maintenance"
	"github.com/agenthub/hive/pkg/messages"
	"github.com/agenthub/hive/pkg/metrics"
	"github.com/agenthub/hive/pkg/registry"
	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
	"github.com/agenthub/hive/pkg/waitloop"
	"github.com/agenthub/hive/pkg/watermark"
)

// Server wires every engine behind the tool surface.
type Server struct {
	Cfg         *config.Config
	DB          *storage.Store
	Registry    *registry.Registry
	Board       *board.Board
	Claims      *claims.Engine
	Gate        *donegate.Gate
	Bus         *messages.Bus
	Context     *contextstore.Store
	Blobs       *blob.Store
	Consensus   *consensus.Resolver
	Artifacts   *artifacts.Store
	Oracle      *watermark.Oracle
	WaitLoop    *waitloop.Loop
	Maintenance *maintenance.Runner

	// Transport session counters, fed by the API layer.
	RPCCalls    atomic.Int64
	SSEStreams  atomic.Int64
	WaitWaiters atomic.Int64

	tools map[string]toolSpec
}

// New builds the full engine stack over one store.
func New(cfg *config.Config, db *storage.Store) (*Server, error) {
	reg := registry.New(db)
	b := board.New(db, reg)
	gate := donegate.New(cfg)
	blobs := blob.NewStore(db)

	oracle, err := watermark.NewOracle(db, cfg.WatermarkCacheMS, cfg.WatermarkAgentCacheMax)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Cfg:       cfg,
		DB:        db,
		Registry:  reg,
		Board:     b,
		Claims:    claims.New(db, b, reg, gate, cfg),
		Gate:      gate,
		Bus:       messages.New(db, cfg),
		Context:   contextstore.New(db, cfg),
		Blobs:     blobs,
		Consensus: consensus.New(db, reg, blobs, cfg),
		Artifacts: artifacts.New(db, cfg),
		Oracle:    oracle,
		WaitLoop:  waitloop.New(oracle, cfg),
	}
	s.Maintenance = maintenance.New(db, cfg, b, s.Claims, blobs, s.Artifacts, s.Bus, oracle)
	s.tools = s.toolTable()
	return s, nil
}

// Request is one tool call.
type Request struct {
	Tool           string          `json:"tool"`
	AgentID        string          `json:"agent_id,omitempty"`
	AuthToken      string          `json:"auth_token,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
}

type toolHandler func(ctx context.Context, req *Request) (map[string]any, error)

type toolSpec struct {
	handler  toolHandler
	mutating bool
	noAuth   bool
}

// Dispatch runs one tool call: auth, idempotent replay, handler, and
// the error-to-payload mapping. The returned map is always a complete
// response envelope.
func (s *Server) Dispatch(ctx context.Context, req *Request) map[string]any {
	s.RPCCalls.Add(1)
	start := time.Now()

	spec, ok := s.tools[req.Tool]
	if !ok {
		return errorPayload(types.NewErrorf(types.CodeInvalidPayload, "unknown tool %q", req.Tool))
	}

	if !spec.noAuth {
		if err := s.checkAuth(req); err != nil {
			metrics.ToolRequestsTotal.WithLabelValues(req.Tool, "auth_error").Inc()
			return errorPayload(err)
		}
	}

	if spec.mutating && req.IdempotencyKey != "" && req.AgentID != "" {
		if stored, found, err := s.DB.LookupIdempotent(req.AgentID, req.Tool, req.IdempotencyKey, s.Cfg.IdempotencyTTLMS); err == nil && found {
			var replay map[string]any
			if json.Unmarshal([]byte(stored), &replay) == nil {
				metrics.ToolRequestsTotal.WithLabelValues(req.Tool, "replay").Inc()
				return replay
			}
		}
	}

	payload, err := spec.handler(ctx, req)
	metrics.ToolRequestDuration.WithLabelValues(req.Tool).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ToolRequestsTotal.WithLabelValues(req.Tool, "error").Inc()
		log.WithComponent("hub").Debug().
			Str("tool", req.Tool).
			Str("agent_id", req.AgentID).
			Err(err).
			Msg("tool call failed")
		return errorPayload(err)
	}
	metrics.ToolRequestsTotal.WithLabelValues(req.Tool, "ok").Inc()

	if payload == nil {
		payload = map[string]any{}
	}
	payload["success"] = true

	if spec.mutating && req.IdempotencyKey != "" && req.AgentID != "" {
		if raw, err := json.Marshal(payload); err == nil {
			if err := s.DB.SaveIdempotent(req.AgentID, req.Tool, req.IdempotencyKey, string(raw)); err != nil {
				log.WithComponent("hub").Warn().Err(err).Msg("idempotency save failed")
			}
		}
	}
	return payload
}

// checkAuth validates the caller's token when present and enforces it
// when the hub runs with auth required. Outcomes are recorded for the
// coverage report.
func (s *Server) checkAuth(req *Request) error {
	if req.AuthToken == "" {
		_ = s.DB.RecordAuthEvent(req.AgentID, req.Tool, "missing")
		if s.Cfg.AuthRequired {
			return types.NewError(types.CodeAuthTokenRequired, "auth_token is required")
		}
		return nil
	}
	agentID, err := s.Registry.ValidateToken(req.AuthToken)
	if err != nil || (req.AgentID != "" && agentID != req.AgentID) {
		_ = s.DB.RecordAuthEvent(req.AgentID, req.Tool, "invalid")
		return types.NewError(types.CodeAuthTokenInvalid, "auth_token is invalid")
	}
	if req.AgentID == "" {
		req.AgentID = agentID
	}
	_ = s.DB.RecordAuthEvent(req.AgentID, req.Tool, "valid")
	return nil
}

// AuthorizeSession applies the rpc auth policy to a side-channel
// surface such as the SSE stream, returning the resolved agent id.
func (s *Server) AuthorizeSession(agentID, token, surface string) (string, error) {
	req := &Request{Tool: surface, AgentID: agentID, AuthToken: token}
	if err := s.checkAuth(req); err != nil {
		return "", err
	}
	return req.AgentID, nil
}

// errorPayload maps an error to the uniform failure envelope, merging
// recovery context alongside the code and message.
func errorPayload(err error) map[string]any {
	payload := map[string]any{"success": false}
	if he := types.AsError(err); he != nil {
		payload["error_code"] = he.Code
		payload["error"] = he.Message
		for k, v := range he.Detail {
			if _, taken := payload[k]; !taken {
				payload[k] = v
			}
		}
		return payload
	}
	payload["error_code"] = "INTERNAL"
	payload["error"] = err.Error()
	return payload
}

// decodeParams unmarshals the call parameters into dst, tolerating an
// absent params object.
func decodeParams(req *Request, dst any) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, dst); err != nil {
		return types.NewError(types.CodeInvalidPayload, "params malformed: "+err.Error())
	}
	return nil
}

func requireAgent(req *Request) (string, error) {
	if req.AgentID == "" {
		return "", types.NewError(types.CodeInvalidPayload, "agent_id is required")
	}
	return req.AgentID, nil
}
