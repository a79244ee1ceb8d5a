package hub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/hive/pkg/config"
	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
)

func newServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(cfg, db)
	require.NoError(t, err)
	return s
}

func call(s *Server, tool, agentID string, params map[string]any) map[string]any {
	raw, _ := json.Marshal(params)
	return s.Dispatch(context.Background(), &Request{Tool: tool, AgentID: agentID, Params: raw})
}

func registerAgent(t *testing.T, s *Server, id string) string {
	t.Helper()
	resp := call(s, "register_agent", id, map[string]any{"name": id})
	require.Equal(t, true, resp["success"], "register failed: %v", resp)
	token, _ := resp["auth_token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestDispatchUnknownTool(t *testing.T) {
	s := newServer(t, nil)

	resp := s.Dispatch(context.Background(), &Request{Tool: "frobnicate"})
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, types.CodeInvalidPayload, resp["error_code"])
}

func TestDispatchErrorEnvelope(t *testing.T) {
	s := newServer(t, nil)

	// Missing id surfaces the engine error in the uniform envelope.
	resp := call(s, "register_agent", "", nil)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, types.CodeInvalidPayload, resp["error_code"])
	assert.NotEmpty(t, resp["error"])
}

func TestDispatchErrorDetailFlattens(t *testing.T) {
	s := newServer(t, nil)
	registerAgent(t, s, "sender")

	long := make([]byte, 0, 2000)
	for i := 0; i < 2000; i++ {
		long = append(long, 'x')
	}
	resp := call(s, "send_message", "sender", map[string]any{"to": "rx", "content": string(long)})
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, types.CodeContentTooLong, resp["error_code"])
	assert.EqualValues(t, 2000, resp["content_chars"])
	assert.NotNil(t, resp["max_chars"])
}

func TestAuthOptionalMode(t *testing.T) {
	s := newServer(t, nil)
	token := registerAgent(t, s, "worker-1")

	// No token passes in optional mode.
	resp := call(s, "heartbeat", "worker-1", nil)
	assert.Equal(t, true, resp["success"])

	// A wrong token still fails closed.
	resp = s.Dispatch(context.Background(), &Request{Tool: "heartbeat", AgentID: "worker-1", AuthToken: "wrong"})
	assert.Equal(t, types.CodeAuthTokenInvalid, resp["error_code"])

	resp = s.Dispatch(context.Background(), &Request{Tool: "heartbeat", AgentID: "worker-1", AuthToken: token})
	assert.Equal(t, true, resp["success"])
}

func TestAuthRequiredMode(t *testing.T) {
	s := newServer(t, func(c *config.Config) { c.AuthRequired = true })

	// register_agent stays open so agents can obtain a token.
	token := registerAgent(t, s, "worker-1")

	resp := call(s, "heartbeat", "worker-1", nil)
	assert.Equal(t, types.CodeAuthTokenRequired, resp["error_code"])

	resp = s.Dispatch(context.Background(), &Request{Tool: "heartbeat", AgentID: "worker-1", AuthToken: token})
	assert.Equal(t, true, resp["success"])
}

func TestAuthTokenFillsAgentID(t *testing.T) {
	s := newServer(t, nil)
	token := registerAgent(t, s, "worker-1")

	// Token-only calls resolve the agent from the token binding.
	resp := s.Dispatch(context.Background(), &Request{Tool: "heartbeat", AuthToken: token})
	assert.Equal(t, true, resp["success"])

	// A token bound to another agent is rejected.
	registerAgent(t, s, "worker-2")
	resp = s.Dispatch(context.Background(), &Request{Tool: "heartbeat", AgentID: "worker-2", AuthToken: token})
	assert.Equal(t, types.CodeAuthTokenInvalid, resp["error_code"])
}

func TestIdempotentReplay(t *testing.T) {
	s := newServer(t, nil)
	registerAgent(t, s, "creator")

	params, _ := json.Marshal(map[string]any{"title": "build the thing"})
	req := &Request{Tool: "create_task", AgentID: "creator", IdempotencyKey: "k-1", Params: params}

	first := s.Dispatch(context.Background(), req)
	require.Equal(t, true, first["success"], "create failed: %v", first)

	second := s.Dispatch(context.Background(), req)
	assert.Equal(t, first, second)

	// A different key creates a second task.
	req.IdempotencyKey = "k-2"
	third := s.Dispatch(context.Background(), req)
	require.Equal(t, true, third["success"])
	assert.NotEqual(t, first, third)
}

func TestReadOnlyToolsSkipIdempotency(t *testing.T) {
	s := newServer(t, nil)
	registerAgent(t, s, "reader")

	req := &Request{Tool: "list_agents", AgentID: "reader", IdempotencyKey: "k-1"}
	first := s.Dispatch(context.Background(), req)
	require.Equal(t, true, first["success"])

	registerAgent(t, s, "late-arrival")
	second := s.Dispatch(context.Background(), req)
	require.Equal(t, true, second["success"])
	// The second call reflects the new state instead of replaying.
	assert.NotEqual(t, first["agents"], second["agents"])
}

func TestFullShapeForbiddenInPolling(t *testing.T) {
	s := newServer(t, nil)
	registerAgent(t, s, "poller")

	resp := call(s, "wait_for_updates", "poller", map[string]any{"shape": "full", "wait_ms": 100})
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, types.CodeFullModeForbiddenInPolling, resp["error_code"])

	resp = call(s, "wait_for_updates", "poller", map[string]any{"shape": "nano", "wait_ms": 100})
	assert.Equal(t, true, resp["success"])
}

func TestEveryToolHasHandler(t *testing.T) {
	s := newServer(t, nil)
	for name, spec := range s.tools {
		assert.NotNil(t, spec.handler, "tool %s has no handler", name)
	}
	assert.NotEmpty(t, s.tools)
}
