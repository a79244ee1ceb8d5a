package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/hive/pkg/config"
	"github.com/agenthub/hive/pkg/hub"
	"github.com/agenthub/hive/pkg/storage"
	"github.com/agenthub/hive/pkg/types"
)

type fixture struct {
	hub *hub.Server
	ts  *httptest.Server
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.ArtifactDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h, err := hub.New(cfg, db)
	require.NoError(t, err)

	srv := NewServer(h, ":0")
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return &fixture{hub: h, ts: ts}
}

func (f *fixture) rpc(t *testing.T, body string, header http.Header) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/rpc", bytes.NewBufferString(body))
	require.NoError(t, err)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp.StatusCode, payload
}

func (f *fixture) dispatch(t *testing.T, tool, agentID string, params map[string]any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	resp := f.hub.Dispatch(context.Background(), &hub.Request{Tool: tool, AgentID: agentID, Params: raw})
	require.Equal(t, true, resp["success"], "%s failed: %v", tool, resp)
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "optional", payload["auth_mode"])
}

func TestRPCMalformedBody(t *testing.T) {
	f := newFixture(t, nil)

	status, payload := f.rpc(t, "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, payload["success"])
	assert.Equal(t, types.CodeInvalidPayload, payload["error_code"])
}

func TestRPCDispatch(t *testing.T) {
	f := newFixture(t, nil)

	status, payload := f.rpc(t, `{"tool":"register_agent","agent_id":"worker-1"}`, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, payload["success"])
	assert.NotEmpty(t, payload["auth_token"])

	status, payload = f.rpc(t, `{"tool":"no_such_tool"}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, types.CodeInvalidPayload, payload["error_code"])
}

func TestRPCErrorStatusMapping(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatch(t, "register_agent", "worker-1", nil)

	// Unknown task maps to 404.
	status, payload := f.rpc(t, `{"tool":"claim_task","agent_id":"worker-1","params":{"task_id":9999}}`, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, types.CodeTaskNotFound, payload["error_code"])
}

func TestRPCAuthHeader(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.AuthRequired = true })

	reg := f.dispatch(t, "register_agent", "worker-1", nil)
	token := reg["auth_token"].(string)

	status, payload := f.rpc(t, `{"tool":"heartbeat","agent_id":"worker-1"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, types.CodeAuthTokenRequired, payload["error_code"])

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	status, payload = f.rpc(t, `{"tool":"heartbeat","agent_id":"worker-1"}`, header)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, payload["success"])
}

func TestArtifactRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatch(t, "register_agent", "uploader", nil)
	f.dispatch(t, "register_agent", "downloader", nil)

	status, created := f.rpc(t, `{"tool":"create_artifact_upload","agent_id":"uploader","params":{"name":"notes.txt","mime_type":"text/plain"}}`, nil)
	require.Equal(t, http.StatusOK, status)
	artifact := created["artifact"].(map[string]any)
	ticket := created["ticket"].(map[string]any)
	artifactID := artifact["id"].(string)
	uploadToken := ticket["token"].(string)

	body := []byte("hello from the side channel")
	resp, err := http.Post(
		f.ts.URL+"/artifacts/upload/"+artifactID+"?token="+uploadToken,
		"text/plain", bytes.NewReader(body),
	)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var uploaded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploaded))
	assert.EqualValues(t, len(body), uploaded["size_bytes"])

	// Upload tickets are single use.
	retry, err := http.Post(
		f.ts.URL+"/artifacts/upload/"+artifactID+"?token="+uploadToken,
		"text/plain", bytes.NewReader(body),
	)
	require.NoError(t, err)
	retry.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, retry.StatusCode)

	// The creator shares, the other agent downloads.
	f.dispatch(t, "share_artifact", "uploader", map[string]any{
		"artifact_id": artifactID,
		"agent_id":    "downloader",
	})
	status, grant := f.rpc(t, `{"tool":"create_artifact_download","agent_id":"downloader","params":{"artifact_id":"`+artifactID+`"}}`, nil)
	require.Equal(t, http.StatusOK, status)
	downloadToken := grant["ticket"].(map[string]any)["token"].(string)

	dl, err := http.Get(f.ts.URL + "/artifacts/download/" + artifactID + "?token=" + downloadToken)
	require.NoError(t, err)
	defer dl.Body.Close()
	require.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Equal(t, "text/plain", dl.Header.Get("Content-Type"))

	got, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestArtifactUploadRejectsBadTicket(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatch(t, "register_agent", "uploader", nil)

	status, first := f.rpc(t, `{"tool":"create_artifact_upload","agent_id":"uploader","params":{"name":"a.txt"}}`, nil)
	require.Equal(t, http.StatusOK, status)
	firstID := first["artifact"].(map[string]any)["id"].(string)
	firstToken := first["ticket"].(map[string]any)["token"].(string)

	status, second := f.rpc(t, `{"tool":"create_artifact_upload","agent_id":"uploader","params":{"name":"b.txt"}}`, nil)
	require.Equal(t, http.StatusOK, status)
	secondID := second["artifact"].(map[string]any)["id"].(string)

	post := func(url string) int {
		resp, err := http.Post(url, "text/plain", bytes.NewBufferString("x"))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	// Missing token, forged token, unknown artifact.
	assert.Equal(t, http.StatusBadRequest, post(f.ts.URL+"/artifacts/upload/"+firstID))
	assert.Equal(t, http.StatusUnauthorized, post(f.ts.URL+"/artifacts/upload/"+firstID+"?token=bogus"))
	assert.Equal(t, http.StatusNotFound, post(f.ts.URL+"/artifacts/upload/no-such-id?token="+firstToken))

	// A ticket presented against the wrong artifact is refused without
	// being burned.
	assert.Equal(t, http.StatusForbidden, post(f.ts.URL+"/artifacts/upload/"+secondID+"?token="+firstToken))
	assert.Equal(t, http.StatusOK, post(f.ts.URL+"/artifacts/upload/"+firstID+"?token="+firstToken))
}

func TestArtifactUploadTooLarge(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.ArtifactMaxBytes = 8 })
	f.dispatch(t, "register_agent", "uploader", nil)

	status, created := f.rpc(t, `{"tool":"create_artifact_upload","agent_id":"uploader","params":{"name":"big.bin"}}`, nil)
	require.Equal(t, http.StatusOK, status)
	artifactID := created["artifact"].(map[string]any)["id"].(string)
	token := created["ticket"].(map[string]any)["token"].(string)

	resp, err := http.Post(
		f.ts.URL+"/artifacts/upload/"+artifactID+"?token="+token,
		"application/octet-stream", bytes.NewReader(make([]byte, 64)),
	)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestEventsRejectsBadParams(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/events?streams=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.ts.URL + "/events?cursor=junk")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsAuthRequired(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.AuthRequired = true })
	reg := f.dispatch(t, "register_agent", "watcher", nil)
	token := reg["auth_token"].(string)

	resp, err := http.Get(f.ts.URL + "/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(f.ts.URL + "/events?agent_id=watcher&auth_token=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.ts.URL+"/events?agent_id=watcher&auth_token="+token, nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Equal(t, http.StatusOK, stream.StatusCode)
}

func TestEventsShapedUpdate(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.WatermarkCacheMS = 0 })
	f.dispatch(t, "register_agent", "watcher", nil)
	f.dispatch(t, "register_agent", "sender", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.ts.URL+"/events?agent_id=watcher&streams=messages&response_mode=nano&poll_ms=100", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)

	events := bufio.NewScanner(stream.Body)
	readEvent := func() (string, map[string]any) {
		var name string
		for events.Scan() {
			line := events.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				var payload map[string]any
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload))
				return name, payload
			}
		}
		t.Fatal("stream ended before an event arrived")
		return "", nil
	}

	name, hello := readEvent()
	assert.Equal(t, "hello", name)
	assert.NotEmpty(t, hello["cursor"])

	f.dispatch(t, "send_message", "sender", map[string]any{"to": "watcher", "content": "ping"})

	name, update := readEvent()
	require.Equal(t, "update", name)
	// Nano rendering of the update payload.
	assert.EqualValues(t, 1, update["c"])
	assert.NotEmpty(t, update["u"])
	assert.Contains(t, update["s"], "messages")
}

func TestSSEPollMS(t *testing.T) {
	assert.Equal(t, int64(250), ssePollMS(""))
	assert.Equal(t, int64(250), ssePollMS("junk"))
	assert.Equal(t, int64(100), ssePollMS("5"))
	assert.Equal(t, int64(2000), ssePollMS("60000"))
	assert.Equal(t, int64(500), ssePollMS("500"))
}

func TestStatusForCode(t *testing.T) {
	tests := []struct {
		code any
		want int
	}{
		{types.CodeAuthTokenInvalid, http.StatusUnauthorized},
		{types.CodeArtifactAccessDenied, http.StatusForbidden},
		{types.CodeTaskNotFound, http.StatusNotFound},
		{types.CodeAlreadyClaimed, http.StatusConflict},
		{"INTERNAL", http.StatusInternalServerError},
		{types.CodeInvalidPayload, http.StatusBadRequest},
		{nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForCode(tt.code), "code %v", tt.code)
	}
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("abc"))
}

func TestSplitParam(t *testing.T) {
	assert.Nil(t, splitParam(""))
	assert.Equal(t, []string{"a", "b"}, splitParam("a,b"))
	assert.Equal(t, []string{"a"}, splitParam(",a,"))
}
