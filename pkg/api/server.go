package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/agenthub/hive/pkg/hub"
	"github.com/agenthub/hive/pkg/log"
	"github.com/agenthub/hive/pkg/metrics"
	"github.com/agenthub/hive/pkg/types"
)

// Server is the HTTP transport over the hub: the JSON-RPC endpoint, the
// SSE stream, the ticketed artifact side channel, health and metrics.
type Server struct {
	hub  *hub.Server
	http *http.Server
}

// NewServer builds the router and binds it to addr.
func NewServer(h *hub.Server, addr string) *Server {
	s := &Server{hub: h}

	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/artifacts/upload/{id}", s.handleArtifactUpload).Methods(http.MethodPost)
	r.HandleFunc("/artifacts/download/{id}", s.handleArtifactDownload).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	log.WithComponent("api").Info().Str("addr", s.http.Addr).Msg("http server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleRPC decodes one tool call and dispatches it. The hub owns the
// response envelope; transport errors are the only thing mapped here.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req hub.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success":    false,
			"error_code": types.CodeInvalidPayload,
			"error":      "request body malformed: " + err.Error(),
		})
		return
	}
	if tok := r.Header.Get("Authorization"); tok != "" && req.AuthToken == "" {
		req.AuthToken = bearerToken(tok)
	}

	payload := s.hub.Dispatch(r.Context(), &req)
	status := http.StatusOK
	if ok, _ := payload["success"].(bool); !ok {
		status = statusForCode(payload["error_code"])
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	authMode := "optional"
	if s.hub.Cfg.AuthRequired {
		authMode = "required"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"rpc_calls":    s.hub.RPCCalls.Load(),
		"sse_sessions": s.hub.SSEStreams.Load(),
		"wait_waiters": s.hub.WaitWaiters.Load(),
		"auth_mode":    authMode,
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithComponent("api").Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func statusForCode(code any) int {
	c, _ := code.(string)
	switch c {
	case types.CodeAuthTokenRequired, types.CodeAuthTokenInvalid:
		return http.StatusUnauthorized
	case types.CodeArtifactAccessDenied:
		return http.StatusForbidden
	case types.CodeTaskNotFound, types.CodeAgentNotFound, types.CodeArtifactNotFound,
		types.CodeContextNotFound, types.CodeMessageNotFoundOrForbidden, types.CodeVotesBlobNotFound:
		return http.StatusNotFound
	case types.CodeAlreadyClaimed, types.CodeClaimStolen, types.CodeTaskAlreadyDone:
		return http.StatusConflict
	case types.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case "INTERNAL":
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return header
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.WithComponent("api").Warn().Err(err).Msg("response encode failed")
	}
}
