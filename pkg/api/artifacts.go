package api

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/agenthub/hive/pkg/artifacts"
	"github.com/agenthub/hive/pkg/log"
	"github.com/agenthub/hive/pkg/types"
)

// handleArtifactUpload receives one artifact body against a single-use
// upload ticket, hashes it while streaming to disk, and finalizes the
// metadata row.
func (s *Server) handleArtifactUpload(w http.ResponseWriter, r *http.Request) {
	artifactID := mux.Vars(r)["id"]
	token := r.URL.Query().Get("token")
	if token == "" {
		writeArtifactError(w, http.StatusBadRequest, types.CodeInvalidPayload, "ticket token is required")
		return
	}

	// Existence first: a valid ticket is not burned on a 404.
	if _, err := s.hub.Artifacts.Get(artifactID); err != nil {
		writeArtifactError(w, http.StatusNotFound, types.CodeArtifactNotFound, "artifact not found")
		return
	}

	ticket, err := s.hub.Artifacts.Tickets.Consume(token, artifacts.TicketUpload, artifactID)
	if err != nil {
		he := types.AsError(err)
		writeArtifactError(w, statusForCode(he.Code), he.Code, he.Message)
		return
	}

	maxBytes := ticket.MaxBytes
	if maxBytes <= 0 {
		maxBytes = s.hub.Cfg.ArtifactMaxBytes
	}

	dir := s.hub.Cfg.ArtifactDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeArtifactError(w, http.StatusInternalServerError, "INTERNAL", "artifact directory unavailable")
		return
	}
	path := filepath.Join(dir, artifactID)

	f, err := os.Create(path)
	if err != nil {
		writeArtifactError(w, http.StatusInternalServerError, "INTERNAL", "artifact body create failed")
		return
	}

	hasher := sha256.New()
	limited := http.MaxBytesReader(w, r.Body, maxBytes)
	size, err := io.Copy(io.MultiWriter(f, hasher), limited)
	closeErr := f.Close()
	if err != nil {
		os.Remove(path)
		if _, tooLarge := err.(*http.MaxBytesError); tooLarge {
			writeArtifactError(w, http.StatusRequestEntityTooLarge, types.CodeInvalidPayload, "artifact body exceeds the size limit")
			return
		}
		writeArtifactError(w, http.StatusInternalServerError, "INTERNAL", "artifact body write failed")
		return
	}
	if closeErr != nil {
		os.Remove(path)
		writeArtifactError(w, http.StatusInternalServerError, "INTERNAL", "artifact body close failed")
		return
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	finalized, err := s.hub.Artifacts.Finalize(artifactID, size, digest, path, r.Header.Get("Content-Type"))
	if err != nil {
		os.Remove(path)
		writeArtifactError(w, http.StatusInternalServerError, "INTERNAL", "artifact finalize failed")
		return
	}

	log.WithComponent("api").Info().
		Str("artifact_id", artifactID).
		Str("agent_id", ticket.AgentID).
		Int64("size_bytes", size).
		Msg("artifact uploaded")
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"artifact_id": finalized.ID,
		"name":        finalized.Name,
		"size_bytes":  finalized.SizeBytes,
		"sha256":      finalized.SHA256,
	})
}

// handleArtifactDownload streams an artifact body against a single-use
// download ticket.
func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	artifactID := mux.Vars(r)["id"]
	token := r.URL.Query().Get("token")
	if token == "" {
		writeArtifactError(w, http.StatusBadRequest, types.CodeInvalidPayload, "ticket token is required")
		return
	}

	artifact, err := s.hub.Artifacts.Get(artifactID)
	if err != nil {
		writeArtifactError(w, http.StatusNotFound, types.CodeArtifactNotFound, "artifact not found")
		return
	}
	if artifact.StoragePath == "" {
		writeArtifactError(w, http.StatusNotFound, types.CodeArtifactNotUploaded, "artifact has no uploaded body")
		return
	}

	ticket, err := s.hub.Artifacts.Tickets.Consume(token, artifacts.TicketDownload, artifactID)
	if err != nil {
		he := types.AsError(err)
		writeArtifactError(w, statusForCode(he.Code), he.Code, he.Message)
		return
	}

	f, err := os.Open(artifact.StoragePath)
	if err != nil {
		writeArtifactError(w, http.StatusInternalServerError, "INTERNAL", "artifact body unavailable")
		return
	}
	defer f.Close()

	mime := artifact.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.FormatInt(artifact.SizeBytes, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+artifact.Name+`"`)
	if _, err := io.Copy(w, f); err != nil {
		log.WithComponent("api").Warn().Err(err).Str("artifact_id", artifactID).Msg("artifact stream interrupted")
		return
	}

	if err := s.hub.Artifacts.RecordAccess(artifactID); err != nil {
		log.WithComponent("api").Warn().Err(err).Str("artifact_id", artifactID).Msg("access count update failed")
	}
	log.WithComponent("api").Info().
		Str("artifact_id", artifactID).
		Str("agent_id", ticket.AgentID).
		Msg("artifact downloaded")
}

func writeArtifactError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error_code": code, "error": msg})
}
