package donegate

import (
	"math"
	"strings"

	"github.com/agenthub/hive/pkg/config"
	"github.com/agenthub/hive/pkg/types"
)

// MaxEvidencePerCall bounds the refs accepted in one completion call.
const MaxEvidencePerCall = 16

// maxEvidenceRefChars truncates individual refs.
const maxEvidenceRefChars = 256

// Gate validates done transitions. It is pure: callers load the agent's
// quality counters and the task's existing evidence, and persist the
// returned refs on success.
type Gate struct {
	cfg *config.Config
}

// New creates a gate bound to the configured thresholds.
func New(cfg *config.Config) *Gate {
	return &Gate{cfg: cfg}
}

// Input is one completion attempt.
type Input struct {
	TaskID             int64
	AgentID            string
	Mode               types.ConsistencyMode
	Confidence         float64
	VerificationPassed bool
	VerifiedBy         string
	EvidenceRefs       []string

	// Loaded by the caller.
	Quality          types.AgentQuality
	ExistingEvidence []string
}

// ResolveMode applies the precedence: caller override, then the task's
// stored mode, then critical-priority upgrade, then the env default.
func (g *Gate) ResolveMode(override, stored types.ConsistencyMode, priority types.Priority) types.ConsistencyMode {
	switch override {
	case types.ConsistencyCheap, types.ConsistencyStrict:
		return override
	}
	switch stored {
	case types.ConsistencyCheap, types.ConsistencyStrict:
		return stored
	}
	if priority == types.PriorityCritical {
		return types.ConsistencyStrict
	}
	return g.cfg.DefaultConsistencyMode()
}

// Evaluate checks one completion attempt. On success it returns the
// normalized new refs to persist; on failure the error carries the
// recovery context callers surface verbatim.
func (g *Gate) Evaluate(in Input) ([]string, error) {
	refs, err := NormalizeRefs(in.EvidenceRefs)
	if err != nil {
		return nil, err
	}

	fail := func(code, msg string) *types.Error {
		return types.NewError(code, msg).
			WithDetail("task_id", in.TaskID).
			WithDetail("consistency_mode", string(in.Mode))
	}

	if !in.VerificationPassed {
		return nil, fail(types.CodeDoneGateFailed, "verification_passed must be true to complete a task")
	}

	floor := g.cfg.CheapMinConfidence
	if in.Mode == types.ConsistencyStrict {
		floor = g.cfg.StrictMinConfidence
	}
	if math.IsNaN(in.Confidence) || math.IsInf(in.Confidence, 0) {
		return nil, fail(types.CodeDoneGateFailed, "confidence must be a finite number")
	}
	if in.Confidence < floor {
		return nil, fail(types.CodeDoneGateFailed, "confidence below minimum").
			WithDetail("min_confidence", floor)
	}

	required := g.RequiredConfidence(in.Mode, in.Quality)
	independent := in.VerifiedBy != "" && in.VerifiedBy != in.AgentID
	if in.Mode == types.ConsistencyStrict && !independent {
		return nil, fail(types.CodeVerifierRequired, "strict mode requires an independent verifier").
			WithDetail("required_confidence", required)
	}
	if in.Confidence < required && !independent {
		return nil, fail(types.CodeVerifierRequired, "confidence below required threshold without an independent verifier").
			WithDetail("required_confidence", required)
	}

	minEvidence := g.cfg.MinEvidenceCheap
	if in.Mode == types.ConsistencyStrict {
		minEvidence = g.cfg.MinEvidenceStrict
	}
	total := unionCount(in.ExistingEvidence, refs)
	if total < minEvidence {
		return nil, fail(types.CodeEvidenceRequired, "not enough evidence refs to complete").
			WithDetail("required_evidence_refs", minEvidence).
			WithDetail("current_evidence_refs", total)
	}

	return refs, nil
}

// RequiredConfidence is the base threshold plus a reliability penalty
// proportional to the agent's rollback rate, capped at +0.07. Strict
// mode never drops below the strict minimum.
func (g *Gate) RequiredConfidence(mode types.ConsistencyMode, q types.AgentQuality) float64 {
	required := g.cfg.BaseRequiredConf + 0.07*q.RollbackRate()
	if maxRequired := g.cfg.BaseRequiredConf + 0.07; required > maxRequired {
		required = maxRequired
	}
	if mode == types.ConsistencyStrict && required < g.cfg.StrictMinConfidence {
		required = g.cfg.StrictMinConfidence
	}
	return required
}

// NormalizeRefs trims, truncates, drops empties and dedupes evidence
// refs, rejecting calls carrying more than MaxEvidencePerCall.
func NormalizeRefs(refs []string) ([]string, error) {
	if len(refs) > MaxEvidencePerCall {
		return nil, types.NewErrorf(types.CodeEvidenceTooMany, "at most %d evidence refs per call", MaxEvidencePerCall)
	}
	seen := make(map[string]bool, len(refs))
	var out []string
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if len(ref) > maxEvidenceRefChars {
			ref = ref[:maxEvidenceRefChars]
		}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out, nil
}

func unionCount(existing, incoming []string) int {
	seen := make(map[string]bool, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r] = true
	}
	for _, r := range incoming {
		seen[r] = true
	}
	return len(seen)
}
