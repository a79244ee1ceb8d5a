package types

// AgentLifecycle distinguishes long-lived agents from short-lived helpers.
// Ephemeral agents are garbage-collected on a much shorter schedule.
type AgentLifecycle string

const (
	LifecyclePersistent AgentLifecycle = "persistent"
	LifecycleEphemeral  AgentLifecycle = "ephemeral"
)

// WorkspaceMode describes the kind of working directory an agent runs in.
type WorkspaceMode string

const (
	WorkspaceRepo     WorkspaceMode = "repo"
	WorkspaceIsolated WorkspaceMode = "isolated"
	WorkspaceUnknown  WorkspaceMode = "unknown"
)

// AgentStatus is the liveness state maintained by heartbeats and the
// maintenance sweep.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
)

// RuntimeProfile is the self-reported execution environment of an agent.
// The registry normalizes it into a WorkspaceMode.
type RuntimeProfile struct {
	Cwd        string `json:"cwd,omitempty"`
	HasGit     bool   `json:"has_git"`
	FileCount  int    `json:"file_count"`
	EmptyDir   bool   `json:"empty_dir"`
	Source     string `json:"source,omitempty"`
	DetectedAt int64  `json:"detected_at,omitempty"`
}

// Agent is a registered worker.
type Agent struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	Type          string         `json:"type,omitempty"`
	Capabilities  string         `json:"capabilities,omitempty"`
	Lifecycle     AgentLifecycle `json:"lifecycle"`
	WorkspaceMode WorkspaceMode  `json:"workspace_mode"`
	Profile       RuntimeProfile `json:"runtime_profile"`
	Status        AgentStatus    `json:"status"`
	LastSeen      int64          `json:"last_seen"`
	CreatedAt     int64          `json:"created_at"`
}

// AgentQuality tracks per-agent outcome counters used for done-gate
// thresholds and consensus vote weighting.
type AgentQuality struct {
	AgentID        string `json:"agent_id"`
	CompletedCount int64  `json:"completed_count"`
	RollbackCount  int64  `json:"rollback_count"`
}

// RollbackRate returns rollbacks as a fraction of all recorded outcomes.
func (q AgentQuality) RollbackRate() float64 {
	total := q.CompletedCount + q.RollbackCount
	if total == 0 {
		return 0
	}
	return float64(q.RollbackCount) / float64(total)
}

// TaskStatus is the lifecycle state of a task on the board.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskBlocked    TaskStatus = "blocked"
)

// Valid reports whether s is a known lifecycle state.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskDone, TaskBlocked:
		return true
	}
	return false
}

// Priority orders tasks for claiming; critical schedules first.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to its scheduling rank; lower claims first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ExecutionMode is the capability a task demands from its claimant.
type ExecutionMode string

const (
	ExecAny      ExecutionMode = "any"
	ExecRepo     ExecutionMode = "repo"
	ExecIsolated ExecutionMode = "isolated"
)

// ConsistencyMode selects the done-gate regime for a task.
type ConsistencyMode string

const (
	ConsistencyCheap  ConsistencyMode = "cheap"
	ConsistencyStrict ConsistencyMode = "strict"
)

// Task is a unit of work on the shared board.
type Task struct {
	ID              int64           `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Namespace       string          `json:"namespace"`
	Priority        Priority        `json:"priority"`
	ExecutionMode   ExecutionMode   `json:"execution_mode"`
	ConsistencyMode ConsistencyMode `json:"consistency_mode"`
	Status          TaskStatus      `json:"status"`
	AssignedTo      string          `json:"assigned_to,omitempty"`
	Creator         string          `json:"creator,omitempty"`
	TraceID         string          `json:"trace_id,omitempty"`
	SpanID          string          `json:"span_id,omitempty"`
	DependsOn       []int64         `json:"depends_on,omitempty"`
	CreatedAt       int64           `json:"created_at"`
	UpdatedAt       int64           `json:"updated_at"`
}

// Claim asserts an agent's renewable lease on a task. At most one claim
// row exists per task.
type Claim struct {
	TaskID         int64  `json:"task_id"`
	AgentID        string `json:"agent_id"`
	ClaimID        string `json:"claim_id"`
	ClaimedAt      int64  `json:"claimed_at"`
	LeaseExpiresAt int64  `json:"lease_expires_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// StatusTransition is one append-only entry in a task's status history.
type StatusTransition struct {
	TaskID    int64      `json:"task_id"`
	From      TaskStatus `json:"from_status"`
	To        TaskStatus `json:"to_status"`
	ChangedBy string     `json:"changed_by,omitempty"`
	Source    string     `json:"source,omitempty"`
	CreatedAt int64      `json:"created_at"`
}

// Message is one inbox entry. An empty ToAgent means broadcast.
type Message struct {
	ID        int64  `json:"id"`
	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent,omitempty"`
	Content   string `json:"content"`
	Metadata  string `json:"metadata,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	SpanID    string `json:"span_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
	Read      bool   `json:"read"`
}

// ContextEntry is one shared key/value owned by an agent. Upsert by
// (AgentID, Key).
type ContextEntry struct {
	AgentID   string `json:"agent_id"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Namespace string `json:"namespace"`
	TraceID   string `json:"trace_id,omitempty"`
	SpanID    string `json:"span_id,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// Blob is one content-addressed payload. Hash is the 64-hex SHA-256 of
// the stored string, computed by the caller.
type Blob struct {
	Hash        string `json:"hash"`
	Value       string `json:"value"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	AccessCount int64  `json:"access_count"`
}

// VoteDecision is a single consensus ballot position.
type VoteDecision string

const (
	VoteAccept  VoteDecision = "accept"
	VoteReject  VoteDecision = "reject"
	VoteAbstain VoteDecision = "abstain"
)

// Vote is one agent's position on a proposal. Confidence is a pointer
// so an explicit zero stays distinct from an omitted field.
type Vote struct {
	AgentID    string       `json:"agent_id"`
	Decision   VoteDecision `json:"decision"`
	Confidence *float64     `json:"confidence,omitempty"`
	Rationale  string       `json:"rationale,omitempty"`
}

// ConsensusOutcome is the resolver's verdict.
type ConsensusOutcome string

const (
	OutcomeAccept   ConsensusOutcome = "accept"
	OutcomeReject   ConsensusOutcome = "reject"
	OutcomeEscalate ConsensusOutcome = "escalate_verifier"
)

// ConsensusDecision is a persisted resolution of a proposal.
type ConsensusDecision struct {
	ID              int64            `json:"id"`
	ProposalID      string           `json:"proposal_id"`
	RequestingAgent string           `json:"requesting_agent"`
	Outcome         ConsensusOutcome `json:"outcome"`
	Stats           string           `json:"stats,omitempty"`
	Reasons         string           `json:"reasons,omitempty"`
	CreatedAt       int64            `json:"created_at"`
}

// Artifact is the metadata record for an out-of-band binary handoff.
// Bodies live on disk at StoragePath; only finalized artifacts are
// visible to downloaders.
type Artifact struct {
	ID           string `json:"id"`
	CreatedBy    string `json:"created_by"`
	Name         string `json:"name"`
	MimeType     string `json:"mime_type,omitempty"`
	SizeBytes    int64  `json:"size_bytes"`
	SHA256       string `json:"sha256,omitempty"`
	StoragePath  string `json:"-"`
	Namespace    string `json:"namespace"`
	Summary      string `json:"summary,omitempty"`
	AccessCount  int64  `json:"access_count"`
	TTLExpiresAt int64  `json:"ttl_expires_at,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// ArtifactShare grants read access to one agent, or to everyone when
// AgentID is "*".
type ArtifactShare struct {
	ArtifactID string `json:"artifact_id"`
	AgentID    string `json:"agent_id"`
	CreatedAt  int64  `json:"created_at"`
}

// SloSeverity grades an SLO alert.
type SloSeverity string

const (
	SloMedium   SloSeverity = "medium"
	SloHigh     SloSeverity = "high"
	SloCritical SloSeverity = "critical"
)

// SloAlert is one service-level objective violation. Code is unique among
// open alerts; resolution stamps ResolvedAt.
type SloAlert struct {
	ID         int64       `json:"id"`
	Code       string      `json:"code"`
	Severity   SloSeverity `json:"severity"`
	Message    string      `json:"message"`
	Details    string      `json:"details,omitempty"`
	CreatedAt  int64       `json:"created_at"`
	ResolvedAt int64       `json:"resolved_at,omitempty"`
}

// ActivityEntry is one append-only operational log row.
type ActivityEntry struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	AgentID   string `json:"agent_id,omitempty"`
	TaskID    int64  `json:"task_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// AuthEvent records one authentication check outcome for coverage stats.
type AuthEvent struct {
	ID        int64  `json:"id"`
	AgentID   string `json:"agent_id,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Outcome   string `json:"outcome"`
	CreatedAt int64  `json:"created_at"`
}
