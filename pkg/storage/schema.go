package storage

const schema = `
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT '',
    capabilities TEXT NOT NULL DEFAULT '',
    lifecycle TEXT NOT NULL DEFAULT 'persistent',
    workspace_mode TEXT NOT NULL DEFAULT 'unknown',
    profile TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'online',
    last_seen INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status, last_seen);

CREATE TABLE IF NOT EXISTS agent_tokens (
    agent_id TEXT PRIMARY KEY,
    token TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    from_agent TEXT NOT NULL,
    to_agent TEXT,
    content TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    trace_id TEXT NOT NULL DEFAULT '',
    span_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_agent, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at, id);

CREATE TABLE IF NOT EXISTS message_reads (
    message_id INTEGER NOT NULL,
    agent_id TEXT NOT NULL,
    read_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (message_id, agent_id),
    FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    namespace TEXT NOT NULL DEFAULT 'default',
    priority TEXT NOT NULL DEFAULT 'medium',
    execution_mode TEXT NOT NULL DEFAULT 'any',
    consistency_mode TEXT NOT NULL DEFAULT 'cheap',
    status TEXT NOT NULL DEFAULT 'pending',
    assigned_to TEXT,
    creator TEXT NOT NULL DEFAULT '',
    trace_id TEXT NOT NULL DEFAULT '',
    span_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, namespace);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to);
CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at, id);

CREATE TABLE IF NOT EXISTS task_claims (
    task_id INTEGER PRIMARY KEY,
    agent_id TEXT NOT NULL,
    claim_id TEXT NOT NULL UNIQUE,
    claimed_at INTEGER NOT NULL DEFAULT 0,
    lease_expires_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_task_claims_lease ON task_claims(lease_expires_at);
CREATE INDEX IF NOT EXISTS idx_task_claims_agent ON task_claims(agent_id);

CREATE TABLE IF NOT EXISTS task_dependencies (
    task_id INTEGER NOT NULL,
    depends_on_task_id INTEGER NOT NULL,
    PRIMARY KEY (task_id, depends_on_task_id),
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_task_deps_on ON task_dependencies(depends_on_task_id);

CREATE TABLE IF NOT EXISTS task_evidence (
    task_id INTEGER NOT NULL,
    evidence_ref TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (task_id, evidence_ref),
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS task_status_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id INTEGER NOT NULL,
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    changed_by TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_status_history_task ON task_status_history(task_id, id);

CREATE TABLE IF NOT EXISTS context (
    agent_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    namespace TEXT NOT NULL DEFAULT 'default',
    trace_id TEXT NOT NULL DEFAULT '',
    span_id TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (agent_id, key)
);

CREATE INDEX IF NOT EXISTS idx_context_updated ON context(updated_at);

CREATE TABLE IF NOT EXISTS activity_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    agent_id TEXT NOT NULL DEFAULT '',
    task_id INTEGER NOT NULL DEFAULT 0,
    detail TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_activity_created ON activity_log(created_at);
CREATE INDEX IF NOT EXISTS idx_activity_kind ON activity_log(kind, created_at);

CREATE TABLE IF NOT EXISTS agent_quality (
    agent_id TEXT PRIMARY KEY,
    completed_count INTEGER NOT NULL DEFAULT 0,
    rollback_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
    agent_id TEXT NOT NULL,
    tool TEXT NOT NULL,
    idem_key TEXT NOT NULL,
    response TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (agent_id, tool, idem_key)
);

CREATE INDEX IF NOT EXISTS idx_idempotency_created ON idempotency_keys(created_at);

CREATE TABLE IF NOT EXISTS protocol_blobs (
    hash TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0,
    access_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_blobs_updated ON protocol_blobs(updated_at);

CREATE TABLE IF NOT EXISTS consensus_decisions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    proposal_id TEXT NOT NULL,
    requesting_agent TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL,
    stats TEXT NOT NULL DEFAULT '{}',
    reasons TEXT NOT NULL DEFAULT '[]',
    created_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_consensus_proposal ON consensus_decisions(proposal_id, id);

CREATE TABLE IF NOT EXISTS tasks_archive (
    id INTEGER PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    namespace TEXT NOT NULL DEFAULT 'default',
    priority TEXT NOT NULL DEFAULT 'medium',
    execution_mode TEXT NOT NULL DEFAULT 'any',
    consistency_mode TEXT NOT NULL DEFAULT 'cheap',
    status TEXT NOT NULL,
    assigned_to TEXT,
    creator TEXT NOT NULL DEFAULT '',
    trace_id TEXT NOT NULL DEFAULT '',
    span_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0,
    archived_at INTEGER NOT NULL DEFAULT 0,
    archive_reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS slo_alerts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    code TEXT NOT NULL,
    severity TEXT NOT NULL,
    message TEXT NOT NULL,
    details TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL DEFAULT 0,
    resolved_at INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_slo_open_code ON slo_alerts(code) WHERE resolved_at IS NULL;

CREATE TABLE IF NOT EXISTS auth_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id TEXT NOT NULL DEFAULT '',
    tool TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_auth_events_created ON auth_events(created_at);

CREATE TABLE IF NOT EXISTS artifacts (
    id TEXT PRIMARY KEY,
    created_by TEXT NOT NULL,
    name TEXT NOT NULL,
    mime_type TEXT NOT NULL DEFAULT '',
    size_bytes INTEGER NOT NULL DEFAULT 0,
    sha256 TEXT NOT NULL DEFAULT '',
    storage_path TEXT NOT NULL DEFAULT '',
    namespace TEXT NOT NULL DEFAULT 'default',
    summary TEXT NOT NULL DEFAULT '',
    access_count INTEGER NOT NULL DEFAULT 0,
    ttl_expires_at INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_artifacts_ttl ON artifacts(ttl_expires_at);
CREATE INDEX IF NOT EXISTS idx_artifacts_namespace ON artifacts(namespace, created_at);

CREATE TABLE IF NOT EXISTS artifact_shares (
    artifact_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (artifact_id, agent_id),
    FOREIGN KEY (artifact_id) REFERENCES artifacts(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS task_artifacts (
    task_id INTEGER NOT NULL,
    artifact_id TEXT NOT NULL,
    attached_by TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (task_id, artifact_id),
    FOREIGN KEY (artifact_id) REFERENCES artifacts(id) ON DELETE CASCADE
);
`

// columnMigrations lists add-column reconciliations applied at boot for
// databases created before the column existed. Each entry is idempotent.
var columnMigrations = []struct {
	table  string
	column string
	decl   string
}{
	{"agents", "capabilities", "TEXT NOT NULL DEFAULT ''"},
	{"agents", "workspace_mode", "TEXT NOT NULL DEFAULT 'unknown'"},
	{"agents", "profile", "TEXT NOT NULL DEFAULT '{}'"},
	{"tasks", "execution_mode", "TEXT NOT NULL DEFAULT 'any'"},
	{"tasks", "consistency_mode", "TEXT NOT NULL DEFAULT 'cheap'"},
	{"tasks", "trace_id", "TEXT NOT NULL DEFAULT ''"},
	{"tasks", "span_id", "TEXT NOT NULL DEFAULT ''"},
	{"messages", "metadata", "TEXT NOT NULL DEFAULT '{}'"},
	{"messages", "trace_id", "TEXT NOT NULL DEFAULT ''"},
	{"messages", "span_id", "TEXT NOT NULL DEFAULT ''"},
	{"context", "namespace", "TEXT NOT NULL DEFAULT 'default'"},
	{"artifacts", "summary", "TEXT NOT NULL DEFAULT ''"},
	{"artifacts", "ttl_expires_at", "INTEGER NOT NULL DEFAULT 0"},
	{"tasks_archive", "archive_reason", "TEXT NOT NULL DEFAULT ''"},
}
