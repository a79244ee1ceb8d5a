package hub

// toolTable maps every RPC verb to its handler. Mutating verbs honor
// idempotency keys; register_agent is the only verb callable without a
// token when auth is required.
func (s *Server) toolTable() map[string]toolSpec {
	return map[string]toolSpec{
		// Agents
		"register_agent":         {handler: s.registerAgent, mutating: true, noAuth: true},
		"heartbeat":              {handler: s.heartbeat},
		"update_runtime_profile": {handler: s.updateRuntimeProfile, mutating: true},
		"list_agents":            {handler: s.listAgents},

		// Messaging
		"send_message":      {handler: s.sendMessage, mutating: true},
		"send_blob_message": {handler: s.sendBlobMessage, mutating: true},
		"read_messages":     {handler: s.readMessages},

		// Tasks
		"create_task":           {handler: s.createTask, mutating: true},
		"update_task":           {handler: s.updateTask, mutating: true},
		"list_tasks":            {handler: s.listTasks},
		"poll_and_claim":        {handler: s.pollAndClaim, mutating: true},
		"claim_task":            {handler: s.claimTask, mutating: true},
		"renew_task_claim":      {handler: s.renewTaskClaim, mutating: true},
		"release_task_claim":    {handler: s.releaseTaskClaim, mutating: true},
		"list_task_claims":      {handler: s.listTaskClaims},
		"delete_task":           {handler: s.deleteTask, mutating: true},
		"attach_task_artifact":  {handler: s.attachTaskArtifact, mutating: true},
		"list_task_artifacts":   {handler: s.listTaskArtifacts},
		"get_task_handoff":      {handler: s.getTaskHandoff},

		// Context
		"share_context":      {handler: s.shareContext, mutating: true},
		"share_blob_context": {handler: s.shareBlobContext, mutating: true},
		"get_context":        {handler: s.getContext},

		// Consensus
		"resolve_consensus":              {handler: s.resolveConsensus, mutating: true},
		"resolve_consensus_from_context": {handler: s.resolveConsensusFromContext, mutating: true},
		"resolve_consensus_from_message": {handler: s.resolveConsensusFromMessage, mutating: true},
		"list_consensus_decisions":       {handler: s.listConsensusDecisions},

		// Protocol
		"pack_protocol_message":   {handler: s.packProtocolMessage, mutating: true},
		"unpack_protocol_message": {handler: s.unpackProtocolMessage},
		"hash_payload":            {handler: s.hashPayload},
		"store_protocol_blob":     {handler: s.storeProtocolBlob, mutating: true},
		"get_protocol_blob":       {handler: s.getProtocolBlob},
		"list_protocol_blobs":     {handler: s.listProtocolBlobs},

		// Artifacts
		"create_artifact_upload":         {handler: s.createArtifactUpload, mutating: true},
		"create_artifact_download":       {handler: s.createArtifactDownload, mutating: true},
		"create_task_artifact_downloads": {handler: s.createTaskArtifactDownloads, mutating: true},
		"share_artifact":                 {handler: s.shareArtifact, mutating: true},
		"list_artifacts":                 {handler: s.listArtifacts},

		// Observability
		"get_activity_log":       {handler: s.getActivityLog},
		"get_kpi_snapshot":       {handler: s.getKpiSnapshot},
		"get_transport_snapshot": {handler: s.getTransportSnapshot},
		"wait_for_updates":       {handler: s.waitForUpdates},
		"read_snapshot":          {handler: s.readSnapshot},
		"evaluate_slo_alerts":    {handler: s.evaluateSloAlerts, mutating: true},
		"list_slo_alerts":        {handler: s.listSloAlerts},
		"get_auth_coverage":      {handler: s.getAuthCoverage},
		"run_maintenance":        {handler: s.runMaintenance, mutating: true},
	}
}
