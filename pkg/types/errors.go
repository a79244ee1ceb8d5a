package types

import (
	"errors"
	"fmt"
)

// Stable error codes returned verbatim to callers.
const (
	// Input validation
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeInvalidDependency = "INVALID_DEPENDENCY"
	CodeValueTooLong      = "VALUE_TOO_LONG"
	CodeContentTooLong    = "CONTENT_TOO_LONG"
	CodeCursorInvalid     = "CURSOR_INVALID"
	CodeStreamsInvalid    = "STREAMS_INVALID"

	// Auth and quota (surfaced from external wrappers)
	CodeAuthTokenRequired      = "AUTH_TOKEN_REQUIRED"
	CodeAuthTokenInvalid       = "AUTH_TOKEN_INVALID"
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	CodeNamespaceQuotaExceeded = "NAMESPACE_QUOTA_EXCEEDED"

	// Task and claim lifecycle
	CodeTaskNotFound       = "TASK_NOT_FOUND"
	CodeTaskAlreadyDone    = "TASK_ALREADY_DONE"
	CodeTaskClaimed        = "TASK_CLAIMED"
	CodeNamespaceMismatch  = "NAMESPACE_MISMATCH"
	CodeProfileMismatch    = "PROFILE_MISMATCH"
	CodeDependenciesNotMet = "DEPENDENCIES_NOT_MET"
	CodeAlreadyClaimed     = "ALREADY_CLAIMED"
	CodeClaimExpired       = "CLAIM_EXPIRED"
	CodeNotClaimOwner      = "NOT_CLAIM_OWNER"
	CodeClaimIDMismatch    = "CLAIM_ID_MISMATCH"
	CodeClaimStolen        = "CLAIM_STOLEN"

	// Done gate
	CodeDoneGateFailed   = "DONE_GATE_FAILED"
	CodeVerifierRequired = "VERIFIER_REQUIRED"
	CodeEvidenceRequired = "EVIDENCE_REQUIRED"
	CodeEvidenceTooMany  = "EVIDENCE_TOO_MANY"

	// Consensus
	CodeVotesEmpty                   = "VOTES_EMPTY"
	CodeVotesTooLarge                = "VOTES_TOO_LARGE"
	CodeInvalidVotesBlobRef          = "INVALID_VOTES_BLOB_REF"
	CodeVotesBlobNotFound            = "VOTES_BLOB_NOT_FOUND"
	CodeVotesBlobIntegrityFailed     = "VOTES_BLOB_INTEGRITY_FAILED"
	CodeVotesBlobInvalidJSON         = "VOTES_BLOB_INVALID_JSON"
	CodeVotesBlobInvalidFormat       = "VOTES_BLOB_INVALID_FORMAT"
	CodeContextNotFound              = "CONTEXT_NOT_FOUND"
	CodeMessageNotFoundOrForbidden   = "MESSAGE_NOT_FOUND_OR_FORBIDDEN"
	CodeUnsupportedContextVotesSrc   = "UNSUPPORTED_CONTEXT_VOTES_SOURCE"
	CodeUnsupportedMessageVotesSrc   = "UNSUPPORTED_MESSAGE_VOTES_SOURCE"

	// Artifacts
	CodeArtifactNotFound             = "ARTIFACT_NOT_FOUND"
	CodeArtifactNotUploaded          = "ARTIFACT_NOT_UPLOADED"
	CodeArtifactAccessDenied         = "ARTIFACT_ACCESS_DENIED"
	CodeArtifactIDRequired           = "ARTIFACT_ID_REQUIRED"
	CodeArtifactNameRequired         = "ARTIFACT_NAME_REQUIRED"
	CodeArtifactTicketIssuerNotReady = "ARTIFACT_TICKET_ISSUER_NOT_READY"

	// Misc
	CodeFullModeForbiddenInPolling = "FULL_MODE_FORBIDDEN_IN_POLLING"
	CodeAgentNotFound              = "AGENT_NOT_FOUND"
	CodeSchemaMismatch             = "SCHEMA_MISMATCH"
)

// Error is a caller-visible failure with a stable code and optional
// recovery context that is serialized alongside the error payload.
type Error struct {
	Code    string
	Message string
	Detail  map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an Error with no detail context.
func NewError(code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// NewErrorf builds an Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches one recovery-context field and returns e.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// CodeOf extracts the stable code from err, or "" when err is not a hub
// error.
func CodeOf(err error) string {
	var he *Error
	if errors.As(err, &he) {
		return he.Code
	}
	return ""
}

// AsError unwraps err into a hub Error, or nil.
func AsError(err error) *Error {
	var he *Error
	if errors.As(err, &he) {
		return he
	}
	return nil
}
