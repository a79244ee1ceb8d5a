package artifacts

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/hive/pkg/types"
)

// TicketKind separates upload grants from download grants.
type TicketKind string

const (
	TicketUpload   TicketKind = "upload"
	TicketDownload TicketKind = "download"
)

const (
	ticketTTLMinSec = 30
	ticketTTLMaxSec = 86400
)

// Ticket is a one-shot grant for the out-of-band artifact channel.
type Ticket struct {
	Token      string     `json:"token"`
	Kind       TicketKind `json:"kind"`
	ArtifactID string     `json:"artifact_id"`
	AgentID    string     `json:"agent_id"`
	MaxBytes   int64      `json:"max_bytes,omitempty"`
	CreatedAt  time.Time  `json:"-"`
	ExpiresAt  time.Time  `json:"-"`
}

// TicketManager hands out single-use tokens in memory. Tickets do not
// survive a restart; agents re-request them.
type TicketManager struct {
	tickets map[string]*Ticket
	mu      sync.RWMutex
}

// NewTicketManager creates an empty ticket manager.
func NewTicketManager() *TicketManager {
	return &TicketManager{tickets: make(map[string]*Ticket)}
}

// Issue creates a ticket for one transfer. TTL is clamped to
// [30s, 24h].
func (tm *TicketManager) Issue(kind TicketKind, artifactID, agentID string, ttlSec, maxBytes int64) (*Ticket, error) {
	if kind != TicketUpload && kind != TicketDownload {
		return nil, types.NewErrorf(types.CodeInvalidPayload, "invalid ticket kind %q", kind)
	}
	if artifactID == "" {
		return nil, types.NewError(types.CodeArtifactIDRequired, "artifact_id is required")
	}
	if ttlSec < ticketTTLMinSec {
		ttlSec = ticketTTLMinSec
	}
	if ttlSec > ticketTTLMaxSec {
		ttlSec = ticketTTLMaxSec
	}

	now := time.Now()
	t := &Ticket{
		Token:      uuid.NewString() + uuid.NewString(),
		Kind:       kind,
		ArtifactID: artifactID,
		AgentID:    agentID,
		MaxBytes:   maxBytes,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Duration(ttlSec) * time.Second),
	}

	tm.mu.Lock()
	tm.tickets[t.Token] = t
	tm.mu.Unlock()
	return t, nil
}

// Consume validates and burns a ticket. Unknown or expired tokens fail
// with AUTH_TOKEN_INVALID; a ticket presented against the wrong kind or
// artifact fails with ARTIFACT_ACCESS_DENIED and stays live. A consumed
// token never validates again.
func (tm *TicketManager) Consume(token string, kind TicketKind, artifactID string) (*Ticket, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	t, ok := tm.tickets[token]
	if !ok {
		return nil, types.NewError(types.CodeAuthTokenInvalid, "ticket is unknown or already used")
	}
	if time.Now().After(t.ExpiresAt) {
		delete(tm.tickets, token)
		return nil, types.NewError(types.CodeAuthTokenInvalid, "ticket has expired")
	}
	if t.Kind != kind || t.ArtifactID != artifactID {
		return nil, types.NewError(types.CodeArtifactAccessDenied, "ticket does not cover this transfer")
	}
	delete(tm.tickets, token)
	return t, nil
}

// Sweep removes expired tickets, returning how many were dropped.
func (tm *TicketManager) Sweep() int {
	now := time.Now()
	tm.mu.Lock()
	defer tm.mu.Unlock()

	removed := 0
	for token, t := range tm.tickets {
		if now.After(t.ExpiresAt) {
			delete(tm.tickets, token)
			removed++
		}
	}
	return removed
}

// Len reports the live ticket count.
func (tm *TicketManager) Len() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.tickets)
}
