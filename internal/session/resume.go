package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acplink/acplink/internal/logging"
	"github.com/acplink/acplink/internal/protocol"
)

const (
	// NewSessionInitialInterval is the initial retry interval when creating
	// a fresh session fails.
	NewSessionInitialInterval = time.Second
	// NewSessionMaxInterval caps the retry interval.
	NewSessionMaxInterval = 10 * time.Second
)

// Tier names for acquisition diagnostics.
const (
	TierResume = "resume"
	TierLoad   = "load"
	TierNew    = "new"
)

// ResumeAttempt records one acquisition tier's outcome. The trail is
// surfaced over HTTP so a user can see why a session lost its remote
// context.
type ResumeAttempt struct {
	Tier  string `json:"tier"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// acquireProtocolSession establishes an agent-side session using the first
// tier that works: resume the stored session id, load it, or create a fresh
// session. Tiers 1 and 2 run only when the agent advertises the capability
// and a candidate id exists; each gets one bounded attempt. Tier 3 retries
// with exponential backoff before giving up.
//
// resumed is true when tier 1 or tier 2 succeeded. Either way the agent
// holds the conversation's remote context, so no history preamble is
// injected for it.
func (m *Manager) acquireProtocolSession(ctx context.Context, client AgentClient, caps protocol.CapabilitySet, agentID, conversationID string) (sessionID string, resumed bool, attempts []ResumeAttempt, err error) {
	cfg := m.config()
	tierTimeout := cfg.Resume.TierTimeout()
	log := logging.Component("session").With().Str("agentID", agentID).Logger()

	candidate := m.resumeCandidate(ctx, agentID, conversationID)

	if candidate != "" && caps.Has(protocol.CapabilityResume) {
		tierCtx, cancel := context.WithTimeout(ctx, tierTimeout)
		tierErr := client.ResumeSession(tierCtx, candidate, m.projectDir)
		cancel()
		attempts = append(attempts, attempt(TierResume, tierErr))
		if tierErr == nil {
			return candidate, true, attempts, nil
		}
		log.Debug().Err(tierErr).Str("sessionID", candidate).Msg("resume tier failed")
	}

	if candidate != "" && caps.Has(protocol.CapabilityLoad) {
		tierCtx, cancel := context.WithTimeout(ctx, tierTimeout)
		tierErr := client.LoadSession(tierCtx, candidate, m.projectDir)
		cancel()
		attempts = append(attempts, attempt(TierLoad, tierErr))
		if tierErr == nil {
			return candidate, true, attempts, nil
		}
		log.Debug().Err(tierErr).Str("sessionID", candidate).Msg("load tier failed")
	}

	newErr := backoff.Retry(func() error {
		tierCtx, cancel := context.WithTimeout(ctx, tierTimeout)
		defer cancel()
		id, tierErr := client.NewSession(tierCtx, m.projectDir)
		if tierErr != nil {
			return tierErr
		}
		sessionID = id
		return nil
	}, newSessionBackoff(ctx, uint64(cfg.Resume.NewSessionRetries)))

	attempts = append(attempts, attempt(TierNew, newErr))
	if newErr != nil {
		return "", false, attempts, fmt.Errorf("create session: %w", newErr)
	}
	return sessionID, false, attempts, nil
}

// resumeCandidate picks the session id to offer tiers 1 and 2: the
// conversation's own stored id, falling back to the agent's most recent id
// from any other conversation. Empty when nothing is stored.
func (m *Manager) resumeCandidate(ctx context.Context, agentID, conversationID string) string {
	id, err := m.conv.SessionID(ctx, agentID, conversationID)
	if err == nil {
		return id
	}
	id, err = m.conv.AnySessionID(ctx, agentID, conversationID)
	if err == nil {
		return id
	}
	return ""
}

// newSessionBackoff builds the retry policy for fresh session creation.
func newSessionBackoff(ctx context.Context, maxRetries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = NewSessionInitialInterval
	b.MaxInterval = NewSessionMaxInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

func attempt(tier string, err error) ResumeAttempt {
	a := ResumeAttempt{Tier: tier, OK: err == nil}
	if err != nil {
		a.Error = err.Error()
	}
	return a
}
