// Package session owns the lifecycle of agent processes: one live session
// per agent, a tiered acquisition protocol that prefers resuming remote
// context over rebuilding it, and a serialized dispatch path that injects
// the system prompt and a conversation-history preamble on the first send.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/acplink/acplink/internal/event"
	"github.com/acplink/acplink/internal/protocol"
)

// State is a session's lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateReady
	StateBusy
	StateClosing
	StateClosed
)

// String returns the lowercase state name used on the wire and in logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrUnknownAgent is returned when no launch definition exists for an
	// agent id.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrAgentUnavailable is returned when a session could not be
	// established after all acquisition tiers failed.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrSessionClosed is returned for sends against a torn-down session.
	ErrSessionClosed = errors.New("session closed")
)

// validTransitions holds the allowed state machine edges.
var validTransitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateReady, StateClosed},
	StateReady:    {StateBusy, StateClosing},
	StateBusy:     {StateReady, StateClosing},
	StateClosing:  {StateClosed},
}

// AgentClient is the protocol surface a session drives. *protocol.Client
// implements it; tests substitute their own.
type AgentClient interface {
	Initialize(ctx context.Context) (protocol.CapabilitySet, error)
	NewSession(ctx context.Context, cwd string) (string, error)
	LoadSession(ctx context.Context, sessionID, cwd string) error
	ResumeSession(ctx context.Context, sessionID, cwd string) error
	Prompt(ctx context.Context, sessionID string, blocks []protocol.ContentBlock) (protocol.StopReason, error)
	SetHandlers(perm protocol.PermissionFunc, update protocol.UpdateFunc)
	Close()
	Done() <-chan struct{}
}

// Session is one live binding between an agent process and a conversation.
type Session struct {
	AgentID        string
	ConversationID string

	client AgentClient
	caps   protocol.CapabilitySet
	bus    *event.Bus
	log    zerolog.Logger

	systemPrompt string

	// ready is closed once session establishment finishes; startErr holds
	// the failure, if any. Concurrent acquirers wait on ready instead of
	// racing to start a second process.
	ready    chan struct{}
	startErr error

	mu                sync.Mutex
	state             State
	protocolSessionID string
	resumed           bool
	systemPromptSent  bool
	historyInjected   bool

	// sendMu serializes prompt exchanges; waiters form the dispatch queue.
	sendMu sync.Mutex
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProtocolSessionID returns the agent-side session id. Empty until the
// session reaches Ready.
func (s *Session) ProtocolSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolSessionID
}

// Resumed reports whether the agent restored the conversation's remote
// context. When false, the first send carries a history preamble.
func (s *Session) Resumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumed
}

// transition moves the session to a new state and publishes the change.
// Invalid edges are rejected; transitioning to the current state is a no-op.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return nil
	}
	if !transitionAllowed(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("invalid session transition %s -> %s", from, to)
	}
	s.state = to
	resumed := s.resumed
	s.mu.Unlock()

	s.log.Debug().Stringer("from", from).Stringer("to", to).Msg("session state")
	s.bus.Publish(event.Event{
		Type: event.SessionState,
		Data: event.SessionStateData{AgentID: s.AgentID, State: to.String(), Resumed: resumed},
	})
	return nil
}

func transitionAllowed(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
