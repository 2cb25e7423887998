package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/acplink/acplink/internal/config"
	"github.com/acplink/acplink/internal/conversation"
	"github.com/acplink/acplink/internal/event"
	"github.com/acplink/acplink/internal/logging"
	"github.com/acplink/acplink/internal/permission"
	"github.com/acplink/acplink/internal/protocol"
)

// SpawnFunc launches an agent process and returns a client attached to it.
type SpawnFunc func(agentID string, agent config.AgentConfig) (AgentClient, error)

// UpdateFunc receives streamed updates from any live session.
type UpdateFunc func(agentID string, u protocol.Update)

// Manager is the session registry. It enforces one live session per agent,
// supersedes sessions on conversation switches, and reaps sessions whose
// process exits out of band.
type Manager struct {
	conv  *conversation.Log
	icpt  *permission.Interceptor
	bus   *event.Bus
	spawn SpawnFunc

	mu       sync.Mutex
	cfg      *config.Config
	sessions map[string]*Session
	onUpdate UpdateFunc

	projectDir string
}

// NewManager creates a session manager for one project directory.
func NewManager(cfg *config.Config, conv *conversation.Log, icpt *permission.Interceptor, bus *event.Bus, projectDir string) *Manager {
	m := &Manager{
		conv:       conv,
		icpt:       icpt,
		bus:        bus,
		cfg:        cfg,
		sessions:   make(map[string]*Session),
		projectDir: projectDir,
	}
	m.spawn = m.spawnProcess
	return m
}

// SetSpawnFunc replaces the process launcher. Tests use this to substitute
// in-memory agents.
func (m *Manager) SetSpawnFunc(fn SpawnFunc) {
	m.spawn = fn
}

// SetUpdateHandler installs the sink for streamed session updates.
func (m *Manager) SetUpdateHandler(fn UpdateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// SetConfig swaps the active configuration. Live sessions keep their launch
// parameters; tuning values apply to subsequent operations.
func (m *Manager) SetConfig(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

func (m *Manager) config() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// spawnProcess is the production SpawnFunc.
func (m *Manager) spawnProcess(agentID string, agent config.AgentConfig) (AgentClient, error) {
	dir := agent.WorkDir
	if dir == "" {
		dir = m.projectDir
	}
	return protocol.Spawn(protocol.AgentCommand{
		Command: agent.Command,
		Args:    agent.Args,
		Env:     agent.Env,
		Dir:     dir,
	})
}

// Acquire returns the live session binding agentID to conversationID,
// establishing one if needed. Starting a session for a different
// conversation supersedes the agent's current session. The returned
// attempts describe the acquisition tiers tried, nil when an existing
// session was reused.
func (m *Manager) Acquire(ctx context.Context, agentID, conversationID string) (*Session, []ResumeAttempt, error) {
	cfg := m.config()
	agent, ok := cfg.Agents[agentID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	m.mu.Lock()
	if existing := m.sessions[agentID]; existing != nil && existing.ConversationID == conversationID {
		m.mu.Unlock()
		select {
		case <-existing.ready:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		if existing.startErr == nil && existing.State() != StateClosed && existing.State() != StateClosing {
			return existing, nil, nil
		}
		// Defunct; fall through and replace it.
		m.mu.Lock()
	}

	s := &Session{
		AgentID:        agentID,
		ConversationID: conversationID,
		bus:            m.bus,
		log:            logging.Component("session").With().Str("agentID", agentID).Logger(),
		systemPrompt:   agent.SystemPrompt,
		ready:          make(chan struct{}),
	}
	old := m.sessions[agentID]
	m.sessions[agentID] = s
	m.mu.Unlock()

	if old != nil && old != s {
		old.log.Info().Str("conversationID", old.ConversationID).Msg("superseding session")
		m.teardown(old)
	}

	attempts, err := m.start(ctx, s, agent)
	s.startErr = err
	close(s.ready)
	if err != nil {
		m.bus.Publish(event.Event{
			Type: event.SessionError,
			Data: event.SessionErrorData{AgentID: agentID, Message: err.Error()},
		})
		m.mu.Lock()
		if m.sessions[agentID] == s {
			delete(m.sessions, agentID)
		}
		m.mu.Unlock()
		return nil, attempts, err
	}
	return s, attempts, nil
}

// start spawns the process, negotiates capabilities, and runs the tiered
// session acquisition. On success the session is Ready and reaped on exit.
func (m *Manager) start(ctx context.Context, s *Session, agent config.AgentConfig) ([]ResumeAttempt, error) {
	if err := s.transition(StateStarting); err != nil {
		return nil, err
	}

	client, err := m.spawn(s.AgentID, agent)
	if err != nil {
		_ = s.transition(StateClosed)
		return nil, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	client.SetHandlers(m.icpt.ForAgent(s.AgentID), func(u protocol.Update) {
		m.mu.Lock()
		fn := m.onUpdate
		m.mu.Unlock()
		if fn != nil {
			fn(s.AgentID, u)
		}
	})

	tierTimeout := m.config().Resume.TierTimeout()
	initCtx, cancel := context.WithTimeout(ctx, tierTimeout)
	caps, err := client.Initialize(initCtx)
	cancel()
	if err != nil {
		client.Close()
		_ = s.transition(StateClosed)
		return nil, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}

	sessionID, resumed, attempts, err := m.acquireProtocolSession(ctx, client, caps, s.AgentID, s.ConversationID)
	if err != nil {
		client.Close()
		_ = s.transition(StateClosed)
		return attempts, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}

	s.mu.Lock()
	s.caps = caps
	s.protocolSessionID = sessionID
	s.resumed = resumed
	s.mu.Unlock()

	if err := s.transition(StateReady); err != nil {
		client.Close()
		return attempts, err
	}

	s.log.Info().
		Str("sessionID", sessionID).
		Bool("resumed", resumed).
		Msg("session ready")

	go m.reap(s)
	return attempts, nil
}

// reap waits for the agent process to exit and, if the session is still
// current, closes it and moots its pending permission requests.
func (m *Manager) reap(s *Session) {
	<-s.client.Done()

	m.mu.Lock()
	current := m.sessions[s.AgentID] == s
	if current {
		delete(m.sessions, s.AgentID)
	}
	m.mu.Unlock()
	if !current {
		return
	}

	if s.State() == StateClosed {
		return
	}
	s.log.Info().Msg("agent process exited")
	m.close(s)
}

// Stop tears down an agent's live session. Stopping an agent with no
// session is a no-op.
func (m *Manager) Stop(agentID string) {
	m.mu.Lock()
	s := m.sessions[agentID]
	delete(m.sessions, agentID)
	m.mu.Unlock()

	if s != nil {
		m.teardown(s)
	}
}

// StopAll tears down every live session. Used on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		m.teardown(s)
	}
}

// teardown drives a superseded or stopped session to Closed.
func (m *Manager) teardown(s *Session) {
	if s.State() == StateClosed {
		return
	}
	m.close(s)
}

func (m *Manager) close(s *Session) {
	switch s.State() {
	case StateReady, StateBusy:
		_ = s.transition(StateClosing)
	}
	m.icpt.CancelAgent(s.AgentID)
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil {
		client.Close()
	}
	_ = s.transition(StateClosed)
}

// Snapshot is a point-in-time view of one live session.
type Snapshot struct {
	AgentID           string `json:"agentID"`
	ConversationID    string `json:"conversationID"`
	State             string `json:"state"`
	ProtocolSessionID string `json:"protocolSessionID,omitempty"`
	Resumed           bool   `json:"resumed"`
}

// Sessions returns a snapshot of all live sessions.
func (m *Manager) Sessions() []Snapshot {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(all))
	for _, s := range all {
		snaps = append(snaps, Snapshot{
			AgentID:           s.AgentID,
			ConversationID:    s.ConversationID,
			State:             s.State().String(),
			ProtocolSessionID: s.ProtocolSessionID(),
			Resumed:           s.Resumed(),
		})
	}
	return snaps
}
