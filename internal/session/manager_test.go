package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acplink/acplink/internal/config"
	"github.com/acplink/acplink/internal/conversation"
	"github.com/acplink/acplink/internal/event"
	"github.com/acplink/acplink/internal/grant"
	"github.com/acplink/acplink/internal/permission"
	"github.com/acplink/acplink/internal/protocol"
	"github.com/acplink/acplink/internal/storage"
)

// fakeClient scripts one agent process.
type fakeClient struct {
	mu sync.Mutex

	caps      protocol.CapabilitySet
	initErr   error
	resumeErr error
	loadErr   error
	newFails  int // NewSession failures before success
	sessionID string

	promptReason protocol.StopReason
	promptErr    error
	onPrompt     func() // runs during Prompt, outside the lock

	resumeIDs []string
	loadIDs   []string
	newCalls  int
	prompts   [][]protocol.ContentBlock

	done      chan struct{}
	closeOnce sync.Once
}

func newFakeClient(caps protocol.CapabilitySet) *fakeClient {
	return &fakeClient{
		caps:         caps,
		sessionID:    "sess-new",
		promptReason: protocol.StopEndTurn,
		done:         make(chan struct{}),
	}
}

func (f *fakeClient) Initialize(ctx context.Context) (protocol.CapabilitySet, error) {
	return f.caps, f.initErr
}

func (f *fakeClient) NewSession(ctx context.Context, cwd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newCalls++
	if f.newCalls <= f.newFails {
		return "", errors.New("session creation failed")
	}
	return f.sessionID, nil
}

func (f *fakeClient) LoadSession(ctx context.Context, sessionID, cwd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadIDs = append(f.loadIDs, sessionID)
	return f.loadErr
}

func (f *fakeClient) ResumeSession(ctx context.Context, sessionID, cwd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeIDs = append(f.resumeIDs, sessionID)
	return f.resumeErr
}

func (f *fakeClient) Prompt(ctx context.Context, sessionID string, blocks []protocol.ContentBlock) (protocol.StopReason, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, blocks)
	hook := f.onPrompt
	reason, err := f.promptReason, f.promptErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return reason, err
}

func (f *fakeClient) SetHandlers(perm protocol.PermissionFunc, update protocol.UpdateFunc) {}

func (f *fakeClient) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

func (f *fakeClient) Done() <-chan struct{} { return f.done }

func (f *fakeClient) promptBlocks() [][]protocol.ContentBlock {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]protocol.ContentBlock, len(f.prompts))
	copy(out, f.prompts)
	return out
}

type testEnv struct {
	mgr   *Manager
	store *storage.Store
	cfg   *config.Config
}

func newTestEnv(t *testing.T, client AgentClient) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Resume.TierTimeoutSeconds = 2
	cfg.Resume.NewSessionRetries = 1
	cfg.Agents["coder"] = config.AgentConfig{Command: "coder-agent"}

	store := storage.New(t.TempDir())
	conv := conversation.NewLog(store)

	grants, err := grant.NewStore(filepath.Join(t.TempDir(), "grants.db"))
	require.NoError(t, err)
	t.Cleanup(func() { grants.Close() })

	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	icpt := permission.NewInterceptor(grants, bus, "/work/proj")

	mgr := NewManager(cfg, conv, icpt, bus, "/work/proj")
	mgr.SetSpawnFunc(func(agentID string, agent config.AgentConfig) (AgentClient, error) {
		return client, nil
	})
	t.Cleanup(mgr.StopAll)

	return &testEnv{mgr: mgr, store: store, cfg: cfg}
}

func (e *testEnv) storeMeta(t *testing.T, agentID, convID, sessionID string, updated int64) {
	t.Helper()
	meta := conversation.Meta{ID: convID, AgentID: agentID, ProtocolSessionID: sessionID, Updated: updated}
	require.NoError(t, e.store.Put(context.Background(), []string{"conversation", agentID, convID}, meta))
}

func (e *testEnv) storeMessage(t *testing.T, convID string, m conversation.Message) {
	t.Helper()
	require.NoError(t, e.store.Put(context.Background(), []string{"message", convID, m.ID}, m))
}

func TestAcquireWithoutCapabilitiesCreatesFreshSession(t *testing.T) {
	client := newFakeClient(protocol.CapabilitySet{})
	env := newTestEnv(t, client)
	// A stored id exists, but no capability can use it.
	env.storeMeta(t, "coder", "conv-1", "sess-old", 100)

	s, attempts, err := env.mgr.Acquire(context.Background(), "coder", "conv-1")
	require.NoError(t, err)

	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, "sess-new", s.ProtocolSessionID())
	assert.False(t, s.Resumed())
	require.Len(t, attempts, 1)
	assert.Equal(t, TierNew, attempts[0].Tier)
	assert.True(t, attempts[0].OK)
	assert.Empty(t, client.resumeIDs)
	assert.Empty(t, client.loadIDs)
}

func TestAcquireResumesStoredSession(t *testing.T) {
	client := newFakeClient(protocol.CapabilitySet{
		protocol.CapabilityResume: true,
		protocol.CapabilityLoad:   true,
	})
	env := newTestEnv(t, client)
	env.storeMeta(t, "coder", "conv-1", "sess-7", 100)

	s, attempts, err := env.mgr.Acquire(context.Background(), "coder", "conv-1")
	require.NoError(t, err)

	assert.True(t, s.Resumed())
	assert.Equal(t, "sess-7", s.ProtocolSessionID())
	assert.Equal(t, []string{"sess-7"}, client.resumeIDs)
	assert.Empty(t, client.loadIDs)
	assert.Equal(t, 0, client.newCalls)
	require.Len(t, attempts, 1)
	assert.Equal(t, TierResume, attempts[0].Tier)
}

func TestResumeFailureFallsBackToLoad(t *testing.T) {
	client := newFakeClient(protocol.CapabilitySet{
		protocol.CapabilityResume: true,
		protocol.CapabilityLoad:   true,
	})
	client.resumeErr = errors.New("session not found")
	env := newTestEnv(t, client)
	env.storeMeta(t, "coder", "conv-1", "sess-7", 100)

	s, attempts, err := env.mgr.Acquire(context.Background(), "coder", "conv-1")
	require.NoError(t, err)

	assert.True(t, s.Resumed())
	assert.Equal(t, "sess-7", s.ProtocolSessionID())
	assert.Equal(t, []string{"sess-7"}, client.loadIDs)
	require.Len(t, attempts, 2)
	assert.False(t, attempts[0].OK)
	assert.Equal(t, TierLoad, attempts[1].Tier)
	assert.True(t, attempts[1].OK)
}

func TestAllTiersFallThroughToNew(t *testing.T) {
	client := newFakeClient(protocol.CapabilitySet{
		protocol.CapabilityResume: true,
		protocol.CapabilityLoad:   true,
	})
	client.resumeErr = errors.New("gone")
	client.loadErr = errors.New("gone")
	env := newTestEnv(t, client)
	env.storeMeta(t, "coder", "conv-1", "sess-7", 100)

	s, attempts, err := env.mgr.Acquire(context.Background(), "coder", "conv-1")
	require.NoError(t, err)

	assert.False(t, s.Resumed())
	assert.Equal(t, "sess-new", s.ProtocolSessionID())
	require.Len(t, attempts, 3)
	assert.Equal(t, []string{TierResume, TierLoad, TierNew},
		[]string{attempts[0].Tier, attempts[1].Tier, attempts[2].Tier})
	assert.True(t, attempts[2].OK)
}

func TestNoStoredIDSkipsResumeTiers(t *testing.T) {
	client := newFakeClient(protocol.CapabilitySet{
		protocol.CapabilityResume: true,
		protocol.CapabilityLoad:   true,
	})
	env := newTestEnv(t, client)

	s, attempts, err := env.mgr.Acquire(context.Background(), "coder", "conv-1")
	require.NoError(t, err)

	assert.False(t, s.Resumed())
	assert.Empty(t, client.resumeIDs)
	assert.Empty(t, client.loadIDs)
	require.Len(t, attempts, 1)
	assert.Equal(t, TierNew, attempts[0].Tier)
}

func TestCandidateFallsBackToOtherConversation(t *testing.T) {
	client := newFakeClient(protocol.CapabilitySet{protocol.CapabilityResume: true})
	env := newTestEnv(t, client)
	// The active conversation has no stored id; two others do.
	env.storeMeta(t, "coder", "conv-old", "sess-old", 100)
	env.storeMeta(t, "coder", "conv-newer", "sess-newer", 200)

	_, _, err := env.mgr.Acquire(context.Background(), "coder", "conv-active")
	require.NoError(t, err)

	assert.Equal(t, []string{"sess-newer"}, client.resumeIDs)
}

func TestNewSessionRetriesThenSucceeds(t *testing.T) {
	client := newFakeClient(protocol.CapabilitySet{})
	client.newFails = 1
	env := newTestEnv(t, client)

	s, attempts, err := env.mgr.Acquire(context.Background(), "coder", "conv-1")
	require.NoError(t, err)

	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, 2, client.newCalls)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].OK)
}

func TestNewSessionExhaustionIsFatal(t *testing.T) {
	client := newFakeClient(protocol.CapabilitySet{})
	client.newFails = 100
	env := newTestEnv(t, client)

	errCh := make(chan event.SessionErrorData, 1)
	unsub := env.mgr.bus.Subscribe(event.SessionError, func(ev event.Event) {
		if d, ok := ev.Data.(event.SessionErrorData); ok {
			errCh <- d
		}
	})
	defer unsub()

	_, attempts, err := env.mgr.Acquire(context.Background(), "coder", "conv-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAgentUnavailable)
	require.NotEmpty(t, attempts)
	assert.False(t, attempts[len(attempts)-1].OK)

	select {
	case d := <-errCh:
		assert.Equal(t, "coder", d.AgentID)
	case <-time.After(time.Second):
		t.Fatal("no session error event")
	}

	// The failed session must not linger in the registry.
	assert.Empty(t, env.mgr.Sessions())
}

func TestUnknownAgentFailsFast(t *testing.T) {
	env := newTestEnv(t, newFakeClient(protocol.CapabilitySet{}))

	_, _, err := env.mgr.Acquire(context.Background(), "ghost", "conv-1")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestAcquireReusesLiveSession(t *testing.T) {
	client := newFakeClient(protocol.CapabilitySet{})
	env := newTestEnv(t, client)

	s1, _, err := env.mgr.Acquire(context.Background(), "coder", "conv-1")
	require.NoError(t, err)
	s2, attempts, err := env.mgr.Acquire(context.Background(), "coder", "conv-1")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Nil(t, attempts)
	assert.Equal(t, 1, client.newCalls)
}

func TestConversationSwitchSupersedesSession(t *testing.T) {
	first := newFakeClient(protocol.CapabilitySet{})
	second := newFakeClient(protocol.CapabilitySet{})
	clients := []*fakeClient{first, second}
	env := newTestEnv(t, first)

	i := 0
	env.mgr.SetSpawnFunc(func(agentID string, agent config.AgentConfig) (AgentClient, error) {
		c := clients[i]
		i++
		return c, nil
	})

	s1, _, err := env.mgr.Acquire(context.Background(), "coder", "conv-1")
	require.NoError(t, err)
	s2, _, err := env.mgr.Acquire(context.Background(), "coder", "conv-2")
	require.NoError(t, err)

	assert.NotSame(t, s1, s2)
	assert.Equal(t, StateClosed, s1.State())
	select {
	case <-first.Done():
	default:
		t.Fatal("superseded session's process was not closed")
	}
	assert.Equal(t, StateReady, s2.State())
	require.Len(t, env.mgr.Sessions(), 1)
	assert.Equal(t, "conv-2", env.mgr.Sessions()[0].ConversationID)
}

func TestStopTearsDownSession(t *testing.T) {
	client := newFakeClient(protocol.CapabilitySet{})
	env := newTestEnv(t, client)

	s, _, err := env.mgr.Acquire(context.Background(), "coder", "conv-1")
	require.NoError(t, err)

	env.mgr.Stop("coder")

	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, env.mgr.Sessions())

	// Stopping again is harmless.
	env.mgr.Stop("coder")
}

func TestProcessExitReapsSession(t *testing.T) {
	client := newFakeClient(protocol.CapabilitySet{})
	env := newTestEnv(t, client)

	s, _, err := env.mgr.Acquire(context.Background(), "coder", "conv-1")
	require.NoError(t, err)

	client.Close() // simulated out-of-band exit

	require.Eventually(t, func() bool {
		return s.State() == StateClosed && len(env.mgr.Sessions()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStateString(t *testing.T) {
	names := map[State]string{
		StateIdle:     "idle",
		StateStarting: "starting",
		StateReady:    "ready",
		StateBusy:     "busy",
		StateClosing:  "closing",
		StateClosed:   "closed",
	}
	for state, want := range names {
		assert.Equal(t, want, state.String())
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	s := &Session{AgentID: "coder", bus: event.NewBus(), ready: make(chan struct{})}
	require.NoError(t, s.transition(StateStarting))
	assert.Error(t, s.transition(StateBusy))
	require.NoError(t, s.transition(StateReady))
	assert.Error(t, s.transition(StateClosed))
	require.NoError(t, s.transition(StateClosing))
	require.NoError(t, s.transition(StateClosed))
}
