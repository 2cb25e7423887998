package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/acplink/acplink/internal/conversation"
	"github.com/acplink/acplink/internal/protocol"
)

// Send dispatches one user message to an agent, establishing a session
// first if needed, and blocks until the agent finishes its turn. Sends to
// the same agent are serialized in arrival order.
func (m *Manager) Send(ctx context.Context, agentID, conversationID, content string) (protocol.StopReason, error) {
	s, _, err := m.Acquire(ctx, agentID, conversationID)
	if err != nil {
		return "", err
	}
	return m.dispatch(ctx, s, content)
}

func (m *Manager) dispatch(ctx context.Context, s *Session, content string) (protocol.StopReason, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	blocks := m.buildBlocks(ctx, s, content)

	if err := s.transition(StateBusy); err != nil {
		return "", ErrSessionClosed
	}
	reason, err := s.client.Prompt(ctx, s.ProtocolSessionID(), blocks)
	if s.State() == StateBusy {
		_ = s.transition(StateReady)
	}
	if err != nil {
		if errors.Is(err, protocol.ErrProcessExited) {
			return "", fmt.Errorf("%w: %v", ErrSessionClosed, err)
		}
		return "", err
	}
	return reason, nil
}

// buildBlocks assembles the prompt for one send. The first send of a
// session is prefixed with the agent's system prompt and, when the remote
// context was not resumed, a bounded history preamble. Both injections
// happen at most once per session even if the send itself fails.
func (m *Manager) buildBlocks(ctx context.Context, s *Session, content string) []protocol.ContentBlock {
	s.mu.Lock()
	needPrompt := !s.systemPromptSent && s.systemPrompt != ""
	s.systemPromptSent = true
	needHistory := !s.resumed && !s.historyInjected
	s.historyInjected = s.historyInjected || needHistory
	s.mu.Unlock()

	var blocks []protocol.ContentBlock
	if needPrompt {
		blocks = append(blocks, protocol.TextBlock(s.systemPrompt))
	}
	if needHistory {
		if preamble := m.buildPreamble(ctx, s, content); preamble != "" {
			blocks = append(blocks, protocol.TextBlock(preamble))
		}
	}
	return append(blocks, protocol.TextBlock(content))
}

// buildPreamble renders the conversation-history preamble for an
// unresumed session. A storage failure degrades to no preamble; the send
// itself still goes out.
func (m *Manager) buildPreamble(ctx context.Context, s *Session, outgoing string) string {
	cfg := m.config()
	msgs, err := m.conv.RecentMessages(ctx, s.ConversationID, cfg.History.Window)
	if err != nil {
		s.log.Warn().Err(err).Msg("history reconstruction failed, sending without preamble")
		return ""
	}

	// The UI persists the outgoing message before dispatching it; it is
	// context the agent is about to receive anyway, not history.
	if n := len(msgs); n > 0 && msgs[n-1].Role == conversation.RoleUser && msgs[n-1].Content == outgoing {
		msgs = msgs[:n-1]
	}

	return conversation.BuildPreamble(msgs, cfg.History.MessageCharLimit)
}
