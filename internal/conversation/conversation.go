// Package conversation reads the durable conversation log written by the
// UI layer. The coordinator never writes messages; it only reads them to
// rebuild context for unresumed sessions and to find a conversation's
// stored protocol session id.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/acplink/acplink/internal/storage"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation. Externally owned; read contract
// only.
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Time    int64  `json:"time"` // unix millis
}

// Meta is the per-conversation record the UI maintains. The coordinator
// reads ProtocolSessionID from it when selecting a resume candidate.
type Meta struct {
	ID                string `json:"id"`
	AgentID           string `json:"agentID"`
	ProtocolSessionID string `json:"protocolSessionID,omitempty"`
	Updated           int64  `json:"updated"`
}

// ErrNoSessionID is returned when a conversation has no stored protocol
// session id.
var ErrNoSessionID = errors.New("conversation has no stored session id")

// Log reads conversations and messages from shared storage.
//
// Layout: conversation/<agentID>/<conversationID> holds Meta;
// message/<conversationID>/<messageID> holds Message.
type Log struct {
	store *storage.Store
}

// NewLog creates a Log over the given store.
func NewLog(store *storage.Store) *Log {
	return &Log{store: store}
}

// RecentMessages returns up to limit most recent messages of a
// conversation in chronological order.
func (l *Log) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	var msgs []Message
	err := l.store.Scan(ctx, []string{"message", conversationID}, func(key string, data json.RawMessage) error {
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("decode message %s: %w", key, err)
		}
		msgs = append(msgs, m)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Time < msgs[j].Time })

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// SessionID returns the protocol session id stored for a conversation, or
// ErrNoSessionID when none is recorded.
func (l *Log) SessionID(ctx context.Context, agentID, conversationID string) (string, error) {
	var meta Meta
	if err := l.store.Get(ctx, []string{"conversation", agentID, conversationID}, &meta); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrNoSessionID
		}
		return "", err
	}
	if meta.ProtocolSessionID == "" {
		return "", ErrNoSessionID
	}
	return meta.ProtocolSessionID, nil
}

// AnySessionID returns the most recently updated stored protocol session id
// among the agent's other conversations. Used only as a fallback when the
// active conversation has no id of its own; resuming another conversation's
// context on purpose is never correct.
func (l *Log) AnySessionID(ctx context.Context, agentID, excludeConversationID string) (string, error) {
	var best Meta
	err := l.store.Scan(ctx, []string{"conversation", agentID}, func(key string, data json.RawMessage) error {
		var meta Meta
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil // skip unreadable records
		}
		if meta.ID == excludeConversationID || meta.ProtocolSessionID == "" {
			return nil
		}
		if meta.Updated >= best.Updated {
			best = meta
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if best.ProtocolSessionID == "" {
		return "", ErrNoSessionID
	}
	return best.ProtocolSessionID, nil
}
