// Package protocol implements the client side of the agent process
// protocol: newline-delimited JSON-RPC over the child process's stdio.
//
// The coordinator issues session calls (initialize, session/new,
// session/load, session/resume, session/prompt) and services the agent's
// inbound calls (session/update notifications and session/request_permission
// requests, which block the agent until an option is chosen).
package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/acplink/acplink/internal/logging"
)

// ErrProcessExited is returned for calls made after the agent process (or
// attached transport) has gone away.
var ErrProcessExited = errors.New("agent process exited")

// PermissionFunc answers an inbound permission request with an option id.
// Returning an error cancels the request on the wire.
type PermissionFunc func(req PermissionRequest) (optionID string, err error)

// UpdateFunc receives streamed session/update notifications.
type UpdateFunc func(u Update)

// Client talks to one agent process. Exactly one session owns a Client at a
// time; the owning session is responsible for closing it.
type Client struct {
	in      *bufio.Reader
	out     io.Writer
	writeMu sync.Mutex

	onPermission PermissionFunc
	onUpdate     UpdateFunc

	mu      sync.Mutex
	pending map[uint64]chan *rpcMessage
	seq     uint64
	caps    CapabilitySet

	kill     func()
	done     chan struct{}
	doneOnce sync.Once
	log      zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPermissionHandler sets the inbound permission callback.
func WithPermissionHandler(fn PermissionFunc) Option {
	return func(c *Client) { c.onPermission = fn }
}

// WithUpdateHandler sets the session update callback.
func WithUpdateHandler(fn UpdateFunc) Option {
	return func(c *Client) { c.onUpdate = fn }
}

// WithLogger overrides the client's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient attaches a client to an existing transport and starts its read
// loop. Used directly by tests; production code goes through Spawn.
func NewClient(r io.Reader, w io.Writer, opts ...Option) *Client {
	c := &Client{
		in:      bufio.NewReaderSize(r, 1<<20),
		out:     w,
		pending: make(map[uint64]chan *rpcMessage),
		done:    make(chan struct{}),
		log:     logging.Component("protocol"),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// SetHandlers installs the permission and update callbacks after
// construction. Must be called before any prompt is dispatched.
func (c *Client) SetHandlers(perm PermissionFunc, update UpdateFunc) {
	c.onPermission = perm
	c.onUpdate = update
}

// Done is closed when the transport ends, whether by Close or because the
// process exited on its own.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears the transport down and fails any in-flight calls.
func (c *Client) Close() {
	c.doneOnce.Do(func() {
		close(c.done)
		if c.kill != nil {
			c.kill()
		}
	})
}

// Capabilities returns the capability set reported by initialize. Empty
// until Initialize succeeds.
func (c *Client) Capabilities() CapabilitySet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Initialize performs the protocol handshake and records the agent's
// capability set.
func (c *Client) Initialize(ctx context.Context) (CapabilitySet, error) {
	var result initializeResult
	params := initializeParams{ProtocolVersion: 1}
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	caps := CapabilitySet{}
	if result.AgentCaps.LoadSession {
		caps[CapabilityLoad] = true
	}
	if result.AgentCaps.ResumeSession {
		caps[CapabilityResume] = true
	}

	c.mu.Lock()
	c.caps = caps
	c.mu.Unlock()

	c.log.Debug().
		Bool("resume", caps.Has(CapabilityResume)).
		Bool("load", caps.Has(CapabilityLoad)).
		Msg("agent initialized")
	return caps, nil
}

// NewSession creates a fresh protocol session and returns its id.
func (c *Client) NewSession(ctx context.Context, cwd string) (string, error) {
	var result sessionNewResult
	if err := c.call(ctx, "session/new", sessionNewParams{Cwd: cwd}, &result); err != nil {
		return "", fmt.Errorf("session/new: %w", err)
	}
	return result.SessionID, nil
}

// LoadSession loads a stored session by id.
func (c *Client) LoadSession(ctx context.Context, sessionID, cwd string) error {
	if err := c.call(ctx, "session/load", sessionIDParams{SessionID: sessionID, Cwd: cwd}, nil); err != nil {
		return fmt.Errorf("session/load: %w", err)
	}
	return nil
}

// ResumeSession re-attaches to a session's remote context by id.
func (c *Client) ResumeSession(ctx context.Context, sessionID, cwd string) error {
	if err := c.call(ctx, "session/resume", sessionIDParams{SessionID: sessionID, Cwd: cwd}, nil); err != nil {
		return fmt.Errorf("session/resume: %w", err)
	}
	return nil
}

// Prompt sends one prompt exchange and blocks until the agent reports a
// stop reason. Updates stream through the update handler meanwhile.
func (c *Client) Prompt(ctx context.Context, sessionID string, blocks []ContentBlock) (StopReason, error) {
	var result promptResult
	if err := c.call(ctx, "session/prompt", promptParams{SessionID: sessionID, Prompt: blocks}, &result); err != nil {
		return "", fmt.Errorf("session/prompt: %w", err)
	}
	return result.StopReason, nil
}

// call issues one outbound request and waits for its response.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	select {
	case <-c.done:
		return ErrProcessExited
	default:
	}

	id := atomic.AddUint64(&c.seq, 1)
	ch := make(chan *rpcMessage, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	rawID, _ := json.Marshal(id)
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	msg := rpcMessage{JSONRPC: "2.0", ID: rawID, Method: method, Params: rawParams}
	if err := c.write(&msg); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrProcessExited
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
		}
		return nil
	}
}

// write frames one message as a single newline-terminated line.
func (c *Client) write(msg *rpcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if f, ok := c.out.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.doneOnce.Do(func() {
		close(c.done)
		if c.kill != nil {
			c.kill()
		}
	})

	for {
		line, err := c.in.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				c.log.Debug().Err(err).Msg("transport read failed")
			}
			return
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Warn().Err(err).Msg("discarding unparseable frame")
			continue
		}

		if msg.isCall() {
			c.handleCall(&msg)
			continue
		}
		c.routeResponse(&msg)
	}
}

func (c *Client) routeResponse(msg *rpcMessage) {
	var id uint64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.log.Warn().RawJSON("id", msg.ID).Msg("response with unknown id shape")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Uint64("id", id).Msg("response for completed call")
		return
	}
	ch <- msg
}

// handleCall dispatches an inbound request or notification from the agent.
func (c *Client) handleCall(msg *rpcMessage) {
	switch msg.Method {
	case "session/update":
		var p updateParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.log.Warn().Err(err).Msg("bad session/update params")
			return
		}
		if c.onUpdate != nil {
			c.onUpdate(Update{
				SessionID: p.SessionID,
				Kind:      p.Update.SessionUpdate,
				Text:      p.Update.Content.Text,
				ToolName:  p.Update.ToolCall.Name,
				ToolCall:  p.Update.ToolCall.ID,
			})
		}

	case "session/request_permission":
		// The agent blocks on this call until an option is selected, so it
		// runs on its own goroutine; concurrent asks are independent.
		go c.handlePermission(msg)

	default:
		if len(msg.ID) > 0 {
			c.reply(msg.ID, nil, &RPCError{Code: codeMethodNotFound, Message: "method not found"})
		}
	}
}

func (c *Client) handlePermission(msg *rpcMessage) {
	var p requestPermissionParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		c.reply(msg.ID, nil, &RPCError{Code: codeInternalError, Message: "bad permission params"})
		return
	}

	req := PermissionRequest{
		SessionID:  p.SessionID,
		ToolKind:   ParseToolKind(p.ToolCall.Kind),
		ToolTitle:  p.ToolCall.Title,
		RawCommand: p.ToolCall.RawInput.Command,
		Options:    p.Options,
	}

	if c.onPermission == nil {
		c.reply(msg.ID, requestPermissionResult{Outcome: permissionOutcome{Outcome: "cancelled"}}, nil)
		return
	}

	optionID, err := c.onPermission(req)
	if err != nil {
		c.log.Debug().Err(err).Str("tool", req.ToolTitle).Msg("permission request cancelled")
		c.reply(msg.ID, requestPermissionResult{Outcome: permissionOutcome{Outcome: "cancelled"}}, nil)
		return
	}
	c.reply(msg.ID, requestPermissionResult{
		Outcome: permissionOutcome{Outcome: "selected", OptionID: optionID},
	}, nil)
}

func (c *Client) reply(id json.RawMessage, result any, rpcErr *RPCError) {
	msg := rpcMessage{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			msg.Error = &RPCError{Code: codeInternalError, Message: "encode result"}
		} else {
			msg.Result = raw
		}
	}
	if err := c.write(&msg); err != nil {
		c.log.Warn().Err(err).Msg("failed to answer agent call")
	}
}
