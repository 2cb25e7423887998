// Package permission intercepts agent permission requests, auto-resolving
// them from stored grants where possible and forwarding the rest to a
// user-facing surface.
package permission

import (
	"errors"
	"sync"

	"github.com/acplink/acplink/internal/protocol"
)

// ErrRequestMoot is delivered to a blocked exchange when its request is
// cancelled by session teardown.
var ErrRequestMoot = errors.New("permission request no longer applies")

type outcome struct {
	optionID string
	err      error
}

type pendingRequest struct {
	req     protocol.PermissionRequest
	agentID string
	ch      chan outcome
}

// Correlator matches asynchronous permission responses back to the
// requests that are blocked waiting for them. Each request resolves
// exactly once.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]*pendingRequest)}
}

// Register records an outstanding request and returns the channel its
// outcome will arrive on.
func (c *Correlator) Register(agentID string, req protocol.PermissionRequest) <-chan outcome {
	p := &pendingRequest{
		req:     req,
		agentID: agentID,
		ch:      make(chan outcome, 1),
	}
	c.mu.Lock()
	c.pending[req.RequestID] = p
	c.mu.Unlock()
	return p.ch
}

// Get returns the pending request for an id, if still outstanding.
func (c *Correlator) Get(requestID string) (protocol.PermissionRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[requestID]
	if !ok {
		return protocol.PermissionRequest{}, false
	}
	return p.req, true
}

// Resolve delivers an outcome to the blocked exchange and removes the
// request. Resolving an unknown or already-resolved id is a no-op and
// returns false.
func (c *Correlator) Resolve(requestID, optionID string, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.ch <- outcome{optionID: optionID, err: err}
	return true
}

// Remove drops a request without delivering anything. Used when the
// registering goroutine resolves the request itself.
func (c *Correlator) Remove(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// CancelAgent resolves every pending request of one agent with
// ErrRequestMoot and returns the cancelled requests.
func (c *Correlator) CancelAgent(agentID string) []protocol.PermissionRequest {
	c.mu.Lock()
	var cancelled []*pendingRequest
	for id, p := range c.pending {
		if p.agentID == agentID {
			cancelled = append(cancelled, p)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	reqs := make([]protocol.PermissionRequest, 0, len(cancelled))
	for _, p := range cancelled {
		p.ch <- outcome{err: ErrRequestMoot}
		reqs = append(reqs, p.req)
	}
	return reqs
}

// Len returns the number of outstanding requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
