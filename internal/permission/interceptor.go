package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/acplink/acplink/internal/event"
	"github.com/acplink/acplink/internal/grant"
	"github.com/acplink/acplink/internal/logging"
	"github.com/acplink/acplink/internal/protocol"
)

// Interceptor sits between the agent's permission callback and the
// user-facing surface. Stored grants short-circuit the dialog; everything
// else is forwarded over the event bus and resolved via Respond.
type Interceptor struct {
	grants  *grant.Store
	bus     *event.Bus
	project string
	corr    *Correlator
	log     zerolog.Logger
}

// NewInterceptor creates an interceptor scoped to one project path.
func NewInterceptor(grants *grant.Store, bus *event.Bus, projectPath string) *Interceptor {
	return &Interceptor{
		grants:  grants,
		bus:     bus,
		project: grant.NormalizeProject(projectPath),
		corr:    NewCorrelator(),
		log:     logging.Component("permission"),
	}
}

// Correlator exposes the pending-request map, mainly for tests and status
// endpoints.
func (i *Interceptor) Correlator() *Correlator {
	return i.corr
}

// ForAgent adapts the interceptor to a protocol permission handler bound
// to one agent id.
func (i *Interceptor) ForAgent(agentID string) protocol.PermissionFunc {
	return func(req protocol.PermissionRequest) (string, error) {
		return i.HandleRequest(context.Background(), agentID, req)
	}
}

// HandleRequest processes one permission ask. It either auto-resolves from
// a stored grant or blocks until the user's choice arrives via Respond (or
// the request is cancelled). The returned option id answers the protocol
// exchange.
func (i *Interceptor) HandleRequest(ctx context.Context, agentID string, req protocol.PermissionRequest) (string, error) {
	if req.RequestID == "" {
		req.RequestID = ulid.Make().String()
	}
	if req.ToolTitle == "" && req.RawCommand != "" {
		req.ToolTitle = SummarizeCommand(req.RawCommand)
	}

	ch := i.corr.Register(agentID, req)

	g, err := i.grants.Get(ctx, i.project, string(req.ToolKind))
	switch {
	case err == nil:
		if opt, ok := matchOption(req.Options, g.Granted); ok {
			i.corr.Remove(req.RequestID)
			i.log.Debug().
				Str("requestID", req.RequestID).
				Str("toolKind", string(req.ToolKind)).
				Bool("granted", g.Granted).
				Msg("auto-resolved from stored grant")
			i.bus.Publish(event.Event{Type: event.PermissionResolved, Data: event.PermissionResolvedData{
				RequestID: req.RequestID,
				OptionID:  opt.OptionID,
				Auto:      true,
			}})
			return opt.OptionID, nil
		}
		// The request offers no option of the grant's polarity; ask the
		// user rather than guess.
	case errors.Is(err, grant.ErrNotFound):
		// No stored decision; ask the user.
	default:
		i.log.Warn().Err(err).Str("toolKind", string(req.ToolKind)).Msg("grant lookup failed, forwarding to user")
	}

	i.bus.Publish(event.Event{Type: event.PermissionRequired, Data: requiredData(agentID, req)})

	select {
	case <-ctx.Done():
		i.corr.Remove(req.RequestID)
		return "", ctx.Err()
	case out := <-ch:
		return out.optionID, out.err
	}
}

// Respond handles the user's choice for a pending request. A stale
// requestID (session torn down, duplicate response) is logged and dropped.
// A grant persistence failure does not block the response reaching the
// agent; it is returned so the surface can report that the "always" choice
// may not survive a restart.
func (i *Interceptor) Respond(ctx context.Context, requestID, optionID string) error {
	req, ok := i.corr.Get(requestID)
	if !ok {
		i.log.Debug().Str("requestID", requestID).Msg("response for unknown request, dropping")
		return nil
	}

	var persistErr error
	if opt := findOption(req.Options, optionID); opt != nil && opt.Kind.Always() {
		saved, err := i.grants.Upsert(ctx, grant.Grant{
			ProjectPath: i.project,
			ToolKind:    string(req.ToolKind),
			ToolTitle:   req.ToolTitle,
			Granted:     opt.Kind.Allows(),
		})
		if err != nil {
			persistErr = fmt.Errorf("persist %s decision for %s: %w", opt.Kind, req.ToolKind, err)
			i.log.Error().Err(err).Str("toolKind", string(req.ToolKind)).Msg("grant persistence failed, resolving in-memory")
		} else {
			i.bus.Publish(event.Event{Type: event.GrantChanged, Data: event.GrantChangedData{
				ProjectPath: saved.ProjectPath,
				ToolKind:    saved.ToolKind,
				Granted:     &saved.Granted,
			}})
		}
	}

	i.corr.Resolve(requestID, optionID, nil)
	i.bus.Publish(event.Event{Type: event.PermissionResolved, Data: event.PermissionResolvedData{
		RequestID: requestID,
		OptionID:  optionID,
	}})
	return persistErr
}

// CancelAgent drops every pending request of an agent, telling both the
// blocked exchanges and the user-facing surface that they are moot.
func (i *Interceptor) CancelAgent(agentID string) {
	for _, req := range i.corr.CancelAgent(agentID) {
		i.bus.Publish(event.Event{Type: event.PermissionMoot, Data: event.PermissionMootData{
			RequestID: req.RequestID,
			AgentID:   agentID,
		}})
	}
}

// matchOption picks the option matching a grant's polarity, preferring the
// always variant over the once variant. ok is false when the option set
// has no option of that polarity.
func matchOption(options []protocol.PermissionOption, granted bool) (protocol.PermissionOption, bool) {
	var once *protocol.PermissionOption
	for idx := range options {
		opt := options[idx]
		if opt.Kind.Allows() != granted {
			continue
		}
		if opt.Kind.Always() {
			return opt, true
		}
		if once == nil {
			once = &options[idx]
		}
	}
	if once != nil {
		return *once, true
	}
	return protocol.PermissionOption{}, false
}

func findOption(options []protocol.PermissionOption, optionID string) *protocol.PermissionOption {
	for idx := range options {
		if options[idx].OptionID == optionID {
			return &options[idx]
		}
	}
	return nil
}

func requiredData(agentID string, req protocol.PermissionRequest) event.PermissionRequiredData {
	opts := make([]event.PermissionOption, 0, len(req.Options))
	for _, o := range req.Options {
		opts = append(opts, event.PermissionOption{OptionID: o.OptionID, Kind: string(o.Kind)})
	}
	return event.PermissionRequiredData{
		RequestID: req.RequestID,
		AgentID:   agentID,
		ToolKind:  string(req.ToolKind),
		ToolTitle: req.ToolTitle,
		Options:   opts,
	}
}
