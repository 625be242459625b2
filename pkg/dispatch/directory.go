// Package dispatch routes a validated envelope to the agent that serves it.
//
// Validation of the agent name happens before dispatch. The directory still
// checks that the thread and resource ids are the ones derived for the named
// agent, because a miscomputed identity would mix memory across agents.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	tracing "github.com/ExtendOSS/serverless-agent-pattern/internal/observability"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/observability"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/protocol"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/session"
	"go.opentelemetry.io/otel/attribute"
)

// ErrIdentityMismatch reports a call whose thread or resource id was not
// derived from its agent name and session.
var ErrIdentityMismatch = errors.New("thread identity does not match agent")

// ErrUnknownTarget reports an agent name with no registered target.
var ErrUnknownTarget = errors.New("no target registered for agent")

// Call is what a target receives. ThreadID is already namespaced to the
// target's agent name.
type Call struct {
	Query      string
	ThreadID   string
	ResourceID string
}

// SessionID recovers the caller's session from the thread id.
func (c Call) SessionID() string {
	_, sid, _ := session.SplitThreadID(c.ThreadID)
	return sid
}

// Target is a single agent or a coordinator. Both surfaces are served by
// every target.
type Target interface {
	Generate(ctx context.Context, call Call) (string, error)
	Stream(ctx context.Context, call Call, fn func(chunk string) error) error
}

// Directory maps every enumerated agent name to its target.
type Directory struct {
	targets map[protocol.AgentName]Target
}

// NewDirectory requires a target for each name in protocol.Agents so that no
// validated name can miss at dispatch time.
func NewDirectory(targets map[protocol.AgentName]Target) (*Directory, error) {
	dir := &Directory{targets: make(map[protocol.AgentName]Target, len(targets))}
	for _, name := range protocol.Agents() {
		t, ok := targets[name]
		if !ok || t == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
		}
		dir.targets[name] = t
	}
	return dir, nil
}

// Agents lists the names served.
func (d *Directory) Agents() []protocol.AgentName {
	return protocol.Agents()
}

// Dispatch answers req in one piece.
func (d *Directory) Dispatch(ctx context.Context, req protocol.Request) (reply protocol.Reply, err error) {
	target, call, err := d.route(req)
	if err != nil {
		return protocol.Reply{}, err
	}

	ctx, span := tracing.StartSpan(ctx, tracing.SpanDispatch,
		attribute.String("agent", string(req.Agent)),
		attribute.String("mode", "buffered"),
		attribute.String("thread.id", call.ThreadID),
	)
	start := time.Now()
	defer func() {
		observability.RecordDispatch(string(req.Agent), "buffered", status(err), time.Since(start))
		tracing.EndSpan(span, err)
	}()

	msg, err := target.Generate(ctx, call)
	if err != nil {
		return protocol.Reply{}, apperr.Wrap(apperr.KindInternal, err, "%s failed", req.Agent)
	}
	return protocol.Reply{Message: msg, Agent: string(req.Agent)}, nil
}

// DispatchStream answers req incrementally through fn.
func (d *Directory) DispatchStream(ctx context.Context, req protocol.Request, fn func(chunk string) error) (err error) {
	target, call, err := d.route(req)
	if err != nil {
		return err
	}

	ctx, span := tracing.StartSpan(ctx, tracing.SpanDispatch,
		attribute.String("agent", string(req.Agent)),
		attribute.String("mode", "streaming"),
		attribute.String("thread.id", call.ThreadID),
	)
	start := time.Now()
	defer func() {
		observability.RecordDispatch(string(req.Agent), "streaming", status(err), time.Since(start))
		tracing.EndSpan(span, err)
	}()

	if err := target.Stream(ctx, call, fn); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "%s failed", req.Agent)
	}
	return nil
}

func (d *Directory) route(req protocol.Request) (Target, Call, error) {
	target, ok := d.targets[req.Agent]
	if !ok {
		e := &apperr.Error{Kind: apperr.KindInternal, Message: "dispatch", Err: ErrUnknownTarget}
		return nil, Call{}, e.With("agent", string(req.Agent))
	}

	agent, sid, ok := session.SplitThreadID(req.ThreadID)
	if !ok || agent != string(req.Agent) || req.ResourceID != session.ResourceID(sid) {
		e := &apperr.Error{Kind: apperr.KindInternal, Message: "dispatch", Err: ErrIdentityMismatch}
		return nil, Call{}, e.With("agent", string(req.Agent)).With("threadId", req.ThreadID)
	}

	return target, Call{Query: req.Query, ThreadID: req.ThreadID, ResourceID: req.ResourceID}, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
