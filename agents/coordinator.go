package agents

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/dispatch"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/session"
	"golang.org/x/sync/errgroup"
)

// Finding is one member's contribution to a coordinated answer.
type Finding struct {
	Agent    string
	Answer   string
	Err      error
	Duration time.Duration
}

// Coordinator asks every member in parallel, each on its own thread of the
// caller's session, then synthesizes one answer through its own agent.
type Coordinator struct {
	self     *Agent
	members  []*Agent
	parallel int
}

// NewCoordinator creates a coordinator. parallel <= 0 asks all members at
// once.
func NewCoordinator(self *Agent, members []*Agent, parallel int) *Coordinator {
	return &Coordinator{self: self, members: members, parallel: parallel}
}

// Generate implements dispatch.Target.
func (c *Coordinator) Generate(ctx context.Context, call dispatch.Call) (string, error) {
	findings, err := c.gather(ctx, call)
	if err != nil {
		return "", err
	}
	return c.self.answer(ctx, call, synthesisPrompt(call.Query, findings), nil, true)
}

// Stream implements dispatch.Target. Members answer in full first; only the
// synthesis is streamed.
func (c *Coordinator) Stream(ctx context.Context, call dispatch.Call, fn func(string) error) error {
	findings, err := c.gather(ctx, call)
	if err != nil {
		return err
	}
	_, err = c.self.answer(ctx, call, synthesisPrompt(call.Query, findings), fn, true)
	return err
}

// gather fans the query out. A failing member is reported in its finding;
// the call fails only when every member failed.
func (c *Coordinator) gather(ctx context.Context, call dispatch.Call) ([]Finding, error) {
	sid := call.SessionID()
	if sid == "" {
		return nil, dispatch.ErrIdentityMismatch
	}

	findings := make([]Finding, len(c.members))
	g, gctx := errgroup.WithContext(ctx)
	if c.parallel > 0 {
		g.SetLimit(c.parallel)
	}

	for i, m := range c.members {
		g.Go(func() error {
			start := time.Now()
			memberCall := dispatch.Call{
				Query:      call.Query,
				ThreadID:   session.ThreadID(string(m.Name()), sid),
				ResourceID: call.ResourceID,
			}
			answer, err := m.consult(gctx, memberCall)
			findings[i] = Finding{Agent: string(m.Name()), Answer: answer, Err: err, Duration: time.Since(start)}
			if err != nil {
				log.Printf("coordinator: member %s failed on %s: %v", m.Name(), memberCall.ThreadID, err)
			}
			// Member failures are carried in the findings.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var errs []error
	for _, f := range findings {
		if f.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Agent, f.Err))
		}
	}
	if len(c.members) > 0 && len(errs) == len(c.members) {
		return nil, fmt.Errorf("all %d agents failed: %w", len(errs), errors.Join(errs...))
	}
	return findings, nil
}

func synthesisPrompt(query string, findings []Finding) string {
	var b strings.Builder
	b.WriteString(query)
	if len(findings) == 0 {
		return b.String()
	}
	b.WriteString("\n\nFindings from specialist agents:\n")
	for _, f := range findings {
		if f.Err != nil {
			fmt.Fprintf(&b, "- %s: unavailable\n", f.Agent)
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", f.Agent, strings.TrimSpace(f.Answer))
	}
	return b.String()
}
