// Package protocol defines the wire envelope exchanged between callers and the
// agent backend, and validates it at the trust boundary.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/session"
)

// AgentSetVersion identifies the current agent enumeration. Adding or removing
// a name bumps it.
const AgentSetVersion = "v1"

// AgentName is one of the fixed set of dispatchable agents.
type AgentName string

const (
	SupervisorAgent AgentName = "supervisorAgent"
	ComputeAgent    AgentName = "computeAgent"
	StorageAgent    AgentName = "storageAgent"
	PipelineAgent   AgentName = "pipelineAgent"
	LogsAgent       AgentName = "logsAgent"
)

// DefaultAgent handles invocations that name no agent.
const DefaultAgent = SupervisorAgent

var agentNames = []AgentName{SupervisorAgent, ComputeAgent, StorageAgent, PipelineAgent, LogsAgent}

// Agents returns the enumeration in declaration order.
func Agents() []AgentName {
	out := make([]AgentName, len(agentNames))
	copy(out, agentNames)
	return out
}

// Valid reports whether n belongs to the enumeration.
func (n AgentName) Valid() bool {
	for _, a := range agentNames {
		if a == n {
			return true
		}
	}
	return false
}

func (n AgentName) String() string { return string(n) }

// ParseAgentName converts and checks a caller-supplied name.
func ParseAgentName(s string) (AgentName, error) {
	n := AgentName(s)
	if !n.Valid() {
		return "", apperr.Validation("unknown agent", []string{fmt.Sprintf("agent: %q is not one of %s", s, joinAgents())})
	}
	return n, nil
}

// Response messages fixed by the wire contract.
const (
	InvalidRequestMessage = "Invalid request"
	InternalErrorMessage  = "Internal Server Error"
)

// Content types used by the two delivery modes.
const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain; charset=utf-8"
)

// MaxQueryLength bounds the query field.
const MaxQueryLength = 32 * 1024

// Request is the invocation envelope.
type Request struct {
	Query      string    `json:"query"`
	ThreadID   string    `json:"threadId"`
	ResourceID string    `json:"resourceId"`
	Agent      AgentName `json:"agent"`
}

// NewRequest builds the envelope for an identity.
func NewRequest(query string, id session.Context) Request {
	return Request{
		Query:      query,
		ThreadID:   id.ThreadID,
		ResourceID: id.ResourceID,
		Agent:      AgentName(id.Agent),
	}
}

// Reply is the buffered success body.
type Reply struct {
	Message string `json:"message"`
	Agent   string `json:"agent"`
}

// ValidationFailure is the HTTP 400 body.
type ValidationFailure struct {
	Message string   `json:"message"`
	Errors  []string `json:"errors"`
}

// InternalFailure is the HTTP 500 body.
type InternalFailure struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Decode reads one envelope from r. Malformed JSON, unknown fields and
// trailing data are validation errors.
func Decode(r io.Reader) (Request, error) {
	var req Request
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return Request{}, apperr.Validation(InvalidRequestMessage, []string{"body: " + err.Error()})
	}
	if dec.More() {
		return Request{}, apperr.Validation(InvalidRequestMessage, []string{"body: unexpected data after envelope"})
	}
	return req, nil
}

// Encode renders the envelope as a request body.
func (r Request) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Validate collects every violation of the envelope contract. A nil return
// means the request may be dispatched.
func (r Request) Validate() error {
	var problems []string

	if r.Query == "" {
		problems = append(problems, "query: must not be empty")
	} else if len(r.Query) > MaxQueryLength {
		problems = append(problems, fmt.Sprintf("query: exceeds %d bytes", MaxQueryLength))
	}

	if !r.Agent.Valid() {
		problems = append(problems, fmt.Sprintf("agent: %q is not one of %s", r.Agent, joinAgents()))
	}

	agent, sessionID, ok := session.SplitThreadID(r.ThreadID)
	switch {
	case r.ThreadID == "":
		problems = append(problems, "threadId: must not be empty")
	case !ok:
		problems = append(problems, "threadId: must have the form <agent>::<sessionId>")
	default:
		if agent != string(r.Agent) {
			problems = append(problems, fmt.Sprintf("threadId: namespaced to %q but agent is %q", agent, r.Agent))
		}
		if err := session.ValidateID(sessionID); err != nil {
			problems = append(problems, "threadId: "+err.Error())
		}
	}

	if r.ResourceID == "" {
		problems = append(problems, "resourceId: must not be empty")
	} else if ok && r.ResourceID != session.ResourceID(sessionID) {
		problems = append(problems, "resourceId: does not match threadId session")
	}

	if len(problems) > 0 {
		return apperr.Validation(InvalidRequestMessage, problems)
	}
	return nil
}

func joinAgents() string {
	names := make([]string, len(agentNames))
	for i, a := range agentNames {
		names[i] = string(a)
	}
	return "[" + strings.Join(names, ", ") + "]"
}
