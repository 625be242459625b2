// Package session derives the identifiers that tie independent invocations
// into one conversation.
//
// A session id is caller-facing and stable across invocations. Each named
// agent sees its own thread for that session:
//
//	threadId   = agentName + "::" + sessionId
//	resourceId = "resource::" + sessionId
//
// Session ids are restricted to [A-Za-z0-9_-] so the separator can never
// appear inside one, which keeps ThreadID injective and SplitThreadID exact.
package session

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Separator joins the agent name and session id in a thread id.
const Separator = "::"

// MaxIDLength bounds caller-supplied session ids.
const MaxIDLength = 128

const resourcePrefix = "resource" + Separator

var (
	idPattern    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	agentPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
)

// Context is the per-invocation identity. It is passed by value.
type Context struct {
	SessionID  string
	Agent      string
	ThreadID   string
	ResourceID string
}

// GenerateID returns a new random session id (UUID v4, URL-safe).
func GenerateID() string {
	return uuid.New().String()
}

// ValidateID checks a caller-supplied session id against the safe alphabet.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("session id is empty")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("session id exceeds %d characters", MaxIDLength)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("session id %q contains characters outside [A-Za-z0-9_-]", id)
	}
	return nil
}

// ValidateAgentName checks that an agent name can be namespaced safely.
func ValidateAgentName(name string) error {
	if !agentPattern.MatchString(name) {
		return fmt.Errorf("agent name %q is not a valid identifier", name)
	}
	return nil
}

// ThreadID namespaces a session id by agent name.
func ThreadID(agent, sessionID string) string {
	return agent + Separator + sessionID
}

// SplitThreadID recovers the (agent, sessionID) pair by splitting on the
// first separator.
func SplitThreadID(threadID string) (agent, sessionID string, ok bool) {
	agent, sessionID, ok = strings.Cut(threadID, Separator)
	if !ok || agent == "" || sessionID == "" {
		return "", "", false
	}
	return agent, sessionID, true
}

// ResourceID is the agent-independent owner key for a session.
func ResourceID(sessionID string) string {
	return resourcePrefix + sessionID
}

// New validates the inputs and builds the identity for one invocation. An
// empty sessionID is replaced with a generated one.
func New(agent, sessionID string) (Context, error) {
	if err := ValidateAgentName(agent); err != nil {
		return Context{}, err
	}
	if sessionID == "" {
		sessionID = GenerateID()
	} else if err := ValidateID(sessionID); err != nil {
		return Context{}, err
	}
	return Context{
		SessionID:  sessionID,
		Agent:      agent,
		ThreadID:   ThreadID(agent, sessionID),
		ResourceID: ResourceID(sessionID),
	}, nil
}

// ForAgent returns the identity of the same session as seen by another agent.
func (c Context) ForAgent(agent string) Context {
	return Context{
		SessionID:  c.SessionID,
		Agent:      agent,
		ThreadID:   ThreadID(agent, c.SessionID),
		ResourceID: c.ResourceID,
	}
}
