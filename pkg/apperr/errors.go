// Package apperr defines the tagged error type shared by every layer of the
// bridge. Classification always goes through the Kind discriminant, never
// through the rendered message.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind discriminates the failure class of an Error.
type Kind string

const (
	KindValidation            Kind = "ValidationError"
	KindCredentials           Kind = "CredentialsError"
	KindEndpointResolution    Kind = "EndpointResolutionError"
	KindSigning               Kind = "SigningError"
	KindTransport             Kind = "TransportError"
	KindStreamTerminatedEarly Kind = "StreamTerminatedEarlyError"
	KindInternal              Kind = "InternalError"
)

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// Reason refines KindEndpointResolution.
type Reason string

const (
	ReasonNotFound         Reason = "NotFound"
	ReasonTransportFailure Reason = "TransportFailure"
)

// Error is the structured {kind, message, context} error passed upward by
// every component.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]string
	Err     error

	// StatusCode and Body are set for KindTransport when a response was read.
	StatusCode int
	Body       string

	// Reason is set for KindEndpointResolution.
	Reason Reason

	// Partial holds output delivered before a stream broke.
	Partial   string
	Truncated bool

	// Details lists individual validation violations.
	Details []string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString("(" + string(e.Reason) + ")")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if len(e.Details) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Details, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match against a bare Kind or another *Error of the same kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return t != nil && e.Kind == t.Kind && (t.Reason == "" || t.Reason == e.Reason)
	}
	return false
}

// With returns e with an additional context entry.
func (e *Error) With(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// Describe renders the message plus sorted context for humans.
func (e *Error) Describe() string {
	msg := e.Error()
	if len(e.Context) == 0 {
		return msg
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e.Context[k])
	}
	return msg + " [" + strings.Join(parts, " ") + "]"
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and message to err. An error that already carries an
// *Error in its chain is returned unchanged so the original classification
// survives propagation through outer layers.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the discriminant of err, or KindInternal for untagged errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Validation builds a KindValidation error from a list of violations.
func Validation(message string, details []string) *Error {
	return &Error{Kind: KindValidation, Message: message, Details: details}
}

// Transport builds a KindTransport error for a non-2xx response.
func Transport(status int, body string) *Error {
	return &Error{
		Kind:       KindTransport,
		Message:    "unexpected response status",
		StatusCode: status,
		Body:       body,
	}
}

// EndpointNotFound reports an absent stack output.
func EndpointNotFound(targetID, outputKey string) *Error {
	e := &Error{
		Kind:    KindEndpointResolution,
		Reason:  ReasonNotFound,
		Message: fmt.Sprintf("output %q not found on %q", outputKey, targetID),
	}
	return e.With("target", targetID).With("outputKey", outputKey)
}

// EndpointLookupFailed reports that the describe call itself failed.
func EndpointLookupFailed(targetID string, err error) *Error {
	e := &Error{
		Kind:    KindEndpointResolution,
		Reason:  ReasonTransportFailure,
		Message: fmt.Sprintf("describe %q failed", targetID),
		Err:     err,
	}
	return e.With("target", targetID)
}

// StreamTerminated reports a stream that closed without an end-of-input
// signal. The partial output is retained.
func StreamTerminated(partial string, err error) *Error {
	return &Error{
		Kind:      KindStreamTerminatedEarly,
		Message:   "stream closed before completion",
		Err:       err,
		Partial:   partial,
		Truncated: true,
	}
}
