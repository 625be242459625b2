// Package endpoint turns a logical invocation target into a concrete URL.
//
// An explicit override always wins and skips the infrastructure lookup
// entirely. Otherwise the URL is read from a deployed stack's outputs. The
// lookup is idempotent but not deduplicated here; Cache provides the
// process-lifetime memoization callers are expected to use.
package endpoint

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
	"github.com/aws/aws-sdk-go-v2/aws"
)

// Mode selects the delivery model of an endpoint.
type Mode string

const (
	Buffered  Mode = "buffered"
	Streaming Mode = "streaming"
)

// ParseMode accepts the configured spelling of a mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case Buffered, "sync", "json":
		return Buffered, nil
	case Streaming, "stream":
		return Streaming, nil
	}
	return "", fmt.Errorf("unknown mode %q (want %q or %q)", s, Buffered, Streaming)
}

// DefaultService is the SigV4 service name for function URLs.
const DefaultService = "lambda"

// Endpoint is a resolved invocation target. Treat it as immutable.
type Endpoint struct {
	Mode    Mode
	URL     string
	Region  string
	Service string
}

// Target describes what to resolve.
type Target struct {
	Mode      Mode
	Override  string
	TargetID  string
	OutputKey string
	Region    string
	Service   string
}

func (t Target) service() string {
	if t.Service != "" {
		return t.Service
	}
	return DefaultService
}

// Lookup reads one output value of a deployed stack. found is false when the
// stack exists but has no such output.
type Lookup interface {
	LookupStackOutput(ctx context.Context, targetID, outputKey, region string, creds aws.Credentials) (value string, found bool, err error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, targetID, outputKey, region string, creds aws.Credentials) (string, bool, error)

// LookupStackOutput calls f.
func (f LookupFunc) LookupStackOutput(ctx context.Context, targetID, outputKey, region string, creds aws.Credentials) (string, bool, error) {
	return f(ctx, targetID, outputKey, region, creds)
}

// Resolver applies override precedence on top of a Lookup.
type Resolver struct {
	lookup Lookup
}

// NewResolver creates a Resolver. lookup may be nil when only overrides are
// used.
func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve returns the endpoint for t. When t.Override is set the lookup is not
// called.
func (r *Resolver) Resolve(ctx context.Context, t Target, creds aws.Credentials) (Endpoint, error) {
	ep := Endpoint{Mode: t.Mode, Region: t.Region, Service: t.service()}

	if t.Override != "" {
		if err := checkURL(t.Override); err != nil {
			return Endpoint{}, err
		}
		ep.URL = t.Override
		return ep, nil
	}

	if r.lookup == nil {
		return Endpoint{}, apperr.New(apperr.KindEndpointResolution, "no override and no lookup configured")
	}
	if t.TargetID == "" || t.OutputKey == "" {
		return Endpoint{}, apperr.New(apperr.KindEndpointResolution, "target id and output key are required")
	}

	value, found, err := r.lookup.LookupStackOutput(ctx, t.TargetID, t.OutputKey, t.Region, creds)
	if err != nil {
		// Lookups that classify their own failures keep that classification;
		// anything else means the describe call itself failed.
		if e, ok := apperr.As(err); ok {
			return Endpoint{}, e
		}
		return Endpoint{}, apperr.EndpointLookupFailed(t.TargetID, err).With("outputKey", t.OutputKey)
	}
	if !found || value == "" {
		return Endpoint{}, apperr.EndpointNotFound(t.TargetID, t.OutputKey)
	}
	if err := checkURL(value); err != nil {
		return Endpoint{}, err
	}

	ep.URL = value
	return ep, nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return apperr.New(apperr.KindEndpointResolution, "endpoint %q is not an absolute http(s) url", raw)
	}
	return nil
}
