// Package bridge is the caller-facing side of an agent invocation. One call
// to Client.Invoke derives the session identity, fetches credentials, resolves
// and signs against the agent endpoint, and relays the answer in the selected
// delivery mode.
package bridge

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"time"

	tracing "github.com/ExtendOSS/serverless-agent-pattern/internal/observability"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/config"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/credentials"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/endpoint"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/observability"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/protocol"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/session"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/signer"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/transport"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
)

// Options describes one invocation. Empty fields take the client defaults.
type Options struct {
	Query            string
	Profile          string
	Agent            string
	TargetID         string
	Region           string
	SessionID        string
	EndpointOverride string
	Mode             endpoint.Mode
	// OnFragment receives output as it arrives. In buffered mode it is called
	// once with the whole answer.
	OnFragment func(fragment string) error
}

// Response is the result of an invocation. SessionID is always set, also
// when it was generated, so the next call can resume the same thread.
type Response struct {
	Output    string
	SessionID string
	Agent     string
	// Truncated is set when a stream broke before completion. Output then
	// holds everything received up to the break.
	Truncated bool
}

// Defaults are applied to empty Options fields.
type Defaults struct {
	Profile           string
	Agent             string
	TargetID          string
	Region            string
	Service           string
	Mode              endpoint.Mode
	EndpointOverride  string
	BufferedOutputKey string
	StreamOutputKey   string
	// MaxAttempts bounds tries per invocation, including the first.
	MaxAttempts int
}

// DefaultsFromConfig converts the client section of the configuration.
func DefaultsFromConfig(c config.ClientConfig) Defaults {
	mode, err := endpoint.ParseMode(c.Mode)
	if err != nil {
		mode = endpoint.Streaming
	}
	return Defaults{
		Profile:           c.Profile,
		Agent:             c.Agent,
		TargetID:          c.TargetID,
		Region:            c.Region,
		Service:           c.Service,
		Mode:              mode,
		EndpointOverride:  c.EndpointURL,
		BufferedOutputKey: c.BufferedOutputKey,
		StreamOutputKey:   c.StreamOutputKey,
		MaxAttempts:       c.MaxAttempts,
	}
}

// Client invokes remote agents. It is safe for concurrent use; the only
// state shared between invocations is the endpoint cache.
type Client struct {
	creds      credentials.Resolver
	endpoints  *endpoint.Cache
	signer     *signer.Signer
	httpClient *http.Client
	defaults   Defaults
	newBackOff func() backoff.BackOff
	invokers   map[endpoint.Mode]transport.Invoker
}

// Option configures a Client.
type Option func(*Client)

// WithCredentials sets the credential resolver.
func WithCredentials(r credentials.Resolver) Option {
	return func(c *Client) { c.creds = r }
}

// WithLookup sets the stack output lookup used when no override is given.
func WithLookup(l endpoint.Lookup) Option {
	return func(c *Client) { c.endpoints = endpoint.NewCache(endpoint.NewResolver(l)) }
}

// WithSigner sets the request signer.
func WithSigner(s *signer.Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithHTTPClient sets the HTTP client shared by both transports.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithDefaults sets the values used for empty Options fields.
func WithDefaults(d Defaults) Option {
	return func(c *Client) { c.defaults = d }
}

// WithBackOff sets the delay policy between attempts.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

// NewClient creates a client. Without options it resolves credentials from
// the shared AWS configuration and endpoints from stack outputs.
func NewClient(opts ...Option) *Client {
	c := &Client{
		defaults: Defaults{
			Agent:       string(protocol.DefaultAgent),
			Service:     endpoint.DefaultService,
			Mode:        endpoint.Streaming,
			MaxAttempts: 1,
		},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.creds == nil {
		c.creds = credentials.NewProfileResolver(c.defaults.Region)
	}
	if c.endpoints == nil {
		c.endpoints = endpoint.NewCache(endpoint.NewResolver(endpoint.NewCloudFormationLookup()))
	}
	if c.signer == nil {
		c.signer = signer.New()
	}
	if c.httpClient == nil {
		c.httpClient = transport.DefaultHTTPClient()
	}
	c.invokers = map[endpoint.Mode]transport.Invoker{
		endpoint.Buffered:  transport.NewBuffered(c.httpClient),
		endpoint.Streaming: transport.NewStreaming(c.httpClient),
	}
	return c
}

// NewClientFromConfig creates a client with the configured defaults.
func NewClientFromConfig(cfg config.ClientConfig, opts ...Option) *Client {
	return NewClient(append([]Option{WithDefaults(DefaultsFromConfig(cfg))}, opts...)...)
}

// Defaults returns the client defaults.
func (c *Client) Defaults() Defaults { return c.defaults }

// Invoke runs one invocation. On failure the error is an *apperr.Error and
// the returned Response, when non-nil, still carries the session id and any
// partial output.
func (c *Client) Invoke(ctx context.Context, o Options) (resp *Response, err error) {
	o = c.withDefaults(o)

	ctx, span := tracing.StartSpan(ctx, tracing.SpanInvoke,
		attribute.String("agent", o.Agent),
		attribute.String("mode", string(o.Mode)),
		attribute.Bool("endpoint.override", o.EndpointOverride != ""),
	)
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = string(apperr.KindOf(err))
		}
		observability.RecordInvocation(o.Agent, string(o.Mode), status, time.Since(start))
		tracing.EndSpan(span, err)
	}()

	id, err := c.identity(o)
	if err != nil {
		return nil, err
	}
	resp = &Response{SessionID: id.SessionID, Agent: id.Agent}
	span.SetAttributes(attribute.String("thread.id", id.ThreadID))

	creds, err := c.creds.Resolve(ctx, o.Profile)
	if err != nil {
		return resp, apperr.Wrap(apperr.KindCredentials, err, "resolve credentials")
	}

	ep, err := c.endpoints.Resolve(ctx, endpoint.Target{
		Mode:      o.Mode,
		Override:  o.EndpointOverride,
		TargetID:  o.TargetID,
		OutputKey: c.outputKey(o.Mode),
		Region:    o.Region,
		Service:   c.defaults.Service,
	}, creds)
	if err != nil {
		return resp, err
	}

	body, err := protocol.NewRequest(o.Query, id).Encode()
	if err != nil {
		return resp, apperr.Wrap(apperr.KindInternal, err, "encode envelope")
	}

	result, err := c.send(ctx, o, ep, creds, body)
	if result != nil {
		resp.Output = result.Message
		if result.Agent != "" {
			resp.Agent = result.Agent
		}
	}
	if err != nil {
		if e, ok := apperr.As(err); ok && e.Kind == apperr.KindStreamTerminatedEarly {
			resp.Output = e.Partial
			resp.Truncated = true
		}
		return resp, err
	}
	return resp, nil
}

func (c *Client) withDefaults(o Options) Options {
	d := c.defaults
	if o.Profile == "" {
		o.Profile = d.Profile
	}
	if o.Agent == "" {
		o.Agent = d.Agent
	}
	if o.TargetID == "" {
		o.TargetID = d.TargetID
	}
	if o.Region == "" {
		o.Region = d.Region
	}
	if o.EndpointOverride == "" {
		o.EndpointOverride = d.EndpointOverride
	}
	if o.Mode == "" {
		o.Mode = d.Mode
	}
	if o.Agent == "" {
		o.Agent = string(protocol.DefaultAgent)
	}
	if o.Mode == "" {
		o.Mode = endpoint.Streaming
	}
	return o
}

func (c *Client) outputKey(mode endpoint.Mode) string {
	if mode == endpoint.Streaming {
		return c.defaults.StreamOutputKey
	}
	return c.defaults.BufferedOutputKey
}

// identity validates the caller's input before anything leaves the process.
func (c *Client) identity(o Options) (session.Context, error) {
	var problems []string
	if o.Query == "" {
		problems = append(problems, "query: must not be empty")
	}
	if _, err := protocol.ParseAgentName(o.Agent); err != nil {
		problems = append(problems, "agent: "+err.Error())
	}
	if _, ok := c.invokers[o.Mode]; !ok {
		problems = append(problems, "mode: unsupported mode "+string(o.Mode))
	}
	if o.SessionID != "" {
		if err := session.ValidateID(o.SessionID); err != nil {
			problems = append(problems, "sessionId: "+err.Error())
		}
	}
	if len(problems) > 0 {
		return session.Context{}, apperr.Validation(protocol.InvalidRequestMessage, problems)
	}

	id, err := session.New(o.Agent, o.SessionID)
	if err != nil {
		return session.Context{}, apperr.Wrap(apperr.KindValidation, err, "session identity")
	}
	return id, nil
}

// send signs and executes the request under the retry budget. An attempt is
// retried only when it failed before any fragment reached the caller and the
// failure is transient.
func (c *Client) send(ctx context.Context, o Options, ep endpoint.Endpoint, creds aws.Credentials, body []byte) (*transport.Result, error) {
	inv := c.invokers[ep.Mode]

	u, err := url.Parse(ep.URL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEndpointResolution, err, "parse endpoint")
	}

	var last *transport.Result
	attempt := 0
	operation := func() (*transport.Result, error) {
		attempt++
		delivered := false

		header := http.Header{}
		header.Set("Content-Type", protocol.ContentTypeJSON)
		header.Set(signer.HeaderHost, u.Host)
		signed, err := c.signer.Sign(ctx, signer.Request{
			Method: http.MethodPost,
			URL:    ep.URL,
			Header: header,
			Body:   body,
		}, ep.Region, ep.Service, creds)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		var onFragment transport.FragmentFunc
		if o.OnFragment != nil {
			onFragment = func(f string) error {
				delivered = true
				return o.OnFragment(f)
			}
		} else {
			onFragment = func(string) error {
				delivered = true
				return nil
			}
		}

		res, err := inv.Invoke(ctx, &transport.Request{URL: ep.URL, Header: signed, Body: body}, onFragment)
		last = res
		if err == nil {
			return res, nil
		}
		if delivered || !retryable(ctx, err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	maxTries := c.defaults.MaxAttempts
	if maxTries < 1 {
		maxTries = 1
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			observability.RecordRetry(o.Agent, string(ep.Mode))
			log.Printf("bridge: attempt %d for %s failed, retrying in %s: %v", attempt, o.Agent, next, err)
		}),
	)
	if err != nil {
		// The last attempt can come back still wrapped as permanent.
		if e, ok := apperr.As(err); ok {
			return last, e
		}
		return last, apperr.Wrap(apperr.KindTransport, err, "invoke")
	}
	return res, nil
}

// retryable reports whether a failed attempt may be repeated: connection
// failures and 429/5xx responses. Caller cancellation is final.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	e, ok := apperr.As(err)
	if !ok || e.Kind != apperr.KindTransport {
		return false
	}
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}
