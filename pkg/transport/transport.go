// Package transport executes a signed invocation request in one of two
// delivery models behind a single Invoker contract.
//
// Neither implementation retries. The retry budget for an invocation belongs
// to the caller that owns it.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/endpoint"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/signer"
)

// Request is a fully signed POST.
type Request struct {
	URL    string
	Header http.Header
	Body   []byte
}

// Result is the outcome of a successful invocation. For streaming it holds
// the concatenation of every delivered fragment.
type Result struct {
	Message   string
	Agent     string
	Fragments int
}

// FragmentFunc receives text in arrival order. Returning an error aborts the
// invocation.
type FragmentFunc func(fragment string) error

// Invoker is the transport contract shared by both delivery models.
type Invoker interface {
	Invoke(ctx context.Context, req *Request, onFragment FragmentFunc) (*Result, error)
}

// maxErrorBody bounds how much of a failed response is kept for diagnostics.
const maxErrorBody = 64 * 1024

// DefaultHTTPClient has no overall timeout: streams may run for minutes and
// deadlines come from the caller's context.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 5 * time.Minute,
		},
	}
}

// New returns the Invoker for mode.
func New(mode endpoint.Mode, client *http.Client) (Invoker, error) {
	switch mode {
	case endpoint.Buffered:
		return NewBuffered(client), nil
	case endpoint.Streaming:
		return NewStreaming(client), nil
	}
	return nil, fmt.Errorf("unsupported transport mode %q", mode)
}

func newHTTPRequest(ctx context.Context, req *Request, accept string) (*http.Request, error) {
	if req == nil {
		return nil, apperr.New(apperr.KindTransport, "nil request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, err, "build request")
	}
	if err := signer.Apply(httpReq, req.Header); err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, err, "apply headers")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", accept)
	}
	return httpReq, nil
}

func send(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		e := &apperr.Error{Kind: apperr.KindTransport, Message: "send request", Err: err}
		return nil, e.With("url", req.URL.Redacted())
	}
	return resp, nil
}

// statusError drains a bounded prefix of a non-2xx body into a TransportError.
func statusError(resp *http.Response) error {
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	}
	e := apperr.Transport(resp.StatusCode, string(body))
	if details := decodeErrorDetails(body); len(details) > 0 {
		e.Details = details
	}
	return e
}

func successful(code int) bool {
	return code >= 200 && code < 300
}
