// Package signer authenticates invocation requests with AWS Signature
// Version 4.
package signer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// Header names set by Sign.
const (
	HeaderHost          = "Host"
	HeaderAuthorization = "Authorization"
	HeaderDate          = "X-Amz-Date"
	HeaderSecurityToken = "X-Amz-Security-Token"
	HeaderContentSHA256 = "X-Amz-Content-Sha256"
)

// Request is the input to Sign. Header may be nil.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Signer computes SigV4 headers. It holds no state besides its clock, so
// identical inputs at the same instant always produce the same signature.
type Signer struct {
	now    func() time.Time
	signer *v4.Signer
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// New creates a Signer.
func New(opts ...Option) *Signer {
	s := &Signer{
		now:    time.Now,
		signer: v4.NewSigner(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign returns r.Header augmented with the authentication headers. The Host
// header is always present in the result even though net/http transmits it
// from the request URL, because some execution hosts strip it before the
// signature is checked.
func (s *Signer) Sign(ctx context.Context, r Request, region, service string, creds aws.Credentials) (http.Header, error) {
	if region == "" || service == "" {
		return nil, apperr.New(apperr.KindSigning, "region and service are required")
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, apperr.New(apperr.KindSigning, "credentials are incomplete")
	}

	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSigning, err, "parse url")
	}
	if u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, apperr.New(apperr.KindSigning, "url %q must be absolute http(s)", r.URL)
	}

	method := r.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(r.Body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSigning, err, "build request")
	}

	header := make(http.Header, len(r.Header)+5)
	for k, v := range r.Header {
		header[k] = append([]string(nil), v...)
	}
	host := header.Get(HeaderHost)
	if host == "" {
		host = u.Host
	}
	// The signer reads the host from req.Host; a Host entry in the header map
	// would be signed twice.
	header.Del(HeaderHost)
	req.Header = header
	req.Host = host

	payloadHash := HashPayload(r.Body)
	req.Header.Set(HeaderContentSHA256, payloadHash)

	if err := s.signer.SignHTTP(ctx, creds, req, payloadHash, service, region, s.now().UTC()); err != nil {
		return nil, apperr.Wrap(apperr.KindSigning, err, "sign request")
	}

	out := req.Header.Clone()
	out.Set(HeaderHost, host)
	return out, nil
}

// HashPayload is the lowercase hex SHA-256 of body.
func HashPayload(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Apply copies signed headers onto an outgoing request, moving Host into
// req.Host where net/http expects it.
func Apply(req *http.Request, signed http.Header) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	for k, v := range signed {
		if http.CanonicalHeaderKey(k) == HeaderHost {
			if len(v) > 0 {
				req.Host = v[0]
			}
			continue
		}
		req.Header[k] = append([]string(nil), v...)
	}
	return nil
}
