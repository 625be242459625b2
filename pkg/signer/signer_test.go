package signer

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	fixedTime = time.Date(2024, 3, 14, 15, 9, 26, 0, time.UTC)
	testCreds = aws.Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY"}
)

const testURL = "https://abc123.lambda-url.us-east-1.on.aws/"

func newTestSigner() *Signer {
	return New(WithClock(func() time.Time { return fixedTime }))
}

func baseRequest() Request {
	return Request{
		Method: http.MethodPost,
		URL:    testURL,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(`{"query":"hi"}`),
	}
}

func TestSign_Deterministic(t *testing.T) {
	s := newTestSigner()

	first, err := s.Sign(context.Background(), baseRequest(), "us-east-1", "lambda", testCreds)
	require.NoError(t, err)
	second, err := s.Sign(context.Background(), baseRequest(), "us-east-1", "lambda", testCreds)
	require.NoError(t, err)

	assert.Equal(t, first.Get(HeaderAuthorization), second.Get(HeaderAuthorization))
	assert.Equal(t, "20240314T150926Z", first.Get(HeaderDate))
}

func TestSign_Headers(t *testing.T) {
	s := newTestSigner()

	h, err := s.Sign(context.Background(), baseRequest(), "us-east-1", "lambda", testCreds)
	require.NoError(t, err)

	auth := h.Get(HeaderAuthorization)
	assert.True(t, strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20240314/us-east-1/lambda/aws4_request"), auth)
	assert.Contains(t, auth, "SignedHeaders=")
	assert.Contains(t, auth, "host")
	assert.Contains(t, auth, "content-type")
	assert.Contains(t, auth, "x-amz-content-sha256")
	assert.Contains(t, auth, "Signature=")

	assert.Equal(t, "abc123.lambda-url.us-east-1.on.aws", h.Get(HeaderHost))
	assert.Equal(t, HashPayload([]byte(`{"query":"hi"}`)), h.Get(HeaderContentSHA256))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Empty(t, h.Get(HeaderSecurityToken))
}

func TestSign_SessionToken(t *testing.T) {
	creds := testCreds
	creds.SessionToken = "token-123"

	h, err := newTestSigner().Sign(context.Background(), baseRequest(), "us-east-1", "lambda", creds)
	require.NoError(t, err)
	assert.Equal(t, "token-123", h.Get(HeaderSecurityToken))
}

func TestSign_InputsChangeSignature(t *testing.T) {
	s := newTestSigner()
	base, err := s.Sign(context.Background(), baseRequest(), "us-east-1", "lambda", testCreds)
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Request)
		region  string
		service string
	}{
		{"body", func(r *Request) { r.Body = []byte(`{"query":"bye"}`) }, "us-east-1", "lambda"},
		{"path", func(r *Request) { r.URL = testURL + "invoke" }, "us-east-1", "lambda"},
		{"query string", func(r *Request) { r.URL = testURL + "?mode=stream" }, "us-east-1", "lambda"},
		{"header", func(r *Request) { r.Header.Set("Content-Type", "text/plain") }, "us-east-1", "lambda"},
		{"method", func(r *Request) { r.Method = http.MethodPut }, "us-east-1", "lambda"},
		{"region", func(r *Request) {}, "eu-west-1", "lambda"},
		{"service", func(r *Request) {}, "us-east-1", "execute-api"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.mutate(&req)

			h, err := s.Sign(context.Background(), req, tt.region, tt.service, testCreds)
			require.NoError(t, err)
			assert.NotEqual(t, base.Get(HeaderAuthorization), h.Get(HeaderAuthorization))
		})
	}
}

func TestSign_ExplicitHostHeaderWins(t *testing.T) {
	req := baseRequest()
	req.Header.Set("Host", "agents.example.com")

	h, err := newTestSigner().Sign(context.Background(), req, "us-east-1", "lambda", testCreds)
	require.NoError(t, err)
	assert.Equal(t, []string{"agents.example.com"}, h.Values(HeaderHost))
}

func TestSign_DoesNotMutateInput(t *testing.T) {
	req := baseRequest()

	_, err := newTestSigner().Sign(context.Background(), req, "us-east-1", "lambda", testCreds)
	require.NoError(t, err)
	assert.Len(t, req.Header, 1)
}

func TestSign_Errors(t *testing.T) {
	s := newTestSigner()

	tests := []struct {
		name    string
		req     Request
		region  string
		service string
		creds   aws.Credentials
	}{
		{"no region", baseRequest(), "", "lambda", testCreds},
		{"no service", baseRequest(), "us-east-1", "", testCreds},
		{"no creds", baseRequest(), "us-east-1", "lambda", aws.Credentials{}},
		{"relative url", Request{URL: "/invoke"}, "us-east-1", "lambda", testCreds},
		{"bad scheme", Request{URL: "ftp://host/"}, "us-east-1", "lambda", testCreds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Sign(context.Background(), tt.req, tt.region, tt.service, tt.creds)
			assert.ErrorIs(t, err, apperr.KindSigning)
		})
	}
}

func TestApply(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, testURL, nil)
	require.NoError(t, err)

	err = Apply(req, http.Header{
		"Host":          []string{"signed.example.com"},
		"Authorization": []string{"AWS4-HMAC-SHA256 x"},
	})
	require.NoError(t, err)

	assert.Equal(t, "signed.example.com", req.Host)
	assert.Empty(t, req.Header.Get("Host"))
	assert.Equal(t, "AWS4-HMAC-SHA256 x", req.Header.Get("Authorization"))
}
