package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/protocol"
)

// maxReplyBody bounds a buffered JSON reply.
const maxReplyBody = 10 * 1024 * 1024

// Buffered sends one POST and waits for a complete JSON reply.
type Buffered struct {
	client *http.Client
}

// NewBuffered creates a buffered invoker. A nil client uses DefaultHTTPClient.
func NewBuffered(client *http.Client) *Buffered {
	if client == nil {
		client = DefaultHTTPClient()
	}
	return &Buffered{client: client}
}

// Invoke implements Invoker. When onFragment is set, the whole reply message
// is delivered to it as a single fragment.
func (b *Buffered) Invoke(ctx context.Context, req *Request, onFragment FragmentFunc) (*Result, error) {
	httpReq, err := newHTTPRequest(ctx, req, protocol.ContentTypeJSON)
	if err != nil {
		return nil, err
	}

	resp, err := send(b.client, httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !successful(resp.StatusCode) {
		return nil, statusError(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, err, "read response")
	}
	if len(body) > maxReplyBody {
		return nil, &apperr.Error{Kind: apperr.KindTransport, Message: "response exceeds size limit", StatusCode: resp.StatusCode}
	}

	var reply protocol.Reply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, &apperr.Error{
			Kind:       apperr.KindTransport,
			Message:    "response is not a JSON reply",
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), maxErrorBody),
			Err:        err,
		}
	}

	if onFragment != nil && reply.Message != "" {
		if err := onFragment(reply.Message); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err, "fragment callback")
		}
	}

	return &Result{Message: reply.Message, Agent: reply.Agent, Fragments: 1}, nil
}

// decodeErrorDetails extracts the errors or error field of a failure body.
func decodeErrorDetails(body []byte) []string {
	var failure struct {
		Message string   `json:"message"`
		Errors  []string `json:"errors"`
		Error   string   `json:"error"`
	}
	if err := json.Unmarshal(body, &failure); err != nil {
		return nil
	}
	if len(failure.Errors) > 0 {
		return failure.Errors
	}
	if failure.Error != "" {
		return []string{failure.Error}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
