package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/observability"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/protocol"
)

// State is a step of the streaming state machine:
//
//	INIT -> SENDING -> FAILED
//	                -> STREAMING* -> DONE
//	                              -> FAILED
type State int

const (
	StateInit State = iota
	StateSending
	StateFailed
	StateStreaming
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSending:
		return "SENDING"
	case StateFailed:
		return "FAILED"
	case StateStreaming:
		return "STREAMING"
	case StateDone:
		return "DONE"
	}
	return "UNKNOWN"
}

// DefaultReadSize is the largest fragment read from the body at once.
const DefaultReadSize = 4096

// Streaming sends one POST and delivers the body incrementally as raw text.
// Fragments are never parsed. The next read is issued only after the
// previous fragment was handed to the callback, so the transport buffers at
// most one read.
type Streaming struct {
	client   *http.Client
	readSize int
	observe  func(State)
}

// StreamingOption configures a Streaming invoker.
type StreamingOption func(*Streaming)

// WithReadSize sets the read buffer size.
func WithReadSize(n int) StreamingOption {
	return func(s *Streaming) {
		if n > 0 {
			s.readSize = n
		}
	}
}

// WithStateObserver receives every state transition.
func WithStateObserver(fn func(State)) StreamingOption {
	return func(s *Streaming) {
		s.observe = fn
	}
}

// NewStreaming creates a streaming invoker. A nil client uses
// DefaultHTTPClient.
func NewStreaming(client *http.Client, opts ...StreamingOption) *Streaming {
	if client == nil {
		client = DefaultHTTPClient()
	}
	s := &Streaming{client: client, readSize: DefaultReadSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// streamState lives for one invocation and is discarded afterwards.
type streamState struct {
	state     State
	observe   func(State)
	acc       strings.Builder
	pending   []byte
	fragments int
	done      bool
}

func (st *streamState) to(s State) {
	st.state = s
	if s == StateDone {
		st.done = true
	}
	if st.observe != nil {
		st.observe(s)
	}
}

// Invoke implements Invoker. Status and body presence are checked before any
// fragment is delivered. A connection that breaks before end-of-input yields
// a StreamTerminatedEarlyError carrying the partial output; the partial text
// is also returned in Result.
func (s *Streaming) Invoke(ctx context.Context, req *Request, onFragment FragmentFunc) (*Result, error) {
	st := &streamState{observe: s.observe}
	st.to(StateInit)

	httpReq, err := newHTTPRequest(ctx, req, protocol.ContentTypeText)
	if err != nil {
		st.to(StateFailed)
		return nil, err
	}

	st.to(StateSending)
	resp, err := send(s.client, httpReq)
	if err != nil {
		st.to(StateFailed)
		return nil, err
	}
	defer resp.Body.Close()

	if !successful(resp.StatusCode) {
		st.to(StateFailed)
		return nil, statusError(resp)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		st.to(StateFailed)
		return nil, &apperr.Error{Kind: apperr.KindTransport, Message: "response has no body", StatusCode: resp.StatusCode}
	}

	st.to(StateStreaming)
	buf := make([]byte, s.readSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := st.deliver(buf[:n], onFragment); err != nil {
				st.to(StateFailed)
				return &Result{Message: st.acc.String(), Fragments: st.fragments}, err
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			if err := st.flush(onFragment); err != nil {
				st.to(StateFailed)
				return &Result{Message: st.acc.String(), Fragments: st.fragments}, err
			}
			st.to(StateDone)
			return &Result{Message: st.acc.String(), Fragments: st.fragments}, nil
		}

		// Keep every byte that arrived before the break.
		_ = st.flush(onFragment)
		st.to(StateFailed)
		partial := st.acc.String()
		return &Result{Message: partial, Fragments: st.fragments}, apperr.StreamTerminated(partial, readErr)
	}
}

// deliver emits the longest valid UTF-8 prefix of pending+chunk and holds
// back an incomplete trailing rune for the next read.
func (st *streamState) deliver(chunk []byte, onFragment FragmentFunc) error {
	data := append(st.pending, chunk...)
	cut := completePrefix(data)
	st.pending = append(st.pending[:0:0], data[cut:]...)
	if cut == 0 {
		return nil
	}
	return st.emit(string(data[:cut]), onFragment)
}

// flush emits any held-back bytes as they are.
func (st *streamState) flush(onFragment FragmentFunc) error {
	if len(st.pending) == 0 {
		return nil
	}
	frag := string(st.pending)
	st.pending = nil
	return st.emit(frag, onFragment)
}

func (st *streamState) emit(frag string, onFragment FragmentFunc) error {
	st.acc.WriteString(frag)
	st.fragments++
	observability.RecordFragment("client", len(frag))
	if onFragment == nil {
		return nil
	}
	if err := onFragment(frag); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "fragment callback")
	}
	return nil
}

// completePrefix returns the length of data up to the start of a trailing
// incomplete UTF-8 sequence. Invalid bytes are not held back.
func completePrefix(data []byte) int {
	end := len(data)
	// A rune is at most 4 bytes, so only the last 3 can start an incomplete one.
	for i := end - 1; i >= 0 && i >= end-3; i-- {
		b := data[i]
		if b < utf8.RuneSelf {
			return end
		}
		if utf8.RuneStart(b) {
			if !utf8.FullRune(data[i:]) {
				return i
			}
			return end
		}
	}
	return end
}
