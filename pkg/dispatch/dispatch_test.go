package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/protocol"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTarget answers with its name and records every call.
type recordingTarget struct {
	name  string
	mu    sync.Mutex
	calls []Call
	err   error
}

func (r *recordingTarget) Generate(_ context.Context, call Call) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	return r.name + ": " + call.Query, nil
}

func (r *recordingTarget) Stream(ctx context.Context, call Call, fn func(string) error) error {
	msg, err := r.Generate(ctx, call)
	if err != nil {
		return err
	}
	if err := fn(msg[:3]); err != nil {
		return err
	}
	return fn(msg[3:])
}

func newDirectory(t *testing.T) (*Directory, map[protocol.AgentName]*recordingTarget) {
	t.Helper()
	recs := make(map[protocol.AgentName]*recordingTarget)
	targets := make(map[protocol.AgentName]Target)
	for _, name := range protocol.Agents() {
		rec := &recordingTarget{name: string(name)}
		recs[name] = rec
		targets[name] = rec
	}
	dir, err := NewDirectory(targets)
	require.NoError(t, err)
	return dir, recs
}

func request(t *testing.T, agent protocol.AgentName, query string) protocol.Request {
	t.Helper()
	id, err := session.New(string(agent), "sess-1")
	require.NoError(t, err)
	return protocol.NewRequest(query, id)
}

func TestNewDirectory_RequiresEveryAgent(t *testing.T) {
	_, err := NewDirectory(map[protocol.AgentName]Target{
		protocol.StorageAgent: &recordingTarget{},
	})
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestDispatch_RoutesWithNamespacedIdentity(t *testing.T) {
	dir, recs := newDirectory(t)

	reply, err := dir.Dispatch(context.Background(), request(t, protocol.StorageAgent, "list buckets"))
	require.NoError(t, err)
	assert.Equal(t, "storageAgent: list buckets", reply.Message)
	assert.Equal(t, "storageAgent", reply.Agent)

	require.Len(t, recs[protocol.StorageAgent].calls, 1)
	call := recs[protocol.StorageAgent].calls[0]
	assert.Equal(t, "storageAgent::sess-1", call.ThreadID)
	assert.Equal(t, "resource::sess-1", call.ResourceID)
	assert.Equal(t, "sess-1", call.SessionID())
	assert.Empty(t, recs[protocol.ComputeAgent].calls)
}

func TestDispatchStream_SameSurface(t *testing.T) {
	dir, _ := newDirectory(t)

	var chunks []string
	err := dir.DispatchStream(context.Background(), request(t, protocol.LogsAgent, "errors"), func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"log", "sAgent: errors"}, chunks)
}

func TestDispatch_IdentityMismatch(t *testing.T) {
	dir, recs := newDirectory(t)

	tests := []struct {
		name   string
		mutate func(*protocol.Request)
	}{
		{"thread namespaced to another agent", func(r *protocol.Request) { r.ThreadID = "computeAgent::sess-1" }},
		{"thread not namespaced", func(r *protocol.Request) { r.ThreadID = "sess-1" }},
		{"resource from another session", func(r *protocol.Request) { r.ResourceID = session.ResourceID("sess-2") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(t, protocol.StorageAgent, "q")
			tt.mutate(&req)

			_, err := dir.Dispatch(context.Background(), req)
			assert.ErrorIs(t, err, ErrIdentityMismatch)
			assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))

			err = dir.DispatchStream(context.Background(), req, func(string) error { return nil })
			assert.ErrorIs(t, err, ErrIdentityMismatch)
		})
	}
	assert.Empty(t, recs[protocol.StorageAgent].calls)
}

func TestDispatch_TargetError(t *testing.T) {
	dir, recs := newDirectory(t)
	recs[protocol.PipelineAgent].err = errors.New("model unavailable")

	_, err := dir.Dispatch(context.Background(), request(t, protocol.PipelineAgent, "q"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestLazy_BuildsOnceUnderConcurrency(t *testing.T) {
	dir, _ := newDirectory(t)
	release := make(chan struct{})
	var calls atomic.Int32

	lazy := NewLazy(func(context.Context) (*Directory, error) {
		calls.Add(1)
		<-release
		return dir, nil
	})
	assert.False(t, lazy.Ready())

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*Directory, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := lazy.Get(context.Background())
			assert.NoError(t, err)
			results[i] = d
		}(i)
	}

	// Let every caller reach the barrier before construction finishes.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, d := range results {
		assert.Same(t, dir, d)
	}
	assert.True(t, lazy.Ready())

	d, err := lazy.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, dir, d)
	assert.Equal(t, int64(1), lazy.Builds())
}

func TestLazy_FailureIsNotMemoized(t *testing.T) {
	dir, _ := newDirectory(t)
	fail := true
	lazy := NewLazy(func(context.Context) (*Directory, error) {
		if fail {
			return nil, errors.New("redis unreachable")
		}
		return dir, nil
	})

	_, err := lazy.Get(context.Background())
	assert.ErrorContains(t, err, "redis unreachable")
	assert.False(t, lazy.Ready())

	fail = false
	d, err := lazy.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, dir, d)
	assert.Equal(t, int64(2), lazy.Builds())
}

func TestLazy_IgnoresCallerCancellation(t *testing.T) {
	dir, _ := newDirectory(t)
	lazy := NewLazy(func(ctx context.Context) (*Directory, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return dir, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := lazy.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, dir, d)
}
