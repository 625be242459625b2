package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/bridge"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/credentials"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/endpoint"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/protocol"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatCommands(t *testing.T) {
	state := &chatState{agent: string(protocol.SupervisorAgent), session: "abc", mode: endpoint.Streaming}
	var out bytes.Buffer

	assert.False(t, state.command("/session", &out))
	assert.Equal(t, "abc\n", out.String())

	out.Reset()
	assert.False(t, state.command("/agent logsAgent", &out))
	assert.Equal(t, "logsAgent", state.agent)
	assert.Equal(t, "abc", state.session, "switching agent keeps the session")

	out.Reset()
	assert.False(t, state.command("/agent nobody", &out))
	assert.Equal(t, "logsAgent", state.agent)
	assert.Contains(t, out.String(), "error:")

	assert.False(t, state.command("/mode sync", &out))
	assert.Equal(t, endpoint.Buffered, state.mode)
	assert.False(t, state.command("/mode carrier", &out))
	assert.Equal(t, endpoint.Buffered, state.mode)

	out.Reset()
	assert.False(t, state.command("/new", &out))
	assert.Empty(t, state.session)
	out.Reset()
	state.command("/session", &out)
	assert.Equal(t, "no session yet\n", out.String())

	out.Reset()
	assert.False(t, state.command("/bogus", &out))
	assert.Contains(t, out.String(), "unknown command /bogus")

	assert.True(t, state.command("/quit", &out))
}

func TestCompleteCommand(t *testing.T) {
	assert.Equal(t, []string{"/session"}, completeCommand("/s"))
	assert.Equal(t, []string{"/agent logsAgent"}, completeCommand("/agent l"))
	assert.Len(t, completeCommand("/"), len(chatCommands))
	assert.Empty(t, completeCommand("hello"))
}

func TestInvokeTo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := protocol.Decode(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(protocol.Reply{Message: "echo: " + req.Query, Agent: string(protocol.ComputeAgent)})
	}))
	defer srv.Close()

	client := bridge.NewClient(
		bridge.WithCredentials(credentials.Static(aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"})),
		bridge.WithDefaults(bridge.Defaults{
			Agent:            string(protocol.ComputeAgent),
			Region:           "us-east-1",
			Service:          endpoint.DefaultService,
			Mode:             endpoint.Buffered,
			EndpointOverride: srv.URL,
			MaxAttempts:      1,
		}),
	)

	var out bytes.Buffer
	resp, err := invokeTo(context.Background(), client, bridge.Options{Query: "list instances"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "echo: list instances\n", out.String())
	assert.NotEmpty(t, resp.SessionID)
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := withTimeout(context.Background(), 0)
	defer cancel()
	_, ok := ctx.Deadline()
	assert.False(t, ok)

	ctx2, cancel2 := withTimeout(context.Background(), time.Minute)
	defer cancel2()
	_, ok = ctx2.Deadline()
	assert.True(t, ok)
}
