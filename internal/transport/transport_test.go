package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/beacon-gateway/internal/bus"
	"github.com/dayuer/beacon-gateway/internal/forward"
)

type stubTransport struct {
	out forward.Outcome
	got []forward.Request
}

func (s *stubTransport) Send(_ context.Context, req forward.Request) (forward.Outcome, error) {
	s.got = append(s.got, req)
	return s.out, nil
}

type stubCompleter struct {
	mu  sync.Mutex
	ids []string
}

func (s *stubCompleter) Complete(id string, _ forward.Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return true
}

func sampleRequest() forward.Request {
	return forward.Request{
		CorrelationID: "ref-1",
		ReturnAddress: "gw-1",
		Message: bus.Message{
			NetworkID: "net",
			BotID:     "bot",
			BotType:   bus.BotTypeID,
			UserID:    "u1",
			Body:      "hi",
		},
	}
}

func TestRequestArguments(t *testing.T) {
	args := requestArguments(sampleRequest())
	assert.Equal(t, "ref-1", args["refId"])
	assert.Equal(t, "gw-1", args["returnGatewayID"])
	assert.Equal(t, "net", args["networkID"])
	assert.Equal(t, "bot", args["botid"])
	assert.Equal(t, "id", args["botType"])
	assert.Equal(t, "u1", args["userId"])
	assert.Equal(t, "hi", args["message"])
	_, hasGroup := args["groupID"]
	assert.False(t, hasGroup)
}

func TestParseOutcome(t *testing.T) {
	tests := []struct {
		name   string
		result *mcp.CallToolResult
		want   forward.Outcome
	}{
		{"nil", nil, forward.Failed("empty tool result")},
		{"success json", mcp.NewToolResultText(`{"status":"success","description":"queued"}`), forward.Succeeded("queued")},
		{"failure json", mcp.NewToolResultText(`{"status":"failure","description":"bot offline"}`), forward.Failed("bot offline")},
		{"failure without description", mcp.NewToolResultText(`{"status":"failure"}`), forward.Failed("agent reported failure")},
		{"plain text", mcp.NewToolResultText("ok"), forward.Succeeded("ok")},
		{"tool error", mcp.NewToolResultError("boom"), forward.Failed("boom")},
		{"structured", &mcp.CallToolResult{StructuredContent: map[string]any{"status": "success", "description": "s"}}, forward.Succeeded("s")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseOutcome(tt.result))
		})
	}
}

func TestRouter(t *testing.T) {
	brain := &stubTransport{out: forward.Succeeded("brain")}
	r := NewRouter()
	r.Handle(bus.BotTypeBrain, brain)
	assert.Equal(t, []bus.BotType{bus.BotTypeBrain}, r.Routes())

	req := sampleRequest()
	req.Message.BotType = bus.BotTypeBrain
	out, err := r.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, forward.Succeeded("brain"), out)
	assert.Len(t, brain.got, 1)

	_, err = r.Send(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestClient_NoURL(t *testing.T) {
	c := NewClient(ClientConfig{Name: "brain"})
	_, err := c.Send(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.False(t, c.Connected())
	assert.NoError(t, c.Close())
}

func TestClient_DialDoesNotBlockOtherCallers(t *testing.T) {
	var hits atomic.Int32
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case arrived <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(ClientConfig{Name: "slow", URL: srv.URL + "/mcp"})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sendErr := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, sampleRequest())
		sendErr <- err
	}()

	select {
	case <-arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("dial never reached the server")
	}

	// the dial is stuck in the handshake; the mutex must stay free
	status := make(chan bool, 1)
	go func() { status <- c.Connected() }()
	select {
	case up := <-status:
		assert.False(t, up)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Connected blocked behind an in-flight dial")
	}

	// a second caller waits for the same dial and gives up with its own context
	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err := c.Send(short, sampleRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, int32(1), hits.Load())

	cancel()
	select {
	case err := <-sendErr:
		assert.True(t, errors.Is(err, ErrTransport))
	case <-time.After(2 * time.Second):
		t.Fatal("first Send did not return after cancel")
	}
	assert.False(t, c.Connected())
}

func returnCall(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Name: ToolReceiveMessage, Arguments: args}}
}

func TestReturnServer_PublishesOutbound(t *testing.T) {
	b := bus.NewMessageBus(bus.Config{Capacity: 10})
	completer := &stubCompleter{}
	rs := NewReturnServer(b, completer)

	sub := &collectSub{}
	require.NoError(t, b.Subscribe(bus.DirectionOut, "net", "bot", sub, nil))

	res, err := rs.HandleReceiveMessage(context.Background(), returnCall(map[string]any{
		"refId":           "ref-9",
		"returnGatewayID": "gw-1",
		"networkID":       "net",
		"botid":           "bot",
		"groupID":         "g",
		"message":         "the answer",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, forward.Succeeded("published event 1"), parseOutcome(res))

	events := sub.all()
	require.Len(t, events, 1)
	got := events[0].Payload
	assert.Equal(t, "the answer", got.Body)
	assert.Equal(t, bus.BotTypeBrain, got.BotType) // default
	assert.Equal(t, "ref-9", got.CorrelationID)
	assert.Equal(t, "g", got.GroupID)
	assert.Equal(t, []string{"ref-9"}, completer.ids)
}

type blockingTransport struct{}

func (blockingTransport) Send(ctx context.Context, _ forward.Request) (forward.Outcome, error) {
	<-ctx.Done()
	return forward.Outcome{}, ctx.Err()
}

func TestReturnServer_LateReplyPublishedOnce(t *testing.T) {
	b := bus.NewMessageBus(bus.Config{Capacity: 10})
	coord := forward.NewCoordinator(forward.Config{
		Transport:   blockingTransport{},
		Settings:    forward.StaticSettings{Timeout: 20 * time.Millisecond, Await: true},
		Publisher:   b,
		SurfaceLate: true,
	})
	rs := NewReturnServer(b, coord)

	sub := &collectSub{}
	require.NoError(t, b.Subscribe(bus.DirectionOut, "net", "bot", sub, nil))

	res := coord.Forward(context.Background(), sampleRequest().Message)
	require.Equal(t, forward.StatusTimedOut, res.Outcome.Status)

	out, err := rs.HandleReceiveMessage(context.Background(), returnCall(map[string]any{
		"refId":           res.CorrelationID,
		"returnGatewayID": "gw-1",
		"networkID":       "net",
		"botid":           "bot",
		"message":         "agent reply",
	}))
	require.NoError(t, err)
	assert.False(t, out.IsError)

	// the blocked call now returns, after the callback already won
	coord.Close()

	events := sub.all()
	require.Len(t, events, 1)
	assert.Equal(t, "agent reply", events[0].Payload.Body)
	assert.Empty(t, events[0].Payload.ForwardStatus)

	ch, ok := b.Lookup(bus.ChannelIdentity{NetworkID: "net", BotID: "bot", Direction: bus.DirectionOut})
	require.True(t, ok)
	assert.Equal(t, 1, ch.Stats().Retained)
	assert.Equal(t, int64(1), coord.Stats().Late)
}

func TestReturnServer_RejectsBadArguments(t *testing.T) {
	b := bus.NewMessageBus(bus.Config{})
	rs := NewReturnServer(b, nil)

	res, err := rs.HandleReceiveMessage(context.Background(), returnCall(map[string]any{
		"returnGatewayID": "gw", "networkID": "n", "botid": "b", "message": "m",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = rs.HandleReceiveMessage(context.Background(), returnCall(map[string]any{
		"refId": "r", "returnGatewayID": "gw", "networkID": "n", "botid": "b", "message": "m", "botType": "robot",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, 0, b.Len())
}

func TestClient_RoundTripAgainstReturnServer(t *testing.T) {
	b := bus.NewMessageBus(bus.Config{Capacity: 10})
	rs := NewReturnServer(b, nil)
	srv := httptest.NewServer(rs.Handler())
	defer srv.Close()

	c := NewClient(ClientConfig{Name: "loopback", URL: srv.URL + ReturnPath, CallTimeout: 5 * time.Second})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.Connected())

	out, err := c.Send(ctx, sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, forward.StatusSucceeded, out.Status)

	ch, ok := b.Lookup(bus.ChannelIdentity{NetworkID: "net", BotID: "bot", Direction: bus.DirectionOut})
	require.True(t, ok)
	assert.Equal(t, uint64(1), ch.Stats().LastEventID)
}

type collectSub struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *collectSub) Send(ev bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collectSub) Close() {}

func (c *collectSub) all() []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Event(nil), c.events...)
}
