// Package transport connects the gateway to remote agents over MCP.
//
// Client calls the agent's receiveMessage tool; ReturnServer exposes the same
// tool so agents can push replies back into the gateway.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dayuer/beacon-gateway/internal/forward"
)

// ToolReceiveMessage is the tool both ends of the transport expose.
const ToolReceiveMessage = "receiveMessage"

// Wire kinds understood by NewClient.
const (
	KindStreamableHTTP = "streamable-http"
	KindSSE            = "sse"
)

// ErrTransport wraps every failure to reach or get an answer from the agent.
var ErrTransport = errors.New("agent transport")

// ClientConfig describes one remote agent endpoint.
type ClientConfig struct {
	Name        string
	URL         string
	Kind        string
	Headers     map[string]string
	CallTimeout time.Duration
}

// Client is an MCP client for one remote agent. It connects lazily on the
// first Send if Connect was not called.
type Client struct {
	cfg ClientConfig

	mu  sync.Mutex
	mcp *mcpclient.Client
	// connecting is closed when the in-flight dial finishes. Only one dial
	// runs at a time and mu is never held across it.
	connecting chan struct{}
	// closes counts Close calls so a dial that straddles one is discarded.
	closes uint64
}

// NewClient creates an unconnected Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Kind == "" {
		cfg.Kind = KindStreamableHTTP
	}
	if cfg.Name == "" {
		cfg.Name = cfg.URL
	}
	return &Client{cfg: cfg}
}

// Name identifies the endpoint in logs.
func (c *Client) Name() string { return c.cfg.Name }

// Connected reports whether the MCP session is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mcp != nil
}

func (c *Client) newMCPClient() (*mcpclient.Client, error) {
	switch c.cfg.Kind {
	case KindSSE:
		var opts []mcptransport.ClientOption
		if len(c.cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(c.cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(c.cfg.URL, opts...)
	case KindStreamableHTTP:
		var opts []mcptransport.StreamableHTTPCOption
		if len(c.cfg.Headers) > 0 {
			opts = append(opts, mcptransport.WithHTTPHeaders(c.cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(c.cfg.URL, opts...)
	}
	return nil, fmt.Errorf("unsupported transport kind %q", c.cfg.Kind)
}

// Connect starts the MCP session and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.session(ctx)
	return err
}

// session returns the live MCP client, dialing when there is none. Callers
// that arrive while a dial is in flight wait for it instead of dialing again.
func (c *Client) session(ctx context.Context) (*mcpclient.Client, error) {
	if c.cfg.URL == "" {
		return nil, fmt.Errorf("%w: %s: no URL configured", ErrTransport, c.cfg.Name)
	}
	for {
		c.mu.Lock()
		if c.mcp != nil {
			cli := c.mcp
			c.mu.Unlock()
			return cli, nil
		}
		if wait := c.connecting; wait != nil {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: connect %s: %w", ErrTransport, c.cfg.Name, ctx.Err())
			}
		}
		done := make(chan struct{})
		c.connecting = done
		closes := c.closes
		c.mu.Unlock()

		cli, err := c.dial(ctx)

		c.mu.Lock()
		c.connecting = nil
		close(done)
		if err == nil && c.closes != closes {
			err = fmt.Errorf("%w: %s: closed while connecting", ErrTransport, c.cfg.Name)
			_ = cli.Close()
		}
		if err == nil {
			c.mcp = cli
		}
		c.mu.Unlock()

		if err != nil {
			return nil, err
		}
		log.Printf("[Transport] 🔌 Connected to %s (%s)", c.cfg.Name, c.cfg.Kind)
		return cli, nil
	}
}

func (c *Client) dial(ctx context.Context) (*mcpclient.Client, error) {
	cli, err := c.newMCPClient()
	if err != nil {
		return nil, fmt.Errorf("%w: create client: %w", ErrTransport, err)
	}
	if err := cli.Start(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: start %s: %w", ErrTransport, c.cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "beacon-gateway",
		Version: "1.0.0",
	}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: initialize %s: %w", ErrTransport, c.cfg.Name, err)
	}
	return cli, nil
}

// Close ends the MCP session. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.mcp == nil {
		return nil
	}
	err := c.mcp.Close()
	c.mcp = nil
	return err
}

// Send implements forward.Transport.
func (c *Client) Send(ctx context.Context, req forward.Request) (forward.Outcome, error) {
	cli, err := c.session(ctx)
	if err != nil {
		return forward.Outcome{}, err
	}

	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	result, err := cli.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      ToolReceiveMessage,
			Arguments: requestArguments(req),
		},
	})
	if err != nil {
		// drop the session so the next call reconnects
		c.mu.Lock()
		if c.mcp == cli {
			_ = cli.Close()
			c.mcp = nil
		}
		c.mu.Unlock()
		return forward.Outcome{}, fmt.Errorf("%w: %s %s: %w", ErrTransport, c.cfg.Name, ToolReceiveMessage, err)
	}
	return parseOutcome(result), nil
}

// requestArguments maps a forward request to the tool's argument names.
func requestArguments(req forward.Request) map[string]any {
	m := req.Message
	args := map[string]any{
		"refId":           req.CorrelationID,
		"returnGatewayID": req.ReturnAddress,
		"networkID":       m.NetworkID,
		"botid":           m.BotID,
		"botType":         string(m.BotType),
		"message":         m.Body,
	}
	if m.GroupID != "" {
		args["groupID"] = m.GroupID
	}
	if m.UserID != "" {
		args["userId"] = m.UserID
	}
	if m.MessageID != "" {
		args["messageID"] = m.MessageID
	}
	return args
}

// agentResponse is the body the agent returns from receiveMessage.
type agentResponse struct {
	Status      string `json:"status"`
	Description string `json:"description"`
}

func (r agentResponse) outcome() forward.Outcome {
	if strings.EqualFold(r.Status, "success") {
		return forward.Succeeded(r.Description)
	}
	desc := r.Description
	if desc == "" {
		desc = "agent reported " + r.Status
	}
	return forward.Failed(desc)
}

// parseOutcome reads {status, description} from structured content or the
// first text block. Plain text counts as success.
func parseOutcome(result *mcp.CallToolResult) forward.Outcome {
	if result == nil {
		return forward.Failed("empty tool result")
	}
	text := resultText(result)
	if result.IsError {
		if text == "" {
			text = "tool execution failed"
		}
		return forward.Failed(text)
	}

	if result.StructuredContent != nil {
		if raw, err := json.Marshal(result.StructuredContent); err == nil {
			var resp agentResponse
			if json.Unmarshal(raw, &resp) == nil && resp.Status != "" {
				return resp.outcome()
			}
		}
	}

	var resp agentResponse
	if err := json.Unmarshal([]byte(text), &resp); err == nil && resp.Status != "" {
		return resp.outcome()
	}
	return forward.Succeeded(text)
}

func resultText(result *mcp.CallToolResult) string {
	for _, content := range result.Content {
		switch tc := content.(type) {
		case mcp.TextContent:
			return tc.Text
		case *mcp.TextContent:
			return tc.Text
		}
	}
	return ""
}
