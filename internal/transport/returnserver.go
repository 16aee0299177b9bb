package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dayuer/beacon-gateway/internal/bus"
	"github.com/dayuer/beacon-gateway/internal/forward"
)

// ReturnPath is where the return server is mounted on the gateway.
const ReturnPath = "/mcp"

// Completer resolves a pending forward by correlation id.
type Completer interface {
	Complete(correlationID string, out forward.Outcome) bool
}

// ReturnServer is the MCP endpoint agents call to deliver replies. Every
// accepted call is published on the outbound channel of its (network, bot).
type ReturnServer struct {
	publisher forward.Publisher
	completer Completer
	mcp       *server.MCPServer
	http      *server.StreamableHTTPServer
}

// NewReturnServer creates the server. completer may be nil.
func NewReturnServer(publisher forward.Publisher, completer Completer) *ReturnServer {
	s := &ReturnServer{publisher: publisher, completer: completer}

	s.mcp = server.NewMCPServer("beacon-gateway-return-server", "1.0.0",
		server.WithToolCapabilities(false),
	)
	s.mcp.AddTool(receiveMessageTool(), s.HandleReceiveMessage)
	s.http = server.NewStreamableHTTPServer(s.mcp, server.WithEndpointPath(ReturnPath))
	return s
}

// Handler serves the MCP streamable HTTP protocol.
func (s *ReturnServer) Handler() http.Handler { return s.http }

// Shutdown closes open MCP sessions.
func (s *ReturnServer) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func receiveMessageTool() mcp.Tool {
	return mcp.NewTool(ToolReceiveMessage,
		mcp.WithDescription("Receive a processed message from an agent and publish it on the gateway's outbound stream"),
		mcp.WithString("refId", mcp.Required(), mcp.Description("Correlation id of the forwarded message")),
		mcp.WithString("returnGatewayID", mcp.Required(), mcp.Description("Return address of this gateway")),
		mcp.WithString("networkID", mcp.Required()),
		mcp.WithString("botid", mcp.Required()),
		mcp.WithString("botType", mcp.Enum(string(bus.BotTypeBrain), string(bus.BotTypeID))),
		mcp.WithString("groupID"),
		mcp.WithString("userId"),
		mcp.WithString("messageID"),
		mcp.WithString("message", mcp.Required()),
	)
}

// HandleReceiveMessage is the tool handler for receiveMessage.
func (s *ReturnServer) HandleReceiveMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	msg, refID, err := parseReturnArguments(req)
	if err != nil {
		log.Printf("[Transport] ⚠️ Rejected return call: %v", err)
		return mcp.NewToolResultError(err.Error()), nil
	}

	ev := s.publisher.PublishOutbound(msg)
	log.Printf("[Transport] 📥 Reply %s for %s/%s published as event %d", refID, msg.NetworkID, msg.BotID, ev.ID)

	if s.completer != nil {
		s.completer.Complete(refID, forward.Succeeded("reply received"))
	}

	body, _ := json.Marshal(agentResponse{
		Status:      "success",
		Description: fmt.Sprintf("published event %d", ev.ID),
	})
	return mcp.NewToolResultText(string(body)), nil
}

func parseReturnArguments(req mcp.CallToolRequest) (bus.Message, string, error) {
	refID, err := req.RequireString("refId")
	if err != nil {
		return bus.Message{}, "", err
	}
	if _, err := req.RequireString("returnGatewayID"); err != nil {
		return bus.Message{}, "", err
	}
	networkID, err := req.RequireString("networkID")
	if err != nil {
		return bus.Message{}, "", err
	}
	botID, err := req.RequireString("botid")
	if err != nil {
		return bus.Message{}, "", err
	}
	body, err := req.RequireString("message")
	if err != nil {
		return bus.Message{}, "", err
	}

	botType := bus.BotType(req.GetString("botType", string(bus.BotTypeBrain)))
	if botType == "" {
		botType = bus.BotTypeBrain
	}
	if !botType.Valid() {
		return bus.Message{}, "", fmt.Errorf("invalid botType %q", botType)
	}

	return bus.Message{
		NetworkID:     networkID,
		BotID:         botID,
		BotType:       botType,
		GroupID:       req.GetString("groupID", ""),
		UserID:        req.GetString("userId", ""),
		MessageID:     req.GetString("messageID", ""),
		CorrelationID: refID,
		Body:          body,
	}, refID, nil
}
