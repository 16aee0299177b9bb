package cluster

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dayuer/beacon-gateway/internal/bus"
	"github.com/dayuer/beacon-gateway/internal/forward"
	"github.com/dayuer/beacon-gateway/internal/registry"
	"github.com/dayuer/beacon-gateway/internal/stream"
)

const maxMessageBody = 1 << 20

// inboundMessage is the POST /api/messages body. Adaptors in the wild send
// several spellings of the id fields; exact-case tags win over the
// case-insensitive fallback of encoding/json.
type inboundMessage struct {
	NetworkID    string `json:"networkId"`
	NetworkIDAlt string `json:"networkID"`
	BotID        string `json:"botId"`
	BotIDAlt     string `json:"botid"`
	BotType      string `json:"botType"`
	GroupID      string `json:"groupId"`
	GroupIDAlt   string `json:"groupID"`
	UserID       string `json:"userId"`
	MessageID    string `json:"messageId"`
	MessageIDAlt string `json:"messageID"`
	Message      string `json:"message"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// toMessage resolves aliases and validates required fields.
func (in inboundMessage) toMessage() (bus.Message, error) {
	msg := bus.Message{
		NetworkID: firstNonEmpty(in.NetworkID, in.NetworkIDAlt),
		BotID:     firstNonEmpty(in.BotID, in.BotIDAlt),
		BotType:   bus.BotType(in.BotType),
		GroupID:   firstNonEmpty(in.GroupID, in.GroupIDAlt),
		UserID:    in.UserID,
		MessageID: firstNonEmpty(in.MessageID, in.MessageIDAlt),
		Body:      in.Message,
	}
	switch {
	case msg.NetworkID == "":
		return msg, errors.New("missing_field:networkId")
	case msg.BotID == "":
		return msg, errors.New("missing_field:botId")
	case msg.BotType == "":
		return msg, errors.New("missing_field:botType")
	case msg.Body == "":
		return msg, errors.New("missing_field:message")
	case !msg.BotType.Valid():
		return msg, errors.New("invalid_field:botType")
	}
	return msg, nil
}

// handlePostMessage publishes an inbound message and forwards it to the
// agent that backs its bot type.
//
//	202 in_progress  forwarded without waiting for the agent
//	200 accepted     agent confirmed
//	502 rejected     agent declined or transport failed
//	504 error        agent did not answer in time
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	s.activeRequests.Add(1)
	s.totalRequests.Add(1)
	start := time.Now()
	defer func() {
		s.activeRequests.Add(-1)
		s.latency.Record(time.Since(start))
	}()

	var in inboundMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBody)).Decode(&in); err != nil {
		writeJSONError(w, "invalid_json", http.StatusBadRequest)
		return
	}
	msg, err := in.toMessage()
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.limiter.Allow(msg.NetworkID + "/" + msg.BotID) {
		log.Printf("[Cluster] 🚦 Rate limited: %s/%s", msg.NetworkID, msg.BotID)
		writeJSONError(w, "rate_limited", http.StatusTooManyRequests)
		return
	}

	ev := s.bus.PublishInbound(msg)

	if s.forwarder == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":  "in_progress",
			"eventId": ev.ID,
		})
		return
	}

	res := s.forwarder.Forward(r.Context(), msg)
	resp := map[string]any{
		"eventId":       ev.ID,
		"correlationId": res.CorrelationID,
	}
	if res.Accepted {
		resp["status"] = "in_progress"
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	resp["result"] = res.Outcome
	switch res.Outcome.Status {
	case forward.StatusSucceeded:
		resp["status"] = "accepted"
		writeJSON(w, http.StatusOK, resp)
	case forward.StatusTimedOut:
		resp["status"] = "error"
		resp["error"] = forward.ErrTimeout.Error()
		writeJSON(w, http.StatusGatewayTimeout, resp)
	default:
		resp["status"] = "rejected"
		writeJSON(w, http.StatusBadGateway, resp)
	}
}

// streamTarget reads the channel identity from the path. The two-segment
// route has no direction and streams inbound traffic.
func streamTarget(r *http.Request) (bus.Direction, string, string, error) {
	dir := bus.DirectionIn
	if raw := r.PathValue("direction"); raw != "" {
		d, err := bus.ParseDirection(raw)
		if err != nil {
			return "", "", "", err
		}
		dir = d
	}
	return dir, r.PathValue("networkId"), r.PathValue("botId"), nil
}

// handleSSE streams one channel as text/event-stream, replaying the backlog
// after Last-Event-ID first.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	dir, networkID, botID, err := streamTarget(r)
	if err != nil {
		writeJSONError(w, "invalid_direction", http.StatusNotFound)
		return
	}

	sub, err := stream.NewSSE(w, s.streamOpts)
	if err != nil {
		log.Printf("[SSE] ⚠️ %v", err)
		writeJSONError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub.OnClose(func() { s.bus.Unsubscribe(dir, networkID, botID, sub) })
	if err := s.bus.Subscribe(dir, networkID, botID, sub, stream.LastEventID(r)); err != nil {
		log.Printf("[SSE] ⚠️ Subscribe %s/%s/%s failed: %v", dir, networkID, botID, err)
		sub.Close()
		return
	}

	s.activeStreams.Add(1)
	defer s.activeStreams.Add(-1)
	log.Printf("[SSE] 🔗 Subscribed: %s/%s/%s from %s", dir, networkID, botID, r.RemoteAddr)
	if err := sub.Run(r.Context()); err != nil {
		log.Printf("[SSE] ⚠️ %s/%s/%s: %v", dir, networkID, botID, err)
	}
	log.Printf("[SSE] 🔌 Closed: %s/%s/%s", dir, networkID, botID)
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS streams one channel as JSON frames over a WebSocket. The resume
// id is taken from the lastEventId query parameter.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	dir, networkID, botID, err := streamTarget(r)
	if err != nil {
		writeJSONError(w, "invalid_direction", http.StatusNotFound)
		return
	}
	lastID := stream.LastEventID(r)

	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] ⚠️ Upgrade failed: %v", err)
		return
	}

	sub := stream.NewWebSocket(raw, s.streamOpts)
	sub.OnClose(func() { s.bus.Unsubscribe(dir, networkID, botID, sub) })
	if err := s.bus.Subscribe(dir, networkID, botID, sub, lastID); err != nil {
		log.Printf("[WS] ⚠️ Subscribe %s/%s/%s failed: %v", dir, networkID, botID, err)
		sub.Close()
		raw.Close()
		return
	}

	s.activeStreams.Add(1)
	defer s.activeStreams.Add(-1)
	log.Printf("[WS] 🔗 Connected: %s/%s/%s from %s ✅", dir, networkID, botID, r.RemoteAddr)
	if err := sub.Run(r.Context()); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Printf("[WS] ⚠️ %s/%s/%s: %v", dir, networkID, botID, err)
	}
	log.Printf("[WS] 🔌 Disconnected: %s/%s/%s", dir, networkID, botID)
}

// --- Adaptor directory ---

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var in registry.AttachInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBody)).Decode(&in); err != nil {
		writeJSONError(w, "invalid_json", http.StatusBadRequest)
		return
	}
	rec, err := s.registry.Attach(r.Context(), in)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "attached",
		"adaptor": rec,
	})
}

func (s *Server) handleListAdaptors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"adaptors": s.registry.List()})
}
