// Package bus provides the per-channel event logs that carry gateway traffic.
//
// Every (network, bot, direction) triple gets its own Channel: a bounded
// RingLog plus the set of subscribers currently streaming from it. Event ids
// are assigned per channel, start at 1 and are never reused, so a client can
// resume a stream by handing back the last id it saw.
package bus

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Direction tells which side of the gateway a message travels on.
type Direction string

const (
	DirectionIn  Direction = "in"  // received by the gateway
	DirectionOut Direction = "out" // reply routed back through the gateway
)

// ParseDirection accepts "in" or "out" (case-insensitive).
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case DirectionIn:
		return DirectionIn, nil
	case DirectionOut:
		return DirectionOut, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// BotType is the kind of remote agent a bot is backed by.
type BotType string

const (
	BotTypeBrain BotType = "brain"
	BotTypeID    BotType = "id"
)

// Valid reports whether t is one of the known bot types.
func (t BotType) Valid() bool {
	return t == BotTypeBrain || t == BotTypeID
}

// ChannelIdentity is the map key for a Channel.
type ChannelIdentity struct {
	NetworkID string
	BotID     string
	Direction Direction
}

func (c ChannelIdentity) String() string {
	return fmt.Sprintf("%s/%s/%s", c.Direction, c.NetworkID, c.BotID)
}

// Message is the payload carried by an Event. It is treated as immutable once
// published.
type Message struct {
	NetworkID     string  `json:"networkId"`
	BotID         string  `json:"botId"`
	BotType       BotType `json:"botType"`
	GroupID       string  `json:"groupId,omitempty"`
	UserID        string  `json:"userId,omitempty"`
	MessageID     string  `json:"replyMessageId,omitempty"`
	CorrelationID string  `json:"correlationId,omitempty"`
	// ForwardStatus is set only on messages reporting a late forward outcome.
	ForwardStatus string `json:"forwardStatus,omitempty"`
	Body          string `json:"message"`
}

// Identity returns the channel a message is routed to for the given direction.
func (m Message) Identity(dir Direction) ChannelIdentity {
	return ChannelIdentity{NetworkID: m.NetworkID, BotID: m.BotID, Direction: dir}
}

// Event is one entry of a channel's log.
type Event struct {
	ID        uint64    `json:"id"`
	Direction Direction `json:"direction"`
	Payload   Message   `json:"payload"`
}

// EventName is the SSE event name used for every bus event.
const EventName = "message"

// Data returns the JSON encoding of the payload, as written on the wire.
func (e Event) Data() ([]byte, error) {
	return json.Marshal(e.Payload)
}
