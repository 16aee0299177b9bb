// Package forward hands gateway messages to the remote agent and decides what
// the HTTP caller gets back.
//
// Every forward attempt gets a fresh correlation id. The transport call runs
// in its own goroutine and is never cancelled by the caller's timeout; its
// outcome can arrive either as the call's return value or as an independent
// callback carrying the same correlation id, and only the first one counts.
package forward

import (
	"context"
	"errors"
	"time"

	"github.com/dayuer/beacon-gateway/internal/bus"
)

// Status is the terminal state of a forward attempt as seen by one observer.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Outcome is the result of a forward attempt.
type Outcome struct {
	Status      Status `json:"status"`
	Description string `json:"description,omitempty"`
}

// Succeeded builds a successful outcome.
func Succeeded(description string) Outcome {
	return Outcome{Status: StatusSucceeded, Description: description}
}

// Failed builds a failed outcome.
func Failed(description string) Outcome {
	return Outcome{Status: StatusFailed, Description: description}
}

// TimedOut is returned to an awaiting caller when the transport did not
// answer in time. The transport call keeps running.
func TimedOut() Outcome {
	return Outcome{Status: StatusTimedOut, Description: ErrTimeout.Error()}
}

// ErrTimeout describes a forward that outlived the caller's deadline.
var ErrTimeout = errors.New("forward timeout")

// Request is what the transport delivers to the remote agent.
type Request struct {
	CorrelationID string      `json:"refId"`
	ReturnAddress string      `json:"returnGatewayID"`
	Message       bus.Message `json:"message"`
}

// Transport delivers a request to the remote agent. A returned error is a
// transport failure (unreachable, rejected); a nil error with a failed
// Outcome means the agent answered and declined.
type Transport interface {
	Send(ctx context.Context, req Request) (Outcome, error)
}

// Settings are read on every forward so they can change at runtime.
type Settings struct {
	Timeout time.Duration
	Await   bool
}

// SettingsSource supplies the current Settings.
type SettingsSource interface {
	ForwardSettings() Settings
}

// StaticSettings is a fixed SettingsSource.
type StaticSettings Settings

// ForwardSettings implements SettingsSource.
func (s StaticSettings) ForwardSettings() Settings { return Settings(s) }

// Publisher receives late outcomes for the outbound stream.
type Publisher interface {
	PublishOutbound(msg bus.Message) bus.Event
}
