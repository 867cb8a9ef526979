package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being broadcast.
type EventType string

const (
	EventPortsListed        EventType = "ports.listed"
	EventConnectionStatus   EventType = "connection.status"
	EventCommandResponse    EventType = "command.response"
	EventOperationStarted   EventType = "operation.started"
	EventOperationProgress  EventType = "operation.progress"
	EventOperationCompleted EventType = "operation.completed"
	EventError              EventType = "error"
)

// Event is the envelope broadcast on the event relay.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Payloads carried by each event type.

type PortsListed struct {
	Ports []PortCandidate `json:"ports"`
}

type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address,omitempty"`
	Message   string `json:"message"`
}

type CommandResponse struct {
	Command  string         `json:"command"`
	Response string         `json:"response"`
	Status   ExchangeStatus `json:"status"`
}

type OperationStarted struct {
	Name string `json:"name"`
}

type OperationProgress struct {
	Name    string `json:"name"`
	Percent int    `json:"percent"`
}

type OperationCompleted struct {
	Name    string `json:"name"`
	Result  string `json:"result"`
	Locator string `json:"locator,omitempty"`
}

type ErrorEvent struct {
	Message string    `json:"message"`
	Code    ErrorCode `json:"code,omitempty"`
}

// NewEvent builds an envelope with the payload marshalled to JSON.
// Payload types in this package always marshal; a failure yields an event
// without payload rather than an error.
func NewEvent(t EventType, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now()}
	if payload == nil {
		return ev
	}
	if data, err := json.Marshal(payload); err == nil {
		ev.Payload = data
	}
	return ev
}

// DecodePayload unmarshals the event payload into v.
func (e Event) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Subscriber is a sink for broadcast events. Deliver must not block; it
// returns an error (usually ErrSubscriberUnreachable) when the sink can no
// longer accept events, after which the relay drops it.
type Subscriber interface {
	Deliver(event Event) error
	Close()
}

// EventRelay fans out events to a dynamic set of subscribers.
type EventRelay interface {
	// Add registers a subscriber. Events broadcast before Add are not replayed.
	Add(sub Subscriber)
	// Unsubscribe removes and closes a subscriber. Unknown subscribers are ignored.
	Unsubscribe(sub Subscriber)
	// Broadcast delivers the event to every registered subscriber.
	Broadcast(ctx context.Context, event Event)
}
