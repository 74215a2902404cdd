package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being delivered.
type EventType string

// Broadcast events, delivered to the other participants of a session in the
// order their triggering operations were accepted.
const (
	EventParticipantJoined EventType = "participant.joined"
	EventParticipantLeft   EventType = "participant.left"
	EventCursorMoved       EventType = "cursor.moved"
	EventToolChanged       EventType = "tool.changed"
	EventViewportChanged   EventType = "viewport.changed"
	EventStrokeBegan       EventType = "stroke.began"
	EventStrokeMoved       EventType = "stroke.moved"
	EventShapeAdded        EventType = "shape.added"
	EventElementErased     EventType = "element.erased"
	EventCanvasCleared     EventType = "canvas.cleared"
	EventCanvasUpdated     EventType = "canvas.updated" // undo/redo result
	EventBoardLoaded       EventType = "board.loaded"
)

// Observational events, published on the in-process bus for metrics and the
// snapshot archive. Document delivery never rides on these.
const (
	EventSessionCreated   EventType = "session.created"
	EventSessionDestroyed EventType = "session.destroyed"
	EventOperationApplied EventType = "operation.applied"
	EventFrameDropped     EventType = "frame.dropped"
	EventSnapshotSaved    EventType = "snapshot.saved"
)

// Event is the envelope broadcast to participants and published on the bus.
type Event struct {
	Type          EventType       `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	SessionID     string          `json:"session_id,omitempty"`
	ParticipantID string          `json:"participant_id,omitempty"` // acting participant
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event envelope, marshalling payload to JSON. A nil
// payload yields an empty payload field.
func NewEvent(t EventType, sessionID, participantID string, payload any) Event {
	e := Event{
		Type:          t,
		Timestamp:     time.Now(),
		SessionID:     sessionID,
		ParticipantID: participantID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			e.Payload = raw
		}
	}
	return e
}

// EventHandler processes a published event.
type EventHandler func(ctx context.Context, event Event)

// EventBus is the in-process observational bus. Handlers run concurrently;
// consumers must not rely on it for ordering.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	Close()
}
