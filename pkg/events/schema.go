package events

// EventType defines the type of event
type EventType string

const (
	// Proto record lifecycle
	EventTypeProtoSubmitted  EventType = "proto.submitted"
	EventTypeProtoDiscovered EventType = "proto.discovered"
	EventTypeProtoSelected   EventType = "proto.selected"
	EventTypeProtoRealized   EventType = "proto.realized"

	// Entity lifecycle
	EventTypeEntityCreated      EventType = "entity.created"
	EventTypeEntityConsolidated EventType = "entity.consolidated"
)
