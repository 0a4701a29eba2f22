package models

import "time"

type EventType string

const (
	EventOfferCreated       EventType = "OfferCreated"
	EventAssignmentAccepted EventType = "AssignmentAccepted"
	EventStatusChanged      EventType = "StatusChanged"
)

// Event is a fire-and-forget notification emitted by the dispatcher.
// Delivery is never awaited on the dispatch path.
type Event struct {
	Type      EventType     `json:"type"`
	RequestID string        `json:"request_id"`
	DriverID  string        `json:"driver_id,omitempty"`
	OfferID   string        `json:"offer_id,omitempty"`
	Status    RequestStatus `json:"status,omitempty"`
	At        time.Time     `json:"at"`
}
