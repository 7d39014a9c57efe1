package progress

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/buildwatch/internal/event"
)

// Origin names the component that observed an event.
type Origin string

// Known origins.
const (
	OriginRelay Origin = "relay"
	OriginWatch Origin = "watch"
)

// Record is one observed build event.
type Record struct {
	// ID uniquely identifies the observation.
	ID uuid.UUID
	// TS is the UTC time the event was observed.
	TS time.Time
	// Origin is the observing component.
	Origin Origin
	// Event is the decoded build event.
	Event event.Event
}

// NewRecord stamps e with a fresh ID and the given observation time.
func NewRecord(e event.Event, origin Origin, ts time.Time) Record {
	return Record{ID: uuid.New(), TS: ts.UTC(), Origin: origin, Event: e}
}

// Validate performs coarse validation on Record payloads.
func (r Record) Validate() error {
	if r.ID == uuid.Nil {
		return errors.New("record id is required")
	}
	if r.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if r.Event.Repo == "" {
		return errors.New("event repo is required")
	}
	if r.Event.Kind == "" {
		return errors.New("event kind is required")
	}
	return nil
}
