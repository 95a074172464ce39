package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Kind classifies inbound customer activity events.
type Kind string

const (
	KindIdentify Kind = "IDENTIFY"
	KindTrack    Kind = "TRACK"
	KindAlias    Kind = "ALIAS"
)

// FeatureUsed is the tracked event name that feeds the power_user segment.
const FeatureUsed = "Feature Used"

// Event is a semi-structured customer activity event as received on the
// ingest surface. Events arrive out of order and may be duplicated; the
// processor reorders by TS and deduplicates by EventID.
type Event struct {
	EventID     string                 `json:"eventId"`
	TS          time.Time              `json:"ts"`
	Kind        Kind                   `json:"type"`
	UserID      string                 `json:"userId,omitempty"`
	Email       string                 `json:"email,omitempty"`
	AnonymousID string                 `json:"anonymousId,omitempty"`
	Name        string                 `json:"name,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
	Traits      map[string]interface{} `json:"traits,omitempty"`
}

var (
	ErrMissingEventID    = errors.New("eventId is required")
	ErrMissingTimestamp  = errors.New("ts is required")
	ErrMissingName       = errors.New("name is required for TRACK events")
	ErrMissingIdentifier = errors.New("at least one of userId, email, anonymousId is required")
)

// Validate enforces the ingest schema. Invalid events are rejected at the
// boundary and never enter the core.
func (e Event) Validate() error {
	if e.EventID == "" {
		return ErrMissingEventID
	}
	if e.TS.IsZero() {
		return ErrMissingTimestamp
	}
	switch e.Kind {
	case KindIdentify, KindTrack, KindAlias:
	default:
		return fmt.Errorf("unknown event type %q", e.Kind)
	}
	if e.Kind == KindTrack && e.Name == "" {
		return ErrMissingName
	}
	if e.UserID == "" && e.Email == "" && e.AnonymousID == "" {
		return ErrMissingIdentifier
	}
	return nil
}

// Decode parses and validates a single event from r.
func Decode(r io.Reader) (Event, error) {
	var e Event
	dec := json.NewDecoder(r)
	if err := dec.Decode(&e); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
