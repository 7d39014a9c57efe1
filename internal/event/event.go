// Package event defines the build events streamed by the analysis backend and
// the wire codec shared by the event channel, the relay, and the notifier.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Class is the coarse classification assigned to an event kind at decode time.
type Class int

// Supported event classes.
const (
	ClassUnknown Class = iota
	ClassStage
	ClassSucceeded
	ClassFailed
)

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case ClassStage:
		return "stage"
	case ClassSucceeded:
		return "succeeded"
	case ClassFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Well-known kind tags published by the analysis workers.
const (
	KindAllDone         = "all-done"
	KindError           = "error"
	KindDownloadDone    = "download-done"
	KindCoverageDone    = "coverage-done"
	KindCoverageError   = "coverage-error"
	KindMetalinterError = "metalinter-error"
	KindAlreadyAnalyzed = "already-analyzed"

	suffixDone  = "-done"
	suffixError = "-error"
)

// Event is one decoded message from the backend.
type Event struct {
	// Repo identifies the repository the event concerns.
	Repo string
	// Kind is the raw type tag, e.g. "golint-done" or "all-done".
	Kind string
	// Payload carries the kind-specific value: the new build id on all-done,
	// the failure reason on error.
	Payload string
	// Description is free text attached by the publisher.
	Description string

	class  Class
	stage  string
	failed bool
}

// New builds an Event and classifies its kind.
func New(repo, kind, payload string) Event {
	e := Event{Repo: repo, Kind: kind, Payload: payload}
	e.class, e.stage, e.failed = Classify(kind)
	return e
}

// Class returns the classification computed from the kind.
func (e Event) Class() Class {
	return e.class
}

// Stage returns the stage name for stage events, empty otherwise.
func (e Event) Stage() string {
	return e.stage
}

// StageFailed reports whether a stage event signals a stage error.
func (e Event) StageFailed() bool {
	return e.failed
}

// Terminal reports whether the event resolves a build.
func (e Event) Terminal() bool {
	return e.class == ClassSucceeded || e.class == ClassFailed
}

// Classify maps a kind tag to its class. For stage kinds it also returns the
// stage name and whether the stage errored.
func Classify(kind string) (Class, string, bool) {
	switch kind {
	case KindAllDone:
		return ClassSucceeded, "", false
	case KindError:
		return ClassFailed, "", false
	}
	if stage, ok := strings.CutSuffix(kind, suffixDone); ok && stage != "" {
		return ClassStage, stage, false
	}
	if stage, ok := strings.CutSuffix(kind, suffixError); ok && stage != "" {
		return ClassStage, stage, true
	}
	return ClassUnknown, "", false
}

// ErrMalformed is returned by Decode for frames that are not events.
var ErrMalformed = errors.New("malformed event frame")

type wireEvent struct {
	Repo        string `json:"repo,omitempty"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Payload     string `json:"payload,omitempty"`
}

// inboundEvent accepts any JSON value as payload; producers are not
// consistent about quoting build numbers.
type inboundEvent struct {
	Repo        string          `json:"repo"`
	Description string          `json:"description"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
}

// Decode parses a text frame into an Event. The frame must be a JSON object
// with non-empty string "repo" and "type" fields. A non-string payload is
// kept as its compact JSON text, so 42 becomes "42".
func Decode(frame []byte) (Event, error) {
	var w inboundEvent
	if err := json.Unmarshal(frame, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	payload, err := payloadText(w.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: payload: %w", ErrMalformed, err)
	}
	if w.Repo == "" {
		return Event{}, fmt.Errorf("%w: missing repo", ErrMalformed)
	}
	if w.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	e := New(w.Repo, w.Type, payload)
	e.Description = w.Description
	if e.class == ClassFailed && e.Payload == "" {
		e.Payload = w.Description
	}
	return e, nil
}

func payloadText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Encode renders the event in wire form.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(wireEvent{
		Repo:        e.Repo,
		Description: e.Description,
		Type:        e.Kind,
		Payload:     e.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}
