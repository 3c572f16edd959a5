// Package notification delivers patient-facing events emitted by the
// access-control engine. Delivery is fire-and-forget; a failed or slow
// notifier never blocks or rolls back a ledger decision.
package notification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/domain/identity"
)

// EventType classifies a patient notification.
type EventType string

const (
	EventRecordAdded     EventType = "record-added"
	EventAccessGranted   EventType = "access-granted"
	EventAccessRevoked   EventType = "access-revoked"
	EventAccessDenied    EventType = "access-denied"
	EventEmergencyAccess EventType = "emergency-access"
)

// Event is one patient-facing occurrence worth surfacing.
type Event struct {
	Type      EventType   `json:"type"`
	Patient   identity.ID `json:"patient"`
	Actor     identity.ID `json:"actor"`
	RecordID  *uuid.UUID  `json:"record_id,omitempty"`
	SessionID *uuid.UUID  `json:"session_id,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	At        time.Time   `json:"at"`
}

// Notifier delivers events to patients. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// LogNotifier writes events to the structured log. It stands in for a real
// delivery channel (email, SMS, push) in development and single-node runs.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) {
	evt := n.logger.Info().
		Str("event", string(ev.Type)).
		Str("patient", string(ev.Patient)).
		Str("actor", string(ev.Actor)).
		Time("at", ev.At)
	if ev.RecordID != nil {
		evt = evt.Str("record_id", ev.RecordID.String())
	}
	if ev.SessionID != nil {
		evt = evt.Str("session_id", ev.SessionID.String())
	}
	if ev.Detail != "" {
		evt = evt.Str("detail", ev.Detail)
	}
	evt.Msg("patient notification")
}

// Recorder captures events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
