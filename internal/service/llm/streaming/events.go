package streaming

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	mstream "github.com/haowjy/meridian-stream-go"
)

// RecordedEvent is one run event as kept for catchup and polling.
type RecordedEvent struct {
	Seq  int             `json:"seq"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	At   time.Time       `json:"at"`
}

// EventLog records the events of one run and relays them to the run's stream.
// Events persisted through MarkPersisted are replayed to reconnecting clients.
type EventLog struct {
	runID  string
	logger *slog.Logger

	mu        sync.Mutex
	send      func(mstream.Event)
	events    []RecordedEvent
	persisted int
}

// NewEventLog creates an empty log for a run.
func NewEventLog(runID string, logger *slog.Logger) *EventLog {
	return &EventLog{runID: runID, logger: logger}
}

// Attach connects the log to the live stream. Events published before Attach
// are only available through catchup.
func (l *EventLog) Attach(send func(mstream.Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.send = send
}

// Publish records an event and sends it to connected clients.
func (l *EventLog) Publish(eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		l.logger.Error("failed to marshal event data", "error", err, "event_type", eventType, "run_id", l.runID)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, RecordedEvent{
		Seq:  len(l.events) + 1,
		Type: eventType,
		Data: jsonData,
		At:   time.Now().UTC(),
	})
	if l.send != nil {
		l.send(mstream.NewEvent(jsonData).WithType(eventType))
	}
}

// MarkPersisted makes every event recorded so far part of catchup.
// It has the shape of an mstream PersistAndClear callback.
func (l *EventLog) MarkPersisted([]mstream.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.persisted = len(l.events)
	return nil
}

// Events returns every recorded event after seq.
func (l *EventLog) Events(after int) []RecordedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if after < 0 {
		after = 0
	}
	if after >= len(l.events) {
		return []RecordedEvent{}
	}
	return append([]RecordedEvent(nil), l.events[after:]...)
}

// Catchup replays persisted events to clients joining the stream late.
func (l *EventLog) Catchup(streamID string, lastEventID string) ([]mstream.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.logger.Debug("building catchup events",
		"run_id", streamID,
		"last_event_id", lastEventID,
		"persisted", l.persisted,
	)

	events := make([]mstream.Event, 0, l.persisted)
	for _, recorded := range l.events[:l.persisted] {
		events = append(events, mstream.NewEvent(recorded.Data).WithType(recorded.Type))
	}
	return events, nil
}
