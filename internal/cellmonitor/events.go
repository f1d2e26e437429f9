package cellmonitor

import (
	"sync"
	"time"

	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
)

const cellImbalanceEvent = "cellImbalance"

// EventAlertSink records alerts with the event reporter so they are
// uploaded with the rest of the device events. A battery gets at most one
// event per interval; the alert list and other sinks still see every alert.
type EventAlertSink struct {
	addEvent func(eventclient.Event) error
	interval time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewEventAlertSink(interval time.Duration) *EventAlertSink {
	return &EventAlertSink{
		addEvent: eventclient.AddEvent,
		interval: interval,
		lastSent: map[string]time.Time{},
	}
}

func (s *EventAlertSink) SendAlert(a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastSent[a.BatteryID]; ok && a.Timestamp.Sub(last) < s.interval {
		log.Debugf("Cell imbalance event for %s already sent at %s", a.BatteryID, last.Format(time.RFC3339))
		return nil
	}
	err := s.addEvent(eventclient.Event{
		Timestamp: a.Timestamp,
		Type:      cellImbalanceEvent,
		Details: map[string]interface{}{
			"battery": a.BatteryID,
			"spread":  a.Spread,
			"min":     a.Min,
			"max":     a.Max,
		},
	})
	if err != nil {
		return err
	}
	s.lastSent[a.BatteryID] = a.Timestamp
	return nil
}
