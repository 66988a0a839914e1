// Package alert implements operator monitoring: structured notifications
// for risk-state transitions, emergency flattens and per-cycle anomalies,
// fanned out to any number of configured sinks.
// Delivery is best-effort and fully asynchronous; a slow or failing sink can
// never stall the trading cycle.
package alert

import (
	"context"
	"sync"
	"time"

	"fundingarb/internal/core"
)

// Level grades an event's operational severity.
type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Event is the structured payload every sink receives.
type Event struct {
	Level     Level             `json:"level"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Sink delivers one Event to a destination (webhook, Slack, Telegram).
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Name() string
}

// sendTimeout bounds each sink delivery independently of the caller's
// context, so a sink stuck in a TCP handshake cannot outlive the cycle that
// triggered it.
const sendTimeout = 10 * time.Second

// Manager fans events out to every registered sink on its own goroutines.
type Manager struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger core.ILogger
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{logger: logger.WithField("component", "alert")}
}

// AddSink registers a delivery destination.
func (m *Manager) AddSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
	m.logger.Info("alert sink registered", "sink", s.Name())
}

// Alert dispatches the event to every sink without waiting for delivery.
// Failures are logged and dropped; alerting never blocks or fails the cycle.
func (m *Manager) Alert(ctx context.Context, title, message string, level Level, fields map[string]string) {
	ev := Event{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.logger.Info("alert raised", "title", title, "level", level)

	m.mu.RLock()
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.RUnlock()

	for _, s := range sinks {
		go func(s Sink) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			defer cancel()
			if err := s.Send(sendCtx, ev); err != nil {
				m.logger.Error("alert delivery failed", "sink", s.Name(), "error", err)
			}
		}(s)
	}
}
