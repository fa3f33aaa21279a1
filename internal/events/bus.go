package events

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Kind string

const (
	MonitoringStarted Kind = "monitoring_started"
	MonitoringStopped Kind = "monitoring_stopped"
	InterfaceError    Kind = "interface_error"
	PacketCaptured    Kind = "packet_captured"
	TrainingStarted   Kind = "training_started"
	TrainingProgress  Kind = "training_progress"
	TrainingCompleted Kind = "training_completed"
	TrainingFailed    Kind = "training_failed"
	NewThreat         Kind = "new_threat"
	NewAlert          Kind = "new_alert"
)

// AllKinds lists every event kind in emission-surface order.
var AllKinds = []Kind{
	MonitoringStarted, MonitoringStopped, InterfaceError, PacketCaptured,
	TrainingStarted, TrainingProgress, TrainingCompleted, TrainingFailed,
	NewThreat, NewAlert,
}

var ErrHandlerExists = errors.New("handler already registered")

type Event struct {
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

type Handler func(Event)

// Emitter is the producer side of the bus.
type Emitter interface {
	Emit(kind Kind, payload any)
}

// Bus delivers each event synchronously to the single handler registered
// for its kind. Events without a handler are dropped.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
	logger   *slog.Logger
	now      func() time.Time
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{handlers: map[Kind]Handler{}, logger: logger, now: time.Now}
}

func (b *Bus) On(kind Kind, h Handler) error {
	if h == nil {
		return errors.New("nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[kind]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, kind)
	}
	b.handlers[kind] = h
	return nil
}

func (b *Bus) Off(kind Kind) {
	b.mu.Lock()
	delete(b.handlers, kind)
	b.mu.Unlock()
}

func (b *Bus) Emit(kind Kind, payload any) {
	b.mu.RLock()
	h := b.handlers[kind]
	b.mu.RUnlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event handler panic", "kind", kind, "panic", r)
		}
	}()
	h(Event{Kind: kind, Time: b.now().UTC(), Payload: payload})
}

// Discard is an Emitter that drops every event.
type Discard struct{}

func (Discard) Emit(Kind, any) {}

type InterfacePayload struct {
	Interfaces []string `json:"interfaces"`
}

type InterfaceErrorPayload struct {
	Interface string `json:"interface"`
	Error     string `json:"error"`
}

type ProgressPayload struct {
	Epoch    int     `json:"epoch"`
	Epochs   int     `json:"epochs"`
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

type TrainingPayload struct {
	SessionType string  `json:"session_type"`
	Samples     int     `json:"samples"`
	Version     int     `json:"version,omitempty"`
	Accuracy    float64 `json:"accuracy,omitempty"`
	Error       string  `json:"error,omitempty"`
}
