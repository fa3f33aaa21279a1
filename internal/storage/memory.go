package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"threatwatch/internal/model"
)

// Memory is a process-local Store used for tests and ephemeral runs.
type Memory struct {
	mu       sync.RWMutex
	threats  map[string]model.Threat
	alerts   map[string]model.Alert
	samples  []model.TrainingSample
	sessions []model.LearningSession
}

func NewMemory() *Memory {
	return &Memory{threats: map[string]model.Threat{}, alerts: map[string]model.Alert{}}
}

func (m *Memory) Init(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) SaveThreat(_ context.Context, t model.Threat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Features = append(model.FeatureVector(nil), t.Features...)
	m.threats[t.ID] = t
	return nil
}

func (m *Memory) MarkThreatAlerted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threats[id]
	if !ok {
		return ErrNotFound
	}
	t.AlertSent = true
	m.threats[id] = t
	return nil
}

func (m *Memory) GetThreat(_ context.Context, id string) (model.Threat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threats[id]
	if !ok {
		return model.Threat{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) ListThreats(_ context.Context, q ThreatQuery) ([]model.Threat, error) {
	m.mu.RLock()
	out := make([]model.Threat, 0, len(m.threats))
	for _, t := range m.threats {
		if q.Status == "" || t.Status == q.Status {
			out = append(out, t)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, q.Limit, q.Offset), nil
}

func (m *Memory) CountThreats(_ context.Context, status model.ThreatStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if status == "" {
		return len(m.threats), nil
	}
	n := 0
	for _, t := range m.threats {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) SaveAlert(_ context.Context, a model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = a
	return nil
}

func (m *Memory) GetAlert(_ context.Context, id string) (model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return model.Alert{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) AcknowledgeAlert(_ context.Context, id, by string, at time.Time) (model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return model.Alert{}, ErrNotFound
	}
	at = at.UTC()
	a.Acknowledged = true
	a.AcknowledgedBy = by
	a.AcknowledgedAt = &at
	m.alerts[id] = a
	return a, nil
}

func (m *Memory) MarkAlertEmailSent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return ErrNotFound
	}
	a.EmailSent = true
	m.alerts[id] = a
	return nil
}

func (m *Memory) ListAlerts(_ context.Context, limit int) ([]model.Alert, error) {
	m.mu.RLock()
	out := make([]model.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, limit, 0), nil
}

func (m *Memory) AddSamples(_ context.Context, samples []model.TrainingSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range samples {
		s.Features = append(model.FeatureVector(nil), s.Features...)
		m.samples = append(m.samples, s)
	}
	return nil
}

func (m *Memory) ListSamples(context.Context) ([]model.TrainingSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.TrainingSample(nil), m.samples...), nil
}

func (m *Memory) CountSamples(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples), nil
}

func (m *Memory) SaveLearningSession(_ context.Context, s model.LearningSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, s)
	return nil
}

func (m *Memory) ListLearningSessions(_ context.Context, limit int) ([]model.LearningSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.LearningSession, 0, len(m.sessions))
	for i := len(m.sessions) - 1; i >= 0; i-- {
		out = append(out, m.sessions[i])
	}
	if limit <= 0 {
		limit = 20
	}
	return page(out, limit, 0), nil
}

func page[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		limit = 50
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
