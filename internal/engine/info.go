package engine

import (
	"context"
	"time"

	"threatwatch/internal/capture"
	"threatwatch/internal/model"
	"threatwatch/internal/storage"
)

type ModelInfo struct {
	model.ModelMetadata
	IsReady           bool     `json:"is_ready"`
	IsTraining        bool     `json:"is_training"`
	ThreatTypes       []string `json:"threat_types"`
	FeatureNames      []string `json:"feature_names"`
	ThreatThreshold   float64  `json:"threat_threshold"`
	TrainingDataCount int      `json:"training_data_count"`
}

func (s *Service) GetModelInfo(ctx context.Context) (ModelInfo, error) {
	cfg := s.cfg.Get()
	md := s.cls.Metadata()
	if md.Variant == "" {
		md.Variant = cfg.Model.Variant
	}
	count, err := s.store.CountSamples(ctx)
	if err != nil {
		return ModelInfo{}, err
	}
	return ModelInfo{
		ModelMetadata:     md,
		IsReady:           s.cls.Ready(),
		IsTraining:        s.trainer.Training(),
		ThreatTypes:       append([]string(nil), model.Labels...),
		FeatureNames:      append([]string(nil), model.FeatureNames...),
		ThreatThreshold:   cfg.Detection.ThreatThreshold,
		TrainingDataCount: count,
	}, nil
}

type Status struct {
	Monitoring           bool      `json:"monitoring"`
	Interfaces           []string  `json:"interfaces"`
	CaptureAvailable     bool      `json:"capture_available"`
	Training             bool      `json:"training"`
	ThreatsDetected      int       `json:"threats_detected"`
	ActiveIncidents      int       `json:"active_incidents"`
	TrainingDataCount    int       `json:"training_data_count"`
	PendingNotifications int       `json:"pending_notifications"`
	BufferedPackets      int       `json:"buffered_packets"`
	StartedAt            time.Time `json:"started_at"`
	Model                ModelInfo `json:"model"`
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	info, err := s.GetModelInfo(ctx)
	if err != nil {
		return Status{}, err
	}
	total, err := s.store.CountThreats(ctx, "")
	if err != nil {
		return Status{}, err
	}
	active, err := s.store.CountThreats(ctx, model.StatusActive)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Monitoring:           s.supervisor.Running(),
		Interfaces:           s.supervisor.Interfaces(),
		CaptureAvailable:     s.supervisor.Available() == nil,
		Training:             info.IsTraining,
		ThreatsDetected:      total,
		ActiveIncidents:      active,
		TrainingDataCount:    info.TrainingDataCount,
		PendingNotifications: s.queue.Len(),
		BufferedPackets:      s.ring.Len(),
		StartedAt:            s.started,
		Model:                info,
	}, nil
}

func (s *Service) ListThreats(ctx context.Context, q storage.ThreatQuery) ([]model.Threat, error) {
	return s.store.ListThreats(ctx, q)
}

func (s *Service) GetThreat(ctx context.Context, id string) (model.Threat, error) {
	return s.store.GetThreat(ctx, id)
}

func (s *Service) ListAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	return s.store.ListAlerts(ctx, limit)
}

// AlertsSince returns recent alerts raised at or after ts, oldest first.
func (s *Service) AlertsSince(ts time.Time) []model.Alert {
	return s.dispatcher.Since(ts)
}

// ClearPackets empties the recent-packet buffer behind stats and timeline.
func (s *Service) ClearPackets() {
	s.ring.Clear()
}

// RecentAlerts serves from the in-memory cache without touching the store.
func (s *Service) RecentAlerts(limit int) []model.Alert {
	return s.dispatcher.Recent(limit)
}

func (s *Service) LearningSessions(ctx context.Context, limit int) ([]model.LearningSession, error) {
	return s.store.ListLearningSessions(ctx, limit)
}

func (s *Service) Stats() capture.Stats {
	return capture.ComputeStats(s.ring.Snapshot())
}

func (s *Service) Timeline(minutes int) []capture.TimelinePoint {
	return capture.Timeline(s.ring.Snapshot(), s.now(), minutes)
}

func (s *Service) RecentPackets(n int) []model.PacketRecord {
	return s.ring.Recent(n)
}
