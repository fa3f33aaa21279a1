package engine

import (
	"context"

	"github.com/google/uuid"

	"threatwatch/internal/events"
	"threatwatch/internal/features"
	"threatwatch/internal/metrics"
	"threatwatch/internal/model"
)

// Analysis is the outcome of classifying one packet. Threat and Alert are
// set only when the packet crossed the threat threshold and, for Alert,
// the severity was Critical or High.
type Analysis struct {
	Label      string        `json:"label"`
	Confidence float64       `json:"confidence"`
	Threat     *model.Threat `json:"threat,omitempty"`
	Alert      *model.Alert  `json:"alert,omitempty"`
}

// process runs one packet through extraction, classification, recording,
// alerting and feedback. Storage errors on the threat path are returned;
// feedback errors are only logged.
func (s *Service) process(ctx context.Context, p model.PacketRecord) (Analysis, error) {
	cfg := s.cfg.Get()
	vec := features.Extract(p)
	pred := s.cls.Predict(vec)
	metrics.ObservePrediction(p.InterfaceName, pred.Label)

	out := Analysis{Label: pred.Label, Confidence: pred.Confidence}
	if !pred.IsThreat(cfg.Detection.ThreatThreshold) {
		return out, nil
	}

	t, err := s.recorder.Load().Record(ctx, p, pred.Label, pred.Confidence, vec)
	if err != nil {
		return out, err
	}
	metrics.ObserveThreat(string(t.Severity))
	if s.logger != nil {
		s.logger.Warn("threat detected",
			"threat_id", t.ID,
			"type", t.Type,
			"severity", t.Severity,
			"confidence", t.Confidence,
			"source", t.SourceAddress,
			"dest", t.DestAddress,
		)
	}
	s.emitter.Emit(events.NewThreat, t)

	alert, err := s.dispatcher.Handle(ctx, t)
	if alert != nil {
		t.AlertSent = true
		out.Alert = alert
		metrics.ObserveAlert()
	}
	out.Threat = &t
	if err != nil {
		return out, err
	}

	if cfg.Detection.FeedbackEnabled && pred.Confidence > cfg.Detection.FeedbackThreshold {
		s.learn(ctx, vec, pred.Label)
	}
	return out, nil
}

// learn appends a live detection to the sample store.
func (s *Service) learn(ctx context.Context, vec model.FeatureVector, label string) {
	sample := model.TrainingSample{
		ID:        uuid.NewString(),
		Features:  append(model.FeatureVector(nil), vec...),
		Label:     label,
		Source:    model.SourceLiveDetection,
		Validated: true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AddSamples(ctx, []model.TrainingSample{sample}); err != nil {
		metrics.ObserveFeedback(metrics.OutcomeError)
		if s.logger != nil {
			s.logger.Warn("feedback sample not stored", "label", label, "err", err)
		}
		return
	}
	metrics.ObserveFeedback(metrics.OutcomeSuccess)
}
