package classifier

import (
	"sync/atomic"

	"threatwatch/internal/model"
)

// UntrainedConfidence is reported for every prediction made without a model.
const UntrainedConfidence = 0.5

type Snapshot struct {
	Model    Model
	Scaler   Scaler
	Metadata model.ModelMetadata
}

type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// IsThreat reports whether the prediction names a real threat above threshold.
func (p Prediction) IsThreat(threshold float64) bool {
	return p.Label != model.LabelNormal && p.Label != model.LabelUnknown && p.Confidence > threshold
}

// Classifier serves predictions from the active snapshot. The snapshot is
// replaced as a whole, so a prediction never sees a model paired with
// another run's scaler.
type Classifier struct {
	active atomic.Pointer[Snapshot]
}

func New() *Classifier {
	return &Classifier{}
}

func (c *Classifier) Ready() bool {
	return c.active.Load() != nil
}

func (c *Classifier) Swap(s *Snapshot) {
	c.active.Store(s)
}

func (c *Classifier) Active() *Snapshot {
	return c.active.Load()
}

func (c *Classifier) Predict(v model.FeatureVector) Prediction {
	s := c.active.Load()
	if s == nil {
		return Prediction{Label: model.LabelUnknown, Confidence: UntrainedConfidence}
	}
	label, conf := s.Model.Predict(Input{Raw: v, Scaled: s.Scaler.Transform(v)})
	return Prediction{Label: label, Confidence: conf}
}

// Metadata returns a copy of the active metadata, or the zero value when untrained.
func (c *Classifier) Metadata() model.ModelMetadata {
	s := c.active.Load()
	if s == nil {
		return model.ModelMetadata{}
	}
	md := s.Metadata
	md.TrainingHistory = append([]model.TrainingRun(nil), s.Metadata.TrainingHistory...)
	return md
}
