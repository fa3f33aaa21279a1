package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"threatwatch/internal/classifier"
	"threatwatch/internal/config"
	"threatwatch/internal/events"
	"threatwatch/internal/features"
	"threatwatch/internal/model"
)

var (
	ErrAlreadyTraining  = errors.New("training already in progress")
	ErrInsufficientData = errors.New("insufficient training data")
)

const (
	SessionCSVUpload   = "csv_upload"
	SessionManual      = "manual"
	SessionIncremental = "incremental"
	SessionRetrain     = "retrain"
)

// ValidationError names the first sample that failed validation.
type ValidationError struct {
	Index  int
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("sample %d: %s", e.Index, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

type Store interface {
	AddSamples(ctx context.Context, samples []model.TrainingSample) error
	ListSamples(ctx context.Context) ([]model.TrainingSample, error)
	SaveLearningSession(ctx context.Context, s model.LearningSession) error
}

type Result struct {
	Metadata model.ModelMetadata `json:"metadata"`
	Samples  int                 `json:"samples"`
	Accuracy float64             `json:"accuracy"`
}

// Coordinator runs at most one training at a time and swaps the new model
// into the classifier only after its artifacts are persisted.
type Coordinator struct {
	cls       *classifier.Classifier
	artifacts *classifier.Artifacts
	store     Store
	emitter   events.Emitter
	logger    *slog.Logger
	opts      config.ModelConfig
	now       func() time.Time

	// floor seeds version, totals and history when the classifier holds
	// no model, so a torn artifact set never rewinds them.
	floor model.ModelMetadata

	training atomic.Bool
}

func NewCoordinator(cls *classifier.Classifier, artifacts *classifier.Artifacts, store Store, opts config.ModelConfig, emitter events.Emitter, logger *slog.Logger) *Coordinator {
	if emitter == nil {
		emitter = events.Discard{}
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 10
	}
	if opts.Variant == "" {
		opts.Variant = classifier.VariantSoftmax
	}
	return &Coordinator{
		cls:       cls,
		artifacts: artifacts,
		store:     store,
		emitter:   emitter,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

func (c *Coordinator) Training() bool {
	return c.training.Load()
}

// Load restores the persisted model. Missing or inconsistent artifacts
// leave the classifier untrained; inconsistent ones still bound the next
// version and sample total.
func (c *Coordinator) Load() error {
	snap, err := c.artifacts.Load()
	if err != nil {
		var torn *classifier.TornError
		if errors.As(err, &torn) {
			c.floor = torn.Floor
			if c.logger != nil {
				c.logger.Warn("ignoring inconsistent model artifacts", "dir", c.artifacts.Dir(), "err", err)
			}
			return nil
		}
		return fmt.Errorf("load model: %w", err)
	}
	if snap == nil {
		if c.logger != nil {
			c.logger.Info("no persisted model, classifier untrained", "dir", c.artifacts.Dir())
		}
		return nil
	}
	c.cls.Swap(snap)
	if c.logger != nil {
		c.logger.Info("model loaded", "version", snap.Metadata.Version, "variant", snap.Model.Variant())
	}
	return nil
}

// TrainSamples trains on an explicit upload. The samples are stored before
// fitting so later full retrains include them.
func (c *Coordinator) TrainSamples(ctx context.Context, samples []model.TrainingSample, sessionType string) (Result, error) {
	if sessionType == "" {
		sessionType = SessionManual
	}
	return c.run(ctx, sessionType, func(context.Context) ([]model.TrainingSample, bool, error) {
		return samples, true, nil
	})
}

// RetrainAll trains on every stored sample.
func (c *Coordinator) RetrainAll(ctx context.Context) (Result, error) {
	return c.run(ctx, SessionRetrain, func(ctx context.Context) ([]model.TrainingSample, bool, error) {
		samples, err := c.store.ListSamples(ctx)
		return samples, false, err
	})
}

type gatherFunc func(ctx context.Context) (samples []model.TrainingSample, persist bool, err error)

func (c *Coordinator) run(ctx context.Context, sessionType string, gather gatherFunc) (Result, error) {
	if !c.training.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyTraining
	}
	defer c.training.Store(false)
	// A started run is never cancelled part way.
	ctx = context.WithoutCancel(ctx)

	samples, persist, err := gather(ctx)
	if err != nil {
		return Result{}, err
	}
	c.emitter.Emit(events.TrainingStarted, events.TrainingPayload{SessionType: sessionType, Samples: len(samples)})
	if c.logger != nil {
		c.logger.Info("training started", "session", sessionType, "samples", len(samples), "variant", c.opts.Variant)
	}

	res, err := c.train(ctx, sessionType, samples, persist)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("training failed", "session", sessionType, "err", err)
		}
		c.emitter.Emit(events.TrainingFailed, events.TrainingPayload{SessionType: sessionType, Samples: len(samples), Error: err.Error()})
		return Result{}, err
	}
	if c.logger != nil {
		c.logger.Info("training completed", "session", sessionType, "version", res.Metadata.Version, "accuracy", res.Accuracy)
	}
	c.emitter.Emit(events.TrainingCompleted, events.TrainingPayload{
		SessionType: sessionType,
		Samples:     res.Samples,
		Version:     res.Metadata.Version,
		Accuracy:    res.Accuracy,
	})
	return res, nil
}

func (c *Coordinator) train(ctx context.Context, sessionType string, samples []model.TrainingSample, persist bool) (Result, error) {
	if len(samples) < c.opts.MinSamples {
		return Result{}, fmt.Errorf("%w: %d samples, need at least %d", ErrInsufficientData, len(samples), c.opts.MinSamples)
	}
	if err := Validate(samples); err != nil {
		return Result{}, err
	}
	if persist {
		if err := c.store.AddSamples(ctx, prepareUpload(samples, c.now())); err != nil {
			return Result{}, fmt.Errorf("store samples: %w", err)
		}
	}

	vectors := make([]model.FeatureVector, len(samples))
	for i, s := range samples {
		vectors[i] = s.Features
	}
	scaler, err := classifier.FitScaler(vectors)
	if err != nil {
		return Result{}, err
	}
	trainIdx, holdIdx := Split(len(samples), c.opts.HoldoutEvery)
	inputs, labels := c.encode(samples, scaler, trainIdx)
	m, err := classifier.Fit(c.opts.Variant, inputs, labels, classifier.FitOptions{
		Epochs:       c.opts.Epochs,
		LearningRate: c.opts.LearningRate,
		Progress: func(p events.ProgressPayload) {
			c.emitter.Emit(events.TrainingProgress, p)
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("fit model: %w", err)
	}
	evalIdx := holdIdx
	if len(evalIdx) == 0 {
		evalIdx = trainIdx
	}
	accuracy := evaluate(m, scaler, samples, evalIdx)

	prev := c.cls.Metadata()
	if prev.Version < c.floor.Version {
		prev = c.floor
	}
	now := c.now().UTC()
	history := append([]model.TrainingRun(nil), prev.TrainingHistory...)
	md := model.ModelMetadata{
		Version:             prev.Version + 1,
		Variant:             m.Variant(),
		TrainingDate:        &now,
		TotalSamplesTrained: prev.TotalSamplesTrained + len(samples),
		Accuracy:            accuracy,
		TrainingHistory: append(history, model.TrainingRun{
			Date:     now,
			Samples:  len(samples),
			Accuracy: accuracy,
			Version:  prev.Version + 1,
		}),
	}
	snap := &classifier.Snapshot{Model: m, Scaler: scaler, Metadata: md}
	if err := c.artifacts.Save(snap); err != nil {
		return Result{}, fmt.Errorf("persist model: %w", err)
	}
	c.cls.Swap(snap)

	session := model.LearningSession{
		Type:         sessionType,
		SamplesAdded: len(samples),
		ModelVersion: md.Version,
		Accuracy:     accuracy,
		Source:       sessionSource(sessionType),
		CreatedAt:    now,
	}
	if err := c.store.SaveLearningSession(ctx, session); err != nil && c.logger != nil {
		c.logger.Warn("learning session not recorded", "version", md.Version, "err", err)
	}
	return Result{Metadata: md, Samples: len(samples), Accuracy: accuracy}, nil
}

func (c *Coordinator) encode(samples []model.TrainingSample, scaler classifier.Scaler, idx []int) ([]classifier.Input, []int) {
	inputs := make([]classifier.Input, 0, len(idx))
	labels := make([]int, 0, len(idx))
	for _, i := range idx {
		s := samples[i]
		inputs = append(inputs, classifier.Input{Raw: s.Features, Scaled: scaler.Transform(s.Features)})
		labels = append(labels, model.LabelIndex(s.Label))
	}
	return inputs, labels
}

func evaluate(m classifier.Model, scaler classifier.Scaler, samples []model.TrainingSample, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	correct := 0
	for _, i := range idx {
		s := samples[i]
		label, _ := m.Predict(classifier.Input{Raw: s.Features, Scaled: scaler.Transform(s.Features)})
		if label == s.Label {
			correct++
		}
	}
	return float64(correct) / float64(len(idx))
}

// Validate checks every sample and reports the first invalid one.
func Validate(samples []model.TrainingSample) error {
	for i, s := range samples {
		if err := features.Validate(s.Features); err != nil {
			return &ValidationError{Index: i, Reason: err.Error(), Err: err}
		}
		if err := features.ValidateLabel(s.Label); err != nil {
			return &ValidationError{Index: i, Reason: err.Error(), Err: err}
		}
	}
	return nil
}

// Split puts every holdoutEvery-th sample into the holdout set. The holdout
// is used only when it has at least two samples and leaves at least two for
// training; otherwise everything trains.
func Split(n, holdoutEvery int) (train, holdout []int) {
	if holdoutEvery > 1 {
		for i := 0; i < n; i++ {
			if (i+1)%holdoutEvery == 0 {
				holdout = append(holdout, i)
			} else {
				train = append(train, i)
			}
		}
		if len(holdout) >= 2 && len(train) >= 2 {
			return train, holdout
		}
	}
	train = make([]int, n)
	for i := range train {
		train[i] = i
	}
	return train, nil
}

func prepareUpload(samples []model.TrainingSample, now time.Time) []model.TrainingSample {
	out := make([]model.TrainingSample, len(samples))
	for i, s := range samples {
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		if s.Source == "" {
			s.Source = model.SourceManual
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now.UTC()
		}
		s.Validated = true
		out[i] = s
	}
	return out
}

func sessionSource(sessionType string) string {
	switch sessionType {
	case SessionCSVUpload:
		return "csv"
	case SessionRetrain:
		return "all_samples"
	case SessionIncremental:
		return "live_detection"
	}
	return "manual"
}
