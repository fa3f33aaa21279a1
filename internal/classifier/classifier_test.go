package classifier

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatwatch/internal/events"
	"threatwatch/internal/model"
)

// dataset returns small packets to port 80 labelled DDoS and large HTTPS
// packets labelled Normal.
func dataset() ([]model.FeatureVector, []int) {
	var vecs []model.FeatureVector
	var labels []int
	for i := 0; i < 20; i++ {
		vecs = append(vecs, model.FeatureVector{float64(16 + i), float64(40000 + i), 80, 6, 3, 1, 1, 2, 1})
		labels = append(labels, model.LabelIndex(model.LabelDDoS))
		vecs = append(vecs, model.FeatureVector{float64(1200 + i), 443, float64(50000 + i), 6, 14, 3, 4, 2, 1})
		labels = append(labels, model.LabelIndex(model.LabelNormal))
	}
	return vecs, labels
}

func inputsFor(s Scaler, vecs []model.FeatureVector) []Input {
	out := make([]Input, len(vecs))
	for i, v := range vecs {
		out[i] = Input{Raw: v, Scaled: s.Transform(v)}
	}
	return out
}

func TestScalerTransform(t *testing.T) {
	s, err := FitScaler([]model.FeatureVector{
		{0, 0, 0, 0, 0, 0, 0, 0, 0},
		{2, 2, 2, 2, 2, 2, 2, 2, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Mean[0])
	assert.Equal(t, 1.0, s.Std[0])
	out := s.Transform(model.FeatureVector{3, 1, 1, 1, 1, 1, 1, 1, 1})
	assert.InDelta(t, 2.0, out[0], 1e-6)

	constant, err := FitScaler([]model.FeatureVector{{5, 5, 5, 5, 5, 5, 5, 5, 5}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, constant.Transform(model.FeatureVector{5, 5, 5, 5, 5, 5, 5, 5, 5})[0])
}

func TestUntrainedPredictsUnknown(t *testing.T) {
	c := New()
	assert.False(t, c.Ready())
	p := c.Predict(model.FeatureVector{16, 1, 80, 6, 0, 1, 1, 2, 2})
	assert.Equal(t, model.LabelUnknown, p.Label)
	assert.Equal(t, UntrainedConfidence, p.Confidence)
	assert.False(t, p.IsThreat(0.1))
	assert.Equal(t, 0, c.Metadata().Version)
}

func TestSoftmaxLearnsSeparableData(t *testing.T) {
	vecs, labels := dataset()
	s, err := FitScaler(vecs)
	require.NoError(t, err)

	var progress []events.ProgressPayload
	m, err := Fit(VariantSoftmax, inputsFor(s, vecs), labels, FitOptions{
		Epochs:       100,
		LearningRate: 0.5,
		Progress:     func(p events.ProgressPayload) { progress = append(progress, p) },
	})
	require.NoError(t, err)
	assert.Len(t, progress, 10)
	assert.Equal(t, 1.0, progress[len(progress)-1].Accuracy)
	assert.Less(t, progress[len(progress)-1].Loss, progress[0].Loss)

	c := New()
	c.Swap(&Snapshot{Model: m, Scaler: s, Metadata: model.ModelMetadata{Version: 1}})
	p := c.Predict(vecs[0])
	assert.Equal(t, model.LabelDDoS, p.Label)
	assert.Greater(t, p.Confidence, 0.5)
	assert.Equal(t, p, c.Predict(vecs[0]))
}

func TestRulesConfidenceIsCellPurity(t *testing.T) {
	var vecs []model.FeatureVector
	var labels []int
	for i := 0; i < 20; i++ {
		vecs = append(vecs, model.FeatureVector{16, 1000, 80, 6, 1, 1, 1, 2, 2})
		l := model.LabelDDoS
		if i >= 17 {
			l = model.LabelNormal
		}
		labels = append(labels, model.LabelIndex(l))
	}
	s, err := FitScaler(vecs)
	require.NoError(t, err)
	m, err := Fit(VariantRules, inputsFor(s, vecs), labels, FitOptions{})
	require.NoError(t, err)

	label, conf := m.Predict(Input{Raw: vecs[0]})
	assert.Equal(t, model.LabelDDoS, label)
	assert.InDelta(t, 0.85, conf, 1e-9)

	label, _ = m.Predict(Input{Raw: model.FeatureVector{1500, 1, 60000, 17, 1, 3, 4, 2, 2}})
	assert.Equal(t, model.LabelDDoS, label)
}

func TestFitUnknownVariant(t *testing.T) {
	_, err := Fit("forest", []Input{{}}, []int{0}, FitOptions{})
	assert.Error(t, err)
	assert.Contains(t, Variants(), VariantRules)
	assert.Contains(t, Variants(), VariantSoftmax)
}

func TestArtifactsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	art := NewArtifacts(dir)

	snap, err := art.Load()
	require.NoError(t, err)
	assert.Nil(t, snap)

	vecs, labels := dataset()
	s, _ := FitScaler(vecs)
	for _, variant := range []string{VariantSoftmax, VariantRules} {
		m, err := Fit(variant, inputsFor(s, vecs), labels, FitOptions{Epochs: 20})
		require.NoError(t, err)
		now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		md := model.ModelMetadata{Version: 4, Variant: variant, TrainingDate: &now, TotalSamplesTrained: 40, Accuracy: 1,
			TrainingHistory: []model.TrainingRun{{Date: now, Samples: 40, Accuracy: 1, Version: 4}}}
		require.NoError(t, art.Save(&Snapshot{Model: m, Scaler: s, Metadata: md}))

		loaded, err := art.Load()
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, variant, loaded.Model.Variant())
		assert.Equal(t, 4, loaded.Metadata.Version)
		assert.Equal(t, s, loaded.Scaler)

		orig, _ := m.Predict(Input{Raw: vecs[1], Scaled: s.Transform(vecs[1])})
		got, _ := loaded.Model.Predict(Input{Raw: vecs[1], Scaled: s.Transform(vecs[1])})
		assert.Equal(t, orig, got)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	assert.Empty(t, matches)
}

func TestArtifactsDetectTornWrite(t *testing.T) {
	dir := t.TempDir()
	art := NewArtifacts(dir)
	vecs, labels := dataset()
	s, _ := FitScaler(vecs)
	m, err := Fit(VariantRules, inputsFor(s, vecs), labels, FitOptions{})
	require.NoError(t, err)
	require.NoError(t, art.Save(&Snapshot{Model: m, Scaler: s, Metadata: model.ModelMetadata{Version: 1}}))

	data, err := encodeModel(m, 2)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, modelFile), data, 0o644))

	_, err = art.Load()
	assert.ErrorIs(t, err, ErrTornArtifacts)
	var torn *TornError
	require.ErrorAs(t, err, &torn)
	assert.Equal(t, 2, torn.Floor.Version)
}

func TestSwapIsSafeUnderConcurrentPredict(t *testing.T) {
	vecs, labels := dataset()
	s, _ := FitScaler(vecs)
	m, err := Fit(VariantRules, inputsFor(s, vecs), labels, FitOptions{})
	require.NoError(t, err)

	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				p := c.Predict(vecs[0])
				if p.Label != model.LabelUnknown && p.Label != model.LabelDDoS {
					t.Errorf("unexpected label %q", p.Label)
					return
				}
			}
		}()
	}
	for v := 1; v <= 50; v++ {
		c.Swap(&Snapshot{Model: m, Scaler: s, Metadata: model.ModelMetadata{Version: v}})
	}
	wg.Wait()
	assert.Equal(t, 50, c.Metadata().Version)
}
