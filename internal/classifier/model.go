package classifier

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"threatwatch/internal/events"
	"threatwatch/internal/model"
)

// Input is one feature vector in both raw and scaled form.
type Input struct {
	Raw    model.FeatureVector
	Scaled []float64
}

// Model is a fitted classifier variant.
type Model interface {
	Variant() string
	Predict(in Input) (label string, confidence float64)
	MarshalPayload() ([]byte, error)
}

type FitOptions struct {
	Epochs       int
	LearningRate float64
	Progress     func(events.ProgressPayload)
}

// Fitter builds a Model from inputs and label indexes into model.Labels.
type Fitter func(inputs []Input, labels []int, opts FitOptions) (Model, error)

// Decoder rebuilds a Model from its persisted payload.
type Decoder func(payload []byte) (Model, error)

type variant struct {
	fit    Fitter
	decode Decoder
}

var (
	variantsMu sync.RWMutex
	variants   = map[string]variant{}
)

func Register(name string, fit Fitter, decode Decoder) {
	variantsMu.Lock()
	defer variantsMu.Unlock()
	variants[name] = variant{fit: fit, decode: decode}
}

func Variants() []string {
	variantsMu.RLock()
	defer variantsMu.RUnlock()
	out := make([]string, 0, len(variants))
	for k := range variants {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func lookup(name string) (variant, error) {
	variantsMu.RLock()
	defer variantsMu.RUnlock()
	v, ok := variants[name]
	if !ok {
		return variant{}, fmt.Errorf("unknown model variant %q", name)
	}
	return v, nil
}

func Fit(name string, inputs []Input, labels []int, opts FitOptions) (Model, error) {
	v, err := lookup(name)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 || len(inputs) != len(labels) {
		return nil, fmt.Errorf("fit %s: %d inputs, %d labels", name, len(inputs), len(labels))
	}
	return v.fit(inputs, labels, opts)
}

type envelope struct {
	Variant string          `json:"variant"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

func encodeModel(m Model, version int) ([]byte, error) {
	payload, err := m.MarshalPayload()
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(envelope{Variant: m.Variant(), Version: version, Payload: payload}, "", "  ")
}

func decodeModel(data []byte) (Model, int, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, 0, err
	}
	v, err := lookup(env.Variant)
	if err != nil {
		return nil, 0, err
	}
	m, err := v.decode(env.Payload)
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s model: %w", env.Variant, err)
	}
	return m, env.Version, nil
}
