package classifier

import (
	"encoding/json"
	"errors"
	"math"

	"threatwatch/internal/events"
	"threatwatch/internal/model"
)

const VariantSoftmax = "softmax"

func init() {
	Register(VariantSoftmax, fitSoftmax, decodeSoftmax)
}

// Softmax is a multinomial logistic regression over scaled features.
// Weights[k] holds one weight per feature followed by the bias.
type Softmax struct {
	Labels  []string    `json:"labels"`
	Weights [][]float64 `json:"weights"`
}

func (m *Softmax) Variant() string { return VariantSoftmax }

func (m *Softmax) MarshalPayload() ([]byte, error) { return json.Marshal(m) }

func (m *Softmax) Predict(in Input) (string, float64) {
	probs := m.probs(in.Scaled)
	best := 0
	for k := 1; k < len(probs); k++ {
		if probs[k] > probs[best] {
			best = k
		}
	}
	return m.Labels[best], probs[best]
}

func (m *Softmax) probs(x []float64) []float64 {
	out := make([]float64, len(m.Weights))
	maxZ := math.Inf(-1)
	for k, w := range m.Weights {
		z := w[len(w)-1]
		for i := 0; i < len(w)-1 && i < len(x); i++ {
			z += w[i] * x[i]
		}
		out[k] = z
		if z > maxZ {
			maxZ = z
		}
	}
	var sum float64
	for k := range out {
		out[k] = math.Exp(out[k] - maxZ)
		sum += out[k]
	}
	for k := range out {
		out[k] /= sum
	}
	return out
}

func fitSoftmax(inputs []Input, labels []int, opts FitOptions) (Model, error) {
	epochs := opts.Epochs
	if epochs <= 0 {
		epochs = 200
	}
	lr := opts.LearningRate
	if lr <= 0 {
		lr = 0.1
	}
	k := len(model.Labels)
	d := len(inputs[0].Scaled)
	m := &Softmax{Labels: append([]string(nil), model.Labels...), Weights: make([][]float64, k)}
	for c := range m.Weights {
		m.Weights[c] = make([]float64, d+1)
	}

	n := float64(len(inputs))
	grad := make([][]float64, k)
	for c := range grad {
		grad[c] = make([]float64, d+1)
	}
	every := epochs / 10
	if every == 0 {
		every = 1
	}
	for epoch := 1; epoch <= epochs; epoch++ {
		for c := range grad {
			clear(grad[c])
		}
		var loss float64
		correct := 0
		for j, in := range inputs {
			p := m.probs(in.Scaled)
			y := labels[j]
			loss -= math.Log(math.Max(p[y], 1e-12))
			if argmax(p) == y {
				correct++
			}
			for c := 0; c < k; c++ {
				g := p[c]
				if c == y {
					g -= 1
				}
				for i, x := range in.Scaled {
					grad[c][i] += g * x
				}
				grad[c][d] += g
			}
		}
		for c := range m.Weights {
			for i := range m.Weights[c] {
				m.Weights[c][i] -= lr * grad[c][i] / n
			}
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return nil, errors.New("softmax training diverged")
		}
		if opts.Progress != nil && (epoch%every == 0 || epoch == epochs) {
			opts.Progress(events.ProgressPayload{
				Epoch:    epoch,
				Epochs:   epochs,
				Loss:     loss / n,
				Accuracy: float64(correct) / n,
			})
		}
	}
	return m, nil
}

func argmax(p []float64) int {
	best := 0
	for i := 1; i < len(p); i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return best
}

func decodeSoftmax(payload []byte) (Model, error) {
	var m Softmax
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	if len(m.Labels) == 0 || len(m.Labels) != len(m.Weights) {
		return nil, errors.New("softmax payload: labels and weights disagree")
	}
	for _, w := range m.Weights {
		if len(w) != model.FeatureLength+1 {
			return nil, errors.New("softmax payload: wrong weight width")
		}
	}
	return &m, nil
}
