package classifier

import (
	"errors"
	"math"

	"threatwatch/internal/model"
)

const epsilon = 1e-8

// Scaler holds per-feature mean and standard deviation.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func FitScaler(vectors []model.FeatureVector) (Scaler, error) {
	if len(vectors) == 0 {
		return Scaler{}, errors.New("no vectors to fit scaler")
	}
	n := float64(len(vectors))
	mean := make([]float64, model.FeatureLength)
	std := make([]float64, model.FeatureLength)
	for _, v := range vectors {
		for i := range mean {
			mean[i] += v[i]
		}
	}
	for i := range mean {
		mean[i] /= n
	}
	for _, v := range vectors {
		for i := range std {
			d := v[i] - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / n)
	}
	return Scaler{Mean: mean, Std: std}, nil
}

func (s Scaler) Transform(v model.FeatureVector) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		if i >= len(s.Mean) {
			out[i] = x
			continue
		}
		out[i] = (x - s.Mean[i]) / (s.Std[i] + epsilon)
	}
	return out
}

func (s Scaler) valid() bool {
	return len(s.Mean) == model.FeatureLength && len(s.Std) == model.FeatureLength
}
