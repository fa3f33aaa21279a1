package classifier

import (
	"encoding/json"
	"errors"
	"fmt"

	"threatwatch/internal/events"
	"threatwatch/internal/model"
)

const VariantRules = "rules"

func init() {
	Register(VariantRules, fitRules, decodeRules)
}

// Rule matches packets by destination port class, size class and protocol
// code taken from the raw feature vector.
type Rule struct {
	PortClass  int     `json:"port_class"`
	SizeClass  int     `json:"size_class"`
	Protocol   int     `json:"protocol"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Support    int     `json:"support"`
}

type Rules struct {
	Table    []Rule `json:"table"`
	Fallback Rule   `json:"fallback"`
}

func (m *Rules) Variant() string { return VariantRules }

func (m *Rules) MarshalPayload() ([]byte, error) { return json.Marshal(m) }

func (m *Rules) Predict(in Input) (string, float64) {
	key := cellOf(in.Raw)
	for _, r := range m.Table {
		if r.PortClass == key.port && r.SizeClass == key.size && r.Protocol == key.proto {
			return r.Label, r.Confidence
		}
	}
	return m.Fallback.Label, m.Fallback.Confidence
}

type cell struct{ port, size, proto int }

func cellOf(raw model.FeatureVector) cell {
	if len(raw) < model.FeatureLength {
		return cell{}
	}
	return cell{port: int(raw[5]), size: int(raw[6]), proto: int(raw[3])}
}

// fitRules assigns each observed cell its majority label; the confidence is
// the share of that label within the cell. Ties go to the lower label index.
func fitRules(inputs []Input, labels []int, opts FitOptions) (Model, error) {
	counts := map[cell][]int{}
	var order []cell
	global := make([]int, len(model.Labels))
	for j, in := range inputs {
		c := cellOf(in.Raw)
		if _, ok := counts[c]; !ok {
			counts[c] = make([]int, len(model.Labels))
			order = append(order, c)
		}
		counts[c][labels[j]]++
		global[labels[j]]++
	}

	m := &Rules{Fallback: majority(global)}
	correct := 0
	for _, c := range order {
		r := majority(counts[c])
		r.PortClass, r.SizeClass, r.Protocol = c.port, c.size, c.proto
		correct += int(r.Confidence*float64(r.Support) + 0.5)
		m.Table = append(m.Table, r)
	}
	if opts.Progress != nil {
		opts.Progress(events.ProgressPayload{
			Epoch:    1,
			Epochs:   1,
			Accuracy: float64(correct) / float64(len(inputs)),
		})
	}
	return m, nil
}

func majority(counts []int) Rule {
	best, total := 0, 0
	for i, n := range counts {
		total += n
		if n > counts[best] {
			best = i
		}
	}
	r := Rule{Label: model.Labels[best], Support: total}
	if total > 0 {
		r.Confidence = float64(counts[best]) / float64(total)
	}
	return r
}

func decodeRules(payload []byte) (Model, error) {
	var m Rules
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	if !model.IsKnownLabel(m.Fallback.Label) {
		return nil, errors.New("rules payload: missing fallback")
	}
	for i, r := range m.Table {
		if !model.IsKnownLabel(r.Label) {
			return nil, fmt.Errorf("rules payload: rule %d has unknown label %q", i, r.Label)
		}
	}
	return &m, nil
}
