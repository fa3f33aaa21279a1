package threat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

const unknown = "Unknown"

type Store interface {
	SaveThreat(ctx context.Context, t model.Threat) error
}

// Recorder turns positive classifications into persisted threats.
type Recorder struct {
	store    Store
	severity config.SeverityConfig
	now      func() time.Time
}

func NewRecorder(store Store, severity config.SeverityConfig) *Recorder {
	return &Recorder{store: store, severity: severity, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, p model.PacketRecord, label string, confidence float64, features model.FeatureVector) (model.Threat, error) {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	t := model.Threat{
		ID:             uuid.NewString(),
		Timestamp:      ts.UTC(),
		Type:           TypeFor(label),
		Severity:       SeverityFor(confidence, r.severity),
		SourceAddress:  orUnknown(p.SourceAddress),
		SourcePort:     p.SourcePort,
		DestAddress:    orUnknown(p.DestAddress),
		DestPort:       p.DestPort,
		Protocol:       orUnknown(string(p.Protocol)),
		PacketSize:     p.SizeBytes,
		Classification: label,
		Confidence:     confidence,
		Status:         model.StatusActive,
		InterfaceName:  orUnknown(p.InterfaceName),
		Features:       append(model.FeatureVector(nil), features...),
	}
	t.Description = Describe(label, t.SourceAddress, t.DestAddress, t.DestPort)
	if r.store != nil {
		if err := r.store.SaveThreat(ctx, t); err != nil {
			return model.Threat{}, fmt.Errorf("save threat: %w", err)
		}
	}
	return t, nil
}

// SeverityFor applies exclusive lower bounds: above Critical is Critical,
// above High is High, above Medium is Medium, anything else is Low.
func SeverityFor(confidence float64, b config.SeverityConfig) model.Severity {
	switch {
	case confidence > b.Critical:
		return model.SeverityCritical
	case confidence > b.High:
		return model.SeverityHigh
	case confidence > b.Medium:
		return model.SeverityMedium
	}
	return model.SeverityLow
}

var typeNames = map[string]string{
	model.LabelMalware:    "Malware Detection",
	model.LabelDDoS:       "DDoS Attack",
	model.LabelIntrusion:  "Unauthorized Access",
	model.LabelPhishing:   "Phishing Attempt",
	model.LabelPortScan:   "Port Scanning",
	model.LabelBruteForce: "Brute Force Attack",
}

func TypeFor(label string) string {
	if name, ok := typeNames[label]; ok {
		return name
	}
	return "Unknown Threat"
}

func Describe(label, src, dst string, dstPort int) string {
	switch label {
	case model.LabelMalware:
		return fmt.Sprintf("Malicious activity detected from %s targeting %s", src, dst)
	case model.LabelDDoS:
		return fmt.Sprintf("Potential DDoS attack detected from %s", src)
	case model.LabelIntrusion:
		return fmt.Sprintf("Unauthorized access attempt from %s to %s:%d", src, dst, dstPort)
	case model.LabelPhishing:
		return fmt.Sprintf("Phishing attempt detected from %s", src)
	case model.LabelPortScan:
		return fmt.Sprintf("Port scanning activity detected from %s", src)
	case model.LabelBruteForce:
		return fmt.Sprintf("Brute force attack detected against %s:%d", dst, dstPort)
	}
	return fmt.Sprintf("Suspicious %s activity detected", strings.ToLower(label))
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return unknown
	}
	return s
}
