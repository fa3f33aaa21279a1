package notify

import (
	"slices"

	"threatwatch/internal/model"
)

// Resolver picks the recipients of a threat notification.
type Resolver interface {
	Resolve(severity model.Severity, label string) []model.Recipient
}

// StaticResolver filters a fixed recipient list. A recipient must have
// email enabled and list both the severity and the classification label.
type StaticResolver struct {
	Recipients []model.Recipient
}

func (r StaticResolver) Resolve(severity model.Severity, label string) []model.Recipient {
	var out []model.Recipient
	for _, rc := range r.Recipients {
		if !rc.EmailEnabled || rc.Email == "" {
			continue
		}
		if !slices.Contains(rc.SeverityLevels, string(severity)) {
			continue
		}
		if !slices.Contains(rc.ThreatTypes, label) {
			continue
		}
		out = append(out, rc)
	}
	return out
}
