package model

import "time"

type Protocol string

const (
	ProtocolTCP     Protocol = "TCP"
	ProtocolUDP     Protocol = "UDP"
	ProtocolICMP    Protocol = "ICMP"
	ProtocolUnknown Protocol = ""
)

// Code returns the IP protocol number used as a classifier feature.
func (p Protocol) Code() float64 {
	switch p {
	case ProtocolTCP:
		return 6
	case ProtocolUDP:
		return 17
	case ProtocolICMP:
		return 1
	}
	return 0
}

type PacketRecord struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	SourceAddress string    `json:"source_address"`
	SourcePort    int       `json:"source_port"`
	DestAddress   string    `json:"dest_address"`
	DestPort      int       `json:"dest_port"`
	Protocol      Protocol  `json:"protocol"`
	SizeBytes     int       `json:"size_bytes"`
	InterfaceName string    `json:"interface_name,omitempty"`
	RawLine       string    `json:"raw_line,omitempty"`
}

// FeatureLength is the fixed width of every FeatureVector.
const FeatureLength = 9

type FeatureVector []float64

var FeatureNames = []string{
	"packet_size", "source_port", "dest_port", "protocol",
	"hour", "port_category", "size_category", "source_ip_type", "dest_ip_type",
}

const (
	LabelNormal     = "Normal"
	LabelMalware    = "Malware"
	LabelDDoS       = "DDoS"
	LabelIntrusion  = "Intrusion"
	LabelPhishing   = "Phishing"
	LabelPortScan   = "Port_Scan"
	LabelBruteForce = "Brute_Force"
	LabelUnknown    = "Unknown"
)

// Labels is the closed set of classifier labels, in encoding order.
var Labels = []string{
	LabelNormal, LabelMalware, LabelDDoS, LabelIntrusion, LabelPhishing, LabelPortScan, LabelBruteForce,
}

func IsKnownLabel(label string) bool {
	return LabelIndex(label) >= 0
}

func LabelIndex(label string) int {
	for i, l := range Labels {
		if l == label {
			return i
		}
	}
	return -1
}

type SampleSource string

const (
	SourceManual        SampleSource = "manual"
	SourceCSV           SampleSource = "csv"
	SourceLiveDetection SampleSource = "live_detection"
)

type TrainingSample struct {
	ID        string        `json:"id"`
	Features  FeatureVector `json:"features"`
	Label     string        `json:"label"`
	Source    SampleSource  `json:"source"`
	Validated bool          `json:"validated"`
	CreatedAt time.Time     `json:"created_at"`
}

type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// Alertable reports whether a threat of this severity raises an Alert.
func (s Severity) Alertable() bool {
	return s == SeverityCritical || s == SeverityHigh
}

type ThreatStatus string

const (
	StatusActive        ThreatStatus = "Active"
	StatusInvestigating ThreatStatus = "Investigating"
	StatusResolved      ThreatStatus = "Resolved"
)

type Threat struct {
	ID             string        `json:"id"`
	Timestamp      time.Time     `json:"timestamp"`
	Type           string        `json:"type"`
	Severity       Severity      `json:"severity"`
	SourceAddress  string        `json:"source_address"`
	SourcePort     int           `json:"source_port"`
	DestAddress    string        `json:"dest_address"`
	DestPort       int           `json:"dest_port"`
	Protocol       string        `json:"protocol"`
	PacketSize     int           `json:"packet_size"`
	Description    string        `json:"description"`
	Classification string        `json:"classification"`
	Confidence     float64       `json:"confidence"`
	Status         ThreatStatus  `json:"status"`
	InterfaceName  string        `json:"interface_name"`
	Features       FeatureVector `json:"features"`
	AlertSent      bool          `json:"alert_sent"`
}

type Alert struct {
	ID             string     `json:"id"`
	ThreatID       string     `json:"threat_id"`
	Threat         Threat     `json:"threat"`
	Timestamp      time.Time  `json:"timestamp"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	EmailSent      bool       `json:"email_sent"`
}

type TrainingRun struct {
	Date     time.Time `json:"date"`
	Samples  int       `json:"samples"`
	Accuracy float64   `json:"accuracy"`
	Version  int       `json:"version"`
}

type ModelMetadata struct {
	Version             int           `json:"version"`
	Variant             string        `json:"variant"`
	TrainingDate        *time.Time    `json:"training_date,omitempty"`
	TotalSamplesTrained int           `json:"total_samples_trained"`
	Accuracy            float64       `json:"accuracy"`
	TrainingHistory     []TrainingRun `json:"training_history"`
}

type LearningSession struct {
	Type         string    `json:"type"`
	SamplesAdded int       `json:"samples_added"`
	ModelVersion int       `json:"model_version"`
	Accuracy     float64   `json:"accuracy"`
	Source       string    `json:"source"`
	CreatedAt    time.Time `json:"created_at"`
}

// Recipient is an externally managed notification target.
type Recipient struct {
	Email          string   `json:"email" yaml:"email"`
	Name           string   `json:"name" yaml:"name"`
	SeverityLevels []string `json:"severity_levels" yaml:"severity_levels"`
	ThreatTypes    []string `json:"threat_types" yaml:"threat_types"`
	EmailEnabled   bool     `json:"email_enabled" yaml:"email_enabled"`
	Immediate      bool     `json:"immediate" yaml:"immediate"`
}
