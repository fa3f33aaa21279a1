package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"threatwatch/internal/model"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Capture   CaptureConfig   `json:"capture" yaml:"capture"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Model     ModelConfig     `json:"model" yaml:"model"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Events    EventsConfig    `json:"events" yaml:"events"`
	API       APIConfig       `json:"api" yaml:"api"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
}

type CaptureConfig struct {
	Interfaces     []string        `json:"interfaces" yaml:"interfaces"`
	Command        string          `json:"command" yaml:"command"`
	Args           []string        `json:"args" yaml:"args"`
	RestartDelay   time.Duration   `json:"restart_delay" yaml:"restart_delay"`
	BufferSize     int             `json:"buffer_size" yaml:"buffer_size"`
	ChannelBuffer  int             `json:"channel_buffer" yaml:"channel_buffer"`
	AllowUntrained bool            `json:"allow_untrained" yaml:"allow_untrained"`
	Kafka          KafkaConfig     `json:"kafka" yaml:"kafka"`
	FileTail       FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	TCPStream      TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
}

// FileTailConfig follows files that a sensor appends capture lines to.
type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Files      []string `json:"files" yaml:"files"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
}

// TCPStreamConfig accepts newline-delimited capture lines from remote sensors.
type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type DetectionConfig struct {
	ThreatThreshold   float64        `json:"threat_threshold" yaml:"threat_threshold"`
	FeedbackThreshold float64        `json:"feedback_threshold" yaml:"feedback_threshold"`
	FeedbackEnabled   bool           `json:"feedback_enabled" yaml:"feedback_enabled"`
	Severity          SeverityConfig `json:"severity" yaml:"severity"`
}

// SeverityConfig holds the exclusive lower confidence bounds for each severity.
type SeverityConfig struct {
	Critical float64 `json:"critical" yaml:"critical"`
	High     float64 `json:"high" yaml:"high"`
	Medium   float64 `json:"medium" yaml:"medium"`
}

type ModelConfig struct {
	Dir          string  `json:"dir" yaml:"dir"`
	Variant      string  `json:"variant" yaml:"variant"`
	Epochs       int     `json:"epochs" yaml:"epochs"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
	MinSamples   int     `json:"min_samples" yaml:"min_samples"`
	HoldoutEvery int     `json:"holdout_every" yaml:"holdout_every"`
}

type NotifyConfig struct {
	Enabled    bool              `json:"enabled" yaml:"enabled"`
	SendDelay  time.Duration     `json:"send_delay" yaml:"send_delay"`
	MaxRetries int               `json:"max_retries" yaml:"max_retries"`
	QueueSize  int               `json:"queue_size" yaml:"queue_size"`
	SMTP       SMTPConfig        `json:"smtp" yaml:"smtp"`
	Recipients []model.Recipient `json:"recipients" yaml:"recipients"`
}

type SMTPConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	From     string `json:"from" yaml:"from"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type EventsConfig struct {
	NATS NATSConfig `json:"nats" yaml:"nats"`
}

type NATSConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	URL           string `json:"url" yaml:"url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Capture: CaptureConfig{
			Interfaces:    []string{"eth0"},
			Command:       "tcpdump",
			Args:          DefaultCaptureArgs(),
			RestartDelay:  5 * time.Second,
			BufferSize:    1000,
			ChannelBuffer: 10000,
			Kafka:         KafkaConfig{Enabled: false},
		},
		Detection: DetectionConfig{
			ThreatThreshold:   0.7,
			FeedbackThreshold: 0.9,
			FeedbackEnabled:   true,
			Severity:          SeverityConfig{Critical: 0.9, High: 0.8, Medium: 0.7},
		},
		Model: ModelConfig{
			Dir:          "./models",
			Variant:      "softmax",
			Epochs:       200,
			LearningRate: 0.1,
			MinSamples:   10,
			HoldoutEvery: 5,
		},
		Notify: NotifyConfig{
			Enabled:    false,
			SendDelay:  100 * time.Millisecond,
			MaxRetries: 3,
			QueueSize:  1000,
			SMTP:       SMTPConfig{Host: "smtp.gmail.com", Port: 587},
		},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:threatwatch.db?_pragma=busy_timeout(5000)"},
		Events:  EventsConfig{NATS: NATSConfig{Enabled: false, URL: "nats://127.0.0.1:4222", SubjectPrefix: "threatwatch"}},
		API:     APIConfig{Enabled: true, Addr: ":3001"},
		Metrics: MetricsConfig{Enabled: true},
		Alerts:  AlertsConfig{StoreLimit: 1000},
	}
}

// DefaultCaptureArgs are the tcpdump arguments; {iface} is replaced per interface.
func DefaultCaptureArgs() []string {
	return []string{"-i", "{iface}", "-n", "-t", "-l", "tcp or udp or icmp"}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Capture.Command == "" {
		cfg.Capture.Command = "tcpdump"
	}
	if len(cfg.Capture.Args) == 0 {
		cfg.Capture.Args = DefaultCaptureArgs()
	}
	if cfg.Capture.RestartDelay <= 0 {
		cfg.Capture.RestartDelay = 5 * time.Second
	}
	if cfg.Capture.BufferSize <= 0 {
		cfg.Capture.BufferSize = 1000
	}
	if cfg.Capture.ChannelBuffer <= 0 {
		cfg.Capture.ChannelBuffer = 10000
	}
	if cfg.Model.Dir == "" {
		cfg.Model.Dir = "./models"
	}
	if cfg.Model.Variant == "" {
		cfg.Model.Variant = "softmax"
	}
	if cfg.Model.Epochs <= 0 {
		cfg.Model.Epochs = 200
	}
	if cfg.Model.LearningRate <= 0 {
		cfg.Model.LearningRate = 0.1
	}
	if cfg.Model.MinSamples <= 0 {
		cfg.Model.MinSamples = 10
	}
	if cfg.Model.HoldoutEvery <= 0 {
		cfg.Model.HoldoutEvery = 5
	}
	if cfg.Notify.SendDelay <= 0 {
		cfg.Notify.SendDelay = 100 * time.Millisecond
	}
	if cfg.Notify.MaxRetries <= 0 {
		cfg.Notify.MaxRetries = 3
	}
	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = 1000
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Events.NATS.SubjectPrefix == "" {
		cfg.Events.NATS.SubjectPrefix = "threatwatch"
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Capture.Kafka.Enabled {
		if len(cfg.Capture.Kafka.Brokers) == 0 || cfg.Capture.Kafka.Topic == "" || cfg.Capture.Kafka.GroupID == "" {
			return errors.New("capture.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Capture.FileTail.Enabled && len(cfg.Capture.FileTail.Files) == 0 {
		return errors.New("capture.file_tail.files required when capture.file_tail.enabled is true")
	}
	if cfg.Capture.TCPStream.Enabled && cfg.Capture.TCPStream.Addr == "" {
		return errors.New("capture.tcp_stream.addr required when capture.tcp_stream.enabled is true")
	}
	if cfg.Events.NATS.Enabled && cfg.Events.NATS.URL == "" {
		return errors.New("events.nats.url required when events.nats.enabled is true")
	}
	d := cfg.Detection
	for name, v := range map[string]float64{
		"detection.threat_threshold":   d.ThreatThreshold,
		"detection.feedback_threshold": d.FeedbackThreshold,
		"detection.severity.critical":  d.Severity.Critical,
		"detection.severity.high":      d.Severity.High,
		"detection.severity.medium":    d.Severity.Medium,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, v)
		}
	}
	if d.Severity.Critical < d.Severity.High || d.Severity.High < d.Severity.Medium {
		return errors.New("detection.severity breakpoints must satisfy critical >= high >= medium")
	}
	switch cfg.Model.Variant {
	case "softmax", "rules":
	default:
		return fmt.Errorf("model.variant %q not supported", cfg.Model.Variant)
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("storage.driver %q not supported", cfg.Storage.Driver)
	}
	return nil
}

type Manager struct {
	path string
	cfg  atomic.Value

	mu      sync.Mutex
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config; Update and Reload are not backed by a file.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.touch()
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		m.touch()
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime), nil
}

// touch records the file's current mtime so our own writes are not
// mistaken for external edits.
func (m *Manager) touch() {
	info, err := os.Stat(m.path)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.modTime = info.ModTime()
	m.mu.Unlock()
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

// ResolvePath makes a relative config path absolute against the working
// directory, so later saves land on the file that was loaded.
func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
