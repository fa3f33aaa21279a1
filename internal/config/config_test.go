package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
log_level: debug
capture:
  interfaces: [eth0, wlan0]
  restart_delay: 2s
detection:
  threat_threshold: 0.75
storage:
  driver: memory
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"eth0", "wlan0"}, cfg.Capture.Interfaces)
	assert.Equal(t, 2*time.Second, cfg.Capture.RestartDelay)
	assert.Equal(t, 0.75, cfg.Detection.ThreatThreshold)
	assert.Equal(t, 0.9, cfg.Detection.FeedbackThreshold)
	assert.Equal(t, 1000, cfg.Capture.BufferSize)
	assert.Equal(t, "tcpdump", cfg.Capture.Command)
	assert.Equal(t, 10, cfg.Model.MinSamples)
	assert.Equal(t, 3, cfg.Notify.MaxRetries)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"model":{"variant":"rules"},"storage":{"driver":"memory"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "rules", cfg.Model.Variant)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty":       "   ",
		"variant":     "model:\n  variant: forest\n",
		"driver":      "storage:\n  driver: mongo\n",
		"threshold":   "detection:\n  threat_threshold: 1.5\n",
		"breakpoints": "detection:\n  severity: {critical: 0.5, high: 0.8, medium: 0.7}\n",
		"kafka":       "capture:\n  kafka: {enabled: true}\n",
		"api addr":    "api:\n  enabled: true\n  addr: \"\"\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", content))
			assert.Error(t, err)
		})
	}
}

func TestManagerUpdatePersists(t *testing.T) {
	path := writeFile(t, "config.yaml", "storage:\n  driver: memory\n")
	m, err := NewManager(path)
	require.NoError(t, err)

	next := *m.Get()
	next.Detection.ThreatThreshold = 0.8
	require.NoError(t, m.Update(&next))
	assert.Equal(t, 0.8, m.Get().Detection.ThreatThreshold)

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.8, reloaded.Detection.ThreatThreshold)
}

func TestStaticManager(t *testing.T) {
	m := NewStaticManager(nil)
	assert.Equal(t, "", m.Path())
	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.False(t, needs)
	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, 0.7, cfg.Detection.ThreatThreshold)
}

func TestResolvePath(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, "threatwatch.yaml"), ResolvePath("threatwatch.yaml"))
	assert.Equal(t, "/etc/threatwatch.yaml", ResolvePath("/etc/threatwatch.yaml"))
	assert.Equal(t, "", ResolvePath(""))
}

func TestUpdateIsNotSeenAsExternalEdit(t *testing.T) {
	m, err := NewManager(writeFile(t, "config.yaml", "storage:\n  driver: memory\n"))
	require.NoError(t, err)
	next := *m.Get()
	next.Detection.FeedbackEnabled = false
	require.NoError(t, m.Update(&next))
	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.False(t, needs)
}
