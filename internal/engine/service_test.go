package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatwatch/internal/classifier"
	"threatwatch/internal/config"
	"threatwatch/internal/model"
	"threatwatch/internal/storage"
	"threatwatch/internal/threat"
	"threatwatch/internal/training"
)

// stubModel returns label/conf for small packets to well-known ports and
// Normal otherwise.
type stubModel struct {
	label string
	conf  float64
}

func (m stubModel) Variant() string                 { return "stub" }
func (m stubModel) MarshalPayload() ([]byte, error) { return json.Marshal(m.label) }

func (m stubModel) Predict(in classifier.Input) (string, float64) {
	if in.Raw[5] == 1 && in.Raw[6] == 1 {
		return m.label, m.conf
	}
	return model.LabelNormal, 0.99
}

type sentMail struct {
	to      string
	subject string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMail
}

func (s *recordingSender) Send(_ context.Context, to model.Recipient, subject, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMail{to: to.Email, subject: subject})
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fixture struct {
	svc    *Service
	store  *storage.Memory
	sender *recordingSender
}

func newFixture(t *testing.T, mutate func(*config.Config)) fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Model.Dir = t.TempDir()
	cfg.Model.Epochs = 20
	cfg.Capture.Command = "/bin/true"
	cfg.Notify.Enabled = true
	cfg.Notify.SendDelay = time.Millisecond
	cfg.Notify.Recipients = []model.Recipient{
		{Email: "soc@example.com", EmailEnabled: true, SeverityLevels: []string{"Critical", "High"}, ThreatTypes: model.Labels},
	}
	if mutate != nil {
		mutate(cfg)
	}
	st := storage.NewMemory()
	sender := &recordingSender{}
	svc, err := NewService(config.NewStaticManager(cfg), st, Options{Sender: sender})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return fixture{svc: svc, store: st, sender: sender}
}

func (f fixture) install(label string, conf float64) {
	f.svc.cls.Swap(&classifier.Snapshot{
		Model:    stubModel{label: label, conf: conf},
		Scaler:   classifier.Scaler{Mean: make([]float64, model.FeatureLength), Std: make([]float64, model.FeatureLength)},
		Metadata: model.ModelMetadata{Version: 1, Variant: "stub"},
	})
}

func smallWebPacket() model.PacketRecord {
	return model.PacketRecord{
		ID:            "p1",
		Timestamp:     time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC),
		SourceAddress: "203.0.113.9",
		SourcePort:    51000,
		DestAddress:   "192.168.1.20",
		DestPort:      80,
		Protocol:      model.ProtocolTCP,
		SizeBytes:     16,
		InterfaceName: "eth0",
	}
}

func TestSmallPacketToWebPortRaisesHighAlert(t *testing.T) {
	f := newFixture(t, nil)
	f.install(model.LabelDDoS, 0.85)
	ctx := context.Background()

	out, err := f.svc.AnalyzePacket(ctx, smallWebPacket())
	require.NoError(t, err)
	assert.Equal(t, model.LabelDDoS, out.Label)
	require.NotNil(t, out.Threat)
	assert.Equal(t, model.SeverityHigh, out.Threat.Severity)
	assert.Equal(t, threat.TypeFor(model.LabelDDoS), out.Threat.Type)
	assert.True(t, out.Threat.AlertSent)
	require.NotNil(t, out.Alert)

	stored, err := f.store.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "alert-"+out.Threat.ID, stored[0].ID)
	assert.False(t, stored[0].EmailSent)

	assert.Equal(t, 1, f.svc.DrainNotifications(ctx))
	assert.Equal(t, 1, f.sender.count())
	alert, err := f.store.GetAlert(ctx, stored[0].ID)
	require.NoError(t, err)
	assert.True(t, alert.EmailSent)

	// 0.85 is below the feedback bar.
	n, err := f.store.CountSamples(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestThreatCreationBoundaries(t *testing.T) {
	cases := []struct {
		name     string
		label    string
		conf     float64
		threat   bool
		alert    bool
		severity model.Severity
	}{
		{"at threshold", model.LabelMalware, 0.7, false, false, ""},
		{"medium", model.LabelMalware, 0.75, true, false, model.SeverityMedium},
		{"critical", model.LabelMalware, 0.95, true, true, model.SeverityCritical},
		{"normal never", model.LabelNormal, 0.99, false, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, func(c *config.Config) { c.Detection.FeedbackEnabled = false })
			f.install(tc.label, tc.conf)
			out, err := f.svc.AnalyzePacket(context.Background(), smallWebPacket())
			require.NoError(t, err)
			assert.Equal(t, tc.threat, out.Threat != nil)
			assert.Equal(t, tc.alert, out.Alert != nil)
			if tc.threat {
				assert.Equal(t, tc.severity, out.Threat.Severity)
			}
		})
	}
}

func TestUntrainedNeverCreatesThreats(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	out, err := f.svc.AnalyzePacket(ctx, smallWebPacket())
	require.NoError(t, err)
	assert.Equal(t, model.LabelUnknown, out.Label)
	assert.Equal(t, classifier.UntrainedConfidence, out.Confidence)
	assert.Nil(t, out.Threat)

	n, err := f.store.CountThreats(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, f.svc.StartMonitoring([]string{"eth0"}), ErrModelNotReady)
}

func TestFeedbackAppendsHighConfidenceDetections(t *testing.T) {
	f := newFixture(t, nil)
	f.install(model.LabelPortScan, 0.97)
	ctx := context.Background()

	_, err := f.svc.AnalyzePacket(ctx, smallWebPacket())
	require.NoError(t, err)
	samples, err := f.store.ListSamples(ctx)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, model.LabelPortScan, samples[0].Label)
	assert.Equal(t, model.SourceLiveDetection, samples[0].Source)
	assert.Len(t, samples[0].Features, model.FeatureLength)
}

type failingSampleStore struct {
	*storage.Memory
}

func (failingSampleStore) AddSamples(context.Context, []model.TrainingSample) error {
	return errors.New("disk full")
}

func TestFeedbackFailureDoesNotAffectAlert(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Model.Dir = t.TempDir()
	st := failingSampleStore{Memory: storage.NewMemory()}
	svc, err := NewService(config.NewStaticManager(cfg), st, Options{Sender: &recordingSender{}})
	require.NoError(t, err)
	defer svc.Close()
	fixture{svc: svc}.install(model.LabelMalware, 0.99)

	out, err := svc.AnalyzePacket(context.Background(), smallWebPacket())
	require.NoError(t, err)
	require.NotNil(t, out.Alert)
	assert.Equal(t, model.SeverityCritical, out.Threat.Severity)
}

func TestImmediateCriticalBypassesQueue(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Notify.Recipients[0].Immediate = true
	})
	f.install(model.LabelIntrusion, 0.95)

	_, err := f.svc.AnalyzePacket(context.Background(), smallWebPacket())
	require.NoError(t, err)
	assert.Equal(t, 1, f.sender.count())
	assert.Zero(t, f.svc.queue.Len())
}

func csvRows(valid, invalid int) string {
	labels := []string{"Normal", "DDoS", "Malware", "Port_Scan", "Brute_Force"}
	var b strings.Builder
	b.WriteString("source_ip,dest_ip,source_port,dest_port,protocol,packet_size,duration,threat_type\n")
	for i := 0; i < valid; i++ {
		fmt.Fprintf(&b, "192.168.1.%d,10.0.0.%d,%d,%d,TCP,%d,0.5,%s\n", i+1, i+1, 40000+i, 20+i*100, 40+i*120, labels[i%len(labels)])
	}
	for i := 0; i < invalid; i++ {
		fmt.Fprintf(&b, "192.168.2.%d,10.0.1.%d,5000,443,UDP,900,1.0,Worm\n", i+1, i+1)
	}
	return b.String()
}

func TestCSVTrainingNeedsTenValidRows(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	report, _, err := f.svc.TrainFromCSV(ctx, strings.NewReader(csvRows(8, 2)))
	require.ErrorIs(t, err, training.ErrInsufficientData)
	assert.Equal(t, 8, report.AcceptedCount())
	assert.Len(t, report.Invalid, 2)
	assert.Contains(t, err.Error(), "2 invalid rows")

	info, err := f.svc.GetModelInfo(ctx)
	require.NoError(t, err)
	assert.False(t, info.IsReady)
	assert.Zero(t, info.Version)

	report, res, err := f.svc.TrainFromCSV(ctx, strings.NewReader(csvRows(10, 0)))
	require.NoError(t, err)
	assert.Empty(t, report.Invalid)
	assert.Equal(t, 1, res.Metadata.Version)

	info, err = f.svc.GetModelInfo(ctx)
	require.NoError(t, err)
	assert.True(t, info.IsReady)
	assert.Equal(t, 1, info.Version)
	assert.Equal(t, 10, info.TotalSamplesTrained)
	assert.Equal(t, 10, info.TrainingDataCount)
	assert.Equal(t, model.Labels, info.ThreatTypes)

	sessions, err := f.svc.LearningSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, training.SessionCSVUpload, sessions[0].Type)

	res, err = f.svc.RetrainFromAllSamples(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Metadata.Version)
	assert.Equal(t, 20, res.Metadata.TotalSamplesTrained)
}

func TestAcknowledgeTwice(t *testing.T) {
	f := newFixture(t, nil)
	f.install(model.LabelDDoS, 0.85)
	ctx := context.Background()
	out, err := f.svc.AnalyzePacket(ctx, smallWebPacket())
	require.NoError(t, err)

	first, err := f.svc.AcknowledgeAlert(ctx, out.Alert.ID, "alice")
	require.NoError(t, err)
	assert.True(t, first.Acknowledged)
	second, err := f.svc.AcknowledgeAlert(ctx, out.Alert.ID, "bob")
	require.NoError(t, err)
	assert.True(t, second.Acknowledged)
	assert.Equal(t, "bob", second.AcknowledgedBy)
	assert.True(t, f.svc.RecentAlerts(1)[0].Acknowledged)
}

func TestSendTestNotification(t *testing.T) {
	f := newFixture(t, nil)
	require.ErrorIs(t, f.svc.SendTestNotification(model.Recipient{}), ErrRecipientEmailRequired)
	require.NoError(t, f.svc.SendTestNotification(model.Recipient{Email: "me@example.com"}))
	assert.Equal(t, 1, f.svc.DrainNotifications(context.Background()))
	assert.Equal(t, "me@example.com", f.sender.sent[0].to)

	off := newFixture(t, func(c *config.Config) { c.Notify.Enabled = false })
	assert.ErrorIs(t, off.svc.SendTestNotification(model.Recipient{Email: "me@example.com"}), ErrNotificationsDisabled)
}

func TestStatusCountsThreats(t *testing.T) {
	f := newFixture(t, nil)
	f.install(model.LabelMalware, 0.75)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.AnalyzePacket(ctx, smallWebPacket())
		require.NoError(t, err)
	}
	st, err := f.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.ThreatsDetected)
	assert.Equal(t, 3, st.ActiveIncidents)
	assert.False(t, st.Monitoring)
	assert.True(t, st.Model.IsReady)
}

func TestRunProcessesCapturedPackets(t *testing.T) {
	f := newFixture(t, nil)
	f.install(model.LabelDDoS, 0.85)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.svc.Run(ctx)
		close(done)
	}()

	require.True(t, f.svc.sink.Deliver(ctx, smallWebPacket()))
	require.Eventually(t, func() bool {
		n, err := f.store.CountThreats(ctx, "")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, f.svc.RecentPackets(5), 1)
	assert.Equal(t, 1, f.svc.Stats().Total)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAddSamplesAssignsIDsOnSQLite(t *testing.T) {
	ctx := context.Background()
	st, err := storage.NewSQLite("file:" + filepath.Join(t.TempDir(), "samples.db") + "?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	require.NoError(t, st.Init(ctx))
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.DefaultConfig()
	cfg.Model.Dir = t.TempDir()
	svc, err := NewService(config.NewStaticManager(cfg), st, Options{})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	batch := func() []model.TrainingSample {
		return []model.TrainingSample{
			{Features: model.FeatureVector{40, 51000, 80, 6, 14, 1, 1, 2, 1}, Label: model.LabelDDoS},
			{Features: model.FeatureVector{1400, 443, 52000, 6, 14, 3, 4, 2, 1}, Label: model.LabelNormal},
			{Features: model.FeatureVector{90, 53, 53, 17, 3, 1, 2, 1, 1}, Label: model.LabelMalware},
		}
	}
	n, err := svc.AddSamples(ctx, batch())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = svc.AddSamples(ctx, batch())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := st.CountSamples(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, count)
}

func TestUpdateDetectionAppliesThreshold(t *testing.T) {
	f := newFixture(t, nil)
	f.install(model.LabelDDoS, 0.85)
	ctx := context.Background()

	d := f.svc.Detection()
	d.ThreatThreshold = 0.9
	applied, err := f.svc.UpdateDetection(d)
	require.NoError(t, err)
	assert.Equal(t, 0.9, applied.ThreatThreshold)

	out, err := f.svc.AnalyzePacket(ctx, smallWebPacket())
	require.NoError(t, err)
	assert.Nil(t, out.Threat)

	d.ThreatThreshold = 1.5
	_, err = f.svc.UpdateDetection(d)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, 0.9, f.svc.Detection().ThreatThreshold)
}

func TestAlertsSinceAndClearPackets(t *testing.T) {
	f := newFixture(t, nil)
	f.install(model.LabelDDoS, 0.85)
	ctx := context.Background()
	before := time.Now().UTC().Add(-time.Second)

	_, err := f.svc.AnalyzePacket(ctx, smallWebPacket())
	require.NoError(t, err)
	assert.Len(t, f.svc.AlertsSince(before), 1)
	assert.Empty(t, f.svc.AlertsSince(time.Now().UTC().Add(time.Hour)))

	f.svc.sink.Deliver(ctx, smallWebPacket())
	require.NotEmpty(t, f.svc.RecentPackets(10))
	f.svc.ClearPackets()
	assert.Empty(t, f.svc.RecentPackets(10))
	assert.Equal(t, 0, f.svc.Stats().Total)
}
