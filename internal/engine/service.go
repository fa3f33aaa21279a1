package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"threatwatch/internal/alerts"
	"threatwatch/internal/capture"
	"threatwatch/internal/classifier"
	"threatwatch/internal/config"
	"threatwatch/internal/events"
	"threatwatch/internal/features"
	"threatwatch/internal/metrics"
	"threatwatch/internal/model"
	"threatwatch/internal/notify"
	"threatwatch/internal/storage"
	"threatwatch/internal/threat"
	"threatwatch/internal/training"
)

var (
	ErrModelNotReady          = errors.New("no trained model loaded")
	ErrNotificationsDisabled  = errors.New("notifications disabled")
	ErrRecipientEmailRequired = errors.New("recipient email required")
	ErrInvalidConfig          = errors.New("invalid config")
)

type Options struct {
	// Sender defaults to SMTP built from notify.smtp.
	Sender notify.Sender
	// Resolver defaults to the recipients of the current config.
	Resolver notify.Resolver
	Emitter  events.Emitter
	Logger   *slog.Logger
}

// Service owns the detection pipeline and exposes the command surface used
// by the CLI and the HTTP layer.
type Service struct {
	cfg     *config.Manager
	store   storage.Store
	emitter events.Emitter
	logger  *slog.Logger

	cls        *classifier.Classifier
	trainer    *training.Coordinator
	recorder   atomic.Pointer[threat.Recorder]
	dispatcher *alerts.Dispatcher
	queue      *notify.Queue
	notifying  bool

	ring       *capture.Ring
	packets    chan model.PacketRecord
	sink       *capture.Sink
	supervisor *capture.Supervisor

	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
	now     func() time.Time
}

func NewService(mgr *config.Manager, store storage.Store, opts Options) (*Service, error) {
	if mgr == nil {
		mgr = config.NewStaticManager(nil)
	}
	if store == nil {
		store = storage.NewMemory()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.Discard{}
	}
	cfg := mgr.Get()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       mgr,
		store:     store,
		emitter:   emitter,
		logger:    opts.Logger,
		cls:       classifier.New(),
		notifying: cfg.Notify.Enabled,
		ring:      capture.NewRing(cfg.Capture.BufferSize),
		packets:   make(chan model.PacketRecord, cfg.Capture.ChannelBuffer),
		ctx:       ctx,
		cancel:    cancel,
		started:   time.Now().UTC(),
		now:       time.Now,
	}
	s.recorder.Store(threat.NewRecorder(store, cfg.Detection.Severity))

	s.trainer = training.NewCoordinator(s.cls, classifier.NewArtifacts(cfg.Model.Dir), store, cfg.Model, emitter, opts.Logger)
	if err := s.trainer.Load(); err != nil {
		cancel()
		return nil, err
	}
	metrics.SetModelVersion(s.cls.Metadata().Version)

	sender := opts.Sender
	if sender == nil {
		sender = notify.NewSMTPSender(cfg.Notify.SMTP)
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = configResolver{mgr: mgr}
	}
	s.queue = notify.NewQueue(sender, notify.Options{
		SendDelay:   cfg.Notify.SendDelay,
		MaxRetries:  cfg.Notify.MaxRetries,
		Capacity:    cfg.Notify.QueueSize,
		OnDelivered: s.delivered,
		OnDropped:   s.dropped,
		Logger:      opts.Logger,
	})
	var notifier alerts.Notifier
	if s.notifying {
		notifier = s.queue
	}
	s.dispatcher = alerts.NewDispatcher(store, notifier, resolver, alerts.NewCache(cfg.Alerts.StoreLimit), emitter, opts.Logger)

	s.sink = &capture.Sink{Ring: s.ring, Out: s.packets, Emitter: emitter, Logger: opts.Logger}
	s.supervisor = capture.NewSupervisor(cfg.Capture, s.sink, emitter, opts.Logger)
	return s, nil
}

// configResolver reads recipients from the live config so reloads apply.
type configResolver struct {
	mgr *config.Manager
}

func (r configResolver) Resolve(severity model.Severity, label string) []model.Recipient {
	return notify.StaticResolver{Recipients: r.mgr.Get().Notify.Recipients}.Resolve(severity, label)
}

// Run consumes captured packets and drains the notification queue until ctx
// is done or Close is called.
func (s *Service) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	go s.queue.Run(ctx)
	cfg := s.cfg.Get().Capture
	capture.StartKafka(ctx, cfg.Kafka, s.sink, s.logger)
	capture.StartFileTail(ctx, cfg.FileTail, s.sink, s.logger)
	if cfg.TCPStream.Enabled {
		if _, err := capture.ListenTCPStream(ctx, cfg.TCPStream.Addr, s.sink, s.logger); err != nil && s.logger != nil {
			s.logger.Error("tcp stream capture source failed", "addr", cfg.TCPStream.Addr, "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-s.packets:
			if _, err := s.process(ctx, p); err != nil && s.logger != nil {
				s.logger.Warn("packet processing failed", "interface", p.InterfaceName, "source", p.SourceAddress, "err", err)
			}
		}
	}
}

// Close stops capture and ends Run.
func (s *Service) Close() {
	s.supervisor.Stop()
	s.cancel()
}

// ApplyConfig picks up a reloaded config. Detection thresholds and
// recipients apply immediately; capture and storage settings need a restart.
func (s *Service) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.recorder.Store(threat.NewRecorder(s.store, cfg.Detection.Severity))
	if s.logger != nil {
		s.logger.Info("config applied",
			"threat_threshold", cfg.Detection.ThreatThreshold,
			"feedback_threshold", cfg.Detection.FeedbackThreshold,
			"recipients", len(cfg.Notify.Recipients),
		)
	}
}

// UpdateDetection replaces the detection section, persists it to the config
// file when there is one and applies it.
func (s *Service) UpdateDetection(d config.DetectionConfig) (config.DetectionConfig, error) {
	next := *s.cfg.Get()
	next.Detection = d
	if err := config.Validate(&next); err != nil {
		return config.DetectionConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := s.cfg.Update(&next); err != nil {
		return config.DetectionConfig{}, err
	}
	s.ApplyConfig(&next)
	return next.Detection, nil
}

func (s *Service) Detection() config.DetectionConfig {
	return s.cfg.Get().Detection
}

func (s *Service) StartMonitoring(interfaces []string) error {
	cfg := s.cfg.Get()
	if len(interfaces) == 0 {
		interfaces = cfg.Capture.Interfaces
	}
	if !s.cls.Ready() && !cfg.Capture.AllowUntrained {
		return ErrModelNotReady
	}
	return s.supervisor.Start(s.ctx, interfaces)
}

func (s *Service) StopMonitoring() {
	s.supervisor.Stop()
}

// TrainModel fits on the given samples, or on every stored sample when
// none are given.
func (s *Service) TrainModel(ctx context.Context, samples []model.TrainingSample) (training.Result, error) {
	start := s.now()
	var (
		res training.Result
		err error
	)
	if len(samples) == 0 {
		res, err = s.trainer.RetrainAll(ctx)
	} else {
		res, err = s.trainer.TrainSamples(ctx, samples, training.SessionManual)
	}
	s.observeTraining(start, res, err)
	return res, err
}

func (s *Service) RetrainFromAllSamples(ctx context.Context) (training.Result, error) {
	start := s.now()
	res, err := s.trainer.RetrainAll(ctx)
	s.observeTraining(start, res, err)
	return res, err
}

// TrainFromCSV parses an upload and trains on its valid rows. Invalid rows
// are reported, and the run is refused when too few rows remain.
func (s *Service) TrainFromCSV(ctx context.Context, r io.Reader) (features.CSVReport, training.Result, error) {
	report, err := features.ParseCSV(r, s.now())
	if err != nil {
		return report, training.Result{}, fmt.Errorf("read csv: %w", err)
	}
	minimum := s.cfg.Get().Model.MinSamples
	if report.AcceptedCount() < minimum {
		return report, training.Result{}, fmt.Errorf("%w: %d valid rows, need at least %d%s",
			training.ErrInsufficientData, report.AcceptedCount(), minimum, describeInvalid(report.Invalid))
	}
	start := s.now()
	res, err := s.trainer.TrainSamples(ctx, report.Accepted, training.SessionCSVUpload)
	s.observeTraining(start, res, err)
	return report, res, err
}

func describeInvalid(rows []features.RowError) string {
	if len(rows) == 0 {
		return ""
	}
	parts := make([]string, 0, len(rows))
	for _, r := range rows {
		parts = append(parts, fmt.Sprintf("row %d: %s", r.Row, r.Reason))
	}
	return fmt.Sprintf("; %d invalid rows (%s)", len(rows), strings.Join(parts, "; "))
}

// AddSamples stores manually labelled samples without training.
func (s *Service) AddSamples(ctx context.Context, samples []model.TrainingSample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	if err := training.Validate(samples); err != nil {
		return 0, err
	}
	now := s.now().UTC()
	out := make([]model.TrainingSample, len(samples))
	for i, smp := range samples {
		if smp.ID == "" {
			smp.ID = uuid.NewString()
		}
		smp.Source = model.SourceManual
		smp.Validated = true
		if smp.CreatedAt.IsZero() {
			smp.CreatedAt = now
		}
		out[i] = smp
	}
	if err := s.store.AddSamples(ctx, out); err != nil {
		return 0, err
	}
	return len(out), nil
}

func (s *Service) observeTraining(start time.Time, res training.Result, err error) {
	if errors.Is(err, training.ErrAlreadyTraining) {
		return
	}
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveTraining(s.now().Sub(start), outcome, res.Metadata.Version)
}

func (s *Service) AnalyzePacket(ctx context.Context, p model.PacketRecord) (Analysis, error) {
	return s.process(ctx, p)
}

// ReplayPcap feeds a capture file through the pipeline and waits until
// every packet is processed.
func (s *Service) ReplayPcap(ctx context.Context, path, iface string) (int, error) {
	ch := make(chan model.PacketRecord, 64)
	sink := &capture.Sink{Ring: s.ring, Out: ch, Emitter: s.emitter, Logger: s.logger, Block: true}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range ch {
			if _, err := s.process(ctx, p); err != nil && s.logger != nil {
				s.logger.Warn("replayed packet failed", "source", p.SourceAddress, "err", err)
			}
		}
	}()
	n, err := capture.ReplayFile(ctx, path, iface, sink)
	close(ch)
	<-done
	return n, err
}

func (s *Service) AcknowledgeAlert(ctx context.Context, id, who string) (model.Alert, error) {
	return s.dispatcher.Acknowledge(ctx, id, who)
}

// SendTestNotification queues a normal-priority test message.
func (s *Service) SendTestNotification(rc model.Recipient) error {
	if !s.notifying {
		return ErrNotificationsDisabled
	}
	if rc.Email == "" {
		return ErrRecipientEmailRequired
	}
	return s.queue.Enqueue(notify.Job{Recipient: rc, Priority: notify.PriorityNormal})
}

func (s *Service) delivered(job notify.Job) {
	metrics.ObserveNotification(metrics.NotificationSent)
	if job.AlertID == "" {
		return
	}
	if err := s.dispatcher.MarkEmailSent(context.Background(), job.AlertID); err != nil && s.logger != nil {
		s.logger.Warn("email_sent not recorded", "alert_id", job.AlertID, "err", err)
	}
}

// dropped only counts; the queue has already logged the failure.
func (s *Service) dropped(notify.Job, error) {
	metrics.ObserveNotification(metrics.NotificationDropped)
}

// DrainNotifications sends every pending notification now.
func (s *Service) DrainNotifications(ctx context.Context) int {
	return s.queue.Drain(ctx)
}
