package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"threatwatch/internal/api"
	"threatwatch/internal/capture"
	"threatwatch/internal/config"
	"threatwatch/internal/engine"
	"threatwatch/internal/events"
	"threatwatch/internal/logging"
	"threatwatch/internal/metrics"
	"threatwatch/internal/storage"
	"threatwatch/internal/training"
)

const version = "0.3.0"

var (
	configPath string
	logLevel   string

	monitorOnStart bool
	interfaces     []string

	csvPath string

	packetLine string
	iface      string

	pcapPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "threatwatch",
		Short:         "Network packet threat detection with a retrainable classifier",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML or JSON configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the detection pipeline and HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().BoolVar(&monitorOnStart, "monitor", false, "Start packet capture immediately")
	serveCmd.Flags().StringSliceVar(&interfaces, "interface", nil, "Interfaces to capture on (defaults to config)")

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train the classifier from a CSV file, or retrain on every stored sample",
		RunE:  runTrain,
	}
	trainCmd.Flags().StringVar(&csvPath, "csv", "", "CSV file of labelled training rows")

	analyzeCmd := &cobra.Command{
		Use:   "analyze",
		Short: "Classify one packet given as a capture line or JSON object",
		RunE:  runAnalyze,
	}
	analyzeCmd.Flags().StringVar(&packetLine, "packet", "", "Capture line or JSON packet object")
	analyzeCmd.Flags().StringVar(&iface, "interface", "", "Interface name to attribute the packet to")
	_ = analyzeCmd.MarkFlagRequired("packet")

	modelCmd := &cobra.Command{Use: "model", Short: "Inspect the active model"}
	modelCmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Print active model metadata",
		RunE:  runModelInfo,
	})

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Run a pcap file through the detection pipeline",
		RunE:  runReplay,
	}
	replayCmd.Flags().StringVar(&pcapPath, "file", "", "pcap file to replay")
	replayCmd.Flags().StringVar(&iface, "interface", "replay", "Interface name to attribute packets to")
	_ = replayCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(serveCmd, trainCmd, analyzeCmd, modelCmd, replayCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every command needs.
type app struct {
	cfg    *config.Manager
	logger *slog.Logger
	store  storage.Store
	bus    *events.Bus
	nats   *events.NATSForwarder
	svc    *engine.Service
}

func bootstrap(ctx context.Context, withEvents bool) (*app, error) {
	mgr, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger := logging.NewLogger(level, cfg.LogFormat)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}

	a := &app{cfg: mgr, logger: logger, store: store, bus: events.NewBus(logger)}
	if withEvents && cfg.Events.NATS.Enabled {
		fwd, err := events.DialNATS(cfg.Events.NATS.URL, cfg.Events.NATS.SubjectPrefix, logger)
		if err != nil {
			logger.Warn("nats unavailable, events stay local", "url", cfg.Events.NATS.URL, "err", err)
		} else if err := fwd.Attach(a.bus, forwardedKinds()...); err != nil {
			fwd.Close()
			logger.Warn("nats forwarding not attached", "err", err)
		} else {
			a.nats = fwd
		}
	}

	svc, err := engine.NewService(mgr, store, engine.Options{Emitter: a.bus, Logger: logger})
	if err != nil {
		a.close()
		return nil, err
	}
	a.svc = svc
	return a, nil
}

// forwardedKinds leaves out packet_captured, which fires once per packet.
func forwardedKinds() []events.Kind {
	out := make([]events.Kind, 0, len(events.AllKinds))
	for _, k := range events.AllKinds {
		if k != events.PacketCaptured {
			out = append(out, k)
		}
	}
	return out
}

func (a *app) close() {
	if a.svc != nil {
		a.svc.Close()
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func loadConfig() (*config.Manager, error) {
	if configPath == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(config.ResolvePath(configPath))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	api.Start(ctx, a.cfg, a.svc, reg, a.logger, version)

	watchStop := make(chan struct{})
	defer close(watchStop)
	go a.cfg.Watch(3*time.Second, a.svc.ApplyConfig, func(err error) {
		a.logger.Warn("config reload failed", "path", a.cfg.Path(), "err", err)
	}, watchStop)

	if monitorOnStart {
		if err := a.svc.StartMonitoring(interfaces); err != nil {
			return fmt.Errorf("start monitoring: %w", err)
		}
	}
	a.logger.Info("threatwatch running", "version", version, "storage", a.cfg.Get().Storage.Driver)
	a.svc.Run(ctx)
	a.logger.Info("shutting down")
	return nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	if csvPath == "" {
		res, err := a.svc.RetrainFromAllSamples(ctx)
		if err != nil {
			return err
		}
		return printJSON(res)
	}
	f, err := os.Open(csvPath)
	if err != nil {
		return err
	}
	defer f.Close()
	report, res, err := a.svc.TrainFromCSV(ctx, f)
	for _, row := range report.Invalid {
		fmt.Fprintf(os.Stderr, "skipped row %d: %s\n", row.Row, row.Reason)
	}
	if err != nil {
		var verr *training.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("training rejected: %w", err)
		}
		return err
	}
	return printJSON(res)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	p, err := capture.DecodeMessage([]byte(strings.TrimSpace(packetLine)), iface, time.Now())
	if err != nil {
		return fmt.Errorf("parse packet: %w", err)
	}
	out, err := a.svc.AnalyzePacket(ctx, p)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runModelInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	info, err := a.svc.GetModelInfo(ctx)
	if err != nil {
		return err
	}
	return printJSON(info)
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := bootstrap(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	n, err := a.svc.ReplayPcap(ctx, pcapPath, iface)
	if err != nil {
		return err
	}
	a.svc.DrainNotifications(ctx)
	status, err := a.svc.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"packets":          n,
		"threats_detected": status.ThreatsDetected,
		"stats":            a.svc.Stats(),
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
