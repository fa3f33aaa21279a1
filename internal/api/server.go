package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"threatwatch/internal/capture"
	"threatwatch/internal/config"
	"threatwatch/internal/engine"
	"threatwatch/internal/features"
	"threatwatch/internal/model"
	"threatwatch/internal/storage"
	"threatwatch/internal/training"
)

// Service is the command surface the HTTP layer drives; *engine.Service
// implements it.
type Service interface {
	StartMonitoring(interfaces []string) error
	StopMonitoring()
	TrainModel(ctx context.Context, samples []model.TrainingSample) (training.Result, error)
	TrainFromCSV(ctx context.Context, r io.Reader) (features.CSVReport, training.Result, error)
	RetrainFromAllSamples(ctx context.Context) (training.Result, error)
	AddSamples(ctx context.Context, samples []model.TrainingSample) (int, error)
	AnalyzePacket(ctx context.Context, p model.PacketRecord) (engine.Analysis, error)
	AcknowledgeAlert(ctx context.Context, id, who string) (model.Alert, error)
	SendTestNotification(rc model.Recipient) error
	GetModelInfo(ctx context.Context) (engine.ModelInfo, error)
	Status(ctx context.Context) (engine.Status, error)
	ListThreats(ctx context.Context, q storage.ThreatQuery) ([]model.Threat, error)
	GetThreat(ctx context.Context, id string) (model.Threat, error)
	ListAlerts(ctx context.Context, limit int) ([]model.Alert, error)
	RecentAlerts(limit int) []model.Alert
	AlertsSince(ts time.Time) []model.Alert
	LearningSessions(ctx context.Context, limit int) ([]model.LearningSession, error)
	Stats() capture.Stats
	Timeline(minutes int) []capture.TimelinePoint
	RecentPackets(n int) []model.PacketRecord
	ClearPackets()
	Detection() config.DetectionConfig
	UpdateDetection(d config.DetectionConfig) (config.DetectionConfig, error)
}

type Server struct {
	cfg      *config.Manager
	svc      Service
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	version  string
}

const maxBody = 10 << 20

func Start(ctx context.Context, cfg *config.Manager, svc Service, gatherer prometheus.Gatherer, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewRouter(cfg, svc, gatherer, logger, version),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

// NewRouter builds the route table. /metrics is only mounted when metrics
// are enabled and a gatherer is given.
func NewRouter(cfg *config.Manager, svc Service, gatherer prometheus.Gatherer, logger *slog.Logger, version string) http.Handler {
	s := &Server{cfg: cfg, svc: svc, gatherer: gatherer, logger: logger, version: version}
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/threats", s.handleThreats).Methods(http.MethodGet)
	api.HandleFunc("/threats/{id}", s.handleThreat).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/recent", s.handleRecentAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/acknowledge", s.handleAcknowledge).Methods(http.MethodPost)
	api.HandleFunc("/model/info", s.handleModelInfo).Methods(http.MethodGet)
	api.HandleFunc("/model/train", s.handleTrain).Methods(http.MethodPost)
	api.HandleFunc("/model/retrain", s.handleRetrain).Methods(http.MethodPost)
	api.HandleFunc("/model/samples", s.handleAddSamples).Methods(http.MethodPost)
	api.HandleFunc("/model/sessions", s.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/packets/analyze", s.handleAnalyze).Methods(http.MethodPost)
	api.HandleFunc("/packets/recent", s.handleRecentPackets).Methods(http.MethodGet)
	api.HandleFunc("/packets/stats", s.handlePacketStats).Methods(http.MethodGet)
	api.HandleFunc("/packets/clear", s.handleClearPackets).Methods(http.MethodPost)
	api.HandleFunc("/metrics/network", s.handleTimeline).Methods(http.MethodGet)
	api.HandleFunc("/system/start-scan", s.handleStartScan).Methods(http.MethodPost)
	api.HandleFunc("/system/stop-scan", s.handleStopScan).Methods(http.MethodPost)
	api.HandleFunc("/system/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/email/test", s.handleTestEmail).Methods(http.MethodPost)
	api.HandleFunc("/config/detection", s.handleGetDetection).Methods(http.MethodGet)
	api.HandleFunc("/config/detection", s.handleUpdateDetection).Methods(http.MethodPost)
	if gatherer != nil && cfg != nil && cfg.Get().Metrics.Enabled {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339Nano),
		"version": s.version,
	})
}

func (s *Server) handleThreats(w http.ResponseWriter, r *http.Request) {
	q := storage.ThreatQuery{
		Status: model.ThreatStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	list, err := s.svc.ListThreats(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threats": list, "count": len(list)})
}

func (s *Server) handleThreat(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetThreat(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListAlerts(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	var list []model.Alert
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err))
			return
		}
		list = s.svc.AlertsSince(ts)
	} else {
		list = s.svc.RecentAlerts(queryInt(r, "limit", 50))
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AcknowledgedBy string `json:"acknowledged_by"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	who := strings.TrimSpace(req.AcknowledgedBy)
	if who == "" {
		who = "analyst"
	}
	alert, err := s.svc.AcknowledgeAlert(r.Context(), mux.Vars(r)["id"], who)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.GetModelInfo(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleTrain accepts a CSV upload (text/csv) or a JSON body with samples.
// An empty JSON body retrains on every stored sample.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxBody)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv") {
		report, res, err := s.svc.TrainFromCSV(r.Context(), body)
		if err != nil {
			status := statusFor(err)
			writeJSON(w, status, map[string]any{
				"error":        err.Error(),
				"valid_rows":   report.AcceptedCount(),
				"invalid_rows": report.Invalid,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"result":       res,
			"valid_rows":   report.AcceptedCount(),
			"invalid_rows": report.Invalid,
		})
		return
	}
	var req struct {
		Samples []model.TrainingSample `json:"samples"`
	}
	r.Body = body
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	res, err := s.svc.TrainModel(r.Context(), req.Samples)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.RetrainFromAllSamples(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAddSamples(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Samples []model.TrainingSample `json:"samples"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	n, err := s.svc.AddSamples(r.Context(), req.Samples)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": n})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.LearningSessions(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
}

// handleAnalyze takes the same JSON packet object the Kafka source accepts,
// or a raw capture line.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	p, err := capture.DecodeMessage(body, r.URL.Query().Get("interface"), time.Now())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	out, err := s.svc.AnalyzePacket(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecentPackets(w http.ResponseWriter, r *http.Request) {
	list := s.svc.RecentPackets(queryInt(r, "limit", 100))
	writeJSON(w, http.StatusOK, map[string]any{"packets": list, "count": len(list)})
}

func (s *Server) handlePacketStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) handleClearPackets(w http.ResponseWriter, r *http.Request) {
	s.svc.ClearPackets()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"timeline": s.svc.Timeline(queryInt(r, "minutes", 30))})
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Interfaces []string `json:"interfaces"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	if err := s.svc.StartMonitoring(req.Interfaces); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "monitoring"})
}

func (s *Server) handleStopScan(w http.ResponseWriter, r *http.Request) {
	s.svc.StopMonitoring()
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTestEmail(w http.ResponseWriter, r *http.Request) {
	var rc model.Recipient
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&rc); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	if err := s.svc.SendTestNotification(rc); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

func (s *Server) handleGetDetection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"detection": s.svc.Detection()})
}

// handleUpdateDetection overlays the body on the current detection section,
// so omitted fields keep their values.
func (s *Server) handleUpdateDetection(w http.ResponseWriter, r *http.Request) {
	d := s.svc.Detection()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&d); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	applied, err := s.svc.UpdateDetection(d)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"detection": applied})
}

func statusFor(err error) int {
	var verr *training.ValidationError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, training.ErrAlreadyTraining),
		errors.Is(err, engine.ErrModelNotReady),
		errors.Is(err, capture.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, training.ErrInsufficientData),
		errors.Is(err, engine.ErrRecipientEmailRequired),
		errors.Is(err, capture.ErrNoInterfaces),
		errors.Is(err, engine.ErrInvalidConfig),
		errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotificationsDisabled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError && s.logger != nil {
		s.logger.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorBody(err))
}

func errorBody(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

// decodeOptional decodes a JSON body, treating an empty body as zero value.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
