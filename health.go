package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xyzretail/sales-lakehouse/audit"
)

var (
	// Prometheus metrics
	filesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sales_pipeline_files_ingested_total",
		Help: "Total number of source files ingested into the raw layer",
	})

	filesQuarantined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sales_pipeline_files_quarantined_total",
		Help: "Total number of malformed source files quarantined",
	})

	rowsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sales_pipeline_rows_ingested_total",
		Help: "Total number of raw rows appended",
	})

	rowsFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sales_pipeline_rows_filtered_total",
		Help: "Total number of rows passing the quality gate",
	})

	constraintViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sales_pipeline_constraint_violations_total",
		Help: "Constraint violations by constraint name",
	}, []string{"constraint"})

	factsAssembled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sales_pipeline_facts_total",
		Help: "Total number of fact rows assembled",
	})

	orphansRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sales_pipeline_orphans_total",
		Help: "Total number of rows routed to the orphan output",
	})

	claimsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sales_pipeline_claims_reaped_total",
		Help: "Total number of expired file claims released",
	})

	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sales_pipeline_cycles_total",
		Help: "Total number of successful pipeline cycles",
	})

	cycleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sales_pipeline_cycle_errors_total",
		Help: "Total number of pipeline cycle errors",
	})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sales_pipeline_cycle_duration_seconds",
		Help:    "Duration of pipeline cycles",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	})

	lastIngestSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sales_pipeline_last_ingest_seq",
		Help: "Last processed ingest sequence",
	})
)

// HealthServer serves the health, metrics and audit endpoints.
type HealthServer struct {
	pipeline  *Pipeline
	store     *audit.Store
	port      string
	startTime time.Time
	logger    *zap.Logger
}

// NewHealthServer creates the HTTP server for health and audit.
func NewHealthServer(pipeline *Pipeline, store *audit.Store, port string, logger *zap.Logger) *HealthServer {
	return &HealthServer{
		pipeline:  pipeline,
		store:     store,
		port:      port,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Start starts the HTTP server. It blocks until the listener fails.
func (h *HealthServer) Start() error {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Get("/live", h.handleLive)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/audit", func(r chi.Router) {
		r.Get("/files", h.handleFiles)
		r.Get("/files/{fingerprint}", h.handleFile)
		r.Get("/batches", h.handleBatches)
		r.Get("/batches/{id}", h.handleBatch)
		r.Get("/orphans", h.handleOrphans)
	})

	addr := ":" + h.port
	h.logger.Info("health server listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, r)
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.pipeline.GetStats()

	health := map[string]any{
		"status":         "healthy",
		"service":        h.pipeline.config.Service.Name,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"stats": map[string]any{
			"cycles_total":                stats.CyclesTotal,
			"cycle_errors":                stats.CycleErrors,
			"last_ingest_seq":             stats.LastIngestSeq,
			"last_cycle_time":             stats.LastCycleTime,
			"last_cycle_duration_seconds": stats.LastCycleDuration.Seconds(),
		},
		"config": map[string]any{
			"mode":                  h.pipeline.config.Service.Mode,
			"poll_interval_seconds": h.pipeline.config.Service.PollIntervalSeconds,
			"landing_dir":           h.pipeline.config.Source.LandingDir,
		},
	}
	h.writeJSON(w, health)
}

func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ready")
}

func (h *HealthServer) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "live")
}

func (h *HealthServer) handleFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.store.ListFiles(r.Context(), r.URL.Query().Get("status"), queryLimit(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, files)
}

func (h *HealthServer) handleFile(w http.ResponseWriter, r *http.Request) {
	file, err := h.store.GetFile(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if file == nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, file)
}

func (h *HealthServer) handleBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.store.ListBatches(r.Context(), queryLimit(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, batches)
}

func (h *HealthServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.store.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if batch == nil {
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, batch)
}

func (h *HealthServer) handleOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := h.store.ListOrphans(r.Context(), queryLimit(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, orphans)
}

func queryLimit(r *http.Request) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 10000 {
			return n
		}
	}
	return 100
}

func (h *HealthServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *HealthServer) writeError(w http.ResponseWriter, err error) {
	h.logger.Error("audit query failed", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}
