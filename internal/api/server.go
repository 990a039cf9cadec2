package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/azure/mentions-sync/internal/analytics"
	"github.com/azure/mentions-sync/internal/scheduler"
	"github.com/azure/mentions-sync/internal/syncer"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// SyncService is the part of the sync service exposed over HTTP
type SyncService interface {
	SyncSource(ctx context.Context, sourceID string) (*syncer.Result, error)
	SyncTenant(ctx context.Context, tenantID string) (*syncer.Summary, error)
	GetSyncStatus(sourceID string) syncer.Status
}

// SchedulerStatus reports the scheduler state
type SchedulerStatus interface {
	Status() scheduler.Status
}

// AnalyticsJob runs and reports the analytics job
type AnalyticsJob interface {
	Run(ctx context.Context) (*analytics.RunStats, error)
	Status() analytics.Status
}

// Pinger checks the database
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the manual trigger and status endpoints. Triggers answer 202 and the
// work continues in the background; results are read back through the status endpoints.
type Server struct {
	syncer    SyncService
	scheduler SchedulerStatus
	analytics AnalyticsJob
	db        Pinger
	gatherer  prometheus.Gatherer

	// background work outlives the request
	background func() context.Context
}

// NewServer creates the HTTP surface. scheduler may be nil when it is not running in this process.
func NewServer(syncService SyncService, sched SchedulerStatus, job AnalyticsJob, db Pinger, gatherer prometheus.Gatherer) *Server {
	return &Server{
		syncer:     syncService,
		scheduler:  sched,
		analytics:  job,
		db:         db,
		gatherer:   gatherer,
		background: context.Background,
	}
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.healthHandler).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	router.HandleFunc("/sources/{id}/sync", s.syncSourceHandler).Methods("POST")
	router.HandleFunc("/sources/{id}/sync-status", s.syncStatusHandler).Methods("GET")
	router.HandleFunc("/tenants/{id}/sync", s.syncTenantHandler).Methods("POST")

	router.HandleFunc("/scheduler/status", s.schedulerStatusHandler).Methods("GET")

	router.HandleFunc("/analytics/run", s.analyticsRunHandler).Methods("POST")
	router.HandleFunc("/analytics/status", s.analyticsStatusHandler).Methods("GET")

	return router
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		logrus.Warnf("Health check failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) syncSourceHandler(w http.ResponseWriter, r *http.Request) {
	sourceID := mux.Vars(r)["id"]

	if status := s.syncer.GetSyncStatus(sourceID); status.Syncing {
		writeJSON(w, http.StatusConflict, status)
		return
	}

	go func() {
		result, err := s.syncer.SyncSource(s.background(), sourceID)
		if err != nil {
			logrus.WithField("source_id", sourceID).Errorf("Manual sync failed: %v", err)
			return
		}
		logrus.WithField("source_id", sourceID).Infof("Manual sync finished: %s", result.Message)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":   "Sync started",
		"source_id": sourceID,
	})
}

func (s *Server) syncTenantHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]

	go func() {
		summary, err := s.syncer.SyncTenant(s.background(), tenantID)
		if err != nil {
			logrus.WithField("tenant_id", tenantID).Errorf("Manual tenant sync failed: %v", err)
			return
		}
		logrus.WithField("tenant_id", tenantID).Infof("Manual tenant sync finished: %d synced, %d failed",
			summary.SourcesSynced, summary.SourcesFailed)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":   "Tenant sync started",
		"tenant_id": tenantID,
	})
}

func (s *Server) syncStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.syncer.GetSyncStatus(mux.Vars(r)["id"]))
}

func (s *Server) schedulerStatusHandler(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not running in this process"})
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) analyticsRunHandler(w http.ResponseWriter, r *http.Request) {
	if s.analytics.Status().Running {
		writeJSON(w, http.StatusConflict, map[string]string{"error": analytics.ErrAlreadyRunning.Error()})
		return
	}

	go func() {
		if _, err := s.analytics.Run(s.background()); err != nil && !errors.Is(err, analytics.ErrAlreadyRunning) {
			logrus.Errorf("Manual analytics run failed: %v", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Analytics run started"})
}

func (s *Server) analyticsStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.analytics.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Failed to write response: %v", err)
	}
}
