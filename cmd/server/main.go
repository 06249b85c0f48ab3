// Command server runs the Rampart control plane: an HTTP API over the
// experimentation engine, with Prometheus metrics, optional gateway
// auth, rate limiting, and graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/rampart-io/rampart/internal/api"
	"github.com/rampart-io/rampart/internal/audit"
	"github.com/rampart-io/rampart/internal/auth"
	"github.com/rampart-io/rampart/internal/engine"
	"github.com/rampart-io/rampart/internal/events"
	"github.com/rampart-io/rampart/internal/experiment"
	"github.com/rampart-io/rampart/internal/flags"
	"github.com/rampart-io/rampart/internal/health"
	"github.com/rampart-io/rampart/internal/metrics"
	"github.com/rampart-io/rampart/internal/rollout"
	"github.com/rampart-io/rampart/internal/store"
	"github.com/rampart-io/rampart/pkg/otel"
)

const maxBodySize = 1 << 20 // 1 MB request body cap

// Server bundles the engine with request-level concerns.
type Server struct {
	engine  *engine.Engine
	limiter *rate.Limiter
}

func main() {
	port := getEnv("PORT", "8080")

	st := openStore()

	wal, err := events.NewWAL(getEnv("WAL_DIR", "./data/wal"))
	if err != nil {
		log.Fatalf("Failed to open event WAL: %v", err)
	}

	trail, err := audit.NewTrail(getEnv("AUDIT_DIR", "./data/audit"))
	if err != nil {
		log.Fatalf("Failed to open audit trail: %v", err)
	}

	var baseAttrs map[string]any
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		baseAttrs = map[string]any{"environment": env}
	}

	eng := engine.New(engine.Config{
		Store:          st,
		Source:         openHealthSource(),
		Metrics:        metrics.New(),
		Trail:          trail,
		WAL:            wal,
		BaseAttributes: baseAttrs,
		SafetyInterval: time.Duration(getEnvInt("SAFETY_INTERVAL_SEC", 30)) * time.Second,
	})

	ctx := context.Background()
	if err := eng.Load(ctx); err != nil {
		log.Fatalf("Failed to load engine state: %v", err)
	}
	eng.Start(ctx)

	var tracerShutdown func()
	if getEnv("OTEL_ENABLED", "false") == "true" {
		cfg := otel.DefaultConfig("rampart")
		cfg.CollectorEndpoint = getEnv("OTEL_ENDPOINT", cfg.CollectorEndpoint)
		cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
		tp, err := otel.InitTracer(ctx, cfg)
		if err != nil {
			log.Printf("Warning: tracing disabled: %v", err)
		} else {
			tracerShutdown = func() {
				tpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := otel.Shutdown(tpCtx, tp); err != nil {
					log.Printf("Warning: tracer shutdown: %v", err)
				}
			}
		}
	}

	rps := getEnvInt("RATE_LIMIT_RPS", 200)
	srv := &Server{
		engine:  eng,
		limiter: rate.NewLimiter(rate.Limit(rps), rps*2),
	}

	v1 := http.NewServeMux()
	v1.HandleFunc("POST /v1/experiments", srv.handleCreateExperiment)
	v1.HandleFunc("GET /v1/experiments", srv.handleListExperiments)
	v1.HandleFunc("GET /v1/experiments/{id}", srv.handleGetExperiment)
	v1.HandleFunc("POST /v1/experiments/{id}/start", srv.handleStartExperiment)
	v1.HandleFunc("POST /v1/experiments/{id}/pause", srv.handlePauseExperiment)
	v1.HandleFunc("POST /v1/experiments/{id}/stop", srv.handleStopExperiment)
	v1.HandleFunc("GET /v1/experiments/{id}/results", srv.handleResults)
	v1.HandleFunc("GET /v1/experiments/{id}/assignment", srv.handleGetAssignment)
	v1.HandleFunc("DELETE /v1/experiments/{id}/assignment", srv.handleResetAssignment)
	v1.HandleFunc("POST /v1/assign", srv.handleAssign)
	v1.HandleFunc("POST /v1/track", srv.handleTrack)
	v1.HandleFunc("POST /v1/flags", srv.handleCreateFlag)
	v1.HandleFunc("GET /v1/flags", srv.handleListFlags)
	v1.HandleFunc("POST /v1/flags/evaluate", srv.handleEvaluateFlag)
	v1.HandleFunc("POST /v1/rollouts", srv.handleCreateRollout)
	v1.HandleFunc("GET /v1/rollouts", srv.handleListRollouts)
	v1.HandleFunc("GET /v1/rollouts/{id}", srv.handleRolloutStatus)
	v1.HandleFunc("POST /v1/rollouts/{id}/start", srv.handleStartRollout)
	v1.HandleFunc("POST /v1/rollouts/{id}/pause", srv.handlePauseRollout)
	v1.HandleFunc("POST /v1/rollouts/{id}/resume", srv.handleResumeRollout)
	v1.HandleFunc("POST /v1/rollouts/{id}/rollback", srv.handleRollbackRollout)

	mux := http.NewServeMux()
	mux.Handle("/v1/", srv.withRateLimit(v1))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("GET /metrics", metricsHandler())

	authCfg := auth.DefaultConfig()
	authCfg.Enabled = getEnv("AUTH_ENABLED", "false") == "true"

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      auth.Middleware(authCfg)(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Rampart control plane listening on :%s (store=%s)", port, getEnv("STORE_BACKEND", "memory"))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: server shutdown: %v", err)
	}

	eng.Close()
	if tracerShutdown != nil {
		tracerShutdown()
	}
	if err := wal.Close(); err != nil {
		log.Printf("Warning: WAL close: %v", err)
	}
	if err := trail.Close(); err != nil {
		log.Printf("Warning: audit trail close: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("Warning: store close: %v", err)
	}
	log.Println("Shutdown complete")
}

// openStore selects the persistence backend from STORE_BACKEND.
func openStore() store.Store {
	backend := getEnv("STORE_BACKEND", "memory")
	switch backend {
	case "memory":
		return store.NewMemoryStore(getEnv("STORE_SNAPSHOT", "./data/rampart.json"))
	case "redis":
		st, err := store.NewRedisStore(
			getEnv("REDIS_ADDR", "localhost:6379"),
			os.Getenv("REDIS_PASSWORD"),
			getEnvInt("REDIS_DB", 0),
		)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		return st
	case "postgres":
		conn := os.Getenv("POSTGRES_CONN")
		if conn == "" {
			log.Fatalf("STORE_BACKEND=postgres requires POSTGRES_CONN")
		}
		st, err := store.NewPostgresStore(conn)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		return st
	case "badger":
		st, err := store.NewBadgerStore(getEnv("BADGER_DIR", "./data/badger"))
		if err != nil {
			log.Fatalf("Failed to open Badger store: %v", err)
		}
		return st
	default:
		log.Fatalf("Unknown STORE_BACKEND: %s (use memory, redis, postgres, or badger)", backend)
		return nil
	}
}

// openHealthSource selects where rollout health snapshots come from.
// The static source answers with fixed healthy numbers, which keeps
// single-node and test deployments self-contained.
func openHealthSource() health.Source {
	backend := getEnv("HEALTH_SOURCE", "static")
	switch backend {
	case "static":
		return health.NewStaticSource(health.Snapshot{
			SuccessRate:      1,
			UserSatisfaction: 1,
		})
	case "http":
		url := os.Getenv("HEALTH_URL")
		if url == "" {
			log.Fatalf("HEALTH_SOURCE=http requires HEALTH_URL")
		}
		timeout := time.Duration(getEnvInt("HEALTH_TIMEOUT_SEC", 5)) * time.Second
		return health.NewHTTPSource(url, timeout)
	default:
		log.Fatalf("Unknown HEALTH_SOURCE: %s (use static or http)", backend)
		return nil
	}
}

// metricsHandler exposes Prometheus metrics, behind basic auth when
// METRICS_USER and METRICS_PASS are both set.
func metricsHandler() http.Handler {
	h := promhttp.Handler()
	user := os.Getenv("METRICS_USER")
	pass := os.Getenv("METRICS_PASS")
	if user == "" || pass == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, api.ErrorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---- Experiment handlers ----

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var exp experiment.Experiment
	if err := decode(r, &exp); err != nil {
		s.fail(w, err, http.StatusBadRequest)
		return
	}
	if err := s.engine.CreateExperiment(r.Context(), &exp); err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListExperiments(r.Context()))
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.engine.GetExperiment(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleStartExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.engine.StartExperiment(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handlePauseExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.engine.PauseExperiment(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleStopExperiment(w http.ResponseWriter, r *http.Request) {
	var req api.StopExperimentRequest
	if err := decodeOptional(r, &req); err != nil {
		s.fail(w, err, http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "stopped by operator"
	}
	results, err := s.engine.StopExperiment(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.fail(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.engine.ComputeResults(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.fail(w, errors.New("user_id query parameter is required"), http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	asg, err := s.engine.GetAssignment(r.Context(), id, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, api.AssignResponse{
				Assigned:     false,
				ExperimentID: id,
				UserID:       userID,
			})
			return
		}
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.assignResponse(r.Context(), asg))
}

func (s *Server) handleResetAssignment(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.fail(w, errors.New("user_id query parameter is required"), http.StatusBadRequest)
		return
	}
	if err := s.engine.ResetAssignment(r.Context(), r.PathValue("id"), userID); err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req api.AssignRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(w, err, http.StatusBadRequest)
		return
	}

	asg, err := s.engine.Assign(r.Context(), req.ExperimentID, req.UserID, req.Attributes)
	if err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	if asg == nil {
		writeJSON(w, http.StatusOK, api.AssignResponse{
			Assigned:     false,
			ExperimentID: req.ExperimentID,
			UserID:       req.UserID,
		})
		return
	}
	writeJSON(w, http.StatusOK, s.assignResponse(r.Context(), asg))
}

// assignResponse fills the wire form, resolving the variant name from
// the experiment definition.
func (s *Server) assignResponse(ctx context.Context, asg *experiment.Assignment) api.AssignResponse {
	resp := api.AssignResponse{
		Assigned:     true,
		ExperimentID: asg.ExperimentID,
		UserID:       asg.UserID,
		VariantID:    asg.VariantID,
		AssignedAt:   &asg.AssignedAt,
	}
	if exp, err := s.engine.GetExperiment(ctx, asg.ExperimentID); err == nil {
		for _, v := range exp.Variants {
			if v.ID == asg.VariantID {
				resp.VariantName = v.Name
				break
			}
		}
	}
	return resp
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req api.TrackRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(w, err, http.StatusBadRequest)
		return
	}

	accepted, err := s.engine.Track(r.Context(), req.ExperimentID, req.UserID, req.Type, req.Value, req.Metadata)
	if err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, api.TrackResponse{Accepted: accepted})
}

// ---- Flag handlers ----

func (s *Server) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var f flags.Flag
	if err := decode(r, &f); err != nil {
		s.fail(w, err, http.StatusBadRequest)
		return
	}
	if err := s.engine.CreateFlag(r.Context(), &f); err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleListFlags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListFlags(r.Context()))
}

func (s *Server) handleEvaluateFlag(w http.ResponseWriter, r *http.Request) {
	var req api.EvaluateFlagRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(w, err, http.StatusBadRequest)
		return
	}

	resp := api.EvaluateFlagResponse{Flag: req.Flag}
	resp.Enabled = s.engine.IsEnabled(req.Flag, req.UserID, req.Attributes)
	if resp.Enabled {
		if variant, ok := s.engine.GetVariant(req.Flag, req.UserID, req.Attributes); ok {
			resp.VariantID = variant
			resp.HasVariant = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---- Rollout handlers ----

func (s *Server) handleCreateRollout(w http.ResponseWriter, r *http.Request) {
	var req api.CreateRolloutRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err, http.StatusBadRequest)
		return
	}
	plan := req.ToPlan()
	if err := s.engine.CreateRolloutPlan(r.Context(), plan); err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleListRollouts(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("active") == "true" {
		writeJSON(w, http.StatusOK, s.engine.ListActiveRollouts(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, s.engine.ListRollouts(r.Context()))
}

func (s *Server) handleRolloutStatus(w http.ResponseWriter, r *http.Request) {
	plan, err := s.engine.RolloutStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleStartRollout(w http.ResponseWriter, r *http.Request) {
	s.rolloutAction(w, r, func(ctx context.Context, id string) error {
		return s.engine.StartRollout(ctx, id)
	})
}

func (s *Server) handlePauseRollout(w http.ResponseWriter, r *http.Request) {
	s.rolloutAction(w, r, func(ctx context.Context, id string) error {
		return s.engine.PauseRollout(ctx, id)
	})
}

func (s *Server) handleResumeRollout(w http.ResponseWriter, r *http.Request) {
	s.rolloutAction(w, r, func(ctx context.Context, id string) error {
		return s.engine.ResumeRollout(ctx, id)
	})
}

func (s *Server) handleRollbackRollout(w http.ResponseWriter, r *http.Request) {
	var req api.RolloutActionRequest
	if err := decodeOptional(r, &req); err != nil {
		s.fail(w, err, http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual rollback"
	}
	s.rolloutAction(w, r, func(ctx context.Context, id string) error {
		return s.engine.RollbackRollout(ctx, id, req.Reason)
	})
}

// rolloutAction applies a lifecycle action and responds with the
// updated plan.
func (s *Server) rolloutAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string) error) {
	id := r.PathValue("id")
	if err := action(r.Context(), id); err != nil {
		s.fail(w, err, http.StatusConflict)
		return
	}
	plan, err := s.engine.RolloutStatus(r.Context(), id)
	if err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// ---- Plumbing ----

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	return nil
}

// decodeOptional tolerates an empty body, for actions whose parameters
// are all optional.
func decodeOptional(r *http.Request, v any) error {
	defer r.Body.Close()
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid JSON body: %v", err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Warning: failed to encode response: %v", err)
	}
}

// fail maps domain errors onto HTTP statuses: not-found wins, then
// validation, then the handler's fallback.
func (s *Server) fail(w http.ResponseWriter, err error, fallback int) {
	status := fallback
	resp := api.ErrorResponse{Error: err.Error()}

	var expErr *experiment.ValidationError
	var flagErr *flags.ValidationError
	var planErr *rollout.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &expErr):
		status = http.StatusBadRequest
		resp.Field = expErr.Field
	case errors.As(err, &flagErr):
		status = http.StatusBadRequest
		resp.Field = flagErr.Field
	case errors.As(err, &planErr):
		status = http.StatusBadRequest
		resp.Field = planErr.Field
	}
	writeJSON(w, status, resp)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
