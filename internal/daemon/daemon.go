// Package daemon runs the sync pipeline on a schedule and exposes a small
// HTTP API to trigger runs and inspect their outcome.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lherron/crmsync/internal/cli/appctx"
	"github.com/lherron/crmsync/internal/config"
	"github.com/lherron/crmsync/internal/db"
	"github.com/lherron/crmsync/internal/logging"
	"github.com/lherron/crmsync/internal/pipeline"
	"github.com/lherron/crmsync/internal/token"
)

// TriggerSchedule and TriggerAPI are recorded with the runs the daemon starts.
const (
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
)

// Options configures crmsyncd. Empty fields fall back to the config file.
type Options struct {
	Addr     string
	Unix     string
	Token    string
	DBPath   string
	Interval time.Duration
	// NoSchedule disables the periodic run; syncs start only through the API.
	NoSchedule bool
}

// Serve loads the configuration, wires the pipeline and serves until ctx
// is done.
func Serve(ctx context.Context, opts Options) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.DBPath != "" {
		cfg.DBPath = opts.DBPath
	}
	if opts.Addr != "" {
		cfg.Daemon.Addr = opts.Addr
	}
	if opts.Token != "" {
		cfg.Daemon.Token = opts.Token
	}
	if opts.Interval > 0 {
		cfg.Daemon.Interval = opts.Interval
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(os.Stderr, cfg.LogLevel)
	if err != nil {
		return err
	}

	database, err := appctx.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	p, err := pipeline.Build(ctx, cfg, database, log, reg)
	if err != nil {
		return err
	}

	server := New(ctx, p, reg)
	if !opts.NoSchedule {
		server.Start(ctx, cfg.Daemon.Interval)
	}

	httpServer := &http.Server{
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	var listener net.Listener
	if opts.Unix != "" {
		_ = os.Remove(opts.Unix)
		listener, err = net.Listen("unix", opts.Unix)
	} else {
		listener, err = net.Listen("tcp", cfg.Daemon.Addr)
	}
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	log.Info("crmsyncd listening", "addr", listener.Addr().String(), "interval", cfg.Daemon.Interval)

	err = httpServer.Serve(listener)
	server.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Server owns the pipeline and serializes runs.
type Server struct {
	ctx      context.Context
	pipeline *pipeline.Pipeline
	gatherer prometheus.Gatherer
	log      logr.Logger
	now      func() time.Time

	running sync.Mutex
	wg      sync.WaitGroup

	mu      sync.Mutex
	last    []pipeline.MappingRun
	lastErr string
	lastAt  time.Time
}

// New creates a server. Runs started through the API are bound to ctx.
func New(ctx context.Context, p *pipeline.Pipeline, gatherer prometheus.Gatherer) *Server {
	return &Server{
		ctx:      ctx,
		pipeline: p,
		gatherer: gatherer,
		log:      p.Logger.WithName("daemon"),
		now:      time.Now,
	}
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.withAuth)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	return r
}

// Start runs Schedule in the background. Wait also waits for it, so a
// scheduled run in progress finishes before the database is closed.
func (s *Server) Start(ctx context.Context, interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Schedule(ctx, interval)
	}()
}

// Schedule runs every configured mapping now and then once per interval
// until ctx is done.
func (s *Server) Schedule(ctx context.Context, interval time.Duration) {
	req := s.request(TriggerSchedule)
	if _, err := s.Run(ctx, req); err != nil && !errors.Is(err, pipeline.ErrBusy) {
		s.log.Error(err, "scheduled sync failed")
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx, s.request(TriggerSchedule)); err != nil {
				if errors.Is(err, pipeline.ErrBusy) {
					s.log.V(1).Info("skipping scheduled sync, previous run still active")
					continue
				}
				s.log.Error(err, "scheduled sync failed")
			}
		}
	}
}

// Run performs one sync unless another is active in this process or in
// another process sharing the database, in which case it returns
// pipeline.ErrBusy.
func (s *Server) Run(ctx context.Context, req pipeline.Request) ([]pipeline.MappingRun, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return s.perform(ctx, req)
}

// acquire takes the in-process run lock and the database file lock.
func (s *Server) acquire() (func(), error) {
	if !s.running.TryLock() {
		return nil, pipeline.ErrBusy
	}
	if s.pipeline.DB == nil {
		return s.running.Unlock, nil
	}
	lock, err := pipeline.Lock(s.pipeline.DB.Path())
	if err != nil {
		s.running.Unlock()
		return nil, err
	}
	return func() {
		_ = lock.Unlock()
		s.running.Unlock()
	}, nil
}

func (s *Server) perform(ctx context.Context, req pipeline.Request) ([]pipeline.MappingRun, error) {
	runs, err := s.pipeline.Sync(ctx, req)

	s.mu.Lock()
	s.last = runs
	s.lastAt = s.now()
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()
	return runs, err
}

// Wait blocks until the schedule started with Start has stopped and runs
// started through the API have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) request(trigger string) pipeline.Request {
	cfg := s.pipeline.Config
	return pipeline.Request{
		Mappings: cfg.Mappings,
		Limit:    cfg.Sync.Limit,
		Trigger:  trigger,
	}
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.authorize(r); err != nil {
			s.writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorize accepts the shared daemon token or a bearer token signed with
// the auth secret. Without either configured the API is open.
func (s *Server) authorize(r *http.Request) error {
	cfg := s.pipeline.Config
	if cfg.Daemon.Token == "" && cfg.Auth.Secret == "" {
		return nil
	}

	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tok == "" {
		tok = r.Header.Get("X-Crmsync-Token")
	}
	if tok == "" {
		return errors.New("unauthorized")
	}
	if cfg.Daemon.Token != "" && tok == cfg.Daemon.Token {
		return nil
	}
	if cfg.Auth.Secret != "" {
		if _, err := token.Validate(tok, cfg.Auth.Secret); err == nil {
			return nil
		}
	}
	return errors.New("unauthorized")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]interface{}{
		"message": err.Error(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"time": s.now().UTC().Format(time.RFC3339),
	})
}

type statusResponse struct {
	Running   bool                  `json:"running"`
	LastRunAt *time.Time            `json:"last_run_at,omitempty"`
	LastError string                `json:"last_error,omitempty"`
	Last      []pipeline.MappingRun `json:"last,omitempty"`
	History   []db.Run              `json:"history"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{}
	if s.running.TryLock() {
		s.running.Unlock()
	} else {
		resp.Running = true
	}

	s.mu.Lock()
	if !s.lastAt.IsZero() {
		at := s.lastAt
		resp.LastRunAt = &at
	}
	resp.LastError = s.lastErr
	resp.Last = s.last
	s.mu.Unlock()

	if s.pipeline.DB != nil {
		runs, err := s.pipeline.DB.LastRuns(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp.History = runs
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type syncRequest struct {
	Entities []string `json:"entities,omitempty"`
	Limit    *int     `json:"limit,omitempty"`
	Force    bool     `json:"force,omitempty"`
}

// handleSync starts a run in the background and answers 202, or 409 while
// another run is active.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var body syncRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	req := s.request(TriggerAPI)
	req.Force = body.Force
	if body.Limit != nil {
		if *body.Limit < 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must not be negative"))
			return
		}
		req.Limit = *body.Limit
	}
	if len(body.Entities) > 0 {
		req.Mappings = nil
		for _, entity := range body.Entities {
			m, err := s.pipeline.Config.Mapping(entity)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, err)
				return
			}
			req.Mappings = append(req.Mappings, m)
		}
	}

	release, err := s.acquire()
	if errors.Is(err, pipeline.ErrBusy) {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		if _, err := s.perform(s.ctx, req); err != nil {
			s.log.Error(err, "sync failed", "trigger", req.Trigger)
		}
	}()

	mappings := make([]string, 0, len(req.Mappings))
	for _, m := range req.Mappings {
		mappings = append(mappings, m.Type)
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"started":  true,
		"mappings": mappings,
	})
}
