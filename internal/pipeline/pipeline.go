// Package pipeline wires the sync components from configuration and runs
// the configured mappings one after another. Both crmsync and crmsyncd use it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/lherron/crmsync/internal/bitrix"
	"github.com/lherron/crmsync/internal/blob"
	"github.com/lherron/crmsync/internal/comments"
	"github.com/lherron/crmsync/internal/config"
	"github.com/lherron/crmsync/internal/convert"
	"github.com/lherron/crmsync/internal/db"
	"github.com/lherron/crmsync/internal/docstore"
	"github.com/lherron/crmsync/internal/docstore/couch"
	"github.com/lherron/crmsync/internal/domain"
	"github.com/lherron/crmsync/internal/merge"
	"github.com/lherron/crmsync/internal/metrics"
	"github.com/lherron/crmsync/internal/syncer"
	"github.com/lherron/crmsync/internal/token"
	"github.com/lherron/crmsync/internal/users"
	"github.com/lherron/crmsync/internal/webhooks"
)

// ErrBusy is returned by Lock while another run holds the lock.
var ErrBusy = errors.New("another sync is running")

// Pipeline holds the components of a sync run.
type Pipeline struct {
	Config     *config.Config
	DB         *db.DB
	Store      docstore.Client
	Remote     bitrix.Caller
	Converter  syncer.Converter
	Downloader syncer.Downloader
	Merger     syncer.Merger
	Users      syncer.IdentityReconciler
	Metrics    *metrics.Metrics

	// Notifier receives a summary of every mapping run. Nil sends nothing.
	Notifier *webhooks.Dispatcher
	Logger   logr.Logger

	// Now and Sleep are passed to every run. Nil uses the real clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Build connects the remote, the document store and the blob backends
// described by cfg. Run history is kept in database. Collectors are
// registered with reg when it is non-nil.
func Build(ctx context.Context, cfg *config.Config, database *db.DB, log logr.Logger, reg prometheus.Registerer) (*Pipeline, error) {
	if err := cfg.RequireRemote(); err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg, database)
	if err != nil {
		return nil, err
	}

	uploader, err := NewUploader(cfg)
	if err != nil {
		return nil, err
	}

	remote := bitrix.NewClient(cfg.Bitrix.WebhookURL,
		bitrix.WithRateLimit(cfg.Bitrix.RatePerSecond, int(cfg.Bitrix.RatePerSecond)),
		bitrix.WithHTTPClient(&http.Client{Timeout: cfg.Bitrix.Timeout}),
	)

	m := metrics.New(reg)
	p := &Pipeline{
		Config:   cfg,
		DB:       database,
		Store:    store,
		Remote:   remote,
		Users:    users.NewReconciler(remote, store, log),
		Metrics:  m,
		Notifier: webhooks.NewDispatcher(cfg.Notify.URLs, log),
		Logger:   log,
	}

	mergeOpts := []merge.Option{merge.WithMaxSize(cfg.Upload.MaxMB), merge.WithMetrics(m)}
	if uploader == nil {
		// Without an upload target nothing is fetched; attachments are
		// left out rather than reported as failures on every record.
		log.Info("no upload target configured, attachments are skipped")
		p.Converter = convert.NewFieldConverter(store, nil, log)
		p.Downloader = comments.NewDownloader(remote, nil, cfg.Sync.Comments, log)
		p.Merger = merge.NewEngine(store, nil, log, mergeOpts...)
		return p, nil
	}

	fetcher := blob.NewHTTPFetcher(cfg.Upload.MaxMB)
	p.Converter = convert.NewFieldConverter(store, fetcher, log)
	p.Downloader = comments.NewDownloader(remote, fetcher, cfg.Sync.Comments, log)
	p.Merger = merge.NewEngine(store, uploader, log, mergeOpts...)
	return p, nil
}

// OpenStore opens the configured document store. The sqlite backend shares
// database with the run history.
func OpenStore(ctx context.Context, cfg *config.Config, database *db.DB) (docstore.Client, error) {
	switch cfg.Store.Backend {
	case "couchdb":
		store, err := couch.Open(ctx, cfg.Store.CouchURL, cfg.Store.CouchDB, cfg.GetActorID())
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return docstore.New(database, cfg.GetActorID()), nil
	}
}

// NewUploader returns the configured blob upload backend, or nil when no
// upload target is set.
func NewUploader(cfg *config.Config) (merge.Uploader, error) {
	if cfg.Upload.Backend == "minio" {
		u, err := blob.NewMinioUploader(blob.MinioConfig{
			Endpoint:  cfg.Upload.Minio.Endpoint,
			AccessKey: cfg.Upload.Minio.AccessKey,
			SecretKey: cfg.Upload.Minio.SecretKey,
			Bucket:    cfg.Upload.Minio.Bucket,
			UseSSL:    cfg.Upload.Minio.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return u, nil
	}

	if cfg.Upload.URL == "" {
		return nil, nil
	}
	if cfg.Auth.Token != "" {
		return blob.NewHTTPUploader(cfg.Upload.URL, blob.StaticToken(cfg.Auth.Token)), nil
	}
	if cfg.Auth.Secret == "" {
		return nil, &domain.ConfigError{Op: "config", Msg: "upload.url needs auth.token or auth.secret"}
	}
	auth := cfg.Auth
	return blob.NewHTTPUploader(cfg.Upload.URL, func() (string, error) {
		return token.Issue(auth.Email, auth.Workspace, auth.TokenTTL, auth.Secret)
	}), nil
}

// Lock takes the run lock next to the database file without waiting.
// The caller unlocks the returned lock when the run is over.
func Lock(dbPath string) (*flock.Flock, error) {
	fl := flock.New(dbPath + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return fl, nil
}

// Request selects what one invocation synchronizes.
type Request struct {
	Mappings  []domain.Mapping
	Limit     int
	Direction string
	Force     bool
	// Trigger is recorded with the run, e.g. "cli" or "schedule".
	Trigger  string
	Progress func(mapping string, total int)
}

// MappingRun is the recorded run and report of one mapping.
type MappingRun struct {
	Run    db.Run         `json:"run"`
	Report *syncer.Report `json:"report,omitempty"`
}

// Sync reconciles the user directory once and then runs every requested
// mapping with the shared run context. A failing mapping does not stop the
// ones after it unless ctx is done; the errors are combined.
func (p *Pipeline) Sync(ctx context.Context, req Request) ([]MappingRun, error) {
	identities, err := p.Users.Reconcile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile users: %w", err)
	}
	run := domain.NewRun(identities, p.Now)

	direction := req.Direction
	if direction == "" {
		direction = p.Config.Sync.Direction
	}

	var (
		out  []MappingRun
		errs error
	)
	for _, mapping := range req.Mappings {
		opts := syncer.Options{
			Store:      p.Store,
			Remote:     p.Remote,
			Converter:  p.Converter,
			Merger:     p.Merger,
			Downloader: p.Downloader,
			Mapping:    mapping,
			Mappings:   p.Config.Mappings,
			Space:      p.Config.Sync.Space,
			Limit:      req.Limit,
			Direction:  direction,
			Period:     p.Config.Sync.Period,
			Force:      req.Force,
			Backoff:    p.Config.Sync.Backoff,
			Sleep:      p.Sleep,
			Run:        run,
			Metrics:    p.Metrics,
			Logger:     p.Logger,
		}
		if req.Progress != nil {
			mappingType := mapping.Type
			opts.Progress = func(total int) { req.Progress(mappingType, total) }
		}

		started := run.Now()
		report, err := syncer.Perform(ctx, opts)
		rec := db.Run{
			Mapping:    mapping.Type,
			Trigger:    req.Trigger,
			StartedAt:  started,
			FinishedAt: run.Now(),
		}
		if report != nil {
			rec.Scanned = report.Scanned
			rec.Added = report.Added
			rec.Suppressed = report.Suppressed
			rec.Failed = report.Failed
		}
		if err != nil {
			rec.Error = err.Error()
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", mapping.Type, err))
		}
		if p.DB != nil {
			if rerr := p.DB.RecordRun(context.WithoutCancel(ctx), &rec); rerr != nil {
				p.Logger.Error(rerr, "failed to record run", "mapping", mapping.Type)
			}
		}
		p.Notifier.Dispatch(context.WithoutCancel(ctx), webhooks.FromRun(rec))
		out = append(out, MappingRun{Run: rec, Report: report})

		if err := ctx.Err(); err != nil {
			if errs == nil {
				errs = err
			}
			return out, errs
		}
	}
	return out, errs
}
