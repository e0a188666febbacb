// Package syncer pages through a remote entity list and drives conversion,
// comment download and merge for every record.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"

	"github.com/lherron/crmsync/internal/bitrix"
	"github.com/lherron/crmsync/internal/convert"
	"github.com/lherron/crmsync/internal/docstore"
	"github.com/lherron/crmsync/internal/domain"
	"github.com/lherron/crmsync/internal/merge"
	"github.com/lherron/crmsync/internal/metrics"
)

const (
	// DefaultBackoff is the pause after a failed record.
	DefaultBackoff = time.Second
	// ContactLimit bounds the contacts linked to one organization per run.
	ContactLimit = 100
	// FieldContact links a member to its contact document.
	FieldContact = "contact"
)

// Converter builds the document graph of one remote record.
type Converter interface {
	Convert(ctx context.Context, mapping domain.Mapping, space string, record domain.Fields, existing *domain.Document, run *domain.Run) (*domain.ConvertResult, error)
}

// Downloader adds comments and activities to a conversion result.
type Downloader interface {
	Download(ctx context.Context, mapping domain.Mapping, result *domain.ConvertResult, run *domain.Run) error
}

// Merger writes conversion results.
type Merger interface {
	Merge(ctx context.Context, existing *domain.Document, result *domain.ConvertResult, run *domain.Run) (*merge.Result, error)
	MergeCollection(ctx context.Context, parent *domain.Document, subs []*domain.SubDocument, label string) (*merge.Result, error)
}

// IdentityReconciler builds the identity map of a run.
type IdentityReconciler interface {
	Reconcile(ctx context.Context) (domain.IdentityMap, error)
}

// Options configures one synchronization run.
type Options struct {
	Store     docstore.Client `validate:"required"`
	Remote    bitrix.Caller   `validate:"required"`
	Converter Converter       `validate:"required"`
	Merger    Merger          `validate:"required"`
	// Downloader is optional; without it no comments are synced.
	Downloader Downloader
	// Users builds the identity map when Run is nil.
	Users IdentityReconciler

	Mapping domain.Mapping
	// Mappings is searched for the contact mapping when Mapping is an
	// organization.
	Mappings []domain.Mapping
	Space    string `validate:"required"`

	// Limit caps the number of accepted records. Zero means no limit.
	Limit     int    `validate:"gte=0"`
	Direction string `validate:"omitempty,oneof=ASC DESC"`
	Filter    map[string]any
	// Period is the suppression window. Zero means domain.DefaultSyncPeriod.
	Period time.Duration `validate:"gte=0"`
	// Force ignores the suppression window.
	Force   bool
	Backoff time.Duration `validate:"gte=0"`

	// Progress is called with the remote total after every page.
	Progress func(total int)
	// Sleep waits between failed records. Defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	Run     *domain.Run
	Metrics *metrics.Metrics
	Logger  logr.Logger

	// nested marks the contact runs of an organization, which are part of
	// the outer run's duration.
	nested bool
}

var validate = validator.New()

// Outcome is what happened to one record.
type Outcome string

const (
	OutcomeSynced     Outcome = "synced"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeFailed     Outcome = "failed"
)

// RecordResult is the outcome of one remote record.
type RecordResult struct {
	RemoteID   string        `json:"remote_id"`
	DocumentID string        `json:"document_id,omitempty"`
	Outcome    Outcome       `json:"outcome"`
	Merge      *merge.Result `json:"merge,omitempty"`
	Contacts   *Report       `json:"contacts,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Report summarizes a run.
type Report struct {
	Mapping    string         `json:"mapping"`
	Total      int            `json:"total"`
	Scanned    int            `json:"scanned"`
	Added      int            `json:"added"`
	Synced     int            `json:"synced"`
	Suppressed int            `json:"suppressed"`
	Failed     int            `json:"failed"`
	Records    []RecordResult `json:"records"`

	// Failures aggregates per-record errors.
	Failures error `json:"-"`
}

// Documents returns the ids of the primary documents synced or confirmed
// during the run.
func (r *Report) Documents() []string {
	var ids []string
	for _, rec := range r.Records {
		if rec.Outcome != OutcomeFailed && rec.DocumentID != "" {
			ids = append(ids, rec.DocumentID)
		}
	}
	return ids
}

func (r *Report) add(rec RecordResult, err error) {
	r.Records = append(r.Records, rec)
	switch rec.Outcome {
	case OutcomeSynced:
		r.Synced++
		r.Added++
	case OutcomeSuppressed:
		r.Suppressed++
		r.Added++
	case OutcomeFailed:
		r.Failed++
		r.Failures = multierr.Append(r.Failures, fmt.Errorf("record %s: %w", rec.RemoteID, err))
	}
}

// Perform synchronizes the records of opts.Mapping. On an error that stops the
// run, the report of the records processed so far is returned with it.
func Perform(ctx context.Context, opts Options) (*Report, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, &domain.ConfigError{Op: "sync", Msg: err.Error()}
	}

	s := &syncer{opts: opts, log: opts.Logger.WithValues("mapping", opts.Mapping.Type)}
	if s.opts.Direction == "" {
		s.opts.Direction = bitrix.DirectionAscending
	}
	if s.opts.Period == 0 {
		s.opts.Period = domain.DefaultSyncPeriod
	}
	if s.opts.Backoff == 0 {
		s.opts.Backoff = DefaultBackoff
	}
	if s.opts.Sleep == nil {
		s.opts.Sleep = sleep
	}
	if s.opts.Run == nil {
		identities := domain.IdentityMap{}
		if opts.Users != nil {
			var err error
			if identities, err = opts.Users.Reconcile(ctx); err != nil {
				return nil, fmt.Errorf("failed to reconcile users: %w", err)
			}
		}
		s.opts.Run = domain.NewRun(identities, nil)
	}

	started := s.opts.Run.Now()
	report, err := s.perform(ctx)
	if !opts.nested {
		s.opts.Metrics.RunFinished(opts.Mapping.Type, started, s.opts.Run.Now())
	}
	if err != nil {
		s.log.Error(err, "sync stopped", "added", report.Added, "scanned", report.Scanned)
		return report, err
	}
	s.log.Info("sync finished", "added", report.Added, "synced", report.Synced,
		"suppressed", report.Suppressed, "failed", report.Failed)
	return report, nil
}

type syncer struct {
	opts Options
	log  logr.Logger
}

func (s *syncer) perform(ctx context.Context) (*Report, error) {
	mapping := s.opts.Mapping
	report := &Report{Mapping: mapping.Type}
	processed := 0

	for !s.full(report) {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		page, err := bitrix.List(ctx, s.opts.Remote, mapping.ListMethod(), bitrix.ListParams{
			Select: bitrix.DefaultSelect,
			Order:  map[string]string{"ID": s.opts.Direction},
			Filter: s.opts.Filter,
			Start:  processed,
		})
		if err != nil {
			return report, fmt.Errorf("failed to list %s at %d: %w", mapping.Type, processed, err)
		}
		report.Total = page.Total
		if s.opts.Progress != nil {
			s.opts.Progress(page.Total)
		}

		for _, record := range page.Records {
			if s.full(report) {
				break
			}
			report.Scanned++
			rec, err := s.record(ctx, record)
			report.add(rec, err)
			s.opts.Metrics.Record(mapping.Type, string(rec.Outcome))
			if rec.Outcome == OutcomeFailed {
				if err := s.opts.Sleep(ctx, s.opts.Backoff); err != nil {
					return report, err
				}
			}
		}

		if page.Next == nil || len(page.Records) == 0 || *page.Next <= processed {
			break
		}
		processed = *page.Next
	}
	return report, nil
}

func (s *syncer) full(r *Report) bool {
	return s.opts.Limit > 0 && r.Added >= s.opts.Limit
}

// record syncs one remote record. A failed record returns its error with
// OutcomeFailed; the loop carries on.
func (s *syncer) record(ctx context.Context, record domain.Fields) (RecordResult, error) {
	mapping, run := s.opts.Mapping, s.opts.Run
	rec := RecordResult{RemoteID: convert.RemoteID(record)}
	log := s.log.WithValues("remoteId", rec.RemoteID)

	fail := func(err error) (RecordResult, error) {
		rec.Outcome, rec.Error = OutcomeFailed, err.Error()
		log.Error(err, "record failed")
		return rec, err
	}

	existing, err := s.opts.Store.FindOne(ctx, mapping.Class, docstore.Query{
		Mixin:      domain.SyncMixin,
		MixinField: domain.TraitRemoteID,
		MixinIn:    []any{rec.RemoteID},
	})
	if err != nil {
		return fail(fmt.Errorf("failed to look up local document: %w", err))
	}

	if trait, ok := domain.TraitOf(existing); ok && !s.opts.Force && !trait.Due(run.Now(), s.opts.Period) {
		rec.Outcome, rec.DocumentID = OutcomeSuppressed, existing.ID
		log.V(1).Info("record suppressed", "lastSync", trait.SyncTime)
		return rec, nil
	}

	result, err := s.opts.Converter.Convert(ctx, mapping, s.opts.Space, record, existing, run)
	if err != nil {
		return fail(fmt.Errorf("failed to convert: %w", err))
	}
	// Tag elements created by the conversion are cached in the run. Unless
	// the merge writes them, later records must not reference them.
	merged := false
	defer func() {
		if !merged {
			for _, extra := range result.ExtraDocs {
				run.ForgetTagElements(extra.ID)
			}
		}
	}()

	if s.opts.Downloader != nil {
		if err := s.opts.Downloader.Download(ctx, mapping, result, run); err != nil {
			return fail(fmt.Errorf("failed to download comments: %w", err))
		}
	}
	res, err := s.opts.Merger.Merge(ctx, existing, result, run)
	if err != nil {
		return fail(err)
	}
	merged = true
	rec.Outcome, rec.Merge, rec.DocumentID = OutcomeSynced, res, result.Document.ID
	log.V(1).Info("record synced", "created", res.Created, "writes", res.Writes)

	if mapping.IsOrganization() {
		contacts, err := s.members(ctx, result.Document, rec.RemoteID)
		rec.Contacts = contacts
		if err != nil {
			log.Error(err, "failed to link contacts")
		}
	}
	return rec, nil
}

// members syncs the contacts of an organization and links them to it.
func (s *syncer) members(ctx context.Context, org *domain.Document, remoteID string) (*Report, error) {
	contactMapping, ok := domain.FindMapping(s.opts.Mappings, domain.EntityContact)
	if !ok {
		s.log.V(1).Info("no contact mapping, skipping members", "remoteId", remoteID)
		return nil, nil
	}

	sub := s.opts
	sub.Mapping = contactMapping
	sub.Filter = map[string]any{"COMPANY_ID": remoteID}
	sub.Limit = ContactLimit
	sub.Progress = nil
	sub.nested = true
	report, err := Perform(ctx, sub)
	if err != nil {
		return report, err
	}

	var links []*domain.SubDocument
	for _, id := range report.Documents() {
		links = append(links, &domain.SubDocument{Doc: &domain.Document{
			Class:  domain.ClassMember,
			Space:  org.Space,
			Fields: domain.Fields{FieldContact: id},
		}})
	}
	if len(links) == 0 {
		return report, nil
	}
	if _, err := s.opts.Merger.MergeCollection(ctx, org, links, fmt.Sprintf("members %s", remoteID)); err != nil {
		return report, err
	}
	return report, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
