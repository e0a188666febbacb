// Package webhooks posts a summary of every finished mapping run to the
// configured notification URLs.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/lherron/crmsync/internal/db"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultConcurrency = 4
)

// Payload is the webhook payload for a finished run.
type Payload struct {
	Mapping    string    `json:"mapping"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Scanned    int       `json:"scanned"`
	Added      int       `json:"added"`
	Suppressed int       `json:"suppressed"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

// FromRun builds the payload of a recorded run.
func FromRun(run db.Run) Payload {
	return Payload{
		Mapping:    run.Mapping,
		Trigger:    run.Trigger,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Scanned:    run.Scanned,
		Added:      run.Added,
		Suppressed: run.Suppressed,
		Failed:     run.Failed,
		Error:      run.Error,
	}
}

// Dispatcher sends payloads to a fixed list of URL templates. A nil
// *Dispatcher sends nothing.
type Dispatcher struct {
	urls   []string
	client *http.Client
	log    logr.Logger
}

// NewDispatcher returns nil when urls is empty.
func NewDispatcher(urls []string, log logr.Logger) *Dispatcher {
	if len(urls) == 0 {
		return nil
	}
	return &Dispatcher{
		urls:   urls,
		client: &http.Client{Timeout: defaultTimeout},
		log:    log.WithName("webhooks"),
	}
}

// Dispatch posts payload to every resolved target and waits for the
// deliveries. Failures are logged, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, payload Payload) {
	if d == nil {
		return
	}
	targets := ResolveWebhookTargets(d.urls, payload, d.log)
	if len(targets) == 0 {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.log.Error(err, "failed to encode payload")
		return
	}
	d.dispatchURLs(ctx, targets, body)
}

// ResolveWebhookTargets templates, normalizes, and de-dupes webhook URLs.
// Invalid URLs are skipped.
func ResolveWebhookTargets(urls []string, payload Payload, log logr.Logger) []string {
	if len(urls) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(urls))
	var normalized []string

	for _, raw := range urls {
		templated := strings.TrimSpace(applyTemplate(strings.TrimSpace(raw), payload))
		templated = strings.TrimRight(templated, "/")
		if templated == "" {
			continue
		}
		if !isValidWebhookURL(templated) {
			log.Info("skipping invalid webhook url", "url", templated)
			continue
		}
		if _, ok := seen[templated]; ok {
			continue
		}
		seen[templated] = struct{}{}
		normalized = append(normalized, templated)
	}

	return normalized
}

func applyTemplate(raw string, payload Payload) string {
	result := strings.ReplaceAll(raw, "{mapping}", url.PathEscape(payload.Mapping))
	result = strings.ReplaceAll(result, "{trigger}", url.PathEscape(payload.Trigger))
	return result
}

func isValidWebhookURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return parsed.Host != ""
}

func (d *Dispatcher) dispatchURLs(ctx context.Context, urls []string, body []byte) {
	workers := defaultConcurrency
	if len(urls) < workers {
		workers = len(urls)
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for endpoint := range jobs {
				d.sendWebhook(ctx, endpoint, body)
			}
		}()
	}

	for _, endpoint := range urls {
		jobs <- endpoint
	}
	close(jobs)
	wg.Wait()
}

func (d *Dispatcher) sendWebhook(ctx context.Context, endpoint string, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		d.log.Error(err, "failed to build webhook request", "url", endpoint)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Error(err, "webhook request failed", "url", endpoint)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.log.Info("webhook rejected", "url", endpoint, "status", resp.StatusCode)
	}
}
