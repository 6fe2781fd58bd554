// Package scheduler triggers ingestions on the api role at a fixed interval
// and sweeps expired records.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"fw-ingest/internal/types"
)

const (
	healthTimeout = time.Minute
	fetchTimeout  = 5 * time.Minute
	statusTimeout = time.Minute
	maxErrorBody  = 500
)

// Purger deletes records retrieved before a cutoff.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

type Scheduler struct {
	baseURL  string
	token    string
	interval time.Duration
	http     *http.Client
	log      *slog.Logger

	purger    Purger
	retention time.Duration
	// SweepEvery is how often the retention sweep runs.
	SweepEvery time.Duration
}

type Option func(*Scheduler)

func WithAPIToken(token string) Option {
	return func(s *Scheduler) { s.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(s *Scheduler) { s.http = hc }
}

// WithRetention deletes records older than keep through p.
func WithRetention(p Purger, keep time.Duration) Option {
	return func(s *Scheduler) {
		s.purger = p
		s.retention = keep
	}
}

func New(baseURL string, interval time.Duration, log *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		baseURL:    strings.TrimRight(baseURL, "/"),
		interval:   interval,
		http:       &http.Client{},
		log:        log,
		SweepEvery: time.Hour,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run triggers an ingestion immediately and then every interval until ctx
// is done.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg conc.WaitGroup
	wg.Go(func() { s.triggerLoop(ctx) })
	if s.purger != nil && s.retention > 0 {
		wg.Go(func() { s.sweepLoop(ctx) })
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) triggerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("schedule_run_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.SweepEvery)
	defer ticker.Stop()
	for {
		s.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep deletes records past retention once.
func (s *Scheduler) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	n, err := s.purger.Purge(ctx, cutoff)
	if err != nil {
		s.log.Error("housekeeping_error", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("housekeeping_deleted", "rows", n, "cutoff", cutoff)
	}
}

// RunOnce checks health, triggers one stored ingestion and reads the status back.
func (s *Scheduler) RunOnce(ctx context.Context) (*types.IngestionResult, error) {
	var health struct {
		Status string `json:"status"`
	}
	if err := s.call(ctx, http.MethodGet, "/api/v1/health", healthTimeout, &health); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	if health.Status != "healthy" {
		return nil, fmt.Errorf("health check: service reports %q", health.Status)
	}

	var res types.IngestionResult
	if err := s.call(ctx, http.MethodPost, "/api/v1/policies/fetch?store_in_db=true", fetchTimeout, &res); err != nil {
		return nil, fmt.Errorf("fetch policies: %w", err)
	}
	s.log.Info("schedule_fetched",
		"policies", res.PoliciesCount, "stored", res.StoredCount,
		"data_source", res.DataSource, "config_id", res.ConfigID)

	var st types.StatusReport
	if err := s.call(ctx, http.MethodGet, "/api/v1/policies/status", statusTimeout, &st); err != nil {
		return &res, fmt.Errorf("check status: %w", err)
	}
	s.log.Info("schedule_status",
		"status", st.Status, "database_configured", st.StoreConfigured, "total_policies", st.TotalPolicies)
	return &res, nil
}

func (s *Scheduler) call(ctx context.Context, method, path string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}
