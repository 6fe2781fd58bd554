package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fw-ingest/internal/logx"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	auth  []string
}

func (r *recorder) add(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req.Method+" "+req.URL.RequestURI())
	r.auth = append(r.auth, req.Header.Get("Authorization"))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) authHeaders() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.auth...)
}

func fakeAPI(rec *recorder, fetchStatus int) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		_, _ = w.Write([]byte(`{"status":"healthy","version":"1.0.0"}`))
	})
	mux.HandleFunc("POST /api/v1/policies/fetch", func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		w.WriteHeader(fetchStatus)
		_, _ = w.Write([]byte(`{"success":true,"policies_count":3,"db_stored":true,"db_count":3,"data_source":"sample","config_id":"abc"}`))
	})
	mux.HandleFunc("GET /api/v1/policies/status", func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		_, _ = w.Write([]byte(`{"status":"operational","total_policies_in_db":9}`))
	})
	return httptest.NewServer(mux)
}

func TestRunOnce(t *testing.T) {
	rec := &recorder{}
	srv := fakeAPI(rec, http.StatusOK)
	defer srv.Close()

	s := New(srv.URL+"/", time.Hour, logx.Discard(), WithAPIToken("tok"))
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.PoliciesCount)
	assert.Equal(t, "abc", res.ConfigID)

	assert.Equal(t, []string{
		"GET /api/v1/health",
		"POST /api/v1/policies/fetch?store_in_db=true",
		"GET /api/v1/policies/status",
	}, rec.snapshot())
	assert.Equal(t, []string{"Bearer tok", "Bearer tok", "Bearer tok"}, rec.authHeaders())
}

func TestRunOnce_FetchFailure(t *testing.T) {
	rec := &recorder{}
	srv := fakeAPI(rec, http.StatusNotFound)
	defer srv.Close()

	_, err := New(srv.URL, time.Hour, logx.Discard()).RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Len(t, rec.snapshot(), 2)
}

func TestRunOnce_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, time.Hour, logx.Discard()).RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check")
}

type fakePurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int64
	err     error
}

func (f *fakePurger) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.n, f.err
}

func (f *fakePurger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestSweep(t *testing.T) {
	p := &fakePurger{n: 4}
	s := New("http://unused", time.Hour, logx.Discard(), WithRetention(p, 7*24*time.Hour))

	s.Sweep(context.Background())
	require.Len(t, p.cutoffs, 1)
	assert.WithinDuration(t, time.Now().Add(-7*24*time.Hour), p.cutoffs[0], time.Minute)

	p.err = errors.New("locked")
	s.Sweep(context.Background())
	assert.Len(t, p.cutoffs, 2)
}

func TestRun_StopsOnCancel(t *testing.T) {
	rec := &recorder{}
	srv := fakeAPI(rec, http.StatusOK)
	defer srv.Close()

	p := &fakePurger{}
	s := New(srv.URL, 10*time.Millisecond, logx.Discard(), WithRetention(p, time.Hour))
	s.SweepEvery = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 6 && p.count() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
