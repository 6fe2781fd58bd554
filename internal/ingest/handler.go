// Package ingest exposes the ingestion pipeline over HTTP.
package ingest

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fw-ingest/internal/admin"
	"fw-ingest/internal/fwerr"
	"fw-ingest/internal/pipeline"
	"fw-ingest/internal/types"
)

const (
	Version      = "1.0.0"
	maxBodyBytes = 1 << 20
)

// Ingester is the pipeline as seen by the HTTP layer.
type Ingester interface {
	Ingest(ctx context.Context, req types.IngestionRequest) types.IngestionResult
	Lookup(ctx context.Context, id string) (*types.ConfigRecord, error)
	Status(ctx context.Context) types.StatusReport
}

// Limiter admits ingestions per device.
type Limiter interface {
	Allow(ctx context.Context, device string) (bool, time.Duration, error)
	Done(ctx context.Context, device string) error
}

type Server struct {
	svc      Ingester
	log      *slog.Logger
	apiToken string
	limiter  Limiter
	// defaultDevice keys the limiter when a request names no firewall.
	defaultDevice string
}

type Option func(*Server)

// WithAPIToken requires "Authorization: Bearer <token>" on the policy routes.
func WithAPIToken(token string) Option {
	return func(s *Server) { s.apiToken = token }
}

func WithLimiter(l Limiter, defaultDevice string) Option {
	return func(s *Server) {
		s.limiter = l
		s.defaultDevice = defaultDevice
	}
}

func NewServer(svc Ingester, log *slog.Logger, opts ...Option) *Server {
	s := &Server{svc: svc, log: log, defaultDevice: types.UnknownDevice}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/policies/fetch", s.guard(s.handleFetch))
	mux.HandleFunc("GET /api/v1/policies/status", s.guard(s.handleStatus))
	mux.HandleFunc("GET /api/v1/policies/{config_id}", s.guard(s.handleLookup))
	mux.Handle("GET /admin/", http.StripPrefix("/admin/", admin.Handler()))
}

// Handler returns the routes on a fresh mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return mux
}

func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	if s.apiToken == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			tok := strings.TrimSpace(auth[7:])
			if subtle.ConstantTimeCompare([]byte(tok), []byte(s.apiToken)) == 1 {
				next(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "Firewall Policy Ingestion API",
		"version": Version,
		"status":  "running",
		"endpoints": map[string]string{
			"health":           "/api/v1/health",
			"fetch_policies":   "/api/v1/policies/fetch",
			"get_config_by_id": "/api/v1/policies/{config_id}",
			"status":           "/api/v1/policies/status",
			"admin":            "/admin/",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"version":   Version,
		"timestamp": time.Now().UTC(),
	})
}

// fetchBody is the optional request-supplied firewall.
type fetchBody struct {
	IPAddress  string  `json:"ip_address"`
	APIToken   string  `json:"api_token"`
	VendorType string  `json:"vendor_type"`
	DeviceID   *string `json:"device_id"`
	DeviceName *string `json:"device_name"`
	VerifySSL  bool    `json:"verify_ssl"`
	Timeout    int     `json:"timeout"`
	APIVersion string  `json:"api_version"`
}

// fetchFailure is the body of a terminal ingestion failure.
type fetchFailure struct {
	Code string `json:"code"`
	types.IngestionResult
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseFetch(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, fwerr.BadRequest, err.Error())
		return
	}

	if s.limiter != nil {
		device := s.limiterKey(req)
		ok, wait, err := s.limiter.Allow(r.Context(), device)
		if err != nil {
			s.log.Error("ingest_limiter_error", "device", device, "error", err)
			writeError(w, http.StatusServiceUnavailable, "unavailable", "ingest limiter unavailable")
			return
		}
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many ingestions for "+device)
			return
		}
		defer func() {
			if err := s.limiter.Done(context.WithoutCancel(r.Context()), device); err != nil {
				s.log.Warn("ingest_limiter_release_error", "device", device, "error", err)
			}
		}()
	}

	res := s.svc.Ingest(r.Context(), req)
	if !res.Success {
		status, code := http.StatusNotFound, fwerr.NotFound
		if res.FailureCause == pipeline.CauseNoSource {
			status, code = http.StatusBadRequest, "no_source"
		}
		s.log.Warn("ingest_request_failed", "status", status, "error", res.Error)
		writeJSON(w, status, fetchFailure{Code: code, IngestionResult: res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) parseFetch(r *http.Request) (types.IngestionRequest, error) {
	req := types.IngestionRequest{StoreResult: true}
	q := r.URL.Query()
	var err error
	if v := q.Get("store_in_db"); v != "" {
		if req.StoreResult, err = strconv.ParseBool(v); err != nil {
			return req, errors.New("store_in_db must be a boolean")
		}
	}
	if v := q.Get("use_sample"); v != "" {
		if req.ForceSample, err = strconv.ParseBool(v); err != nil {
			return req, errors.New("use_sample must be a boolean")
		}
	}

	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return req, errors.New("request body too large or unreadable")
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return req, nil
	}
	if !json.Valid(data) {
		return req, errors.New("request body is not valid JSON")
	}
	if err := validateFetchBody(data); err != nil {
		return req, err
	}
	var body fetchBody
	if err := json.Unmarshal(data, &body); err != nil {
		return req, err
	}

	req.Source = &types.SourceSettings{
		Address:        body.IPAddress,
		Token:          body.APIToken,
		VerifyTLS:      body.VerifySSL,
		TimeoutSeconds: body.Timeout,
		APIVersion:     body.APIVersion,
	}
	req.VendorType = body.VendorType
	if body.DeviceID != nil {
		req.DeviceID = *body.DeviceID
	}
	if body.DeviceName != nil {
		req.DeviceName = *body.DeviceName
	}
	return req, nil
}

func (s *Server) limiterKey(req types.IngestionRequest) string {
	switch {
	case req.DeviceID != "":
		return req.DeviceID
	case req.Source != nil:
		return req.Source.Address
	default:
		return s.defaultDevice
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status(r.Context()))
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("config_id")
	rec, err := s.svc.Lookup(r.Context(), id)
	switch {
	case fwerr.Is(err, fwerr.InvalidID):
		writeError(w, http.StatusBadRequest, fwerr.InvalidID, "Invalid config ID format: "+id)
	case fwerr.Is(err, fwerr.StoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, fwerr.StoreUnavailable, "Database not configured")
	case err != nil:
		s.log.Error("lookup_error", "config_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, fwerr.StoreError, "Failed to read configuration")
	case rec == nil:
		writeError(w, http.StatusNotFound, fwerr.NotFound, "Configuration with ID "+id+" not found")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
