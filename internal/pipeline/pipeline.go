// Package pipeline runs one ingestion: fetch from the firewall, fall back
// to staged samples, normalize, persist.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"

	"fw-ingest/internal/fwerr"
	"fw-ingest/internal/payload"
	"fw-ingest/internal/store"
	"fw-ingest/internal/types"
)

// SampleCandidates are tried in order when the live source cannot be used.
var SampleCandidates = []string{"fortinet-config.json", "sample_policies.json"}

const (
	CauseNoSource     = "no_source"
	CauseSourceFailed = "source_failed"
)

// Source is a live firewall policy reader.
type Source interface {
	Fetch(ctx context.Context) (payload.Items, error)
	Address() string
	Close()
}

// SourceFactory builds a call-scoped source from request-supplied settings.
type SourceFactory func(ctx context.Context, settings types.SourceSettings) (Source, error)

type Samples interface {
	IsAvailable(name string) bool
	Load(name string) (payload.Items, error)
	List() ([]string, error)
}

type Store interface {
	EnsureReady(ctx context.Context) error
	Persist(ctx context.Context, items payload.Items, dev types.DeviceIdentity, configType string, metadata map[string]any, version string, retrievedAt time.Time) (int, string, error)
	Count(ctx context.Context, f store.Filter) int
	Get(ctx context.Context, id string) (*types.ConfigRecord, error)
}

// Exporter receives every non-empty ingestion in addition to the store.
type Exporter interface {
	Export(items payload.Items, dev types.DeviceIdentity, configType string, metadata map[string]any, version string, retrievedAt time.Time) error
}

// Deps are the collaborators of a Service. Source, Store and Exporter may be nil.
type Deps struct {
	Source    Source
	NewSource SourceFactory
	Samples   Samples
	Store     Store
	Exporter  Exporter
	Log       *slog.Logger
	Now       func() time.Time
}

type Service struct {
	source    Source
	newSource SourceFactory
	samples   Samples
	store     Store
	exporter  Exporter
	log       *slog.Logger
	now       func() time.Time
}

func New(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		source:    d.Source,
		newSource: d.NewSource,
		samples:   d.Samples,
		store:     d.Store,
		exporter:  d.Exporter,
		log:       d.Log,
		now:       d.Now,
	}
}

// SourceConfigured reports whether an ambient firewall is configured.
func (s *Service) SourceConfigured() bool { return s.source != nil }

// StoreConfigured reports whether results can be persisted.
func (s *Service) StoreConfigured() bool { return s.store != nil }

// Ingest runs the pipeline once. It never returns an error: failures are
// reported in the result, and only sample exhaustion sets Success=false.
func (s *Service) Ingest(ctx context.Context, req types.IngestionRequest) types.IngestionResult {
	res := types.IngestionResult{Timestamp: s.now().UTC()}
	log := s.log.With("ingestion_id", uuid.Must(uuid.NewV4()).String())
	log.Info("ingest", "state", "start", "force_sample", req.ForceSample, "store", req.StoreResult)

	src, release, srcErr := s.resolveSource(ctx, req)
	defer release()

	dev := resolveIdentity(req, s.source)
	log = log.With("device_id", dev.DeviceID)

	var (
		items       payload.Items
		useFallback = true
		attempted   = srcErr != nil
	)
	if srcErr != nil {
		log.Warn("ingest_source_rejected", "error", srcErr)
	}
	if src != nil {
		attempted = true
		log.Info("ingest", "state", "fetching")
		fetched, err := src.Fetch(ctx)
		if err != nil {
			log.Warn("ingest_fetch_failed", "code", fwerr.CodeOf(err), "recoverable", fwerr.IsSource(err), "error", err)
		} else {
			items = fetched
			useFallback = false
			res.DataSource = types.DataSourceAPI
			log.Info("ingest", "state", "fetched", "policies", len(items))
		}
	}

	var sampleFile string
	if useFallback {
		log.Info("ingest", "state", "falling_back")
		var err error
		items, sampleFile, err = s.loadFallback(log)
		if err != nil {
			res.Success = false
			res.Error = err.Error()
			res.FailureCause = CauseNoSource
			if attempted {
				res.FailureCause = CauseSourceFailed
			}
			log.Error("ingest_failed", "state", "done", "cause", res.FailureCause)
			return res
		}
		res.DataSource = types.DataSourceSample
	}

	retrievedAt := s.now().UTC()
	log.Info("ingest", "state", "normalizing", "data_source", res.DataSource)
	res.PoliciesCount = len(items)
	res.Success = true
	if len(items) == 0 {
		log.Warn("ingest_empty", "state", "done")
		res.Summary = &types.Summary{SamplePolicies: []types.PolicySample{}}
		return res
	}

	metadata := buildMetadata(res.DataSource, items, sampleFile)
	if req.StoreResult && s.store != nil {
		log.Info("ingest", "state", "persisting")
		if err := s.persist(ctx, &res, items, dev, metadata, retrievedAt); err != nil {
			log.Error("ingest_store_failed", "error", err)
			res.Error = fmt.Sprintf("Database operation failed: %v", err)
		}
	}
	if s.exporter != nil {
		if err := s.exporter.Export(items, dev, types.ConfigTypePolicy, metadata, "", retrievedAt); err != nil {
			log.Error("ingest_export_failed", "error", err)
		}
	}

	res.Summary = payload.Summarize(items)
	log.Info("ingest", "state", "done", "policies", res.PoliciesCount, "stored", res.StoredCount, "config_id", res.ConfigID)
	return res
}

// resolveSource picks the request override over the ambient source, or no
// source when samples are forced. The release func closes a call-scoped
// client and must always be called.
func (s *Service) resolveSource(ctx context.Context, req types.IngestionRequest) (Source, func(), error) {
	noop := func() {}
	if req.ForceSample {
		return nil, noop, nil
	}
	if req.Source == nil {
		return s.source, noop, nil
	}
	if s.newSource == nil {
		return nil, noop, fwerr.New(fwerr.SourceRejected, "request-supplied firewalls are not supported", nil)
	}
	src, err := s.newSource(ctx, req.Source.WithDefaults())
	if err != nil {
		return nil, noop, err
	}
	return src, src.Close, nil
}

func resolveIdentity(req types.IngestionRequest, ambient Source) types.DeviceIdentity {
	dev := types.DeviceIdentity{
		VendorType: req.VendorType,
		DeviceID:   req.DeviceID,
		DeviceName: req.DeviceName,
	}
	if dev.VendorType == "" {
		dev.VendorType = types.DefaultVendorType
	}
	if dev.DeviceID == "" {
		switch {
		case req.Source != nil && req.Source.Address != "":
			dev.DeviceID = req.Source.Address
		case req.Source == nil && ambient != nil:
			dev.DeviceID = ambient.Address()
		default:
			dev.DeviceID = types.UnknownDevice
		}
	}
	if dev.DeviceName == "" {
		dev.DeviceName = dev.VendorType + "-" + dev.DeviceID
	}
	return dev
}

func (s *Service) loadFallback(log *slog.Logger) (payload.Items, string, error) {
	if s.samples != nil {
		for _, name := range SampleCandidates {
			if !s.samples.IsAvailable(name) {
				continue
			}
			items, err := s.samples.Load(name)
			if err != nil {
				log.Warn("ingest_sample_failed", "file", name, "error", err)
				continue
			}
			log.Info("ingest_sample_loaded", "file", name, "policies", len(items))
			return items, name, nil
		}
	}
	return nil, "", fwerr.New(fwerr.SampleUnavailable,
		"No API configured and no valid sample data found. Please configure FGT_API_TOKEN or add sample data to "+
			"sampledata/fortinet-config.json or sampledata/sample_policies.json", nil)
}

func buildMetadata(dataSource string, items payload.Items, sampleFile string) map[string]any {
	metadata := map[string]any{
		"data_source":    dataSource,
		"total_policies": len(items),
	}
	if digest, err := items.Digest(); err == nil {
		metadata["payload_sha256"] = digest
	}
	if sampleFile != "" {
		metadata["sample_file"] = sampleFile
	}
	return metadata
}

func (s *Service) persist(ctx context.Context, res *types.IngestionResult, items payload.Items, dev types.DeviceIdentity, metadata map[string]any, retrievedAt time.Time) error {
	if err := s.store.EnsureReady(ctx); err != nil {
		return err
	}
	n, id, err := s.store.Persist(ctx, items, dev, types.ConfigTypePolicy, metadata, "", retrievedAt)
	if err != nil {
		return err
	}
	res.Stored = true
	res.StoredCount = n
	res.ConfigID = id
	return nil
}

// Lookup returns the stored record with the given id, or nil when none exists.
func (s *Service) Lookup(ctx context.Context, id string) (*types.ConfigRecord, error) {
	if _, err := uuid.FromString(id); err != nil {
		return nil, fwerr.New(fwerr.InvalidID, fmt.Sprintf("invalid config id %q", id), err)
	}
	if s.store == nil {
		return nil, fwerr.New(fwerr.StoreUnavailable, "database is not configured", nil)
	}
	return s.store.Get(ctx, id)
}

// Status reports what is configured and how many policy records are stored.
func (s *Service) Status(ctx context.Context) types.StatusReport {
	rep := types.StatusReport{
		Status:           "operational",
		SourceConfigured: s.source != nil,
		StoreConfigured:  s.store != nil,
		SampleFiles:      []string{},
	}
	if s.store != nil {
		rep.TotalPolicies = s.store.Count(ctx, store.Filter{ConfigType: types.ConfigTypePolicy})
	}
	if s.samples != nil {
		if names, err := s.samples.List(); err != nil {
			s.log.Warn("status_samples_error", "error", err)
		} else {
			rep.SampleFiles = names
		}
	}
	return rep
}
