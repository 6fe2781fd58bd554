package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fw-ingest/internal/fwerr"
	"fw-ingest/internal/logx"
	"fw-ingest/internal/payload"
	"fw-ingest/internal/sample"
	"fw-ingest/internal/store"
	"fw-ingest/internal/types"
)

const scenarioSample = `[{"policyid":1,"name":"allow-web","srcintf":[{"name":"lan"}],"dstintf":[{"name":"wan"}],"action":"accept"}]`

type fakeSource struct {
	addr   string
	items  payload.Items
	err    error
	calls  int
	closed bool
}

func (f *fakeSource) Fetch(context.Context) (payload.Items, error) {
	f.calls++
	return f.items, f.err
}

func (f *fakeSource) Address() string { return f.addr }
func (f *fakeSource) Close() { f.closed = true }

type persistCall struct {
	items       payload.Items
	dev         types.DeviceIdentity
	metadata    map[string]any
	retrievedAt time.Time
}

type fakeStore struct {
	readyErr   error
	persistErr error
	count      int
	records    map[string]*types.ConfigRecord
	persisted  []persistCall
	gets       int
	filters    []store.Filter
}

func (f *fakeStore) EnsureReady(context.Context) error { return f.readyErr }

func (f *fakeStore) Persist(_ context.Context, items payload.Items, dev types.DeviceIdentity, _ string, metadata map[string]any, _ string, retrievedAt time.Time) (int, string, error) {
	if f.persistErr != nil {
		return 0, "", f.persistErr
	}
	f.persisted = append(f.persisted, persistCall{items: items, dev: dev, metadata: metadata, retrievedAt: retrievedAt})
	return len(items), "0b7e2b4c-1f0a-4f7e-9c55-2f1d7a3e8b10", nil
}

func (f *fakeStore) Count(_ context.Context, flt store.Filter) int {
	f.filters = append(f.filters, flt)
	return f.count
}

func (f *fakeStore) Get(_ context.Context, id string) (*types.ConfigRecord, error) {
	f.gets++
	return f.records[id], nil
}

func sampleDir(t *testing.T, files map[string]string) *sample.Loader {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return sample.New(dir, logx.Discard())
}

func newService(d Deps) *Service {
	d.Log = logx.Discard()
	d.Now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	return New(d)
}

func TestIngest_ForcedSampleStored(t *testing.T) {
	st := &fakeStore{}
	src := &fakeSource{addr: "10.0.0.1"}
	svc := newService(Deps{
		Source:  src,
		Samples: sampleDir(t, map[string]string{"sample_policies.json": scenarioSample}),
		Store:   st,
	})

	res := svc.Ingest(context.Background(), types.IngestionRequest{ForceSample: true, StoreResult: true})

	require.True(t, res.Success)
	assert.Equal(t, types.DataSourceSample, res.DataSource)
	assert.Equal(t, 1, res.PoliciesCount)
	assert.True(t, res.Stored)
	assert.Equal(t, 1, res.StoredCount)
	assert.NotEmpty(t, res.ConfigID)
	require.NotNil(t, res.Summary)
	assert.Equal(t, "lan", res.Summary.SamplePolicies[0].SourceInterface)
	assert.Zero(t, src.calls)

	require.Len(t, st.persisted, 1)
	meta := st.persisted[0].metadata
	assert.Equal(t, "sample", meta["data_source"])
	assert.Equal(t, 1, meta["total_policies"])
	assert.Equal(t, "sample_policies.json", meta["sample_file"])
	assert.Len(t, meta["payload_sha256"], 64)
	assert.Equal(t, types.DeviceIdentity{VendorType: "fortigate", DeviceID: "10.0.0.1", DeviceName: "fortigate-10.0.0.1"}, st.persisted[0].dev)
}

func TestIngest_SampleShapesCount(t *testing.T) {
	tests := map[string]struct {
		doc       string
		wantCount int
	}{
		"bare array":           {doc: `[{"policyid":1},{"policyid":2},{"policyid":3}]`, wantCount: 3},
		"object with policies": {doc: `{"policies":[{"a":1},{"b":2}],"system":{}}`, wantCount: 2},
		"object with policy":   {doc: `{"policy":{"policyid":7}}`, wantCount: 1},
		"policy array":         {doc: `{"policy":[{"x":1},{"x":2},{"x":3},{"x":4}]}`, wantCount: 4},
		"null policy":          {doc: `{"policy":null}`, wantCount: 1},
		"bare object":          {doc: `{"policyid":9,"name":"x"}`, wantCount: 1},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			st := &fakeStore{}
			svc := newService(Deps{
				Samples: sampleDir(t, map[string]string{"sample_policies.json": test.doc}),
				Store:   st,
			})

			res := svc.Ingest(context.Background(), types.IngestionRequest{ForceSample: true, StoreResult: true})

			require.True(t, res.Success)
			assert.Equal(t, test.wantCount, res.PoliciesCount)
			assert.Equal(t, test.wantCount, res.StoredCount)
			require.Len(t, st.persisted, 1)
			assert.Len(t, st.persisted[0].items, test.wantCount)
		})
	}
}

func TestIngest_RetrievedAtIsFetchCompletion(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := start
	st := &fakeStore{}
	exp := &fakeExporter{}
	svc := New(Deps{
		Source:   &fakeSource{addr: "fw", items: payload.Items{json.RawMessage(`{"policyid":1}`)}},
		Store:    st,
		Exporter: exp,
		Log:      logx.Discard(),
		Now: func() time.Time {
			now := tick
			tick = tick.Add(time.Second)
			return now
		},
	})

	res := svc.Ingest(context.Background(), types.IngestionRequest{StoreResult: true})

	require.True(t, res.Stored)
	assert.Equal(t, start, res.Timestamp)
	require.Len(t, st.persisted, 1)
	assert.Equal(t, start.Add(time.Second), st.persisted[0].retrievedAt)
	assert.Equal(t, start.Add(time.Second), exp.retrievedAt)
}

func TestIngest_SourceFailsWithoutSamples(t *testing.T) {
	st := &fakeStore{}
	src := &fakeSource{addr: "10.0.0.1", err: fwerr.New(fwerr.SourceAuthFailed, "authentication failed", nil)}
	svc := newService(Deps{Source: src, Samples: sampleDir(t, nil), Store: st})

	res := svc.Ingest(context.Background(), types.IngestionRequest{StoreResult: true})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no valid sample data")
	assert.Equal(t, CauseSourceFailed, res.FailureCause)
	assert.Equal(t, 1, src.calls)
	assert.Empty(t, st.persisted)
}

func TestIngest_NoSourceNoSamples(t *testing.T) {
	st := &fakeStore{}
	svc := newService(Deps{Samples: sampleDir(t, nil), Store: st})

	res := svc.Ingest(context.Background(), types.IngestionRequest{StoreResult: true})

	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, CauseNoSource, res.FailureCause)
	assert.Empty(t, st.persisted)
}

func TestIngest_SourceFailureFallsBack(t *testing.T) {
	for _, code := range []string{fwerr.SourceAuthFailed, fwerr.SourceTimeout, fwerr.SourceMalformed, fwerr.SourceConnectFailed} {
		t.Run(code, func(t *testing.T) {
			src := &fakeSource{addr: "fw", err: fwerr.New(code, "boom", nil)}
			svc := newService(Deps{Source: src, Samples: sampleDir(t, map[string]string{"sample_policies.json": scenarioSample})})

			res := svc.Ingest(context.Background(), types.IngestionRequest{})
			assert.True(t, res.Success)
			assert.Equal(t, types.DataSourceSample, res.DataSource)
		})
	}
}

func TestIngest_CandidateOrder(t *testing.T) {
	svc := newService(Deps{Samples: sampleDir(t, map[string]string{
		"fortinet-config.json": `{"policies":[{"policyid":1},{"policyid":2}]}`,
		"sample_policies.json": scenarioSample,
	})})
	assert.Equal(t, 2, svc.Ingest(context.Background(), types.IngestionRequest{}).PoliciesCount)

	svc = newService(Deps{Samples: sampleDir(t, map[string]string{
		"fortinet-config.json": `{"policies": [`,
		"sample_policies.json": scenarioSample,
	})})
	res := svc.Ingest(context.Background(), types.IngestionRequest{})
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.PoliciesCount)
}

func TestIngest_LiveNotStored(t *testing.T) {
	st := &fakeStore{}
	src := &fakeSource{addr: "10.0.0.1", items: payload.Items{json.RawMessage(`{"policyid":1}`), json.RawMessage(`{"policyid":2}`)}}
	svc := newService(Deps{Source: src, Store: st})

	res := svc.Ingest(context.Background(), types.IngestionRequest{StoreResult: false})

	assert.True(t, res.Success)
	assert.Equal(t, types.DataSourceAPI, res.DataSource)
	assert.Equal(t, 2, res.PoliciesCount)
	assert.False(t, res.Stored)
	assert.Zero(t, res.StoredCount)
	assert.Empty(t, res.ConfigID)
	assert.Empty(t, st.persisted)
	assert.Equal(t, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), res.Timestamp)
}

func TestIngest_EmptyPayloadSkipsStore(t *testing.T) {
	st := &fakeStore{}
	svc := newService(Deps{Source: &fakeSource{addr: "fw", items: payload.Items{}}, Store: st})

	res := svc.Ingest(context.Background(), types.IngestionRequest{StoreResult: true})
	assert.True(t, res.Success)
	assert.Zero(t, res.PoliciesCount)
	assert.Zero(t, res.StoredCount)
	assert.Empty(t, st.persisted)
}

func TestIngest_StoreFailureIsPartialSuccess(t *testing.T) {
	st := &fakeStore{persistErr: fwerr.New(fwerr.StoreError, "insert firewall config", errors.New("disk full"))}
	src := &fakeSource{addr: "fw", items: payload.Items{json.RawMessage(`{"policyid":1}`)}}
	svc := newService(Deps{Source: src, Store: st})

	res := svc.Ingest(context.Background(), types.IngestionRequest{StoreResult: true})
	assert.True(t, res.Success)
	assert.False(t, res.Stored)
	assert.Equal(t, 1, res.PoliciesCount)
	assert.Contains(t, res.Error, "Database operation failed")
	require.NotNil(t, res.Summary)

	st = &fakeStore{readyErr: errors.New("permission denied")}
	res = newService(Deps{Source: src, Store: st}).Ingest(context.Background(), types.IngestionRequest{StoreResult: true})
	assert.True(t, res.Success)
	assert.Contains(t, res.Error, "permission denied")
}

func TestIngest_OverrideIsScopedAndClosed(t *testing.T) {
	ambient := &fakeSource{addr: "10.0.0.1"}
	override := &fakeSource{addr: "10.9.9.9", items: payload.Items{json.RawMessage(`{"policyid":1}`)}}
	var got types.SourceSettings
	st := &fakeStore{}
	svc := newService(Deps{
		Source: ambient,
		NewSource: func(_ context.Context, s types.SourceSettings) (Source, error) {
			got = s
			return override, nil
		},
		Store: st,
	})

	res := svc.Ingest(context.Background(), types.IngestionRequest{
		StoreResult: true,
		Source:      &types.SourceSettings{Address: "10.9.9.9", Token: "t"},
		DeviceName:  "edge",
	})

	require.True(t, res.Success)
	assert.Zero(t, ambient.calls)
	assert.Equal(t, 1, override.calls)
	assert.True(t, override.closed)
	assert.Equal(t, 30, got.TimeoutSeconds)
	assert.Equal(t, "v2", got.APIVersion)
	assert.Equal(t, types.DeviceIdentity{VendorType: "fortigate", DeviceID: "10.9.9.9", DeviceName: "edge"}, st.persisted[0].dev)
}

func TestIngest_RejectedOverrideFallsBack(t *testing.T) {
	svc := newService(Deps{
		NewSource: func(context.Context, types.SourceSettings) (Source, error) {
			return nil, fwerr.New(fwerr.SourceRejected, "not allowed", nil)
		},
		Samples: sampleDir(t, nil),
	})

	res := svc.Ingest(context.Background(), types.IngestionRequest{Source: &types.SourceSettings{Address: "169.254.169.254"}})
	assert.False(t, res.Success)
	assert.Equal(t, CauseSourceFailed, res.FailureCause)
}

func TestResolveIdentity(t *testing.T) {
	ambient := &fakeSource{addr: "192.168.1.99"}
	tests := map[string]struct {
		req     types.IngestionRequest
		ambient Source
		want    types.DeviceIdentity
	}{
		"explicit fields win": {
			req:     types.IngestionRequest{VendorType: "paloalto", DeviceID: "pa-1", DeviceName: "core"},
			ambient: ambient,
			want:    types.DeviceIdentity{VendorType: "paloalto", DeviceID: "pa-1", DeviceName: "core"},
		},
		"ambient address": {
			ambient: ambient,
			want:    types.DeviceIdentity{VendorType: "fortigate", DeviceID: "192.168.1.99", DeviceName: "fortigate-192.168.1.99"},
		},
		"override address": {
			req:     types.IngestionRequest{Source: &types.SourceSettings{Address: "10.1.1.1"}},
			ambient: ambient,
			want:    types.DeviceIdentity{VendorType: "fortigate", DeviceID: "10.1.1.1", DeviceName: "fortigate-10.1.1.1"},
		},
		"nothing resolves": {
			want: types.DeviceIdentity{VendorType: "fortigate", DeviceID: "unknown", DeviceName: "fortigate-unknown"},
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.want, resolveIdentity(test.req, test.ambient))
		})
	}
}

func TestLookup(t *testing.T) {
	id := "0b7e2b4c-1f0a-4f7e-9c55-2f1d7a3e8b10"
	st := &fakeStore{records: map[string]*types.ConfigRecord{id: {ID: id}}}
	svc := newService(Deps{Store: st})

	_, err := svc.Lookup(context.Background(), "not-a-uuid")
	assert.Equal(t, fwerr.InvalidID, fwerr.CodeOf(err))
	assert.Zero(t, st.gets)

	rec, err := svc.Lookup(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)

	rec, err = svc.Lookup(context.Background(), "11111111-2222-4333-8444-555555555555")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = newService(Deps{}).Lookup(context.Background(), id)
	assert.Equal(t, fwerr.StoreUnavailable, fwerr.CodeOf(err))
}

func TestStatus(t *testing.T) {
	st := &fakeStore{count: 12}
	svc := newService(Deps{
		Source:  &fakeSource{addr: "fw"},
		Store:   st,
		Samples: sampleDir(t, map[string]string{"sample_policies.json": "[]"}),
	})

	rep := svc.Status(context.Background())
	assert.Equal(t, "operational", rep.Status)
	assert.True(t, rep.SourceConfigured)
	assert.True(t, rep.StoreConfigured)
	assert.Equal(t, 12, rep.TotalPolicies)
	assert.Equal(t, []string{"sample_policies.json"}, rep.SampleFiles)
	assert.Equal(t, []store.Filter{{ConfigType: "policy"}}, st.filters)

	rep = newService(Deps{}).Status(context.Background())
	assert.False(t, rep.SourceConfigured)
	assert.False(t, rep.StoreConfigured)
	assert.Zero(t, rep.TotalPolicies)
}

type fakeExporter struct {
	items       payload.Items
	metadata    map[string]any
	retrievedAt time.Time
	err         error
}

func (f *fakeExporter) Export(items payload.Items, _ types.DeviceIdentity, _ string, metadata map[string]any, _ string, retrievedAt time.Time) error {
	f.items = items
	f.metadata = metadata
	f.retrievedAt = retrievedAt
	return f.err
}

func TestIngest_Exports(t *testing.T) {
	exp := &fakeExporter{err: errors.New("read-only file system")}
	src := &fakeSource{addr: "fw", items: payload.Items{json.RawMessage(`{"policyid":1}`)}}
	svc := newService(Deps{Source: src, Exporter: exp})

	res := svc.Ingest(context.Background(), types.IngestionRequest{})
	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.Len(t, exp.items, 1)
	assert.Equal(t, "api", exp.metadata["data_source"])
}
