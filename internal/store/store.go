// Package store persists ingested firewall configurations in PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"fw-ingest/internal/db"
	"fw-ingest/internal/fwerr"
	"fw-ingest/internal/migrate"
	"fw-ingest/internal/payload"
	"fw-ingest/internal/types"
)

// Cache holds records that were already read. Records never change once
// written, so entries only expire.
type Cache interface {
	Get(ctx context.Context, id string) (*types.ConfigRecord, bool)
	Set(ctx context.Context, rec *types.ConfigRecord)
}

// Filter narrows Count. Empty fields match everything.
type Filter struct {
	VendorType string
	DeviceID   string
	ConfigType string
}

type Store struct {
	q       db.Querier
	log     *slog.Logger
	timeout time.Duration
	cache   Cache

	mu    sync.Mutex
	ready bool
}

type Option func(*Store)

// WithCache serves Get from c before reading the table.
func WithCache(c Cache) Option {
	return func(s *Store) { s.cache = c }
}

// New returns a store that bounds every call by timeout.
func New(q db.Querier, timeout time.Duration, log *slog.Logger, opts ...Option) *Store {
	s := &Store{q: q, timeout: timeout, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// EnsureReady creates the schema on first use.
func (s *Store) EnsureReady(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := migrate.Apply(ctx, s.q, s.log); err != nil {
		return fwerr.New(fwerr.StoreError, "prepare schema", err)
	}
	s.ready = true
	return nil
}

const insertConfig = `INSERT INTO firewall_configs
    (vendor_type, device_id, device_name, config_type, config_json, metadata, version, retrieved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id::text`

// Persist writes one row for the whole collection and returns the number of
// items written and the new row id. A single item is stored unwrapped.
func (s *Store) Persist(ctx context.Context, items payload.Items, dev types.DeviceIdentity, configType string, metadata map[string]any, version string, retrievedAt time.Time) (int, string, error) {
	if len(items) == 0 {
		return 0, "", nil
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return 0, "", fwerr.New(fwerr.StoreError, "encode metadata", err)
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	var id string
	err = s.q.QueryRow(ctx, insertConfig,
		dev.VendorType, dev.DeviceID, dev.DeviceName, configType,
		string(items.Document()), string(meta), version, retrievedAt.UTC(),
	).Scan(&id)
	if err != nil {
		s.log.Error("store_insert_error", "device_id", dev.DeviceID, "error", err)
		return 0, "", fwerr.New(fwerr.StoreError, "insert firewall config", err)
	}
	s.log.Info("store_inserted", "id", id, "device_id", dev.DeviceID, "items", len(items))
	return len(items), id, nil
}

// Count returns the number of stored records matching f, or 0 when the
// table cannot be read.
func (s *Store) Count(ctx context.Context, f Filter) int {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("vendor_type", f.VendorType)
	add("device_id", f.DeviceID)
	add("config_type", f.ConfigType)

	sql := "SELECT count(*) FROM firewall_configs"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	var n int64
	if err := s.q.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		s.log.Warn("store_count_error", "error", err)
		return 0
	}
	return int(n)
}

const selectConfig = `SELECT id::text, vendor_type, device_id, device_name, config_type,
    config_json, metadata, version, created_at, retrieved_at
FROM firewall_configs WHERE id = $1`

// Get returns the record with the given id, or nil when there is none.
func (s *Store) Get(ctx context.Context, id string) (*types.ConfigRecord, error) {
	u, err := uuid.FromString(id)
	if err != nil {
		return nil, fwerr.New(fwerr.InvalidID, fmt.Sprintf("invalid config id %q", id), err)
	}
	key := u.String()

	if s.cache != nil {
		if rec, ok := s.cache.Get(ctx, key); ok {
			return rec, nil
		}
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	var (
		rec        types.ConfigRecord
		configJSON string
		metadata   string
	)
	err = s.q.QueryRow(ctx, selectConfig, key).Scan(
		&rec.ID, &rec.VendorType, &rec.DeviceID, &rec.DeviceName, &rec.ConfigType,
		&configJSON, &metadata, &rec.Version, &rec.CreatedAt, &rec.RetrievedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fwerr.New(fwerr.StoreError, "read firewall config", err)
	}
	rec.Config = decodeLenient(configJSON)
	rec.Metadata = decodeLenient(metadata)

	if s.cache != nil {
		s.cache.Set(ctx, &rec)
	}
	return &rec, nil
}

// Purge deletes records retrieved before cutoff.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	tag, err := s.q.Exec(ctx, `DELETE FROM firewall_configs WHERE retrieved_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fwerr.New(fwerr.StoreError, "purge firewall configs", err)
	}
	return tag.RowsAffected(), nil
}

// decodeLenient keeps stored text that is not JSON as a plain string.
func decodeLenient(s string) any {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}
