// Package cache keeps read config records in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"fw-ingest/internal/types"
)

const keyPrefix = "fwcfg:"

// Records caches config records by id. Redis faults are logged and treated
// as misses.
type Records struct {
	rdb redis.Cmdable
	ttl time.Duration
	log *slog.Logger
}

func New(rdb redis.Cmdable, ttl time.Duration, log *slog.Logger) *Records {
	return &Records{rdb: rdb, ttl: ttl, log: log}
}

// entry is the cached form of a record. Payloads stay raw JSON so numbers
// keep their exact digits; the *Text flags mark stored text that was not JSON.
type entry struct {
	ID           string          `json:"id"`
	VendorType   string          `json:"vendor_type"`
	DeviceID     string          `json:"device_id"`
	DeviceName   string          `json:"device_name"`
	ConfigType   string          `json:"config_type"`
	Config       json.RawMessage `json:"config_json"`
	ConfigText   bool            `json:"config_text,omitempty"`
	Metadata     json.RawMessage `json:"metadata"`
	MetadataText bool            `json:"metadata_text,omitempty"`
	Version      string          `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	RetrievedAt  time.Time       `json:"retrieved_at"`
}

func encodeValue(v any) (json.RawMessage, bool, error) {
	switch x := v.(type) {
	case json.RawMessage:
		return x, false, nil
	case string:
		b, err := json.Marshal(x)
		return b, true, err
	default:
		b, err := json.Marshal(x)
		return b, false, err
	}
}

func decodeValue(raw json.RawMessage, text bool) (any, error) {
	if !text {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Records) Get(ctx context.Context, id string) (*types.ConfigRecord, bool) {
	b, err := r.rdb.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("cache_get_error", "id", id, "error", err)
		}
		return nil, false
	}
	var e entry
	if err := json.Unmarshal(b, &e); err != nil {
		r.log.Warn("cache_decode_error", "id", id, "error", err)
		return nil, false
	}
	rec := &types.ConfigRecord{
		ID:          e.ID,
		VendorType:  e.VendorType,
		DeviceID:    e.DeviceID,
		DeviceName:  e.DeviceName,
		ConfigType:  e.ConfigType,
		Version:     e.Version,
		CreatedAt:   e.CreatedAt,
		RetrievedAt: e.RetrievedAt,
	}
	if rec.Config, err = decodeValue(e.Config, e.ConfigText); err != nil {
		r.log.Warn("cache_decode_error", "id", id, "error", err)
		return nil, false
	}
	if rec.Metadata, err = decodeValue(e.Metadata, e.MetadataText); err != nil {
		r.log.Warn("cache_decode_error", "id", id, "error", err)
		return nil, false
	}
	return rec, true
}

func (r *Records) Set(ctx context.Context, rec *types.ConfigRecord) {
	e := entry{
		ID:          rec.ID,
		VendorType:  rec.VendorType,
		DeviceID:    rec.DeviceID,
		DeviceName:  rec.DeviceName,
		ConfigType:  rec.ConfigType,
		Version:     rec.Version,
		CreatedAt:   rec.CreatedAt,
		RetrievedAt: rec.RetrievedAt,
	}
	var err error
	if e.Config, e.ConfigText, err = encodeValue(rec.Config); err == nil {
		e.Metadata, e.MetadataText, err = encodeValue(rec.Metadata)
	}
	if err != nil {
		r.log.Warn("cache_encode_error", "id", rec.ID, "error", err)
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		r.log.Warn("cache_encode_error", "id", rec.ID, "error", err)
		return
	}
	if err := r.rdb.Set(ctx, keyPrefix+rec.ID, b, r.ttl).Err(); err != nil {
		r.log.Warn("cache_set_error", "id", rec.ID, "error", err)
	}
}
