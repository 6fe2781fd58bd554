// Package export writes an ingestion to a JSON file in the stored-row shape.
package export

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"fw-ingest/internal/payload"
	"fw-ingest/internal/types"
)

// Row mirrors a firewall_configs row, one per policy.
type Row struct {
	VendorType  string `json:"vendor_type"`
	DeviceID    string `json:"device_id"`
	DeviceName  string `json:"device_name"`
	ConfigType  string `json:"config_type"`
	ConfigJSON  string `json:"config_json"`
	Metadata    string `json:"metadata"`
	Version     string `json:"version"`
	RetrievedAt string `json:"retrieved_at"`
}

type File struct {
	path string
	log  *slog.Logger
}

func NewFile(path string, log *slog.Logger) *File {
	return &File{path: path, log: log}
}

// Export replaces the file with one row per item.
func (f *File) Export(items payload.Items, dev types.DeviceIdentity, configType string, metadata map[string]any, version string, retrievedAt time.Time) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if metadata == nil {
		meta = []byte("{}")
	}
	rows := make([]Row, 0, len(items))
	for _, item := range items {
		rows = append(rows, Row{
			VendorType:  dev.VendorType,
			DeviceID:    dev.DeviceID,
			DeviceName:  dev.DeviceName,
			ConfigType:  configType,
			ConfigJSON:  string(item),
			Metadata:    string(meta),
			Version:     version,
			RetrievedAt: retrievedAt.UTC().Format(time.RFC3339),
		})
	}
	body, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rows: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".export-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	f.log.Info("export_written", "file", f.path, "rows", len(rows))
	return nil
}
