// Package sample reads locally staged firewall configuration documents.
package sample

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"fw-ingest/internal/fwerr"
	"fw-ingest/internal/payload"
)

// Loader reads sample documents from one directory.
type Loader struct {
	dir  string
	fsys fs.FS
	log  *slog.Logger
}

func New(dir string, log *slog.Logger) *Loader {
	return &Loader{dir: dir, fsys: os.DirFS(dir), log: log.With("sample_dir", dir)}
}

// Dir returns the directory samples are read from.
func (l *Loader) Dir() string { return l.dir }

// IsAvailable reports whether name is a readable regular file in the directory.
func (l *Loader) IsAvailable(name string) bool {
	if !validName(name) {
		return false
	}
	st, err := fs.Stat(l.fsys, name)
	if err != nil {
		l.log.Debug("sample_missing", "file", name)
		return false
	}
	return st.Mode().IsRegular()
}

// Load reads name and normalizes it into a policy collection.
func (l *Loader) Load(name string) (payload.Items, error) {
	if !validName(name) {
		return nil, fwerr.New(fwerr.SampleNotFound, fmt.Sprintf("sample data file not found: %s", name), nil)
	}
	doc, err := fs.ReadFile(l.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fwerr.New(fwerr.SampleNotFound, "sample data file not found: "+filepath.Join(l.dir, name), err)
		}
		return nil, fwerr.New(fwerr.SampleNotFound, "read sample data file "+filepath.Join(l.dir, name), err)
	}
	items, shape, _ := payload.FromSampleDocument(doc)
	if shape == payload.ShapeInvalid {
		l.log.Error("sample_malformed", "file", name)
		return nil, fwerr.New(fwerr.SampleMalformed, "failed to parse sample data JSON: "+name, nil)
	}
	if shape == payload.ShapeOtherObject || shape == payload.ShapeScalar {
		l.log.Warn("sample_unexpected_shape", "file", name, "shape", shape.String())
	}
	l.log.Info("sample_loaded", "file", name, "shape", shape.String(), "policies", len(items))
	return items, nil
}

// List returns the sample documents under the directory, sorted, relative to it.
// A missing directory yields an empty list.
func (l *Loader) List() ([]string, error) {
	if _, err := fs.Stat(l.fsys, "."); err != nil {
		l.log.Warn("sample_dir_missing")
		return []string{}, nil
	}
	names, err := doublestar.Glob(l.fsys, "**/*.json", doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// validName rejects anything that could leave the directory.
func validName(name string) bool {
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return false
	}
	return fs.ValidPath(name)
}
