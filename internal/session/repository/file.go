package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"remote-access-trust/backend/internal/session/domain"
)

const (
	fileMode = 0o600
	dirMode  = 0o700
)

// document is the on-disk layout: {"sessions": [...]}.
type document struct {
	Sessions []json.RawMessage `json:"sessions"`
}

var _ Repository = (*FileRepository)(nil)

// FileRepository stores sessions as a single JSON document, replaced atomically via temp file and rename.
type FileRepository struct {
	path string
}

// NewFileRepository returns a repository backed by the JSON file at path. The file and its
// directory are created on first Save.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{path: path}
}

// Path returns the backing file path.
func (r *FileRepository) Path() string {
	return r.path
}

// Load reads the session document. A missing file is an empty store. A document that is not
// valid JSON is logged and treated as empty; individual malformed or incomplete entries are dropped.
func (r *FileRepository) Load(ctx context.Context) ([]*domain.Session, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("session store: read %s: %w", r.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Printf("session store: ignoring malformed document %s: %v", r.path, err)
		return nil, nil
	}
	sessions := make([]*domain.Session, 0, len(doc.Sessions))
	for _, raw := range doc.Sessions {
		var s domain.Session
		if err := json.Unmarshal(raw, &s); err != nil || !s.Valid() {
			continue
		}
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

// Save writes sessions to a temp file in the same directory, syncs it, and renames it over the
// store so readers never observe a partial document. The file is owner read/write only.
func (r *FileRepository) Save(ctx context.Context, sessions []*domain.Session) error {
	doc := struct {
		Sessions []*domain.Session `json:"sessions"`
	}{Sessions: sessions}
	if doc.Sessions == nil {
		doc.Sessions = []*domain.Session{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("session store: encode: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("session store: create directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("session store: create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(fileMode); err != nil {
		tmpFile.Close()
		return fmt.Errorf("session store: chmod temp file: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("session store: write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("session store: sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("session store: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("session store: rename to %s: %w", r.path, err)
	}

	success = true
	return nil
}

// Ping reports whether the store directory is reachable. Used by the health check.
func (r *FileRepository) Ping(ctx context.Context) error {
	dir := filepath.Dir(r.path)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Created lazily on first save.
			return nil
		}
		return fmt.Errorf("session store: stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("session store: %s is not a directory", dir)
	}
	return nil
}
