package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Local stores one JSON file per document under root/<collection>/<id>.json.
// Ids longer than maxNameLen are split into nested directories so every path
// element stays within filesystem name limits. It is meant for local
// development and single-instance deployments.
type Local struct {
	logger *slog.Logger
	root   string
	mu     sync.Mutex // Serializes read-modify-write cycles within this process
}

// NewLocal creates a filesystem store rooted at root.
func NewLocal(root string, logger *slog.Logger) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return &Local{root: root, logger: logger}, nil
}

const maxNameLen = 200

func (l *Local) path(collection, id string) string {
	parts := []string{l.root, collection}
	for len(id) > maxNameLen {
		parts = append(parts, id[:maxNameLen])
		id = id[maxNameLen:]
	}
	return filepath.Join(append(parts, id+".json")...)
}

// Get reads a document.
func (l *Local) Get(_ context.Context, collection, id string) (Document, error) {
	if checkKey(collection, id) != nil {
		// Same error as "not found" so callers cannot learn key formats.
		return nil, ErrNotFound
	}
	return l.read(collection, id)
}

func (l *Local) read(collection, id string) (Document, error) {
	data, err := os.ReadFile(l.path(collection, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read from local storage: %w", err)
	}
	return decodeDocument(data)
}

// Create writes a new document, failing with ErrExists if the file is present.
func (l *Local) Create(_ context.Context, collection, id string, doc Document) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.path(collection, id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create collection directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrExists
		}
		return fmt.Errorf("create in local storage: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close local storage file: %w", err)
	}

	l.logger.Debug("Document created in local storage", "collection", collection, "id", id)
	return nil
}

// Merge deep-merges patch into the document on disk.
func (l *Local) Merge(_ context.Context, collection, id string, patch Document) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	patch, err := normalize(patch)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.read(collection, id)
	if err != nil && !IsNotFound(err) {
		return err
	}
	data, err := json.MarshalIndent(MergeDocuments(current, patch), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	path := l.path(collection, id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create collection directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write to local storage: %w", err)
	}

	l.logger.Debug("Document merged in local storage", "collection", collection, "id", id)
	return nil
}

// List reads every document of a collection.
func (l *Local) List(_ context.Context, collection string) ([]Record, error) {
	if !ValidID(collection) {
		return nil, fmt.Errorf("%w: collection %q", ErrInvalidID, collection)
	}
	dir := filepath.Join(l.root, collection)
	var records []Record
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		// Nested directories are segments of one long id.
		id := strings.ReplaceAll(strings.TrimSuffix(rel, ".json"), string(filepath.Separator), "")
		doc, err := l.read(collection, id)
		if err != nil {
			l.logger.Warn("Failed to load document", "collection", collection, "file", rel, "error", err)
			return nil
		}
		records = append(records, Record{ID: id, Doc: doc})
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read local storage directory: %w", err)
	}
	sortRecords(records)
	return records, nil
}

// Query returns documents whose field equals value.
func (l *Local) Query(ctx context.Context, collection, field, value string) ([]Record, error) {
	records, err := l.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	return filter(records, field, value), nil
}
