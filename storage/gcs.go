package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCS stores documents as JSON objects <collection>/<id>.json in a Cloud
// Storage bucket. Writes use object preconditions so concurrent instances
// never lose a merge or create a document twice.
type GCS struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
}

// NewGCS creates a Cloud Storage backed store.
func NewGCS(client *storage.Client, bucket string, logger *slog.Logger) *GCS {
	return &GCS{client: client, bucket: bucket, logger: logger}
}

func objectKey(collection, id string) string {
	return collection + "/" + id + ".json"
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// Get loads a document.
func (g *GCS) Get(ctx context.Context, collection, id string) (Document, error) {
	if checkKey(collection, id) != nil {
		return nil, ErrNotFound
	}
	doc, _, err := g.load(ctx, objectKey(collection, id))
	return doc, err
}

// load returns the document and its generation.
func (g *GCS) load(ctx context.Context, key string) (Document, int64, error) {
	var (
		data       []byte
		generation int64
	)
	err := retry.Do(
		func() error {
			r, openErr := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					g.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			generation = r.Attrs.Generation
			return nil
		},
		retryOptions(ctx, func(n uint, retryErr error) {
			g.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		})...,
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("load after retries: %w", err)
	}

	doc, err := decodeDocument(data)
	if err != nil {
		return nil, 0, err
	}
	return doc, generation, nil
}

// write stores data under key subject to cond.
func (g *GCS) write(ctx context.Context, key string, data []byte, cond storage.Conditions) error {
	w := g.client.Bucket(g.bucket).Object(key).If(cond).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			g.logger.Warn("Failed to close writer after error", "error", closeErr)
		}
		return fmt.Errorf("write to storage: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close storage writer: %w", err)
	}
	return nil
}

// Create writes a document only if the object does not exist.
func (g *GCS) Create(ctx context.Context, collection, id string, doc Document) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	key := objectKey(collection, id)

	err = retry.Do(
		func() error {
			writeErr := g.write(ctx, key, data, storage.Conditions{DoesNotExist: true})
			if isPreconditionFailed(writeErr) {
				return retry.Unrecoverable(ErrExists)
			}
			return writeErr
		},
		retryOptions(ctx, func(n uint, retryErr error) {
			g.logger.Info("Retrying create operation after error", "attempt", n, "key", key, "error", retryErr)
		})...,
	)
	if err != nil {
		if errors.Is(err, ErrExists) {
			return ErrExists
		}
		return fmt.Errorf("create after retries: %w", err)
	}

	g.logger.Debug("Document created", "key", key)
	return nil
}

// Merge performs an optimistic read-merge-write, retrying when another writer
// changed the object in between.
func (g *GCS) Merge(ctx context.Context, collection, id string, patch Document) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	patch, err := normalize(patch)
	if err != nil {
		return err
	}
	key := objectKey(collection, id)

	err = retry.Do(
		func() error {
			current, generation, loadErr := g.load(ctx, key)
			cond := storage.Conditions{GenerationMatch: generation}
			switch {
			case IsNotFound(loadErr):
				cond = storage.Conditions{DoesNotExist: true}
			case loadErr != nil:
				return loadErr
			}

			data, marshalErr := json.Marshal(MergeDocuments(current, patch))
			if marshalErr != nil {
				return retry.Unrecoverable(fmt.Errorf("marshal document: %w", marshalErr))
			}
			return g.write(ctx, key, data, cond)
		},
		retryOptions(ctx, func(n uint, retryErr error) {
			g.logger.Info("Retrying merge operation after error", "attempt", n, "key", key, "error", retryErr)
		})...,
	)
	if err != nil {
		return fmt.Errorf("merge after retries: %w", err)
	}

	g.logger.Debug("Document merged", "key", key)
	return nil
}

// List loads every document of a collection.
func (g *GCS) List(ctx context.Context, collection string) ([]Record, error) {
	if !ValidID(collection) {
		return nil, fmt.Errorf("%w: collection %q", ErrInvalidID, collection)
	}
	prefix := collection + "/"
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var records []Record
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if !strings.HasSuffix(attrs.Name, ".json") {
			continue
		}

		doc, _, err := g.load(ctx, attrs.Name)
		if err != nil {
			g.logger.Warn("Failed to load document", "key", attrs.Name, "error", err)
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(attrs.Name, prefix), ".json")
		records = append(records, Record{ID: id, Doc: doc})
	}

	sortRecords(records)
	return records, nil
}

// Query returns documents whose field equals value.
func (g *GCS) Query(ctx context.Context, collection, field, value string) ([]Record, error) {
	records, err := g.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	return filter(records, field, value), nil
}
