// Package storage provides a small JSON document store with merge semantics
// backed by the local filesystem, Cloud Storage, Redis or memory.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"sort"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("storage: document doesn't exist")
	// ErrExists is returned by Create when the document is already present.
	ErrExists = errors.New("storage: document already exists")
	// ErrInvalidID is returned for ids that are unsafe to use as keys.
	ErrInvalidID = errors.New("storage: invalid document id")
)

// MaxIDLength fits a match id built from two 256-character uids.
const MaxIDLength = 2*256 + 2

var idRegex = regexp.MustCompile(`^[A-Za-z0-9._@:-]{1,` + strconv.Itoa(MaxIDLength) + `}$`)

// Document is a JSON object.
type Document map[string]any

// Record is a document together with its id.
type Record struct {
	Doc Document
	ID  string
}

// Store is a collection/id keyed document store.
type Store interface {
	// Get returns the document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)
	// Create writes doc only if no document exists under id, else ErrExists.
	Create(ctx context.Context, collection, id string, doc Document) error
	// Merge deep-merges patch into the stored document, creating it if absent.
	Merge(ctx context.Context, collection, id string, patch Document) error
	// List returns every document in the collection ordered by id.
	List(ctx context.Context, collection string) ([]Record, error)
	// Query returns the documents whose top-level field equals value.
	Query(ctx context.Context, collection, field, value string) ([]Record, error)
}

// IsNotFound checks if an error indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ValidID reports whether id can be used as a document key. It rejects
// anything that could escape a directory or object prefix.
func ValidID(id string) bool {
	return idRegex.MatchString(id) && !strings.Contains(id, "..")
}

func checkKey(collection, id string) error {
	if !ValidID(collection) {
		return fmt.Errorf("%w: collection %q", ErrInvalidID, collection)
	}
	if !ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Encode converts v into a Document by way of its JSON form.
func Encode(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return decodeDocument(data)
}

// Decode fills v from a Document by way of its JSON form.
func Decode(doc Document, v any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal document: %w", err)
	}
	return nil
}

func decodeDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// MergeDocuments returns dst with patch applied: nested objects are merged
// key by key, every other value in patch replaces the one in dst.
func MergeDocuments(dst, patch Document) Document {
	out := make(Document, len(dst)+len(patch))
	maps.Copy(out, dst)
	for k, v := range patch {
		pv, pok := asObject(v)
		dv, dok := asObject(out[k])
		if pok && dok {
			out[k] = map[string]any(MergeDocuments(dv, pv))
			continue
		}
		out[k] = v
	}
	return out
}

func asObject(v any) (Document, bool) {
	switch m := v.(type) {
	case Document:
		return m, true
	case map[string]any:
		return Document(m), true
	default:
		return nil, false
	}
}

// normalize round-trips a patch through JSON so typed values (structs,
// time.Time) are stored the same way by every backend.
func normalize(doc Document) (Document, error) {
	return Encode(doc)
}

// filter keeps the records whose string field equals value.
func filter(records []Record, field, value string) []Record {
	var out []Record
	for _, r := range records {
		if s, ok := r.Doc[field].(string); ok && s == value {
			out = append(out, r)
		}
	}
	return out
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
}

// retryOptions is the retry policy used for remote backends.
func retryOptions(ctx context.Context, onRetry func(n uint, err error)) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(onRetry),
	}
}
