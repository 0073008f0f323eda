package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/redis/go-redis/v9"
)

// Redis stores each document as a JSON string at <prefix>:<collection>:<id>
// and keeps the ids of a collection in the set <prefix>:<collection>.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
}

// NewRedis creates a Redis backed store.
func NewRedis(client *redis.Client, prefix string, logger *slog.Logger) *Redis {
	if prefix == "" {
		prefix = "blockorgan"
	}
	return &Redis{client: client, prefix: prefix, logger: logger}
}

// NewRedisClient parses a redis:// URL, falling back to a bare host:port.
func NewRedisClient(url string) *redis.Client {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return redis.NewClient(&redis.Options{Addr: url})
	}
	return redis.NewClient(opts)
}

func (r *Redis) indexKey(collection string) string {
	return r.prefix + ":" + collection
}

func (r *Redis) docKey(collection, id string) string {
	return r.prefix + ":" + collection + ":" + id
}

// Get loads a document.
func (r *Redis) Get(ctx context.Context, collection, id string) (Document, error) {
	if checkKey(collection, id) != nil {
		return nil, ErrNotFound
	}
	data, err := r.client.Get(ctx, r.docKey(collection, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodeDocument(data)
}

// Create writes a document with SETNX so only the first writer wins.
func (r *Redis) Create(ctx context.Context, collection, id string, doc Document) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	// The index add is idempotent, so it runs even when the document exists.
	var created *redis.BoolCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, r.docKey(collection, id), data, 0)
		pipe.SAdd(ctx, r.indexKey(collection), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis create: %w", err)
	}
	if !created.Val() {
		return ErrExists
	}
	return nil
}

// Merge applies patch inside a WATCH transaction. A concurrent write aborts
// the transaction and the merge is retried.
func (r *Redis) Merge(ctx context.Context, collection, id string, patch Document) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	patch, err := normalize(patch)
	if err != nil {
		return err
	}
	key := r.docKey(collection, id)

	txn := func(tx *redis.Tx) error {
		current := Document{}
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get: %w", err)
		default:
			if current, err = decodeDocument(data); err != nil {
				return err
			}
		}

		merged, err := json.Marshal(MergeDocuments(current, patch))
		if err != nil {
			return fmt.Errorf("marshal document: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, merged, 0)
			pipe.SAdd(ctx, r.indexKey(collection), id)
			return nil
		})
		return err
	}

	opts := append(retryOptions(ctx, func(n uint, retryErr error) {
		r.logger.Info("Retrying merge after concurrent write", "attempt", n, "key", key, "error", retryErr)
	}),
		retry.Attempts(10),
		retry.Delay(10*time.Millisecond),
		retry.MaxJitter(10*time.Millisecond),
		retry.RetryIf(func(err error) bool { return errors.Is(err, redis.TxFailedErr) }),
	)
	err = retry.Do(func() error { return r.client.Watch(ctx, txn, key) }, opts...)
	if err != nil {
		return fmt.Errorf("redis merge: %w", err)
	}
	return nil
}

// List loads every document of a collection.
func (r *Redis) List(ctx context.Context, collection string) ([]Record, error) {
	if !ValidID(collection) {
		return nil, fmt.Errorf("%w: collection %q", ErrInvalidID, collection)
	}
	ids, err := r.client.SMembers(ctx, r.indexKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis members: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.docKey(collection, id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	records := make([]Record, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		doc, err := decodeDocument([]byte(s))
		if err != nil {
			r.logger.Warn("Failed to decode document", "key", keys[i], "error", err)
			continue
		}
		records = append(records, Record{ID: ids[i], Doc: doc})
	}
	sortRecords(records)
	return records, nil
}

// Query returns documents whose field equals value.
func (r *Redis) Query(ctx context.Context, collection, field, value string) ([]Record, error) {
	records, err := r.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	return filter(records, field, value), nil
}
