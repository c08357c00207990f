package pipeline

import (
	"context"
	"encoding/json"
	stderrors "errors"

	apperrors "github.com/job-pipeline/internal/errors"
	"github.com/job-pipeline/internal/storage"
)

// MetadataStore reads and upserts a job's key/value metadata. Bind it to the transaction's
// queries when used inside a mutator.
type MetadataStore struct {
	q storage.MetadataQueries
}

// NewMetadataStore creates a metadata store over q
func NewMetadataStore(q storage.MetadataQueries) *MetadataStore {
	return &MetadataStore{q: q}
}

// Set writes value under key, replacing any previous value
func (m *MetadataStore) Set(ctx context.Context, jobID int64, key, value string) error {
	if key == "" {
		return apperrors.NewInvalidPayloadError("key", "metadata key must not be empty")
	}
	if err := m.q.UpsertMetadata(ctx, jobID, key, value); err != nil {
		return storageError("write metadata "+key, jobID, err)
	}
	return nil
}

// SetJSON writes the JSON encoding of v under key
func (m *MetadataStore) SetJSON(ctx context.Context, jobID int64, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return apperrors.NewInvalidPayloadError(key, err.Error())
	}
	return m.Set(ctx, jobID, key, string(raw))
}

// GetAll returns every key of the job. A job without metadata gives an empty map.
func (m *MetadataStore) GetAll(ctx context.Context, jobID int64) (map[string]string, error) {
	values, err := m.q.ListMetadata(ctx, jobID)
	if err != nil {
		return nil, storageError("read metadata", jobID, err)
	}
	if values == nil {
		values = map[string]string{}
	}
	return values, nil
}

// GetOne returns one key and whether it is present
func (m *MetadataStore) GetOne(ctx context.Context, jobID int64, key string) (string, bool, error) {
	value, ok, err := m.q.GetMetadata(ctx, jobID, key)
	if err != nil {
		return "", false, storageError("read metadata "+key, jobID, err)
	}
	return value, ok, nil
}

// DeleteAll removes every key of the job and returns how many were removed
func (m *MetadataStore) DeleteAll(ctx context.Context, jobID int64) (int64, error) {
	n, err := m.q.DeleteMetadata(ctx, jobID)
	if err != nil {
		return 0, storageError("delete metadata", jobID, err)
	}
	return n, nil
}

// storageError maps a store error to the engine's taxonomy. ErrNotFound becomes NotFound
// for the job; categorized errors pass through unchanged.
func storageError(operation string, jobID int64, err error) error {
	if err == nil {
		return nil
	}
	var catErr *apperrors.CategorizedError
	if stderrors.As(err, &catErr) {
		return err
	}
	if stderrors.Is(err, storage.ErrNotFound) {
		return apperrors.NewNotFoundError("job", jobID)
	}
	return apperrors.NewStorageError(operation, err)
}
