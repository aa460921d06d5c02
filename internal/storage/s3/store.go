package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mnemos/mnemos/pkg/types"
)

// s3API is the slice of the S3 client the store calls. *s3.Client satisfies
// it; tests substitute an in-memory fake.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ s3API = (*s3.Client)(nil)

// ObjectStore is an S3-backed store for EXTERNAL-level registration: the
// archival end of the cache hierarchy, written by propagation and read only
// through index claims or explicit targets, never on the scan path. Each
// entry is one object under the configured prefix; entry metadata rides as
// object user metadata. Expiry belongs to bucket lifecycle rules and
// capacity to the bucket itself, so the store has no janitor and Resize is
// advisory. Backend failures degrade to miss-plus-warning; constructor
// failures are the only errors surfaced.
type ObjectStore struct {
	client s3API
	bucket string
	prefix string
	config *Config
	logger *slog.Logger

	// mu guards listeners and counters, never held across an SDK call
	mu        sync.Mutex
	listeners []types.Listener[string]
	stats     types.CacheStats
	metrics   StoreMetrics
}

var _ types.Store = (*ObjectStore)(nil)

// NewObjectStore creates an object store on the given bucket and verifies it
// is reachable
func NewObjectStore(ctx context.Context, bucket string, config *Config) (*ObjectStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if config == nil {
		config = NewDefaultConfig()
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}

	client, err := newClient(ctx, config)
	if err != nil {
		return nil, err
	}

	store := newObjectStore(client, bucket, config)

	probeCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := store.HealthCheck(probeCtx); err != nil {
		return nil, err
	}
	return store, nil
}

// newObjectStore wires a store around an existing client, for tests
func newObjectStore(client s3API, bucket string, config *Config) *ObjectStore {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectStore{
		client: client,
		bucket: bucket,
		prefix: config.Prefix,
		config: config,
		logger: logger.With("component", "object-store", "bucket", bucket),
	}
}

// Get retrieves the value for key. A missing object and a backend failure
// both read as misses.
func (s *ObjectStore) Get(key string) ([]byte, bool) {
	start := time.Now()
	ctx, cancel := s.opContext()
	defer cancel()

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		failed := !isNotFound(err)
		if failed {
			s.recordError(err)
			s.logger.Warn("S3 get failed", "key", key, "error", err)
		}
		s.recordRequest(time.Since(start), failed)
		s.mu.Lock()
		s.stats.Misses++
		s.mu.Unlock()
		return nil, false
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		s.recordError(err)
		s.logger.Warn("Failed to read object body", "key", key, "error", err)
		s.recordRequest(time.Since(start), true)
		s.mu.Lock()
		s.stats.Misses++
		s.mu.Unlock()
		return nil, false
	}
	s.recordRequest(time.Since(start), false)

	s.mu.Lock()
	s.stats.Hits++
	s.metrics.BytesDownloaded += int64(len(data))
	s.mu.Unlock()
	return data, true
}

// Put stores the value for key. A backend failure is logged and the entry is
// simply not stored.
func (s *ObjectStore) Put(key string, value []byte, meta types.EntryMeta) {
	if err := s.Write(key, value, meta); err != nil {
		s.logger.Warn("S3 put failed", "key", key, "error", err)
	}
}

// Write uploads the value for key and reports the backend error, so callers
// with retry machinery (the mirror queue) can react to failures. Weight and
// source travel as object user metadata; TTL does not apply here, expiry is
// a bucket lifecycle concern.
func (s *ObjectStore) Write(key string, value []byte, meta types.EntryMeta) error {
	start := time.Now()

	metadata := map[string]string{
		"weight": strconv.FormatFloat(meta.Weight, 'f', -1, 64),
	}
	if meta.Source != "" {
		metadata["source"] = meta.Source
	}

	ctx, cancel := s.opContext()
	defer cancel()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(value),
		ContentLength: aws.Int64(int64(len(value))),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      metadata,
	})
	if err != nil {
		s.recordError(err)
		s.recordRequest(time.Since(start), true)
		return s.translateError(err, "PutObject", key)
	}
	s.recordRequest(time.Since(start), false)

	s.mu.Lock()
	s.metrics.BytesUploaded += int64(len(value))
	s.emit(types.EventPut, key, time.Now())
	s.mu.Unlock()
	return nil
}

// Delete removes the object for key and reports whether one was present.
// DeleteObject succeeds on absent keys, so presence is probed first; the
// probe and the delete are not atomic.
func (s *ObjectStore) Delete(key string) bool {
	if !s.Contains(key) {
		return false
	}

	start := time.Now()
	ctx, cancel := s.opContext()
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		s.recordError(err)
		s.recordRequest(time.Since(start), true)
		s.logger.Warn("S3 delete failed", "key", key, "error", err)
		return false
	}
	s.recordRequest(time.Since(start), false)

	s.mu.Lock()
	s.emit(types.EventDelete, key, time.Now())
	s.mu.Unlock()
	return true
}

// Contains reports whether an object exists for key. HeadObject reports
// absence as NotFound where GetObject reports NoSuchKey.
func (s *ObjectStore) Contains(key string) bool {
	start := time.Now()
	ctx, cancel := s.opContext()
	defer cancel()

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		failed := !isNotFound(err)
		if failed {
			s.recordError(err)
		}
		s.recordRequest(time.Since(start), failed)
		return false
	}
	s.recordRequest(time.Since(start), false)
	return true
}

// Keys enumerates every object under the prefix, following the listing
// continuation token across pages
func (s *ObjectStore) Keys() []string {
	keys, err := s.listKeys()
	if err != nil {
		s.logger.Warn("S3 list failed", "error", err)
		return nil
	}
	return keys
}

// Len counts the objects under the prefix. This walks the listing; it is
// meant for stats and tests, not hot paths.
func (s *ObjectStore) Len() int {
	keys, err := s.listKeys()
	if err != nil {
		return 0
	}
	return len(keys)
}

// Resize is advisory for a server-backed store; capacity lives in the bucket
func (s *ObjectStore) Resize(capacity int) {}

// Clear removes every object under the prefix, leaving foreign prefixes
// alone
func (s *ObjectStore) Clear() {
	keys, err := s.listKeys()
	if err != nil {
		s.logger.Warn("S3 list failed", "error", err)
		return
	}

	for _, key := range keys {
		start := time.Now()
		ctx, cancel := s.opContext()
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
		})
		cancel()
		if err != nil {
			s.recordError(err)
			s.recordRequest(time.Since(start), true)
			s.logger.Warn("S3 delete failed", "key", key, "error", err)
			return
		}
		s.recordRequest(time.Since(start), false)
	}

	s.mu.Lock()
	s.emit(types.EventClear, "", time.Now())
	s.mu.Unlock()
}

// Stats returns local hit/miss counters plus the current object count.
// Lifecycle expirations happen server-side and stay zero.
func (s *ObjectStore) Stats() types.CacheStats {
	size := int64(s.Len())

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Size = size
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Subscribe registers a listener for this store's events. The new listener
// immediately receives an INIT event.
func (s *ObjectStore) Subscribe(fn types.Listener[string]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, fn)
	fn(types.Event[string]{Type: types.EventInit, At: time.Now()})
}

// NotifyMaintenance delivers a MAINTENANCE event to listeners
func (s *ObjectStore) NotifyMaintenance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit(types.EventMaintenance, "", time.Now())
}

// HealthCheck verifies the bucket is reachable
func (s *ObjectStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("S3 health check failed: %w", err)
	}
	return nil
}

// Close releases nothing; the SDK client holds no resources that need
// explicit cleanup. It exists to satisfy the store contract.
func (s *ObjectStore) Close() error {
	return nil
}

// Helper methods

func (s *ObjectStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.config.RequestTimeout)
}

// keyPrefix returns the object key prefix including the trailing separator
func (s *ObjectStore) keyPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

func (s *ObjectStore) objectKey(key string) string {
	return s.keyPrefix() + key
}

func (s *ObjectStore) stripPrefix(objectKey string) string {
	return strings.TrimPrefix(objectKey, s.keyPrefix())
}

func (s *ObjectStore) listKeys() ([]string, error) {
	start := time.Now()
	ctx, cancel := s.opContext()
	defer cancel()

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.keyPrefix()),
	}

	var keys []string
	for {
		result, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			s.recordError(err)
			s.recordRequest(time.Since(start), true)
			return nil, s.translateError(err, "ListObjectsV2", s.keyPrefix())
		}
		for _, obj := range result.Contents {
			keys = append(keys, s.stripPrefix(aws.ToString(obj.Key)))
		}
		if !aws.ToBool(result.IsTruncated) {
			s.recordRequest(time.Since(start), false)
			return keys, nil
		}
		input.ContinuationToken = result.NextContinuationToken
	}
}

func (s *ObjectStore) translateError(err error, operation, key string) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err):
		return fmt.Errorf("object not found: %s", key)
	case isErrorType[*s3types.NoSuchBucket](err):
		return fmt.Errorf("bucket not found: %s", s.bucket)
	default:
		return fmt.Errorf("%s failed for %s: %w", operation, key, err)
	}
}

// isNotFound reports whether err means absence rather than failure.
// GetObject signals a missing key as NoSuchKey, HeadObject as NotFound.
func isNotFound(err error) bool {
	return isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err)
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// emit delivers an event to every listener. Callers hold mu.
func (s *ObjectStore) emit(t types.EventType, key string, at time.Time) {
	for _, fn := range s.listeners {
		fn(types.Event[string]{Type: t, Key: key, At: at})
	}
}
