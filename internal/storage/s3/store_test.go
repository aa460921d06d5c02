package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos/mnemos/pkg/types"
)

// fakeObject is one stored object in the fake S3 service
type fakeObject struct {
	data        []byte
	metadata    map[string]string
	contentType string
	modified    time.Time
}

// fakeS3 is an in-memory s3API. Listings page with a small page size so the
// continuation-token loop is exercised.
type fakeS3 struct {
	mu       sync.Mutex
	bucket   string
	objects  map[string]*fakeObject
	pageSize int

	failGet bool
	failPut bool
}

var _ s3API = (*fakeS3)(nil)

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{
		bucket:   bucket,
		objects:  make(map[string]*fakeObject),
		pageSize: 2,
	}
}

// putDirect plants an object without going through the store, for foreign
// prefix scenarios
func (f *fakeS3) putDirect(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = &fakeObject{data: data, modified: time.Now()}
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if aws.ToString(params.Bucket) != f.bucket {
		return nil, &s3types.NoSuchBucket{}
	}
	if f.failGet {
		return nil, fmt.Errorf("injected get failure")
	}
	obj, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		Metadata:      obj.metadata,
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if aws.ToString(params.Bucket) != f.bucket {
		return nil, &s3types.NoSuchBucket{}
	}
	if f.failPut {
		return nil, fmt.Errorf("injected put failure")
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	metadata := make(map[string]string, len(params.Metadata))
	for k, v := range params.Metadata {
		metadata[k] = v
	}
	f.objects[aws.ToString(params.Key)] = &fakeObject{
		data:        data,
		metadata:    metadata,
		contentType: aws.ToString(params.ContentType),
		modified:    time.Now(),
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if aws.ToString(params.Bucket) != f.bucket {
		return nil, &s3types.NoSuchBucket{}
	}
	// DeleteObject succeeds whether or not the key exists
	delete(f.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if aws.ToString(params.Bucket) != f.bucket {
		return nil, &s3types.NotFound{}
	}
	obj, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.modified),
		Metadata:      obj.metadata,
	}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if aws.ToString(params.Bucket) != f.bucket {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if aws.ToString(params.Bucket) != f.bucket {
		return nil, &s3types.NoSuchBucket{}
	}

	prefix := aws.ToString(params.Prefix)
	var all []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			all = append(all, key)
		}
	}
	sort.Strings(all)

	// The continuation token is the last key of the previous page
	if token := aws.ToString(params.ContinuationToken); token != "" {
		idx := sort.SearchStrings(all, token)
		if idx < len(all) && all[idx] == token {
			idx++
		}
		all = all[idx:]
	}

	pageSize := f.pageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	page := all
	truncated := false
	if len(all) > pageSize {
		page = all[:pageSize]
		truncated = true
	}

	out := &s3.ListObjectsV2Output{
		IsTruncated: aws.Bool(truncated),
		KeyCount:    aws.Int32(int32(len(page))),
	}
	for _, key := range page {
		out.Contents = append(out.Contents, s3types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(f.objects[key].data))),
			LastModified: aws.Time(f.objects[key].modified),
		})
	}
	if truncated {
		out.NextContinuationToken = aws.String(page[len(page)-1])
	}
	return out, nil
}

func newTestObjectStore(t *testing.T, fake *fakeS3) *ObjectStore {
	t.Helper()

	config := NewDefaultConfig()
	config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newObjectStore(fake, fake.bucket, config)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, "us-east-1", config.Region)
	assert.Equal(t, "mnemos", config.Prefix)
	assert.Equal(t, 3, config.MaxRetries)
	assert.Equal(t, 10*time.Second, config.ConnectTimeout)
	assert.Equal(t, 30*time.Second, config.RequestTimeout)
}

func TestNewObjectStore_EmptyBucket(t *testing.T) {
	store, err := NewObjectStore(context.Background(), "", nil)

	require.Error(t, err)
	assert.Nil(t, store)
	assert.Contains(t, err.Error(), "bucket name cannot be empty")
}

func TestObjectStore_PutGet(t *testing.T) {
	fake := newFakeS3("memories")
	store := newTestObjectStore(t, fake)

	store.Put("alpha", []byte("first value"), types.EntryMeta{Weight: 8.5, Source: "promotion"})

	got, ok := store.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, []byte("first value"), got)

	// One object under the prefix, carrying entry metadata
	obj, exists := fake.objects["mnemos/alpha"]
	require.True(t, exists)
	assert.Equal(t, "8.5", obj.metadata["weight"])
	assert.Equal(t, "promotion", obj.metadata["source"])
	assert.Equal(t, "application/octet-stream", obj.contentType)

	metrics := store.Metrics()
	assert.Equal(t, int64(len("first value")), metrics.BytesUploaded)
	assert.Equal(t, int64(len("first value")), metrics.BytesDownloaded)
}

func TestObjectStore_GetMissing(t *testing.T) {
	fake := newFakeS3("memories")
	store := newTestObjectStore(t, fake)

	value, ok := store.Get("ghost")
	assert.False(t, ok)
	assert.Nil(t, value)

	// Absence is a miss, not a backend error
	assert.Equal(t, uint64(1), store.Stats().Misses)
	assert.Equal(t, int64(0), store.Metrics().Errors)
}

func TestObjectStore_GetBackendError(t *testing.T) {
	fake := newFakeS3("memories")
	store := newTestObjectStore(t, fake)

	store.Put("alpha", []byte("value"), types.EntryMeta{})
	fake.failGet = true

	_, ok := store.Get("alpha")
	assert.False(t, ok)

	metrics := store.Metrics()
	assert.Equal(t, int64(1), metrics.Errors)
	assert.Contains(t, metrics.LastError, "injected get failure")
	assert.Equal(t, uint64(1), store.Stats().Misses)
}

func TestObjectStore_WriteError(t *testing.T) {
	fake := newFakeS3("memories")
	store := newTestObjectStore(t, fake)
	fake.failPut = true

	err := store.Write("alpha", []byte("value"), types.EntryMeta{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PutObject failed for alpha")

	// Put on the same failure only logs
	store.Put("alpha", []byte("value"), types.EntryMeta{})

	fake.failPut = false
	assert.False(t, store.Contains("alpha"))
	assert.Equal(t, int64(2), store.Metrics().Errors)
}

func TestObjectStore_DeleteAndContains(t *testing.T) {
	fake := newFakeS3("memories")
	store := newTestObjectStore(t, fake)

	store.Put("alpha", []byte("value"), types.EntryMeta{})
	assert.True(t, store.Contains("alpha"))

	assert.True(t, store.Delete("alpha"))
	assert.False(t, store.Contains("alpha"))
	assert.False(t, store.Delete("alpha"), "second delete should report absence")

	_, ok := store.Get("alpha")
	assert.False(t, ok)
}

func TestObjectStore_KeysPagination(t *testing.T) {
	fake := newFakeS3("memories")
	store := newTestObjectStore(t, fake)

	want := []string{"alpha", "beta", "delta", "epsilon", "gamma"}
	for _, key := range want {
		store.Put(key, []byte(key), types.EntryMeta{})
	}
	// Foreign prefix in the same bucket stays invisible
	fake.putDirect("other/zulu", []byte("z"))

	// pageSize 2 forces the listing across three pages
	keys := store.Keys()
	assert.Equal(t, want, keys)
	assert.Equal(t, len(want), store.Len())
}

func TestObjectStore_Clear(t *testing.T) {
	fake := newFakeS3("memories")
	store := newTestObjectStore(t, fake)

	for _, key := range []string{"alpha", "beta", "gamma"} {
		store.Put(key, []byte(key), types.EntryMeta{})
	}
	fake.putDirect("other/zulu", []byte("z"))

	store.Clear()

	assert.Equal(t, 0, store.Len())
	_, survives := fake.objects["other/zulu"]
	assert.True(t, survives, "foreign prefix should survive Clear")
}

func TestObjectStore_Events(t *testing.T) {
	fake := newFakeS3("memories")
	store := newTestObjectStore(t, fake)

	var events []types.Event[string]
	store.Subscribe(func(e types.Event[string]) {
		events = append(events, e)
	})

	require.Len(t, events, 1)
	assert.Equal(t, types.EventInit, events[0].Type)

	store.Put("alpha", []byte("a"), types.EntryMeta{})
	store.Delete("alpha")
	store.Put("beta", []byte("b"), types.EntryMeta{})
	store.Clear()
	store.NotifyMaintenance()

	wantTypes := []types.EventType{
		types.EventInit, types.EventPut, types.EventDelete,
		types.EventPut, types.EventClear, types.EventMaintenance,
	}
	require.Len(t, events, len(wantTypes))
	for i, wantType := range wantTypes {
		assert.Equal(t, wantType, events[i].Type, "event %d", i)
	}
	assert.Equal(t, "alpha", events[1].Key)
	assert.Equal(t, "alpha", events[2].Key)
	assert.Equal(t, "", events[4].Key)
}

func TestObjectStore_Stats(t *testing.T) {
	fake := newFakeS3("memories")
	store := newTestObjectStore(t, fake)

	store.Put("alpha", []byte("value"), types.EntryMeta{})
	_, ok := store.Get("alpha")
	require.True(t, ok)
	_, ok = store.Get("ghost")
	require.False(t, ok)

	stats := store.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Size)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestObjectStore_RecordRequest(t *testing.T) {
	store := &ObjectStore{}

	store.recordRequest(100*time.Millisecond, false)
	metrics := store.Metrics()
	assert.Equal(t, int64(1), metrics.Requests)
	assert.Equal(t, int64(0), metrics.Errors)
	assert.Equal(t, 100*time.Millisecond, metrics.AverageLatency)

	store.recordRequest(200*time.Millisecond, true)
	metrics = store.Metrics()
	assert.Equal(t, int64(2), metrics.Requests)
	assert.Equal(t, int64(1), metrics.Errors)

	// Rolling average latency
	wantAvg := time.Duration((int64(100*time.Millisecond)*9 + int64(200*time.Millisecond)) / 10)
	assert.Equal(t, wantAvg, metrics.AverageLatency)

	store.recordError(assert.AnError)
	metrics = store.Metrics()
	assert.Equal(t, assert.AnError.Error(), metrics.LastError)
	assert.False(t, metrics.LastErrorTime.IsZero())
}

func TestObjectStore_ErrorRate(t *testing.T) {
	store := &ObjectStore{}
	assert.Equal(t, 0.0, store.ErrorRate())

	store.recordRequest(time.Millisecond, false)
	store.recordRequest(time.Millisecond, true)
	assert.InDelta(t, 0.5, store.ErrorRate(), 1e-9)
}

func TestObjectStore_HealthCheck(t *testing.T) {
	fake := newFakeS3("memories")
	store := newTestObjectStore(t, fake)

	require.NoError(t, store.HealthCheck(context.Background()))

	config := NewDefaultConfig()
	config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	misconfigured := newObjectStore(fake, "wrong-bucket", config)

	err := misconfigured.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3 health check failed")
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no such key", &s3types.NoSuchKey{}, true},
		{"head not found", &s3types.NotFound{}, true},
		{"wrapped no such key", fmt.Errorf("get: %w", &s3types.NoSuchKey{}), true},
		{"other error", fmt.Errorf("connection reset"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isNotFound(tt.err))
		})
	}
}

func TestTranslateError(t *testing.T) {
	store := &ObjectStore{bucket: "memories"}

	err := store.translateError(&s3types.NoSuchKey{}, "GetObject", "alpha")
	assert.EqualError(t, err, "object not found: alpha")

	err = store.translateError(&s3types.NoSuchBucket{}, "GetObject", "alpha")
	assert.EqualError(t, err, "bucket not found: memories")

	cause := fmt.Errorf("connection reset")
	err = store.translateError(cause, "PutObject", "alpha")
	assert.Contains(t, err.Error(), "PutObject failed for alpha")
	assert.ErrorIs(t, err, cause)
}

func TestObjectStore_ConcurrentOps(t *testing.T) {
	fake := newFakeS3("memories")
	fake.pageSize = 50
	store := newTestObjectStore(t, fake)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("key-%d", (g*100+i)%32)
				switch i % 4 {
				case 0:
					store.Put(key, []byte(key), types.EntryMeta{Weight: float64(i % 10)})
				case 1:
					store.Get(key)
				case 2:
					store.Contains(key)
				case 3:
					store.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, store.Len(), 32)
}
