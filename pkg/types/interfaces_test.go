package types

import (
	"context"
	"testing"
)

// TestInterfaces verifies that our interfaces are properly structured
func TestInterfaces(t *testing.T) {
	var (
		_ Store    = (*mockStore)(nil)
		_ Executor = (*mockExecutor)(nil)
		_ Embedder = (*mockEmbedder)(nil)
	)
}

// Mock implementations for testing interface compliance

type mockStore struct{}

func (m *mockStore) Get(key string) ([]byte, bool) {
	return nil, false
}

func (m *mockStore) Put(key string, value []byte, meta EntryMeta) {}

func (m *mockStore) Delete(key string) bool {
	return false
}

func (m *mockStore) Contains(key string) bool {
	return false
}

func (m *mockStore) Keys() []string {
	return nil
}

func (m *mockStore) Len() int {
	return 0
}

func (m *mockStore) Clear() {}

func (m *mockStore) Stats() CacheStats {
	return CacheStats{}
}

func (m *mockStore) Subscribe(fn Listener[string]) {}

func (m *mockStore) NotifyMaintenance() {}

func (m *mockStore) Close() error {
	return nil
}

type mockExecutor struct{}

func (m *mockExecutor) Execute(ctx context.Context, stmt string, args ...any) (int64, error) {
	return 0, nil
}

func (m *mockExecutor) Query(ctx context.Context, stmt string, args ...any) ([]Row, error) {
	return nil, nil
}

func (m *mockExecutor) Ping(ctx context.Context) error {
	return nil
}

func (m *mockExecutor) Close() error {
	return nil
}

type mockEmbedder struct{}

func (m *mockEmbedder) Embed(text string, weight float64) ([]float32, error) {
	return nil, nil
}
