package testutils

import (
	"context"
	"io"

	"github.com/nas-ai/shardvault/src/models"
	"github.com/stretchr/testify/mock"
)

// ============================================================
// Mock: MappingStore
// ============================================================

// MockMappingStore mocks mappings_repo.MappingStore
type MockMappingStore struct {
	mock.Mock
}

func (m *MockMappingStore) Put(ctx context.Context, record *models.MappingRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockMappingStore) Get(ctx context.Context, obfuscatedName string) (*models.MappingRecord, error) {
	args := m.Called(ctx, obfuscatedName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.MappingRecord), args.Error(1)
}

func (m *MockMappingStore) Delete(ctx context.Context, obfuscatedName string) error {
	args := m.Called(ctx, obfuscatedName)
	return args.Error(0)
}

func (m *MockMappingStore) List(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// ============================================================
// Mock: ChunkTransport
// ============================================================

// MockChunkTransport mocks storage.ChunkTransport
type MockChunkTransport struct {
	mock.Mock
}

func (m *MockChunkTransport) Send(ctx context.Context, chunk *models.Chunk) error {
	args := m.Called(ctx, chunk)
	return args.Error(0)
}

func (m *MockChunkTransport) Fetch(ctx context.Context, id string) (io.ReadCloser, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *MockChunkTransport) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
