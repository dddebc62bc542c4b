package testutil

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"github.com/mark-sch/GpsdTracking/natsclient"
)

// ErrClosed is returned by the mocks after Close.
var ErrClosed = stderrors.New("testutil: closed")

// MockNATSClient records what the event sink publishes, per subject.
type MockNATSClient struct {
	mu       sync.Mutex
	messages map[string][][]byte
	closed   bool
}

func NewMockNATSClient() *MockNATSClient {
	return &MockNATSClient{messages: make(map[string][][]byte)}
}

// Publish has the signature of natsclient.Client.Publish.
func (c *MockNATSClient) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.messages[subject] = append(c.messages[subject], append([]byte(nil), data...))
	return nil
}

// GetMessages returns a copy of what was published on subject.
func (c *MockNATSClient) GetMessages(subject string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.messages[subject]...)
}

func (c *MockNATSClient) GetMessageCount(subject string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages[subject])
}

// Close makes every later Publish fail.
func (c *MockNATSClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// MockKVStore is an in-memory bucket with the method set the natskv backend
// needs. Revisions grow by one per write, like JetStream.
type MockKVStore struct {
	mu       sync.Mutex
	data     map[string]natsclient.KVEntry
	revision uint64
}

func NewMockKVStore() *MockKVStore {
	return &MockKVStore{data: make(map[string]natsclient.KVEntry)}
}

func (kv *MockKVStore) store(key string, value []byte) uint64 {
	kv.revision++
	kv.data[key] = natsclient.KVEntry{Key: key, Value: append([]byte(nil), value...), Revision: kv.revision}
	return kv.revision
}

func (kv *MockKVStore) Put(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.store(key, value), nil
}

func (kv *MockKVStore) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	entry, ok := kv.data[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	entry.Value = append([]byte(nil), entry.Value...)
	return &entry, nil
}

func (kv *MockKVStore) Delete(_ context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.data, key)
	return nil
}

// UpdateWithRetry runs update under the store lock; it never conflicts.
func (kv *MockKVStore) UpdateWithRetry(_ context.Context, key string, update func(current []byte) ([]byte, error)) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	var current []byte
	if entry, ok := kv.data[key]; ok {
		current = append([]byte(nil), entry.Value...)
	}
	next, err := update(current)
	if err != nil {
		return err
	}
	kv.store(key, next)
	return nil
}

// Keys returns the stored keys in order.
func (kv *MockKVStore) Keys(context.Context) ([]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
