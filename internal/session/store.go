package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"parsewatch/internal/config"
	"parsewatch/internal/logging"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("session store closed")

// Store is a durable string key/value map.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	// Delete removes keys; missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// List returns every key/value pair whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)
	Close() error
}

// Open returns the store configured in cfg.Session.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("session: config is required")
	}
	logger = logging.NewComponentLogger(logger, "session")
	var (
		store Store
		err   error
	)
	switch cfg.Session.Backend {
	case config.SessionBackendMemory:
		store = NewMemoryStore()
	case config.SessionBackendFile:
		var fs *FileStore
		if fs, err = OpenFile(cfg.Session.Path); err == nil {
			store = fs
		}
	case config.SessionBackendPostgres:
		var ps *PostgresStore
		if ps, err = OpenPostgres(ctx, cfg.Session.DSN, logger); err == nil {
			store = ps
		}
	case config.SessionBackendSQLite, "":
		var ss *SQLiteStore
		if ss, err = OpenSQLite(ctx, cfg.Session.Path); err == nil {
			store = ss
		}
	default:
		return nil, fmt.Errorf("session: unsupported backend %q", cfg.Session.Backend)
	}
	if err != nil {
		return nil, err
	}
	logger.Debug("session store opened", logging.String("backend", cfg.Session.Backend))
	return store, nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("session: empty key")
	}
	return nil
}

// MemoryStore keeps values in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
	closed bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return filterPrefix(m.values, prefix), nil
}

// Keys returns all keys in sorted order.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func filterPrefix(values map[string]string, prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range values {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}
