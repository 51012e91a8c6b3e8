package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// FileStore keeps values in a JSON document. Every operation holds an
// exclusive flock on path+".lock" so concurrent CLI invocations never lose
// writes.
type FileStore struct {
	path string
	lock *flock.Flock
}

// OpenFile prepares a file store at path. The document is created lazily.
func OpenFile(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("session: file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure session directory: %w", err)
	}
	return &FileStore{path: path, lock: flock.New(path + ".lock")}, nil
}

func (f *FileStore) withLock(ctx context.Context, fn func(values map[string]string) (bool, error)) error {
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", f.path, err)
	}
	defer func() { _ = f.lock.Unlock() }()
	if err := ctx.Err(); err != nil {
		return err
	}

	values, err := f.read()
	if err != nil {
		return err
	}
	dirty, err := fn(values)
	if err != nil || !dirty {
		return err
	}
	return f.write(values)
}

func (f *FileStore) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	values := make(map[string]string)
	if len(strings.TrimSpace(string(data))) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return values, nil
}

func (f *FileStore) write(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*.json")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp session file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	return nil
}

func (f *FileStore) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := f.withLock(ctx, func(values map[string]string) (bool, error) {
		value, ok = values[key]
		return false, nil
	})
	return value, ok, err
}

func (f *FileStore) Set(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return f.withLock(ctx, func(values map[string]string) (bool, error) {
		if prev, ok := values[key]; ok && prev == value {
			return false, nil
		}
		values[key] = value
		return true, nil
	})
}

func (f *FileStore) Delete(ctx context.Context, keys ...string) error {
	return f.withLock(ctx, func(values map[string]string) (bool, error) {
		dirty := false
		for _, k := range keys {
			if _, ok := values[k]; ok {
				delete(values, k)
				dirty = true
			}
		}
		return dirty, nil
	})
}

func (f *FileStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	var out map[string]string
	err := f.withLock(ctx, func(values map[string]string) (bool, error) {
		out = filterPrefix(values, prefix)
		return false, nil
	})
	return out, err
}

// Close releases the lock handle.
func (f *FileStore) Close() error {
	return f.lock.Close()
}
