package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var errNoEntry = errors.New("no entry")

// jsonTree keeps one JSON document per key path below a base directory:
// ["session", id] is stored at <base>/session/<id>.json.
type jsonTree struct {
	basePath string
	mu       sync.Mutex
	locks    map[string]*fileLock
}

func newJSONTree(basePath string) *jsonTree {
	return &jsonTree{
		basePath: basePath,
		locks:    make(map[string]*fileLock),
	}
}

func (t *jsonTree) file(path []string) string {
	return filepath.Join(append([]string{t.basePath}, path...)...) + ".json"
}

func (t *jsonTree) dir(path []string) string {
	return filepath.Join(append([]string{t.basePath}, path...)...)
}

func (t *jsonTree) get(path []string, v any) error {
	data, err := os.ReadFile(t.file(path))
	if err != nil {
		if os.IsNotExist(err) {
			return errNoEntry
		}
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", strings.Join(path, "/"), err)
	}
	return nil
}

// put writes v atomically: a temp file renamed over the target while the
// file lock is held.
func (t *jsonTree) put(path []string, v any) error {
	filePath := t.file(path)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	lock := t.lock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// scan calls fn for every document directly under path, in key order.
// Unreadable files are skipped.
func (t *jsonTree) scan(path []string, fn func(key string, data []byte) error) error {
	dirPath := t.dir(path)
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(keys)

	for _, key := range keys {
		data, err := os.ReadFile(filepath.Join(dirPath, key+".json"))
		if err != nil {
			continue
		}
		if err := fn(key, data); err != nil {
			return err
		}
	}
	return nil
}

func (t *jsonTree) lock(filePath string) *fileLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	lock, ok := t.locks[filePath]
	if !ok {
		lock = newFileLock(filePath)
		t.locks[filePath] = lock
	}
	return lock
}
