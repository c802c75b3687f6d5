package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"github.com/jordanhubbard/autorun/pkg/models"
)

// FileStore keeps settings in a JSON object file under key, leaving
// every other top-level key of the file untouched. Writers across
// processes are serialized with an advisory lock next to the file.
type FileStore struct {
	path     string
	lockPath string
	key      string

	mu        sync.Mutex
	lastWrite []byte
}

// NewFileStore creates a file store at path.
func NewFileStore(path, key string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("file store: create directory: %w", err)
	}
	return &FileStore{path: path, lockPath: path + ".lock", key: key}, nil
}

func (f *FileStore) readDocument() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	doc := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return doc, nil
}

// Load reads the settings record.
func (f *FileStore) Load(ctx context.Context) (*models.Settings, error) {
	lock := flock.New(f.lockPath)
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	doc, err := f.readDocument()
	if err != nil {
		return nil, err
	}
	return decodeSettings(doc[f.key])
}

// Save replaces the settings record atomically.
func (f *FileStore) Save(ctx context.Context, settings models.Settings) error {
	value, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	lock := flock.New(f.lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	doc, err := f.readDocument()
	if err != nil {
		return err
	}
	doc[f.key] = value
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}

	f.mu.Lock()
	f.lastWrite = value
	f.mu.Unlock()

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	return nil
}

// Watch calls onChange whenever another writer changes the record.
// It blocks until ctx is cancelled.
func (f *FileStore) Watch(ctx context.Context, onChange func(models.Settings)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: Save replaces the file by rename.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			f.handleChange(onChange)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[Store] watch error: %v", err)
		}
	}
}

func (f *FileStore) handleChange(onChange func(models.Settings)) {
	doc, err := f.readDocument()
	if err != nil {
		log.Printf("[Store] reload after change failed: %v", err)
		return
	}
	var raw bytes.Buffer
	if len(doc[f.key]) > 0 {
		if err := json.Compact(&raw, doc[f.key]); err != nil {
			log.Printf("[Store] ignoring external change: %v", err)
			return
		}
	}

	f.mu.Lock()
	own := bytes.Equal(raw.Bytes(), f.lastWrite)
	if !own {
		f.lastWrite = append([]byte(nil), raw.Bytes()...)
	}
	f.mu.Unlock()
	if own {
		return
	}

	settings, err := decodeSettings(raw.Bytes())
	if err != nil {
		log.Printf("[Store] ignoring external change: %v", err)
		return
	}
	if settings != nil {
		onChange(*settings)
	}
}

// Close is a no-op for the file store.
func (f *FileStore) Close() error { return nil }
