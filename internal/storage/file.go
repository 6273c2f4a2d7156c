// Package storage provides durable client-side state persistence.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Load when no record exists for the key.
var ErrNotFound = errors.New("record not found")

// Store persists JSON documents by key.
type Store interface {
	Load(key string, v any) error
	Save(key string, v any) error
	Delete(key string) error
}

// Watcher is implemented by stores that can report external changes.
type Watcher interface {
	Watch(key string, fn func()) (func(), error)
}

// FileStore keeps each record as <dir>/<key>.json. Writes go through a
// temp file and rename so readers never observe a partial record.
type FileStore struct {
	dir    string
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	nextID  int
	watches map[string]map[int]func()
}

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{
		dir:     dir,
		logger:  logger.With().Str("component", "storage").Logger(),
		watches: make(map[string]map[int]func()),
	}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Load reads the record for key into v. Returns ErrNotFound when the
// record does not exist; decode failures are returned to the caller so it
// can discard the record wholesale.
func (s *FileStore) Load(key string, v any) error {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Save writes v as the record for key. The write is atomic: the record is
// staged in a temp file and moved into place.
func (s *FileStore) Save(key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(s.dir, key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("stage %s: %w", key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("stage %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("stage %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

// Delete removes the record for key. Missing records are not an error.
func (s *FileStore) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Watch invokes fn whenever the record for key is rewritten, including by
// another process. The returned function cancels the watch.
func (s *FileStore) Watch(key string, fn func()) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		if err := w.Add(s.dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", s.dir, err)
		}
		s.watcher = w
		go s.watchLoop(w)
	}

	id := s.nextID
	s.nextID++
	if s.watches[key] == nil {
		s.watches[key] = make(map[int]func())
	}
	s.watches[key][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watches[key], id)
	}, nil
}

// watchLoop dispatches filesystem events to registered key watchers.
func (s *FileStore) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(ev.Name)
			if filepath.Ext(name) != ".json" {
				continue
			}
			key := name[:len(name)-len(".json")]

			s.mu.Lock()
			fns := make([]func(), 0, len(s.watches[key]))
			for _, fn := range s.watches[key] {
				fns = append(fns, fn)
			}
			s.mu.Unlock()

			for _, fn := range fns {
				fn()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("Storage watcher error")
		}
	}
}

// Close stops the change watcher, if one was started.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		err := s.watcher.Close()
		s.watcher = nil
		return err
	}
	return nil
}
