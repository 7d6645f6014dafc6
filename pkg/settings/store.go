package settings

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Change is delivered to subscribers whenever the snapshot changes.
type Change struct {
	Old, New Settings
	Version  uint64
	// Origin is the tag of the writer that produced the new snapshot.
	Origin string
}

// Store is the configuration store seen by the session layer.
type Store interface {
	Load() (Settings, error)
	Save(s Settings) error
	Subscribe(fn func(Change)) (unsubscribe func())
}

// document is the on-disk layout. Version increases with every write and
// lets a watcher ignore its own writes without relying on the origin tag.
type document struct {
	Version   uint64   `yaml:"version"`
	UpdatedBy string   `yaml:"updatedBy"`
	Settings  Settings `yaml:"settings"`
}

// FileStore keeps settings in a YAML file. Writes from other processes are
// picked up by polling (see Run).
type FileStore struct {
	path     string
	origin   string
	interval time.Duration
	log      zerolog.Logger

	mu        sync.Mutex
	current   Settings
	version   uint64
	lastHash  [sha256.Size]byte
	lastMtime time.Time
	subs      map[int]func(Change)
	nextSub   int
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithOrigin sets the tag written as updatedBy. Defaults to "local".
func WithOrigin(origin string) Option {
	return func(s *FileStore) {
		if origin != "" {
			s.origin = origin
		}
	}
}

// WithPollInterval sets how often Run checks the file. Defaults to 2s.
func WithPollInterval(d time.Duration) Option {
	return func(s *FileStore) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the store's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *FileStore) { s.log = l }
}

// NewFileStore opens path, falling back to Default when it does not exist.
func NewFileStore(path string, opts ...Option) (*FileStore, error) {
	s := &FileStore{
		path:     path,
		origin:   "local",
		interval: 2 * time.Second,
		log:      zerolog.Nop(),
		current:  Default(),
		subs:     make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}

	doc, hash, mtime, err := s.read()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, err
	}
	s.current = doc.Settings
	s.version = doc.Version
	s.lastHash = hash
	s.lastMtime = mtime
	return s, nil
}

// Origin is the tag this store writes.
func (s *FileStore) Origin() string { return s.origin }

// Version is the version of the current snapshot.
func (s *FileStore) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Load picks up any pending external change and returns the snapshot.
func (s *FileStore) Load() (Settings, error) {
	if err := s.check(); err != nil {
		return Settings{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

// Save validates and persists next, then notifies subscribers.
func (s *FileStore) Save(next Settings) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("settings: invalid: %w", err)
	}

	s.mu.Lock()
	doc := document{Version: s.version + 1, UpdatedBy: s.origin, Settings: next}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("settings: encode: %w", err)
	}
	mtime, err := writeAtomic(s.path, data)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	old := s.current
	s.current = next
	s.version = doc.Version
	s.lastHash = sha256.Sum256(data)
	s.lastMtime = mtime
	s.mu.Unlock()

	s.notify(Change{Old: old, New: next, Version: doc.Version, Origin: s.origin})
	return nil
}

// Subscribe registers fn for every subsequent change.
func (s *FileStore) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Run polls the file until ctx is cancelled.
func (s *FileStore) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.check(); err != nil {
				s.log.Warn().Err(err).Str("path", s.path).Msg("settings reload failed")
			}
		}
	}
}

// check reloads the file when its content changed. Snapshots whose version
// is not newer than the current one (our own writes included) are ignored.
func (s *FileStore) check() error {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("settings: stat %q: %w", s.path, err)
	}

	s.mu.Lock()
	unchanged := info.ModTime().Equal(s.lastMtime)
	s.mu.Unlock()
	if unchanged {
		return nil
	}

	doc, hash, mtime, err := s.read()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.lastMtime = mtime
	if hash == s.lastHash {
		s.mu.Unlock()
		return nil
	}
	s.lastHash = hash
	if doc.Version <= s.version {
		s.mu.Unlock()
		s.log.Debug().Uint64("version", doc.Version).Str("updated_by", doc.UpdatedBy).Msg("ignoring stale settings write")
		return nil
	}
	old := s.current
	s.current = doc.Settings
	s.version = doc.Version
	s.mu.Unlock()

	s.log.Info().Uint64("version", doc.Version).Str("updated_by", doc.UpdatedBy).Msg("settings reloaded")
	s.notify(Change{Old: old, New: doc.Settings, Version: doc.Version, Origin: doc.UpdatedBy})
	return nil
}

func (s *FileStore) read() (document, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte
	data, err := os.ReadFile(s.path)
	if err != nil {
		return document{}, zero, time.Time{}, err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return document{}, zero, time.Time{}, err
	}

	// Missing fields keep their defaults.
	doc := document{Settings: Default()}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return document{}, zero, time.Time{}, fmt.Errorf("settings: decode %q: %w", s.path, err)
	}
	if err := doc.Settings.Validate(); err != nil {
		return document{}, zero, time.Time{}, fmt.Errorf("settings: invalid %q: %w", s.path, err)
	}
	return doc, sha256.Sum256(data), info.ModTime(), nil
}

func (s *FileStore) notify(c Change) {
	s.mu.Lock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(c)
	}
}

func writeAtomic(path string, data []byte) (time.Time, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return time.Time{}, fmt.Errorf("settings: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return time.Time{}, fmt.Errorf("settings: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return time.Time{}, fmt.Errorf("settings: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return time.Time{}, fmt.Errorf("settings: rename: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
