package bitmap

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	keyFileName     = "index-keys.bin"
	indexFilePrefix = "index-"
	indexFileSuffix = ".bmp"
	tempFileSuffix  = ".tmp"
)

// FileManager stores leaf indexes in a directory, one file per index plus
// the key file naming them.
type FileManager struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	keys map[string]string
}

// NewFileManager opens dir, creating it when missing. A damaged key file
// is discarded together with every index file it named.
func NewFileManager(dir string, logger *slog.Logger) (*FileManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	fm := &FileManager{dir: dir, logger: logger, keys: make(map[string]string)}

	data, err := os.ReadFile(fm.path(keyFileName))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fm, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read index key file: %w", err)
	}
	keys, err := DecodeKeys(data)
	if err != nil {
		fm.logger.Warn("discarding index key file", "dir", dir, "error", err)
		loadFailures.Inc()
		if err := fm.removeAll(); err != nil {
			return nil, err
		}
		return fm, nil
	}
	fm.keys = keys
	return fm, nil
}

func (fm *FileManager) path(name string) string {
	return filepath.Join(fm.dir, name)
}

func indexFileName(suffix string) string {
	return indexFilePrefix + suffix + indexFileSuffix
}

// Has reports whether an index file is registered for key
func (fm *FileManager) Has(key IndexKey) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	_, ok := fm.keys[key.String()]
	return ok
}

// Load reads the index stored for key. It returns nil without error when
// nothing is stored. A damaged file is deleted and reported with
// revstore.ErrCorruptIndex.
func (fm *FileManager) Load(key IndexKey) (*IndexInfo, error) {
	fm.mu.Lock()
	suffix, ok := fm.keys[key.String()]
	fm.mu.Unlock()
	if !ok {
		return nil, nil
	}
	name := fm.path(indexFileName(suffix))
	data, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", key, err)
	}
	info, err := DecodeIndex(data)
	if err != nil {
		if rmErr := os.Remove(name); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			fm.logger.Warn("failed to delete corrupt index file", "file", name, "error", rmErr)
		}
		return nil, fmt.Errorf("index %s: %w", key, err)
	}
	return info, nil
}

// Save writes info for key, registering a new file name when needed
func (fm *FileManager) Save(key IndexKey, info IndexInfo) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	suffix, ok := fm.keys[key.String()]
	if !ok {
		suffix = uuid.NewString()
	}
	var buf bytes.Buffer
	if err := EncodeIndex(&buf, info); err != nil {
		return err
	}
	if err := fm.writeFile(indexFileName(suffix), buf.Bytes()); err != nil {
		return fmt.Errorf("failed to save index %s: %w", key, err)
	}
	if ok {
		return nil
	}
	fm.keys[key.String()] = suffix
	if err := fm.saveKeysLocked(); err != nil {
		delete(fm.keys, key.String())
		return err
	}
	return nil
}

func (fm *FileManager) saveKeysLocked() error {
	var buf bytes.Buffer
	if err := EncodeKeys(&buf, fm.keys); err != nil {
		return err
	}
	if err := fm.writeFile(keyFileName, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to save index key file: %w", err)
	}
	return nil
}

// writeFile replaces name atomically through a temporary file
func (fm *FileManager) writeFile(name string, data []byte) error {
	tmp := fm.path(name + tempFileSuffix)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, fm.path(name)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// DropAll deletes every index file and the key file
func (fm *FileManager) DropAll() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.removeAll()
}

func (fm *FileManager) removeAll() error {
	entries, err := os.ReadDir(fm.dir)
	if err != nil {
		return fmt.Errorf("failed to list index directory: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if name != keyFileName && !strings.HasPrefix(name, indexFilePrefix) {
			continue
		}
		if err := os.Remove(fm.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete %s: %w", name, err)
		}
	}
	fm.keys = make(map[string]string)
	return nil
}

// saver coalesces save requests: the first request arms a timer and every
// request until it fires joins the same flush.
type saver struct {
	delay time.Duration
	save  func([]*Leaf) error

	mu      sync.Mutex
	timer   *time.Timer
	pending map[IndexKey]*Leaf
	stopped bool
}

func newSaver(delay time.Duration, save func([]*Leaf) error) *saver {
	return &saver{delay: delay, save: save, pending: make(map[IndexKey]*Leaf)}
}

func (s *saver) schedule(l *Leaf) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.pending[l.key] = l
	if s.timer == nil {
		s.timer = time.AfterFunc(s.delay, s.flush)
	}
}

func (s *saver) take() []*Leaf {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	out := make([]*Leaf, 0, len(s.pending))
	for _, l := range s.pending {
		out = append(out, l)
	}
	s.pending = make(map[IndexKey]*Leaf)
	return out
}

func (s *saver) flush() {
	// Failures are logged by save and the leaves stay dirty.
	if leaves := s.take(); len(leaves) > 0 {
		_ = s.save(leaves)
	}
}

// stop cancels the timer and returns whatever was still pending
func (s *saver) stop() []*Leaf {
	leaves := s.take()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return leaves
}
