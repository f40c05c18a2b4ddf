// Package cache provides the content-addressed on-disk store for decoded PCM
// audio.
//
// Every cached track lives in a single raw s16le file named after a short hash
// of its source URI. Writes go to a "<hash>.pcm.tmp" file and only become
// visible once [Store.FinalizeSave] renames them into place and records them
// in the JSON index, so readers never observe a partially written entry. The
// index is held in memory behind an RWMutex and persisted synchronously after
// every mutation.
package cache

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	indexFileName = "index.json"
	pcmSuffix     = ".pcm"
	tmpSuffix     = ".pcm.tmp"

	// hashLen is the number of hex characters kept from the SHA-256 digest.
	hashLen = 16
)

var (
	// ErrNotCached is returned by [Store.LoadTrack] when the URI has no
	// published entry (or the entry's file vanished).
	ErrNotCached = errors.New("cache: track not cached")

	// ErrSaveInProgress is returned by [Store.StartSavingTrack] when another
	// writer is already populating the same entry.
	ErrSaveInProgress = errors.New("cache: save already in progress")
)

// ComputeHash returns the cache key for uri: the first 16 hex characters of
// its SHA-256 digest. The result is stable across processes.
func ComputeHash(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// Store is a filesystem-backed PCM cache. All methods are safe for concurrent
// use.
type Store struct {
	dir       string
	indexPath string

	mu    sync.RWMutex
	index map[string]string // hash -> file name

	pendingMu sync.Mutex
	pending   map[string]*pendingWrite // hash -> in-flight writer
}

// New opens (creating if necessary) the cache rooted at dir and loads its
// index. It fails when the directory cannot be created or written to, so
// callers can fail fast at startup.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir %q: %w", dir, err)
	}
	if err := probeWritable(dir); err != nil {
		return nil, fmt.Errorf("cache: dir %q not writable: %w", dir, err)
	}

	s := &Store{
		dir:       dir,
		indexPath: filepath.Join(dir, indexFileName),
		index:     make(map[string]string),
		pending:   make(map[string]*pendingWrite),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	slog.Info("cache: store opened", "dir", dir, "tracks", len(s.index))
	return s, nil
}

// Dir returns the cache root directory.
func (s *Store) Dir() string { return s.dir }

// Len returns the number of published entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// HasTrack reports whether uri has a published, readable entry.
func (s *Store) HasTrack(uri string) bool {
	s.mu.RLock()
	name, ok := s.index[ComputeHash(uri)]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	info, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil && info.Mode().IsRegular()
}

// LoadTrack opens the published PCM file for uri. When the index points at a
// file that no longer exists the stale entry is removed and [ErrNotCached] is
// returned, so the caller can fall back to a live fetch.
func (s *Store) LoadTrack(uri string) (io.ReadCloser, error) {
	hash := ComputeHash(uri)

	s.mu.RLock()
	name, ok := s.index[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cache: load %q: %w", uri, ErrNotCached)
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("cache: index entry without file, removing", "hash", hash, "file", name)
		s.mu.Lock()
		delete(s.index, hash)
		saveErr := s.saveIndexLocked()
		s.mu.Unlock()
		if saveErr != nil {
			slog.Warn("cache: failed to persist index", "err", saveErr)
		}
		return nil, fmt.Errorf("cache: load %q: %w", uri, ErrNotCached)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: open %q: %w", name, err)
	}
	return &bufferedFile{Reader: bufio.NewReaderSize(f, 64*1024), f: f}, nil
}

// StartSavingTrack begins populating the entry for uri. Bytes written to the
// returned sink land in a temp file that stays invisible until
// [Store.FinalizeSave] is called with success. Closing the sink flushes it but
// does not publish anything.
func (s *Store) StartSavingTrack(uri string) (io.WriteCloser, error) {
	hash := ComputeHash(uri)

	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if _, busy := s.pending[hash]; busy {
		return nil, fmt.Errorf("cache: save %q: %w", uri, ErrSaveInProgress)
	}

	tmp := filepath.Join(s.dir, hash+tmpSuffix)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cache: create temp file: %w", err)
	}
	pw := &pendingWrite{path: tmp, f: f, w: bufio.NewWriterSize(f, 64*1024)}
	s.pending[hash] = pw
	slog.Debug("cache: saving track", "hash", hash)
	return pw, nil
}

// FinalizeSave completes the write started by [Store.StartSavingTrack]. With
// success the temp file is renamed to "<hash>.pcm" and the index updated;
// otherwise, or when flushing fails, the temp file is deleted and no trace is
// left. Finalizing a URI with no pending write is a no-op.
func (s *Store) FinalizeSave(uri string, success bool) error {
	hash := ComputeHash(uri)

	s.pendingMu.Lock()
	pw, ok := s.pending[hash]
	delete(s.pending, hash)
	s.pendingMu.Unlock()
	if !ok {
		slog.Debug("cache: finalize without pending save", "hash", hash)
		return nil
	}

	closeErr := pw.Close()
	if !success || closeErr != nil {
		if err := os.Remove(pw.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("cache: failed to delete temp file", "path", pw.path, "err", err)
		}
		if closeErr != nil {
			return fmt.Errorf("cache: flush %q: %w", pw.path, closeErr)
		}
		return nil
	}

	name := hash + pcmSuffix
	if err := os.Rename(pw.path, filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(pw.path)
		return fmt.Errorf("cache: publish %q: %w", name, err)
	}

	s.mu.Lock()
	s.index[hash] = name
	err := s.saveIndexLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	slog.Info("cache: track cached", "file", name, "bytes", pw.written)
	return nil
}

// DeleteTrack removes the published entry for uri. It reports whether a file
// was deleted.
func (s *Store) DeleteTrack(uri string) bool {
	hash := ComputeHash(uri)

	s.mu.Lock()
	name, ok := s.index[hash]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.index, hash)
	saveErr := s.saveIndexLocked()
	s.mu.Unlock()
	if saveErr != nil {
		slog.Warn("cache: failed to persist index", "err", saveErr)
	}

	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("cache: failed to delete track", "file", name, "err", err)
		}
		return false
	}
	slog.Info("cache: track deleted", "file", name)
	return true
}

// Size returns the total size in bytes of all published PCM files.
func (s *Store) Size() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), pcmSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache: size: %w", err)
	}
	return total, nil
}

// Clear deletes every PCM and temp file under the cache root and empties the
// index. Writers that are still in flight keep their open file handles but
// their temp files are gone, so a later FinalizeSave cannot publish them.
func (s *Store) Clear() error {
	var errs []error
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), pcmSuffix) || strings.HasSuffix(d.Name(), tmpSuffix) {
			if rmErr := os.Remove(path); rmErr != nil {
				errs = append(errs, rmErr)
			}
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	clear(s.index)
	if err := s.saveIndexLocked(); err != nil {
		errs = append(errs, err)
	}
	s.mu.Unlock()

	slog.Info("cache: cleared", "dir", s.dir)
	return errors.Join(errs...)
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache: read index: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &s.index); err != nil {
		// A corrupt index only loses the mapping; files are rebuilt on demand.
		slog.Warn("cache: index unreadable, starting empty", "path", s.indexPath, "err", err)
		s.index = make(map[string]string)
	}
	return nil
}

// saveIndexLocked persists the index. The caller must hold s.mu.
func (s *Store) saveIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: encode index: %w", err)
	}
	tmp := s.indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cache: write index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath); err != nil {
		return fmt.Errorf("cache: replace index: %w", err)
	}
	return nil
}

func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	closeErr := f.Close()
	return errors.Join(closeErr, os.Remove(name))
}

// pendingWrite is the sink handed out by StartSavingTrack.
type pendingWrite struct {
	path    string
	f       *os.File
	w       *bufio.Writer
	written int64

	once     sync.Once
	closeErr error
}

func (p *pendingWrite) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	return n, err
}

// Close flushes and closes the temp file. It is idempotent.
func (p *pendingWrite) Close() error {
	p.once.Do(func() {
		p.closeErr = errors.Join(p.w.Flush(), p.f.Close())
	})
	return p.closeErr
}

type bufferedFile struct {
	*bufio.Reader
	f *os.File
}

func (b *bufferedFile) Close() error { return b.f.Close() }
