package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/obsidianstack/perfmatrix/server/internal/calculator"
	"github.com/obsidianstack/perfmatrix/server/internal/registry"
)

// archiveLayout is the time layout of rotated file suffixes.
const archiveLayout = "20060102150405.000"

// Options configures a Store.
type Options struct {
	Enabled    bool
	Dir        string
	FileName   string
	ArchiveMax int // rotated copies kept; negative keeps all
}

// Store persists a registry to a live file with rotated archives.
type Store struct {
	opts Options
	now  func() time.Time // injectable for deterministic tests
}

// New creates a Store.
func New(opts Options) *Store {
	return &Store{opts: opts, now: time.Now}
}

// Enabled reports whether persistence is switched on.
func (s *Store) Enabled() bool { return s.opts.Enabled }

// LivePath returns the path of the live snapshot file.
func (s *Store) LivePath() string {
	return filepath.Join(s.opts.Dir, s.opts.FileName)
}

// Persist writes reg to a temporary file and, only when that succeeded,
// rotates the live file into an archive and moves the temporary file into
// its place. Archives beyond ArchiveMax are then pruned, oldest first. It
// returns false, leaving existing files untouched, on any failure or when
// persistence is disabled.
func (s *Store) Persist(reg *registry.Registry) bool {
	if !s.opts.Enabled {
		return false
	}

	var (
		buf    bytes.Buffer
		encErr error
		n      int
	)
	at := s.now()
	reg.Exclusive(func() {
		recs := reg.Records()
		n = len(recs)
		encErr = Encode(&buf, &Snapshot{PersistedAt: at, Records: recs})
	})
	if encErr != nil {
		slog.Error("snapshot: serialization failed", "err", encErr)
		return false
	}

	if err := s.install(buf.Bytes(), at); err != nil {
		slog.Error("snapshot: persist failed", "file", s.LivePath(), "err", err)
		return false
	}
	slog.Info("snapshot: persisted", "file", s.LivePath(), "datapoints", n)

	s.prune()
	return true
}

// install writes data to <live>.tmp, then performs the two-step rename.
func (s *Store) install(data []byte, at time.Time) error {
	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	live := s.LivePath()
	tmp := live + ".tmp"

	if err := writeSynced(tmp, data); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return err
	}

	archive := ""
	if _, err := os.Stat(live); err == nil {
		archive = live + "." + at.UTC().Format(archiveLayout)
		if err := os.Rename(live, archive); err != nil {
			os.Remove(tmp) //nolint:errcheck
			return fmt.Errorf("archive live file: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("stat live file: %w", err)
	}

	if err := os.Rename(tmp, live); err != nil {
		if archive != "" {
			os.Rename(archive, live) //nolint:errcheck
		}
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("install live file: %w", err)
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return nil
}

type archiveFile struct {
	path string
	at   time.Time
}

// Archives returns the rotated copies of the live file, oldest first. Files
// whose suffix is not a valid timestamp are not included.
func (s *Store) Archives() ([]string, error) {
	files, err := s.archives()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

func (s *Store) archives() ([]archiveFile, error) {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list archives: %w", err)
	}
	prefix := s.opts.FileName + "."
	var files []archiveFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || name == s.opts.FileName+".tmp" {
			continue
		}
		suffix := strings.TrimPrefix(name, prefix)
		at, err := time.Parse(archiveLayout, suffix)
		if err != nil {
			slog.Warn("snapshot: ignoring file with unparseable archive suffix", "file", name)
			continue
		}
		files = append(files, archiveFile{path: filepath.Join(s.opts.Dir, name), at: at})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].at.Before(files[j].at) })
	return files, nil
}

// prune deletes the oldest archives beyond ArchiveMax.
func (s *Store) prune() {
	if s.opts.ArchiveMax < 0 {
		return
	}
	files, err := s.archives()
	if err != nil {
		slog.Warn("snapshot: cannot prune archives", "err", err)
		return
	}
	excess := len(files) - s.opts.ArchiveMax
	for i := 0; i < excess; i++ {
		if err := os.Remove(files[i].path); err != nil {
			slog.Warn("snapshot: cannot delete archive", "file", files[i].path, "err", err)
			continue
		}
		slog.Debug("snapshot: deleted archive", "file", files[i].path)
	}
}

// Load reads the live file. A missing, unreadable or invalid file yields an
// empty snapshot and false; this is expected on first start.
func (s *Store) Load() (*Snapshot, bool) {
	empty := &Snapshot{Records: map[string]calculator.Record{}}
	if !s.opts.Enabled {
		return empty, false
	}

	f, err := os.Open(s.LivePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Info("snapshot: no live file, starting empty", "file", s.LivePath())
		} else {
			slog.Warn("snapshot: cannot open live file, starting empty", "file", s.LivePath(), "err", err)
		}
		return empty, false
	}
	defer f.Close()

	snap, err := Decode(f)
	if err != nil {
		slog.Warn("snapshot: invalid live file, starting empty", "file", s.LivePath(), "err", err)
		return empty, false
	}
	slog.Info("snapshot: loaded", "file", s.LivePath(),
		"datapoints", len(snap.Records), "persisted_at", snap.PersistedAt)
	return snap, true
}

// Run persists reg every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	if !s.opts.Enabled || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Persist(reg)
		}
	}
}
