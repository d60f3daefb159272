// Package scratch allocates per-job temporary files and guarantees each one
// is removed exactly once: when its job lets go of it, or when the grace
// period sweep finds it, but never while a writer or reader still holds it.
package scratch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mediafetch/internal/errs"
	"mediafetch/internal/observability/metrics"
)

const DefaultGrace = 30 * time.Second

// Config configures a Manager. Metrics defaults to metrics.Default().
type Config struct {
	Dir     string
	Grace   time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

type Manager struct {
	dir     string
	grace   time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	mu        sync.Mutex
	resources map[string]*Resource

	allocated atomic.Uint64
	released  atomic.Uint64
}

// Stats is a point-in-time view of scratch usage.
type Stats struct {
	Dir       string `json:"dir"`
	Active    int    `json:"active"`
	Bytes     int64  `json:"bytes"`
	Allocated uint64 `json:"allocated"`
	Released  uint64 `json:"released"`
}

func NewManager(cfg Config) (*Manager, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "mediafetch")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Manager{
		dir:       dir,
		grace:     grace,
		logger:    logger,
		metrics:   recorder,
		now:       now,
		resources: make(map[string]*Resource),
	}, nil
}

func (m *Manager) Dir() string { return m.dir }

func (m *Manager) Grace() time.Duration { return m.grace }

// Allocate creates a new uniquely named file for jobID. The caller holds the
// write side until CloseWrite.
func (m *Manager) Allocate(jobID, ext string) (*Resource, error) {
	id := uuid.NewString()
	name := id
	if ext = strings.TrimPrefix(ext, "."); ext != "" {
		name += "." + ext
	}
	path := filepath.Join(m.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errs.Wrap(errs.ScratchAllocationError, "allocate scratch file", err)
	}

	res := &Resource{
		ID:        id,
		JobID:     jobID,
		Path:      path,
		CreatedAt: m.now(),
		mgr:       m,
		file:      f,
		changed:   make(chan struct{}),
		holders:   1,
	}
	m.mu.Lock()
	m.resources[id] = res
	m.mu.Unlock()
	m.allocated.Add(1)
	m.metrics.ScratchAllocated()
	m.logger.Debug("scratch allocated", "job_id", jobID, "scratch_id", id, "path", path)
	return res, nil
}

// Sweep releases every resource older than the grace period. Resources still
// in use are marked and released by their last holder. It returns the number
// of resources it asked to release.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	expired := make([]*Resource, 0)
	for _, res := range m.resources {
		if !res.CreatedAt.Add(m.grace).After(now) {
			expired = append(expired, res)
		}
	}
	m.mu.Unlock()

	for _, res := range expired {
		res.Release()
	}
	return len(expired)
}

// Close releases everything the manager still tracks.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Resource, 0, len(m.resources))
	for _, res := range m.resources {
		all = append(all, res)
	}
	m.mu.Unlock()
	for _, res := range all {
		res.Release()
	}
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		Dir:       m.dir,
		Active:    len(m.resources),
		Allocated: m.allocated.Load(),
		Released:  m.released.Load(),
	}
	for _, res := range m.resources {
		stats.Bytes += res.Size()
	}
	return stats
}

// PurgeStale removes scratch files left behind by an earlier process. Only
// names this package generates are touched.
func (m *Manager) PurgeStale() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("read scratch dir: %w", err)
	}
	m.mu.Lock()
	tracked := make(map[string]struct{}, len(m.resources))
	for id := range m.resources {
		tracked[id] = struct{}{}
	}
	m.mu.Unlock()

	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		if _, ok := tracked[id]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("failed to purge stale scratch file", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// CheckWritable checks that the scratch directory accepts writes.
func (m *Manager) CheckWritable() error {
	f, err := os.CreateTemp(m.dir, "writecheck-*")
	if err != nil {
		return fmt.Errorf("scratch dir not writable: %w", err)
	}
	name := f.Name()
	_, werr := f.Write([]byte("ok"))
	cerr := f.Close()
	rerr := os.Remove(name)
	return errors.Join(werr, cerr, rerr)
}

func (m *Manager) forget(res *Resource) {
	m.mu.Lock()
	delete(m.resources, res.ID)
	m.mu.Unlock()
	m.released.Add(1)
	m.metrics.ScratchReleased()
}
