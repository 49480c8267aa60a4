package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pagecache/internal/ring"
)

// ErrMembershipUnavailable is returned by lookups made before any snapshot
// has been accepted.
var ErrMembershipUnavailable = errors.New("membership unavailable: no ring has been built")

// DefaultRefreshInterval is the poll interval for dynamic sources.
const DefaultRefreshInterval = 10 * time.Second

// Options configures a Manager.
type Options struct {
	// VirtualNodes is the number of ring points per worker.
	VirtualNodes int
	// RefreshInterval is how often a dynamic source is polled.
	RefreshInterval time.Duration
	Logger          *zap.Logger
}

// published is one accepted snapshot and the ring built from it.
type published struct {
	ring     *ring.Ring
	snapshot Snapshot
	version  uint64
}

// Status describes the state of a Manager.
type Status struct {
	Version             uint64
	Workers             int
	Dynamic             bool
	LastRefresh         time.Time
	LastError           error
	ConsecutiveFailures int
}

// Manager owns the active ring.
type Manager struct {
	source   Source
	vnodes   int
	interval time.Duration
	logger   *zap.Logger

	current atomic.Pointer[published]

	// refreshMu serializes refreshes; readers never take it.
	refreshMu sync.Mutex

	mu          sync.Mutex
	lastRefresh time.Time
	lastErr     error
	failures    int
	started     bool

	// Control
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager creates a manager for source. Nothing is fetched until Start
// or Refresh is called.
func NewManager(source Source, opts Options) *Manager {
	if opts.VirtualNodes <= 0 {
		opts.VirtualNodes = ring.DefaultVirtualNodes
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		source:   source,
		vnodes:   opts.VirtualNodes,
		interval: opts.RefreshInterval,
		logger:   opts.Logger,
	}
}

// Start builds the first ring and, for dynamic sources, starts polling.
//
// A static source that cannot produce a ring is an error. A dynamic source
// that fails its first refresh is logged and retried on every tick; lookups
// return ErrMembershipUnavailable until one succeeds.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("membership manager already started")
	}
	m.started = true
	m.mu.Unlock()

	err := m.Refresh(ctx)
	if !m.source.Dynamic() {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_ = m.Refresh(loopCtx) // failures are recorded in Status
			}
		}
	}()

	m.logger.Info("membership refresh started", zap.Duration("interval", m.interval))
	return nil
}

// Stop halts background refreshes and waits for the loop to exit. It is safe
// to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		m.wg.Wait()
	})
}

// Refresh fetches a snapshot and publishes a new ring if the worker set
// changed. On failure the previous ring stays active.
func (m *Manager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	snap, err := m.source.Snapshot(ctx)
	// Sources outside this package may hand back unsorted or repeated workers.
	snap = NewSnapshot(snap.Workers)
	if err == nil && snap.Len() == 0 {
		err = ErrEmptySnapshot
	}
	if err != nil {
		m.recordFailure(err)
		return fmt.Errorf("refresh membership: %w", err)
	}

	cur := m.current.Load()
	if cur != nil && cur.snapshot.Equal(snap) {
		m.recordSuccess()
		m.logger.Debug("membership unchanged", zap.Uint64("version", cur.version))
		return nil
	}

	next := &published{
		ring:     ring.Build(snap.Workers, m.vnodes),
		snapshot: snap,
		version:  1,
	}
	var added, removed []ring.Worker
	if cur != nil {
		next.version = cur.version + 1
		added, removed = snap.Diff(cur.snapshot)
	} else {
		added = snap.Workers
	}
	m.current.Store(next)
	m.recordSuccess()

	m.logger.Info("ring updated",
		zap.Uint64("version", next.version),
		zap.Int("workers", snap.Len()),
		zap.Stringers("added", added),
		zap.Stringers("removed", removed))
	return nil
}

func (m *Manager) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRefresh = time.Now()
	m.lastErr = nil
	m.failures = 0
}

func (m *Manager) recordFailure(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.failures++
	failures := m.failures
	m.mu.Unlock()

	transient := Transient(err)
	fields := []zap.Field{
		zap.Error(err),
		zap.Int("consecutive_failures", failures),
		zap.Bool("transient", transient),
	}
	switch {
	case m.current.Load() == nil:
		m.logger.Error("membership refresh failed, no ring available", fields...)
	case !transient:
		// Will not clear up by itself; the ring goes stale until someone acts.
		m.logger.Error("membership refresh failed, keeping previous ring", fields...)
	default:
		m.logger.Warn("membership refresh failed, keeping previous ring", fields...)
	}
}

// Ring returns the active ring without blocking.
func (m *Manager) Ring() (*ring.Ring, error) {
	cur := m.current.Load()
	if cur == nil {
		return nil, ErrMembershipUnavailable
	}
	return cur.ring, nil
}

// Candidates resolves the ordered candidate workers of key on the active
// ring.
func (m *Manager) Candidates(key string, count int) ([]ring.Worker, error) {
	r, err := m.Ring()
	if err != nil {
		return nil, err
	}
	return r.Resolve(key, count)
}

// Status returns the manager's current state.
func (m *Manager) Status() Status {
	st := Status{Dynamic: m.source.Dynamic()}
	if cur := m.current.Load(); cur != nil {
		st.Version = cur.version
		st.Workers = cur.snapshot.Len()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st.LastRefresh = m.lastRefresh
	st.LastError = m.lastErr
	st.ConsecutiveFailures = m.failures
	return st
}
