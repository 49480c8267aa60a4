package pagecache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pagecache/internal/worker"
)

// DefaultLoadPollInterval is used by LoadAndWait when no interval is given.
const DefaultLoadPollInterval = 10 * time.Second

// LoadState is the state of a load job as reported by its worker.
type LoadState int

const (
	LoadNotStarted LoadState = iota
	LoadRunning
	LoadVerifying
	LoadSucceeded
	LoadFailed
	LoadStopped
)

var loadStateNames = map[LoadState]string{
	LoadNotStarted: "NOT_STARTED",
	LoadRunning:    "RUNNING",
	LoadVerifying:  "VERIFYING",
	LoadSucceeded:  "SUCCEEDED",
	LoadFailed:     "FAILED",
	LoadStopped:    "STOPPED",
}

// String returns the server spelling of s.
func (s LoadState) String() string {
	if name, ok := loadStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("LoadState(%d)", int(s))
}

// Terminal reports whether s is final.
func (s LoadState) Terminal() bool {
	return s == LoadSucceeded || s == LoadFailed || s == LoadStopped
}

// ParseLoadState maps a server job state to a LoadState. Any state
// mentioning FAILED is LoadFailed.
func ParseLoadState(s string) (LoadState, error) {
	if strings.Contains(s, "FAILED") {
		return LoadFailed, nil
	}
	for state, name := range loadStateNames {
		if name == s {
			return state, nil
		}
	}
	return LoadNotStarted, fmt.Errorf("unknown load state %q", s)
}

// LoadProgress is a point-in-time view of a load job.
type LoadProgress struct {
	State      LoadState
	Percentage float64
}

// LoadTask tracks one submitted load job. Its state only changes in
// response to progress polls and never leaves a terminal state.
type LoadTask struct {
	ID        uuid.UUID
	Path      string
	Worker    Worker
	Submitted time.Time

	mu       sync.RWMutex
	state    LoadState
	progress float64
	err      error
}

// State returns the last observed state.
func (t *LoadTask) State() LoadState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Progress returns the last observed state and percentage.
func (t *LoadTask) Progress() LoadProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return LoadProgress{State: t.state, Percentage: t.progress}
}

// Err returns the terminal error of a failed or stopped job.
func (t *LoadTask) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// observe records a server report and returns the resulting view.
func (t *LoadTask) observe(state LoadState, pct float64, raw string) LoadProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		return LoadProgress{State: t.state, Percentage: t.progress}
	}
	t.state = state
	t.progress = pct
	if state == LoadFailed && raw != state.String() {
		t.err = fmt.Errorf("load %s: worker reported %s: %w", t.Path, raw, ErrLoadFailed)
	} else if state.Terminal() {
		t.err = terminalError(t.Path, state)
	}
	return LoadProgress{State: t.state, Percentage: t.progress}
}

// terminalError is the error of a job that ended in state, or nil.
func terminalError(path string, state LoadState) error {
	switch state {
	case LoadFailed:
		return fmt.Errorf("load %s: %w", path, ErrLoadFailed)
	case LoadStopped:
		return fmt.Errorf("load %s: %w", path, ErrLoadStopped)
	}
	return nil
}

func (c *Client) task(path string) *LoadTask {
	c.loadsMu.Lock()
	defer c.loadsMu.Unlock()
	return c.loads[path]
}

// Load submits a load job for path to its primary worker and returns without
// waiting for it to run.
func (c *Client) Load(ctx context.Context, path string) (*LoadTask, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	w, err := c.primary(path)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", path, err)
	}

	ok, err := withPermit(ctx, c, func() (bool, error) {
		return c.transport.SubmitLoad(ctx, w, path)
	})
	if err != nil {
		return nil, fmt.Errorf("submit load %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("submit load %s: worker %s rejected the job: %w", path, w, ErrLoadFailed)
	}

	t := &LoadTask{
		ID:        uuid.New(),
		Path:      path,
		Worker:    w,
		Submitted: time.Now(),
		state:     LoadNotStarted,
	}
	c.loadsMu.Lock()
	c.loads[path] = t
	c.loadsMu.Unlock()

	c.logger.Info("load submitted",
		zap.String("path", path),
		zap.Stringer("task", t.ID),
		zap.Stringer("worker", w))
	return t, nil
}

// LoadProgress polls the worker for the state of the load job of path. If
// this client submitted the job, its LoadTask is updated and its view
// returned.
func (c *Client) LoadProgress(ctx context.Context, path string) (LoadProgress, error) {
	if err := validatePath(path); err != nil {
		return LoadProgress{}, err
	}
	t := c.task(path)

	var w Worker
	if t != nil {
		w = t.Worker
	} else {
		var err error
		if w, err = c.primary(path); err != nil {
			return LoadProgress{}, fmt.Errorf("route %s: %w", path, err)
		}
	}

	p, err := withPermit(ctx, c, func() (worker.LoadProgress, error) {
		return c.transport.LoadProgress(ctx, w, path)
	})
	if err != nil {
		return LoadProgress{}, fmt.Errorf("load progress %s: %w", path, err)
	}
	state, err := ParseLoadState(p.JobState)
	if err != nil {
		return LoadProgress{}, fmt.Errorf("load progress %s: %w", path, err)
	}

	if t == nil {
		return LoadProgress{State: state, Percentage: p.Percentage}, nil
	}
	prev := t.State()
	view := t.observe(state, p.Percentage, p.JobState)
	if view.State != prev {
		c.logger.Info("load state changed",
			zap.String("path", path),
			zap.Stringer("task", t.ID),
			zap.Stringer("from", prev),
			zap.Stringer("to", view.State))
	}
	return view, nil
}

// StopLoad asks the worker to cancel the load job of path. Stopping a job
// this client already saw finish is a no-op that reports success.
func (c *Client) StopLoad(ctx context.Context, path string) (bool, error) {
	if err := validatePath(path); err != nil {
		return false, err
	}
	t := c.task(path)
	if t != nil && t.State().Terminal() {
		return true, nil
	}

	var w Worker
	if t != nil {
		w = t.Worker
	} else {
		var err error
		if w, err = c.primary(path); err != nil {
			return false, fmt.Errorf("route %s: %w", path, err)
		}
	}

	ok, err := withPermit(ctx, c, func() (bool, error) {
		return c.transport.StopLoad(ctx, w, path)
	})
	if err != nil {
		return false, fmt.Errorf("stop load %s: %w", path, err)
	}
	c.logger.Info("load stop requested", zap.String("path", path), zap.Bool("accepted", ok))
	return ok, nil
}

// LoadAndWait submits a load job and polls it every pollInterval until it
// finishes. It returns nil on success and an error wrapping ErrLoadFailed or
// ErrLoadStopped otherwise. Only ctx bounds the wait.
func (c *Client) LoadAndWait(ctx context.Context, path string, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = DefaultLoadPollInterval
	}
	t, err := c.Load(ctx, path)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		p, err := c.LoadProgress(ctx, path)
		if err != nil {
			return err
		}
		switch p.State {
		case LoadSucceeded:
			return nil
		case LoadFailed, LoadStopped:
			if err := t.Err(); err != nil {
				return err
			}
			// t was replaced by a newer submission for the same path.
			return terminalError(path, p.State)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
