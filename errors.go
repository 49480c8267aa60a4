package pagecache

import (
	"errors"
	"fmt"

	"pagecache/internal/membership"
	"pagecache/internal/ring"
	"pagecache/internal/worker"
)

var (
	// ErrNoAvailableWorker is returned when the ring has no workers.
	ErrNoAvailableWorker = ring.ErrNoAvailableWorker
	// ErrMembershipUnavailable is returned before any worker set has been
	// fetched successfully.
	ErrMembershipUnavailable = membership.ErrMembershipUnavailable
	// ErrPageNotFound is a worker's answer for a page it does not hold.
	ErrPageNotFound = worker.ErrPageNotFound
	// ErrPageUnavailable is matched by every PageUnavailableError.
	ErrPageUnavailable = errors.New("page unavailable")
	// ErrLoadFailed reports a load job that ended in FAILED.
	ErrLoadFailed = errors.New("load failed")
	// ErrLoadStopped reports a load job that ended in STOPPED.
	ErrLoadStopped = errors.New("load stopped")
	// ErrInvalidPath is returned for paths without a scheme.
	ErrInvalidPath = errors.New("invalid path")
)

// PageUnavailableError reports a page that no candidate worker could serve.
type PageUnavailableError struct {
	Path      string
	PageIndex int64
	Attempts  int
	Err       error
}

func (e *PageUnavailableError) Error() string {
	return fmt.Sprintf("page %d of %s unavailable after %d attempts: %v", e.PageIndex, e.Path, e.Attempts, e.Err)
}

func (e *PageUnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPageUnavailable) true.
func (e *PageUnavailableError) Is(target error) bool {
	return target == ErrPageUnavailable
}
