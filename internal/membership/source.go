package membership

import (
	"context"
	"errors"

	"pagecache/internal/ring"
)

// ErrEmptySnapshot is returned when a source reports no workers.
var ErrEmptySnapshot = errors.New("membership snapshot contains no workers")

// Snapshot is the set of workers known at one point in time, sorted and
// without duplicates.
type Snapshot struct {
	Workers []ring.Worker
}

// NewSnapshot returns the snapshot of the distinct workers in ws.
func NewSnapshot(ws []ring.Worker) Snapshot {
	return Snapshot{Workers: ring.Distinct(ws)}
}

// Len returns the number of workers.
func (s Snapshot) Len() int {
	return len(s.Workers)
}

// Equal reports whether s and o hold the same workers. Both must come from
// NewSnapshot.
func (s Snapshot) Equal(o Snapshot) bool {
	if len(s.Workers) != len(o.Workers) {
		return false
	}
	for i := range s.Workers {
		if s.Workers[i] != o.Workers[i] {
			return false
		}
	}
	return true
}

// Diff returns the workers of s missing from prev and the workers of prev
// missing from s.
func (s Snapshot) Diff(prev Snapshot) (added, removed []ring.Worker) {
	in := func(ws []ring.Worker, w ring.Worker) bool {
		for _, x := range ws {
			if x == w {
				return true
			}
		}
		return false
	}
	for _, w := range s.Workers {
		if !in(prev.Workers, w) {
			added = append(added, w)
		}
	}
	for _, w := range prev.Workers {
		if !in(s.Workers, w) {
			removed = append(removed, w)
		}
	}
	return added, removed
}

// Source produces membership snapshots.
type Source interface {
	// Snapshot returns the current worker set.
	Snapshot(ctx context.Context) (Snapshot, error)
	// Dynamic reports whether the worker set can change and should be
	// polled.
	Dynamic() bool
}

// Static is a Source over a fixed list of workers.
type Static struct {
	snap Snapshot
}

// NewStatic returns a Source that always reports workers.
func NewStatic(workers []ring.Worker) *Static {
	return &Static{snap: NewSnapshot(workers)}
}

// Snapshot returns the fixed worker set.
func (s *Static) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if s.snap.Len() == 0 {
		return Snapshot{}, ErrEmptySnapshot
	}
	return Snapshot{Workers: append([]ring.Worker(nil), s.snap.Workers...)}, nil
}

// Dynamic returns false.
func (s *Static) Dynamic() bool { return false }
