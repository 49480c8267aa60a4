package worker

import (
	"context"
	"errors"
	"fmt"

	"pagecache/internal/page"
	"pagecache/internal/ring"
)

// ErrPageNotFound is returned when a worker does not hold the requested
// page.
var ErrPageNotFound = errors.New("page not present on worker")

// StatusError is a non-2xx response other than a missing page.
type StatusError struct {
	Worker     ring.Worker
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s on worker %s: HTTP %d", e.Op, e.Worker, e.StatusCode)
	}
	return fmt.Sprintf("%s on worker %s: HTTP %d: %s", e.Op, e.Worker, e.StatusCode, e.Body)
}

// FileStatus describes a file or directory as reported by a worker.
type FileStatus struct {
	Type                   string `json:"mType"`
	Name                   string `json:"mName"`
	Path                   string `json:"mPath"`
	UfsPath                string `json:"mUfsPath"`
	LastModificationTimeMs int64  `json:"mLastModificationTimeMs"`
	HumanReadableFileSize  string `json:"mHumanReadableFileSize"`
	Length                 int64  `json:"mLength"`
}

// IsDir reports whether s is a directory.
func (s FileStatus) IsDir() bool {
	return s.Type == "directory"
}

// LoadProgress is the server-reported state of a load job.
type LoadProgress struct {
	JobState   string  `json:"jobState"`
	Percentage float64 `json:"progressPercentage"`
}

// Load operation types accepted by /v1/load.
const (
	OpSubmit   = "submit"
	OpProgress = "progress"
	OpStop     = "stop"
)

// Transport issues requests to a single worker.
type Transport interface {
	// GetPage reads length bytes at offset within the page. A negative
	// length reads the whole page.
	GetPage(ctx context.Context, w ring.Worker, key page.Key, offset, length int64) ([]byte, error)
	// PutPage stores data as the page.
	PutPage(ctx context.Context, w ring.Worker, key page.Key, data []byte) error
	// SubmitLoad starts a load job for path and reports whether the worker
	// accepted it.
	SubmitLoad(ctx context.Context, w ring.Worker, path string) (bool, error)
	// LoadProgress polls the load job of path.
	LoadProgress(ctx context.Context, w ring.Worker, path string) (LoadProgress, error)
	// StopLoad asks the worker to cancel the load job of path.
	StopLoad(ctx context.Context, w ring.Worker, path string) (bool, error)
	// FileStatus returns the status of path.
	FileStatus(ctx context.Context, w ring.Worker, path string) (FileStatus, error)
	// ListDir returns the entries of directory path.
	ListDir(ctx context.Context, w ring.Worker, path string) ([]FileStatus, error)
}
