package pagecache

import (
	"context"
	"fmt"
)

// GetFileStatus returns the status of path from its primary worker.
func (c *Client) GetFileStatus(ctx context.Context, path string) (FileStatus, error) {
	if err := validatePath(path); err != nil {
		return FileStatus{}, err
	}
	w, err := c.primary(path)
	if err != nil {
		return FileStatus{}, fmt.Errorf("route %s: %w", path, err)
	}
	return withPermit(ctx, c, func() (FileStatus, error) {
		return c.transport.FileStatus(ctx, w, path)
	})
}

// ListDir lists the directory path using its primary worker.
func (c *Client) ListDir(ctx context.Context, path string) ([]FileStatus, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	w, err := c.primary(path)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", path, err)
	}
	return withPermit(ctx, c, func() ([]FileStatus, error) {
		return c.transport.ListDir(ctx, w, path)
	})
}
