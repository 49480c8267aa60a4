package pagecache

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pagecache/internal/page"
)

// WritePage stores data as page pageIndex of path on the page's primary
// worker. Writes are not retried on other candidates; replication is left
// to the workers.
func (c *Client) WritePage(ctx context.Context, path string, pageIndex int64, data []byte) (bool, error) {
	if err := validatePath(path); err != nil {
		return false, err
	}
	if pageIndex < 0 {
		return false, fmt.Errorf("write %s: negative page index %d", path, pageIndex)
	}
	if int64(len(data)) > c.pageSize {
		return false, fmt.Errorf("write page %d of %s: %d bytes exceeds page size %d", pageIndex, path, len(data), c.pageSize)
	}

	candidates, err := c.members.Candidates(c.routeKey(path, pageIndex), 1)
	if err != nil {
		return false, fmt.Errorf("route page %d of %s: %w", pageIndex, path, err)
	}
	w := candidates[0]

	key := page.KeyOf(path, pageIndex)
	_, err = withPermit(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.transport.PutPage(ctx, w, key, data)
	})
	if err != nil {
		return false, fmt.Errorf("write page %d of %s: %w", pageIndex, path, err)
	}

	c.logger.Debug("page written",
		zap.String("path", path),
		zap.Int64("page", pageIndex),
		zap.Stringer("worker", w),
		zap.Int("bytes", len(data)))
	return true, nil
}

// Write splits data into pages and writes them concurrently. It fails on the
// first page that cannot be written; pages already written stay cached.
func (c *Client) Write(ctx context.Context, path string, data []byte) error {
	if err := validatePath(path); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, p := range page.Split(data, c.pageSize) {
		idx, p := int64(i), p
		g.Go(func() error {
			_, err := c.WritePage(gctx, path, idx, p)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}

	c.logger.Info("file written",
		zap.String("path", path),
		zap.Int("bytes", len(data)),
		zap.Int64("pages", page.Count(int64(len(data)), c.pageSize)))
	return nil
}
