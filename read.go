package pagecache

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pagecache/internal/fallback"
	"pagecache/internal/page"
	"pagecache/internal/ring"
)

// ReadRange reads length bytes of path starting at offset. A negative length
// reads to the end of the file.
//
// Pages are fetched concurrently and reassembled in order. If any page cannot
// be served by any of its candidate workers the whole call fails with a
// *PageUnavailableError and no data. A page shorter than requested fails the
// call with an error wrapping io.ErrUnexpectedEOF.
func (c *Client) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, fmt.Errorf("read %s: negative offset %d", path, offset)
	}
	if length < 0 {
		st, err := c.GetFileStatus(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		length = st.Length - offset
		if length < 0 {
			return nil, fmt.Errorf("read %s: offset %d beyond file length %d: %w", path, offset, st.Length, io.EOF)
		}
	}

	accesses, err := page.Translate(offset, length, c.pageSize)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(accesses) == 0 {
		return []byte{}, nil
	}

	buf := make([]byte, length)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, a := range accesses {
		a := a
		dst := buf[a.FileOffset(c.pageSize)-offset:][:a.Length]
		g.Go(func() error {
			return c.fetchPage(gctx, path, a, dst)
		})
	}

	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return buf, nil
}

// Read reads the whole of path.
func (c *Client) Read(ctx context.Context, path string) ([]byte, error) {
	return c.ReadRange(ctx, path, 0, -1)
}

// fetchPage reads one page access into dst, trying each candidate in turn.
func (c *Client) fetchPage(ctx context.Context, path string, a page.Access, dst []byte) error {
	key := page.KeyOf(path, a.Index)
	candidates, err := c.members.Candidates(c.routeKey(path, a.Index), 1+c.replicas)
	if err != nil {
		return fmt.Errorf("route page %d of %s: %w", a.Index, path, err)
	}

	offset, length := a.Offset, a.Length
	if a.Full(c.pageSize) {
		length = -1
	}

	res, err := fallback.First(ctx, candidates, func(ctx context.Context, w ring.Worker) ([]byte, error) {
		data, err := withPermit(ctx, c, func() ([]byte, error) {
			return c.transport.GetPage(ctx, w, key, offset, length)
		})
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("page fetch failed, trying next candidate",
				zap.String("path", path),
				zap.Int64("page", a.Index),
				zap.Stringer("worker", w),
				zap.Error(err))
		}
		return data, err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, fallback.ErrExhausted) {
			return &PageUnavailableError{Path: path, PageIndex: a.Index, Attempts: len(candidates), Err: err}
		}
		return fmt.Errorf("read page %d of %s: %w", a.Index, path, err)
	}

	if int64(len(res.Value)) < a.Length {
		return fmt.Errorf("read page %d of %s from worker %s: got %d of %d bytes: %w",
			a.Index, path, res.Worker, len(res.Value), a.Length, io.ErrUnexpectedEOF)
	}
	copy(dst, res.Value)

	c.logger.Debug("page fetched",
		zap.String("path", path),
		zap.Int64("page", a.Index),
		zap.Stringer("worker", res.Worker),
		zap.Int("attempts", res.Attempts))
	return nil
}
