package pagecache

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"pagecache/internal/config"
	"pagecache/internal/membership"
	"pagecache/internal/page"
	"pagecache/internal/ring"
	"pagecache/internal/worker"
)

type (
	// Config is the client configuration.
	Config = config.Config
	// Worker identifies a cache worker.
	Worker = ring.Worker
	// FileStatus describes a remote file or directory.
	FileStatus = worker.FileStatus
	// Transport issues requests to a single worker.
	Transport = worker.Transport
	// Source produces the current worker set.
	Source = membership.Source
	// MembershipStatus describes the state of the worker set.
	MembershipStatus = membership.Status
)

// DefaultConfig returns the default configuration. It has no workers.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// Recommended range for client.maxConcurrentRequests.
const (
	minRecommendedConcurrency = 10
	maxRecommendedConcurrency = 128
)

var pathScheme = regexp.MustCompile(`^[a-zA-Z0-9]+://`)

// Client reads and writes cached pages and drives load jobs. It is safe for
// concurrent use.
type Client struct {
	pageSize    int64
	replicas    int
	routeByPath bool
	concurrency int

	members   *membership.Manager
	transport worker.Transport
	// permits bounds every outbound worker request.
	permits *semaphore.Weighted
	logger  *zap.Logger

	loadsMu sync.Mutex
	loads   map[string]*LoadTask // path -> latest task

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// New creates a client and builds its first ring. With a static worker list
// New fails if the ring cannot be built; with a registry it succeeds and
// keeps polling, and requests fail with ErrMembershipUnavailable until the
// registry answers.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	validate := cfg.Validate
	if o.source != nil {
		validate = cfg.ValidateEngine
	}
	if err := validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		pageSize:    int64(cfg.Page.Size),
		replicas:    cfg.Ring.ReplicaCount,
		routeByPath: cfg.Ring.RouteBy == config.RouteByPath,
		concurrency: cfg.Client.MaxConcurrentRequests,
		transport:   o.transport,
		permits:     semaphore.NewWeighted(int64(cfg.Client.MaxConcurrentRequests)),
		logger:      o.logger,
		loads:       make(map[string]*LoadTask),
	}

	if c.concurrency < minRecommendedConcurrency || c.concurrency > maxRecommendedConcurrency {
		c.logger.Warn("client.maxConcurrentRequests outside recommended range",
			zap.Int("value", c.concurrency),
			zap.Int("min", minRecommendedConcurrency),
			zap.Int("max", maxRecommendedConcurrency))
	}

	source := o.source
	if source == nil {
		var err error
		source, err = c.sourceFromConfig(cfg)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	if c.transport == nil {
		tr := worker.NewHTTPTransport(worker.HTTPOptions{
			Timeout:         cfg.RequestTimeout(),
			MaxConnsPerHost: cfg.Client.MaxConcurrentRequests,
		})
		c.transport = tr
		c.closers = append(c.closers, func() error { tr.Close(); return nil })
	}

	c.members = membership.NewManager(source, membership.Options{
		VirtualNodes:    cfg.Ring.VirtualNodesPerWorker,
		RefreshInterval: cfg.RefreshInterval(),
		Logger:          c.logger.Named("membership"),
	})
	if err := c.members.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start membership: %w", err)
	}

	c.logger.Info("client started",
		zap.Bool("dynamic_membership", source.Dynamic()),
		zap.Stringer("page_size", cfg.Page.Size),
		zap.Int("replicas", c.replicas),
		zap.String("route_by", cfg.Ring.RouteBy),
		zap.Int("max_concurrent_requests", c.concurrency))
	return c, nil
}

func (c *Client) sourceFromConfig(cfg Config) (membership.Source, error) {
	if cfg.Membership.Mode == config.ModeStatic {
		ws, err := cfg.Workers()
		if err != nil {
			return nil, err
		}
		return membership.NewStatic(ws), nil
	}

	etcd := cfg.Membership.Etcd
	cli, err := membership.DialEtcd(membership.EtcdOptions{
		Endpoints:   etcd.Endpoints,
		Username:    etcd.Username,
		Password:    etcd.Password,
		DialTimeout: cfg.DialTimeout(),
	}, c.logger)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, cli.Close)
	return membership.NewEtcdSource(cli, membership.Prefix(etcd.ClusterName), c.logger.Named("registry")), nil
}

// Close stops background membership refreshes and releases connections.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.members != nil {
			c.members.Stop()
		}
		for i := len(c.closers) - 1; i >= 0; i-- {
			c.closeErr = multierr.Append(c.closeErr, c.closers[i]())
		}
		c.logger.Info("client closed")
	})
	return c.closeErr
}

// PageSize returns the page size fixed for the client's lifetime.
func (c *Client) PageSize() int64 {
	return c.pageSize
}

// MembershipStatus reports the state of the worker set.
func (c *Client) MembershipStatus() MembershipStatus {
	return c.members.Status()
}

// Workers returns the workers on the active ring.
func (c *Client) Workers() ([]Worker, error) {
	r, err := c.members.Ring()
	if err != nil {
		return nil, err
	}
	return r.Workers(), nil
}

// Locate returns the candidate workers for a page of path, primary first.
func (c *Client) Locate(path string, pageIndex int64) ([]Worker, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	return c.members.Candidates(c.routeKey(path, pageIndex), 1+c.replicas)
}

func validatePath(path string) error {
	if !pathScheme.MatchString(path) {
		return fmt.Errorf("%w: %q has no scheme (expected e.g. s3://bucket/key)", ErrInvalidPath, path)
	}
	return nil
}

// routeKey is the ring key of a page.
func (c *Client) routeKey(path string, pageIndex int64) string {
	if c.routeByPath {
		return path
	}
	return page.KeyOf(path, pageIndex).String()
}

// primary resolves the single worker responsible for path-level requests.
func (c *Client) primary(path string) (Worker, error) {
	r, err := c.members.Ring()
	if err != nil {
		return Worker{}, err
	}
	return r.Primary(path)
}

// withPermit runs fn holding one request permit.
func withPermit[T any](ctx context.Context, c *Client, fn func() (T, error)) (T, error) {
	if err := c.permits.Acquire(ctx, 1); err != nil {
		var zero T
		return zero, err
	}
	defer c.permits.Release(1)
	return fn()
}
