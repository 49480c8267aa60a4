package pagecache

import (
	"go.uber.org/zap"

	"pagecache/internal/membership"
	"pagecache/internal/worker"
)

// Option customizes a Client.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	transport worker.Transport
	source    membership.Source
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTransport replaces the HTTP transport used to reach workers.
func WithTransport(t worker.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithSource replaces the worker source built from the configuration. The
// membership section of the configuration is then ignored apart from the
// refresh interval.
func WithSource(s membership.Source) Option {
	return func(o *options) { o.source = s }
}
