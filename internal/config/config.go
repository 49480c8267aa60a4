// Package config loads and validates client configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"pagecache/internal/membership"
	"pagecache/internal/page"
	"pagecache/internal/ring"
)

// Membership modes.
const (
	ModeStatic  = "static"
	ModeDynamic = "dynamic"
)

// Routing keys.
const (
	RouteByPage = "page"
	RouteByPath = "path"
)

// Config holds the client configuration.
type Config struct {
	Membership Membership `yaml:"membership"`
	Ring       Ring       `yaml:"ring"`
	Page       Page       `yaml:"page"`
	Client     Client     `yaml:"client"`
	Log        Log        `yaml:"log"`
}

// Membership selects where the worker set comes from.
type Membership struct {
	Mode                   string `yaml:"mode"`
	RefreshIntervalSeconds int    `yaml:"refreshIntervalSeconds"`
	// Workers lists static workers as host or host:webPort.
	Workers []string `yaml:"workers"`
	Etcd    Etcd     `yaml:"etcd"`
}

// Etcd locates the worker registry.
type Etcd struct {
	Endpoints          []string `yaml:"endpoints"`
	Username           string   `yaml:"username"`
	Password           string   `yaml:"password"`
	ClusterName        string   `yaml:"clusterName"`
	DialTimeoutSeconds int      `yaml:"dialTimeoutSeconds"`
}

type Ring struct {
	VirtualNodesPerWorker int `yaml:"virtualNodesPerWorker"`
	// ReplicaCount is the number of fallback workers tried after the
	// primary.
	ReplicaCount int    `yaml:"replicaCount"`
	RouteBy      string `yaml:"routeBy"`
}

type Page struct {
	Size Size `yaml:"size"`
}

type Client struct {
	MaxConcurrentRequests int `yaml:"maxConcurrentRequests"`
	RequestTimeoutSeconds int `yaml:"requestTimeoutSeconds"`
}

type Log struct {
	Level string `yaml:"level"`
}

// Size is a byte count that decodes from an integer or a human readable
// string such as "1MiB" or "4MB".
type Size int64

// ParseSize parses a byte count.
func ParseSize(s string) (Size, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return Size(n), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := value.Decode(&str); err != nil {
		return fmt.Errorf("line %d: size must be a number or string", value.Line)
	}
	parsed, err := ParseSize(str)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = parsed
	return nil
}

// String formats s in IEC units.
func (s Size) String() string {
	if s < 0 {
		return strconv.FormatInt(int64(s), 10)
	}
	return humanize.IBytes(uint64(s))
}

// Default returns the configuration used for unset options.
func Default() Config {
	return Config{
		Membership: Membership{
			Mode:                   ModeStatic,
			RefreshIntervalSeconds: int(membership.DefaultRefreshInterval / time.Second),
			Etcd: Etcd{
				ClusterName:        membership.DefaultClusterName,
				DialTimeoutSeconds: 5,
			},
		},
		Ring: Ring{
			VirtualNodesPerWorker: ring.DefaultVirtualNodes,
			ReplicaCount:          1,
			RouteBy:               RouteByPage,
		},
		Page:   Page{Size: page.DefaultSize},
		Client: Client{MaxConcurrentRequests: 64, RequestTimeoutSeconds: 30},
		Log:    Log{Level: "info"},
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseWorkers parses a comma-separated list of workers in the format:
// "host1,host2:webPort,host3"
// Workers without a port use ring.DefaultWebPort.
func ParseWorkers(s string) ([]ring.Worker, error) {
	if strings.TrimSpace(s) == "" {
		return []ring.Worker{}, nil
	}
	return parseWorkerList(strings.Split(s, ","))
}

func parseWorkerList(items []string) ([]ring.Worker, error) {
	workers := make([]ring.Worker, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		w, err := parseWorker(item)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func parseWorker(s string) (ring.Worker, error) {
	w := ring.Worker{Host: s, DataPort: ring.DefaultDataPort, WebPort: ring.DefaultWebPort}
	if !strings.Contains(s, ":") {
		return w, nil
	}
	// A bare IPv6 address has no port; "[::1]:28080" goes through SplitHostPort.
	if ip := net.ParseIP(s); ip != nil {
		w.Host = ip.String()
		return w, nil
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return ring.Worker{}, fmt.Errorf("invalid worker %q (expected host or host:port): %w", s, err)
	}
	if host == "" {
		return ring.Worker{}, fmt.Errorf("worker host cannot be empty: %s", s)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return ring.Worker{}, fmt.Errorf("invalid worker port in %q", s)
	}
	w.Host = host
	w.WebPort = p
	return w, nil
}

// Workers returns the parsed static workers.
func (c *Config) Workers() ([]ring.Worker, error) {
	return parseWorkerList(c.Membership.Workers)
}

// RefreshInterval returns the dynamic membership poll interval.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Membership.RefreshIntervalSeconds) * time.Second
}

// RequestTimeout returns the per-request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Client.RequestTimeoutSeconds) * time.Second
}

// DialTimeout returns the etcd dial timeout.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Membership.Etcd.DialTimeoutSeconds) * time.Second
}

// Validate reports every problem in c. Use multierr.Errors to list them.
func (c *Config) Validate() error {
	return multierr.Append(c.validateMembership(), c.ValidateEngine())
}

// ValidateEngine checks everything but the membership section, for clients
// given their worker source directly.
func (c *Config) ValidateEngine() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if c.Ring.VirtualNodesPerWorker <= 0 {
		add("ring.virtualNodesPerWorker must be positive, got %d", c.Ring.VirtualNodesPerWorker)
	}
	if c.Ring.ReplicaCount < 0 {
		add("ring.replicaCount must not be negative, got %d", c.Ring.ReplicaCount)
	}
	if c.Ring.RouteBy != RouteByPage && c.Ring.RouteBy != RouteByPath {
		add("ring.routeBy must be %q or %q, got %q", RouteByPage, RouteByPath, c.Ring.RouteBy)
	}
	if c.Page.Size <= 0 {
		add("page.size must be positive, got %d", c.Page.Size)
	}
	if c.Client.MaxConcurrentRequests <= 0 {
		add("client.maxConcurrentRequests must be positive, got %d", c.Client.MaxConcurrentRequests)
	}
	if c.Client.RequestTimeoutSeconds <= 0 {
		add("client.requestTimeoutSeconds must be positive, got %d", c.Client.RequestTimeoutSeconds)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errs
}

func (c *Config) validateMembership() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	switch c.Membership.Mode {
	case ModeStatic:
		ws, err := c.Workers()
		switch {
		case err != nil:
			errs = multierr.Append(errs, err)
		case len(ws) == 0:
			add("membership.workers is required in static mode")
		}
	case ModeDynamic:
		if len(c.Membership.Etcd.Endpoints) == 0 {
			add("membership.etcd.endpoints is required in dynamic mode")
		}
		if c.Membership.RefreshIntervalSeconds <= 0 {
			add("membership.refreshIntervalSeconds must be positive, got %d", c.Membership.RefreshIntervalSeconds)
		}
		if c.Membership.Etcd.DialTimeoutSeconds <= 0 {
			add("membership.etcd.dialTimeoutSeconds must be positive, got %d", c.Membership.Etcd.DialTimeoutSeconds)
		}
	default:
		add("membership.mode must be %q or %q, got %q", ModeStatic, ModeDynamic, c.Membership.Mode)
	}
	if (c.Membership.Etcd.Username == "") != (c.Membership.Etcd.Password == "") {
		add("membership.etcd.username and membership.etcd.password must be set together")
	}
	return errs
}
