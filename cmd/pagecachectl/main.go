// Command pagecachectl reads, writes and loads files through a cluster of
// page cache workers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/maruel/subcommands"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pagecache"
	"pagecache/internal/config"
)

var application = &subcommands.DefaultApplication{
	Name:  "pagecachectl",
	Title: "Client for a distributed page cache.",
	Commands: []*subcommands.Command{
		subcommands.CmdHelp,

		cmdRead,
		cmdWrite,
		cmdStat,
		cmdList,

		cmdLoad,
		cmdProgress,
		cmdStop,

		cmdStatus,
		cmdRing,
	},
}

func main() {
	os.Exit(subcommands.Run(application, nil))
}

// commonFlags are shared by every command that talks to the cluster.
type commonFlags struct {
	subcommands.CommandRunBase

	configPath string
	workers    string
	pageSize   string
	verbose    bool
}

func (c *commonFlags) registerFlags() {
	c.Flags.StringVar(&c.configPath, "config", "", "Path to a YAML configuration file.")
	c.Flags.StringVar(&c.workers, "workers", "", "Comma separated host[:port] list. Overrides the configured membership.")
	c.Flags.StringVar(&c.pageSize, "page-size", "", "Page size, e.g. 1MiB. Overrides the configured size.")
	c.Flags.BoolVar(&c.verbose, "v", false, "Log at debug level.")
}

// loadConfig builds the configuration from the config file and flag
// overrides.
func (c *commonFlags) loadConfig() (pagecache.Config, error) {
	cfg := pagecache.DefaultConfig()
	if c.configPath != "" {
		var err error
		if cfg, err = pagecache.LoadConfig(c.configPath); err != nil {
			return cfg, err
		}
	}
	if c.workers != "" {
		cfg.Membership.Mode = config.ModeStatic
		cfg.Membership.Workers = strings.Split(c.workers, ",")
	}
	if c.pageSize != "" {
		size, err := config.ParseSize(c.pageSize)
		if err != nil {
			return cfg, fmt.Errorf("-page-size: %w", err)
		}
		cfg.Page.Size = size
	}
	return cfg, nil
}

func (c *commonFlags) newLogger(cfg pagecache.Config) (*zap.Logger, error) {
	if c.verbose {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// run connects a client and calls fn with it. Errors are printed to the
// application's error stream and turned into exit codes.
func (c *commonFlags) run(a subcommands.Application, fn func(ctx context.Context, client *pagecache.Client) error) int {
	cfg, err := c.loadConfig()
	if err != nil {
		fmt.Fprintf(a.GetErr(), "%s: %s\n", a.GetName(), err)
		return 1
	}
	logger, err := c.newLogger(cfg)
	if err != nil {
		fmt.Fprintf(a.GetErr(), "%s: failed to create logger: %s\n", a.GetName(), err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := pagecache.New(ctx, cfg, pagecache.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create client", zap.Error(err))
		return 1
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close client", zap.Error(err))
		}
	}()

	if err := fn(ctx, client); err != nil {
		fmt.Fprintf(a.GetErr(), "%s: %s\n", a.GetName(), err)
		return 1
	}
	return 0
}

// onePath checks that args is a single path.
func onePath(a subcommands.Application, args []string) (string, bool) {
	if len(args) != 1 {
		fmt.Fprintf(a.GetErr(), "%s: expected exactly one path, got %d arguments\n", a.GetName(), len(args))
		return "", false
	}
	return args[0], true
}
