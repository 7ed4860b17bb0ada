package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/kornellio/gosv/internal/config"
	"github.com/kornellio/gosv/internal/engine"
)

// runCmd implements `gosv run -config <path>`: load the config, construct
// the engine, and block until shutdown.
type runCmd struct {
	configPath string
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run the supervisor with the given configuration" }
func (*runCmd) Usage() string {
	return "run -config <path.toml>\n  Start the supervisor and block until shutdown.\n"
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to TOML configuration file (required)")
}

func (c *runCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.configPath == "" {
		fmt.Fprintln(os.Stderr, "gosv run: -config is required")
		return subcommands.ExitUsageError
	}

	data, err := os.ReadFile(c.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gosv run: reading config: %v\n", err)
		return subcommands.ExitFailure
	}

	cfg, err := config.Load(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gosv run: config error: %v\n", err)
		return subcommands.ExitFailure
	}

	log := newLogger(cfg.Log)

	lockPath := c.configPath + ".lock"
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gosv run: pidfile lock %s: %v\n", lockPath, err)
		return subcommands.ExitFailure
	}
	if !locked {
		fmt.Fprintf(os.Stderr, "gosv run: another supervisor instance already holds %s\n", lockPath)
		return subcommands.ExitFailure
	}
	defer fl.Unlock()

	if cfg.Umask != "" {
		applyGlobalUmask(cfg.Umask)
	}

	eng, err := engine.New(cfg, log.WithField("component", "engine"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "gosv run: %v\n", err)
		return subcommands.ExitFailure
	}

	if err := eng.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "gosv run: %v\n", err)
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

// newLogger builds the logging sink: logrus, text formatted, level driven
// by config, forced to debug when SV_DEBUG is set.
func newLogger(lc config.LogConfig) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level := logrus.InfoLevel
	if lc.Level != "" {
		if l, err := logrus.ParseLevel(lc.Level); err == nil {
			level = l
		}
	}
	if os.Getenv("SV_DEBUG") != "" {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)

	if lc.File != "" {
		if f, err := os.OpenFile(filepath.Clean(lc.File), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			log.SetOutput(f)
		} else {
			log.WithError(err).Warn("could not open log file, logging to stderr")
		}
	}

	return log
}
