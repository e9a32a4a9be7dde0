package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/nas-ai/shardvault/src/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const usage = `shardvault stores files as encrypted, shuffled chunks.

Usage:
  shardvault keygen [--out-dir DIR] [--bits N]
  shardvault put <file> [--name NAME]
  shardvault get <name> [--output-dir DIR]
  shardvault list
  shardvault purge <name>
  shardvault reconcile [--dry-run] [--grace 1h]
  shardvault serve

Run "shardvault <command> --help" for the flags of a command.
`

type command func(ctx context.Context, fs *pflag.FlagSet, args []string, stdout io.Writer) error

var commands = map[string]command{
	"keygen":    runKeygen,
	"put":       runPut,
	"get":       runGet,
	"list":      runList,
	"purge":     runPurge,
	"reconcile": runReconcile,
	"serve":     runServe,
}

var errUsage = errors.New("usage error")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != errUsage {
		fmt.Fprintln(os.Stderr, "shardvault:", err)
	}
	stop()
	os.Exit(1)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		if name == "help" || name == "-h" || name == "--help" {
			fmt.Fprint(stdout, usage)
			return nil
		}
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", name, usage)
		return errUsage
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	config.RegisterFlags(fs)
	return cmd(ctx, fs, args[1:], stdout)
}

// loadConfig parses args into fs and returns the merged configuration and logger.
func loadConfig(fs *pflag.FlagSet, args []string) (*config.Config, *logrus.Logger, error) {
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	cfg, err := config.LoadConfig(fs)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, newLogger(cfg, os.Stderr), nil
}

// newLogger builds the process logger. Production logs JSON, development text.
func newLogger(cfg *config.Config, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	if cfg.Environment == "production" || cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return logger
}
