// pam-server serves the privileged access elevation API.
//
// Configuration comes from the environment (optionally seeded from
// --env-file); flags override the storage driver and the policy file.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/atlasconnect/pam/app"
	"github.com/atlasconnect/pam/config"
	"github.com/atlasconnect/pam/routes"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	envFiles   []string
	initSchema bool
	policyFile string
	storage    string
}

func parseFlags(args []string) (*options, error) {
	var opts options

	flagSet := pflag.NewFlagSet("pam-server", pflag.ContinueOnError)
	flagSet.StringArrayVar(&opts.envFiles, "env-file", nil, "load environment variables from this file (repeatable, default .env)")
	flagSet.BoolVar(&opts.initSchema, "init-schema", false, "create the PostgreSQL tables before serving")
	flagSet.StringVar(&opts.policyFile, "policy-file", "", "YAML policy used to seed the policy store (overrides PAM_POLICY_FILE)")
	flagSet.StringVar(&opts.storage, "storage", "", "storage driver: postgres or memory (overrides PAM_STORAGE)")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return &opts, nil
}

// run serves until ctx is cancelled, then shuts down gracefully
func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.New(ctx, opts.envFiles...)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.storage != "" {
		cfg.Storage = opts.storage
	}
	if opts.policyFile != "" {
		cfg.PAM.PolicyFile = opts.policyFile
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logger, err := initLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return err
	}

	deps, err := app.NewDependencies(ctx, cfg, logger, app.Options{
		InitSchema:   opts.initSchema,
		StartWorkers: true,
	})
	if err != nil {
		_ = logger.Sync()
		return err
	}

	srv := &http.Server{
		Handler:      routes.SetupRoutes(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	listener, err := net.Listen("tcp", cfg.Server.Address())
	if err != nil {
		_ = deps.Close(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Address(), err)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("pam server listening",
			zap.String("address", listener.Addr().String()),
			zap.String("environment", cfg.Environment),
			zap.String("storage", cfg.Storage),
			zap.Bool("tls", cfg.Server.TLS.Enabled))

		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ServeTLS(listener, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.Serve(listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serveErr:
		if runErr != nil {
			logger.Error("server error", zap.Error(runErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}
	if err := deps.Close(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// initLogger builds a zap logger at the given level. format is json or console.
func initLogger(level, format string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	parsed, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zcfg zap.Config
	switch strings.ToLower(format) {
	case "console", "text":
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "timestamp"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(parsed)

	return zcfg.Build(zap.Fields(zap.String("service", "pam-server")))
}
