// Package main implements karabo-deviceserver, the process hosting Karabo
// devices of the compiled-in classes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"

	"github.com/European-XFEL/Karabo-sub011/classregistry"
	"github.com/European-XFEL/Karabo-sub011/config"
	"github.com/European-XFEL/Karabo-sub011/device"
	"github.com/European-XFEL/Karabo-sub011/runtime"
)

// Build information constants
const (
	Version   = "2.20.0"
	BuildTime = "dev"
	appName   = "karabo-deviceserver"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := goruntime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		slog.Error("Device server failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cli, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		printHelp(fs)
		return nil
	}

	serverArgs, err := parseServerArgs(cli.Args)
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	cfg, err := loadConfig(cli, serverArgs)
	if err != nil {
		return err
	}
	if cli.Validate {
		fmt.Println("Configuration is valid")
		return nil
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format, cfg.Server.ServerID)
	slog.SetDefault(logger)
	logger.Info("Starting device server", "version", Version, "build_time", BuildTime,
		"config_path", cli.ConfigPath, "topic", cfg.Karabo.Topic)

	rt, err := runtime.New(cfg, runtime.WithLogger(logger))
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := serve(ctx, rt, serverArgs)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
	defer cancel()
	closeErr := rt.Close(shutdownCtx)
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		return fmt.Errorf("shutdown: %w", closeErr)
	}
	logger.Info("Device server stopped")
	return nil
}

// serve runs the server until it is killed remotely or ctx ends.
func serve(ctx context.Context, rt *runtime.Runtime, sa *ServerArgs) error {
	cfg := rt.Config()
	b, err := rt.Connect(ctx, cfg.Server.ServerID)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	registry := device.NewRegistry()
	if err := classregistry.Register(registry, classregistry.Deps{NATS: runtime.NATS(b)}); err != nil {
		return fmt.Errorf("register device classes: %w", err)
	}

	sc := rt.ServerConfig()
	sc.Init = sa.Init
	srv, err := rt.NewServer(b, registry, sc)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if _, err := rt.ServeMetrics(); err != nil {
		return fmt.Errorf("start metrics: %w", err)
	}
	return srv.Run(ctx)
}

func loadConfig(cli *CLIConfig, sa *ServerArgs) (*config.Config, error) {
	l := config.NewLoader()
	if cli.ConfigPath != "" {
		l.AddLayer(cli.ConfigPath)
	}
	if cli.EnvFile != "" {
		l.SetEnvFile(cli.EnvFile)
	}
	cfg, err := l.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	sa.apply(cfg, cli)
	if cfg.Server.ServerID == "" {
		cfg.Server.ServerID = defaultServerID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
