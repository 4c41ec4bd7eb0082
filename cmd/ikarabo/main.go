// Package main implements ikarabo, an interactive shell for inspecting and
// driving a running Karabo installation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/European-XFEL/Karabo-sub011/config"
	"github.com/European-XFEL/Karabo-sub011/runtime"
)

// Build information constants
const (
	Version = "2.20.0"
	appName = "ikarabo"
	prompt  = "ikarabo> "
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "ikarabo:", err)
		os.Exit(1)
	}
}

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	EnvFile     string
	LogLevel    string
	ClientID    string
	Timeout     time.Duration
	Discover    time.Duration
	ShowVersion bool

	// Command runs once instead of the interactive loop.
	Command string
}

func parseFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs.StringVar(&cfg.ConfigPath, "config", os.Getenv("KARABO_CONFIG"),
		"Path to configuration file (env: KARABO_CONFIG)")
	fs.StringVar(&cfg.EnvFile, "env-file", "",
		"Dotenv file read before the process environment (default $KARABO/var/environment.env)")
	fs.StringVar(&cfg.LogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.ClientID, "id", "", "Instance id of the shell (default <host>_<pid>)")
	fs.DurationVar(&cfg.Timeout, "timeout", 5*time.Second, "Request timeout")
	fs.DurationVar(&cfg.Discover, "discover", time.Second,
		"Time given to instance discovery before a one-shot command")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] [command args...]\n\nFlags:\n", appName)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Command = strings.Join(fs.Args(), " ")
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cli, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if cli.ShowVersion {
		fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}

	l := config.NewLoader()
	if cli.ConfigPath != "" {
		l.AddLayer(cli.ConfigPath)
	}
	if cli.EnvFile != "" {
		l.SetEnvFile(cli.EnvFile)
	}
	cfg, err := l.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := runtime.NewLogger(stderr, cli.LogLevel, "text", "service", appName)

	rt, err := runtime.New(cfg, runtime.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(closeCtx)
	}()

	sh, err := openShell(ctx, rt, cli.ClientID, stdout, cli.Timeout)
	if err != nil {
		return err
	}
	if cli.Command != "" {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cli.Discover):
		}
		if err := sh.Execute(ctx, cli.Command); err != nil && !errors.Is(err, errExit) {
			return err
		}
		return nil
	}
	return interactive(ctx, sh, logger)
}

// openShell joins the topic as a client and tracks the topology.
func openShell(ctx context.Context, rt *runtime.Runtime, id string, out io.Writer, timeout time.Duration) (*Shell, error) {
	b, err := rt.Connect(ctx, appName)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	ss, err := rt.NewClient(ctx, b, id)
	if err != nil {
		return nil, fmt.Errorf("start client: %w", err)
	}
	tracker, err := rt.NewTracker(ss)
	if err != nil {
		return nil, fmt.Errorf("track topology: %w", err)
	}
	go tracker.Run(ctx)
	return NewShell(ss, tracker, out, timeout), nil
}

type completer struct{ sh *Shell }

func (c completer) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])
	last := text
	if i := strings.LastIndexAny(text, " \t"); i >= 0 {
		last = text[i+1:]
	}
	var out [][]rune
	for _, cand := range c.sh.complete(text) {
		if strings.HasPrefix(cand, last) {
			out = append(out, []rune(cand[len(last):]+" "))
		}
	}
	return out, len(last)
}

func interactive(ctx context.Context, sh *Shell, logger *slog.Logger) error {
	rc := &readline.Config{
		Prompt:          prompt,
		AutoComplete:    completer{sh},
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	}
	if home, err := os.UserHomeDir(); err == nil {
		rc.HistoryFile = filepath.Join(home, ".ikarabo_history")
	}
	rl, err := readline.NewEx(rc)
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	sh.out = rl.Stdout()

	fmt.Fprintf(sh.out, "%s %s, type 'help' for commands\n", appName, Version)
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return nil
		}
		err = sh.Execute(ctx, line)
		if errors.Is(err, errExit) {
			return nil
		}
		if err != nil {
			logger.Debug("Command failed", "line", line, "error", err)
			fmt.Fprintln(rl.Stderr(), "error:", err)
		}
	}
}
