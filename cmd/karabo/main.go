// Package main implements the karabo operator tool: device package
// scaffolding and installation, and control of the supervised device
// servers of an installation.
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
	goruntime "runtime"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/European-XFEL/Karabo-sub011/config"
	"github.com/European-XFEL/Karabo-sub011/runtime"
	"github.com/European-XFEL/Karabo-sub011/servicectl"
)

// Build information constants
const (
	Version = "2.20.0"
	appName = "karabo"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := goruntime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(servicectl.ExitFailure)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// app carries what the subcommands share.
type app struct {
	root   string
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
	runner servicectl.Runner
}

// globals are the options given before the subcommand.
type globals struct {
	ConfigPath  string
	BuildConfig string
	Git         string
	Repo        string
	Jobs        int
	LogLevel    string
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var g globals
	fs.StringVar(&g.ConfigPath, "config", os.Getenv("KARABO_CONFIG"), "Path to configuration file (env: KARABO_CONFIG)")
	fs.StringVar(&g.BuildConfig, "build", servicectl.DefaultBuildConfig, "Build configuration {Debug|Release|Simulation}")
	fs.StringVar(&g.Git, "git", servicectl.DefaultGitRemote, "URL to the git repository")
	fs.StringVar(&g.Repo, "repo", "", "URL to the binary repository")
	fs.IntVar(&g.Jobs, "jobs", goruntime.NumCPU(), "Number of make jobs to run simultaneously")
	fs.StringVar(&g.LogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return servicectl.ExitOK
		}
		return servicectl.ExitUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		usage(fs)
		return servicectl.ExitUsage
	}
	switch g.BuildConfig {
	case "Debug", "Release", "Simulation":
	default:
		_, _ = fmt.Fprintf(stderr, "invalid build configuration %q\n", g.BuildConfig)
		return servicectl.ExitUsage
	}

	a, err := newApp(g, stdout, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return servicectl.ExitFailure
	}

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "new":
		err = a.newDevice(ctx, g, cmdArgs)
	case "install":
		err = a.install(ctx, g, cmdArgs)
	case "start", "stop":
		err = a.control(cmd, cmdArgs)
	case "check":
		err = a.check(cmdArgs)
	case "help":
		usage(fs)
		return servicectl.ExitOK
	case "version":
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return servicectl.ExitOK
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		usage(fs)
		return servicectl.ExitUsage
	}
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		_, _ = fmt.Fprintln(stderr, err)
	}
	if errors.Is(err, flag.ErrHelp) {
		return servicectl.ExitUsage
	}
	return servicectl.ExitCode(err)
}

func newApp(g globals, stdout, stderr io.Writer) (*app, error) {
	l := config.NewLoader()
	if g.ConfigPath != "" {
		l.AddLayer(g.ConfigPath)
	}
	cfg, err := l.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireRoot(); err != nil {
		return nil, fmt.Errorf("$KARABO is not defined. Make sure you have sourced the activate script: %w", err)
	}
	return &app{
		root:   cfg.Karabo.Root,
		stdout: stdout,
		stderr: stderr,
		logger: runtime.NewLogger(stderr, g.LogLevel, "text", "service", appName),
		runner: servicectl.ExecRunner{},
	}, nil
}

func (a *app) subcommand(name, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(appName+" "+name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(a.stderr, "Usage: %s %s %s\n", appName, name, args)
		fs.PrintDefaults()
	}
	return fs
}

// parseInterspersed parses flags that may follow the positional arguments.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func (a *app) newDevice(ctx context.Context, g globals, args []string) error {
	fs := a.subcommand("new", "<device> {cpp|python|middlelayer} [-f] [-t template]")
	force := fs.Bool("f", false, "Force creation of device, may override existing")
	template := fs.String("t", "minimal", "Template set used for scaffolding")
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 2 {
		fs.Usage()
		return fmt.Errorf("%w: new expects <device> <api>", servicectl.ErrUsage)
	}
	path, err := servicectl.NewScaffolder(a.root, a.runner).Scaffold(ctx, servicectl.NewOptions{
		Device:    pos[0],
		API:       pos[1],
		Template:  *template,
		Force:     *force,
		GitRemote: g.Git,
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(a.stdout, "New device package was added to: %s\n", path)
	_, _ = fmt.Fprintln(a.stdout, `Use: "git push -u origin master" if you want start versioning remotely`)
	return nil
}

func (a *app) install(ctx context.Context, g globals, args []string) error {
	fs := a.subcommand("install", "<device> <tag> [-c True|False] [-f] [-n]")
	copyFlag := fs.String("c", "True", "Artifacts are copied into the plugins folder unless False")
	fs.StringVar(copyFlag, "copy", "True", "Same as -c")
	force := fs.Bool("f", false, "Force installation, may overwrite existing")
	noClobber := fs.Bool("n", false, "Do not overwrite an existing installation (overrides -f)")
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 2 {
		fs.Usage()
		return fmt.Errorf("%w: install expects <device> <tag>", servicectl.ErrUsage)
	}
	res, err := servicectl.NewInstaller(a.root, a.runner, a.logger).Install(ctx, servicectl.InstallOptions{
		Device:     pos[0],
		Tag:        pos[1],
		Copy:       servicectl.ParseBool(*copyFlag),
		Force:      *force,
		NoClobber:  *noClobber,
		Config:     g.BuildConfig,
		Jobs:       g.Jobs,
		GitRemote:  g.Git,
		Repository: g.Repo,
	})
	if err != nil {
		return err
	}
	if res.Skipped {
		_, _ = fmt.Fprintf(a.stdout, "%s-%s already installed: skipping\n", pos[0], pos[1])
		return nil
	}
	_, _ = fmt.Fprintf(a.stdout, "Installation succeeded (%s).\n", strings.Join(res.Methods, ", "))
	return nil
}

func (a *app) control(cmd string, ids []string) error {
	s := servicectl.NewSupervisor(a.root, a.logger)
	if cmd == "start" {
		return s.Start(ids...)
	}
	return s.Stop(ids...)
}

func (a *app) check(ids []string) error {
	statuses, err := servicectl.NewSupervisor(a.root, a.logger).Check(ids...)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SERVER\tSTATUS\tSINCE\tDURATION")
	var failed []string
	for _, st := range statuses {
		since := ""
		if st.Err == nil {
			since = st.Since.Format("Mon, 02 Jan 2006 15:04:05")
		} else {
			failed = append(failed, st.Service)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.Name, st.String(), since, st.Duration)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("cannot read status of %s", strings.Join(failed, ", "))
	}
	return nil
}

func usage(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(fs.Output(), `%s - Karabo utility script

Usage: %s [options] <command> [arguments]

Commands:
  new <device> {cpp|python|middlelayer} [-f] [-t template]
                            create a new device package from a template
  install <device> <tag> [-c True|False] [-f] [-n]
                            install a tagged device package
  start [serverId ...]      start supervised device servers (all by default)
  stop [serverId ...]       stop supervised device servers (all by default)
  check [serverId ...]      show the status of supervised device servers

Exit codes: 0 ok, 1 failure, 2 usage, 3 object exists, 4 unknown type.

Options:
`, appName, appName)
	fs.PrintDefaults()
}
