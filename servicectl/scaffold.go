package servicectl

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
)

// APIs a device package can be scaffolded for.
var APIs = []string{"cpp", "python", "middlelayer"}

// Template placeholders replaced in file names and contents.
const (
	PlaceholderPackage  = "__PACKAGE_NAME__"
	PlaceholderClass    = "__CLASS_NAME__"
	PlaceholderEmail    = "__EMAIL__"
	PlaceholderTemplate = "__TEMPLATE_ID__"
)

// Runner executes external tools such as git and make.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct{}

// Run executes name in dir and returns its combined output.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// NewOptions configures Scaffold.
type NewOptions struct {
	Device   string
	API      string
	Template string
	Force    bool
	Email    string
	// GitRemote is the repository base URL. When set the package is
	// initialised as a git repository with that origin.
	GitRemote string
}

// Scaffolder creates device packages below $KARABO/devices.
type Scaffolder struct {
	root   string
	runner Runner
}

// NewScaffolder creates a scaffolder for the installation at root.
func NewScaffolder(root string, runner Runner) *Scaffolder {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Scaffolder{root: root, runner: runner}
}

// ClassName derives the device class from the package name by upper-casing
// its first letter.
func ClassName(device string) string {
	r, n := utf8.DecodeRuneInString(device)
	if n == 0 {
		return ""
	}
	return string(unicode.ToUpper(r)) + device[n:]
}

// Scaffold copies the template set into a new package and returns its path.
func (s *Scaffolder) Scaffold(ctx context.Context, opts NewOptions) (string, error) {
	api := strings.ToLower(opts.API)
	if !slices.Contains(APIs, api) {
		return "", fmt.Errorf("%w: %q, expected one of %s", ErrUnknownType, opts.API, strings.Join(APIs, "|"))
	}
	if opts.Device == "" || strings.ContainsAny(opts.Device, `/\ `) {
		return "", fmt.Errorf("%w: invalid device name %q", ErrUsage, opts.Device)
	}
	template := opts.Template
	if template == "" {
		template = "minimal"
	}

	dest := filepath.Join(s.root, "devices", opts.Device)
	if _, err := os.Stat(dest); err == nil {
		if !opts.Force {
			return "", fmt.Errorf("%w: device %s already exists", ErrExists, opts.Device)
		}
		if err := os.RemoveAll(dest); err != nil {
			return "", kerrors.WrapTransient(err, "Scaffolder", "Scaffold", "remove "+dest)
		}
	}

	src := filepath.Join(s.root, "templates", api, template)
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		avail, _ := s.templateSets(api)
		return "", fmt.Errorf("%w: template set %q not available for API %q, available: %s",
			ErrUsage, template, api, strings.Join(avail, ", "))
	}

	email := opts.Email
	if email == "" {
		email = os.Getenv("USER")
	}
	if email == "" {
		email = "Unknown"
	}
	repl := strings.NewReplacer(
		PlaceholderPackage, opts.Device,
		PlaceholderClass, ClassName(opts.Device),
		PlaceholderEmail, email,
		PlaceholderTemplate, template+" "+api,
	)
	if err := copyTemplate(src, dest, repl); err != nil {
		_ = os.RemoveAll(dest)
		return "", kerrors.WrapTransient(err, "Scaffolder", "Scaffold", "copy template")
	}

	if opts.GitRemote != "" {
		remote := fmt.Sprintf("%s/karaboDevices/%s.git", strings.TrimRight(opts.GitRemote, "/"), opts.Device)
		steps := [][]string{
			{"init"},
			{"remote", "add", "origin", remote},
			{"add", "."},
			{"commit", "-m", "Initial commit"},
		}
		for _, args := range steps {
			if _, err := s.runner.Run(ctx, dest, "git", args...); err != nil {
				return dest, kerrors.WrapTransient(err, "Scaffolder", "Scaffold", "initialise repository")
			}
		}
	}
	return dest, nil
}

func (s *Scaffolder) templateSets(api string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "templates", api))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, fmt.Sprintf("%q", e.Name()))
		}
	}
	return out, nil
}

// copyTemplate copies src to dest, substituting placeholders in names and
// contents and keeping file modes.
func copyTemplate(src, dest string, repl *strings.Replacer) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, repl.Replace(rel))
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, []byte(repl.Replace(string(data))), info.Mode().Perm())
	})
}
