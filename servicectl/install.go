package servicectl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/pkg/retry"
)

// Defaults of the install command.
const (
	DefaultGitRemote     = "ssh://git@git.xfel.eu:10022"
	DefaultBuildConfig   = "Release"
	PluginManifestFile   = "plugin.yaml"
	defaultOSReleaseFile = "/etc/os-release"
)

// Installation methods reported by Install.
const (
	MethodManifest = "manifest"
	MethodBinary   = "binary"
	MethodMake     = "make"
	MethodPip      = "pip"
	MethodNone     = "none"
)

// InstallOptions configures Install.
type InstallOptions struct {
	Device string
	Tag    string
	// Copy places build artifacts and plugin manifests into the plugin
	// directory.
	Copy      bool
	Force     bool
	NoClobber bool
	Config    string
	Jobs      int
	GitRemote string
	// Repository is the base URL of prebuilt binary packages. Empty
	// disables downloads.
	Repository string
}

// InstallResult describes a finished installation.
type InstallResult struct {
	Path    string
	Methods []string
	Skipped bool
}

// Installer fetches tagged device packages into $KARABO/installed.
type Installer struct {
	root      string
	runner    Runner
	client    *http.Client
	logger    *slog.Logger
	osRelease string
	retry     retry.Config
}

// NewInstaller creates an installer for the installation at root.
func NewInstaller(root string, runner Runner, logger *slog.Logger) *Installer {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		root:      root,
		runner:    runner,
		client:    http.DefaultClient,
		logger:    logger,
		osRelease: defaultOSReleaseFile,
		retry:     retry.DefaultConfig(),
	}
}

// ResolveProject returns the repository path of a package. Bare names live
// below /karaboDevices.
func ResolveProject(device string) string {
	switch {
	case strings.HasPrefix(device, "/"):
		return device
	case strings.Contains(device, "/"):
		return "/" + device
	}
	return "/karaboDevices/" + device
}

// ParseBool accepts the spellings used on the command line for the copy
// flag.
func ParseBool(s string) bool {
	switch strings.ToLower(s) {
	case "yes", "true", "t", "1":
		return true
	}
	return false
}

// PluginDir returns $KARABO/plugins.
func (in *Installer) PluginDir() string {
	return filepath.Join(in.root, "plugins")
}

// Install clones the package at the tag and installs it by the first
// applicable method: plugin manifest, prebuilt binary or make, pip.
func (in *Installer) Install(ctx context.Context, opts InstallOptions) (*InstallResult, error) {
	if opts.Device == "" || opts.Tag == "" {
		return nil, fmt.Errorf("%w: device and tag are required", ErrUsage)
	}
	if opts.Config == "" {
		opts.Config = DefaultBuildConfig
	}
	if opts.Jobs <= 0 {
		opts.Jobs = runtime.NumCPU()
	}
	if opts.GitRemote == "" {
		opts.GitRemote = DefaultGitRemote
	}

	name := filepath.Base(opts.Device)
	path := filepath.Join(in.root, "installed", name)
	res := &InstallResult{Path: path}

	if _, err := os.Stat(path); err == nil {
		proceed, err := in.clean(ctx, path, opts)
		if err != nil {
			return nil, err
		}
		if !proceed {
			res.Skipped = true
			return res, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, kerrors.WrapTransient(err, "Installer", "Install", "create installed directory")
	}
	in.logger.Info("Downloading package source", "device", opts.Device, "tag", opts.Tag)
	url := opts.GitRemote + ResolveProject(opts.Device) + ".git"
	if _, err := in.runner.Run(ctx, in.root, "git", "clone", url,
		"--depth", "1", "-b", opts.Tag, "--single-branch", path); err != nil {
		return nil, kerrors.WrapTransient(err, "Installer", "Install", "clone "+opts.Device)
	}
	if err := os.MkdirAll(in.PluginDir(), 0o755); err != nil {
		return nil, kerrors.WrapTransient(err, "Installer", "Install", "create plugin directory")
	}

	if exists(filepath.Join(path, PluginManifestFile)) {
		if opts.Copy {
			dst := filepath.Join(in.PluginDir(), name+".yaml")
			if err := copyFile(filepath.Join(path, PluginManifestFile), dst); err != nil {
				return nil, kerrors.WrapTransient(err, "Installer", "Install", "copy plugin manifest")
			}
		}
		res.Methods = append(res.Methods, MethodManifest)
	}

	switch {
	case exists(filepath.Join(path, "Makefile")):
		method, err := in.build(ctx, path, name, opts)
		if err != nil {
			return nil, err
		}
		res.Methods = append(res.Methods, method)
	case exists(filepath.Join(path, "setup.py")):
		if _, err := in.runner.Run(ctx, path, "pip", "install", "--no-deps", "--upgrade", "."); err != nil {
			return nil, kerrors.WrapTransient(err, "Installer", "Install", "pip install")
		}
		res.Methods = append(res.Methods, MethodPip)
	}

	if len(res.Methods) == 0 {
		in.logger.Warn("Package has no clear installation path", "device", opts.Device)
		res.Methods = append(res.Methods, MethodNone)
	}
	in.logger.Info("Installation succeeded", "device", opts.Device, "tag", opts.Tag, "methods", res.Methods)
	return res, nil
}

// clean decides what to do with an existing installation. It returns
// false when the requested tag is already installed.
func (in *Installer) clean(ctx context.Context, path string, opts InstallOptions) (bool, error) {
	out, err := in.runner.Run(ctx, path, "git", "tag", "--points-at", "HEAD")
	if err != nil {
		return false, kerrors.WrapTransient(err, "Installer", "Install", "read installed tag")
	}
	installed := strings.Fields(string(out))
	same := false
	for _, t := range installed {
		if t == opts.Tag {
			same = true
		}
	}
	switch {
	case same:
		in.logger.Info("Package already installed, skipping", "device", opts.Device, "tag", opts.Tag)
		return false, nil
	case opts.NoClobber || !opts.Force:
		current := "untagged"
		if len(installed) > 0 {
			current = installed[0]
		}
		return false, fmt.Errorf("%w: %s-%s already installed", ErrExists, opts.Device, current)
	}
	if err := os.RemoveAll(path); err != nil {
		return false, kerrors.WrapTransient(err, "Installer", "Install", "remove "+path)
	}
	return true, nil
}

// build installs a prebuilt binary when the repository has one and
// compiles otherwise.
func (in *Installer) build(ctx context.Context, path, name string, opts InstallOptions) (string, error) {
	pkg, err := in.download(ctx, path, name, opts)
	if err != nil {
		in.logger.Warn("Downloading binary failed", "device", name, "tag", opts.Tag, "error", err)
	}
	if pkg != "" {
		if _, err := in.runner.Run(ctx, path, "bash", pkg, "--prefix="+in.PluginDir()); err != nil {
			return "", kerrors.WrapTransient(err, "Installer", "Install", "install binary package")
		}
		return MethodBinary, nil
	}

	if _, err := in.runner.Run(ctx, path, "make", "CONF="+opts.Config, "-j"+strconv.Itoa(opts.Jobs)); err != nil {
		return "", kerrors.WrapTransient(err, "Installer", "Install", "compile "+name)
	}
	if opts.Copy {
		libs, _ := filepath.Glob(filepath.Join(path, "dist", opts.Config, "*", "*.so"))
		for _, lib := range libs {
			if err := copyFile(lib, filepath.Join(in.PluginDir(), filepath.Base(lib))); err != nil {
				return "", kerrors.WrapTransient(err, "Installer", "Install", "copy "+lib)
			}
		}
	}
	return MethodMake, nil
}

// BinaryName returns the file name of a prebuilt package:
// device-tag-karaboTag-dist-version-arch-config.sh.
func BinaryName(device, tag, karaboTag, dist, distVersion, arch, config string) string {
	return strings.Join([]string{device, tag, karaboTag, dist, distVersion, arch, config}, "-") + ".sh"
}

// download fetches the prebuilt package into the package directory. It
// returns an empty path when no repository is configured.
func (in *Installer) download(ctx context.Context, path, name string, opts InstallOptions) (string, error) {
	if opts.Repository == "" {
		return "", nil
	}
	version, err := os.ReadFile(filepath.Join(in.root, "VERSION"))
	if err != nil {
		return "", err
	}
	dist, distVersion := in.distribution()
	file := BinaryName(name, opts.Tag, strings.TrimSpace(string(version)), dist, distVersion, machine(), opts.Config)
	url := fmt.Sprintf("%s/%s/tags/%s/%s", strings.TrimRight(opts.Repository, "/"), name, opts.Tag, file)
	dest := filepath.Join(path, file)

	err = retry.Do(ctx, in.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.NonRetryable(err)
		}
		resp, err := in.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode >= 500:
			return fmt.Errorf("GET %s: %s", url, resp.Status)
		default:
			return retry.NonRetryable(fmt.Errorf("GET %s: %s", url, resp.Status))
		}
		f, err := os.Create(dest)
		if err != nil {
			return retry.NonRetryable(err)
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		_ = os.Remove(dest)
		return "", err
	}
	return dest, nil
}

// distribution reads the distribution name and major version from
// os-release.
func (in *Installer) distribution() (string, string) {
	env, err := godotenv.Read(in.osRelease)
	if err != nil {
		return runtime.GOOS, "0"
	}
	name := strings.Fields(env["NAME"])
	dist := runtime.GOOS
	if len(name) > 0 {
		dist = name[0]
	}
	version, _, _ := strings.Cut(env["VERSION_ID"], ".")
	if version == "" {
		version = "0"
	}
	return dist, version
}

// machine returns the architecture as uname reports it.
func machine() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i686"
	}
	return runtime.GOARCH
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
