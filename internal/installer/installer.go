package installer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"Conductor/internal/github"
	"Conductor/internal/layout"
	"Conductor/internal/metrics"
)

// Config holds configuration for creating an Installer.
type Config struct {
	Layout *layout.Layout

	// Platform selects the agent package, e.g. "osx-x64".
	Platform string

	// WebURL and Owner form the repository URL handed to the configure step.
	WebURL string
	Owner  string

	// ConfigCommand is the configure script inside an unpacked package.
	ConfigCommand string

	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// InstallRequest describes one slot installation.
type InstallRequest struct {
	Repo   string
	Name   string
	Labels []string
	Token  string
}

// Installer fetches the runner agent package once per run and turns it into
// configured slot installations.
type Installer struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	packagePath string
}

func New(cfg Config) *Installer {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	if cfg.ConfigCommand == "" {
		cfg.ConfigCommand = "config.sh"
	}
	if cfg.WebURL == "" {
		cfg.WebURL = "https://github.com"
	}
	cfg.WebURL = strings.TrimRight(cfg.WebURL, "/")

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Installer{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "installer"),
	}
}

// Prepare makes the package of the given release available in the downloads
// directory, downloading it unless a cached copy exists, and selects it for
// subsequent installs.
func (i *Installer) Prepare(ctx context.Context, release *github.Release) (string, error) {
	name := release.PackageName(i.cfg.Platform)
	dir := i.cfg.Layout.DownloadsDir()
	dest := filepath.Join(dir, name)

	if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() {
		i.logger.Info("using cached runner package", "path", dest)
		i.countFetch("cache")
		i.setPackage(dest)
		return dest, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create downloads dir: %w", err)
	}

	url := fmt.Sprintf("%s/actions/runner/releases/download/%s/%s", i.cfg.WebURL, release.Tag, name)
	if asset, ok := release.Asset(name); ok && asset.DownloadURL != "" {
		url = asset.DownloadURL
	}

	i.logger.Info("downloading runner package", "version", release.Version, "platform", i.cfg.Platform, "url", url)

	if err := i.download(ctx, url, dest); err != nil {
		return "", err
	}

	i.countFetch("download")
	i.logger.Info("download complete", "path", dest)
	i.setPackage(dest)
	return dest, nil
}

func (i *Installer) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("runner package %s not found for platform %s", filepath.Base(dest), i.cfg.Platform)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned HTTP %d", resp.StatusCode)
	}

	// Write to temp file then rename atomically
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write package: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename package: %w", err)
	}
	return nil
}

// PackagePath returns the package selected by Prepare, or "" before it ran.
func (i *Installer) PackagePath() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.packagePath
}

func (i *Installer) setPackage(path string) {
	i.mu.Lock()
	i.packagePath = path
	i.mu.Unlock()
}

// Install creates the slot directory, unpacks the agent package into it and
// registers it with the configure step. The directory must not exist yet;
// a stray non-directory entry at that path is removed first.
func (i *Installer) Install(ctx context.Context, req InstallRequest) error {
	pkg := i.PackagePath()
	if pkg == "" {
		return fmt.Errorf("install %s/%s: no runner package prepared", req.Repo, req.Name)
	}

	start := time.Now()
	defer func() {
		if i.cfg.Metrics != nil {
			i.cfg.Metrics.InstallDuration.Observe(time.Since(start).Seconds())
		}
	}()

	dir := i.cfg.Layout.RunnerDir(req.Repo, req.Name)
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return fmt.Errorf("create runners dir: %w", err)
	}
	if info, err := os.Lstat(dir); err == nil && !info.IsDir() {
		i.logger.Warn("removing non-directory entry in runner slot", "repo", req.Repo, "runner", req.Name, "path", dir, "mode", info.Mode().String())
		if err := os.Remove(dir); err != nil {
			return fmt.Errorf("remove stray entry %s: %w", dir, err)
		}
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return fmt.Errorf("create runner dir: %w", err)
	}

	i.logger.Info("unpacking runner package", "repo", req.Repo, "runner", req.Name, "path", dir)
	if err := Unpack(pkg, dir); err != nil {
		return fmt.Errorf("unpack into %s: %w", dir, err)
	}

	return i.configure(ctx, req, dir)
}

func (i *Installer) configure(ctx context.Context, req InstallRequest, dir string) error {
	if err := i.cfg.Layout.EnsureRepoLogDir(req.Repo); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	logPath := i.cfg.Layout.ConfigLog(req.Repo, req.Name)
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("open config log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, "./"+i.cfg.ConfigCommand,
		"--unattended",
		"--url", fmt.Sprintf("%s/%s/%s", i.cfg.WebURL, i.cfg.Owner, req.Repo),
		"--token", req.Token,
		"--name", req.Name,
		"--labels", strings.Join(req.Labels, ","),
		"--replace",
	)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	i.logger.Info("configuring runner", "repo", req.Repo, "runner", req.Name, "log", logPath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("configure %s/%s failed (see %s): %w", req.Repo, req.Name, logPath, err)
	}
	return nil
}

func (i *Installer) countFetch(source string) {
	if i.cfg.Metrics != nil {
		i.cfg.Metrics.PackageDownload.WithLabelValues(source).Inc()
	}
}
