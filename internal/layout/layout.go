package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Layout resolves the on-disk locations conductor owns under a single root.
//
//	downloads/<package>
//	runners/<repo>/<name>/
//	logs/<repo>/<name>.log
//	logs/<repo>/config-<name>.log
type Layout struct {
	root string
}

// New creates a Layout rooted at root.
func New(root string) *Layout {
	return &Layout{root: root}
}

func (l *Layout) Root() string {
	return l.root
}

// DownloadsDir returns the agent package cache directory.
func (l *Layout) DownloadsDir() string {
	return filepath.Join(l.root, "downloads")
}

// RepoRunnersDir returns the directory holding every installation of a repo.
func (l *Layout) RepoRunnersDir(repo string) string {
	return filepath.Join(l.root, "runners", repo)
}

// RunnerDir returns the installation directory of one slot.
func (l *Layout) RunnerDir(repo, name string) string {
	return filepath.Join(l.RepoRunnersDir(repo), name)
}

// RepoLogDir returns the log directory of a repo.
func (l *Layout) RepoLogDir(repo string) string {
	return filepath.Join(l.root, "logs", repo)
}

// RunnerLog returns the runtime stdout/stderr log of a slot.
func (l *Layout) RunnerLog(repo, name string) string {
	return filepath.Join(l.RepoLogDir(repo), name+".log")
}

// ConfigLog returns the configure-step log of a slot.
func (l *Layout) ConfigLog(repo, name string) string {
	return filepath.Join(l.RepoLogDir(repo), "config-"+name+".log")
}

func (l *Layout) LockFile() string {
	return filepath.Join(l.root, "conductor.lock")
}

func (l *Layout) EventsFile() string {
	return filepath.Join(l.root, "events.json")
}

// HasInstallation reports whether the slot's installation directory exists.
func (l *Layout) HasInstallation(repo, name string) bool {
	info, err := os.Stat(l.RunnerDir(repo, name))
	return err == nil && info.IsDir()
}

// Installations lists the installation directory names present for a repo,
// sorted. A missing repo directory yields no names.
func (l *Layout) Installations(repo string) ([]string, error) {
	entries, err := os.ReadDir(l.RepoRunnersDir(repo))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runners dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// RemoveInstallation deletes a slot's installation directory. Removing a
// directory that does not exist is not an error.
func (l *Layout) RemoveInstallation(repo, name string) error {
	if err := os.RemoveAll(l.RunnerDir(repo, name)); err != nil {
		return fmt.Errorf("remove %s: %w", l.RunnerDir(repo, name), err)
	}
	return nil
}

// EnsureRepoLogDir creates the repo log directory if needed.
func (l *Layout) EnsureRepoLogDir(repo string) error {
	return os.MkdirAll(l.RepoLogDir(repo), 0755)
}
