package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"Conductor/internal/layout"
	"Conductor/internal/metrics"
	"Conductor/internal/models"
	"Conductor/internal/store"
)

// ErrShuttingDown is returned by Start once a shutdown broadcast was issued.
var ErrShuttingDown = errors.New("supervisor is shutting down")

type Config struct {
	Platform     Platform
	Layout       *layout.Layout
	StartCommand string

	// ExtraEnv maps variable names to templates expanded against Environ.
	ExtraEnv map[string]string
	Environ  func() []string

	Store   *store.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	RunID   string
}

// Supervisor runs the runner fleet as one unit: when any runner stops, every
// other runner is interrupted.
type Supervisor struct {
	platform     Platform
	layout       *layout.Layout
	startCommand string
	extraEnv     map[string]string
	environ      func() []string
	store        *store.Store
	metrics      *metrics.Metrics
	logger       *slog.Logger
	runID        string

	// mu guards procs and shutdown together so that no spawn can register
	// after a broadcast has walked the table.
	mu       sync.Mutex
	procs    map[int]models.ProcessRecord
	shutdown bool
}

func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	environ := cfg.Environ
	if environ == nil {
		environ = os.Environ
	}
	startCommand := cfg.StartCommand
	if startCommand == "" {
		startCommand = "run.sh"
	}

	return &Supervisor{
		platform:     cfg.Platform,
		layout:       cfg.Layout,
		startCommand: startCommand,
		extraEnv:     cfg.ExtraEnv,
		environ:      environ,
		store:        cfg.Store,
		metrics:      cfg.Metrics,
		logger:       logger.With("component", "supervisor"),
		runID:        cfg.RunID,
		procs:        make(map[int]models.ProcessRecord),
	}
}

// Start launches the runner installed for repo/name and tracks it.
func (s *Supervisor) Start(repo, name string) (int, error) {
	env, err := ExpandEnv(s.extraEnv, s.environ())
	if err != nil {
		s.countStart(repo, "error")
		return 0, fmt.Errorf("starting runner %s of %s: %w", name, repo, err)
	}
	if err := s.layout.EnsureRepoLogDir(repo); err != nil {
		s.countStart(repo, "error")
		return 0, fmt.Errorf("starting runner %s of %s: %w", name, repo, err)
	}
	spec := NewLaunchSpec(s.layout, s.startCommand, repo, name, env)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return 0, ErrShuttingDown
	}

	s.logger.Info("starting runner", "repo", repo, "runner", name, "log", spec.LogPath)
	pid, err := s.platform.Spawn(spec)
	if err != nil {
		s.countStart(repo, "error")
		return 0, fmt.Errorf("starting runner %s of %s: %w", name, repo, err)
	}

	s.procs[pid] = models.ProcessRecord{
		PID:       pid,
		Repo:      repo,
		Name:      name,
		StartedAt: time.Now(),
	}
	s.countStart(repo, "success")
	s.setRunning(len(s.procs))
	s.record(repo, name, "start", fmt.Sprintf("pid=%d", pid))

	s.logger.Info("runner started", "repo", repo, "runner", name, "pid", pid)
	return pid, nil
}

// StartAll starts every listed runner in order. The first failure triggers a
// shutdown broadcast and no further runners are started.
func (s *Supervisor) StartAll(fleet []models.RepoRunners) error {
	for _, rr := range fleet {
		for _, name := range rr.Names {
			if _, err := s.Start(rr.Repo, name); err != nil {
				if !errors.Is(err, ErrShuttingDown) {
					s.logger.Error("failed to start runner", "repo", rr.Repo, "runner", name, "error", err)
				}
				s.BroadcastShutdown()
				return err
			}
		}
	}
	return nil
}

// BroadcastShutdown interrupts the process group of every tracked runner.
// Only the first call has any effect.
func (s *Supervisor) BroadcastShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}

	for _, rec := range s.sortedLocked() {
		s.logger.Info("stopping runner", "repo", rec.Repo, "runner", rec.Name, "pid", rec.PID)
		if err := s.platform.SignalGroup(rec.PID, syscall.SIGINT); err != nil {
			s.logger.Warn("failed to signal runner", "repo", rec.Repo, "runner", rec.Name, "pid", rec.PID, "error", err)
		}
	}

	s.shutdown = true
	if s.metrics != nil {
		s.metrics.ShutdownBroadcasts.Inc()
	}
}

// InstallSignalBridge turns SIGINT and SIGTERM into a shutdown broadcast.
// The returned func uninstalls it.
func (s *Supervisor) InstallSignalBridge() (stop func()) {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	done := s.bridge(signals)
	return func() {
		signal.Stop(signals)
		close(done)
	}
}

func (s *Supervisor) bridge(signals <-chan os.Signal) chan struct{} {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-signals:
				s.logger.Info("received signal, shutting down runners", "signal", sig.String())
				s.BroadcastShutdown()
			case <-done:
				return
			}
		}
	}()
	return done
}

// Wait reaps runners until none is left. Every termination, whatever its
// cause, triggers a shutdown broadcast.
func (s *Supervisor) Wait() error {
	for {
		if s.Running() == 0 {
			return nil
		}

		pid, status, err := s.platform.Wait()
		if err != nil {
			return fmt.Errorf("waiting for runners (%d still tracked): %w", s.Running(), err)
		}

		s.mu.Lock()
		rec, tracked := s.procs[pid]
		delete(s.procs, pid)
		running := len(s.procs)
		s.mu.Unlock()

		if !tracked {
			s.logger.Warn("reaped untracked process", "pid", pid, "status", status.String())
			continue
		}

		attrs := []any{"repo", rec.Repo, "runner", rec.Name, "pid", pid, "uptime", time.Since(rec.StartedAt).Round(time.Second).String()}
		if status.Signaled {
			s.logger.Info("runner killed by signal", append(attrs, "signal", SignalName(status.Signal))...)
		} else {
			s.logger.Info("runner exited", append(attrs, "code", status.Code)...)
		}

		if s.metrics != nil {
			s.metrics.RunnerExits.WithLabelValues(rec.Repo, status.Reason()).Inc()
		}
		s.setRunning(running)
		s.record(rec.Repo, rec.Name, "exit", status.String())

		s.BroadcastShutdown()
	}
}

// Processes returns the tracked runners ordered by repo and name.
func (s *Supervisor) Processes() []models.ProcessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *Supervisor) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Supervisor) sortedLocked() []models.ProcessRecord {
	out := make([]models.ProcessRecord, 0, len(s.procs))
	for _, rec := range s.procs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Repo != out[j].Repo {
			return out[i].Repo < out[j].Repo
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].PID < out[j].PID
	})
	return out
}

func (s *Supervisor) countStart(repo, status string) {
	if s.metrics != nil {
		s.metrics.RunnerStarts.WithLabelValues(repo, status).Inc()
	}
}

func (s *Supervisor) setRunning(n int) {
	if s.metrics != nil {
		s.metrics.RunnersRunning.Set(float64(n))
	}
}

func (s *Supervisor) record(repo, runner, action, detail string) {
	err := s.store.Record(store.Event{
		RunID:  s.runID,
		Repo:   repo,
		Runner: runner,
		Action: action,
		Detail: detail,
	})
	if err != nil {
		s.logger.Warn("failed to record event", "repo", repo, "runner", runner, "error", err)
	}
}
