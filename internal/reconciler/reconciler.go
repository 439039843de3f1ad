package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"Conductor/internal/installer"
	"Conductor/internal/layout"
	"Conductor/internal/metrics"
	"Conductor/internal/models"
	"Conductor/internal/store"
)

// Registry is the remote side of reconciliation.
type Registry interface {
	TokenSource
	ListRunners(ctx context.Context, repo string) ([]models.RemoteRunner, error)
	DeleteRunner(ctx context.Context, repo string, id int64) error
}

// Installer turns a slot into a configured installation directory.
type Installer interface {
	Install(ctx context.Context, req installer.InstallRequest) error
}

// BusyRunnerError aborts a run because a registered runner is executing a job.
type BusyRunnerError struct {
	Repo   string
	Runner string
}

func (e *BusyRunnerError) Error() string {
	return fmt.Sprintf("runner %s of %s is busy, cannot continue", e.Runner, e.Repo)
}

type Config struct {
	Registry  Registry
	Installer Installer
	Layout    *layout.Layout
	Store     *store.Store
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	RunID     string

	// Now is the clock used for token expiry. Defaults to time.Now.
	Now func() time.Time
}

// Reconciler brings remote registrations and local installations in line
// with the declared repositories.
type Reconciler struct {
	registry  Registry
	installer Installer
	layout    *layout.Layout
	tokens    *TokenCache
	store     *store.Store
	metrics   *metrics.Metrics
	logger    *slog.Logger
	runID     string
}

func New(cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		registry:  cfg.Registry,
		installer: cfg.Installer,
		layout:    cfg.Layout,
		tokens:    NewTokenCache(cfg.Registry, cfg.Now, cfg.Metrics),
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		logger:    logger.With("component", "reconciler"),
		runID:     cfg.RunID,
	}
}

// Reconcile processes repos in order and returns each repo's active runner
// names. The first error stops the run; repos already processed keep their
// new state.
func (r *Reconciler) Reconcile(ctx context.Context, repos []models.RepoConfig) ([]models.RepoRunners, error) {
	r.logger.Info("configuring runners", "repos", len(repos))

	result := make([]models.RepoRunners, 0, len(repos))
	for _, repo := range repos {
		start := time.Now()
		names, err := r.reconcileRepo(ctx, repo)
		r.observe(repo, start, err)
		if err != nil {
			return nil, err
		}
		result = append(result, models.RepoRunners{Repo: repo.Repo, Names: names})
	}
	return result, nil
}

func (r *Reconciler) reconcileRepo(ctx context.Context, repo models.RepoConfig) ([]string, error) {
	logger := r.logger.With("repo", repo.Repo)
	logger.Info("processing repo", "count", repo.Count, "prefix", repo.NamePrefix)

	remote, err := r.registry.ListRunners(ctx, repo.Repo)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]models.RemoteRunner, len(remote))
	for _, runner := range remote {
		if runner.Busy {
			return nil, &BusyRunnerError{Repo: repo.Repo, Runner: runner.Name}
		}
		if _, dup := byName[runner.Name]; !dup {
			byName[runner.Name] = runner
		}
	}

	claimed := make(map[int64]bool, len(remote))
	active := make(map[string]bool, repo.Count)
	names := make([]string, 0, repo.Count)

	for _, slot := range repo.Slots() {
		var existing *models.RemoteRunner
		if runner, ok := byName[slot.Name]; ok {
			existing = &runner
			claimed[runner.ID] = true
		}

		action := Decide(existing, r.layout.HasInstallation(slot.Repo, slot.Name), slot.Labels)
		if err := r.apply(ctx, logger, slot, action); err != nil {
			return nil, err
		}

		active[slot.Name] = true
		names = append(names, slot.Name)
	}

	for _, runner := range remote {
		if claimed[runner.ID] {
			continue
		}
		if !strings.HasPrefix(runner.Name, repo.NamePrefix) {
			logger.Info("ignoring existing runner, not ours", "runner", runner.Name)
			r.record(repo.Repo, runner.Name, models.ActionIgnore, "")
			continue
		}

		logger.Info("runner no longer in configuration, removing from github", "runner", runner.Name, "runner_id", runner.ID)
		if err := r.registry.DeleteRunner(ctx, repo.Repo, runner.ID); err != nil {
			return nil, err
		}
		if r.layout.HasInstallation(repo.Repo, runner.Name) && !active[runner.Name] {
			logger.Info("removing obsolete installation", "runner", runner.Name)
			if err := r.layout.RemoveInstallation(repo.Repo, runner.Name); err != nil {
				return nil, err
			}
		}
		r.record(repo.Repo, runner.Name, models.ActionDelete, fmt.Sprintf("runner_id=%d", runner.ID))
	}

	installed, err := r.layout.Installations(repo.Repo)
	if err != nil {
		return nil, err
	}
	for _, name := range installed {
		if active[name] {
			continue
		}
		logger.Info("removing orphaned installation", "runner", name, "path", r.layout.RunnerDir(repo.Repo, name))
		if err := r.layout.RemoveInstallation(repo.Repo, name); err != nil {
			return nil, err
		}
		r.record(repo.Repo, name, models.ActionOrphan, "")
	}

	if r.metrics != nil {
		r.metrics.RunnersDesired.WithLabelValues(repo.Repo).Set(float64(repo.Count))
	}
	return names, nil
}

// Decide maps the state of one slot to the action that makes it consistent.
func Decide(remote *models.RemoteRunner, local bool, labels []string) models.SlotAction {
	switch {
	case remote != nil && local:
		if remote.HasLabels(labels) {
			return models.ActionReuse
		}
		return models.ActionRelabel
	case remote != nil:
		return models.ActionHealRemote
	case local:
		return models.ActionHealLocal
	default:
		return models.ActionProvision
	}
}

func (r *Reconciler) apply(ctx context.Context, logger *slog.Logger, slot models.RunnerSlot, action models.SlotAction) error {
	logger = logger.With("runner", slot.Name, "action", string(action))

	switch action {
	case models.ActionReuse:
		logger.Info("runner already configured, reusing")
	case models.ActionRelabel:
		logger.Info("runner already configured but labels don't match, removing directory and configuring")
	case models.ActionHealRemote:
		logger.Warn("runner is registered on github but has no directory, configuring and replacing")
	case models.ActionHealLocal:
		logger.Warn("runner has a directory but no github registration, removing directory and configuring")
	case models.ActionProvision:
		logger.Info("runner is new, configuring")
	}

	if action == models.ActionRelabel || action == models.ActionHealLocal {
		if err := r.layout.RemoveInstallation(slot.Repo, slot.Name); err != nil {
			return err
		}
	}

	if action.Reconfigures() {
		if err := r.configure(ctx, slot); err != nil {
			return err
		}
	}

	r.record(slot.Repo, slot.Name, action, strings.Join(slot.Labels, ","))
	return nil
}

func (r *Reconciler) configure(ctx context.Context, slot models.RunnerSlot) error {
	token, err := r.tokens.Get(ctx, slot.Repo)
	if err != nil {
		return err
	}

	err = r.installer.Install(ctx, installer.InstallRequest{
		Repo:   slot.Repo,
		Name:   slot.Name,
		Labels: slot.Labels,
		Token:  token.Value,
	})
	if err != nil {
		return fmt.Errorf("configuring runner %s of %s: %w", slot.Name, slot.Repo, err)
	}
	return nil
}

func (r *Reconciler) record(repo, runner string, action models.SlotAction, detail string) {
	if r.metrics != nil {
		r.metrics.SlotActions.WithLabelValues(repo, string(action)).Inc()
	}

	err := r.store.Record(store.Event{
		RunID:  r.runID,
		Repo:   repo,
		Runner: runner,
		Action: string(action),
		Detail: detail,
	})
	if err != nil {
		r.logger.Warn("failed to record event", "repo", repo, "runner", runner, "error", err)
	}
}

func (r *Reconciler) observe(repo models.RepoConfig, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.metrics.ReconcileTotal.WithLabelValues(repo.Repo, status).Inc()
	r.metrics.ReconcileDuration.WithLabelValues(repo.Repo).Observe(time.Since(start).Seconds())
}
