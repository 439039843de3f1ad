package models

import (
	"fmt"
	"time"
)

// RepoConfig is the declared desired state for one repository
type RepoConfig struct {
	Repo       string   `json:"repo"`
	Count      int      `json:"count"`
	NamePrefix string   `json:"name_prefix"`
	Labels     []string `json:"labels"`
}

// RunnerSlot is one deterministically named runner identity within a repo
type RunnerSlot struct {
	Repo   string   `json:"repo"`
	Name   string   `json:"name"`
	Labels []string `json:"labels"`
}

// SlotName returns the runner name for a 1-based slot index.
func SlotName(prefix string, index int) string {
	return fmt.Sprintf("%s-%d", prefix, index)
}

// Slots returns exactly Count slots for the repo, named prefix-1..prefix-Count.
func (c RepoConfig) Slots() []RunnerSlot {
	slots := make([]RunnerSlot, 0, c.Count)
	for i := 1; i <= c.Count; i++ {
		slots = append(slots, RunnerSlot{
			Repo:   c.Repo,
			Name:   SlotName(c.NamePrefix, i),
			Labels: c.Labels,
		})
	}
	return slots
}

// RemoteRunner is a runner registration as reported by the registry
type RemoteRunner struct {
	Repo   string   `json:"repo"`
	ID     int64    `json:"id"`
	Name   string   `json:"name"`
	Labels []string `json:"labels"`
	Busy   bool     `json:"busy"`
	Status string   `json:"status"` // online, offline
	OS     string   `json:"os,omitempty"`
}

// HasLabels reports whether every wanted label is present on the runner.
func (r RemoteRunner) HasLabels(wanted []string) bool {
	have := make(map[string]struct{}, len(r.Labels))
	for _, l := range r.Labels {
		have[l] = struct{}{}
	}
	for _, l := range wanted {
		if _, ok := have[l]; !ok {
			return false
		}
	}
	return true
}

// Token is a one-time runner registration token
type Token struct {
	Value     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether the token is still usable at the given instant.
func (t Token) ValidAt(now time.Time) bool {
	return t.Value != "" && t.ExpiresAt.After(now)
}

// ProcessRecord identifies a supervised runner process
type ProcessRecord struct {
	PID       int       `json:"pid"`
	Repo      string    `json:"repo"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
}

// RepoRunners is the ordered set of runner names that should be running for a repo
type RepoRunners struct {
	Repo  string   `json:"repo"`
	Names []string `json:"names"`
}

// SlotAction is the decision taken for a runner during reconciliation
type SlotAction string

const (
	ActionReuse      SlotAction = "reuse"
	ActionRelabel    SlotAction = "relabel"
	ActionHealRemote SlotAction = "heal-remote" // registered remotely, no local directory
	ActionHealLocal  SlotAction = "heal-local"  // local directory, no remote registration
	ActionProvision  SlotAction = "provision"
	ActionDelete     SlotAction = "delete"
	ActionIgnore     SlotAction = "ignore"
	ActionOrphan     SlotAction = "orphan"
)

// Reconfigures reports whether the action requires running the installer.
func (a SlotAction) Reconfigures() bool {
	switch a {
	case ActionRelabel, ActionHealRemote, ActionHealLocal, ActionProvision:
		return true
	default:
		return false
	}
}
