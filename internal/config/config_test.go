package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"Conductor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const yamlConfig = `
token: secret
org: gershnik
repos:
  Zeta-Repo:
    count: 2
    namePrefix: ci
    labels: [fast, macos]
  alpha:
    count: 1
    namePrefix: build
    labels: []
extraEnv:
  PATH: "/opt/homebrew/bin:{PATH}"
  HomeDir: "{HOME}"
`

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "settings.yaml", yamlConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.Token)
	assert.Equal(t, "gershnik", cfg.Org)
	assert.Equal(t, []models.RepoConfig{
		{Repo: "Zeta-Repo", Count: 2, NamePrefix: "ci", Labels: []string{"fast", "macos"}},
		{Repo: "alpha", Count: 1, NamePrefix: "build", Labels: []string{}},
	}, cfg.Repos, "repos keep file order and case")
	assert.Equal(t, map[string]string{
		"PATH":    "/opt/homebrew/bin:{PATH}",
		"HomeDir": "{HOME}",
	}, cfg.ExtraEnv)
	assert.Equal(t, filepath.Dir(path), cfg.Root, "root defaults to the settings file directory")
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "settings.json", `{
  "token": "secret",
  "org": "gershnik",
  "root": "/var/lib/conductor",
  "repos": {
    "libA": {"count": 3, "namePrefix": "ci", "labels": ["x"]}
  }
}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Repos, 1)
	assert.Equal(t, "libA", cfg.Repos[0].Repo)
	assert.Equal(t, 3, cfg.Repos[0].Count)
	assert.Equal(t, "/var/lib/conductor", cfg.Root)
	assert.Empty(t, cfg.ExtraEnv)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CONDUCTOR_TOKEN", "from-env")
	t.Setenv("CONDUCTOR_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, "settings.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Token)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "missing token",
			content: "org: o\nrepos:\n  r: {count: 1, namePrefix: ci}\n",
		},
		{
			name:    "missing repos",
			content: "token: t\norg: o\n",
		},
		{
			name:    "repos not a mapping",
			content: "token: t\norg: o\nrepos: [a, b]\n",
		},
		{
			name:    "negative count",
			content: "token: t\norg: o\nrepos:\n  r: {count: -1, namePrefix: ci}\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "settings.yaml", tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "settings.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://api.github.com", cfg.GitHub.APIURL)
	assert.Equal(t, "https://github.com", cfg.GitHub.WebURL)
	assert.Equal(t, 30*time.Second, cfg.GitHub.RequestTimeout)
	assert.Equal(t, DefaultPlatform(), cfg.Runner.Platform)
	assert.Equal(t, "run.sh", cfg.Runner.StartCommand)
	assert.Equal(t, "config.sh", cfg.Runner.ConfigCommand)
	assert.Equal(t, "Runner.Listener", cfg.Runner.KillStalePattern)
	assert.False(t, cfg.Server.Enabled)
	assert.True(t, cfg.Store.Enabled)
	assert.Equal(t, 1000, cfg.Store.MaxEvents)
	assert.Equal(t, "info", cfg.LogLevel)
}

func validConfig() *Config {
	return &Config{
		Token: "t",
		Org:   "o",
		Repos: []models.RepoConfig{{Repo: "r", Count: 1, NamePrefix: "ci"}},
		GitHub: GitHubConfig{
			APIURL:  "https://api.github.com",
			PerPage: 100,
		},
		Runner: RunnerConfig{
			Platform:      "linux-x64",
			StartCommand:  "run.sh",
			ConfigCommand: "config.sh",
		},
		Observability: ObservabilityConfig{
			EnableMetrics:   true,
			MetricsPath:     "/metrics",
			HealthCheckPath: "/health",
			ReadinessPath:   "/ready",
		},
		Store: StoreConfig{Enabled: true, MaxEvents: 10},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "zero count is allowed", mutate: func(c *Config) { c.Repos[0].Count = 0 }},
		{name: "missing org", mutate: func(c *Config) { c.Org = "" }, wantErr: true},
		{name: "empty prefix", mutate: func(c *Config) { c.Repos[0].NamePrefix = "" }, wantErr: true},
		{name: "prefix with slash", mutate: func(c *Config) { c.Repos[0].NamePrefix = "a/b" }, wantErr: true},
		{name: "repo with slash", mutate: func(c *Config) { c.Repos[0].Repo = "../etc" }, wantErr: true},
		{
			name: "duplicate repo",
			mutate: func(c *Config) {
				c.Repos = append(c.Repos, c.Repos[0])
			},
			wantErr: true,
		},
		{name: "bad env name", mutate: func(c *Config) { c.ExtraEnv = map[string]string{"A=B": "x"} }, wantErr: true},
		{name: "per page too large", mutate: func(c *Config) { c.GitHub.PerPage = 500 }, wantErr: true},
		{
			name: "server enabled with bad port",
			mutate: func(c *Config) {
				c.Server.Enabled = true
				c.Server.Port = 0
			},
			wantErr: true,
		},
		{
			name: "auth without key",
			mutate: func(c *Config) {
				c.Server.Enabled = true
				c.Server.Port = 8080
				c.Server.EnableAuth = true
			},
			wantErr: true,
		},
		{
			name: "readiness path shadows health",
			mutate: func(c *Config) {
				c.Server.Enabled = true
				c.Server.Port = 8080
				c.Observability.ReadinessPath = "/health"
			},
			wantErr: true,
		},
		{
			name: "empty metrics path",
			mutate: func(c *Config) {
				c.Server.Enabled = true
				c.Server.Port = 8080
				c.Observability.MetricsPath = ""
			},
			wantErr: true,
		},
		{
			name: "empty metrics path with metrics off",
			mutate: func(c *Config) {
				c.Server.Enabled = true
				c.Server.Port = 8080
				c.Observability.EnableMetrics = false
				c.Observability.MetricsPath = ""
			},
		},
		{
			name: "health path under api prefix",
			mutate: func(c *Config) {
				c.Server.Enabled = true
				c.Server.Port = 8080
				c.Observability.HealthCheckPath = "/api/v1/status"
			},
			wantErr: true,
		},
		{
			name: "relative readiness path",
			mutate: func(c *Config) {
				c.Server.Enabled = true
				c.Server.Port = 8080
				c.Observability.ReadinessPath = "ready"
			},
			wantErr: true,
		},
		{
			name: "duplicate paths ignored while server disabled",
			mutate: func(c *Config) {
				c.Observability.ReadinessPath = "/health"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
