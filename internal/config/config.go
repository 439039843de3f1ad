package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"Conductor/internal/models"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Token         string              `mapstructure:"token"`
	Org           string              `mapstructure:"org"`
	Root          string              `mapstructure:"root"`
	GitHub        GitHubConfig        `mapstructure:"github"`
	Runner        RunnerConfig        `mapstructure:"runner"`
	Server        ServerConfig        `mapstructure:"server"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Store         StoreConfig         `mapstructure:"store"`
	LogLevel      string              `mapstructure:"log_level"`

	// Repos and ExtraEnv are decoded from the raw file so that repository
	// names and variable names keep their case and declaration order.
	Repos    []models.RepoConfig `mapstructure:"-"`
	ExtraEnv map[string]string   `mapstructure:"-"`
}

type GitHubConfig struct {
	APIURL         string        `mapstructure:"api_url"`
	WebURL         string        `mapstructure:"web_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PerPage        int           `mapstructure:"per_page"`
}

type RunnerConfig struct {
	Platform         string `mapstructure:"platform"`
	StartCommand     string `mapstructure:"start_command"`
	ConfigCommand    string `mapstructure:"config_command"`
	KillStalePattern string `mapstructure:"kill_stale_pattern"`
}

type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Address      string        `mapstructure:"address"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	APIKey       string        `mapstructure:"api_key"`
	EnableAuth   bool          `mapstructure:"enable_auth"`
}

type ObservabilityConfig struct {
	EnableMetrics   bool   `mapstructure:"enable_metrics"`
	MetricsPath     string `mapstructure:"metrics_path"`
	HealthCheckPath string `mapstructure:"health_check_path"`
	ReadinessPath   string `mapstructure:"readiness_path"`
}

type StoreConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	MaxEvents int    `mapstructure:"max_events"`
}

// Load reads the settings file at configPath, applying defaults and
// CONDUCTOR_* environment overrides. The file must be YAML or JSON.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.loadOrderedSections(configPath); err != nil {
		return nil, err
	}

	if cfg.Root == "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		cfg.Root = filepath.Dir(abs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("token", "")
	v.SetDefault("org", "")
	v.SetDefault("root", "")

	// GitHub defaults
	v.SetDefault("github.api_url", "https://api.github.com")
	v.SetDefault("github.web_url", "https://github.com")
	v.SetDefault("github.request_timeout", 30*time.Second)
	v.SetDefault("github.per_page", 100)

	// Runner defaults
	v.SetDefault("runner.platform", DefaultPlatform())
	v.SetDefault("runner.start_command", "run.sh")
	v.SetDefault("runner.config_command", "config.sh")
	v.SetDefault("runner.kill_stale_pattern", "Runner.Listener")

	// Server defaults
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.address", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.enable_auth", false)

	// Observability defaults
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("observability.health_check_path", "/health")
	v.SetDefault("observability.readiness_path", "/ready")

	// Store defaults
	v.SetDefault("store.enabled", true)
	v.SetDefault("store.path", "")
	v.SetDefault("store.max_events", 1000)

	v.SetDefault("log_level", "info")
}

type rawRepo struct {
	Count      int      `yaml:"count"`
	NamePrefix string   `yaml:"namePrefix"`
	Labels     []string `yaml:"labels"`
}

type rawSections struct {
	Repos    yaml.Node         `yaml:"repos"`
	ExtraEnv map[string]string `yaml:"extraEnv"`
}

// loadOrderedSections decodes repos and extraEnv with yaml.v3, which keeps
// key case and (through yaml.Node) mapping order. JSON parses as YAML.
func (c *Config) loadOrderedSections(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var raw rawSections
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	c.ExtraEnv = raw.ExtraEnv
	if c.ExtraEnv == nil {
		c.ExtraEnv = map[string]string{}
	}

	if raw.Repos.Kind == 0 {
		return nil
	}
	if raw.Repos.Kind != yaml.MappingNode {
		return fmt.Errorf("repos must be a mapping of repository name to settings")
	}

	for i := 0; i+1 < len(raw.Repos.Content); i += 2 {
		name := raw.Repos.Content[i].Value
		var r rawRepo
		if err := raw.Repos.Content[i+1].Decode(&r); err != nil {
			return fmt.Errorf("repos.%s: %w", name, err)
		}
		c.Repos = append(c.Repos, models.RepoConfig{
			Repo:       name,
			Count:      r.Count,
			NamePrefix: r.NamePrefix,
			Labels:     r.Labels,
		})
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.Org == "" {
		return fmt.Errorf("org is required")
	}
	if len(c.Repos) == 0 {
		return fmt.Errorf("at least one entry in repos is required")
	}

	seen := make(map[string]bool, len(c.Repos))
	for _, r := range c.Repos {
		if r.Repo == "" || strings.ContainsAny(r.Repo, `/\`) {
			return fmt.Errorf("invalid repo name %q", r.Repo)
		}
		if seen[r.Repo] {
			return fmt.Errorf("repo %q is listed twice", r.Repo)
		}
		seen[r.Repo] = true

		if r.Count < 0 {
			return fmt.Errorf("repos.%s.count must be >= 0", r.Repo)
		}
		if r.NamePrefix == "" {
			return fmt.Errorf("repos.%s.namePrefix is required", r.Repo)
		}
		if strings.ContainsAny(r.NamePrefix, `/\`) {
			return fmt.Errorf("repos.%s.namePrefix must not contain path separators", r.Repo)
		}
	}

	for name := range c.ExtraEnv {
		if name == "" || strings.Contains(name, "=") {
			return fmt.Errorf("invalid extraEnv variable name %q", name)
		}
	}

	if c.GitHub.APIURL == "" {
		return fmt.Errorf("github.api_url is required")
	}
	if c.GitHub.PerPage < 1 || c.GitHub.PerPage > 100 {
		return fmt.Errorf("github.per_page must be between 1 and 100")
	}
	if c.Runner.Platform == "" {
		return fmt.Errorf("runner.platform is required")
	}
	if c.Runner.StartCommand == "" || c.Runner.ConfigCommand == "" {
		return fmt.Errorf("runner.start_command and runner.config_command are required")
	}

	if c.Server.Enabled {
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			return fmt.Errorf("server.port must be between 1 and 65535")
		}
		if c.Server.EnableAuth && c.Server.APIKey == "" {
			return fmt.Errorf("server.api_key is required when server.enable_auth is true")
		}
		if err := c.Observability.validatePaths(); err != nil {
			return err
		}
	}

	if c.Store.Enabled && c.Store.MaxEvents < 1 {
		return fmt.Errorf("store.max_events must be > 0")
	}

	return nil
}

// validatePaths rejects endpoint paths the status server could not register.
func (o ObservabilityConfig) validatePaths() error {
	paths := []struct{ key, path string }{
		{"observability.health_check_path", o.HealthCheckPath},
		{"observability.readiness_path", o.ReadinessPath},
	}
	if o.EnableMetrics {
		paths = append(paths, struct{ key, path string }{"observability.metrics_path", o.MetricsPath})
	}

	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		if !strings.HasPrefix(p.path, "/") || strings.ContainsAny(p.path, " \t{}") {
			return fmt.Errorf("%s must be an absolute path, got %q", p.key, p.path)
		}
		if p.path == "/api/v1" || strings.HasPrefix(p.path, "/api/v1/") {
			return fmt.Errorf("%s %q is reserved for the status API", p.key, p.path)
		}
		if other, ok := seen[p.path]; ok {
			return fmt.Errorf("%s and %s are both %q", other, p.key, p.path)
		}
		seen[p.path] = p.key
	}
	return nil
}

// DefaultPlatform returns the actions-runner package platform for the host,
// e.g. "linux-x64" or "osx-arm64".
func DefaultPlatform() string {
	osName := runtime.GOOS
	switch osName {
	case "darwin":
		osName = "osx"
	case "windows":
		osName = "win"
	}

	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x64"
	case "386":
		arch = "x86"
	}

	return osName + "-" + arch
}
