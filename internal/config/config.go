// Package config loads the reconciler settings from an optional YAML file, .env
// files and AZDO_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/vaintrub/azdo-roster/models"
)

// EnvPrefix is the prefix of every environment variable, e.g. AZDO_TOKEN.
const EnvPrefix = "AZDO"

// FileName is the config file name searched for when no path is given.
const FileName = "azdo-roster"

// Settings holds everything needed to reach one Azure DevOps project.
type Settings struct {
	OrganizationURL string `mapstructure:"organization_url"`
	Project         string `mapstructure:"project"`
	Token           string `mapstructure:"token"`

	// Optional host overrides, e.g. for Azure DevOps Server. Derived from
	// OrganizationURL when empty.
	EntitlementsURL string `mapstructure:"entitlements_url"`
	GraphURL        string `mapstructure:"graph_url"`

	License        string        `mapstructure:"license"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	SettleInterval time.Duration `mapstructure:"settle_interval"` // pending-invitation poll
	InviteSettle   time.Duration `mapstructure:"invite_settle"`   // pause after a single invitation
	MaxWait        time.Duration `mapstructure:"max_wait"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryMax       int           `mapstructure:"retry_max"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`

	RedisURL  string `mapstructure:"redis_url"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

var defaults = map[string]any{
	"license":         "stakeholder",
	"cache_ttl":       "300s",
	"settle_interval": "2s",
	"invite_settle":   "3s",
	"max_wait":        "30s",
	"request_timeout": "30s",
	"retry_max":       3,
	"retry_backoff":   "500ms",
	"log_level":       "info",
	"log_format":      "text",
}

// keys without a default still need binding so AutomaticEnv sees them on Unmarshal.
var envOnly = []string{"organization_url", "project", "token", "entitlements_url", "graph_url", "redis_url"}

// Load reads settings. configFile may be empty, in which case azdo-roster.yaml is
// looked up in the working directory and in $HOME/.azdo-roster; a missing file is
// not an error. envFiles are loaded into the environment first without overriding
// variables already set; when none are given a .env in the working directory is
// loaded if present.
func Load(configFile string, envFiles ...string) (*Settings, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrConfiguration, err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envOnly {
		_ = v.BindEnv(k)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", models.ErrConfiguration, configFile, err)
		}
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".azdo-roster"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("%w: %w", models.ErrConfiguration, err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrConfiguration, err)
	}
	s.OrganizationURL = strings.TrimSpace(s.OrganizationURL)
	s.Project = strings.TrimSpace(s.Project)
	s.Token = strings.TrimSpace(s.Token)
	s.EntitlementsURL = strings.TrimSpace(s.EntitlementsURL)
	s.GraphURL = strings.TrimSpace(s.GraphURL)
	return &s, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		err := godotenv.Load()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// Validate reports every missing or invalid setting at once. The error wraps
// models.ErrConfiguration.
func (s *Settings) Validate() error {
	var missing []string
	if s.OrganizationURL == "" {
		missing = append(missing, "organization_url")
	}
	if s.Project == "" {
		missing = append(missing, "project")
	}
	if s.Token == "" {
		missing = append(missing, "token")
	}

	var problems []string
	if len(missing) > 0 {
		problems = append(problems, "missing "+strings.Join(missing, ", "))
	}
	if models.ParseLicense(s.License, "") == "" {
		problems = append(problems, fmt.Sprintf("unknown license %q", s.License))
	}
	for name, d := range map[string]time.Duration{
		"cache_ttl":       s.CacheTTL,
		"settle_interval": s.SettleInterval,
		"invite_settle":   s.InviteSettle,
		"max_wait":        s.MaxWait,
		"request_timeout": s.RequestTimeout,
		"retry_backoff":   s.RetryBackoff,
	} {
		if d < 0 {
			problems = append(problems, fmt.Sprintf("%s must not be negative", name))
		}
	}
	if s.RetryMax < 1 {
		problems = append(problems, "retry_max must be at least 1")
	}
	if _, err := parseLevel(s.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) == 0 {
		return nil
	}
	// map iteration above is unordered
	slices.Sort(problems)
	return fmt.Errorf("%w: %s", models.ErrConfiguration, strings.Join(problems, "; "))
}

// DefaultLicense returns the access level for invitations without an override.
func (s *Settings) DefaultLicense() models.License {
	return models.ParseLicense(s.License, models.LicenseStakeholder)
}

// Level returns the configured log level, info when unset or invalid.
func (s *Settings) Level() slog.Level {
	l, err := parseLevel(s.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", s)
	}
	return l, nil
}

// String renders the settings with the token masked.
func (s *Settings) String() string {
	return fmt.Sprintf("organization_url=%s project=%q token=%s license=%s cache_ttl=%s max_wait=%s redis=%t",
		s.OrganizationURL, s.Project, maskToken(s.Token), s.DefaultLicense(), s.CacheTTL, s.MaxWait, s.RedisURL != "")
}

func maskToken(t string) string {
	if len(t) <= 4 {
		return strings.Repeat("*", len(t))
	}
	return strings.Repeat("*", len(t)-4) + t[len(t)-4:]
}
