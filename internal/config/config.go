// Package config provides JSON-based configuration loading for kite.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/tidwall/jsonc"
)

const (
	// DefaultAPIURL is the Buildkite REST API v2 endpoint.
	DefaultAPIURL = "https://api.buildkite.com/v2"
	// DefaultWatchSchedule is the polling schedule used by `kite builds watch`.
	DefaultWatchSchedule = "@every 30s"
	// DefaultServerPort is the port the webhook receiver listens on.
	DefaultServerPort = 8787
	// EnvConfigPath overrides the default config file location.
	EnvConfigPath = "KITE_CONFIG"
)

// ErrUnknownOrganization is returned when an operation names an organization
// that has no entry in the config file.
var ErrUnknownOrganization = errors.New("unknown organization")

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Config is the top-level kite configuration, loaded from config.json.
type Config struct {
	APIURL              string                        `json:"api_url,omitempty"`
	CurrentOrganization string                        `json:"current_organization,omitempty"`
	Organizations       map[string]OrganizationConfig `json:"organizations,omitempty"`
	Projects            map[string]ProjectConfig      `json:"projects,omitempty"`
	Cache               CacheConfig                   `json:"cache,omitzero"`
	Notify              NotifyConfig                  `json:"notify,omitzero"`
	Watch               WatchConfig                   `json:"watch,omitzero"`
	GitHub              GitHubConfig                  `json:"github,omitzero"`
	Server              ServerConfig                  `json:"server,omitzero"`
}

// OrganizationConfig holds the stored credentials for one organization.
type OrganizationConfig struct {
	Token string `json:"token,omitempty"`
}

// ProjectConfig binds a repository to a pipeline. Any field may be empty;
// empty fields are filled from lower-precedence layers by Resolve.
type ProjectConfig struct {
	Organization string `json:"organization,omitempty"`
	Pipeline     string `json:"pipeline,omitempty"`
	Branch       string `json:"branch,omitempty"`
}

// CacheConfig selects the local build cache backend.
type CacheConfig struct {
	Driver string `json:"driver,omitempty"` // "sqlite" or "mysql"
	DSN    string `json:"dsn,omitempty"`
}

// NotifyConfig controls how build events are delivered.
type NotifyConfig struct {
	Command           string `json:"command,omitempty"` // shell template, e.g. "notify-send {{.Title}} {{.Body}}"; values are shell-quoted
	SlackWebhookURL   string `json:"slack_webhook_url,omitempty"`
	DiscordWebhookURL string `json:"discord_webhook_url,omitempty"`
}

// WatchConfig controls build polling.
type WatchConfig struct {
	Schedule string `json:"schedule,omitempty"`
}

// GitHubConfig holds the token used to look up pull requests.
type GitHubConfig struct {
	Token string `json:"token,omitempty"`
}

// ServerConfig holds settings for the webhook receiver.
type ServerConfig struct {
	Port         int    `json:"port,omitempty"`
	WebhookToken string `json:"webhook_token,omitempty"`
}

// DefaultPath returns the config file location: $KITE_CONFIG if set,
// otherwise kite/config.json under the user config directory.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "kite", "config.json")
}

// Load reads a config file from path and returns a validated Config.
// A missing file is not an error: it yields an empty config with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Parse(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals JSON (comments and trailing commas allowed) into a
// validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path atomically with owner-only permissions.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	if c.Organizations == nil {
		c.Organizations = make(map[string]OrganizationConfig)
	}
	if c.Projects == nil {
		c.Projects = make(map[string]ProjectConfig)
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "sqlite"
	}
	if c.Watch.Schedule == "" {
		c.Watch.Schedule = DefaultWatchSchedule
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
}

// validate checks that all fields are well-formed.
func (c *Config) validate() error {
	var errs []string
	if c.CurrentOrganization != "" && !ValidSlug(c.CurrentOrganization) {
		errs = append(errs, fmt.Sprintf("current_organization %q is not a valid slug", c.CurrentOrganization))
	}
	for _, slug := range sortedKeys(c.Organizations) {
		if !ValidSlug(slug) {
			errs = append(errs, fmt.Sprintf("organizations[%q] is not a valid slug", slug))
		}
	}
	for _, dir := range sortedKeys(c.Projects) {
		if err := c.Projects[dir].validate(); err != nil {
			errs = append(errs, fmt.Sprintf("projects[%q]: %v", dir, err))
		}
	}
	switch c.Cache.Driver {
	case "sqlite":
	case "mysql":
		if c.Cache.DSN == "" {
			errs = append(errs, "cache.dsn is required for the mysql driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.driver %q must be sqlite or mysql", c.Cache.Driver))
	}
	if _, err := cron.ParseStandard(c.Watch.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("watch.schedule %q: %v", c.Watch.Schedule, err))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (p ProjectConfig) validate() error {
	if p.Organization != "" && !ValidSlug(p.Organization) {
		return fmt.Errorf("organization %q is not a valid slug", p.Organization)
	}
	if p.Pipeline != "" && !ValidSlug(p.Pipeline) {
		return fmt.Errorf("pipeline %q is not a valid slug", p.Pipeline)
	}
	return nil
}

// ValidSlug reports whether s is a well-formed organization or pipeline slug.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// SetOrganization creates or updates an organization entry. An empty token
// records the organization without storing a credential in the file.
func (c *Config) SetOrganization(slug, token string) error {
	if !ValidSlug(slug) {
		return fmt.Errorf("config: organization %q is not a valid slug", slug)
	}
	c.Organizations[slug] = OrganizationConfig{Token: token}
	if c.CurrentOrganization == "" {
		c.CurrentOrganization = slug
	}
	return nil
}

// RemoveOrganization deletes an organization entry.
func (c *Config) RemoveOrganization(slug string) error {
	if _, ok := c.Organizations[slug]; !ok {
		return fmt.Errorf("config: remove %q: %w", slug, ErrUnknownOrganization)
	}
	delete(c.Organizations, slug)
	if c.CurrentOrganization == slug {
		c.CurrentOrganization = ""
	}
	return nil
}

// UseOrganization makes slug the default organization.
func (c *Config) UseOrganization(slug string) error {
	if _, ok := c.Organizations[slug]; !ok {
		return fmt.Errorf("config: use %q: %w", slug, ErrUnknownOrganization)
	}
	c.CurrentOrganization = slug
	return nil
}

// OrganizationSlugs returns the configured organization slugs in sorted order.
func (c *Config) OrganizationSlugs() []string {
	return sortedKeys(c.Organizations)
}

// SetProject binds dir to a pipeline.
func (c *Config) SetProject(dir string, p ProjectConfig) error {
	if err := p.validate(); err != nil {
		return fmt.Errorf("config: project %s: %w", dir, err)
	}
	c.Projects[projectKey(dir)] = p
	return nil
}

// Project returns the global settings stored for dir.
func (c *Config) Project(dir string) (ProjectConfig, bool) {
	p, ok := c.Projects[projectKey(dir)]
	return p, ok
}

// RemoveProject deletes the binding for dir.
func (c *Config) RemoveProject(dir string) error {
	key := projectKey(dir)
	if _, ok := c.Projects[key]; !ok {
		return fmt.Errorf("config: no project configured for %s", dir)
	}
	delete(c.Projects, key)
	return nil
}

// CacheDSN returns the cache DSN, defaulting to a sqlite file under the
// user cache directory.
func (c *Config) CacheDSN() string {
	if c.Cache.DSN != "" {
		return c.Cache.DSN
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "kite", "cache.db")
}

func projectKey(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("config: chmod %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("config: rename to %s: %w", path, err)
	}
	return nil
}
