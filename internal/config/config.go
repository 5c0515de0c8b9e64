// Package config loads foldersync configuration from YAML, environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/steveyegge/foldersync/internal/logging"
	"github.com/steveyegge/foldersync/internal/vcs"
)

var (
	// ErrConfigNotFound is returned when no config file exists at any
	// search path
	ErrConfigNotFound = errors.New("config file not found")

	// ErrConfigInvalid is returned for unparsable or invalid configuration
	ErrConfigInvalid = errors.New("invalid config")
)

// DefaultDashboardAddr is where the daemon serves its status
const DefaultDashboardAddr = "127.0.0.1:8473"

// EnvPrefix prefixes environment overrides, e.g. FOLDERSYNC_USER_NAME.
const EnvPrefix = "FOLDERSYNC"

// Config is the complete daemon configuration
type Config struct {
	User          User           `mapstructure:"user"`
	Announcements Announcements  `mapstructure:"announcements"`
	Log           logging.Config `mapstructure:"log"`
	Dashboard     Dashboard      `mapstructure:"dashboard"`
	History       History        `mapstructure:"history"`
	Sync          Sync           `mapstructure:"sync"`
	Folders       []Folder       `mapstructure:"folders"`

	// File is the config file that was read, empty if none
	File string `mapstructure:"-"`
}

// User is the identity recorded in commits
type User struct {
	Name  string `mapstructure:"name"`
	Email string `mapstructure:"email"`
}

// Announcements configures the default notification relay
type Announcements struct {
	URL          string        `mapstructure:"url"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PingTimeout  time.Duration `mapstructure:"ping_timeout"`
}

type Dashboard struct {
	Addr string `mapstructure:"addr"`
}

type History struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

type Sync struct {
	MinFreeBytes uint64 `mapstructure:"min_free_bytes"`
	LogLimit     int    `mapstructure:"log_limit"`
}

// Folder is one synced folder
type Folder struct {
	Name    string   `mapstructure:"name" yaml:"name"`
	Path    string   `mapstructure:"path" yaml:"path"`
	Remote  string   `mapstructure:"remote" yaml:"remote,omitempty"`
	Backend string   `mapstructure:"backend" yaml:"backend,omitempty"`
	Exclude []string `mapstructure:"exclude" yaml:"exclude,omitempty"`

	// AnnouncementsURL overrides the global relay for this folder
	AnnouncementsURL string `mapstructure:"announcements_url" yaml:"announcements_url,omitempty"`
}

// AnnouncementEndpoint returns the relay endpoint for f.
func (c *Config) AnnouncementEndpoint(f Folder) string {
	if f.AnnouncementsURL != "" {
		return f.AnnouncementsURL
	}
	return c.Announcements.URL
}

// Folder returns the folder named name.
func (c *Config) Folder(name string) (Folder, bool) {
	for _, f := range c.Folders {
		if f.Name == name {
			return f, true
		}
	}
	return Folder{}, false
}

// Dir returns the foldersync state directory, ~/.config/foldersync on
// Linux.
func Dir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "foldersync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".foldersync")
	}
	return ".foldersync"
}

// DefaultFile is where a new config file is written.
func DefaultFile() string {
	return filepath.Join(Dir(), "config.yaml")
}

// SearchPaths returns the directories searched for config.yaml.
func SearchPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "foldersync"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".foldersync"))
	}
	return paths
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("user.name", "")
	v.SetDefault("user.email", "")
	v.SetDefault("announcements.url", "")
	v.SetDefault("announcements.ping_interval", 60*time.Second)
	v.SetDefault("announcements.ping_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatText)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
	v.SetDefault("dashboard.addr", DefaultDashboardAddr)
	v.SetDefault("history.path", filepath.Join(Dir(), "history.db"))
	v.SetDefault("history.retention", 90*24*time.Hour)
	v.SetDefault("sync.min_free_bytes", 0)
	v.SetDefault("sync.log_limit", 30)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path, or searches SearchPaths when path
// is empty. A missing file is reported as ErrConfigNotFound.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range SearchPaths() {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	return decode(v)
}

// LoadFromString parses YAML content, mainly for tests.
func LoadFromString(content string) (*Config, error) {
	v := newViper()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	cfg.File = v.ConfigFileUsed()

	for i := range cfg.Folders {
		cfg.Folders[i].Path = ExpandHome(cfg.Folders[i].Path)
	}
	cfg.History.Path = ExpandHome(cfg.History.Path)
	cfg.Log.File = ExpandHome(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ExpandHome replaces a leading "~/" with the home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("%w: log: %v", ErrConfigInvalid, err)
	}
	if err := validateEndpoint(c.Announcements.URL); err != nil {
		return fmt.Errorf("%w: announcements.url: %v", ErrConfigInvalid, err)
	}
	if c.Announcements.PingTimeout <= 0 || c.Announcements.PingInterval <= 0 {
		return fmt.Errorf("%w: announcements ping interval and timeout must be positive", ErrConfigInvalid)
	}

	seen := make(map[string]bool)
	for i, f := range c.Folders {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("%w: folders[%d]: %v", ErrConfigInvalid, i, err)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate folder name %q", ErrConfigInvalid, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// Validate checks a single folder entry
func (f Folder) Validate() error {
	if f.Name == "" {
		return errors.New("name is required")
	}
	if strings.ContainsAny(f.Name, "/\\") {
		return fmt.Errorf("name %q must not contain path separators", f.Name)
	}
	if f.Path == "" {
		return errors.New("path is required")
	}
	if !filepath.IsAbs(f.Path) {
		return fmt.Errorf("path %q must be absolute", f.Path)
	}
	switch vcs.Type(f.Backend) {
	case "", vcs.TypeGit, vcs.TypeHg:
	default:
		return fmt.Errorf("unknown backend %q", f.Backend)
	}
	if err := validateEndpoint(f.AnnouncementsURL); err != nil {
		return fmt.Errorf("announcements_url: %v", err)
	}
	return nil
}

func validateEndpoint(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "tcp" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Port() == "" {
		return fmt.Errorf("%q has no port", raw)
	}
	return nil
}
