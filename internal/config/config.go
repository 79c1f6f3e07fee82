// Package config holds the daemon configuration: which backend syncs
// the profile, its credentials, and what local state is tracked.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gavindi/gnoming-profiles-sub000/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".gnoming", "config.json")
	DefaultStateDir   = filepath.Join(home, ".gnoming")
	DefaultControlURL = "http://localhost:7341"
)

const (
	ProviderGitHub = "github"
	ProviderWebDAV = "webdav"
	ProviderGDrive = "gdrive"
	ProviderS3     = "s3"
)

// GitHubCreds configures the GitHub backend.
type GitHubCreds struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Token  string `json:"token"`
	APIURL string `json:"api_url,omitempty"`
}

// WebDAVCreds configures the WebDAV backend.
type WebDAVCreds struct {
	BaseURL   string `json:"base_url"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	RemoteDir string `json:"remote_dir"`
}

// GDriveCreds configures the Google Drive backend.
type GDriveCreds struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	Folder       string `json:"folder"`
}

// S3Creds configures the S3 backend.
type S3Creds struct {
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix,omitempty"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Endpoint        string `json:"endpoint,omitempty"`
}

type Config struct {
	// Provider selects the active backend: github, webdav, gdrive, s3.
	Provider string `json:"provider"`

	// BaseDir is the root the tracked-file patterns resolve against.
	BaseDir string `json:"base_dir"`

	// StateDir holds the daemon lock, log and settings files.
	StateDir string `json:"state_dir,omitempty"`

	// TrackedFiles are glob patterns relative to BaseDir, e.g.
	// "config/**/*.conf".
	TrackedFiles []string `json:"tracked_files,omitempty"`

	// AutoApply restores remote changes automatically when a poll
	// detects them; off, the daemon only fires the notification.
	AutoApply bool `json:"auto_apply,omitempty"`

	PollIntervalSecs  int `json:"poll_interval_secs,omitempty"`
	DebounceDelaySecs int `json:"debounce_delay_secs,omitempty"`
	MaxConcurrency    int `json:"max_concurrency,omitempty"`

	// ControlURL is where the daemon's local API listens.
	ControlURL string `json:"control_url,omitempty"`
	// ControlToken guards the local API; empty leaves it open, which
	// is acceptable only because it binds to localhost.
	ControlToken string `json:"control_token,omitempty"`

	GitHub *GitHubCreds `json:"github,omitempty"`
	WebDAV *WebDAVCreds `json:"webdav,omitempty"`
	GDrive *GDriveCreds `json:"gdrive,omitempty"`
	S3     *S3Creds     `json:"s3,omitempty"`

	Path string `json:"-"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := utils.JSONUnmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.Path = path
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset optional fields. Load calls it; configs
// assembled by hand (flag/env layering) call it themselves.
func (c *Config) ApplyDefaults() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.BaseDir == "" {
		c.BaseDir = home
	}
	if c.ControlURL == "" {
		c.ControlURL = DefaultControlURL
	}
	// the backend refuses to run without a branch, so an unset one must
	// not survive past defaulting
	if c.GitHub != nil && c.GitHub.Branch == "" {
		c.GitHub.Branch = "main"
	}
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}
	data, err := utils.JSONMarshalIndent(c)
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}
	// contains credentials
	return os.WriteFile(path, data, 0o600)
}

// Validate fails fast on a config the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderGitHub:
		if c.GitHub == nil || c.GitHub.Owner == "" || c.GitHub.Repo == "" || c.GitHub.Token == "" {
			return fmt.Errorf("provider %q: owner, repo and token are required", c.Provider)
		}
	case ProviderWebDAV:
		if c.WebDAV == nil || c.WebDAV.BaseURL == "" || c.WebDAV.Username == "" || c.WebDAV.Password == "" {
			return fmt.Errorf("provider %q: base_url, username and password are required", c.Provider)
		}
	case ProviderGDrive:
		if c.GDrive == nil || c.GDrive.ClientID == "" || c.GDrive.ClientSecret == "" || c.GDrive.RefreshToken == "" {
			return fmt.Errorf("provider %q: client_id, client_secret and refresh_token are required", c.Provider)
		}
	case ProviderS3:
		if c.S3 == nil || c.S3.Bucket == "" || c.S3.Region == "" || c.S3.AccessKeyID == "" || c.S3.SecretAccessKey == "" {
			return fmt.Errorf("provider %q: region, bucket and access keys are required", c.Provider)
		}
	case "":
		return fmt.Errorf("provider is required (github, webdav, gdrive or s3)")
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if !utils.DirExists(c.BaseDir) {
		return fmt.Errorf("base_dir %q does not exist", c.BaseDir)
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSecs <= 0 {
		return 0
	}
	return time.Duration(c.PollIntervalSecs) * time.Second
}

func (c *Config) DebounceDelay() time.Duration {
	if c.DebounceDelaySecs <= 0 {
		return 0
	}
	return time.Duration(c.DebounceDelaySecs) * time.Second
}

// SettingsFile is where the JSON settings store lives.
func (c *Config) SettingsFile() string {
	return filepath.Join(c.StateDir, "settings.json")
}

// LockFile guards against two daemons syncing one profile.
func (c *Config) LockFile() string {
	return filepath.Join(c.StateDir, "gnoming.lock")
}

func (c *Config) LogFile() string {
	return filepath.Join(c.StateDir, "gnoming.log")
}
