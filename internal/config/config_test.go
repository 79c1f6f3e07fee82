package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Provider: ProviderGitHub,
		BaseDir:  t.TempDir(),
		GitHub:   &GitHubCreds{Owner: "alice", Repo: "dotfiles", Branch: "main", Token: "ghp_x"},
	}
}

func TestConfig_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := testConfig(t)
	cfg.TrackedFiles = []string{"config/**/*.conf"}

	require.NoError(t, cfg.Save(path))

	// credential files must not be world-readable
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Provider, loaded.Provider)
	assert.Equal(t, cfg.GitHub, loaded.GitHub)
	assert.Equal(t, cfg.TrackedFiles, loaded.TrackedFiles)
	assert.Equal(t, path, loaded.Path)
	assert.Equal(t, DefaultControlURL, loaded.ControlURL)
	assert.NotEmpty(t, loaded.StateDir)
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid github", func(c *Config) {}, ""},
		{"no provider", func(c *Config) { c.Provider = "" }, "provider is required"},
		{"unknown provider", func(c *Config) { c.Provider = "ftp" }, "unknown provider"},
		{"github missing token", func(c *Config) { c.GitHub.Token = "" }, "token are required"},
		{"webdav missing password", func(c *Config) {
			c.Provider = ProviderWebDAV
			c.WebDAV = &WebDAVCreds{BaseURL: "https://dav.example.org", Username: "u"}
		}, "password are required"},
		{"gdrive missing refresh token", func(c *Config) {
			c.Provider = ProviderGDrive
			c.GDrive = &GDriveCreds{ClientID: "id", ClientSecret: "sec"}
		}, "refresh_token are required"},
		{"s3 valid", func(c *Config) {
			c.Provider = ProviderS3
			c.S3 = &S3Creds{Region: "r", Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"}
		}, ""},
		{"missing base dir", func(c *Config) { c.BaseDir = "/does/not/exist" }, "does not exist"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tc.wantErr)
			}
		})
	}
}

func TestConfig_DefaultsGitHubBranch(t *testing.T) {
	cfg := testConfig(t)
	cfg.GitHub.Branch = ""
	cfg.ApplyDefaults()

	// a branchless github config would pass validation and then fail
	// every backend call on invalid credentials
	assert.Equal(t, "main", cfg.GitHub.Branch)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_StatePaths(t *testing.T) {
	cfg := &Config{StateDir: "/state"}
	assert.Equal(t, "/state/settings.json", cfg.SettingsFile())
	assert.Equal(t, "/state/gnoming.lock", cfg.LockFile())
	assert.Equal(t, "/state/gnoming.log", cfg.LogFile())
}
