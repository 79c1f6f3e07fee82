package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gavindi/gnoming-profiles-sub000/internal/config"
	"github.com/gavindi/gnoming-profiles-sub000/internal/daemon"
	"github.com/gavindi/gnoming-profiles-sub000/internal/utils"
	"github.com/gavindi/gnoming-profiles-sub000/internal/version"
)

var home, _ = os.UserHomeDir()

var rootCmd = &cobra.Command{
	Use:     "gnoming",
	Short:   "Synchronizes your profile (settings and tracked files) with a remote store",
	Version: version.Detailed(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFromViper()
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := setupLogging(cfg.LogFile()); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		d, err := daemon.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}

		defer slog.Info("bye")
		return d.Run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("provider", "p", "", "storage provider (github, webdav, gdrive, s3)")
	rootCmd.Flags().StringP("basedir", "d", home, "directory tracked file patterns resolve against")
	rootCmd.Flags().Bool("auto-apply", false, "apply remote changes automatically when detected")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "config file")

	rootCmd.AddCommand(syncCmd, restoreCmd, statusCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flags().Lookup("config") != nil && cmd.Flags().Changed("config") {
		path, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(path)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".gnoming"))
		viper.AddConfigPath(filepath.Join(home, ".config/gnoming"))
		viper.SetConfigName("config")
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read %q: %w", viper.ConfigFileUsed(), err)
		}
	}

	if f := cmd.Flags().Lookup("provider"); f != nil {
		viper.BindPFlag("provider", f)
	}
	if f := cmd.Flags().Lookup("basedir"); f != nil {
		viper.BindPFlag("base_dir", f)
	}
	if f := cmd.Flags().Lookup("auto-apply"); f != nil {
		viper.BindPFlag("auto_apply", f)
	}

	viper.SetEnvPrefix("GNOMING")
	viper.AutomaticEnv()
	return nil
}

// configFromViper assembles the daemon config from the layered file,
// flag and env values.
func configFromViper() *config.Config {
	cfg := &config.Config{
		Provider:          viper.GetString("provider"),
		BaseDir:           viper.GetString("base_dir"),
		StateDir:          viper.GetString("state_dir"),
		TrackedFiles:      viper.GetStringSlice("tracked_files"),
		AutoApply:         viper.GetBool("auto_apply"),
		PollIntervalSecs:  viper.GetInt("poll_interval_secs"),
		DebounceDelaySecs: viper.GetInt("debounce_delay_secs"),
		MaxConcurrency:    viper.GetInt("max_concurrency"),
		ControlURL:        viper.GetString("control_url"),
		ControlToken:      viper.GetString("control_token"),
		Path:              viper.ConfigFileUsed(),
	}

	if sub := viper.Sub("github"); sub != nil {
		cfg.GitHub = &config.GitHubCreds{
			Owner:  sub.GetString("owner"),
			Repo:   sub.GetString("repo"),
			Branch: sub.GetString("branch"),
			Token:  sub.GetString("token"),
			APIURL: sub.GetString("api_url"),
		}
	}
	if sub := viper.Sub("webdav"); sub != nil {
		cfg.WebDAV = &config.WebDAVCreds{
			BaseURL:   sub.GetString("base_url"),
			Username:  sub.GetString("username"),
			Password:  sub.GetString("password"),
			RemoteDir: sub.GetString("remote_dir"),
		}
	}
	if sub := viper.Sub("gdrive"); sub != nil {
		cfg.GDrive = &config.GDriveCreds{
			ClientID:     sub.GetString("client_id"),
			ClientSecret: sub.GetString("client_secret"),
			RefreshToken: sub.GetString("refresh_token"),
			Folder:       sub.GetString("folder"),
		}
	}
	if sub := viper.Sub("s3"); sub != nil {
		cfg.S3 = &config.S3Creds{
			Region:          sub.GetString("region"),
			Bucket:          sub.GetString("bucket"),
			Prefix:          sub.GetString("prefix"),
			AccessKeyID:     sub.GetString("access_key_id"),
			SecretAccessKey: sub.GetString("secret_access_key"),
			Endpoint:        sub.GetString("endpoint"),
		}
	}

	cfg.ApplyDefaults()
	return cfg
}

func setupLogging(logFile string) error {
	if err := utils.EnsureParent(logFile); err != nil {
		return fmt.Errorf("log dir: %w", err)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))
	return nil
}
