// Package daemon assembles the sync engine into a long-running process:
// config, backend, orchestrator, watcher, debouncer, remote poller and
// the local control plane API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/gavindi/gnoming-profiles-sub000/internal/backend"
	"github.com/gavindi/gnoming-profiles-sub000/internal/backend/gdrive"
	"github.com/gavindi/gnoming-profiles-sub000/internal/backend/github"
	"github.com/gavindi/gnoming-profiles-sub000/internal/backend/s3"
	"github.com/gavindi/gnoming-profiles-sub000/internal/backend/webdav"
	"github.com/gavindi/gnoming-profiles-sub000/internal/config"
	"github.com/gavindi/gnoming-profiles-sub000/internal/debounce"
	"github.com/gavindi/gnoming-profiles-sub000/internal/dispatch"
	"github.com/gavindi/gnoming-profiles-sub000/internal/profile"
	"github.com/gavindi/gnoming-profiles-sub000/internal/settings"
	"github.com/gavindi/gnoming-profiles-sub000/internal/tokencache"
	"github.com/gavindi/gnoming-profiles-sub000/internal/utils"
	"github.com/gavindi/gnoming-profiles-sub000/internal/version"
	"github.com/gavindi/gnoming-profiles-sub000/internal/watch"
)

// ErrAlreadyRunning means another daemon holds the profile lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

type Daemon struct {
	config     *config.Config
	backend    backend.Backend
	orch       *profile.Orchestrator
	dispatcher *dispatch.Dispatcher
	tokens     *tokencache.Cache
	debouncer  *debounce.Debouncer
	watcher    *watch.Watcher
	poller     *profile.Poller
	server     *http.Server
	lock       *flock.Flock
}

func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := utils.EnsureDir(cfg.StateDir); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}

	lock := flock.New(cfg.LockFile())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("profile lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}

	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = dispatch.DefaultMaxConcurrency
	}
	dispatcher := dispatch.New(maxConcurrency)
	tokens := tokencache.New()

	bk, err := buildBackend(ctx, cfg, dispatcher, tokens)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	store, err := settings.NewFileStore(afero.NewOsFs(), cfg.SettingsFile())
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	orch := profile.NewOrchestrator(profile.Options{
		Backend:    bk,
		Store:      store,
		Files:      profile.NewFileSet(afero.NewOsFs(), cfg.BaseDir, cfg.TrackedFiles),
		Dispatcher: dispatcher,
		Tokens:     tokens,
	})

	d := &Daemon{
		config:     cfg,
		backend:    bk,
		orch:       orch,
		dispatcher: dispatcher,
		tokens:     tokens,
		lock:       lock,
	}

	d.debouncer = debounce.New(cfg.DebounceDelay(), func(sources []string) {
		if _, err := orch.SyncOut(context.Background(), true); err != nil {
			slog.Error("debounced sync failed", "error", err)
		}
	})

	// the state dir holds the daemon's own log, lock and settings
	// files; writes there must never signal a sync
	d.watcher = watch.New(cfg.BaseDir, func(source string) {
		if orch.Suppressed() {
			// a restore is applying; its own writes must not sync back out
			return
		}
		d.debouncer.Signal(source)
	}, cfg.StateDir)

	d.poller = profile.NewPoller(bk, tokens, cfg.PollInterval())
	d.poller.OnRemoteChange = d.onRemoteChange

	d.server = &http.Server{
		Addr:    controlAddr(cfg.ControlURL),
		Handler: d.setupRoutes(),
	}
	return d, nil
}

// Run starts every component and blocks until ctx is canceled or a
// component fails.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("daemon start",
		"version", version.Version,
		"provider", d.config.Provider,
		"base_dir", d.config.BaseDir,
		"control", d.server.Addr)
	defer slog.Info("daemon stop")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("watcher: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := d.poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("poller: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control plane: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	d.Close()
	return err
}

// Close tears the daemon down; safe after a failed Run.
func (d *Daemon) Close() {
	d.debouncer.Stop()
	d.dispatcher.Shutdown()
	d.backend.Cleanup()
	if err := d.lock.Unlock(); err != nil {
		slog.Warn("release profile lock", "error", err)
	}
}

func (d *Daemon) onRemoteChange(rc profile.RemoteChange) {
	slog.Info("remote profile changed", "backend", rc.Backend, "at", rc.At)
	if !d.config.AutoApply {
		return
	}
	if _, err := d.orch.SyncIn(context.Background(), true); err != nil {
		slog.Error("auto-apply failed", "error", err)
	}
}

// buildBackend constructs the configured provider. Credential bundles
// are built here, once, and never logged.
func buildBackend(ctx context.Context, cfg *config.Config, dispatcher *dispatch.Dispatcher, tokens *tokencache.Cache) (backend.Backend, error) {
	switch cfg.Provider {
	case config.ProviderGitHub:
		return github.New(&github.Credentials{
			Owner:  cfg.GitHub.Owner,
			Repo:   cfg.GitHub.Repo,
			Branch: cfg.GitHub.Branch,
			Token:  cfg.GitHub.Token,
			APIURL: cfg.GitHub.APIURL,
		}, dispatcher, tokens, commitMessage), nil

	case config.ProviderWebDAV:
		return webdav.New(&webdav.Credentials{
			BaseURL:   cfg.WebDAV.BaseURL,
			Username:  cfg.WebDAV.Username,
			Password:  cfg.WebDAV.Password,
			RemoteDir: cfg.WebDAV.RemoteDir,
			PollPath:  profile.SnapshotFileName,
		}, tokens), nil

	case config.ProviderGDrive:
		return gdrive.New(&gdrive.Credentials{
			ClientID:     cfg.GDrive.ClientID,
			ClientSecret: cfg.GDrive.ClientSecret,
			RefreshToken: cfg.GDrive.RefreshToken,
			Folder:       cfg.GDrive.Folder,
			PollPath:     profile.SnapshotFileName,
		}, tokens), nil

	case config.ProviderS3:
		return s3.New(ctx, &s3.Credentials{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Endpoint:        cfg.S3.Endpoint,
			PollPath:        profile.SnapshotFileName,
		}, tokens)

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// commitMessage describes an upload in remote history, tagged with a
// stable anonymized device id so multi-device setups stay legible.
func commitMessage() string {
	return fmt.Sprintf("profile sync from %s at %s", deviceTag(), time.Now().Format(time.RFC3339))
}

func deviceTag() string {
	id, err := machineid.ProtectedID("gnoming-profiles")
	if err != nil {
		host, herr := os.Hostname()
		if herr != nil {
			return "unknown-device"
		}
		return host
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func controlAddr(controlURL string) string {
	u, err := url.Parse(controlURL)
	if err != nil || u.Host == "" {
		return "localhost:7341"
	}
	return u.Host
}
