package profile

import (
	"context"
	"log/slog"
	"time"

	"github.com/gavindi/gnoming-profiles-sub000/internal/backend"
	"github.com/gavindi/gnoming-profiles-sub000/internal/tokencache"
)

// DefaultPollInterval is how often the background poller asks the
// backend whether the remote profile changed.
const DefaultPollInterval = 5 * time.Minute

// RemoteChange is the minimal descriptor handed to the notification
// callback when a background poll detects a remote change.
type RemoteChange struct {
	Backend string    `json:"backend"`
	At      time.Time `json:"at"`
}

// Poller periodically checks the backend for remote changes and records
// the tri-state outcome in the token cache. An error outcome is recorded
// as such, never as no-change.
type Poller struct {
	backend  backend.Backend
	tokens   *tokencache.Cache
	interval time.Duration

	// OnRemoteChange fires on every poll that detects a change,
	// independent of whether auto-apply is enabled. Optional.
	OnRemoteChange func(RemoteChange)
}

func NewPoller(b backend.Backend, tokens *tokencache.Cache, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{backend: b, tokens: tokens, interval: interval}
}

// Run polls until ctx is canceled. The first poll happens one full
// interval after start, not immediately, so daemon startup stays quiet.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("remote change poller started", "backend", p.backend.Name(), "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce performs a single poll cycle and returns the detected state.
func (p *Poller) PollOnce(ctx context.Context) tokencache.PollResult {
	changed, err := p.backend.PollForChanges(ctx)
	switch {
	case err != nil:
		p.tokens.SetLastResult(tokencache.PollError)
		slog.Warn("remote poll failed", "backend", p.backend.Name(), "error", err)
		return tokencache.PollError
	case changed:
		p.tokens.SetLastResult(tokencache.PollChanged)
		slog.Info("remote change detected", "backend", p.backend.Name())
		if p.OnRemoteChange != nil {
			p.OnRemoteChange(RemoteChange{Backend: p.backend.Name(), At: time.Now()})
		}
		return tokencache.PollChanged
	default:
		p.tokens.SetLastResult(tokencache.PollNoChange)
		slog.Debug("remote poll, no change", "backend", p.backend.Name())
		return tokencache.PollNoChange
	}
}
