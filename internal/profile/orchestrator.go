package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/gavindi/gnoming-profiles-sub000/internal/backend"
	"github.com/gavindi/gnoming-profiles-sub000/internal/dispatch"
	"github.com/gavindi/gnoming-profiles-sub000/internal/settings"
	"github.com/gavindi/gnoming-profiles-sub000/internal/tokencache"
)

// ErrAlreadySyncing is returned when a sync is requested with queueing
// disabled while another sync holds the lock.
var ErrAlreadySyncing = errors.New("sync already in progress")

const (
	// DefaultCooldown separates a finished sync from the next queued one
	// so a burst of requests cannot re-enter back to back.
	DefaultCooldown = 2 * time.Second

	// DefaultApplyGrace keeps change monitoring suppressed after a
	// restore finishes, so the apply itself cannot trigger an outbound
	// sync.
	DefaultApplyGrace = 5 * time.Second
)

// Operation is one unit of sync work run under the single-flight lock.
type Operation func(ctx context.Context) error

type queuedOp struct {
	label string
	op    Operation
}

// Status is the snapshot exposed for UI display.
type Status struct {
	IsSyncing       bool                  `json:"isSyncing"`
	CurrentLabel    string                `json:"currentLabel,omitempty"`
	QueueDepth      int                   `json:"queueDepth"`
	PendingRequests int                   `json:"pendingRequests"`
	ActiveRequests  int                   `json:"activeRequests"`
	HasChangeToken  bool                  `json:"hasChangeToken"`
	LastPoll        tokencache.PollResult `json:"-"`
	LastPollResult  string                `json:"lastPollResult"`
}

// Options configure an Orchestrator.
type Options struct {
	Backend    backend.Backend
	Store      settings.Store
	Files      *FileSet
	Dispatcher *dispatch.Dispatcher
	Tokens     *tokencache.Cache

	// Cooldown between a finishing sync and draining the next queued
	// one. Zero selects DefaultCooldown.
	Cooldown time.Duration

	// ApplyGrace extends change-monitor suppression past the end of a
	// restore. Zero selects DefaultApplyGrace.
	ApplyGrace time.Duration
}

// Orchestrator owns the single-flight sync lock and its FIFO retry
// queue. Exactly one sync operation executes at a time; queued operations
// run strictly in arrival order, one cooldown interval apart.
type Orchestrator struct {
	backend    backend.Backend
	store      settings.Store
	files      *FileSet
	dispatcher *dispatch.Dispatcher
	tokens     *tokencache.Cache
	hashes     *ContentHashCache

	cooldown   time.Duration
	applyGrace time.Duration

	mu             sync.Mutex
	syncing        bool
	currentLabel   string
	queue          []queuedOp
	drainScheduled bool
	suppressUntil  time.Time
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.ApplyGrace <= 0 {
		opts.ApplyGrace = DefaultApplyGrace
	}
	return &Orchestrator{
		backend:    opts.Backend,
		store:      opts.Store,
		files:      opts.Files,
		dispatcher: opts.Dispatcher,
		tokens:     opts.Tokens,
		hashes:     NewContentHashCache(),
		cooldown:   opts.Cooldown,
		applyGrace: opts.ApplyGrace,
	}
}

// Perform runs op under the sync lock. If the lock is free the operation
// runs synchronously and its error is returned. If a sync is already in
// flight, op is queued (queued=true, nil error) when allowQueue is set,
// or rejected with ErrAlreadySyncing otherwise; in the rejection case
// op never runs.
func (o *Orchestrator) Perform(ctx context.Context, label string, op Operation, allowQueue bool) (queued bool, err error) {
	o.mu.Lock()
	if o.syncing {
		if !allowQueue {
			o.mu.Unlock()
			slog.Debug("sync rejected, already in progress", "label", label, "current", o.currentLabel)
			return false, fmt.Errorf("%q: %w", label, ErrAlreadySyncing)
		}
		o.queue = append(o.queue, queuedOp{label: label, op: op})
		depth := len(o.queue)
		o.mu.Unlock()
		slog.Info("sync queued", "label", label, "depth", depth)
		return true, nil
	}
	o.syncing = true
	o.currentLabel = label
	o.mu.Unlock()

	return false, o.run(ctx, label, op)
}

// run executes one operation and always releases the lock, then arms the
// queue drain.
func (o *Orchestrator) run(ctx context.Context, label string, op Operation) error {
	tstart := time.Now()
	slog.Info("sync start", "label", label)

	err := op(ctx)

	if err != nil {
		slog.Error("sync failed", "label", label, "took", time.Since(tstart), "error", err)
	} else {
		slog.Info("sync done", "label", label, "took", time.Since(tstart))
	}

	o.mu.Lock()
	o.syncing = false
	o.currentLabel = ""
	o.scheduleDrainLocked()
	o.mu.Unlock()

	return err
}

// scheduleDrainLocked arms a single cooldown timer when queued work
// exists. Callers hold o.mu.
func (o *Orchestrator) scheduleDrainLocked() {
	if o.drainScheduled || len(o.queue) == 0 {
		return
	}
	o.drainScheduled = true
	time.AfterFunc(o.cooldown, o.drain)
}

// drain pops the queue head and runs it, unless an external caller took
// the lock in the meantime; then it re-arms and tries again after the
// next release. Strict FIFO order is preserved either way.
func (o *Orchestrator) drain() {
	o.mu.Lock()
	o.drainScheduled = false
	if o.syncing {
		// lock is busy again; the current holder re-arms on release
		o.mu.Unlock()
		return
	}
	if len(o.queue) == 0 {
		o.mu.Unlock()
		return
	}
	next := o.queue[0]
	o.queue = o.queue[1:]
	o.syncing = true
	o.currentLabel = next.label
	o.mu.Unlock()

	slog.Info("sync dequeued", "label", next.label)
	o.run(context.Background(), next.label, next.op)
}

// SyncOut uploads the local profile state to the backend.
func (o *Orchestrator) SyncOut(ctx context.Context, allowQueue bool) (bool, error) {
	return o.Perform(ctx, "sync-out", o.uploadOperation, allowQueue)
}

// SyncIn restores the remote profile state onto the local system.
func (o *Orchestrator) SyncIn(ctx context.Context, allowQueue bool) (bool, error) {
	return o.Perform(ctx, "sync-in", o.restoreOperation, allowQueue)
}

// SyncBoth restores first, then uploads the merged result.
func (o *Orchestrator) SyncBoth(ctx context.Context, allowQueue bool) (bool, error) {
	return o.Perform(ctx, "sync-both", func(ctx context.Context) error {
		if err := o.restoreOperation(ctx); err != nil {
			return err
		}
		return o.uploadOperation(ctx)
	}, allowQueue)
}

// uploadOperation builds a fresh snapshot plus tracked-file entries,
// drops every candidate whose content hash matches the last confirmed
// upload, and ships the remainder in one batch. An empty change-set
// skips the network entirely.
func (o *Orchestrator) uploadOperation(ctx context.Context) error {
	snap, err := BuildSnapshot(o.store)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}
	data, err := snap.Serialize()
	if err != nil {
		return err
	}
	// the snapshot's hash covers the settings tree only, so a fresh
	// timestamp never makes an unchanged profile look modified
	stable, err := snap.StableBytes()
	if err != nil {
		return err
	}

	var changes []backend.ChangeSetEntry
	var totalSize uint64
	if !o.hashes.Unchanged(SnapshotFileName, stable) {
		changes = append(changes, backend.ChangeSetEntry{
			RemotePath: SnapshotFileName,
			Content:    data,
			Encoding:   backend.EncodingRaw,
		})
		totalSize += uint64(len(data))
	}

	tracked, err := o.files.Resolve()
	if err != nil {
		return err
	}
	for _, rel := range tracked {
		entry, err := o.files.Entry(rel)
		if err != nil {
			// unreadable file fails this candidate only
			slog.Warn("skipping unreadable tracked file", "path", rel, "error", err)
			continue
		}
		if o.hashes.Unchanged(entry.RemotePath, entry.Content) {
			continue
		}
		changes = append(changes, entry)
		totalSize += uint64(len(entry.Content))
	}

	if len(changes) == 0 {
		slog.Info("nothing changed since last upload, skipping")
		return nil
	}

	slog.Info("uploading change-set",
		"files", len(changes),
		"size", humanize.Bytes(totalSize),
		"backend", o.backend.Name())

	if err := o.backend.UploadBatch(ctx, changes); err != nil {
		return fmt.Errorf("upload batch: %w", err)
	}

	for _, entry := range changes {
		if entry.RemotePath == SnapshotFileName {
			o.hashes.Record(SnapshotFileName, stable)
			continue
		}
		o.hashes.Record(entry.RemotePath, entry.Content)
	}
	return nil
}

// restoreOperation downloads the remote snapshot and applies it. No
// remote backup yet is a clean no-op, not an error. Change monitoring is
// suppressed for the duration of the apply plus a grace window so the
// apply cannot trigger a new outbound sync.
func (o *Orchestrator) restoreOperation(ctx context.Context) error {
	res, err := o.backend.DownloadFile(ctx, SnapshotFileName)
	if err != nil {
		return fmt.Errorf("download snapshot: %w", err)
	}
	if res.NotFound() {
		slog.Info("no remote backup yet, nothing to restore")
		return nil
	}
	if !res.OK {
		return fmt.Errorf("download snapshot: unexpected status %d", res.Status)
	}

	snap, err := ParseSnapshot(res.Content)
	if err != nil {
		return err
	}

	o.suppressFor(24 * time.Hour) // released with the real grace below
	defer o.suppressFor(o.applyGrace)

	applied, skipped := snap.Apply(o.store)
	slog.Info("settings restored",
		"schemas", len(snap.Settings), "applied", applied, "skipped", skipped,
		"snapshot_time", snap.Timestamp)

	tracked, err := o.files.Resolve()
	if err != nil {
		return err
	}
	for _, rel := range tracked {
		if err := o.restoreFile(ctx, rel); err != nil {
			// per-file failures never abort the rest of the restore
			slog.Warn("restore file failed", "path", rel, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) restoreFile(ctx context.Context, rel string) error {
	remote := RemotePath(rel)

	var content []byte
	if IsBinary(rel) {
		data, err := o.backend.DownloadBinaryFile(ctx, remote)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				return nil
			}
			return err
		}
		content = data
	} else {
		res, err := o.backend.DownloadFile(ctx, remote)
		if err != nil {
			return err
		}
		if res.NotFound() {
			return nil
		}
		if !res.OK {
			return fmt.Errorf("unexpected status %d", res.Status)
		}
		content = res.Content
	}

	if err := ValidateContent(rel, content); err != nil {
		return err
	}
	return o.files.Write(rel, content)
}

// suppressFor sets the change-monitor suppression window to d from now,
// replacing any previous deadline.
func (o *Orchestrator) suppressFor(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.suppressUntil = time.Now().Add(d)
}

// Suppressed reports whether change notifications should currently be
// ignored because a restore is (or just was) applying settings.
func (o *Orchestrator) Suppressed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return time.Now().Before(o.suppressUntil)
}

// Status returns the current engine snapshot for UI display.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	syncing := o.syncing
	label := o.currentLabel
	depth := len(o.queue)
	o.mu.Unlock()

	last := o.tokens.LastResult()
	return Status{
		IsSyncing:       syncing,
		CurrentLabel:    label,
		QueueDepth:      depth,
		PendingRequests: o.dispatcher.Pending(),
		ActiveRequests:  o.dispatcher.Active(),
		HasChangeToken:  o.tokens.Len() > 0,
		LastPoll:        last,
		LastPollResult:  last.String(),
	}
}

// ClearCaches drops the content-hash and change-token caches, forcing
// the next sync to re-upload everything and the next poll to
// re-baseline. Used on credential change and explicit resync.
func (o *Orchestrator) ClearCaches() {
	o.hashes.ClearAll()
	o.tokens.ClearAll()
	o.backend.ClearChangeCache()
}
