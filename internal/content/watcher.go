// Watcher reloads the package snapshot when the package or config
// directories change on disk, and, when a remote source is configured, polls
// SSM for a new release and syncs it from S3 before reloading.
//
// Reloads are serialized. A reload that fails to load or validate keeps the
// previous snapshot in place.

package content

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/capsium/reactor/internal/log"
	"github.com/capsium/reactor/internal/xerrors"
)

const (
	// DefaultPollInterval is how often the watcher checks SSM for a new release.
	DefaultPollInterval = 30 * time.Second

	// DefaultDebounce batches bursts of filesystem events into one reload.
	DefaultDebounce = 500 * time.Millisecond

	// maxBackoff caps exponential backoff on consecutive SSM errors.
	maxBackoff = 5 * time.Minute
)

// pollResult describes what happened during a single reload or poll.
type pollResult int

const (
	pollNoChange        pollResult = iota // nothing differs from the active snapshot
	pollSwapped                           // new snapshot loaded and swapped
	pollSSMError                          // SSM fetch failed, caller should back off
	pollLoadError                         // sync or load failed
	pollValidationError                   // snapshot loaded but failed checks
)

// SnapshotLoader builds a snapshot from the current on-disk state.
type SnapshotLoader interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// ReleaseSyncer is the remote side: which release is current, and fetch it
// into the package directory.
type ReleaseSyncer interface {
	CurrentRelease(ctx context.Context) (string, error)
	Sync(ctx context.Context, release string) (SyncResult, error)
}

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherSwaps()
	IncWatcherError(errType string)
	ObserveReloadDuration(seconds float64)
	SetWatcherLastSuccess(unixSeconds float64)
	SetWatcherStale(stale bool)
}

type WatcherOptions struct {
	Logger  log.Logger
	Loader  SnapshotLoader
	Manager *Manager

	// WatchDirs are watched with fsnotify. Missing directories are skipped.
	WatchDirs []string
	Debounce  time.Duration

	// Remote enables SSM polling when non-nil.
	Remote       ReleaseSyncer
	PollInterval time.Duration
	// StaleThreshold is how long SSM may fail before content is reported
	// stale. Zero defaults to 30 minutes.
	StaleThreshold time.Duration

	// Validation checks new snapshots before they are swapped in.
	Validation *ValidationOptions

	// OnSwap runs synchronously after each successful swap.
	OnSwap  func(*Snapshot)
	Metrics WatcherMetrics
}

type Watcher struct {
	loader     SnapshotLoader
	manager    *Manager
	logger     log.Logger
	remote     ReleaseSyncer
	interval   time.Duration
	debounce   time.Duration
	dirs       []string
	validation ValidationOptions
	onSwap     func(*Snapshot)
	metrics    WatcherMetrics

	mu sync.Mutex // one reload at a time

	currentRelease  string
	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	pollCount int64
	swapCount int64
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	validation := DefaultValidationOptions()
	if opts.Validation != nil {
		validation = *opts.Validation
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}

	// seed the release from the active snapshot so the first poll doesn't
	// re-sync what startup already fetched
	currentRelease := ""
	if snap, ok := opts.Manager.Get(); ok {
		currentRelease = snap.Release
	}

	return &Watcher{
		loader:         opts.Loader,
		manager:        opts.Manager,
		logger:         opts.Logger,
		remote:         opts.Remote,
		interval:       interval,
		debounce:       debounce,
		dirs:           opts.WatchDirs,
		validation:     validation,
		onSwap:         opts.OnSwap,
		metrics:        opts.Metrics,
		currentRelease: currentRelease,
		staleThreshold: staleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Run watches until ctx is cancelled. Intended to be launched as
// go watcher.Run(ctx).
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := w.openFS(ctx)
	if err != nil {
		return err
	}
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if fsw != nil {
		defer fsw.Close()
		events, errs = fsw.Events, fsw.Errors
	}

	var pollC <-chan time.Time
	var ticker *time.Ticker
	if w.remote != nil {
		ticker = time.NewTicker(w.interval)
		defer ticker.Stop()
		pollC = ticker.C
	}

	w.logger.Info(ctx, "package watcher starting",
		"dirs", w.dirs,
		"remote", w.remote != nil,
		"poll_interval", w.interval.String(),
		"debounce", w.debounce.String(),
	)

	debounce := time.NewTimer(w.debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "package watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !relevant(ev) {
				continue
			}
			w.logger.Debug(ctx, "package watcher: change detected", "path", ev.Name, "op", ev.Op.String())
			debounce.Reset(w.debounce)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn(ctx, "package watcher: fsnotify error", "error", err)
			if w.metrics != nil {
				w.metrics.IncWatcherError("fsnotify")
			}

		case <-debounce.C:
			w.Reload(ctx, "fs")

		case <-pollC:
			result := w.checkRemote(ctx)
			w.adjustPoll(ctx, ticker, result)
		}
	}
}

func (w *Watcher) openFS(ctx context.Context) (*fsnotify.Watcher, error) {
	if len(w.dirs) == 0 {
		return nil, nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.Wrap(err, "create fsnotify watcher")
	}
	added := 0
	for _, d := range w.dirs {
		if d == "" {
			continue
		}
		if st, err := os.Stat(d); err != nil || !st.IsDir() {
			w.logger.Warn(ctx, "package watcher: not watching missing directory", "dir", d)
			continue
		}
		if err := fsw.Add(d); err != nil {
			w.logger.Warn(ctx, "package watcher: watch failed", "dir", d, "error", err)
			continue
		}
		added++
	}
	if added == 0 {
		_ = fsw.Close()
		return nil, nil
	}
	return fsw, nil
}

// relevant drops chmod-only events and editor or sync temp files.
func relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".tmp") {
		return false
	}
	return true
}

func (w *Watcher) adjustPoll(ctx context.Context, ticker *time.Ticker, result pollResult) {
	if result == pollSSMError {
		w.consecutiveErrs++
		backoff := w.backoffDuration()
		w.logger.Warn(ctx, "package watcher: backing off",
			"consecutive_errors", w.consecutiveErrs,
			"next_poll_in", backoff.String(),
		)
		ticker.Reset(backoff)

		if time.Since(w.lastSuccessAt) > w.staleThreshold && !w.staleLogged {
			w.logger.Error(ctx, fmt.Errorf("last successful SSM poll was %s ago", time.Since(w.lastSuccessAt).Truncate(time.Second)),
				"package watcher: packages are stale, unable to verify release",
			)
			w.staleLogged = true
			if w.metrics != nil {
				w.metrics.SetWatcherStale(true)
			}
		}
		return
	}

	if w.consecutiveErrs > 0 {
		w.logger.Info(ctx, "package watcher: recovered, resuming normal interval",
			"had_consecutive_errors", w.consecutiveErrs,
		)
		w.consecutiveErrs = 0
		ticker.Reset(w.interval)
	}
	if w.staleLogged {
		w.logger.Info(ctx, "package watcher: staleness recovered")
		w.staleLogged = false
		if w.metrics != nil {
			w.metrics.SetWatcherStale(false)
		}
	}
}

// checkRemote polls SSM and, on a new release, syncs it and reloads.
func (w *Watcher) checkRemote(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncWatcherPolls()
	}

	release, err := w.remote.CurrentRelease(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "package watcher: SSM poll failed")
		if w.metrics != nil {
			w.metrics.IncWatcherError("ssm")
		}
		return pollSSMError
	}

	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetWatcherLastSuccess(float64(now.Unix()))
	}

	if release == w.currentRelease {
		return pollNoChange
	}

	w.logger.Info(ctx, "package watcher: new release detected",
		"old_release", w.currentRelease,
		"new_release", release,
	)
	res, err := w.remote.Sync(ctx, release)
	if err != nil {
		w.logger.Error(ctx, err, "package watcher: release sync failed", "release", release)
		if w.metrics != nil {
			w.metrics.IncWatcherError("sync")
		}
		return pollLoadError
	}
	w.logger.Info(ctx, "package watcher: release synced",
		"release", release,
		"downloaded", len(res.Downloaded),
		"removed", len(res.Removed),
		"unchanged", res.Unchanged,
	)

	result := w.reload(ctx, "release", release)
	if result == pollSwapped || result == pollNoChange {
		w.currentRelease = release
	}
	return result
}

// Reload builds a fresh snapshot and swaps it in if it differs from the
// active one and passes validation.
func (w *Watcher) Reload(ctx context.Context, reason string) pollResult {
	return w.reload(ctx, reason, "")
}

func (w *Watcher) reload(ctx context.Context, reason, release string) pollResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	snap, err := w.loader.Load(ctx)
	if w.metrics != nil {
		w.metrics.ObserveReloadDuration(time.Since(start).Seconds())
	}
	if err != nil {
		w.logger.Error(ctx, err, "package watcher: reload failed, keeping current packages", "reason", reason)
		if w.metrics != nil {
			w.metrics.IncWatcherError("load")
		}
		return pollLoadError
	}
	if release == "" {
		release = w.currentRelease
	}
	if snap.Release == "" {
		snap.Release = release
	}

	if err := ValidateSnapshot(snap, w.validation); err != nil {
		w.logger.Error(ctx, err, "package watcher: new snapshot failed validation, keeping current packages",
			"reason", reason,
		)
		if w.metrics != nil {
			w.metrics.IncWatcherError("validation")
		}
		return pollValidationError
	}

	old := w.manager.Fingerprint()
	if fp := snap.Fingerprint(); fp == old {
		w.logger.Debug(ctx, "package watcher: no effective change", "reason", reason)
		return pollNoChange
	}

	w.manager.Set(snap)
	w.swapCount++
	if w.metrics != nil {
		w.metrics.IncWatcherSwaps()
	}
	w.logger.Info(ctx, "package watcher: packages swapped",
		"reason", reason,
		"packages", len(snap.Packages),
		"warnings", len(snap.Warnings),
		"total_swaps", w.swapCount,
	)

	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r),
						"package watcher: OnSwap callback panicked, continuing",
					)
				}
			}()
			w.onSwap(snap)
		}()
	}
	return pollSwapped
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 -> 2x interval, =2 -> 4x, =3 -> 8x, etc.
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
