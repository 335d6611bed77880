package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nextcloud-sync/syncengine/internal/conflictclassify"
	"github.com/nextcloud-sync/syncengine/internal/detect"
	"github.com/nextcloud-sync/syncengine/internal/events"
	"github.com/nextcloud-sync/syncengine/internal/retry"
	"github.com/nextcloud-sync/syncengine/internal/statestore"
	"github.com/nextcloud-sync/syncengine/internal/storage"
	"github.com/nextcloud-sync/syncengine/internal/throttle"
)

// Engine reconciles a local and a remote backend, backed by a shadow state
// store and a conflict resolver.
type Engine struct {
	local    storage.Storage
	remote   storage.Storage
	store    *statestore.Store
	resolver conflictclassify.ConflictResolver
	bus      *events.Bus
	logger   *log.Logger

	mu       sync.Mutex
	resumeCh chan struct{} // nil when not paused; closed by Resume to release waiters
	cancelFn context.CancelFunc
}

// New returns an Engine. resolver and bus may be nil to use the defaults
// (DefaultResolver, a fresh Bus); logger defaults to log.Default().
func New(local, remote storage.Storage, store *statestore.Store, resolver conflictclassify.ConflictResolver, bus *events.Bus, logger *log.Logger) *Engine {
	if resolver == nil {
		resolver = conflictclassify.DefaultResolver{}
	}
	if bus == nil {
		bus = events.NewBus()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{local: local, remote: remote, store: store, resolver: resolver, bus: bus, logger: logger}
}

// Events returns the bus progress and lifecycle events are published to.
func (e *Engine) Events() *events.Bus { return e.bus }

// Pause causes the next action-loop check to block until Resume is called.
// In-flight actions complete; no new ones start (§4.4).
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resumeCh == nil {
		e.resumeCh = make(chan struct{})
	}
}

// Resume releases anything blocked in Pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resumeCh != nil {
		close(e.resumeCh)
		e.resumeCh = nil
	}
}

func (e *Engine) waitIfPaused(ctx context.Context) error {
	e.mu.Lock()
	ch := e.resumeCh
	e.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts the currently running Synchronize/Preview call, if any.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelFn != nil {
		e.cancelFn()
	}
}

func (e *Engine) beginRun(ctx context.Context, opts SyncOptions) (context.Context, context.CancelFunc) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if opts.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutSeconds)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	e.mu.Lock()
	e.cancelFn = cancel
	e.mu.Unlock()

	return runCtx, cancel
}

func (e *Engine) endRun() {
	e.mu.Lock()
	e.cancelFn = nil
	e.mu.Unlock()
}

// Preview detects changes without executing them or touching state (§4.4,
// §5): the returned Plan reflects what Synchronize would do right now.
func (e *Engine) Preview(ctx context.Context, opts SyncOptions) (*detect.Plan, error) {
	runCtx, cancel := e.beginRun(ctx, opts)
	defer cancel()
	defer e.endRun()

	det := detect.New(e.local, e.remote, e.store, detectOptionsOf(opts), e.logger)
	return det.Detect(runCtx, nil)
}

// Synchronize runs one full reconciliation.
func (e *Engine) Synchronize(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	return e.SynchronizePaths(ctx, nil, opts)
}

// SynchronizePaths restricts detection (and therefore execution) to the
// given paths and their descendants. An empty/nil slice means the whole
// tree.
//
// The engine retries at the plan level, not per-action (§4.4): if the
// whole run fails on an authentication error after a backend already
// attempted its own refresh, one more full build-and-execute pass is
// tried, on the theory that something external (the caller's refresh
// callback) has since fixed the credentials.
func (e *Engine) SynchronizePaths(ctx context.Context, paths []string, opts SyncOptions) (*SyncResult, error) {
	runCtx, cancel := e.beginRun(ctx, opts)
	defer cancel()
	defer e.endRun()

	cfg := &retry.Config{MaxRetries: 1, BaseDelay: 0, MaxDelay: 0, Policy: retry.Linear}
	var result *SyncResult
	err := retry.Do(runCtx, cfg, isAuthError, func() error {
		var runErr error
		result, runErr = e.runOnce(runCtx, paths, opts)
		return runErr
	})
	if err != nil && result == nil {
		return nil, err
	}
	return result, nil
}

func isAuthError(err error) bool {
	var authErr *storage.AuthError
	return errors.As(err, &authErr)
}

func (e *Engine) runOnce(ctx context.Context, paths []string, opts SyncOptions) (*SyncResult, error) {
	det := detect.New(e.local, e.remote, e.store, detectOptionsOf(opts), e.logger)
	plan, err := det.Detect(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("build plan: %w", err)
	}

	result := &SyncResult{}
	stream := throttle.NewStream(ctx, opts.BandwidthLimitBytesPerSecond)

	for _, phaseActions := range groupByPhase(plan.Actions) {
		e.bus.Publish(events.Event{Kind: events.KindPhaseStart, Phase: phaseActions.name})

		for _, action := range phaseActions.actions {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if err := e.waitIfPaused(ctx); err != nil {
				return result, err
			}

			e.executeAction(ctx, action, opts, stream, result)
		}

		e.bus.Publish(events.Event{Kind: events.KindPhaseComplete, Phase: phaseActions.name})
	}

	for _, p := range plan.StaleShadowPaths {
		if err := e.store.Delete(ctx, p); err != nil {
			e.logger.Printf("engine: failed to clear stale shadow state for %q: %v", p, err)
		}
	}

	for _, err := range result.Errors {
		if isAuthError(err.Err) {
			return result, err.Err
		}
	}

	e.bus.Publish(events.Event{Kind: events.KindSyncComplete})
	return result, nil
}

type namedPhase struct {
	name    string
	actions []detect.PlanAction
}

// groupByPhase splits an already-sorted plan into its three execution
// phases without re-sorting (Priority already encodes the order).
func groupByPhase(actions []detect.PlanAction) []namedPhase {
	phases := []namedPhase{{name: "creates"}, {name: "deletes"}, {name: "conflicts"}}
	for _, a := range actions {
		switch a.ActionType {
		case statestore.ActionUpload, statestore.ActionDownload, statestore.ActionMove:
			phases[0].actions = append(phases[0].actions, a)
		case statestore.ActionDeleteLocal, statestore.ActionDeleteRemote:
			phases[1].actions = append(phases[1].actions, a)
		default:
			phases[2].actions = append(phases[2].actions, a)
		}
	}
	return phases
}

// GetRecentOperations returns recently completed operations, optionally
// bounded by since.
func (e *Engine) GetRecentOperations(ctx context.Context, limit int, since time.Time) ([]*statestore.OperationLogEntry, error) {
	return e.store.GetRecentOperations(ctx, limit, since)
}

func detectOptionsOf(opts SyncOptions) detect.Options {
	return detect.Options{
		ChecksumOnly:    opts.ChecksumOnly,
		SizeOnly:        opts.SizeOnly,
		FollowSymlinks:  opts.FollowSymlinks,
		ExcludePatterns: opts.ExcludePatterns,
	}
}
