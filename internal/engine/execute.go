package engine

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/nextcloud-sync/syncengine/internal/conflictclassify"
	"github.com/nextcloud-sync/syncengine/internal/detect"
	"github.com/nextcloud-sync/syncengine/internal/events"
	"github.com/nextcloud-sync/syncengine/internal/statestore"
	"github.com/nextcloud-sync/syncengine/internal/storage"
	"github.com/nextcloud-sync/syncengine/internal/throttle"
)

// executeAction runs one plan action to completion, updates shadow state
// and the operation log on success, and records a failure on the result
// without aborting the rest of the plan.
func (e *Engine) executeAction(ctx context.Context, action detect.PlanAction, opts SyncOptions, stream *throttle.Stream, result *SyncResult) {
	started := time.Now()
	e.bus.Publish(events.Event{Kind: events.KindActionStart, Path: action.Path})

	var transferred int64
	var resolved bool
	var err error

	switch action.ActionType {
	case statestore.ActionUpload:
		transferred, err = e.executeUpload(ctx, action, opts, stream)
	case statestore.ActionDownload:
		transferred, err = e.executeDownload(ctx, action, opts, stream)
	case statestore.ActionDeleteLocal:
		err = e.local.Delete(ctx, action.Path)
	case statestore.ActionDeleteRemote:
		err = e.remote.Delete(ctx, action.Path)
	case statestore.ActionMove:
		err = e.executeMove(ctx, action)
	case statestore.ActionConflict:
		resolved, transferred, err = e.executeConflict(ctx, action, opts, stream)
	default:
		err = fmt.Errorf("unknown action type %q", action.ActionType)
	}

	completed := time.Now()

	if err != nil {
		e.bus.Publish(events.Event{Kind: events.KindActionFailed, Path: action.Path, Err: err})
		result.Errors = append(result.Errors, ActionError{Path: action.Path, Action: string(action.ActionType), Err: err})
		e.logOperation(ctx, action, started, completed, false, err)
		return
	}

	result.FilesSynchronized++
	switch action.ActionType {
	case statestore.ActionUpload:
		result.BytesUp += transferred
	case statestore.ActionDownload:
		result.BytesDown += transferred
	case statestore.ActionConflict:
		if resolved {
			result.ConflictsResolved++
		}
	}

	// An Ask/Skip conflict keeps its old shadow row (or none), so the same
	// conflict is planned again on the next run.
	if action.ActionType != statestore.ActionConflict || resolved {
		e.updateShadowState(ctx, action)
	}
	e.logOperation(ctx, action, started, completed, true, nil)
	e.bus.Publish(events.Event{Kind: events.KindActionComplete, Path: action.Path})
}

// executeUpload copies a local path to remote. The detector has already
// decided a transfer is needed (§4.2's Upload rows cover both a brand-new
// file and an ordinary modification of an already-synced one), so there is
// no exists-guard to apply here. Returns bytes transferred.
func (e *Engine) executeUpload(ctx context.Context, action detect.PlanAction, opts SyncOptions, stream *throttle.Stream) (int64, error) {
	if action.IsDirectory {
		return 0, e.remote.CreateDirectory(ctx, action.Path)
	}

	rc, err := e.local.ReadFile(ctx, action.Path, nil)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	var reader io.Reader = rc
	if stream != nil {
		reader = throttle.NewReader(rc, stream)
	}

	if err := e.remote.WriteFile(ctx, action.Path, reader, action.Size, e.progressFunc(storage.OpUpload)); err != nil {
		return 0, err
	}

	e.preserveMetadata(ctx, e.local, e.remote, action, opts)
	return action.Size, nil
}

// executeDownload mirrors executeUpload for the opposite direction.
func (e *Engine) executeDownload(ctx context.Context, action detect.PlanAction, opts SyncOptions, stream *throttle.Stream) (int64, error) {
	if action.IsDirectory {
		return 0, e.local.CreateDirectory(ctx, action.Path)
	}

	rc, err := e.remote.ReadFile(ctx, action.Path, nil)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	var reader io.Reader = rc
	if stream != nil {
		reader = throttle.NewReader(rc, stream)
	}

	if err := e.local.WriteFile(ctx, action.Path, reader, action.Size, e.progressFunc(storage.OpDownload)); err != nil {
		return 0, err
	}

	e.preserveMetadata(ctx, e.remote, e.local, action, opts)
	return action.Size, nil
}

// preserveMetadata copies permissions/modtime from source to dest when the
// corresponding option is set and dest implements the optional capability.
// Best-effort: a backend that can't set permissions or modtime simply
// doesn't implement the interface, and that's not a transfer failure.
func (e *Engine) preserveMetadata(ctx context.Context, source, dest storage.Storage, action detect.PlanAction, opts SyncOptions) {
	if opts.PreservePermissions {
		if item, err := source.GetItem(ctx, action.Path); err == nil && item != nil && item.Permissions != "" {
			if setter, ok := dest.(storage.PermissionSetter); ok {
				if err := setter.SetPermissions(ctx, action.Path, item.Permissions); err != nil {
					e.logger.Printf("engine: failed to preserve permissions for %q: %v", action.Path, err)
				}
			}
		}
	}
	if opts.PreserveTimestamps {
		if setter, ok := dest.(storage.ModTimeSetter); ok {
			if err := setter.SetLastModified(ctx, action.Path, action.LastModified); err != nil {
				e.logger.Printf("engine: failed to preserve modification time for %q: %v", action.Path, err)
			}
		}
	}
}

// executeMove replicates a detected rename onto the side that hasn't moved
// yet: Source identifies which side already renamed the path locally.
func (e *Engine) executeMove(ctx context.Context, action detect.PlanAction) error {
	switch action.Source {
	case statestore.SourceLocal:
		return e.remote.Move(ctx, action.RenamedFrom, action.RenamedTo)
	case statestore.SourceRemote:
		return e.local.Move(ctx, action.RenamedFrom, action.RenamedTo)
	default:
		return fmt.Errorf("move action at %q has no source side", action.Path)
	}
}

// executeConflict classifies the conflict, resolves it (via an override or
// the configured ConflictResolver), and applies the resolution. Ask and
// Skip leave both sides untouched for this run; a subsequent Detect will
// surface the same conflict again until something resolves it.
func (e *Engine) executeConflict(ctx context.Context, action detect.PlanAction, opts SyncOptions, stream *throttle.Stream) (bool, int64, error) {
	classifier := conflictclassify.New(e.local, e.remote)
	analysis, err := classifier.Classify(ctx, action)
	if err != nil {
		return false, 0, err
	}

	resolution := analysis.RecommendedResolution
	if opts.ConflictResolutionOverride != nil {
		resolution = *opts.ConflictResolutionOverride
	} else {
		resolution, err = e.resolver.Resolve(ctx, *analysis)
		if err != nil {
			return false, 0, err
		}
	}

	e.bus.Publish(events.Event{Kind: events.KindConflict, Path: action.Path})

	// decide() always fills PlanAction.Size/LastModified from the local
	// side for a conflict row; correct that against the winning side
	// before transferring, so a UseRemote resolution doesn't pass the
	// wrong content-length downstream.
	winning := action
	switch resolution {
	case conflictclassify.ResolutionUseLocal:
		if analysis.Local != nil {
			winning.Size, winning.LastModified = analysis.Local.Size, analysis.Local.LastModified
		}
		n, err := e.executeUpload(ctx, winning, opts, stream)
		return err == nil, n, err
	case conflictclassify.ResolutionUseRemote:
		if analysis.Remote != nil {
			winning.Size, winning.LastModified = analysis.Remote.Size, analysis.Remote.LastModified
		}
		n, err := e.executeDownload(ctx, winning, opts, stream)
		return err == nil, n, err
	case conflictclassify.ResolutionRenameLocal:
		return true, 0, e.local.Move(ctx, action.Path, conflictedCopyName(action.Path))
	case conflictclassify.ResolutionRenameRemote:
		return true, 0, e.remote.Move(ctx, action.Path, conflictedCopyName(action.Path))
	case conflictclassify.ResolutionSkip, conflictclassify.ResolutionAsk:
		return false, 0, nil
	default:
		return false, 0, fmt.Errorf("unknown conflict resolution %q", resolution)
	}
}

// conflictedCopyName produces a Nextcloud-style "(conflicted copy ...)"
// sibling path for the losing side of a rename-based resolution. The
// original path is left empty, so the next sync's detector naturally
// downloads/uploads the winning side's content into it.
func conflictedCopyName(p string) string {
	ext := path.Ext(p)
	base := strings.TrimSuffix(p, ext)
	return fmt.Sprintf("%s (conflicted copy %s)%s", base, time.Now().UTC().Format("2006-01-02 150405"), ext)
}

func (e *Engine) progressFunc(op storage.OperationKind) storage.ProgressFunc {
	return func(ev storage.ProgressEvent) {
		ev.Operation = op
		e.bus.Publish(events.Event{Kind: events.KindProgress, Progress: ev})
	}
}

// updateShadowState applies §4.4's "on success" contract: refresh the
// shadow row for every path the action touched.
func (e *Engine) updateShadowState(ctx context.Context, action detect.PlanAction) {
	switch action.ActionType {
	case statestore.ActionMove:
		if err := e.store.Delete(ctx, action.RenamedFrom); err != nil {
			e.logger.Printf("engine: failed to clear shadow state for moved path %q: %v", action.RenamedFrom, err)
		}
		if err := e.refreshOrClearShadow(ctx, action.RenamedTo); err != nil {
			e.logger.Printf("engine: failed to update shadow state for %q: %v", action.RenamedTo, err)
		}
	default:
		if err := e.refreshOrClearShadow(ctx, action.Path); err != nil {
			e.logger.Printf("engine: failed to update shadow state for %q: %v", action.Path, err)
		}
	}
}

// refreshOrClearShadow re-fetches both sides' current metadata for path and
// either upserts a Synced shadow row or, if both sides now confirm absence,
// deletes the row entirely (§3's SyncState lifecycle).
func (e *Engine) refreshOrClearShadow(ctx context.Context, p string) error {
	localItem, err := e.local.GetItem(ctx, p)
	if err != nil {
		return fmt.Errorf("refresh local metadata for %q: %w", p, err)
	}
	remoteItem, err := e.remote.GetItem(ctx, p)
	if err != nil {
		return fmt.Errorf("refresh remote metadata for %q: %w", p, err)
	}

	if localItem == nil && remoteItem == nil {
		return e.store.Delete(ctx, p)
	}

	state := &statestore.SyncState{
		Path:         p,
		Status:       statestore.StatusSynced,
		LastSyncTime: time.Now(),
	}

	if localItem != nil {
		state.IsDirectory = localItem.IsDirectory
		state.LocalSize = localItem.Size
		state.LocalModified = localItem.LastModified
		if !localItem.IsDirectory {
			if h, err := e.local.ComputeHash(ctx, p); err == nil {
				state.LocalHash = h
			}
		}
	}
	if remoteItem != nil {
		state.IsDirectory = remoteItem.IsDirectory
		state.RemoteSize = remoteItem.Size
		state.RemoteModified = remoteItem.LastModified
		state.ETag = remoteItem.ETag
		if !remoteItem.IsDirectory {
			if h, err := e.remote.ComputeHash(ctx, p); err == nil {
				state.RemoteHash = h
			}
		}
	}

	return e.store.Upsert(ctx, state)
}

func (e *Engine) logOperation(ctx context.Context, action detect.PlanAction, started, completed time.Time, success bool, actionErr error) {
	entry := &statestore.OperationLogEntry{
		Path:        action.Path,
		ActionType:  action.ActionType,
		IsDirectory: action.IsDirectory,
		Size:        action.Size,
		Source:      sourceOf(action),
		StartedAt:   started,
		CompletedAt: completed,
		Success:     success,
		RenamedFrom: action.RenamedFrom,
		RenamedTo:   action.RenamedTo,
	}
	if actionErr != nil {
		entry.ErrorMessage = actionErr.Error()
	}
	if _, err := e.store.LogOperation(ctx, entry); err != nil {
		e.logger.Printf("engine: failed to log operation for %q: %v", action.Path, err)
	}
}

func sourceOf(action detect.PlanAction) statestore.Source {
	switch action.ActionType {
	case statestore.ActionUpload, statestore.ActionDeleteLocal:
		return statestore.SourceLocal
	case statestore.ActionDownload, statestore.ActionDeleteRemote:
		return statestore.SourceRemote
	case statestore.ActionMove:
		return action.Source
	default:
		return statestore.SourceLocal
	}
}
