package detect

import (
	"context"
	"time"

	"github.com/nextcloud-sync/syncengine/internal/statestore"
	"github.com/nextcloud-sync/syncengine/internal/storage"
)

// rawAction is decide's internal verdict for one path, carrying the extra
// bookkeeping the move-detection pass and shadow cleanup need that the
// exported PlanAction doesn't.
type rawAction struct {
	action      PlanAction
	emit        bool // false means no-op: nothing for the engine to do
	staleShadow bool // true means the shadow row for this path should be removed

	// Move-detection bookkeeping (§5 supplemented feature): a create with
	// no prior shadow is a move-target candidate; a delete of a
	// previously-shadowed path is a move-source candidate. Two candidates
	// on the same side with matching content hash collapse into one Move.
	isNewCreate bool
	isDelete    bool
	side        statestore.Source // the side on which the path appeared or vanished
	contentHash string
}

// isChanged implements the §4.2 "changed" definition: checksum_only first,
// then size_only, then size-or-modtime-tolerance.
func (d *Detector) isChanged(ctx context.Context, backend storage.Storage, item *storage.SyncItem, shadowHash string, shadowSize int64, shadowModified time.Time) bool {
	switch {
	case d.opts.ChecksumOnly:
		hash := item.Hash
		if hash == "" {
			if h, err := backend.ComputeHash(ctx, item.Path); err == nil {
				hash = h
			}
		}
		return hash != shadowHash
	case d.opts.SizeOnly:
		return item.Size != shadowSize
	default:
		if item.Size != shadowSize {
			return true
		}
		delta := item.LastModified.Sub(shadowModified)
		if delta < 0 {
			delta = -delta
		}
		return delta > d.opts.ModTimeTolerance
	}
}

// contentsEqual decides whether two independently-created items (no shadow
// record) are actually identical, so a coincidental simultaneous creation
// isn't flagged as a conflict. Directories are trivially equal. Files
// compare by hash when sizes match; differing sizes are never equal.
func (d *Detector) contentsEqual(ctx context.Context, path string, l, r *storage.SyncItem) bool {
	if l.IsDirectory && r.IsDirectory {
		return true
	}
	if l.IsDirectory != r.IsDirectory {
		return false
	}
	if l.Size != r.Size {
		return false
	}
	lHash, err := d.local.ComputeHash(ctx, path)
	if err != nil {
		return false
	}
	rHash, err := d.remote.ComputeHash(ctx, path)
	if err != nil {
		return false
	}
	return lHash == rHash
}

// decide applies the §4.2 decision table to one path's (local, remote,
// shadow) triple.
func (d *Detector) decide(ctx context.Context, path string, l, r *storage.SyncItem, s *statestore.SyncState) rawAction {
	if l != nil && r != nil && l.IsDirectory != r.IsDirectory {
		ct := ConflictTypeConflict
		return rawAction{emit: true, action: PlanAction{
			ActionType:   statestore.ActionConflict,
			Path:         path,
			IsDirectory:  l.IsDirectory,
			Size:         l.Size,
			LastModified: l.LastModified,
			ConflictType: &ct,
		}}
	}

	switch {
	case l != nil && r == nil && s != nil:
		if d.isChanged(ctx, d.local, l, s.LocalHash, s.LocalSize, s.LocalModified) {
			return rawAction{emit: true, action: PlanAction{
				ActionType: statestore.ActionUpload, Path: path,
				IsDirectory: l.IsDirectory, Size: l.Size, LastModified: l.LastModified,
			}}
		}
		return rawAction{emit: true, isDelete: true, side: statestore.SourceRemote, contentHash: s.RemoteHash,
			action: PlanAction{
				ActionType: statestore.ActionDeleteLocal, Path: path,
				IsDirectory: s.IsDirectory, Size: s.LocalSize, LastModified: s.LocalModified,
			}}

	case l == nil && r != nil && s != nil:
		if d.isChanged(ctx, d.remote, r, s.RemoteHash, s.RemoteSize, s.RemoteModified) {
			return rawAction{emit: true, action: PlanAction{
				ActionType: statestore.ActionDownload, Path: path,
				IsDirectory: r.IsDirectory, Size: r.Size, LastModified: r.LastModified,
			}}
		}
		return rawAction{emit: true, isDelete: true, side: statestore.SourceLocal, contentHash: s.LocalHash,
			action: PlanAction{
				ActionType: statestore.ActionDeleteRemote, Path: path,
				IsDirectory: s.IsDirectory, Size: s.RemoteSize, LastModified: s.RemoteModified,
			}}

	case l != nil && r == nil && s == nil:
		return rawAction{emit: true, isNewCreate: true, side: statestore.SourceLocal, contentHash: l.Hash,
			action: PlanAction{
				ActionType: statestore.ActionUpload, Path: path,
				IsDirectory: l.IsDirectory, Size: l.Size, LastModified: l.LastModified,
			}}

	case l == nil && r != nil && s == nil:
		return rawAction{emit: true, isNewCreate: true, side: statestore.SourceRemote, contentHash: r.Hash,
			action: PlanAction{
				ActionType: statestore.ActionDownload, Path: path,
				IsDirectory: r.IsDirectory, Size: r.Size, LastModified: r.LastModified,
			}}

	case l != nil && r != nil && s == nil:
		if d.contentsEqual(ctx, path, l, r) {
			return rawAction{emit: false}
		}
		ct := ConflictBothCreated
		return rawAction{emit: true, action: PlanAction{
			ActionType: statestore.ActionConflict, Path: path,
			IsDirectory: l.IsDirectory, Size: l.Size, LastModified: l.LastModified,
			ConflictType: &ct,
		}}

	case l != nil && r != nil && s != nil:
		lc := d.isChanged(ctx, d.local, l, s.LocalHash, s.LocalSize, s.LocalModified)
		rc := d.isChanged(ctx, d.remote, r, s.RemoteHash, s.RemoteSize, s.RemoteModified)
		switch {
		case lc && rc:
			ct := ConflictBothModified
			return rawAction{emit: true, action: PlanAction{
				ActionType: statestore.ActionConflict, Path: path,
				IsDirectory: l.IsDirectory, Size: l.Size, LastModified: l.LastModified,
				ConflictType: &ct,
			}}
		case lc && !rc:
			return rawAction{emit: true, action: PlanAction{
				ActionType: statestore.ActionUpload, Path: path,
				IsDirectory: l.IsDirectory, Size: l.Size, LastModified: l.LastModified,
			}}
		case !lc && rc:
			return rawAction{emit: true, action: PlanAction{
				ActionType: statestore.ActionDownload, Path: path,
				IsDirectory: r.IsDirectory, Size: r.Size, LastModified: r.LastModified,
			}}
		default:
			return rawAction{emit: false}
		}

	case l == nil && r == nil && s != nil:
		// Both sides deleted it since the last sync; nothing to reconcile,
		// but the shadow row is now stale.
		return rawAction{emit: false, staleShadow: true}
	}

	return rawAction{emit: false}
}
