// Package detect computes a SyncPlan by walking the local and remote trees
// in parallel and comparing both against the last-known shadow state (§4.2).
package detect

import (
	"time"

	"github.com/nextcloud-sync/syncengine/internal/statestore"
	"github.com/nextcloud-sync/syncengine/pkg/exclude"
)

// ConflictType enumerates the ways a path can disagree between local,
// remote, and shadow state. Defined here (not in conflictclassify) because
// the detector's decision table is the one authority that assigns it;
// conflictclassify consumes the vocabulary to build a full ConflictAnalysis.
type ConflictType int

const (
	ConflictBothModified ConflictType = iota
	ConflictDeletedLocallyModifiedRemotely
	ConflictModifiedLocallyDeletedRemotely
	ConflictTypeConflict
	ConflictBothCreated
)

func (c ConflictType) String() string {
	switch c {
	case ConflictBothModified:
		return "BothModified"
	case ConflictDeletedLocallyModifiedRemotely:
		return "DeletedLocallyModifiedRemotely"
	case ConflictModifiedLocallyDeletedRemotely:
		return "ModifiedLocallyDeletedRemotely"
	case ConflictTypeConflict:
		return "TypeConflict"
	case ConflictBothCreated:
		return "BothCreated"
	default:
		return "Unknown"
	}
}

// PlanAction is one action the engine must take to reconcile a single path.
type PlanAction struct {
	ActionType   statestore.ActionType
	Path         string
	IsDirectory  bool
	Size         int64
	LastModified time.Time

	// ConflictType is set only when ActionType == ActionConflict.
	ConflictType *ConflictType

	// RenamedFrom/RenamedTo are set only when ActionType == ActionMove;
	// Path equals RenamedTo and Source identifies which side moved.
	RenamedFrom string
	RenamedTo   string
	Source      statestore.Source

	// Priority is this action's position in the final execution order:
	// creates/modifies ascending by path depth, then deletes descending by
	// path depth, then conflicts, ties broken by path length then
	// lexicographic order (§4.2, §4.4).
	Priority int
}

// Plan is the full set of actions needed to reconcile local and remote,
// already sorted in the order the engine should execute them.
type Plan struct {
	Actions []PlanAction

	// StaleShadowPaths are paths whose shadow row is now stale (both sides
	// confirm absence). Detect never deletes them itself — only a caller
	// that is actually executing the plan, not previewing it, should.
	StaleShadowPaths []string
}

// Options controls how the detector classifies a path as "changed" and
// which paths it considers at all.
type Options struct {
	// ChecksumOnly compares content hashes instead of size/modtime. Most
	// expensive, most reliable.
	ChecksumOnly bool

	// SizeOnly compares only size, ignoring modification time entirely.
	SizeOnly bool

	// ModTimeTolerance bounds how far apart two modification times may be
	// before they're considered different, when neither ChecksumOnly nor
	// SizeOnly is set. Clocks across backends are rarely in perfect sync.
	// Defaults to 2 seconds (§6 Open Question decision).
	ModTimeTolerance time.Duration

	// FollowSymlinks controls whether a symlink is walked into (its target
	// synced) or recorded as a zero-size leaf entry (§6 Open Question
	// decision: false means leaf-only; a leaf symlink is still hashed through
	// the backend's ComputeHash when hashes are compared).
	FollowSymlinks bool

	// ExcludePatterns, when non-nil, filters both trees before comparison.
	ExcludePatterns *exclude.PatternSet
}

const DefaultModTimeTolerance = 2 * time.Second

func (o Options) withDefaults() Options {
	if o.ModTimeTolerance <= 0 {
		o.ModTimeTolerance = DefaultModTimeTolerance
	}
	return o
}
