// Package engine executes a detector-produced plan against the two
// backends, in three phases, with retry, pause/resume/cancel, throttling,
// and operation logging (§4.4).
package engine

import (
	"github.com/nextcloud-sync/syncengine/internal/conflictclassify"
	"github.com/nextcloud-sync/syncengine/pkg/exclude"
)

// SyncOptions is the closed option set §4.4 names.
type SyncOptions struct {
	ChecksumOnly                 bool
	SizeOnly                     bool
	PreserveTimestamps           bool
	PreservePermissions          bool
	FollowSymlinks               bool
	ExcludePatterns              *exclude.PatternSet
	TimeoutSeconds               int
	UpdateExisting               bool
	ConflictResolutionOverride   *conflictclassify.ConflictResolution
	Verbose                      bool
	BandwidthLimitBytesPerSecond int
}

// SyncResult aggregates one synchronize() run.
type SyncResult struct {
	FilesSynchronized int
	BytesUp           int64
	BytesDown         int64
	ConflictsResolved int
	Errors            []ActionError
}

// ActionError records one action's failure without aborting the rest of
// the plan.
type ActionError struct {
	Path   string
	Action string
	Err    error
}

func (e ActionError) Error() string {
	return e.Action + " " + e.Path + ": " + e.Err.Error()
}
