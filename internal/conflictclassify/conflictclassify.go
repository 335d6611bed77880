// Package conflictclassify turns a detector-flagged conflict action into a
// full ConflictAnalysis and hands it to a caller-supplied resolver (§4.3).
package conflictclassify

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/nextcloud-sync/syncengine/internal/detect"
	"github.com/nextcloud-sync/syncengine/internal/statestore"
	"github.com/nextcloud-sync/syncengine/internal/storage"
)

// ConflictResolution is the caller's (or the default resolver's) verdict on
// how to settle a conflict.
type ConflictResolution string

const (
	ResolutionAsk          ConflictResolution = "Ask"
	ResolutionUseLocal     ConflictResolution = "UseLocal"
	ResolutionUseRemote    ConflictResolution = "UseRemote"
	ResolutionSkip         ConflictResolution = "Skip"
	ResolutionRenameLocal  ConflictResolution = "RenameLocal"
	ResolutionRenameRemote ConflictResolution = "RenameRemote"
)

// ConflictAnalysis is the classifier's verdict for one path.
type ConflictAnalysis struct {
	FilePath              string
	ConflictType          detect.ConflictType
	Local                 *storage.SyncItem
	Remote                *storage.SyncItem
	RecommendedResolution ConflictResolution
	SizeDifference        int64
	TimeDifference        time.Duration
	NewerVersion          string // "Local", "Remote", or "" when no clear margin
	IsLikelyBinary        bool
	IsLikelyTextFile      bool
}

// ConflictResolver is the capability a caller supplies to settle conflicts
// the default policy can't resolve on its own.
type ConflictResolver interface {
	Resolve(ctx context.Context, analysis ConflictAnalysis) (ConflictResolution, error)
}

// DefaultResolver always accepts the classifier's own recommendation.
type DefaultResolver struct{}

func (DefaultResolver) Resolve(_ context.Context, analysis ConflictAnalysis) (ConflictResolution, error) {
	return analysis.RecommendedResolution, nil
}

var _ ConflictResolver = DefaultResolver{}

// newerMargin is the clear-margin threshold for recommending a side as
// newer; reuses the detector's own modtime-tolerance constant so "2
// seconds" means the same thing everywhere in the pipeline.
const newerMargin = detect.DefaultModTimeTolerance

// Classifier fetches live SyncItems for a conflicted path and builds the
// full analysis the plan's bare ConflictType doesn't carry.
type Classifier struct {
	local  storage.Storage
	remote storage.Storage
}

// New returns a Classifier bound to the two backends a conflict spans.
func New(local, remote storage.Storage) *Classifier {
	return &Classifier{local: local, remote: remote}
}

// Classify fetches current metadata for action's path from both backends
// and produces a ConflictAnalysis. action must be a conflict action (as
// produced by the detector, or constructed directly by a caller that wants
// to classify an arbitrary path/ConflictType pair outside the default
// plan — see SPEC_FULL.md's Open Question note on ConflictType's domain).
func (c *Classifier) Classify(ctx context.Context, action detect.PlanAction) (*ConflictAnalysis, error) {
	if action.ActionType != statestore.ActionConflict {
		return nil, fmt.Errorf("conflictclassify: action at %q is not a conflict (%s)", action.Path, action.ActionType)
	}
	if action.ConflictType == nil {
		return nil, fmt.Errorf("conflictclassify: conflict action at %q has no conflict type", action.Path)
	}

	local, err := c.local.GetItem(ctx, action.Path)
	if err != nil {
		return nil, fmt.Errorf("fetch local item for %q: %w", action.Path, err)
	}
	remote, err := c.remote.GetItem(ctx, action.Path)
	if err != nil {
		return nil, fmt.Errorf("fetch remote item for %q: %w", action.Path, err)
	}

	analysis := &ConflictAnalysis{
		FilePath:     action.Path,
		ConflictType: *action.ConflictType,
		Local:        local,
		Remote:       remote,
	}

	if local != nil && remote != nil {
		analysis.SizeDifference = absInt64(local.Size - remote.Size)
		delta := local.LastModified.Sub(remote.LastModified)
		analysis.TimeDifference = absDuration(delta)
		switch {
		case delta > newerMargin:
			analysis.NewerVersion = "Local"
		case -delta > newerMargin:
			analysis.NewerVersion = "Remote"
		}
	}

	ext := strings.ToLower(path.Ext(action.Path))
	analysis.IsLikelyTextFile = textExtensions[ext]
	analysis.IsLikelyBinary = !analysis.IsLikelyTextFile && binaryExtensions[ext]

	analysis.RecommendedResolution = recommend(analysis)

	return analysis, nil
}

// recommend implements §4.3's recommendation policy: default Ask, a clear
// newer side wins, and the delete-vs-modify conflict types never recommend
// propagating the deletion over the other side's work.
func recommend(a *ConflictAnalysis) ConflictResolution {
	switch a.ConflictType {
	case detect.ConflictDeletedLocallyModifiedRemotely:
		return ResolutionUseRemote
	case detect.ConflictModifiedLocallyDeletedRemotely:
		return ResolutionUseLocal
	}

	switch a.NewerVersion {
	case "Local":
		return ResolutionUseLocal
	case "Remote":
		return ResolutionUseRemote
	default:
		return ResolutionAsk
	}
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
