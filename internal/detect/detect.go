package detect

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/nextcloud-sync/syncengine/internal/pathutil"
	"github.com/nextcloud-sync/syncengine/internal/statestore"
	"github.com/nextcloud-sync/syncengine/internal/storage"
	"github.com/nextcloud-sync/syncengine/pkg/exclude"
)

// Detector computes a Plan by comparing a local and a remote backend
// against the last-known shadow state in the store (§4.2).
type Detector struct {
	local  storage.Storage
	remote storage.Storage
	store  *statestore.Store
	opts   Options
	logger *log.Logger
}

// New returns a Detector. store may be nil only for callers that never
// invoke Detect (e.g. tests exercising decide/walk directly); Detect itself
// requires a store to read shadow state from.
func New(local, remote storage.Storage, store *statestore.Store, opts Options, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.Default()
	}
	return &Detector{local: local, remote: remote, store: store, opts: opts.withDefaults(), logger: logger}
}

// Detect walks both trees, compares them against shadow state, and returns
// a fully ordered Plan. paths, when non-empty, restricts detection to those
// paths and their descendants (synchronize_paths, §4.4).
func (d *Detector) Detect(ctx context.Context, paths []string) (*Plan, error) {
	var matcher *exclude.Matcher
	if d.opts.ExcludePatterns != nil {
		matcher = exclude.NewMatcher("", d.opts.ExcludePatterns)
	}

	l, r, err := walkBoth(ctx, d.local, d.remote, matcher, d.opts.FollowSymlinks)
	if err != nil {
		return nil, fmt.Errorf("walk trees: %w", err)
	}

	shadow, err := d.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load shadow state: %w", err)
	}
	s := make(map[string]*statestore.SyncState, len(shadow))
	for _, row := range shadow {
		s[row.Path] = row
	}

	union := make(map[string]struct{}, len(l)+len(r)+len(s))
	for p := range l {
		union[p] = struct{}{}
	}
	for p := range r {
		union[p] = struct{}{}
	}
	for p := range s {
		union[p] = struct{}{}
	}

	var scoped []string
	for p := range union {
		if len(paths) > 0 && !underAny(p, paths) {
			continue
		}
		scoped = append(scoped, p)
	}
	sort.Strings(scoped)

	entries := make([]pathRawAction, 0, len(scoped))
	var staleShadows []string
	for _, p := range scoped {
		var lItem, rItem *storage.SyncItem
		if it, ok := l[p]; ok {
			lItem = &it
		}
		if it, ok := r[p]; ok {
			rItem = &it
		}
		raw := d.decide(ctx, p, lItem, rItem, s[p])
		if raw.staleShadow {
			staleShadows = append(staleShadows, p)
		}
		if !raw.emit {
			continue
		}
		entries = append(entries, pathRawAction{path: p, raw: raw})
	}

	entries = detectMoves(entries)

	actions := make([]PlanAction, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.action)
	}

	assignPriority(actions)

	// Detect never writes to the store itself (a Preview must be able to
	// call it without side effects); StaleShadowPaths is reported so a
	// caller that IS executing the plan (the engine) can clear them.
	return &Plan{Actions: actions, StaleShadowPaths: staleShadows}, nil
}

func underAny(path string, roots []string) bool {
	for _, root := range roots {
		if pathutil.IsUnder(pathutil.Normalize(root), path) {
			return true
		}
	}
	return false
}

// phase groups an action into the three-phase execution order (§4.2, §4.4):
// creates/modifies, then deletes, then conflicts.
func phase(a statestore.ActionType) int {
	switch a {
	case statestore.ActionUpload, statestore.ActionDownload, statestore.ActionMove:
		return 0
	case statestore.ActionDeleteLocal, statestore.ActionDeleteRemote:
		return 1
	case statestore.ActionConflict:
		return 2
	default:
		return 2
	}
}

// assignPriority sorts actions into final execution order and stamps each
// with its position: phase 0 ascending by path depth (directories exist
// before their contents need them), phase 1 descending by path depth
// (directories empty before they're removed), phase 2 last. Ties within a
// phase+depth bucket break by path length then lexicographic order.
func assignPriority(actions []PlanAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		a, b := actions[i], actions[j]
		pa, pb := phase(a.ActionType), phase(b.ActionType)
		if pa != pb {
			return pa < pb
		}
		da, db := pathutil.Depth(a.Path), pathutil.Depth(b.Path)
		if da != db {
			if pa == 1 {
				return da > db // deletes: deeper first
			}
			return da < db // creates/modifies and conflicts: shallower first
		}
		if len(a.Path) != len(b.Path) {
			return len(a.Path) < len(b.Path)
		}
		return a.Path < b.Path
	})
	for i := range actions {
		actions[i].Priority = i
	}
}
