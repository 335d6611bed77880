package detect

import (
	"github.com/nextcloud-sync/syncengine/internal/statestore"
)

// pathRawAction pairs a path with the rawAction decide produced for it, so
// the move pass can look up and replace entries by path.
type pathRawAction struct {
	path string
	raw  rawAction
}

// detectMoves finds delete/create pairs on the same side with matching
// content hashes and collapses them into a single Move action (§5
// supplemented feature: a path that disappears and an identical-hash path
// that appears elsewhere on the same side, in the same scan, is a rename
// rather than independent delete+create work).
//
// Hashing is the authoritative signal, but it's only computed for deletes
// that actually have a candidate: sizes are compared first as a cheap
// pre-filter, since most deletes and creates in a scan are unrelated.
func detectMoves(entries []pathRawAction) []pathRawAction {
	var localDeletes, remoteDeletes []int
	var localCreates, remoteCreates []int

	for i, e := range entries {
		if !e.raw.emit {
			continue
		}
		switch {
		case e.raw.isDelete && e.raw.side == statestore.SourceLocal:
			localDeletes = append(localDeletes, i)
		case e.raw.isDelete && e.raw.side == statestore.SourceRemote:
			remoteDeletes = append(remoteDeletes, i)
		case e.raw.isNewCreate && e.raw.side == statestore.SourceLocal:
			localCreates = append(localCreates, i)
		case e.raw.isNewCreate && e.raw.side == statestore.SourceRemote:
			remoteCreates = append(remoteCreates, i)
		}
	}

	consumed := make(map[int]bool)
	pairUp := func(deletes, creates []int) {
		for _, di := range deletes {
			del := entries[di]
			if del.raw.contentHash == "" {
				continue
			}
			for _, ci := range creates {
				if consumed[ci] {
					continue
				}
				create := entries[ci]
				if create.raw.action.Size != del.raw.action.Size {
					continue
				}
				if create.raw.contentHash == "" || create.raw.contentHash != del.raw.contentHash {
					continue
				}
				consumed[di] = true
				consumed[ci] = true

				actionType := statestore.ActionMove
				moved := create.raw.action
				moved.ActionType = actionType
				moved.RenamedFrom = del.path
				moved.RenamedTo = create.path
				moved.Source = del.raw.side
				entries[ci].raw.action = moved
				break
			}
		}
	}

	pairUp(localDeletes, localCreates)
	pairUp(remoteDeletes, remoteCreates)

	out := make([]pathRawAction, 0, len(entries))
	for i, e := range entries {
		if consumed[i] && e.raw.isDelete {
			continue // the delete half of a matched pair is dropped; the create half became the Move
		}
		out = append(out, e)
	}
	return out
}
