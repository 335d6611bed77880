package detect

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/nextcloud-sync/syncengine/internal/storage"
	"github.com/nextcloud-sync/syncengine/pkg/exclude"
)

// walkTree lists a backend's tree breadth-first, flattening it into a
// path->item map. Symlinks are recorded as zero-size leaves (not descended
// into) when followSymlinks is false.
func walkTree(ctx context.Context, backend storage.Storage, matcher *exclude.Matcher, followSymlinks bool) (map[string]storage.SyncItem, error) {
	result := make(map[string]storage.SyncItem)
	queue := []string{""}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		dir := queue[0]
		queue = queue[1:]

		items, err := backend.ListItems(ctx, dir)
		if err != nil {
			return nil, err
		}

		for _, item := range items {
			if matcher != nil && matcher.ShouldExclude(item.Path, item.IsDirectory) {
				continue
			}

			if item.IsSymlink && !followSymlinks {
				item.Size = 0
				result[item.Path] = item
				continue
			}

			result[item.Path] = item
			if item.IsDirectory {
				queue = append(queue, item.Path)
			}
		}
	}

	return result, nil
}

// walkBoth walks local and remote concurrently, returning their flattened
// trees. The two walks are independent of each other, so an errgroup fans
// them out in parallel and cancels the slower one if either fails.
func walkBoth(ctx context.Context, local, remote storage.Storage, matcher *exclude.Matcher, followSymlinks bool) (map[string]storage.SyncItem, map[string]storage.SyncItem, error) {
	var l, r map[string]storage.SyncItem

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		l, err = walkTree(gctx, local, matcher, followSymlinks)
		return err
	})
	g.Go(func() error {
		var err error
		r, err = walkTree(gctx, remote, matcher, followSymlinks)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return l, r, nil
}
