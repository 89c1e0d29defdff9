package storage

import (
	"context"
	"path"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
)

// copier is the subset of an object store needed by swapByCopy.
type copier interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, p string) error
	copyObject(ctx context.Context, src, dst string) error
}

// summaryName is published last so a reader that sees the new summary also
// sees every shard it references.
const summaryName = "summary.json"

// swapByCopy emulates Swap on object stores that cannot rename a prefix.
// It is not atomic. Until the summary is copied readers follow the old
// summary into shards that may already hold new content, and objects of
// the old layout linger until the final cleanup. A failed swap leaves the
// staging tree in place, so running it again completes the cutover.
func swapByCopy(ctx context.Context, o copier, staging, live, backup string) error {
	staged, err := o.List(ctx, staging+"/")
	if err != nil {
		return err
	}
	if len(staged) == 0 {
		return kberrors.NotFound("staging tree", staging)
	}
	current, err := o.List(ctx, live+"/")
	if err != nil {
		return err
	}

	if backup != "" {
		for _, p := range current {
			if err := o.copyObject(ctx, p, rebase(p, live, backup)); err != nil {
				return err
			}
		}
	}

	var summary string
	published := make(map[string]bool, len(staged))
	for _, p := range staged {
		dst := rebase(p, staging, live)
		published[dst] = true
		if path.Base(p) == summaryName && path.Dir(p) == staging {
			summary = p
			continue
		}
		if err := o.copyObject(ctx, p, dst); err != nil {
			return err
		}
	}
	if summary != "" {
		if err := o.copyObject(ctx, summary, rebase(summary, staging, live)); err != nil {
			return err
		}
	}

	for _, p := range current {
		if !published[p] {
			if err := o.Delete(ctx, p); err != nil {
				return err
			}
		}
	}
	for _, p := range staged {
		if err := o.Delete(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
