package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio"
	"github.com/google/uuid"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
)

// Local stores objects as files under a root directory.
//
// Writes go through a temp file and rename so readers never observe a
// partial object. Lease records live under _locks/ and every lease
// read-modify-write runs while holding an flock on _locks/.guard, which
// serialises writers across processes sharing the directory.
type Local struct {
	root  string
	guard *flock.Flock
	now   func() time.Time

	mu sync.Mutex
}

// NewLocal opens (creating if needed) a local backend rooted at root.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, kberrors.StorageIO("open", root, err)
	}
	if err := os.MkdirAll(filepath.Join(abs, LocksDir), 0o755); err != nil {
		return nil, kberrors.StorageIO("open", root, err)
	}
	return &Local{
		root:  abs,
		guard: flock.New(filepath.Join(abs, LocksDir, ".guard")),
		now:   time.Now,
	}, nil
}

// Root returns the absolute root directory.
func (l *Local) Root() string {
	return l.root
}

func (l *Local) abs(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(p))
}

// Read implements Backend.
func (l *Local) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.abs(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, kberrors.NotFound("object", p)
		}
		return nil, kberrors.StorageIO("read", p, err)
	}
	return data, nil
}

// Write implements Backend.
func (l *Local) Write(ctx context.Context, p string, data []byte) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	full := l.abs(p)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return kberrors.StorageIO("write", p, err)
	}
	if err := renameio.WriteFile(full, data, 0o644); err != nil {
		return kberrors.StorageIO("write", p, err)
	}
	return nil
}

// Delete implements Backend.
func (l *Local) Delete(ctx context.Context, p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(l.abs(p)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return kberrors.StorageIO("delete", p, err)
	}
	return nil
}

// List implements Backend. Hidden files (renameio temp files, the guard)
// and the lease directory are skipped.
func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	start := l.root
	if dir := path.Dir(prefix); prefix != "" && dir != "." {
		start = l.abs(dir)
	}
	if strings.HasSuffix(prefix, "/") {
		start = l.abs(strings.TrimSuffix(prefix, "/"))
	}

	var out []string
	err := filepath.WalkDir(start, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		name := d.Name()
		if d.IsDir() {
			if full != start && (name == LocksDir && filepath.Dir(full) == l.root) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		rel, err := filepath.Rel(l.root, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) && !underPrefix(rel, LocksDir) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, kberrors.StorageIO("list", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

// withGuard runs fn while holding both the in-process mutex and the
// cross-process guard flock.
func (l *Local) withGuard(ctx context.Context, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	locked, err := l.guard.TryLockContext(ctx, 5*time.Millisecond)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return kberrors.StorageIO("lock", LocksDir, err)
	}
	if !locked {
		return kberrors.StorageIO("lock", LocksDir, fmt.Errorf("guard lock not acquired"))
	}
	defer func() { _ = l.guard.Unlock() }()

	return fn()
}

func (l *Local) readLease(resource string) (*Lease, error) {
	data, err := os.ReadFile(l.abs(LockPath(resource)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, kberrors.StorageIO("read", LockPath(resource), err)
	}
	lease, err := decodeLease(data)
	if err != nil {
		// An unreadable record cannot be honoured; treat it as expired.
		return nil, nil
	}
	return lease, nil
}

// TryAcquireLease implements Backend.
func (l *Local) TryAcquireLease(ctx context.Context, resource, holder string, ttl time.Duration) (*Lease, error) {
	var acquired *Lease
	err := l.withGuard(ctx, func() error {
		existing, err := l.readLease(resource)
		if err != nil {
			return err
		}
		now := l.now()
		if existing != nil && !existing.Expired(now) {
			return leaseHeld(existing)
		}
		lease := newLease(resource, holder, uuid.NewString(), now, ttl)
		data, err := encodeLease(lease)
		if err != nil {
			return kberrors.InternalError("encode lease", err)
		}
		if err := renameio.WriteFile(l.abs(LockPath(resource)), data, 0o644); err != nil {
			return kberrors.StorageIO("write", LockPath(resource), err)
		}
		acquired = lease
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

// ReleaseLease implements Backend.
func (l *Local) ReleaseLease(ctx context.Context, lease *Lease) error {
	return l.withGuard(ctx, func() error {
		existing, err := l.readLease(lease.Path)
		if err != nil {
			return err
		}
		if existing == nil || existing.LockID != lease.LockID {
			return leaseLost(lease)
		}
		if err := os.Remove(l.abs(LockPath(lease.Path))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return kberrors.StorageIO("delete", LockPath(lease.Path), err)
		}
		return nil
	})
}

// Swap implements Backend. When live exists the two directories are
// exchanged in one rename where the platform supports it.
func (l *Local) Swap(ctx context.Context, staging, live, backup string) error {
	for _, p := range []string{staging, live} {
		if err := ValidatePath(p); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	src, dst := l.abs(staging), l.abs(live)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return kberrors.NotFound("staging tree", staging)
		}
		return kberrors.StorageIO("swap", staging, err)
	}

	if _, err := os.Stat(dst); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return kberrors.StorageIO("swap", live, err)
		}
		if err := os.Rename(src, dst); err != nil {
			return kberrors.StorageIO("swap", live, err)
		}
		return nil
	}

	if err := exchange(src, dst); err != nil {
		return kberrors.StorageIO("swap", live, err)
	}

	// src now holds the previous live tree.
	if backup != "" {
		if err := ValidatePath(backup); err != nil {
			return err
		}
		if err := os.Rename(src, l.abs(backup)); err != nil {
			return kberrors.StorageIO("backup", backup, err)
		}
		return nil
	}
	if err := os.RemoveAll(src); err != nil {
		return kberrors.StorageIO("swap", staging, err)
	}
	return nil
}

// Close implements Backend.
func (l *Local) Close() error {
	return l.guard.Close()
}
