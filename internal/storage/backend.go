// Package storage provides the object store every kbindex component reads
// and writes through.
//
// A Backend offers whole-object reads and writes addressed by slash
// separated relative paths, prefix listing, short-lived exclusive leases
// and a tree swap used to publish a rebuilt index. Local, in-memory,
// SQLite, Badger, S3 (with DynamoDB leases) and GCS implementations are
// provided; Open selects one from configuration.
package storage

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"time"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
)

// LocksDir is the reserved prefix holding lease records on backends that
// store leases as objects.
const LocksDir = "_locks"

// Backend is the storage abstraction shared by the topic store, the index
// and the migrator.
//
// Read returns an error matching kberrors.ErrNotFound when the object does
// not exist. Write replaces the whole object atomically: a concurrent
// reader sees either the old or the new bytes, never a mix. Delete of a
// missing object succeeds. List returns every object path with the given
// string prefix in lexical order, lease records excluded.
type Backend interface {
	Read(ctx context.Context, p string) ([]byte, error)
	Write(ctx context.Context, p string, data []byte) error
	Delete(ctx context.Context, p string) error
	List(ctx context.Context, prefix string) ([]string, error)

	// TryAcquireLease makes a single non-blocking attempt to take the
	// lease on resource. It fails with kberrors.ErrLeaseHeld when another
	// unexpired lease exists. An expired lease is taken over.
	TryAcquireLease(ctx context.Context, resource, holder string, ttl time.Duration) (*Lease, error)

	// ReleaseLease removes lease if it is still the current lease on its
	// resource. It fails with kberrors.ErrLeaseLost otherwise.
	ReleaseLease(ctx context.Context, lease *Lease) error

	// Swap replaces the tree under live with the tree under staging.
	// The previous live tree moves to backup, or is removed when backup
	// is empty. On return staging no longer exists.
	Swap(ctx context.Context, staging, live, backup string) error

	Close() error
}

// Lease is an exclusive, time-bounded claim on a resource.
type Lease struct {
	LockID     string    `json:"lock_id"`
	HolderID   string    `json:"holder_id"`
	Path       string    `json:"path"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease is past its expiry at now.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// LockPath returns the lease record path for resource.
// "topics/python/gil" becomes "_locks/topics__python__gil.lock".
func LockPath(resource string) string {
	return LocksDir + "/" + strings.ReplaceAll(resource, "/", "__") + ".lock"
}

// ValidatePath rejects empty, absolute and parent-escaping object paths.
func ValidatePath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return kberrors.Newf(kberrors.ErrCodeInvalidInput, "invalid object path %q", p)
	}
	if path.Clean(p) != p {
		return kberrors.Newf(kberrors.ErrCodeInvalidInput, "object path %q is not canonical", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "." {
			return kberrors.Newf(kberrors.ErrCodeInvalidInput, "invalid object path %q", p)
		}
	}
	return nil
}

// underPrefix reports whether object path p lies inside the tree rooted
// at dir.
func underPrefix(p, dir string) bool {
	return p == dir || strings.HasPrefix(p, dir+"/")
}

// rebase moves p from the tree at from to the tree at to.
func rebase(p, from, to string) string {
	return to + strings.TrimPrefix(p, from)
}

func newLease(resource, holder, id string, now time.Time, ttl time.Duration) *Lease {
	return &Lease{
		LockID:     id,
		HolderID:   holder,
		Path:       resource,
		AcquiredAt: now.UTC(),
		ExpiresAt:  now.Add(ttl).UTC(),
	}
}

func leaseHeld(existing *Lease) error {
	return kberrors.Newf(kberrors.ErrCodeLeaseHeld, "lease on %s held by %s", existing.Path, existing.HolderID).
		WithDetail("holder", existing.HolderID).
		WithDetail("expires_at", existing.ExpiresAt.Format(time.RFC3339Nano))
}

func leaseLost(lease *Lease) error {
	return kberrors.Newf(kberrors.ErrCodeLeaseLost, "lease %s on %s is no longer held", lease.LockID, lease.Path).
		WithDetail("resource", lease.Path)
}

func encodeLease(l *Lease) ([]byte, error) {
	return json.Marshal(l)
}

func decodeLease(data []byte) (*Lease, error) {
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	return &l, nil
}
