package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
)

const (
	badgerObjectPrefix = "obj/"
	badgerLeasePrefix  = "lease/"
)

// Badger keeps objects and leases in an embedded Badger database. Lease
// keys carry a TTL so an abandoned lease disappears by itself, and
// concurrent acquisitions are arbitrated by Badger's transaction conflict
// detection.
type Badger struct {
	db  *badger.DB
	now func() time.Time
}

// NewBadger opens the database in dir. An empty dir opens an in-memory
// database.
func NewBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, kberrors.StorageIO("open", dir, err)
	}
	return &Badger{db: db, now: time.Now}, nil
}

func objectKey(p string) []byte {
	return []byte(badgerObjectPrefix + p)
}

func leaseKey(resource string) []byte {
	return []byte(badgerLeasePrefix + resource)
}

// Read implements Backend.
func (b *Badger) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(p))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, kberrors.NotFound("object", p)
	}
	if err != nil {
		return nil, kberrors.StorageIO("read", p, err)
	}
	return data, nil
}

// Write implements Backend.
func (b *Badger) Write(ctx context.Context, p string, data []byte) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(objectKey(p), data)
	})
	if err != nil {
		return kberrors.StorageIO("write", p, err)
	}
	return nil
}

// Delete implements Backend.
func (b *Badger) Delete(ctx context.Context, p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(objectKey(p))
	})
	if err != nil {
		return kberrors.StorageIO("delete", p, err)
	}
	return nil
}

// List implements Backend. Badger iterates keys in byte order, which is
// the lexical order List promises.
func (b *Badger) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := objectKey(prefix)
		for it.Seek(seek); it.ValidForPrefix(seek); it.Next() {
			out = append(out, string(it.Item().Key()[len(badgerObjectPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, kberrors.StorageIO("list", prefix, err)
	}
	return out, nil
}

// TryAcquireLease implements Backend.
func (b *Badger) TryAcquireLease(ctx context.Context, resource, holder string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		acquired *Lease
		held     *Lease
	)
	err := b.db.Update(func(txn *badger.Txn) error {
		now := b.now()
		item, err := txn.Get(leaseKey(resource))
		switch {
		case err == nil:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if existing, derr := decodeLease(raw); derr == nil && !existing.Expired(now) {
				held = existing
				return nil
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		lease := newLease(resource, holder, uuid.NewString(), now, ttl)
		data, err := encodeLease(lease)
		if err != nil {
			return err
		}
		if err := txn.SetEntry(badger.NewEntry(leaseKey(resource), data).WithTTL(ttl)); err != nil {
			return err
		}
		acquired = lease
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		// Another writer committed a lease on the same key first.
		return nil, leaseHeld(&Lease{Path: resource, HolderID: "unknown"})
	}
	if err != nil {
		return nil, kberrors.StorageIO("lease", resource, err)
	}
	if held != nil {
		return nil, leaseHeld(held)
	}
	return acquired, nil
}

// ReleaseLease implements Backend.
func (b *Badger) ReleaseLease(ctx context.Context, lease *Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lost := false
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(leaseKey(lease.Path))
		if errors.Is(err, badger.ErrKeyNotFound) {
			lost = true
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		existing, err := decodeLease(raw)
		if err != nil || existing.LockID != lease.LockID {
			lost = true
			return nil
		}
		return txn.Delete(leaseKey(lease.Path))
	})
	if err != nil {
		return kberrors.StorageIO("release", lease.Path, err)
	}
	if lost {
		return leaseLost(lease)
	}
	return nil
}

// Swap implements Backend in a single transaction.
func (b *Badger) Swap(ctx context.Context, staging, live, backup string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	found := false
	err := b.db.Update(func(txn *badger.Txn) error {
		type kv struct {
			path string
			data []byte
		}
		collect := func(dir string) ([]kv, error) {
			var out []kv
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			seek := objectKey(dir + "/")
			for it.Seek(seek); it.ValidForPrefix(seek); it.Next() {
				data, err := it.Item().ValueCopy(nil)
				if err != nil {
					return nil, err
				}
				out = append(out, kv{path: string(it.Item().Key()[len(badgerObjectPrefix):]), data: data})
			}
			return out, nil
		}

		staged, err := collect(staging)
		if err != nil {
			return err
		}
		if len(staged) == 0 {
			return nil
		}
		found = true

		current, err := collect(live)
		if err != nil {
			return err
		}
		for _, o := range current {
			if backup != "" {
				if err := txn.Set(objectKey(rebase(o.path, live, backup)), o.data); err != nil {
					return err
				}
			}
			if err := txn.Delete(objectKey(o.path)); err != nil {
				return err
			}
		}
		for _, o := range staged {
			if err := txn.Set(objectKey(rebase(o.path, staging, live)), o.data); err != nil {
				return err
			}
			if err := txn.Delete(objectKey(o.path)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return kberrors.StorageIO("swap", live, err)
	}
	if !found {
		return kberrors.NotFound("staging tree", staging)
	}
	return nil
}

// Close implements Backend.
func (b *Badger) Close() error {
	return b.db.Close()
}
