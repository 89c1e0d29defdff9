package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
)

// Memory is a process-local Backend. It is used by tests and by the
// memory storage kind for throwaway knowledge bases.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	leases  map[string]*Lease
	now     func() time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		leases:  make(map[string]*Lease),
		now:     time.Now,
	}
}

// SetClock replaces the clock used for lease expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Read implements Backend.
func (m *Memory) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[p]
	if !ok {
		return nil, kberrors.NotFound("object", p)
	}
	return append([]byte(nil), data...), nil
}

// Write implements Backend.
func (m *Memory) Write(ctx context.Context, p string, data []byte) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[p] = append([]byte(nil), data...)
	return nil
}

// Delete implements Backend.
func (m *Memory) Delete(ctx context.Context, p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, p)
	return nil
}

// List implements Backend.
func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for p := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// TryAcquireLease implements Backend.
func (m *Memory) TryAcquireLease(ctx context.Context, resource, holder string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.leases[resource]; ok && !existing.Expired(now) {
		return nil, leaseHeld(existing)
	}
	lease := newLease(resource, holder, uuid.NewString(), now, ttl)
	stored := *lease
	m.leases[resource] = &stored
	return lease, nil
}

// ReleaseLease implements Backend.
func (m *Memory) ReleaseLease(ctx context.Context, lease *Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.leases[lease.Path]
	if !ok || existing.LockID != lease.LockID {
		return leaseLost(lease)
	}
	delete(m.leases, lease.Path)
	return nil
}

// Swap implements Backend. The exchange happens under the mutex, so
// readers observe either tree in full.
func (m *Memory) Swap(ctx context.Context, staging, live, backup string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	for p := range m.objects {
		if underPrefix(p, staging) {
			found = true
			break
		}
	}
	if !found {
		return kberrors.NotFound("staging tree", staging)
	}

	for p, data := range m.objects {
		if underPrefix(p, live) {
			if backup != "" {
				m.objects[rebase(p, live, backup)] = data
			}
			delete(m.objects, p)
		}
	}
	for p, data := range m.objects {
		if underPrefix(p, staging) {
			m.objects[rebase(p, staging, live)] = data
			delete(m.objects, p)
		}
	}
	return nil
}

// Close implements Backend.
func (m *Memory) Close() error {
	return nil
}
