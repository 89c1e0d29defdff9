package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/pkg/version"
)

// GCSOptions configures NewGCS.
type GCSOptions struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	// Endpoint is the JSON API base URL of an emulator, such as
	// "http://localhost:4443/storage/v1/".
	Endpoint string
}

// GCS stores objects and lease records in a Google Cloud Storage bucket.
// Lease records are ordinary objects guarded by generation preconditions:
// creation requires that no object exists, takeover and release require
// the generation that was read.
type GCS struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	prefix string
	now    func() time.Time
}

// NewGCS creates a GCS backend using application default credentials or
// the given service account key file.
func NewGCS(ctx context.Context, opts GCSOptions) (*GCS, error) {
	clientOpts := []option.ClientOption{option.WithUserAgent(version.UserAgent())}
	switch {
	case opts.Endpoint != "":
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint), option.WithoutAuthentication())
	case opts.CredentialsFile != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, kberrors.StorageIO("open", "gs://"+opts.Bucket, err)
	}
	return &GCS{
		client: client,
		bucket: client.Bucket(opts.Bucket),
		prefix: strings.Trim(opts.Prefix, "/"),
		now:    time.Now,
	}, nil
}

func (g *GCS) key(p string) string {
	if g.prefix == "" {
		return p
	}
	return path.Join(g.prefix, p)
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func (g *GCS) readObject(ctx context.Context, key string) ([]byte, int64, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	return data, r.Attrs.Generation, nil
}

func (g *GCS) writeObject(ctx context.Context, obj *gcs.ObjectHandle, data []byte) error {
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Read implements Backend.
func (g *GCS) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	data, _, err := g.readObject(ctx, g.key(p))
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, kberrors.NotFound("object", p)
	}
	if err != nil {
		return nil, kberrors.StorageIO("read", p, err)
	}
	return data, nil
}

// Write implements Backend.
func (g *GCS) Write(ctx context.Context, p string, data []byte) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	if err := g.writeObject(ctx, g.bucket.Object(g.key(p)), data); err != nil {
		return kberrors.StorageIO("write", p, err)
	}
	return nil
}

// Delete implements Backend.
func (g *GCS) Delete(ctx context.Context, p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	err := g.bucket.Object(g.key(p)).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return kberrors.StorageIO("delete", p, err)
	}
	return nil
}

// List implements Backend. Lease records under _locks/ are skipped.
func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := prefix
	if g.prefix != "" {
		fullPrefix = g.prefix + "/" + prefix
	}
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: fullPrefix})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, kberrors.StorageIO("list", prefix, err)
		}
		rel := attrs.Name
		if g.prefix != "" {
			rel = strings.TrimPrefix(rel, g.prefix+"/")
		}
		if underPrefix(rel, LocksDir) {
			continue
		}
		keys = append(keys, rel)
	}
	sort.Strings(keys)
	return keys, nil
}

func (g *GCS) copyObject(ctx context.Context, src, dst string) error {
	_, err := g.bucket.Object(g.key(dst)).CopierFrom(g.bucket.Object(g.key(src))).Run(ctx)
	if err != nil {
		return kberrors.StorageIO("copy", src, err)
	}
	return nil
}

// Swap implements Backend by copying; see swapByCopy.
func (g *GCS) Swap(ctx context.Context, staging, live, backup string) error {
	return swapByCopy(ctx, g, staging, live, backup)
}

// TryAcquireLease implements Backend.
func (g *GCS) TryAcquireLease(ctx context.Context, resource, holder string, ttl time.Duration) (*Lease, error) {
	key := g.key(LockPath(resource))
	obj := g.bucket.Object(key)

	cond := gcs.Conditions{DoesNotExist: true}
	raw, gen, err := g.readObject(ctx, key)
	switch {
	case err == nil:
		existing, derr := decodeLease(raw)
		if derr == nil && !existing.Expired(g.now()) {
			return nil, leaseHeld(existing)
		}
		cond = gcs.Conditions{GenerationMatch: gen}
	case !errors.Is(err, gcs.ErrObjectNotExist):
		return nil, kberrors.StorageIO("lease", resource, err)
	}

	lease := newLease(resource, holder, uuid.NewString(), g.now(), ttl)
	data, err := encodeLease(lease)
	if err != nil {
		return nil, kberrors.InternalError("encode lease", err)
	}
	if err := g.writeObject(ctx, obj.If(cond), data); err != nil {
		if isPreconditionFailed(err) {
			return nil, leaseHeld(&Lease{Path: resource, HolderID: "unknown"})
		}
		return nil, kberrors.StorageIO("lease", resource, err)
	}
	return lease, nil
}

// ReleaseLease implements Backend.
func (g *GCS) ReleaseLease(ctx context.Context, lease *Lease) error {
	key := g.key(LockPath(lease.Path))
	raw, gen, err := g.readObject(ctx, key)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return leaseLost(lease)
	}
	if err != nil {
		return kberrors.StorageIO("release", lease.Path, err)
	}
	existing, err := decodeLease(raw)
	if err != nil || existing.LockID != lease.LockID {
		return leaseLost(lease)
	}
	err = g.bucket.Object(key).If(gcs.Conditions{GenerationMatch: gen}).Delete(ctx)
	if err != nil {
		if isPreconditionFailed(err) || errors.Is(err, gcs.ErrObjectNotExist) {
			return leaseLost(lease)
		}
		return kberrors.StorageIO("release", lease.Path, err)
	}
	return nil
}

// Close implements Backend.
func (g *GCS) Close() error {
	return g.client.Close()
}
