package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/pkg/version"
)

// S3API is the subset of the S3 client used by the S3 backend.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// DDBClient is the subset of the DynamoDB client used for leases.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// S3Options configures NewS3.
type S3Options struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	LeaseTable   string
}

// S3 stores objects in an S3 bucket and leases in a DynamoDB table.
//
// S3 offers no compare-and-swap on object creation, so leases use a
// conditional PutItem instead. The table needs a string partition key
// named lease_path:
//
//	aws dynamodb create-table \
//	  --table-name kbindex-leases \
//	  --attribute-definitions AttributeName=lease_path,AttributeType=S \
//	  --key-schema AttributeName=lease_path,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
//
// Enabling DynamoDB TTL on the ttl attribute lets the table drop
// abandoned leases.
type S3 struct {
	client S3API
	ddb    DDBClient
	bucket string
	prefix string
	table  string
	now    func() time.Time
}

// NewS3 builds an S3 backend from the default AWS credential chain.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithAppID(version.Name + "-" + version.Version),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, kberrors.StorageIO("open", "s3://"+opts.Bucket, err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return NewS3WithClients(client, dynamodb.NewFromConfig(cfg), opts), nil
}

// NewS3WithClients builds an S3 backend from existing clients.
func NewS3WithClients(client S3API, ddb DDBClient, opts S3Options) *S3 {
	return &S3{
		client: client,
		ddb:    ddb,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		table:  opts.LeaseTable,
		now:    time.Now,
	}
}

func (s *S3) key(p string) string {
	if s.prefix == "" {
		return p
	}
	return path.Join(s.prefix, p)
}

func (s *S3) rel(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.prefix+"/")
}

// isObjectNotFound matches both the typed NoSuchKey and the bare API
// error code some S3-compatible servers return.
func isObjectNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

// Read implements Backend.
func (s *S3) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		if isObjectNotFound(err) {
			return nil, kberrors.NotFound("object", p)
		}
		return nil, kberrors.StorageIO("read", p, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, kberrors.StorageIO("read", p, err)
	}
	return data, nil
}

// Write implements Backend. S3 PUTs are atomic per object.
func (s *S3) Write(ctx context.Context, p string, data []byte) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(p)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return kberrors.StorageIO("write", p, err)
	}
	return nil
}

// Delete implements Backend.
func (s *S3) Delete(ctx context.Context, p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil && !isObjectNotFound(err) {
		return kberrors.StorageIO("delete", p, err)
	}
	return nil
}

// List implements Backend.
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := prefix
	if s.prefix != "" {
		fullPrefix = s.prefix + "/" + prefix
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(fullPrefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, kberrors.StorageIO("list", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, s.rel(aws.ToString(obj.Key)))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *S3) copyObject(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + escapeKey(s.key(src))),
		Key:        aws.String(s.key(dst)),
	})
	if err != nil {
		return kberrors.StorageIO("copy", src, err)
	}
	return nil
}

// escapeKey URL-encodes each segment of an object key for CopySource.
func escapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}

// Swap implements Backend by copying; see swapByCopy.
func (s *S3) Swap(ctx context.Context, staging, live, backup string) error {
	return swapByCopy(ctx, s, staging, live, backup)
}

func (s *S3) leaseItemKey(resource string) string {
	return "s3://" + s.bucket + "/" + s.key(LockPath(resource))
}

// TryAcquireLease implements Backend with a conditional PutItem that only
// succeeds when no lease exists or the existing one has expired.
func (s *S3) TryAcquireLease(ctx context.Context, resource, holder string, ttl time.Duration) (*Lease, error) {
	now := s.now()
	lease := newLease(resource, holder, uuid.NewString(), now, ttl)

	_, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]ddbtypes.AttributeValue{
			"lease_path":  &ddbtypes.AttributeValueMemberS{Value: s.leaseItemKey(resource)},
			"resource":    &ddbtypes.AttributeValueMemberS{Value: resource},
			"lease_id":    &ddbtypes.AttributeValueMemberS{Value: lease.LockID},
			"holder_id":   &ddbtypes.AttributeValueMemberS{Value: holder},
			"acquired_at": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(lease.AcquiredAt.UnixNano(), 10)},
			"expires_at":  &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(lease.ExpiresAt.UnixNano(), 10)},
			"ttl":         &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(lease.ExpiresAt.Add(time.Hour).Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(lease_path) OR expires_at <= :now"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":now": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixNano(), 10)},
		},
		ReturnValuesOnConditionCheckFailure: ddbtypes.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var condErr *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil, leaseHeld(leaseFromItem(resource, condErr.Item))
		}
		return nil, kberrors.StorageIO("lease", resource, err)
	}
	return lease, nil
}

// ReleaseLease implements Backend. The delete is conditioned on the lease
// id so a taken-over lease is never removed by its previous holder.
func (s *S3) ReleaseLease(ctx context.Context, lease *Lease) error {
	_, err := s.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]ddbtypes.AttributeValue{
			"lease_path": &ddbtypes.AttributeValueMemberS{Value: s.leaseItemKey(lease.Path)},
		},
		ConditionExpression: aws.String("lease_id = :id"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":id": &ddbtypes.AttributeValueMemberS{Value: lease.LockID},
		},
	})
	if err != nil {
		var condErr *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return leaseLost(lease)
		}
		return kberrors.StorageIO("release", lease.Path, err)
	}
	return nil
}

func leaseFromItem(resource string, item map[string]ddbtypes.AttributeValue) *Lease {
	l := &Lease{Path: resource, HolderID: "unknown"}
	if v, ok := item["holder_id"].(*ddbtypes.AttributeValueMemberS); ok {
		l.HolderID = v.Value
	}
	if v, ok := item["lease_id"].(*ddbtypes.AttributeValueMemberS); ok {
		l.LockID = v.Value
	}
	if v, ok := item["expires_at"].(*ddbtypes.AttributeValueMemberN); ok {
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			l.ExpiresAt = time.Unix(0, n).UTC()
		}
	}
	return l
}

// Close implements Backend.
func (s *S3) Close() error {
	return nil
}
