package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the subset of the S3 client used by S3Store. It exists so
// tests can substitute a fake.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// expiresMetaKey is the object metadata key holding the expiry as
// Unix seconds.
const expiresMetaKey = "statewire-expires-at"

// S3Store is an S3-backed InstanceStore. Expiry is tracked in object
// metadata; expired objects read as absent and are deleted lazily.
//
// Example usage:
//
//	cfg, _ := config.LoadDefaultConfig(context.Background())
//	st := store.NewS3Store(s3.NewFromConfig(cfg), "my-bucket", "instances/")
type S3Store struct {
	client s3API
	bucket string
	prefix string

	mu     sync.RWMutex
	closed bool
}

// NewS3Store creates a new S3-backed instance store.
//
// Parameters:
//   - client: AWS S3 client from aws-sdk-go-v2, or any s3API
//   - bucket: S3 bucket name
//   - prefix: key prefix for snapshots (e.g. "statewire/instances/")
func NewS3Store(client s3API, bucket, prefix string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *S3Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *S3Store) key(instanceID string) string {
	return s.prefix + instanceID
}

// Save uploads a snapshot token.
func (s *S3Store) Save(ctx context.Context, instanceID string, token []byte, expiresAt time.Time) error {
	if s.isClosed() {
		return ErrStoreClosed{}
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(instanceID)),
		Body:        bytes.NewReader(token),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			expiresMetaKey: strconv.FormatInt(expiresAt.Unix(), 10),
		},
	})
	return err
}

// Load downloads a snapshot token if present and not expired.
func (s *S3Store) Load(ctx context.Context, instanceID string) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed{}
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(instanceID)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, nil
		}
		return nil, err
	}
	defer out.Body.Close()

	if expired(out.Metadata) {
		// Best effort: expired objects are garbage.
		s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(instanceID)),
		})
		return nil, nil
	}

	return io.ReadAll(out.Body)
}

// Delete removes a snapshot object.
func (s *S3Store) Delete(ctx context.Context, instanceID string) error {
	if s.isClosed() {
		return ErrStoreClosed{}
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(instanceID)),
	})
	return err
}

// Touch rewrites the expiry metadata via a same-key copy.
func (s *S3Store) Touch(ctx context.Context, instanceID string, expiresAt time.Time) error {
	if s.isClosed() {
		return ErrStoreClosed{}
	}

	key := s.key(instanceID)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(s.bucket + "/" + key),
		MetadataDirective: types.MetadataDirectiveReplace,
		Metadata: map[string]string{
			expiresMetaKey: strconv.FormatInt(expiresAt.Unix(), 10),
		},
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil
		}
	}
	return err
}

// SaveAll uploads snapshots sequentially; S3 offers no multi-object
// atomicity.
func (s *S3Store) SaveAll(ctx context.Context, snapshots map[string]Entry) error {
	if s.isClosed() {
		return ErrStoreClosed{}
	}

	for id, e := range snapshots {
		if err := s.Save(ctx, id, e.Token, e.ExpiresAt); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the store closed. The caller owns the S3 client.
func (s *S3Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func expired(metadata map[string]string) bool {
	raw, ok := metadata[expiresMetaKey]
	if !ok {
		return false
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return time.Now().After(time.Unix(sec, 0))
}
