package store

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeS3Object struct {
	body     []byte
	metadata map[string]string
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]*fakeS3Object
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]*fakeS3Object{}}
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*params.Key] = &fakeS3Object{body: body, metadata: params.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(obj.body)),
		Metadata: obj.metadata,
	}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if params.MetadataDirective == types.MetadataDirectiveReplace {
		obj.metadata = params.Metadata
	}
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func TestS3StoreSaveLoad(t *testing.T) {
	fake := newFakeS3()
	st := NewS3Store(fake, "bucket", "instances/")
	ctx := context.Background()

	if err := st.Save(ctx, "i1", []byte("token"), time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !fake.has("instances/i1") {
		t.Fatal("object not stored under prefixed key")
	}

	got, err := st.Load(ctx, "i1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != "token" {
		t.Errorf("Load = %q, want %q", got, "token")
	}
}

func TestS3StoreMissingKey(t *testing.T) {
	st := NewS3Store(newFakeS3(), "bucket", "instances/")

	got, err := st.Load(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Errorf("Load = %v, want nil", got)
	}
}

func TestS3StoreExpiredLoadDeletes(t *testing.T) {
	fake := newFakeS3()
	st := NewS3Store(fake, "bucket", "instances/")
	ctx := context.Background()

	if err := st.Save(ctx, "i1", []byte("stale"), time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := st.Load(ctx, "i1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Errorf("expired Load = %v, want nil", got)
	}
	if fake.has("instances/i1") {
		t.Error("expired object should have been deleted")
	}
}

func TestS3StoreTouch(t *testing.T) {
	fake := newFakeS3()
	st := NewS3Store(fake, "bucket", "instances/")
	ctx := context.Background()

	if err := st.Save(ctx, "i1", []byte("token"), time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	extended := time.Now().Add(time.Hour)
	if err := st.Touch(ctx, "i1", extended); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	fake.mu.Lock()
	raw := fake.objects["instances/i1"].metadata[expiresMetaKey]
	fake.mu.Unlock()
	if raw != strconv.FormatInt(extended.Unix(), 10) {
		t.Errorf("expiry metadata = %q, want %d", raw, extended.Unix())
	}

	// Touching a missing object is not an error.
	if err := st.Touch(ctx, "missing", extended); err != nil {
		t.Fatalf("Touch missing: %v", err)
	}
}

func TestS3StoreDelete(t *testing.T) {
	fake := newFakeS3()
	st := NewS3Store(fake, "bucket", "instances/")
	ctx := context.Background()

	if err := st.Save(ctx, "i1", []byte("token"), time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := st.Delete(ctx, "i1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if fake.has("instances/i1") {
		t.Error("object survived Delete")
	}
}

func TestS3StoreSaveAll(t *testing.T) {
	fake := newFakeS3()
	st := NewS3Store(fake, "bucket", "instances/")

	expires := time.Now().Add(time.Minute)
	err := st.SaveAll(context.Background(), map[string]Entry{
		"a": {Token: []byte("1"), ExpiresAt: expires},
		"b": {Token: []byte("2"), ExpiresAt: expires},
	})
	if err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	if !fake.has("instances/a") || !fake.has("instances/b") {
		t.Error("SaveAll did not store every snapshot")
	}
}

func TestS3StoreClosed(t *testing.T) {
	st := NewS3Store(newFakeS3(), "bucket", "instances/")
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ctx := context.Background()
	if err := st.Save(ctx, "i", []byte("x"), time.Now().Add(time.Minute)); err == nil {
		t.Error("Save after Close should fail")
	}
	if _, err := st.Load(ctx, "i"); err == nil {
		t.Error("Load after Close should fail")
	}
	if err := st.Delete(ctx, "i"); err == nil {
		t.Error("Delete after Close should fail")
	}
	if err := st.Touch(ctx, "i", time.Now()); err == nil {
		t.Error("Touch after Close should fail")
	}
	if err := st.SaveAll(ctx, map[string]Entry{}); err == nil {
		t.Error("SaveAll after Close should fail")
	}
}
