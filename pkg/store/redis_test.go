package store

import (
	"context"
	"testing"
	"time"
)

// fakeRedis is an in-memory RedisClient for tests.
type fakeRedis struct {
	data    map[string][]byte
	expires map[string]time.Time
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		data:    make(map[string][]byte),
		expires: make(map[string]time.Time),
	}
}

type fakeStatusCmd struct{ err error }

func (c fakeStatusCmd) Err() error { return c.err }

type fakeStringCmd struct {
	data []byte
	err  error
}

func (c fakeStringCmd) Bytes() ([]byte, error) { return c.data, c.err }
func (c fakeStringCmd) Err() error             { return c.err }

type fakeIntCmd struct{ err error }

func (c fakeIntCmd) Err() error { return c.err }

type fakeBoolCmd struct{ err error }

func (c fakeBoolCmd) Err() error { return c.err }

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) RedisStatusCmd {
	raw, _ := value.([]byte)
	f.data[key] = raw
	f.expires[key] = time.Now().Add(expiration)
	return fakeStatusCmd{}
}

func (f *fakeRedis) Get(ctx context.Context, key string) RedisStringCmd {
	raw, ok := f.data[key]
	if !ok || time.Now().After(f.expires[key]) {
		return fakeStringCmd{err: ErrRedisNil}
	}
	return fakeStringCmd{data: raw}
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) RedisIntCmd {
	for _, k := range keys {
		delete(f.data, k)
		delete(f.expires, k)
	}
	return fakeIntCmd{}
}

func (f *fakeRedis) Expire(ctx context.Context, key string, expiration time.Duration) RedisBoolCmd {
	if _, ok := f.data[key]; ok {
		f.expires[key] = time.Now().Add(expiration)
	}
	return fakeBoolCmd{}
}

type fakePipeliner struct{ f *fakeRedis }

func (p fakePipeliner) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) RedisStatusCmd {
	return p.f.Set(ctx, key, value, expiration)
}

func (p fakePipeliner) Exec(ctx context.Context) ([]interface{}, error) {
	return nil, nil
}

func (f *fakeRedis) Pipeline() RedisPipeliner { return fakePipeliner{f: f} }
func (f *fakeRedis) Close() error             { return nil }

func TestRedisStoreSaveLoad(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	s := NewRedisStore(client)

	if err := s.Save(ctx, "i1", []byte("token"), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, "i1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != "token" {
		t.Fatalf("expected token, got %q", got)
	}

	// Keys use the configured prefix.
	if _, ok := client.data["statewire:instance:i1"]; !ok {
		t.Fatal("expected prefixed key")
	}
}

func TestRedisStoreMissingKey(t *testing.T) {
	s := NewRedisStore(newFakeRedis())
	got, err := s.Load(context.Background(), "absent")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing key, got %q", got)
	}
}

func TestRedisStoreExpiredSaveDeletes(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	s := NewRedisStore(client)

	s.Save(ctx, "i1", []byte("token"), time.Now().Add(time.Hour))
	if err := s.Save(ctx, "i1", []byte("token"), time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("save expired: %v", err)
	}
	got, _ := s.Load(ctx, "i1")
	if got != nil {
		t.Fatal("expired save must remove the key")
	}
}

func TestRedisStoreSaveAllAndClose(t *testing.T) {
	ctx := context.Background()
	s := NewRedisStore(newFakeRedis(), WithRedisPrefix("test:"))

	err := s.SaveAll(ctx, map[string]Entry{
		"a": {Token: []byte("ta"), ExpiresAt: time.Now().Add(time.Hour)},
		"b": {Token: []byte("tb"), ExpiresAt: time.Now().Add(time.Hour)},
		"c": {Token: []byte("tc"), ExpiresAt: time.Now().Add(-time.Hour)},
	})
	if err != nil {
		t.Fatalf("save all: %v", err)
	}
	if got, _ := s.Load(ctx, "a"); string(got) != "ta" {
		t.Fatalf("expected ta, got %q", got)
	}
	if got, _ := s.Load(ctx, "c"); got != nil {
		t.Fatal("expired entry must not be written")
	}

	s.Close()
	if _, err := s.Load(ctx, "a"); err == nil {
		t.Fatal("expected error after close")
	}
}
