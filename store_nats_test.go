package callcache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goforj/callcache/storetest"
	"github.com/nats-io/nats.go"
)

func TestNATSStoreContract(t *testing.T) {
	store := NewNATSStore(context.Background(), newStubNATSKeyValue("bucket"), WithPrefix("contract"))
	if err := StoreErr(store); err != nil {
		t.Fatalf("nats store create failed: %v", err)
	}
	storetest.RunStoreContract(t, store, storetest.Options{})
}

func TestNATSStoreNilKeyValueErrors(t *testing.T) {
	store := newNATSStore(nil, "")
	ctx := context.Background()

	if _, _, err := store.Get(ctx, "k"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected get error when nats key-value is nil, got %v", err)
	}
	if err := store.Set(ctx, "k", []byte("v"), 0); err == nil {
		t.Fatalf("expected set error when nats key-value is nil")
	}
	if _, err := store.Increment(ctx, "k", 1); err == nil {
		t.Fatalf("expected increment error when nats key-value is nil")
	}
	if _, err := store.Append(ctx, "k", []byte("v")); err == nil {
		t.Fatalf("expected append error when nats key-value is nil")
	}
	if _, err := store.Range(ctx, "k", 0, -1); err == nil {
		t.Fatalf("expected range error when nats key-value is nil")
	}
	if err := store.Flush(ctx); err == nil {
		t.Fatalf("expected flush error when nats key-value is nil")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("expected nil close without connection, got %v", err)
	}
}

func TestNATSStoreKeysStayInAlphabet(t *testing.T) {
	ctx := context.Background()
	kv := newStubNATSKeyValue("bucket")
	store := newNATSStore(kv, "app")

	if err := store.Set(ctx, "result:https://example.com/a?b=c", []byte("body"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	for key := range kv.entries {
		if strings.ContainsAny(key, ":/?= ") {
			t.Fatalf("expected encoded key, got %q", key)
		}
		if !strings.HasPrefix(key, store.scopePrefix()) {
			t.Fatalf("expected scope prefix on %q", key)
		}
	}
}

func TestNATSStoreExpiredEntryIsReplaced(t *testing.T) {
	ctx := context.Background()
	kv := newStubNATSKeyValue("bucket")
	store := newNATSStore(kv, "pfx")

	if err := store.Set(ctx, "n", []byte("41"), 20*time.Millisecond); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok, err := store.Get(ctx, "n"); err != nil || ok {
		t.Fatalf("expected expired entry to miss; ok=%v err=%v", ok, err)
	}
	n, err := store.Increment(ctx, "n", 1)
	if err != nil || n != 1 {
		t.Fatalf("expected increment to restart from zero, got %d err=%v", n, err)
	}
}

func TestNATSStoreIncrementRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	kv := newStubNATSKeyValue("bucket")
	store := newNATSStore(kv, "pfx")

	if _, err := store.Increment(ctx, "n", 1); err != nil {
		t.Fatalf("seed increment failed: %v", err)
	}
	kv.conflicts = 3
	n, err := store.Increment(ctx, "n", 1)
	if err != nil || n != 2 {
		t.Fatalf("expected increment to succeed after conflicts, got %d err=%v", n, err)
	}

	kv.conflicts = natsMaxCASAttempts
	if _, err := store.Append(ctx, "l", []byte("a")); err != nil {
		t.Fatalf("create path should not hit update conflicts: %v", err)
	}
	if _, err := store.Append(ctx, "l", []byte("b")); err == nil {
		t.Fatalf("expected retry limit error")
	}
}

func TestNATSStoreRejectsForeignPayload(t *testing.T) {
	ctx := context.Background()
	kv := newStubNATSKeyValue("bucket")
	store := newNATSStore(kv, "pfx")

	if _, err := kv.Put(store.storeKey("raw"), []byte(`{"m":"other"}`)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, _, err := store.Get(ctx, "raw"); err == nil {
		t.Fatalf("expected marker mismatch error")
	}
	if _, err := kv.Put(store.storeKey("junk"), []byte("not json")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, _, err := store.Get(ctx, "junk"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestNATSStoreFlushRespectsPrefix(t *testing.T) {
	ctx := context.Background()
	kv := newStubNATSKeyValue("bucket")
	mine := newNATSStore(kv, "mine")
	theirs := newNATSStore(kv, "theirs")

	if err := mine.Set(ctx, "k", []byte("a"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := theirs.Set(ctx, "k", []byte("b"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := mine.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if _, ok, _ := mine.Get(ctx, "k"); ok {
		t.Fatalf("expected own key flushed")
	}
	if body, ok, err := theirs.Get(ctx, "k"); err != nil || !ok || string(body) != "b" {
		t.Fatalf("expected foreign key to survive; ok=%v err=%v", ok, err)
	}
}

func TestNATSStoreErrorPropagation(t *testing.T) {
	ctx := context.Background()

	kv := newStubNATSKeyValue("bucket")
	kv.getErr = errors.New("get")
	store := newNATSStore(kv, "pfx")
	if _, _, err := store.Get(ctx, "k"); err == nil {
		t.Fatalf("expected get error")
	}
	if _, err := store.Increment(ctx, "k", 1); err == nil {
		t.Fatalf("expected increment to surface get error")
	}

	kv = newStubNATSKeyValue("bucket")
	kv.putErr = errors.New("put")
	store = newNATSStore(kv, "pfx")
	if err := store.Set(ctx, "k", []byte("v"), 0); err == nil {
		t.Fatalf("expected set error")
	}

	kv = newStubNATSKeyValue("bucket")
	kv.createErr = errors.New("create")
	store = newNATSStore(kv, "pfx")
	if _, err := store.Append(ctx, "k", []byte("v")); err == nil {
		t.Fatalf("expected append create error")
	}

	kv = newStubNATSKeyValue("bucket")
	kv.listErr = errors.New("list")
	store = newNATSStore(kv, "pfx")
	if err := store.Flush(ctx); err == nil {
		t.Fatalf("expected flush list error")
	}

	kv = newStubNATSKeyValue("bucket")
	kv.listErr = nats.ErrNoKeysFound
	store = newNATSStore(kv, "pfx")
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("expected empty bucket flush to succeed, got %v", err)
	}

	kv = newStubNATSKeyValue("bucket")
	store = newNATSStore(kv, "pfx")
	if err := store.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	kv.purgeErr = errors.New("purge")
	if err := store.Flush(ctx); err == nil {
		t.Fatalf("expected flush purge error")
	}
}

func TestNATSStoreDialRequiresURL(t *testing.T) {
	store := NewStore(context.Background(), StoreConfig{Driver: DriverNATS})
	if !errors.Is(StoreErr(store), ErrStoreUnavailable) {
		t.Fatalf("expected unavailable error, got %v", StoreErr(store))
	}
}

type stubNATSKeyValue struct {
	bucket string
	rev    uint64

	entries map[string]*stubNATSKeyValueEntry

	getErr    error
	putErr    error
	createErr error
	updateErr error
	// conflicts forces the next N updates to lose the revision race.
	conflicts int
	purgeErr  error
	listErr   error
}

func newStubNATSKeyValue(bucket string) *stubNATSKeyValue {
	return &stubNATSKeyValue{
		bucket:  bucket,
		entries: make(map[string]*stubNATSKeyValueEntry),
	}
}

func (s *stubNATSKeyValue) Get(key string) (nats.KeyValueEntry, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	entry, ok := s.entries[key]
	if !ok {
		return nil, nats.ErrKeyNotFound
	}
	if entry.op == nats.KeyValueDelete || entry.op == nats.KeyValuePurge {
		return nil, nats.ErrKeyDeleted
	}
	return entry.clone(), nil
}

func (s *stubNATSKeyValue) Put(key string, value []byte) (uint64, error) {
	if s.putErr != nil {
		return 0, s.putErr
	}
	s.rev++
	s.entries[key] = &stubNATSKeyValueEntry{
		bucket:   s.bucket,
		key:      key,
		value:    cloneBytes(value),
		revision: s.rev,
		created:  time.Now(),
		op:       nats.KeyValuePut,
	}
	return s.rev, nil
}

func (s *stubNATSKeyValue) Create(key string, value []byte) (uint64, error) {
	if s.createErr != nil {
		return 0, s.createErr
	}
	if existing, ok := s.entries[key]; ok && existing.op == nats.KeyValuePut {
		return 0, nats.ErrKeyExists
	}
	return s.Put(key, value)
}

func (s *stubNATSKeyValue) Update(key string, value []byte, last uint64) (uint64, error) {
	if s.updateErr != nil {
		return 0, s.updateErr
	}
	if s.conflicts > 0 {
		s.conflicts--
		return 0, nats.ErrKeyExists
	}
	existing, ok := s.entries[key]
	if !ok || existing.op != nats.KeyValuePut {
		return 0, nats.ErrKeyNotFound
	}
	if existing.revision != last {
		return 0, nats.ErrKeyExists
	}
	return s.Put(key, value)
}

func (s *stubNATSKeyValue) Purge(key string, _ ...nats.DeleteOpt) error {
	if s.purgeErr != nil {
		return s.purgeErr
	}
	delete(s.entries, key)
	return nil
}

func (s *stubNATSKeyValue) ListKeys(_ ...nats.WatchOpt) (nats.KeyLister, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return newStubNATSKeyLister(keys), nil
}

type stubNATSKeyValueEntry struct {
	bucket   string
	key      string
	value    []byte
	revision uint64
	created  time.Time
	delta    uint64
	op       nats.KeyValueOp
}

func (e *stubNATSKeyValueEntry) clone() *stubNATSKeyValueEntry {
	cp := *e
	cp.value = cloneBytes(e.value)
	return &cp
}

func (e *stubNATSKeyValueEntry) Bucket() string             { return e.bucket }
func (e *stubNATSKeyValueEntry) Key() string                { return e.key }
func (e *stubNATSKeyValueEntry) Value() []byte              { return cloneBytes(e.value) }
func (e *stubNATSKeyValueEntry) Revision() uint64           { return e.revision }
func (e *stubNATSKeyValueEntry) Created() time.Time         { return e.created }
func (e *stubNATSKeyValueEntry) Delta() uint64              { return e.delta }
func (e *stubNATSKeyValueEntry) Operation() nats.KeyValueOp { return e.op }

type stubNATSKeyLister struct {
	keysCh chan string
	errCh  chan error
}

func newStubNATSKeyLister(keys []string) *stubNATSKeyLister {
	keysCh := make(chan string, len(keys))
	errCh := make(chan error)
	for _, key := range keys {
		keysCh <- key
	}
	close(keysCh)
	close(errCh)
	return &stubNATSKeyLister{keysCh: keysCh, errCh: errCh}
}

func (l *stubNATSKeyLister) Keys() <-chan string { return l.keysCh }
func (l *stubNATSKeyLister) Error() <-chan error { return l.errCh }
func (l *stubNATSKeyLister) Stop() error         { return nil }
