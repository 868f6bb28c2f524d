package callcache

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/goforj/callcache/storetest"
)

func newSQLiteStore(t *testing.T, dsn, prefix string) Store {
	t.Helper()
	store := NewSQLStore(context.Background(), "sqlite", dsn, WithPrefix(prefix), WithSQLTable("cache_entries"))
	if err := StoreErr(store); err != nil {
		t.Fatalf("sqlite store create failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStoreContract(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cache.db")
	store := newSQLiteStore(t, dsn, "contract")
	storetest.RunStoreContract(t, store, storetest.Options{})
}

func TestSQLStoreFlushIsPrefixScoped(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "cache.db")
	mine := newSQLiteStore(t, dsn, "mine")
	theirs := newSQLiteStore(t, dsn, "theirs")

	if err := mine.Set(ctx, "k", []byte("a"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := mine.Append(ctx, "l", []byte("a")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := theirs.Set(ctx, "k", []byte("b"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := theirs.Append(ctx, "l", []byte("b")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if err := mine.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if _, ok, _ := mine.Get(ctx, "k"); ok {
		t.Fatalf("expected own key flushed")
	}
	body, ok, err := theirs.Get(ctx, "k")
	if err != nil || !ok || string(body) != "b" {
		t.Fatalf("expected foreign key to survive, ok=%v body=%q err=%v", ok, string(body), err)
	}
	items, err := theirs.Range(ctx, "l", 0, -1)
	if err != nil || len(items) != 1 {
		t.Fatalf("expected foreign list to survive, got %d err=%v", len(items), err)
	}
}

func TestSQLStoreIncrementNonNumeric(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t, filepath.Join(t.TempDir(), "cache.db"), "p")
	if err := store.Set(ctx, "word", []byte("hello"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := store.Increment(ctx, "word", 1); !errors.Is(err, ErrNotNumeric) {
		t.Fatalf("expected ErrNotNumeric, got %v", err)
	}
	if body, _, _ := store.Get(ctx, "word"); string(body) != "hello" {
		t.Fatalf("expected value untouched, got %q", string(body))
	}
}

func TestSQLStoreConcurrentFirstIncrement(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t, filepath.Join(t.TempDir(), "cache.db"), "p")

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Increment(ctx, "hits", 1); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("increment failed: %v", err)
	}
	body, ok, err := store.Get(ctx, "hits")
	if err != nil || !ok || string(body) != "20" {
		t.Fatalf("expected 20 increments, ok=%v body=%q err=%v", ok, string(body), err)
	}
}

func TestSQLStoreLongKeys(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t, filepath.Join(t.TempDir(), "cache.db"), "p")
	long := "result:https://example.com/" + strings.Repeat("a", 1000)
	other := long + "b"

	stored := store.(*sqlStore)
	if got := stored.storeKey(long); len(got) > sqlMaxKeyLen || !strings.HasPrefix(got, "p:") {
		t.Fatalf("expected bounded key in prefix scope, got %q", got)
	}
	if stored.storeKey(long) == stored.storeKey(other) {
		t.Fatalf("expected distinct digests for distinct keys")
	}
	if got := stored.storeKey("short"); got != "p:short" {
		t.Fatalf("expected short keys kept verbatim, got %q", got)
	}

	if err := store.Set(ctx, long, []byte("body"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if body, ok, err := store.Get(ctx, long); err != nil || !ok || string(body) != "body" {
		t.Fatalf("unexpected get: ok=%v body=%q err=%v", ok, string(body), err)
	}
	if _, ok, _ := store.Get(ctx, other); ok {
		t.Fatalf("expected neighbouring long key to miss")
	}
	if n, err := store.Increment(ctx, other, 2); err != nil || n != 2 {
		t.Fatalf("unexpected increment: n=%d err=%v", n, err)
	}
	if _, err := store.Append(ctx, long+":inputs", []byte("x")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if items, err := store.Range(ctx, long+":inputs", 0, -1); err != nil || len(items) != 1 {
		t.Fatalf("unexpected range: %d err=%v", len(items), err)
	}

	if err := store.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, long); ok {
		t.Fatalf("expected digest key flushed with its scope")
	}
}

func TestSQLStoreDialectStatements(t *testing.T) {
	pg := &sqlStore{driverName: "pgx", table: "t", listTable: "t_lists"}
	if got := pg.upsertSQL(); !strings.Contains(got, "ON CONFLICT (k)") || !strings.Contains(got, "$5") {
		t.Fatalf("expected postgres upsert with positional placeholders, got %s", got)
	}
	if got := pg.flushSQL(pg.listTable); !strings.Contains(got, "$1") || !strings.Contains(got, "t_lists") {
		t.Fatalf("unexpected postgres flush sql %s", got)
	}
	if got := pg.flushSQL(pg.table); strings.Count(got, `k COLLATE "C"`) != 2 {
		t.Fatalf("expected postgres flush to compare keys bytewise, got %s", got)
	}
	if got := pg.seedSQL(); !strings.Contains(got, "ON CONFLICT (k) DO NOTHING") || !strings.Contains(got, "$2") {
		t.Fatalf("expected postgres seed insert, got %s", got)
	}
	mysql := &sqlStore{driverName: "mysql", table: "t", listTable: "t_lists"}
	if got := mysql.upsertSQL(); !strings.Contains(got, "ON DUPLICATE KEY UPDATE") || strings.Contains(got, "$") {
		t.Fatalf("expected mysql upsert, got %s", got)
	}
	if got := mysql.seedSQL(); !strings.Contains(got, "ON DUPLICATE KEY UPDATE k = k") {
		t.Fatalf("expected mysql seed insert, got %s", got)
	}
	if got := mysql.flushSQL(mysql.table); strings.Contains(got, "COLLATE") {
		t.Fatalf("mysql keys are binary, got %s", got)
	}
	sqlite := &sqlStore{driverName: "sqlite", table: "t", listTable: "t_lists"}
	if got := sqlite.upsertSQL(); !strings.Contains(got, "ON CONFLICT(k)") {
		t.Fatalf("expected sqlite upsert, got %s", got)
	}
	if got := sqlite.rangeSQL(); !strings.Contains(got, "ORDER BY id") {
		t.Fatalf("expected ordered range, got %s", got)
	}
}

func TestSQLStoreConfigErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := newSQLStore(ctx, StoreConfig{SQLDriverName: "sqlite"}); err == nil {
		t.Fatalf("expected error without dsn")
	}
	if _, err := newSQLStore(ctx, StoreConfig{SQLDriverName: "sqlite", SQLDSN: "x", SQLTable: "bad-name"}); err == nil {
		t.Fatalf("expected invalid table name error")
	}
	if err := validateSQLTableName("schema.table_1"); err != nil {
		t.Fatalf("expected qualified name to be valid: %v", err)
	}
	if err := validateSQLTableName(" "); err == nil {
		t.Fatalf("expected blank name to be rejected")
	}

	store := NewSQLStore(ctx, "nosuchdriver", "dsn")
	if store.Driver() != DriverSQL || StoreErr(store) == nil {
		t.Fatalf("expected sql error store, got driver=%s err=%v", store.Driver(), StoreErr(store))
	}
	if _, _, err := store.Get(ctx, "k"); err == nil {
		t.Fatalf("expected error store to surface construction error")
	}
}
