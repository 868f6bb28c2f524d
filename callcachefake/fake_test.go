package callcachefake

import (
	"context"
	"errors"
	"testing"
)

func TestFakeCountsStoreOperations(t *testing.T) {
	ctx := context.Background()
	f := New()

	key, err := f.Cache().Store(ctx, "hello")
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	f.AssertCalled(t, OpAppend, "store:inputs", 1)
	f.AssertCalled(t, OpInc, "store", 1)
	f.AssertCalled(t, OpSet, key, 1)
	f.AssertCalled(t, OpAppend, "store:outputs", 1)
	f.AssertNotCalled(t, OpFlush, "")

	if _, _, err := f.Cache().GetString(ctx, key); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	f.AssertCalled(t, OpGet, key, 1)

	f.Reset()
	f.AssertTotal(t, OpAppend, 0)
}

func TestFakePagesUseScriptedBodies(t *testing.T) {
	ctx := context.Background()
	f := New()
	f.SetPage("http://example.test", "<html>")

	for i := 0; i < 3; i++ {
		body, err := f.Pages().GetPage(ctx, "http://example.test")
		if err != nil || body != "<html>" {
			t.Fatalf("unexpected page: %q err=%v", body, err)
		}
	}
	f.AssertCalled(t, OpFetch, "http://example.test", 1)
	f.AssertCalled(t, OpInc, "count:http://example.test", 3)

	boom := errors.New("down")
	f.FailPage("http://down.test", boom)
	if _, err := f.Pages().GetPage(ctx, "http://down.test"); !errors.Is(err, boom) {
		t.Fatalf("expected scripted failure, got %v", err)
	}
	if _, err := f.Pages().GetPage(ctx, "http://unknown.test"); err == nil {
		t.Fatalf("expected unscripted url to fail")
	}
	f.AssertTotal(t, OpFetch, 3)
}
