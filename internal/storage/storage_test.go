package storage

import (
	"context"
	"testing"
	"time"

	logx "pacebot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", "  NONE  "} {
		s, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("driver %q: %v", driver, err)
		}
		if s != nil {
			t.Fatalf("driver %q: expected nil store", driver)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := Open(Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, ok, err := s.Load(ctx, "session/x/ratebudget"); err != nil || ok {
		t.Fatalf("load before save: ok=%v err=%v", ok, err)
	}
	if err := s.Save(ctx, "session/x/ratebudget", []byte(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}
	b, ok, err := s.Load(ctx, "session/x/ratebudget")
	if err != nil || !ok {
		t.Fatalf("load after save: ok=%v err=%v", ok, err)
	}
	if string(b) != `{"n":1}` {
		t.Fatalf("data = %s", b)
	}
	if err := s.Delete(ctx, "session/x/ratebudget"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Load(ctx, "session/x/ratebudget"); ok {
		t.Fatal("key survived delete")
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	s, err := Open(Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Save(context.Background(), "../escape", []byte("x")); err == nil {
		t.Fatal("expected error for traversal key")
	}
}

func TestSnapshotHelpersRoundTrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	type doc struct {
		Count int `json:"count"`
	}
	if err := SaveJSON(ctx, s, "k", now, doc{Count: 7}); err != nil {
		t.Fatal(err)
	}

	var out doc
	savedAt, ok, err := LoadJSON(ctx, s, "k", &out)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if out.Count != 7 || !savedAt.Equal(now) {
		t.Fatalf("out=%+v savedAt=%v", out, savedAt)
	}
}

func TestSnapshotHelpersNilStore(t *testing.T) {
	ctx := context.Background()
	if err := SaveJSON(ctx, nil, "k", time.Now(), 1); err != nil {
		t.Fatalf("nil store save: %v", err)
	}
	var v int
	if _, ok, err := LoadJSON(ctx, nil, "k", &v); ok || err != nil {
		t.Fatalf("nil store load: ok=%v err=%v", ok, err)
	}
}

func TestLoadJSONMissingKey(t *testing.T) {
	var v int
	if _, ok, err := LoadJSON(context.Background(), NewMemory(), "absent", &v); ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}
