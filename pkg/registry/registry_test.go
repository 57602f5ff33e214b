package registry

import (
	"path/filepath"
	"testing"
	"time"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "registry.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	rec := Record{Name: "alice", Status: StatusRunning, PID: 123, StartedAt: time.Now()}
	if err := r.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok := r.Get("alice")
	if !ok {
		t.Fatal("expected record to be present")
	}
	if got.PID != 123 || got.Status != StatusRunning {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")

	r1, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := r1.Put(Record{Name: "bob", Status: StatusFailed}); err != nil {
		t.Fatalf("put: %v", err)
	}

	r2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := r2.Get("bob")
	if !ok || got.Status != StatusFailed {
		t.Fatalf("expected persisted record, got %+v ok=%v", got, ok)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	r, _ := Open(filepath.Join(dir, "registry.json"))
	_ = r.Put(Record{Name: "carl"})
	if err := r.Remove("carl"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := r.Get("carl"); ok {
		t.Fatal("expected record to be gone")
	}
}

func TestAllListsEveryRecord(t *testing.T) {
	dir := t.TempDir()
	r, _ := Open(filepath.Join(dir, "registry.json"))
	_ = r.Put(Record{Name: "a"})
	_ = r.Put(Record{Name: "b"})
	all := r.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 records, got %d", len(all))
	}
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "nested", "registry.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(r.All()) != 0 {
		t.Fatal("expected empty registry")
	}
}
