package prefstore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Ranponim/kpi-frontend-sub001/internal/syncengine"
)

func TestFileLocalStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "settings.json")
	store := NewFileLocalStore(path, 0)

	if _, err := store.Read(); !errors.Is(err, syncengine.ErrNotFound) {
		t.Fatalf("read before write: %v, want ErrNotFound", err)
	}

	payload := []byte(`{"schemaVersion":"1.0.0"}`)
	if err := store.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := store.Read()
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("Read = %q, %v", got, err)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := store.Read(); !errors.Is(err, syncengine.ErrNotFound) {
		t.Fatalf("read after clear: %v, want ErrNotFound", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("clearing an empty store should be a no-op: %v", err)
	}
}

func TestFileLocalStoreWriteIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	store := NewFileLocalStore(path, 32)

	original := []byte("original-value")
	if err := store.Write(original); err != nil {
		t.Fatalf("Write: %v", err)
	}
	oversized := bytes.Repeat([]byte("x"), 64)
	if err := store.Write(oversized); !errors.Is(err, syncengine.ErrQuotaExceeded) {
		t.Fatalf("oversized write: %v, want ErrQuotaExceeded", err)
	}
	got, err := store.Read()
	if err != nil || !bytes.Equal(got, original) {
		t.Fatalf("previous value lost after failed write: %q, %v", got, err)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("tmp file left behind: %v", err)
	}
}

func TestFileLocalStoreProbe(t *testing.T) {
	store := NewFileLocalStore(filepath.Join(t.TempDir(), "settings.json"), 0)
	result := store.Probe()
	if !result.Available || result.Reason != nil {
		t.Fatalf("probe on a writable dir: %+v", result)
	}
}

func TestFileLocalStoreUsage(t *testing.T) {
	store := NewFileLocalStore(filepath.Join(t.TempDir(), "settings.json"), 100)
	stats, err := store.Usage()
	if err != nil || stats.Used != 0 || stats.Available != 100 {
		t.Fatalf("empty usage = %+v, %v", stats, err)
	}
	if err := store.Write(bytes.Repeat([]byte("x"), 40)); err != nil {
		t.Fatal(err)
	}
	stats, err = store.Usage()
	if err != nil || stats.Used != 40 || stats.Available != 60 {
		t.Fatalf("usage = %+v, %v", stats, err)
	}
}

func TestMemoryLocalStoreBlockedWrites(t *testing.T) {
	store := NewMemoryLocalStore(0)
	store.FailWrites = true

	if probe := store.Probe(); probe.Available {
		t.Fatal("blocked store should probe unavailable")
	}
	if err := store.Write([]byte("x")); !errors.Is(err, syncengine.ErrStorageBlocked) {
		t.Fatalf("write: %v, want ErrStorageBlocked", err)
	}

	store.FailWrites = false
	if err := store.Write([]byte("x")); err != nil {
		t.Fatalf("write after unblock: %v", err)
	}
}

func TestMemoryLocalStoreQuota(t *testing.T) {
	store := NewMemoryLocalStore(8)
	if err := store.Write(bytes.Repeat([]byte("x"), 9)); !errors.Is(err, syncengine.ErrQuotaExceeded) {
		t.Fatalf("write: %v, want ErrQuotaExceeded", err)
	}
	if err := store.Write([]byte("ok")); err != nil {
		t.Fatalf("write under quota: %v", err)
	}
	stats, _ := store.Usage()
	if stats.Used != 2 || stats.Available != 6 {
		t.Fatalf("usage = %+v", stats)
	}
}

func TestMemoryLocalStoreReadReturnsCopy(t *testing.T) {
	store := NewMemoryLocalStore(0)
	if err := store.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Read()
	got[0] = 'z'
	again, _ := store.Read()
	if !bytes.Equal(again, []byte("abc")) {
		t.Fatalf("stored value mutated through a read: %q", again)
	}
}

func TestBuildLocalStoreFromDSN(t *testing.T) {
	if store, err := BuildLocalStoreFromDSN(""); err != nil {
		t.Fatalf("empty dsn: %v", err)
	} else if _, ok := store.(*MemoryLocalStore); !ok {
		t.Fatalf("empty dsn built %T", store)
	}
	if store, err := BuildLocalStoreFromDSN("memory:"); err != nil {
		t.Fatalf("memory dsn: %v", err)
	} else if _, ok := store.(*MemoryLocalStore); !ok {
		t.Fatalf("memory dsn built %T", store)
	}

	fileStore, err := BuildLocalStoreFromDSN("file:/tmp/prefs/state.json")
	if err != nil {
		t.Fatalf("file dsn: %v", err)
	}
	fs, ok := fileStore.(*FileLocalStore)
	if !ok || fs.Path != "/tmp/prefs/state.json" {
		t.Fatalf("file dsn built %#v", fileStore)
	}

	bare, err := BuildLocalStoreFromDSN("/tmp/prefs/bare.json")
	if err != nil {
		t.Fatalf("bare path: %v", err)
	}
	if fs, ok := bare.(*FileLocalStore); !ok || fs.Path != "/tmp/prefs/bare.json" {
		t.Fatalf("bare path built %#v", bare)
	}

	if _, err := BuildLocalStoreFromDSN("file:"); err == nil {
		t.Fatal("file dsn without a path should fail")
	}
}
