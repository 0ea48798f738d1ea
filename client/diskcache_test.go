package client

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiskCacheWriteReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewDiskCache(dir)
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}

	info := ServiceInfo{
		Name: "svcA", GroupName: "DEFAULT_GROUP",
		Hosts:       []Instance{{IP: "10.0.0.1", Port: 8080, ClusterName: "DEFAULT", Healthy: true}},
		LastRefTime: 42,
	}
	if err := cache.Write(info); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ok, err := cache.Read(info.Key())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !ok {
		t.Fatalf("expected cached entry to exist")
	}
	if got.Name != info.Name || len(got.Hosts) != 1 || got.Hosts[0].IP != "10.0.0.1" {
		t.Fatalf("round-tripped ServiceInfo mismatch: %+v", got)
	}
}

func TestDiskCacheReadMissingKeyReturnsNotOK(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewDiskCache(dir)
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}
	_, ok, err := cache.Read("DEFAULT_GROUP@@missing")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing key")
	}
}

func TestDiskCacheReadAllSkipsUnparseableFiles(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewDiskCache(dir)
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}

	info := ServiceInfo{Name: "svcA", GroupName: "DEFAULT_GROUP", Hosts: []Instance{{IP: "10.0.0.1", Port: 1}}}
	if err := cache.Write(info); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "corrupt.json"), []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	all, err := cache.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly 1 parseable entry, got %d", len(all))
	}
	if _, ok := all[info.Key()]; !ok {
		t.Fatalf("expected %q present in ReadAll result", info.Key())
	}
}

func TestDiskCacheWriteIsAtomicNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewDiskCache(dir)
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}
	info := ServiceInfo{Name: "svcA", GroupName: "DEFAULT_GROUP", Hosts: []Instance{{IP: "10.0.0.1", Port: 1}}}
	if err := cache.Write(info); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(cache.pathFor(info.Key()) + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("did not expect a .tmp file left behind after Write, stat err=%v", err)
	}
}
