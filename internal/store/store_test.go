package store

import (
	"sync"
	"testing"
)

func TestStorePutGetRemove(t *testing.T) {
	s := New()
	d := Datum[string]{Key: "k1", Value: "v1", Timestamp: 1, Checksum: "c1"}
	Put(s, d)

	got, ok := Get[string](s, "k1")
	if !ok || got.Value != "v1" {
		t.Fatalf("Get returned %v, %v", got, ok)
	}

	if !s.Contains("k1") {
		t.Fatalf("expected Contains(k1) to be true")
	}

	if !s.Remove("k1") {
		t.Fatalf("expected Remove to report key was present")
	}
	if s.Contains("k1") {
		t.Fatalf("expected key removed")
	}
}

func TestStoreGetWrongTypeFails(t *testing.T) {
	s := New()
	Put(s, Datum[int]{Key: "k1", Value: 42, Timestamp: 1})

	if _, ok := Get[string](s, "k1"); ok {
		t.Fatalf("expected type mismatch to fail Get")
	}
}

func TestStoreKeysSnapshot(t *testing.T) {
	s := New()
	for i := 0; i < 100; i++ {
		Put(s, Datum[int]{Key: string(rune('a' + i%26)), Value: i, Timestamp: uint64(i)})
	}
	keys := s.Keys()
	if len(keys) == 0 {
		t.Fatalf("expected non-empty snapshot")
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%26))
			Put(s, Datum[int]{Key: key, Value: i, Timestamp: uint64(i)})
			_, _ = Get[int](s, key)
			_ = s.Keys()
		}(i)
	}
	wg.Wait()
}

func TestChecksumStability(t *testing.T) {
	a := Checksum("ip1:80", "true", "weight=1")
	b := Checksum("ip1:80", "true", "weight=1")
	if a != b {
		t.Fatalf("expected equal checksums for equal logical content")
	}

	c := Checksum("ip1:80", "true", "weight=2")
	if a == c {
		t.Fatalf("expected different checksums for different content")
	}
}

func TestNewerIsMonotone(t *testing.T) {
	older := Datum[int]{Timestamp: 1}
	newer := Datum[int]{Timestamp: 2}

	if !Newer(newer, older) {
		t.Fatalf("expected newer.Timestamp > older.Timestamp to report true")
	}
	if Newer(older, newer) {
		t.Fatalf("expected older not to be newer")
	}
	if Newer(older, older) {
		t.Fatalf("equal timestamps must not be considered newer (dropped, not applied)")
	}
}
