package client

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FailoverReactor periodically snapshots the host reactor's live view to a
// failover directory, and — while an on-disk switch file is present —
// routes GetServiceInfo to that snapshot instead of the network. The
// snapshot is loaded lazily, the first time the switch is observed on.
type FailoverReactor struct {
	cache      *DiskCache
	switchPath string

	mu       sync.RWMutex
	loaded   bool
	snapshot map[string]ServiceInfo
}

// NewFailoverReactor roots its snapshot cache and switch file under dir/failover.
func NewFailoverReactor(dir string) (*FailoverReactor, error) {
	failoverDir := filepath.Join(dir, "failover")
	cache, err := NewDiskCache(failoverDir)
	if err != nil {
		return nil, err
	}
	return &FailoverReactor{
		cache:      cache,
		switchPath: filepath.Join(failoverDir, "00-00---000-VIPSRV_FAILOVER_SWITCH-000---00-00"),
	}, nil
}

// Run snapshots source() to disk every interval until ctx is cancelled.
func (f *FailoverReactor) Run(ctx context.Context, interval time.Duration, source func() map[string]ServiceInfo) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, info := range source() {
				_ = f.cache.Write(info)
			}
		}
	}
}

// IsSwitchedOn reports whether the on-disk switch file is present.
func (f *FailoverReactor) IsSwitchedOn() bool {
	_, err := os.Stat(f.switchPath)
	return err == nil
}

// Get returns the failover snapshot's view of key, lazily loading the
// whole snapshot directory the first time it's consulted.
func (f *FailoverReactor) Get(key string) (ServiceInfo, bool) {
	f.mu.RLock()
	if f.loaded {
		info, ok := f.snapshot[key]
		f.mu.RUnlock()
		return info, ok
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		all, err := f.cache.ReadAll()
		if err != nil {
			all = map[string]ServiceInfo{}
		}
		f.snapshot = all
		f.loaded = true
	}
	info, ok := f.snapshot[key]
	return info, ok
}
