package client

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
)

// DiskCache persists ServiceInfo views under a directory, one file per
// key, written via temp-file + atomic rename so a crash mid-write never
// leaves a corrupt file in place — the same discipline the teacher's
// SnapshotManager uses for its store snapshots.
type DiskCache struct {
	dir string
}

// NewDiskCache creates a DiskCache rooted at dir, creating it if absent.
func NewDiskCache(dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskCache{dir: dir}, nil
}

// Write atomically replaces the cache file for info.Key().
func (c *DiskCache) Write(info ServiceInfo) error {
	data, err := sonic.Marshal(info)
	if err != nil {
		return err
	}
	path := c.pathFor(info.Key())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Read loads the cached ServiceInfo for key, if present.
func (c *DiskCache) Read(key string) (ServiceInfo, bool, error) {
	data, err := os.ReadFile(c.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ServiceInfo{}, false, nil
		}
		return ServiceInfo{}, false, err
	}
	var info ServiceInfo
	if err := sonic.Unmarshal(data, &info); err != nil {
		return ServiceInfo{}, false, err
	}
	return info, true, nil
}

// ReadAll returns every cached ServiceInfo keyed by its cache key, skipping
// any file that fails to parse rather than failing the whole load.
func (c *DiskCache) ReadAll() (map[string]ServiceInfo, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ServiceInfo{}, nil
		}
		return nil, err
	}

	out := make(map[string]ServiceInfo, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, e.Name()))
		if err != nil {
			continue
		}
		var info ServiceInfo
		if err := sonic.Unmarshal(data, &info); err != nil {
			continue
		}
		out[info.Key()] = info
	}
	return out, nil
}

func (c *DiskCache) pathFor(key string) string {
	return filepath.Join(c.dir, encodeCacheFileName(key)+".json")
}

// encodeCacheFileName keeps the "@@"-delimited key readable on disk while
// swapping the path separator for something filesystem-safe.
func encodeCacheFileName(key string) string {
	return strings.ReplaceAll(key, "/", "_")
}
