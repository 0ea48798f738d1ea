// Package client is the naming-service SDK: a host reactor that caches,
// polls, and push-refreshes ServiceInfo views, backed by a disk cache and
// a failover snapshot, plus a heartbeat reactor for registered instances.
//
// Big idea, same as any service-discovery client library: callers never
// see raw HTTP. They call
//
//	reactor.GetServiceInfo(ctx, "orders", "DEFAULT")
//
// and get back a live, periodically-refreshed view instead of wiring up
// polling and caching themselves.
package client

import "time"

// Options configures a Reactor (and the Transport it wraps). Fields mirror
// spec §6's client configuration surface.
type Options struct {
	ServerAddr  string // e.g. "http://localhost:8848"
	NamespaceID string
	CacheDir    string // base directory for disk cache + failover snapshots
	Timeout     time.Duration

	PushEmptyProtection bool // ignore a push payload that fails Validate()
	FailoverEnabled     bool
	FailoverInterval    time.Duration

	UpdateThreadPoolSize int // concurrent UpdateTasks in flight
	MaxUpdateFailCount   int // backoff cap exponent, spec default 6
}

// DefaultOptions mirrors spec §6's defaults.
func DefaultOptions(serverAddr string) Options {
	return Options{
		ServerAddr:           serverAddr,
		NamespaceID:          "public",
		CacheDir:             "/tmp/navis/client",
		Timeout:              10 * time.Second,
		PushEmptyProtection:  false,
		FailoverEnabled:      true,
		FailoverInterval:     10 * time.Second,
		UpdateThreadPoolSize: 1,
		MaxUpdateFailCount:   6,
	}
}
