package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"path/filepath"
	"sync"
	"time"
)

// serviceEntry is one cached (service,clusters) view plus its scheduling
// state: whether an UpdateTask is running, and the updatingMap rendezvous
// used for the very first fetch (spec §4.G).
type serviceEntry struct {
	mu         sync.Mutex
	cond       *sync.Cond
	info       ServiceInfo
	updating   bool
	scheduled  bool
	failCount  int
	stopCh     chan struct{}
	subscribed bool
}

// Reactor is the client-side host reactor: cache, scheduled refreshes,
// diff, and published InstancesChangeEvents, per spec §4.G.
type Reactor struct {
	id        string
	transport *Transport
	opts      Options
	diskCache *DiskCache
	failover  *FailoverReactor
	heartbeat *HeartbeatReactor

	pool chan struct{} // bounds concurrent UpdateTasks, a fixed-size thread pool

	mu       sync.RWMutex
	services map[string]*serviceEntry

	listenersMu sync.Mutex
	listeners   map[string][]EventListener

	udpPort int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReactor constructs a Reactor. heartbeat may be nil if this client
// never registers instances of its own (pure consumer).
func NewReactor(opts Options, heartbeat *HeartbeatReactor) (*Reactor, error) {
	diskCache, err := NewDiskCache(filepath.Join(opts.CacheDir, opts.NamespaceID))
	if err != nil {
		return nil, err
	}
	failover, err := NewFailoverReactor(opts.CacheDir)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())

	poolSize := opts.UpdateThreadPoolSize
	if poolSize <= 0 {
		poolSize = 8
	}

	r := &Reactor{
		id:        newReactorID(),
		transport: NewTransport(opts.ServerAddr, opts.Timeout),
		opts:      opts,
		diskCache: diskCache,
		failover:  failover,
		heartbeat: heartbeat,
		pool:      make(chan struct{}, poolSize),
		services:  make(map[string]*serviceEntry),
		listeners: make(map[string][]EventListener),
		ctx:       ctx,
		cancel:    cancel,
	}

	if opts.FailoverEnabled {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			failover.Run(ctx, orDefault(opts.FailoverInterval, 10*time.Second), r.snapshotAll)
		}()
	}
	return r, nil
}

// BindPushReceiver records the UDP port the push receiver is listening on
// so subsequent QueryInstances calls register this client for server push.
func (r *Reactor) BindPushReceiver(port int) {
	r.mu.Lock()
	r.udpPort = port
	r.mu.Unlock()
}

// Subscribe registers l to receive InstancesChangeEvents for (serviceName,
// clusters), implicitly scheduling that service for periodic refresh.
func (r *Reactor) Subscribe(serviceName, clusters string, l EventListener) {
	key := serviceInfoKey(r.defaultGroup(), serviceName, clusters)
	r.listenersMu.Lock()
	r.listeners[key] = append(r.listeners[key], l)
	r.listenersMu.Unlock()

	entry := r.entryFor(key)
	entry.mu.Lock()
	entry.subscribed = true
	entry.mu.Unlock()
	r.scheduleIfAbsent(serviceName, clusters, key, 0)
}

// GetServiceInfo returns the cached ServiceInfo for (serviceName,
// clusters), performing a synchronous first fetch if nothing is cached yet,
// or routing to the failover snapshot if failover mode is switched on.
func (r *Reactor) GetServiceInfo(ctx context.Context, serviceName, clusters string) (ServiceInfo, error) {
	key := serviceInfoKey(r.defaultGroup(), serviceName, clusters)

	if r.opts.FailoverEnabled && r.failover.IsSwitchedOn() {
		if info, ok := r.failover.Get(key); ok {
			return info, nil
		}
	}

	entry := r.entryFor(key)
	entry.mu.Lock()
	if entry.scheduled || entry.updating {
		info := entry.info
		updating := entry.updating
		entry.mu.Unlock()
		if !updating {
			return info, nil
		}
		return r.waitForUpdate(entry, info), nil
	}

	// First-time fetch: mark updating, release the lock for the network
	// call, then install the result synchronously.
	entry.updating = true
	entry.subscribed = true
	entry.mu.Unlock()

	info, err := r.updateServiceNow(ctx, serviceName, clusters)

	entry.mu.Lock()
	entry.updating = false
	entry.scheduled = true
	if entry.cond != nil {
		entry.cond.Broadcast()
	}
	entry.mu.Unlock()

	if err != nil {
		return ServiceInfo{}, err
	}
	r.scheduleIfAbsent(serviceName, clusters, key, orDefault(time.Duration(info.CacheMillis)*time.Millisecond, time.Second))
	return info, nil
}

// waitForUpdate blocks up to 5s for an in-flight first-fetch to land,
// matching spec §4.G's rendezvous wait.
func (r *Reactor) waitForUpdate(entry *serviceEntry, fallback ServiceInfo) ServiceInfo {
	entry.mu.Lock()
	if entry.cond == nil {
		entry.cond = sync.NewCond(&entry.mu)
	}
	done := make(chan struct{})
	go func() {
		entry.mu.Lock()
		for entry.updating {
			entry.cond.Wait()
		}
		entry.mu.Unlock()
		close(done)
	}()
	entry.mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.info
}

// updateServiceNow performs one synchronous fetch-and-install.
func (r *Reactor) updateServiceNow(ctx context.Context, serviceName, clusters string) (ServiceInfo, error) {
	r.mu.RLock()
	udpPort := r.udpPort
	r.mu.RUnlock()

	info, err := r.transport.QueryInstances(ctx, r.opts.NamespaceID, r.defaultGroup(), serviceName, clusters, udpPort, false)
	if err != nil {
		return ServiceInfo{}, err
	}
	r.install(serviceName, clusters, info)
	return info, nil
}

// processServiceJson implements spec §4.G's diff-and-publish path for a
// push-delivered or polled payload.
func (r *Reactor) processServiceJson(groupName string, raw []byte) (ServiceInfo, error) {
	info, err := parseServiceInfo(raw)
	if err != nil {
		return ServiceInfo{}, err
	}
	if info.GroupName == "" {
		info.GroupName = groupName
	}

	key := info.Key()
	entry := r.entryFor(key)

	entry.mu.Lock()
	old := entry.info
	entry.mu.Unlock()

	if r.opts.PushEmptyProtection && !info.Validate() {
		return old, nil
	}

	added, removed, modified := diffServiceInfo(old, info)
	if len(added)+len(removed)+len(modified) > 0 {
		r.publish(InstancesChangeEvent{
			ReactorID:   r.id,
			ServiceName: info.Name,
			GroupName:   info.GroupName,
			Clusters:    info.Clusters,
			Hosts:       info.Hosts,
			Added:       added,
			Removed:     removed,
			Modified:    modified,
		})
		_ = r.diskCache.Write(info)
	}

	if info.LastRefTime < old.LastRefTime {
		log.Printf("client: service %s received an out-of-date payload (lastRefTime %d < cached %d), keeping it anyway", key, info.LastRefTime, old.LastRefTime)
	}

	entry.mu.Lock()
	entry.info = info
	entry.mu.Unlock()
	return info, nil
}

func (r *Reactor) install(serviceName, clusters string, info ServiceInfo) {
	key := serviceInfoKey(r.defaultGroup(), serviceName, clusters)
	entry := r.entryFor(key)
	entry.mu.Lock()
	old := entry.info
	entry.info = info
	entry.mu.Unlock()

	added, removed, modified := diffServiceInfo(old, info)
	if len(added)+len(removed)+len(modified) > 0 {
		r.publish(InstancesChangeEvent{
			ReactorID: r.id, ServiceName: info.Name, GroupName: info.GroupName,
			Clusters: info.Clusters, Hosts: info.Hosts,
			Added: added, Removed: removed, Modified: modified,
		})
		_ = r.diskCache.Write(info)
	}
}

func (r *Reactor) publish(ev InstancesChangeEvent) {
	key := serviceInfoKey(ev.GroupName, ev.ServiceName, ev.Clusters)
	r.listenersMu.Lock()
	ls := append([]EventListener(nil), r.listeners[key]...)
	r.listenersMu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

// scheduleIfAbsent starts a recurring UpdateTask for (serviceName,
// clusters) if one isn't already running.
func (r *Reactor) scheduleIfAbsent(serviceName, clusters, key string, initialDelay time.Duration) {
	entry := r.entryFor(key)
	entry.mu.Lock()
	if entry.stopCh != nil {
		entry.mu.Unlock()
		return
	}
	entry.stopCh = make(chan struct{})
	stopCh := entry.stopCh
	entry.mu.Unlock()

	r.wg.Add(1)
	go r.runUpdateTask(serviceName, clusters, key, initialDelay, stopCh)
}

// runUpdateTask is the scheduled-executor equivalent: fetch, reschedule
// with exponential backoff bounded at 60s, stop once nobody is subscribed
// and no refresh is pending.
//
// Each tick compares the cache's current lastRefTime against the
// lastRefTime this task itself last installed. If a push already
// delivered something newer since the last tick, a full authoritative
// pull would just clobber that push-delivered update with the same data
// a moment later — so the task does a fire-and-forget RefreshOnly
// instead, keeping the server's push session alive without overwriting
// the cache. Only when the cache is no fresher than what this task last
// saw does it perform the full pull, per spec §4.G.
func (r *Reactor) runUpdateTask(serviceName, clusters, key string, delay time.Duration, stopCh chan struct{}) {
	defer r.wg.Done()
	if delay <= 0 {
		delay = time.Second
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	var lastRefTime int64

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-stopCh:
			return
		case <-timer.C:
		}

		entry := r.entryFor(key)
		entry.mu.Lock()
		subscribed := entry.subscribed
		cached := entry.info
		entry.mu.Unlock()
		if !subscribed {
			r.mu.Lock()
			delete(r.services, key)
			r.mu.Unlock()
			return
		}

		select {
		case r.pool <- struct{}{}:
		case <-r.ctx.Done():
			return
		}

		var info ServiceInfo
		var err error
		if lastRefTime > 0 && cached.LastRefTime > lastRefTime {
			r.mu.RLock()
			udpPort := r.udpPort
			r.mu.RUnlock()
			r.transport.RefreshOnly(r.ctx, r.opts.NamespaceID, r.defaultGroup(), serviceName, clusters, udpPort)
			info = cached
		} else {
			info, err = r.updateServiceNow(r.ctx, serviceName, clusters)
		}
		<-r.pool

		entry.mu.Lock()
		if err != nil || len(info.Hosts) == 0 {
			entry.failCount++
			if entry.failCount > r.maxFailCount() {
				entry.failCount = r.maxFailCount()
			}
		} else {
			entry.failCount = 0
		}
		failCount := entry.failCount
		cacheMillis := info.CacheMillis
		entry.mu.Unlock()

		lastRefTime = info.LastRefTime

		next := backoffDelay(cacheMillis, failCount)
		timer.Reset(next)
	}
}

func (r *Reactor) maxFailCount() int {
	if r.opts.MaxUpdateFailCount > 0 {
		return r.opts.MaxUpdateFailCount
	}
	return 6
}

// backoffDelay implements spec §4.G's min(cacheMillis<<failCount, 60_000ms).
func backoffDelay(cacheMillis int64, failCount int) time.Duration {
	if cacheMillis <= 0 {
		cacheMillis = 1000
	}
	delay := cacheMillis << uint(failCount)
	const maxDelayMs = 60_000
	if delay > maxDelayMs || delay <= 0 {
		delay = maxDelayMs
	}
	return time.Duration(delay) * time.Millisecond
}

func (r *Reactor) entryFor(key string) *serviceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.services[key]
	if !ok {
		e = &serviceEntry{}
		r.services[key] = e
	}
	return e
}

func (r *Reactor) snapshotAll() map[string]ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ServiceInfo, len(r.services))
	for key, e := range r.services {
		e.mu.Lock()
		out[key] = e.info
		e.mu.Unlock()
	}
	return out
}

func (r *Reactor) defaultGroup() string { return "DEFAULT_GROUP" }

// Close stops every scheduled UpdateTask and the failover snapshotter.
func (r *Reactor) Close() {
	r.cancel()
	r.wg.Wait()
}

func newReactorID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
