package registry

import (
	"context"
	"log"
	"time"

	"github.com/distro-naming/navis/internal/codec"
	"github.com/distro-naming/navis/internal/distro"
)

// BeatCheckConfig is the liveness-sweep share of the configuration
// surface from spec §6.
type BeatCheckConfig struct {
	Interval           time.Duration // default 5s
	HealthCheckEnabled bool          // default true
	ExpireInstance     bool          // default true
}

// DefaultBeatCheckConfig returns the spec-mandated defaults.
func DefaultBeatCheckConfig() BeatCheckConfig {
	return BeatCheckConfig{
		Interval:           5 * time.Second,
		HealthCheckEnabled: true,
		ExpireInstance:     true,
	}
}

// EventSink receives the two kinds of event a beat-check sweep can
// produce; cmd/server wires this to whatever push-notification or
// logging sink the deployment wants. A nil sink simply drops events.
type EventSink interface {
	ServiceChanged(ns, group, service string)
	HeartbeatTimeout(ns, group, service, instanceIdentity string)
}

// BeatCheck runs the per-service liveness sweep described in spec §4.F:
// it flips healthy -> false on heartbeat timeout and, if expiry is
// enabled, issues an asynchronous delete through the registry's normal
// mutation path once an instance has been silent past deleteTimeoutMs.
//
// Grounded on the teacher's cmd/server/main.go periodic-snapshot ticker
// goroutine: same select{case <-ticker.C: ...; case <-stop: return}
// shape, generalized from "snapshot the store" to "sweep every owned
// service".
type BeatCheck struct {
	registry *Registry
	mapper   *distro.Mapper
	cfg      BeatCheckConfig
	sink     EventSink
	clock    func() time.Time

	stop chan struct{}
}

// NewBeatCheck constructs a BeatCheck. sink may be nil.
func NewBeatCheck(registry *Registry, mapper *distro.Mapper, cfg BeatCheckConfig, sink EventSink) *BeatCheck {
	return &BeatCheck{
		registry: registry,
		mapper:   mapper,
		cfg:      cfg,
		sink:     sink,
		clock:    time.Now,
		stop:     make(chan struct{}),
	}
}

// Run starts the periodic sweep in its own goroutine; call Stop to end it.
func (b *BeatCheck) Run(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(b.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.sweepOnce()
			case <-b.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the sweep loop.
func (b *BeatCheck) Stop() {
	close(b.stop)
}

func (b *BeatCheck) sweepOnce() {
	if !b.cfg.HealthCheckEnabled {
		return
	}
	for key, id := range b.registry.KnownServices() {
		if !b.mapper.Responsible(codec.ServiceName(id)) {
			continue
		}
		b.sweepService(key, id)
	}
}

func (b *BeatCheck) sweepService(key string, id codec.Identity) {
	instances, err := b.registry.List(id.NamespaceID, id.Group, id.Service)
	if err != nil {
		log.Printf("[beatcheck] list %s: %v", key, err)
		return
	}

	now := b.clock().UnixMilli()
	for identity, inst := range instances {
		if inst.Marked {
			continue
		}

		silentMs := now - inst.LastBeat
		if inst.Healthy && silentMs > inst.HeartbeatTimeoutMs {
			b.flipUnhealthy(id, inst)
			if b.sink != nil {
				b.sink.ServiceChanged(id.NamespaceID, id.Group, id.Service)
				b.sink.HeartbeatTimeout(id.NamespaceID, id.Group, id.Service, identity)
			}
			continue
		}

		if !b.cfg.ExpireInstance {
			continue
		}
		if silentMs > inst.DeleteTimeoutMs {
			go b.asyncDelete(id, inst)
		}
	}
}

// flipUnhealthy sets healthy=false for inst without touching LastBeat,
// going through the registry's normal owner-mutation path so the flip
// propagates via distro like any other write.
func (b *BeatCheck) flipUnhealthy(id codec.Identity, inst Instance) {
	key := codec.BuildKey(codec.KindEphemeralInstances, id)
	lock := b.registry.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	current := b.registry.currentInstances(key)
	identity := inst.Identity()
	latest, ok := current[identity]
	if !ok || !latest.Healthy {
		return // already flipped or gone, per spec's "never emit twice"
	}
	latest.Healthy = false
	current[identity] = latest

	if _, err := b.registry.protocol.Put(key, current, current.Checksum()); err != nil {
		log.Printf("[beatcheck] flip unhealthy for %s: %v", identity, err)
	}
}

// asyncDelete issues the delete through Registry.Deregister — spec §4.F
// requires this to traverse the normal distro path rather than mutate
// the store directly, so owners and listeners stay consistent. Failure
// is logged; there is no local retry, the next sweep tries again.
func (b *BeatCheck) asyncDelete(id codec.Identity, inst Instance) {
	if err := b.registry.Deregister(id.NamespaceID, id.Group, id.Service, inst.IP, inst.Port, inst.ClusterName); err != nil {
		log.Printf("[beatcheck] async delete %s/%s: %v", codec.ServiceName(id), inst.Identity(), err)
	}
}
