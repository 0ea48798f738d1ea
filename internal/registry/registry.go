package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/distro-naming/navis/internal/codec"
	"github.com/distro-naming/navis/internal/distro"
	"github.com/distro-naming/navis/internal/store"
)

// Registry is the ephemeral service registry: Register/Deregister/Beat
// all funnel through a distro.Protocol so that a mutation on the owner
// peer follows the exact single-writer, timestamp-bumping, fan-out path
// described in spec §4.E — Registry never writes to the data store
// directly, except to synthesize an empty container for a key it has
// just learned about from a peer (EnsureServiceContainer).
//
// Registry also implements distro.ValueCodec (so the protocol can
// serialise/deserialise Instances and ServiceMeta payloads without
// importing this package) and distro.MetaListener (the "service-meta
// listener" spec §4.E's processData invokes to synthesize a container).
type Registry struct {
	self     string
	protocol *distro.Protocol
	store    *store.Store
	notifier *store.Notifier
	clock    func() time.Time

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex

	knownMu sync.RWMutex
	known   map[string]codec.Identity // instance-list key -> identity, for beat-check enumeration
}

// New constructs a Registry wired to a store and notifier. protocol is
// constructed afterward (it needs Registry as its ValueCodec and
// MetaListener) — pass nil here and call AttachProtocol once it exists.
func New(self string, protocol *distro.Protocol, st *store.Store, notifier *store.Notifier) *Registry {
	return &Registry{
		self:     self,
		protocol: protocol,
		store:    st,
		notifier: notifier,
		clock:    time.Now,
		keyLocks: make(map[string]*sync.Mutex),
		known:    make(map[string]codec.Identity),
	}
}

// AttachProtocol completes the Registry/Protocol construction cycle:
// Registry must exist before Protocol (it's the protocol's ValueCodec
// and MetaListener), so cmd/server constructs Registry with a nil
// protocol, builds the Protocol around it, then calls this.
func (r *Registry) AttachProtocol(p *distro.Protocol) {
	r.protocol = p
}

func (r *Registry) lockFor(key string) *sync.Mutex {
	r.keyLocksMu.Lock()
	defer r.keyLocksMu.Unlock()
	l, ok := r.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		r.keyLocks[key] = l
	}
	return l
}

func (r *Registry) track(key string, id codec.Identity) {
	r.knownMu.Lock()
	r.known[key] = id
	r.knownMu.Unlock()
}

// KnownServices returns a snapshot of every (instance-list key, identity)
// pair this node has seen, owned or not — beatcheck.go filters to the
// ones it is responsible for.
func (r *Registry) KnownServices() map[string]codec.Identity {
	r.knownMu.RLock()
	defer r.knownMu.RUnlock()
	out := make(map[string]codec.Identity, len(r.known))
	for k, v := range r.known {
		out[k] = v
	}
	return out
}

// Register upserts inst into the named service's instance list. Returns
// distro.ErrNotOwner if this node is not responsible for the service —
// the HTTP layer is expected to forward the request to the owner.
func (r *Registry) Register(ns, group, service string, inst Instance) (Instances, error) {
	inst.ApplyDefaults()
	id := codec.Identity{NamespaceID: ns, Group: group, Service: service}
	key := codec.BuildKey(codec.KindEphemeralInstances, id)

	lock := r.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	current := r.currentInstances(key)
	current[inst.Identity()] = inst

	if _, err := r.protocol.Put(key, current, current.Checksum()); err != nil {
		return nil, err
	}
	r.track(key, id)
	if err := r.touchMeta(id, current.Checksum()); err != nil {
		return nil, err
	}
	return current, nil
}

// Deregister removes the instance identified by (ip, port, clusterName)
// from the named service, per spec §6's delete parameters.
func (r *Registry) Deregister(ns, group, service, ip string, port int, clusterName string) error {
	id := codec.Identity{NamespaceID: ns, Group: group, Service: service}
	key := codec.BuildKey(codec.KindEphemeralInstances, id)

	lock := r.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	current := r.currentInstances(key)
	identity := Instance{IP: ip, Port: port, ClusterName: clusterName}.Identity()
	if _, ok := current[identity]; !ok {
		return nil
	}
	delete(current, identity)

	if len(current) == 0 {
		return r.protocol.Remove(key)
	}
	if _, err := r.protocol.Put(key, current, current.Checksum()); err != nil {
		return err
	}
	return r.touchMeta(id, current.Checksum())
}

// Beat records a heartbeat for (ip, port, clusterName), flipping healthy
// back to true if it had been flagged unhealthy.
func (r *Registry) Beat(ns, group, service, ip string, port int, clusterName string) error {
	id := codec.Identity{NamespaceID: ns, Group: group, Service: service}
	key := codec.BuildKey(codec.KindEphemeralInstances, id)

	lock := r.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	current := r.currentInstances(key)
	identity := Instance{IP: ip, Port: port, ClusterName: clusterName}.Identity()
	inst, ok := current[identity]
	if !ok {
		return fmt.Errorf("registry: instance %s not registered for %s@@%s", identity, group, service)
	}
	inst.LastBeat = r.clock().UnixMilli()
	inst.Healthy = true
	current[identity] = inst

	_, err := r.protocol.Put(key, current, current.Checksum())
	return err
}

// List returns the current instance list for a service (whatever this
// node has installed locally, owner or mirrored copy alike).
func (r *Registry) List(ns, group, service string) (Instances, error) {
	id := codec.Identity{NamespaceID: ns, Group: group, Service: service}
	key := codec.BuildKey(codec.KindEphemeralInstances, id)
	return r.currentInstances(key), nil
}

// currentInstances reads the live Instances map for key, or an empty one
// if the key doesn't exist yet.
func (r *Registry) currentInstances(key string) Instances {
	d, ok := store.Get[Instances](r.store, key)
	if !ok {
		return Instances{}
	}
	return d.Value.Clone()
}

// touchMeta recomputes and installs the service-meta container alongside
// an instance-list mutation. Same owner as the instance-list key (both
// are keyed by the same service name), so Put either succeeds for both
// or fails for both.
func (r *Registry) touchMeta(id codec.Identity, checksum string) error {
	metaKey := codec.BuildKey(codec.KindServiceMeta, id)
	meta := ServiceMeta{
		NamespaceID:        id.NamespaceID,
		GroupName:          id.Group,
		Name:               id.Service,
		LastModifiedMillis: r.clock().UnixMilli(),
		Checksum:           checksum,
	}
	_, err := r.protocol.Put(metaKey, meta, checksum)
	return err
}

// ─── distro.ValueCodec ──────────────────────────────────────────────────

// EncodeValue implements distro.ValueCodec.
func (r *Registry) EncodeValue(kind codec.Kind, v any) ([]byte, error) {
	switch kind {
	case codec.KindEphemeralInstances:
		instances, ok := v.(Instances)
		if !ok {
			return nil, fmt.Errorf("registry: EncodeValue expected Instances, got %T", v)
		}
		return sonic.Marshal(instances)
	case codec.KindServiceMeta:
		meta, ok := v.(ServiceMeta)
		if !ok {
			return nil, fmt.Errorf("registry: EncodeValue expected ServiceMeta, got %T", v)
		}
		return sonic.Marshal(meta)
	default:
		return nil, fmt.Errorf("registry: unknown kind %d", kind)
	}
}

// DecodeValue implements distro.ValueCodec.
func (r *Registry) DecodeValue(kind codec.Kind, data []byte) (any, error) {
	switch kind {
	case codec.KindEphemeralInstances:
		var instances Instances
		if err := sonic.Unmarshal(data, &instances); err != nil {
			return nil, err
		}
		return instances, nil
	case codec.KindServiceMeta:
		var meta ServiceMeta
		if err := sonic.Unmarshal(data, &meta); err != nil {
			return nil, err
		}
		return meta, nil
	default:
		return nil, fmt.Errorf("registry: unknown kind %d", kind)
	}
}

// ─── distro.MetaListener ────────────────────────────────────────────────

// EnsureServiceContainer implements distro.MetaListener. It is invoked by
// processData (the recipient side of sync/pull) the first time this node
// sees a key with no listener registered: it synthesizes an empty
// ServiceMeta container (if one isn't already present) and subscribes an
// internal listener for the instance-list key so that subsequent CHANGE
// deliveries have somewhere to land.
func (r *Registry) EnsureServiceContainer(ns, group, service string) error {
	id := codec.Identity{NamespaceID: ns, Group: group, Service: service}
	metaKey := codec.BuildKey(codec.KindServiceMeta, id)
	instKey := codec.BuildKey(codec.KindEphemeralInstances, id)

	if _, ok := r.store.GetRaw(metaKey); !ok {
		meta := ServiceMeta{
			NamespaceID:        ns,
			GroupName:          group,
			Name:               service,
			LastModifiedMillis: r.clock().UnixMilli(),
		}
		r.store.PutRaw(store.Datum[any]{Key: metaKey, Value: meta, Timestamp: 0, Checksum: meta.Checksum})
	}

	r.track(instKey, id)
	if !r.notifier.HasListeners(instKey) {
		r.notifier.Subscribe(instKey, store.ListenerFunc{})
	}
	return nil
}

// Subscribe lets callers outside this package observe a service's
// instance-list key without depending on internal/codec directly.
func (r *Registry) Subscribe(ns, group, service string, l store.Listener) {
	id := codec.Identity{NamespaceID: ns, Group: group, Service: service}
	key := codec.BuildKey(codec.KindEphemeralInstances, id)
	r.track(key, id)
	r.notifier.Subscribe(key, l)
}
