package distro

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/distro-naming/navis/internal/codec"
	"github.com/distro-naming/navis/internal/store"
)

// Config is the distro protocol's share of the configuration surface
// enumerated in spec §6.
type Config struct {
	TaskDispatchPeriod      time.Duration // default 2s; sync delay = this/2
	VerifyInterval          time.Duration // default 5s
	DefaultInstanceEphemeral bool         // default true
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		TaskDispatchPeriod:       2 * time.Second,
		VerifyInterval:           5 * time.Second,
		DefaultInstanceEphemeral: true,
	}
}

// ErrNotOwner is returned by Put/Remove when the local node is not
// responsible for the target key's service, per the single-writer
// invariant: only the owner may mutate a key's timestamp.
var ErrNotOwner = fmt.Errorf("distro: local node is not the owner of this key")

// MetaListener is invoked by processData when it must synthesize an
// empty service container for a key that has no listener yet (spec
// §4.E, processData step 2). It is the "service-meta listener" the spec
// refers to; registry.Registry implements it.
type MetaListener interface {
	EnsureServiceContainer(ns, group, service string) error
}

// Protocol implements the sharded, eventually-consistent replication
// protocol described in spec §4.E: owner-side mutation, fan-out sync,
// periodic checksum verify, and pull-on-mismatch.
//
// Grounded on the teacher's internal/cluster/replicator.go: its
// HTTP-with-retry sender and channel-based fan-out/collect pattern are
// the model for the sync/verify fan-out here, rewritten around
// checksum-verify-then-pull instead of quorum commit (see DESIGN.md).
type Protocol struct {
	self      string
	mapper    *Mapper
	store     *store.Store
	notifier  *store.Notifier
	transport Transport
	vc        ValueCodec
	meta      MetaListener
	clock     Clock
	cfg       Config

	tsMu sync.Mutex
	ts   map[string]uint64 // per-key logical timestamp, owner-local

	pendingMu    sync.Mutex
	pendingKeys  map[string]map[string]bool // peer -> dirty upsert keys
	pendingDel   map[string]map[string]bool // peer -> dirty delete keys
	pendingTimer map[string]*time.Timer

	inFlight sync.Map // source peer -> bool, verify concurrency guard

	initializedMu sync.RWMutex
	initialized   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProtocol constructs a Protocol. meta may be nil if the caller never
// needs the bulk-install service-container synthesis path (tests only).
func NewProtocol(self string, mapper *Mapper, st *store.Store, notifier *store.Notifier, transport Transport, vc ValueCodec, meta MetaListener, clock Clock, cfg Config) *Protocol {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Protocol{
		self:         self,
		mapper:       mapper,
		store:        st,
		notifier:     notifier,
		transport:    transport,
		vc:           vc,
		meta:         meta,
		clock:        clock,
		cfg:          cfg,
		ts:           make(map[string]uint64),
		pendingKeys:  make(map[string]map[string]bool),
		pendingDel:   make(map[string]map[string]bool),
		pendingTimer: make(map[string]*time.Timer),
		stopCh:       make(chan struct{}),
	}
}

// Mapper exposes the protocol's ownership mapper so callers (notably the
// HTTP layer, to forward a write for a key it doesn't own) can ask who
// is responsible for a service without duplicating ownership logic.
func (p *Protocol) Mapper() *Mapper {
	return p.mapper
}

// Initialized reports whether at least one local mutation or bulk
// install has occurred — used by availability reporting (spec §7:
// isInitialized = distroProtocol.initialized or !dataWarmup).
func (p *Protocol) Initialized() bool {
	p.initializedMu.RLock()
	defer p.initializedMu.RUnlock()
	return p.initialized
}

func (p *Protocol) markInitialized() {
	p.initializedMu.Lock()
	p.initialized = true
	p.initializedMu.Unlock()
}

// ─── Local mutation path (owner peer), spec §4.E ───────────────────────

// Put installs value under key on the owner, bumping its logical
// timestamp, recomputing its checksum via checksum, enqueueing a CHANGE
// notification if listeners exist, and scheduling a debounced sync to
// every other peer. It returns ErrNotOwner if this node does not own
// key's service.
func (p *Protocol) Put(key string, value any, checksum string) (store.Datum[any], error) {
	_, id, err := codec.ParseKey(key)
	if err != nil {
		return store.Datum[any]{}, err
	}
	svc := codec.ServiceName(id)
	if !p.mapper.Responsible(svc) {
		return store.Datum[any]{}, ErrNotOwner
	}

	ts := p.nextTimestamp(key)
	d := store.Datum[any]{Key: key, Value: value, Timestamp: ts, Checksum: checksum}
	p.store.PutRaw(d)

	if p.notifier.HasListeners(key) {
		p.notifier.EnqueueChange(key, value)
	}
	p.scheduleSync(key)
	p.markInitialized()
	return d, nil
}

// Remove deletes key on the owner and schedules a DELETE propagation.
func (p *Protocol) Remove(key string) error {
	_, id, err := codec.ParseKey(key)
	if err != nil {
		return err
	}
	svc := codec.ServiceName(id)
	if !p.mapper.Responsible(svc) {
		return ErrNotOwner
	}

	if p.store.Remove(key) {
		p.notifier.EnqueueDelete(key)
	}
	p.scheduleDelete(key)
	return nil
}

func (p *Protocol) nextTimestamp(key string) uint64 {
	p.tsMu.Lock()
	defer p.tsMu.Unlock()
	p.ts[key]++
	return p.ts[key]
}

// scheduleSync marks key dirty for every peer but self and arms a
// debounce timer (taskDispatchPeriod/2) per destination so bursts
// coalesce into a single batched sync, per spec §4.E step 3.
func (p *Protocol) scheduleSync(key string) {
	for _, peer := range p.mapper.Peers() {
		if peer == p.self {
			continue
		}
		p.armPeerTimer(peer, func() {
			if p.pendingKeys[peer] == nil {
				p.pendingKeys[peer] = map[string]bool{}
			}
			p.pendingKeys[peer][key] = true
		})
	}
}

func (p *Protocol) scheduleDelete(key string) {
	for _, peer := range p.mapper.Peers() {
		if peer == p.self {
			continue
		}
		p.armPeerTimer(peer, func() {
			if p.pendingDel[peer] == nil {
				p.pendingDel[peer] = map[string]bool{}
			}
			p.pendingDel[peer][key] = true
		})
	}
}

// armPeerTimer runs mark (which records dirty state under pendingMu) and
// ensures exactly one flush timer is armed for peer.
func (p *Protocol) armPeerTimer(peer string, mark func()) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	mark()
	if _, exists := p.pendingTimer[peer]; exists {
		return
	}
	delay := p.cfg.TaskDispatchPeriod / 2
	p.pendingTimer[peer] = time.AfterFunc(delay, func() { p.flushSync(peer) })
}

func (p *Protocol) flushSync(peer string) {
	p.pendingMu.Lock()
	keys := p.pendingKeys[peer]
	dels := p.pendingDel[peer]
	delete(p.pendingKeys, peer)
	delete(p.pendingDel, peer)
	delete(p.pendingTimer, peer)
	p.pendingMu.Unlock()

	if len(keys) == 0 && len(dels) == 0 {
		return
	}

	upserts := make(map[string]store.Datum[any], len(keys))
	for k := range keys {
		if d, ok := p.store.GetRaw(k); ok {
			upserts[k] = d
		}
	}
	deleteList := make([]string, 0, len(dels))
	for k := range dels {
		deleteList = append(deleteList, k)
	}

	body, err := EncodeSyncBatch(upserts, deleteList, p.vc)
	if err != nil {
		log.Printf("[distro] encode sync batch for peer %s: %v", peer, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.transport.SendSync(ctx, peer, body); err != nil {
		// Transient network failure: logged, no retry. Divergence is
		// self-healing on the next verify tick.
		log.Printf("[distro] sync to peer %s failed: %v", peer, err)
	}
}

// ApplyIncomingSync handles a sync batch pushed by another node's owner.
func (p *Protocol) ApplyIncomingSync(body []byte) error {
	upserts, deletes, err := DecodeSyncBatch(body, p.vc)
	if err != nil {
		return fmt.Errorf("distro: decode sync batch: %w", err)
	}
	for _, k := range deletes {
		p.applyRemove(k)
	}
	p.processData(upserts)
	return nil
}

// ─── Periodic verify, spec §4.E ────────────────────────────────────────

// RunVerifyLoop starts the periodic checksum-advertisement loop. Call
// Stop to terminate it.
func (p *Protocol) RunVerifyLoop() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.VerifyInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.verifyOnce()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the verify loop and any armed sync timers.
func (p *Protocol) Stop() {
	close(p.stopCh)
	p.wg.Wait()

	p.pendingMu.Lock()
	for _, t := range p.pendingTimer {
		t.Stop()
	}
	p.pendingMu.Unlock()
}

func (p *Protocol) verifyOnce() {
	owned := p.ownedChecksums()
	for _, peer := range p.mapper.Peers() {
		if peer == p.self {
			continue
		}
		body, err := EncodeVerifyMap(owned)
		if err != nil {
			log.Printf("[distro] encode verify map: %v", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = p.transport.SendVerify(ctx, peer, body)
		cancel()
		if err != nil {
			log.Printf("[distro] verify send to peer %s failed: %v", peer, err)
		}
	}
}

func (p *Protocol) ownedChecksums() map[string]string {
	out := map[string]string{}
	for _, k := range p.store.Keys() {
		_, id, err := codec.ParseKey(k)
		if err != nil {
			continue
		}
		if p.mapper.Responsible(codec.ServiceName(id)) {
			if d, ok := p.store.GetRaw(k); ok {
				out[k] = d.Checksum
			}
		}
	}
	return out
}

// ─── Receive verify, spec §4.E onReceiveChecksums ──────────────────────

// OnReceiveChecksums implements the recipient side of periodic verify.
// Concurrency guard: at most one verify in flight per source; a second
// concurrent arrival returns immediately with a warning.
func (p *Protocol) OnReceiveChecksums(ctx context.Context, source string, body []byte) error {
	if _, loaded := p.inFlight.LoadOrStore(source, true); loaded {
		log.Printf("[distro] verify already in flight for source %s, dropping", source)
		return nil
	}
	defer p.inFlight.Delete(source)

	incoming, err := DecodeVerifyMap(body)
	if err != nil {
		return fmt.Errorf("distro: decode verify map: %w", err)
	}

	// Rule 1: ownership contradiction aborts the whole round.
	for k := range incoming {
		_, id, err := codec.ParseKey(k)
		if err != nil {
			continue
		}
		if p.mapper.Responsible(codec.ServiceName(id)) {
			log.Printf("[distro] ownership contradiction: source %s advertised key %q that we own, aborting verify", source, k)
			return nil
		}
	}

	toUpdate := make([]string, 0)
	for k, cs := range incoming {
		local, ok := p.store.GetRaw(k)
		if !ok || local.Checksum != cs {
			toUpdate = append(toUpdate, k)
		}
	}

	toRemove := make([]string, 0)
	for _, k := range p.store.Keys() {
		_, id, err := codec.ParseKey(k)
		if err != nil {
			continue
		}
		if p.mapper.Owner(codec.ServiceName(id)) != source {
			continue
		}
		if _, present := incoming[k]; !present {
			toRemove = append(toRemove, k)
		}
	}

	for _, k := range toRemove {
		p.applyRemove(k)
	}

	if len(toUpdate) == 0 {
		return nil
	}

	reqBody, err := EncodePullRequest(source, toUpdate)
	if err != nil {
		return fmt.Errorf("distro: encode pull request: %w", err)
	}
	respBody, err := p.transport.Pull(ctx, source, reqBody)
	if err != nil {
		log.Printf("[distro] pull from source %s failed: %v (retried on next verify tick)", source, err)
		return nil
	}

	found, err := DecodePullResponse(respBody, p.vc)
	if err != nil {
		log.Printf("[distro] deserialise pull response from %s failed: %v", source, err)
		return nil
	}
	p.processData(found)
	return nil
}

func (p *Protocol) applyRemove(key string) {
	if p.store.Remove(key) {
		p.notifier.EnqueueDelete(key)
	}
}

// ─── Snapshot/bulk install, spec §4.E processData ──────────────────────

// processData installs each received Datum, synthesizing an empty
// service container via the meta listener on first sight of a key with
// no registered listener, then delivers CHANGE synchronously on the
// caller's goroutine (matching spec: "each onChange runs under the
// caller thread"). The Datum is re-installed after successful delivery
// — see DESIGN.md's Open Question #1 for why the apparent double-write
// is preserved rather than trimmed as redundant.
func (p *Protocol) processData(batch map[string]store.Datum[any]) {
	for key, incoming := range batch {
		if existing, ok := p.store.GetRaw(key); ok && !store.Newer(incoming, existing) {
			continue // monotone-timestamp invariant: drop stale or equal
		}

		p.store.PutRaw(incoming)

		if !p.notifier.HasListeners(key) && p.cfg.DefaultInstanceEphemeral && codec.MatchEphemeralInstanceListKey(key) {
			if !p.synthesizeContainer(key) {
				log.Printf("[distro] no service-meta listener to synthesize container for key %q, aborting install for this key", key)
				continue
			}
		}

		delivered := p.notifier.DispatchChangeSync(key, incoming.Value)
		if delivered == 0 {
			log.Printf("[distro] no listeners for key %q after synthesis attempt", key)
			continue
		}

		p.store.PutRaw(incoming)
	}
	p.markInitialized()
}

func (p *Protocol) synthesizeContainer(key string) bool {
	if p.meta == nil {
		return false
	}
	_, id, err := codec.ParseKey(key)
	if err != nil {
		return false
	}
	if err := p.meta.EnsureServiceContainer(id.NamespaceID, id.Group, id.Service); err != nil {
		log.Printf("[distro] ensure service container for %s/%s: %v", id.Group, id.Service, err)
		return false
	}
	return p.notifier.HasListeners(key)
}

// ─── Pull (server side), spec §6 ───────────────────────────────────────

// HandlePullRequest answers a peer's pull request with the Datums it
// asked for that this node actually has.
func (p *Protocol) HandlePullRequest(body []byte) ([]byte, error) {
	_, keys, err := DecodePullRequest(body)
	if err != nil {
		return nil, fmt.Errorf("distro: decode pull request: %w", err)
	}
	found := make(map[string]store.Datum[any], len(keys))
	for _, k := range keys {
		if d, ok := p.store.GetRaw(k); ok {
			found[k] = d
		}
	}
	return EncodePullResponse(found, p.vc)
}
