package client

import (
	"context"
	"log"
	"sync"
	"time"
)

const defaultBeatPeriod = 5 * time.Second

// BeatInfo describes one client-registered instance's recurring heartbeat.
type BeatInfo struct {
	NamespaceID string
	GroupName   string
	ServiceName string
	Instance    Instance
	Period      time.Duration
}

// HeartbeatReactor sends a recurring beat for every instance this client
// has registered. Beats never give up: on network failure the task simply
// reschedules at its previous interval — spec §4.K is explicit that client
// heartbeats are best-effort forever while registered.
type HeartbeatReactor struct {
	transport   *Transport
	namespaceID string

	mu    sync.Mutex
	beats map[string]*beatTask
	wg    sync.WaitGroup
}

type beatTask struct {
	info   BeatInfo
	stopCh chan struct{}
	period time.Duration
	mu     sync.Mutex
}

// NewHeartbeatReactor creates a HeartbeatReactor bound to transport.
func NewHeartbeatReactor(transport *Transport, namespaceID string) *HeartbeatReactor {
	return &HeartbeatReactor{
		transport:   transport,
		namespaceID: namespaceID,
		beats:       make(map[string]*beatTask),
	}
}

// AddBeatInfo starts (or replaces) a recurring beat for inst under
// (groupName, serviceName). Only ephemeral instances beat.
func (h *HeartbeatReactor) AddBeatInfo(ctx context.Context, groupName, serviceName string, inst Instance) {
	if !inst.Ephemeral {
		return
	}
	key := beatKey(groupName, serviceName, inst)

	h.mu.Lock()
	if existing, ok := h.beats[key]; ok {
		close(existing.stopCh)
	}
	task := &beatTask{
		info: BeatInfo{
			NamespaceID: h.namespaceID,
			GroupName:   groupName,
			ServiceName: serviceName,
			Instance:    inst,
			Period:      defaultBeatPeriod,
		},
		stopCh: make(chan struct{}),
		period: defaultBeatPeriod,
	}
	h.beats[key] = task
	h.mu.Unlock()

	h.wg.Add(1)
	go h.run(ctx, task)
}

// RemoveBeatInfo stops the beat for the given identity, if any.
func (h *HeartbeatReactor) RemoveBeatInfo(groupName, serviceName, ip string, port int, clusterName string) {
	key := beatKey(groupName, serviceName, Instance{IP: ip, Port: port, ClusterName: clusterName})
	h.mu.Lock()
	defer h.mu.Unlock()
	if task, ok := h.beats[key]; ok {
		close(task.stopCh)
		delete(h.beats, key)
	}
}

// UpdatePeriod overrides the beat period for an already-registered
// instance. The regular path for period changes is `run`'s own adoption
// of BeatResponse.ClientBeatInterval after each successful beat; this
// exists for callers that need to force a period explicitly.
func (h *HeartbeatReactor) UpdatePeriod(groupName, serviceName string, inst Instance, period time.Duration) {
	key := beatKey(groupName, serviceName, inst)
	h.mu.Lock()
	task, ok := h.beats[key]
	h.mu.Unlock()
	if !ok {
		return
	}
	task.mu.Lock()
	task.period = period
	task.mu.Unlock()
}

// Close stops every beat task and waits for the goroutines to exit.
func (h *HeartbeatReactor) Close() {
	h.mu.Lock()
	for key, task := range h.beats {
		close(task.stopCh)
		delete(h.beats, key)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *HeartbeatReactor) run(ctx context.Context, task *beatTask) {
	defer h.wg.Done()

	task.mu.Lock()
	period := task.period
	task.mu.Unlock()
	timer := time.NewTimer(period)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-task.stopCh:
			return
		case <-timer.C:
			inst := task.info.Instance
			resp, err := h.transport.SendBeat(ctx, task.info.NamespaceID, task.info.GroupName, task.info.ServiceName, inst.IP, inst.Port, inst.ClusterName)
			task.mu.Lock()
			if err != nil {
				log.Printf("heartbeat: beat failed for %s@@%s (%s): %v, retrying at previous interval", task.info.GroupName, task.info.ServiceName, inst.toInetAddr(), err)
			} else if resp.ClientBeatInterval > 0 {
				task.period = time.Duration(resp.ClientBeatInterval) * time.Millisecond
			}
			period = task.period
			task.mu.Unlock()
			timer.Reset(period)
		}
	}
}

func beatKey(groupName, serviceName string, inst Instance) string {
	return groupName + "@@" + serviceName + "@@" + inst.toInetAddr()
}
