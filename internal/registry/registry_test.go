package registry

import (
	"context"
	"fmt"
	"testing"

	"github.com/distro-naming/navis/internal/codec"
	"github.com/distro-naming/navis/internal/distro"
	"github.com/distro-naming/navis/internal/store"
)

type noopTransport struct{}

func (noopTransport) SendSync(context.Context, string, []byte) error   { return nil }
func (noopTransport) SendVerify(context.Context, string, []byte) error { return nil }
func (noopTransport) Pull(context.Context, string, []byte) ([]byte, error) {
	return nil, nil
}

func newTestRegistry(self string, peers []string) (*Registry, *distro.Mapper, *store.Notifier) {
	mapper := distro.NewMapper(self, peers)
	st := store.New()
	notifier := store.NewNotifier(64)
	reg := New(self, nil, st, notifier)
	proto := distro.NewProtocol(self, mapper, st, notifier, noopTransport{}, reg, reg, nil, distro.DefaultConfig())
	reg.protocol = proto
	return reg, mapper, notifier
}

func TestRegisterThenListRoundTrips(t *testing.T) {
	reg, _, notifier := newTestRegistry("solo", []string{"solo"})
	defer notifier.Close()

	inst := Instance{IP: "10.0.0.1", Port: 8080, ClusterName: "DEFAULT"}
	if _, err := reg.Register("public", "DEFAULT_GROUP", "svcA", inst); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := reg.List("public", "DEFAULT_GROUP", "svcA")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(got))
	}
	if _, ok := got[inst.Identity()]; !ok {
		t.Fatalf("expected instance %q present", inst.Identity())
	}
}

func TestDeregisterRemovesInstance(t *testing.T) {
	reg, _, notifier := newTestRegistry("solo", []string{"solo"})
	defer notifier.Close()

	inst := Instance{IP: "10.0.0.1", Port: 8080, ClusterName: "DEFAULT"}
	if _, err := reg.Register("public", "DEFAULT_GROUP", "svcA", inst); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Deregister("public", "DEFAULT_GROUP", "svcA", inst.IP, inst.Port, inst.ClusterName); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	got, err := reg.List("public", "DEFAULT_GROUP", "svcA")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty instance list, got %d", len(got))
	}
}

func TestBeatRefreshesLastBeatAndHealth(t *testing.T) {
	reg, _, notifier := newTestRegistry("solo", []string{"solo"})
	defer notifier.Close()

	inst := Instance{IP: "10.0.0.1", Port: 8080, ClusterName: "DEFAULT", Healthy: false}
	if _, err := reg.Register("public", "DEFAULT_GROUP", "svcA", inst); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Beat("public", "DEFAULT_GROUP", "svcA", inst.IP, inst.Port, inst.ClusterName); err != nil {
		t.Fatalf("beat: %v", err)
	}

	got, _ := reg.List("public", "DEFAULT_GROUP", "svcA")
	updated := got[inst.Identity()]
	if !updated.Healthy {
		t.Fatalf("expected beat to restore healthy=true")
	}
	if updated.LastBeat == 0 {
		t.Fatalf("expected beat to set LastBeat")
	}
}

func TestRegisterOnNonOwnerFails(t *testing.T) {
	self, other := "node-1", "node-2"
	reg, mapper, notifier := newTestRegistry(self, []string{self, other})
	defer notifier.Close()

	var svc string
	for i := 0; i < 1000; i++ {
		candidate := fmt.Sprintf("svc-%d", i)
		if mapper.Owner(codec.ServiceName(codec.Identity{Group: "DEFAULT_GROUP", Service: candidate})) != self {
			svc = candidate
			break
		}
	}
	if svc == "" {
		t.Fatalf("could not find a service this node does not own")
	}

	if _, err := reg.Register("public", "DEFAULT_GROUP", svc, Instance{IP: "10.0.0.1", Port: 8080}); err != distro.ErrNotOwner {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestEnsureServiceContainerCreatesMetaAndListener(t *testing.T) {
	reg, _, notifier := newTestRegistry("solo", []string{"solo"})
	defer notifier.Close()

	if err := reg.EnsureServiceContainer("public", "DEFAULT_GROUP", "svcA"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	instKey := "com.alibaba.nacos.naming.iplist.ephemeral.public##DEFAULT_GROUP@@svcA"
	if !notifier.HasListeners(instKey) {
		t.Fatalf("expected a listener to be subscribed for the instance key")
	}
}
