package client

import "testing"

func TestDiffServiceInfoClassifiesAddedRemovedModified(t *testing.T) {
	oldInfo := ServiceInfo{
		Name: "svcA", GroupName: "DEFAULT_GROUP",
		Hosts: []Instance{
			{IP: "10.0.0.1", Port: 8080, ClusterName: "DEFAULT", Healthy: true, Weight: 1},
			{IP: "10.0.0.2", Port: 8080, ClusterName: "DEFAULT", Healthy: true, Weight: 1},
		},
	}
	newInfo := ServiceInfo{
		Name: "svcA", GroupName: "DEFAULT_GROUP",
		Hosts: []Instance{
			{IP: "10.0.0.1", Port: 8080, ClusterName: "DEFAULT", Healthy: false, Weight: 1}, // modified
			{IP: "10.0.0.3", Port: 8080, ClusterName: "DEFAULT", Healthy: true, Weight: 1},  // added
		},
	}

	added, removed, modified := diffServiceInfo(oldInfo, newInfo)
	if len(added) != 1 || added[0].IP != "10.0.0.3" {
		t.Fatalf("expected 1 added instance (10.0.0.3), got %v", added)
	}
	if len(removed) != 1 || removed[0].IP != "10.0.0.2" {
		t.Fatalf("expected 1 removed instance (10.0.0.2), got %v", removed)
	}
	if len(modified) != 1 || modified[0].IP != "10.0.0.1" {
		t.Fatalf("expected 1 modified instance (10.0.0.1), got %v", modified)
	}
}

func TestDiffServiceInfoNoChangeYieldsEmptySets(t *testing.T) {
	info := ServiceInfo{
		Name: "svcA",
		Hosts: []Instance{
			{IP: "10.0.0.1", Port: 8080, ClusterName: "DEFAULT", Healthy: true, Weight: 1},
		},
	}
	added, removed, modified := diffServiceInfo(info, info)
	if len(added) != 0 || len(removed) != 0 || len(modified) != 0 {
		t.Fatalf("expected no diff for identical ServiceInfo, got added=%v removed=%v modified=%v", added, removed, modified)
	}
}

func TestServiceInfoValidateRejectsEmptyHosts(t *testing.T) {
	empty := ServiceInfo{Name: "svcA"}
	if empty.Validate() {
		t.Fatalf("expected ServiceInfo with no hosts to fail Validate")
	}
	nonEmpty := ServiceInfo{Name: "svcA", Hosts: []Instance{{IP: "10.0.0.1", Port: 80}}}
	if !nonEmpty.Validate() {
		t.Fatalf("expected ServiceInfo with hosts to pass Validate")
	}
}

func TestServiceInfoKeyIncludesClustersWhenSet(t *testing.T) {
	withClusters := ServiceInfo{Name: "svcA", GroupName: "DEFAULT_GROUP", Clusters: "c1"}
	if got, want := withClusters.Key(), "DEFAULT_GROUP@@svcA@@c1"; got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
	withoutClusters := ServiceInfo{Name: "svcA", GroupName: "DEFAULT_GROUP"}
	if got, want := withoutClusters.Key(), "DEFAULT_GROUP@@svcA"; got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
}

func TestBackoffDelayBoundedAt60Seconds(t *testing.T) {
	if d := backoffDelay(1000, 0); d.Milliseconds() != 1000 {
		t.Fatalf("expected 1000ms at failCount 0, got %v", d)
	}
	if d := backoffDelay(1000, 10); d.Milliseconds() != 60_000 {
		t.Fatalf("expected delay capped at 60s, got %v", d)
	}
}
