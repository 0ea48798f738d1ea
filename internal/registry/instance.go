// Package registry implements the ephemeral instance registry: the
// in-memory Instance/Service data model, the mutation interface that
// funnels every write through the distro protocol's single-writer path,
// and the periodic beat-check liveness sweep.
package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/distro-naming/navis/internal/store"
)

// Instance is a single registered service endpoint, per spec §3.
type Instance struct {
	IP                 string            `json:"ip"`
	Port               int               `json:"port"`
	ClusterName        string            `json:"clusterName"`
	Ephemeral          bool              `json:"ephemeral"`
	Healthy            bool              `json:"healthy"`
	Marked             bool              `json:"marked"`
	Weight             float64           `json:"weight"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	LastBeat           int64             `json:"lastBeat"` // unix millis
	HeartbeatTimeoutMs int64             `json:"heartbeatTimeoutMs"`
	DeleteTimeoutMs    int64             `json:"deleteTimeoutMs"`
}

// DefaultHeartbeatTimeoutMs and DefaultDeleteTimeoutMs are the spec §3
// defaults applied when an instance omits its own timeouts.
const (
	DefaultHeartbeatTimeoutMs int64 = 15000
	DefaultDeleteTimeoutMs    int64 = 30000
)

// Identity renders the "ip:port@clusterName" tuple that uniquely
// identifies an instance within a service's instance list.
func (i Instance) Identity() string {
	return i.IP + ":" + strconv.Itoa(i.Port) + "@" + i.ClusterName
}

// ApplyDefaults fills in the spec §3 default timeouts when unset.
func (i *Instance) ApplyDefaults() {
	if i.HeartbeatTimeoutMs == 0 {
		i.HeartbeatTimeoutMs = DefaultHeartbeatTimeoutMs
	}
	if i.DeleteTimeoutMs == 0 {
		i.DeleteTimeoutMs = DefaultDeleteTimeoutMs
	}
}

// Instances is the Datum value stored under an ephemeral instance-list
// key: every instance registered for a service, keyed by Identity().
type Instances map[string]Instance

// Clone returns a shallow copy safe to mutate without affecting the
// original map.
func (in Instances) Clone() Instances {
	out := make(Instances, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Checksum computes a stable checksum over in's logical content: sorted
// identities with their mutable fields concatenated, so host ordering,
// map iteration, or serialization variant never change the result (spec
// §3's checksum-stability invariant).
func (in Instances) Checksum() string {
	ids := make([]string, 0, len(in))
	for id := range in {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids)*4)
	for _, id := range ids {
		inst := in[id]
		parts = append(parts,
			id,
			strconv.FormatBool(inst.Healthy),
			strconv.FormatBool(inst.Marked),
			strconv.FormatFloat(inst.Weight, 'f', -1, 64),
			metadataFingerprint(inst.Metadata),
		)
	}
	return store.Checksum(parts...)
}

func metadataFingerprint(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(md[k])
		b.WriteByte(';')
	}
	return b.String()
}

// ServiceMeta is the Datum value stored under a service-meta key: the
// container-level bookkeeping that accompanies a service's instance
// list, per spec §3's Service type (minus the instance set itself,
// which lives under the parallel ephemeral-instance-list key).
type ServiceMeta struct {
	NamespaceID        string `json:"namespaceId"`
	GroupName          string `json:"groupName"`
	Name               string `json:"name"`
	LastModifiedMillis int64  `json:"lastModifiedMillis"`
	Checksum           string `json:"checksum"`
}

func (s ServiceMeta) String() string {
	return fmt.Sprintf("ServiceMeta{%s##%s@@%s checksum=%s}", s.NamespaceID, s.GroupName, s.Name, s.Checksum)
}
