package client

import (
	"strconv"

	"github.com/bytedance/sonic"
)

// Instance is the client-side view of a registered endpoint — deliberately
// its own type rather than a reuse of the server's internal/registry.Instance,
// the same way the teacher's SDK never shared types with its storage engine.
type Instance struct {
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	ClusterName string            `json:"clusterName"`
	Ephemeral   bool              `json:"ephemeral"`
	Healthy     bool              `json:"healthy"`
	Marked      bool              `json:"marked"`
	Weight      float64           `json:"weight"`
	Metadata    map[string]string `json:"metadata"`
}

// toInetAddr renders the instance-identity tuple used to key diffs:
// ip:port, plus cluster so instances on distinct clusters never collide.
func (i Instance) toInetAddr() string {
	return i.IP + ":" + strconv.Itoa(i.Port) + "#" + i.ClusterName
}

// fingerprint captures every mutable field a diff should treat as
// "modified" when it changes without the identity tuple changing.
func (i Instance) fingerprint() string {
	data, _ := sonic.Marshal(i)
	return string(data)
}

// ServiceInfo is the client-side cached view of one service/clusters pair.
type ServiceInfo struct {
	Name           string     `json:"name"`
	GroupName      string     `json:"groupName"`
	Clusters       string     `json:"clusters"`
	Hosts          []Instance `json:"hosts"`
	LastRefTime    int64      `json:"lastRefTime"`
	CacheMillis    int64      `json:"cacheMillis"`
	JSONFromServer string     `json:"-"`
}

// Key is the cache/serviceInfoMap key: group@@name, plus @@clusters when set.
func (s ServiceInfo) Key() string {
	k := s.GroupName + "@@" + s.Name
	if s.Clusters != "" {
		k += "@@" + s.Clusters
	}
	return k
}

// Validate reports whether this payload is usable: push-empty-protection
// (spec §4.G) refuses to adopt a push frame with no hosts or malformed data.
func (s ServiceInfo) Validate() bool {
	return s.Name != "" && len(s.Hosts) > 0
}

func parseServiceInfo(raw []byte) (ServiceInfo, error) {
	var info ServiceInfo
	if err := sonic.Unmarshal(raw, &info); err != nil {
		return ServiceInfo{}, err
	}
	info.JSONFromServer = string(raw)
	return info, nil
}

func serviceInfoKey(groupName, serviceName, clusters string) string {
	k := groupName + "@@" + serviceName
	if clusters != "" {
		k += "@@" + clusters
	}
	return k
}
