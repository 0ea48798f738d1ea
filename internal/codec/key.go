// Package codec implements the bijective encoding between a service
// identity (namespace, group, service, kind) and the canonical string key
// used everywhere else in the system — the data store, the distro wire
// protocol, and the notifier all key off this string, never off the
// parsed tuple, so encode/parse must round-trip exactly.
package codec

import (
	"fmt"
	"strings"
)

// Kind distinguishes the two families of keys the registry stores.
// All protocol decisions route on this prefix; no other component should
// ever pattern-match on the key string directly.
type Kind int

const (
	// KindEphemeralInstances keys an ephemeral instance list.
	KindEphemeralInstances Kind = iota
	// KindServiceMeta keys a service's metadata container.
	KindServiceMeta
)

const (
	ephemeralInstancePrefix = "com.alibaba.nacos.naming.iplist.ephemeral."
	serviceMetaPrefix       = "com.alibaba.nacos.naming.service.meta."
	groupServiceSep         = "@@"
	namespaceSep            = "##"
)

// Identity names a single service within a namespace/group.
type Identity struct {
	NamespaceID string
	Group       string
	Service     string
}

// String renders "<group>@@<service>", the canonical group/service pair
// embedded inside a key.
func (id Identity) String() string {
	return id.Group + groupServiceSep + id.Service
}

// BuildKey renders the canonical store key for id under kind.
func BuildKey(kind Kind, id Identity) string {
	prefix := prefixFor(kind)
	return fmt.Sprintf("%s%s%s%s", prefix, id.NamespaceID, namespaceSep, id.String())
}

func prefixFor(kind Kind) string {
	switch kind {
	case KindServiceMeta:
		return serviceMetaPrefix
	default:
		return ephemeralInstancePrefix
	}
}

// ParseKey inverts BuildKey. It returns an error if k does not carry a
// recognised prefix or is missing the "##" / "@@" separators.
func ParseKey(k string) (Kind, Identity, error) {
	kind, rest, ok := stripPrefix(k)
	if !ok {
		return 0, Identity{}, fmt.Errorf("codec: key %q has no recognised prefix", k)
	}

	nsAndRest := strings.SplitN(rest, namespaceSep, 2)
	if len(nsAndRest) != 2 {
		return 0, Identity{}, fmt.Errorf("codec: key %q missing namespace separator %q", k, namespaceSep)
	}

	groupAndService := strings.SplitN(nsAndRest[1], groupServiceSep, 2)
	if len(groupAndService) != 2 {
		return 0, Identity{}, fmt.Errorf("codec: key %q missing group/service separator %q", k, groupServiceSep)
	}

	return kind, Identity{
		NamespaceID: nsAndRest[0],
		Group:       groupAndService[0],
		Service:     groupAndService[1],
	}, nil
}

func stripPrefix(k string) (Kind, string, bool) {
	if rest, ok := strings.CutPrefix(k, ephemeralInstancePrefix); ok {
		return KindEphemeralInstances, rest, true
	}
	if rest, ok := strings.CutPrefix(k, serviceMetaPrefix); ok {
		return KindServiceMeta, rest, true
	}
	return 0, "", false
}

// MatchEphemeralInstanceListKey reports whether k is an ephemeral
// instance-list key, without fully parsing it.
func MatchEphemeralInstanceListKey(k string) bool {
	return strings.HasPrefix(k, ephemeralInstancePrefix)
}

// MatchServiceMetaKey reports whether k is a service-metadata key.
func MatchServiceMetaKey(k string) bool {
	return strings.HasPrefix(k, serviceMetaPrefix)
}

// ServiceName renders the "<group>@@<service>" form expected by
// the distro mapper's hash input, without the namespace prefix.
func ServiceName(id Identity) string {
	return id.String()
}
