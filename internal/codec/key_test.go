package codec

import "testing"

func TestBuildParseRoundTrip(t *testing.T) {
	cases := []struct {
		kind Kind
		id   Identity
	}{
		{KindEphemeralInstances, Identity{NamespaceID: "public", Group: "DEFAULT_GROUP", Service: "svc-a"}},
		{KindServiceMeta, Identity{NamespaceID: "ns1", Group: "grp", Service: "svc-b"}},
	}

	for _, c := range cases {
		k := BuildKey(c.kind, c.id)
		gotKind, gotID, err := ParseKey(k)
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", k, err)
		}
		if gotKind != c.kind || gotID != c.id {
			t.Fatalf("round trip mismatch: got (%v,%v) want (%v,%v)", gotKind, gotID, c.kind, c.id)
		}
	}
}

func TestMatchEphemeralInstanceListKey(t *testing.T) {
	k := BuildKey(KindEphemeralInstances, Identity{NamespaceID: "public", Group: "g", Service: "s"})
	if !MatchEphemeralInstanceListKey(k) {
		t.Fatalf("expected ephemeral key to match")
	}
	if MatchServiceMetaKey(k) {
		t.Fatalf("ephemeral key should not match service-meta prefix")
	}

	m := BuildKey(KindServiceMeta, Identity{NamespaceID: "public", Group: "g", Service: "s"})
	if MatchEphemeralInstanceListKey(m) {
		t.Fatalf("service-meta key should not match ephemeral prefix")
	}
}

func TestParseKeyRejectsUnknownPrefix(t *testing.T) {
	if _, _, err := ParseKey("not-a-known-prefix"); err == nil {
		t.Fatalf("expected error for unrecognised prefix")
	}
}

func TestParseKeyRejectsMissingSeparators(t *testing.T) {
	if _, _, err := ParseKey(ephemeralInstancePrefix + "public-no-hash-sep"); err == nil {
		t.Fatalf("expected error for missing ## separator")
	}
	if _, _, err := ParseKey(ephemeralInstancePrefix + "public##group-no-at-sep"); err == nil {
		t.Fatalf("expected error for missing @@ separator")
	}
}
