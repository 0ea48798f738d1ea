package distro

import (
	"github.com/bytedance/sonic"

	"github.com/distro-naming/navis/internal/codec"
	"github.com/distro-naming/navis/internal/store"
)

// ValueCodec lets the distro core encode/decode/checksum Datum values
// without knowing their concrete Go type (registry.Instances vs
// registry.ServiceMeta) — the tagged-variant indirection called for by
// Design Notes §9 ("Unbounded reflection in datum value types... maps to
// a tagged variant DatumValue selected by key prefix at parse time"),
// implemented here as an injected strategy rather than a sum type so
// distro never needs to import the registry package.
type ValueCodec interface {
	EncodeValue(kind codec.Kind, v any) ([]byte, error)
	DecodeValue(kind codec.Kind, data []byte) (any, error)
}

type datumWire struct {
	Key       string `json:"key"`
	Kind      int    `json:"kind"`
	Timestamp uint64 `json:"timestamp"`
	Checksum  string `json:"checksum"`
	Payload   []byte `json:"payload"`
}

// syncBatchWire is the sync-all wire shape from spec §6: a serialised
// {key -> Datum<Instances>} for upserts, or a delete key set.
type syncBatchWire struct {
	Upserts []datumWire `json:"upserts,omitempty"`
	Deletes []string    `json:"deletes,omitempty"`
}

// EncodeSyncBatch serialises upserts (full Datums) and deletes (bare
// keys) into the sync-all wire format.
func EncodeSyncBatch(upserts map[string]store.Datum[any], deletes []string, vc ValueCodec) ([]byte, error) {
	w := syncBatchWire{Deletes: deletes}
	for k, d := range upserts {
		kind, _, err := codec.ParseKey(k)
		if err != nil {
			return nil, err
		}
		payload, err := vc.EncodeValue(kind, d.Value)
		if err != nil {
			return nil, err
		}
		w.Upserts = append(w.Upserts, datumWire{
			Key: k, Kind: int(kind), Timestamp: d.Timestamp, Checksum: d.Checksum, Payload: payload,
		})
	}
	return sonic.Marshal(w)
}

// DecodeSyncBatch is the inverse of EncodeSyncBatch.
func DecodeSyncBatch(data []byte, vc ValueCodec) (upserts map[string]store.Datum[any], deletes []string, err error) {
	var w syncBatchWire
	if err := sonic.Unmarshal(data, &w); err != nil {
		return nil, nil, err
	}
	upserts = make(map[string]store.Datum[any], len(w.Upserts))
	for _, dw := range w.Upserts {
		v, err := vc.DecodeValue(codec.Kind(dw.Kind), dw.Payload)
		if err != nil {
			return nil, nil, err
		}
		upserts[dw.Key] = store.Datum[any]{Key: dw.Key, Value: v, Timestamp: dw.Timestamp, Checksum: dw.Checksum}
	}
	return upserts, w.Deletes, nil
}

// EncodeVerifyMap serialises the periodic-verify checksum advertisement:
// {key -> checksum} for every key this node owns.
func EncodeVerifyMap(checksums map[string]string) ([]byte, error) {
	return sonic.Marshal(checksums)
}

// DecodeVerifyMap is the inverse of EncodeVerifyMap.
func DecodeVerifyMap(data []byte) (map[string]string, error) {
	var m map[string]string
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// pullRequestWire is the §6 pull request body: {prefix, ownerServer, keys[]}.
type pullRequestWire struct {
	Prefix      string   `json:"prefix"`
	OwnerServer string   `json:"ownerServer"`
	Keys        []string `json:"keys"`
}

// EncodePullRequest serialises a pull request for the named keys.
func EncodePullRequest(ownerServer string, keys []string) ([]byte, error) {
	return sonic.Marshal(pullRequestWire{OwnerServer: ownerServer, Keys: keys})
}

// DecodePullRequest is the inverse of EncodePullRequest.
func DecodePullRequest(data []byte) (ownerServer string, keys []string, err error) {
	var w pullRequestWire
	if err := sonic.Unmarshal(data, &w); err != nil {
		return "", nil, err
	}
	return w.OwnerServer, w.Keys, nil
}

// EncodePullResponse serialises the Datums a pull request resolved to.
func EncodePullResponse(found map[string]store.Datum[any], vc ValueCodec) ([]byte, error) {
	return EncodeSyncBatch(found, nil, vc)
}

// DecodePullResponse is the inverse of EncodePullResponse.
func DecodePullResponse(data []byte, vc ValueCodec) (map[string]store.Datum[any], error) {
	upserts, _, err := DecodeSyncBatch(data, vc)
	return upserts, err
}
