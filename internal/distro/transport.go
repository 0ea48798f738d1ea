package distro

import "context"

// Transport is the only network abstraction the distro core depends on:
// it sends and receives opaque byte blobs to/from a named peer. Spec §1
// is explicit that HTTP transport itself is an external collaborator —
// this interface is the seam. internal/distro/httptransport.go supplies
// the concrete HTTP implementation used by cmd/server.
type Transport interface {
	// SendSync pushes a serialised sync batch (upserts + deletes) to
	// peer. No response body is expected.
	SendSync(ctx context.Context, peer string, body []byte) error
	// SendVerify sends a serialised checksum map to peer. No response
	// body is required by the protocol, but implementations may still
	// return one; callers ignore it.
	SendVerify(ctx context.Context, peer string, body []byte) error
	// Pull requests the Datums named in body (a serialised PullRequest)
	// from peer, returning the serialised response batch.
	Pull(ctx context.Context, peer string, body []byte) ([]byte, error)
}
