package distro

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"
)

// AddressResolver translates a peer identity (as used everywhere else in
// distro) into a dialable "host:port", or ok=false if the peer is
// currently unknown to cluster membership.
type AddressResolver func(peer string) (address string, ok bool)

// HTTPTransport is the concrete Transport used by cmd/server: it posts
// sync/verify/pull bodies to a peer's internal distro HTTP endpoints.
//
// Grounded on the teacher's internal/cluster/replicator.go
// sendReplicateRequest/doHTTPReplicate: same fixed-attempt exponential
// backoff and per-call context timeout, rewritten around distro's three
// endpoints instead of a single /internal/replicate route.
type HTTPTransport struct {
	self     string
	client   *http.Client
	resolve  AddressResolver
	attempts int
}

// NewHTTPTransport builds an HTTPTransport. self is this node's own peer
// ID, stamped onto outgoing verify requests so the recipient can attribute
// ownership against the mapper/membership by node ID rather than by
// source IP. attempts <= 0 defaults to 3.
func NewHTTPTransport(self string, resolve AddressResolver, attempts int) *HTTPTransport {
	if attempts <= 0 {
		attempts = 3
	}
	return &HTTPTransport{
		self:     self,
		client:   &http.Client{Timeout: 5 * time.Second},
		resolve:  resolve,
		attempts: attempts,
	}
}

func (t *HTTPTransport) SendSync(ctx context.Context, peer string, body []byte) error {
	_, err := t.postWithRetry(ctx, peer, "/distro/sync", body)
	return err
}

// SendVerify posts the checksum map to peer's /distro/verify, identifying
// this node by its node ID (not its source IP) via the "source" query
// param — mapper.Owner and membership.Resolve on the receiving side both
// key on node ID, so the recipient must learn ours to reconcile correctly.
func (t *HTTPTransport) SendVerify(ctx context.Context, peer string, body []byte) error {
	route := "/distro/verify?" + url.Values{"source": {t.self}}.Encode()
	_, err := t.postWithRetry(ctx, peer, route, body)
	return err
}

func (t *HTTPTransport) Pull(ctx context.Context, peer string, body []byte) ([]byte, error) {
	return t.postWithRetry(ctx, peer, "/distro/pull", body)
}

// postWithRetry POSTs body to peer's route with exponential backoff
// (100ms, 200ms, 400ms, ...) between attempts — thundering-herd
// prevention if a peer is momentarily overloaded, same rationale as the
// teacher's replicator.
func (t *HTTPTransport) postWithRetry(ctx context.Context, peer, route string, body []byte) ([]byte, error) {
	addr, ok := t.resolve(peer)
	if !ok {
		return nil, fmt.Errorf("distro: no known address for peer %q", peer)
	}
	url := fmt.Sprintf("http://%s%s", addr, route)

	var lastErr error
	for attempt := 0; attempt < t.attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))*100) * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := t.do(ctx, url, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("distro: %s to %s after %d attempts: %w", route, peer, t.attempts, lastErr)
}

func (t *HTTPTransport) do(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("peer returned HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
