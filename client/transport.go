package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
)

// Transport talks to ONE naming-service node over HTTP.
//
// Important: a Transport does not implement distro or cluster logic — it
// sends requests to whichever node it's pointed at, and that node is
// responsible for forwarding a write to the service's owner if it isn't
// the owner itself. Transport just moves bytes.
type Transport struct {
	baseURL    string
	httpClient *http.Client
}

// NewTransport creates a Transport. timeout protects every call from
// hanging forever — never call the network without one.
func NewTransport(baseURL string, timeout time.Duration) *Transport {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Transport{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BeatResponse is returned by SendBeat; the server may hand back an
// updated period, which the heartbeat reactor adopts for its next beat.
type BeatResponse struct {
	ClientBeatInterval int64 `json:"clientBeatInterval"`
}

// RegisterInstance registers inst under (namespaceId, groupName, serviceName).
func (t *Transport) RegisterInstance(ctx context.Context, namespaceID, groupName, serviceName string, inst Instance) error {
	q := url.Values{}
	q.Set("namespaceId", namespaceID)
	q.Set("groupName", groupName)
	q.Set("serviceName", serviceName)
	q.Set("ip", inst.IP)
	q.Set("port", strconv.Itoa(inst.Port))
	q.Set("clusterName", clusterNameOr(inst.ClusterName))
	q.Set("ephemeral", strconv.FormatBool(inst.Ephemeral))
	q.Set("weight", strconv.FormatFloat(weightOr(inst.Weight), 'f', -1, 64))

	resp, err := t.do(ctx, http.MethodPost, "/nacos/v1/ns/instance", q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// DeregisterInstance removes the instance identified by (ip, port, clusterName).
func (t *Transport) DeregisterInstance(ctx context.Context, namespaceID, groupName, serviceName, ip string, port int, clusterName string) error {
	q := url.Values{}
	q.Set("namespaceId", namespaceID)
	q.Set("groupName", groupName)
	q.Set("serviceName", serviceName)
	q.Set("ip", ip)
	q.Set("port", strconv.Itoa(port))
	q.Set("clusterName", clusterNameOr(clusterName))

	resp, err := t.do(ctx, http.MethodDelete, "/nacos/v1/ns/instance", q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// SendBeat issues a heartbeat for (ip, port, clusterName).
func (t *Transport) SendBeat(ctx context.Context, namespaceID, groupName, serviceName, ip string, port int, clusterName string) (BeatResponse, error) {
	q := url.Values{}
	q.Set("namespaceId", namespaceID)
	q.Set("groupName", groupName)
	q.Set("serviceName", serviceName)
	q.Set("ip", ip)
	q.Set("port", strconv.Itoa(port))
	q.Set("clusterName", clusterNameOr(clusterName))

	resp, err := t.do(ctx, http.MethodPut, "/nacos/v1/ns/instance/beat", q, nil)
	if err != nil {
		return BeatResponse{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return BeatResponse{}, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return BeatResponse{}, err
	}
	var out BeatResponse
	return out, sonic.Unmarshal(body, &out)
}

// QueryInstances fetches the current ServiceInfo. udpPort, when non-zero,
// registers this caller for server push targeted at that port — the
// long-poll variant spec §4.G describes.
func (t *Transport) QueryInstances(ctx context.Context, namespaceID, groupName, serviceName, clusters string, udpPort int, healthyOnly bool) (ServiceInfo, error) {
	q := url.Values{}
	q.Set("namespaceId", namespaceID)
	q.Set("groupName", groupName)
	q.Set("serviceName", serviceName)
	if clusters != "" {
		q.Set("clusters", clusters)
	}
	if udpPort > 0 {
		q.Set("udpPort", strconv.Itoa(udpPort))
	}
	if healthyOnly {
		q.Set("healthyOnly", "true")
	}

	resp, err := t.do(ctx, http.MethodGet, "/nacos/v1/ns/instance/list", q, nil)
	if err != nil {
		return ServiceInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ServiceInfo{}, ErrNotFound
	}
	if err := checkStatus(resp); err != nil {
		return ServiceInfo{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ServiceInfo{}, err
	}
	info, err := parseServiceInfo(body)
	if err != nil {
		return ServiceInfo{}, err
	}
	info.Name = serviceName
	info.GroupName = groupName
	info.Clusters = clusters
	return info, nil
}

// RefreshOnly keeps a server push session alive without expecting (or
// caring about) the response body — spec §4.G's UpdateTask "refresh-only"
// branch, used when the cached ServiceInfo is already newer than what a
// scheduled poll would fetch.
func (t *Transport) RefreshOnly(ctx context.Context, namespaceID, groupName, serviceName, clusters string, udpPort int) {
	_, _ = t.QueryInstances(ctx, namespaceID, groupName, serviceName, clusters, udpPort, false)
}

// JoinCluster and LeaveCluster pass through to the membership API so the
// CLI can double as a cluster admin tool.
func (t *Transport) JoinCluster(ctx context.Context, nodeID, address string) error {
	body, _ := sonic.Marshal(map[string]string{"id": nodeID, "address": address})
	resp, err := t.do(ctx, http.MethodPost, "/cluster/join", nil, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (t *Transport) LeaveCluster(ctx context.Context, nodeID string) error {
	body, _ := sonic.Marshal(map[string]string{"id": nodeID})
	resp, err := t.do(ctx, http.MethodPost, "/cluster/leave", nil, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// GetRaw performs a raw GET and returns the body as a string — useful for
// endpoints like /cluster/nodes that don't fit the typed API.
func (t *Transport) GetRaw(ctx context.Context, path string) (string, error) {
	resp, err := t.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

func (t *Transport) do(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	u := t.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func clusterNameOr(s string) string {
	if s == "" {
		return "DEFAULT"
	}
	return s
}

func weightOr(w float64) float64 {
	if w <= 0 {
		return 1.0
	}
	return w
}

// ─── Errors ─────────────────────────────────────────────────────────────

// ErrNotFound is returned when the server has no record of a service at all.
var ErrNotFound = fmt.Errorf("service not found")

// APIError carries the HTTP status and message from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = sonic.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
