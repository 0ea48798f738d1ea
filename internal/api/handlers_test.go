package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/distro-naming/navis/internal/cluster"
	"github.com/distro-naming/navis/internal/distro"
	"github.com/distro-naming/navis/internal/registry"
	"github.com/distro-naming/navis/internal/store"
)

type noopTransport struct{}

func (noopTransport) SendSync(context.Context, string, []byte) error   { return nil }
func (noopTransport) SendVerify(context.Context, string, []byte) error { return nil }
func (noopTransport) Pull(context.Context, string, []byte) ([]byte, error) {
	return nil, nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	self := "node-1"
	mapper := distro.NewMapper(self, []string{self})
	st := store.New()
	notifier := store.NewNotifier(64)
	t.Cleanup(notifier.Close)

	reg := registry.New(self, nil, st, notifier)
	proto := distro.NewProtocol(self, mapper, st, notifier, noopTransport{}, reg, reg, nil, distro.DefaultConfig())
	reg.AttachProtocol(proto)

	membership := cluster.NewMembership([]cluster.Node{{ID: self, Address: "127.0.0.1:8848"}})
	return NewHandler(reg, proto, membership, self, registry.DefaultConfig())
}

func router(h *Handler) *gin.Engine {
	r := gin.New()
	h.Register(r)
	return r
}

func TestRegisterThenQueryInstances(t *testing.T) {
	h := newTestHandler(t)
	r := router(h)

	req := httptest.NewRequest(http.MethodPost, "/nacos/v1/ns/instance?serviceName=svcA&ip=10.0.0.1&port=8080", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/nacos/v1/ns/instance/list?serviceName=svcA", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		Hosts []registry.Instance `json:"hosts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Hosts) != 1 {
		t.Fatalf("expected 1 host, got %d", len(body.Hosts))
	}
	if body.Hosts[0].IP != "10.0.0.1" {
		t.Fatalf("expected host ip 10.0.0.1, got %s", body.Hosts[0].IP)
	}
}

func TestDeregisterRemovesInstance(t *testing.T) {
	h := newTestHandler(t)
	r := router(h)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/nacos/v1/ns/instance?serviceName=svcA&ip=10.0.0.1&port=8080", nil))

	req := httptest.NewRequest(http.MethodDelete, "/nacos/v1/ns/instance?serviceName=svcA&ip=10.0.0.1&port=8080&clusterName=DEFAULT", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("deregister: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nacos/v1/ns/instance/list?serviceName=svcA", nil))
	var body struct {
		Hosts []registry.Instance `json:"hosts"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if len(body.Hosts) != 0 {
		t.Fatalf("expected 0 hosts after deregister, got %d", len(body.Hosts))
	}
}

func TestClusterJoinLeave(t *testing.T) {
	h := newTestHandler(t)
	r := router(h)

	req := httptest.NewRequest(http.MethodPost, "/cluster/join", strings.NewReader(`{"id":"node-2","address":"127.0.0.1:8849"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("join: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cluster/nodes", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("nodes: expected 200, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/cluster/leave", strings.NewReader(`{"id":"node-2"}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("leave: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDistroPullReturnsRegisteredKey(t *testing.T) {
	h := newTestHandler(t)
	r := router(h)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/nacos/v1/ns/instance?serviceName=svcA&ip=10.0.0.1&port=8080", nil))

	pullBody := `{"ownerServer":"node-1","keys":["com.alibaba.nacos.naming.iplist.ephemeral.public##DEFAULT_GROUP@@svcA"]}`
	req := httptest.NewRequest(http.MethodPost, "/distro/pull", strings.NewReader(pullBody))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("pull: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.Len() == 0 {
		t.Fatalf("expected a non-empty pull response body")
	}
}
