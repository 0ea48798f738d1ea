// Package api wires up the Gin HTTP router with the naming-service's
// client-facing, cluster-management, and server-to-server distro routes.
package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/distro-naming/navis/internal/cluster"
	"github.com/distro-naming/navis/internal/distro"
	"github.com/distro-naming/navis/internal/registry"
)

// Handler holds all dependencies injected from main.
type Handler struct {
	registry   *registry.Registry
	protocol   *distro.Protocol
	membership *cluster.Membership
	selfID     string
	cfg        registry.Config

	forwardClient *http.Client
}

// NewHandler creates a Handler.
func NewHandler(reg *registry.Registry, protocol *distro.Protocol, membership *cluster.Membership, selfID string, cfg registry.Config) *Handler {
	return &Handler{
		registry:      reg,
		protocol:      protocol,
		membership:    membership,
		selfID:        selfID,
		cfg:           cfg,
		forwardClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	ns := r.Group("/nacos/v1/ns")
	ns.POST("/instance", h.RegisterInstance)
	ns.DELETE("/instance", h.DeregisterInstance)
	ns.PUT("/instance/beat", h.Beat)
	ns.GET("/instance/list", h.QueryInstances)

	clusterGroup := r.Group("/cluster")
	clusterGroup.POST("/join", h.Join)
	clusterGroup.POST("/leave", h.Leave)
	clusterGroup.GET("/nodes", h.ListNodes)

	internal := r.Group("/distro")
	internal.POST("/sync", h.DistroSync)
	internal.POST("/verify", h.DistroVerify)
	internal.POST("/pull", h.DistroPull)
}

// ─── Public naming-service handlers, spec §6 ───────────────────────────

// RegisterInstance handles POST /nacos/v1/ns/instance.
func (h *Handler) RegisterInstance(c *gin.Context) {
	ns, group, service := c.DefaultQuery("namespaceId", "public"), defaultGroup(c), c.Query("serviceName")
	inst, err := parseInstance(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.cfg.HeartbeatTimeout > 0 {
		inst.HeartbeatTimeoutMs = h.cfg.HeartbeatTimeout.Milliseconds()
	}
	if h.cfg.DeleteTimeout > 0 {
		inst.DeleteTimeoutMs = h.cfg.DeleteTimeout.Milliseconds()
	}

	if _, err := h.registry.Register(ns, group, service, inst); err != nil {
		h.writeOrForward(c, group, service, err)
		return
	}
	c.String(http.StatusOK, "ok")
}

// DeregisterInstance handles DELETE /nacos/v1/ns/instance, per spec §6's
// six-parameter delete form.
func (h *Handler) DeregisterInstance(c *gin.Context) {
	ns, group, service := c.DefaultQuery("namespaceId", "public"), defaultGroup(c), c.Query("serviceName")
	ip := c.Query("ip")
	port, _ := strconv.Atoi(c.Query("port"))
	clusterName := c.DefaultQuery("clusterName", "DEFAULT")

	err := h.registry.Deregister(ns, group, service, ip, port, clusterName)
	if err != nil {
		h.writeOrForward(c, group, service, err)
		return
	}
	c.String(http.StatusOK, "ok")
}

// Beat handles PUT /nacos/v1/ns/instance/beat.
func (h *Handler) Beat(c *gin.Context) {
	ns, group, service := c.DefaultQuery("namespaceId", "public"), defaultGroup(c), c.Query("serviceName")
	ip := c.Query("ip")
	port, _ := strconv.Atoi(c.Query("port"))
	clusterName := c.DefaultQuery("clusterName", "DEFAULT")

	err := h.registry.Beat(ns, group, service, ip, port, clusterName)
	if err != nil {
		h.writeOrForward(c, group, service, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clientBeatInterval": 5000})
}

// QueryInstances handles GET /nacos/v1/ns/instance/list. Reads never
// need owner forwarding — every peer mirrors every key via distro.
func (h *Handler) QueryInstances(c *gin.Context) {
	ns, group, service := c.DefaultQuery("namespaceId", "public"), defaultGroup(c), c.Query("serviceName")
	healthyOnly := c.Query("healthyOnly") == "true"

	instances, err := h.registry.List(ns, group, service)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	hosts := make([]registry.Instance, 0, len(instances))
	for _, inst := range instances {
		if healthyOnly && !inst.Healthy {
			continue
		}
		hosts = append(hosts, inst)
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        group + "@@" + service,
		"groupName":   group,
		"hosts":       hosts,
		"lastRefTime": time.Now().UnixMilli(),
	})
}

func parseInstance(c *gin.Context) (registry.Instance, error) {
	port, err := strconv.Atoi(c.Query("port"))
	if err != nil {
		return registry.Instance{}, fmt.Errorf("invalid port: %w", err)
	}
	weight := 1.0
	if w := c.Query("weight"); w != "" {
		if parsed, err := strconv.ParseFloat(w, 64); err == nil {
			weight = parsed
		}
	}
	inst := registry.Instance{
		IP:          c.Query("ip"),
		Port:        port,
		ClusterName: c.DefaultQuery("clusterName", "DEFAULT"),
		Ephemeral:   c.DefaultQuery("ephemeral", "true") == "true",
		Healthy:     true,
		Weight:      weight,
	}
	inst.LastBeat = time.Now().UnixMilli()
	inst.ApplyDefaults()
	return inst, nil
}

func defaultGroup(c *gin.Context) string {
	return c.DefaultQuery("groupName", "DEFAULT_GROUP")
}

// writeOrForward handles distro.ErrNotOwner by proxying the original
// request to the owning peer over HTTP and relaying its response,
// rather than teaching the distro core anything about "not my key" —
// see DESIGN.md's internal/distro entry for the rationale.
func (h *Handler) writeOrForward(c *gin.Context, group, service string, err error) {
	if err != distro.ErrNotOwner {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	owner := h.protocol.Mapper().Owner(group + "@@" + service)
	addr, ok := h.membership.Resolve(owner)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": fmt.Sprintf("owner %q unknown to this node", owner)})
		return
	}

	url := fmt.Sprintf("http://%s%s?%s", addr, c.Request.URL.Path, c.Request.URL.RawQuery)
	req, reqErr := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, url, bytes.NewReader(nil))
	if reqErr != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": reqErr.Error()})
		return
	}

	resp, doErr := h.forwardClient.Do(req)
	if doErr != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("forward to owner %q: %v", owner, doErr)})
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), body)
}

// ─── Cluster management handlers ────────────────────────────────────────

// Join handles POST /cluster/join. Body: {"id": "...", "address": "host:port"}
func (h *Handler) Join(c *gin.Context) {
	var node cluster.Node
	if err := c.ShouldBindJSON(&node); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.membership.Join(node); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"joined": node.ID})
}

// Leave handles POST /cluster/leave. Body: {"id": "..."}
func (h *Handler) Leave(c *gin.Context) {
	var body struct {
		ID string `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.membership.Leave(body.ID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": body.ID})
}

// ListNodes handles GET /cluster/nodes.
func (h *Handler) ListNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": h.membership.All()})
}

// ─── Server-to-server distro handlers, spec §6 ─────────────────────────

// DistroSync handles POST /distro/sync: a peer pushing its batch of
// upserts/deletes for keys it owns.
func (h *Handler) DistroSync(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.protocol.ApplyIncomingSync(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// DistroVerify handles POST /distro/verify: a peer advertising the
// checksums of everything it owns.
func (h *Handler) DistroVerify(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	source, ok := c.GetQuery("source")
	if !ok || source == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing source node ID"})
		return
	}
	if err := h.protocol.OnReceiveChecksums(c.Request.Context(), source, body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// DistroPull handles POST /distro/pull: a peer requesting the full
// Datums for a set of keys it found mismatched during verify.
func (h *Handler) DistroPull(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp, err := h.protocol.HandlePullRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", resp)
}
