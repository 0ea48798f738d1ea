// cmd/server is the main entrypoint for a naming-service node.
//
// Configuration is entirely via flags so a single binary can serve any
// role in the cluster.
//
// Example — single node:
//
//	./server --id node1 --addr :8848
//
// Example — 3-node cluster:
//
//	./server --id node1 --addr :8848 \
//	         --peers node2=localhost:8849,node3=localhost:8850
//	./server --id node2 --addr :8849 \
//	         --peers node1=localhost:8848,node3=localhost:8850
//	./server --id node3 --addr :8850 \
//	         --peers node1=localhost:8848,node2=localhost:8849
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/distro-naming/navis/internal/api"
	"github.com/distro-naming/navis/internal/cluster"
	"github.com/distro-naming/navis/internal/distro"
	"github.com/distro-naming/navis/internal/registry"
	"github.com/distro-naming/navis/internal/store"
)

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	nodeID := flag.String("id", "node1", "Unique node identifier")
	addr := flag.String("addr", ":8848", "Listen address (host:port)")
	peersFlag := flag.String("peers", "", "Comma-separated list of peer nodes: id=host:port")
	healthCheckEnabled := flag.Bool("health-check", true, "Enable the beat-check liveness sweep")
	expireInstance := flag.Bool("expire-instance", true, "Delete instances silent past deleteTimeoutMs")
	dataWarmup := flag.Bool("data-warmup", true, "Withhold availability until distro reports initialized")
	flag.Parse()

	// ── Cluster membership ───────────────────────────────────────────────────
	selfNode := cluster.Node{ID: *nodeID, Address: *addr}
	nodes := []cluster.Node{selfNode}
	if *peersFlag != "" {
		for _, entry := range strings.Split(*peersFlag, ",") {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				log.Fatalf("invalid peer format %q: expected id=host:port", entry)
			}
			nodes = append(nodes, cluster.Node{ID: parts[0], Address: parts[1]})
		}
	}
	membership := cluster.NewMembership(nodes)

	peerIDs := membership.PeerIDs()
	mapper := distro.NewMapper(*nodeID, peerIDs)
	membership.OnChange(func(ids []string) { mapper.UpdatePeers(ids) })

	// ── Storage + registry/protocol (mutually referential, see
	// Registry.AttachProtocol) ──────────────────────────────────────────────
	st := store.New()
	notifier := store.NewNotifier(1 << 20)
	defer notifier.Close()

	cfg := registry.DefaultConfig()
	cfg.HealthCheckEnabled = *healthCheckEnabled
	cfg.ExpireInstance = *expireInstance
	cfg.DataWarmup = *dataWarmup

	reg := registry.New(*nodeID, nil, st, notifier)
	transport := distro.NewHTTPTransport(*nodeID, membership.Resolve, 3)
	protocol := distro.NewProtocol(*nodeID, mapper, st, notifier, transport, reg, reg, distro.SystemClock{}, cfg.DistroConfig())
	reg.AttachProtocol(protocol)

	sink := loggingEventSink{}
	beatCheck := registry.NewBeatCheck(reg, mapper, cfg.BeatCheckConfigFrom(), sink)

	// ── HTTP server ──────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(), api.Recovery())

	handler := api.NewHandler(reg, protocol, membership, *nodeID, cfg)
	handler.Register(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"node":      *nodeID,
			"status":    "ok",
			"available": registry.IsAvailable(protocol, cfg.DataWarmup, false),
			"nodes":     len(membership.All()),
		})
	})

	srv := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// ── Background tasks ───────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go protocol.RunVerifyLoop()
	go beatCheck.Run(ctx)

	// ── Graceful shutdown ──────────────────────────────────────────────────
	go func() {
		log.Printf("Node %s listening on %s (%d peer(s))", *nodeID, *addr, len(peerIDs)-1)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down node", *nodeID)
	cancel()
	beatCheck.Stop()
	protocol.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}

// loggingEventSink implements registry.EventSink by logging — a full
// deployment would wire this to metrics/push instead.
type loggingEventSink struct{}

func (loggingEventSink) ServiceChanged(ns, group, service string) {
	log.Printf("beat-check: service changed %s/%s@@%s", ns, group, service)
}

func (loggingEventSink) HeartbeatTimeout(ns, group, service, instanceIdentity string) {
	log.Printf("beat-check: heartbeat timeout %s/%s@@%s instance=%s", ns, group, service, instanceIdentity)
}
