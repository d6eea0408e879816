// Command voxelserver is the process entrypoint: it loads configuration,
// wires the chunk store, worker pools, account client, and network hub
// together, and serves the WebSocket upgrade endpoint until signalled to
// stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"voxelstream/internal/accountsvc"
	"voxelstream/internal/blockactions"
	"voxelstream/internal/config"
	"voxelstream/internal/logging"
	"voxelstream/internal/network"
	"voxelstream/internal/streaming"
	"voxelstream/internal/telemetry"
	"voxelstream/internal/world"
	"voxelstream/internal/worldgen"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checking belongs to the web backend/load balancer in front of
	// this process, not the game server itself.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	log := logging.New("voxelserver")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("load config: %v", err)
		os.Exit(1)
	}

	accountBaseURL := os.Getenv("ACCOUNT_SERVICE_URL")
	if accountBaseURL == "" {
		accountBaseURL = "https://accounts.example.invalid"
	}

	masterSeed := os.Getenv("WORLD_SEED")
	if masterSeed == "" {
		masterSeed = "voxelstream-default-seed"
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)
	genPool := worldgen.NewGenerationPool(4, masterSeed, metrics)
	serPool := worldgen.NewSerializePool(4, metrics)
	store := world.NewStore(4096, genPool, metrics)
	blocks := blockactions.NewService(store, metrics)
	hub := network.NewHub()
	account := accountsvc.New(accountBaseURL)

	deps := network.Deps{
		Account: account,
		Store:   store,
		SerPool: serPool,
		Blocks:  blocks,
		Hub:     hub,
		Metrics: metrics,
		Log:     logging.New("session"),
		StreamerOpts: streaming.Options{
			RenderRadiusChunks:           cfg.RenderDistanceChunks,
			InitialChunkGenerationWaitMS: cfg.InitialChunkGenerationWaitMS,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", makeWebSocketHandler(deps, log))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	port := config.Port()
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("listening on :%d (render distance %d chunks, max players %d)",
			port, cfg.RenderDistanceChunks, cfg.MaxPlayers)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Printf("shutting down")
		return server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		runEvictionLoop(groupCtx, store, hub)
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Errorf("server exited with error: %v", err)
		os.Exit(1)
	}
}

// runEvictionLoop drives Store eviction on its own cadence, with full
// visibility into every session's outstanding/loaded chunks via
// hub.IsPinned — never from inside chunk generation, which has no such
// visibility (spec §3/§4.2/§8).
func runEvictionLoop(ctx context.Context, store *world.Store, hub *network.Hub) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			store.EvictIfOverCapacity(hub.IsPinned)
		case <-ctx.Done():
			return
		}
	}
}

// makeWebSocketHandler upgrades the HTTP request and hands the resulting
// connection to RunSession, which owns it for the rest of its life.
func makeWebSocketHandler(deps network.Deps, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("upgrade failed: %v", err)
			return
		}
		network.RunSession(r.Context(), conn, deps)
	}
}
