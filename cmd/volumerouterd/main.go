// Command volumerouterd is the cluster-node daemon: it hosts a
// portion of the cluster's volumes and container files, routes
// requests for volumes owned elsewhere to their current owner, and
// exposes an admin/inspection API alongside Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/volumerouter/volumerouter/internal/circuit"
	"github.com/volumerouter/volumerouter/internal/clusternode"
	"github.com/volumerouter/volumerouter/internal/config"
	"github.com/volumerouter/volumerouter/internal/distributed"
	healthmon "github.com/volumerouter/volumerouter/internal/health"
	"github.com/volumerouter/volumerouter/internal/localnode"
	"github.com/volumerouter/volumerouter/internal/metrics"
	"github.com/volumerouter/volumerouter/internal/objectrouter"
	"github.com/volumerouter/volumerouter/internal/routertransport"
	"github.com/volumerouter/volumerouter/internal/scocache"
	"github.com/volumerouter/volumerouter/internal/storage/blob"
	"github.com/volumerouter/volumerouter/internal/storage/s3"
	"github.com/volumerouter/volumerouter/internal/volumeengine"
	"github.com/volumerouter/volumerouter/pkg/api"
	"github.com/volumerouter/volumerouter/pkg/health"
	"github.com/volumerouter/volumerouter/pkg/profiling"
	"github.com/volumerouter/volumerouter/pkg/scotypes"
	"github.com/volumerouter/volumerouter/pkg/status"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	nodeID := flag.String("node-id", "", "override router.id / this node's cluster identity")
	flag.Parse()

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "volumerouterd: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "volumerouterd: %v\n", err)
		os.Exit(1)
	}
	if *nodeID != "" {
		cfg.Router.ID = *nodeID
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "volumerouterd: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Storage.Bucket == "" {
		fmt.Fprintln(os.Stderr, "volumerouterd: storage.bucket must be set (config file or VOLUMEROUTER_BUCKET)")
		os.Exit(1)
	}
	if cfg.Router.ID == "" {
		fmt.Fprintln(os.Stderr, "volumerouterd: router.id must be set (-node-id, config file, or VOLUMEROUTER_NODE_ID)")
		os.Exit(1)
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("volumerouterd exiting", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Configuration) *slog.Logger {
	var level slog.Level
	switch cfg.Global.LogLevel {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Monitoring.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Configuration, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s3Backend, err := s3.NewBackend(ctx, cfg.Storage.Bucket, &s3.Config{
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		ForcePathStyle:  cfg.Storage.ForcePathStyle,
	})
	if err != nil {
		return fmt.Errorf("constructing blob backend: %w", err)
	}
	backend := blob.NewS3Backend(s3Backend)

	cache := scocache.New(scocache.Config{
		TriggerGap:             cfg.SCOCache.TriggerGap,
		BackoffGap:             cfg.SCOCache.BackoffGap,
		DiscountFactor:         cfg.SCOCache.DiscountFactor,
		DatastoreThrottleUsecs: cfg.SCOCache.DatastoreThrottleUsecs,
	}, log)
	defer cache.Close()

	mountpoints := cfg.SCOCache.MountPoints
	if len(mountpoints) == 0 {
		mountpoints = []config.SCOMountPointCfg{{Path: os.TempDir() + "/volumerouter-sco", Capacity: 1 << 30}}
		log.Warn("no scocache mountpoints configured, falling back to a single default", "path", mountpoints[0].Path)
	}
	mpCfgs := make([]scocache.MountpointConfig, 0, len(mountpoints))
	for _, mp := range mountpoints {
		if err := os.MkdirAll(mp.Path, 0750); err != nil {
			return fmt.Errorf("creating scocache mountpoint %s: %w", mp.Path, err)
		}
		mpCfgs = append(mpCfgs, scocache.MountpointConfig{Path: mp.Path, Capacity: mp.Capacity})
	}
	if err := cache.RestartMountpoints(mpCfgs); err != nil {
		return fmt.Errorf("restarting scocache mountpoints: %w", err)
	}

	metricsCollector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Namespace: "volumerouter",
		Subsystem: "node",
		Labels:    cfg.Monitoring.Metrics.CustomLabels,
	})
	if err != nil {
		return fmt.Errorf("constructing metrics collector: %w", err)
	}
	cache.OnMountpointOffline(func(*scocache.Mountpoint) {
		stats := cache.Stats()
		metricsCollector.UpdateMountpointsOffline(stats.Mountpoints - stats.OnlineMPs)
	})

	volumes := volumeengine.New(volumeengine.Config{SCOMultiplier: cfg.LocalNode.SCOMultiplier}, cache, backend)
	containers := volumeengine.NewContainerEngine(backend)

	clusterCfg := &distributed.ClusterConfig{
		NodeID:            cfg.Router.ID,
		ListenAddr:        cfg.Cluster.ListenAddr,
		AdvertiseAddr:     cfg.Cluster.AdvertiseAddr,
		SeedNodes:         cfg.Cluster.SeedNodes,
		JoinTimeout:       cfg.Cluster.JoinTimeout,
		ElectionTimeout:   cfg.Cluster.ElectionTimeout,
		HeartbeatInterval: cfg.Cluster.HeartbeatInterval,
	}
	clusterMgr, err := distributed.NewClusterManager(clusterCfg)
	if err != nil {
		return fmt.Errorf("constructing cluster manager: %w", err)
	}
	consensus, err := distributed.NewConsensusEngine(clusterMgr, clusterCfg)
	if err != nil {
		return fmt.Errorf("constructing consensus engine: %w", err)
	}
	if err := clusterMgr.Start(ctx); err != nil {
		return fmt.Errorf("starting cluster manager: %w", err)
	}
	if err := consensus.Start(ctx); err != nil {
		return fmt.Errorf("starting consensus engine: %w", err)
	}

	registry := objectrouter.NewConsensusRegistry(clusterMgr, consensus)

	localEngine := localnode.New(localnode.Config{
		SelfID:                  scotypes.NodeID(cfg.Router.ID),
		LocalIOSleepBeforeRetry: time.Duration(cfg.LocalNode.LocalIOSleepBeforeRetryUsecs) * time.Microsecond,
		LocalIORetries:          cfg.LocalNode.LocalIORetries,
		SCOMultiplier:           cfg.LocalNode.SCOMultiplier,
		LockReaperInterval:      cfg.LocalNode.LockReaperInterval,
	}, volumes, containers, registry, nil, log)
	defer localEngine.Close()

	local := clusternode.NewLocal(scotypes.NodeID(cfg.Router.ID), localEngine)

	breakers := circuit.NewManager(circuit.Config{MaxRequests: 1, Timeout: 30 * time.Second})
	transportClient := routertransport.NewClient(peerAddrResolver(clusterMgr), 30*time.Second)

	routerCfg := objectrouter.DefaultConfig()
	routerCfg.ID = scotypes.NodeID(cfg.Router.ID)
	routerCfg.ClusterID = cfg.Router.ClusterID
	if cfg.Router.VolumeReadThreshold > 0 {
		routerCfg.VolumeReadThreshold = cfg.Router.VolumeReadThreshold
		routerCfg.VolumeWriteThreshold = cfg.Router.VolumeWriteThreshold
		routerCfg.FileReadThreshold = cfg.Router.FileReadThreshold
		routerCfg.FileWriteThreshold = cfg.Router.FileWriteThreshold
	}
	if cfg.Router.RegistryCacheCapacity > 0 {
		routerCfg.RegistryCacheCapacity = cfg.Router.RegistryCacheCapacity
	}

	localPotential := func() bool {
		stats := cache.Stats()
		return stats.OnlineMPs > 0
	}

	router := objectrouter.New(routerCfg, registry, local, localPotential, localEngine.Restart, log)

	stopPeerRefresh := startPeerRefresh(ctx, log, clusterMgr, router, transportClient, breakers, cfg.Router.ID)
	defer stopPeerRefresh()

	transportServer := routertransport.NewServer(local, log)
	transportHTTP := &http.Server{Addr: cfg.Cluster.ListenAddr, Handler: transportServer}
	go func() {
		if err := transportHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("router transport server failed", "error", err)
		}
	}()

	statusTracker := status.NewTracker(status.DefaultTrackerConfig())
	healthTracker := health.NewTracker(health.DefaultConfig())
	healthTracker.RegisterComponent("blob_backend")
	healthTracker.RegisterComponent("sco_cache")
	healthTracker.RegisterComponent("object_router")

	apiServer := api.NewServer(api.ServerConfig{
		Address:       cfg.API.Address,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   60 * time.Second,
		EnableCORS:    true,
		EnableMetrics: cfg.Monitoring.Metrics.Enabled,
	}, statusTracker, healthTracker)
	apiServer.AttachRouter(router)
	apiServer.AttachCache(cache)
	apiServer.AttachBlobBackend(s3Backend)
	apiServer.StartBackground()

	var healthMon *healthmon.EnhancedMonitor
	if cfg.HealthMonitor.Enabled {
		sentinelKey := cfg.Router.ID + "/.sentinel"
		if err := backend.PutObject(ctx, sentinelKey, strings.NewReader("volumerouterd"), int64(len("volumerouterd"))); err != nil {
			return fmt.Errorf("volumerouterd: write health-check sentinel object: %w", err)
		}
		healthMon, err = newHealthMonitor(&healthmon.MonitorConfig{
			Enabled:          true,
			MonitorInterval:  cfg.HealthMonitor.CheckInterval,
			AlertingEnabled:  cfg.HealthMonitor.AlertingEnabled,
			AutoRecovery:     cfg.HealthMonitor.AutoRecovery,
			RecoveryAttempts: cfg.HealthMonitor.RecoveryAttempts,
		}, router, clusterMgr, backend, sentinelKey, transportClient, breakers, cfg.Router.ID, log)
		if err != nil {
			return fmt.Errorf("volumerouterd: start health monitor: %w", err)
		}
		if err := healthMon.Start(ctx); err != nil {
			return fmt.Errorf("volumerouterd: start health monitor: %w", err)
		}
		apiServer.AttachHealthMonitor(healthMon)
	}

	var memMon *profiling.MemoryMonitor
	if cfg.Global.ProfilePort > 0 {
		memMon = profiling.NewMemoryMonitor(profiling.MonitorConfig{
			Enabled:        true,
			Port:           cfg.Global.ProfilePort,
			SampleInterval: 30 * time.Second,
			MaxSamples:     120,
			EnablePprof:    true,
			EnableMetrics:  cfg.Monitoring.Metrics.Enabled,
		}, profiling.DefaultAlertThresholds())
		if err := memMon.Start(ctx); err != nil {
			log.Error("memory monitor failed to start", "error", err)
			memMon = nil
		}
	}

	log.Info("volumerouterd started",
		"node_id", cfg.Router.ID,
		"api_address", cfg.API.Address,
		"cluster_listen", cfg.Cluster.ListenAddr,
		"bucket", cfg.Storage.Bucket)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var shutdownErr error
	shutdownErr = multierr.Append(shutdownErr, apiServer.Shutdown(shutdownCtx))
	shutdownErr = multierr.Append(shutdownErr, transportHTTP.Shutdown(shutdownCtx))
	transportServer.Stop()
	if healthMon != nil {
		shutdownErr = multierr.Append(shutdownErr, healthMon.Stop())
	}
	if memMon != nil {
		shutdownErr = multierr.Append(shutdownErr, memMon.Stop(shutdownCtx))
	}
	shutdownErr = multierr.Append(shutdownErr, consensus.Stop())
	shutdownErr = multierr.Append(shutdownErr, clusterMgr.Stop())
	return shutdownErr
}

// peerAddrResolver resolves a node id to its router-transport base URL
// via the cluster manager's node table.
func peerAddrResolver(clusterMgr *distributed.ClusterManager) func(scotypes.NodeID) (string, error) {
	return func(id scotypes.NodeID) (string, error) {
		nodes := clusterMgr.GetNodes()
		info, ok := nodes[string(id)]
		if !ok {
			return "", fmt.Errorf("volumerouterd: no known address for node %s", id)
		}
		addr := info.Address
		if !strings.Contains(addr, "://") {
			addr = "http://" + addr
		}
		return addr, nil
	}
}

// startPeerRefresh periodically reconciles the router's peer handles
// against the cluster manager's membership view, pinging every newly
// seen peer concurrently before admitting it - one wedged peer
// shouldn't delay the rest of the fan-out from being added.
func startPeerRefresh(ctx context.Context, log *slog.Logger, clusterMgr *distributed.ClusterManager, router *objectrouter.Router, transport *routertransport.Client, breakers *circuit.Manager, selfID string) func() {
	done := make(chan struct{})
	ticker := time.NewTicker(5 * time.Second)

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				reconcilePeers(ctx, log, clusterMgr, router, transport, breakers, selfID)
			}
		}
	}()

	return func() {
		<-done
	}
}

func reconcilePeers(ctx context.Context, log *slog.Logger, clusterMgr *distributed.ClusterManager, router *objectrouter.Router, transport *routertransport.Client, breakers *circuit.Manager, selfID string) {
	known := make(map[scotypes.NodeID]bool)
	for _, info := range router.Nodes() {
		known[info.ID] = true
	}

	p := pool.New().WithMaxGoroutines(8)
	for nodeID := range clusterMgr.GetNodes() {
		id := scotypes.NodeID(nodeID)
		if id == scotypes.NodeID(selfID) || known[id] {
			continue
		}
		p.Go(func() {
			remote := clusternode.NewRemote(id, transport, breakers)
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := remote.Sync(pingCtx, clusternode.Object{}); err != nil {
				log.Debug("peer not yet reachable, will retry", "node", id, "error", err)
				return
			}
			router.AddNode(remote)
			log.Info("added peer to router", "node", id)
		})
	}
	p.Wait()
}
