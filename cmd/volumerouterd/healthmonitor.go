package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/volumerouter/volumerouter/internal/circuit"
	"github.com/volumerouter/volumerouter/internal/distributed"
	healthmon "github.com/volumerouter/volumerouter/internal/health"
	"github.com/volumerouter/volumerouter/internal/objectrouter"
	"github.com/volumerouter/volumerouter/internal/routertransport"
	"github.com/volumerouter/volumerouter/internal/storage/blob"
)

// routerHealthComponent reports the object router's healthy-node count to
// the system-wide health monitor.
type routerHealthComponent struct {
	router *objectrouter.Router
}

func (c *routerHealthComponent) HealthCheck(ctx context.Context) error {
	if len(c.router.Nodes()) == 0 {
		return fmt.Errorf("object router has no known nodes")
	}
	return nil
}

func (c *routerHealthComponent) GetComponentName() string { return "object-router" }
func (c *routerHealthComponent) GetComponentType() string { return "routing" }

// clusterHealthComponent reports consensus liveness: a node is unhealthy if
// it can't see any leader.
type clusterHealthComponent struct {
	mgr *distributed.ClusterManager
}

func (c *clusterHealthComponent) HealthCheck(ctx context.Context) error {
	if c.mgr.GetLeader() == "" && !c.mgr.IsLeader() {
		return fmt.Errorf("cluster has no known leader")
	}
	return nil
}

func (c *clusterHealthComponent) GetComponentName() string { return "cluster-manager" }
func (c *clusterHealthComponent) GetComponentType() string { return "consensus" }

// blobHealthComponent reports blob backend reachability by stat-ing a
// well-known sentinel key the daemon writes on startup.
type blobHealthComponent struct {
	backend     blob.Backend
	sentinelKey string
}

func (c *blobHealthComponent) HealthCheck(ctx context.Context) error {
	if _, err := c.backend.StatObject(ctx, c.sentinelKey); err != nil {
		return fmt.Errorf("blob backend unreachable: %w", err)
	}
	return nil
}

func (c *blobHealthComponent) GetComponentName() string { return "blob-backend" }
func (c *blobHealthComponent) GetComponentType() string { return "storage" }

// newHealthMonitor builds the system-wide health monitor and registers the
// components whose failure should surface as alerts and, where configured,
// trigger auto-recovery. This is distinct from pkg/health.Tracker, which
// only tracks the router's own per-node up/down view for the admin API.
//
// It uses the enhanced monitor rather than the bare one so that a failing
// component gets a real diagnosis (healthmon.ProblemDiagnosis) and, where a
// safe automated fix exists, an actual remediation attempt instead of just
// an alert. transport/breakers/selfID are threaded through only to let the
// object-router remediation reuse the same peer-reconciliation routine the
// background refresh loop already runs.
func newHealthMonitor(cfg *healthmon.MonitorConfig, router *objectrouter.Router, clusterMgr *distributed.ClusterManager, backend blob.Backend, sentinelKey string, transport *routertransport.Client, breakers *circuit.Manager, selfID string, log *slog.Logger) (*healthmon.EnhancedMonitor, error) {
	monitor, err := healthmon.NewEnhancedMonitor(cfg)
	if err != nil {
		return nil, fmt.Errorf("create health monitor: %w", err)
	}

	if err := monitor.RegisterComponent(&routerHealthComponent{router: router}); err != nil {
		return nil, fmt.Errorf("register router health component: %w", err)
	}
	if err := monitor.RegisterComponent(&clusterHealthComponent{mgr: clusterMgr}); err != nil {
		return nil, fmt.Errorf("register cluster health component: %w", err)
	}
	if err := monitor.RegisterComponent(&blobHealthComponent{backend: backend, sentinelKey: sentinelKey}); err != nil {
		return nil, fmt.Errorf("register blob health component: %w", err)
	}

	registerRemediations(monitor, router, clusterMgr, backend, sentinelKey, transport, breakers, selfID, log)

	return monitor, nil
}

// registerRemediations wires a real automated fix for every component whose
// failure mode has one. A node-less router and a vanished sentinel object
// are both safe to retry unilaterally; losing a cluster leader is not
// (forcing a leadership change without consensus would make things worse),
// so "cluster-manager" gets diagnosis but no automated action.
func registerRemediations(monitor *healthmon.EnhancedMonitor, router *objectrouter.Router, clusterMgr *distributed.ClusterManager, backend blob.Backend, sentinelKey string, transport *routertransport.Client, breakers *circuit.Manager, selfID string, log *slog.Logger) {
	monitor.RegisterAutoFix("router_reconcile_peers", func(ctx context.Context) error {
		reconcilePeers(ctx, log, clusterMgr, router, transport, breakers, selfID)
		if len(router.Nodes()) == 0 {
			return fmt.Errorf("no peers reachable after reconciling against cluster membership")
		}
		return nil
	})
	monitor.RegisterRemediationRule(&healthmon.RemediationRule{
		CheckName: "object-router",
		Actions: []*healthmon.RemediationAction{{
			ID:            "router_reconcile_peers",
			Priority:      healthmon.PriorityHigh,
			Title:         "Reconcile router peers from cluster membership",
			Description:   "Re-ping every node the cluster manager knows about and re-add any that are now reachable",
			Automated:     true,
			EstimatedTime: 10 * time.Second,
			Impact:        "Low - only adds peers, never removes them",
			Category:      "routing",
		}},
	})

	monitor.RegisterAutoFix("blob_rewrite_sentinel", func(ctx context.Context) error {
		return backend.PutObject(ctx, sentinelKey, strings.NewReader("volumerouterd"), int64(len("volumerouterd")))
	})
	monitor.RegisterRemediationRule(&healthmon.RemediationRule{
		CheckName: "blob-backend",
		Actions: []*healthmon.RemediationAction{{
			ID:            "blob_rewrite_sentinel",
			Priority:      healthmon.PriorityCritical,
			Title:         "Rewrite health-check sentinel object",
			Description:   "Recreate the sentinel object the blob health check stats, in case it was deleted out from under us",
			Automated:     true,
			EstimatedTime: 5 * time.Second,
			Impact:        "Low - write of a fixed, tiny object",
			Category:      "storage",
		}},
	})
}
