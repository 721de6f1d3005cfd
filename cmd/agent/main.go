// agent is the fleetwatch daemon. It serves the status API, the status
// stream and Prometheus metrics, runs scheduled health checks, reaps checks
// left hanging by crashed workers, and optionally mirrors device status onto
// Kubernetes node taints.
//
// Usage:
//
//	agent [--config=<path>] [--node-name=<name>] [--provision-missing]
//
// With --node-name (or NODE_NAME) the agent runs in per-node mode: scheduled
// checks cover that node only and, when Kubernetes is enabled, a node that
// turns Ready is checked and reconciled right away. Without it the agent
// checks the whole fleet.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/justin-oleary/fleetwatch/pkg/api"
	"github.com/justin-oleary/fleetwatch/pkg/config"
	"github.com/justin-oleary/fleetwatch/pkg/device"
	"github.com/justin-oleary/fleetwatch/pkg/docstore"
	"github.com/justin-oleary/fleetwatch/pkg/healthcheck"
	"github.com/justin-oleary/fleetwatch/pkg/k8s"
	"github.com/justin-oleary/fleetwatch/pkg/metrics"
	"github.com/justin-oleary/fleetwatch/pkg/schedule"
	"github.com/justin-oleary/fleetwatch/pkg/status"
	"github.com/justin-oleary/fleetwatch/pkg/stream"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

const (
	jobFleetCheck = "fleet-check"
	jobReapStale  = "reap-stale"
	reapSpec      = "@every 1m"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	var (
		configPath       string
		nodeName         string
		provisionMissing bool
	)
	flags := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", os.Getenv("FLEETWATCH_CONFIG"), "path to fleetwatch.yaml (defaults apply when empty)")
	flags.StringVar(&nodeName, "node-name", os.Getenv("NODE_NAME"), "check only this node (per-node mode)")
	flags.BoolVar(&provisionMissing, "provision-missing", true, "create Unhealthy status files for devices that have none")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("invalid flags", "err", err)
		os.Exit(2)
	}

	if err := run(configPath, nodeName, provisionMissing); err != nil {
		slog.Error("agent failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath, nodeName string, provisionMissing bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	topo := cfg.Fleet.Topology()
	if nodeName != "" && !topo.HasNode(nodeName) {
		return fmt.Errorf("node %q is not part of the configured fleet", nodeName)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	statuses := status.NewStore(cfg.Fleet.StatusRoot,
		status.WithRetry(cfg.HealthCheck.ReadAttempts, cfg.HealthCheck.ReadBackoff),
		status.WithMaxCheckingAge(cfg.HealthCheck.MaxCheckingAge),
	)
	if provisionMissing {
		n, err := statuses.EnsureProvisioned(topo)
		if err != nil {
			return fmt.Errorf("provision status tree: %w", err)
		}
		if n > 0 {
			slog.Info("provisioned missing status files", "count", n)
		}
	}

	docs, err := docstore.Open(cfg.Fleet.DocumentRoot, docstore.WithSkipHook(func(path string, err error) {
		metrics.SkippedDocuments.Inc()
		slog.Debug("skipped unreadable document", "path", path, "err", err)
	}))
	if err != nil {
		return err
	}
	devices := device.NewRegistry(docs)

	dummy := healthcheck.NewSwappableProbe(dummyProbe(cfg))
	statistical := healthcheck.NewSwappableProbe(statisticalProbe(cfg, devices))
	checker := healthcheck.NewChecker(
		status.NewMachine(statuses, slog.Default()),
		healthcheck.Registry{
			healthcheck.TypeDummy:       dummy,
			healthcheck.TypeStatistical: statistical,
		},
		topo, slog.Default(),
	)

	var checkType atomic.Value
	checkType.Store(cfg.HealthCheck.Type)
	currentType := func() string { return checkType.Load().(string) }

	var ctrl *k8s.Controller
	if cfg.Kubernetes.Enabled {
		clientset, err := newClientset()
		if err != nil {
			return err
		}
		ctrl = k8s.NewController(clientset, statuses, topo)
		if nodeName != "" {
			go watchNode(ctx, ctrl, clientset, checker, nodeName, currentType)
		}
	}

	sched := schedule.New(slog.Default())
	err = sched.Add(jobFleetCheck, cfg.HealthCheck.Schedule, func(ctx context.Context) {
		scheduledCheck(ctx, checker, ctrl, topo, nodeName, currentType())
	})
	if err != nil {
		return err
	}
	err = sched.Add(jobReapStale, reapSpec, func(ctx context.Context) {
		if _, err := statuses.ReapStale(ctx, topo); err != nil && ctx.Err() == nil {
			slog.Error("stale check reaper failed", "err", err)
		}
	})
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, func(next *config.Config) {
				dummy.Swap(dummyProbe(next))
				statistical.Swap(statisticalProbe(next, devices))
				checkType.Store(next.HealthCheck.Type)
				if err := sched.Reschedule(jobFleetCheck, next.HealthCheck.Schedule); err != nil {
					slog.Error("reschedule fleet check failed", "err", err)
				}
				if !sameTopology(next.Fleet.Topology(), topo) {
					slog.Warn("fleet topology changed in config; restart the agent to apply it")
				}
			})
			if err != nil {
				slog.Error("config watch stopped", "err", err)
			}
		}()
	}

	handler := api.New(api.Options{
		Statuses:  statuses,
		Topology:  topo,
		Devices:   devices,
		Checker:   checker,
		ReportTTL: cfg.Server.ReportCacheTTL,
		Logger:    slog.Default(),
	})
	hub := stream.New(handler, cfg.Server.StreamInterval)
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", handler)
	mux.Handle("/ws/status", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	slog.Info("fleetwatch agent starting",
		"nodes", len(topo.Nodes),
		"devices_per_node", topo.DevicesPerNode,
		"node_name", nodeName,
		"check_type", cfg.HealthCheck.Type,
		"schedule", cfg.HealthCheck.Schedule,
		"kubernetes", cfg.Kubernetes.Enabled,
	)

	errc := make(chan error, 2)
	go func() { errc <- serve(ctx, "api", cfg.Server.HTTPAddr, mux) }()
	go func() { errc <- serve(ctx, "metrics", cfg.Server.MetricsAddr, metricsMux) }()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		return nil
	case err := <-errc:
		return err
	}
}

func dummyProbe(cfg *config.Config) healthcheck.Probe {
	return &healthcheck.DummyProbe{
		PassProbability: cfg.HealthCheck.PassProbability,
		Duration:        cfg.HealthCheck.Duration,
	}
}

func statisticalProbe(cfg *config.Config, devices *device.Registry) healthcheck.Probe {
	return &healthcheck.StatisticalProbe{
		Devices:    devices,
		Metrics:    cfg.Classifier.WatchList(),
		Thresholds: cfg.Classifier.Thresholds,
	}
}

func sameTopology(a, b status.Topology) bool {
	if a.DevicesPerNode != b.DevicesPerNode || len(a.Nodes) != len(b.Nodes) {
		return false
	}
	for i := range a.Nodes {
		if a.Nodes[i] != b.Nodes[i] {
			return false
		}
	}
	return true
}

func newClientset() (kubernetes.Interface, error) {
	rc, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("load in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return clientset, nil
}

// serve runs an HTTP server on addr until ctx is cancelled. Exits cleanly on
// SIGINT/SIGTERM via srv.Shutdown.
func serve(ctx context.Context, name, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "server", name, "err", err)
		}
	}()

	slog.Info("server listening", "server", name, "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
