// healthcheck runs device health checks from the command line and prints a
// structured JSON report to stdout.
//
// Usage:
//
//	healthcheck --all [--type=<name>] [--config=<path>]
//	healthcheck --node=<node> [--gpu=<index>] [--type=<name>]
//	healthcheck --provision
//
// --node accepts a node name or, for the default node0..nodeN layout, a bare
// node number. --provision resets every device in the configured fleet to
// Unhealthy, creating the status tree if needed.
//
// Check types:
//
//	dummy        Wait, then pass with the configured probability (default 90%).
//	statistical  Judge the device's latest benchmark record against its
//	             history and fail it beyond the unhealthy sigma threshold.
//
// Exit status is 0 when the scan ran, 1 when it was aborted or failed to
// start, and 2 on bad flags. A device verdict of fail does not change the
// exit status; read summary.verdict for that.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/justin-oleary/fleetwatch/pkg/config"
	"github.com/justin-oleary/fleetwatch/pkg/device"
	"github.com/justin-oleary/fleetwatch/pkg/docstore"
	"github.com/justin-oleary/fleetwatch/pkg/healthcheck"
	"github.com/justin-oleary/fleetwatch/pkg/metrics"
	"github.com/justin-oleary/fleetwatch/pkg/status"
)

type report struct {
	Timestamp string               `json:"timestamp"`
	Hostname  string               `json:"hostname"`
	Type      string               `json:"type"`
	Scope     string               `json:"scope"` // "all" | node | node/gpuN
	Error     string               `json:"error,omitempty"`
	Results   []healthcheck.Result `json:"results"`
	Summary   healthcheck.Summary  `json:"summary"`
}

type options struct {
	all        bool
	node       string
	gpu        int
	checkType  string
	configPath string
	provision  bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var o options
	flags := pflag.NewFlagSet("healthcheck", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.BoolVar(&o.all, "all", false, "check every device of every node")
	flags.StringVar(&o.node, "node", "", "check one node (name or number)")
	flags.IntVar(&o.gpu, "gpu", -1, "check one GPU of --node")
	flags.StringVar(&o.checkType, "type", "", "check type: dummy, statistical (default from config)")
	flags.StringVar(&o.configPath, "config", os.Getenv("FLEETWATCH_CONFIG"), "path to fleetwatch.yaml")
	flags.BoolVar(&o.provision, "provision", false, "reset every device to Unhealthy and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if o.gpu >= 0 && o.node == "" {
		fmt.Fprintln(stderr, "--gpu requires --node")
		return 2
	}
	if !o.all && o.node == "" && !o.provision {
		fmt.Fprintln(stderr, "Please specify --all, --node <node>, or both --node <node> and --gpu <gpu>.")
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(stderr, nil))

	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	topo := cfg.Fleet.Topology()
	statuses := status.NewStore(cfg.Fleet.StatusRoot,
		status.WithRetry(cfg.HealthCheck.ReadAttempts, cfg.HealthCheck.ReadBackoff),
		status.WithMaxCheckingAge(cfg.HealthCheck.MaxCheckingAge),
		status.WithLogger(logger),
	)

	if o.provision {
		if err := statuses.Provision(topo); err != nil {
			fmt.Fprintf(stderr, "provision: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "provisioned %d nodes x %d GPUs under %s\n",
			len(topo.Nodes), topo.DevicesPerNode, statuses.Root())
		return 0
	}

	docs, err := docstore.Open(cfg.Fleet.DocumentRoot, docstore.WithSkipHook(func(path string, err error) {
		metrics.SkippedDocuments.Inc()
		logger.Debug("skipped unreadable document", "path", path, "err", err)
	}))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	probes := healthcheck.Registry{
		healthcheck.TypeDummy: &healthcheck.DummyProbe{
			PassProbability: cfg.HealthCheck.PassProbability,
			Duration:        cfg.HealthCheck.Duration,
		},
		healthcheck.TypeStatistical: &healthcheck.StatisticalProbe{
			Devices:    device.NewRegistry(docs),
			Metrics:    cfg.Classifier.WatchList(),
			Thresholds: cfg.Classifier.Thresholds,
		},
	}
	checker := healthcheck.NewChecker(status.NewMachine(statuses, logger), probes, topo, logger)

	if o.checkType == "" {
		o.checkType = cfg.HealthCheck.Type
	}
	if o.node != "" {
		o.node = resolveNode(topo, o.node)
	}

	hostname, _ := os.Hostname()
	r := report{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostname,
		Type:      o.checkType,
	}
	r.Results, r.Scope, err = execute(ctx, checker, o)
	if r.Results == nil {
		r.Results = []healthcheck.Result{}
	}
	r.Summary = healthcheck.Summarize(r.Results)
	if err != nil {
		r.Error = err.Error()
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(r); encErr != nil {
		fmt.Fprintf(stderr, "json encode: %v\n", encErr)
		return 1
	}
	if err != nil {
		return 1
	}
	return 0
}

// execute dispatches to the narrowest scope the flags name.
func execute(ctx context.Context, checker *healthcheck.Checker, o options) ([]healthcheck.Result, string, error) {
	switch {
	case o.node != "" && o.gpu >= 0:
		dev := status.DeviceID{Node: o.node, Index: o.gpu}
		res, err := checker.CheckDevice(ctx, dev, o.checkType)
		if res.CheckID == "" {
			return nil, dev.String(), err
		}
		return []healthcheck.Result{res}, dev.String(), err
	case o.node != "":
		results, err := checker.CheckNode(ctx, o.node, o.checkType)
		return results, o.node, err
	default:
		results, err := checker.CheckAll(ctx, o.checkType)
		return results, "all", err
	}
}

// resolveNode maps a bare node number onto the nodeN naming used by the
// default layout. Names pass through unchanged.
func resolveNode(topo status.Topology, node string) string {
	if topo.HasNode(node) {
		return node
	}
	if n, err := strconv.Atoi(node); err == nil {
		if name := "node" + strconv.Itoa(n); topo.HasNode(name) {
			return name
		}
	}
	return node
}
