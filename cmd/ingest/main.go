// ingest stores one node's benchmark results and assesses each device
// against its own history.
//
// Usage:
//
//	ingest [-H <hostname>] [-i <file>] [--guid 0=19794,1=20115] [--config=<path>]
//
// The input is the benchmark payload: a JSON array with one object per
// device, keyed by "GPU Device". Device indices are mapped to GUIDs with
// `rocm-smi --showid` unless --guid supplies the table. Each record is
// stored under <document_root>/<hostname>/gpu-<GUID>/ and, unless
// --no-assess is set, judged against the earlier records there. The
// resulting health reports are printed as JSON.
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
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/justin-oleary/fleetwatch/pkg/config"
	"github.com/justin-oleary/fleetwatch/pkg/device"
	"github.com/justin-oleary/fleetwatch/pkg/docstore"
	"github.com/justin-oleary/fleetwatch/pkg/metric"
	"github.com/justin-oleary/fleetwatch/pkg/metrics"
	"github.com/justin-oleary/fleetwatch/pkg/stats"
)

type deviceResult struct {
	GPU      int           `json:"gpu"`
	GUID     string        `json:"guid"`
	RecordID string        `json:"record_id"`
	Report   *stats.Report `json:"report,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type output struct {
	Timestamp string         `json:"timestamp"`
	Hostname  string         `json:"hostname"`
	Devices   []deviceResult `json:"devices"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var (
		hostname   string
		input      string
		configPath string
		guidFlags  map[string]string
		rocmSMI    string
		noAssess   bool
	)
	defaultHost, _ := os.Hostname()

	flags := pflag.NewFlagSet("ingest", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVarP(&hostname, "hostname", "H", defaultHost, "node the results belong to")
	flags.StringVarP(&input, "input", "i", "-", "benchmark JSON file (- for stdin)")
	flags.StringVar(&configPath, "config", os.Getenv("FLEETWATCH_CONFIG"), "path to fleetwatch.yaml")
	flags.StringToStringVar(&guidFlags, "guid", nil, "index=GUID table; skips rocm-smi")
	flags.StringVar(&rocmSMI, "rocm-smi", "rocm-smi", "rocm-smi binary used to read device GUIDs")
	flags.BoolVar(&noAssess, "no-assess", false, "store records without assessing them")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if hostname == "" {
		fmt.Fprintln(stderr, "--hostname is required")
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(stderr, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	var enum device.Enumerator = device.ROCmSMI{Binary: rocmSMI}
	if len(guidFlags) > 0 {
		static, err := parseGUIDs(guidFlags)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
		enum = static
	}

	records, err := readBatch(input, stdin)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	guids, err := enum.GUIDs(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "enumerate devices: %v\n", err)
		return 1
	}

	docs, err := docstore.Open(cfg.Fleet.DocumentRoot, docstore.WithSkipHook(func(path string, err error) {
		metrics.SkippedDocuments.Inc()
		logger.Debug("skipped unreadable document", "path", path, "err", err)
	}))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := device.NewRegistry(docs).Save(hostname, guids); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	db, err := docs.Database(hostname)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	out := output{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostname,
		Devices:   make([]deviceResult, 0, len(records)),
	}
	failed := false
	for _, rec := range records {
		res := ingestOne(db, rec, guids, cfg, !noAssess)
		if res.Error != "" {
			failed = true
			logger.Error("ingest failed", "node", hostname, "gpu", res.GPU, "err", res.Error)
		} else {
			logger.Info("benchmark record stored",
				"node", hostname,
				"gpu", res.GPU,
				"guid", res.GUID,
				"record_id", res.RecordID,
			)
		}
		out.Devices = append(out.Devices, res)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "json encode: %v\n", err)
		return 1
	}
	if failed {
		return 1
	}
	return 0
}

func ingestOne(db *docstore.Database, rec metric.Record, guids map[int]string, cfg *config.Config, assess bool) deviceResult {
	res := deviceResult{GPU: rec.DeviceIndex}
	guid, ok := guids[rec.DeviceIndex]
	if !ok {
		res.Error = fmt.Sprintf("%v: gpu%d", device.ErrUnknownDevice, rec.DeviceIndex)
		return res
	}
	res.GUID = guid

	coll, err := db.Collection(device.CollectionName(guid))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	id, err := coll.Insert(rec.Document())
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.RecordID = id
	if !assess {
		return res
	}

	names := presentMetrics(cfg.Classifier.WatchList(), rec)
	report, err := stats.Assess(coll, id, names, cfg.Classifier.Thresholds)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Report = &report
	return res
}

// presentMetrics narrows the watch list to the metrics rec carries, so a
// benchmark run that skipped a kernel is still judged on the rest.
func presentMetrics(watch []string, rec metric.Record) []string {
	out := make([]string, 0, len(watch))
	for _, name := range watch {
		if _, ok := rec.Metrics[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func readBatch(path string, stdin io.Reader) ([]metric.Record, error) {
	if path == "-" {
		return metric.DecodeBatch(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return metric.DecodeBatch(f)
}

func parseGUIDs(in map[string]string) (device.Static, error) {
	out := make(device.Static, len(in))
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("--guid: index %q is not a device number", k)
		}
		if in[k] == "" {
			return nil, fmt.Errorf("--guid: empty GUID for device %d", idx)
		}
		out[idx] = in[k]
	}
	return out, nil
}
