package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/justin-oleary/fleetwatch/pkg/metric"
	"github.com/justin-oleary/fleetwatch/pkg/schedule"
	"github.com/justin-oleary/fleetwatch/pkg/stats"
	"github.com/justin-oleary/fleetwatch/pkg/status"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultDocumentRoot    = "cluster"
	DefaultStatusRoot      = "nodes"
	DefaultNodeCount       = 256
	DefaultDevicesPerNode  = 8
	DefaultCheckType       = "dummy"
	DefaultPassProbability = 0.9
	DefaultCheckDuration   = 5 * time.Second
	DefaultSchedule        = "@every 1h"
	DefaultMaxCheckingAge  = 10 * time.Minute
	DefaultReadAttempts    = 5
	DefaultReadBackoff     = 100 * time.Millisecond
	DefaultHTTPAddr        = ":8080"
	DefaultMetricsAddr     = ":9090"
	DefaultStreamInterval  = time.Second
	DefaultReportCacheTTL  = 30 * time.Second
)

// Config is the top-level configuration shared by every binary.
// Fields map 1:1 to fleetwatch.example.yaml.
type Config struct {
	Fleet       FleetConfig       `yaml:"fleet"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	HealthCheck HealthCheckConfig `yaml:"healthcheck"`
	Server      ServerConfig      `yaml:"server"`
	Kubernetes  KubernetesConfig  `yaml:"kubernetes"`
}

// FleetConfig describes where state lives and the expected layout.
type FleetConfig struct {
	// DocumentRoot is the document store root holding benchmark history
	// (root/node/gpu-<guid>/<id>.json).
	DocumentRoot string `yaml:"document_root"`

	// StatusRoot holds one current_status file per device
	// (root/node/gpu<index>/current_status).
	StatusRoot string `yaml:"status_root"`

	// Nodes lists node names explicitly. When empty, NodeCount nodes named
	// node0..node<N-1> are assumed.
	Nodes []string `yaml:"nodes"`

	NodeCount      int `yaml:"node_count"`
	DevicesPerNode int `yaml:"devices_per_node"`
}

// Topology returns the expected fleet layout.
func (f FleetConfig) Topology() status.Topology {
	if len(f.Nodes) > 0 {
		nodes := make([]string, len(f.Nodes))
		copy(nodes, f.Nodes)
		return status.Topology{Nodes: nodes, DevicesPerNode: f.DevicesPerNode}
	}
	return status.Sequential(f.NodeCount, f.DevicesPerNode)
}

// ClassifierConfig holds the statistical thresholds and the metrics watched.
type ClassifierConfig struct {
	stats.Thresholds `yaml:",inline"`

	// Metrics is the watch list. Empty means every benchmark metric.
	Metrics []string `yaml:"metrics"`
}

// HealthCheckConfig controls the check driver.
type HealthCheckConfig struct {
	// Type is the default probe: dummy | statistical.
	Type string `yaml:"type"`

	// PassProbability is the dummy probe's chance of passing, in [0, 1].
	PassProbability float64 `yaml:"pass_probability"`

	// Duration is how long the dummy probe takes.
	Duration time.Duration `yaml:"duration"`

	// Schedule is the cron spec for fleet-wide checks in the agent.
	Schedule string `yaml:"schedule"`

	// MaxCheckingAge is how long a device may stay Checking before it reads
	// as Unhealthy and the reaper reverts it.
	MaxCheckingAge time.Duration `yaml:"max_checking_age"`

	// ReadAttempts and ReadBackoff bound the retry on a malformed status.
	ReadAttempts int           `yaml:"read_attempts"`
	ReadBackoff  time.Duration `yaml:"read_backoff"`
}

// ServerConfig holds the agent's listeners.
type ServerConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// StreamInterval is how often the status stream pushes a snapshot.
	StreamInterval time.Duration `yaml:"stream_interval"`

	// ReportCacheTTL bounds how stale a served health report may be.
	ReportCacheTTL time.Duration `yaml:"report_cache_ttl"`
}

// KubernetesConfig enables the node quarantine syncer.
type KubernetesConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses the YAML config file at path. An empty path yields
// the defaults. Environment overrides are applied after the file, then the
// result is validated.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Fleet: FleetConfig{
			DocumentRoot:   DefaultDocumentRoot,
			StatusRoot:     DefaultStatusRoot,
			NodeCount:      DefaultNodeCount,
			DevicesPerNode: DefaultDevicesPerNode,
		},
		Classifier: ClassifierConfig{
			Thresholds: stats.DefaultThresholds(),
		},
		HealthCheck: HealthCheckConfig{
			Type:            DefaultCheckType,
			PassProbability: DefaultPassProbability,
			Duration:        DefaultCheckDuration,
			Schedule:        DefaultSchedule,
			MaxCheckingAge:  DefaultMaxCheckingAge,
			ReadAttempts:    DefaultReadAttempts,
			ReadBackoff:     DefaultReadBackoff,
		},
		Server: ServerConfig{
			HTTPAddr:       DefaultHTTPAddr,
			MetricsAddr:    DefaultMetricsAddr,
			StreamInterval: DefaultStreamInterval,
			ReportCacheTTL: DefaultReportCacheTTL,
		},
	}
}

// applyEnv lets operators override the knobs most often tuned in the field
// without editing the file:
//
//	FLEETWATCH_PASS_PROBABILITY   float in [0, 1]
//	FLEETWATCH_OUTLIER_SIGMA      float
//	FLEETWATCH_UNHEALTHY_SIGMA    float
//	FLEETWATCH_MIN_POPULATION     integer
//	FLEETWATCH_CHECK_TYPE         dummy | statistical
func applyEnv(cfg *Config) {
	cfg.HealthCheck.PassProbability = envFloat64("FLEETWATCH_PASS_PROBABILITY", cfg.HealthCheck.PassProbability)
	cfg.Classifier.OutlierSigma = envFloat64("FLEETWATCH_OUTLIER_SIGMA", cfg.Classifier.OutlierSigma)
	cfg.Classifier.UnhealthySigma = envFloat64("FLEETWATCH_UNHEALTHY_SIGMA", cfg.Classifier.UnhealthySigma)
	cfg.Classifier.MinPopulation = envInt("FLEETWATCH_MIN_POPULATION", cfg.Classifier.MinPopulation)
	if s := os.Getenv("FLEETWATCH_CHECK_TYPE"); s != "" {
		cfg.HealthCheck.Type = s
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	f := cfg.Fleet
	if f.DocumentRoot == "" {
		return fmt.Errorf("fleet.document_root is required")
	}
	if f.StatusRoot == "" {
		return fmt.Errorf("fleet.status_root is required")
	}
	if len(f.Nodes) == 0 && f.NodeCount <= 0 {
		return fmt.Errorf("fleet.node_count must be positive when fleet.nodes is empty")
	}
	seen := make(map[string]bool, len(f.Nodes))
	for i, n := range f.Nodes {
		if n == "" {
			return fmt.Errorf("fleet.nodes[%d]: name is required", i)
		}
		if seen[n] {
			return fmt.Errorf("fleet.nodes[%d]: duplicate node %q", i, n)
		}
		seen[n] = true
	}
	if f.DevicesPerNode <= 0 {
		return fmt.Errorf("fleet.devices_per_node must be positive")
	}

	c := cfg.Classifier
	if c.OutlierSigma <= 0 {
		return fmt.Errorf("classifier.outlier_sigma must be positive")
	}
	if c.UnhealthySigma < c.OutlierSigma {
		return fmt.Errorf("classifier.unhealthy_sigma must be at least outlier_sigma")
	}
	if c.MinPopulation < 0 {
		return fmt.Errorf("classifier.min_population must not be negative")
	}
	for i, m := range c.Metrics {
		if !knownMetric(m) {
			return fmt.Errorf("classifier.metrics[%d]: unknown metric %q", i, m)
		}
	}

	h := cfg.HealthCheck
	switch h.Type {
	case "dummy", "statistical":
	default:
		return fmt.Errorf("healthcheck.type: unknown check type %q", h.Type)
	}
	if h.PassProbability < 0 || h.PassProbability > 1 {
		return fmt.Errorf("healthcheck.pass_probability must be within [0, 1]")
	}
	if h.Duration < 0 {
		return fmt.Errorf("healthcheck.duration must not be negative")
	}
	if h.Schedule == "" {
		return fmt.Errorf("healthcheck.schedule is required")
	}
	if err := schedule.Validate(h.Schedule); err != nil {
		return fmt.Errorf("healthcheck.schedule: %w", err)
	}
	if h.MaxCheckingAge < 0 {
		return fmt.Errorf("healthcheck.max_checking_age must not be negative")
	}
	if h.ReadAttempts <= 0 {
		return fmt.Errorf("healthcheck.read_attempts must be positive")
	}
	if h.ReadBackoff < 0 {
		return fmt.Errorf("healthcheck.read_backoff must not be negative")
	}

	s := cfg.Server
	if s.StreamInterval <= 0 {
		return fmt.Errorf("server.stream_interval must be positive")
	}
	if s.ReportCacheTTL < 0 {
		return fmt.Errorf("server.report_cache_ttl must not be negative")
	}
	return nil
}

// WatchList returns the configured metrics, or the full benchmark list.
func (c ClassifierConfig) WatchList() []string {
	if len(c.Metrics) > 0 {
		return c.Metrics
	}
	return metric.DefaultWatchList
}

func knownMetric(name string) bool {
	for _, m := range metric.DefaultWatchList {
		if m == name {
			return true
		}
	}
	return false
}

func envFloat64(key string, def float64) float64 {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil && v >= 0 {
			return v
		}
	}
	return def
}

func envInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v >= 0 {
			return v
		}
	}
	return def
}
