// Package config loads and watches the fleetwatch configuration file.
//
// Top-level types:
//   - Config{Fleet, Classifier, HealthCheck, Server, Kubernetes}
//   - FleetConfig: document_root, status_root, nodes | node_count,
//     devices_per_node; Topology() builds the explicit layout handed to
//     the status store and check driver
//   - ClassifierConfig: outlier_sigma, unhealthy_sigma, min_population,
//     metrics (watch list)
//   - HealthCheckConfig: type (dummy|statistical), pass_probability,
//     duration, schedule (cron spec), max_checking_age, read retry bounds
//   - ServerConfig: http_addr, metrics_addr, stream_interval,
//     report_cache_ttl
//
// Load(path) applies defaults (256 nodes of 8 GPUs, 3σ/5σ, population 30,
// 90% pass probability), then the file, then FLEETWATCH_* environment
// overrides, and validates the result. An empty path loads defaults only.
//
// Watch(ctx, path, onChange) reloads on write and hands the new Config to
// onChange. Only thresholds and probe settings are meant to change live;
// topology changes need a restart.
package config
