// Package config loads and watches the agent section of config.yaml.
//
//   - AgentConfig: server_endpoint (perfdata ingest host:port), owner,
//     log_level, scrape_interval, buffer_size, dial_timeout, sources
//   - Source: id, type (prometheus|otelcol|loki|fluentbit), endpoint,
//     path_prefix, metrics, check_cert, auth, tls
//   - MetricSelector: name pattern, label filter, key override, mode
//     (auto|rate|value)
//   - AuthConfig: mtls | apikey | bearer | basic | none; secrets are read from
//     environment variables named in the config, never stored inline
//
// Load(path) applies defaults (30s scrape, 1000 buffered batches, 5s dial
// timeout, owner = host name), then validates. Watch reloads on change.
package config
