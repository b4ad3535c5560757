// Package config loads the server-side configuration from the `server:` section
// of config.yaml (the `agent:` key is ignored by the server binary).
//
// Config fields:
//   - ListenAddr      perfdata ingest socket (default ":8999")
//   - HTTPPort        REST API, WebSocket hub and /metrics (default 8080)
//   - GRPCPort        gRPC health service (default 50051)
//   - Ingest          queue capacity, frame size limit, read timeout
//   - UpdateInterval  change notification period (default 1s)
//   - Snapshot        history persistence: dir, file name, archives, interval
//   - Auth            "apikey" or "none" for REST and gRPC clients
//   - Alerts          severity rules and webhook targets
//   - Matrices        tables of datapoints to provision
//
// Load(path) applies defaults before unmarshalling, then validates. Watch
// reloads the file on change.
package config
