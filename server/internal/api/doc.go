// Package api implements the HTTP REST API for perfmatrix-server.
//
// New(deps) returns an http.Handler that serves:
//
//	GET  /api/v1/health                 overall state and per-range counts
//	GET  /api/v1/datapoints             every provisioned datapoint, sorted by key
//	GET  /api/v1/datapoints/{key}       one datapoint; 404 if not provisioned
//	GET  /api/v1/datapoints/{key}/csv   the datapoint's window as text/csv
//	GET  /api/v1/snapshot               all datapoints plus generated_at
//	GET  /api/v1/alerts                 firing and recently resolved alerts
//	GET  /api/v1/stats                  ingest counters
//	POST /api/v1/stats/reset            zero the ingest counters
//	POST /api/v1/persist                write the history file now
//	GET  /metrics                       Prometheus text exposition
//
// Keys contain slashes and are taken verbatim from the rest of the path.
// Everything except health and /metrics requires the API key when auth is
// enabled. JSON is encoded with goccy/go-json; no HTTP framework is used.
package api
