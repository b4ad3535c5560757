// Package shipper delivers reading batches to perfmatrix-server's perfdata
// ingest socket.
//
// Each batch travels on its own TCP connection: the shipper writes one
// PerformanceDataReadings frame and closes, and the server decodes on EOF.
//
// Ship is non-blocking. Batches wait in a bounded channel (buffer_size,
// default 1000); when it is full the oldest batch is evicted so the latest
// readings are kept. Run drains the channel and retries a failed batch with
// truncated exponential backoff (1s to 60s, ±25% jitter).
package shipper
