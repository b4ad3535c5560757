// Package calculator implements the per-metric statistics engines that turn a
// stream of (value, timestamp) samples into display state: latest and
// previous value, severity range, secondary value and trend arrows, and a
// mouse-over description.
//
// Variants form a closed set selected by Kind:
//
//   - simple: pass-through, keeps the latest value and its trend only.
//   - movingAverage: bounded window with running sum, sum of squares and
//     low/high watermarks; severity is the deviation of the latest value from
//     the window average, classified against thresholds derived from the
//     standard deviation, the average, or absolute values.
//   - exponentialMovingAverage: exponentially weighted mean and variance fed
//     through the same classification.
//
// A Calculator has a single writer. After every Update it publishes an
// immutable View through an atomic pointer, so readers never lock and never
// observe a half-applied update. Staleness is evaluated at read time: once no
// update has arrived for the configured sample timeout, View reports both
// ranges as Indeterminate.
//
// Record and FromRecord convert a Calculator to and from a plain, versionable
// value used by the snapshot store.
package calculator
