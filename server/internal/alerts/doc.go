// Package alerts watches datapoint ranges and delivers webhook notifications
// when a datapoint reaches a rule's severity and again when it recovers. The
// Engine is a registry listener, so it evaluates once per coalesced change.
package alerts
