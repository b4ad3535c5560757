// Package security inspects the TLS certificates of https sources. The agent
// ships the remaining lifetime as a <prefix>/cert_days_left reading so expiry
// can be thresholded like any other datapoint.
package security
