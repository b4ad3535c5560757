package security

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/obsidianstack/perfmatrix/agent/internal/config"
)

// dialTimeout bounds a certificate check so an unreachable host does not
// stall the scrape loop.
const dialTimeout = 10 * time.Second

// expiringDays is the threshold below which a certificate reports "expiring".
const expiringDays = 30

// CertStatus describes the leaf certificate served by a source endpoint.
type CertStatus struct {
	Endpoint string
	Issuer   string
	NotAfter time.Time
	DaysLeft float64
	Status   string // valid | expiring | expired
}

// ErrNotTLS is returned for endpoints that are not https.
var ErrNotTLS = errors.New("security: endpoint is not https")

// Check dials src's https endpoint and inspects the leaf certificate.
// now is injectable so expiry can be tested without real clocks.
func Check(ctx context.Context, src config.Source, now time.Time) (*CertStatus, error) {
	u, err := url.Parse(src.Endpoint)
	if err != nil || u.Scheme != "https" {
		return nil, ErrNotTLS
	}

	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			InsecureSkipVerify: src.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
		},
	}
	netConn, err := dialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("security: dial %s: %w", host, err)
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peers := conn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return nil, fmt.Errorf("security: %s presented no certificate", host)
	}

	leaf := peers[0]
	cs := &CertStatus{
		Endpoint: src.Endpoint,
		Issuer:   leaf.Issuer.CommonName,
		NotAfter: leaf.NotAfter.UTC(),
		DaysLeft: leaf.NotAfter.Sub(now).Hours() / 24,
	}
	switch {
	case cs.DaysLeft <= 0:
		cs.Status = "expired"
	case cs.DaysLeft <= expiringDays:
		cs.Status = "expiring"
	default:
		cs.Status = "valid"
	}
	return cs, nil
}
