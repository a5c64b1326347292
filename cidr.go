package dnsfwd

import (
	"net"

	"github.com/pkg/errors"
)

// ParseNetworks parses a list of CIDR strings (v4 or v6). A nil input
// returns (nil, nil); any parse failure is reported with the offending
// entry named.
func ParseNetworks(cidrs []string) ([]*net.IPNet, error) {
	if cidrs == nil {
		return nil, nil
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid CIDR %q", c)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// Allowed implements the ACL decision from the design: a nil whitelist
// allows every client; otherwise a client is allowed only if its address is
// contained by at least one of the configured networks. An empty, non-nil
// whitelist therefore denies every client.
func Allowed(whitelist []*net.IPNet, client net.IP) bool {
	if whitelist == nil {
		return true
	}
	for _, n := range whitelist {
		if n.Contains(client) {
			return true
		}
	}
	return false
}
