package dnsfwd

import (
	"net"
	"strings"

	"github.com/miekg/dns"
)

// qName returns the lower-cased query name from the first question in q,
// or the empty string if q has no question.
func qName(q *dns.Msg) string {
	if len(q.Question) == 0 {
		return ""
	}
	return strings.ToLower(q.Question[0].Name)
}

// refused returns a REFUSED reply for q, used when the ACL denies a client.
func refused(q *dns.Msg) *dns.Msg {
	a := new(dns.Msg)
	a.SetRcode(q, dns.RcodeRefused)
	return a
}

// servfail returns a SERVFAIL reply for q.
func servfail(q *dns.Msg) *dns.Msg {
	a := new(dns.Msg)
	a.SetRcode(q, dns.RcodeServerFailure)
	return a
}

// minAnswerTTL returns the lowest TTL among a.Answer, or (0, false) if there
// are no answer records.
func minAnswerTTL(a *dns.Msg) (uint32, bool) {
	var (
		min   uint32
		found bool
	)
	for _, rr := range a.Answer {
		ttl := rr.Header().Ttl
		if !found || ttl < min {
			min = ttl
			found = true
		}
	}
	return min, found
}

// isLoopback reports whether addr is a loopback IP.
func isLoopback(addr net.IP) bool {
	return addr != nil && addr.IsLoopback()
}
