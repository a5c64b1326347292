package dnsfwd

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jtacoma/uritemplates"
	"github.com/pkg/errors"
)

// HTTPResolver performs DNSPod-style A-record resolution over HTTP. It
// issues GET http://<upstream>/d?dn=<name>&ttl=1 and parses the
// plain-text response body "ip1;ip2;...,ttl".
type HTTPResolver struct {
	template *uritemplates.UriTemplate
	client   *http.Client
}

// NewHTTPResolver returns an HTTPResolver. The endpoint's URL is built from
// a URI template, even though the DNSPod-style path here is fixed.
func NewHTTPResolver() (*HTTPResolver, error) {
	// {+host} uses RFC 6570 reserved expansion so the literal ':' in a
	// host:port spec survives unescaped; plain {host} would percent-encode it.
	tmpl, err := uritemplates.Parse("http://{+host}/d{?dn,ttl}")
	if err != nil {
		return nil, err
	}
	return &HTTPResolver{
		template: tmpl,
		client:   &http.Client{},
	}, nil
}

// httpAnswer is the decoded result of an HTTP resolution: a list of IPv4
// addresses and their shared TTL, or a flag indicating NXDOMAIN.
type httpAnswer struct {
	IPs      []net.IP
	TTL      uint32
	NXDomain bool
}

// Resolve queries upstream (a host[:port] spec, port 80 implied by the
// template) for name over HTTP.
func (r *HTTPResolver) Resolve(upstream, name string, timeout time.Duration) (httpAnswer, error) {
	u, err := r.template.Expand(map[string]interface{}{
		"host": upstream,
		"dn":   name,
		"ttl":  "1",
	})
	if err != nil {
		return httpAnswer{}, &HTTPResolveError{Upstream: upstream, Err: err}
	}

	client := r.client
	if timeout > 0 {
		client = &http.Client{Timeout: timeout}
	}

	resp, err := client.Get(u)
	if err != nil {
		return httpAnswer{}, &HTTPResolveError{Upstream: upstream, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpAnswer{}, &HTTPResolveError{Upstream: upstream, Err: errors.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpAnswer{}, &HTTPResolveError{Upstream: upstream, Err: err}
	}

	return parseHTTPAnswer(strings.TrimSpace(string(body)))
}

func parseHTTPAnswer(body string) (httpAnswer, error) {
	if body == "" {
		return httpAnswer{NXDomain: true}, nil
	}

	idx := strings.LastIndex(body, ",")
	if idx < 0 {
		return httpAnswer{}, &HTTPResolveError{Err: errors.Errorf("malformed response body %q", body)}
	}
	ipsPart, ttlPart := body[:idx], body[idx+1:]

	ttl64, err := strconv.ParseUint(strings.TrimSpace(ttlPart), 10, 32)
	if err != nil {
		return httpAnswer{}, &HTTPResolveError{Err: errors.Wrapf(err, "malformed ttl %q", ttlPart)}
	}

	var ips []net.IP
	for _, s := range strings.Split(ipsPart, ";") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return httpAnswer{}, &HTTPResolveError{Err: errors.Errorf("malformed ip %q", s)}
		}
		ips = append(ips, ip)
	}
	if len(ips) == 0 {
		return httpAnswer{NXDomain: true}, nil
	}

	return httpAnswer{IPs: ips, TTL: uint32(ttl64)}, nil
}
