package dnsfwd

import (
	"net"
	"sync/atomic"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Agent owns one listening UDP endpoint and drives the per-query pipeline:
// parse, ACL, cache lookup, rule engine, dispatch to a synthetic answer /
// HTTP resolver / upstream forward, reply, and cache update.
type Agent struct {
	id   string
	conn *net.UDPConn
	addr *net.UDPAddr

	cache    *Cache
	rules    atomic.Pointer[RuleList]
	config   AppConfig
	whitelist []*net.IPNet

	exchange *Exchange
	http     *HTTPResolver

	closed chan struct{}
}

// NewAgent binds a UDP listener at addr and constructs the Agent's own
// forwarder Exchange. rules may be swapped later with SetRules.
func NewAgent(id, addr string, config AppConfig, whitelist []*net.IPNet, cache *Cache, rules *RuleList) (*Agent, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid listen address %q", addr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bind listener %q", addr)
	}
	// Use the bound address so an ephemeral ":0" port is the real one.
	laddr = conn.LocalAddr().(*net.UDPAddr)

	ex, err := NewExchange(laddr)
	if err != nil {
		conn.Close()
		return nil, err
	}

	httpResolver, err := NewHTTPResolver()
	if err != nil {
		conn.Close()
		ex.Close()
		return nil, err
	}

	a := &Agent{
		id:        id,
		conn:      conn,
		addr:      laddr,
		cache:     cache,
		config:    config,
		whitelist: whitelist,
		exchange:  ex,
		http:      httpResolver,
		closed:    make(chan struct{}),
	}
	a.rules.Store(rules)
	return a, nil
}

// SetRules atomically replaces the agent's active rule list. Readers
// either see the old list or the new one in full for the duration of one
// query, never a torn view.
func (a *Agent) SetRules(rules *RuleList) {
	a.rules.Store(rules)
}

// String returns the agent's id, for logging.
func (a *Agent) String() string { return a.id }

// Start runs the agent's listen loop until Stop is called. It dispatches
// each received datagram to its own goroutine, bounded implicitly by the
// UDP receive rate, matching the design's "no explicit worker count"
// scheduling model.
func (a *Agent) Start() error {
	Log.Info("starting listener", "id", a.id, "addr", a.addr.String())
	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, raddr, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-a.closed:
				return nil
			default:
			}
			if isTemporary(err) {
				continue
			}
			Log.Error("listener read failed", "id", a.id, "error", err)
			return err
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go a.handle(datagram, raddr)
	}
}

// Stop closes the listener and forwarder sockets. Expected errors on the
// now-closed sockets are swallowed by the read loops.
func (a *Agent) Stop() error {
	select {
	case <-a.closed:
		return nil
	default:
		close(a.closed)
	}
	err := a.conn.Close()
	if exErr := a.exchange.Close(); err == nil {
		err = exErr
	}
	return err
}

// handle runs the full per-query pipeline for one received datagram.
func (a *Agent) handle(datagram []byte, client *net.UDPAddr) {
	// 1. Parse. On failure, silently drop.
	q, err := DecodeQuery(datagram)
	if err != nil {
		Log.Debug("dropping unparseable query", "id", a.id, "client", client.IP, "error", err)
		return
	}

	log := Log.With("id", a.id, "client", client.IP.String(), "qname", qName(q), "txid", q.Id)
	log.Info("received query", "qtype", dns.TypeToString[q.Question[0].Qtype])

	// 2. ACL. On deny, reply Refused and do not cache.
	if !Allowed(a.whitelist, client.IP) {
		log.Warn("unauthorized client")
		a.reply(refused(q), client)
		return
	}

	question := q.Question[0]
	isAorAAAA := question.Qtype == dns.TypeA || question.Qtype == dns.TypeAAAA

	// 3. Cache lookup.
	if a.config.CacheResponse {
		if cached, ok := a.cache.Lookup(question); ok {
			cached.Id = q.Id
			copyTSIG(q, cached)
			log.Info("served from cache")
			a.reply(cached, client)
			return
		}
	}

	defaults := RuleDefaults{
		NameServer:          a.config.LocalNameServer,
		UseHTTPQuery:        a.config.UseHTTPQuery,
		QueryTimeout:        a.config.QueryTimeoutDuration(),
		CompressionMutation: a.config.CompressionMutation,
	}

	var outcome RuleOutcome
	if isAorAAAA {
		// 4. Rule engine.
		rules := a.rules.Load()
		outcome = rules.Resolve(question, defaults)
	} else {
		// Non-A/AAAA queries bypass the rule engine entirely.
		outcome = RuleOutcome{
			Action:        ActionPassthrough,
			EffectiveType: question.Qtype,
			Upstream:      defaults.NameServer,
			UseHTTP:       false,
			Timeout:       defaults.QueryTimeout,
			UseMutation:   defaults.CompressionMutation,
		}
	}

	// 5. Dispatch.
	a.dispatch(q, question, outcome, client, log)
}

func (a *Agent) dispatch(q *dns.Msg, question dns.Question, outcome RuleOutcome, client *net.UDPAddr, log Logger) {
	switch outcome.Action {
	case ActionSynthesize:
		a.synthesize(q, outcome, client)
		return

	case ActionRedirect:
		// useHttpQuery is defined for A records only; forceAaaa silently
		// disables it, same as an AAAA query would.
		if outcome.UseHTTP && outcome.EffectiveType == dns.TypeA {
			a.resolveHTTP(q, outcome, client, log)
			return
		}
		a.forwardRedirect(q, outcome, client, log)
		return

	default: // ActionPassthrough
		if outcome.UseHTTP && outcome.EffectiveType == dns.TypeA {
			a.resolveHTTP(q, outcome, client, log)
			return
		}
		a.forward(q, outcome, client, log)
		return
	}
}

// synthesize answers directly with the rule's literal IP, per step 5a:
// one answer record (A/AAAA, TTL 600), RCODE NoError, reply directly, and
// is not cached.
func (a *Agent) synthesize(q *dns.Msg, outcome RuleOutcome, client *net.UDPAddr) {
	ans := new(dns.Msg)
	ans.SetReply(q)
	ans.Rcode = dns.RcodeSuccess

	header := dns.RR_Header{
		Name:   q.Question[0].Name,
		Class:  dns.ClassINET,
		Ttl:    600,
	}
	var rr dns.RR
	if ip4 := outcome.SynthesizeIP.To4(); ip4 != nil {
		header.Rrtype = dns.TypeA
		rr = &dns.A{Hdr: header, A: ip4}
	} else {
		header.Rrtype = dns.TypeAAAA
		rr = &dns.AAAA{Hdr: header, AAAA: outcome.SynthesizeIP}
	}
	ans.Answer = []dns.RR{rr}

	a.reply(ans, client)
}

// resolveHTTP answers an A query via the HTTP resolver, populating
// answers under the original question name even when the rule redirected
// to a different name for the lookup itself.
func (a *Agent) resolveHTTP(q *dns.Msg, outcome RuleOutcome, client *net.UDPAddr, log Logger) {
	lookupName := q.Question[0].Name
	if outcome.RedirectName != "" {
		lookupName = outcome.RedirectName
	}

	result, err := a.http.Resolve(outcome.Upstream, lookupName, outcome.Timeout)
	if err != nil {
		log.Warn("http resolve failed", "error", err)
		a.reply(servfail(q), client)
		return
	}

	ans := new(dns.Msg)
	ans.SetReply(q)
	if result.NXDomain {
		ans.Rcode = dns.RcodeNameError
		a.reply(ans, client)
		return
	}

	ans.Rcode = dns.RcodeSuccess
	for _, ip := range result.IPs {
		ans.Answer = append(ans.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Question[0].Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    result.TTL,
			},
			A: ip.To4(),
		})
	}

	a.replyAndCache(q, ans, client, log)
}

// forward passes the original query upstream, with its QTYPE forced to
// outcome.EffectiveType when a rule's forceAaaa overrides it.
func (a *Agent) forward(q *dns.Msg, outcome RuleOutcome, client *net.UDPAddr, log Logger) {
	target, err := resolveUpstream(outcome.Upstream)
	if err != nil {
		log.Warn("invalid upstream", "upstream", outcome.Upstream, "error", err)
		a.reply(servfail(q), client)
		return
	}

	outbound := q
	if outcome.EffectiveType != q.Question[0].Qtype {
		outbound = q.Copy()
		outbound.Question[0].Qtype = outcome.EffectiveType
	}

	ans, err := a.exchange.Send(outbound, target, client, outcome.Timeout, outcome.UseMutation)
	if err != nil {
		a.handleForwardError(q, err, client, log)
		return
	}
	if outbound != q {
		ans.Question = q.Question
	}

	a.replyAndCache(q, ans, client, log)
}

// forwardRedirect forwards the rewritten name (made fully qualified)
// upstream and renames answer records owned by that name back to the
// original question name, per step 5c. This is the only branch where the
// wire name the client asked about differs from the name actually sent
// upstream.
func (a *Agent) forwardRedirect(q *dns.Msg, outcome RuleOutcome, client *net.UDPAddr, log Logger) {
	target, err := resolveUpstream(outcome.Upstream)
	if err != nil {
		log.Warn("invalid upstream", "upstream", outcome.Upstream, "error", err)
		a.reply(servfail(q), client)
		return
	}

	redirectName := dns.Fqdn(outcome.RedirectName)
	rewritten := q.Copy()
	originalName := rewritten.Question[0].Name
	rewritten.Question[0].Name = redirectName
	rewritten.Question[0].Qtype = outcome.EffectiveType

	a2, err := a.exchange.Send(rewritten, target, client, outcome.Timeout, outcome.UseMutation)
	if err != nil {
		a.handleForwardError(q, err, client, log)
		return
	}

	a2.Id = q.Id
	a2.Question = q.Question
	for _, rr := range a2.Answer {
		if rr.Header().Name == redirectName {
			rr.Header().Name = originalName
		}
	}

	a.replyAndCache(q, a2, client, log)
}

// handleForwardError translates an Exchange error into the appropriate
// client-facing reply: InfiniteForwarding and UpstreamUnreachable produce
// ServerFailure; a Timeout produces no reply at all, since the client will
// retry on its own DNS timeout.
func (a *Agent) handleForwardError(q *dns.Msg, err error, client *net.UDPAddr, log Logger) {
	switch err.(type) {
	case *InfiniteForwardingError:
		log.Warn("infinite forwarding detected", "error", err)
		a.reply(servfail(q), client)
	case *UpstreamUnreachableError:
		log.Warn("upstream unreachable", "error", err)
		a.reply(servfail(q), client)
	case *TimeoutError:
		log.Warn("upstream query timed out")
		// No reply: the client retries on its own DNS timeout.
	default:
		log.Error("forwarding failed", "error", err)
	}
}

// replyAndCache sends ans to client and, unless it came from the cache
// (callers that hit the cache return before reaching here), inserts it
// into the cache keyed on the original question.
func (a *Agent) replyAndCache(q, ans *dns.Msg, client *net.UDPAddr, log Logger) {
	a.reply(ans, client)
	if a.config.CacheResponse && ans != nil {
		a.cache.Insert(q.Question[0], ans, a.config.CacheAge)
	}
}

func (a *Agent) reply(ans *dns.Msg, client *net.UDPAddr) {
	if ans == nil {
		return
	}
	wire, err := Encode(ans)
	if err != nil {
		Log.Error("failed to encode reply", "id", a.id, "error", err)
		return
	}
	if _, err := a.conn.WriteToUDP(wire, client); err != nil {
		select {
		case <-a.closed:
		default:
			Log.Warn("failed to write reply", "id", a.id, "error", err)
		}
	}
}

// copyTSIG overwrites dst's TSIG record with src's (or removes it if src
// carries none), so a cached reply carries the requester's own TSIG
// options rather than whichever request happened to populate the cache.
func copyTSIG(src, dst *dns.Msg) {
	filtered := dst.Extra[:0:0]
	for _, rr := range dst.Extra {
		if _, ok := rr.(*dns.TSIG); !ok {
			filtered = append(filtered, rr)
		}
	}
	dst.Extra = filtered

	if t := src.IsTsig(); t != nil {
		dst.Extra = append(dst.Extra, dns.Copy(t))
	}
}

// resolveUpstream parses a host[:port] spec, defaulting to port 53.
func resolveUpstream(spec string) (*net.UDPAddr, error) {
	addr := normalizeHostPort(spec, "53")
	return net.ResolveUDPAddr("udp", addr)
}
