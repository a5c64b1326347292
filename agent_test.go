package dnsfwd

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func newTestAgent(t *testing.T, config AppConfig, whitelist []*net.IPNet, cache *Cache, rules *RuleList) *Agent {
	a, err := NewAgent("test", "127.0.0.1:0", config, whitelist, cache, rules)
	require.NoError(t, err)
	go a.Start()
	t.Cleanup(func() { a.Stop() })
	return a
}

func sendQuery(t *testing.T, agentAddr *net.UDPAddr, q *dns.Msg) *dns.Msg {
	conn, err := net.DialUDP("udp", nil, agentAddr)
	require.NoError(t, err)
	defer conn.Close()

	wire, err := q.Pack()
	require.NoError(t, err)
	_, err = conn.Write(wire)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, dns.MaxMsgSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	a := new(dns.Msg)
	require.NoError(t, a.Unpack(buf[:n]))
	return a
}

func tryReadNoReply(t *testing.T, agentAddr *net.UDPAddr, q *dns.Msg, wait time.Duration) bool {
	conn, err := net.DialUDP("udp", nil, agentAddr)
	require.NoError(t, err)
	defer conn.Close()

	wire, err := q.Pack()
	require.NoError(t, err)
	_, err = conn.Write(wire)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	buf := make([]byte, dns.MaxMsgSize)
	_, err = conn.Read(buf)
	return err != nil // true means no reply arrived (timeout)
}

func TestAgentSynthesizeAnswer(t *testing.T) {
	rules, err := NewRuleList([]Rule{{Pattern: "^ads\\.evil\\.com\\.$", Address: "0.0.0.0"}})
	require.NoError(t, err)

	cfg := DefaultAppConfig()
	a := newTestAgent(t, cfg, nil, NewCache(), rules)

	q := new(dns.Msg)
	q.SetQuestion("ads.evil.com.", dns.TypeA)

	reply := sendQuery(t, a.conn.LocalAddr().(*net.UDPAddr), q)
	require.Equal(t, q.Id, reply.Id)
	require.Equal(t, dns.RcodeSuccess, reply.Rcode)
	require.Len(t, reply.Answer, 1)
	arec, ok := reply.Answer[0].(*dns.A)
	require.True(t, ok)
	require.Equal(t, "0.0.0.0", arec.A.String())
	require.Equal(t, uint32(600), arec.Hdr.Ttl)
}

func TestAgentACLDeny(t *testing.T) {
	nets, err := ParseNetworks([]string{"198.51.100.0/24"})
	require.NoError(t, err)
	rules, err := NewRuleList(nil)
	require.NoError(t, err)

	cfg := DefaultAppConfig()
	a := newTestAgent(t, cfg, nets, NewCache(), rules)

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)

	reply := sendQuery(t, a.conn.LocalAddr().(*net.UDPAddr), q)
	require.Equal(t, dns.RcodeRefused, reply.Rcode)
	require.Equal(t, q.Id, reply.Id)
}

func TestAgentEmptyWhitelistDeniesEverything(t *testing.T) {
	rules, err := NewRuleList(nil)
	require.NoError(t, err)

	cfg := DefaultAppConfig()
	a := newTestAgent(t, cfg, []*net.IPNet{}, NewCache(), rules)

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)

	reply := sendQuery(t, a.conn.LocalAddr().(*net.UDPAddr), q)
	require.Equal(t, dns.RcodeRefused, reply.Rcode)
}

func TestAgentDropsUnparseableDatagram(t *testing.T) {
	rules, err := NewRuleList(nil)
	require.NoError(t, err)

	cfg := DefaultAppConfig()
	a := newTestAgent(t, cfg, nil, NewCache(), rules)

	conn, err := net.DialUDP("udp", nil, a.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{0x01, 0x02})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, 512)
	_, err = conn.Read(buf)
	require.Error(t, err) // no reply: parse failures are dropped silently
}

func TestAgentInfiniteForwardingGuard(t *testing.T) {
	rules, err := NewRuleList(nil)
	require.NoError(t, err)

	a, err := NewAgent("loop", "127.0.0.1:0", AppConfig{}, nil, NewCache(), rules)
	require.NoError(t, err)
	defer a.Stop()

	// Point the default upstream at the agent's own listening endpoint.
	a.config.LocalNameServer = a.conn.LocalAddr().String()
	go a.Start()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	reply := sendQuery(t, a.conn.LocalAddr().(*net.UDPAddr), q)
	require.Equal(t, dns.RcodeServerFailure, reply.Rcode)
}

func TestAgentCacheHitServesWithRequestTransactionID(t *testing.T) {
	up := newFakeUpstream(t, func(q *dns.Msg) *dns.Msg {
		a := new(dns.Msg)
		a.SetReply(q)
		a.Answer = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
			A:   net.IP{9, 9, 9, 9},
		}}
		return a
	})
	defer up.close()

	rules, err := NewRuleList(nil)
	require.NoError(t, err)

	cfg := DefaultAppConfig()
	cfg.LocalNameServer = up.addr().String()
	cfg.CacheAge = 60

	cache := NewCache()
	a := newTestAgent(t, cfg, nil, cache, rules)

	q1 := new(dns.Msg)
	q1.SetQuestion("cached.example.", dns.TypeA)
	q1.Id = 111
	reply1 := sendQuery(t, a.conn.LocalAddr().(*net.UDPAddr), q1)
	require.Len(t, reply1.Answer, 1)

	q2 := new(dns.Msg)
	q2.SetQuestion("cached.example.", dns.TypeA)
	q2.Id = 222
	reply2 := sendQuery(t, a.conn.LocalAddr().(*net.UDPAddr), q2)
	require.Equal(t, q2.Id, reply2.Id)
	require.Len(t, reply2.Answer, 1)
}

func TestAgentTimeoutProducesNoReply(t *testing.T) {
	up := newFakeUpstream(t, nil) // never responds
	defer up.close()

	rules, err := NewRuleList(nil)
	require.NoError(t, err)

	cfg := DefaultAppConfig()
	cfg.LocalNameServer = up.addr().String()
	cfg.QueryTimeout = 200

	a := newTestAgent(t, cfg, nil, NewCache(), rules)

	q := new(dns.Msg)
	q.SetQuestion("silent.example.", dns.TypeA)

	noReply := tryReadNoReply(t, a.conn.LocalAddr().(*net.UDPAddr), q, 500*time.Millisecond)
	require.True(t, noReply)
}
