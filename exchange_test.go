package dnsfwd

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// fakeUpstream is a minimal UDP server used to exercise Exchange.Send
// without depending on a real resolver.
type fakeUpstream struct {
	conn *net.UDPConn
}

func newFakeUpstream(t *testing.T, respond func(q *dns.Msg) *dns.Msg) *fakeUpstream {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	u := &fakeUpstream{conn: conn}
	go func() {
		buf := make([]byte, dns.MaxMsgSize)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			q := new(dns.Msg)
			if err := q.Unpack(buf[:n]); err != nil {
				continue
			}
			if respond == nil {
				continue
			}
			a := respond(q)
			if a == nil {
				continue
			}
			wire, err := a.Pack()
			if err != nil {
				continue
			}
			conn.WriteToUDP(wire, raddr)
		}
	}()
	return u
}

func (u *fakeUpstream) addr() *net.UDPAddr { return u.conn.LocalAddr().(*net.UDPAddr) }
func (u *fakeUpstream) close()             { u.conn.Close() }

func TestExchangeSendAndReceive(t *testing.T) {
	up := newFakeUpstream(t, func(q *dns.Msg) *dns.Msg {
		a := new(dns.Msg)
		a.SetReply(q)
		a.Answer = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.IP{1, 2, 3, 4},
		}}
		return a
	})
	defer up.close()

	ex, err := NewExchange(nil)
	require.NoError(t, err)
	defer ex.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)

	a, err := ex.Send(q, up.addr(), &net.UDPAddr{}, time.Second, false)
	require.NoError(t, err)
	require.Len(t, a.Answer, 1)
}

func TestExchangeSendTimesOut(t *testing.T) {
	up := newFakeUpstream(t, nil) // never responds
	defer up.close()

	ex, err := NewExchange(nil)
	require.NoError(t, err)
	defer ex.Close()

	q := new(dns.Msg)
	q.SetQuestion("silent.example.", dns.TypeA)

	_, err = ex.Send(q, up.addr(), &net.UDPAddr{}, 100*time.Millisecond, false)
	require.Error(t, err)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
}

func TestExchangeTransactionCollisionCancelsLoser(t *testing.T) {
	var calls int
	up := newFakeUpstream(t, func(q *dns.Msg) *dns.Msg {
		calls++
		if calls == 1 {
			// Never answer the first (losing) query for this id.
			return nil
		}
		a := new(dns.Msg)
		a.SetReply(q)
		return a
	})
	defer up.close()

	ex, err := NewExchange(nil)
	require.NoError(t, err)
	defer ex.Close()

	q1 := new(dns.Msg)
	q1.SetQuestion("first.example.", dns.TypeA)
	q1.Id = 42

	q2 := new(dns.Msg)
	q2.SetQuestion("second.example.", dns.TypeA)
	q2.Id = 42

	errc := make(chan error, 1)
	go func() {
		_, err := ex.Send(q1, up.addr(), &net.UDPAddr{}, 2*time.Second, false)
		errc <- err
	}()

	// Give the first Send time to register its transaction and reach the
	// upstream before the colliding id is reused.
	time.Sleep(100 * time.Millisecond)

	_, err = ex.Send(q2, up.addr(), &net.UDPAddr{}, 2*time.Second, false)
	require.NoError(t, err)

	firstErr := <-errc
	require.Error(t, firstErr)
	var te *TimeoutError
	require.ErrorAs(t, firstErr, &te)
}

func TestExchangeInfiniteForwardingGuard(t *testing.T) {
	listenAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 53}
	ex, err := NewExchange(listenAddr)
	require.NoError(t, err)
	defer ex.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)

	_, err = ex.Send(q, listenAddr, &net.UDPAddr{}, time.Second, false)
	require.Error(t, err)
	var ie *InfiniteForwardingError
	require.ErrorAs(t, err, &ie)
}

func TestExchangeInfiniteForwardingGuardCatchesWildcardListener(t *testing.T) {
	// A wildcard bind (0.0.0.0) is not itself a loopback address, but a
	// target of 127.0.0.1 on the same port still reaches this agent's own
	// socket and must be caught.
	listenAddr := &net.UDPAddr{IP: net.ParseIP("0.0.0.0"), Port: 53}
	ex, err := NewExchange(listenAddr)
	require.NoError(t, err)
	defer ex.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)

	target := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 53}
	_, err = ex.Send(q, target, &net.UDPAddr{}, time.Second, false)
	require.Error(t, err)
	var ie *InfiniteForwardingError
	require.ErrorAs(t, err, &ie)
}
