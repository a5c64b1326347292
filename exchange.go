package dnsfwd

import (
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/miekg/dns"
	stderrors "errors"

	"github.com/pkg/errors"
)

// Exchange owns one outbound UDP socket and multiplexes in-flight
// transactions keyed by their 16-bit DNS transaction id. A single reader
// goroutine owns the socket's reads and demuxes replies back to whichever
// goroutine is blocked in Send; the socket is opened once and lives across
// the Agent's entire lifetime.
type Exchange struct {
	conn       *net.UDPConn
	listenAddr *net.UDPAddr // this agent's own listening endpoint, for the loopback guard

	mu   sync.Mutex
	txns map[uint16]*transaction

	closed chan struct{}
}

// transaction is one in-flight outbound query, per the data model.
type transaction struct {
	client net.Addr
	qname  string
	timer  *time.Timer
	done   chan struct{}
	result *dns.Msg
	err    error
	once   sync.Once
}

func (t *transaction) complete(msg *dns.Msg, err error) {
	t.once.Do(func() {
		t.result = msg
		t.err = err
		close(t.done)
	})
}

// NewExchange opens a new outbound UDP socket on an ephemeral port and
// starts its reader loop. listenAddr is the agent's own listening endpoint,
// used by the infinite-forwarding guard.
func NewExchange(listenAddr *net.UDPAddr) (*Exchange, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open forwarder socket")
	}
	e := &Exchange{
		conn:       conn,
		listenAddr: listenAddr,
		txns:       make(map[uint16]*transaction),
		closed:     make(chan struct{}),
	}
	go e.readLoop()
	return e, nil
}

// Close tears down the forwarder socket and cancels every in-flight
// transaction. Expected errors from the now-closed socket are swallowed by
// the reader loop.
func (e *Exchange) Close() error {
	select {
	case <-e.closed:
		return nil
	default:
		close(e.closed)
	}

	e.mu.Lock()
	for id, t := range e.txns {
		t.timer.Stop()
		t.complete(nil, errShutdown)
		delete(e.txns, id)
	}
	e.mu.Unlock()

	return e.conn.Close()
}

var errShutdown = errors.New("exchange closed")

// Send forwards query to target and blocks until a matching response
// arrives or timeout elapses. client identifies the inbound requester and
// is only recorded on the transaction; the reply is matched back to this
// call by query.Id, not by client address.
//
// If a transaction is already registered for query.Id, it is cancelled
// (its own Send call returns a timeout immediately, as if it had never
// received a reply) and overwritten, per the collision policy in the
// design: this guarantees liveness at the cost of the losing caller never
// seeing a reply from its own round trip.
func (e *Exchange) Send(query *dns.Msg, target *net.UDPAddr, client net.Addr, timeout time.Duration, mutate bool) (*dns.Msg, error) {
	if isLoopback(target.IP) && e.listenAddr != nil && target.Port == e.listenAddr.Port {
		return nil, &InfiniteForwardingError{Target: target.String()}
	}

	t := &transaction{client: client, qname: qName(query), done: make(chan struct{})}

	e.mu.Lock()
	if old, ok := e.txns[query.Id]; ok {
		old.timer.Stop()
		old.complete(nil, &TimeoutError{QName: old.qname})
	}
	t.timer = time.AfterFunc(timeout, func() { e.onTimeout(query.Id) })
	e.txns[query.Id] = t
	e.mu.Unlock()

	var (
		wire []byte
		err  error
	)
	if mutate {
		wire, err = EncodeMutated(query)
	} else {
		wire, err = Encode(query)
	}
	if err != nil {
		e.cancel(query.Id, t)
		return nil, errors.Wrap(err, "failed to encode outbound query")
	}

	if _, err := e.conn.WriteToUDP(wire, target); err != nil {
		e.cancel(query.Id, t)
		if stderrors.Is(err, syscall.ECONNREFUSED) {
			return nil, &UpstreamUnreachableError{Upstream: target.String(), Err: err}
		}
		return nil, errors.Wrap(err, "failed to write to forwarder socket")
	}

	<-t.done
	return t.result, t.err
}

func (e *Exchange) cancel(id uint16, t *transaction) {
	e.mu.Lock()
	if cur, ok := e.txns[id]; ok && cur == t {
		cur.timer.Stop()
		delete(e.txns, id)
	}
	e.mu.Unlock()
}

func (e *Exchange) onTimeout(id uint16) {
	e.mu.Lock()
	t, ok := e.txns[id]
	if ok {
		delete(e.txns, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	Log.Warn("query timed out", "txid", id, "qname", t.qname)
	t.complete(nil, &TimeoutError{QName: t.qname})
}

// readLoop is the single long-running reader for the forwarder socket. It
// fully decodes each datagram, matches its transaction id to an in-flight
// transaction, and hands the decoded message back to whichever goroutine
// is blocked in Send.
func (e *Exchange) readLoop() {
	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, _, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
			}
			if isTemporary(err) {
				continue
			}
			Log.Warn("forwarder socket read failed", "error", err)
			return
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			Log.Warn("failed to parse upstream response, dropping", "error", err)
			continue
		}

		e.mu.Lock()
		t, ok := e.txns[msg.Id]
		if ok {
			delete(e.txns, msg.Id)
		}
		e.mu.Unlock()
		if !ok {
			// No in-flight transaction for this id: either it already
			// timed out, was displaced by a collision, or is spurious.
			continue
		}
		t.timer.Stop()
		t.complete(msg, nil)
	}
}

func isTemporary(err error) bool {
	type temporary interface {
		Temporary() bool
	}
	te, ok := err.(temporary)
	return ok && te.Temporary()
}

