// Package peer implements the OSC peer transport of spec.md §4.7: a
// symmetric endpoint that sends and receives OSC packets over UDP or TCP,
// in either OSC 1.0 (SLIP) or OSC 1.1 (length-prefix) framing, and hands
// decoded packets to a dispatch.Dispatcher. It is the layer the teacher's
// server.Listener played in miniature, generalized to both transports and
// both directions.
package peer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/halfline/oscpeer"
	"github.com/halfline/oscpeer/dispatch"
	"github.com/halfline/oscpeer/internal/oscpeerlog"
	"github.com/halfline/oscpeer/transport"
)

// Mode selects the underlying transport.
type Mode int

const (
	UDP Mode = iota
	TCP
)

func (m Mode) String() string {
	switch m {
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// Framing selects the OSC version's wire framing. It only matters for TCP;
// UDP is one packet per datagram regardless of version.
type Framing int

const (
	OSC10 Framing = iota
	OSC11
)

func (f Framing) String() string {
	switch f {
	case OSC10:
		return "osc10"
	case OSC11:
		return "osc11"
	default:
		return "unknown"
	}
}

// Peer is a symmetric OSC endpoint bound to one remote address. The zero
// value is not usable; construct one with New.
type Peer struct {
	address string
	port    int
	mode    Mode
	framing Framing

	bindAddress string
	bindPort    int
	hasBind     bool

	permissiveSource bool
	log              *slog.Logger
	dispatcher       *dispatch.Dispatcher
	matchCacheSize   int

	connMu      sync.Mutex
	udpConn     *net.UDPConn
	tcpConn     net.Conn
	tcpListener net.Listener
	framer      transport.Framer

	listenMu  sync.Mutex
	listening bool
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// Option configures a Peer at construction time.
type Option func(*Peer)

// WithBind sets the local address and port a Peer binds to. It is required
// when mode is UDP (the socket must be bound to receive replies) and
// optional for TCP, where it enables accepting an inbound connection (so
// either side may initiate, per spec.md §9 "TCP symmetry"); a TCP peer
// with no bind configured can only dial out.
func WithBind(address string, port int) Option {
	return func(p *Peer) {
		p.bindAddress = address
		p.bindPort = port
		p.hasBind = true
	}
}

// WithLogger sets the base logger the peer, its dispatcher, and its
// transport goroutines derive their subsystem loggers from.
func WithLogger(l *slog.Logger) Option {
	return func(p *Peer) { p.log = l }
}

// WithPermissiveSource disables strict UDP source-address filtering:
// datagrams from any source are decoded and dispatched, not just ones from
// the peer's configured remote address. Off by default, per spec.md §9.
func WithPermissiveSource() Option {
	return func(p *Peer) { p.permissiveSource = true }
}

// WithDispatcher installs d in place of a freshly constructed Dispatcher,
// letting the caller pre-register handlers before the peer exists, or
// share dispatcher construction options (e.g. dispatch.WithLogger). It
// supersedes WithMatchCacheSize, since the dispatcher's cache is already
// built by the time it's installed here.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(p *Peer) { p.dispatcher = d }
}

// WithMatchCacheSize bounds the peer's default dispatcher's match cache to
// at most n addresses, evicted least-recently-used (spec.md §4.3). n <= 0
// leaves it unbounded. It has no effect when combined with WithDispatcher,
// since that dispatcher's cache is already constructed.
func WithMatchCacheSize(n int) Option {
	return func(p *Peer) { p.matchCacheSize = n }
}

// New constructs a Peer for the given remote address and port. mode and
// framing select the transport and wire framing; framing has no effect
// on UDP peers.
func New(address string, port int, mode Mode, framing Framing, opts ...Option) (*Peer, error) {
	p := &Peer{address: address, port: port, mode: mode, framing: framing}
	for _, o := range opts {
		o(p)
	}
	if p.dispatcher == nil {
		p.dispatcher = dispatch.New(dispatch.WithLogger(p.log), dispatch.WithMatchCacheSize(p.matchCacheSize))
	}

	switch mode {
	case UDP, TCP:
	default:
		return nil, &ConstructionError{Reason: fmt.Sprintf("unknown mode %v", mode)}
	}
	switch framing {
	case OSC10, OSC11:
	default:
		return nil, &ConstructionError{Reason: fmt.Sprintf("unknown framing %v", framing)}
	}
	if mode == UDP && !p.hasBind {
		return nil, &ConstructionError{Reason: "UDP peer requires WithBind(address, port)"}
	}
	if address == "" || port <= 0 {
		return nil, &ConstructionError{Reason: "remote address and port are required"}
	}

	return p, nil
}

// Dispatcher returns the peer's Dispatcher, for registering handlers.
func (p *Peer) Dispatcher() *dispatch.Dispatcher { return p.dispatcher }

// Send encodes packet and writes it to the remote peer, dialing or
// reusing the transport connection as needed. It is safe to call before
// StartListening and concurrently with a running receive loop.
func (p *Peer) Send(packet osc.Packet) error {
	buf := osc.GetBuf()
	defer osc.PutBuf(buf)
	switch v := packet.(type) {
	case *osc.Message:
		buf = v.Append(buf)
	case *osc.Bundle:
		buf = v.Append(buf)
	default:
		return &ConstructionError{Reason: "unsupported packet type"}
	}

	switch p.mode {
	case UDP:
		return p.sendUDP(buf)
	case TCP:
		return p.sendTCP(buf)
	default:
		return &ConstructionError{Reason: fmt.Sprintf("unknown mode %v", p.mode)}
	}
}

func (p *Peer) newFramer() transport.Framer {
	if p.framing == OSC10 {
		return &transport.SLIPFramer{}
	}
	return &transport.LengthPrefixFramer{}
}

func (p *Peer) logger() *slog.Logger {
	return oscpeerlog.For(p.log, oscpeerlog.Transport)
}
