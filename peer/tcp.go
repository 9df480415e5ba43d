package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/halfline/oscpeer"
	"github.com/halfline/oscpeer/transport"
)

// setTCPConn installs conn as the peer's TCP connection if one isn't
// already established, implementing the "either-first" symmetry of
// spec.md §9: whichever side (dial or accept) wins the race keeps its
// connection; the other is closed.
func (p *Peer) setTCPConn(conn net.Conn) bool {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.tcpConn != nil {
		return false
	}
	p.tcpConn = conn
	p.framer = p.newFramer()
	return true
}

func (p *Peer) currentTCPConn() net.Conn {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.tcpConn
}

// ensureTCPConn dials the remote peer if no connection is open yet.
// Concurrent Send calls may each dial; setTCPConn keeps the first
// connection installed and every other dialed connection is closed.
func (p *Peer) ensureTCPConn() (net.Conn, transport.Framer, error) {
	p.connMu.Lock()
	if p.tcpConn != nil {
		conn, framer := p.tcpConn, p.framer
		p.connMu.Unlock()
		return conn, framer, nil
	}
	p.connMu.Unlock()

	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", p.address, p.port))
	if err != nil {
		return nil, nil, &TransportError{Op: "tcp dial", Err: err}
	}
	if p.setTCPConn(conn) {
		// The dialed connection is now the peer's only connection: close
		// the listener so a receive loop parked in Accept reads it instead.
		p.connMu.Lock()
		if p.tcpListener != nil {
			p.tcpListener.Close()
			p.tcpListener = nil
		}
		p.connMu.Unlock()
	} else {
		// Lost the race to an inbound connection that arrived first;
		// use that one instead and drop the one we just dialed.
		conn.Close()
	}
	return p.currentTCPConn(), p.currentFramer(), nil
}

func (p *Peer) currentFramer() transport.Framer {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.framer
}

// sendTCP writes one framed packet to the single TCP connection. There is
// no peer-level send lock: each frame goes out in one conn.Write call, and
// net.Conn serializes concurrent Write calls on the same connection.
func (p *Peer) sendTCP(payload []byte) error {
	conn, framer, err := p.ensureTCPConn()
	if err != nil {
		return err
	}
	p.connMu.Lock()
	frame := framer.Encode(payload)
	p.connMu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		p.markTCPBroken()
		return &TransportError{Op: "tcp send", Err: err}
	}
	return nil
}

// markTCPBroken drops the current connection so the next Send reattempts
// it, per spec.md §7 "A send failure on TCP must mark the connection
// broken".
func (p *Peer) markTCPBroken() {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.tcpConn != nil {
		p.tcpConn.Close()
		p.tcpConn = nil
		p.framer = nil
	}
}

// serveTCP is the background receive loop for TCP peers, spec.md §4.7
// "Receive path (TCP)". If a connection was already dialed by an outgoing
// Send, that connection is read directly; otherwise a listener accepts a
// single inbound connection.
func (p *Peer) serveTCP(ctx context.Context) error {
	if conn := p.currentTCPConn(); conn != nil {
		return p.receiveTCP(ctx, conn)
	}
	if !p.hasBind {
		// No way to accept without a bind address; wait for an outgoing
		// Send to establish the connection, or for shutdown.
		return p.waitForDialThenReceive(ctx)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", p.bindAddress, p.bindPort))
	if err != nil {
		return &TransportError{Op: "tcp listen", Err: err}
	}
	p.connMu.Lock()
	p.tcpListener = ln
	p.connMu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		// A concurrent dial may have already satisfied the connection;
		// if so this accept failure (listener closed by us) is moot.
		if existing := p.currentTCPConn(); existing != nil {
			return p.receiveTCP(ctx, existing)
		}
		return &TransportError{Op: "tcp accept", Err: err}
	}
	if !p.setTCPConn(conn) {
		conn.Close()
		conn = p.currentTCPConn()
	}
	return p.receiveTCP(ctx, conn)
}

// waitForDialThenReceive polls for a connection established by Send, for
// a client-only TCP peer with no bind address configured to accept on.
func (p *Peer) waitForDialThenReceive(ctx context.Context) error {
	for {
		if conn := p.currentTCPConn(); conn != nil {
			return p.receiveTCP(ctx, conn)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (p *Peer) receiveTCP(ctx context.Context, conn net.Conn) error {
	closed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-closed:
		}
	}()
	defer close(closed)

	framer := p.currentFramer()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, ferr := framer.Feed(buf[:n])
			if ferr != nil {
				p.logger().Warn("tcp framing error on stream, closing connection", slog.Any("err", ferr))
				return &TransportError{Op: "tcp frame decode", Err: ferr}
			}
			for _, frame := range frames {
				pkt, perr := osc.ParsePacket(frame)
				if perr != nil {
					p.logger().Warn("discarding malformed tcp packet", slog.Any("err", perr))
					continue
				}
				p.dispatcher.Dispatch(pkt)
			}
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &TransportError{Op: "tcp receive", Err: err}
		}
	}
}
