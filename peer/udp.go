package peer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/halfline/oscpeer"
)

func (p *Peer) remoteUDPAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", p.address, p.port))
}

// ensureUDPConn opens (or returns the already-open) UDP socket bound to
// the peer's configured local address/port.
func (p *Peer) ensureUDPConn() (*net.UDPConn, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.udpConn != nil {
		return p.udpConn, nil
	}
	local, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", p.bindAddress, p.bindPort))
	if err != nil {
		return nil, &TransportError{Op: "resolve udp bind address", Err: err}
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, &TransportError{Op: "bind udp socket", Err: err}
	}
	p.udpConn = conn
	return conn, nil
}

func (p *Peer) sendUDP(payload []byte) error {
	conn, err := p.ensureUDPConn()
	if err != nil {
		return err
	}
	remote, err := p.remoteUDPAddr()
	if err != nil {
		return &TransportError{Op: "resolve udp remote address", Err: err}
	}
	if _, err := conn.WriteToUDP(payload, remote); err != nil {
		return &TransportError{Op: "udp send", Err: err}
	}
	return nil
}

// receiveUDP is the background receive loop for UDP peers, spec.md §4.7
// "Receive path (UDP)". It polls with a short read deadline so
// StopListening is responsive even with no traffic.
func (p *Peer) receiveUDP(ctx context.Context, conn *net.UDPConn) error {
	remote, err := p.remoteUDPAddr()
	if err != nil {
		return &TransportError{Op: "resolve udp remote address", Err: err}
	}
	buf := make([]byte, 65536) // comfortably above any realistic UDP datagram
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return &TransportError{Op: "udp receive", Err: err}
		}

		if !p.permissiveSource && !sourceMatches(from, remote) {
			p.logger().Debug("dropping datagram from unexpected source",
				slog.String("from", from.String()), slog.String("expected", remote.String()))
			continue
		}

		pkt, err := osc.ParsePacket(buf[:n])
		if err != nil {
			p.logger().Warn("discarding malformed udp packet", slog.Any("err", err), slog.String("from", from.String()))
			continue
		}
		p.dispatcher.Dispatch(pkt)
	}
}

func sourceMatches(from, remote *net.UDPAddr) bool {
	return from.IP.Equal(remote.IP) && from.Port == remote.Port
}
