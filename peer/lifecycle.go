package peer

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// StartListening spawns the background receive loop (and, transitively,
// the dispatcher's bundle scheduler once a bundle needs it) per spec.md
// §4.7. It is idempotent: calling it again while already listening is a
// no-op.
func (p *Peer) StartListening() error {
	p.listenMu.Lock()
	defer p.listenMu.Unlock()
	if p.listening {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	switch p.mode {
	case UDP:
		conn, err := p.ensureUDPConn()
		if err != nil {
			cancel()
			return err
		}
		g.Go(func() error { return p.receiveUDP(gctx, conn) })
	case TCP:
		g.Go(func() error { return p.serveTCP(gctx) })
	}

	p.cancel = cancel
	p.group = g
	p.listening = true
	return nil
}

// StopListening signals the receive loop to exit, closes the peer's
// sockets, joins the loop, and stops the dispatcher's scheduler. It is
// idempotent. A subsequent Send reopens the transport as needed; a
// subsequent StartListening begins listening again from a clean state.
func (p *Peer) StopListening() error {
	p.listenMu.Lock()
	if !p.listening {
		p.listenMu.Unlock()
		return nil
	}
	cancel := p.cancel
	g := p.group
	p.listening = false
	p.cancel = nil
	p.group = nil
	p.listenMu.Unlock()

	cancel()
	p.closeConns()

	err := g.Wait()
	p.dispatcher.Stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger().Error("receive loop exited with error", slog.Any("err", err))
		return err
	}
	return nil
}

// closeConns closes whatever sockets are open, unblocking any goroutine
// parked in a read or accept, and clears them so the transport reopens
// cleanly on the next Send or StartListening.
func (p *Peer) closeConns() {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.udpConn != nil {
		p.udpConn.Close()
		p.udpConn = nil
	}
	if p.tcpConn != nil {
		p.tcpConn.Close()
		p.tcpConn = nil
	}
	if p.tcpListener != nil {
		p.tcpListener.Close()
		p.tcpListener = nil
	}
	p.framer = nil
}
