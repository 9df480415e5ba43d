// Command oscpeer is a small demo CLI exercising package peer end to end:
// a send mode, a receive mode, and a call mode round-tripping a request
// through the call handler. Generalized from the teacher's cmd/test, now
// covering both transports and both OSC framings.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/halfline/oscpeer"
	"github.com/halfline/oscpeer/call"
	"github.com/halfline/oscpeer/peer"
)

var (
	modeFlag    = flag.String("mode", "", "`mode`: one of \"send\", \"receive\", or \"call\"")
	transport   = flag.String("transport", "udp", "`transport`: \"udp\" or \"tcp\"")
	framing     = flag.String("framing", "osc11", "`framing`: \"osc10\" or \"osc11\" (TCP only)")
	remoteFlag  = flag.String("remote", "127.0.0.1:9000", "`host:port` of the remote peer")
	bindFlag    = flag.String("bind", "127.0.0.1:9001", "`host:port` to bind to locally")
	patternFlag = flag.String("pattern", "/test", "address to send to, in send/call mode")
	timeoutFlag = flag.Duration("timeout", time.Second, "call timeout, in call mode")
)

func main() {
	flag.Parse()
	log := slog.Default()

	p, err := buildPeer(log)
	if err != nil {
		log.Error("configuring peer", slog.Any("err", err))
		os.Exit(1)
	}

	ctx := context.Background()
	switch *modeFlag {
	case "send":
		err = runSend(p)
	case "receive":
		err = runReceive(ctx, p, log)
	case "call":
		err = runCall(ctx, p, log)
	default:
		err = fmt.Errorf("unknown mode %q (want send, receive, or call)", *modeFlag)
	}
	if err != nil {
		log.Error("oscpeer", slog.Any("err", err))
		os.Exit(1)
	}
}

func buildPeer(log *slog.Logger) (*peer.Peer, error) {
	remoteHost, remotePortStr, err := net.SplitHostPort(*remoteFlag)
	if err != nil {
		return nil, fmt.Errorf("parsing -remote: %w", err)
	}
	remotePort, err := strconv.Atoi(remotePortStr)
	if err != nil {
		return nil, fmt.Errorf("parsing -remote port: %w", err)
	}

	mode := peer.UDP
	if *transport == "tcp" {
		mode = peer.TCP
	}
	osc11 := peer.OSC11
	if *framing == "osc10" {
		osc11 = peer.OSC10
	}

	opts := []peer.Option{peer.WithLogger(log)}
	if *bindFlag != "" {
		bindHost, bindPortStr, err := net.SplitHostPort(*bindFlag)
		if err != nil {
			return nil, fmt.Errorf("parsing -bind: %w", err)
		}
		bindPort, err := strconv.Atoi(bindPortStr)
		if err != nil {
			return nil, fmt.Errorf("parsing -bind port: %w", err)
		}
		opts = append(opts, peer.WithBind(bindHost, bindPort))
	}

	return peer.New(remoteHost, remotePort, mode, osc11, opts...)
}

func runSend(p *peer.Peer) error {
	msg := osc.NewMessage(*patternFlag, osc.AsInt32(12))
	if err := p.Send(msg); err != nil {
		return err
	}
	slog.Default().Info("sent", slog.String("address", msg.Address))
	return nil
}

func runReceive(ctx context.Context, p *peer.Peer, log *slog.Logger) error {
	p.Dispatcher().AddDefaultHandler(func(msg *osc.Message) {
		log.Info("received", slog.String("address", msg.Address), slog.Any("args", msg.Arguments))
	}, nil)

	if err := p.StartListening(); err != nil {
		return err
	}
	log.Info("listening", slog.String("remote", *remoteFlag), slog.String("bind", *bindFlag))
	<-ctx.Done()
	return p.StopListening()
}

func runCall(ctx context.Context, p *peer.Peer, log *slog.Logger) error {
	handler := call.New(p)
	p.Dispatcher().AddDefaultHandler(handler.Handle, nil)

	if err := p.StartListening(); err != nil {
		return err
	}
	defer p.StopListening()

	reply, err := handler.Call(ctx, osc.NewMessage(*patternFlag), "/reply", *timeoutFlag, nil)
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}
	log.Info("call succeeded", slog.String("address", reply.Address), slog.Any("args", reply.Arguments))
	return nil
}
