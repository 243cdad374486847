package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"peermsg/pkg/config"
	"peermsg/pkg/identity"
	"peermsg/pkg/messages"
	"peermsg/pkg/observability"
	"peermsg/pkg/transport"
	"peermsg/pkg/transport/quic"
	"peermsg/pkg/transport/tcp"
)

// run is the main entry point after CLI parsing.
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("peermsg-node started", zap.String("app", cfg.AppName))

	id, err := identity.Load(cfg.Identity)
	if err != nil {
		zap.L().Error("failed to init identity", zap.Error(err))
		return err
	}
	zap.L().Info("local identity", zap.String("peer_id", string(id.ID)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	book := transport.NewAddrBook()
	transports, listeners, err := startTransports(ctx, cfg.Transports, id, book)
	if err != nil {
		zap.L().Error("failed to start transports", zap.Error(err))
		return err
	}
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()

	svc := messages.New(messages.Options{
		Dialer:             transport.NewBookDialer(book, transports...),
		Logger:             logger,
		IdleTimeout:        seconds(cfg.Messages.IdleTimeoutS),
		ReapInterval:       seconds(cfg.Messages.ReapIntervalS),
		RequestNotifyEvery: seconds(cfg.Messages.RequestNotifyS),
		DialTimeout:        seconds(cfg.Messages.DialTimeoutS),
		FailedInfoTTL:      seconds(cfg.Messages.FailedInfoTTLS),
		MaxSessions:        cfg.Messages.MaxSessions,
		MaxPendingSessions: cfg.Messages.MaxPendingSessions,
		ChannelQueueDepth:  cfg.Messages.ChannelQueueDepth,
		SendBufferDepth:    cfg.Messages.SendBufferDepth,
		EventQueueDepth:    cfg.Messages.EventQueueDepth,
	})
	defer svc.Close()

	for _, l := range listeners {
		svc.Serve(l)
		zap.L().Info("listening", zap.String("addr", l.Addr()))
	}

	go eventLoop(ctx, svc)

	zap.L().Info("node is running; press Ctrl+C to exit")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	zap.L().Info("shutting down")
	return nil
}

// startTransports builds the configured transports, opens their listeners
// and seeds the address book with the configured peers.
func startTransports(ctx context.Context, cfgs []config.TransportConfig, id *identity.Identity, book *transport.AddrBook) ([]transport.Transport, []transport.Listener, error) {
	var (
		trs       []transport.Transport
		listeners []transport.Listener
	)
	for _, tc := range cfgs {
		var (
			tr   transport.Transport
			kind transport.Kind
			err  error
		)
		switch tc.Kind {
		case "tcp":
			tr, kind = tcp.New(id), transport.KindTCP
		case "quic":
			tr, err = quic.New(id)
			kind = transport.KindQUIC
			if err != nil {
				return nil, nil, fmt.Errorf("quic transport: %w", err)
			}
		default:
			return nil, nil, fmt.Errorf("unsupported transport kind: %q", tc.Kind)
		}
		trs = append(trs, tr)
		for _, addr := range tc.Listen {
			l, err := tr.Listen(ctx, addr)
			if err != nil {
				return nil, nil, fmt.Errorf("listen %s %s: %w", tc.Kind, addr, err)
			}
			listeners = append(listeners, l)
		}
		for _, d := range tc.Dial {
			book.Put(transport.PeerID(d.PeerID), transport.Route{Kind: kind, Address: d.Address})
		}
	}
	return trs, listeners, nil
}

// eventLoop auto-accepts inbound sessions and logs session failures. A real
// application would gate acceptance on its own policy.
func eventLoop(ctx context.Context, svc *messages.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-svc.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case messages.SessionRequest:
				if svc.AcceptSessionWithUser(e.Remote) {
					zap.L().Info("accepted session", zap.String("peer", string(e.Remote)))
				}
			case messages.SessionFailed:
				zap.L().Warn("session failed",
					zap.String("peer", string(e.Remote)),
					zap.String("reason", e.Info.EndReason))
			}
		}
	}
}

func genKey(w io.Writer) error {
	id, err := identity.Generate()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "peer_id:     %s\n", id.ID)
	fmt.Fprintf(w, "private_key: %s\n", id.Encode())
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
