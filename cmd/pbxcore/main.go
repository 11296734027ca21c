// Command pbxcore is the software PBX's single process: it brings up the
// SIP transport, registrar, dialplan, RTP relay, and B2BUA call manager,
// folding what used to be two cooperating processes (cmd/signaling,
// cmd/rtpmanager) into one.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/switchboard/internal/b2bua"
	"github.com/sebas/switchboard/internal/banner"
	"github.com/sebas/switchboard/internal/calltable"
	"github.com/sebas/switchboard/internal/cdr"
	"github.com/sebas/switchboard/internal/config"
	"github.com/sebas/switchboard/internal/control"
	"github.com/sebas/switchboard/internal/dialplan"
	"github.com/sebas/switchboard/internal/events"
	"github.com/sebas/switchboard/internal/extstore"
	"github.com/sebas/switchboard/internal/logger"
	"github.com/sebas/switchboard/internal/media/relay"
	"github.com/sebas/switchboard/internal/media/relay/portpool"
	"github.com/sebas/switchboard/internal/registrar"
	"github.com/sebas/switchboard/internal/sip/dialog"
	"github.com/sebas/switchboard/internal/sip/transport"

	"github.com/emiago/sipgo/sip"
)

const callTableCleanupInterval = time.Minute

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "pbxcore: invalid configuration:", err)
		os.Exit(1)
	}

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("pbxcore", []banner.ConfigLine{
		{Label: "SIP", Value: fmt.Sprintf("%s:%d (tcp=%t)", cfg.SIPBindAddr, cfg.SIPPort, cfg.SIPTCPEnabled)},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "RTP ports", Value: fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax)},
		{Label: "Realm", Value: cfg.Realm},
		{Label: "Dialplan", Value: cfg.DialplanPath},
	})

	if err := run(cfg); err != nil {
		slog.Error("pbxcore: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	tp, err := transport.New(cfg)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer tp.Close()

	dialogMgr := dialog.NewManager(tp.Client, tp.DialogUA)
	defer dialogMgr.Close()

	ext := extstore.NewMemoryExtensionStore()

	reg := registrar.New(cfg.Realm, cfg.DigestAlgorithm, ext, tp.Client)
	defer reg.Close()

	ports := portpool.New(cfg.RTPPortMin, cfg.RTPPortMax)
	relayMgr := relay.NewManager()
	defer relayMgr.CloseAll()

	plan, err := dialplan.Load(cfg.DialplanPath, slog.Default())
	if err != nil {
		return fmt.Errorf("dialplan: %w", err)
	}

	cdrSink, err := cdr.NewFileSink(cfg.CDRDir)
	if err != nil {
		return fmt.Errorf("cdr: %w", err)
	}
	defer cdrSink.Close()

	calls := calltable.New(callTableCleanupInterval)
	defer calls.Close()

	callEvents := events.NewChannelPublisher(256)
	defer callEvents.Close()
	pub := events.NewMultiPublisher(events.NewLoggingPublisher(slog.Default()), callEvents)

	manager := b2bua.New(cfg, tp, dialogMgr, plan, reg, relayMgr, ports, calls, cdrSink, ext, pub)
	manager.RegisterHandlers()

	// REGISTER is handled by the registrar rather than the B2BUA; adapt
	// its error-returning HandleRegister to sip.RequestHandler's bare
	// signature (the same wiring services/signaling/app/app.go did for
	// uas.OnRequest(sip.REGISTER, ...)).
	tp.OnRequest(sip.REGISTER, func(req *sip.Request, tx sip.ServerTransaction) {
		if err := reg.HandleRegister(req, tx); err != nil {
			slog.Error("[pbxcore] REGISTER handling failed", "error", err)
		}
	})

	// Constructed for external collaborators; pbxcore ships no HTTP/RPC
	// frontend of its own, so nothing in this binary calls it yet. A future
	// admin surface wraps this value directly instead of reaching into
	// Manager/Registrar.
	_ = control.New(manager, reg, callEvents)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tp.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	go reg.RunKeepaliveSweep(ctx, cfg.NATKeepalive)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("[pbxcore] received signal, shutting down", "signal", sig)
	case err := <-tp.Errors():
		slog.Error("[pbxcore] transport listener failed", "error", err)
	}

	cancel()
	tp.Wait()
	return nil
}
