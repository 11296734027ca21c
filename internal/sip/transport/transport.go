// Package transport owns pbxcore's one SIP user agent: it creates the
// sipgo UserAgent/Server/Client triple, binds the UDP (mandatory) and TCP
// (optional) listeners, and builds the DialogUA used to send BYE/re-INVITE
// on the core's own dialogs. Adapted from
// services/signaling/app/app.go's NewServer/Start, which performed the
// same setup for the two-process teacher; folded here into the single
// pbxcore process per the single-process design
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/switchboard/internal/config"
)

// Transport owns the SIP user agent and its network listeners.
type Transport struct {
	UA       *sipgo.UserAgent
	Server   *sipgo.Server
	Client   *sipgo.Client
	DialogUA *sipgo.DialogUA

	cfg *config.Config

	mu       sync.Mutex
	wg       sync.WaitGroup
	errCh    chan error
}

// New creates the user agent, server, and client, and wires a DialogUA
// carrying the configured advertised Contact address. It does not yet
// listen; call ListenAndServe for that.
func New(cfg *config.Config) (*Transport, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("transport: create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("transport: create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("transport: create client: %w", err)
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "pbxcore",
			Host:   cfg.AdvertiseAddr,
			Port:   cfg.SIPPort,
		},
	}
	dialogUA := &sipgo.DialogUA{
		Client:     client,
		ContactHDR: contact,
	}

	return &Transport{
		UA:       ua,
		Server:   srv,
		Client:   client,
		DialogUA: dialogUA,
		cfg:      cfg,
		errCh:    make(chan error, 2),
	}, nil
}

// OnRequest registers a handler for a SIP method, mirroring
// services/signaling/app/app.go's uas.OnRequest(sip.REGISTER, ...) calls.
func (t *Transport) OnRequest(method sip.RequestMethod, handler sip.RequestHandler) {
	t.Server.OnRequest(method, handler)
}

// ListenAndServe binds the configured UDP listener (mandatory) and, if
// enabled, a TCP listener, each in its own goroutine. It returns once both
// listeners are launched; use Wait or the channel from Errors to learn
// about a listener dying.
func (t *Transport) ListenAndServe(ctx context.Context) error {
	udpAddr := fmt.Sprintf("%s:%d", t.cfg.SIPBindAddr, t.cfg.SIPPort)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		slog.Info("[Transport] listening", "network", "udp", "addr", udpAddr)
		if err := t.Server.ListenAndServe(ctx, "udp", udpAddr); err != nil {
			t.errCh <- fmt.Errorf("udp listener: %w", err)
		}
	}()

	if t.cfg.SIPTCPEnabled {
		tcpAddr := fmt.Sprintf("%s:%d", t.cfg.SIPBindAddr, t.cfg.SIPPort)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			slog.Info("[Transport] listening", "network", "tcp", "addr", tcpAddr)
			if err := t.Server.ListenAndServe(ctx, "tcp", tcpAddr); err != nil {
				t.errCh <- fmt.Errorf("tcp listener: %w", err)
			}
		}()
	}

	return nil
}

// Errors returns a channel on which listener failures are reported.
func (t *Transport) Errors() <-chan error {
	return t.errCh
}

// Wait blocks until every listener goroutine has returned (normally only
// after ctx passed to ListenAndServe is cancelled).
func (t *Transport) Wait() {
	t.wg.Wait()
}

// Close shuts down the user agent, unbinding its listeners.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.UA == nil {
		return nil
	}
	return t.UA.Close()
}
