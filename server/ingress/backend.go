// Package ingress implements the LMTP front end: it accepts or rejects
// recipients against the account store, aggregates the resulting delivery
// targets per transaction, and drives forward dispatch and mailbox fan-out
// at end of DATA.
package ingress

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/tern/config"
	"github.com/migadu/tern/logger"
	"github.com/migadu/tern/pkg/metrics"
	"github.com/migadu/tern/server"
	"github.com/migadu/tern/server/delivery"
	"github.com/migadu/tern/server/idgen"
	"github.com/migadu/tern/server/relayqueue"
)

// Backend is the LMTP server backend. One Backend serves all connections;
// per-connection state lives in LMTPSession.
type Backend struct {
	addr           string
	name           string
	hostname       string
	appCtx         context.Context
	server         *smtp.Server
	tlsConfig      *tls.Config
	debug          bool
	maxMessageSize int64

	resolver   *Resolver
	dispatcher *relayqueue.Dispatcher
	fanout     *delivery.Fanout
	srsConfig  *config.SRSConfig

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
}

// Options holds the listener-level knobs for an LMTP backend.
type Options struct {
	Debug          bool
	TLS            bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSVerify      bool
	MaxMessageSize int64
}

func New(appCtx context.Context, name, hostname, addr string, resolver *Resolver, dispatcher *relayqueue.Dispatcher, fanout *delivery.Fanout, srsConfig *config.SRSConfig, options Options) (*Backend, error) {
	backend := &Backend{
		addr:           addr,
		name:           name,
		hostname:       hostname,
		appCtx:         appCtx,
		debug:          options.Debug,
		maxMessageSize: options.MaxMessageSize,
		resolver:       resolver,
		dispatcher:     dispatcher,
		fanout:         fanout,
		srsConfig:      srsConfig,
	}

	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS enabled for LMTP [%s] but no tls_cert_file/tls_key_file provided", name)
		}
		cert, err := tls.LoadX509KeyPair(options.TLSCertFile, options.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		backend.tlsConfig = &tls.Config{
			Certificates:             []tls.Certificate{cert},
			MinVersion:               tls.VersionTLS12,
			ClientAuth:               tls.NoClientCert,
			ServerName:               hostname,
			PreferServerCipherSuites: true,
			NextProtos:               []string{"lmtp"},
			Renegotiation:            tls.RenegotiateNever,
		}
		if !options.TLSVerify {
			backend.tlsConfig.InsecureSkipVerify = true
			logger.Debug("LMTP: WARNING - TLS certificate verification disabled", "name", name)
		}
	}

	s := smtp.NewServer(backend)
	s.Addr = addr
	s.Domain = hostname
	s.AllowInsecureAuth = true
	s.LMTP = true
	s.Network = "tcp"
	// Size enforcement happens in Data so oversize messages get a proper
	// 552 and never reach the forward queue; MaxMessageBytes stays unset.

	if options.Debug {
		var debugWriter io.Writer = os.Stdout
		s.Debug = debugWriter
	}

	backend.server = s
	return backend, nil
}

func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	sessionCtx, sessionCancel := context.WithCancel(b.appCtx)

	b.totalConnections.Add(1)
	activeCount := b.activeConnections.Add(1)

	metrics.ConnectionsTotal.WithLabelValues("lmtp").Inc()
	metrics.ConnectionsCurrent.WithLabelValues("lmtp").Inc()

	s := &LMTPSession{
		backend:   b,
		conn:      c,
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		startTime: time.Now(),
	}
	s.RemoteIP = remoteIP(c)
	s.Id = idgen.New()
	s.HostName = b.hostname
	s.Protocol = "LMTP"

	s.Log("new session remote=%s id=%s (connections: active=%d)", s.RemoteIP, s.Id, activeCount)
	return s, nil
}

// Start listens on the configured address and serves until Close or context
// cancellation. Errors that are not part of a graceful shutdown go to
// errChan.
func (b *Backend) Start(errChan chan error) {
	tcpListener, err := net.Listen("tcp", b.server.Addr)
	if err != nil {
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}

	var listener net.Listener = tcpListener
	if b.tlsConfig != nil {
		listener = tls.NewListener(tcpListener, b.tlsConfig)
		logger.Info("LMTP server listening with TLS", "name", b.name, "addr", b.server.Addr)
	} else {
		logger.Info("LMTP server listening", "name", b.name, "addr", b.server.Addr, "tls", false)
	}
	defer listener.Close()

	if err := b.server.Serve(listener); err != nil {
		if b.appCtx.Err() != nil {
			logger.Info("LMTP server stopped gracefully", "name", b.name)
		} else if server.IsConnectionError(err) {
			logger.Warn("LMTP server closed on connection error", "name", b.name, "error", err)
		} else {
			errChan <- fmt.Errorf("LMTP server error: %w", err)
		}
	} else {
		logger.Info("LMTP server stopped gracefully", "name", b.name)
	}
}

func (b *Backend) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

// GetTotalConnections returns the cumulative total of all connections made.
func (b *Backend) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

// GetActiveConnections returns the current number of active connections.
func (b *Backend) GetActiveConnections() int64 {
	return b.activeConnections.Load()
}

func remoteIP(c *smtp.Conn) string {
	if c == nil || c.Conn() == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(c.Conn().RemoteAddr().String())
	if err != nil {
		return c.Conn().RemoteAddr().String()
	}
	return host
}
