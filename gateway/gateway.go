package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/parcelview/sitewatch/governor"
	"github.com/parcelview/sitewatch/util/logger"
	"github.com/parcelview/sitewatch/util/uniqueid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds configuration for the realtime gateway
type Config struct {
	ListenAddr    string        // Address to listen on for client connections (e.g., ":8090")
	AdvertiseAddr string        // Address advertised to peers (e.g., "localhost:8090")
	ShutdownGrace time.Duration // Optional: graceful shutdown timeout (default: 5s)
}

// Gateway serves the realtime WebSocket endpoint the dashboard connects to.
// Every upgrade request goes through the admission governor before and after
// the protocol upgrade; every inbound frame refreshes the connection's
// liveness; disconnects deregister the connection.
type Gateway struct {
	config     *Config
	gov        *governor.Governor
	logger     *logger.Logger
	httpServer *http.Server
	listener   net.Listener
}

// NewGateway creates a new gateway instance backed by the given governor
func NewGateway(config *Config, gov *governor.Governor) (*Gateway, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid gateway configuration: %w", err)
	}
	if gov == nil {
		return nil, fmt.Errorf("governor cannot be nil")
	}

	return &Gateway{
		config: config,
		gov:    gov,
		logger: logger.NewLogger("Gateway"),
	}, nil
}

// validateConfig validates the gateway configuration
func validateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if config.ListenAddr == "" {
		return fmt.Errorf("ListenAddr cannot be empty")
	}
	if config.AdvertiseAddr == "" {
		return fmt.Errorf("AdvertiseAddr cannot be empty")
	}

	// Set defaults
	if config.ShutdownGrace == 0 {
		config.ShutdownGrace = 5 * time.Second
	}

	return nil
}

// Start begins listening for client connections (non-blocking)
func (g *Gateway) Start(ctx context.Context) error {
	g.logger.Infof("Starting gateway on %s", g.config.ListenAddr)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWebSocket)
	mux.HandleFunc("/healthz", g.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	listener, err := net.Listen("tcp", g.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.config.ListenAddr, err)
	}
	g.listener = listener
	g.httpServer = &http.Server{Handler: mux}

	g.logger.Infof("Gateway listening on %s", listener.Addr())

	go func() {
		if err := g.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			g.logger.Errorf("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the address the gateway is listening on. Useful when
// ListenAddr was bound to an ephemeral port.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Stop closes every tracked connection and shuts down the HTTP server
func (g *Gateway) Stop() error {
	g.logger.Infof("Stopping gateway")

	// Closing sessions first unblocks their read loops so the HTTP server
	// can drain its handlers within the grace period.
	g.gov.ForceCleanup()

	if g.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.config.ShutdownGrace)
		defer cancel()
		if err := g.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down HTTP server: %w", err)
		}
	}

	g.logger.Infof("Gateway stopped")
	return nil
}

// handleHealthz reports liveness along with the current connection count
func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := g.gov.Stats()
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "ok %d/%d\n", stats.Total, stats.Policy.MaxConnections)
}

// handleWebSocket admits, upgrades and tracks one realtime connection
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sourceKey := sourceKeyFromRemoteAddr(r.RemoteAddr)

	// Check before paying for the upgrade; rejected clients get a plain
	// HTTP error instead of a short-lived WebSocket.
	if ok, reason := g.gov.CanAdmit(sourceKey); !ok {
		g.logger.Debugf("Refusing upgrade from %s: %s", sourceKey, reason)
		http.Error(w, reason, http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Warnf("WebSocket upgrade failed for %s: %v", sourceKey, err)
		return
	}

	id := uniqueid.UniqueId()
	session := NewSession(id, sourceKey, conn)

	// Admit re-validates: another upgrade for the same source may have won
	// the race since the pre-check.
	if !g.gov.Admit(id, sourceKey, session) {
		session.Close(closeReasonAdmitRejected)
		return
	}

	g.readLoop(r.Context(), session)
}

// readLoop consumes frames until the connection errors or is closed,
// refreshing the governor's liveness timestamp on every frame.
func (g *Gateway) readLoop(ctx context.Context, session *Session) {
	defer func() {
		g.gov.Remove(session.ID())
		session.Close("")
	}()

	for {
		if _, _, err := session.conn.Read(ctx); err != nil {
			g.logger.Debugf("Session %s read ended: %v", session.ID(), err)
			return
		}
		g.gov.Touch(session.ID())
	}
}

// sourceKeyFromRemoteAddr derives the per-source accounting key from the
// client network address, dropping the ephemeral port so all connections
// from one host share a quota.
func sourceKeyFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
