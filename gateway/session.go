package gateway

import (
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/parcelview/sitewatch/governor"
	"github.com/parcelview/sitewatch/util/logger"
)

// closeReasonAdmitRejected is sent when a connection lost the admission race
// after the protocol upgrade already happened.
const closeReasonAdmitRejected = "admission rejected"

// Session represents one admitted realtime client connection. It adapts the
// WebSocket transport to the governor's Conn interface so eviction sweeps
// can issue close requests without knowing the transport.
type Session struct {
	id        string
	sourceKey string
	conn      *websocket.Conn
	closed    bool
	mu        sync.Mutex
	logger    *logger.Logger
}

// NewSession wraps an upgraded WebSocket connection
func NewSession(id, sourceKey string, conn *websocket.Conn) *Session {
	return &Session{
		id:        id,
		sourceKey: sourceKey,
		conn:      conn,
		logger:    logger.NewLogger(fmt.Sprintf("Session(%s)", id)),
	}
}

// ID returns the session's connection id
func (s *Session) ID() string {
	return s.id
}

// SourceKey returns the client origin key used for admission accounting
func (s *Session) SourceKey() string {
	return s.sourceKey
}

// Close closes the underlying WebSocket with a status derived from the
// governor's close reason. Multiple calls are safe (idempotent); only the
// first close reaches the transport.
func (s *Session) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.conn.Close(statusForReason(reason), reason); err != nil {
		return fmt.Errorf("failed to close session %s: %w", s.id, err)
	}
	return nil
}

// IsClosed returns true if Close has been called
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// statusForReason maps governor close reasons to WebSocket status codes the
// client layer can distinguish.
func statusForReason(reason string) websocket.StatusCode {
	switch reason {
	case governor.CloseReasonIdle:
		return websocket.StatusGoingAway
	case governor.CloseReasonEmergency, closeReasonAdmitRejected:
		return websocket.StatusTryAgainLater
	case governor.CloseReasonShutdown:
		return websocket.StatusGoingAway
	default:
		return websocket.StatusNormalClosure
	}
}
