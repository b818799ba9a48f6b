package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-relay/frame"
	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/message"
	"github.com/cyberinferno/go-relay/metrics"
	"github.com/cyberinferno/go-relay/registry"
)

// SessionState is the lifecycle stage of a Session.
type SessionState int32

const (
	StateHandshaking SessionState = iota // Identifier not yet delivered
	StateActive                          // Registered and routing frames
	StateClosing                         // Leaving the registry
	StateClosed                          // Socket closed
)

// String returns the state name.
func (st SessionState) String() string {
	switch st {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(st))
	}
}

type sessionConfig struct {
	registry     *registry.Registry
	metrics      *metrics.Metrics
	logger       logger.Logger
	maxFrameSize int
	writeTimeout time.Duration
}

// Session is one client connection. It is the registry.Handle for that
// client and runs the connection's read loop in Handle.
type Session struct {
	id      string
	address string
	conn    net.Conn
	reader  *frame.Reader
	alias   atomic.Pointer[string]
	state   atomic.Int32

	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error

	// registered is only touched by the goroutine running Handle.
	registered bool

	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   logger.Logger
}

var _ registry.Handle = (*Session)(nil)

func newSession(id string, conn net.Conn, cfg sessionConfig) *Session {
	address := conn.RemoteAddr().String()
	return &Session{
		id:           id,
		address:      address,
		conn:         conn,
		reader:       frame.NewReader(conn, cfg.maxFrameSize),
		writeTimeout: cfg.writeTimeout,
		registry:     cfg.registry,
		metrics:      cfg.metrics,
		logger: cfg.logger.With(
			logger.Field{Key: "session_id", Value: id},
			logger.Field{Key: "remote_addr", Value: address},
		),
	}
}

// ID implements registry.Handle.
func (s *Session) ID() string {
	return s.id
}

// Address implements registry.Handle.
func (s *Session) Address() string {
	return s.address
}

// Alias implements registry.Handle. It is empty until the client sets one.
func (s *Session) Alias() string {
	if p := s.alias.Load(); p != nil {
		return *p
	}

	return ""
}

// SetAlias replaces the alias.
func (s *Session) SetAlias(alias string) {
	s.alias.Store(&alias)
}

// State returns the current lifecycle stage.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Send writes one frame to the client. Writes are serialized and bounded by
// the write timeout. A failed write closes the socket so the session's own
// loop tears it down.
//
// Returns:
//   - An error wrapping ErrTransport if the write failed
func (s *Session) Send(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		_ = s.Close()
		return fmt.Errorf("%w: set write deadline: %w", ErrTransport, err)
	}

	if err := frame.Write(s.conn, payload); err != nil {
		_ = s.Close()
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}

	return nil
}

// Close closes the socket. It is safe to call multiple times and from any
// goroutine; only the first call has an effect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})

	return s.closeErr
}

// Handle runs the session until the client disconnects or its socket fails.
// The identifier is always the first frame the client receives, and the
// session is only visible to other clients after that.
func (s *Session) Handle(ctx context.Context) {
	s.metrics.SessionOpened()
	defer s.teardown(ctx)

	if !s.handshake(ctx) {
		return
	}

	for {
		payload, err := s.reader.ReadFrame()
		if err != nil {
			s.logReadError(err)
			return
		}

		if !s.dispatch(ctx, payload) {
			return
		}
	}
}

func (s *Session) handshake(ctx context.Context) bool {
	s.setState(StateHandshaking)

	payload, err := message.AssignedID(s.id).Encode()
	if err != nil {
		s.logger.Error("failed to encode assigned id", logger.Err(err))
		return false
	}

	if err := s.Send(payload); err != nil {
		s.logger.Warn("failed to send assigned id", logger.Err(err))
		return false
	}

	if err := s.registry.Add(s); err != nil {
		s.logger.Error("failed to register session", logger.Err(err))
		return false
	}

	s.registered = true
	s.logger.Info("client connected")
	s.registry.BroadcastDirectory(ctx)
	s.setState(StateActive)

	return true
}

// dispatch handles one inbound frame and reports whether the loop should
// keep reading.
func (s *Session) dispatch(ctx context.Context, payload []byte) bool {
	msg, err := message.Decode(payload)
	if err != nil {
		reason := metrics.ReasonDecode
		if errors.Is(err, message.ErrValidation) {
			reason = metrics.ReasonValidation
		}

		s.metrics.FrameDropped(reason)
		s.logger.Warn("dropping malformed frame", logger.Err(err))
		return true
	}

	s.metrics.FrameReceived(msg.Kind.String())

	switch msg.Kind {
	case message.KindClientToServer:
		s.logger.Info("message from client", logger.Field{Key: "body", Value: msg.Body})
	case message.KindAliasUpdate:
		s.SetAlias(msg.Body)
		s.registry.Touch()
		s.logger.Info("alias updated", logger.Field{Key: "alias", Value: msg.Body})
		s.registry.BroadcastDirectory(ctx)
	case message.KindClientToClient:
		s.route(msg)
	case message.KindDisconnect:
		s.logger.Info("client sent disconnect notice")
		return false
	default:
		s.metrics.FrameDropped(metrics.ReasonKind)
		s.logger.Warn("dropping unexpected message kind", logger.Field{Key: "kind", Value: msg.Kind.String()})
	}

	return true
}

// route forwards a direct message. The origin is always this session's id,
// whatever the client put in the frame.
func (s *Session) route(msg message.Message) {
	if msg.Destination == "" {
		s.metrics.FrameDropped(metrics.ReasonValidation)
		s.logger.Warn("dropping direct message without destination")
		return
	}

	out, err := message.New(message.KindClientToClient, msg.Body, msg.Destination, s.id)
	if err != nil {
		s.metrics.FrameDropped(metrics.ReasonValidation)
		s.logger.Warn("dropping invalid direct message", logger.Err(err))
		return
	}

	dest, err := s.registry.Lookup(msg.Destination)
	if err != nil {
		s.metrics.FrameDropped(metrics.ReasonNotFound)
		s.logger.Warn("dropping direct message", logger.Field{Key: "destination", Value: msg.Destination}, logger.Err(err))
		return
	}

	payload, err := out.Encode()
	if err != nil {
		s.metrics.FrameDropped(metrics.ReasonValidation)
		s.logger.Error("failed to encode direct message", logger.Err(err))
		return
	}

	if err := dest.Send(payload); err != nil {
		s.metrics.FrameDropped(metrics.ReasonSendFailed)
		s.metrics.SendFailed()
		s.logger.Warn("failed to deliver direct message", logger.Field{Key: "destination", Value: msg.Destination}, logger.Err(err))
		return
	}

	s.metrics.DirectMessage()
}

// teardown leaves the registry, tells the remaining clients and closes the
// socket. It runs exactly once, from Handle.
func (s *Session) teardown(ctx context.Context) {
	s.setState(StateClosing)

	if s.registered {
		s.registry.Remove(s.id)
		s.registry.BroadcastDirectory(ctx)
	}

	if err := s.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("error closing connection", logger.Err(err))
	}

	s.setState(StateClosed)
	s.metrics.SessionClosed()
	s.logger.Info("client disconnected")
}

func (s *Session) logReadError(err error) {
	err = fmt.Errorf("%w: read: %w", ErrTransport, err)

	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.logger.Debug("connection closed", logger.Err(err))
	case errors.Is(err, frame.ErrFrameTooLarge):
		s.metrics.FrameDropped(metrics.ReasonTooLarge)
		s.logger.Warn("closing connection after oversized frame", logger.Err(err))
	default:
		s.logger.Warn("connection read failed", logger.Err(err))
	}
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}
