package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cyberinferno/go-relay/frame"
	"github.com/cyberinferno/go-relay/idgenerator"
	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/metrics"
	"github.com/cyberinferno/go-relay/registry"
	"github.com/cyberinferno/go-relay/safemap"
)

// ErrTransport wraps every read or write failure on a client connection.
var ErrTransport = errors.New("transport error")

const (
	defaultName         = "relay"
	defaultWriteTimeout = 5 * time.Second
	acceptRetryDelay    = 10 * time.Millisecond
)

// Options configures a TCPServer. Only Addr is required.
type Options struct {
	// Name prefixes the server's log messages. Defaults to "relay".
	Name string
	// Addr is the host:port to listen on. Port 0 picks a free port.
	Addr   string
	Logger logger.Logger
	// Registry holds the live sessions. Defaults to a new registry sharing
	// Logger and Metrics.
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	// IDGenerator names accepted connections. Defaults to UUIDs.
	IDGenerator idgenerator.Generator
	// MaxSessions bounds concurrently served connections; 0 is unbounded.
	MaxSessions int
	// MaxFrameSize bounds inbound frames. Defaults to frame.DefaultMaxSize.
	MaxFrameSize int
	// WriteTimeout bounds every send to a connection. Defaults to 5s.
	WriteTimeout time.Duration
}

// TCPServer accepts relay clients and runs one Session per connection. The
// accept loop runs in its own goroutine and never waits on a session.
type TCPServer struct {
	name         string
	addr         string
	logger       logger.Logger
	registry     *registry.Registry
	metrics      *metrics.Metrics
	ids          idgenerator.Generator
	slots        *semaphore.Weighted
	maxFrameSize int
	writeTimeout time.Duration

	listener   net.Listener
	running    atomic.Bool
	sessions   *safemap.SafeMap[string, *Session]
	tasks      *taskgroup.Group
	cancel     context.CancelFunc
	acceptDone chan struct{}
}

// NewTCPServer builds a server from opts, filling in defaults. The server
// does not listen until Start is called.
func NewTCPServer(opts Options) *TCPServer {
	s := &TCPServer{
		name:         opts.Name,
		addr:         opts.Addr,
		logger:       opts.Logger,
		registry:     opts.Registry,
		metrics:      opts.Metrics,
		ids:          opts.IDGenerator,
		maxFrameSize: opts.MaxFrameSize,
		writeTimeout: opts.WriteTimeout,
		sessions:     safemap.NewSafeMap[string, *Session](),
	}

	if s.name == "" {
		s.name = defaultName
	}

	if s.logger == nil {
		s.logger = logger.NewNopLogger()
	}

	if s.registry == nil {
		s.registry = registry.New(registry.Options{Logger: s.logger, Metrics: s.metrics})
	}

	if s.ids == nil {
		s.ids = idgenerator.NewUUIDGenerator()
	}

	if s.maxFrameSize <= 0 {
		s.maxFrameSize = frame.DefaultMaxSize
	}

	if s.writeTimeout <= 0 {
		s.writeTimeout = defaultWriteTimeout
	}

	if opts.MaxSessions > 0 {
		s.slots = semaphore.NewWeighted(int64(opts.MaxSessions))
	}

	return s
}

// Registry returns the registry the server's sessions join.
func (s *TCPServer) Registry() *registry.Registry {
	return s.registry
}

// Addr returns the bound address, or nil before Start.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Start binds to the configured address and begins the accept loop in a
// goroutine. It is safe to call only when the server is not already running.
//
// Returns:
//   - An error if the server is already running or if listening fails
func (s *TCPServer) Start() error {
	if s.running.Load() {
		s.logger.Error("server already running")
		return fmt.Errorf("server %s already running", s.name)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.logger.Error("server failed to start", logger.Err(err))
		return fmt.Errorf("server %s failed to start: %w", s.name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.listener = ln
	s.cancel = cancel
	s.tasks = taskgroup.New(nil)
	s.acceptDone = make(chan struct{})
	s.running.Store(true)

	s.logger.Info(fmt.Sprintf("%s server started", s.name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	go s.acceptLoop(ctx)

	return nil
}

// ListenAndServe starts the server, blocks until ctx is done and then stops
// it.
//
// Returns:
//   - The error from Start, or nil after a clean stop
func (s *TCPServer) ListenAndServe(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop stops accepting, closes every live connection and waits for all
// sessions to finish their teardown. Clients only observe their socket
// closing. Safe to call when the server is not running.
func (s *TCPServer) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		s.logger.Info(fmt.Sprintf("%s server not running", s.name))
		return
	}

	s.cancel()
	_ = s.listener.Close()
	<-s.acceptDone

	s.sessions.Range(func(id string, session *Session) bool {
		s.logger.Debug("closing session",
			logger.Field{Key: "session_id", Value: id},
			logger.Field{Key: "state", Value: session.State().String()})
		_ = session.Close()
		return true
	})
	_ = s.tasks.Wait()

	s.logger.Info(fmt.Sprintf("%s server stopped", s.name))
}

// acceptLoop hands each accepted connection to a new session. When
// MaxSessions is set a slot is taken before Accept, so excess clients wait in
// the listen backlog.
func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer close(s.acceptDone)

	for s.running.Load() {
		if s.slots != nil {
			if err := s.slots.Acquire(ctx, 1); err != nil {
				return
			}
		}

		conn, err := s.listener.Accept()
		if err != nil {
			s.release()
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			s.logger.Error(fmt.Sprintf("%s server accept error", s.name), logger.Err(err))
			time.Sleep(acceptRetryDelay)
			continue
		}

		session := newSession(s.ids.Next(), conn, sessionConfig{
			registry:     s.registry,
			metrics:      s.metrics,
			logger:       s.logger,
			maxFrameSize: s.maxFrameSize,
			writeTimeout: s.writeTimeout,
		})
		s.sessions.Store(session.ID(), session)

		s.tasks.Go(func() error {
			defer s.release()
			defer s.sessions.Delete(session.ID())

			session.Handle(ctx)
			return nil
		})
	}
}

func (s *TCPServer) release() {
	if s.slots != nil {
		s.slots.Release(1)
	}
}
