// Package relayclient provides an event-driven client for the relay
// protocol. Callers register handlers for received messages, directory
// updates, connection state changes and errors, then call Connect.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/cyberinferno/go-relay/frame"
	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/message"
)

var (
	// ErrNotConnected is returned by send operations without a live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("client is closed")
)

// ConnectionState represents the current state of the connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected
	Connecting                          // Dial in progress
	Connected                           // Connected and reading
	Closed                              // Client closed for good
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StateEvent is emitted when the connection state changes.
type StateEvent struct {
	State     ConnectionState
	Address   string
	Timestamp time.Time
	Error     error // Non-nil if the change was caused by an error
}

// MessageEvent carries a received message other than AssignedId and
// DirectoryUpdate, which the client consumes itself.
type MessageEvent struct {
	Message   message.Message
	Timestamp time.Time
}

// DirectoryEvent is emitted for every DirectoryUpdate. Peers excludes this
// client.
type DirectoryEvent struct {
	Peers     []message.DirectoryEntry
	Timestamp time.Time
}

// ErrorEvent is emitted when a read, write or decode error occurs.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

// Handlers run on the client's read goroutine, one at a time and in arrival
// order. They must not call Close.
type (
	StateHandler     func(event StateEvent)
	MessageHandler   func(event MessageEvent)
	DirectoryHandler func(event DirectoryEvent)
	ErrorHandler     func(event ErrorEvent)
)

// Config holds the client settings.
type Config struct {
	// Address is the "host:port" of the relay server.
	Address string
	// WriteTimeout bounds a single send; 0 means no timeout.
	WriteTimeout time.Duration
	// ConnectionTimeout bounds the dial.
	ConnectionTimeout time.Duration
	// MaxFrameSize bounds inbound frames. Defaults to frame.DefaultMaxSize.
	MaxFrameSize int
	Logger       logger.Logger
}

// DefaultConfig returns a Config with default values for address.
//
// Returns:
//   - A Config with WriteTimeout 10s, ConnectionTimeout 10s and the default
//     frame size limit
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		WriteTimeout:      10 * time.Second,
		ConnectionTimeout: 10 * time.Second,
		MaxFrameSize:      frame.DefaultMaxSize,
	}
}

// Client is a relay protocol client. It is safe for concurrent use.
type Client struct {
	config Config
	logger logger.Logger

	mu        sync.RWMutex
	conn      net.Conn
	state     ConnectionState
	closed    bool
	id        string
	idReady   chan struct{}
	directory []message.DirectoryEntry

	onState     StateHandler
	onMessage   MessageHandler
	onDirectory DirectoryHandler
	onError     ErrorHandler

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a Client in the Disconnected state.
func New(config Config) *Client {
	if config.Logger == nil {
		config.Logger = logger.NewNopLogger()
	}

	return &Client{
		config:  config,
		logger:  config.Logger.With(logger.Field{Key: "server", Value: config.Address}),
		state:   Disconnected,
		idReady: make(chan struct{}),
	}
}

// OnState registers the connection state handler, replacing any previous one.
func (c *Client) OnState(handler StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

// OnMessage registers the message handler, replacing any previous one.
func (c *Client) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// OnDirectory registers the directory handler, replacing any previous one.
func (c *Client) OnDirectory(handler DirectoryHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDirectory = handler
}

// OnError registers the error handler, replacing any previous one.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect dials the server and starts reading. The identifier assigned by
// the server becomes available through ID and WaitForID once it arrives.
//
// Returns:
//   - ErrClosed after Close, an error if already connected, or the dial error
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return fmt.Errorf("already connected or connecting")
	}

	c.id = ""
	c.idReady = make(chan struct{})
	c.directory = nil
	c.state = Connecting
	onState := c.onState
	c.mu.Unlock()

	c.notifyState(onState, Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		c.setState(Disconnected, err)
		c.emitError(err)
		return fmt.Errorf("failed to connect to %s: %w", c.config.Address, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setState(Connected, nil)

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

// ID returns the identifier assigned by the server, or "" before it arrived.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// WaitForID blocks until the server has assigned an identifier or ctx ends.
func (c *Client) WaitForID(ctx context.Context) (string, error) {
	c.mu.RLock()
	ready := c.idReady
	c.mu.RUnlock()

	select {
	case <-ready:
		return c.ID(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Directory returns the last directory received, including this client.
func (c *Client) Directory() []message.DirectoryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]message.DirectoryEntry(nil), c.directory...)
}

// Peers returns the last directory received without this client.
func (c *Client) Peers() []message.DirectoryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return peersOf(c.directory, c.id)
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetAlias asks the server to change this client's alias.
func (c *Client) SetAlias(alias string) error {
	return c.send(message.Alias(alias))
}

// SendTo sends text to the peer with the given id. Delivery is best effort:
// the server drops messages for unknown peers without telling the sender.
func (c *Client) SendTo(id, text string) error {
	m, err := message.Direct(id, text)
	if err != nil {
		return err
	}

	return c.send(m)
}

// Notify sends an informational message to the server.
func (c *Client) Notify(text string) error {
	return c.send(message.Notice(text))
}

// Disconnect announces the departure to the server and closes the
// connection. Connect may be called again afterwards.
func (c *Client) Disconnect() error {
	if err := c.send(message.Disconnect()); err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Debug("failed to send disconnect notice", logger.Err(err))
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	c.setState(Disconnected, nil)
	return err
}

// Close closes the connection without a disconnect notice and waits for the
// read goroutine. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	c.wg.Wait()
	c.setState(Closed, nil)

	return nil
}

func (c *Client) send(m message.Message) error {
	payload, err := m.Encode()
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conn
	closed := c.closed
	c.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}

	if err := frame.Write(conn, payload); err != nil {
		c.emitError(err)
		return fmt.Errorf("failed to send %s: %w", m.Kind, err)
	}

	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	reader := frame.NewReader(conn, c.config.MaxFrameSize)
	for {
		payload, err := reader.ReadFrame()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}

		m, err := message.Decode(payload)
		if err != nil {
			c.logger.Warn("skipping malformed message", logger.Err(err))
			c.emitError(err)
			continue
		}

		c.dispatch(m)
	}
}

func (c *Client) dispatch(m message.Message) {
	switch m.Kind {
	case message.KindAssignedID:
		if m.Body == "" {
			err := fmt.Errorf("%w: empty assigned id", message.ErrValidation)
			c.logger.Warn("skipping malformed message", logger.Err(err))
			c.emitError(err)
			return
		}

		c.mu.Lock()
		c.id = m.Body
		select {
		case <-c.idReady:
		default:
			close(c.idReady)
		}
		c.mu.Unlock()
		c.logger.Debug("identifier assigned", logger.Field{Key: "id", Value: m.Body})
	case message.KindDirectoryUpdate:
		entries, err := message.DecodeDirectory(m.Body)
		if err != nil {
			c.logger.Warn("skipping malformed directory", logger.Err(err))
			c.emitError(err)
			return
		}

		c.mu.Lock()
		c.directory = entries
		peers := peersOf(entries, c.id)
		handler := c.onDirectory
		c.mu.Unlock()

		if handler != nil {
			handler(DirectoryEvent{Peers: peers, Timestamp: time.Now()})
		}
	default:
		c.mu.RLock()
		handler := c.onMessage
		c.mu.RUnlock()

		if handler != nil {
			handler(MessageEvent{Message: m, Timestamp: time.Now()})
		}
	}
}

// connectionLost reports a read failure unless the connection was closed on
// purpose by Disconnect or Close.
func (c *Client) connectionLost(conn net.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()

	if !current {
		return
	}

	_ = conn.Close()
	c.logger.Info("connection lost", logger.Err(err))
	c.emitError(err)
	c.setState(Disconnected, err)
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	handler := c.onState
	c.mu.Unlock()

	c.notifyState(handler, state, err)
}

func (c *Client) notifyState(handler StateHandler, state ConnectionState, err error) {
	if handler != nil {
		handler(StateEvent{State: state, Address: c.config.Address, Timestamp: time.Now(), Error: err})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		handler(ErrorEvent{Error: err, Timestamp: time.Now()})
	}
}

func peersOf(entries []message.DirectoryEntry, self string) []message.DirectoryEntry {
	return lo.Filter(entries, func(e message.DirectoryEntry, _ int) bool {
		return e.ID != self
	})
}
