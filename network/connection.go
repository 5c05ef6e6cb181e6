package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionState represents the lifecycle state of one client connection.
type ConnectionState string

const (
	StateReady        ConnectionState = "READY"
	StateIdle         ConnectionState = "IDLE"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// Connection is a framed client session. Replies are matched to requests by
// request_id; errors for fire-and-forget chunks are kept per key.
type Connection struct {
	conn net.Conn

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	pendingMu sync.Mutex
	pending   map[string]chan []byte

	chunkErrMu sync.Mutex
	chunkErrs  map[string]error

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newConnection(conn net.Conn, keepAliveInterval, keepAliveTimeout time.Duration) *Connection {
	if keepAliveInterval <= 0 {
		keepAliveInterval = DefaultKeepAliveInterval
	}
	if keepAliveTimeout <= 0 {
		keepAliveTimeout = DefaultKeepAliveTimeout
	}

	c := &Connection{
		conn:              conn,
		state:             StateReady,
		pending:           make(map[string]chan []byte),
		chunkErrs:         make(map[string]error),
		keepAliveInterval: keepAliveInterval,
		keepAliveTimeout:  keepAliveTimeout,
		closed:            make(chan struct{}),
	}

	c.touchActivity()
	go c.readLoop()
	go c.keepAliveLoop()

	return c
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Done is closed when the connection is fully disconnected.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal connection error, if any.
func (c *Connection) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Close terminates the connection.
func (c *Connection) Close() error {
	c.closeWithError(nil)
	return nil
}

// SendMessage marshals a protocol message and writes it as one frame.
func (c *Connection) SendMessage(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}

	if c.State() == StateDisconnected {
		return c.terminalError()
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := WriteFrame(c.conn, payload); err != nil {
		c.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}

	c.touchActivity()
	return nil
}

// request sends message and waits for the reply carrying requestID.
func (c *Connection) request(ctx context.Context, requestID string, message any) ([]byte, error) {
	reply := make(chan []byte, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	if err := c.SendMessage(message); err != nil {
		return nil, err
	}

	select {
	case payload := <-reply:
		return payload, nil
	case <-c.closed:
		return nil, c.terminalError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) takeChunkError(key string) error {
	c.chunkErrMu.Lock()
	defer c.chunkErrMu.Unlock()
	err := c.chunkErrs[key]
	delete(c.chunkErrs, key)
	return err
}

func (c *Connection) peekChunkError(key string) error {
	c.chunkErrMu.Lock()
	defer c.chunkErrMu.Unlock()
	return c.chunkErrs[key]
}

func (c *Connection) readLoop() {
	for {
		payload, err := ReadFrame(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return
			}
			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		c.touchActivity()
		if len(payload) == 0 {
			continue
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch msgType {
		case TypePing:
			ping, err := decodeMessage[PingMessage](payload, "ping")
			if err != nil {
				continue
			}
			_ = c.SendMessage(PongMessage{Type: TypePong, RequestID: ping.RequestID, Timestamp: time.Now().UnixMilli()})
		case TypePong:
			c.ackPong()
			c.setState(StateIdle)
			c.deliver(payload)
		case TypeError:
			remote, err := decodeMessage[ErrorMessage](payload, "error")
			if err != nil {
				continue
			}
			if !c.deliver(payload) && remote.Key != "" {
				c.chunkErrMu.Lock()
				if _, exists := c.chunkErrs[remote.Key]; !exists {
					c.chunkErrs[remote.Key] = remoteError(remote)
				}
				c.chunkErrMu.Unlock()
			}
		default:
			c.setState(StateReady)
			c.deliver(payload)
		}
	}
}

// deliver hands payload to the request waiting on its request_id.
func (c *Connection) deliver(payload []byte) bool {
	envelope, err := decodeMessage[struct {
		RequestID string `json:"request_id"`
	}](payload, "reply")
	if err != nil || envelope.RequestID == "" {
		return false
	}

	c.pendingMu.Lock()
	reply, ok := c.pending[envelope.RequestID]
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case reply <- payload:
	default:
	}
	return true
}

func (c *Connection) keepAliveLoop() {
	checkEvery := c.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = c.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.waitingPongExpired() {
				c.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idleFor < c.keepAliveInterval || c.isWaitingPong() {
				continue
			}

			if err := c.SendMessage(PingMessage{Type: TypePing, Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
			c.setWaitingPong(time.Now().Add(c.keepAliveTimeout))
			c.setState(StateIdle)
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) setState(state ConnectionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
}

func (c *Connection) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) setWaitingPong(deadline time.Time) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = true
	c.pongDeadline = deadline
}

func (c *Connection) ackPong() {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = false
	c.pongDeadline = time.Time{}
}

func (c *Connection) isWaitingPong() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong
}

func (c *Connection) waitingPongExpired() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong && time.Now().After(c.pongDeadline)
}

func (c *Connection) terminalError() error {
	if err := c.LastError(); err != nil {
		return err
	}
	return ErrConnectionClosed
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.setState(StateDisconnected)
		_ = c.conn.Close()
		close(c.closed)
	})
}

func remoteError(msg ErrorMessage) *RemoteError {
	return &RemoteError{Code: msg.Code, Key: msg.Key, Message: msg.Message}
}
