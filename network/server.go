package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"archiver/archive"
)

// ServerOptions configures the archiver wire server.
type ServerOptions struct {
	Archiver     archive.Archiver
	InstanceID   string
	InstanceName string
	HashMethod   string

	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration
	Logger            *zerolog.Logger
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.HashMethod == "" {
		out.HashMethod = archive.HashSHA512
	}
	return out
}

// Server accepts framed TCP sessions and drives the archiver with them.
type Server struct {
	listener net.Listener
	options  ServerOptions
	archiver archive.Archiver
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	errs   chan error

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// session serializes writes on one accepted connection. Finalize replies are
// written from their own goroutines.
type session struct {
	conn   net.Conn
	sendMu sync.Mutex
	logger zerolog.Logger
}

func (s *session) send(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return WriteFrame(s.conn, payload)
}

// Listen starts a TCP listener and accept loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	if options.Archiver == nil {
		return nil, errors.New("archiver is required")
	}
	opts := options.withDefaults()

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())

	server := &Server{
		listener: listener,
		options:  opts,
		archiver: opts.Archiver,
		logger:   logger.With().Str("component", "network").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		errs:     make(chan error, 16),
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}
	server.logger.Info().Str("address", listener.Addr().String()).Msg("listening")

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, drops open sessions and interrupts pending finalizes.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		closeErr = s.listener.Close()

		s.connMu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.connMu.Unlock()

		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		if !s.trackConn(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrackConn(conn)

	sess := &session{
		conn:   conn,
		logger: s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}
	if !s.hello(sess) {
		return
	}
	sess.logger.Debug().Msg("session opened")

	for {
		payload, err := ReadFrameWithTimeout(conn, s.options.IdleTimeout)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				sess.logger.Debug().Msg("session closed")
			case errors.As(err, &netErr) && netErr.Timeout():
				sess.logger.Info().Dur("idle_timeout", s.options.IdleTimeout).Msg("closing idle session")
			default:
				s.reportError(fmt.Errorf("read frame from %s: %w", conn.RemoteAddr(), err))
			}
			return
		}
		if len(payload) == 0 {
			continue
		}
		s.dispatch(sess, payload)
	}
}

func (s *Server) hello(sess *session) bool {
	payload, err := ReadFrameWithTimeout(sess.conn, s.options.ConnectionTimeout)
	if err != nil {
		s.reportError(fmt.Errorf("read hello: %w", err))
		return false
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		s.reportError(err)
		return false
	}
	if msgType != TypeHello {
		_ = sess.send(ErrorMessage{
			Type:      TypeError,
			Code:      CodeHelloRequired,
			Message:   fmt.Sprintf("Expected %q, got %q", TypeHello, msgType),
			Timestamp: time.Now().UnixMilli(),
		})
		return false
	}

	hello, err := decodeMessage[HelloMessage](payload, "hello")
	if err != nil {
		s.reportError(err)
		return false
	}
	if hello.ProtocolVersion != ProtocolVersion {
		_ = sess.send(makeVersionMismatchError(hello.ProtocolVersion))
		return false
	}

	if err := sess.send(HelloResponse{
		Type:            TypeHelloResponse,
		ProtocolVersion: ProtocolVersion,
		InstanceID:      s.options.InstanceID,
		InstanceName:    s.options.InstanceName,
		HashMethod:      s.options.HashMethod,
		MaxFrameSize:    MaxFrameSize,
		Timestamp:       time.Now().UnixMilli(),
	}); err != nil {
		s.reportError(fmt.Errorf("write hello response: %w", err))
		return false
	}
	if hello.ClientName != "" {
		sess.logger = sess.logger.With().Str("client", hello.ClientName).Logger()
	}
	return true
}

// dispatch handles starts and chunks inline, in arrival order. Finalize waits
// for completion, so it runs on its own goroutine.
func (s *Server) dispatch(sess *session, payload []byte) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		s.replyError(sess, "", "", CodeBadRequest, err)
		return
	}

	switch msgType {
	case TypePing:
		ping, err := decodeMessage[PingMessage](payload, "ping")
		if err != nil {
			s.replyError(sess, "", "", CodeBadRequest, err)
			return
		}
		s.reply(sess, PongMessage{Type: TypePong, RequestID: ping.RequestID, Timestamp: time.Now().UnixMilli()})

	case TypeStartUpload:
		request, err := decodeMessage[StartUpload](payload, "start_upload")
		if err != nil {
			s.replyError(sess, "", "", CodeBadRequest, err)
			return
		}
		handle, err := s.archiver.StartUpload(s.ctx, request.Key, request.Path, request.Size, request.Parent)
		if err != nil {
			s.reply(sess, newErrorMessage(request.RequestID, request.Key, err))
			return
		}
		s.reply(sess, Response{
			Type:       TypeResponse,
			RequestID:  request.RequestID,
			Status:     statusOK,
			Key:        handle.Key,
			TransferID: handle.ID,
			FinalPath:  handle.FinalPath,
		})

	case TypeSendChunk:
		chunk, err := decodeMessage[SendChunk](payload, "send_chunk")
		if err != nil {
			s.replyError(sess, "", "", CodeBadRequest, err)
			return
		}
		if err := s.archiver.SendChunk(chunk.Key, chunk.Data); err != nil {
			s.reply(sess, newErrorMessage(chunk.RequestID, chunk.Key, err))
		}

	case TypeFinalizeUpload:
		request, err := decodeMessage[FinalizeUpload](payload, "finalize_upload")
		if err != nil {
			s.replyError(sess, "", "", CodeBadRequest, err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.archiver.FinalizeUpload(s.ctx, request.Key, request.Checksum); err != nil {
				s.reply(sess, newErrorMessage(request.RequestID, request.Key, err))
				return
			}
			s.reply(sess, Response{Type: TypeResponse, RequestID: request.RequestID, Status: statusOK, Key: request.Key})
		}()

	case TypeCancelUpload:
		request, err := decodeMessage[CancelUpload](payload, "cancel_upload")
		if err != nil {
			s.replyError(sess, "", "", CodeBadRequest, err)
			return
		}
		if err := s.archiver.Cancel(request.Key); err != nil {
			s.reply(sess, newErrorMessage(request.RequestID, request.Key, err))
			return
		}
		s.reply(sess, Response{Type: TypeResponse, RequestID: request.RequestID, Status: statusOK, Key: request.Key})

	default:
		s.replyError(sess, "", "", CodeUnknownType, fmt.Errorf("%w: %q", ErrInvalidMessageType, msgType))
	}
}

func (s *Server) reply(sess *session, message any) {
	if err := sess.send(message); err != nil {
		s.reportError(fmt.Errorf("write reply to %s: %w", sess.conn.RemoteAddr(), err))
	}
}

func (s *Server) replyError(sess *session, requestID, key, code string, err error) {
	sess.logger.Warn().Err(err).Str("code", code).Msg("rejecting message")
	s.reply(sess, ErrorMessage{
		Type:      TypeError,
		RequestID: requestID,
		Key:       key,
		Code:      code,
		Message:   err.Error(),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	select {
	case <-s.closed:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
	_ = conn.Close()
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case <-s.closed:
		return
	default:
	}

	select {
	case s.errs <- err:
	default:
	}
}
