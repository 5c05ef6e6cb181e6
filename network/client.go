package network

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"archiver/archive"
)

// MaxChunkSize is the largest raw chunk that still fits one frame once base64
// encoded with its JSON envelope.
const MaxChunkSize = (MaxFrameSize - 4096) / 4 * 3

// ClientOptions configures Dial.
type ClientOptions struct {
	ClientName        string
	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	// ChunkSize is the raw chunk size UploadFile sends per frame.
	ChunkSize int
	Logger    *zerolog.Logger
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.ChunkSize > MaxChunkSize {
		out.ChunkSize = MaxChunkSize
	}
	return out
}

// Client drives a remote archiver over one connection.
type Client struct {
	*Connection

	server    HelloResponse
	chunkSize int
	logger    zerolog.Logger
}

// Dial connects to an archiver, exchanges hello messages and returns a ready client.
func Dial(ctx context.Context, address string, options ClientOptions) (*Client, error) {
	opts := options.withDefaults()

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set hello deadline: %w", err)
	}

	payload, err := EncodeJSON(HelloMessage{
		Type:            TypeHello,
		ProtocolVersion: ProtocolVersion,
		ClientName:      opts.ClientName,
		Timestamp:       time.Now().UnixMilli(),
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	responsePayload, err := ReadFrameWithTimeout(conn, opts.ConnectionTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read hello response: %w", err)
	}

	msgType, err := DecodeMessageType(responsePayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if msgType == TypeError {
		remote, err := decodeMessage[ErrorMessage](responsePayload, "remote error response")
		_ = conn.Close()
		if err != nil {
			return nil, err
		}
		return nil, remoteError(remote)
	}
	if msgType != TypeHelloResponse {
		_ = conn.Close()
		return nil, fmt.Errorf("expected %q, got %q", TypeHelloResponse, msgType)
	}

	hello, err := decodeMessage[HelloResponse](responsePayload, "hello response")
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if hello.ProtocolVersion != ProtocolVersion {
		_ = conn.Close()
		return nil, ErrUnsupportedVersion
	}
	if _, err := archive.ParseHashMethod(hello.HashMethod); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("server hash method: %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear hello deadline: %w", err)
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Client{
		Connection: newConnection(conn, opts.KeepAliveInterval, opts.KeepAliveTimeout),
		server:     hello,
		chunkSize:  opts.ChunkSize,
		logger: logger.With().
			Str("component", "client").
			Str("server", hello.InstanceName).
			Logger(),
	}, nil
}

// Server returns what the archiver announced in its hello response.
func (c *Client) Server() HelloResponse {
	return c.server
}

// StartUpload admits a transfer on the remote archiver.
func (c *Client) StartUpload(ctx context.Context, key, path string, size int64, parent string) (archive.Handle, error) {
	_ = c.takeChunkError(key)

	requestID := uuid.NewString()
	payload, err := c.request(ctx, requestID, StartUpload{
		Type:      TypeStartUpload,
		RequestID: requestID,
		Key:       key,
		Path:      path,
		Size:      size,
		Parent:    parent,
	})
	if err != nil {
		return archive.Handle{}, err
	}

	response, err := decodeReply(payload)
	if err != nil {
		return archive.Handle{}, err
	}
	return archive.Handle{ID: response.TransferID, Key: response.Key, FinalPath: response.FinalPath}, nil
}

// SendChunk sends one chunk without waiting for a reply. A failure reported
// for an earlier chunk of the same key is returned instead of sending.
func (c *Client) SendChunk(key string, data []byte) error {
	if len(data) > MaxChunkSize {
		return fmt.Errorf("chunk of %d bytes exceeds max %d", len(data), MaxChunkSize)
	}
	if err := c.peekChunkError(key); err != nil {
		return err
	}
	return c.SendMessage(SendChunk{
		Type:      TypeSendChunk,
		RequestID: uuid.NewString(),
		Key:       key,
		Data:      data,
	})
}

// FinalizeUpload asks the archiver to verify and commit key and waits for the outcome.
func (c *Client) FinalizeUpload(ctx context.Context, key, checksum string) error {
	requestID := uuid.NewString()
	payload, err := c.request(ctx, requestID, FinalizeUpload{
		Type:      TypeFinalizeUpload,
		RequestID: requestID,
		Key:       key,
		Checksum:  checksum,
	})
	chunkErr := c.takeChunkError(key)
	if err != nil {
		return err
	}

	if _, err := decodeReply(payload); err != nil {
		// A chunk failure removes the transfer, so finalize only sees an
		// unknown key. Surface the original cause instead.
		if chunkErr != nil && errors.Is(err, archive.ErrUnknownTransfer) {
			return chunkErr
		}
		return err
	}
	return nil
}

// CancelUpload aborts key on the remote archiver.
func (c *Client) CancelUpload(ctx context.Context, key string) error {
	requestID := uuid.NewString()
	payload, err := c.request(ctx, requestID, CancelUpload{
		Type:      TypeCancelUpload,
		RequestID: requestID,
		Key:       key,
	})
	_ = c.takeChunkError(key)
	if err != nil {
		return err
	}
	_, err = decodeReply(payload)
	return err
}

// Ping measures one round trip to the archiver.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	requestID := uuid.NewString()
	started := time.Now()
	payload, err := c.request(ctx, requestID, PingMessage{
		Type:      TypePing,
		RequestID: requestID,
		Timestamp: started.UnixMilli(),
	})
	if err != nil {
		return 0, err
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return 0, err
	}
	if msgType != TypePong {
		return 0, fmt.Errorf("expected %q, got %q", TypePong, msgType)
	}
	return time.Since(started), nil
}

// UploadFile streams a local file to key in order, hashing it with the
// server's digest method as it goes, then finalizes with that checksum.
func (c *Client) UploadFile(ctx context.Context, key, localPath, remotePath, parent string) (archive.Handle, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return archive.Handle{}, fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return archive.Handle{}, fmt.Errorf("stat source file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return archive.Handle{}, fmt.Errorf("source %q is not a regular file", localPath)
	}
	size := info.Size()

	digest, err := archive.NewHash(c.server.HashMethod)
	if err != nil {
		return archive.Handle{}, err
	}

	handle, err := c.StartUpload(ctx, key, remotePath, size, parent)
	if err != nil {
		return archive.Handle{}, err
	}
	c.logger.Debug().
		Str("key", key).
		Str("source", localPath).
		Str("size", humanize.IBytes(uint64(size))).
		Msg("uploading file")

	abort := func(cause error) (archive.Handle, error) {
		cancelCtx, cancel := context.WithTimeout(context.Background(), DefaultConnectionTimeout)
		defer cancel()
		if err := c.CancelUpload(cancelCtx, key); err != nil && !errors.Is(err, archive.ErrUnknownTransfer) {
			c.logger.Warn().Err(err).Str("key", key).Msg("cancel after failed upload")
		}
		return archive.Handle{}, cause
	}

	buffer := make([]byte, c.chunkSize)
	var sent int64
	for sent < size {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}

		n, readErr := file.Read(buffer)
		if n > 0 {
			if sent+int64(n) > size {
				return abort(fmt.Errorf("source file %q grew during upload", localPath))
			}
			_, _ = digest.Write(buffer[:n])
			if err := c.SendChunk(key, buffer[:n]); err != nil {
				return abort(fmt.Errorf("send chunk at offset %d: %w", sent, err))
			}
			sent += int64(n)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return abort(fmt.Errorf("read source file at offset %d: %w", sent, readErr))
		}
	}
	if sent != size {
		return abort(fmt.Errorf("source file %q shrank during upload: sent %d of %d bytes", localPath, sent, size))
	}

	checksum := hex.EncodeToString(digest.Sum(nil))
	if err := c.FinalizeUpload(ctx, key, checksum); err != nil {
		return archive.Handle{}, err
	}
	c.logger.Info().Str("key", key).Str("final_path", handle.FinalPath).Msg("upload committed")
	return handle, nil
}

func decodeReply(payload []byte) (Response, error) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return Response{}, err
	}
	switch msgType {
	case TypeResponse:
		return decodeMessage[Response](payload, "response")
	case TypeError:
		remote, err := decodeMessage[ErrorMessage](payload, "error")
		if err != nil {
			return Response{}, err
		}
		return Response{}, remoteError(remote)
	default:
		return Response{}, fmt.Errorf("expected %q, got %q", TypeResponse, msgType)
	}
}
