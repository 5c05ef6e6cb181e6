package network

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"archiver/archive"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultChunkSize is the raw chunk size UploadFile sends per frame.
	DefaultChunkSize = 256 * 1024
	// DefaultConnectionTimeout bounds TCP dial and hello duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends ping on idle client connections.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultIdleTimeout closes server connections that send nothing for this long.
	DefaultIdleTimeout = 2 * time.Minute
)

const (
	TypeHello          = "hello"
	TypeHelloResponse  = "hello_response"
	TypeStartUpload    = "start_upload"
	TypeSendChunk      = "send_chunk"
	TypeFinalizeUpload = "finalize_upload"
	TypeCancelUpload   = "cancel_upload"
	TypeResponse       = "response"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeError          = "error"
)

const (
	statusOK = "ok"
)

// Error codes carried by ErrorMessage.
const (
	CodeAlreadyUploading = "already_uploading"
	CodeUnknownTransfer  = "unknown_transfer"
	CodeIntegrityFailure = "integrity_failure"
	CodeStagingIO        = "staging_io"
	CodeSizeOverrun      = "size_overrun"
	CodeNotReceiving     = "not_receiving"
	CodeCancelled        = "cancelled"
	CodeStalled          = "stalled"
	CodePathOutsideRoot  = "path_outside_root"
	CodeInvalidKey       = "invalid_key"
	CodeInvalidSize      = "invalid_size"
	CodeRegistryClosed   = "registry_closed"
	CodeBadRequest       = "bad_request"
	CodeUnknownType      = "unknown_type"
	CodeVersionMismatch  = "version_mismatch"
	CodeHelloRequired    = "hello_required"
	CodeInternal         = "internal"
	CodeContextCancelled = "context_cancelled"
	CodeDeadlineExceeded = "deadline_exceeded"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrConnectionClosed indicates the connection ended before a reply arrived.
	ErrConnectionClosed = errors.New("network: connection closed")
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// errorCodes maps sentinels to wire codes and back. Order matters: the
// first sentinel an error matches decides its code.
var errorCodes = []struct {
	code string
	err  error
}{
	{CodeAlreadyUploading, archive.ErrAlreadyUploading},
	{CodeUnknownTransfer, archive.ErrUnknownTransfer},
	{CodeIntegrityFailure, archive.ErrIntegrityFailure},
	{CodeSizeOverrun, archive.ErrSizeOverrun},
	{CodeStagingIO, archive.ErrStagingIO},
	{CodeNotReceiving, archive.ErrNotReceiving},
	{CodeCancelled, archive.ErrCancelled},
	{CodeStalled, archive.ErrStalled},
	{CodePathOutsideRoot, archive.ErrPathOutsideRoot},
	{CodeInvalidKey, archive.ErrInvalidKey},
	{CodeInvalidSize, archive.ErrInvalidSize},
	{CodeRegistryClosed, archive.ErrRegistryClosed},
	{CodeVersionMismatch, ErrUnsupportedVersion},
	{CodeUnknownType, ErrInvalidMessageType},
	{CodeContextCancelled, context.Canceled},
	{CodeDeadlineExceeded, context.DeadlineExceeded},
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// HelloMessage opens every client session.
type HelloMessage struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// HelloResponse describes the archiver a client is talking to.
type HelloResponse struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	InstanceID      string `json:"instance_id"`
	InstanceName    string `json:"instance_name"`
	HashMethod      string `json:"hash_method"`
	MaxFrameSize    int    `json:"max_frame_size"`
	Timestamp       int64  `json:"timestamp"`
}

// StartUpload admits a transfer.
type StartUpload struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Key       string `json:"key"`
	Path      string `json:"path,omitempty"`
	Size      int64  `json:"size"`
	Parent    string `json:"parent,omitempty"`
}

// SendChunk carries one ordered chunk. Data is base64 on the wire.
type SendChunk struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Key       string `json:"key"`
	Data      []byte `json:"data"`
}

// FinalizeUpload asks the archiver to verify and commit a transfer.
type FinalizeUpload struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Key       string `json:"key"`
	Checksum  string `json:"checksum"`
}

// CancelUpload aborts a transfer without committing it.
type CancelUpload struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Key       string `json:"key"`
}

// Response acknowledges a request that succeeded.
type Response struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id"`
	Status     string `json:"status"`
	Key        string `json:"key,omitempty"`
	TransferID string `json:"transfer_id,omitempty"`
	FinalPath  string `json:"final_path,omitempty"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports a failed request or protocol error.
type ErrorMessage struct {
	Type              string `json:"type"`
	RequestID         string `json:"request_id,omitempty"`
	Key               string `json:"key,omitempty"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// RemoteError is an ErrorMessage surfaced to client callers. It unwraps to
// the sentinel matching its code, so errors.Is works across the wire.
type RemoteError struct {
	Code    string
	Key     string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("remote error [%s] %s: %s", e.Code, e.Key, e.Message)
	}
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	for _, entry := range errorCodes {
		if entry.code == e.Code {
			return entry.err
		}
	}
	return nil
}

// ErrorCode returns the wire code for err.
func ErrorCode(err error) string {
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternal
}

func newErrorMessage(requestID, key string, err error) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		RequestID: requestID,
		Key:       key,
		Code:      ErrorCode(err),
		Message:   err.Error(),
		Timestamp: time.Now().UnixMilli(),
	}
}

func makeVersionMismatchError(got int) ErrorMessage {
	return ErrorMessage{
		Type:              TypeError,
		Code:              CodeVersionMismatch,
		Message:           fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, got),
		SupportedVersions: []int{ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	}
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

func decodeMessage[T any](payload []byte, name string) (T, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decode %s: %w", name, err)
	}
	return msg, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
