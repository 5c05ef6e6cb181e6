package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyUploading indicates the transfer key is already active.
	ErrAlreadyUploading = errors.New("archive: already uploading")
	// ErrUnknownTransfer indicates a chunk or finalize referenced a key that is not active.
	ErrUnknownTransfer = errors.New("archive: unknown transfer")
	// ErrIntegrityFailure indicates the received digest does not match the expected checksum.
	ErrIntegrityFailure = errors.New("archive: integrity failure")
	// ErrStagingIO indicates a filesystem error while creating, writing, or committing staged bytes.
	ErrStagingIO = errors.New("archive: staging io failure")
	// ErrSizeOverrun indicates more bytes were sent than the transfer declared.
	ErrSizeOverrun = errors.New("archive: size overrun")
	// ErrNotReceiving indicates a chunk arrived after the transfer left the receiving state.
	ErrNotReceiving = errors.New("archive: transfer is not receiving")
	// ErrCancelled indicates the transfer was cancelled before it could be committed.
	ErrCancelled = errors.New("archive: transfer cancelled")
	// ErrStalled indicates the transfer was abandoned after receiving no bytes for too long.
	ErrStalled = errors.New("archive: transfer stalled")
	// ErrPathOutsideRoot indicates the destination path does not resolve under the archive root.
	ErrPathOutsideRoot = errors.New("archive: destination outside archive root")
	// ErrInvalidKey indicates an empty or malformed transfer key.
	ErrInvalidKey = errors.New("archive: invalid transfer key")
	// ErrInvalidSize indicates a negative declared size.
	ErrInvalidSize = errors.New("archive: invalid declared size")
	// ErrRegistryClosed indicates the registry has been stopped.
	ErrRegistryClosed = errors.New("archive: registry closed")
)

// TransferError records a failed operation on one transfer key.
type TransferError struct {
	Op  string
	Key string
	Err error
}

func (e *TransferError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func transferError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var existing *TransferError
	if errors.As(err, &existing) && existing.Key == key {
		return err
	}
	return &TransferError{Op: op, Key: key, Err: err}
}

// stagingError wraps a filesystem error so callers can match ErrStagingIO while
// still seeing the underlying cause.
func stagingError(action string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStagingIO, action, err)
}
