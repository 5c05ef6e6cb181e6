package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	TransferStatusReceiving = "receiving"
	TransferStatusCompleted = "completed"
	TransferStatusCommitted = "committed"
	TransferStatusFailed    = "failed"
	TransferStatusCancelled = "cancelled"
)

// Transfer is the SQLite representation of one admitted upload.
type Transfer struct {
	TransferID    string
	Key           string
	Parent        string
	FinalPath     string
	HashMethod    string
	DeclaredSize  int64
	ReceivedBytes int64
	Status        string
	Checksum      string
	Error         string
	StartedAt     int64
	FinishedAt    *int64
}

// TransferFilter narrows ListTransfers query results.
type TransferFilter struct {
	Key    string
	Parent string
	Status string
	Limit  int
	Offset int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusReceiving, TransferStatusCompleted, TransferStatusCommitted, TransferStatusFailed, TransferStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func stringPointer(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
