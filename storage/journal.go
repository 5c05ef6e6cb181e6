package storage

import (
	"archiver/archive"
)

// Journal records archive transfer lifecycle events in the store.
type Journal struct {
	store *Store
}

var _ archive.History = (*Journal)(nil)

// NewJournal wraps store as an archive.History.
func NewJournal(store *Store) *Journal {
	return &Journal{store: store}
}

// RecordStarted inserts a row for a newly admitted transfer.
func (j *Journal) RecordStarted(s archive.Snapshot) error {
	return j.store.InsertTransfer(Transfer{
		TransferID:    s.ID,
		Key:           s.Key,
		Parent:        s.Parent,
		FinalPath:     s.FinalPath,
		HashMethod:    s.HashMethod,
		DeclaredSize:  s.DeclaredSize,
		ReceivedBytes: s.ReceivedBytes,
		Status:        string(s.Status),
		StartedAt:     s.StartedAt.UnixMilli(),
	})
}

// RecordFinished stores the final status of a transfer.
func (j *Journal) RecordFinished(s archive.Snapshot) error {
	var errText string
	if s.Err != nil {
		errText = s.Err.Error()
	}
	var finishedAt int64
	if !s.FinishedAt.IsZero() {
		finishedAt = s.FinishedAt.UnixMilli()
	}
	return j.store.FinishTransfer(s.ID, string(s.Status), s.ReceivedBytes, s.Checksum, errText, finishedAt)
}
