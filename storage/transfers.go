package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// InsertTransfer records a newly admitted transfer.
func (s *Store) InsertTransfer(transfer Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.Key == "" {
		return errors.New("transfer_key is required")
	}
	if transfer.FinalPath == "" {
		return errors.New("final_path is required")
	}
	if transfer.HashMethod == "" {
		return errors.New("hash_method is required")
	}
	if transfer.DeclaredSize < 0 {
		return errors.New("declared_size must be >= 0")
	}
	if transfer.Status == "" {
		transfer.Status = TransferStatusReceiving
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			transfer_key,
			parent,
			final_path,
			hash_method,
			declared_size,
			received_bytes,
			status,
			checksum,
			error,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.Key,
		nullString(stringPointer(transfer.Parent)),
		transfer.FinalPath,
		transfer.HashMethod,
		transfer.DeclaredSize,
		transfer.ReceivedBytes,
		transfer.Status,
		nullString(stringPointer(transfer.Checksum)),
		nullString(stringPointer(transfer.Error)),
		transfer.StartedAt,
		nullInt64(transfer.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}

	return nil
}

// FinishTransfer stores the outcome of a transfer that left the registry.
func (s *Store) FinishTransfer(transferID, status string, receivedBytes int64, checksum, errText string, finishedAt int64) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}
	if finishedAt == 0 {
		finishedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?,
			received_bytes = ?,
			checksum = ?,
			error = ?,
			finished_at = ?
		WHERE transfer_id = ?`,
		status,
		receivedBytes,
		nullString(stringPointer(checksum)),
		nullString(stringPointer(errText)),
		finishedAt,
		transferID,
	)
	if err != nil {
		return fmt.Errorf("finish transfer %q: %w", transferID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer %q: %w", transferID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// AbandonUnfinished marks rows left in a non-terminal state by an earlier
// process as cancelled. Staging files do not survive a restart, so those
// transfers can never complete.
func (s *Store) AbandonUnfinished(finishedAt int64) (int64, error) {
	if finishedAt == 0 {
		finishedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?,
			error = COALESCE(error, 'interrupted by restart'),
			finished_at = ?
		WHERE status IN (?, ?)`,
		TransferStatusCancelled,
		finishedAt,
		TransferStatusReceiving,
		TransferStatusCompleted,
	)
	if err != nil {
		return 0, fmt.Errorf("abandon unfinished transfers: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for abandoned transfers: %w", err)
	}
	return rowsAffected, nil
}

// GetTransfer fetches one transfer by ID.
func (s *Store) GetTransfer(transferID string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT
			transfer_id,
			transfer_key,
			parent,
			final_path,
			hash_method,
			declared_size,
			received_bytes,
			status,
			checksum,
			error,
			started_at,
			finished_at
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}

	return transfer, nil
}

// ListTransfers returns transfers newest first with optional filtering.
func (s *Store) ListTransfers(filter TransferFilter) ([]Transfer, error) {
	if filter.Status != "" {
		if err := validateTransferStatus(filter.Status); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		transfer_id,
		transfer_key,
		parent,
		final_path,
		hash_method,
		declared_size,
		received_bytes,
		status,
		checksum,
		error,
		started_at,
		finished_at
	FROM transfers`)

	where := make([]string, 0, 3)
	args := make([]any, 0, 5)

	if filter.Key != "" {
		where = append(where, "transfer_key = ?")
		args = append(args, filter.Key)
	}
	if filter.Parent != "" {
		where = append(where, "parent = ?")
		args = append(args, filter.Parent)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY started_at DESC, transfer_id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}

// PruneTransfers removes finished transfers older than cutoffTimestamp.
// Unfinished rows are never pruned.
func (s *Store) PruneTransfers(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(
		`DELETE FROM transfers WHERE finished_at IS NOT NULL AND finished_at < ?`,
		cutoffTimestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer prune: %w", err)
	}

	return rowsAffected, nil
}

func scanTransfer(row scanner) (*Transfer, error) {
	var (
		transfer   Transfer
		parent     sql.NullString
		checksum   sql.NullString
		errText    sql.NullString
		finishedAt sql.NullInt64
	)

	if err := row.Scan(
		&transfer.TransferID,
		&transfer.Key,
		&parent,
		&transfer.FinalPath,
		&transfer.HashMethod,
		&transfer.DeclaredSize,
		&transfer.ReceivedBytes,
		&transfer.Status,
		&checksum,
		&errText,
		&transfer.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	if parent.Valid {
		transfer.Parent = parent.String
	}
	if checksum.Valid {
		transfer.Checksum = checksum.String
	}
	if errText.Valid {
		transfer.Error = errText.String
	}
	transfer.FinishedAt = int64Ptr(finishedAt)

	return &transfer, nil
}
