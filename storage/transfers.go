package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	// DirectionSend marks a transfer initiated locally.
	DirectionSend = "send"
	// DirectionReceive marks a transfer initiated by a peer.
	DirectionReceive = "receive"
)

var validStatuses = map[string]struct{}{
	"pending": {}, "sending": {}, "receiving": {}, "completed": {}, "failed": {},
}

// TransferRecord is one row of the transfer history.
type TransferRecord struct {
	TransferID    string
	Direction     string
	PeerChannelID string
	FileName      string
	FileSize      int64
	Status        string
	Progress      float64
	StartedAt     int64
	EndedAt       int64
}

func validateStatus(status string) error {
	if _, ok := validStatuses[status]; !ok {
		return fmt.Errorf("invalid transfer status %q", status)
	}
	return nil
}

func validateDirection(direction string) error {
	if direction != DirectionSend && direction != DirectionReceive {
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
	return nil
}

// SaveTransfer inserts or replaces one transfer history row.
func (s *Store) SaveTransfer(record TransferRecord) error {
	if record.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if record.FileName == "" {
		return errors.New("file_name is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if record.Status == "" {
		record.Status = "pending"
	}
	if err := validateStatus(record.Status); err != nil {
		return err
	}
	if record.StartedAt == 0 {
		record.StartedAt = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			direction,
			peer_channel_id,
			file_name,
			file_size,
			status,
			progress,
			started_at,
			ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			ended_at = excluded.ended_at`,
		record.TransferID,
		record.Direction,
		record.PeerChannelID,
		record.FileName,
		record.FileSize,
		record.Status,
		record.Progress,
		record.StartedAt,
		nullInt64(record.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("save transfer %q: %w", record.TransferID, err)
	}

	return nil
}

// UpdateTransferStatus updates status, progress, and end time for one row.
func (s *Store) UpdateTransferStatus(transferID, status string, progress float64, endedAt int64) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, progress = ?, ended_at = ?
		WHERE transfer_id = ?`,
		status,
		progress,
		nullInt64(endedAt),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer %q: %w", transferID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transfer %q: %w", transferID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetTransfer returns one transfer history row.
func (s *Store) GetTransfer(transferID string) (TransferRecord, error) {
	if transferID == "" {
		return TransferRecord{}, errors.New("transfer_id is required")
	}

	rows, err := s.db.Query(
		`SELECT transfer_id, direction, peer_channel_id, file_name, file_size,
			status, progress, started_at, COALESCE(ended_at, 0)
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)
	if err != nil {
		return TransferRecord{}, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	defer rows.Close()

	records, err := scanTransfers(rows)
	if err != nil {
		return TransferRecord{}, err
	}
	if len(records) == 0 {
		return TransferRecord{}, ErrNotFound
	}
	return records[0], nil
}

// ListTransfers returns history rows, most recent first. A non-positive limit
// returns everything.
func (s *Store) ListTransfers(limit int) ([]TransferRecord, error) {
	query := `SELECT transfer_id, direction, peer_channel_id, file_name, file_size,
			status, progress, started_at, COALESCE(ended_at, 0)
		FROM transfers
		ORDER BY started_at DESC, transfer_id`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	return scanTransfers(rows)
}

func scanTransfers(rows *sql.Rows) ([]TransferRecord, error) {
	var out []TransferRecord
	for rows.Next() {
		var record TransferRecord
		if err := rows.Scan(
			&record.TransferID,
			&record.Direction,
			&record.PeerChannelID,
			&record.FileName,
			&record.FileSize,
			&record.Status,
			&record.Progress,
			&record.StartedAt,
			&record.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return out, nil
}

func nullInt64(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
