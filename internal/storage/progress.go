package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fdcsuite/ledgercore/internal/common"
	"github.com/fdcsuite/ledgercore/internal/model"
	"github.com/fdcsuite/ledgercore/internal/service"
)

// SaveReconProgress checkpoints a reconciliation batch. One checkpoint
// exists per (client, source); saving again replaces it.
func (s *SQLiteStorage) SaveReconProgress(ctx context.Context, progress *service.ReconProgress) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if progress == nil {
		return common.NewValidationError("progress", "a progress record is required")
	}
	if err := validateString(progress.RunID, "run_id"); err != nil {
		return err
	}
	if err := validateString(progress.ClientID, "client_id"); err != nil {
		return err
	}
	if !progress.Source.Valid() {
		return common.NewValidationError("source", "unrecognised source "+string(progress.Source))
	}

	now := time.Now().UTC()
	if progress.StartedAt.IsZero() {
		progress.StartedAt = now
	}
	progress.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recon_progress (
			run_id, client_id, source, last_processed_id, total_processed, started_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id, source) DO UPDATE SET
			run_id = excluded.run_id,
			last_processed_id = excluded.last_processed_id,
			total_processed = excluded.total_processed,
			updated_at = excluded.updated_at
	`,
		progress.RunID, progress.ClientID, string(progress.Source),
		nullString(progress.LastProcessedID), progress.TotalProcessed,
		progress.StartedAt, progress.UpdatedAt,
	)
	if err != nil {
		return mapSQLiteError("", fmt.Errorf("failed to save progress: %w", err))
	}
	return nil
}

// GetReconProgress returns the checkpoint for a (client, source) pair, or
// ErrNotFound if no batch is in flight.
func (s *SQLiteStorage) GetReconProgress(ctx context.Context, clientID string, source model.Source) (*service.ReconProgress, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(clientID, "client_id"); err != nil {
		return nil, err
	}

	var (
		progress service.ReconProgress
		lastID   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, client_id, source, last_processed_id, total_processed, started_at, updated_at
		FROM recon_progress
		WHERE client_id = ? AND source = ?
	`, clientID, string(source)).Scan(
		&progress.RunID, &progress.ClientID, &progress.Source,
		&lastID, &progress.TotalProcessed, &progress.StartedAt, &progress.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("progress for client %s source %s: %w", clientID, source, common.ErrNotFound)
	}
	if err != nil {
		return nil, mapSQLiteError("", err)
	}
	progress.LastProcessedID = lastID.String
	return &progress, nil
}

// ClearReconProgress removes the checkpoint once a batch completes.
func (s *SQLiteStorage) ClearReconProgress(ctx context.Context, clientID string, source model.Source) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(clientID, "client_id"); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM recon_progress WHERE client_id = ? AND source = ?
	`, clientID, string(source))
	if err != nil {
		return mapSQLiteError("", fmt.Errorf("failed to clear progress: %w", err))
	}
	return nil
}
