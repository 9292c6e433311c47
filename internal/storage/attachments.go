package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fdcsuite/ledgercore/internal/common"
	"github.com/fdcsuite/ledgercore/internal/model"
)

// AddAttachment stores an attachment reference against a transaction,
// together with an attachment_add history entry. A second attachment with
// the same checksum flags the transaction as a duplicate rather than being
// rejected: the human reviewer decides which copy to keep.
func (s *SQLiteStorage) AddAttachment(ctx context.Context, att *model.Attachment, actor model.Actor) (*model.Attachment, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateAttachment(att); err != nil {
		return nil, err
	}
	if err := validateActor(actor); err != nil {
		return nil, err
	}

	stored := *att
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.UploadedAt.IsZero() {
		stored.UploadedAt = time.Now().UTC()
	}
	stored.UploadedByRole = actor.Role

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		txn, err := s.getTransactionTx(ctx, tx, stored.TransactionID)
		if err != nil {
			return err
		}
		if txn.Status == model.StatusLocked {
			return &common.ImmutabilityViolation{
				TransactionID: txn.ID,
				Reason:        "attachments cannot change while the transaction is locked",
			}
		}

		duplicate := false
		if stored.Checksum != "" {
			var n int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM transaction_attachments
				WHERE transaction_id = ? AND checksum = ?
			`, stored.TransactionID, stored.Checksum).Scan(&n)
			if err != nil {
				return mapSQLiteError(stored.TransactionID, err)
			}
			duplicate = n > 0
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO transaction_attachments (
				id, transaction_id, storage_ref, checksum,
				uploaded_by_role, filename, mime_type, file_size, uploaded_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			stored.ID, stored.TransactionID, stored.StorageRef, nullString(stored.Checksum),
			stored.UploadedByRole, nullString(stored.Filename), nullString(stored.MimeType),
			stored.FileSize, stored.UploadedAt,
		)
		if err != nil {
			return mapSQLiteError(stored.TransactionID, fmt.Errorf("failed to insert attachment: %w", err))
		}

		before := txn.Snapshot()
		if duplicate {
			txn.Flags.Duplicate = true
		}
		after := txn.Snapshot()

		if err := s.updateRowTx(ctx, tx, txn); err != nil {
			return err
		}

		comment := "attachment " + stored.StorageRef
		if duplicate {
			comment += " (duplicate checksum)"
		}
		return s.insertHistoryTx(ctx, tx, &model.HistoryEntry{
			TransactionID: txn.ID,
			UserID:        actor.UserID,
			Role:          actor.Role,
			Action:        model.ActionAttachmentAdd,
			Before:        &before,
			After:         &after,
			Comment:       comment,
		})
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// RemoveAttachment deletes an attachment reference and records the removal
// in the history trail.
func (s *SQLiteStorage) RemoveAttachment(ctx context.Context, transactionID, attachmentID string, actor model.Actor) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(transactionID, "transaction_id"); err != nil {
		return err
	}
	if err := validateString(attachmentID, "attachment_id"); err != nil {
		return err
	}
	if err := validateActor(actor); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		txn, err := s.getTransactionTx(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if txn.Status == model.StatusLocked {
			return &common.ImmutabilityViolation{
				TransactionID: transactionID,
				Reason:        "attachments cannot change while the transaction is locked",
			}
		}

		var storageRef string
		err = tx.QueryRowContext(ctx, `
			SELECT storage_ref FROM transaction_attachments
			WHERE id = ? AND transaction_id = ?
		`, attachmentID, transactionID).Scan(&storageRef)
		if err == sql.ErrNoRows {
			return fmt.Errorf("attachment %s: %w", attachmentID, common.ErrNotFound)
		}
		if err != nil {
			return mapSQLiteError(transactionID, err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM transaction_attachments WHERE id = ?
		`, attachmentID); err != nil {
			return mapSQLiteError(transactionID, err)
		}

		before := txn.Snapshot()
		after := txn.Snapshot()

		if err := s.updateRowTx(ctx, tx, txn); err != nil {
			return err
		}
		return s.insertHistoryTx(ctx, tx, &model.HistoryEntry{
			TransactionID: transactionID,
			UserID:        actor.UserID,
			Role:          actor.Role,
			Action:        model.ActionAttachmentRemove,
			Before:        &before,
			After:         &after,
			Comment:       "removed attachment " + storageRef,
		})
	})
}

// ListAttachments returns a transaction's attachments, oldest first.
func (s *SQLiteStorage) ListAttachments(ctx context.Context, transactionID string) ([]model.Attachment, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(transactionID, "transaction_id"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, storage_ref, checksum,
		       uploaded_by_role, filename, mime_type, file_size, uploaded_at
		FROM transaction_attachments
		WHERE transaction_id = ?
		ORDER BY uploaded_at ASC, id ASC
	`, transactionID)
	if err != nil {
		return nil, mapSQLiteError(transactionID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Attachment
	for rows.Next() {
		var (
			att      model.Attachment
			checksum sql.NullString
			filename sql.NullString
			mimeType sql.NullString
			fileSize sql.NullInt64
		)
		if err := rows.Scan(&att.ID, &att.TransactionID, &att.StorageRef, &checksum,
			&att.UploadedByRole, &filename, &mimeType, &fileSize, &att.UploadedAt); err != nil {
			return nil, err
		}
		att.Checksum = checksum.String
		att.Filename = filename.String
		att.MimeType = mimeType.String
		att.FileSize = fileSize.Int64
		out = append(out, att)
	}
	return out, rows.Err()
}
