package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fdcsuite/ledgercore/internal/common"
	"github.com/fdcsuite/ledgercore/internal/model"
	"github.com/fdcsuite/ledgercore/internal/service"
)

// unlockCommentMinLength is the minimum audit comment an unlock must carry.
const unlockCommentMinLength = 10

// LockTransactions locks a batch of READY_FOR_WORKPAPER transactions into
// a workpaper. For each locked row it freezes a bookkeeper snapshot into a
// workpaper link and writes a lock history entry, all in one transaction.
// Rows that are already LOCKED are skipped; the count of newly locked rows
// is returned.
func (s *SQLiteStorage) LockTransactions(ctx context.Context, req service.LockRequest, actor model.Actor) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	if err := validateActor(actor); err != nil {
		return 0, err
	}
	if len(req.TransactionIDs) == 0 {
		return 0, common.NewValidationError("transaction_ids", "at least one transaction is required")
	}
	if err := validateString(req.WorkpaperID, "workpaper_id"); err != nil {
		return 0, err
	}
	if err := validateString(req.Period, "period"); err != nil {
		return 0, err
	}
	if req.Module == "" || !req.Module.Valid() {
		return 0, common.NewValidationError("module", "a valid module is required")
	}
	if actor.Role != model.RoleBookkeeper && actor.Role != model.RoleAdmin && actor.Role != model.RoleSystem {
		return 0, fmt.Errorf("role %s cannot lock transactions: %w", actor.Role, ErrPermissionDenied)
	}

	// Canonical ascending-id order keeps concurrent batch locks from
	// deadlocking against each other.
	ids := append([]string(nil), req.TransactionIDs...)
	sort.Strings(ids)

	locked := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, id := range ids {
			txn, err := s.getTransactionTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if txn.Status == model.StatusLocked {
				continue
			}
			if txn.Status != model.StatusReadyForWorkpaper {
				return common.NewValidationError("status",
					fmt.Sprintf("transaction %s is %s, only READY_FOR_WORKPAPER rows can be locked", id, txn.Status))
			}

			before := txn.Snapshot()
			txn.Status = model.StatusLocked
			lockedAt := now
			txn.LockedAt = &lockedAt
			txn.LockedByRole = actor.Role
			if txn.Module == "" {
				txn.Module = req.Module
			}
			after := txn.Snapshot()

			if err := s.updateRowTx(ctx, tx, txn); err != nil {
				return err
			}
			if err := s.insertWorkpaperLinkTx(ctx, tx, &model.WorkpaperLink{
				TransactionID: id,
				WorkpaperID:   req.WorkpaperID,
				Module:        req.Module,
				Period:        req.Period,
				Snapshot:      after,
				CreatedAt:     now,
			}); err != nil {
				return err
			}
			if err := s.insertHistoryTx(ctx, tx, &model.HistoryEntry{
				TransactionID: id,
				UserID:        actor.UserID,
				Role:          actor.Role,
				Action:        model.ActionLock,
				Before:        &before,
				After:         &after,
				Comment:       fmt.Sprintf("locked into workpaper %s (%s, %s)", req.WorkpaperID, req.Module, req.Period),
			}); err != nil {
				return err
			}
			locked++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return locked, nil
}

// UnlockTransaction reverts a LOCKED transaction to READY_FOR_WORKPAPER.
// Only admins may unlock, and the audit comment must explain why. The
// workpaper link and its frozen snapshot are retained.
func (s *SQLiteStorage) UnlockTransaction(ctx context.Context, id string, actor model.Actor, comment string) (*model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if actor.Role != model.RoleAdmin {
		return nil, fmt.Errorf("only admins may unlock transactions: %w", ErrPermissionDenied)
	}
	if len(strings.TrimSpace(comment)) < unlockCommentMinLength {
		return nil, common.NewValidationError("comment",
			fmt.Sprintf("unlock requires a justification of at least %d characters", unlockCommentMinLength))
	}

	var unlocked *model.Transaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		txn, err := s.getTransactionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if txn.Status != model.StatusLocked {
			return common.NewValidationError("status",
				fmt.Sprintf("transaction %s is %s, only LOCKED rows can be unlocked", id, txn.Status))
		}

		before := txn.Snapshot()
		txn.Status = model.StatusReadyForWorkpaper
		txn.LockedAt = nil
		txn.LockedByRole = ""
		after := txn.Snapshot()

		if err := s.updateRowTx(ctx, tx, txn); err != nil {
			return err
		}
		if err := s.insertHistoryTx(ctx, tx, &model.HistoryEntry{
			TransactionID: id,
			UserID:        actor.UserID,
			Role:          actor.Role,
			Action:        model.ActionUnlock,
			Before:        &before,
			After:         &after,
			Comment:       comment,
		}); err != nil {
			return err
		}

		unlocked = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unlocked, nil
}

// ExcludeTransaction moves a transaction into the EXCLUDED side state.
// Locked rows must be unlocked first.
func (s *SQLiteStorage) ExcludeTransaction(ctx context.Context, id string, actor model.Actor, comment string) (*model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if actor.Role == model.RoleTaxAgent {
		return nil, fmt.Errorf("tax agents have read-only ledger access: %w", ErrPermissionDenied)
	}

	var excluded *model.Transaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		txn, err := s.getTransactionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if txn.Status == model.StatusLocked {
			return &common.ImmutabilityViolation{
				TransactionID: id,
				Reason:        "locked transactions must be unlocked before exclusion",
			}
		}
		if !txn.Status.CanTransition(model.StatusExcluded) {
			return common.NewValidationError("status",
				fmt.Sprintf("illegal transition %s -> %s", txn.Status, model.StatusExcluded))
		}

		before := txn.Snapshot()
		txn.Status = model.StatusExcluded
		after := txn.Snapshot()

		if err := s.updateRowTx(ctx, tx, txn); err != nil {
			return err
		}
		if err := s.insertHistoryTx(ctx, tx, &model.HistoryEntry{
			TransactionID: id,
			UserID:        actor.UserID,
			Role:          actor.Role,
			Action:        model.ActionExclude,
			Before:        &before,
			After:         &after,
			Comment:       comment,
		}); err != nil {
			return err
		}

		excluded = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return excluded, nil
}

func (s *SQLiteStorage) insertWorkpaperLinkTx(ctx context.Context, tx *sql.Tx, link *model.WorkpaperLink) error {
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	snapshot, err := json.Marshal(link.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode workpaper snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transaction_workpaper_links (
			id, transaction_id, workpaper_id, module, period, snapshot, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, link.ID, link.TransactionID, link.WorkpaperID, string(link.Module), link.Period, string(snapshot), link.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("transaction %s is already linked to workpaper %s: %w",
			link.TransactionID, link.WorkpaperID, common.ErrDuplicateEntry)
	}
	if err != nil {
		return mapSQLiteError(link.TransactionID, err)
	}
	return nil
}

// GetWorkpaperLinks returns the workpaper links for a transaction, oldest
// first.
func (s *SQLiteStorage) GetWorkpaperLinks(ctx context.Context, transactionID string) ([]model.WorkpaperLink, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(transactionID, "transaction_id"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, workpaper_id, module, period, snapshot, created_at
		FROM transaction_workpaper_links
		WHERE transaction_id = ?
		ORDER BY created_at ASC, id ASC
	`, transactionID)
	if err != nil {
		return nil, mapSQLiteError(transactionID, err)
	}
	defer func() { _ = rows.Close() }()

	var links []model.WorkpaperLink
	for rows.Next() {
		var (
			link     model.WorkpaperLink
			module   string
			snapshot string
		)
		if err := rows.Scan(&link.ID, &link.TransactionID, &link.WorkpaperID,
			&module, &link.Period, &snapshot, &link.CreatedAt); err != nil {
			return nil, err
		}
		link.Module = model.ModuleRouting(module)
		if err := json.Unmarshal([]byte(snapshot), &link.Snapshot); err != nil {
			return nil, fmt.Errorf("corrupt workpaper snapshot for link %s: %w", link.ID, err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}
