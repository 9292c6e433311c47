package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fdcsuite/ledgercore/internal/common"
	"github.com/fdcsuite/ledgercore/internal/model"
	"github.com/fdcsuite/ledgercore/internal/service"
)

// ErrPermissionDenied reports that the actor's role does not allow the
// requested operation.
var ErrPermissionDenied = errors.New("permission denied")

const transactionColumns = `
	id, client_id, date, amount, payee_raw, description_raw, source,
	category_client, module_hint_client, notes_client,
	category_bookkeeper, gst_code, notes_bookkeeper,
	status, flag_duplicate, flag_late_receipt, flag_high_risk, module,
	locked_at, locked_by_role, version, created_at, updated_at`

func scanTransaction(row interface{ Scan(...any) error }) (*model.Transaction, error) {
	var (
		txn               model.Transaction
		amount            string
		payee, desc       sql.NullString
		catClient         sql.NullString
		moduleHint        sql.NullString
		notesClient       sql.NullString
		catBookkeeper     sql.NullString
		gstCode           sql.NullString
		notesBookkeeper   sql.NullString
		module            sql.NullString
		lockedAt          sql.NullTime
		lockedByRole      sql.NullString
		dupFlag, lateFlag bool
		riskFlag          bool
	)

	err := row.Scan(
		&txn.ID, &txn.ClientID, &txn.Date, &amount, &payee, &desc, &txn.Source,
		&catClient, &moduleHint, &notesClient,
		&catBookkeeper, &gstCode, &notesBookkeeper,
		&txn.Status, &dupFlag, &lateFlag, &riskFlag, &module,
		&lockedAt, &lockedByRole, &txn.Version, &txn.CreatedAt, &txn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	txn.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount for transaction %s: %w", txn.ID, err)
	}
	txn.PayeeRaw = payee.String
	txn.DescriptionRaw = desc.String
	txn.CategoryClient = catClient.String
	txn.ModuleHintClient = moduleHint.String
	txn.NotesClient = notesClient.String
	txn.CategoryBookkeeper = catBookkeeper.String
	txn.GSTCode = model.GSTCode(gstCode.String)
	txn.NotesBookkeeper = notesBookkeeper.String
	txn.Module = model.ModuleRouting(module.String)
	txn.Flags = model.Flags{Duplicate: dupFlag, LateReceipt: lateFlag, HighRisk: riskFlag}
	if lockedAt.Valid {
		t := lockedAt.Time
		txn.LockedAt = &t
	}
	txn.LockedByRole = lockedByRole.String

	return &txn, nil
}

// CreateTransaction inserts a new ledger entry at status NEW together with
// its creation history entry, in one transaction.
func (s *SQLiteStorage) CreateTransaction(ctx context.Context, txn *model.Transaction, actor model.Actor) (*model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateNewTransaction(txn); err != nil {
		return nil, err
	}
	if err := validateActor(actor); err != nil {
		return nil, err
	}

	created := *txn
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	created.Status = model.StatusNew
	created.Version = 1
	now := time.Now().UTC()
	created.CreatedAt = now
	created.UpdatedAt = now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (
				id, client_id, date, amount, payee_raw, description_raw, source,
				category_client, module_hint_client, notes_client,
				category_bookkeeper, gst_code, notes_bookkeeper,
				status, flag_duplicate, flag_late_receipt, flag_high_risk, module,
				locked_at, locked_by_role, version, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			created.ID, created.ClientID, created.Date, created.Amount.String(),
			nullString(created.PayeeRaw), nullString(created.DescriptionRaw), string(created.Source),
			nullString(created.CategoryClient), nullString(created.ModuleHintClient), nullString(created.NotesClient),
			nullString(created.CategoryBookkeeper), nullString(string(created.GSTCode)), nullString(created.NotesBookkeeper),
			string(created.Status), created.Flags.Duplicate, created.Flags.LateReceipt, created.Flags.HighRisk,
			nullString(string(created.Module)),
			nullTime(created.LockedAt), nullString(created.LockedByRole),
			created.Version, created.CreatedAt, created.UpdatedAt,
		)
		if err != nil {
			return mapSQLiteError(created.ID, fmt.Errorf("failed to insert transaction: %w", err))
		}

		after := created.Snapshot()
		return s.insertHistoryTx(ctx, tx, &model.HistoryEntry{
			TransactionID: created.ID,
			UserID:        actor.UserID,
			Role:          actor.Role,
			Action:        createAction(created.Source, actor),
			After:         &after,
		})
	})
	if err != nil {
		return nil, err
	}

	return &created, nil
}

// createAction maps a new transaction's provenance to its history action.
func createAction(source model.Source, actor model.Actor) model.HistoryAction {
	switch {
	case source == model.SourceMyFDC && actor.Role == model.RoleSystem:
		return model.ActionSyncCreate
	case source == model.SourceManual:
		return model.ActionManual
	default:
		return model.ActionImport
	}
}

// GetTransaction fetches a single transaction by ID.
func (s *SQLiteStorage) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return s.getTransactionTx(ctx, s.db, id)
}

func (s *SQLiteStorage) getTransactionTx(ctx context.Context, q queryable, id string) (*model.Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, mapSQLiteError(id, err)
	}
	return txn, nil
}

// ListTransactions returns transactions matching the filter, newest date
// first.
func (s *SQLiteStorage) ListTransactions(ctx context.Context, filter service.TransactionFilter) ([]model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE 1=1`
	var args []any

	if filter.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, filter.ClientID)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.Source != nil {
		query += ` AND source = ?`
		args = append(args, string(*filter.Source))
	}
	if filter.Category != "" {
		query += ` AND category_bookkeeper = ?`
		args = append(args, filter.Category)
	}
	if filter.Module != nil {
		query += ` AND module = ?`
		args = append(args, string(*filter.Module))
	}
	if filter.DateFrom != nil {
		query += ` AND date >= ?`
		args = append(args, *filter.DateFrom)
	}
	if filter.DateTo != nil {
		query += ` AND date <= ?`
		args = append(args, *filter.DateTo)
	}
	if filter.Duplicate != nil {
		query += ` AND flag_duplicate = ?`
		args = append(args, *filter.Duplicate)
	}
	if filter.LateReceipt != nil {
		query += ` AND flag_late_receipt = ?`
		args = append(args, *filter.LateReceipt)
	}
	if filter.HighRisk != nil {
		query += ` AND flag_high_risk = ?`
		args = append(args, *filter.HighRisk)
	}
	if filter.Search != "" {
		query += ` AND (payee_raw LIKE ? OR description_raw LIKE ?)`
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern)
	}

	query += ` ORDER BY date DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteError("", fmt.Errorf("failed to list transactions: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var out []model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *txn)
	}
	return out, rows.Err()
}

// UpdateTransaction applies a change set with permission and transition
// checks, writing the row update and its history entry atomically.
func (s *SQLiteStorage) UpdateTransaction(ctx context.Context, id string, changes service.TransactionChanges, actor model.Actor) (*model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if changes.Empty() {
		return s.GetTransaction(ctx, id)
	}
	if actor.Role == model.RoleTaxAgent {
		return nil, fmt.Errorf("tax agents have read-only ledger access: %w", ErrPermissionDenied)
	}

	var updated *model.Transaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		txn, err := s.getTransactionTx(ctx, tx, id)
		if err != nil {
			return err
		}

		if changes.ExpectedVersion != nil && *changes.ExpectedVersion != txn.Version {
			return &common.ConcurrencyConflict{
				TransactionID: id,
				Err:           fmt.Errorf("expected version %d, found %d", *changes.ExpectedVersion, txn.Version),
			}
		}

		if err := checkEditAllowed(txn, changes, actor); err != nil {
			return err
		}

		before := txn.Snapshot()
		applyChanges(txn, changes)
		after := txn.Snapshot()

		if err := s.updateRowTx(ctx, tx, txn); err != nil {
			return err
		}

		action := model.ActionManual
		if actor.Role == model.RoleSystem && txn.Source == model.SourceMyFDC {
			action = model.ActionSyncUpdate
		}
		if err := s.insertHistoryTx(ctx, tx, &model.HistoryEntry{
			TransactionID: id,
			UserID:        actor.UserID,
			Role:          actor.Role,
			Action:        action,
			Before:        &before,
			After:         &after,
		}); err != nil {
			return err
		}

		updated = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// checkEditAllowed enforces lock immutability, role rules, and the status
// transition table.
func checkEditAllowed(txn *model.Transaction, changes service.TransactionChanges, actor model.Actor) error {
	if txn.Status == model.StatusLocked {
		// When locked only bookkeeper notes may change, and only by an
		// admin. Everything else must go through unlock.
		notesOnly := changes.Date == nil && changes.Amount == nil &&
			changes.PayeeRaw == nil && changes.DescriptionRaw == nil &&
			changes.CategoryBookkeeper == nil && changes.GSTCode == nil &&
			changes.Status == nil && changes.Flags == nil && changes.Module == nil
		if !notesOnly || actor.Role != model.RoleAdmin {
			return &common.ImmutabilityViolation{
				TransactionID: txn.ID,
				Reason:        "bookkeeper fields are frozen until an audited unlock",
			}
		}
		return nil
	}

	if changes.Status != nil {
		next := *changes.Status
		if !next.Valid() {
			return common.NewValidationError("status", "unrecognised status "+string(next))
		}
		if next == model.StatusLocked {
			return common.NewValidationError("status", "LOCKED is set by the lock operation, not by update")
		}
		if !txn.Status.CanTransition(next) {
			return common.NewValidationError("status",
				fmt.Sprintf("illegal transition %s -> %s", txn.Status, next))
		}
	}
	if changes.GSTCode != nil && !changes.GSTCode.Valid() {
		return common.NewValidationError("gst_code", "unrecognised GST code "+string(*changes.GSTCode))
	}
	if changes.Module != nil && !changes.Module.Valid() {
		return common.NewValidationError("module", "unrecognised module "+string(*changes.Module))
	}
	return nil
}

func applyChanges(txn *model.Transaction, changes service.TransactionChanges) {
	if changes.Date != nil {
		txn.Date = *changes.Date
	}
	if changes.Amount != nil {
		txn.Amount = *changes.Amount
	}
	if changes.PayeeRaw != nil {
		txn.PayeeRaw = *changes.PayeeRaw
	}
	if changes.DescriptionRaw != nil {
		txn.DescriptionRaw = *changes.DescriptionRaw
	}
	if changes.CategoryBookkeeper != nil {
		txn.CategoryBookkeeper = *changes.CategoryBookkeeper
	}
	if changes.GSTCode != nil {
		txn.GSTCode = *changes.GSTCode
	}
	if changes.NotesBookkeeper != nil {
		txn.NotesBookkeeper = *changes.NotesBookkeeper
	}
	if changes.Status != nil {
		txn.Status = *changes.Status
	}
	if changes.Flags != nil {
		txn.Flags = *changes.Flags
	}
	if changes.Module != nil {
		txn.Module = *changes.Module
	}
}

// updateRowTx writes the mutated row back, bumping its version. The
// version predicate catches writers that raced us between read and write.
func (s *SQLiteStorage) updateRowTx(ctx context.Context, tx *sql.Tx, txn *model.Transaction) error {
	oldVersion := txn.Version
	txn.Version++
	txn.UpdatedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE transactions SET
			date = ?, amount = ?, payee_raw = ?, description_raw = ?,
			category_client = ?, module_hint_client = ?, notes_client = ?,
			category_bookkeeper = ?, gst_code = ?, notes_bookkeeper = ?,
			status = ?, flag_duplicate = ?, flag_late_receipt = ?, flag_high_risk = ?,
			module = ?, locked_at = ?, locked_by_role = ?,
			version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		txn.Date, txn.Amount.String(), nullString(txn.PayeeRaw), nullString(txn.DescriptionRaw),
		nullString(txn.CategoryClient), nullString(txn.ModuleHintClient), nullString(txn.NotesClient),
		nullString(txn.CategoryBookkeeper), nullString(string(txn.GSTCode)), nullString(txn.NotesBookkeeper),
		string(txn.Status), txn.Flags.Duplicate, txn.Flags.LateReceipt, txn.Flags.HighRisk,
		nullString(string(txn.Module)), nullTime(txn.LockedAt), nullString(txn.LockedByRole),
		txn.Version, txn.UpdatedAt,
		txn.ID, oldVersion,
	)
	if err != nil {
		return mapSQLiteError(txn.ID, fmt.Errorf("failed to update transaction: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &common.ConcurrencyConflict{
			TransactionID: txn.ID,
			Err:           errors.New("row version changed during update"),
		}
	}
	return nil
}

// insertHistoryTx appends one immutable history entry. A failure here is
// an AuditWriteFailure and must abort the enclosing transaction.
func (s *SQLiteStorage) insertHistoryTx(ctx context.Context, tx *sql.Tx, entry *model.HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Action.RequiresComment() && strings.TrimSpace(entry.Comment) == "" {
		return common.NewValidationError("comment", "required for action "+string(entry.Action))
	}

	marshal := func(s *model.BookkeeperSnapshot) (any, error) {
		if s == nil {
			return nil, nil
		}
		b, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}

	before, err := marshal(entry.Before)
	if err != nil {
		return &common.AuditWriteFailure{Err: err}
	}
	after, err := marshal(entry.After)
	if err != nil {
		return &common.AuditWriteFailure{Err: err}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transaction_history (
			id, transaction_id, user_id, role, action,
			before_state, after_state, comment, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID, entry.TransactionID, nullString(entry.UserID), entry.Role,
		string(entry.Action), before, after, nullString(entry.Comment), entry.CreatedAt,
	)
	if err != nil {
		return &common.AuditWriteFailure{Err: err}
	}
	return nil
}

// BulkRecode applies one change set to every transaction matching the
// criteria, writing one bulk_recode history entry per affected row in the
// same transaction. Locked rows are skipped.
func (s *SQLiteStorage) BulkRecode(ctx context.Context, criteria service.BulkCriteria, changes service.TransactionChanges, actor model.Actor) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	if err := validateActor(actor); err != nil {
		return 0, err
	}
	if criteria.Empty() {
		return 0, common.NewValidationError("criteria", "bulk recode requires at least one filter criterion")
	}
	if changes.Empty() {
		return 0, common.NewValidationError("changes", "bulk recode requires at least one change")
	}
	if actor.Role == model.RoleTaxAgent {
		return 0, fmt.Errorf("tax agents have read-only ledger access: %w", ErrPermissionDenied)
	}

	count := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ids, err := s.selectBulkIDsTx(ctx, tx, criteria)
		if err != nil {
			return err
		}
		// Canonical ascending-id order keeps multi-row lock acquisition
		// deadlock-free.
		sort.Strings(ids)

		for _, id := range ids {
			txn, err := s.getTransactionTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if txn.Status == model.StatusLocked {
				continue
			}
			if err := checkEditAllowed(txn, changes, actor); err != nil {
				return err
			}

			before := txn.Snapshot()
			applyChanges(txn, changes)
			after := txn.Snapshot()

			if err := s.updateRowTx(ctx, tx, txn); err != nil {
				return err
			}
			if err := s.insertHistoryTx(ctx, tx, &model.HistoryEntry{
				TransactionID: id,
				UserID:        actor.UserID,
				Role:          actor.Role,
				Action:        model.ActionBulkRecode,
				Before:        &before,
				After:         &after,
			}); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *SQLiteStorage) selectBulkIDsTx(ctx context.Context, tx *sql.Tx, criteria service.BulkCriteria) ([]string, error) {
	query := `SELECT id FROM transactions WHERE 1=1`
	var args []any

	if criteria.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, criteria.ClientID)
	}
	if criteria.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*criteria.Status))
	}
	if criteria.Category != "" {
		query += ` AND category_bookkeeper = ?`
		args = append(args, criteria.Category)
	}
	if len(criteria.TransactionIDs) > 0 {
		query += ` AND id IN (?` + strings.Repeat(",?", len(criteria.TransactionIDs)-1) + `)`
		for _, id := range criteria.TransactionIDs {
			args = append(args, id)
		}
	}
	if criteria.DateFrom != nil {
		query += ` AND date >= ?`
		args = append(args, *criteria.DateFrom)
	}
	if criteria.DateTo != nil {
		query += ` AND date <= ?`
		args = append(args, *criteria.DateTo)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteError("", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// History yields a transaction's history entries oldest first. The
// sequence is lazy and restartable: each range over it opens a fresh
// query.
func (s *SQLiteStorage) History(ctx context.Context, transactionID string) iter.Seq2[model.HistoryEntry, error] {
	return func(yield func(model.HistoryEntry, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, transaction_id, user_id, role, action,
			       before_state, after_state, comment, created_at
			FROM transaction_history
			WHERE transaction_id = ?
			ORDER BY created_at ASC, id ASC
		`, transactionID)
		if err != nil {
			yield(model.HistoryEntry{}, mapSQLiteError(transactionID, err))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				entry         model.HistoryEntry
				userID        sql.NullString
				before, after sql.NullString
				comment       sql.NullString
			)
			if err := rows.Scan(&entry.ID, &entry.TransactionID, &userID, &entry.Role,
				&entry.Action, &before, &after, &comment, &entry.CreatedAt); err != nil {
				yield(model.HistoryEntry{}, err)
				return
			}
			entry.UserID = userID.String
			entry.Comment = comment.String
			if before.Valid {
				var snap model.BookkeeperSnapshot
				if err := json.Unmarshal([]byte(before.String), &snap); err != nil {
					yield(model.HistoryEntry{}, fmt.Errorf("corrupt before snapshot: %w", err))
					return
				}
				entry.Before = &snap
			}
			if after.Valid {
				var snap model.BookkeeperSnapshot
				if err := json.Unmarshal([]byte(after.String), &snap); err != nil {
					yield(model.HistoryEntry{}, fmt.Errorf("corrupt after snapshot: %w", err))
					return
				}
				entry.After = &snap
			}
			if !yield(entry, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.HistoryEntry{}, err)
		}
	}
}
