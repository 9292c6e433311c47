package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fdcsuite/ledgercore/internal/common"
	"github.com/fdcsuite/ledgercore/internal/model"
)

func (s *SQLiteStorage) insertReconAuditTx(ctx context.Context, tx *sql.Tx, entry *model.ReconciliationAuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	breakdown, err := json.Marshal(entry.Breakdown)
	if err != nil {
		return &common.AuditWriteFailure{Err: err}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reconciliation_audit (
			id, client_id, source_transaction_id, match_id, actor, action,
			candidate_count, candidate_summary, breakdown, decision, confidence, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID, entry.ClientID, nullString(entry.SourceTransactionID), nullString(entry.MatchID),
		entry.Actor, entry.Action, entry.CandidateCount, nullString(entry.CandidateSummary),
		string(breakdown), nullString(string(entry.Decision)), entry.Confidence, entry.CreatedAt,
	)
	if err != nil {
		return &common.AuditWriteFailure{Err: err}
	}
	return nil
}

// AppendReconciliationAudit appends one entry to the reconciliation audit
// log. The log is append-only: there is no update or delete path.
func (s *SQLiteStorage) AppendReconciliationAudit(ctx context.Context, entry *model.ReconciliationAuditEntry) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if entry == nil {
		return common.NewValidationError("entry", "an audit entry is required")
	}
	if err := validateString(entry.ClientID, "client_id"); err != nil {
		return err
	}
	if err := validateString(entry.Action, "action"); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertReconAuditTx(ctx, tx, entry)
	})
}

// ListReconciliationAudit returns a client's audit entries, newest first.
func (s *SQLiteStorage) ListReconciliationAudit(ctx context.Context, clientID string, limit int) ([]model.ReconciliationAuditEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(clientID, "client_id"); err != nil {
		return nil, err
	}

	query := `
		SELECT id, client_id, source_transaction_id, match_id, actor, action,
		       candidate_count, candidate_summary, breakdown, decision, confidence, created_at
		FROM reconciliation_audit
		WHERE client_id = ?
		ORDER BY created_at DESC, id DESC`
	args := []any{clientID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteError("", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ReconciliationAuditEntry
	for rows.Next() {
		var (
			entry     model.ReconciliationAuditEntry
			sourceID  sql.NullString
			matchID   sql.NullString
			summary   sql.NullString
			breakdown string
			decision  sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.ClientID, &sourceID, &matchID,
			&entry.Actor, &entry.Action, &entry.CandidateCount, &summary,
			&breakdown, &decision, &entry.Confidence, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.SourceTransactionID = sourceID.String
		entry.MatchID = matchID.String
		entry.CandidateSummary = summary.String
		entry.Decision = model.MatchStatus(decision.String)
		if err := json.Unmarshal([]byte(breakdown), &entry.Breakdown); err != nil {
			return nil, fmt.Errorf("corrupt breakdown for audit entry %s: %w", entry.ID, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
