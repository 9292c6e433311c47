package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fdcsuite/ledgercore/internal/common"
	"github.com/fdcsuite/ledgercore/internal/model"
	"github.com/fdcsuite/ledgercore/internal/service"
)

const matchColumns = `
	id, client_id, source_transaction_id, source_type,
	target_id, target_type, target_reference,
	status, confidence, match_type, breakdown,
	auto_matched, user_confirmed, confirmed_by, confirmed_at,
	created_at, updated_at`

func scanMatch(row interface{ Scan(...any) error }) (*model.ReconciliationMatch, error) {
	var (
		m           model.ReconciliationMatch
		targetRef   sql.NullString
		breakdown   string
		confirmedBy sql.NullString
		confirmedAt sql.NullTime
	)
	err := row.Scan(
		&m.ID, &m.ClientID, &m.SourceTransactionID, &m.SourceType,
		&m.TargetID, &m.TargetType, &targetRef,
		&m.Status, &m.Confidence, &m.MatchType, &breakdown,
		&m.AutoMatched, &m.UserConfirmed, &confirmedBy, &confirmedAt,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.TargetReference = targetRef.String
	m.ConfirmedBy = confirmedBy.String
	if confirmedAt.Valid {
		t := confirmedAt.Time
		m.ConfirmedAt = &t
	}
	if err := json.Unmarshal([]byte(breakdown), &m.Breakdown); err != nil {
		return nil, fmt.Errorf("corrupt score breakdown for match %s: %w", m.ID, err)
	}
	return &m, nil
}

// UnresolvedTransactions returns transactions of the given source that
// still need engine attention: anything without a MATCHED or CONFIRMED
// match row. Locked and excluded rows never participate. Results are in
// ascending id order so batch runs resume deterministically.
func (s *SQLiteStorage) UnresolvedTransactions(ctx context.Context, clientID string, source model.Source, limit int) ([]model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(clientID, "client_id"); err != nil {
		return nil, err
	}
	if !source.Valid() {
		return nil, common.NewValidationError("source", "unrecognised source "+string(source))
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions t
		WHERE t.client_id = ? AND t.source = ?
		  AND t.status NOT IN ('LOCKED', 'EXCLUDED')
		  AND NOT EXISTS (
			SELECT 1 FROM reconciliation_matches m
			WHERE m.source_transaction_id = t.id
			  AND m.status IN ('MATCHED', 'CONFIRMED')
		  )
		ORDER BY t.id ASC`
	args := []any{clientID, string(source)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteError("", err)
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

// RecordMatchDecision persists one engine decision: the match row upsert,
// any demotions of stale MATCHED rows, and the audit entry, atomically.
// The upsert is keyed on (source transaction, target) and preserves the
// original CreatedAt, so re-running the engine over unchanged data leaves
// the row byte-identical apart from UpdatedAt. CONFIRMED and REJECTED
// rows are never overwritten by the engine; rejected pairs leave that
// state only via an explicit requeue.
func (s *SQLiteStorage) RecordMatchDecision(ctx context.Context, decision service.MatchDecision) (*model.ReconciliationMatch, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if decision.Match == nil {
		return nil, common.NewValidationError("match", "a match row is required")
	}
	if err := validateString(decision.Match.ClientID, "client_id"); err != nil {
		return nil, err
	}
	if err := validateString(decision.Match.SourceTransactionID, "source_transaction_id"); err != nil {
		return nil, err
	}
	if err := validateString(decision.Match.TargetID, "target_id"); err != nil {
		return nil, err
	}
	if !decision.Match.Status.Valid() {
		return nil, common.NewValidationError("status", "unrecognised match status "+string(decision.Match.Status))
	}

	stored := *decision.Match
	var result *model.ReconciliationMatch
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		existing, err := s.findMatchTx(ctx, tx, stored.SourceTransactionID, stored.TargetID)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}

		switch {
		case existing != nil &&
			(existing.Status == model.MatchConfirmed || existing.Status == model.MatchRejected):
			// Human resolutions outrank the engine: a confirmation stands
			// and a rejected pair is never re-proposed. The pass is still
			// audited below.
			result = existing
		case existing != nil:
			stored.ID = existing.ID
			stored.CreatedAt = existing.CreatedAt
			stored.UpdatedAt = now
			if err := s.updateMatchRowTx(ctx, tx, &stored); err != nil {
				return err
			}
			result = &stored
		default:
			if stored.ID == "" {
				stored.ID = uuid.NewString()
			}
			stored.CreatedAt = now
			stored.UpdatedAt = now
			if err := s.insertMatchRowTx(ctx, tx, &stored); err != nil {
				return err
			}
			result = &stored
		}

		demote := append([]string(nil), decision.Demote...)
		sort.Strings(demote)
		for _, id := range demote {
			if id == result.ID {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE reconciliation_matches
				SET status = ?, auto_matched = 0, updated_at = ?
				WHERE id = ? AND status = ?
			`, string(model.MatchSuggested), now, id, string(model.MatchMatched)); err != nil {
				return mapSQLiteError(stored.SourceTransactionID, err)
			}
		}

		actor := decision.Actor.UserID
		if actor == "" {
			actor = decision.Actor.Role
		}
		return s.insertReconAuditTx(ctx, tx, &model.ReconciliationAuditEntry{
			ClientID:            stored.ClientID,
			SourceTransactionID: stored.SourceTransactionID,
			MatchID:             result.ID,
			Actor:               actor,
			Action:              model.AuditMatchEvaluated,
			CandidateCount:      decision.CandidateCount,
			CandidateSummary:    decision.CandidateSummary,
			Breakdown:           stored.Breakdown,
			Decision:            result.Status,
			Confidence:          stored.Confidence,
			CreatedAt:           now,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStorage) findMatchTx(ctx context.Context, q queryable, sourceTxnID, targetID string) (*model.ReconciliationMatch, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+matchColumns+` FROM reconciliation_matches
		WHERE source_transaction_id = ? AND target_id = ?
	`, sourceTxnID, targetID)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, mapSQLiteError(sourceTxnID, err)
	}
	return m, nil
}

func (s *SQLiteStorage) insertMatchRowTx(ctx context.Context, tx *sql.Tx, m *model.ReconciliationMatch) error {
	breakdown, err := json.Marshal(m.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to encode score breakdown: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reconciliation_matches (
			id, client_id, source_transaction_id, source_type,
			target_id, target_type, target_reference,
			status, confidence, match_type, breakdown,
			auto_matched, user_confirmed, confirmed_by, confirmed_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.ClientID, m.SourceTransactionID, string(m.SourceType),
		m.TargetID, string(m.TargetType), nullString(m.TargetReference),
		string(m.Status), m.Confidence, string(m.MatchType), string(breakdown),
		m.AutoMatched, m.UserConfirmed, nullString(m.ConfirmedBy), nullTime(m.ConfirmedAt),
		m.CreatedAt, m.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("match for source %s target %s already exists: %w",
			m.SourceTransactionID, m.TargetID, common.ErrDuplicateEntry)
	}
	if err != nil {
		return mapSQLiteError(m.SourceTransactionID, err)
	}
	return nil
}

func (s *SQLiteStorage) updateMatchRowTx(ctx context.Context, tx *sql.Tx, m *model.ReconciliationMatch) error {
	breakdown, err := json.Marshal(m.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to encode score breakdown: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE reconciliation_matches SET
			source_type = ?, target_type = ?, target_reference = ?,
			status = ?, confidence = ?, match_type = ?, breakdown = ?,
			auto_matched = ?, user_confirmed = ?, confirmed_by = ?, confirmed_at = ?,
			updated_at = ?
		WHERE id = ?
	`,
		string(m.SourceType), string(m.TargetType), nullString(m.TargetReference),
		string(m.Status), m.Confidence, string(m.MatchType), string(breakdown),
		m.AutoMatched, m.UserConfirmed, nullString(m.ConfirmedBy), nullTime(m.ConfirmedAt),
		m.UpdatedAt, m.ID,
	)
	if err != nil {
		return mapSQLiteError(m.SourceTransactionID, err)
	}
	return nil
}

// GetMatch fetches a single match row by ID.
func (s *SQLiteStorage) GetMatch(ctx context.Context, id string) (*model.ReconciliationMatch, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM reconciliation_matches WHERE id = ?`, id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("match %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, mapSQLiteError("", err)
	}
	return m, nil
}

// ListMatches returns match rows matching the filter, highest confidence
// first.
func (s *SQLiteStorage) ListMatches(ctx context.Context, filter service.MatchFilter) ([]model.ReconciliationMatch, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + matchColumns + ` FROM reconciliation_matches WHERE 1=1`
	var args []any
	if filter.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, filter.ClientID)
	}
	if filter.SourceTransactionID != "" {
		query += ` AND source_transaction_id = ?`
		args = append(args, filter.SourceTransactionID)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY confidence DESC, created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteError("", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ReconciliationMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ConfirmMatch promotes a match to CONFIRMED on behalf of a reviewer and
// appends the confirmation to the reconciliation audit log.
func (s *SQLiteStorage) ConfirmMatch(ctx context.Context, matchID string, actor model.Actor) (*model.ReconciliationMatch, error) {
	return s.resolveMatch(ctx, matchID, actor, model.MatchConfirmed, "")
}

// RejectMatch marks a match REJECTED. Rejected pairs are remembered so the
// engine never re-proposes them.
func (s *SQLiteStorage) RejectMatch(ctx context.Context, matchID string, actor model.Actor, reason string) (*model.ReconciliationMatch, error) {
	return s.resolveMatch(ctx, matchID, actor, model.MatchRejected, reason)
}

func (s *SQLiteStorage) resolveMatch(ctx context.Context, matchID string, actor model.Actor, status model.MatchStatus, reason string) (*model.ReconciliationMatch, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(matchID, "match_id"); err != nil {
		return nil, err
	}
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if actor.Role == model.RoleTaxAgent || actor.Role == model.RoleClient {
		return nil, fmt.Errorf("role %s cannot resolve matches: %w", actor.Role, ErrPermissionDenied)
	}

	var resolved *model.ReconciliationMatch
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := s.getMatchTx(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if m.Status == status {
			resolved = m
			return nil
		}
		if m.Status == model.MatchConfirmed && status == model.MatchRejected {
			return common.NewValidationError("status", "confirmed matches cannot be rejected, requeue first")
		}
		// Humans resolve engine proposals only. NO_MATCH and FAILED rows
		// carry placeholder targets and must go back through the engine.
		if m.Status != model.MatchSuggested && m.Status != model.MatchMatched {
			return common.NewValidationError("status",
				fmt.Sprintf("match is %s, only SUGGESTED or MATCHED rows can be resolved", m.Status))
		}

		now := time.Now().UTC()
		m.Status = status
		m.UpdatedAt = now
		action := model.AuditMatchRejected
		if status == model.MatchConfirmed {
			action = model.AuditMatchConfirmed
			m.UserConfirmed = true
			m.AutoMatched = false
			m.ConfirmedBy = actor.UserID
			m.ConfirmedAt = &now
		}
		if err := s.updateMatchRowTx(ctx, tx, m); err != nil {
			return err
		}

		if err := s.insertReconAuditTx(ctx, tx, &model.ReconciliationAuditEntry{
			ClientID:            m.ClientID,
			SourceTransactionID: m.SourceTransactionID,
			MatchID:             m.ID,
			Actor:               actor.UserID,
			Action:              action,
			CandidateSummary:    reason,
			Breakdown:           m.Breakdown,
			Decision:            m.Status,
			Confidence:          m.Confidence,
			CreatedAt:           now,
		}); err != nil {
			return err
		}

		resolved = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// RequeueMatch moves a REJECTED or FAILED match back to PENDING so the
// next engine pass reconsiders it.
func (s *SQLiteStorage) RequeueMatch(ctx context.Context, matchID string, actor model.Actor) (*model.ReconciliationMatch, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(matchID, "match_id"); err != nil {
		return nil, err
	}
	if err := validateActor(actor); err != nil {
		return nil, err
	}

	var requeued *model.ReconciliationMatch
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := s.getMatchTx(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if m.Status != model.MatchRejected && m.Status != model.MatchFailed && m.Status != model.MatchConfirmed {
			return common.NewValidationError("status",
				fmt.Sprintf("match is %s, only REJECTED, FAILED or CONFIRMED rows can be requeued", m.Status))
		}

		m.Status = model.MatchPending
		m.UserConfirmed = false
		m.AutoMatched = false
		m.ConfirmedBy = ""
		m.ConfirmedAt = nil
		m.UpdatedAt = time.Now().UTC()
		if err := s.updateMatchRowTx(ctx, tx, m); err != nil {
			return err
		}
		requeued = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}

// MarkMatchFailed records that a source transaction exhausted its retry
// budget during a batch pass. The failure row keeps the item visible for
// operator follow-up without blocking the rest of the batch.
func (s *SQLiteStorage) MarkMatchFailed(ctx context.Context, clientID, sourceTransactionID string, reason string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(clientID, "client_id"); err != nil {
		return err
	}
	if err := validateString(sourceTransactionID, "source_transaction_id"); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE reconciliation_matches
			SET status = ?, updated_at = ?
			WHERE source_transaction_id = ? AND status NOT IN ('CONFIRMED', 'REJECTED')
		`, string(model.MatchFailed), now, sourceTransactionID)
		if err != nil {
			return mapSQLiteError(sourceTransactionID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			failed := &model.ReconciliationMatch{
				ID:                  uuid.NewString(),
				ClientID:            clientID,
				SourceTransactionID: sourceTransactionID,
				TargetID:            "failed:" + sourceTransactionID,
				TargetType:          model.TargetUnknown,
				Status:              model.MatchFailed,
				MatchType:           model.MatchTypeFuzzy,
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			if err := s.insertMatchRowTx(ctx, tx, failed); err != nil {
				return err
			}
		}

		return s.insertReconAuditTx(ctx, tx, &model.ReconciliationAuditEntry{
			ClientID:            clientID,
			SourceTransactionID: sourceTransactionID,
			Actor:               model.RoleSystem,
			Action:              model.AuditMatchEvaluated,
			CandidateSummary:    reason,
			Decision:            model.MatchFailed,
			CreatedAt:           now,
		})
	})
}

func (s *SQLiteStorage) getMatchTx(ctx context.Context, q queryable, id string) (*model.ReconciliationMatch, error) {
	row := q.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM reconciliation_matches WHERE id = ?`, id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("match %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, mapSQLiteError("", err)
	}
	return m, nil
}
