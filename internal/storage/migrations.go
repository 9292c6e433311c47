package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application
// expects. If the database cannot be migrated to this version, it's a
// fatal error.
const ExpectedSchemaVersion = 3

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Transaction ledger, history trail, attachments, workpaper links",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS transactions (
					id TEXT PRIMARY KEY,
					client_id TEXT NOT NULL,
					date DATE NOT NULL,
					amount TEXT NOT NULL,
					payee_raw TEXT,
					description_raw TEXT,
					source TEXT NOT NULL,
					category_client TEXT,
					module_hint_client TEXT,
					notes_client TEXT,
					category_bookkeeper TEXT,
					gst_code TEXT,
					notes_bookkeeper TEXT,
					status TEXT NOT NULL DEFAULT 'NEW',
					flag_duplicate INTEGER NOT NULL DEFAULT 0,
					flag_late_receipt INTEGER NOT NULL DEFAULT 0,
					flag_high_risk INTEGER NOT NULL DEFAULT 0,
					module TEXT,
					locked_at DATETIME,
					locked_by_role TEXT,
					version INTEGER NOT NULL DEFAULT 1,
					created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_transactions_client_date ON transactions(client_id, date)`,
				`CREATE INDEX idx_transactions_client_status ON transactions(client_id, status)`,
				`CREATE INDEX idx_transactions_client_category ON transactions(client_id, category_bookkeeper)`,
				`CREATE INDEX idx_transactions_source ON transactions(source)`,

				`CREATE TABLE IF NOT EXISTS transaction_history (
					id TEXT PRIMARY KEY,
					transaction_id TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
					user_id TEXT,
					role TEXT NOT NULL,
					action TEXT NOT NULL,
					before_state TEXT,
					after_state TEXT,
					comment TEXT,
					created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_history_transaction_time ON transaction_history(transaction_id, created_at)`,
				`CREATE INDEX idx_history_user ON transaction_history(user_id, created_at)`,

				`CREATE TABLE IF NOT EXISTS transaction_attachments (
					id TEXT PRIMARY KEY,
					transaction_id TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
					storage_ref TEXT NOT NULL,
					checksum TEXT,
					uploaded_by_role TEXT NOT NULL,
					filename TEXT,
					mime_type TEXT,
					file_size INTEGER,
					uploaded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_attachments_transaction ON transaction_attachments(transaction_id)`,
				`CREATE INDEX idx_attachments_checksum ON transaction_attachments(checksum)`,

				`CREATE TABLE IF NOT EXISTS transaction_workpaper_links (
					id TEXT PRIMARY KEY,
					transaction_id TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
					workpaper_id TEXT NOT NULL,
					module TEXT NOT NULL,
					period TEXT NOT NULL,
					snapshot TEXT NOT NULL,
					created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(transaction_id, workpaper_id, module)
				)`,
				`CREATE INDEX idx_workpaper_links_workpaper ON transaction_workpaper_links(workpaper_id)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "Reconciliation matches and append-only audit log",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS reconciliation_matches (
					id TEXT PRIMARY KEY,
					client_id TEXT NOT NULL,
					source_transaction_id TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
					source_type TEXT NOT NULL,
					target_id TEXT NOT NULL,
					target_type TEXT NOT NULL,
					target_reference TEXT,
					status TEXT NOT NULL DEFAULT 'PENDING',
					confidence REAL NOT NULL DEFAULT 0,
					match_type TEXT NOT NULL,
					breakdown TEXT NOT NULL,
					auto_matched INTEGER NOT NULL DEFAULT 0,
					user_confirmed INTEGER NOT NULL DEFAULT 0,
					confirmed_by TEXT,
					confirmed_at DATETIME,
					created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(source_transaction_id, target_id)
				)`,
				`CREATE INDEX idx_matches_client_status ON reconciliation_matches(client_id, status)`,
				`CREATE INDEX idx_matches_source_txn ON reconciliation_matches(source_transaction_id)`,
				`CREATE INDEX idx_matches_target ON reconciliation_matches(target_id)`,

				`CREATE TABLE IF NOT EXISTS reconciliation_audit (
					id TEXT PRIMARY KEY,
					client_id TEXT NOT NULL,
					source_transaction_id TEXT,
					match_id TEXT,
					actor TEXT NOT NULL,
					action TEXT NOT NULL,
					candidate_count INTEGER NOT NULL DEFAULT 0,
					candidate_summary TEXT,
					breakdown TEXT,
					decision TEXT,
					confidence REAL NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_recon_audit_client_time ON reconciliation_audit(client_id, created_at)`,
				`CREATE INDEX idx_recon_audit_match ON reconciliation_audit(match_id)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     3,
		Description: "Reconciliation batch progress checkpoints",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS recon_progress (
					run_id TEXT NOT NULL,
					client_id TEXT NOT NULL,
					source TEXT NOT NULL,
					last_processed_id TEXT,
					total_processed INTEGER NOT NULL DEFAULT 0,
					started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (client_id, source)
				)
			`)
			return err
		},
	},
}

// Migrate runs all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var currentVersion int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		slog.Info("Running migration",
			"version", migration.Version,
			"description", migration.Description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration transaction: %w", err)
		}

		if err := migration.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}

		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to set schema version: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the database's current schema version.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
