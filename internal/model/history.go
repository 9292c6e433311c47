package model

import "time"

// HistoryAction identifies what kind of mutation produced a history entry.
type HistoryAction string

// History actions.
const (
	ActionManual            HistoryAction = "manual"
	ActionBulkRecode        HistoryAction = "bulk_recode"
	ActionImport            HistoryAction = "import"
	ActionSyncCreate        HistoryAction = "sync_create"
	ActionSyncUpdate        HistoryAction = "sync_update"
	ActionWorkpaperOverride HistoryAction = "workpaper_override"
	ActionLock              HistoryAction = "lock"
	ActionUnlock            HistoryAction = "unlock"
	ActionExclude           HistoryAction = "exclude"
	ActionAttachmentAdd     HistoryAction = "attachment_add"
	ActionAttachmentRemove  HistoryAction = "attachment_remove"
)

// RequiresComment reports whether a history entry for this action must
// carry a comment.
func (a HistoryAction) RequiresComment() bool {
	return a == ActionUnlock || a == ActionWorkpaperOverride
}

// HistoryEntry is one immutable audit record for a transaction mutation.
// Every successful mutation writes exactly one entry in the same unit of
// work as the row change; entries are never updated or deleted.
type HistoryEntry struct {
	ID            string
	TransactionID string

	// UserID is empty for system actions.
	UserID string
	Role   string
	Action HistoryAction

	// Before is nil on create; After is nil on delete.
	Before *BookkeeperSnapshot
	After  *BookkeeperSnapshot

	Comment   string
	CreatedAt time.Time
}

// Attachment is an opaque storage reference owned by a transaction.
type Attachment struct {
	ID            string
	TransactionID string

	// StorageRef is opaque: an object key, a document ID, whatever the
	// attachment store hands back.
	StorageRef string

	// Checksum (SHA-256 hex) backs duplicate detection.
	Checksum string

	UploadedByRole string
	Filename       string
	MimeType       string
	FileSize       int64
	UploadedAt     time.Time
}
