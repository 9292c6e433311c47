// Package service defines the interfaces and shared types for all
// application services.
package service

import (
	"context"
	"iter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fdcsuite/ledgercore/internal/model"
)

// TransactionFilter defines filtering options for ledger queries.
type TransactionFilter struct {
	ClientID    string
	Status      *model.Status
	Source      *model.Source
	Category    string
	Module      *model.ModuleRouting
	DateFrom    *time.Time
	DateTo      *time.Time
	Duplicate   *bool
	LateReceipt *bool
	HighRisk    *bool
	Search      string
	Limit       int
	Offset      int
}

// TransactionChanges carries the mutable fields of an update. Nil fields
// are left untouched. ExpectedVersion, when set, enables the optimistic
// concurrency check.
type TransactionChanges struct {
	Date               *time.Time
	Amount             *decimal.Decimal
	PayeeRaw           *string
	DescriptionRaw     *string
	CategoryBookkeeper *string
	GSTCode            *model.GSTCode
	NotesBookkeeper    *string
	Status             *model.Status
	Flags              *model.Flags
	Module             *model.ModuleRouting
	ExpectedVersion    *int64
}

// Empty reports whether the change set touches nothing.
func (c TransactionChanges) Empty() bool {
	return c.Date == nil && c.Amount == nil && c.PayeeRaw == nil &&
		c.DescriptionRaw == nil && c.CategoryBookkeeper == nil &&
		c.GSTCode == nil && c.NotesBookkeeper == nil && c.Status == nil &&
		c.Flags == nil && c.Module == nil
}

// BulkCriteria selects the rows a bulk recode applies to. At least one
// criterion must be set.
type BulkCriteria struct {
	ClientID       string
	Status         *model.Status
	Category       string
	TransactionIDs []string
	DateFrom       *time.Time
	DateTo         *time.Time
}

// Empty reports whether no criterion is set.
func (c BulkCriteria) Empty() bool {
	return c.ClientID == "" && c.Status == nil && c.Category == "" &&
		len(c.TransactionIDs) == 0 && c.DateFrom == nil && c.DateTo == nil
}

// LockRequest asks the store to lock a batch of transactions into a
// workpaper.
type LockRequest struct {
	TransactionIDs []string
	WorkpaperID    string
	Module         model.ModuleRouting
	Period         string
}

// MatchDecision is the outcome of evaluating one source transaction during
// an engine pass. The store persists the match row and its audit entry in
// one atomic unit.
type MatchDecision struct {
	Match            *model.ReconciliationMatch
	Demote           []string // IDs of stale MATCHED rows to demote to SUGGESTED
	Actor            model.Actor
	CandidateCount   int
	CandidateSummary string
}

// MatchFilter defines filtering options for match queries.
type MatchFilter struct {
	ClientID            string
	SourceTransactionID string
	Status              *model.MatchStatus
	Limit               int
}

// ReconProgress checkpoints a reconciliation batch so an interrupted run
// resumes where it stopped.
type ReconProgress struct {
	RunID           string
	ClientID        string
	Source          model.Source
	LastProcessedID string
	TotalProcessed  int
	StartedAt       time.Time
	UpdatedAt       time.Time
}

// Ledger is the contract for the transaction ledger store.
type Ledger interface {
	CreateTransaction(ctx context.Context, txn *model.Transaction, actor model.Actor) (*model.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]model.Transaction, error)
	UpdateTransaction(ctx context.Context, id string, changes TransactionChanges, actor model.Actor) (*model.Transaction, error)
	BulkRecode(ctx context.Context, criteria BulkCriteria, changes TransactionChanges, actor model.Actor) (int, error)
	LockTransactions(ctx context.Context, req LockRequest, actor model.Actor) (int, error)
	UnlockTransaction(ctx context.Context, id string, actor model.Actor, comment string) (*model.Transaction, error)
	ExcludeTransaction(ctx context.Context, id string, actor model.Actor, comment string) (*model.Transaction, error)

	AddAttachment(ctx context.Context, att *model.Attachment, actor model.Actor) (*model.Attachment, error)
	RemoveAttachment(ctx context.Context, transactionID, attachmentID string, actor model.Actor) error
	ListAttachments(ctx context.Context, transactionID string) ([]model.Attachment, error)

	History(ctx context.Context, transactionID string) iter.Seq2[model.HistoryEntry, error]
	GetWorkpaperLinks(ctx context.Context, transactionID string) ([]model.WorkpaperLink, error)
}

// Matches is the contract for reconciliation match state.
type Matches interface {
	UnresolvedTransactions(ctx context.Context, clientID string, source model.Source, limit int) ([]model.Transaction, error)
	RecordMatchDecision(ctx context.Context, decision MatchDecision) (*model.ReconciliationMatch, error)
	GetMatch(ctx context.Context, id string) (*model.ReconciliationMatch, error)
	ListMatches(ctx context.Context, filter MatchFilter) ([]model.ReconciliationMatch, error)
	ConfirmMatch(ctx context.Context, matchID string, actor model.Actor) (*model.ReconciliationMatch, error)
	RejectMatch(ctx context.Context, matchID string, actor model.Actor, reason string) (*model.ReconciliationMatch, error)
	RequeueMatch(ctx context.Context, matchID string, actor model.Actor) (*model.ReconciliationMatch, error)
	MarkMatchFailed(ctx context.Context, clientID, sourceTransactionID string, reason string) error

	AppendReconciliationAudit(ctx context.Context, entry *model.ReconciliationAuditEntry) error
	ListReconciliationAudit(ctx context.Context, clientID string, limit int) ([]model.ReconciliationAuditEntry, error)

	SaveReconProgress(ctx context.Context, progress *ReconProgress) error
	GetReconProgress(ctx context.Context, clientID string, source model.Source) (*ReconProgress, error)
	ClearReconProgress(ctx context.Context, clientID string, source model.Source) error
}

// Storage is the full persistence contract.
type Storage interface {
	Ledger
	Matches

	Migrate(ctx context.Context) error
	Close() error
}

// TargetSource supplies normalized candidate records from an external
// store: bank feed lines, receipts, invoices, manual entries.
type TargetSource interface {
	Targets(ctx context.Context, clientID string, targetType model.TargetType, from, to time.Time) ([]model.TargetRecord, error)
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// BatchResult summarizes one reconciliation engine pass.
type BatchResult struct {
	RunID       string
	ClientID    string
	Source      model.Source
	Examined    int
	AutoMatched int
	Suggested   int
	NoMatch     int
	Failed      int
	Skipped     int
	Duration    time.Duration
}
