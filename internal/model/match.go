package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TargetType is the kind of external record a transaction reconciles
// against.
type TargetType string

// Reconciliation target types.
const (
	TargetBank    TargetType = "BANK"
	TargetReceipt TargetType = "RECEIPT"
	TargetInvoice TargetType = "INVOICE"
	TargetManual  TargetType = "MANUAL"
	TargetUnknown TargetType = "UNKNOWN"
)

// Valid reports whether t is a recognised target type.
func (t TargetType) Valid() bool {
	switch t {
	case TargetBank, TargetReceipt, TargetInvoice, TargetManual, TargetUnknown:
		return true
	}
	return false
}

// MatchStatus is the state of a reconciliation match row.
type MatchStatus string

// Match statuses. PENDING/MATCHED/SUGGESTED/NO_MATCH are engine-driven;
// CONFIRMED/REJECTED are human-driven; FAILED marks an item whose retry
// budget was exhausted during a batch pass.
const (
	MatchPending   MatchStatus = "PENDING"
	MatchMatched   MatchStatus = "MATCHED"
	MatchSuggested MatchStatus = "SUGGESTED"
	MatchNoMatch   MatchStatus = "NO_MATCH"
	MatchRejected  MatchStatus = "REJECTED"
	MatchConfirmed MatchStatus = "CONFIRMED"
	MatchFailed    MatchStatus = "FAILED"
)

// Valid reports whether s is a recognised match status.
func (s MatchStatus) Valid() bool {
	switch s {
	case MatchPending, MatchMatched, MatchSuggested, MatchNoMatch,
		MatchRejected, MatchConfirmed, MatchFailed:
		return true
	}
	return false
}

// Resolved reports whether the row no longer needs engine attention.
func (s MatchStatus) Resolved() bool {
	return s == MatchMatched || s == MatchConfirmed
}

// MatchType classifies how a match was established.
type MatchType string

// Match types.
const (
	MatchTypeExact      MatchType = "EXACT"
	MatchTypeAmountDate MatchType = "AMOUNT_DATE"
	MatchTypeAmountOnly MatchType = "AMOUNT_ONLY"
	MatchTypeFuzzy      MatchType = "FUZZY"
	MatchTypeManual     MatchType = "MANUAL"
)

// ScoreBreakdown is the structured decomposition of a confidence score.
// It is persisted alongside the match so any decision can be explained
// after the fact.
type ScoreBreakdown struct {
	Amount      float64 `json:"amount"`
	Date        float64 `json:"date"`
	Category    float64 `json:"category"`
	Description float64 `json:"description"`
	GST         float64 `json:"gst"`
	Attachment  float64 `json:"attachment"`
	Total       float64 `json:"total"`
}

// TargetRecord is a normalized candidate record from an external store:
// a bank feed line, receipt, invoice or manual entry.
type TargetRecord struct {
	ID            string
	Type          TargetType
	Date          time.Time
	Amount        decimal.Decimal
	Reference     string
	Payee         string
	CategoryCode  string
	GSTIncluded   bool
	HasAttachment bool
}

// ReconciliationMatch pairs a source transaction with a candidate target.
// At most one active (non-REJECTED) row exists per (source, target) pair;
// the engine updates rows in place so re-runs over unchanged data are
// byte-identical.
type ReconciliationMatch struct {
	ID       string
	ClientID string

	SourceTransactionID string
	SourceType          Source

	TargetID        string
	TargetType      TargetType
	TargetReference string

	Status     MatchStatus
	Confidence float64
	MatchType  MatchType
	Breakdown  ScoreBreakdown

	AutoMatched   bool
	UserConfirmed bool
	ConfirmedBy   string
	ConfirmedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReconciliationAuditEntry is one append-only record per matching decision,
// including no-op re-runs. It is independent of the ledger's own history
// trail.
type ReconciliationAuditEntry struct {
	ID       string
	ClientID string

	SourceTransactionID string
	MatchID             string

	Actor            string
	Action           string
	CandidateCount   int
	CandidateSummary string
	Breakdown        ScoreBreakdown
	Decision         MatchStatus
	Confidence       float64

	CreatedAt time.Time
}

// Reconciliation audit actions.
const (
	AuditRunStarted     = "run_started"
	AuditRunCompleted   = "run_completed"
	AuditMatchEvaluated = "match_evaluated"
	AuditMatchConfirmed = "match_confirmed"
	AuditMatchRejected  = "match_rejected"
)
