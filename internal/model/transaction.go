// Package model defines the core domain types for the transaction ledger
// and the reconciliation engine.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies the origin system of a ledger transaction.
type Source string

// Recognised transaction sources.
const (
	SourceBank   Source = "BANK"
	SourceMyFDC  Source = "MYFDC"
	SourceOCR    Source = "OCR"
	SourceManual Source = "MANUAL"
)

// Valid reports whether s is a recognised source.
func (s Source) Valid() bool {
	switch s {
	case SourceBank, SourceMyFDC, SourceOCR, SourceManual:
		return true
	}
	return false
}

// GSTCode is the Australian GST treatment assigned by a bookkeeper.
type GSTCode string

// GST codes.
const (
	GSTStandard   GSTCode = "GST"
	GSTFree       GSTCode = "GST_FREE"
	GSTInputTaxed GSTCode = "INPUT_TAXED"
	GSTOutOfScope GSTCode = "OUT_OF_SCOPE"
	GSTPrivate    GSTCode = "PRIVATE"
)

// Valid reports whether g is a recognised GST code. The empty string is
// valid and means "not yet coded".
func (g GSTCode) Valid() bool {
	switch g {
	case "", GSTStandard, GSTFree, GSTInputTaxed, GSTOutOfScope, GSTPrivate:
		return true
	}
	return false
}

// ModuleRouting is the downstream workpaper module a transaction feeds.
type ModuleRouting string

// Module routing targets.
const (
	ModuleMotorVehicle  ModuleRouting = "MOTOR_VEHICLE"
	ModuleHomeOccupancy ModuleRouting = "HOME_OCCUPANCY"
	ModuleUtilities     ModuleRouting = "UTILITIES"
	ModuleInternet      ModuleRouting = "INTERNET"
	ModuleGeneral       ModuleRouting = "GENERAL"
	ModuleDisallowed    ModuleRouting = "DISALLOWED"
)

// Valid reports whether m is a recognised module. Empty means unrouted.
func (m ModuleRouting) Valid() bool {
	switch m {
	case "", ModuleMotorVehicle, ModuleHomeOccupancy, ModuleUtilities,
		ModuleInternet, ModuleGeneral, ModuleDisallowed:
		return true
	}
	return false
}

// Flags is the fixed set of review flags on a transaction. It deliberately
// is a closed struct rather than a dynamic map so every consumer knows the
// full set of valid flags at compile time.
type Flags struct {
	Duplicate   bool `json:"duplicate"`
	LateReceipt bool `json:"late_receipt"`
	HighRisk    bool `json:"high_risk"`
}

// Transaction is one row of the canonical ledger: a single money movement
// tracked on behalf of a client.
type Transaction struct {
	ID       string
	ClientID string
	Date     time.Time
	Amount   decimal.Decimal

	PayeeRaw       string
	DescriptionRaw string
	Source         Source

	// Client-entered fields.
	CategoryClient   string
	ModuleHintClient string
	NotesClient      string

	// Bookkeeper fields. Frozen once Status is StatusLocked.
	CategoryBookkeeper string
	GSTCode            GSTCode
	NotesBookkeeper    string

	Status Status
	Flags  Flags
	Module ModuleRouting

	LockedAt     *time.Time
	LockedByRole string

	// Version increments on every successful mutation and backs the
	// optimistic concurrency check on Update.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BookkeeperSnapshot is the frozen view of the bookkeeper fields captured
// when a transaction is locked into a workpaper. It is the canonical input
// for downstream calculation and is never mutated after creation.
type BookkeeperSnapshot struct {
	TransactionID      string          `json:"transaction_id"`
	Amount             decimal.Decimal `json:"amount"`
	Date               string          `json:"date"`
	PayeeRaw           string          `json:"payee_raw"`
	DescriptionRaw     string          `json:"description_raw"`
	CategoryBookkeeper string          `json:"category_bookkeeper"`
	GSTCode            GSTCode         `json:"gst_code"`
	NotesBookkeeper    string          `json:"notes_bookkeeper"`
	Module             ModuleRouting   `json:"module"`
	Flags              Flags           `json:"flags"`
	LockedAt           *time.Time      `json:"locked_at,omitempty"`
}

// Snapshot captures the current bookkeeper fields of t.
func (t *Transaction) Snapshot() BookkeeperSnapshot {
	return BookkeeperSnapshot{
		TransactionID:      t.ID,
		Amount:             t.Amount,
		Date:               t.Date.Format("2006-01-02"),
		PayeeRaw:           t.PayeeRaw,
		DescriptionRaw:     t.DescriptionRaw,
		CategoryBookkeeper: t.CategoryBookkeeper,
		GSTCode:            t.GSTCode,
		NotesBookkeeper:    t.NotesBookkeeper,
		Module:             t.Module,
		Flags:              t.Flags,
		LockedAt:           t.LockedAt,
	}
}

// WorkpaperLink records that a transaction was pulled into a workpaper for
// a period, together with the frozen snapshot taken at lock time. Exactly
// one link exists per (transaction, workpaper, module); links are never
// mutated after creation.
type WorkpaperLink struct {
	ID            string
	TransactionID string
	WorkpaperID   string
	Module        ModuleRouting
	Period        string
	Snapshot      BookkeeperSnapshot
	CreatedAt     time.Time
}
