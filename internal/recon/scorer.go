// Package recon implements the reconciliation matching engine: scoring
// candidate targets against ledger transactions and running batch passes
// with checkpointed progress.
package recon

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/fdcsuite/ledgercore/internal/model"
	"github.com/fdcsuite/ledgercore/internal/registry"
)

// gstToleranceRate is the rounding slack allowed when comparing GST
// treatment: one cent per ten dollars of the transaction amount.
var gstToleranceRate = decimal.NewFromFloat(0.001)

// Scorer computes confidence scores for transaction/target pairs using a
// fixed weight set.
type Scorer struct {
	weights registry.Weights
}

// NewScorer returns a scorer using the given weights.
func NewScorer(weights registry.Weights) *Scorer {
	return &Scorer{weights: weights}
}

// Score computes the weighted confidence for a pair and the sub-score
// breakdown that explains it. hasAttachment reports whether the ledger
// side carries at least one attachment.
func (sc *Scorer) Score(txn *model.Transaction, hasAttachment bool, target model.TargetRecord) model.ScoreBreakdown {
	b := model.ScoreBreakdown{
		Amount:      amountScore(txn.Amount, target.Amount),
		Date:        dateScore(txn.Date, target.Date),
		Category:    categoryScore(txn.CategoryBookkeeper, txn.CategoryClient, target.CategoryCode),
		Description: descriptionScore(txn, target),
		GST:         gstScore(txn, target),
		Attachment:  attachmentScore(hasAttachment, target.HasAttachment),
	}
	b.Total = sc.weights.Amount*b.Amount +
		sc.weights.Date*b.Date +
		sc.weights.Category*b.Category +
		sc.weights.Description*b.Description +
		sc.weights.GST*b.GST +
		sc.weights.Attachment*b.Attachment
	b.Total = math.Round(b.Total*10000) / 10000
	return b
}

// Classify determines the match type from the sub-scores.
func Classify(b model.ScoreBreakdown) model.MatchType {
	switch {
	case b.Amount >= 0.95 && b.Date >= 0.9:
		return model.MatchTypeExact
	case b.Amount >= 0.8 && b.Date >= 0.7:
		return model.MatchTypeAmountDate
	case b.Amount >= 0.8:
		return model.MatchTypeAmountOnly
	default:
		return model.MatchTypeFuzzy
	}
}

// amountScore compares absolute amounts. Sign is ignored: a bank debit
// and the matching receipt record the same movement with opposite signs.
func amountScore(a, b decimal.Decimal) float64 {
	a = a.Abs()
	b = b.Abs()
	if a.Equal(b) {
		return 1.0
	}

	diff := a.Sub(b).Abs()
	// Within one cent counts as a rounding artifact.
	if diff.LessThanOrEqual(decimal.NewFromFloat(0.01)) {
		return 0.95
	}

	larger := decimal.Max(a, b)
	if larger.IsZero() {
		return 0.0
	}
	ratio, _ := diff.Div(larger).Float64()
	switch {
	case ratio <= 0.05:
		return 0.8
	case ratio <= 0.10:
		return 0.6
	case ratio <= 0.20:
		return 0.3
	default:
		return 0.0
	}
}

func dateScore(a, b time.Time) float64 {
	days := int(math.Abs(a.Truncate(24*time.Hour).Sub(b.Truncate(24*time.Hour)).Hours() / 24))
	switch {
	case days == 0:
		return 1.0
	case days == 1:
		return 0.9
	case days <= 3:
		return 0.7
	case days <= 7:
		return 0.4
	case days <= 14:
		return 0.2
	default:
		return 0.0
	}
}

// categoryGroups maps category codes onto coarse groups so near-miss
// codings still earn partial credit.
var categoryGroups = map[string]string{
	"FOOD":         "consumables",
	"GROCERIES":    "consumables",
	"KITCHEN":      "consumables",
	"CRAFT":        "program",
	"TOYS":         "program",
	"EDUCATIONAL":  "program",
	"MOTOR_FUEL":   "vehicle",
	"MOTOR_REGO":   "vehicle",
	"MOTOR_REPAIR": "vehicle",
	"ELECTRICITY":  "utilities",
	"GAS":          "utilities",
	"WATER":        "utilities",
	"INTERNET":     "comms",
	"PHONE":        "comms",
}

func categoryScore(bookkeeperCode, clientCode, targetCode string) float64 {
	code := bookkeeperCode
	if code == "" {
		code = clientCode
	}
	if code == "" || targetCode == "" {
		return 0.5
	}
	if strings.EqualFold(code, targetCode) {
		return 1.0
	}
	if g, ok := categoryGroups[strings.ToUpper(code)]; ok && g == categoryGroups[strings.ToUpper(targetCode)] {
		return 0.7
	}
	return 0.3
}

func descriptionScore(txn *model.Transaction, target model.TargetRecord) float64 {
	a := normalizeText(txn.PayeeRaw + " " + txn.DescriptionRaw)
	b := normalizeText(target.Payee + " " + target.Reference)
	if a == "" || b == "" {
		return 0.5
	}
	return levenshtein.RatioForStrings([]rune(a), []rune(b), levenshtein.DefaultOptions)
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// gstScore checks whether the GST treatments agree. Targets only record
// whether GST was included, so the comparison is necessarily coarse.
func gstScore(txn *model.Transaction, target model.TargetRecord) float64 {
	if txn.GSTCode == "" {
		return 0.5
	}
	txnHasGST := txn.GSTCode == model.GSTStandard
	if txnHasGST == target.GSTIncluded {
		return 1.0
	}
	// Tiny amounts round below the GST reporting threshold.
	if txn.Amount.Abs().Mul(gstToleranceRate).LessThanOrEqual(decimal.NewFromFloat(0.01)) {
		return 0.75
	}
	return 0.5
}

func attachmentScore(txnHas, targetHas bool) float64 {
	switch {
	case txnHas && targetHas:
		return 1.0
	case txnHas || targetHas:
		return 0.7
	default:
		return 0.5
	}
}
