package recon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdcsuite/ledgercore/internal/common"
	"github.com/fdcsuite/ledgercore/internal/model"
	"github.com/fdcsuite/ledgercore/internal/registry"
	"github.com/fdcsuite/ledgercore/internal/service"
	"github.com/fdcsuite/ledgercore/internal/storage"
)

// stubTargets serves canned candidate records, optionally failing every
// call.
type stubTargets struct {
	records map[model.TargetType][]model.TargetRecord
	err     error
	calls   int
}

func (s *stubTargets) Targets(_ context.Context, _ string, targetType model.TargetType, from, to time.Time) ([]model.TargetRecord, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var out []model.TargetRecord
	for _, r := range s.records[targetType] {
		if r.Date.Before(from) || r.Date.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func newTestEngine(t *testing.T, targets service.TargetSource) (*Engine, *storage.SQLiteStorage, func()) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := storage.NewSQLiteStorage(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))

	engine := NewEngine(store, targets, registry.New())
	engine.SetRetryOptions(service.RetryOptions{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	})
	return engine, store, func() { _ = store.Close() }
}

func seedBankTransaction(t *testing.T, store *storage.SQLiteStorage, clientID, amount string, date time.Time) *model.Transaction {
	t.Helper()
	created, err := store.CreateTransaction(context.Background(), &model.Transaction{
		ClientID:       clientID,
		Date:           date,
		Amount:         amt(amount),
		PayeeRaw:       "WOOLWORTHS METRO",
		DescriptionRaw: "groceries",
		Source:         model.SourceBank,
		GSTCode:        model.GSTStandard,
	}, model.System)
	require.NoError(t, err)
	return created
}

func TestEngine_Run_AutoMatch(t *testing.T) {
	targets := &stubTargets{records: map[model.TargetType][]model.TargetRecord{
		model.TargetReceipt: {{
			ID:            "rcpt-1",
			Type:          model.TargetReceipt,
			Date:          day(10),
			Amount:        amt("45.00"),
			Payee:         "WOOLWORTHS METRO",
			Reference:     "groceries",
			GSTIncluded:   true,
			HasAttachment: true,
		}},
	}}
	engine, store, cleanup := newTestEngine(t, targets)
	defer cleanup()
	ctx := context.Background()

	txn := seedBankTransaction(t, store, "client-1", "45.00", day(10))

	result, err := engine.Run(ctx, "client-1", model.SourceBank)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Examined)
	assert.Equal(t, 1, result.AutoMatched)
	assert.Zero(t, result.Failed)

	matches, err := store.ListMatches(ctx, service.MatchFilter{ClientID: "client-1"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, model.MatchMatched, matches[0].Status)
	assert.Equal(t, "rcpt-1", matches[0].TargetID)
	assert.True(t, matches[0].AutoMatched)
	assert.GreaterOrEqual(t, matches[0].Confidence, 0.90)
	assert.Equal(t, txn.ID, matches[0].SourceTransactionID)

	// run_started, match_evaluated, run_completed.
	audit, err := store.ListReconciliationAudit(ctx, "client-1", 0)
	require.NoError(t, err)
	require.Len(t, audit, 3)
	assert.Equal(t, model.AuditRunCompleted, audit[0].Action)

	// The checkpoint is gone after a clean finish.
	_, err = store.GetReconProgress(ctx, "client-1", model.SourceBank)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestEngine_Run_Suggested(t *testing.T) {
	targets := &stubTargets{records: map[model.TargetType][]model.TargetRecord{
		model.TargetReceipt: {{
			ID:          "rcpt-close",
			Type:        model.TargetReceipt,
			Date:        day(11),
			Amount:      amt("43.00"), // ~4.5% off
			Payee:       "WOOLWORTHS METRO",
			Reference:   "groceries",
			GSTIncluded: true,
		}},
	}}
	engine, store, cleanup := newTestEngine(t, targets)
	defer cleanup()
	ctx := context.Background()

	seedBankTransaction(t, store, "client-1", "45.00", day(10))

	result, err := engine.Run(ctx, "client-1", model.SourceBank)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Suggested)
	assert.Zero(t, result.AutoMatched)

	matches, err := store.ListMatches(ctx, service.MatchFilter{ClientID: "client-1"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, model.MatchSuggested, matches[0].Status)
	assert.False(t, matches[0].AutoMatched)
}

func TestEngine_Run_NoCandidates(t *testing.T) {
	targets := &stubTargets{records: map[model.TargetType][]model.TargetRecord{}}
	engine, store, cleanup := newTestEngine(t, targets)
	defer cleanup()
	ctx := context.Background()

	txn := seedBankTransaction(t, store, "client-1", "45.00", day(10))

	result, err := engine.Run(ctx, "client-1", model.SourceBank)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NoMatch)

	matches, err := store.ListMatches(ctx, service.MatchFilter{SourceTransactionID: txn.ID})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, model.MatchNoMatch, matches[0].Status)
	assert.Equal(t, model.TargetUnknown, matches[0].TargetType)
}

func TestEngine_Run_Idempotent(t *testing.T) {
	targets := &stubTargets{records: map[model.TargetType][]model.TargetRecord{
		model.TargetReceipt: {{
			ID:          "rcpt-weak",
			Type:        model.TargetReceipt,
			Date:        day(12),
			Amount:      amt("60.00"),
			Payee:       "SOMEONE ELSE",
			GSTIncluded: true,
		}},
	}}
	engine, store, cleanup := newTestEngine(t, targets)
	defer cleanup()
	ctx := context.Background()

	seedBankTransaction(t, store, "client-1", "45.00", day(10))

	first, err := engine.Run(ctx, "client-1", model.SourceBank)
	require.NoError(t, err)

	// NO_MATCH rows stay unresolved, so the second pass re-examines and
	// lands on the identical decision without duplicating match rows.
	second, err := engine.Run(ctx, "client-1", model.SourceBank)
	require.NoError(t, err)
	assert.Equal(t, first.Examined, second.Examined)

	matches, err := store.ListMatches(ctx, service.MatchFilter{ClientID: "client-1"})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestEngine_Run_RejectedPairNotReproposed(t *testing.T) {
	targets := &stubTargets{records: map[model.TargetType][]model.TargetRecord{
		model.TargetReceipt: {{
			ID:          "rcpt-close",
			Type:        model.TargetReceipt,
			Date:        day(11),
			Amount:      amt("43.00"),
			Payee:       "WOOLWORTHS METRO",
			Reference:   "groceries",
			GSTIncluded: true,
		}},
	}}
	engine, store, cleanup := newTestEngine(t, targets)
	defer cleanup()
	ctx := context.Background()

	txn := seedBankTransaction(t, store, "client-1", "45.00", day(10))

	_, err := engine.Run(ctx, "client-1", model.SourceBank)
	require.NoError(t, err)

	matches, err := store.ListMatches(ctx, service.MatchFilter{SourceTransactionID: txn.ID})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, model.MatchSuggested, matches[0].Status)

	bookkeeper := model.Actor{UserID: "bk-1", Role: model.RoleBookkeeper}
	_, err = store.RejectMatch(ctx, matches[0].ID, bookkeeper, "wrong receipt")
	require.NoError(t, err)

	// The pair scores into suggestion range again, but the rejection holds.
	_, err = engine.Run(ctx, "client-1", model.SourceBank)
	require.NoError(t, err)

	after, err := store.ListMatches(ctx, service.MatchFilter{SourceTransactionID: txn.ID})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, model.MatchRejected, after[0].Status)
	assert.Equal(t, matches[0].ID, after[0].ID)
}

func TestEngine_Run_BoundedPage(t *testing.T) {
	v := viper.New()
	v.Set("sources.BANK.batch_page_size", 2)
	reg, err := registry.Load(v)
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := storage.NewSQLiteStorage(dbPath)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	engine := NewEngine(store, &stubTargets{records: map[model.TargetType][]model.TargetRecord{}}, reg)

	seedBankTransaction(t, store, "client-1", "45.00", day(10))
	seedBankTransaction(t, store, "client-1", "62.00", day(11))
	seedBankTransaction(t, store, "client-1", "17.50", day(12))

	// One run works one page; the rest wait for the next run.
	result, err := engine.Run(ctx, "client-1", model.SourceBank)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Examined)
}

func TestEngine_Run_FailedItemDoesNotStopBatch(t *testing.T) {
	targets := &stubTargets{err: errors.New("target store is down")}
	engine, store, cleanup := newTestEngine(t, targets)
	defer cleanup()
	ctx := context.Background()

	txnA := seedBankTransaction(t, store, "client-1", "45.00", day(10))
	txnB := seedBankTransaction(t, store, "client-1", "62.00", day(11))

	result, err := engine.Run(ctx, "client-1", model.SourceBank)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Examined)
	assert.Equal(t, 2, result.Failed)
	// Three attempts per item before giving up.
	assert.Equal(t, 6, targets.calls)

	status := model.MatchFailed
	failed, err := store.ListMatches(ctx, service.MatchFilter{ClientID: "client-1", Status: &status})
	require.NoError(t, err)
	require.Len(t, failed, 2)
	ids := []string{failed[0].SourceTransactionID, failed[1].SourceTransactionID}
	assert.ElementsMatch(t, []string{txnA.ID, txnB.ID}, ids)
}

func TestEngine_Run_ResumesFromCheckpoint(t *testing.T) {
	targets := &stubTargets{records: map[model.TargetType][]model.TargetRecord{}}
	engine, store, cleanup := newTestEngine(t, targets)
	defer cleanup()
	ctx := context.Background()

	txnA := seedBankTransaction(t, store, "client-1", "45.00", day(10))
	txnB := seedBankTransaction(t, store, "client-1", "62.00", day(11))
	first, second := txnA.ID, txnB.ID
	if second < first {
		first, second = second, first
	}

	// Pretend a previous run stopped after the first item.
	require.NoError(t, store.SaveReconProgress(ctx, &service.ReconProgress{
		RunID:           "run-prev",
		ClientID:        "client-1",
		Source:          model.SourceBank,
		LastProcessedID: first,
		TotalProcessed:  1,
	}))

	result, err := engine.Run(ctx, "client-1", model.SourceBank)
	require.NoError(t, err)
	assert.Equal(t, "run-prev", result.RunID)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Examined)

	matches, err := store.ListMatches(ctx, service.MatchFilter{ClientID: "client-1"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, second, matches[0].SourceTransactionID)
}

func TestEngine_Run_CancellationStopsScheduling(t *testing.T) {
	targets := &stubTargets{records: map[model.TargetType][]model.TargetRecord{}}
	engine, store, cleanup := newTestEngine(t, targets)
	defer cleanup()

	seedBankTransaction(t, store, "client-1", "45.00", day(10))
	seedBankTransaction(t, store, "client-1", "62.00", day(11))

	ctx, cancel := context.WithCancel(context.Background())
	engine.SetProgressFunc(func(processed, total int) {
		cancel()
	})

	result, err := engine.Run(ctx, "client-1", model.SourceBank)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, result.Examined)

	// The completed item stayed committed and the checkpoint survives for
	// a later resume.
	matches, err := store.ListMatches(context.Background(), service.MatchFilter{ClientID: "client-1"})
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	progress, err := store.GetReconProgress(context.Background(), "client-1", model.SourceBank)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.TotalProcessed)
}

func TestEngine_Run_UnknownSource(t *testing.T) {
	engine, _, cleanup := newTestEngine(t, &stubTargets{})
	defer cleanup()

	_, err := engine.Run(context.Background(), "client-1", model.Source("TELEPATHY"))
	assert.ErrorIs(t, err, common.ErrMissingConfig)
}

func TestEngine_Run_CandidateCap(t *testing.T) {
	var records []model.TargetRecord
	for i := 0; i < 30; i++ {
		records = append(records, model.TargetRecord{
			ID:     fmt.Sprintf("rcpt-%02d", i),
			Type:   model.TargetReceipt,
			Date:   day(10),
			Amount: amt("999.00"),
		})
	}
	targets := &stubTargets{records: map[model.TargetType][]model.TargetRecord{
		model.TargetReceipt: records,
	}}
	engine, store, cleanup := newTestEngine(t, targets)
	defer cleanup()
	ctx := context.Background()

	txn := seedBankTransaction(t, store, "client-1", "45.00", day(10))

	_, err := engine.Run(ctx, "client-1", model.SourceBank)
	require.NoError(t, err)

	audit, err := store.ListReconciliationAudit(ctx, "client-1", 0)
	require.NoError(t, err)
	for _, entry := range audit {
		if entry.Action == model.AuditMatchEvaluated && entry.SourceTransactionID == txn.ID {
			assert.LessOrEqual(t, entry.CandidateCount, 20)
		}
	}
}
