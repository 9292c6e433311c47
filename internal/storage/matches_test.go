package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdcsuite/ledgercore/internal/common"
	"github.com/fdcsuite/ledgercore/internal/model"
	"github.com/fdcsuite/ledgercore/internal/service"
)

func testMatch(clientID, sourceTxnID, targetID string, status model.MatchStatus, confidence float64) *model.ReconciliationMatch {
	return &model.ReconciliationMatch{
		ClientID:            clientID,
		SourceTransactionID: sourceTxnID,
		SourceType:          model.SourceBank,
		TargetID:            targetID,
		TargetType:          model.TargetReceipt,
		Status:              status,
		Confidence:          confidence,
		MatchType:           model.MatchTypeAmountDate,
		Breakdown:           model.ScoreBreakdown{Amount: 1, Date: 0.9, Total: confidence},
		AutoMatched:         status == model.MatchMatched,
	}
}

func TestUnresolvedTransactions(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	open, err := store.CreateTransaction(ctx, testTransaction("client-1", model.SourceBank, "10.00"), model.System)
	require.NoError(t, err)
	matched, err := store.CreateTransaction(ctx, testTransaction("client-1", model.SourceBank, "20.00"), model.System)
	require.NoError(t, err)
	_, err = store.CreateTransaction(ctx, testTransaction("client-1", model.SourceManual, "30.00"), bookkeeper)
	require.NoError(t, err)

	_, err = store.RecordMatchDecision(ctx, service.MatchDecision{
		Match: testMatch("client-1", matched.ID, "rcpt-1", model.MatchMatched, 0.95),
		Actor: model.System,
	})
	require.NoError(t, err)

	unresolved, err := store.UnresolvedTransactions(ctx, "client-1", model.SourceBank, 0)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, open.ID, unresolved[0].ID)
}

func TestUnresolvedTransactions_SkipsExcluded(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	created, err := store.CreateTransaction(ctx, testTransaction("client-1", model.SourceBank, "10.00"), model.System)
	require.NoError(t, err)
	_, err = store.ExcludeTransaction(ctx, created.ID, bookkeeper, "personal")
	require.NoError(t, err)

	unresolved, err := store.UnresolvedTransactions(ctx, "client-1", model.SourceBank, 0)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestRecordMatchDecision_Idempotent(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	txn, err := store.CreateTransaction(ctx, testTransaction("client-1", model.SourceBank, "10.00"), model.System)
	require.NoError(t, err)

	first, err := store.RecordMatchDecision(ctx, service.MatchDecision{
		Match: testMatch("client-1", txn.ID, "rcpt-1", model.MatchSuggested, 0.72),
		Actor: model.System,
	})
	require.NoError(t, err)

	// Re-running the same decision updates the same row in place.
	second, err := store.RecordMatchDecision(ctx, service.MatchDecision{
		Match: testMatch("client-1", txn.ID, "rcpt-1", model.MatchSuggested, 0.72),
		Actor: model.System,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())

	all, err := store.ListMatches(ctx, service.MatchFilter{ClientID: "client-1"})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// But both evaluations hit the audit log.
	audit, err := store.ListReconciliationAudit(ctx, "client-1", 0)
	require.NoError(t, err)
	assert.Len(t, audit, 2)
}

func TestRecordMatchDecision_NeverOverwritesConfirmed(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	txn, err := store.CreateTransaction(ctx, testTransaction("client-1", model.SourceBank, "10.00"), model.System)
	require.NoError(t, err)

	recorded, err := store.RecordMatchDecision(ctx, service.MatchDecision{
		Match: testMatch("client-1", txn.ID, "rcpt-1", model.MatchSuggested, 0.72),
		Actor: model.System,
	})
	require.NoError(t, err)

	_, err = store.ConfirmMatch(ctx, recorded.ID, bookkeeper)
	require.NoError(t, err)

	// The engine later decides differently; the confirmation stands.
	after, err := store.RecordMatchDecision(ctx, service.MatchDecision{
		Match: testMatch("client-1", txn.ID, "rcpt-1", model.MatchNoMatch, 0.1),
		Actor: model.System,
	})
	require.NoError(t, err)
	assert.Equal(t, model.MatchConfirmed, after.Status)
}

func TestRecordMatchDecision_NeverOverwritesRejected(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	txn, err := store.CreateTransaction(ctx, testTransaction("client-1", model.SourceBank, "10.00"), model.System)
	require.NoError(t, err)

	recorded, err := store.RecordMatchDecision(ctx, service.MatchDecision{
		Match: testMatch("client-1", txn.ID, "rcpt-1", model.MatchSuggested, 0.72),
		Actor: model.System,
	})
	require.NoError(t, err)

	_, err = store.RejectMatch(ctx, recorded.ID, bookkeeper, "wrong receipt")
	require.NoError(t, err)

	// The engine proposes the same pair on a later pass; the rejection
	// stands and no duplicate row appears.
	after, err := store.RecordMatchDecision(ctx, service.MatchDecision{
		Match: testMatch("client-1", txn.ID, "rcpt-1", model.MatchSuggested, 0.74),
		Actor: model.System,
	})
	require.NoError(t, err)
	assert.Equal(t, model.MatchRejected, after.Status)
	assert.Equal(t, recorded.ID, after.ID)

	all, err := store.ListMatches(ctx, service.MatchFilter{SourceTransactionID: txn.ID})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// The pass is still audited even though the row did not move.
	audit, err := store.ListReconciliationAudit(ctx, "client-1", 0)
	require.NoError(t, err)
	assert.Len(t, audit, 3)
}

func TestRecordMatchDecision_DemotesStaleMatches(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	txn, err := store.CreateTransaction(ctx, testTransaction("client-1", model.SourceBank, "10.00"), model.System)
	require.NoError(t, err)

	stale, err := store.RecordMatchDecision(ctx, service.MatchDecision{
		Match: testMatch("client-1", txn.ID, "rcpt-old", model.MatchMatched, 0.91),
		Actor: model.System,
	})
	require.NoError(t, err)

	// A better target shows up; the old auto-match degrades to a
	// suggestion instead of silently co-existing.
	_, err = store.RecordMatchDecision(ctx, service.MatchDecision{
		Match:  testMatch("client-1", txn.ID, "rcpt-new", model.MatchMatched, 0.97),
		Demote: []string{stale.ID},
		Actor:  model.System,
	})
	require.NoError(t, err)

	demoted, err := store.GetMatch(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchSuggested, demoted.Status)
	assert.False(t, demoted.AutoMatched)
}

func TestConfirmAndRejectMatch(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	txn, err := store.CreateTransaction(ctx, testTransaction("client-1", model.SourceBank, "10.00"), model.System)
	require.NoError(t, err)

	recorded, err := store.RecordMatchDecision(ctx, service.MatchDecision{
		Match: testMatch("client-1", txn.ID, "rcpt-1", model.MatchSuggested, 0.72),
		Actor: model.System,
	})
	require.NoError(t, err)

	confirmed, err := store.ConfirmMatch(ctx, recorded.ID, bookkeeper)
	require.NoError(t, err)
	assert.Equal(t, model.MatchConfirmed, confirmed.Status)
	assert.True(t, confirmed.UserConfirmed)
	assert.Equal(t, "bk-1", confirmed.ConfirmedBy)
	require.NotNil(t, confirmed.ConfirmedAt)

	// A confirmed row cannot be flipped straight to rejected.
	_, err = store.RejectMatch(ctx, recorded.ID, bookkeeper, "wrong receipt")
	var verr *common.ValidationError
	require.ErrorAs(t, err, &verr)

	// Requeue, let the engine re-propose, then reject.
	requeued, err := store.RequeueMatch(ctx, recorded.ID, bookkeeper)
	require.NoError(t, err)
	assert.Equal(t, model.MatchPending, requeued.Status)
	assert.False(t, requeued.UserConfirmed)

	// A pending row is not resolvable until the engine weighs in again.
	_, err = store.RejectMatch(ctx, recorded.ID, bookkeeper, "wrong receipt")
	require.ErrorAs(t, err, &verr)

	resuggested, err := store.RecordMatchDecision(ctx, service.MatchDecision{
		Match: testMatch("client-1", txn.ID, "rcpt-1", model.MatchSuggested, 0.70),
		Actor: model.System,
	})
	require.NoError(t, err)
	assert.Equal(t, model.MatchSuggested, resuggested.Status)

	rejected, err := store.RejectMatch(ctx, recorded.ID, bookkeeper, "wrong receipt")
	require.NoError(t, err)
	assert.Equal(t, model.MatchRejected, rejected.Status)

	audit, err := store.ListReconciliationAudit(ctx, "client-1", 0)
	require.NoError(t, err)
	actions := make([]string, 0, len(audit))
	for _, entry := range audit {
		actions = append(actions, entry.Action)
	}
	assert.Contains(t, actions, model.AuditMatchConfirmed)
	assert.Contains(t, actions, model.AuditMatchRejected)
}

func TestResolveMatch_RequiresEngineProposal(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	txn, err := store.CreateTransaction(ctx, testTransaction("client-1", model.SourceBank, "10.00"), model.System)
	require.NoError(t, err)

	// A NO_MATCH row carries a placeholder target; there is nothing to
	// confirm.
	noMatch, err := store.RecordMatchDecision(ctx, service.MatchDecision{
		Match: testMatch("client-1", txn.ID, "none:"+txn.ID, model.MatchNoMatch, 0),
		Actor: model.System,
	})
	require.NoError(t, err)

	var verr *common.ValidationError
	_, err = store.ConfirmMatch(ctx, noMatch.ID, bookkeeper)
	require.ErrorAs(t, err, &verr)
	_, err = store.RejectMatch(ctx, noMatch.ID, bookkeeper, "not a real target")
	require.ErrorAs(t, err, &verr)

	// Same for a failed placeholder.
	txn2, err := store.CreateTransaction(ctx, testTransaction("client-1", model.SourceBank, "20.00"), model.System)
	require.NoError(t, err)
	require.NoError(t, store.MarkMatchFailed(ctx, "client-1", txn2.ID, "target source unavailable"))

	status := model.MatchFailed
	failed, err := store.ListMatches(ctx, service.MatchFilter{SourceTransactionID: txn2.ID, Status: &status})
	require.NoError(t, err)
	require.Len(t, failed, 1)

	_, err = store.ConfirmMatch(ctx, failed[0].ID, bookkeeper)
	require.ErrorAs(t, err, &verr)
}

func TestResolveMatch_RolePermissions(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	txn, err := store.CreateTransaction(ctx, testTransaction("client-1", model.SourceBank, "10.00"), model.System)
	require.NoError(t, err)
	recorded, err := store.RecordMatchDecision(ctx, service.MatchDecision{
		Match: testMatch("client-1", txn.ID, "rcpt-1", model.MatchSuggested, 0.72),
		Actor: model.System,
	})
	require.NoError(t, err)

	_, err = store.ConfirmMatch(ctx, recorded.ID, model.Actor{UserID: "c-1", Role: model.RoleClient})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = store.RejectMatch(ctx, recorded.ID, model.Actor{UserID: "ta-1", Role: model.RoleTaxAgent}, "no")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestMarkMatchFailed(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	txn, err := store.CreateTransaction(ctx, testTransaction("client-1", model.SourceBank, "10.00"), model.System)
	require.NoError(t, err)

	// No prior row: a failure placeholder appears.
	require.NoError(t, store.MarkMatchFailed(ctx, "client-1", txn.ID, "target source unavailable"))

	status := model.MatchFailed
	failed, err := store.ListMatches(ctx, service.MatchFilter{ClientID: "client-1", Status: &status})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, txn.ID, failed[0].SourceTransactionID)

	// A failed row can be requeued for the next pass.
	requeued, err := store.RequeueMatch(ctx, failed[0].ID, admin)
	require.NoError(t, err)
	assert.Equal(t, model.MatchPending, requeued.Status)
}

func TestReconProgress_Lifecycle(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	_, err := store.GetReconProgress(ctx, "client-1", model.SourceBank)
	assert.ErrorIs(t, err, common.ErrNotFound)

	progress := &service.ReconProgress{
		RunID:           "run-1",
		ClientID:        "client-1",
		Source:          model.SourceBank,
		LastProcessedID: "txn-5",
		TotalProcessed:  5,
		StartedAt:       time.Now().UTC(),
	}
	require.NoError(t, store.SaveReconProgress(ctx, progress))

	// Saving again replaces the checkpoint in place.
	progress.LastProcessedID = "txn-9"
	progress.TotalProcessed = 9
	require.NoError(t, store.SaveReconProgress(ctx, progress))

	loaded, err := store.GetReconProgress(ctx, "client-1", model.SourceBank)
	require.NoError(t, err)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Equal(t, "txn-9", loaded.LastProcessedID)
	assert.Equal(t, 9, loaded.TotalProcessed)

	require.NoError(t, store.ClearReconProgress(ctx, "client-1", model.SourceBank))
	_, err = store.GetReconProgress(ctx, "client-1", model.SourceBank)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestAppendReconciliationAudit_Ordering(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	for i, action := range []string{model.AuditRunStarted, model.AuditMatchEvaluated, model.AuditRunCompleted} {
		err := store.AppendReconciliationAudit(ctx, &model.ReconciliationAuditEntry{
			ClientID:  "client-1",
			Actor:     model.RoleSystem,
			Action:    action,
			CreatedAt: time.Date(2026, 3, 1, 10, i, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}

	audit, err := store.ListReconciliationAudit(ctx, "client-1", 2)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, model.AuditRunCompleted, audit[0].Action)
	assert.Equal(t, model.AuditMatchEvaluated, audit[1].Action)
}
