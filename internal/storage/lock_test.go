package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdcsuite/ledgercore/internal/common"
	"github.com/fdcsuite/ledgercore/internal/model"
	"github.com/fdcsuite/ledgercore/internal/service"
)

var admin = model.Actor{UserID: "adm-1", Role: model.RoleAdmin}

func TestLockTransactions(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	ready := seedReadyTransaction(t, store, "client-1")

	count, err := store.LockTransactions(ctx, service.LockRequest{
		TransactionIDs: []string{ready.ID},
		WorkpaperID:    "wp-2026-q3",
		Module:         model.ModuleGeneral,
		Period:         "2026-Q3",
	}, bookkeeper)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	locked, err := store.GetTransaction(ctx, ready.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusLocked, locked.Status)
	require.NotNil(t, locked.LockedAt)
	assert.Equal(t, model.RoleBookkeeper, locked.LockedByRole)

	links, err := store.GetWorkpaperLinks(ctx, ready.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "wp-2026-q3", links[0].WorkpaperID)
	assert.Equal(t, "2026-Q3", links[0].Period)
	assert.Equal(t, ready.ID, links[0].Snapshot.TransactionID)
	assert.True(t, links[0].Snapshot.Amount.Equal(ready.Amount))

	entries := collectHistory(t, store, ready.ID)
	last := entries[len(entries)-1]
	assert.Equal(t, model.ActionLock, last.Action)
}

func TestLockTransactions_SkipsAlreadyLocked(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	ready := seedReadyTransaction(t, store, "client-1")
	req := service.LockRequest{
		TransactionIDs: []string{ready.ID},
		WorkpaperID:    "wp-1",
		Module:         model.ModuleGeneral,
		Period:         "2026-Q3",
	}

	count, err := store.LockTransactions(ctx, req, bookkeeper)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Second lock of the same row is a no-op, not an error.
	count, err = store.LockTransactions(ctx, req, bookkeeper)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	links, err := store.GetWorkpaperLinks(ctx, ready.ID)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestLockTransactions_RequiresReadyStatus(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	created, err := store.CreateTransaction(ctx, testTransaction("client-1", model.SourceBank, "10.00"), model.System)
	require.NoError(t, err)

	_, err = store.LockTransactions(ctx, service.LockRequest{
		TransactionIDs: []string{created.ID},
		WorkpaperID:    "wp-1",
		Module:         model.ModuleGeneral,
		Period:         "2026-Q3",
	}, bookkeeper)
	var verr *common.ValidationError
	require.ErrorAs(t, err, &verr)

	// The whole batch rolled back.
	fetched, err := store.GetTransaction(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNew, fetched.Status)
}

func TestLockedTransaction_IsImmutable(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	ready := seedReadyTransaction(t, store, "client-1")
	_, err := store.LockTransactions(ctx, service.LockRequest{
		TransactionIDs: []string{ready.ID},
		WorkpaperID:    "wp-1",
		Module:         model.ModuleGeneral,
		Period:         "2026-Q3",
	}, bookkeeper)
	require.NoError(t, err)

	category := "TOYS"
	_, err = store.UpdateTransaction(ctx, ready.ID, service.TransactionChanges{CategoryBookkeeper: &category}, bookkeeper)
	var violation *common.ImmutabilityViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, ready.ID, violation.TransactionID)

	// Admin notes remain possible without unlocking.
	notes := "queried with the client, awaiting receipt"
	updated, err := store.UpdateTransaction(ctx, ready.ID, service.TransactionChanges{NotesBookkeeper: &notes}, admin)
	require.NoError(t, err)
	assert.Equal(t, notes, updated.NotesBookkeeper)
	assert.Equal(t, model.StatusLocked, updated.Status)
}

func TestUnlockTransaction(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	ready := seedReadyTransaction(t, store, "client-1")
	_, err := store.LockTransactions(ctx, service.LockRequest{
		TransactionIDs: []string{ready.ID},
		WorkpaperID:    "wp-1",
		Module:         model.ModuleGeneral,
		Period:         "2026-Q3",
	}, bookkeeper)
	require.NoError(t, err)

	// Only admins may unlock.
	_, err = store.UnlockTransaction(ctx, ready.ID, bookkeeper, "client supplied a corrected receipt")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// The audit comment must be substantive.
	_, err = store.UnlockTransaction(ctx, ready.ID, admin, "oops")
	var verr *common.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "comment", verr.Field)

	unlocked, err := store.UnlockTransaction(ctx, ready.ID, admin, "client supplied a corrected receipt")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReadyForWorkpaper, unlocked.Status)
	assert.Nil(t, unlocked.LockedAt)
	assert.Empty(t, unlocked.LockedByRole)

	// The workpaper link and its frozen snapshot survive the unlock.
	links, err := store.GetWorkpaperLinks(ctx, ready.ID)
	require.NoError(t, err)
	assert.Len(t, links, 1)

	entries := collectHistory(t, store, ready.ID)
	last := entries[len(entries)-1]
	assert.Equal(t, model.ActionUnlock, last.Action)
	assert.Equal(t, "client supplied a corrected receipt", last.Comment)
}

func TestExcludeTransaction(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	created, err := store.CreateTransaction(ctx, testTransaction("client-1", model.SourceBank, "10.00"), model.System)
	require.NoError(t, err)

	excluded, err := store.ExcludeTransaction(ctx, created.ID, bookkeeper, "personal spend, not deductible")
	require.NoError(t, err)
	assert.Equal(t, model.StatusExcluded, excluded.Status)

	// EXCLUDED can come back to NEW for re-triage.
	newStatus := model.StatusNew
	back, err := store.UpdateTransaction(ctx, created.ID, service.TransactionChanges{Status: &newStatus}, bookkeeper)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNew, back.Status)
}

func TestExcludeTransaction_LockedRejected(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	ready := seedReadyTransaction(t, store, "client-1")
	_, err := store.LockTransactions(ctx, service.LockRequest{
		TransactionIDs: []string{ready.ID},
		WorkpaperID:    "wp-1",
		Module:         model.ModuleGeneral,
		Period:         "2026-Q3",
	}, bookkeeper)
	require.NoError(t, err)

	_, err = store.ExcludeTransaction(ctx, ready.ID, admin, "should have been personal")
	var violation *common.ImmutabilityViolation
	assert.ErrorAs(t, err, &violation)
}

func TestAddAttachment(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	created, err := store.CreateTransaction(ctx, testTransaction("client-1", model.SourceBank, "10.00"), model.System)
	require.NoError(t, err)

	att, err := store.AddAttachment(ctx, &model.Attachment{
		TransactionID: created.ID,
		StorageRef:    "s3://receipts/abc.pdf",
		Checksum:      "aa11bb22",
		Filename:      "receipt.pdf",
		MimeType:      "application/pdf",
		FileSize:      1024,
	}, bookkeeper)
	require.NoError(t, err)
	assert.NotEmpty(t, att.ID)
	assert.Equal(t, model.RoleBookkeeper, att.UploadedByRole)

	listed, err := store.ListAttachments(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "s3://receipts/abc.pdf", listed[0].StorageRef)

	entries := collectHistory(t, store, created.ID)
	assert.Equal(t, model.ActionAttachmentAdd, entries[len(entries)-1].Action)
}

func TestAddAttachment_DuplicateChecksumFlags(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	created, err := store.CreateTransaction(ctx, testTransaction("client-1", model.SourceBank, "10.00"), model.System)
	require.NoError(t, err)

	first := &model.Attachment{TransactionID: created.ID, StorageRef: "s3://receipts/a.pdf", Checksum: "same-sum"}
	_, err = store.AddAttachment(ctx, first, bookkeeper)
	require.NoError(t, err)

	// The duplicate is accepted but the transaction gets flagged.
	second := &model.Attachment{TransactionID: created.ID, StorageRef: "s3://receipts/b.pdf", Checksum: "same-sum"}
	_, err = store.AddAttachment(ctx, second, bookkeeper)
	require.NoError(t, err)

	txn, err := store.GetTransaction(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, txn.Flags.Duplicate)

	listed, err := store.ListAttachments(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestRemoveAttachment(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	created, err := store.CreateTransaction(ctx, testTransaction("client-1", model.SourceBank, "10.00"), model.System)
	require.NoError(t, err)

	att, err := store.AddAttachment(ctx, &model.Attachment{
		TransactionID: created.ID,
		StorageRef:    "s3://receipts/a.pdf",
	}, bookkeeper)
	require.NoError(t, err)

	require.NoError(t, store.RemoveAttachment(ctx, created.ID, att.ID, bookkeeper))

	listed, err := store.ListAttachments(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, listed)

	err = store.RemoveAttachment(ctx, created.ID, att.ID, bookkeeper)
	assert.ErrorIs(t, err, common.ErrNotFound)
}
