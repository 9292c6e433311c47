package storage

import (
	"context"
	"strings"

	"github.com/fdcsuite/ledgercore/internal/common"
	"github.com/fdcsuite/ledgercore/internal/model"
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return common.NewValidationError("context", "cannot be nil")
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return common.NewValidationError(paramName, "cannot be empty")
	}
	return nil
}

// validateNewTransaction validates a transaction prior to insert.
func validateNewTransaction(txn *model.Transaction) error {
	if txn == nil {
		return common.NewValidationError("transaction", "cannot be nil")
	}
	if strings.TrimSpace(txn.ClientID) == "" {
		return common.NewValidationError("client_id", "is required")
	}
	if txn.Date.IsZero() {
		return common.NewValidationError("date", "is required")
	}
	if txn.Amount.IsZero() {
		return common.NewValidationError("amount", "is required")
	}
	if !txn.Source.Valid() {
		return common.NewValidationError("source", "unrecognised source "+string(txn.Source))
	}
	if !txn.GSTCode.Valid() {
		return common.NewValidationError("gst_code", "unrecognised GST code "+string(txn.GSTCode))
	}
	if !txn.Module.Valid() {
		return common.NewValidationError("module", "unrecognised module "+string(txn.Module))
	}
	if txn.Status != "" && txn.Status != model.StatusNew {
		return common.NewValidationError("status", "new transactions must start at NEW")
	}
	return nil
}

// validateAttachment validates an attachment prior to insert.
func validateAttachment(att *model.Attachment) error {
	if att == nil {
		return common.NewValidationError("attachment", "cannot be nil")
	}
	if strings.TrimSpace(att.TransactionID) == "" {
		return common.NewValidationError("transaction_id", "is required")
	}
	if strings.TrimSpace(att.StorageRef) == "" {
		return common.NewValidationError("storage_ref", "is required")
	}
	if strings.TrimSpace(att.UploadedByRole) == "" {
		return common.NewValidationError("uploaded_by_role", "is required")
	}
	return nil
}

// validateActor ensures an actor has a role.
func validateActor(actor model.Actor) error {
	if strings.TrimSpace(actor.Role) == "" {
		return common.NewValidationError("actor.role", "is required")
	}
	return nil
}
