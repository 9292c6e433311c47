package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fdcsuite/ledgercore/internal/common"
	"github.com/fdcsuite/ledgercore/internal/model"
	"github.com/fdcsuite/ledgercore/internal/registry"
	"github.com/fdcsuite/ledgercore/internal/service"
)

// Engine runs reconciliation passes: it pulls unresolved transactions for
// a source, scores candidate targets, and records one decision per item.
// Progress is checkpointed after every item so an interrupted run resumes
// where it stopped.
type Engine struct {
	store    service.Storage
	targets  service.TargetSource
	registry *registry.Registry
	retry    service.RetryOptions

	// onProgress, when set, is called after each processed item.
	onProgress func(processed, total int)
}

// NewEngine creates an engine over the given store and target source.
func NewEngine(store service.Storage, targets service.TargetSource, reg *registry.Registry) *Engine {
	return &Engine{
		store:    store,
		targets:  targets,
		registry: reg,
		retry:    service.RetryOptions{MaxAttempts: 3},
	}
}

// SetRetryOptions overrides the per-item retry behavior.
func (e *Engine) SetRetryOptions(opts service.RetryOptions) {
	e.retry = opts
}

// SetProgressFunc installs a callback invoked after each processed item.
func (e *Engine) SetProgressFunc(fn func(processed, total int)) {
	e.onProgress = fn
}

// Run executes one reconciliation pass for a client and source. Items that
// exhaust their retry budget are marked FAILED and do not stop the batch.
// A context cancellation stops scheduling new items; everything already
// processed stays committed and the checkpoint allows a later resume.
func (e *Engine) Run(ctx context.Context, clientID string, source model.Source) (*service.BatchResult, error) {
	cfg, ok := e.registry.Config(source)
	if !ok {
		return nil, fmt.Errorf("source %s: %w", source, common.ErrMissingConfig)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("source %s is disabled: %w", source, common.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, common.ErrInvalidConfig)
	}

	started := time.Now()
	result := &service.BatchResult{ClientID: clientID, Source: source}

	// Resume an interrupted run if a checkpoint exists.
	progress, err := e.store.GetReconProgress(ctx, clientID, source)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	if progress == nil {
		progress = &service.ReconProgress{
			RunID:     uuid.NewString(),
			ClientID:  clientID,
			Source:    source,
			StartedAt: started.UTC(),
		}
	} else {
		slog.Info("Resuming reconciliation run",
			"run_id", progress.RunID,
			"client_id", clientID,
			"source", source,
			"already_processed", progress.TotalProcessed)
	}
	result.RunID = progress.RunID

	// One run works a single bounded page; the checkpoint carries any
	// remainder into the next run.
	items, err := e.store.UnresolvedTransactions(ctx, clientID, source, cfg.BatchPageSize)
	if err != nil {
		return nil, err
	}

	if err := e.store.AppendReconciliationAudit(ctx, &model.ReconciliationAuditEntry{
		ClientID:         clientID,
		Actor:            model.RoleSystem,
		Action:           model.AuditRunStarted,
		CandidateCount:   len(items),
		CandidateSummary: fmt.Sprintf("run %s source %s, %d unresolved", progress.RunID, source, len(items)),
	}); err != nil {
		return nil, err
	}

	slog.Info("Reconciliation run started",
		"run_id", progress.RunID,
		"client_id", clientID,
		"source", source,
		"unresolved", len(items))

	var runErr error
	for i := range items {
		item := &items[i]

		if progress.LastProcessedID != "" && item.ID <= progress.LastProcessedID {
			result.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		result.Examined++
		err := common.WithRetry(ctx, func() error {
			return e.processItem(ctx, cfg, item, result)
		}, e.retry)
		if err != nil {
			if ctx.Err() != nil {
				runErr = ctx.Err()
				break
			}
			slog.Error("Reconciliation item failed",
				"run_id", progress.RunID,
				"transaction_id", item.ID,
				"error", err)
			if markErr := e.store.MarkMatchFailed(ctx, clientID, item.ID, err.Error()); markErr != nil {
				runErr = markErr
				break
			}
			result.Failed++
		}

		progress.LastProcessedID = item.ID
		progress.TotalProcessed++
		if err := e.store.SaveReconProgress(ctx, progress); err != nil {
			runErr = err
			break
		}
		if e.onProgress != nil {
			e.onProgress(result.Skipped+result.Examined, len(items))
		}
	}

	result.Duration = time.Since(started)

	if runErr == nil {
		if err := e.store.ClearReconProgress(ctx, clientID, source); err != nil {
			return result, err
		}
		if err := e.store.AppendReconciliationAudit(ctx, &model.ReconciliationAuditEntry{
			ClientID: clientID,
			Actor:    model.RoleSystem,
			Action:   model.AuditRunCompleted,
			CandidateSummary: fmt.Sprintf("run %s: %d examined, %d matched, %d suggested, %d no-match, %d failed",
				progress.RunID, result.Examined, result.AutoMatched, result.Suggested, result.NoMatch, result.Failed),
		}); err != nil {
			return result, err
		}
	}

	slog.Info("Reconciliation run finished",
		"run_id", progress.RunID,
		"examined", result.Examined,
		"auto_matched", result.AutoMatched,
		"suggested", result.Suggested,
		"no_match", result.NoMatch,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"duration", result.Duration)

	return result, runErr
}

// candidate pairs a scored target with its breakdown.
type candidate struct {
	target    model.TargetRecord
	breakdown model.ScoreBreakdown
}

func (e *Engine) processItem(ctx context.Context, cfg registry.SourceConfig, txn *model.Transaction, result *service.BatchResult) error {
	attachments, err := e.store.ListAttachments(ctx, txn.ID)
	if err != nil {
		return &common.MatchingFailure{SourceTransactionID: txn.ID, Err: err}
	}

	candidates, err := e.gatherCandidates(ctx, cfg, txn)
	if err != nil {
		return &common.MatchingFailure{SourceTransactionID: txn.ID, Err: err}
	}

	scorer := NewScorer(cfg.Weights)
	scored := make([]candidate, 0, len(candidates))
	for _, target := range candidates {
		scored = append(scored, candidate{
			target:    target,
			breakdown: scorer.Score(txn, len(attachments) > 0, target),
		})
	}
	// Deterministic ranking: score desc, then target date asc, then id asc.
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.breakdown.Total != b.breakdown.Total {
			return a.breakdown.Total > b.breakdown.Total
		}
		if !a.target.Date.Equal(b.target.Date) {
			return a.target.Date.Before(b.target.Date)
		}
		return a.target.ID < b.target.ID
	})

	match := e.buildMatch(cfg, txn, scored)

	decision := service.MatchDecision{
		Match:            match,
		Actor:            model.System,
		CandidateCount:   len(scored),
		CandidateSummary: summarizeCandidates(scored),
	}
	if match.Status == model.MatchMatched {
		stale, err := e.staleMatchedIDs(ctx, txn.ID, match.TargetID)
		if err != nil {
			return &common.MatchingFailure{SourceTransactionID: txn.ID, Err: err}
		}
		decision.Demote = stale
	}

	recorded, err := e.store.RecordMatchDecision(ctx, decision)
	if err != nil {
		return &common.MatchingFailure{SourceTransactionID: txn.ID, Err: err}
	}

	switch recorded.Status {
	case model.MatchMatched, model.MatchConfirmed:
		result.AutoMatched++
	case model.MatchSuggested:
		result.Suggested++
	default:
		result.NoMatch++
	}
	return nil
}

func (e *Engine) gatherCandidates(ctx context.Context, cfg registry.SourceConfig, txn *model.Transaction) ([]model.TargetRecord, error) {
	window := time.Duration(cfg.DateWindowDays) * 24 * time.Hour
	from := txn.Date.Add(-window)
	to := txn.Date.Add(window)

	var out []model.TargetRecord
	for _, targetType := range cfg.MatchTargets {
		targets, err := e.targets.Targets(ctx, txn.ClientID, targetType, from, to)
		if err != nil {
			return nil, fmt.Errorf("fetching %s targets: %w", targetType, err)
		}
		out = append(out, targets...)
		if len(out) >= cfg.MaxCandidates {
			out = out[:cfg.MaxCandidates]
			break
		}
	}
	return out, nil
}

// buildMatch translates the ranked candidates into the match row the
// store should persist.
func (e *Engine) buildMatch(cfg registry.SourceConfig, txn *model.Transaction, scored []candidate) *model.ReconciliationMatch {
	match := &model.ReconciliationMatch{
		ClientID:            txn.ClientID,
		SourceTransactionID: txn.ID,
		SourceType:          txn.Source,
		Status:              model.MatchNoMatch,
		MatchType:           model.MatchTypeFuzzy,
	}

	if len(scored) == 0 {
		// A NO_MATCH row still gets persisted so no-op re-runs audit the
		// same decision; the placeholder target keys the upsert.
		match.TargetID = "none:" + txn.ID
		match.TargetType = model.TargetUnknown
		return match
	}

	best := scored[0]
	match.TargetID = best.target.ID
	match.TargetType = best.target.Type
	match.TargetReference = best.target.Reference
	match.Confidence = best.breakdown.Total
	match.Breakdown = best.breakdown
	match.MatchType = Classify(best.breakdown)

	switch {
	case best.breakdown.Total >= cfg.AutoMatchThreshold:
		match.Status = model.MatchMatched
		match.AutoMatched = true
	case best.breakdown.Total >= cfg.SuggestMatchThreshold:
		match.Status = model.MatchSuggested
	}
	return match
}

// staleMatchedIDs finds MATCHED rows for the transaction that point at a
// different target than the current winner. The unresolved query skips
// transactions that already hold a MATCHED row, so this only fires when a
// match changed state between selection and processing within one run.
func (e *Engine) staleMatchedIDs(ctx context.Context, sourceTxnID, keepTargetID string) ([]string, error) {
	status := model.MatchMatched
	existing, err := e.store.ListMatches(ctx, service.MatchFilter{
		SourceTransactionID: sourceTxnID,
		Status:              &status,
	})
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, m := range existing {
		if m.TargetID != keepTargetID {
			stale = append(stale, m.ID)
		}
	}
	return stale, nil
}

// summarizeCandidates renders the top ranked candidates for the audit
// trail.
func summarizeCandidates(scored []candidate) string {
	if len(scored) == 0 {
		return "no candidates in window"
	}
	top := scored
	if len(top) > 3 {
		top = top[:3]
	}
	parts := make([]string, 0, len(top))
	for _, c := range top {
		parts = append(parts, fmt.Sprintf("%s:%s@%.2f", c.target.Type, c.target.ID, c.breakdown.Total))
	}
	return fmt.Sprintf("%d candidates, top %s", len(scored), strings.Join(parts, " "))
}
