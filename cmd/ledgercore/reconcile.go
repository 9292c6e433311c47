package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/fdcsuite/ledgercore/internal/cli"
	"github.com/fdcsuite/ledgercore/internal/model"
	"github.com/fdcsuite/ledgercore/internal/recon"
	"github.com/fdcsuite/ledgercore/internal/service"
)

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run and review transaction reconciliation",
	}

	cmd.AddCommand(reconcileRunCmd())
	cmd.AddCommand(matchesListCmd())
	cmd.AddCommand(matchConfirmCmd())
	cmd.AddCommand(matchRejectCmd())
	cmd.AddCommand(matchRequeueCmd())
	cmd.AddCommand(reconAuditCmd())

	return cmd
}

func reconcileRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a reconciliation batch for one client and source",
		RunE:  runReconcile,
	}

	cmd.Flags().String("client", "", "client id (required)")
	cmd.Flags().String("source", "", "transaction source to reconcile (required)")
	cmd.Flags().String("targets", "", "CSV export of candidate target records (required)")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("targets")

	return cmd
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	clientID, _ := cmd.Flags().GetString("client")
	sourceStr, _ := cmd.Flags().GetString("source")
	targetsPath, _ := cmd.Flags().GetString("targets")

	source := model.Source(strings.ToUpper(sourceStr))
	if !source.Valid() {
		return fmt.Errorf("unrecognised source %q", sourceStr)
	}

	targets, err := recon.LoadCSVTargets(targetsPath)
	if err != nil {
		return fmt.Errorf("failed to load targets: %w", err)
	}

	reg, err := loadRegistry()
	if err != nil {
		return err
	}

	store, err := initStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStorage(store)

	engine := recon.NewEngine(store, targets, reg)

	var bar *progressbar.ProgressBar
	engine.SetProgressFunc(func(processed, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription(fmt.Sprintf("Reconciling %s/%s", clientID, source)),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish())
		}
		_ = bar.Set(processed)
	})

	result, err := engine.Run(ctx, clientID, source)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}

	printBatchResult(result, targets.Len())
	return nil
}

func printBatchResult(result *service.BatchResult, targetCount int) {
	fmt.Println(cli.FormatTitle(fmt.Sprintf("Run %s complete", result.RunID)))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Examined\t%d\n", result.Examined)
	fmt.Fprintf(w, "Auto-matched\t%d\n", result.AutoMatched)
	fmt.Fprintf(w, "Suggested\t%d\n", result.Suggested)
	fmt.Fprintf(w, "No match\t%d\n", result.NoMatch)
	fmt.Fprintf(w, "Failed\t%d\n", result.Failed)
	fmt.Fprintf(w, "Skipped\t%d\n", result.Skipped)
	fmt.Fprintf(w, "Targets loaded\t%d\n", targetCount)
	fmt.Fprintf(w, "Duration\t%s\n", result.Duration.Round(time.Millisecond))
	_ = w.Flush()

	if result.Failed > 0 {
		fmt.Println(cli.FormatWarning(fmt.Sprintf("%d items failed, re-run to retry them", result.Failed)))
	}
}

func matchesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "matches",
		Short: "List reconciliation matches",
		RunE:  runMatchesList,
	}

	cmd.Flags().String("client", "", "client id (required)")
	cmd.Flags().String("status", "", "filter by match status")
	cmd.Flags().Int("limit", 50, "maximum rows to show")
	_ = cmd.MarkFlagRequired("client")

	return cmd
}

func runMatchesList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	clientID, _ := cmd.Flags().GetString("client")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := service.MatchFilter{ClientID: clientID, Limit: limit}
	if s, _ := cmd.Flags().GetString("status"); s != "" {
		status := model.MatchStatus(strings.ToUpper(s))
		if !status.Valid() {
			return fmt.Errorf("unrecognised match status %q", s)
		}
		filter.Status = &status
	}

	store, err := initStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStorage(store)

	matches, err := store.ListMatches(ctx, filter)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		fmt.Println(cli.InfoStyle.Render("No matches recorded."))
		return nil
	}

	fmt.Println(cli.FormatTitle(fmt.Sprintf("Matches for %s", clientID)))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTRANSACTION\tTARGET\tTYPE\tCONFIDENCE\tSTATUS")
	for _, m := range matches {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\n",
			m.ID,
			m.SourceTransactionID,
			truncate(m.TargetID, 28),
			m.MatchType,
			m.Confidence,
			cli.RenderMatchStatus(m.Status))
	}
	return w.Flush()
}

func matchConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <match-id>",
		Short: "Confirm a suggested or auto match",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveMatchCmd(cmd, args[0], "confirm", "")
		},
	}
}

func matchRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <match-id>",
		Short: "Reject a match",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			return resolveMatchCmd(cmd, args[0], "reject", reason)
		},
	}

	cmd.Flags().String("reason", "", "why this pairing is wrong")

	return cmd
}

func matchRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <match-id>",
		Short: "Send a resolved match back to the engine queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveMatchCmd(cmd, args[0], "requeue", "")
		},
	}
}

func resolveMatchCmd(cmd *cobra.Command, matchID, verb, reason string) error {
	ctx := cmd.Context()

	actor, err := currentActor()
	if err != nil {
		return err
	}

	store, err := initStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStorage(store)

	var match *model.ReconciliationMatch
	switch verb {
	case "confirm":
		match, err = store.ConfirmMatch(ctx, matchID, actor)
	case "reject":
		match, err = store.RejectMatch(ctx, matchID, actor, reason)
	case "requeue":
		match, err = store.RequeueMatch(ctx, matchID, actor)
	}
	if err != nil {
		return err
	}

	fmt.Println(cli.FormatSuccess(fmt.Sprintf("Match %s is now %s", match.ID, match.Status)))
	return nil
}

func reconAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the reconciliation audit trail",
		RunE:  runReconAudit,
	}

	cmd.Flags().String("client", "", "client id (required)")
	cmd.Flags().Int("limit", 50, "maximum entries to show")
	_ = cmd.MarkFlagRequired("client")

	return cmd
}

func runReconAudit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	clientID, _ := cmd.Flags().GetString("client")
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := initStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStorage(store)

	entries, err := store.ListReconciliationAudit(ctx, clientID, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println(cli.InfoStyle.Render("No audit entries."))
		return nil
	}

	fmt.Println(cli.FormatTitle(fmt.Sprintf("Reconciliation audit for %s", clientID)))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tACTION\tTRANSACTION\tDECISION\tCONFIDENCE\tACTOR")
	for _, entry := range entries {
		decision := string(entry.Decision)
		if decision == "" {
			decision = "-"
		}
		txnID := entry.SourceTransactionID
		if txnID == "" {
			txnID = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\n",
			entry.CreatedAt.Format(time.RFC3339), entry.Action, txnID, decision, entry.Confidence, entry.Actor)
	}
	return w.Flush()
}
