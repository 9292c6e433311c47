package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/fdcsuite/ledgercore/internal/cli"
	"github.com/fdcsuite/ledgercore/internal/common"
	"github.com/fdcsuite/ledgercore/internal/model"
	"github.com/fdcsuite/ledgercore/internal/service"
)

func txCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tx",
		Short: "Manage ledger transactions",
	}

	cmd.AddCommand(txCreateCmd())
	cmd.AddCommand(txListCmd())
	cmd.AddCommand(txShowCmd())
	cmd.AddCommand(txUpdateCmd())
	cmd.AddCommand(txRecodeCmd())
	cmd.AddCommand(txLockCmd())
	cmd.AddCommand(txUnlockCmd())
	cmd.AddCommand(txExcludeCmd())
	cmd.AddCommand(txAttachCmd())
	cmd.AddCommand(txDetachCmd())

	return cmd
}

func txCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a manual ledger transaction",
		RunE:  runTxCreate,
	}

	cmd.Flags().String("client", "", "client id (required)")
	cmd.Flags().String("date", "", "transaction date, YYYY-MM-DD (required)")
	cmd.Flags().String("amount", "", "amount, e.g. -45.00 (required)")
	cmd.Flags().String("payee", "", "raw payee text")
	cmd.Flags().String("description", "", "raw description text")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func runTxCreate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	actor, err := currentActor()
	if err != nil {
		return err
	}

	dateStr, _ := cmd.Flags().GetString("date")
	date, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", dateStr, err)
	}
	amountStr, _ := cmd.Flags().GetString("amount")
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", amountStr, err)
	}
	clientID, _ := cmd.Flags().GetString("client")
	payee, _ := cmd.Flags().GetString("payee")
	description, _ := cmd.Flags().GetString("description")

	store, err := initStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStorage(store)

	created, err := store.CreateTransaction(ctx, &model.Transaction{
		ClientID:       clientID,
		Date:           date,
		Amount:         amount,
		PayeeRaw:       payee,
		DescriptionRaw: description,
		Source:         model.SourceManual,
	}, actor)
	if err != nil {
		return err
	}

	fmt.Println(cli.FormatSuccess(fmt.Sprintf("Created transaction %s", created.ID)))
	return nil
}

func txListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger transactions",
		RunE:  runTxList,
	}

	cmd.Flags().String("client", "", "client id (required)")
	cmd.Flags().String("status", "", "filter by workflow status")
	cmd.Flags().String("source", "", "filter by source")
	cmd.Flags().String("search", "", "substring match on payee or description")
	cmd.Flags().Int("limit", 50, "maximum rows to show")
	_ = cmd.MarkFlagRequired("client")

	return cmd
}

func runTxList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	clientID, _ := cmd.Flags().GetString("client")
	search, _ := cmd.Flags().GetString("search")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := service.TransactionFilter{ClientID: clientID, Search: search, Limit: limit}
	if s, _ := cmd.Flags().GetString("status"); s != "" {
		status := model.Status(strings.ToUpper(s))
		if !status.Valid() {
			return fmt.Errorf("unrecognised status %q", s)
		}
		filter.Status = &status
	}
	if s, _ := cmd.Flags().GetString("source"); s != "" {
		source := model.Source(strings.ToUpper(s))
		if !source.Valid() {
			return fmt.Errorf("unrecognised source %q", s)
		}
		filter.Source = &source
	}

	store, err := initStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStorage(store)

	transactions, err := store.ListTransactions(ctx, filter)
	if err != nil {
		return err
	}
	if len(transactions) == 0 {
		fmt.Println(cli.InfoStyle.Render("No transactions match."))
		return nil
	}

	fmt.Println(cli.FormatTitle(fmt.Sprintf("Transactions for %s", clientID)))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDATE\tAMOUNT\tPAYEE\tSOURCE\tSTATUS\tCATEGORY")
	for _, txn := range transactions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			txn.ID,
			txn.Date.Format("2006-01-02"),
			txn.Amount.StringFixed(2),
			truncate(txn.PayeeRaw, 28),
			txn.Source,
			cli.RenderStatus(txn.Status),
			txn.CategoryBookkeeper)
	}
	return w.Flush()
}

func txShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <transaction-id>",
		Short: "Show one transaction with its history trail",
		Args:  cobra.ExactArgs(1),
		RunE:  runTxShow,
	}
}

func runTxShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := initStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStorage(store)

	txn, err := store.GetTransaction(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Println(cli.FormatTitle(fmt.Sprintf("Transaction %s", txn.ID)))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Client\t%s\n", txn.ClientID)
	fmt.Fprintf(w, "Date\t%s\n", txn.Date.Format("2006-01-02"))
	fmt.Fprintf(w, "Amount\t%s\n", txn.Amount.StringFixed(2))
	fmt.Fprintf(w, "Payee\t%s\n", txn.PayeeRaw)
	fmt.Fprintf(w, "Source\t%s\n", txn.Source)
	fmt.Fprintf(w, "Status\t%s\n", cli.RenderStatus(txn.Status))
	fmt.Fprintf(w, "Category\t%s\n", txn.CategoryBookkeeper)
	fmt.Fprintf(w, "GST\t%s\n", txn.GSTCode)
	fmt.Fprintf(w, "Module\t%s\n", txn.Module)
	fmt.Fprintf(w, "Version\t%d\n", txn.Version)
	if txn.LockedAt != nil {
		fmt.Fprintf(w, "Locked\t%s by %s\n", txn.LockedAt.Format(time.RFC3339), txn.LockedByRole)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	attachments, err := store.ListAttachments(ctx, txn.ID)
	if err != nil {
		return err
	}
	if len(attachments) > 0 {
		fmt.Println()
		fmt.Println(cli.FormatTitle("Attachments"))
		aw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(aw, "ID\tFILE\tUPLOADED\tBY")
		for _, att := range attachments {
			fmt.Fprintf(aw, "%s\t%s\t%s\t%s\n",
				att.ID, att.Filename, att.UploadedAt.Format("2006-01-02"), att.UploadedByRole)
		}
		if err := aw.Flush(); err != nil {
			return err
		}
	}

	links, err := store.GetWorkpaperLinks(ctx, txn.ID)
	if err != nil {
		return err
	}
	if len(links) > 0 {
		fmt.Println()
		fmt.Println(cli.FormatTitle("Workpaper links"))
		lw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(lw, "WORKPAPER\tMODULE\tPERIOD\tLINKED")
		for _, link := range links {
			fmt.Fprintf(lw, "%s\t%s\t%s\t%s\n",
				link.WorkpaperID, link.Module, link.Period, link.CreatedAt.Format("2006-01-02"))
		}
		if err := lw.Flush(); err != nil {
			return err
		}
	}

	fmt.Println()
	fmt.Println(cli.FormatTitle("History"))
	hw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(hw, "WHEN\tACTION\tROLE\tUSER\tCOMMENT")
	for entry, err := range store.History(ctx, txn.ID) {
		if err != nil {
			return err
		}
		user := entry.UserID
		if user == "" {
			user = "-"
		}
		fmt.Fprintf(hw, "%s\t%s\t%s\t%s\t%s\n",
			entry.CreatedAt.Format(time.RFC3339), entry.Action, entry.Role, user, truncate(entry.Comment, 48))
	}
	return hw.Flush()
}

func txUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <transaction-id>",
		Short: "Update bookkeeper fields on a transaction",
		Args:  cobra.ExactArgs(1),
		RunE:  runTxUpdate,
	}

	cmd.Flags().String("status", "", "move to workflow status")
	cmd.Flags().String("category", "", "bookkeeper category code")
	cmd.Flags().String("gst", "", "GST code")
	cmd.Flags().String("module", "", "workpaper module routing")
	cmd.Flags().String("notes", "", "bookkeeper notes")
	cmd.Flags().Int64("expect-version", 0, "fail unless the row is still at this version")

	return cmd
}

func runTxUpdate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	actor, err := currentActor()
	if err != nil {
		return err
	}

	var changes service.TransactionChanges
	if s, _ := cmd.Flags().GetString("status"); s != "" {
		status := model.Status(strings.ToUpper(s))
		changes.Status = &status
	}
	if s, _ := cmd.Flags().GetString("category"); s != "" {
		changes.CategoryBookkeeper = &s
	}
	if s, _ := cmd.Flags().GetString("gst"); s != "" {
		gst := model.GSTCode(strings.ToUpper(s))
		changes.GSTCode = &gst
	}
	if s, _ := cmd.Flags().GetString("module"); s != "" {
		module := model.ModuleRouting(strings.ToUpper(s))
		changes.Module = &module
	}
	if s, _ := cmd.Flags().GetString("notes"); s != "" {
		changes.NotesBookkeeper = &s
	}
	if v, _ := cmd.Flags().GetInt64("expect-version"); v > 0 {
		changes.ExpectedVersion = &v
	}
	if changes.Empty() {
		return fmt.Errorf("nothing to update, pass at least one field flag")
	}

	store, err := initStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStorage(store)

	updated, err := store.UpdateTransaction(ctx, args[0], changes, actor)
	if err != nil {
		return err
	}

	fmt.Println(cli.FormatSuccess(fmt.Sprintf("Updated %s, now %s at version %d",
		updated.ID, updated.Status, updated.Version)))
	return nil
}

func txRecodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recode",
		Short: "Apply one change to every transaction matching a filter",
		RunE:  runTxRecode,
	}

	cmd.Flags().String("client", "", "client id (required)")
	cmd.Flags().String("from-status", "", "only rows at this status")
	cmd.Flags().String("from-category", "", "only rows with this bookkeeper category")
	cmd.Flags().String("category", "", "new bookkeeper category")
	cmd.Flags().String("gst", "", "new GST code")
	cmd.Flags().String("module", "", "new module routing")
	_ = cmd.MarkFlagRequired("client")

	return cmd
}

func runTxRecode(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	actor, err := currentActor()
	if err != nil {
		return err
	}

	clientID, _ := cmd.Flags().GetString("client")
	criteria := service.BulkCriteria{ClientID: clientID}
	if s, _ := cmd.Flags().GetString("from-status"); s != "" {
		status := model.Status(strings.ToUpper(s))
		if !status.Valid() {
			return fmt.Errorf("unrecognised status %q", s)
		}
		criteria.Status = &status
	}
	if s, _ := cmd.Flags().GetString("from-category"); s != "" {
		criteria.Category = s
	}

	var changes service.TransactionChanges
	if s, _ := cmd.Flags().GetString("category"); s != "" {
		changes.CategoryBookkeeper = &s
	}
	if s, _ := cmd.Flags().GetString("gst"); s != "" {
		gst := model.GSTCode(strings.ToUpper(s))
		changes.GSTCode = &gst
	}
	if s, _ := cmd.Flags().GetString("module"); s != "" {
		module := model.ModuleRouting(strings.ToUpper(s))
		changes.Module = &module
	}
	if changes.Empty() {
		return fmt.Errorf("nothing to recode, pass at least one change flag")
	}

	store, err := initStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStorage(store)

	count, err := store.BulkRecode(ctx, criteria, changes, actor)
	if err != nil {
		return err
	}

	fmt.Println(cli.FormatSuccess(fmt.Sprintf("Recoded %d transactions", count)))
	return nil
}

func txLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock <transaction-id>...",
		Short: "Lock transactions into a workpaper",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runTxLock,
	}

	cmd.Flags().String("workpaper", "", "workpaper id (required)")
	cmd.Flags().String("module", "", "workpaper module (required)")
	cmd.Flags().String("period", "", "reporting period, e.g. 2026-Q3 (required)")
	_ = cmd.MarkFlagRequired("workpaper")
	_ = cmd.MarkFlagRequired("module")
	_ = cmd.MarkFlagRequired("period")

	return cmd
}

func runTxLock(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	actor, err := currentActor()
	if err != nil {
		return err
	}
	workpaper, _ := cmd.Flags().GetString("workpaper")
	moduleStr, _ := cmd.Flags().GetString("module")
	period, _ := cmd.Flags().GetString("period")

	store, err := initStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStorage(store)

	count, err := store.LockTransactions(ctx, service.LockRequest{
		TransactionIDs: args,
		WorkpaperID:    workpaper,
		Module:         model.ModuleRouting(strings.ToUpper(moduleStr)),
		Period:         period,
	}, actor)
	if err != nil {
		return err
	}

	fmt.Println(cli.FormatSuccess(fmt.Sprintf("Locked %d of %d transactions into %s", count, len(args), workpaper)))
	return nil
}

func txUnlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock <transaction-id>",
		Short: "Unlock a locked transaction (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE:  runTxUnlock,
	}

	cmd.Flags().String("comment", "", "audit justification, at least 10 characters (required)")
	_ = cmd.MarkFlagRequired("comment")

	return cmd
}

func runTxUnlock(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	actor, err := currentActor()
	if err != nil {
		return err
	}
	comment, _ := cmd.Flags().GetString("comment")

	store, err := initStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStorage(store)

	unlocked, err := store.UnlockTransaction(ctx, args[0], actor, comment)
	if err != nil {
		return err
	}

	fmt.Println(cli.FormatWarning(fmt.Sprintf("Unlocked %s, back to %s", unlocked.ID, unlocked.Status)))
	return nil
}

func txExcludeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exclude <transaction-id>",
		Short: "Exclude a transaction from tax workflows",
		Args:  cobra.ExactArgs(1),
		RunE:  runTxExclude,
	}

	cmd.Flags().String("comment", "", "reason for exclusion")

	return cmd
}

func runTxExclude(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	actor, err := currentActor()
	if err != nil {
		return err
	}
	comment, _ := cmd.Flags().GetString("comment")

	store, err := initStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStorage(store)

	excluded, err := store.ExcludeTransaction(ctx, args[0], actor, comment)
	if err != nil {
		return err
	}

	fmt.Println(cli.FormatSuccess(fmt.Sprintf("Excluded %s", excluded.ID)))
	return nil
}

func txAttachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <transaction-id>",
		Short: "Attach a stored document to a transaction",
		Args:  cobra.ExactArgs(1),
		RunE:  runTxAttach,
	}

	cmd.Flags().String("ref", "", "storage reference of the uploaded document (required)")
	cmd.Flags().String("checksum", "", "SHA-256 checksum for duplicate detection")
	cmd.Flags().String("filename", "", "original filename")
	_ = cmd.MarkFlagRequired("ref")

	return cmd
}

func runTxAttach(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	actor, err := currentActor()
	if err != nil {
		return err
	}
	ref, _ := cmd.Flags().GetString("ref")
	checksum, _ := cmd.Flags().GetString("checksum")
	filename, _ := cmd.Flags().GetString("filename")

	store, err := initStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStorage(store)

	att, err := store.AddAttachment(ctx, &model.Attachment{
		TransactionID:  args[0],
		StorageRef:     ref,
		Checksum:       checksum,
		Filename:       filename,
		UploadedByRole: actor.Role,
	}, actor)
	if err != nil {
		return err
	}

	fmt.Println(cli.FormatSuccess(fmt.Sprintf("Attached %s as %s", ref, att.ID)))
	return nil
}

func txDetachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach <transaction-id> <attachment-id>",
		Short: "Remove an attachment from a transaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			store, err := initStorage(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to initialize storage: %w", err)
			}
			defer closeStorage(store)

			if err := store.RemoveAttachment(cmd.Context(), args[0], args[1], actor); err != nil {
				return err
			}
			fmt.Println(cli.FormatSuccess("Attachment removed"))
			return nil
		},
	}
}

func closeStorage(store service.Storage) {
	if err := store.Close(); err != nil {
		common.LogError(err, "failed to close storage", nil)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
