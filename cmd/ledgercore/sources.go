package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fdcsuite/ledgercore/internal/cli"
)

func sourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Show the configured reconciliation sources",
		RunE:  runSources,
	}
}

func runSources(_ *cobra.Command, _ []string) error {
	reg, err := loadRegistry()
	if err != nil {
		return err
	}

	fmt.Println(cli.FormatTitle("Reconciliation sources"))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tNAME\tPRIORITY\tENABLED\tAUTO\tSUGGEST\tWINDOW\tCANDIDATES\tTARGETS")
	for _, cfg := range reg.AllConfigs() {
		enabled := cli.SuccessStyle.Render("yes")
		if !cfg.Enabled {
			enabled = cli.SubtleStyle.Render("no")
		}
		targets := ""
		for i, t := range cfg.MatchTargets {
			if i > 0 {
				targets += ","
			}
			targets += string(t)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%.2f\t%.2f\t±%dd\t%d\t%s\n",
			cfg.Source, cfg.DisplayName, cfg.Priority, enabled,
			cfg.AutoMatchThreshold, cfg.SuggestMatchThreshold,
			cfg.DateWindowDays, cfg.MaxCandidates, targets)
	}
	return w.Flush()
}
