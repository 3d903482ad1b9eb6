package commands

import (
	"courtwatch-backend/internal/casestore"
	"courtwatch-backend/internal/scrape"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	casesCmd.AddCommand(casesListCmd, casesAddCmd, casesGetCmd)
	rootCmd.AddCommand(casesCmd)
}

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Manages the tracked cases.",
}

func renderRecords(records ...casestore.Record) {
	t := newTable()
	t.AppendHeader(table.Row{"Case", "Defendant", "Prosecutor", "Next hearing", "Last status", "Reason", "Last attempt"})
	for _, r := range records {
		t.AppendRow(table.Row{
			r.CaseID,
			r.Defendant,
			r.Prosecutor,
			formatTime(r.NextCourtDateTime),
			r.LastStatus,
			r.LastReason,
			formatTime(r.LastAttemptAt),
		})
	}
	t.Render()
}

var casesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists every tracked case with its last outcome.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().ListCases(cmd.Context())
		if err != nil {
			return err
		}
		renderRecords(res.Cases...)
		return nil
	},
}

var casesAddCmd = &cobra.Command{
	Use:   "add <case number>...",
	Short: "Starts tracking cases.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		var added []casestore.Record
		for _, id := range args {
			res, err := client.AddCase(cmd.Context(), scrape.CaseID(id))
			if err != nil {
				return err
			}
			added = append(added, res.Case)
		}
		renderRecords(added...)
		return nil
	},
}

var casesGetCmd = &cobra.Command{
	Use:   "get <case number>",
	Short: "Shows a tracked case.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().GetCase(cmd.Context(), scrape.CaseID(args[0]))
		if err != nil {
			return err
		}
		renderRecords(res.Case)
		return nil
	},
}
