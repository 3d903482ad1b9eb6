package commands

import (
	"fmt"
	"sort"
	"time"

	"courtwatch-backend/internal/scrape"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var keepOpen bool

func init() {
	scrapeCmd.Flags().BoolVar(&keepOpen, "keep-open", false, "Leave the navigation context open after the scrape ends.")
	rootCmd.AddCommand(scrapeCmd, scrapeAllCmd, statusCmd, recentCmd)
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape <case number>",
	Short: "Requests a scrape of a case.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		admission, err := newClient().StartScrape(cmd.Context(), scrape.CaseID(args[0]), keepOpen)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", args[0], admission)
		return nil
	},
}

var scrapeAllCmd = &cobra.Command{
	Use:   "scrape-all",
	Short: "Requests a scrape of every tracked case.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := newClient().ScrapeAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("requested %d scrapes\n", n)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Lists the active scrapes.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newClient().GetStatus(cmd.Context())
		if err != nil {
			return err
		}

		ids := make([]string, 0, len(status.Active))
		for id := range status.Active {
			ids = append(ids, string(id))
		}
		sort.Strings(ids)

		t := newTable()
		t.AppendHeader(table.Row{"Case", "State"})
		for _, id := range ids {
			t.AppendRow(table.Row{id, status.Active[scrape.CaseID(id)]})
		}
		t.AppendFooter(table.Row{"Active", len(ids)})
		t.Render()
		return nil
	},
}

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Lists the scrapes that ended in the last minutes.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().Recent(cmd.Context())
		if err != nil {
			return err
		}

		t := newTable()
		t.AppendHeader(table.Row{"Case", "Outcome", "Reason", "Took", "Finished"})
		for _, o := range res.Outcomes {
			finished := o.FinishedAt
			t.AppendRow(table.Row{
				o.CaseID,
				o.State.Tag,
				o.State.Reason,
				o.FinishedAt.Sub(o.StartedAt).Round(100 * time.Millisecond).String(),
				formatTime(&finished),
			})
		}
		t.Render()
		return nil
	},
}
