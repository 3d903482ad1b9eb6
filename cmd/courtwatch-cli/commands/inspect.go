package commands

import (
	"fmt"
	"os"
	"time"

	"courtwatch-backend/internal/scrape"
	"courtwatch-backend/internal/scrapers/portal"
	"courtwatch-backend/lib/configutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	inspectCase    string
	inspectAsOf    string
	inspectProfile string
)

func init() {
	inspectCmd.Flags().StringVar(&inspectCase, "case", "", "Case number to look for in a results listing.")
	inspectCmd.Flags().StringVar(&inspectAsOf, "as-of", "", "Day hearings are counted from, as YYYY-MM-DD (default today).")
	inspectCmd.Flags().StringVar(&inspectProfile, "profile", "", "A json5 file with portal profile overrides.")
	rootCmd.AddCommand(inspectCmd)
}

func loadPortal() (portal.Portal, error) {
	profile := portal.DefaultProfile()
	if inspectProfile != "" {
		override, err := configutil.ReadConfig[portal.Profile](inspectProfile)
		if err != nil {
			return portal.Portal{}, err
		}
		err = profile.Merge(override)
		if err != nil {
			return portal.Portal{}, err
		}
	}
	return portal.New(profile)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <page.html>...",
	Short: "Classifies saved portal pages and runs the extraction on them offline.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadPortal()
		if err != nil {
			return err
		}
		asOf := time.Now().In(p.Location())
		if inspectAsOf != "" {
			asOf, err = time.ParseInLocation(time.DateOnly, inspectAsOf, p.Location())
			if err != nil {
				return fmt.Errorf("parse --as-of: %w", err)
			}
		}

		t := newTable()
		t.AppendHeader(table.Row{"File", "Page", "Finding"})
		for _, path := range args {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			doc, err := goquery.NewDocumentFromReader(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}

			result := p.Inspect(cmd.Context(), doc, scrape.CaseID(inspectCase), asOf)
			for i, finding := range findings(result) {
				row := table.Row{"", "", finding}
				if i == 0 {
					row = table.Row{path, result.Category, finding}
				}
				t.AppendRow(row)
			}
			t.AppendSeparator()
		}
		t.Render()
		return nil
	},
}

func findings(r portal.Inspection) []string {
	var out []string
	if r.Banner != "" {
		out = append(out, fmt.Sprintf("banner: %q", r.Banner))
	}
	switch r.Category {
	case scrape.PageWelcome:
		out = append(out, fmt.Sprintf("entry point: %q", r.WelcomeEntry))
	case scrape.PageResultsListing:
		if r.Listing == nil {
			out = append(out, "pass --case to match listing links")
			break
		}
		out = append(out, fmt.Sprintf("no records marker: %v", r.Listing.NoRecords))
		out = append(out, fmt.Sprintf("case links: %d, matching: %d", len(r.Listing.Entries), len(r.Listing.Matches)))
		for _, m := range r.Listing.Matches {
			out = append(out, fmt.Sprintf("match: %s -> %s", m.Name, m.Href))
		}
		if len(r.Listing.Matches) == 0 && len(r.Listing.Entries) > 0 {
			closest, score := r.Listing.Closest(scrape.CaseID(inspectCase))
			out = append(out, fmt.Sprintf("closest: %q (%.2f)", closest, score))
		}
	case scrape.PageCaseDetail:
		if r.PartiesErr != nil {
			out = append(out, fmt.Sprintf("parties: %v", r.PartiesErr))
		} else {
			out = append(out, fmt.Sprintf("prosecutor: %s", r.Parties.Prosecutor))
			out = append(out, fmt.Sprintf("defendant: %s", r.Parties.Defendant))
		}
		if r.NextHearing == nil {
			out = append(out, "next hearing: none")
		} else {
			out = append(out, fmt.Sprintf("next hearing: %s (%s)", portal.FormatDate(*r.NextHearing), r.HearingStrategy))
		}
	}
	if len(out) == 0 {
		out = append(out, "-")
	}
	return out
}
