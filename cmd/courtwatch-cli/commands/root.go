package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"courtwatch-backend/lib/serviceutil"
	"courtwatch-backend/services/scrapeservice"

	"connectrpc.com/connect"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	baseURL     string
	accessToken string
)

var rootCmd = &cobra.Command{
	Use:   "courtwatch-cli",
	Short: "courtwatch-cli drives a courtwatch server and inspects saved portal pages.",
}

func init() {
	defaultURL, ok := os.LookupEnv("COURTWATCH_BASE_URL")
	if !ok {
		defaultURL = "http://localhost:8000"
	}
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", defaultURL, "Base url of the courtwatch server (env COURTWATCH_BASE_URL).")
	rootCmd.PersistentFlags().StringVar(&accessToken, "token", os.Getenv("COURTWATCH_TOKEN"), "Access token of the server (env COURTWATCH_TOKEN).")
}

func newClient() scrapeservice.Client {
	return scrapeservice.NewClient(
		&http.Client{Timeout: 5 * time.Minute},
		baseURL,
		connect.WithInterceptors(serviceutil.ProvideAccessTokenInterceptor(accessToken)),
	)
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("Mon Jan 2 2006 3:04 PM")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
