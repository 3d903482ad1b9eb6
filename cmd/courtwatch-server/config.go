package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"courtwatch-backend/internal/casestore"
	"courtwatch-backend/internal/events"
	"courtwatch-backend/internal/notify"
	"courtwatch-backend/internal/orchestrator"
	"courtwatch-backend/internal/scrapers/portal"
	"courtwatch-backend/internal/stepper"
	"courtwatch-backend/lib/navigator"
	"courtwatch-backend/lib/navigator/httpnav"
	"courtwatch-backend/lib/navigator/rodnav"
	"courtwatch-backend/lib/restyutil"

	"github.com/robfig/cron/v3"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

type StoreConfig struct {
	// Kind is "sql" or "redis".
	Kind  string                `json:"kind"`
	SQL   casestore.SQLConfig   `json:"sql"`
	Redis casestore.RedisConfig `json:"redis"`
}

type BrowserConfig struct {
	// Driver is "http" for plain requests or "rod" for a real browser.
	Driver            string  `json:"driver"`
	UserAgent         string  `json:"user_agent"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	TimeoutSeconds    int     `json:"timeout_seconds"`
	// DumpDir receives every http exchange while verbose, empty disables it.
	DumpDir    string `json:"dump_dir"`
	ControlURL string `json:"control_url"`
	Bin        string `json:"bin"`
	Headless   *bool  `json:"headless"`
}

type OrchestratorConfig struct {
	MaxConcurrent     int `json:"max_concurrent"`
	JobTimeoutSeconds int `json:"job_timeout_seconds"`
	StaggerMillis     int `json:"stagger_millis"`
	RecentMinutes     int `json:"recent_minutes"`
}

type StepConfig struct {
	UnrecognizedBudgetSeconds int `json:"unrecognized_budget_seconds"`
	PollIntervalMillis        int `json:"poll_interval_millis"`
}

type Config struct {
	Port int `json:"port"`
	// AccessToken is required as a bearer token on every call when set.
	AccessToken  string             `json:"access_token"`
	Portal       portal.Profile     `json:"portal"`
	Browser      BrowserConfig      `json:"browser"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Step         StepConfig         `json:"step"`
	Store        StoreConfig        `json:"store"`
	// NATS mirrors job events when set.
	NATS *events.NATSConfig `json:"nats"`
	// Email sends hearing changes when set.
	Email *notify.SmtpConfig `json:"email"`
	// ScrapeSchedule is a cron spec for scraping every tracked case.
	ScrapeSchedule string `json:"scrape_schedule"`
}

// Validate rejects configs that would only fail once the server started.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Store.Kind {
	case "", "sql", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown store kind %q", c.Store.Kind))
	}
	switch c.Browser.Driver {
	case "", "http", "rod":
	default:
		errs = append(errs, fmt.Errorf("unknown browser driver %q", c.Browser.Driver))
	}
	if c.Orchestrator.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent %d is negative", c.Orchestrator.MaxConcurrent))
	}
	if c.ScrapeSchedule != "" {
		_, err := cron.ParseStandard(c.ScrapeSchedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("scrape_schedule: %w", err))
		}
	}
	return errors.Join(errs...)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func (c OrchestratorConfig) Options(entryURL string) orchestrator.Options {
	return orchestrator.Options{
		EntryURL:      entryURL,
		MaxConcurrent: c.MaxConcurrent,
		JobTimeout:    seconds(c.JobTimeoutSeconds),
		Stagger:       millis(c.StaggerMillis),
		RecentTTL:     time.Duration(c.RecentMinutes) * time.Minute,
	}
}

func (c StepConfig) Options() stepper.Options {
	return stepper.Options{
		UnrecognizedBudget: seconds(c.UnrecognizedBudgetSeconds),
		PollInterval:       millis(c.PollIntervalMillis),
	}
}

func (c StoreConfig) Open(ctx context.Context) (casestore.Store, error) {
	switch c.Kind {
	case "", "sql":
		db, err := c.SQL.OpenDB()
		if err != nil {
			return nil, err
		}
		store, err := casestore.NewSQLStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	case "redis":
		return casestore.NewRedisStore(ctx, c.Redis)
	}
	return nil, fmt.Errorf("unknown store kind %q", c.Kind)
}

func (c BrowserConfig) Open(ctx context.Context, verbose bool) (navigator.Driver, error) {
	switch c.Driver {
	case "", "http":
		opts := httpnav.Options{
			UserAgent:         c.UserAgent,
			RequestsPerSecond: c.RequestsPerSecond,
			Timeout:           seconds(c.TimeoutSeconds),
		}
		if verbose && c.DumpDir != "" {
			output, err := restyutil.NewFilesystemOutput(c.DumpDir)
			if err != nil {
				return nil, err
			}
			opts.Output = output
		}
		return httpnav.NewDriver(opts), nil
	case "rod":
		headless := true
		if c.Headless != nil {
			headless = *c.Headless
		}
		return rodnav.NewDriver(ctx, rodnav.Options{
			ControlURL:        c.ControlURL,
			Bin:               c.Bin,
			Headless:          headless,
			NavigationTimeout: seconds(c.TimeoutSeconds),
		})
	}
	return nil, fmt.Errorf("unknown browser driver %q", c.Driver)
}
