package testutil

import (
	"context"
	"fmt"
	"testing"

	"courtwatch-backend/internal/casestore"
	"courtwatch-backend/lib/telemetry"

	_ "modernc.org/sqlite"
)

type ServiceParams struct {
	Name string
	// if unspecified, it will use `:memory:`
	DbPath string
}

type ServiceResult struct {
	Store casestore.SQLStore
}

// SetupService initializes telemetry for the test binary and opens a case
// store with its schema applied.
func SetupService(t testing.TB, params ServiceParams) (ServiceResult, func()) {
	cleanupTelemetry := telemetry.SetupForTesting(fmt.Sprintf("test:%s", params.Name))

	dbpath := params.DbPath
	if dbpath == "" {
		dbpath = ":memory:"
	}
	db, err := casestore.SQLConfig{File: dbpath}.OpenDB()
	if err != nil {
		t.Fatal(err)
	}
	store, err := casestore.NewSQLStore(context.Background(), db)
	if err != nil {
		db.Close()
		t.Fatal(err)
	}

	return ServiceResult{Store: store}, func() {
		store.Close()
		cleanupTelemetry()
	}
}
