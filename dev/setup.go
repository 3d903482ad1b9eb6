package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"courtwatch-backend/internal/casestore"
)

func cmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	fmt.Printf("$ %s %s\n", name, strings.Join(args, " "))
	return cmd.Run()
}

func CreateLocalStack() error {
	err := os.Chdir("dev/local_stack")
	if err != nil {
		return err
	}
	err = cmd("docker", "compose", "up", "-d")
	if err != nil {
		return err
	}
	return os.Chdir("../..")
}

// CreateCaseDB creates the sqlite case store the example server config points at.
func CreateCaseDB() error {
	config := casestore.SQLConfig{File: "<dev_state>/courtwatch.db"}
	db, err := config.OpenDB()
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := casestore.NewSQLStore(context.Background(), db)
	if err != nil {
		return err
	}
	records, err := store.List(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("case database ready at %s with %d cases\n", config.File, len(records))
	return nil
}

func PrintConfigLocations() {
	slog.Info("server config lives in cmd/courtwatch-server/config.json5, put secrets in config.local.json5 next to it. telemetry.json5 in the repository root enables otlp export.")
}
