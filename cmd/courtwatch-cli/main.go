package main

import (
	"context"
	"os"

	"courtwatch-backend/cmd/courtwatch-cli/commands"
	"courtwatch-backend/lib/telemetry"
)

func main() {
	telemetry.InitSlog(os.Getenv("COURTWATCH_VERBOSE") != "")
	commands.ExecuteContext(context.Background())
}
