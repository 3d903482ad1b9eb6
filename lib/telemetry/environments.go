package telemetry

import (
	"context"
	"errors"
	"os"
	"sync"

	"courtwatch-backend/lib/configutil"
)

var (
	setupTestEnvironments   = map[string]bool{}
	setupTestEnvironmentsMu sync.Mutex
)

// SetupForTesting sets up telemetry in a testing environment, ensuring that it
// isn't set up more than once. When no telemetry.json5 can be found only slog is
// initialized and the global otel providers stay as no-ops.
func SetupForTesting(serviceName string) func() {
	setupTestEnvironmentsMu.Lock()
	defer setupTestEnvironmentsMu.Unlock()

	if setupTestEnvironments[serviceName] {
		return func() {}
	}
	setupTestEnvironments[serviceName] = true

	InitSlog(true)
	err := SetupFromEnv(context.Background(), serviceName)
	if errors.Is(err, os.ErrNotExist) {
		return func() {}
	}
	if err != nil {
		panic(err)
	}

	return func() {
		err = Shutdown(context.Background())
		if err != nil {
			panic(err)
		}
	}
}

// SetupFromEnv searches up the filesystem from the cwd to find a file
// called telemetry.json5, once found it will then use it
// as a config to setup telemetry
func SetupFromEnv(ctx context.Context, serviceName string) error {
	config, err := configutil.ReadRecursively[Config]("telemetry.json5")
	if err != nil {
		return err
	}
	return Setup(ctx, serviceName, config)
}
