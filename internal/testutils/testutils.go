package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/nfrund/dmrelay/internal/config"
	"github.com/nfrund/dmrelay/internal/logging"
)

// SurrealConfigForTests loads .env.test from the project root and returns a
// config pointing at a live SurrealDB. The test is skipped in -short mode or
// when no database is configured.
func SurrealConfigForTests(t *testing.T) config.Provider {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping SurrealDB integration test in short mode")
	}

	path, _ := os.Getwd()
	for {
		if _, err := os.Stat(filepath.Join(path, "go.mod")); err == nil {
			break
		}
		if path == filepath.Dir(path) {
			t.Fatalf("could not find project root with go.mod")
		}
		path = filepath.Dir(path)
	}

	if env, err := godotenv.Read(filepath.Join(path, ".env.test")); err == nil {
		for key, value := range env {
			t.Setenv(key, value)
		}
	}
	if os.Getenv("SURREAL_URL") == "" {
		t.Skip("SURREAL_URL not set; skipping SurrealDB integration test")
	}

	logging.New()
	return config.New()
}
