package main

import (
	"log/slog"
	"os"

	"github.com/nfrund/dmrelay/internal/server"
)

func main() {
	s, err := server.New()
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	if err := s.RegisterRoutes(); err != nil {
		slog.Error("Failed to register routes", "error", err)
		os.Exit(1)
	}

	if err := s.Start(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}
