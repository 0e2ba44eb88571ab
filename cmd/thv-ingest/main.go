// Package main is the entry point for the ToolHive ingest server.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/stacklok/toolhive-ingest/cmd/thv-ingest/app"
	"github.com/stacklok/toolhive-ingest/internal/logger"
)

func main() {
	// A .env file is optional; real environment variables always win.
	_ = godotenv.Load()

	err := app.NewRootCmd().Execute()
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
