// Package cmd dispatches porter's CLI commands.
//
// Commands:
//   - serve: the HTTP API server with SSE chat streaming
//   - migrate: run database migrations and exit
//   - version: print version information
//
// Serve shuts down gracefully on SIGINT/SIGTERM via context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
)

// Execute is the entry point for the porter CLI.
func Execute() error {
	// The default logger is installed once at entry; components receive
	// scoped children of it through their configs.
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe()
	case "migrate":
		return runMigrate()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("Porter - hotel conversational assistant backend")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  porter serve [addr]  Start the HTTP API server (default: 127.0.0.1:3400)")
	fmt.Println("  porter migrate       Run database migrations and exit")
	fmt.Println("  porter --version     Show version information")
	fmt.Println("  porter --help        Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  PORTER_MODEL_API_KEY  Required for serve: model inference API key")
	fmt.Println("  DATABASE_URL          Optional: overrides postgres_* config values")
	fmt.Println("  DEBUG                 Optional: enable debug logging")
	fmt.Println()
	fmt.Println("Configuration file: ~/.porter/config.yaml (or ./config.yaml)")
}
