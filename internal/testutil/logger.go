package testutil

import (
	"log/slog"

	"github.com/porterhq/porter/internal/log"
)

// DiscardLogger returns a logger that drops every record, for wiring into
// store and sweeper constructors whose log output a test does not assert.
// Tests that do assert on log lines use log.NewWithWriter with a buffer
// instead.
func DiscardLogger() log.Logger {
	return slog.New(slog.DiscardHandler)
}
