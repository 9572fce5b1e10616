// Package app wires porter's components into a running application.
//
// Setup constructs everything in dependency order and App.Close tears it
// down in reverse. Components are plain constructed values passed by
// reference; nothing in the process is ambient state.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/porterhq/porter/internal/chat"
	"github.com/porterhq/porter/internal/config"
	"github.com/porterhq/porter/internal/conversation"
	"github.com/porterhq/porter/internal/identity"
	"github.com/porterhq/porter/internal/log"
	"github.com/porterhq/porter/internal/model"
	"github.com/porterhq/porter/internal/observability"
	"github.com/porterhq/porter/internal/ratelimit"
	"github.com/porterhq/porter/internal/tokens"
	"github.com/porterhq/porter/internal/toolproxy"
)

// closeTimeout bounds each teardown step.
const closeTimeout = 10 * time.Second

// App holds every long-lived component of a porter process.
type App struct {
	Config *config.Config
	Logger log.Logger

	Pool          *pgxpool.Pool
	Conversations *conversation.Store
	Tokens        *tokens.Store
	Proxy         *toolproxy.Proxy
	Model         model.Client
	Orchestrator  *chat.Orchestrator
	Bridge        identity.Bridge
	Users         *ratelimit.UserLimiter
	Ring          *observability.Ring // nil unless debug events are configured

	sessions        map[string]*mcp.ClientSession
	tracingShutdown observability.ShutdownFunc

	// background outlives requests: abandoned tool calls and the
	// retention sweeper run on it. cancelBackground stops them; wg waits
	// for them.
	background       context.Context //nolint:containedctx // lifecycle context for background work
	cancelBackground context.CancelFunc
	wg               sync.WaitGroup
}

// Close tears the application down in reverse construction order. Safe to
// call once; errors are joined, and a failing step never blocks the rest.
func (a *App) Close() error {
	var errs []error

	if a.cancelBackground != nil {
		a.cancelBackground()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		errs = append(errs, errors.New("app: background work did not finish before timeout"))
	}

	for name, session := range a.sessions {
		if err := session.Close(); err != nil {
			a.Logger.Warn("closing tool provider session", "server", name, "error", err)
		}
	}

	if a.Pool != nil {
		a.Pool.Close()
	}

	if a.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := a.tracingShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
