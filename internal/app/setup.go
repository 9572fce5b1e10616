package app

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/porterhq/porter/db"
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

// Pool sizing and health settings.
const (
	poolMaxConns        = 10
	poolMinConns        = 2
	poolMaxConnLifetime = time.Hour
	poolMaxConnIdleTime = 30 * time.Minute
	poolHealthCheck     = time.Minute
	pingTimeout         = 5 * time.Second
)

// Setup builds the application: tracing, database, stores, tool provider
// sessions, proxy, model client, and orchestrator, in that order. On error
// everything already built is torn down before returning.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (*App, error) {
	logger = log.Or(logger)

	background, cancel := context.WithCancel(context.Background())
	a := &App{
		Config:           cfg,
		Logger:           logger,
		background:       background,
		cancelBackground: cancel,
	}

	fail := func(err error) (*App, error) {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("cleanup after failed setup", "error", closeErr)
		}
		return nil, err
	}

	shutdown, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Endpoint:    cfg.Tracing.Endpoint,
		Environment: cfg.Tracing.Environment,
		ServiceName: cfg.Tracing.ServiceName,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("setting up tracing: %w", err))
	}
	a.tracingShutdown = shutdown

	pool, err := providePool(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	a.Pool = pool

	a.Conversations, err = conversation.NewStore(conversation.StoreConfig{
		Pool:   pool,
		Logger: logger.With("component", "conversation"),
	})
	if err != nil {
		return fail(fmt.Errorf("creating conversation store: %w", err))
	}

	a.Tokens, err = tokens.NewStore(tokens.StoreConfig{
		Pool:   pool,
		Logger: logger.With("component", "tokens"),
	})
	if err != nil {
		return fail(fmt.Errorf("creating token ledger: %w", err))
	}

	a.sessions = provideSessions(ctx, background, cfg, logger)

	a.Proxy, err = toolproxy.New(toolproxy.Config{
		Sessions: a.sessions,
		Roles:    provideRoles(cfg, a.sessions, logger),
		Ledger:   a.Tokens,
		Logger:   logger.With("component", "toolproxy"),
	})
	if err != nil {
		return fail(fmt.Errorf("creating tool proxy: %w", err))
	}

	a.Model, err = model.NewAnthropic(model.Config{
		APIKey:  cfg.ModelAPIKey,
		BaseURL: cfg.ModelBaseURL,
		Logger:  logger.With("component", "model"),
	})
	if err != nil {
		return fail(fmt.Errorf("creating model client: %w", err))
	}

	a.Bridge, err = provideBridge(cfg)
	if err != nil {
		return fail(fmt.Errorf("creating identity bridge: %w", err))
	}

	a.Users, err = ratelimit.NewUserLimiter(ratelimit.Config{
		Limit:  cfg.UserRateLimit,
		Window: time.Duration(cfg.UserRateWindowSeconds) * time.Second,
	})
	if err != nil {
		return fail(fmt.Errorf("creating user limiter: %w", err))
	}

	var observers []chat.Observer
	if cfg.DebugEvents > 0 {
		a.Ring = observability.NewRing(cfg.DebugEvents)
		observers = append(observers, a.Ring)
	}

	a.Orchestrator, err = chat.New(chat.Config{
		Model:        a.Model,
		Tools:        a.Proxy,
		Store:        a.Conversations,
		Logger:       logger.With("component", "chat"),
		ModelName:    cfg.ModelName,
		SystemPrompt: cfg.SystemPrompt,
		MaxTokens:    cfg.MaxTokens,
		MaxTurns:     cfg.MaxTurns,
		ToolTimeout:  time.Duration(cfg.ToolTimeoutSeconds) * time.Second,
		WindowSize:   cfg.HistoryWindow,
		Observers:    observers,
		Background:   background,
		WG:           &a.wg,
	})
	if err != nil {
		return fail(fmt.Errorf("creating orchestrator: %w", err))
	}

	return a, nil
}

// providePool migrates the schema and opens the connection pool.
func providePool(ctx context.Context, cfg *config.Config, logger log.Logger) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}
	poolCfg.MaxConns = poolMaxConns
	poolCfg.MinConns = poolMinConns
	poolCfg.MaxConnLifetime = poolMaxConnLifetime
	poolCfg.MaxConnIdleTime = poolMaxConnIdleTime
	poolCfg.HealthCheckPeriod = poolHealthCheck

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("database ready",
		"host", cfg.PostgresHost,
		"database", cfg.PostgresDBName,
	)
	return pool, nil
}

// provideSessions connects to each configured tool provider over stdio. A
// provider that fails to start degrades its own tools, not the process: the
// failure is logged and the server is left out of the session map.
func provideSessions(ctx, background context.Context, cfg *config.Config, logger log.Logger) map[string]*mcp.ClientSession {
	sessions := make(map[string]*mcp.ClientSession, len(cfg.Providers))
	for name, p := range cfg.Providers {
		client := mcp.NewClient(&mcp.Implementation{Name: "porter", Version: "1.0.0"}, nil)

		cmd := exec.CommandContext(background, p.Command, p.Args...) // #nosec G204 -- command comes from operator config, not request input
		cmd.Env = os.Environ()
		for k, v := range p.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}

		session, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
		if err != nil {
			logger.Warn("tool provider unavailable, its tools are disabled",
				"server", name,
				"command", p.Command,
				"error", err,
			)
			continue
		}
		sessions[name] = session
		logger.Info("tool provider connected", "server", name)
	}
	return sessions
}

// provideRoles converts config wiring into proxy role configs, dropping
// references to providers that failed to connect so the proxy still starts.
func provideRoles(cfg *config.Config, sessions map[string]*mcp.ClientSession, logger log.Logger) map[conversation.Persona]toolproxy.RoleConfig {
	roles := make(map[conversation.Persona]toolproxy.RoleConfig, len(cfg.Roles))
	for persona, role := range cfg.Roles {
		rc := toolproxy.RoleConfig{Exclude: role.Exclude}

		for _, server := range role.Servers {
			if _, ok := sessions[server]; !ok {
				logger.Warn("role loses an unavailable provider",
					"persona", persona,
					"server", server,
				)
				continue
			}
			rc.Servers = append(rc.Servers, server)
		}
		for _, w := range role.Wrap {
			if _, ok := sessions[w.Server]; !ok {
				continue
			}
			rc.Wrap = append(rc.Wrap, toolproxy.WrapRule{
				Server:     w.Server,
				RemoteName: w.RemoteName,
				LocalName:  w.LocalName,
				Kind:       tokens.Kind(w.Kind),
				TokenField: w.TokenField,
				Inject:     w.Inject,
				GuestArg:   w.GuestArg,
				RoomArg:    w.RoomArg,
			})
		}

		roles[conversation.Persona(persona)] = rc
	}
	return roles
}

// provideBridge builds the static identity bridge from configured users.
func provideBridge(cfg *config.Config) (identity.Bridge, error) {
	users := make([]identity.StaticUser, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		id, err := uuid.Parse(u.UserID)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", u.Name, err)
		}
		users = append(users, identity.StaticUser{
			Credential: u.Credential,
			UserID:     id,
			Persona:    conversation.Persona(u.Persona),
			Name:       u.Name,
		})
	}
	return identity.NewStaticBridge(users)
}
