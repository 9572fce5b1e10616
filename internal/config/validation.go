package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// Sentinel validation errors, checked with errors.Is.
var (
	ErrConfigNil          = errors.New("configuration is nil")
	ErrMissingAPIKey      = errors.New("missing model API key")
	ErrInvalidModelName   = errors.New("invalid model name")
	ErrInvalidMaxTokens   = errors.New("invalid max tokens")
	ErrInvalidMaxTurns    = errors.New("invalid max turns")
	ErrInvalidToolTimeout = errors.New("invalid tool timeout")
	ErrInvalidWindow      = errors.New("invalid history window")
	ErrInvalidPostgres    = errors.New("invalid PostgreSQL configuration")
	ErrInvalidRateLimit   = errors.New("invalid rate limit")
	ErrInvalidRetention   = errors.New("invalid retention")
	ErrInvalidProvider    = errors.New("invalid provider")
	ErrInvalidRole        = errors.New("invalid role wiring")
	ErrInvalidUser        = errors.New("invalid static user")
)

// Bounds for loop and window settings.
const (
	MaxAllowedTurns      = 20
	MaxToolTimeoutSecs   = 600
	MinHistoryWindow     = 2
	MaxHistoryWindow     = 500
	MaxAllowedRateLimit  = 10000
	maxUserRateWindowSec = 24 * 60 * 60
)

// validSSLModes are the sslmode values libpq and pgx accept.
var validSSLModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}

// personas are the role contexts porter knows.
var personas = []string{"guest", "staff"}

// entityKinds are the ledger kinds a wrap rule may produce.
var entityKinds = []string{"booking", "ticket", "request", "transaction"}

// Validate checks every setting needed in any mode. Serve-only requirements
// live in ValidateServe.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name must not be empty", ErrInvalidModelName)
	}
	if c.MaxTokens <= 0 || c.MaxTokens > 64000 {
		return fmt.Errorf("%w: max_tokens %d out of range (1-64000)", ErrInvalidMaxTokens, c.MaxTokens)
	}
	if c.MaxTurns <= 0 || c.MaxTurns > MaxAllowedTurns {
		return fmt.Errorf("%w: max_turns %d out of range (1-%d)", ErrInvalidMaxTurns, c.MaxTurns, MaxAllowedTurns)
	}
	if c.ToolTimeoutSeconds <= 0 || c.ToolTimeoutSeconds > MaxToolTimeoutSecs {
		return fmt.Errorf("%w: tool_timeout_seconds %d out of range (1-%d)", ErrInvalidToolTimeout, c.ToolTimeoutSeconds, MaxToolTimeoutSecs)
	}
	if c.HistoryWindow < MinHistoryWindow || c.HistoryWindow > MaxHistoryWindow {
		return fmt.Errorf("%w: history_window %d out of range (%d-%d)", ErrInvalidWindow, c.HistoryWindow, MinHistoryWindow, MaxHistoryWindow)
	}

	if err := c.validatePostgres(); err != nil {
		return err
	}

	if c.UserRateLimit < 0 || c.UserRateLimit > MaxAllowedRateLimit {
		return fmt.Errorf("%w: user_rate_limit %d out of range (0-%d)", ErrInvalidRateLimit, c.UserRateLimit, MaxAllowedRateLimit)
	}
	if c.UserRateWindowSeconds < 0 || c.UserRateWindowSeconds > maxUserRateWindowSec {
		return fmt.Errorf("%w: user_rate_window_seconds %d out of range (0-%d)", ErrInvalidRateLimit, c.UserRateWindowSeconds, maxUserRateWindowSec)
	}
	if c.DebugEvents < 0 {
		return fmt.Errorf("%w: debug_events must not be negative", ErrInvalidRateLimit)
	}

	if c.Retention.MaxAgeHours < 0 {
		return fmt.Errorf("%w: max_age_hours must not be negative", ErrInvalidRetention)
	}
	if c.Retention.MaxAgeHours > 0 && c.Retention.Schedule == "" {
		return fmt.Errorf("%w: schedule required when max_age_hours is set", ErrInvalidRetention)
	}

	if err := c.validateWiring(); err != nil {
		return err
	}
	return c.validateUsers()
}

func (c *Config) validatePostgres() error {
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: postgres_host must not be empty", ErrInvalidPostgres)
	}
	if c.PostgresPort <= 0 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: postgres_port %d out of range", ErrInvalidPostgres, c.PostgresPort)
	}
	if c.PostgresUser == "" {
		return fmt.Errorf("%w: postgres_user must not be empty", ErrInvalidPostgres)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: postgres_db_name must not be empty", ErrInvalidPostgres)
	}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: postgres_ssl_mode %q not recognized", ErrInvalidPostgres, c.PostgresSSLMode)
	}
	return nil
}

func (c *Config) validateWiring() error {
	for name, p := range c.Providers {
		if name == "" {
			return fmt.Errorf("%w: provider with empty name", ErrInvalidProvider)
		}
		if p.Command == "" {
			return fmt.Errorf("%w: provider %q has no command", ErrInvalidProvider, name)
		}
	}

	for persona, role := range c.Roles {
		if !slices.Contains(personas, persona) {
			return fmt.Errorf("%w: unknown persona %q", ErrInvalidRole, persona)
		}
		for _, server := range role.Servers {
			if _, ok := c.Providers[server]; !ok {
				return fmt.Errorf("%w: role %q references unknown provider %q", ErrInvalidRole, persona, server)
			}
		}
		for _, w := range role.Wrap {
			if w.Server == "" || w.RemoteName == "" || w.LocalName == "" {
				return fmt.Errorf("%w: role %q has a wrap rule with empty fields", ErrInvalidRole, persona)
			}
			if !slices.Contains(role.Servers, w.Server) {
				return fmt.Errorf("%w: role %q wraps tool on unlisted server %q", ErrInvalidRole, persona, w.Server)
			}
			if w.LocalName == w.RemoteName {
				return fmt.Errorf("%w: role %q wrap for %q must expose a different local name", ErrInvalidRole, persona, w.RemoteName)
			}
			if !slices.Contains(entityKinds, w.Kind) {
				return fmt.Errorf("%w: role %q wrap for %q has unknown kind %q", ErrInvalidRole, persona, w.RemoteName, w.Kind)
			}
		}
	}
	return nil
}

func (c *Config) validateUsers() error {
	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if u.Credential == "" {
			return fmt.Errorf("%w: user %d has empty credential", ErrInvalidUser, i)
		}
		if seen[u.Credential] {
			return fmt.Errorf("%w: user %d duplicates an earlier credential", ErrInvalidUser, i)
		}
		seen[u.Credential] = true
		if _, err := uuid.Parse(u.UserID); err != nil {
			return fmt.Errorf("%w: user %d has invalid user_id: %v", ErrInvalidUser, i, err)
		}
		if !slices.Contains(personas, u.Persona) {
			return fmt.Errorf("%w: user %d has unknown persona %q", ErrInvalidUser, i, u.Persona)
		}
	}
	return nil
}

// ValidateServe checks the extra requirements of serve mode: a model key to
// call inference with and at least one credential the bridge can resolve.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ModelAPIKey == "" {
		return fmt.Errorf("%w: set PORTER_MODEL_API_KEY or ANTHROPIC_API_KEY", ErrMissingAPIKey)
	}
	if len(c.Users) == 0 {
		return fmt.Errorf("%w: serve mode needs at least one configured user", ErrInvalidUser)
	}
	return nil
}
