// Package tenant owns one Slack app per tenant and runs questions through
// the answer pipeline.
package tenant

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/knowledge-agent/internal/answer"
	"github.com/p-blackswan/knowledge-agent/internal/backend"
	"github.com/p-blackswan/knowledge-agent/internal/config"
	perrors "github.com/p-blackswan/knowledge-agent/internal/errors"
	"github.com/p-blackswan/knowledge-agent/internal/metrics"
	"github.com/p-blackswan/knowledge-agent/internal/retry"
	agentslack "github.com/p-blackswan/knowledge-agent/internal/slack"
	"github.com/p-blackswan/knowledge-agent/internal/store"
	"github.com/p-blackswan/knowledge-agent/internal/tenantconfig"
)

// CredentialSource supplies a tenant's Slack secrets.
type CredentialSource interface {
	SlackCredentials(ctx context.Context) (tenantconfig.Credentials, error)
}

// StaticCredentials is a CredentialSource with fixed values.
type StaticCredentials tenantconfig.Credentials

func (s StaticCredentials) SlackCredentials(context.Context) (tenantconfig.Credentials, error) {
	return tenantconfig.Credentials(s), nil
}

// Exchanges stores and looks up delivered answers.
type Exchanges interface {
	SaveExchange(ex *store.Exchange) error
	LatestExchange(tenantID, channelID, threadTS string) (*store.Exchange, error)
}

// Deps are the shared collaborators every tenant app is built from.
type Deps struct {
	Config    *config.Config
	Settings  *tenantconfig.Manager
	Backend   backend.Client
	Exchanges Exchanges
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger

	// NewAPI builds the Slack API for a bot token. Nil uses slack-go with
	// the configured retry budget.
	NewAPI func(botToken string) agentslack.API
}

// App is the per-tenant Slack application.
type App struct {
	tenantID      string
	signingSecret string
	appToken      string

	api    agentslack.API
	client *slack.Client

	botUserID string
	botID     string
	teamID    string

	cfg        *config.Config
	settings   *tenantconfig.Tenant
	resolver   *agentslack.ChannelResolver
	threads    *agentslack.ThreadReader
	builder    *answer.Builder
	pipeline   *answer.Pipeline
	dispatcher *agentslack.Dispatcher
	exchanges  Exchanges
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds the app for tenantID: it reads the bot token and signing secret
// from creds and runs auth.test to learn the bot's identity. Missing
// credentials are a configuration error and are not retried.
func New(ctx context.Context, tenantID string, creds CredentialSource, deps Deps) (*App, error) {
	return newApp(ctx, tenantID, creds, "", deps)
}

// NewDebug builds the single local tenant from environment credentials. With
// an app-level token configured, RunSocket can open a Socket Mode connection.
func NewDebug(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Config
	creds := StaticCredentials{BotToken: cfg.DebugBotToken, SigningSecret: cfg.DebugSigningSecret}
	return newApp(ctx, cfg.DebugTenantID, creds, cfg.DebugAppToken, deps)
}

func newApp(ctx context.Context, tenantID string, creds CredentialSource, appToken string, deps Deps) (*App, error) {
	c, err := creds.SlackCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading slack credentials for tenant %s: %w", tenantID, err)
	}
	if c.BotToken == "" || c.SigningSecret == "" {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, perrors.ErrMissingCredentials)
	}

	logger := deps.Logger.With().Str("tenant", tenantID).Logger()
	a := &App{
		tenantID:      tenantID,
		signingSecret: c.SigningSecret,
		appToken:      appToken,
		cfg:           deps.Config,
		settings:      deps.Settings.For(tenantID),
		exchanges:     deps.Exchanges,
		metrics:       deps.Metrics,
		logger:        logger.With().Str("component", "tenant_app").Logger(),
	}

	if deps.NewAPI != nil {
		a.api = deps.NewAPI(c.BotToken)
	} else {
		var opts []slack.Option
		if appToken != "" {
			opts = append(opts, slack.OptionAppLevelToken(appToken))
		}
		a.client = slack.New(c.BotToken, opts...)
		a.api = agentslack.NewRetryingAPI(a.client, slackRetryConfig(deps.Config))
	}

	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack auth.test for tenant %s: %w", tenantID, err)
	}
	a.botUserID = auth.UserID
	a.botID = auth.BotID
	a.teamID = auth.TeamID

	a.resolver = agentslack.NewChannelResolver(a.api, a.settings, auth.TeamID, auth.EnterpriseID, logger)
	a.threads = agentslack.NewThreadReader(a.api, auth.UserID, auth.BotID, logger)
	a.builder = answer.NewBuilder(tenantID, deps.Backend, a.api, deps.Metrics, logger)
	a.pipeline = answer.NewPipeline(a.builder, a.threads, answer.PipelineConfig{
		FastTool:      deps.Config.FastToolName,
		SlowTool:      deps.Config.SlowToolName,
		JudgeMaxChars: deps.Config.JudgeMaxChars,
	}, deps.Metrics, logger)

	var exchanges agentslack.ExchangeStore
	if deps.Exchanges != nil {
		exchanges = deps.Exchanges
	}
	a.dispatcher = agentslack.NewDispatcher(a.api, tenantID, a.settings, exchanges, deps.Metrics, logger)

	a.logger.Info().
		Str("bot_user", a.botUserID).
		Str("team", a.teamID).
		Msg("tenant slack app ready")
	return a, nil
}

func slackRetryConfig(cfg *config.Config) retry.Config {
	rc := retry.SlackConfig()
	if cfg.SlackMaxAttempts > 0 {
		rc.MaxAttempts = cfg.SlackMaxAttempts
	}
	if cfg.SlackMaxRetryAfter > 0 {
		rc.MaxRetryAfter = cfg.SlackMaxRetryAfter
	}
	return rc
}

// TenantID returns the tenant this app serves.
func (a *App) TenantID() string { return a.tenantID }

// SigningSecret is used to verify inbound Slack requests.
func (a *App) SigningSecret() string { return a.signingSecret }

// BotUserID is the bot's Slack user id.
func (a *App) BotUserID() string { return a.botUserID }

// Stop releases the app's connections. Call it at most once.
func (a *App) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.logger.Info().Msg("tenant slack app stopped")
}
