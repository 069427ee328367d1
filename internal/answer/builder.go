package answer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/knowledge-agent/internal/backend"
	"github.com/p-blackswan/knowledge-agent/internal/lru"
	"github.com/p-blackswan/knowledge-agent/internal/metrics"
)

// UnknownUserName stands in for a user whose profile could not be read.
const UnknownUserName = "Unknown User"

const (
	identityCacheSize = 1024
	identityCacheTTL  = 30 * time.Minute
)

// UserLookup reads Slack user profiles.
type UserLookup interface {
	GetUserInfoContext(ctx context.Context, userID string) (*slack.User, error)
}

type identity struct {
	email string
	name  string
}

// Builder prepares and executes backend requests for one tenant.
type Builder struct {
	tenantID   string
	client     backend.Client
	users      UserLookup
	identities *lru.Cache[string, identity]
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(tenantID string, client backend.Client, users UserLookup, m *metrics.Metrics, logger zerolog.Logger) *Builder {
	return &Builder{
		tenantID:   tenantID,
		client:     client,
		users:      users,
		identities: lru.New[string, identity](identityCacheSize, identityCacheTTL),
		metrics:    m,
		logger:     logger.With().Str("component", "request_builder").Str("tenant", tenantID).Logger(),
	}
}

// Prepare resolves the asker's identity and assembles the prompt. It never
// fails: a missing profile falls back to the raw user id and UnknownUserName.
func (b *Builder) Prepare(ctx context.Context, msg Message, userID string, opts Options) *PreparedRequest {
	email, name := b.resolveIdentity(ctx, userID)

	nonBillable := opts.NonBillable.OrElse(opts.PreviousResponseID != "")

	return &PreparedRequest{
		TenantID:           b.tenantID,
		Question:           msg.Text,
		Prompt:             buildPrompt(msg.Text, userID, email, name, opts),
		Files:              msg.Files,
		UserID:             userID,
		UserEmail:          email,
		UserName:           name,
		Channel:            opts.Channel,
		PreviousResponseID: opts.PreviousResponseID,
		NonBillable:        nonBillable,
		ReasoningEffort:    opts.ReasoningEffort,
		Verbosity:          opts.Verbosity,
		PermissionAudience: opts.PermissionAudience,
		WriteTools:         opts.WriteTools,
	}
}

func (b *Builder) resolveIdentity(ctx context.Context, userID string) (string, string) {
	if id, ok := b.identities.Get(userID); ok {
		return id.email, id.name
	}

	user, err := b.users.GetUserInfoContext(ctx, userID)
	if err != nil || user == nil {
		b.logger.Warn().Err(err).Str("user", userID).Msg("user lookup failed, using raw id")
		return userID, UnknownUserName
	}

	id := identity{email: user.Profile.Email, name: displayName(user)}
	if id.email == "" {
		id.email = userID
	}
	b.identities.Put(userID, id)
	return id.email, id.name
}

func displayName(u *slack.User) string {
	for _, n := range []string{u.Profile.DisplayName, u.RealName, u.Profile.RealName, u.Name} {
		if n != "" {
			return n
		}
	}
	return UnknownUserName
}

func buildPrompt(question, userID, email, name string, opts Options) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The question below was asked by %s (email: %s, Slack user ID: %s).\n", name, email, userID)

	if ch := opts.Channel; ch != nil {
		if ch.IsDM {
			sb.WriteString("It was asked in a direct message with you.\n")
		} else {
			label := ch.ID
			if ch.Name != "" {
				label = "#" + ch.Name + " (" + ch.ID + ")"
			}
			fmt.Fprintf(&sb, "It was asked in the Slack channel %s.\n", label)
		}
		sb.WriteString("Do not cite the Slack thread this question was asked in as a source, " +
			"and do not treat your own earlier replies as evidence for your answer.\n")
	}

	if opts.ThreadTranscript != "" {
		sb.WriteString("\nEarlier messages in this thread:\n")
		sb.WriteString(opts.ThreadTranscript)
		sb.WriteString("\n")
	}

	sb.WriteString("\nQuestion:\n")
	sb.WriteString(question)
	sb.WriteString("\n\n")
	sb.WriteString(ConfidenceInstruction)
	return sb.String()
}

func (b *Builder) request(p *PreparedRequest, ov Overrides) *backend.Request {
	req := &backend.Request{
		TenantID:           p.TenantID,
		Prompt:             p.Prompt,
		UserEmail:          p.UserEmail,
		Files:              p.Files,
		PreviousResponseID: ov.PreviousResponseID.OrElse(p.PreviousResponseID),
		PermissionAudience: p.PermissionAudience,
		NonBillable:        ov.NonBillable.OrElse(p.NonBillable),
		ReasoningEffort:    p.ReasoningEffort,
		Verbosity:          p.Verbosity,
		ToolName:           ov.ToolName,
		DisableTools:       ov.DisableTools,
		WriteTools:         p.WriteTools,
		OutputFormat:       ov.OutputFormat,
	}
	if ov.Prompt != "" {
		req.Prompt = ov.Prompt
		// Follow-up prompts stand on their own; attachments were already sent.
		req.Files = nil
	}
	if ov.ReasoningEffort != "" {
		req.ReasoningEffort = ov.ReasoningEffort
	}
	if ov.Verbosity != "" {
		req.Verbosity = ov.Verbosity
	}
	return req
}

func variantLabel(ov Overrides) string {
	if ov.ToolName != "" {
		return ov.ToolName
	}
	return "direct"
}

// Execute calls the backend once with the given tool. A failed call yields
// nil, which callers must read as "no answer", not as a zero-confidence one.
func (b *Builder) Execute(ctx context.Context, p *PreparedRequest, toolName string, ov Overrides) *GeneratedAnswer {
	ov.ToolName = toolName
	start := time.Now()

	resp, err := b.client.Request(ctx, b.request(p, ov))
	if err != nil {
		b.metrics.ObserveBackendCall(variantLabel(ov), "error", time.Since(start))
		b.logger.Error().Err(err).Str("tool", toolName).Msg("backend request failed")
		return nil
	}
	b.metrics.ObserveBackendCall(variantLabel(ov), "ok", time.Since(start))
	return toAnswer(resp)
}

// ExecuteStreaming is Execute over the streaming endpoint; every intermediate
// event is passed to onEvent before the final answer is returned.
func (b *Builder) ExecuteStreaming(ctx context.Context, p *PreparedRequest, ov Overrides, onEvent func(backend.Event)) *GeneratedAnswer {
	start := time.Now()

	resp, err := b.client.RequestStreaming(ctx, b.request(p, ov), onEvent)
	if err != nil {
		b.metrics.ObserveBackendCall(variantLabel(ov)+"_stream", "error", time.Since(start))
		b.logger.Error().Err(err).Str("tool", ov.ToolName).Msg("streaming backend request failed")
		return nil
	}
	b.metrics.ObserveBackendCall(variantLabel(ov)+"_stream", "ok", time.Since(start))
	return toAnswer(resp)
}

func toAnswer(resp *backend.Response) *GeneratedAnswer {
	text, conf, why := StripConfidenceTags(resp.Answer)
	return &GeneratedAnswer{
		Raw:         resp.Answer,
		Text:        text,
		Confidence:  conf,
		Explanation: why,
		ResponseID:  resp.ResponseID,
	}
}
