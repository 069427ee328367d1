// Package tenantconfig exposes typed per-tenant settings on top of the raw
// kvstore. A missing key reads as the zero value.
package tenantconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/p-blackswan/knowledge-agent/pkg/kvstore"
)

// Keys understood by the agent.
const (
	KeySlackBotToken                    = "slack_bot_token"
	KeySlackSigningSecret               = "slack_signing_secret"
	KeyQaAllChannels                    = "qa_all_channels"
	KeyQaAllowedChannels                = "qa_allowed_channels"
	KeyQaDisallowedChannels             = "qa_disallowed_channels"
	KeyQaSkipChannelsWithExternalGuests = "qa_skip_channels_with_external_guests"
	KeyQaSkipMentionsByNonMembers       = "qa_skip_mentions_by_non_members"
	KeyMirrorQuestionsChannel           = "mirror_questions_channel"
	KeyFeedbackButtons                  = "feedback_buttons"
	KeyAutoAnswerChannelMessages        = "auto_answer_channel_messages"
	KeyStreamAnswers                    = "stream_answers"
	KeyPermissionAudience               = "permission_audience"
)

// Credentials are a tenant's Slack app secrets.
type Credentials struct {
	BotToken      string
	SigningSecret string
}

// Manager hands out tenant-bound views over a shared store.
type Manager struct {
	store kvstore.Store
}

// NewManager creates a Manager over store.
func NewManager(store kvstore.Store) *Manager {
	return &Manager{store: store}
}

// For returns the settings view for one tenant.
func (m *Manager) For(tenantID string) *Tenant {
	return &Tenant{id: tenantID, store: m.store}
}

// Tenant reads settings for a single tenant.
type Tenant struct {
	id    string
	store kvstore.Store
}

// ID returns the tenant id.
func (t *Tenant) ID() string { return t.id }

func (t *Tenant) QaAllChannels(ctx context.Context) (bool, error) {
	return t.boolean(ctx, KeyQaAllChannels)
}

func (t *Tenant) QaAllowedChannels(ctx context.Context) ([]string, error) {
	return t.list(ctx, KeyQaAllowedChannels)
}

func (t *Tenant) QaDisallowedChannels(ctx context.Context) ([]string, error) {
	return t.list(ctx, KeyQaDisallowedChannels)
}

func (t *Tenant) QaSkipChannelsWithExternalGuests(ctx context.Context) (bool, error) {
	return t.boolean(ctx, KeyQaSkipChannelsWithExternalGuests)
}

func (t *Tenant) QaSkipMentionsByNonMembers(ctx context.Context) (bool, error) {
	return t.boolean(ctx, KeyQaSkipMentionsByNonMembers)
}

func (t *Tenant) MirrorQuestionsChannel(ctx context.Context) (string, error) {
	return t.str(ctx, KeyMirrorQuestionsChannel)
}

func (t *Tenant) FeedbackButtons(ctx context.Context) (bool, error) {
	return t.boolean(ctx, KeyFeedbackButtons)
}

func (t *Tenant) AutoAnswerChannelMessages(ctx context.Context) (bool, error) {
	return t.boolean(ctx, KeyAutoAnswerChannelMessages)
}

func (t *Tenant) StreamAnswers(ctx context.Context) (bool, error) {
	return t.boolean(ctx, KeyStreamAnswers)
}

func (t *Tenant) PermissionAudience(ctx context.Context) (string, error) {
	return t.str(ctx, KeyPermissionAudience)
}

// SlackCredentials returns the tenant's bot token and signing secret. Missing
// values come back empty; deciding whether that is fatal is the caller's job.
func (t *Tenant) SlackCredentials(ctx context.Context) (Credentials, error) {
	token, err := t.str(ctx, KeySlackBotToken)
	if err != nil {
		return Credentials{}, err
	}
	secret, err := t.str(ctx, KeySlackSigningSecret)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{BotToken: token, SigningSecret: secret}, nil
}

func (t *Tenant) str(ctx context.Context, key string) (string, error) {
	v, err := t.store.Get(ctx, t.id, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s for tenant %s: %w", key, t.id, err)
	}
	return strings.TrimSpace(v), nil
}

func (t *Tenant) boolean(ctx context.Context, key string) (bool, error) {
	v, err := t.str(ctx, key)
	if err != nil || v == "" {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("tenant %s key %s: %w", t.id, key, err)
	}
	return b, nil
}

func (t *Tenant) list(ctx context.Context, key string) ([]string, error) {
	v, err := t.str(ctx, key)
	if err != nil || v == "" {
		return nil, err
	}
	return ParseList(v)
}

// ParseList accepts a JSON array of strings or a comma-separated list.
func ParseList(v string) ([]string, error) {
	v = strings.TrimSpace(v)
	var raw []string
	if strings.HasPrefix(v, "[") {
		if err := json.Unmarshal([]byte(v), &raw); err != nil {
			return nil, fmt.Errorf("parsing list: %w", err)
		}
	} else {
		raw = strings.Split(v, ",")
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}
