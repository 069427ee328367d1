// Package slack wraps the Slack Web API for one tenant: channel and member
// policy checks, thread reading and answer delivery.
package slack

import (
	"context"

	"github.com/slack-go/slack"

	"github.com/p-blackswan/knowledge-agent/internal/retry"
)

// API is the subset of the Slack Web API the agent uses. *slack.Client
// satisfies it.
type API interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
	GetConversationInfoContext(ctx context.Context, input *slack.GetConversationInfoInput) (*slack.Channel, error)
	GetUsersInConversationContext(ctx context.Context, params *slack.GetUsersInConversationParameters) ([]string, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	GetPermalinkContext(ctx context.Context, params *slack.PermalinkParameters) (string, error)
}

var _ API = (*slack.Client)(nil)

// RetryingAPI retries transient Slack failures within a small budget. A
// rate-limit response asking for a longer wait than the budget allows is
// returned to the caller immediately.
type RetryingAPI struct {
	api API
	cfg retry.Config
}

var _ API = (*RetryingAPI)(nil)

// NewRetryingAPI wraps api with the given retry budget.
func NewRetryingAPI(api API, cfg retry.Config) *RetryingAPI {
	return &RetryingAPI{api: api, cfg: cfg}
}

func (r *RetryingAPI) AuthTestContext(ctx context.Context) (resp *slack.AuthTestResponse, err error) {
	err = retry.Do(ctx, r.cfg, func(ctx context.Context) error {
		resp, err = r.api.AuthTestContext(ctx)
		return err
	})
	return resp, err
}

func (r *RetryingAPI) GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) (channels []slack.Channel, cursor string, err error) {
	err = retry.Do(ctx, r.cfg, func(ctx context.Context) error {
		channels, cursor, err = r.api.GetConversationsContext(ctx, params)
		return err
	})
	return channels, cursor, err
}

func (r *RetryingAPI) GetConversationInfoContext(ctx context.Context, input *slack.GetConversationInfoInput) (ch *slack.Channel, err error) {
	err = retry.Do(ctx, r.cfg, func(ctx context.Context) error {
		ch, err = r.api.GetConversationInfoContext(ctx, input)
		return err
	})
	return ch, err
}

func (r *RetryingAPI) GetUsersInConversationContext(ctx context.Context, params *slack.GetUsersInConversationParameters) (members []string, cursor string, err error) {
	err = retry.Do(ctx, r.cfg, func(ctx context.Context) error {
		members, cursor, err = r.api.GetUsersInConversationContext(ctx, params)
		return err
	})
	return members, cursor, err
}

func (r *RetryingAPI) GetUserInfoContext(ctx context.Context, user string) (u *slack.User, err error) {
	err = retry.Do(ctx, r.cfg, func(ctx context.Context) error {
		u, err = r.api.GetUserInfoContext(ctx, user)
		return err
	})
	return u, err
}

func (r *RetryingAPI) GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) (msgs []slack.Message, hasMore bool, cursor string, err error) {
	err = retry.Do(ctx, r.cfg, func(ctx context.Context) error {
		msgs, hasMore, cursor, err = r.api.GetConversationRepliesContext(ctx, params)
		return err
	})
	return msgs, hasMore, cursor, err
}

func (r *RetryingAPI) GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (resp *slack.GetConversationHistoryResponse, err error) {
	err = retry.Do(ctx, r.cfg, func(ctx context.Context) error {
		resp, err = r.api.GetConversationHistoryContext(ctx, params)
		return err
	})
	return resp, err
}

func (r *RetryingAPI) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (ch string, ts string, err error) {
	err = retry.Do(ctx, r.cfg, func(ctx context.Context) error {
		ch, ts, err = r.api.PostMessageContext(ctx, channelID, options...)
		return err
	})
	return ch, ts, err
}

func (r *RetryingAPI) UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (ch string, ts string, text string, err error) {
	err = retry.Do(ctx, r.cfg, func(ctx context.Context) error {
		ch, ts, text, err = r.api.UpdateMessageContext(ctx, channelID, timestamp, options...)
		return err
	})
	return ch, ts, text, err
}

func (r *RetryingAPI) AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error {
	return retry.Do(ctx, r.cfg, func(ctx context.Context) error {
		return r.api.AddReactionContext(ctx, name, item)
	})
}

func (r *RetryingAPI) RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error {
	return retry.Do(ctx, r.cfg, func(ctx context.Context) error {
		return r.api.RemoveReactionContext(ctx, name, item)
	})
}

func (r *RetryingAPI) GetPermalinkContext(ctx context.Context, params *slack.PermalinkParameters) (link string, err error) {
	err = retry.Do(ctx, r.cfg, func(ctx context.Context) error {
		link, err = r.api.GetPermalinkContext(ctx, params)
		return err
	})
	return link, err
}
