package slack

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/knowledge-agent/internal/lru"
)

const (
	memberCacheSize = 5000
	memberCacheTTL  = 15 * time.Minute
	guestCacheSize  = 1000
	guestCacheTTL   = 5 * time.Minute
)

// OnError says what a lookup reports when Slack cannot answer.
type OnError int

const (
	// FailOpen lets processing continue when the lookup fails.
	FailOpen OnError = iota
	// FailClosed blocks processing when the lookup fails.
	FailClosed
)

func (o OnError) String() string {
	if o == FailClosed {
		return "fail_closed"
	}
	return "fail_open"
}

// Channel names are lower-case in Slack, so an upper-case C-prefixed token is an id.
var channelIDRe = regexp.MustCompile(`^C[A-Z0-9]+$`)

var channelLinkRe = regexp.MustCompile(`^<#(C[A-Z0-9]+)(?:\|[^>]*)?>$`)

// ChannelPolicy is the tenant configuration the resolver consults.
type ChannelPolicy interface {
	QaAllChannels(ctx context.Context) (bool, error)
	QaAllowedChannels(ctx context.Context) ([]string, error)
	QaDisallowedChannels(ctx context.Context) ([]string, error)
	QaSkipChannelsWithExternalGuests(ctx context.Context) (bool, error)
	QaSkipMentionsByNonMembers(ctx context.Context) (bool, error)
}

// ChannelResolver maps channel references to ids and decides which channels
// and users the agent serves.
//
// The name cache lives as long as the resolver and is never evicted; it grows
// with the workspace's channel count. Concurrent misses for the same name each
// fetch and the last write wins. Membership verdicts per user and external
// guest verdicts per channel are kept for a few minutes; failed lookups are
// never cached.
type ChannelResolver struct {
	api          API
	policy       ChannelPolicy
	teamID       string
	enterpriseID string
	logger       zerolog.Logger

	mu    sync.RWMutex
	cache map[string]string

	members *lru.Cache[string, bool]
	guests  *lru.Cache[string, bool]
}

// NewChannelResolver creates a resolver for the workspace identified by teamID.
func NewChannelResolver(api API, policy ChannelPolicy, teamID, enterpriseID string, logger zerolog.Logger) *ChannelResolver {
	return &ChannelResolver{
		api:          api,
		policy:       policy,
		teamID:       teamID,
		enterpriseID: enterpriseID,
		logger:       logger.With().Str("component", "channel_resolver").Logger(),
		cache:        make(map[string]string),
		members:      lru.New[string, bool](memberCacheSize, memberCacheTTL),
		guests:       lru.New[string, bool](guestCacheSize, guestCacheTTL),
	}
}

// ResolveChannelReference turns an id, "#name", "name" or "<#C123|name>" into
// a channel id. ok is false when nothing matches, which callers treat as
// "does not apply".
func (r *ChannelResolver) ResolveChannelReference(ctx context.Context, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if m := channelLinkRe.FindStringSubmatch(ref); m != nil {
		return m[1], true
	}
	name := strings.TrimPrefix(ref, "#")
	if name == "" {
		return "", false
	}
	if channelIDRe.MatchString(name) {
		return name, true
	}

	r.mu.RLock()
	id, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return id, true
	}

	id, err := r.findChannelByName(ctx, name)
	if err != nil {
		r.logger.Warn().Err(err).Str("ref", ref).Msg("channel lookup failed")
		return "", false
	}
	if id == "" {
		r.logger.Debug().Str("ref", ref).Msg("channel reference did not resolve")
		return "", false
	}

	r.mu.Lock()
	r.cache[name] = id
	r.mu.Unlock()
	return id, true
}

func (r *ChannelResolver) findChannelByName(ctx context.Context, name string) (string, error) {
	params := &slack.GetConversationsParameters{
		ExcludeArchived: true,
		Types:           []string{"public_channel", "private_channel"},
		Limit:           1000,
	}
	for {
		channels, cursor, err := r.api.GetConversationsContext(ctx, params)
		if err != nil {
			return "", fmt.Errorf("listing conversations: %w", err)
		}
		for _, ch := range channels {
			if ch.Name == name {
				return ch.ID, nil
			}
		}
		if cursor == "" {
			return "", nil
		}
		params.Cursor = cursor
	}
}

// ShouldProcessChannel applies the tenant's channel policy. The disallow list
// and the external-guest skip take precedence over any allow rule. A policy
// that cannot be read skips the channel.
func (r *ChannelResolver) ShouldProcessChannel(ctx context.Context, channelID string) bool {
	logger := r.logger.With().Str("channel", channelID).Logger()

	allChannels, err := r.policy.QaAllChannels(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("reading channel policy failed, skipping channel")
		return false
	}

	disallowed, err := r.policy.QaDisallowedChannels(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("reading disallowed channels failed, skipping channel")
		return false
	}
	if r.matchesAny(ctx, channelID, disallowed) {
		logger.Debug().Msg("channel is disallowed")
		return false
	}

	if !allChannels {
		allowed, err := r.policy.QaAllowedChannels(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("reading allowed channels failed, skipping channel")
			return false
		}
		if !r.matchesAny(ctx, channelID, allowed) {
			logger.Debug().Msg("channel not in allow list")
			return false
		}
	}

	skipGuests, err := r.policy.QaSkipChannelsWithExternalGuests(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("reading external guest policy failed, skipping channel")
		return false
	}
	if skipGuests && r.ChannelHasExternalGuests(ctx, channelID, FailOpen) {
		logger.Info().Msg("channel has external guests, skipping")
		return false
	}
	return true
}

func (r *ChannelResolver) matchesAny(ctx context.Context, channelID string, refs []string) bool {
	for _, ref := range refs {
		if ref == channelID {
			return true
		}
		if id, ok := r.ResolveChannelReference(ctx, ref); ok && id == channelID {
			return true
		}
	}
	return false
}

// IsFullSlackMember reports whether userID is a bot or a regular member of
// this workspace, as opposed to a guest, stranger or Slack Connect user.
func (r *ChannelResolver) IsFullSlackMember(ctx context.Context, userID string, onErr OnError) bool {
	full, err := r.fullMember(ctx, userID)
	if err != nil {
		r.logger.Warn().Err(err).Str("user", userID).Str("policy", onErr.String()).Msg("member lookup failed")
		return onErr == FailOpen
	}
	return full
}

func (r *ChannelResolver) fullMember(ctx context.Context, userID string) (bool, error) {
	if full, ok := r.members.Get(userID); ok {
		return full, nil
	}
	user, err := r.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("users.info %s: %w", userID, err)
	}
	full := r.classify(user)
	r.members.Put(userID, full)
	return full, nil
}

func (r *ChannelResolver) classify(user *slack.User) bool {
	if user.IsBot {
		return true
	}
	if user.IsRestricted || user.IsUltraRestricted || user.IsStranger {
		return false
	}
	return !r.crossWorkspace(user)
}

func (r *ChannelResolver) crossWorkspace(user *slack.User) bool {
	if r.teamID == "" || user.TeamID == "" || user.TeamID == r.teamID {
		return false
	}
	// Workspaces in the same Enterprise Grid org are not external.
	return r.enterpriseID == "" || user.Enterprise.EnterpriseID != r.enterpriseID
}

// ChannelHasExternalGuests reports whether the channel is Slack Connect
// shared or has any member who is not a full member.
func (r *ChannelResolver) ChannelHasExternalGuests(ctx context.Context, channelID string, onErr OnError) bool {
	has, err := r.externalGuests(ctx, channelID)
	if err != nil {
		r.logger.Warn().Err(err).Str("channel", channelID).Str("policy", onErr.String()).Msg("external guest lookup failed")
		return onErr == FailClosed
	}
	return has
}

func (r *ChannelResolver) externalGuests(ctx context.Context, channelID string) (bool, error) {
	if has, ok := r.guests.Get(channelID); ok {
		return has, nil
	}
	has, err := r.scanForGuests(ctx, channelID)
	if err != nil {
		return false, err
	}
	r.guests.Put(channelID, has)
	return has, nil
}

// scanForGuests looks at every member until it finds one who is not a full
// member. A failed member lookup does not stop the scan: a guest found later
// still decides the answer, and the error is returned only when nobody was.
func (r *ChannelResolver) scanForGuests(ctx context.Context, channelID string) (bool, error) {
	info, err := r.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		return false, fmt.Errorf("conversations.info %s: %w", channelID, err)
	}
	if info.IsExtShared {
		return true, nil
	}

	var lookupErr error
	params := &slack.GetUsersInConversationParameters{ChannelID: channelID, Limit: 1000}
	for {
		members, cursor, err := r.api.GetUsersInConversationContext(ctx, params)
		if err != nil {
			return false, fmt.Errorf("conversations.members %s: %w", channelID, err)
		}
		for _, m := range members {
			full, err := r.fullMember(ctx, m)
			if err != nil {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				if lookupErr == nil {
					lookupErr = err
				}
				continue
			}
			if !full {
				return true, nil
			}
		}
		if cursor == "" {
			return false, lookupErr
		}
		params.Cursor = cursor
	}
}

// ShouldProcessMentionFromUser gates mentions when the tenant only serves
// full members. Member lookups fail closed.
func (r *ChannelResolver) ShouldProcessMentionFromUser(ctx context.Context, userID, channelID string) bool {
	skip, err := r.policy.QaSkipMentionsByNonMembers(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Str("user", userID).Msg("reading member policy failed, checking membership")
		skip = true
	}
	if !skip {
		return true
	}
	if !r.IsFullSlackMember(ctx, userID, FailClosed) {
		r.logger.Info().Str("user", userID).Str("channel", channelID).Msg("ignoring mention from non-member")
		return false
	}
	return true
}
