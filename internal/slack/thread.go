package slack

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/knowledge-agent/internal/answer"
)

// ThreadContext is model-ready thread history.
type ThreadContext struct {
	Messages   []answer.Message
	Transcript string
}

// ThreadReader reads thread history for one bot identity.
type ThreadReader struct {
	api       API
	botUserID string
	botID     string
	logger    zerolog.Logger
}

var _ answer.ThreadWatcher = (*ThreadReader)(nil)

// NewThreadReader creates a reader. botUserID and botID identify the agent's
// own messages.
func NewThreadReader(api API, botUserID, botID string, logger zerolog.Logger) *ThreadReader {
	return &ThreadReader{
		api:       api,
		botUserID: botUserID,
		botID:     botID,
		logger:    logger.With().Str("component", "thread_reader").Logger(),
	}
}

// GetThreadContext returns every message in the thread except the last one,
// which is the question being answered. It pages through the whole thread,
// so call it once per question.
func (t *ThreadReader) GetThreadContext(ctx context.Context, channelID, threadTS string) (ThreadContext, error) {
	replies, err := t.replies(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Limit:     200,
	})
	if err != nil {
		return ThreadContext{}, err
	}

	msgs := make([]slack.Message, 0, len(replies))
	for _, m := range replies {
		if m.Text != "" || len(m.Blocks.BlockSet) > 0 {
			msgs = append(msgs, m)
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool { return tsLess(msgs[i].Timestamp, msgs[j].Timestamp) })

	if len(msgs) <= 1 {
		return ThreadContext{}, nil
	}
	msgs = msgs[:len(msgs)-1]

	out := make([]answer.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, t.toMessage(m))
	}
	return ThreadContext{Messages: out, Transcript: answer.Transcript(out)}, nil
}

// NewMessagesSince returns thread replies newer than sinceTS, without the
// agent's own messages.
func (t *ThreadReader) NewMessagesSince(ctx context.Context, channelID, threadTS, sinceTS string) ([]answer.Message, error) {
	replies, err := t.replies(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Oldest:    sinceTS,
		Inclusive: false,
		Limit:     200,
	})
	if err != nil {
		return nil, err
	}

	var out []answer.Message
	for _, m := range replies {
		if !tsLess(sinceTS, m.Timestamp) || t.isOwn(m) {
			continue
		}
		if m.Text == "" && len(m.Blocks.BlockSet) == 0 {
			continue
		}
		out = append(out, t.toMessage(m))
	}
	sort.SliceStable(out, func(i, j int) bool { return tsLess(out[i].Timestamp, out[j].Timestamp) })
	return out, nil
}

func (t *ThreadReader) replies(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, error) {
	var all []slack.Message
	for {
		msgs, hasMore, cursor, err := t.api.GetConversationRepliesContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("conversations.replies %s/%s: %w", params.ChannelID, params.Timestamp, err)
		}
		all = append(all, msgs...)
		if !hasMore || cursor == "" {
			return all, nil
		}
		params.Cursor = cursor
	}
}

func (t *ThreadReader) isOwn(m slack.Message) bool {
	return (t.botUserID != "" && m.User == t.botUserID) || (t.botID != "" && m.BotID == t.botID)
}

func (t *ThreadReader) toMessage(m slack.Message) answer.Message {
	role := answer.RoleUser
	if t.isOwn(m) {
		role = answer.RoleAssistant
	}
	return answer.Message{
		Role:      role,
		UserID:    m.User,
		Text:      MessageText(m),
		Timestamp: m.Timestamp,
	}
}

// tsLess orders Slack timestamps ("seconds.micros") numerically.
func tsLess(a, b string) bool {
	as, af := splitTS(a)
	bs, bf := splitTS(b)
	if as != bs {
		return as < bs
	}
	return af < bf
}

func splitTS(ts string) (int64, int64) {
	secs, frac, _ := strings.Cut(ts, ".")
	s, _ := strconv.ParseInt(secs, 10, 64)
	f, _ := strconv.ParseInt((frac + "000000")[:6], 10, 64)
	return s, f
}
