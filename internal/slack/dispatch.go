package slack

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/mo"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/knowledge-agent/internal/metrics"
	"github.com/p-blackswan/knowledge-agent/internal/requestid"
	"github.com/p-blackswan/knowledge-agent/internal/store"
)

// ProcessingReaction marks a question the agent is working on.
const ProcessingReaction = "hourglass_flowing_sand"

// FeedbackButtonsToken in a question forces feedback buttons on.
const FeedbackButtonsToken = "[feedback-buttons]"

// Feedback reactions added when buttons are off.
var feedbackReactions = []string{"+1", "-1"}

// DispatchSettings is the tenant configuration used during delivery.
type DispatchSettings interface {
	FeedbackButtons(ctx context.Context) (bool, error)
	MirrorQuestionsChannel(ctx context.Context) (string, error)
}

// ExchangeStore persists delivered exchanges.
type ExchangeStore interface {
	SaveExchange(ex *store.Exchange) error
}

// Dispatcher delivers answers into Slack for one tenant.
type Dispatcher struct {
	api      API
	tenantID string
	settings DispatchSettings
	store    ExchangeStore
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewDispatcher creates a Dispatcher. store may be nil.
func NewDispatcher(api API, tenantID string, settings DispatchSettings, st ExchangeStore, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		api:      api,
		tenantID: tenantID,
		settings: settings,
		store:    st,
		metrics:  m,
		logger:   logger.With().Str("component", "dispatcher").Str("tenant", tenantID).Logger(),
	}
}

// CheckMessageExists reports whether the message at messageTS is still there.
// Threaded messages are looked up in the thread, others in a narrow history
// window around their timestamp.
func (d *Dispatcher) CheckMessageExists(ctx context.Context, channelID, messageTS, threadTS string, onErr OnError) bool {
	exists, err := d.messageExists(ctx, channelID, messageTS, threadTS)
	if err != nil {
		d.logger.Warn().Err(err).Str("channel", channelID).Str("ts", messageTS).Str("policy", onErr.String()).
			Msg("message existence check failed")
		return onErr == FailOpen
	}
	return exists
}

func (d *Dispatcher) messageExists(ctx context.Context, channelID, messageTS, threadTS string) (bool, error) {
	var msgs []slack.Message
	if threadTS != "" && threadTS != messageTS {
		replies, _, _, err := d.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
			ChannelID: channelID,
			Timestamp: threadTS,
			Oldest:    messageTS,
			Latest:    messageTS,
			Inclusive: true,
			Limit:     10,
		})
		if err != nil {
			return false, fmt.Errorf("conversations.replies: %w", err)
		}
		msgs = replies
	} else {
		oldest, latest := tsWindow(messageTS)
		resp, err := d.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
			ChannelID: channelID,
			Oldest:    oldest,
			Latest:    latest,
			Inclusive: true,
			Limit:     10,
		})
		if err != nil {
			return false, fmt.Errorf("conversations.history: %w", err)
		}
		msgs = resp.Messages
	}

	for _, m := range msgs {
		if m.Timestamp == messageTS && m.SubType != "tombstone" {
			return true, nil
		}
	}
	return false, nil
}

// tsWindow widens ts by one second on each side to absorb precision loss.
func tsWindow(ts string) (string, string) {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return ts, ts
	}
	return strconv.FormatFloat(f-1, 'f', 6, 64), strconv.FormatFloat(f+1, 'f', 6, 64)
}

// FeedbackMode is how users can rate an answer. The zero value offers no
// rating.
type FeedbackMode int

const (
	FeedbackButtons FeedbackMode = iota + 1
	FeedbackReactions
)

// FeedbackFor picks buttons when the tenant enables them or the question
// carries FeedbackButtonsToken, reactions otherwise.
func (d *Dispatcher) FeedbackFor(ctx context.Context, question string) FeedbackMode {
	if strings.Contains(question, FeedbackButtonsToken) {
		return FeedbackButtons
	}
	on, err := d.settings.FeedbackButtons(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("reading feedback setting failed, using reactions")
	}
	if on {
		return FeedbackButtons
	}
	return FeedbackReactions
}

// Delivery is one message to post or update.
type Delivery struct {
	ChannelID string
	ThreadTS  string
	// UpdateTS replaces that message in place instead of posting.
	UpdateTS string
	Text     string
	Feedback FeedbackMode
}

// Send delivers d as Block Kit, falling back to plain text. It returns the
// message ts. Only a failure of both attempts is returned.
func (d *Dispatcher) Send(ctx context.Context, del Delivery) (string, error) {
	logger := requestid.Logger(ctx, d.logger)
	mode := "post"
	if del.UpdateTS != "" {
		mode = "update"
	}

	text := ToMrkdwn(del.Text)
	rich := []slack.MsgOption{
		slack.MsgOptionBlocks(AnswerBlocks(text, del.Feedback == FeedbackButtons)...),
		slack.MsgOptionText(text, false),
	}
	ts, err := d.deliver(ctx, del, rich)
	if err != nil {
		logger.Warn().Err(err).Str("mode", mode).Msg("rich delivery failed, retrying as plain text")
		ts, err = d.deliver(ctx, del, []slack.MsgOption{slack.MsgOptionText(text, false)})
		if err != nil {
			d.metrics.RecordDelivery(mode, "failed")
			return "", fmt.Errorf("delivering answer: %w", err)
		}
		d.metrics.RecordDelivery(mode, "plain")
	} else {
		d.metrics.RecordDelivery(mode, "rich")
	}

	if del.Feedback == FeedbackReactions {
		for _, r := range feedbackReactions {
			if err := d.react(ctx, r, del.ChannelID, ts, true); err != nil {
				logger.Warn().Err(err).Str("reaction", r).Msg("failed to add feedback reaction")
				d.metrics.RecordSideEffectFailure("feedback_reaction")
			}
		}
	}
	return ts, nil
}

func (d *Dispatcher) deliver(ctx context.Context, del Delivery, opts []slack.MsgOption) (string, error) {
	if del.UpdateTS != "" {
		_, ts, _, err := d.api.UpdateMessageContext(ctx, del.ChannelID, del.UpdateTS, opts...)
		if err != nil {
			return "", err
		}
		if ts == "" {
			ts = del.UpdateTS
		}
		return ts, nil
	}
	if del.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(del.ThreadTS))
	}
	_, ts, err := d.api.PostMessageContext(ctx, del.ChannelID, opts...)
	return ts, err
}

// PostProgress posts text with a status line under it, threaded on threadTS
// when set, and returns the new message ts.
func (d *Dispatcher) PostProgress(ctx context.Context, channelID, threadTS, text, status string) (string, error) {
	text = ToMrkdwn(text)
	if strings.TrimSpace(text) == "" {
		text = "…"
	}
	opts := []slack.MsgOption{
		slack.MsgOptionBlocks(ProgressBlocks(text, status)...),
		slack.MsgOptionText(text, false),
	}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := d.api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return "", fmt.Errorf("posting progress: %w", err)
	}
	return ts, nil
}

// UpdateProgress replaces a message with partial text and a status line.
func (d *Dispatcher) UpdateProgress(ctx context.Context, channelID, ts, text, status string) error {
	text = ToMrkdwn(text)
	if strings.TrimSpace(text) == "" {
		text = "…"
	}
	_, _, _, err := d.api.UpdateMessageContext(ctx, channelID, ts,
		slack.MsgOptionBlocks(ProgressBlocks(text, status)...),
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}
	return nil
}

// AddProcessingReaction marks the question as in progress.
func (d *Dispatcher) AddProcessingReaction(ctx context.Context, channelID, ts string) error {
	return d.react(ctx, ProcessingReaction, channelID, ts, true)
}

// RemoveProcessingReaction clears the in-progress marker.
func (d *Dispatcher) RemoveProcessingReaction(ctx context.Context, channelID, ts string) error {
	return d.react(ctx, ProcessingReaction, channelID, ts, false)
}

func (d *Dispatcher) react(ctx context.Context, name, channelID, ts string, add bool) error {
	item := slack.NewRefToMessage(channelID, ts)
	var err error
	if add {
		err = d.api.AddReactionContext(ctx, name, item)
	} else {
		err = d.api.RemoveReactionContext(ctx, name, item)
	}
	if isSlackError(err, "already_reacted", "no_reaction") {
		return nil
	}
	return err
}

func isSlackError(err error, codes ...string) bool {
	if err == nil {
		return false
	}
	var se slack.SlackErrorResponse
	msg := err.Error()
	if errors.As(err, &se) {
		msg = se.Err
	}
	for _, c := range codes {
		if msg == c {
			return true
		}
	}
	return false
}

// Completion describes a delivered answer for the follow-up side effects.
type Completion struct {
	Kind       string // mention, dm, auto
	ChannelID  string
	ThreadTS   string
	QuestionTS string
	AnswerTS   string
	UserID     string
	Question   string
	Answer     string
	IsDM       bool
	ResponseID string
	Confidence mo.Option[int]
	// DeferReaction keeps the processing reaction for a later final answer.
	DeferReaction bool
}

// Complete runs the post-delivery side effects. Each is independent: one
// failing does not stop the others, and none of them fail the delivery.
func (d *Dispatcher) Complete(ctx context.Context, c Completion) {
	logger := requestid.Logger(ctx, d.logger)

	effects := []struct {
		name string
		run  func() error
	}{
		{"analytics", func() error { return d.recordAnalytics(ctx, logger, c) }},
		{"mirror", func() error { return d.mirror(ctx, c) }},
		{"persist", func() error { return d.persist(c) }},
		{"reaction", func() error {
			if c.DeferReaction {
				return nil
			}
			return d.RemoveProcessingReaction(ctx, c.ChannelID, c.QuestionTS)
		}},
	}

	for _, e := range effects {
		if err := e.run(); err != nil {
			logger.Warn().Err(err).Str("effect", e.name).Msg("side effect failed")
			d.metrics.RecordSideEffectFailure(e.name)
		}
	}
}

func (d *Dispatcher) recordAnalytics(_ context.Context, logger zerolog.Logger, c Completion) error {
	d.metrics.RecordAnswerDelivered(d.tenantID, c.Kind)
	ev := logger.Info().
		Str("kind", c.Kind).
		Str("channel", c.ChannelID).
		Str("user", c.UserID).
		Int("answer_len", len(c.Answer))
	if v, ok := c.Confidence.Get(); ok {
		ev = ev.Int("confidence", v)
	}
	ev.Msg("answer delivered")
	return nil
}

func (d *Dispatcher) mirror(ctx context.Context, c Completion) error {
	target, err := d.settings.MirrorQuestionsChannel(ctx)
	if err != nil {
		return fmt.Errorf("reading mirror channel: %w", err)
	}
	if target == "" || target == c.ChannelID {
		return nil
	}

	var text string
	if c.IsDM {
		text = fmt.Sprintf("<@%s> asked a question in a direct message: _%s_", c.UserID, abbreviate(c.Question, 150))
	} else {
		link, err := d.api.GetPermalinkContext(ctx, &slack.PermalinkParameters{Channel: c.ChannelID, Ts: c.QuestionTS})
		if err != nil {
			link = ""
		}
		text = fmt.Sprintf("*Question* from <@%s> in <#%s>:\n%s\n\n*Answer:*\n%s", c.UserID, c.ChannelID, quote(c.Question), c.Answer)
		if link != "" {
			text += fmt.Sprintf("\n\n<%s|View thread>", link)
		}
	}

	_, _, err = d.api.PostMessageContext(ctx, target,
		slack.MsgOptionBlocks(AnswerBlocks(text, false)...),
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("posting mirror: %w", err)
	}
	return nil
}

func (d *Dispatcher) persist(c Completion) error {
	if d.store == nil {
		return nil
	}
	threadTS := c.ThreadTS
	if threadTS == "" {
		threadTS = c.QuestionTS
	}
	return d.store.SaveExchange(&store.Exchange{
		TenantID:   d.tenantID,
		ChannelID:  c.ChannelID,
		ThreadTS:   threadTS,
		QuestionTS: c.QuestionTS,
		AnswerTS:   c.AnswerTS,
		UserID:     c.UserID,
		Question:   c.Question,
		Answer:     c.Answer,
		ResponseID: c.ResponseID,
		Confidence: c.Confidence,
	})
}

func abbreviate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

func quote(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}
