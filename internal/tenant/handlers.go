package tenant

import (
	"context"
	"errors"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/p-blackswan/knowledge-agent/internal/answer"
	"github.com/p-blackswan/knowledge-agent/internal/backend"
	"github.com/p-blackswan/knowledge-agent/internal/requestid"
	agentslack "github.com/p-blackswan/knowledge-agent/internal/slack"
)

// Inbound kinds, also used as the analytics kind of the delivered answer.
const (
	KindMention = "mention"
	KindDM      = "dm"
	KindAuto    = "auto"
)

// Inbound is a question the app has decided to look at.
type Inbound struct {
	Kind      string
	ChannelID string
	UserID    string
	Text      string
	TS        string
	ThreadTS  string
	Files     []backend.File
	IsDM      bool
}

// replyThread is where answers to in are posted.
func (in Inbound) replyThread() string {
	if in.ThreadTS != "" {
		return in.ThreadTS
	}
	if in.IsDM {
		return ""
	}
	return in.TS
}

// HandleCallbackEvent routes an Events API inner event. It blocks until the
// question, if any, has been answered.
func (a *App) HandleCallbackEvent(ctx context.Context, inner slackevents.EventsAPIInnerEvent) {
	switch ev := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		a.HandleMention(ctx, ev)
	case *slackevents.MessageEvent:
		if ev.ChannelType == "im" {
			a.HandleDirectMessage(ctx, ev)
			return
		}
		a.HandleChannelMessage(ctx, ev)
	default:
		a.logger.Debug().Str("inner_type", inner.Type).Msg("unhandled callback event type")
	}
}

// HandleMention answers an @-mention of the bot.
func (a *App) HandleMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	if ev.User == "" || ev.User == a.botUserID || (ev.BotID != "" && ev.BotID == a.botID) {
		return
	}
	ctx, _ = requestid.New(ctx)
	logger := requestid.Logger(ctx, a.logger)
	logger.Info().Str("user", ev.User).Str("channel", ev.Channel).Msg("app mention received")

	if !a.resolver.ShouldProcessMentionFromUser(ctx, ev.User, ev.Channel) {
		logger.Info().Str("user", ev.User).Msg("skipping mention from non-member")
		a.metrics.RecordSkip("non_member")
		return
	}

	a.answer(ctx, Inbound{
		Kind:      KindMention,
		ChannelID: ev.Channel,
		UserID:    ev.User,
		Text:      a.stripMention(ev.Text),
		TS:        ev.TimeStamp,
		ThreadTS:  ev.ThreadTimeStamp,
	})
}

// HandleDirectMessage answers a message sent to the bot in a DM.
func (a *App) HandleDirectMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if !a.isHumanMessage(ev) {
		return
	}
	ctx, _ = requestid.New(ctx)
	logger := requestid.Logger(ctx, a.logger)
	logger.Info().Str("user", ev.User).Msg("direct message received")

	a.answer(ctx, Inbound{
		Kind:      KindDM,
		ChannelID: ev.Channel,
		UserID:    ev.User,
		Text:      a.stripMention(ev.Text),
		TS:        ev.TimeStamp,
		ThreadTS:  ev.ThreadTimeStamp,
		Files:     eventFiles(ev.Files),
		IsDM:      true,
	})
}

// HandleChannelMessage considers an un-mentioned channel message for an
// automatic answer. Messages that mention the bot are left to HandleMention.
func (a *App) HandleChannelMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if !a.isHumanMessage(ev) || ev.ThreadTimeStamp != "" {
		return
	}
	if strings.Contains(ev.Text, "<@"+a.botUserID+">") {
		return
	}

	enabled, err := a.settings.AutoAnswerChannelMessages(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("reading auto-answer setting failed")
		return
	}
	if !enabled {
		return
	}

	ctx, _ = requestid.New(ctx)
	logger := requestid.Logger(ctx, a.logger)
	if !a.resolver.ShouldProcessChannel(ctx, ev.Channel) {
		a.metrics.RecordSkip("channel_policy")
		return
	}

	in := Inbound{
		Kind:      KindAuto,
		ChannelID: ev.Channel,
		UserID:    ev.User,
		Text:      ev.Text,
		TS:        ev.TimeStamp,
		Files:     eventFiles(ev.Files),
	}
	decision, err := a.CreateTriageRunners(ctx, in).Run(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("triage failed, not answering")
		a.metrics.RecordSkip("triage_failed")
		return
	}
	if !decision.ShouldAnswer {
		logger.Info().Str("reason", decision.Reason).Msg("triage declined channel message")
		a.metrics.RecordSkip("triage_declined")
		return
	}
	a.answer(ctx, in)
}

func (a *App) answer(ctx context.Context, in Inbound) {
	logger := requestid.Logger(ctx, a.logger)
	if strings.TrimSpace(in.Text) == "" && len(in.Files) == 0 {
		a.metrics.RecordSkip("empty")
		return
	}

	runners := a.CreateAskAgentRunners(ctx, in)
	if _, err := runners.Run(ctx); err != nil {
		if errors.Is(err, answer.ErrNoAnswer) {
			logger.Warn().Str("channel", in.ChannelID).Msg("no answer produced")
			return
		}
		logger.Error().Err(err).Str("channel", in.ChannelID).Msg("answering failed")
	}
}

// HandleInteraction records feedback button clicks.
func (a *App) HandleInteraction(ctx context.Context, cb slack.InteractionCallback) {
	if cb.Type != slack.InteractionTypeBlockActions {
		return
	}
	for _, action := range cb.ActionCallback.BlockActions {
		var value string
		switch action.ActionID {
		case agentslack.ActionFeedbackUp:
			value = "up"
		case agentslack.ActionFeedbackDn:
			value = "down"
		default:
			continue
		}
		a.logger.Info().
			Str("user", cb.User.ID).
			Str("channel", cb.Channel.ID).
			Str("message_ts", cb.Message.Timestamp).
			Str("value", value).
			Msg("answer feedback received")
		a.metrics.RecordFeedback(a.tenantID, value)
	}
}

func (a *App) isHumanMessage(ev *slackevents.MessageEvent) bool {
	if ev.User == "" || ev.User == a.botUserID || ev.BotID != "" {
		return false
	}
	// Edits, deletions and joins arrive as subtypes; file shares are questions.
	return ev.SubType == "" || ev.SubType == "file_share"
}

func (a *App) stripMention(text string) string {
	if a.botUserID != "" {
		text = strings.ReplaceAll(text, "<@"+a.botUserID+">", "")
	}
	return strings.TrimSpace(text)
}

func eventFiles(files []slackevents.File) []backend.File {
	if len(files) == 0 {
		return nil
	}
	out := make([]backend.File, 0, len(files))
	for _, f := range files {
		out = append(out, backend.File{Name: f.Name, MimeType: f.Mimetype, URL: f.URLPrivate})
	}
	return out
}
