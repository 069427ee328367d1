package tenant

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/samber/mo"

	"github.com/p-blackswan/knowledge-agent/internal/answer"
	"github.com/p-blackswan/knowledge-agent/internal/backend"
	perrors "github.com/p-blackswan/knowledge-agent/internal/errors"
	"github.com/p-blackswan/knowledge-agent/internal/requestid"
	agentslack "github.com/p-blackswan/knowledge-agent/internal/slack"
)

const (
	statusResearching = "Researching…"
	statusWriting     = "Writing…"
	statusPreliminary = "Quick answer. Still researching, this message will be updated."
	statusAbandoned   = "The question was deleted, so this answer will not be updated."
)

// Response is a final answer ready for delivery.
type Response struct {
	Kind       string
	ChannelID  string
	ThreadTS   string
	QuestionTS string
	// UpdateTS replaces an earlier preliminary or progress message.
	UpdateTS   string
	// Shown is what the UpdateTS message currently says.
	Shown      string
	UserID     string
	Question   string
	Text       string
	IsDM       bool
	ResponseID string
	Confidence mo.Option[int]
	// DeferReaction keeps the processing reaction in place.
	DeferReaction bool
}

// SendResponse delivers resp and runs the follow-up side effects. When the
// question was deleted in the meantime the answer is not sent, an earlier
// progress message loses its status line and the returned ts is empty.
func (a *App) SendResponse(ctx context.Context, resp Response) (string, error) {
	logger := requestid.Logger(ctx, a.logger)

	if !a.dispatcher.CheckMessageExists(ctx, resp.ChannelID, resp.QuestionTS, resp.ThreadTS, agentslack.FailOpen) {
		logger.Info().Str("channel", resp.ChannelID).Str("ts", resp.QuestionTS).Msg("question deleted, skipping response")
		a.metrics.RecordSkip("message_deleted")
		a.abandon(ctx, resp)
		return "", nil
	}

	ts, err := a.dispatcher.Send(ctx, agentslack.Delivery{
		ChannelID: resp.ChannelID,
		ThreadTS:  resp.ThreadTS,
		UpdateTS:  resp.UpdateTS,
		Text:      resp.Text,
		Feedback:  a.dispatcher.FeedbackFor(ctx, resp.Question),
	})
	if err != nil {
		logger.Error().Err(err).Str("channel", resp.ChannelID).Msg("failed to deliver answer")
		return "", err
	}

	a.dispatcher.Complete(ctx, agentslack.Completion{
		Kind:          resp.Kind,
		ChannelID:     resp.ChannelID,
		ThreadTS:      resp.ThreadTS,
		QuestionTS:    resp.QuestionTS,
		AnswerTS:      ts,
		UserID:        resp.UserID,
		Question:      resp.Question,
		Answer:        resp.Text,
		IsDM:          resp.IsDM,
		ResponseID:    resp.ResponseID,
		Confidence:    resp.Confidence,
		DeferReaction: resp.DeferReaction,
	})
	return ts, nil
}

// abandon settles what is already visible for a question that went away.
func (a *App) abandon(ctx context.Context, resp Response) {
	logger := requestid.Logger(ctx, a.logger)
	if resp.UpdateTS != "" {
		if err := a.dispatcher.UpdateProgress(ctx, resp.ChannelID, resp.UpdateTS, resp.Shown, statusAbandoned); err != nil {
			logger.Warn().Err(err).Str("ts", resp.UpdateTS).Msg("failed to settle progress message")
		}
	}
	if !resp.DeferReaction {
		if err := a.dispatcher.RemoveProcessingReaction(ctx, resp.ChannelID, resp.QuestionTS); err != nil {
			logger.Debug().Err(err).Msg("failed to remove processing reaction")
		}
	}
}

// presenter shows pipeline output for one inbound question.
type presenter struct {
	app *App
	in  Inbound

	progressTS      string
	progress        *progress
	preliminaryText string
	preliminaryBody string
}

var _ answer.Presenter = (*presenter)(nil)

func (p *presenter) ShowPreliminary(ctx context.Context, ans *answer.GeneratedAnswer) (string, error) {
	d := p.app.dispatcher
	if !d.CheckMessageExists(ctx, p.in.ChannelID, p.in.TS, p.in.ThreadTS, agentslack.FailOpen) {
		return "", perrors.ErrMessageDeleted
	}
	ts, err := d.PostProgress(ctx, p.in.ChannelID, p.in.replyThread(), ans.UserFacing(), statusPreliminary)
	if err != nil {
		return "", err
	}
	p.preliminaryText = ans.UserFacing()
	p.preliminaryBody = ans.Text
	return ts, nil
}

func (p *presenter) ShowFinal(ctx context.Context, res *answer.Result) error {
	text := res.Text
	updateTS := p.progressTS
	shown := ""
	switch {
	case res.PreliminaryTS != "":
		updateTS = res.PreliminaryTS
		shown = p.preliminaryText
		// The body stays as posted; the confidence line is the judged one.
		if res.Unchanged && res.Answer != nil {
			text = answer.FormatConfidence(p.preliminaryBody, res.Answer.Confidence, res.Answer.Explanation)
		}
	case p.progress != nil:
		shown = p.progress.current()
	}

	resp := Response{
		Kind:       p.in.Kind,
		ChannelID:  p.in.ChannelID,
		ThreadTS:   p.in.replyThread(),
		QuestionTS: p.in.TS,
		UpdateTS:   updateTS,
		Shown:      shown,
		UserID:     p.in.UserID,
		Question:   p.in.Text,
		Text:       text,
		IsDM:       p.in.IsDM,
	}
	if res.Answer != nil {
		resp.ResponseID = res.Answer.ResponseID
		resp.Confidence = res.Answer.Confidence
	}
	_, err := p.app.SendResponse(ctx, resp)
	return err
}

// progress edits the placeholder message as streamed text arrives, at most
// once per interval.
type progress struct {
	ctx       context.Context
	app       *App
	channelID string
	ts        string
	interval  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	text    strings.Builder
	lastRun time.Time
}

func newProgress(ctx context.Context, a *App, channelID, ts string) *progress {
	interval := a.cfg.ProgressInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &progress{ctx: ctx, app: a, channelID: channelID, ts: ts, interval: interval, now: time.Now}
}

// current returns the streamed text received so far.
func (p *progress) current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return withoutConfidenceTag(p.text.String())
}

func (p *progress) onEvent(ev backend.Event) {
	if ev.Type != backend.EventDelta {
		return
	}

	p.mu.Lock()
	p.text.WriteString(ev.Text)
	now := p.now()
	if now.Sub(p.lastRun) < p.interval {
		p.mu.Unlock()
		return
	}
	p.lastRun = now
	text := p.text.String()
	p.mu.Unlock()

	text = withoutConfidenceTag(text)

	if err := p.app.dispatcher.UpdateProgress(p.ctx, p.channelID, p.ts, text, statusWriting); err != nil {
		logger := requestid.Logger(p.ctx, p.app.logger)
		logger.Debug().Err(err).Msg("progress update failed")
	}
}

const confidenceOpen = "<confidence"

// withoutConfidenceTag cuts streamed text at the confidence tag that closes
// the answer, including a tag whose opening is still arriving.
func withoutConfidenceTag(text string) string {
	if i := strings.Index(text, confidenceOpen); i >= 0 {
		return text[:i]
	}
	for n := len(confidenceOpen) - 1; n > 0; n-- {
		if strings.HasSuffix(text, confidenceOpen[:n]) {
			return text[:len(text)-n]
		}
	}
	return text
}
