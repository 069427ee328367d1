package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/samber/mo"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/knowledge-agent/internal/answer"
	"github.com/p-blackswan/knowledge-agent/internal/backend"
	perrors "github.com/p-blackswan/knowledge-agent/internal/errors"
	"github.com/p-blackswan/knowledge-agent/internal/requestid"
)

// AskRunners carries one prepared question through the answer pipeline.
type AskRunners struct {
	app      *App
	in       Inbound
	question answer.Question
	stream   bool
}

// CreateAskAgentRunners prepares in for answering. A thread with a stored
// exchange continues that backend conversation; any other thread sends its
// transcript along instead.
func (a *App) CreateAskAgentRunners(ctx context.Context, in Inbound) *AskRunners {
	logger := requestid.Logger(ctx, a.logger)

	opts := answer.Options{
		Channel: &answer.ChannelContext{ID: in.ChannelID, ThreadTS: in.ThreadTS, IsDM: in.IsDM},
	}
	if !in.IsDM {
		opts.Channel.Name = a.channelName(ctx, in.ChannelID)
	}

	if in.ThreadTS != "" {
		opts.PreviousResponseID = a.previousResponseID(ctx, in.ChannelID, in.ThreadTS)
		if opts.PreviousResponseID == "" {
			tc, err := a.threads.GetThreadContext(ctx, in.ChannelID, in.ThreadTS)
			if err != nil {
				logger.Warn().Err(err).Str("channel", in.ChannelID).Msg("reading thread context failed, answering without it")
			} else {
				opts.ThreadTranscript = tc.Transcript
			}
		}
	}

	audience, err := a.settings.PermissionAudience(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("reading permission audience failed")
	}
	opts.PermissionAudience = audience

	stream, err := a.settings.StreamAnswers(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("reading streaming setting failed")
	}

	msg := answer.Message{Role: answer.RoleUser, UserID: in.UserID, Text: in.Text, Files: in.Files, Timestamp: in.TS}
	prepared := a.builder.Prepare(ctx, msg, in.UserID, opts)

	threadTS := in.ThreadTS
	if threadTS == "" {
		threadTS = in.TS
	}
	return &AskRunners{
		app: a,
		in:  in,
		question: answer.Question{
			Prepared:  prepared,
			ChannelID: in.ChannelID,
			ThreadTS:  threadTS,
			MessageTS: in.TS,
		},
		stream: stream,
	}
}

// Prepared is the request every backend call of this question is built from.
func (r *AskRunners) Prepared() *answer.PreparedRequest { return r.question.Prepared }

// Run answers the question. With streaming on, a placeholder is posted and
// edited as the complete answer arrives; otherwise the fast answer is shown
// first when preliminary answers are enabled.
func (r *AskRunners) Run(ctx context.Context) (*answer.Result, error) {
	a := r.app
	logger := requestid.Logger(ctx, a.logger)

	if err := a.dispatcher.AddProcessingReaction(ctx, r.in.ChannelID, r.in.TS); err != nil {
		logger.Warn().Err(err).Msg("failed to add processing reaction")
		a.metrics.RecordSideEffectFailure("processing_reaction")
	}

	p := &presenter{app: a, in: r.in}
	opts := answer.RunOptions{ShowPreliminary: a.cfg.ShowPreliminary && !r.stream}
	if r.stream {
		ts, err := a.dispatcher.PostProgress(ctx, r.in.ChannelID, r.in.replyThread(), "", statusResearching)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to post progress placeholder, streaming disabled")
		} else {
			p.progressTS = ts
			p.progress = newProgress(ctx, a, r.in.ChannelID, ts)
			opts.OnSlowEvent = p.progress.onEvent
		}
	}

	res, err := a.pipeline.Run(ctx, r.question, p, opts)
	if err != nil {
		if rerr := a.dispatcher.RemoveProcessingReaction(ctx, r.in.ChannelID, r.in.TS); rerr != nil {
			logger.Warn().Err(rerr).Msg("failed to remove processing reaction")
		}
		if errors.Is(err, answer.ErrNoAnswer) {
			a.metrics.RecordSkip("no_answer")
		}
		return nil, err
	}
	return res, nil
}

func (a *App) previousResponseID(ctx context.Context, channelID, threadTS string) string {
	if a.exchanges == nil {
		return ""
	}
	ex, err := a.exchanges.LatestExchange(a.tenantID, channelID, threadTS)
	if err != nil {
		logger := requestid.Logger(ctx, a.logger)
		logger.Warn().Err(err).Str("thread", threadTS).Msg("exchange lookup failed")
		return ""
	}
	if ex == nil {
		return ""
	}
	return ex.ResponseID
}

func (a *App) channelName(ctx context.Context, channelID string) string {
	ch, err := a.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil || ch == nil {
		return ""
	}
	return ch.Name
}

const triagePrompt = `A user posted this message in a Slack channel where you are present but were not mentioned:

%s

Decide whether it is a question you should answer from the company knowledge base. Answer only clear questions that ask for information; skip chatter, announcements and requests aimed at specific people.

Reply with JSON only: {"should_answer": true or false, "reason": "short reason"}`

// TriageDecision is the outcome of a triage call.
type TriageDecision struct {
	ShouldAnswer bool   `json:"should_answer"`
	Reason       string `json:"reason"`
}

// TriageRunners decides whether an un-mentioned message deserves an answer.
type TriageRunners struct {
	app      *App
	prepared *answer.PreparedRequest
}

// CreateTriageRunners prepares a triage call for in.
func (a *App) CreateTriageRunners(ctx context.Context, in Inbound) *TriageRunners {
	msg := answer.Message{Role: answer.RoleUser, UserID: in.UserID, Text: in.Text, Files: in.Files, Timestamp: in.TS}
	prepared := a.builder.Prepare(ctx, msg, in.UserID, answer.Options{
		Channel: &answer.ChannelContext{ID: in.ChannelID},
	})
	return &TriageRunners{app: a, prepared: prepared}
}

// Run makes the triage call. It never bills the tenant.
func (t *TriageRunners) Run(ctx context.Context) (TriageDecision, error) {
	ans := t.app.builder.Execute(ctx, t.prepared, t.app.cfg.TriageToolName, answer.Overrides{
		Prompt:             fmt.Sprintf(triagePrompt, t.prepared.Question),
		DisableTools:       true,
		ReasoningEffort:    backend.ReasoningLow,
		OutputFormat:       backend.OutputFormatJSON,
		NonBillable:        mo.Some(true),
		PreviousResponseID: mo.Some(""),
	})
	if ans == nil {
		return TriageDecision{}, fmt.Errorf("triage call: %w", perrors.ErrUnavailable)
	}

	raw, err := answer.ExtractJSON(ans.Raw)
	if err != nil {
		return TriageDecision{}, fmt.Errorf("triage response: %w", err)
	}
	var d TriageDecision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return TriageDecision{}, fmt.Errorf("decoding triage response: %w", err)
	}
	return d, nil
}
