package answer

import (
	"context"

	"github.com/samber/mo"

	"github.com/p-blackswan/knowledge-agent/internal/backend"
	"github.com/p-blackswan/knowledge-agent/internal/requestid"
)

// Presenter shows answers to the user as the pipeline progresses.
type Presenter interface {
	// ShowPreliminary posts the fast answer and returns its message ts.
	ShowPreliminary(ctx context.Context, ans *GeneratedAnswer) (string, error)
	// ShowFinal delivers the final result.
	ShowFinal(ctx context.Context, res *Result) error
}

// RunOptions control a single pipeline run.
type RunOptions struct {
	ShowPreliminary bool
	OnSlowEvent     func(backend.Event)
}

// Result is the final outcome of a run.
type Result struct {
	Text          string
	Answer        *GeneratedAnswer
	Judgment      mo.Option[Judgment]
	PreliminaryTS string
	// Unchanged means the preliminary message already says everything.
	Unchanged bool
}

// Run drives one question through fast start, slow start, preliminary
// delivery, drift checks, judgment and final delivery, in that order.
func (p *Pipeline) Run(ctx context.Context, q Question, presenter Presenter, opts RunOptions) (*Result, error) {
	logger := requestid.Logger(ctx, p.logger)
	race := p.Start(ctx, q.Prepared, opts.OnSlowEvent)

	fast := race.Fast(ctx)
	var preliminaryTS string
	if fast != nil {
		fast = p.CheckThreadForExistingAnswers(ctx, q, fast)
		if opts.ShowPreliminary {
			ts, err := presenter.ShowPreliminary(ctx, fast)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to show preliminary answer")
			}
			preliminaryTS = ts
		}
	}

	slow := race.Slow(ctx)
	var newMessages []Message
	if slow != nil {
		slow, newMessages = p.checkThread(ctx, q, slow)
	}

	res := &Result{PreliminaryTS: preliminaryTS}
	switch {
	case fast == nil && slow == nil:
		return nil, ErrNoAnswer
	case slow == nil:
		logger.Warn().Msg("complete answer failed, keeping fast answer")
		res.Answer = fast
		res.Text = fast.UserFacing()
		res.Unchanged = preliminaryTS != ""
	case fast == nil:
		res.Answer = slow
		res.Text = slow.UserFacing()
	default:
		judged := p.JudgeFastVsSlowAnswer(ctx, q, fast, slow, newMessages)
		res.Judgment = mo.Some(judged.Action)
		res.Answer = &GeneratedAnswer{
			Raw:         judged.Body,
			Text:        judged.Body,
			Confidence:  judged.Confidence,
			Explanation: judged.Explanation,
			ResponseID:  judged.ResponseID,
		}
		res.Text = judged.UserFacing()
		res.Unchanged = judged.Action == JudgmentNoUpdate && preliminaryTS != ""
	}

	if err := presenter.ShowFinal(ctx, res); err != nil {
		return res, err
	}
	return res, nil
}
