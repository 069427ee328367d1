package answer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/knowledge-agent/internal/backend"
)

func newTestPipeline(fb *fakeBackend, threads *fakeThreads) (*Pipeline, Question) {
	b := newTestBuilder(fb, nil)
	p := NewPipeline(b, threads, PipelineConfig{FastTool: "ask_fast", SlowTool: "ask_deep"}, nil, zerolog.Nop())
	prepared := b.Prepare(context.Background(), Message{Text: "How do I rotate keys?"}, "U1", Options{})
	return p, Question{Prepared: prepared, ChannelID: "C1", ThreadTS: "100.1", MessageTS: "100.1"}
}

func TestCheckThread_NoNewMessagesReturnsOriginal(t *testing.T) {
	fb := &fakeBackend{respond: func(req *backend.Request) (*backend.Response, error) {
		t.Fatal("backend must not be called")
		return nil, nil
	}}
	p, q := newTestPipeline(fb, &fakeThreads{})

	ans := &GeneratedAnswer{Raw: "Run `vault rotate`.  ", Text: "Run `vault rotate`.  ", ResponseID: "resp_1"}
	got := p.CheckThreadForExistingAnswers(context.Background(), q, ans)
	assert.Same(t, ans, got)
	assert.Equal(t, "Run `vault rotate`.  ", got.Text)
}

func TestCheckThread_OnlyBotMessagesCountAsNone(t *testing.T) {
	fb := &fakeBackend{respond: func(req *backend.Request) (*backend.Response, error) {
		t.Fatal("backend must not be called")
		return nil, nil
	}}
	p, q := newTestPipeline(fb, &fakeThreads{msgs: []Message{
		{Role: RoleAssistant, Text: "Looking into it...", Timestamp: "100.2"},
	}})

	ans := &GeneratedAnswer{Text: "original"}
	assert.Same(t, ans, p.CheckThreadForExistingAnswers(context.Background(), q, ans))
}

func TestCheckThread_AdaptsToNewMessages(t *testing.T) {
	fb := &fakeBackend{respond: func(req *backend.Request) (*backend.Response, error) {
		return &backend.Response{Answer: "Run `vault rotate` (and as Bob noted, restart the pods).", ResponseID: "resp_2"}, nil
	}}
	p, q := newTestPipeline(fb, &fakeThreads{msgs: []Message{
		{Role: RoleUser, UserID: "U2", Text: "you also need to restart the pods", Timestamp: "100.3"},
	}})

	ans := &GeneratedAnswer{Text: "Run `vault rotate`.", Confidence: mo.Some(75), Explanation: "docs", ResponseID: "resp_1"}
	got := p.CheckThreadForExistingAnswers(context.Background(), q, ans)

	assert.Contains(t, got.Text, "restart the pods")
	assert.Equal(t, mo.Some(75), got.Confidence)
	assert.Equal(t, "docs", got.Explanation)
	assert.Equal(t, "resp_2", got.ResponseID)

	req := fb.calls()[0]
	assert.True(t, req.DisableTools)
	assert.True(t, req.NonBillable)
	assert.Equal(t, backend.ReasoningMinimal, req.ReasoningEffort)
	assert.Equal(t, "resp_1", req.PreviousResponseID)
	assert.Contains(t, req.Prompt, "<@U2>: you also need to restart the pods")
}

func TestCheckThread_FailuresKeepOriginal(t *testing.T) {
	failing := &fakeBackend{respond: func(req *backend.Request) (*backend.Response, error) {
		return nil, errors.New("backend down")
	}}
	p, q := newTestPipeline(failing, &fakeThreads{msgs: []Message{{Role: RoleUser, Text: "new"}}})
	ans := &GeneratedAnswer{Text: "original"}
	assert.Same(t, ans, p.CheckThreadForExistingAnswers(context.Background(), q, ans))

	p, q = newTestPipeline(failing, &fakeThreads{err: errors.New("slack down")})
	assert.Same(t, ans, p.CheckThreadForExistingAnswers(context.Background(), q, ans))
}

func judgeWith(t *testing.T, answer string, err error) (*JudgedAnswer, *fakeBackend) {
	t.Helper()
	fb := &fakeBackend{respond: func(req *backend.Request) (*backend.Response, error) {
		if err != nil {
			return nil, err
		}
		return &backend.Response{Answer: answer}, nil
	}}
	p, q := newTestPipeline(fb, &fakeThreads{})
	fast := &GeneratedAnswer{Text: "Fast answer.", Confidence: mo.Some(40), Explanation: "quick look", ResponseID: "resp_fast"}
	slow := &GeneratedAnswer{Text: "Slow, complete answer.", Confidence: mo.Some(88), Explanation: "three sources", ResponseID: "resp_slow"}
	return p.JudgeFastVsSlowAnswer(context.Background(), q, fast, slow, nil), fb
}

func TestJudge_FencedJSON(t *testing.T) {
	raw := "Here you go:\n\n```json\n  {\n    \"judgment\": \"wrong\",\n    \"body\": \"Corrected answer.\",\n    \"confidence\": 91.4,\n    \"confidence_explanation\": \"source of truth\"\n  }\n```\n"
	got, fb := judgeWith(t, raw, nil)

	assert.Equal(t, JudgmentWrong, got.Action)
	assert.Equal(t, "Corrected answer.", got.Body)
	assert.Equal(t, mo.Some(91), got.Confidence)
	assert.Equal(t, "source of truth", got.Explanation)
	assert.Equal(t, "resp_slow", got.ResponseID)

	req := fb.calls()[0]
	assert.Equal(t, backend.OutputFormatJSON, req.OutputFormat)
	assert.True(t, req.DisableTools)
}

func TestJudge_RawJSONWithProse(t *testing.T) {
	got, _ := judgeWith(t, `Sure. {"judgment":"verified","body":"Fast was right.","confidence":"120"} done`, nil)

	assert.Equal(t, JudgmentVerified, got.Action)
	assert.Equal(t, "Fast was right.", got.Body)
	assert.Equal(t, mo.Some(100), got.Confidence)
	assert.Equal(t, "three sources", got.Explanation)
}

func TestJudge_MissingFieldsFallBackToSlow(t *testing.T) {
	got, _ := judgeWith(t, `{"judgment":"no_update"}`, nil)

	assert.Equal(t, JudgmentNoUpdate, got.Action)
	assert.Equal(t, "Slow, complete answer.", got.Body)
	assert.Equal(t, mo.Some(88), got.Confidence)
	assert.Equal(t, "three sources", got.Explanation)
}

func TestJudge_UnknownJudgmentIsAddContext(t *testing.T) {
	got, _ := judgeWith(t, `{"judgment":"maybe","body":"b"}`, nil)
	assert.Equal(t, JudgmentAddContext, got.Action)
	assert.Equal(t, "b", got.Body)
}

func TestJudge_BackendErrorFallsBackToSlow(t *testing.T) {
	got, _ := judgeWith(t, "", errors.New("timeout"))

	assert.Equal(t, JudgmentAddContext, got.Action)
	assert.Equal(t, "Slow, complete answer.", got.Body)
	assert.Equal(t, mo.Some(88), got.Confidence)
}

func TestJudge_GarbageFallsBackToSlow(t *testing.T) {
	got, _ := judgeWith(t, "I cannot decide.", nil)
	assert.Equal(t, JudgmentAddContext, got.Action)
	assert.Equal(t, "Slow, complete answer.", got.Body)
}

func TestJudge_TruncatesAnswers(t *testing.T) {
	fb := &fakeBackend{respond: func(req *backend.Request) (*backend.Response, error) {
		return &backend.Response{Answer: `{"judgment":"add_context","body":"b"}`}, nil
	}}
	p, q := newTestPipeline(fb, &fakeThreads{})
	long := strings.Repeat("x", 5000)

	p.JudgeFastVsSlowAnswer(context.Background(), q, &GeneratedAnswer{Text: long}, &GeneratedAnswer{Text: long}, nil)
	prompt := fb.calls()[0].Prompt
	assert.NotContains(t, prompt, strings.Repeat("x", DefaultJudgeMaxChars+1))
	assert.Contains(t, prompt, strings.Repeat("x", DefaultJudgeMaxChars)+"…")
}

func TestStart_FastAndSlowRunConcurrently(t *testing.T) {
	slowStarted := make(chan struct{})
	fb := &fakeBackend{respond: func(req *backend.Request) (*backend.Response, error) {
		switch req.ToolName {
		case "ask_fast":
			select {
			case <-slowStarted:
			case <-time.After(2 * time.Second):
				return nil, errors.New("slow call never started")
			}
			return &backend.Response{Answer: "fast"}, nil
		default:
			close(slowStarted)
			return &backend.Response{Answer: "slow"}, nil
		}
	}}
	p, q := newTestPipeline(fb, &fakeThreads{})

	race := p.Start(context.Background(), q.Prepared, nil)
	fast := race.Fast(context.Background())
	slow := race.Slow(context.Background())
	require.NotNil(t, fast)
	require.NotNil(t, slow)
	assert.Equal(t, "fast", fast.Text)
	assert.Equal(t, "slow", slow.Text)
}

func TestRun_JudgesAndReplacesPreliminary(t *testing.T) {
	fb := &fakeBackend{respond: func(req *backend.Request) (*backend.Response, error) {
		switch req.ToolName {
		case "ask_fast":
			return &backend.Response{Answer: "fast <confidence><level>50</level><why>guess</why></confidence>", ResponseID: "r_fast"}, nil
		case "ask_deep":
			return &backend.Response{Answer: "slow <confidence><level>80</level><why>docs</why></confidence>", ResponseID: "r_slow"}, nil
		}
		return &backend.Response{Answer: `{"judgment":"add_context","body":"slow with more"}`}, nil
	}}
	p, q := newTestPipeline(fb, &fakeThreads{})
	presenter := &fakePresenter{}

	res, err := p.Run(context.Background(), q, presenter, RunOptions{ShowPreliminary: true})
	require.NoError(t, err)
	require.Len(t, presenter.preliminary, 1)
	assert.Equal(t, "fast", presenter.preliminary[0].Text)
	assert.Same(t, res, presenter.final)
	assert.Equal(t, "200.1", res.PreliminaryTS)
	assert.Equal(t, mo.Some(JudgmentAddContext), res.Judgment)
	assert.Equal(t, "slow with more\n\n_Confidence: 80% - docs_", res.Text)
	assert.Equal(t, "r_slow", res.Answer.ResponseID)
	assert.False(t, res.Unchanged)
}

func TestRun_SlowFailureKeepsFast(t *testing.T) {
	fb := &fakeBackend{respond: func(req *backend.Request) (*backend.Response, error) {
		if req.ToolName == "ask_fast" {
			return &backend.Response{Answer: "fast"}, nil
		}
		return nil, errors.New("deep search failed")
	}}
	p, q := newTestPipeline(fb, &fakeThreads{})
	presenter := &fakePresenter{}

	res, err := p.Run(context.Background(), q, presenter, RunOptions{ShowPreliminary: true})
	require.NoError(t, err)
	assert.True(t, res.Unchanged)
	assert.Equal(t, "fast", res.Text)
	assert.True(t, res.Judgment.IsAbsent())
}

func TestRun_NoAnswer(t *testing.T) {
	fb := &fakeBackend{respond: func(req *backend.Request) (*backend.Response, error) {
		return nil, errors.New("down")
	}}
	p, q := newTestPipeline(fb, &fakeThreads{})
	presenter := &fakePresenter{}

	_, err := p.Run(context.Background(), q, presenter, RunOptions{})
	assert.ErrorIs(t, err, ErrNoAnswer)
	assert.Nil(t, presenter.final)
}
