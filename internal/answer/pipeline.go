package answer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/samber/mo"

	"github.com/p-blackswan/knowledge-agent/internal/backend"
	"github.com/p-blackswan/knowledge-agent/internal/metrics"
	"github.com/p-blackswan/knowledge-agent/internal/requestid"
)

// ErrNoAnswer means neither the fast nor the slow call produced an answer.
var ErrNoAnswer = errors.New("no answer produced")

// DefaultJudgeMaxChars bounds each answer shown to the judge.
const DefaultJudgeMaxChars = 3500

// ThreadWatcher reports thread activity after a question was asked.
type ThreadWatcher interface {
	// NewMessagesSince returns replies in the thread newer than sinceTS,
	// excluding the bot's own messages.
	NewMessagesSince(ctx context.Context, channelID, threadTS, sinceTS string) ([]Message, error)
}

// PipelineConfig names the backend tools used by the pipeline.
type PipelineConfig struct {
	FastTool      string
	SlowTool      string
	JudgeMaxChars int
}

// Pipeline produces the final answer for one question.
type Pipeline struct {
	builder *Builder
	threads ThreadWatcher
	cfg     PipelineConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(builder *Builder, threads ThreadWatcher, cfg PipelineConfig, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	if cfg.JudgeMaxChars <= 0 {
		cfg.JudgeMaxChars = DefaultJudgeMaxChars
	}
	return &Pipeline{
		builder: builder,
		threads: threads,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "answer_pipeline").Logger(),
	}
}

// Question locates a prepared question in Slack.
type Question struct {
	Prepared  *PreparedRequest
	ChannelID string
	ThreadTS  string
	MessageTS string
}

type pending struct {
	done chan struct{}
	ans  *GeneratedAnswer
}

func (p *pending) wait(ctx context.Context) *GeneratedAnswer {
	select {
	case <-p.done:
		return p.ans
	case <-ctx.Done():
		return nil
	}
}

// Race holds the in-flight fast and slow calls for one question.
type Race struct {
	fast *pending
	slow *pending
}

// Fast blocks until the fast call finishes. Nil means it failed.
func (r *Race) Fast(ctx context.Context) *GeneratedAnswer { return r.fast.wait(ctx) }

// Slow blocks until the slow call finishes. Nil means it failed.
func (r *Race) Slow(ctx context.Context) *GeneratedAnswer { return r.slow.wait(ctx) }

// Start launches the fast and slow calls without either waiting on the other.
// With onSlowEvent set the slow call streams.
func (p *Pipeline) Start(ctx context.Context, prepared *PreparedRequest, onSlowEvent func(backend.Event)) *Race {
	r := &Race{
		fast: &pending{done: make(chan struct{})},
		slow: &pending{done: make(chan struct{})},
	}

	go func() {
		defer close(r.fast.done)
		r.fast.ans = p.builder.Execute(ctx, prepared, p.cfg.FastTool, Overrides{})
	}()

	go func() {
		defer close(r.slow.done)
		if onSlowEvent != nil {
			r.slow.ans = p.builder.ExecuteStreaming(ctx, prepared, Overrides{ToolName: p.cfg.SlowTool}, onSlowEvent)
			return
		}
		r.slow.ans = p.builder.Execute(ctx, prepared, p.cfg.SlowTool, Overrides{})
	}()

	return r
}

const driftPrompt = `While you were working on your answer, these new messages were posted in the thread:

%s

Your answer was:

%s

Lightly edit your answer so it acknowledges only the new messages that are genuinely relevant to the question, for example a correction or extra detail from the asker. Do not force acknowledgment of unrelated chatter. If none of the new messages matter, return your answer unchanged. Reply with the answer text only.`

// CheckThreadForExistingAnswers adapts ans to messages posted in the thread
// after the question. With no new human messages ans is returned as is. Any
// failure returns ans unchanged.
func (p *Pipeline) CheckThreadForExistingAnswers(ctx context.Context, q Question, ans *GeneratedAnswer) *GeneratedAnswer {
	adapted, _ := p.checkThread(ctx, q, ans)
	return adapted
}

func (p *Pipeline) checkThread(ctx context.Context, q Question, ans *GeneratedAnswer) (*GeneratedAnswer, []Message) {
	logger := requestid.Logger(ctx, p.logger)
	if ans == nil {
		return nil, nil
	}

	msgs, err := p.threads.NewMessagesSince(ctx, q.ChannelID, q.ThreadTS, q.MessageTS)
	if err != nil {
		logger.Warn().Err(err).Str("channel", q.ChannelID).Msg("thread drift lookup failed, keeping answer")
		p.metrics.RecordThreadDrift("fallback")
		return ans, nil
	}
	msgs = humanMessages(msgs)
	if len(msgs) == 0 {
		p.metrics.RecordThreadDrift("unchanged")
		return ans, nil
	}

	prompt := fmt.Sprintf(driftPrompt, Transcript(msgs), ans.Text)
	prev := ans.ResponseID
	if prev == "" {
		prev = q.Prepared.PreviousResponseID
	}

	edited := p.builder.Execute(ctx, q.Prepared, "", Overrides{
		Prompt:             prompt,
		DisableTools:       true,
		ReasoningEffort:    backend.ReasoningMinimal,
		NonBillable:        mo.Some(true),
		PreviousResponseID: mo.Some(prev),
	})
	if edited == nil || strings.TrimSpace(edited.Text) == "" {
		logger.Warn().Int("new_messages", len(msgs)).Msg("thread drift adaptation failed, keeping answer")
		p.metrics.RecordThreadDrift("fallback")
		return ans, msgs
	}

	p.metrics.RecordThreadDrift("adapted")
	logger.Info().Int("new_messages", len(msgs)).Msg("answer adapted to new thread messages")

	respID := edited.ResponseID
	if respID == "" {
		respID = ans.ResponseID
	}
	// Confidence from an adaptation call is discarded; the original stands.
	return &GeneratedAnswer{
		Raw:         edited.Text,
		Text:        edited.Text,
		Confidence:  ans.Confidence,
		Explanation: ans.Explanation,
		ResponseID:  respID,
	}, msgs
}

const judgePrompt = `Two answers were produced for the same question. The FAST answer was already shown to the user. The COMPLETE answer came from a deeper search.

Question:
%s

FAST answer:
%s

COMPLETE answer:
%s
%s
Classify the outcome as exactly one judgment:
- "verified": the fast answer was right. Body is a tight version confirming it.
- "add_context": the complete answer adds meaningfully more. Body is the improved answer.
- "wrong": the fast answer was incorrect. Body is the corrected answer and says what changed.
- "no_update": the answers are essentially identical. Body repeats the fast answer.

Respond with a single JSON object and nothing else:
{"judgment": "...", "body": "...", "confidence": 0-100, "confidence_explanation": "..."}`

type judgeResponse struct {
	Judgment              string          `json:"judgment"`
	Body                  string          `json:"body"`
	Confidence            json.RawMessage `json:"confidence"`
	ConfidenceExplanation string          `json:"confidence_explanation"`
}

// JudgeFastVsSlowAnswer reconciles the two answers. It never fails: any
// problem yields add_context with the slow answer.
func (p *Pipeline) JudgeFastVsSlowAnswer(ctx context.Context, q Question, fast, slow *GeneratedAnswer, newMessages []Message) *JudgedAnswer {
	logger := requestid.Logger(ctx, p.logger)

	if slow == nil {
		if fast == nil {
			return nil
		}
		return &JudgedAnswer{Action: JudgmentVerified, Body: fast.Text, Confidence: fast.Confidence, Explanation: fast.Explanation, ResponseID: fast.ResponseID}
	}

	fallback := &JudgedAnswer{
		Action:      JudgmentAddContext,
		Body:        slow.Text,
		Confidence:  slow.Confidence,
		Explanation: slow.Explanation,
		ResponseID:  slow.ResponseID,
	}
	if fast == nil {
		return fallback
	}

	activity := ""
	if len(newMessages) > 0 {
		activity = "\nNew messages posted in the thread meanwhile:\n" + Transcript(newMessages) + "\n"
	}
	prompt := fmt.Sprintf(judgePrompt,
		q.Prepared.Question,
		truncate(fast.Text, p.cfg.JudgeMaxChars),
		truncate(slow.Text, p.cfg.JudgeMaxChars),
		activity,
	)

	resp := p.builder.Execute(ctx, q.Prepared, "", Overrides{
		Prompt:             prompt,
		DisableTools:       true,
		ReasoningEffort:    backend.ReasoningLow,
		OutputFormat:       backend.OutputFormatJSON,
		NonBillable:        mo.Some(true),
		PreviousResponseID: mo.Some(""),
	})
	if resp == nil {
		p.metrics.RecordJudgment("fallback")
		return fallback
	}

	parsed, err := parseJudgeResponse(resp.Raw)
	if err != nil {
		logger.Warn().Err(err).Msg("unparseable judge response, using complete answer")
		p.metrics.RecordJudgment("fallback")
		return fallback
	}

	out := &JudgedAnswer{
		Action:      JudgmentAddContext,
		Body:        slow.Text,
		Confidence:  slow.Confidence,
		Explanation: slow.Explanation,
		ResponseID:  slow.ResponseID,
	}
	if j, err := parseJudgment(strings.TrimSpace(parsed.Judgment)); err == nil {
		out.Action = j
	} else {
		logger.Warn().Err(err).Msg("judge returned no valid judgment")
	}
	if body, _, _ := StripConfidenceTags(strings.TrimSpace(parsed.Body)); body != "" {
		out.Body = body
	}
	if c, ok := parseConfidenceField(parsed.Confidence); ok {
		out.Confidence = mo.Some(c)
	}
	if why := strings.TrimSpace(parsed.ConfidenceExplanation); why != "" {
		out.Explanation = why
	}

	p.metrics.RecordJudgment(string(out.Action))
	logger.Info().Str("judgment", string(out.Action)).Msg("fast and complete answers judged")
	return out
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(\\{.*\\})\\s*```")

// ExtractJSON pulls a JSON object out of model output that may wrap it in a
// fenced code block or surround it with prose.
func ExtractJSON(raw string) (string, error) {
	body := strings.TrimSpace(raw)
	if m := fencedJSONRe.FindStringSubmatch(body); m != nil {
		return m[1], nil
	}
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in model output")
	}
	return body[start : end+1], nil
}

func parseJudgeResponse(raw string) (*judgeResponse, error) {
	body, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	var jr judgeResponse
	if err := json.Unmarshal([]byte(body), &jr); err != nil {
		return nil, fmt.Errorf("decode judge response: %w", err)
	}
	return &jr, nil
}

func parseConfidenceField(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return ClampConfidenceValue(f), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
		return ClampConfidence(s), true
	}
	return 0, false
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "…"
}

func humanMessages(msgs []Message) []Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.Role != RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

// Transcript flattens messages into "role: text" lines.
func Transcript(msgs []Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		who := string(m.Role)
		if m.Role == RoleUser && m.UserID != "" {
			who = "<@" + m.UserID + ">"
		}
		lines = append(lines, who+": "+m.Text)
	}
	return strings.Join(lines, "\n")
}
