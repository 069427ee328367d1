// Package answer turns a Slack question into a backend answer: it prepares
// the request, runs the fast and slow calls, adapts to thread drift and
// reconciles the two answers.
package answer

import (
	"fmt"

	"github.com/samber/mo"

	"github.com/p-blackswan/knowledge-agent/internal/backend"
)

// Role of a chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one inbound chat turn.
type Message struct {
	Role      Role
	UserID    string
	Text      string
	Files     []backend.File
	Timestamp string
}

// GeneratedAnswer is the result of one backend call.
type GeneratedAnswer struct {
	// Raw is the backend text with any confidence tag still embedded.
	Raw string
	// Text is Raw with confidence tags removed.
	Text        string
	Confidence  mo.Option[int]
	Explanation string
	ResponseID  string
}

// UserFacing renders the answer with its confidence appended as styled text.
func (a *GeneratedAnswer) UserFacing() string {
	return FormatConfidence(a.Text, a.Confidence, a.Explanation)
}

// ChannelContext describes where a question was asked.
type ChannelContext struct {
	ID       string
	Name     string
	ThreadTS string
	IsDM     bool
}

// Options shape a prepared request. NonBillable left unset means "true when
// continuing a previous response".
type Options struct {
	Channel            *ChannelContext
	ThreadTranscript   string
	PreviousResponseID string
	NonBillable        mo.Option[bool]
	ReasoningEffort    string
	Verbosity          string
	PermissionAudience string
	WriteTools         []string
}

// PreparedRequest is built once per question and reused for every backend
// call made on its behalf.
type PreparedRequest struct {
	TenantID           string
	Question           string
	Prompt             string
	Files              []backend.File
	UserID             string
	UserEmail          string
	UserName           string
	Channel            *ChannelContext
	PreviousResponseID string
	NonBillable        bool
	ReasoningEffort    string
	Verbosity          string
	PermissionAudience string
	WriteTools         []string
}

// Overrides adjust a single execution of a prepared request.
type Overrides struct {
	ToolName           string
	Prompt             string
	DisableTools       bool
	ReasoningEffort    string
	Verbosity          string
	OutputFormat       string
	NonBillable        mo.Option[bool]
	PreviousResponseID mo.Option[string]
}

// Judgment is the outcome of comparing the fast and slow answers.
type Judgment string

const (
	JudgmentVerified   Judgment = "verified"
	JudgmentAddContext Judgment = "add_context"
	JudgmentWrong      Judgment = "wrong"
	JudgmentNoUpdate   Judgment = "no_update"
)

func parseJudgment(s string) (Judgment, error) {
	switch j := Judgment(s); j {
	case JudgmentVerified, JudgmentAddContext, JudgmentWrong, JudgmentNoUpdate:
		return j, nil
	}
	return "", fmt.Errorf("unknown judgment %q", s)
}

// JudgedAnswer is the reconciled answer that replaces the preliminary one.
type JudgedAnswer struct {
	Action      Judgment
	Body        string
	Confidence  mo.Option[int]
	Explanation string
	ResponseID  string
}

// UserFacing renders the judged body with its confidence.
func (j *JudgedAnswer) UserFacing() string {
	return FormatConfidence(j.Body, j.Confidence, j.Explanation)
}
