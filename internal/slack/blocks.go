package slack

import (
	"strings"
	"unicode/utf8"

	"github.com/slack-go/slack"
)

// SectionTextLimit is the largest chunk placed in one section block. Slack
// rejects section text over 3000 characters.
const SectionTextLimit = 2500

// Feedback button action ids.
const (
	FeedbackBlockID  = "answer_feedback"
	ActionFeedbackUp = "answer_feedback_up"
	ActionFeedbackDn = "answer_feedback_down"
)

// ChunkTextIntoSectionBlocks splits text into mrkdwn section blocks of at
// most SectionTextLimit characters. Joining the block texts gives back text.
func ChunkTextIntoSectionBlocks(text string) []*slack.SectionBlock {
	chunks := chunkText(text, SectionTextLimit)
	blocks := make([]*slack.SectionBlock, 0, len(chunks))
	for _, c := range chunks {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, c, false, false),
			nil, nil,
		))
	}
	return blocks
}

// chunkText splits at the last paragraph break that fits, then the last
// newline, then anywhere. Separators stay with the chunk before them.
func chunkText(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	rest := text
	for utf8.RuneCountInString(rest) > limit {
		window := rest[:byteOffset(rest, limit)]

		cut := len(window)
		if i := strings.LastIndex(window, "\n\n"); i > 0 {
			cut = i + 2
		} else if i := strings.LastIndex(window, "\n"); i > 0 {
			cut = i + 1
		}

		chunks = append(chunks, rest[:cut])
		rest = rest[cut:]
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// byteOffset returns the byte index just past the first n runes of s.
func byteOffset(s string, n int) int {
	i := 0
	for n > 0 && i < len(s) {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		n--
	}
	return i
}

// AnswerBlocks renders an answer, with feedback buttons when asked.
func AnswerBlocks(text string, feedbackButtons bool) []slack.Block {
	var blocks []slack.Block
	for _, s := range ChunkTextIntoSectionBlocks(text) {
		blocks = append(blocks, s)
	}
	if feedbackButtons {
		blocks = append(blocks, slack.NewActionBlock(
			FeedbackBlockID,
			slack.NewButtonBlockElement(ActionFeedbackUp, "up",
				slack.NewTextBlockObject(slack.PlainTextType, "👍 Helpful", true, false)),
			slack.NewButtonBlockElement(ActionFeedbackDn, "down",
				slack.NewTextBlockObject(slack.PlainTextType, "👎 Not helpful", true, false)),
		))
	}
	return blocks
}

// ProgressBlocks renders an in-progress answer with a status line.
func ProgressBlocks(text, status string) []slack.Block {
	var blocks []slack.Block
	for _, s := range ChunkTextIntoSectionBlocks(text) {
		blocks = append(blocks, s)
	}
	if status != "" {
		blocks = append(blocks, slack.NewContextBlock("progress",
			slack.NewTextBlockObject(slack.MarkdownType, "_"+status+"_", false, false)))
	}
	return blocks
}
