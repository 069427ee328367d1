package answer

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/samber/mo"
)

// ConfidenceInstruction is appended to every user-facing prompt.
const ConfidenceInstruction = `End your answer with exactly one confidence tag and nothing after it, in this format:
<confidence><level>N</level><why>one short sentence explaining your confidence</why></confidence>
N is an integer from 0 to 100.`

var confidenceTagRe = regexp.MustCompile(`(?s)<confidence>\s*<level>(.*?)</level>\s*<why>(.*?)</why>\s*</confidence>`)

// StripConfidenceTags removes every confidence tag from text. The last tag
// supplies the confidence and explanation. Text without a well-formed tag is
// returned unchanged with no confidence.
func StripConfidenceTags(text string) (string, mo.Option[int], string) {
	matches := confidenceTagRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, mo.None[int](), ""
	}

	last := matches[len(matches)-1]
	level := ClampConfidence(last[1])
	why := strings.TrimSpace(last[2])

	stripped := strings.TrimSpace(confidenceTagRe.ReplaceAllString(text, ""))
	return stripped, mo.Some(level), why
}

// ClampConfidence parses a confidence level and clamps it to [0, 100].
// Anything non-numeric is 0.
func ClampConfidence(level string) int {
	level = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(level), "%"))
	f, err := strconv.ParseFloat(level, 64)
	if err != nil {
		return 0
	}
	return ClampConfidenceValue(f)
}

// ClampConfidenceValue rounds f and clamps it to [0, 100].
func ClampConfidenceValue(f float64) int {
	if math.IsNaN(f) {
		return 0
	}
	r := math.Round(f)
	switch {
	case r < 0:
		return 0
	case r > 100:
		return 100
	}
	return int(r)
}

// FormatConfidence appends a human-readable confidence line to text.
func FormatConfidence(text string, confidence mo.Option[int], why string) string {
	level, ok := confidence.Get()
	if !ok {
		return text
	}
	if why == "" {
		return fmt.Sprintf("%s\n\n_Confidence: %d%%_", text, level)
	}
	return fmt.Sprintf("%s\n\n_Confidence: %d%% - %s_", text, level, why)
}
