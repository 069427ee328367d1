package slack

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	fenceRe   = regexp.MustCompile("(?s)```.*?```")
	headingRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	boldRe    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	strikeRe  = regexp.MustCompile(`~~(.+?)~~`)
	imageRe   = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)
	linkRe    = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
)

// ToMrkdwn rewrites the Markdown the backend produces into Slack mrkdwn.
// Fenced code is left untouched and tables become bullet lists.
func ToMrkdwn(text string) string {
	if text == "" {
		return ""
	}

	var fences []string
	text = fenceRe.ReplaceAllStringFunc(text, func(m string) string {
		fences = append(fences, m)
		return fmt.Sprintf("\x00FENCE%d\x00", len(fences)-1)
	})

	text = tablesToBullets(text)
	text = headingRe.ReplaceAllStringFunc(text, func(m string) string {
		title := strings.TrimSpace(strings.TrimLeft(m, "#"))
		return "*" + boldRe.ReplaceAllString(title, "$1") + "*"
	})
	text = boldRe.ReplaceAllString(text, "*$1*")
	text = strikeRe.ReplaceAllString(text, "~$1~")
	text = imageRe.ReplaceAllString(text, "<$2|$1>")
	text = linkRe.ReplaceAllString(text, "<$2|$1>")

	for i, f := range fences {
		text = strings.Replace(text, fmt.Sprintf("\x00FENCE%d\x00", i), f, 1)
	}
	return text
}

// tablesToBullets turns each Markdown table row into a "• *Header:* value"
// bullet, since Slack has no table rendering.
func tablesToBullets(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))

	for i := 0; i < len(lines); i++ {
		if !isTableRow(lines[i]) || i+1 >= len(lines) || !isTableRule(lines[i+1]) {
			out = append(out, lines[i])
			continue
		}

		headers := tableCells(lines[i])
		i += 2
		for ; i < len(lines) && isTableRow(lines[i]) && !isTableRule(lines[i]); i++ {
			cells := tableCells(lines[i])
			if len(headers) == 1 {
				out = append(out, "• "+cellAt(cells, 0))
				continue
			}
			pairs := make([]string, len(headers))
			for j, h := range headers {
				pairs[j] = fmt.Sprintf("*%s:* %s", h, cellAt(cells, j))
			}
			out = append(out, "• "+strings.Join(pairs, " · "))
		}
		i--
	}
	return strings.Join(out, "\n")
}

func isTableRow(line string) bool {
	return strings.Contains(line, "|")
}

func isTableRule(line string) bool {
	t := strings.TrimSpace(line)
	if !strings.Contains(t, "|") || !strings.Contains(t, "-") {
		return false
	}
	return strings.NewReplacer("|", "", "-", "", ":", "", " ", "").Replace(t) == ""
}

func tableCells(line string) []string {
	parts := strings.Split(strings.Trim(strings.TrimSpace(line), "|"), "|")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func cellAt(cells []string, i int) string {
	if i < len(cells) {
		return cells[i]
	}
	return ""
}
