package slack

import (
	"strings"

	"github.com/slack-go/slack"
)

// MessageText returns the text of a message, preferring its blocks over the
// plain text field.
func MessageText(msg slack.Message) string {
	if text := blocksText(msg.Blocks.BlockSet); text != "" {
		return text
	}
	return msg.Text
}

func blocksText(blocks []slack.Block) string {
	var parts []string
	for _, b := range blocks {
		switch blk := b.(type) {
		case *slack.RichTextBlock:
			if t := richTextElements(blk.Elements); t != "" {
				parts = append(parts, t)
			}
		case *slack.SectionBlock:
			if blk.Text != nil && blk.Text.Text != "" {
				parts = append(parts, blk.Text.Text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func richTextElements(elems []slack.RichTextElement) string {
	var sb strings.Builder
	for _, e := range elems {
		switch el := e.(type) {
		case *slack.RichTextSection:
			sb.WriteString(sectionText(el.Elements))
		case *slack.RichTextList:
			for _, item := range el.Elements {
				sb.WriteString("• ")
				sb.WriteString(strings.TrimRight(richTextElements([]slack.RichTextElement{item}), "\n"))
				sb.WriteString("\n")
			}
		case *slack.RichTextPreformatted:
			sb.WriteString("```\n")
			sb.WriteString(sectionText(el.Elements))
			sb.WriteString("\n```\n")
		case *slack.RichTextQuote:
			sb.WriteString("> ")
			sb.WriteString(sectionText(el.Elements))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func sectionText(elems []slack.RichTextSectionElement) string {
	var sb strings.Builder
	for _, e := range elems {
		switch el := e.(type) {
		case *slack.RichTextSectionTextElement:
			sb.WriteString(el.Text)
		case *slack.RichTextSectionLinkElement:
			if el.Text != "" {
				sb.WriteString(el.Text + " (" + el.URL + ")")
			} else {
				sb.WriteString(el.URL)
			}
		case *slack.RichTextSectionUserElement:
			sb.WriteString("<@" + el.UserID + ">")
		case *slack.RichTextSectionChannelElement:
			sb.WriteString("<#" + el.ChannelID + ">")
		case *slack.RichTextSectionEmojiElement:
			sb.WriteString(":" + el.Name + ":")
		}
	}
	return sb.String()
}
