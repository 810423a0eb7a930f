// ABOUTME: Composer builds the new-message notification as markdown and renders HTML with goldmark
// ABOUTME: Raw HTML in message content is dropped by the renderer

package notify

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

const maxQuotedRunes = 1000

// ComposeInput is everything the notification text depends on.
type ComposeInput struct {
	SenderName     string
	RecipientName  string
	Content        string
	ContextTitle   string
	ConversationID string
}

// Composer renders notifications.
type Composer struct {
	baseURL string
	md      goldmark.Markdown
}

// NewComposer creates a Composer linking back to baseURL.
func NewComposer(baseURL string) *Composer {
	return &Composer{
		baseURL: strings.TrimRight(baseURL, "/"),
		md: goldmark.New(
			goldmark.WithExtensions(extension.Linkify),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

// Compose returns the subject, markdown text and HTML body.
func (c *Composer) Compose(in ComposeInput) (Notification, error) {
	var text strings.Builder

	if in.RecipientName != "" {
		fmt.Fprintf(&text, "Hi %s,\n\n", escapeMarkdown(in.RecipientName))
	}
	fmt.Fprintf(&text, "You have received a new message from **%s**:\n\n", escapeMarkdown(in.SenderName))
	for _, line := range strings.Split(truncateRunes(in.Content, maxQuotedRunes), "\n") {
		fmt.Fprintf(&text, "> %s\n", line)
	}
	text.WriteString("\n")
	if in.ContextTitle != "" {
		fmt.Fprintf(&text, "Regarding: **%s**\n\n", escapeMarkdown(in.ContextTitle))
	}
	fmt.Fprintf(&text, "[Reply on DentalLocus](%s)\n", c.link(in.ConversationID))

	var body bytes.Buffer
	if err := c.md.Convert([]byte(text.String()), &body); err != nil {
		return Notification{}, fmt.Errorf("rendering notification html: %w", err)
	}

	return Notification{
		Subject: "New message from " + in.SenderName,
		Text:    text.String(),
		HTML:    body.String(),
	}, nil
}

func (c *Composer) link(conversationID string) string {
	u := c.baseURL + "/messages"
	if conversationID != "" {
		u += "?conversation=" + url.QueryEscape(conversationID)
	}
	return u
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, `*`, `\*`, `_`, `\_`, "`", "\\`", `[`, `\[`, `]`, `\]`, `<`, `\<`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
