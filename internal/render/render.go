// Package render turns a campaign template plus one recipient's
// personalization data into the final HTML and plaintext pair. Rendering is
// pure: identical inputs always produce byte-identical output.
package render

import (
	"fmt"
	"html"
	"strings"

	"github.com/driftmark/mailcast/internal/core"
)

// Render builds the outbound message for one recipient. The HTML body is
// the campaign body followed by one line per footer block (insertion order
// preserved) and an unsubscribe anchor parameterized by the recipient's
// token. The plaintext body is the tag-stripped campaign body with an
// "Unsubscribe: <url>" trailer. The subject passes through unchanged.
func Render(c core.Campaign, r core.PendingRecipient, unsubscribeBase string) core.Email {
	unsubURL := fmt.Sprintf("%s/unsubscribe?token=%s", strings.TrimRight(unsubscribeBase, "/"), r.UnsubscribeToken)

	var b strings.Builder
	b.WriteString(c.Body)
	for _, f := range c.Footers {
		b.WriteString(fmt.Sprintf("\n<p>%s, %s, %s</p>",
			html.EscapeString(f.Location), html.EscapeString(f.Address), html.EscapeString(f.Phone)))
	}
	b.WriteString(fmt.Sprintf("\n<p><a href=%q>Unsubscribe</a></p>", unsubURL))

	var t strings.Builder
	t.WriteString(StripTags(c.Body))
	for _, f := range c.Footers {
		t.WriteString(fmt.Sprintf("\n%s, %s, %s", f.Location, f.Address, f.Phone))
	}
	t.WriteString("\n\nUnsubscribe: " + unsubURL)

	return core.Email{
		To:          r.Email,
		CC:          c.CC,
		BCC:         c.BCC,
		Subject:     c.Subject,
		HTML:        b.String(),
		Text:        t.String(),
		FromName:    c.FromName,
		FromAddress: c.FromAddress,
		ReplyTo:     c.ReplyTo,
		CampaignID:  c.ID,
		ContactID:   r.ContactID,
	}
}

// StripTags removes HTML tags and unescapes entities to produce a plaintext
// rendition of the campaign body. Block-level closers become newlines so
// paragraphs stay readable.
func StripTags(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '<':
			inTag = true
			if breaksLine(s[i:]) {
				b.WriteByte('\n')
			}
		case s[i] == '>':
			inTag = false
		case !inTag:
			b.WriteByte(s[i])
		}
	}
	return strings.TrimSpace(html.UnescapeString(b.String()))
}

func breaksLine(rest string) bool {
	for _, tag := range []string{"</p>", "</div>", "<br>", "<br/>", "<br />", "</h1>", "</h2>", "</h3>", "</li>"} {
		if len(rest) >= len(tag) && strings.EqualFold(rest[:len(tag)], tag) {
			return true
		}
	}
	return false
}
