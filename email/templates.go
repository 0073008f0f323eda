package email

import (
	"fmt"
	"strings"

	"blockorgan-notifier/pkg/matching"
)

func formatMatchBody(role matching.Role, organ string, links Links) string {
	heading := "Potential Donor Match"
	intro := fmt.Sprintf("We found a donor who can provide a <b>%s</b>.", escapeHTML(organ))
	if role == matching.RoleDonor {
		heading = "Potential Recipient Match"
		intro = fmt.Sprintf("We found a recipient who needs a <b>%s</b> donation.", escapeHTML(organ))
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".header { border-bottom: 2px solid #c0392b; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".content { background: #f8f9fa; padding: 20px; border-radius: 8px; margin: 15px 0; }\n")
	b.WriteString(".actions li { margin: 6px 0; }\n")
	b.WriteString(".footer { margin-top: 20px; padding-top: 10px; border-top: 2px solid #ecf0f1; color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("a { color: #c0392b; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".content { background: #2a2a2a; }\n")
	b.WriteString(".footer { border-top-color: #444; color: #a0a0a0; }\n")
	b.WriteString("a { color: #ff6f5e; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", heading))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"content\">\n")
	b.WriteString(fmt.Sprintf("<p>%s</p>\n", intro))
	b.WriteString("<p>If you're interested in proceeding with this match, please contact our coordinator.</p>\n")
	b.WriteString("</div>\n")

	b.WriteString("<p>If you do not want to receive further emails about this match:</p>\n")
	b.WriteString("<ul class=\"actions\">\n")
	b.WriteString(fmt.Sprintf("<li><a href=\"%s\">Block</a> further emails for this match</li>\n", escapeHTML(links.Block)))
	b.WriteString(fmt.Sprintf("<li><a href=\"%s\">Remind me later</a></li>\n", escapeHTML(links.Remind)))
	b.WriteString(fmt.Sprintf("<li><a href=\"%s\">Ignore</a> for now</li>\n", escapeHTML(links.Ignore)))
	b.WriteString("</ul>\n")

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString("<p>Thank you for being part of BlockOrgan.</p>\n")
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

const contactThanks = "Thanks for contacting BlockOrgan. We have received your message and will get back to you shortly."

func formatContactBody(c *ContactConfirmation) string {
	var b strings.Builder
	b.WriteString("<div>\n")
	b.WriteString(fmt.Sprintf("<p>Hi %s,</p>\n", escapeHTML(c.Name)))
	b.WriteString(fmt.Sprintf("<p>%s</p>\n", contactThanks))
	b.WriteString(fmt.Sprintf("<p><strong>Subject:</strong> %s</p>\n", escapeHTML(c.Subject)))
	b.WriteString("<p><strong>Message:</strong></p>\n")
	b.WriteString(fmt.Sprintf("<pre style=\"white-space:pre-wrap;font-family:inherit\">%s</pre>\n", escapeHTML(c.Message)))
	b.WriteString("<p>BlockOrgan Team</p>\n")
	b.WriteString("</div>")
	return b.String()
}

func formatContactText(c *ContactConfirmation) string {
	return fmt.Sprintf("Hi %s,\n\n%s\n\nSubject: %s\n\n%s\n\nBlockOrgan Team",
		c.Name, contactThanks, c.Subject, c.Message)
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
