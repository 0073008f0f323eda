package email

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"blockorgan-notifier/pkg/matching"
)

func parseBody(t *testing.T, body string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}
	return doc
}

// TestFormatMatchBodyRoles checks the role-specific copy of match emails.
func TestFormatMatchBodyRoles(t *testing.T) {
	links := DecisionLinks("https://blockorgan.example", "tok")

	tests := []struct {
		role    matching.Role
		heading string
		intro   string
	}{
		{matching.RoleDonor, "Potential Recipient Match", "We found a recipient who needs a kidney donation."},
		{matching.RoleRecipient, "Potential Donor Match", "We found a donor who can provide a kidney."},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			doc := parseBody(t, formatMatchBody(tt.role, "kidney", links))

			if got := strings.TrimSpace(doc.Find("h2").Text()); got != tt.heading {
				t.Errorf("heading = %q, want %q", got, tt.heading)
			}
			if got := doc.Find(".content p").First().Text(); got != tt.intro {
				t.Errorf("intro = %q, want %q", got, tt.intro)
			}
			if !strings.Contains(doc.Find(".footer").Text(), "Thank you for being part of BlockOrgan.") {
				t.Error("footer should thank the user")
			}
		})
	}
}

// TestFormatMatchBodyLinks checks that all three decision links are present
// and point at the decision endpoint with the right action.
func TestFormatMatchBodyLinks(t *testing.T) {
	links := DecisionLinks("https://blockorgan.example/", "a1b2c3")
	doc := parseBody(t, formatMatchBody(matching.RoleDonor, "liver", links))

	var hrefs []string
	doc.Find("ul.actions a").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		hrefs = append(hrefs, href)
	})

	want := []string{
		"https://blockorgan.example/api/algorithm/decision?token=a1b2c3&action=block",
		"https://blockorgan.example/api/algorithm/decision?token=a1b2c3&action=remind",
		"https://blockorgan.example/api/algorithm/decision?token=a1b2c3&action=ignore",
	}
	if len(hrefs) != len(want) {
		t.Fatalf("got %d links, want %d: %v", len(hrefs), len(want), hrefs)
	}
	for i := range want {
		if hrefs[i] != want[i] {
			t.Errorf("link %d = %q, want %q", i, hrefs[i], want[i])
		}
	}
}

// TestFormatMatchBodyEscapesOrgan makes sure profile data can't inject markup.
func TestFormatMatchBodyEscapesOrgan(t *testing.T) {
	body := formatMatchBody(matching.RoleRecipient, `<script>alert(1)</script>`, DecisionLinks("", "t"))
	if strings.Contains(body, "<script>") {
		t.Error("organ name should be escaped")
	}
	if !strings.Contains(body, "&lt;script&gt;") {
		t.Error("escaped organ name should be rendered")
	}
}

func TestEscapeHTML(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"<script>", "&lt;script&gt;"},
		{"hello & goodbye", "hello &amp; goodbye"},
		{`"quotes"`, "&quot;quotes&quot;"},
		{"it's", "it&#39;s"},
		{"<b>test</b>", "&lt;b&gt;test&lt;/b&gt;"},
	}

	for _, tt := range tests {
		result := escapeHTML(tt.input)
		if result != tt.expected {
			t.Errorf("escapeHTML(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestDecisionLinks(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		token   string
		block   string
	}{
		{
			name:    "trailing slash trimmed",
			baseURL: "https://app.example.com/",
			token:   "abc",
			block:   "https://app.example.com/api/algorithm/decision?token=abc&action=block",
		},
		{
			name:    "default base",
			baseURL: "",
			token:   "abc",
			block:   "http://localhost:8080/api/algorithm/decision?token=abc&action=block",
		},
		{
			name:    "non-http base falls back",
			baseURL: "javascript:alert(1)",
			token:   "abc",
			block:   "http://localhost:8080/api/algorithm/decision?token=abc&action=block",
		},
		{
			name:    "token escaped",
			baseURL: "http://x.test",
			token:   "a b&c",
			block:   "http://x.test/api/algorithm/decision?token=a+b%26c&action=block",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			links := DecisionLinks(tt.baseURL, tt.token)
			if links.Block != tt.block {
				t.Errorf("Block = %q, want %q", links.Block, tt.block)
			}
			if !strings.HasSuffix(links.Remind, "&action=remind") {
				t.Errorf("Remind = %q", links.Remind)
			}
			if !strings.HasSuffix(links.Ignore, "&action=ignore") {
				t.Errorf("Ignore = %q", links.Ignore)
			}
		})
	}
}

func TestMatchSubject(t *testing.T) {
	if got := MatchSubject(" kidney "); got != "Potential Match Found: KIDNEY" {
		t.Errorf("MatchSubject = %q", got)
	}
}
