package email

import (
	"fmt"
	"net/url"
	"strings"

	"blockorgan-notifier/pkg/matching"
)

// DefaultBaseURL is used for decision links when no base URL is configured.
const DefaultBaseURL = "http://localhost:8080"

// DecisionPath is the endpoint that resolves decision links.
const DecisionPath = "/api/algorithm/decision"

// Links are the three decision URLs embedded in a match email.
type Links struct {
	Block  string
	Remind string
	Ignore string
}

// DecisionLinks builds fully qualified decision URLs for token.
func DecisionLinks(baseURL, token string) Links {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !isHTTPURL(base) {
		base = DefaultBaseURL
	}
	link := func(a matching.Action) string {
		return fmt.Sprintf("%s%s?token=%s&action=%s", base, DecisionPath, url.QueryEscape(token), a)
	}
	return Links{
		Block:  link(matching.ActionBlock),
		Remind: link(matching.ActionRemind),
		Ignore: link(matching.ActionIgnore),
	}
}

// isHTTPURL reports whether s is an absolute http(s) URL with a host.
func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
