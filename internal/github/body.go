package github

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/danielolaszy/tether/internal/logging"
)

const issuesHeading = "## Issues"

var (
	urlMarker   = regexp.MustCompile(`(?m)^[ \t]*<!-- tether:url=(\S*) -->[ \t]*\n?`)
	nextHeading = regexp.MustCompile(`\n[ \t]*## `)
)

// body is an issue body split into the text people write and the parts
// the provider manages: the "## Issues" section of a feature and the hidden
// marker carrying the counterpart's URL.
type body struct {
	text string
	// links are the issue URLs listed in the "## Issues" section.
	links   []string
	section bool
	url     string
}

// parseBody splits raw. The "## Issues" section is only managed on
// features; elsewhere it stays part of the text.
func parseBody(raw string, feature bool) body {
	var b body
	raw = strings.ReplaceAll(raw, "\r\n", "\n")

	if m := urlMarker.FindStringSubmatch(raw); m != nil {
		b.url = m[1]
		raw = urlMarker.ReplaceAllString(raw, "")
	}

	if feature {
		if start := strings.Index(raw, issuesHeading); start != -1 {
			b.section = true
			rest := raw[start+len(issuesHeading):]
			end := len(rest)
			if loc := nextHeading.FindStringIndex(rest); loc != nil {
				end = loc[0] + 1
			}
			for _, line := range strings.Split(rest[:end], "\n") {
				line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*"))
				if line != "" {
					b.links = append(b.links, line)
				}
			}
			raw = raw[:start] + rest[end:]
		}
	}

	b.text = strings.TrimSpace(raw)
	return b
}

// render assembles the body again, managed parts last.
func (b body) render() string {
	var sb strings.Builder
	sb.WriteString(b.text)
	if b.section || len(b.links) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(issuesHeading)
		sb.WriteString("\n")
		for _, link := range b.links {
			sb.WriteString("- ")
			sb.WriteString(link)
			sb.WriteString("\n")
		}
	}
	if b.url != "" {
		if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteString("\n")
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "<!-- tether:url=%s -->", b.url)
	}
	return sb.String()
}

// childIssues extracts the numbers of the issues of repository linked from
// the "## Issues" section.
func (b body) childIssues(domain, repository string) []int {
	var childNums []int
	re := issueLinkPattern(domain, repository)
	for _, link := range b.links {
		match := re.FindStringSubmatch(link)
		if len(match) > 1 {
			if num, err := strconv.Atoi(match[1]); err == nil {
				childNums = append(childNums, num)
			}
		}
	}

	logging.Debug("parsed child issues",
		"count", len(childNums),
		"issues", childNums)

	return childNums
}

// withChild returns a copy of b linking the issue, if it is not already.
func (b body) withChild(domain, repository string, number int) body {
	for _, n := range b.childIssues(domain, repository) {
		if n == number {
			return b
		}
	}
	b.links = append(append([]string(nil), b.links...), issueLink(domain, repository, number))
	b.section = true
	return b
}

// withoutChild returns a copy of b without the issue's link.
func (b body) withoutChild(domain, repository string, number int) body {
	re := issueLinkPattern(domain, repository)
	links := make([]string, 0, len(b.links))
	for _, link := range b.links {
		if match := re.FindStringSubmatch(link); len(match) > 1 && match[1] == strconv.Itoa(number) {
			continue
		}
		links = append(links, link)
	}
	b.links = links
	return b
}

func issueLink(domain, repository string, number int) string {
	return fmt.Sprintf("https://%s/%s/issues/%d", domain, repository, number)
}

func issueLinkPattern(domain, repository string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?i)^https://%s/%s/issues/(\d+)\b`,
		regexp.QuoteMeta(domain), regexp.QuoteMeta(repository)))
}
