package github

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseBody(t *testing.T) {
	testCases := []struct {
		name     string
		raw      string
		feature  bool
		text     string
		links    []string
		url      string
		children []int
	}{
		{
			name: "Plain text",
			raw:  "Just a description",
			text: "Just a description",
		},
		{
			name: "URL marker",
			raw:  "Steps\r\n\r\n<!-- tether:url=https://jira.example.com/browse/WEB-1 -->\r\n",
			text: "Steps",
			url:  "https://jira.example.com/browse/WEB-1",
		},
		{
			name:     "Feature section",
			raw:      "Epic\n\n## Issues\n- https://github.com/acme/web/issues/12\n* https://github.com/acme/web/issues/15\n\n## Notes\nkeep me",
			feature:  true,
			text:     "Epic\n\n## Notes\nkeep me",
			links:    []string{"https://github.com/acme/web/issues/12", "https://github.com/acme/web/issues/15"},
			children: []int{12, 15},
		},
		{
			name:    "Section on a non-feature stays text",
			raw:     "Bug\n\n## Issues\n- https://github.com/acme/web/issues/12",
			feature: false,
			text:    "Bug\n\n## Issues\n- https://github.com/acme/web/issues/12",
		},
		{
			name:     "Links to other repositories are not children",
			raw:      "## Issues\n- https://github.com/acme/api/issues/3\n- https://github.com/acme/web/issues/4",
			feature:  true,
			links:    []string{"https://github.com/acme/api/issues/3", "https://github.com/acme/web/issues/4"},
			children: []int{4},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := parseBody(tc.raw, tc.feature)
			assert.Equal(t, tc.text, b.text)
			assert.Equal(t, tc.links, b.links)
			assert.Equal(t, tc.url, b.url)
			assert.Equal(t, tc.children, b.childIssues("github.com", "acme/web"))
		})
	}
}

func TestBodyRoundTrip(t *testing.T) {
	b := body{
		text:  "Checkout epic",
		links: []string{"https://github.com/acme/web/issues/2"},
		url:   "https://jira.example.com/browse/WEB-9",
	}
	raw := b.render()
	assert.Equal(t, "Checkout epic\n\n## Issues\n- https://github.com/acme/web/issues/2\n\n<!-- tether:url=https://jira.example.com/browse/WEB-9 -->", raw)

	parsed := parseBody(raw, true)
	assert.Equal(t, b.text, parsed.text)
	assert.Equal(t, b.links, parsed.links)
	assert.Equal(t, b.url, parsed.url)
}

func TestBodyChildren(t *testing.T) {
	b := parseBody("Epic", true)

	b = b.withChild("github.example.com", "acme/web", 3)
	b = b.withChild("github.example.com", "acme/web", 3)
	assert.Equal(t, []string{"https://github.example.com/acme/web/issues/3"}, b.links)

	b = b.withChild("github.example.com", "acme/web", 30)
	b = b.withoutChild("github.example.com", "acme/web", 3)
	assert.Equal(t, []int{30}, b.childIssues("github.example.com", "acme/web"))
	assert.Equal(t, "Epic\n\n## Issues\n- https://github.example.com/acme/web/issues/30\n", b.render())
}

func TestChildIssuesDomains(t *testing.T) {
	testCases := []struct {
		name        string
		description string
		domain      string
		expected    []int
	}{
		{
			name: "Using non-enterprise GitHub",
			description: `
				## Description
				This feature provides user authentication functionality.

				## Issues
				- https://github.com/org/repo/issues/1
				- https://github.com/org/repo/issues/2
				- https://github.com/org/repo/issues/3`,
			domain:   "github.com",
			expected: []int{1, 2, 3},
		},
		{
			name: "Using enterprise GitHub domain",
			description: `
				## Description
				This is a GitHub Feature

				## Issues
				- https://github.example.com/org/repo/issues/1
				- https://github.example.com/org/repo/issues/2
				`,
			domain:   "github.example.com",
			expected: []int{1, 2},
		},
		{
			name: "Mixed domains should only match configured domain",
			description: `
				## Issues
				- https://github.com/org/repo/issues/1
				- https://github.example.com/org/repo/issues/2
				`,
			domain:   "github.example.com",
			expected: []int{2},
		},
		{
			name: "No issues section",
			description: `
				## Description
				This is a GitHub Feature with no issues linked to it.
				`,
			domain: "github.example.com",
		},
		{
			name: "Empty issues section",
			description: `
				## Description
				This is a GitHub Feature with an empty issues section.

				## Issues
				`,
			domain: "github.example.com",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := parseBody(tc.description, true)
			assert.Equal(t, tc.expected, b.childIssues(tc.domain, "org/repo"))
			assert.NotContains(t, b.text, "## Issues")
		})
	}
}
