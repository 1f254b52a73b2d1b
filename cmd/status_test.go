package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/danielolaszy/tether/internal/identity"
)

func seededStore(t *testing.T) identity.Store {
	t.Helper()
	store := identity.NewMemory()
	jiraTask := identity.NewTag("jira", "task")
	githubTask := identity.NewTag("github", "task")
	githubProject := identity.NewTag("github", "project")

	require.NoError(t, store.SetSyncID(jiraTask, 1, 501))
	require.NoError(t, store.SetSyncID(jiraTask, 2, 502))
	require.NoError(t, store.SetSyncID(githubTask, 501, 1))
	require.NoError(t, store.SetWatermark(githubTask, 501, time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)))
	require.NoError(t, store.SetWatermark(githubProject, 7, time.Date(2024, 3, 2, 10, 15, 0, 0, time.UTC)))
	return store
}

func TestWriteStatusText(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeStatus(&out, seededStore(t), "text"))

	expected := `Links:
- github.task: 1
- jira.task: 2

Watermarks:
- github.project: 1
- github.task: 1

Projects last synchronized:
- github 7: 2024-03-02 10:15:00 UTC
`
	assert.Equal(t, expected, out.String())
}

func TestWriteStatusEmpty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeStatus(&out, identity.NewMemory(), "text"))

	assert.Equal(t, "Links:\n- none\n\nWatermarks:\n- none\n\nProjects last synchronized:\n- never\n", out.String())
}

func TestWriteStatusYAML(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeStatus(&out, seededStore(t), "yaml"))

	var report statusReport
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 2, report.Links["jira.task"])
	assert.Equal(t, 1, report.Links["github.task"])
	assert.Equal(t, 1, report.Watermarks["github.project"])
	require.Len(t, report.Projects, 1)
	assert.Equal(t, identity.Tag("github.project"), report.Projects[0].Tag)
	assert.Equal(t, int64(7), report.Projects[0].ID)
	assert.True(t, report.Projects[0].At.Equal(time.Date(2024, 3, 2, 10, 15, 0, 0, time.UTC)))
}

func TestWriteStatusUnknownFormat(t *testing.T) {
	err := writeStatus(&bytes.Buffer{}, identity.NewMemory(), "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}
