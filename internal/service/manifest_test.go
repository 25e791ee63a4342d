package service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cronflow/internal/core"
)

const etlManifest = `{
	"name": "etl",
	"schedule": "0 3 * * *",
	"start_at": "2024-01-01T00:00:00+02:00",
	"catch_up": true,
	"max_active_runs": 1,
	"tasks": [
		{"id": "extract", "command": "echo extract", "retries": 2, "retry_delay": "30s", "retry_backoff": "exponential", "max_retry_delay": "5m"},
		{"id": "transform", "depends_on": ["extract"], "timeout": "1h"},
		{"id": "load", "kind": "command", "command": "echo load", "depends_on": ["transform"], "secrets": {"TOKEN": "api-token"}}
	],
	"edges": [{"from": "extract", "to": "load"}]
}`

func TestManifest_Definition(t *testing.T) {
	var m WorkflowManifest
	require.NoError(t, json.Unmarshal([]byte(etlManifest), &m))
	def, err := m.Definition()
	require.NoError(t, err)
	require.NoError(t, core.Validate(def))

	require.Equal(t, "etl", def.Name)
	require.True(t, time.Date(2023, time.December, 31, 22, 0, 0, 0, time.UTC).Equal(def.StartAt))
	require.Equal(t, 1, def.MaxActiveRuns)
	require.Equal(t, []core.Edge{
		{From: "extract", To: "transform"},
		{From: "transform", To: "load"},
		{From: "extract", To: "load"},
	}, def.Edges)

	extract, _ := def.Task("extract")
	require.Equal(t, core.KindCommand, extract.Kind)
	require.Equal(t, 30*time.Second, extract.RetryDelay)
	require.Equal(t, 5*time.Minute, extract.MaxRetryDelay)
	require.Equal(t, core.BackoffExponential, extract.RetryBackoff)

	transform, _ := def.Task("transform")
	require.Equal(t, core.KindEmpty, transform.Kind)
	require.Equal(t, time.Hour, transform.Timeout)
}

func TestManifest_InvalidFields(t *testing.T) {
	for name, m := range map[string]WorkflowManifest{
		"start_at":    {Name: "wf", StartAt: "yesterday", Tasks: []TaskManifest{{ID: "a"}}},
		"end_at":      {Name: "wf", EndAt: "2024-13-01T00:00:00Z", Tasks: []TaskManifest{{ID: "a"}}},
		"retry_delay": {Name: "wf", Tasks: []TaskManifest{{ID: "a", RetryDelay: "soon"}}},
		"timeout":     {Name: "wf", Tasks: []TaskManifest{{ID: "a", Timeout: "10"}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := m.Definition()
			require.ErrorIs(t, err, core.ErrInvalidDefinition)
			require.ErrorContains(t, err, name)
		})
	}
}

func TestManifestFor_RoundTrip(t *testing.T) {
	var m WorkflowManifest
	require.NoError(t, json.Unmarshal([]byte(etlManifest), &m))
	def, err := m.Definition()
	require.NoError(t, err)

	out := ManifestFor(def)
	require.Equal(t, "2023-12-31T22:00:00Z", out.StartAt)
	require.Equal(t, []string{"extract"}, out.Tasks[1].DependsOn)
	require.ElementsMatch(t, []string{"transform", "extract"}, out.Tasks[2].DependsOn)
	require.Empty(t, out.Edges)
	require.Equal(t, "30s", out.Tasks[0].RetryDelay)

	again, err := out.Definition()
	require.NoError(t, err)
	require.ElementsMatch(t, def.Edges, again.Edges)
	require.Equal(t, def.Tasks, again.Tasks)
}
