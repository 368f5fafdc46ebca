package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDefinitionYAML = `
id: wf-nightly-report
slug: nightly-report
version: 3
name: Nightly Report
defaultParameters:
  region: us-east-1
steps:
  - id: fetch
    name: Fetch rows
    kind: job
    jobSlug: fetch-rows
    produces: [rows]
  - id: publish
    name: Publish report
    kind: service
    dependsOn: [fetch]
    serviceSlug: reporting
    request:
      method: POST
      path: /reports
triggers:
  - id: trig-nightly
    eventType: schedule.nightly
    filter:
      payload.ref: "refs/heads/*"
    runKeyTemplate: "{{ event.id }}"
`

func TestParseDefinitionBindsCamelCaseYAMLKeys(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleDefinitionYAML))
	require.NoError(t, err)

	assert.Equal(t, "wf-nightly-report", def.ID)
	assert.Equal(t, 3, def.Version)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, "fetch-rows", def.Steps[0].JobSlug)
	assert.Equal(t, []string{"fetch"}, def.Steps[1].DependsOn)
	assert.Equal(t, "reporting", def.Steps[1].ServiceSlug)
	assert.Equal(t, "us-east-1", def.DefaultParameters["region"])
	require.Len(t, def.Triggers, 1)
	assert.Equal(t, "refs/heads/*", def.Triggers[0].Filter["payload.ref"])
}

func TestParseDefinitionRejectsMissingSteps(t *testing.T) {
	_, err := ParseDefinition([]byte("id: wf-empty\nslug: empty\n"))
	require.Error(t, err)
}

func TestLoadDefinitionsDirLoadsInLexicalOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("id: wf-b\nsteps:\n  - id: s1\n    kind: job\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte("id: wf-a\nsteps:\n  - id: s1\n    kind: job\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	defs, err := LoadDefinitionsDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "wf-a", defs[0].ID)
	assert.Equal(t, "wf-b", defs[1].ID)
}

func TestLoadDefinitionsDirFailsOnMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("id: [not-a-string\n"), 0o600))

	_, err := LoadDefinitionsDir(dir)
	require.Error(t, err)
}
