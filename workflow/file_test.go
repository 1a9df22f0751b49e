package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleWorkflow = `
name: montage-ish
tasks:
  - id: project
    flops: 120
  - id: overlap
    flops: 40
    parents: [project]
  - id: diff
    flops: 40
    parents: [project]
  - id: concat
    flops: 200
    parents: [overlap, diff]
`

func TestParseFile(t *testing.T) {
	w, err := parseFile([]byte(sampleWorkflow))
	require.NoError(t, err)

	assert.Equal(t, 4, w.NumTasks())
	assert.Equal(t, 3, w.NumLevels())
	assert.Equal(t, 2, w.Task("concat").Level())
	assert.Len(t, w.Task("concat").Parents(), 2)
	assert.Equal(t, Ready, w.Task("project").State())
}

func TestParseFileErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"not yaml", "{{{", "failed to parse"},
		{"no tasks", "name: empty", "no tasks"},
		{"bad cost", "tasks: [{id: a, flops: -1}]", "positive cost"},
		{"unknown parent", "tasks: [{id: a, flops: 1, parents: [ghost]}]", "unknown parent"},
		{"cycle", "tasks: [{id: a, flops: 1, parents: [b]}, {id: b, flops: 1, parents: [a]}]", "cycle"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := parseFile([]byte(test.data))
			assert.ErrorContains(t, err, test.want)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleWorkflow), 0o644))

	w, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, w.NumTasks())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read")
}
