package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/delegator/internal/model"
)

func TestBuild_Default(t *testing.T) {
	b, err := NewBuilder("")
	require.NoError(t, err)

	task := model.TaskDescriptor{
		Prompt:    "Add retries to the HTTP client",
		WorkDir:   "/src/api",
		ProjectID: "api",
		TaskType:  "feature",
	}
	out, err := b.Build(task)
	require.NoError(t, err)
	assert.Contains(t, out, "Add retries to the HTTP client")
	assert.Contains(t, out, "Project: api")
	assert.Contains(t, out, "Task type: feature")
	assert.Contains(t, out, "Working directory: /src/api")

	again, err := b.Build(task)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestBuild_OmitsEmptyFields(t *testing.T) {
	b, err := NewBuilder("")
	require.NoError(t, err)

	out, err := b.Build(model.TaskDescriptor{Prompt: "just do it"})
	require.NoError(t, err)
	assert.Contains(t, out, "just do it")
	assert.NotContains(t, out, "Project:")
	assert.NotContains(t, out, "Task type:")
}

func TestNewBuilder_CustomTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.tmpl")
	require.NoError(t, os.WriteFile(path, []byte("[{{.ProjectID}}] {{.Prompt}}"), 0644))

	b, err := NewBuilder(path)
	require.NoError(t, err)
	out, err := b.Build(model.TaskDescriptor{Prompt: "p", ProjectID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "[x] p", out)
}

func TestNewBuilder_Errors(t *testing.T) {
	_, err := NewBuilder(filepath.Join(t.TempDir(), "missing.tmpl"))
	assert.Error(t, err)

	_, err = Parse("{{.Prompt")
	assert.Error(t, err)

	b, err := Parse("{{.Nope}}")
	require.NoError(t, err)
	_, err = b.Build(model.TaskDescriptor{})
	assert.Error(t, err)
}
