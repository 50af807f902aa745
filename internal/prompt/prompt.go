// Package prompt renders the instruction payload handed to a worker.
package prompt

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"text/template"

	"github.com/msageha/delegator/internal/model"
	"github.com/msageha/delegator/templates"
)

// Builder renders task descriptors through a fixed template. Rendering is a
// pure function of the task.
type Builder struct {
	tmpl *template.Template
}

// NewBuilder parses the template at path, or the embedded default when path is empty.
func NewBuilder(path string) (*Builder, error) {
	var (
		src []byte
		err error
	)
	if path == "" {
		src, err = fs.ReadFile(templates.FS, templates.InstructionFile)
	} else {
		src, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read instruction template: %w", err)
	}
	return Parse(string(src))
}

func Parse(src string) (*Builder, error) {
	tmpl, err := template.New("instruction").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse instruction template: %w", err)
	}
	return &Builder{tmpl: tmpl}, nil
}

func (b *Builder) Build(task model.TaskDescriptor) (string, error) {
	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, task); err != nil {
		return "", fmt.Errorf("render instruction: %w", err)
	}
	return buf.String(), nil
}
