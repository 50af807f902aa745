// Package templates embeds the default configuration and worker instruction template.
package templates

import "embed"

//go:embed config.yaml instruction.md.tmpl
var FS embed.FS

const (
	ConfigFile      = "config.yaml"
	InstructionFile = "instruction.md.tmpl"
)
