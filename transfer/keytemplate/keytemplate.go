// Package keytemplate renders blob key templates. Templates can reference the
// host OS and architecture, the project context taken from the environment,
// and checksums of arbitrary files.
package keytemplate

import (
	"bytes"
	"fmt"
	"runtime"
	"text/template"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Model ...
type Model struct {
	envRepo env.Repository
	logger  log.Logger
	os      string
	arch    string
}

type templateInventory struct {
	OS       string
	Arch     string
	Project  string
	Branch   string
	Revision string
}

// NewModel ...
func NewModel(envRepo env.Repository, logger log.Logger) Model {
	return Model{
		envRepo: envRepo,
		logger:  logger,
		os:      runtime.GOOS,
		arch:    runtime.GOARCH,
	}
}

// Evaluate returns the final string from a key template
func (m Model) Evaluate(key string) (string, error) {
	funcMap := template.FuncMap{
		"getenv":   m.getEnvVar,
		"checksum": m.checksum,
	}

	tmpl, err := template.New("").Funcs(funcMap).Parse(key)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}

	inventory := templateInventory{
		OS:       m.os,
		Arch:     m.arch,
		Project:  m.envRepo.Get("UPLOADIO_PROJECT"),
		Branch:   m.branch(),
		Revision: m.revision(),
	}
	m.validateInventory(inventory)

	resultBuffer := bytes.Buffer{}
	if err := tmpl.Execute(&resultBuffer, inventory); err != nil {
		return "", err
	}
	return resultBuffer.String(), nil
}

// branch prefers the explicit UPLOADIO_BRANCH value and falls back to the
// conventional GIT_BRANCH variable.
func (m Model) branch() string {
	if v := m.envRepo.Get("UPLOADIO_BRANCH"); v != "" {
		return v
	}
	return m.envRepo.Get("GIT_BRANCH")
}

func (m Model) revision() string {
	if v := m.envRepo.Get("UPLOADIO_REVISION"); v != "" {
		return v
	}
	return m.envRepo.Get("GIT_COMMIT")
}

func (m Model) getEnvVar(key string) string {
	return m.envRepo.Get(key)
}

func (m Model) validateInventory(inventory templateInventory) {
	m.warnIfEmpty("Project", inventory.Project)
	m.warnIfEmpty("Branch", inventory.Branch)
	m.warnIfEmpty("Revision", inventory.Revision)
}

func (m Model) warnIfEmpty(name, value string) {
	if value == "" {
		m.logger.Warnf("Template variable .%s is not defined", name)
	}
}
