package mdt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// catalogDescriptor is a small JSON file in the global catalog directory
// announcing a project. The per-project details live in the project's
// own local config file.
type catalogDescriptor struct {
	Code     string `json:"code"`
	RootPath string `json:"rootPath"`
}

// localConfig is the project's own configuration file
// (<root>/.mdt/config.yml).
type localConfig struct {
	TicketPath     string   `yaml:"ticketPath"`
	DocumentPaths  []string `yaml:"documentPaths"`
	ExcludeFolders []string `yaml:"excludeFolders"`
}

const descriptorSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["code", "rootPath"],
	"additionalProperties": false,
	"properties": {
		"code": {
			"type": "string",
			"pattern": "^[A-Z][A-Z0-9]{1,9}$"
		},
		"rootPath": {
			"type": "string",
			"minLength": 1
		}
	}
}`

var (
	descriptorSchemaOnce sync.Once
	descriptorSchema     *jsonschema.Schema
	descriptorSchemaErr  error
)

func compiledDescriptorSchema() (*jsonschema.Schema, error) {
	descriptorSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(descriptorSchemaJSON))
		if err != nil {
			descriptorSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("project-descriptor.json", doc); err != nil {
			descriptorSchemaErr = err
			return
		}
		descriptorSchema, descriptorSchemaErr = compiler.Compile("project-descriptor.json")
	})
	return descriptorSchema, descriptorSchemaErr
}

func loadDescriptor(path string) (catalogDescriptor, error) {
	var d catalogDescriptor
	data, err := os.ReadFile(path)
	if err != nil {
		return d, err
	}
	schema, err := compiledDescriptorSchema()
	if err != nil {
		return d, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return d, fmt.Errorf("%w: descriptor is not valid JSON: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(instance); err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return d, nil
}

func loadLocalConfig(rootPath string) (localConfig, error) {
	var cfg localConfig
	path := filepath.Join(rootPath, ProjectMetaDir, ProjectConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("%w: missing %s", ErrInvalidInput, filepath.Join(ProjectMetaDir, ProjectConfigFile))
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidInput, filepath.Join(ProjectMetaDir, ProjectConfigFile), err)
	}
	if strings.TrimSpace(cfg.TicketPath) == "" {
		return cfg, fmt.Errorf("%w: ticketPath is required", ErrInvalidInput)
	}
	return cfg, nil
}

// validateProject turns a catalog descriptor into a ProjectStatus,
// checking the descriptor, the project root, the local config, and that
// every declared path resolves inside the root. A failed check yields an
// invalid status with a reason, never an abort.
func validateProject(descriptorPath string, d catalogDescriptor) ProjectStatus {
	status := ProjectStatus{
		DescriptorPath: descriptorPath,
		Config: ProjectConfig{
			Code:     strings.TrimSpace(d.Code),
			RootPath: filepath.Clean(strings.TrimSpace(d.RootPath)),
		},
	}
	if !validProjectCode(status.Config.Code) {
		status.Reason = fmt.Sprintf("invalid project code %q", d.Code)
		return status
	}
	info, err := os.Stat(status.Config.RootPath)
	if err != nil {
		status.Reason = fmt.Sprintf("project root: %v", err)
		return status
	}
	if !info.IsDir() {
		status.Reason = fmt.Sprintf("project root %s is not a directory", status.Config.RootPath)
		return status
	}

	local, err := loadLocalConfig(status.Config.RootPath)
	if err != nil {
		status.Reason = err.Error()
		return status
	}
	if _, err := resolveWithinRoot(status.Config.RootPath, local.TicketPath); err != nil {
		status.Reason = fmt.Sprintf("ticketPath: %v", err)
		return status
	}
	status.Config.TicketPath = filepath.Clean(local.TicketPath)
	for _, doc := range local.DocumentPaths {
		if _, err := resolveWithinRoot(status.Config.RootPath, doc); err != nil {
			status.Reason = fmt.Sprintf("documentPaths: %v", err)
			return status
		}
		status.Config.DocumentPaths = append(status.Config.DocumentPaths, filepath.Clean(doc))
	}
	status.Config.ExcludeFolders = append([]string(nil), local.ExcludeFolders...)

	// The ticket directory must exist or be creatable.
	if err := os.MkdirAll(status.Config.TicketDir(), 0o755); err != nil {
		status.Reason = fmt.Sprintf("ticket directory: %v", err)
		return status
	}
	status.Valid = true
	return status
}
