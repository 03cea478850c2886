// Package schemas embeds the JSON Schemas for group and workflow
// definitions. The schemas back `spine validate`, IDE integration, and
// any external tooling that wants structural validation without the Go
// loaders.
package schemas

import (
	"bytes"
	_ "embed"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed group.schema.json
var groupSchema []byte

//go:embed workflow.schema.json
var workflowSchema []byte

// GetGroupSchema returns the embedded group JSON Schema as raw bytes.
func GetGroupSchema() []byte {
	return groupSchema
}

// GetWorkflowSchema returns the embedded workflow JSON Schema as raw
// bytes.
func GetWorkflowSchema() []byte {
	return workflowSchema
}

var (
	compileOnce    sync.Once
	compiledGroup  *jsonschema.Schema
	compiledFlow   *jsonschema.Schema
	compileFailure error
)

func compile() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7

	if compileFailure = c.AddResource("group.schema.json", bytes.NewReader(groupSchema)); compileFailure != nil {
		return
	}
	if compileFailure = c.AddResource("workflow.schema.json", bytes.NewReader(workflowSchema)); compileFailure != nil {
		return
	}
	if compiledGroup, compileFailure = c.Compile("group.schema.json"); compileFailure != nil {
		return
	}
	compiledFlow, compileFailure = c.Compile("workflow.schema.json")
}

// Group returns the compiled group schema. Compilation happens once;
// an error here means the embedded schema itself is broken.
func Group() (*jsonschema.Schema, error) {
	compileOnce.Do(compile)
	if compileFailure != nil {
		return nil, compileFailure
	}
	return compiledGroup, nil
}

// Workflow returns the compiled workflow schema.
func Workflow() (*jsonschema.Schema, error) {
	compileOnce.Do(compile)
	if compileFailure != nil {
		return nil, compileFailure
	}
	return compiledFlow, nil
}
