package tools

import (
	ports "github.com/ZanzyTHEbar/agentflow/agentflow/harness/ports"
)

// Name identifies one of the version tools.
type Name string

const (
	SetupNewVersion Name = "setup_new_version"
	CreateFile      Name = "create_file"
	SaveVersion     Name = "save_version"
)

// Names lists every tool in declaration order.
var Names = []Name{SetupNewVersion, CreateFile, SaveVersion}

// Valid reports whether n names a registered tool.
func (n Name) Valid() bool {
	switch n {
	case SetupNewVersion, CreateFile, SaveVersion:
		return true
	}
	return false
}

// Registry is the closed set of tools offered to the model.
type Registry struct {
	tools map[Name]ports.Tool
}

// NewRegistry binds the version tools to a workspace.
func NewRegistry(ws *Workspace) *Registry {
	return &Registry{
		tools: map[Name]ports.Tool{
			SetupNewVersion: NewSetupNewVersionTool(ws),
			CreateFile:      NewCreateFileTool(ws),
			SaveVersion:     NewSaveVersionTool(ws),
		},
	}
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (ports.Tool, bool) {
	n := Name(name)
	if !n.Valid() {
		return nil, false
	}
	tool, ok := r.tools[n]
	return tool, ok
}

// Tools returns the tools in declaration order.
func (r *Registry) Tools() []ports.Tool {
	out := make([]ports.Tool, 0, len(Names))
	for _, n := range Names {
		out = append(out, r.tools[n])
	}
	return out
}

// Specs converts the tools to provider declarations.
func (r *Registry) Specs() []ports.ToolSpec {
	tools := r.Tools()
	specs := make([]ports.ToolSpec, len(tools))
	for i, tool := range tools {
		specs[i] = ports.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			JSONSchema:  tool.Schema(),
		}
	}
	return specs
}
