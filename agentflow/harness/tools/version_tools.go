package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	afsurl "github.com/viant/afs/url"
)

// SetupNewVersionSchema defines the JSON schema for setup_new_version parameters.
const SetupNewVersionSchema = `{
  "type": "object",
  "properties": {},
  "additionalProperties": false
}`

// CreateFileSchema defines the JSON schema for create_file parameters.
const CreateFileSchema = `{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "minLength": 1,
      "description": "File path relative to the version directory, e.g. index.ts or src/steps.ts"
    },
    "content": {
      "type": "string",
      "description": "Full text content of the file"
    },
    "version": {
      "type": "integer",
      "minimum": 1,
      "description": "Version number returned by setup_new_version"
    }
  },
  "required": ["path", "content", "version"],
  "additionalProperties": false
}`

// SaveVersionSchema defines the JSON schema for save_version parameters.
const SaveVersionSchema = `{
  "type": "object",
  "properties": {
    "version": {
      "type": "integer",
      "minimum": 1,
      "description": "Version number to archive and close"
    }
  },
  "required": ["version"],
  "additionalProperties": false
}`

// SetupResult is returned by setup_new_version.
type SetupResult struct {
	Success bool   `json:"success"`
	Version int    `json:"version"`
	Path    string `json:"path"`
}

// CreateFileResult is returned by create_file.
type CreateFileResult struct {
	Success  bool   `json:"success"`
	Path     string `json:"path"`
	FullPath string `json:"fullPath"`
}

// SaveResult is returned by save_version.
type SaveResult struct {
	Success     bool   `json:"success"`
	Version     int    `json:"version"`
	StoragePath string `json:"storage_path"`
	StorageURL  string `json:"storage_url"`
}

// SetupNewVersionTool allocates the next version directory.
type SetupNewVersionTool struct {
	ws *Workspace
}

func NewSetupNewVersionTool(ws *Workspace) *SetupNewVersionTool {
	return &SetupNewVersionTool{ws: ws}
}

func (t *SetupNewVersionTool) Name() string { return string(SetupNewVersion) }

func (t *SetupNewVersionTool) Description() string {
	return "Create a new version directory for workflow files. Call this first, then create_file for each file, then save_version."
}

func (t *SetupNewVersionTool) Schema() []byte { return []byte(SetupNewVersionSchema) }

// Invoke allocates a version. Arguments are ignored.
func (t *SetupNewVersionTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	version, dir, err := t.ws.Setup(ctx)
	if err != nil {
		return nil, err
	}
	return SetupResult{Success: true, Version: version, Path: dir}, nil
}

// CreateFileTool writes one file into an allocated version.
type CreateFileTool struct {
	ws *Workspace
}

func NewCreateFileTool(ws *Workspace) *CreateFileTool {
	return &CreateFileTool{ws: ws}
}

func (t *CreateFileTool) Name() string { return string(CreateFile) }

func (t *CreateFileTool) Description() string {
	return "Create or overwrite a file inside a version directory created by setup_new_version."
}

func (t *CreateFileTool) Schema() []byte { return []byte(CreateFileSchema) }

// Invoke writes the file.
func (t *CreateFileTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Version int    `json:"version"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if params.Version < 1 {
		return nil, fmt.Errorf("version must be a positive integer")
	}

	fullPath, err := t.ws.WriteFile(ctx, params.Version, params.Path, params.Content)
	if err != nil {
		return nil, err
	}

	rel, err := filepath.Rel(t.ws.VersionDir(params.Version), fullPath)
	if err != nil {
		rel = params.Path
	}
	return CreateFileResult{Success: true, Path: filepath.ToSlash(rel), FullPath: fullPath}, nil
}

// SaveVersionTool archives a version and removes its directory.
type SaveVersionTool struct {
	ws *Workspace
}

func NewSaveVersionTool(ws *Workspace) *SaveVersionTool {
	return &SaveVersionTool{ws: ws}
}

func (t *SaveVersionTool) Name() string { return string(SaveVersion) }

func (t *SaveVersionTool) Description() string {
	return "Archive a version as v<N>.tar.gz in storage and delete its directory. A saved version cannot be written again."
}

func (t *SaveVersionTool) Schema() []byte { return []byte(SaveVersionSchema) }

// Invoke archives the version.
func (t *SaveVersionTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if params.Version < 1 {
		return nil, fmt.Errorf("version must be a positive integer")
	}

	storageURL, err := t.ws.Save(ctx, params.Version)
	if err != nil {
		return nil, err
	}
	return SaveResult{
		Success:     true,
		Version:     params.Version,
		StoragePath: afsurl.Path(storageURL),
		StorageURL:  storageURL,
	}, nil
}
