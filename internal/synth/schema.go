package synth

import "encoding/json"

const fileItemDef = `{
      "type": "object",
      "properties": {
        "filename": {"type": "string"},
        "content": {"type": "string"}
      },
      "required": ["filename", "content"],
      "additionalProperties": false
    }`

// generateSchema is the strict output schema for project generation.
var generateSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "dockerfile": {"type": "string"},
    "files": {"type": "array", "items": {"$ref": "#/$defs/FileItem"}}
  },
  "required": ["dockerfile", "files"],
  "additionalProperties": false,
  "$defs": {
    "FileItem": ` + fileItemDef + `
  }
}`)

// validateSchema is the strict output schema for validation. Nullable
// fields are required so strict mode accepts the schema.
var validateSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "result": {"type": "boolean"},
    "dockerfile": {"anyOf": [{"type": "string"}, {"type": "null"}]},
    "files": {"anyOf": [
      {"type": "array", "items": {"$ref": "#/$defs/FileItem"}},
      {"type": "null"}
    ]}
  },
  "required": ["result", "dockerfile", "files"],
  "additionalProperties": false,
  "$defs": {
    "FileItem": ` + fileItemDef + `
  }
}`)

type fileItem struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

type generated struct {
	Dockerfile string     `json:"dockerfile"`
	Files      []fileItem `json:"files"`
}

type verdict struct {
	Result     bool       `json:"result"`
	Dockerfile *string    `json:"dockerfile"`
	Files      []fileItem `json:"files"`
}
