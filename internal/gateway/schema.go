package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const addDocumentsSchema = `{
  "type": "object",
  "properties": {
    "file_paths": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    }
  },
  "required": ["file_paths"]
}`

const searchSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string"},
    "top_k": {"type": "integer", "minimum": 1, "maximum": 100}
  },
  "required": ["query"]
}`

type requestSchemas struct {
	addDocuments *jsonschema.Schema
	search       *jsonschema.Schema
}

func compileRequestSchemas() (*requestSchemas, error) {
	add, err := compileSchema("add_documents.json", addDocumentsSchema)
	if err != nil {
		return nil, err
	}
	search, err := compileSchema("search.json", searchSchema)
	if err != nil {
		return nil, err
	}
	return &requestSchemas{addDocuments: add, search: search}, nil
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return schema, nil
}

// decodeValidated validates the request body against schema and decodes it
// into out. It writes a 400 response and reports false on any failure.
func decodeValidated(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, out any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return false
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator needs for integer checks.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	if err := schema.Validate(doc); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return false
	}
	return true
}
