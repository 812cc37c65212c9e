package handlers

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const taskSubmitSchema = "schemas/task_submit.json"

var (
	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
	schemaErr  error
)

// compileSchemas compiles every embedded schema once.
func compileSchemas() (map[string]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			schemaErr = err
			return
		}

		c := jsonschema.NewCompiler()
		out := make(map[string]*jsonschema.Schema, len(entries))
		for _, e := range entries {
			name := "schemas/" + e.Name()
			raw, err := schemaFS.ReadFile(name)
			if err != nil {
				schemaErr = err
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				schemaErr = fmt.Errorf("unmarshal schema %s: %w", name, err)
				return
			}
			if err := c.AddResource(name, doc); err != nil {
				schemaErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
		}
		for _, e := range entries {
			name := "schemas/" + e.Name()
			s, err := c.Compile(name)
			if err != nil {
				schemaErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[name] = s
		}
		schemas = out
	})
	return schemas, schemaErr
}

// validateDocument checks a raw JSON body against the named schema.
// jsonschema.UnmarshalJSON keeps numbers as json.Number so integer
// constraints are checked exactly.
func validateDocument(name string, body []byte) error {
	compiled, err := compileSchemas()
	if err != nil {
		return err
	}
	s, ok := compiled[name]
	if !ok {
		return fmt.Errorf("unknown schema %s", name)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return s.Validate(doc)
}
