package backend

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://parsewatch.invalid/schemas/"

var (
	schemaOnce    sync.Once
	schemaErr     error
	jobListSchema *jsonschema.Schema
	jobSchema     *jsonschema.Schema
	entitleSchema *jsonschema.Schema
)

func loadSchemas() error {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			schemaErr = fmt.Errorf("read schemas: %w", err)
			return
		}
		for _, entry := range entries {
			data, err := schemaFS.ReadFile("schemas/" + entry.Name())
			if err != nil {
				schemaErr = fmt.Errorf("read schema %s: %w", entry.Name(), err)
				return
			}
			if err := compiler.AddResource(schemaBaseURL+entry.Name(), bytes.NewReader(data)); err != nil {
				schemaErr = fmt.Errorf("add schema %s: %w", entry.Name(), err)
				return
			}
		}
		if jobListSchema, schemaErr = compiler.Compile(schemaBaseURL + "job_list.json"); schemaErr != nil {
			return
		}
		if jobSchema, schemaErr = compiler.Compile(schemaBaseURL + "job.json"); schemaErr != nil {
			return
		}
		entitleSchema, schemaErr = compiler.Compile(schemaBaseURL + "entitlement.json")
	})
	return schemaErr
}

// validatePayload checks raw against schema. A mismatch is an ErrTransient.
func validatePayload(operation string, schema func() *jsonschema.Schema, raw []byte) error {
	if err := loadSchemas(); err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Wrap(ErrTransient, operation, "decode payload", err)
	}
	if err := schema().Validate(doc); err != nil {
		return Wrap(ErrTransient, operation, "payload does not match schema", err)
	}
	return nil
}

func jobListSchemaRef() *jsonschema.Schema     { return jobListSchema }
func jobSchemaRef() *jsonschema.Schema         { return jobSchema }
func entitlementSchemaRef() *jsonschema.Schema { return entitleSchema }
