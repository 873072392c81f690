package httpapi

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

const (
	schemaGenerate = "generate.json"
	schemaBan      = "ban.json"
	schemaKeyRef   = "key_ref.json"
)

// requestSchemas holds the compiled admin request body schemas.
type requestSchemas map[string]*santhosh.Schema

func compileRequestSchemas() (requestSchemas, error) {
	entries, err := schemaFiles.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}

	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft7
	for _, entry := range entries {
		raw, err := schemaFiles.ReadFile("schemas/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(entry.Name(), bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", entry.Name(), err)
		}
	}

	out := make(requestSchemas, len(entries))
	for _, entry := range entries {
		sch, err := compiler.Compile(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", entry.Name(), err)
		}
		out[entry.Name()] = sch
	}
	return out, nil
}

// validate checks a decoded JSON body and returns a client-facing message on
// failure.
func (s requestSchemas) validate(name string, body []byte) error {
	sch, ok := s[name]
	if !ok {
		return fmt.Errorf("unknown schema %s", name)
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return errors.New("invalid json body")
	}
	if err := sch.Validate(v); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			return errors.New(strings.Join(collectValidationErrors(ve), "; "))
		}
		return err
	}
	return nil
}

func collectValidationErrors(ve *santhosh.ValidationError) []string {
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, collectValidationErrors(cause)...)
	}
	if len(ve.Causes) == 0 {
		msgs = append(msgs, ve.InstanceLocation+": "+ve.Message)
	}
	return msgs
}
