// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

const schemaResource = "plugin.schema.json"

var manifestSchema = sync.OnceValues(func() (*jschema.Schema, error) {
	raw, err := GenerateSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, oops.In("schema").Wrapf(err, "parse generated schema")
	}
	c := jschema.NewCompiler()
	if err := c.AddResource(schemaResource, doc); err != nil {
		return nil, oops.In("schema").Wrapf(err, "add schema resource")
	}
	sch, err := c.Compile(schemaResource)
	if err != nil {
		return nil, oops.In("schema").Wrapf(err, "compile schema")
	}
	return sch, nil
})

// SchemaID returns the $id of the manifest schema. plugin.yaml files may
// reference it for editor support.
func SchemaID() string {
	return "https://plughost.holomush.dev/schemas/" + schemaResource
}

// GenerateSchema reflects the manifest JSON schema from Manifest. Unknown
// fields are rejected.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{DoNotReference: true}
	s := r.Reflect(&Manifest{})
	s.ID = jsonschema.ID(SchemaID())
	s.Title = "plughost Plugin Manifest"
	s.Description = "Schema for plugin.yaml manifest files"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, oops.In("schema").Wrapf(err, "marshal schema")
	}
	return data, nil
}

// ValidateSchema checks raw plugin.yaml content against the manifest schema.
func ValidateSchema(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return oops.In("schema").Errorf("manifest is empty")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return oops.In("schema").Wrapf(err, "invalid YAML")
	}

	sch, err := manifestSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(jsonValue(doc)); err != nil {
		return oops.In("schema").Wrapf(err, "schema validation failed")
	}
	return nil
}

// jsonValue converts a yaml.v3 document into the value space of
// encoding/json, which is what the validator expects. Integers become
// json.Number.
func jsonValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jsonValue(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = jsonValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonValue(item)
		}
		return out
	case int:
		return json.Number(strconv.Itoa(val))
	case float64:
		return json.Number(strconv.FormatFloat(val, 'g', -1, 64))
	case string, bool, nil:
		return val
	default:
		// Timestamps and other scalars yaml.v3 decodes into Go types.
		raw, err := json.Marshal(val)
		if err != nil {
			return val
		}
		out, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return val
		}
		return out
	}
}
