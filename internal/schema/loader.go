// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package schema loads the server's view definitions from their YAML
// description. Column declaration order is preserved; it defines the
// wire column order of the upstream subscription.
package schema

import (
	"os"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	coreschema "github.com/juju/feedmux/core/schema"
)

type fileSchema struct {
	Sources map[string]fileSource `yaml:"sources"`
	Enums   map[string][]string   `yaml:"enums"`
}

type fileSource struct {
	PrimaryKey string     `yaml:"primary_key"`
	Columns    columnList `yaml:"columns"`
}

type column struct {
	name     string
	declared string
}

// columnList decodes a YAML mapping while keeping declaration order,
// which yaml.v3 only exposes through the node API.
type columnList []column

// UnmarshalYAML is part of the yaml.Unmarshaler interface.
func (l *columnList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.NotValidf("columns: mapping expected")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var c column
		if err := node.Content[i].Decode(&c.name); err != nil {
			return errors.Trace(err)
		}
		if err := node.Content[i+1].Decode(&c.declared); err != nil {
			return errors.Trace(err)
		}
		*l = append(*l, c)
	}
	return nil
}

// Load reads and parses the schema file at the given path.
func Load(path string) (*coreschema.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading schema %q", path)
	}
	s, err := Parse(data)
	return s, errors.Annotatef(err, "schema %q", path)
}

// Parse decodes a YAML schema document into view definitions. Any
// unknown declared type, missing primary key or empty view is a
// configuration error; these are fatal at startup.
func Parse(data []byte) (*coreschema.Schema, error) {
	var file fileSchema
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Annotate(err, "parsing schema")
	}
	if len(file.Sources) == 0 {
		return nil, errors.NotValidf("schema with no sources")
	}

	enums := make(map[string]*coreschema.EnumType, len(file.Enums))
	for name, values := range file.Enums {
		if len(values) == 0 {
			return nil, errors.NotValidf("enum %q with no values", name)
		}
		enums[name] = coreschema.NewEnumType(name, values)
	}

	views := make(map[string]*coreschema.View, len(file.Sources))
	for name, src := range file.Sources {
		if len(src.Columns) == 0 {
			return nil, errors.NotValidf("view %q with no columns", name)
		}
		if src.PrimaryKey == "" {
			return nil, errors.NotValidf("view %q without primary_key", name)
		}
		fields := make([]coreschema.Field, 0, len(src.Columns))
		for _, col := range src.Columns {
			field := coreschema.Field{Name: col.name}
			dataType, err := coreschema.ParseDataType(col.declared)
			if err == nil {
				field.Type = dataType
			} else if enum, ok := enums[col.declared]; ok {
				field.Type = coreschema.Enum
				field.Enum = enum
			} else {
				return nil, errors.NotValidf(
					"view %q field %q: declared type %q", name, col.name, col.declared)
			}
			fields = append(fields, field)
		}
		v, err := coreschema.NewView(name, src.PrimaryKey, fields)
		if err != nil {
			return nil, errors.Trace(err)
		}
		views[name] = v
	}

	return &coreschema.Schema{Views: views}, nil
}
