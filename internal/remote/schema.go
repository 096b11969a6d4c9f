package remote

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	columnsSchemaURL    = "https://relaynote.dev/schema/columns.json"
	rowsSchemaURL       = "https://relaynote.dev/schema/rows.json"
	appearanceSchemaURL = "https://relaynote.dev/schema/appearance.json"
)

const columnsSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "type"],
    "properties": {
      "id": {"type": "string", "minLength": 1},
      "title": {"type": "string"},
      "type": {"enum": ["text", "number", "checkbox", "select", "multiselect", "date", "url", "email"]},
      "options": {"type": "array", "items": {"type": "string"}},
      "width": {"type": "integer", "minimum": 0},
      "aggregation": {"enum": ["", "count", "sum", "average", "min", "max", "checked"]}
    }
  }
}`

const rowsSchema = `{
  "$defs": {
    "row": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "cells": {"type": ["object", "null"], "additionalProperties": {"type": "string"}},
        "cellColors": {"type": ["object", "null"], "additionalProperties": {"type": "string"}},
        "color": {"type": "string"},
        "children": {"type": ["array", "null"], "items": {"$ref": "#/$defs/row"}},
        "isExpanded": {"type": "boolean"}
      }
    }
  },
  "type": "array",
  "items": {"$ref": "#/$defs/row"}
}`

const appearanceSchema = `{
  "type": ["object", "null"],
  "properties": {
    "headerColor": {"type": "string"},
    "density": {"type": "string"},
    "fontSize": {"type": "integer", "minimum": 6, "maximum": 72},
    "stripedRows": {"type": "boolean"},
    "showBorders": {"type": "boolean"}
  }
}`

type schemaSet struct {
	columns    *jsonschema.Schema
	rows       *jsonschema.Schema
	appearance *jsonschema.Schema
}

var (
	schemasOnce sync.Once
	schemas     schemaSet
	schemasErr  error
)

func loadSchemas() (schemaSet, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		for url, text := range map[string]string{
			columnsSchemaURL:    columnsSchema,
			rowsSchemaURL:       rowsSchema,
			appearanceSchemaURL: appearanceSchema,
		} {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
			if err != nil {
				schemasErr = err
				return
			}
			if err := c.AddResource(url, doc); err != nil {
				schemasErr = err
				return
			}
		}
		var err error
		if schemas.columns, err = c.Compile(columnsSchemaURL); err != nil {
			schemasErr = err
			return
		}
		if schemas.rows, err = c.Compile(rowsSchemaURL); err != nil {
			schemasErr = err
			return
		}
		schemas.appearance, schemasErr = c.Compile(appearanceSchemaURL)
	})
	return schemas, schemasErr
}

func validateJSON(sch *jsonschema.Schema, field string, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRow, field, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRow, field, err)
	}
	return nil
}

// ValidateTableRow checks the json columns of a table row before they are
// decoded into the document model.
func ValidateTableRow(r TableRow) error {
	s, err := loadSchemas()
	if err != nil {
		return err
	}
	if len(r.Columns) == 0 || len(r.Rows) == 0 {
		return fmt.Errorf("%w: table %s: columns and rows are required", ErrInvalidRow, r.ID)
	}
	if err := validateJSON(s.columns, "columns", r.Columns); err != nil {
		return err
	}
	if err := validateJSON(s.rows, "rows", r.Rows); err != nil {
		return err
	}
	if len(r.Appearance) > 0 {
		return validateJSON(s.appearance, "appearance", r.Appearance)
	}
	return nil
}
