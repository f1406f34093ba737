/*
Copyright (C) 2024-2026  DriftDB Authors

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package table implements per-table schema persistence and the
// snapshot-accelerated state reconstructor. Schema persistence follows a
// temp-write-then-load convention, expressed in YAML (via gopkg.in/yaml.v3)
// since a table's schema is meant to be hand-authored and reviewed.
package table

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Schema is a table's column-level metadata: which column is the primary
// key and which columns carry a secondary index.
type Schema struct {
	PrimaryKey  string       `yaml:"primary_key"`
	Indexed     []string     `yaml:"indexed_columns"`
	ForeignKeys []ForeignKey `yaml:"foreign_keys,omitempty"`
}

// ForeignKey declares that this table's Column must reference an existing
// row in RefTable's RefColumn at INSERT time. Existence check only, no
// cascade.
type ForeignKey struct {
	Column    string `yaml:"column"`
	RefTable  string `yaml:"ref_table"`
	RefColumn string `yaml:"ref_column"`
}

// LoadSchema reads a table's schema.yaml.
func LoadSchema(path string) (Schema, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("table: read schema %s: %w", path, err)
	}
	var s Schema
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Schema{}, fmt.Errorf("table: parse schema %s: %w", path, err)
	}
	return s, nil
}

// SaveSchema writes a table's schema.yaml via temp-then-rename.
func SaveSchema(path string, s Schema) error {
	b, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("table: marshal schema: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return fmt.Errorf("table: write schema %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}
