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

package table

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestSchemaSaveLoadRoundTrip(t *testing.T) {
	s := Schema{
		PrimaryKey: "id",
		Indexed:    []string{"status", "created_at"},
		ForeignKeys: []ForeignKey{
			{Column: "customer_id", RefTable: "customers", RefColumn: "id"},
		},
	}
	path := filepath.Join(t.TempDir(), "schema.yaml")
	if err := SaveSchema(path, s); err != nil {
		t.Fatalf("SaveSchema: %v", err)
	}
	got, err := LoadSchema(path)
	if err != nil {
		t.Fatalf("LoadSchema: %v", err)
	}
	if !reflect.DeepEqual(got, s) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, s)
	}
}
