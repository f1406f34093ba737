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

package event

import (
	"encoding/json"
	"fmt"
)

// CanonicalKey turns a JSON primary-key value into the canonical string
// used for indexing (segment lookups, MVCC record ids, secondary index
// keys). Strings pass through unchanged, so the number 1 and the string
// "1" both canonicalise to "1"; callers needing that distinction should
// key on the original value, not this string.
// Everything else is rendered via its canonical JSON encoding so that
// e.g. the float 1.0 and the int 1 canonicalise identically.
func CanonicalKey(pk any) string {
	switch v := pk.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// RecordID identifies one MVCC version chain: a (table, key) pair.
type RecordID struct {
	Table string
	Key   string
}

func (r RecordID) String() string { return r.Table + "\x00" + r.Key }
