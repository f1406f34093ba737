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

package sql

import "github.com/driftdb/driftdb/sindex"

// conjuncts flattens a top-level AND tree into its leaf predicates, so the
// planner can consider each independently. The leaves keep their written
// order; candidatePlan looks up only equality and BETWEEN leaves in an
// index.
func conjuncts(e Expr) []Expr {
	if e == nil {
		return nil
	}
	if b, ok := e.(BinaryExpr); ok && b.Op == "AND" {
		return append(conjuncts(b.Left), conjuncts(b.Right)...)
	}
	return []Expr{e}
}

// candidatePlan asks the engine's secondary indexes for a candidate
// primary-key set from tableName's WHERE predicates, intersecting one
// candidate set per indexed equality/range predicate found. narrowed is
// false when no predicate could be served by an index, signalling a full
// table scan.
func (x *Executor) candidatePlan(tableName string, where Expr) (keys map[string]bool, narrowed bool, err error) {
	for _, pred := range conjuncts(where) {
		switch p := pred.(type) {
		case BinaryExpr:
			if p.Op != "=" {
				continue
			}
			col, val, ok := equalityOperands(p)
			if !ok {
				continue
			}
			lit, ok := val.(Literal)
			if !ok {
				continue
			}
			found, indexed, err := x.eng.CandidateKeys(tableName, col, sindex.LookupValue(lit.Value))
			if err != nil {
				return nil, false, err
			}
			if !indexed {
				continue
			}
			keys = intersectKeys(keys, narrowed, found)
			narrowed = true
		case BetweenExpr:
			ref, ok := p.Operand.(ColumnRef)
			if !ok {
				continue
			}
			loLit, loOk := p.Lo.(Literal)
			hiLit, hiOk := p.Hi.(Literal)
			if !loOk || !hiOk || p.Not {
				continue
			}
			found, indexed, err := x.eng.CandidateKeyRange(tableName, ref.Column, sindex.LookupValue(loLit.Value), sindex.LookupValue(hiLit.Value))
			if err != nil {
				return nil, false, err
			}
			if !indexed {
				continue
			}
			keys = intersectKeys(keys, narrowed, found)
			narrowed = true
		}
	}
	return keys, narrowed, nil
}

func equalityOperands(b BinaryExpr) (col string, val Expr, ok bool) {
	if ref, isRef := b.Left.(ColumnRef); isRef {
		return ref.Column, b.Right, true
	}
	if ref, isRef := b.Right.(ColumnRef); isRef {
		return ref.Column, b.Left, true
	}
	return "", nil, false
}

func intersectKeys(existing map[string]bool, hadPrior bool, found []string) map[string]bool {
	set := make(map[string]bool, len(found))
	for _, k := range found {
		set[k] = true
	}
	if !hadPrior {
		return set
	}
	out := make(map[string]bool)
	for k := range existing {
		if set[k] {
			out[k] = true
		}
	}
	return out
}
