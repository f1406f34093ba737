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

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// evalCtx carries the row currently being evaluated, plus an optional
// outer context a correlated subquery falls back to when a column isn't
// found in its own row. This is what makes scalar, quantified, and
// EXISTS subqueries correlated.
type evalCtx struct {
	exec  *Executor
	row   map[string]any
	outer *evalCtx
}

func (c evalCtx) column(ref ColumnRef) (any, bool) {
	if c.row != nil {
		if v, ok := c.row[ref.Column]; ok {
			return v, true
		}
	}
	if c.outer != nil {
		return c.outer.column(ref)
	}
	return nil, false
}

// eval evaluates e against a single row context; aggregate function
// calls are not meaningful here and return an error (use evalProj for
// projection/ORDER BY expressions, which understands aggregates).
func (x *Executor) eval(e Expr, ctx evalCtx) (any, error) {
	switch v := e.(type) {
	case Literal:
		return v.Value, nil
	case ColumnRef:
		val, _ := ctx.column(v)
		return val, nil
	case BinaryExpr:
		l, err := x.eval(v.Left, ctx)
		if err != nil {
			return nil, err
		}
		if v.Op == "AND" && !truthy(l) {
			return false, nil
		}
		if v.Op == "OR" && truthy(l) {
			return true, nil
		}
		r, err := x.eval(v.Right, ctx)
		if err != nil {
			return nil, err
		}
		return evalBinary(v.Op, l, r)
	case UnaryExpr:
		inner, err := x.eval(v.Operand, ctx)
		if err != nil {
			return nil, err
		}
		return evalUnary(v.Op, inner)
	case BetweenExpr:
		val, err := x.eval(v.Operand, ctx)
		if err != nil {
			return nil, err
		}
		lo, err := x.eval(v.Lo, ctx)
		if err != nil {
			return nil, err
		}
		hi, err := x.eval(v.Hi, ctx)
		if err != nil {
			return nil, err
		}
		cmpLo, _ := compareValues(val, lo)
		cmpHi, _ := compareValues(val, hi)
		result := cmpLo >= 0 && cmpHi <= 0
		if v.Not {
			result = !result
		}
		return result, nil
	case InExpr:
		return x.evalIn(v, ctx)
	case ExistsExpr:
		rows, err := x.runSelect(v.Subquery, &ctx)
		if err != nil {
			return nil, err
		}
		found := len(rows) > 0
		if v.Not {
			return !found, nil
		}
		return found, nil
	case ScalarSubquery:
		rows, err := x.runSelect(v.Query, &ctx)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		return firstValue(rows[0]), nil
	case QuantifiedComparison:
		return x.evalQuantified(v, ctx)
	case CaseExpr:
		for _, w := range v.Whens {
			cond, err := x.eval(w.Cond, ctx)
			if err != nil {
				return nil, err
			}
			if truthy(cond) {
				return x.eval(w.Then, ctx)
			}
		}
		if v.Else != nil {
			return x.eval(v.Else, ctx)
		}
		return nil, nil
	case FuncCall:
		return nil, fmt.Errorf("sql: aggregate function %s not valid outside a projection or GROUP BY", v.Name)
	}
	return nil, fmt.Errorf("sql: unhandled expression %T", e)
}

func (x *Executor) evalIn(v InExpr, ctx evalCtx) (any, error) {
	left, err := x.eval(v.Left, ctx)
	if err != nil {
		return nil, err
	}
	found := false
	if v.Subquery != nil {
		rows, err := x.runSelect(v.Subquery, &ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if c, _ := compareValues(left, firstValue(r)); c == 0 {
				found = true
				break
			}
		}
	} else {
		for _, item := range v.List {
			val, err := x.eval(item, ctx)
			if err != nil {
				return nil, err
			}
			if c, ok := compareValues(left, val); ok && c == 0 {
				found = true
				break
			}
		}
	}
	if v.Not {
		return !found, nil
	}
	return found, nil
}

func (x *Executor) evalQuantified(v QuantifiedComparison, ctx evalCtx) (any, error) {
	left, err := x.eval(v.Left, ctx)
	if err != nil {
		return nil, err
	}
	rows, err := x.runSelect(v.Subquery, &ctx)
	if err != nil {
		return nil, err
	}
	if v.All {
		for _, r := range rows {
			ok, err := compareOp(v.Op, left, firstValue(r))
			if err != nil {
				return nil, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
	for _, r := range rows {
		ok, err := compareOp(v.Op, left, firstValue(r))
		if err != nil {
			return nil, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// evalProj evaluates a projection/GROUP BY/ORDER BY expression against an
// entire group of rows, understanding aggregate function calls (simple
// aggregates with an optional GROUP BY). Non-aggregate leaves are
// evaluated against rows[0].
func (x *Executor) evalProj(e Expr, rows []map[string]any, ctx evalCtx) (any, error) {
	switch v := e.(type) {
	case FuncCall:
		if isAggregate(v.Name) {
			return x.evalAggregate(v, rows, ctx)
		}
	case BinaryExpr:
		l, err := x.evalProj(v.Left, rows, ctx)
		if err != nil {
			return nil, err
		}
		r, err := x.evalProj(v.Right, rows, ctx)
		if err != nil {
			return nil, err
		}
		return evalBinary(v.Op, l, r)
	case UnaryExpr:
		inner, err := x.evalProj(v.Operand, rows, ctx)
		if err != nil {
			return nil, err
		}
		return evalUnary(v.Op, inner)
	case CaseExpr:
		for _, w := range v.Whens {
			cond, err := x.evalProj(w.Cond, rows, ctx)
			if err != nil {
				return nil, err
			}
			if truthy(cond) {
				return x.evalProj(w.Then, rows, ctx)
			}
		}
		if v.Else != nil {
			return x.evalProj(v.Else, rows, ctx)
		}
		return nil, nil
	}
	rowCtx := ctx
	if len(rows) > 0 {
		rowCtx.row = rows[0]
	}
	return x.eval(e, rowCtx)
}

func isAggregate(name string) bool {
	switch name {
	case "COUNT", "SUM", "AVG", "MIN", "MAX":
		return true
	}
	return false
}

func (x *Executor) evalAggregate(call FuncCall, rows []map[string]any, ctx evalCtx) (any, error) {
	if call.Name == "COUNT" && call.Star {
		return float64(len(rows)), nil
	}
	if len(call.Args) != 1 {
		return nil, fmt.Errorf("sql: %s takes exactly one argument", call.Name)
	}
	var values []any
	seen := map[string]bool{}
	for _, r := range rows {
		rowCtx := ctx
		rowCtx.row = r
		v, err := x.eval(call.Args[0], rowCtx)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		if call.Distinct {
			key := fmt.Sprint(v)
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		values = append(values, v)
	}
	switch call.Name {
	case "COUNT":
		return float64(len(values)), nil
	case "SUM", "AVG":
		var sum float64
		for _, v := range values {
			sum += toFloat(v)
		}
		if call.Name == "SUM" {
			return sum, nil
		}
		if len(values) == 0 {
			return nil, nil
		}
		return sum / float64(len(values)), nil
	case "MIN", "MAX":
		if len(values) == 0 {
			return nil, nil
		}
		best := values[0]
		for _, v := range values[1:] {
			c, _ := compareValues(v, best)
			if (call.Name == "MIN" && c < 0) || (call.Name == "MAX" && c > 0) {
				best = v
			}
		}
		return best, nil
	}
	return nil, fmt.Errorf("sql: unknown aggregate %s", call.Name)
}

func firstValue(row map[string]any) any {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return nil
	}
	return row[keys[0]]
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// compareValues orders two scalar values; ok is false when they are not
// comparable (mismatched, non-orderable types).
func compareValues(a, b any) (int, bool) {
	if a == nil && b == nil {
		return 0, true
	}
	if a == nil {
		return -1, true
	}
	if b == nil {
		return 1, true
	}
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av && bv {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func compareOp(op string, a, b any) (bool, error) {
	c, ok := compareValues(a, b)
	if !ok {
		return false, nil
	}
	switch op {
	case "=":
		return c == 0, nil
	case "<>":
		return c != 0, nil
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, fmt.Errorf("sql: unknown comparison operator %q", op)
}

func evalBinary(op string, l, r any) (any, error) {
	switch op {
	case "AND":
		return truthy(l) && truthy(r), nil
	case "OR":
		return truthy(l) || truthy(r), nil
	case "=", "<>", "<", "<=", ">", ">=":
		return compareOp(op, l, r)
	case "LIKE":
		ls, lok := l.(string)
		rs, rok := r.(string)
		if !lok || !rok {
			return false, nil
		}
		return matchLike(ls, rs), nil
	case "+":
		return toFloat(l) + toFloat(r), nil
	case "-":
		return toFloat(l) - toFloat(r), nil
	case "*":
		return toFloat(l) * toFloat(r), nil
	case "/":
		rv := toFloat(r)
		if rv == 0 {
			return nil, fmt.Errorf("sql: division by zero")
		}
		return toFloat(l) / rv, nil
	}
	return nil, fmt.Errorf("sql: unknown operator %q", op)
}

func evalUnary(op string, v any) (any, error) {
	switch op {
	case "NOT":
		return !truthy(v), nil
	case "-":
		return -toFloat(v), nil
	}
	return nil, fmt.Errorf("sql: unknown unary operator %q", op)
}

// matchLike implements SQL LIKE's '%' and '_' wildcards over literal
// text. There is no escape character support.
func matchLike(s, pattern string) bool {
	var re strings.Builder
	re.WriteString("^")
	for _, ch := range pattern {
		switch ch {
		case '%':
			re.WriteString(".*")
		case '_':
			re.WriteString(".")
		default:
			re.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	re.WriteString("$")
	matched, err := regexp.MatchString(re.String(), s)
	return err == nil && matched
}
