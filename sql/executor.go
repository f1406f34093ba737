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

// Package sql implements DriftDB's SQL bridge and executor: a hand-rolled
// recursive-descent lexer/parser built as a manual tokenizer state
// machine, plus an executor that turns parsed statements into engine
// calls and reconstructed rows back into result sets. The wire protocol
// that carries SQL text to and from a client is out of scope; Executor is
// the thing a wire-protocol handler would sit on top of.
package sql

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/driftdb/driftdb/engine"
	"github.com/driftdb/driftdb/errdefs"
	"github.com/driftdb/driftdb/event"
)

// Executor runs parsed statements against an Engine. It is not
// goroutine-safe across a transaction boundary: one Executor models one
// client session, and a session has at most one open transaction at a
// time, matching how BEGIN/COMMIT/ROLLBACK scope to a single connection
// on a real Postgres-speaking server.
type Executor struct {
	eng *engine.Engine

	inTxn bool
	txnID uint64
}

// NewExecutor wraps eng for SQL execution.
func NewExecutor(eng *engine.Engine) *Executor {
	return &Executor{eng: eng}
}

// ExecuteSQL parses text as a single statement and executes it.
func (x *Executor) ExecuteSQL(text string) Result {
	stmt, err := Parse(text)
	if err != nil {
		return errorResult(err)
	}
	return x.ExecuteQuery(stmt)
}

// ExecuteQuery executes an already-parsed statement, letting callers
// that build statements programmatically skip the parser entirely.
func (x *Executor) ExecuteQuery(q Query) Result {
	switch st := q.(type) {
	case CreateTable:
		return x.execCreateTable(st)
	case CreateIndex:
		return x.execCreateIndex(st)
	case DropIndex:
		return x.execDropIndex(st)
	case Truncate:
		return x.execTruncate(st)
	case Insert:
		return x.execInsert(st)
	case Update:
		return x.execUpdate(st)
	case Delete:
		return x.execDelete(st)
	case Begin:
		return x.execBegin(st)
	case Commit:
		return x.execCommit()
	case Rollback:
		return x.execRollback()
	case SnapshotTable:
		return x.execSnapshotTable(st)
	case Vacuum:
		return x.execVacuum(st)
	case Analyze:
		return x.execAnalyze(st)
	case Explain:
		return x.execExplain(st)
	case *Select:
		return x.execSelect(st)
	}
	return errorResult(fmt.Errorf("sql: unhandled statement %T", q))
}

// applyEvent routes ev through the session's open transaction, if any,
// or applies it autocommit.
func (x *Executor) applyEvent(ev event.Event) error {
	if x.inTxn {
		return x.eng.ApplyEventInTransaction(x.txnID, ev)
	}
	_, err := x.eng.ApplyEvent(ev)
	return err
}

func (x *Executor) currentState(tableName string) (map[string]map[string]any, error) {
	seq, err := x.eng.CurrentSequence(tableName)
	if err != nil {
		return nil, err
	}
	return x.eng.ReconstructAt(tableName, seq)
}

// --- DDL ---

func (x *Executor) execCreateTable(st CreateTable) Result {
	if err := x.eng.CreateTable(st.Name, st.Schema); err != nil {
		return errorResult(err)
	}
	return success(fmt.Sprintf("CREATE TABLE %s", st.Name))
}

func (x *Executor) execCreateIndex(st CreateIndex) Result {
	if err := x.eng.CreateIndex(st.Table, st.Column); err != nil {
		return errorResult(err)
	}
	return success(fmt.Sprintf("CREATE INDEX on %s(%s)", st.Table, st.Column))
}

func (x *Executor) execDropIndex(st DropIndex) Result {
	if err := x.eng.DropIndex(st.Table, st.Column); err != nil {
		return errorResult(err)
	}
	return success(fmt.Sprintf("DROP INDEX on %s(%s)", st.Table, st.Column))
}

func (x *Executor) execTruncate(st Truncate) Result {
	schema, err := x.eng.Schema(st.Table)
	if err != nil {
		return errorResult(err)
	}
	state, err := x.currentState(st.Table)
	if err != nil {
		return errorResult(err)
	}
	count := 0
	for _, row := range state {
		ev := event.Event{Table: st.Table, PrimaryKey: row[schema.PrimaryKey], Type: event.SoftDelete}
		if err := x.applyEvent(ev); err != nil {
			return errorResult(err)
		}
		count++
	}
	return success(fmt.Sprintf("TRUNCATE %d", count))
}

// --- DML ---

func (x *Executor) execInsert(st Insert) Result {
	schema, err := x.eng.Schema(st.Table)
	if err != nil {
		return errorResult(err)
	}
	if len(st.Columns) == 0 {
		return errorResult(&errdefs.InvalidQuery{Reason: "INSERT requires an explicit column list"})
	}
	if len(st.Columns) != len(st.Values) {
		return errorResult(&errdefs.InvalidQuery{Reason: "INSERT column count does not match value count"})
	}

	ctx := evalCtx{exec: x}
	payload := make(map[string]any, len(st.Columns))
	for i, col := range st.Columns {
		v, err := x.eval(st.Values[i], ctx)
		if err != nil {
			return errorResult(err)
		}
		payload[col] = v
	}

	pk, ok := payload[schema.PrimaryKey]
	if !ok || pk == nil {
		return errorResult(&errdefs.PrimaryKeyMissing{Table: st.Table})
	}

	for _, fk := range schema.ForeignKeys {
		refVal, present := payload[fk.Column]
		if !present || refVal == nil {
			continue
		}
		refState, err := x.currentState(fk.RefTable)
		if err != nil {
			return errorResult(err)
		}
		if _, ok := refState[event.CanonicalKey(refVal)]; !ok {
			return errorResult(fmt.Errorf("%w: %s.%s=%v not present in %s.%s",
				errdefs.ErrForeignKeyViolation, st.Table, fk.Column, refVal, fk.RefTable, fk.RefColumn))
		}
	}

	ev := event.Event{Table: st.Table, PrimaryKey: pk, Type: event.Insert, Payload: payload}
	if err := x.applyEvent(ev); err != nil {
		return errorResult(err)
	}
	return success("INSERT 1")
}

func (x *Executor) execUpdate(st Update) Result {
	schema, err := x.eng.Schema(st.Table)
	if err != nil {
		return errorResult(err)
	}
	state, err := x.currentState(st.Table)
	if err != nil {
		return errorResult(err)
	}
	keys, narrowed, err := x.candidatePlan(st.Table, st.Where)
	if err != nil {
		return errorResult(err)
	}

	ctx := evalCtx{exec: x}
	count := 0
	for key, row := range state {
		if narrowed && !keys[key] {
			continue
		}
		ctx.row = row
		if st.Where != nil {
			val, err := x.eval(st.Where, ctx)
			if err != nil {
				return errorResult(err)
			}
			if !truthy(val) {
				continue
			}
		}
		payload := make(map[string]any, len(st.Set))
		for _, a := range st.Set {
			v, err := x.eval(a.Value, ctx)
			if err != nil {
				return errorResult(err)
			}
			payload[a.Column] = v
		}
		ev := event.Event{Table: st.Table, PrimaryKey: row[schema.PrimaryKey], Type: event.Patch, Payload: payload}
		if err := x.applyEvent(ev); err != nil {
			return errorResult(err)
		}
		count++
	}
	return success(fmt.Sprintf("UPDATE %d", count))
}

func (x *Executor) execDelete(st Delete) Result {
	schema, err := x.eng.Schema(st.Table)
	if err != nil {
		return errorResult(err)
	}
	state, err := x.currentState(st.Table)
	if err != nil {
		return errorResult(err)
	}
	keys, narrowed, err := x.candidatePlan(st.Table, st.Where)
	if err != nil {
		return errorResult(err)
	}

	ctx := evalCtx{exec: x}
	count := 0
	for key, row := range state {
		if narrowed && !keys[key] {
			continue
		}
		ctx.row = row
		if st.Where != nil {
			val, err := x.eval(st.Where, ctx)
			if err != nil {
				return errorResult(err)
			}
			if !truthy(val) {
				continue
			}
		}
		ev := event.Event{Table: st.Table, PrimaryKey: row[schema.PrimaryKey], Type: event.SoftDelete}
		if err := x.applyEvent(ev); err != nil {
			return errorResult(err)
		}
		count++
	}
	return success(fmt.Sprintf("DELETE %d", count))
}

// --- Transactions ---

func (x *Executor) execBegin(st Begin) Result {
	if x.inTxn {
		return errorResult(fmt.Errorf("sql: a transaction is already open on this session"))
	}
	id, err := x.eng.BeginTransaction(st.Isolation)
	if err != nil {
		return errorResult(err)
	}
	x.inTxn = true
	x.txnID = id
	return success("BEGIN")
}

func (x *Executor) execCommit() Result {
	if !x.inTxn {
		return errorResult(fmt.Errorf("sql: no transaction is open on this session"))
	}
	err := x.eng.CommitTransaction(x.txnID)
	x.inTxn = false
	if err != nil {
		return errorResult(err)
	}
	return success("COMMIT")
}

func (x *Executor) execRollback() Result {
	if !x.inTxn {
		return errorResult(fmt.Errorf("sql: no transaction is open on this session"))
	}
	err := x.eng.RollbackTransaction(x.txnID)
	x.inTxn = false
	if err != nil {
		return errorResult(err)
	}
	return success("ROLLBACK")
}

// --- Operational statements ---

func (x *Executor) execSnapshotTable(st SnapshotTable) Result {
	if err := x.eng.CreateSnapshot(st.Table); err != nil {
		return errorResult(err)
	}
	return success(fmt.Sprintf("SNAPSHOT %s", st.Table))
}

func (x *Executor) execVacuum(st Vacuum) Result {
	if st.Table == "" {
		if err := x.eng.CompactAll(context.Background()); err != nil {
			return errorResult(err)
		}
		return success("VACUUM (all tables)")
	}
	if err := x.eng.CompactTable(st.Table); err != nil {
		return errorResult(err)
	}
	return success(fmt.Sprintf("VACUUM %s", st.Table))
}

func (x *Executor) execAnalyze(st Analyze) Result {
	names := []string{st.Table}
	if st.Table == "" {
		names = x.eng.ListTables()
	}
	var rows []map[string]any
	for _, name := range names {
		stats, err := x.eng.CollectTableStatistics(name)
		if err != nil {
			return errorResult(err)
		}
		rows = append(rows, map[string]any{
			"table":                 name,
			"row_count":             stats.RowCount,
			"last_sequence":         stats.LastSequence,
			"last_snapshot_seq":     stats.LastSnapshotSeq,
			"snapshots_created":     stats.SnapshotsCreated,
			"writes_processed":      stats.WritesProcessed,
			"writes_since_snapshot": stats.WritesSinceSnapshot,
		})
	}
	return rowsResult(rows)
}

func (x *Executor) execExplain(st Explain) Result {
	plan := map[string]any{"statement": fmt.Sprintf("%T", st.Inner)}
	if sel, ok := st.Inner.(*Select); ok {
		plan["statement"] = "select"
		if len(sel.From) == 1 && sel.From[0].Table != "" {
			table := sel.From[0].Table
			plan["table"] = table
			_, narrowed, err := x.candidatePlan(table, sel.Where)
			if err == nil {
				plan["index_narrowed"] = narrowed
			}
		}
		plan["temporal"] = int(sel.Temporal.Kind)
		plan["group_by"] = len(sel.GroupBy) > 0
		plan["order_by"] = len(sel.OrderBy) > 0
		if sel.HasLimit {
			plan["limit"] = sel.Limit
		}
	}
	encoded, err := json.Marshal(plan)
	if err != nil {
		return errorResult(err)
	}
	return planResult(string(encoded))
}

// --- SELECT ---

func (x *Executor) execSelect(sel *Select) Result {
	if sel.Temporal.Kind == TemporalAll || sel.Temporal.Kind == TemporalBetween {
		return x.execHistorySelect(sel)
	}
	rows, err := x.runSelect(sel, nil)
	if err != nil {
		return errorResult(err)
	}
	return rowsResult(rows)
}

// execHistorySelect handles `FOR SYSTEM_TIME ALL`/`BETWEEN`, returning
// the raw event stream for a single table instead of reconstructed rows
// as a DriftHistory result.
func (x *Executor) execHistorySelect(sel *Select) Result {
	if len(sel.From) != 1 || sel.From[0].Table == "" {
		return errorResult(&errdefs.InvalidQuery{Reason: "FOR SYSTEM_TIME ALL/BETWEEN requires a single table source"})
	}
	tableName := sel.From[0].Table
	var lo, hi uint64
	switch sel.Temporal.Kind {
	case TemporalAll:
		cur, err := x.eng.CurrentSequence(tableName)
		if err != nil {
			return errorResult(err)
		}
		lo, hi = 0, cur
	case TemporalBetween:
		lo, hi = sel.Temporal.BetweenLo, sel.Temporal.BetweenHi
	}
	events, err := x.eng.ScanEvents(tableName, lo, hi)
	if err != nil {
		return errorResult(err)
	}
	if target, ok := primaryKeyEquality(sel.Where); ok {
		filtered := events[:0]
		for _, ev := range events {
			if event.CanonicalKey(ev.PrimaryKey) == target {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	return historyResult(events)
}

// primaryKeyEquality looks for a single top-level `pk = literal`
// conjunct in where, used to narrow a drift-history scan to one key
// without pulling in the full planner (history scans operate on raw
// events, which candidatePlan's index lookups are not built for).
func primaryKeyEquality(where Expr) (string, bool) {
	for _, pred := range conjuncts(where) {
		b, ok := pred.(BinaryExpr)
		if !ok || b.Op != "=" {
			continue
		}
		_, val, ok := equalityOperands(b)
		if !ok {
			continue
		}
		if lit, ok := val.(Literal); ok {
			return event.CanonicalKey(lit.Value), true
		}
	}
	return "", false
}

// runSelect evaluates sel against the current engine state (or a
// reconstruction as of sel's temporal clause), returning projected
// rows. outer is the enclosing query's context, used to resolve
// correlated column references from a subquery.
func (x *Executor) runSelect(sel *Select, outer *evalCtx) ([]map[string]any, error) {
	ctes := make(map[string]*Select, len(sel.CTEs))
	for _, c := range sel.CTEs {
		ctes[c.Name] = c.Query
	}

	baseCtx := evalCtx{exec: x}
	if outer != nil {
		baseCtx.outer = outer
	}

	var rows []map[string]any
	switch {
	case len(sel.From) == 0:
		rows = []map[string]any{{}}
	case len(sel.From) == 1:
		item := sel.From[0]
		var err error
		switch {
		case item.Subquery != nil:
			rows, err = x.runSelect(item.Subquery, outer)
		case ctes[item.Table] != nil:
			rows, err = x.runSelect(ctes[item.Table], outer)
		default:
			rows, err = x.scanTable(item.Table, sel)
		}
		if err != nil {
			return nil, err
		}
	default:
		return nil, &errdefs.InvalidQuery{Reason: "multiple FROM items are not supported"}
	}

	filtered := rows[:0]
	for _, row := range rows {
		rowCtx := baseCtx
		rowCtx.row = row
		if sel.Where != nil {
			val, err := x.eval(sel.Where, rowCtx)
			if err != nil {
				return nil, err
			}
			if !truthy(val) {
				continue
			}
		}
		filtered = append(filtered, row)
	}
	rows = filtered

	groups, order := groupRows(rows, sel.GroupBy, x, baseCtx)
	if len(sel.GroupBy) == 0 && !selectHasAggregate(sel.Columns) {
		// No grouping and no aggregates: each row projects independently.
		groups = make(map[string][]map[string]any, len(rows))
		order = order[:0]
		for i, row := range rows {
			key := fmt.Sprintf("%d", i)
			groups[key] = []map[string]any{row}
			order = append(order, key)
		}
	}

	type entry struct {
		rows      []map[string]any
		projected map[string]any
	}
	entries := make([]entry, 0, len(order))
	for _, key := range order {
		grp := groups[key]
		projected := make(map[string]any)
		for _, item := range sel.Columns {
			if item.Star {
				if len(grp) > 0 {
					for k, v := range grp[0] {
						projected[k] = v
					}
				}
				continue
			}
			val, err := x.evalProj(item.Expr, grp, baseCtx)
			if err != nil {
				return nil, err
			}
			name := item.Alias
			if name == "" {
				name = deriveColumnName(item.Expr)
			}
			projected[name] = val
		}
		entries = append(entries, entry{rows: grp, projected: projected})
	}

	if len(sel.OrderBy) > 0 {
		orderValue := func(e *entry, expr Expr) (any, error) {
			if ref, ok := expr.(ColumnRef); ok && ref.Table == "" {
				if v, ok := e.projected[ref.Column]; ok {
					return v, nil
				}
			}
			return x.evalProj(expr, e.rows, baseCtx)
		}
		sort.SliceStable(entries, func(i, j int) bool {
			for _, ord := range sel.OrderBy {
				vi, _ := orderValue(&entries[i], ord.Expr)
				vj, _ := orderValue(&entries[j], ord.Expr)
				c, ok := compareValues(vi, vj)
				if !ok || c == 0 {
					continue
				}
				if ord.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	if sel.HasLimit && sel.Limit < len(entries) {
		if sel.Limit < 0 {
			entries = entries[:0]
		} else {
			entries = entries[:sel.Limit]
		}
	}

	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = e.projected
	}
	return out, nil
}

// scanTable reconstructs tableName's state as of sel's temporal clause
// (current, AS OF SEQ, or AS OF TIME) and narrows to an index-derived
// candidate key set when sel.Where permits it.
func (x *Executor) scanTable(tableName string, sel *Select) ([]map[string]any, error) {
	var state map[string]map[string]any
	var err error
	switch sel.Temporal.Kind {
	case TemporalAsOfSeq:
		state, err = x.eng.ReconstructAt(tableName, sel.Temporal.Seq)
	case TemporalAsOfTime:
		state, err = x.eng.ReconstructAtTime(tableName, sel.Temporal.Time)
	default:
		state, err = x.currentState(tableName)
	}
	if err != nil {
		return nil, err
	}

	keys, narrowed, err := x.candidatePlan(tableName, sel.Where)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(state))
	for key, row := range state {
		if narrowed && !keys[key] {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func selectHasAggregate(items []SelectItem) bool {
	for _, item := range items {
		if !item.Star && containsAggregate(item.Expr) {
			return true
		}
	}
	return false
}

func containsAggregate(e Expr) bool {
	switch v := e.(type) {
	case FuncCall:
		if isAggregate(v.Name) {
			return true
		}
		for _, a := range v.Args {
			if containsAggregate(a) {
				return true
			}
		}
	case BinaryExpr:
		return containsAggregate(v.Left) || containsAggregate(v.Right)
	case UnaryExpr:
		return containsAggregate(v.Operand)
	case CaseExpr:
		for _, w := range v.Whens {
			if containsAggregate(w.Cond) || containsAggregate(w.Then) {
				return true
			}
		}
		if v.Else != nil {
			return containsAggregate(v.Else)
		}
	}
	return false
}

// groupRows partitions rows by the values of groupBy (evaluated against
// each row individually), returning groups alongside a deterministic
// key-order slice so GROUP BY output order matches the first
// appearance of each group.
func groupRows(rows []map[string]any, groupBy []Expr, x *Executor, ctx evalCtx) (map[string][]map[string]any, []string) {
	groups := make(map[string][]map[string]any)
	var order []string
	for _, row := range rows {
		rowCtx := ctx
		rowCtx.row = row
		key := ""
		for _, g := range groupBy {
			v, _ := x.eval(g, rowCtx)
			key += fmt.Sprintf("%v\x00", v)
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], row)
	}
	return groups, order
}

func deriveColumnName(e Expr) string {
	switch v := e.(type) {
	case ColumnRef:
		return v.Column
	case FuncCall:
		return v.Name
	}
	return "?column?"
}
