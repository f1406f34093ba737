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

import "github.com/driftdb/driftdb/event"

// ResultKind tags Result's variant: one of Success, Rows, DriftHistory,
// Plan, or Error.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultRows
	ResultDriftHistory
	ResultPlan
	ResultError
)

// Result is what ExecuteSQL/ExecuteQuery return for every statement kind.
// Exactly one of the payload fields is meaningful, selected by Kind.
type Result struct {
	Kind    ResultKind
	Message string           // ResultSuccess
	Rows    []map[string]any // ResultRows
	History []event.Event    // ResultDriftHistory
	Plan    string           // ResultPlan, JSON-encoded
	Err     error            // ResultError
}

func success(msg string) Result { return Result{Kind: ResultSuccess, Message: msg} }
func rowsResult(rows []map[string]any) Result {
	if rows == nil {
		rows = []map[string]any{}
	}
	return Result{Kind: ResultRows, Rows: rows}
}
func historyResult(events []event.Event) Result {
	return Result{Kind: ResultDriftHistory, History: events}
}
func planResult(json string) Result { return Result{Kind: ResultPlan, Plan: json} }
func errorResult(err error) Result   { return Result{Kind: ResultError, Err: err} }

// Query is the structured-input counterpart to a parsed SQL string: any
// Statement can be fed directly to ExecuteQuery, letting adapters that
// build statements programmatically skip the parser entirely.
type Query = Statement
