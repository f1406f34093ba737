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
	"testing"
	"time"

	"github.com/driftdb/driftdb/engine"
	"github.com/driftdb/driftdb/snapshot"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	dir := t.TempDir()
	cfg := engine.Config{
		SegmentRotationBytes: 4096,
		WalRotationBytes:     4096,
		SnapshotPolicy: snapshot.Policy{
			MinWrites:   100,
			MaxWrites:   1000,
			MinInterval: time.Millisecond,
			MaxInterval: time.Hour,
		},
		CacheBudgetBytes: 1 << 20,
	}
	eng, err := engine.Init(dir, cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return NewExecutor(eng)
}

func mustExec(t *testing.T, x *Executor, stmt string) Result {
	t.Helper()
	res := x.ExecuteSQL(stmt)
	if res.Kind == ResultError {
		t.Fatalf("exec %q: %v", stmt, res.Err)
	}
	return res
}

func TestExecuteRoundTripInsertAndSelect(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE widgets (id, name, price, PRIMARY KEY(id))")
	mustExec(t, x, "INSERT INTO widgets (id, name, price) VALUES ('1', 'sprocket', 9.5)")
	mustExec(t, x, "INSERT INTO widgets (id, name, price) VALUES ('2', 'cog', 3.25)")

	res := x.ExecuteSQL("SELECT id, name FROM widgets WHERE price > 5")
	if res.Kind != ResultRows {
		t.Fatalf("expected ResultRows, got %v (err=%v)", res.Kind, res.Err)
	}
	if len(res.Rows) != 1 || res.Rows[0]["id"] != "1" {
		t.Fatalf("unexpected rows: %+v", res.Rows)
	}
}

func TestExecuteUpdatePatchesInPlace(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE accounts (id, balance, PRIMARY KEY(id))")
	mustExec(t, x, "INSERT INTO accounts (id, balance) VALUES ('a1', 100)")

	res := mustExec(t, x, "UPDATE accounts SET balance = balance - 30 WHERE id = 'a1'")
	if res.Message != "UPDATE 1" {
		t.Fatalf("expected UPDATE 1, got %q", res.Message)
	}

	sel := x.ExecuteSQL("SELECT balance FROM accounts WHERE id = 'a1'")
	if len(sel.Rows) != 1 || sel.Rows[0]["balance"] != float64(70) {
		t.Fatalf("expected balance 70, got %+v", sel.Rows)
	}
}

func TestExecuteDeleteRemovesRow(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE widgets (id, name, PRIMARY KEY(id))")
	mustExec(t, x, "INSERT INTO widgets (id, name) VALUES ('1', 'sprocket')")

	mustExec(t, x, "DELETE FROM widgets WHERE id = '1'")

	sel := x.ExecuteSQL("SELECT id FROM widgets")
	if len(sel.Rows) != 0 {
		t.Fatalf("expected no rows after delete, got %+v", sel.Rows)
	}
}

func TestExecuteTimeTravelAsOfSequence(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE widgets (id, price, PRIMARY KEY(id))")
	mustExec(t, x, "INSERT INTO widgets (id, price) VALUES ('1', 10)")
	mustExec(t, x, "UPDATE widgets SET price = 20 WHERE id = '1'")

	// The insert is the first event, so AS OF @SEQ:1 should see price=10.
	res := x.ExecuteSQL("SELECT price FROM widgets FOR SYSTEM_TIME AS OF @SEQ:1 WHERE id = '1'")
	if res.Kind != ResultRows {
		t.Fatalf("unexpected result kind %v: %v", res.Kind, res.Err)
	}
	if len(res.Rows) != 1 || res.Rows[0]["price"] != float64(10) {
		t.Fatalf("expected price 10 as of seq 1, got %+v", res.Rows)
	}
}

func TestExecuteForSystemTimeAllReturnsDriftHistory(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE widgets (id, price, PRIMARY KEY(id))")
	mustExec(t, x, "INSERT INTO widgets (id, price) VALUES ('1', 10)")
	mustExec(t, x, "UPDATE widgets SET price = 20 WHERE id = '1'")

	res := x.ExecuteSQL("SELECT * FROM widgets FOR SYSTEM_TIME ALL WHERE id = '1'")
	if res.Kind != ResultDriftHistory {
		t.Fatalf("expected ResultDriftHistory, got %v: %v", res.Kind, res.Err)
	}
	if len(res.History) != 2 {
		t.Fatalf("expected 2 historical events, got %d", len(res.History))
	}
}

func TestExecuteAggregateWithGroupBy(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE sales (id, region, amount, PRIMARY KEY(id))")
	mustExec(t, x, "INSERT INTO sales (id, region, amount) VALUES ('1', 'east', 10)")
	mustExec(t, x, "INSERT INTO sales (id, region, amount) VALUES ('2', 'east', 20)")
	mustExec(t, x, "INSERT INTO sales (id, region, amount) VALUES ('3', 'west', 5)")

	res := x.ExecuteSQL("SELECT region, SUM(amount) AS total FROM sales GROUP BY region ORDER BY total DESC")
	if res.Kind != ResultRows {
		t.Fatalf("unexpected result kind %v: %v", res.Kind, res.Err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 groups, got %+v", res.Rows)
	}
	if res.Rows[0]["region"] != "east" || res.Rows[0]["total"] != float64(30) {
		t.Fatalf("expected east totalling 30 first, got %+v", res.Rows)
	}
}

func TestExecuteCaseWhenExpression(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE widgets (id, price, PRIMARY KEY(id))")
	mustExec(t, x, "INSERT INTO widgets (id, price) VALUES ('1', 100)")
	mustExec(t, x, "INSERT INTO widgets (id, price) VALUES ('2', 3)")

	res := x.ExecuteSQL("SELECT id, CASE WHEN price > 10 THEN 'high' ELSE 'low' END AS tier FROM widgets ORDER BY id")
	if res.Kind != ResultRows || len(res.Rows) != 2 {
		t.Fatalf("unexpected result: %+v err=%v", res.Rows, res.Err)
	}
	if res.Rows[0]["tier"] != "high" || res.Rows[1]["tier"] != "low" {
		t.Fatalf("unexpected tiers: %+v", res.Rows)
	}
}

func TestExecuteExistsSubquery(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE customers (id, name, PRIMARY KEY(id))")
	mustExec(t, x, "CREATE TABLE orders (order_id, customer_id, PRIMARY KEY(order_id))")
	mustExec(t, x, "INSERT INTO customers (id, name) VALUES ('c1', 'ada')")
	mustExec(t, x, "INSERT INTO customers (id, name) VALUES ('c2', 'bob')")
	mustExec(t, x, "INSERT INTO orders (order_id, customer_id) VALUES ('o1', 'c1')")

	res := x.ExecuteSQL("SELECT name FROM customers WHERE EXISTS (SELECT order_id FROM orders WHERE customer_id = customers.id)")
	if res.Kind != ResultRows {
		t.Fatalf("unexpected result kind %v: %v", res.Kind, res.Err)
	}
	if len(res.Rows) != 1 || res.Rows[0]["name"] != "ada" {
		t.Fatalf("expected only ada to have an order, got %+v", res.Rows)
	}
}

func TestExecuteInSubquery(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE customers (id, name, PRIMARY KEY(id))")
	mustExec(t, x, "CREATE TABLE orders (id, customer_id, PRIMARY KEY(id))")
	mustExec(t, x, "INSERT INTO customers (id, name) VALUES ('c1', 'ada')")
	mustExec(t, x, "INSERT INTO customers (id, name) VALUES ('c2', 'bob')")
	mustExec(t, x, "INSERT INTO orders (id, customer_id) VALUES ('o1', 'c1')")

	res := x.ExecuteSQL("SELECT name FROM customers WHERE id IN (SELECT customer_id FROM orders)")
	if res.Kind != ResultRows || len(res.Rows) != 1 || res.Rows[0]["name"] != "ada" {
		t.Fatalf("unexpected result: %+v err=%v", res.Rows, res.Err)
	}
}

func TestExecuteCTE(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE widgets (id, price, PRIMARY KEY(id))")
	mustExec(t, x, "INSERT INTO widgets (id, price) VALUES ('1', 10)")
	mustExec(t, x, "INSERT INTO widgets (id, price) VALUES ('2', 50)")

	res := x.ExecuteSQL("WITH pricey AS (SELECT id, price FROM widgets WHERE price > 20) SELECT id FROM pricey")
	if res.Kind != ResultRows || len(res.Rows) != 1 || res.Rows[0]["id"] != "2" {
		t.Fatalf("unexpected result: %+v err=%v", res.Rows, res.Err)
	}
}

func TestExecuteDerivedTable(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE widgets (id, price, PRIMARY KEY(id))")
	mustExec(t, x, "INSERT INTO widgets (id, price) VALUES ('1', 10)")
	mustExec(t, x, "INSERT INTO widgets (id, price) VALUES ('2', 50)")

	res := x.ExecuteSQL("SELECT id FROM (SELECT id, price FROM widgets WHERE price > 20) AS pricey")
	if res.Kind != ResultRows || len(res.Rows) != 1 || res.Rows[0]["id"] != "2" {
		t.Fatalf("unexpected result: %+v err=%v", res.Rows, res.Err)
	}
}

func TestExecuteTransactionCommit(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE widgets (id, price, PRIMARY KEY(id))")

	mustExec(t, x, "BEGIN")
	mustExec(t, x, "INSERT INTO widgets (id, price) VALUES ('1', 10)")
	mustExec(t, x, "COMMIT")

	res := x.ExecuteSQL("SELECT id FROM widgets")
	if len(res.Rows) != 1 {
		t.Fatalf("expected committed insert to be visible, got %+v", res.Rows)
	}
}

func TestExecuteTransactionRollback(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE widgets (id, price, PRIMARY KEY(id))")

	mustExec(t, x, "BEGIN")
	mustExec(t, x, "INSERT INTO widgets (id, price) VALUES ('1', 10)")
	mustExec(t, x, "ROLLBACK")

	res := x.ExecuteSQL("SELECT id FROM widgets")
	if len(res.Rows) != 0 {
		t.Fatalf("expected rolled-back insert to be invisible, got %+v", res.Rows)
	}
}

func TestExecuteForeignKeyViolation(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE customers (id, name, PRIMARY KEY(id))")
	mustExec(t, x, "CREATE TABLE orders (id, customer_id, PRIMARY KEY(id), FOREIGN KEY (customer_id) REFERENCES customers(id))")

	res := x.ExecuteSQL("INSERT INTO orders (id, customer_id) VALUES ('o1', 'missing')")
	if res.Kind != ResultError {
		t.Fatalf("expected a foreign key violation, got %v", res.Kind)
	}
}

func TestExecuteVacuumAndAnalyzeAndSnapshot(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE widgets (id, price, PRIMARY KEY(id))")
	mustExec(t, x, "INSERT INTO widgets (id, price) VALUES ('1', 10)")
	mustExec(t, x, "UPDATE widgets SET price = 20 WHERE id = '1'")

	if res := mustExec(t, x, "VACUUM TABLE widgets"); res.Kind != ResultSuccess {
		t.Fatalf("unexpected VACUUM result: %+v", res)
	}
	if res := mustExec(t, x, "SNAPSHOT TABLE widgets"); res.Kind != ResultSuccess {
		t.Fatalf("unexpected SNAPSHOT result: %+v", res)
	}
	res := mustExec(t, x, "ANALYZE TABLE widgets")
	if res.Kind != ResultRows || len(res.Rows) != 1 {
		t.Fatalf("unexpected ANALYZE result: %+v", res)
	}
}

func TestExecuteExplainReturnsPlanWithoutRunning(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE widgets (id, price, PRIMARY KEY(id))")
	mustExec(t, x, "CREATE INDEX ON widgets(price)")
	mustExec(t, x, "INSERT INTO widgets (id, price) VALUES ('1', 10)")

	res := x.ExecuteSQL("EXPLAIN SELECT id FROM widgets WHERE price = 10")
	if res.Kind != ResultPlan {
		t.Fatalf("expected ResultPlan, got %v: %v", res.Kind, res.Err)
	}
	if res.Plan == "" {
		t.Fatalf("expected a non-empty plan")
	}

	// EXPLAIN must not have executed the SELECT as a side effect, confirm
	// the table still has only the one inserted row.
	sel := x.ExecuteSQL("SELECT id FROM widgets")
	if len(sel.Rows) != 1 {
		t.Fatalf("EXPLAIN appears to have mutated state: %+v", sel.Rows)
	}
}

func TestExecuteDropAndCreateIndex(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE widgets (id, price, PRIMARY KEY(id))")
	mustExec(t, x, "INSERT INTO widgets (id, price) VALUES ('1', 99)")

	mustExec(t, x, "CREATE INDEX ON widgets(price)")
	res := x.ExecuteSQL("SELECT id FROM widgets WHERE price = 99")
	if len(res.Rows) != 1 {
		t.Fatalf("expected indexed lookup to find row, got %+v", res.Rows)
	}

	mustExec(t, x, "DROP INDEX ON widgets(price)")
	res = x.ExecuteSQL("SELECT id FROM widgets WHERE price = 99")
	if len(res.Rows) != 1 {
		t.Fatalf("expected full scan to still find row after DROP INDEX, got %+v", res.Rows)
	}
}

func TestExecuteTruncateRemovesAllRows(t *testing.T) {
	x := newTestExecutor(t)
	mustExec(t, x, "CREATE TABLE widgets (id, price, PRIMARY KEY(id))")
	for i := 0; i < 3; i++ {
		mustExec(t, x, fmt.Sprintf("INSERT INTO widgets (id, price) VALUES ('%d', %d)", i, i*10))
	}

	mustExec(t, x, "TRUNCATE TABLE widgets")

	res := x.ExecuteSQL("SELECT id FROM widgets")
	if len(res.Rows) != 0 {
		t.Fatalf("expected no rows after TRUNCATE, got %+v", res.Rows)
	}
}

func TestExecuteParseErrorProducesErrorResult(t *testing.T) {
	x := newTestExecutor(t)
	res := x.ExecuteSQL("SELEKT * FROM nowhere")
	if res.Kind != ResultError {
		t.Fatalf("expected a parse error, got %v", res.Kind)
	}
}
