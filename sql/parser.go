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
	"strconv"
	"strings"
	"time"

	"github.com/driftdb/driftdb/errdefs"
	"github.com/driftdb/driftdb/mvcc"
	"github.com/driftdb/driftdb/table"
)

type parser struct {
	toks []token
	pos  int
}

// Parse lexes and parses one SQL statement. Trailing ';' is optional and
// ignored.
func Parse(text string) (Statement, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, &errdefs.InvalidQuery{Reason: err.Error()}
	}
	p := &parser{toks: toks}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, &errdefs.InvalidQuery{Reason: err.Error()}
	}
	p.skipPunct(";")
	if p.cur().kind != kindEOF {
		return nil, &errdefs.InvalidQuery{Reason: fmt.Sprintf("unexpected trailing input near %q", p.cur().text)}
	}
	return stmt, nil
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) atKeyword(word string) bool {
	t := p.cur()
	return t.kind == kindIdent && strings.EqualFold(t.text, word)
}

func (p *parser) atPunct(text string) bool {
	t := p.cur()
	return t.kind == kindPunct && t.text == text
}

func (p *parser) skipPunct(text string) bool {
	if p.atPunct(text) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expectPunct(text string) error {
	if !p.skipPunct(text) {
		return fmt.Errorf("expected %q near %q (line %d)", text, p.cur().text, p.cur().line)
	}
	return nil
}

func (p *parser) expectKeyword(word string) error {
	if !p.atKeyword(word) {
		return fmt.Errorf("expected %q near %q (line %d)", strings.ToUpper(word), p.cur().text, p.cur().line)
	}
	p.advance()
	return nil
}

func (p *parser) skipKeyword(word string) bool {
	if p.atKeyword(word) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expectIdent() (string, error) {
	t := p.cur()
	if t.kind != kindIdent {
		return "", fmt.Errorf("expected identifier near %q (line %d)", t.text, t.line)
	}
	p.advance()
	return t.text, nil
}

func (p *parser) parseStatement() (Statement, error) {
	switch {
	case p.atKeyword("select"), p.atPunct("("):
		return p.parseSelect()
	case p.atKeyword("with"):
		return p.parseSelect()
	case p.atKeyword("insert"):
		return p.parseInsert()
	case p.atKeyword("update"):
		return p.parseUpdate()
	case p.atKeyword("delete"):
		return p.parseDelete()
	case p.atKeyword("create"):
		return p.parseCreate()
	case p.atKeyword("drop"):
		return p.parseDropIndex()
	case p.atKeyword("truncate"):
		return p.parseTruncate()
	case p.atKeyword("begin"):
		return p.parseBegin()
	case p.atKeyword("commit"):
		p.advance()
		return Commit{}, nil
	case p.atKeyword("rollback"):
		p.advance()
		return Rollback{}, nil
	case p.atKeyword("snapshot"), p.atKeyword("checkpoint"):
		return p.parseSnapshotTable()
	case p.atKeyword("vacuum"):
		return p.parseVacuum()
	case p.atKeyword("analyze"):
		return p.parseAnalyze()
	case p.atKeyword("explain"):
		p.advance()
		inner, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		return Explain{Inner: inner}, nil
	default:
		return nil, fmt.Errorf("unrecognized statement starting at %q (line %d)", p.cur().text, p.cur().line)
	}
}

// --- DDL ---

func (p *parser) parseCreate() (Statement, error) {
	p.advance() // CREATE
	switch {
	case p.skipKeyword("table"):
		return p.parseCreateTable()
	case p.skipKeyword("index"):
		return p.parseCreateIndex()
	}
	return nil, fmt.Errorf("expected TABLE or INDEX after CREATE near %q", p.cur().text)
}

func (p *parser) parseCreateTable() (Statement, error) {
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	schema := table.Schema{}
	for {
		if p.atKeyword("primary") {
			p.advance()
			if err := p.expectKeyword("key"); err != nil {
				return nil, err
			}
			if err := p.expectPunct("("); err != nil {
				return nil, err
			}
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			schema.PrimaryKey = col
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
		} else if p.atKeyword("foreign") {
			p.advance()
			if err := p.expectKeyword("key"); err != nil {
				return nil, err
			}
			if err := p.expectPunct("("); err != nil {
				return nil, err
			}
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			if err := p.expectKeyword("references"); err != nil {
				return nil, err
			}
			refTable, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct("("); err != nil {
				return nil, err
			}
			refCol, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			schema.ForeignKeys = append(schema.ForeignKeys, table.ForeignKey{Column: col, RefTable: refTable, RefColumn: refCol})
		} else {
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			// consume an (ignored) type name, e.g. INT, TEXT, VARCHAR(255)
			if p.cur().kind == kindIdent {
				p.advance()
				if p.skipPunct("(") {
					for !p.atPunct(")") {
						p.advance()
					}
					p.advance()
				}
			}
			indexed := false
			for p.atKeyword("primary") || p.atKeyword("indexed") || p.atKeyword("index") || p.atKeyword("not") || p.atKeyword("null") || p.atKeyword("unique") {
				if p.atKeyword("primary") {
					p.advance()
					p.skipKeyword("key")
					schema.PrimaryKey = col
				} else if p.atKeyword("indexed") || p.atKeyword("index") {
					p.advance()
					indexed = true
				} else {
					p.advance()
				}
			}
			if indexed {
				schema.Indexed = append(schema.Indexed, col)
			}
		}
		if p.skipPunct(",") {
			continue
		}
		break
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	if schema.PrimaryKey == "" {
		return nil, fmt.Errorf("CREATE TABLE %s: no PRIMARY KEY declared", name)
	}
	return CreateTable{Name: name, Schema: schema}, nil
}

func (p *parser) parseCreateIndex() (Statement, error) {
	// optional index name, ignored: indexes are identified by (table, column)
	if p.cur().kind == kindIdent && !p.atKeyword("on") {
		p.advance()
	}
	if err := p.expectKeyword("on"); err != nil {
		return nil, err
	}
	tbl, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	col, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return CreateIndex{Table: tbl, Column: col}, nil
}

func (p *parser) parseDropIndex() (Statement, error) {
	p.advance() // DROP
	if err := p.expectKeyword("index"); err != nil {
		return nil, err
	}
	if p.cur().kind == kindIdent && !p.atKeyword("on") {
		p.advance()
	}
	if err := p.expectKeyword("on"); err != nil {
		return nil, err
	}
	tbl, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	col, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return DropIndex{Table: tbl, Column: col}, nil
}

func (p *parser) parseTruncate() (Statement, error) {
	p.advance() // TRUNCATE
	p.skipKeyword("table")
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	return Truncate{Table: name}, nil
}

// --- DML ---

func (p *parser) parseInsert() (Statement, error) {
	p.advance() // INSERT
	if err := p.expectKeyword("into"); err != nil {
		return nil, err
	}
	tbl, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	var cols []string
	if p.skipPunct("(") {
		for {
			c, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			cols = append(cols, c)
			if p.skipPunct(",") {
				continue
			}
			break
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
	}
	if err := p.expectKeyword("values"); err != nil {
		return nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	var vals []Expr
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		vals = append(vals, e)
		if p.skipPunct(",") {
			continue
		}
		break
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return Insert{Table: tbl, Columns: cols, Values: vals}, nil
}

func (p *parser) parseUpdate() (Statement, error) {
	p.advance() // UPDATE
	tbl, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("set"); err != nil {
		return nil, err
	}
	var assigns []Assignment
	for {
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct("="); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		assigns = append(assigns, Assignment{Column: col, Value: val})
		if p.skipPunct(",") {
			continue
		}
		break
	}
	var where Expr
	if p.skipKeyword("where") {
		where, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	return Update{Table: tbl, Set: assigns, Where: where}, nil
}

func (p *parser) parseDelete() (Statement, error) {
	p.advance() // DELETE
	if err := p.expectKeyword("from"); err != nil {
		return nil, err
	}
	tbl, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	var where Expr
	if p.skipKeyword("where") {
		where, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	return Delete{Table: tbl, Where: where}, nil
}

// --- Transactions & operational statements ---

func (p *parser) parseBegin() (Statement, error) {
	p.advance() // BEGIN
	p.skipKeyword("transaction")
	iso := mvcc.Snapshot
	if p.skipKeyword("isolation") {
		if err := p.expectKeyword("level"); err != nil {
			return nil, err
		}
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		switch strings.ToUpper(name) {
		case "READ":
			// READ COMMITTED / READ UNCOMMITTED
			next, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if strings.EqualFold(next, "uncommitted") {
				iso = mvcc.ReadUncommitted
			} else {
				iso = mvcc.ReadCommitted
			}
		case "REPEATABLE":
			p.skipKeyword("read")
			iso = mvcc.RepeatableRead
		case "SERIALIZABLE":
			iso = mvcc.Serializable
		case "SNAPSHOT":
			iso = mvcc.Snapshot
		default:
			return nil, fmt.Errorf("unknown isolation level %q", name)
		}
	}
	return Begin{Isolation: iso}, nil
}

func (p *parser) parseSnapshotTable() (Statement, error) {
	p.advance() // SNAPSHOT | CHECKPOINT
	p.skipKeyword("table")
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	return SnapshotTable{Table: name}, nil
}

func (p *parser) parseVacuum() (Statement, error) {
	p.advance() // VACUUM
	var name string
	if p.skipKeyword("table") {
		name, _ = p.expectIdent()
	} else if p.cur().kind == kindIdent {
		name, _ = p.expectIdent()
	}
	return Vacuum{Table: name}, nil
}

func (p *parser) parseAnalyze() (Statement, error) {
	p.advance() // ANALYZE
	var name string
	if p.skipKeyword("table") {
		name, _ = p.expectIdent()
	} else if p.cur().kind == kindIdent {
		name, _ = p.expectIdent()
	}
	return Analyze{Table: name}, nil
}

// --- SELECT ---

func (p *parser) parseSelect() (*Select, error) {
	sel := &Select{}
	if p.skipKeyword("with") {
		for {
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if err := p.expectKeyword("as"); err != nil {
				return nil, err
			}
			if err := p.expectPunct("("); err != nil {
				return nil, err
			}
			sub, err := p.parseSelect()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			sel.CTEs = append(sel.CTEs, CTE{Name: name, Query: sub})
			if p.skipPunct(",") {
				continue
			}
			break
		}
	}

	if err := p.expectKeyword("select"); err != nil {
		return nil, err
	}
	for {
		if p.atPunct("*") {
			p.advance()
			sel.Columns = append(sel.Columns, SelectItem{Star: true})
		} else {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			item := SelectItem{Expr: e}
			if p.skipKeyword("as") {
				alias, err := p.expectIdent()
				if err != nil {
					return nil, err
				}
				item.Alias = alias
			} else if p.cur().kind == kindIdent && !p.isClauseKeyword() {
				alias, _ := p.expectIdent()
				item.Alias = alias
			}
			sel.Columns = append(sel.Columns, item)
		}
		if p.skipPunct(",") {
			continue
		}
		break
	}

	if p.skipKeyword("from") {
		for {
			item, err := p.parseFromItem()
			if err != nil {
				return nil, err
			}
			sel.From = append(sel.From, item)
			if p.skipPunct(",") {
				continue
			}
			break
		}
	}

	if p.skipKeyword("for") {
		if err := p.expectKeyword("system_time"); err != nil {
			return nil, err
		}
		temporal, err := p.parseTemporal()
		if err != nil {
			return nil, err
		}
		sel.Temporal = temporal
	}

	if p.skipKeyword("where") {
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		sel.Where = w
	}

	if p.skipKeyword("group") {
		if err := p.expectKeyword("by"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			sel.GroupBy = append(sel.GroupBy, e)
			if p.skipPunct(",") {
				continue
			}
			break
		}
	}

	if p.skipKeyword("order") {
		if err := p.expectKeyword("by"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			item := OrderItem{Expr: e}
			if p.skipKeyword("desc") {
				item.Desc = true
			} else {
				p.skipKeyword("asc")
			}
			sel.OrderBy = append(sel.OrderBy, item)
			if p.skipPunct(",") {
				continue
			}
			break
		}
	}

	if p.skipKeyword("limit") {
		t := p.cur()
		if t.kind != kindNumber {
			return nil, fmt.Errorf("expected number after LIMIT near %q", t.text)
		}
		p.advance()
		n, err := strconv.Atoi(t.text)
		if err != nil {
			return nil, fmt.Errorf("invalid LIMIT value %q", t.text)
		}
		sel.Limit = n
		sel.HasLimit = true
	}

	return sel, nil
}

// isClauseKeyword reports whether the current identifier token is a
// clause-introducing keyword, used to decide whether a bare identifier
// following a select-item expression is an implicit alias.
func (p *parser) isClauseKeyword() bool {
	for _, kw := range []string{"from", "where", "group", "order", "limit", "for", "as"} {
		if p.atKeyword(kw) {
			return true
		}
	}
	return false
}

func (p *parser) parseFromItem() (FromItem, error) {
	if p.skipPunct("(") {
		sub, err := p.parseSelect()
		if err != nil {
			return FromItem{}, err
		}
		if err := p.expectPunct(")"); err != nil {
			return FromItem{}, err
		}
		item := FromItem{Subquery: sub}
		if p.skipKeyword("as") {
			alias, err := p.expectIdent()
			if err != nil {
				return FromItem{}, err
			}
			item.Alias = alias
		} else if p.cur().kind == kindIdent {
			alias, _ := p.expectIdent()
			item.Alias = alias
		}
		return item, nil
	}
	name, err := p.expectIdent()
	if err != nil {
		return FromItem{}, err
	}
	item := FromItem{Table: name}
	if p.skipKeyword("as") {
		alias, err := p.expectIdent()
		if err != nil {
			return FromItem{}, err
		}
		item.Alias = alias
	} else if p.cur().kind == kindIdent && !p.atKeyword("for") && !p.isClauseKeyword() {
		alias, _ := p.expectIdent()
		item.Alias = alias
	}
	return item, nil
}

func (p *parser) parseTemporal() (Temporal, error) {
	switch {
	case p.skipKeyword("all"):
		return Temporal{Kind: TemporalAll}, nil
	case p.skipKeyword("as"):
		if err := p.expectKeyword("of"); err != nil {
			return Temporal{}, err
		}
		t := p.cur()
		if t.kind == kindParam {
			p.advance()
			return parseSeqOrTimeParam(t.text)
		}
		if t.kind == kindString {
			p.advance()
			ts, err := time.Parse(time.RFC3339, t.text)
			if err != nil {
				return Temporal{}, fmt.Errorf("invalid timestamp %q: %w", t.text, err)
			}
			return Temporal{Kind: TemporalAsOfTime, Time: ts}, nil
		}
		return Temporal{}, fmt.Errorf("expected @SEQ:n or a timestamp literal after AS OF, got %q", t.text)
	case p.skipKeyword("between"):
		lo := p.cur()
		if lo.kind != kindParam {
			return Temporal{}, fmt.Errorf("expected @SEQ:n after BETWEEN, got %q", lo.text)
		}
		p.advance()
		loTemporal, err := parseSeqOrTimeParam(lo.text)
		if err != nil {
			return Temporal{}, err
		}
		if err := p.expectKeyword("and"); err != nil {
			return Temporal{}, err
		}
		hi := p.cur()
		if hi.kind != kindParam {
			return Temporal{}, fmt.Errorf("expected @SEQ:n after AND, got %q", hi.text)
		}
		p.advance()
		hiTemporal, err := parseSeqOrTimeParam(hi.text)
		if err != nil {
			return Temporal{}, err
		}
		return Temporal{Kind: TemporalBetween, BetweenLo: loTemporal.Seq, BetweenHi: hiTemporal.Seq}, nil
	}
	return Temporal{}, fmt.Errorf("expected AS OF, ALL, or BETWEEN after FOR SYSTEM_TIME, got %q", p.cur().text)
}

// parseSeqOrTimeParam parses a lexed '@...' token into a Temporal cutoff:
// "@SEQ:n" for a sequence cutoff, "@TS:'...'" for a wall-clock cutoff.
func parseSeqOrTimeParam(text string) (Temporal, error) {
	body := strings.TrimPrefix(text, "@")
	parts := strings.SplitN(body, ":", 2)
	if len(parts) != 2 {
		return Temporal{}, fmt.Errorf("malformed temporal parameter %q", text)
	}
	switch strings.ToUpper(parts[0]) {
	case "SEQ":
		n, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return Temporal{}, fmt.Errorf("malformed sequence in %q: %w", text, err)
		}
		return Temporal{Kind: TemporalAsOfSeq, Seq: n}, nil
	case "TS":
		raw := strings.Trim(parts[1], "'")
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Temporal{}, fmt.Errorf("malformed timestamp in %q: %w", text, err)
		}
		return Temporal{Kind: TemporalAsOfTime, Time: ts}, nil
	}
	return Temporal{}, fmt.Errorf("unknown temporal parameter kind in %q", text)
}

// --- Expressions (precedence climbing) ---

func (p *parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.skipKeyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.skipKeyword("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.skipKeyword("not") {
		if p.skipKeyword("exists") {
			return p.parseExistsBody(true)
		}
		e, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: "NOT", Operand: e}, nil
	}
	if p.skipKeyword("exists") {
		return p.parseExistsBody(false)
	}
	return p.parseComparison()
}

func (p *parser) parseExistsBody(not bool) (Expr, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	sub, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return ExistsExpr{Subquery: sub, Not: not}, nil
}

var comparisonOps = map[string]bool{"=": true, "<>": true, "<": true, "<=": true, ">": true, ">=": true}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	if p.skipKeyword("between") {
		return p.parseBetween(left, false)
	}
	if p.atKeyword("not") && p.peekIsBetween() {
		p.advance()
		p.advance()
		return p.parseBetween(left, true)
	}
	if p.skipKeyword("like") {
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return BinaryExpr{Op: "LIKE", Left: left, Right: right}, nil
	}
	if p.atKeyword("in") || (p.atKeyword("not") && p.peekIsIn()) {
		not := false
		if p.skipKeyword("not") {
			not = true
		}
		p.advance() // IN
		return p.parseInBody(left, not)
	}
	if p.cur().kind == kindPunct && comparisonOps[p.cur().text] {
		op := p.advance().text
		if p.skipKeyword("any") {
			sub, err := p.parseSubqueryParen()
			if err != nil {
				return nil, err
			}
			return QuantifiedComparison{Left: left, Op: op, All: false, Subquery: sub}, nil
		}
		if p.skipKeyword("all") {
			sub, err := p.parseSubqueryParen()
			if err != nil {
				return nil, err
			}
			return QuantifiedComparison{Left: left, Op: op, All: true, Subquery: sub}, nil
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return BinaryExpr{Op: op, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *parser) peekIsBetween() bool {
	return p.toks[p.pos+1].kind == kindIdent && strings.EqualFold(p.toks[p.pos+1].text, "between")
}

func (p *parser) peekIsIn() bool {
	return p.toks[p.pos+1].kind == kindIdent && strings.EqualFold(p.toks[p.pos+1].text, "in")
}

func (p *parser) parseBetween(left Expr, not bool) (Expr, error) {
	lo, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("and"); err != nil {
		return nil, err
	}
	hi, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	return BetweenExpr{Operand: left, Lo: lo, Hi: hi, Not: not}, nil
}

func (p *parser) parseSubqueryParen() (*Select, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	sub, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return sub, nil
}

func (p *parser) parseInBody(left Expr, not bool) (Expr, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	if p.atKeyword("select") {
		sub, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return InExpr{Left: left, Subquery: sub, Not: not}, nil
	}
	var list []Expr
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		list = append(list, e)
		if p.skipPunct(",") {
			continue
		}
		break
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return InExpr{Left: left, List: list, Not: not}, nil
}

func (p *parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.atPunct("+") || p.atPunct("-") {
		op := p.advance().text
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.atPunct("*") || p.atPunct("/") {
		op := p.advance().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.atPunct("-") {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: "-", Operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.cur()
	switch {
	case t.kind == kindNumber:
		p.advance()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed number %q", t.text)
		}
		return Literal{Value: f}, nil
	case t.kind == kindString:
		p.advance()
		return Literal{Value: t.text}, nil
	case p.atKeyword("true"):
		p.advance()
		return Literal{Value: true}, nil
	case p.atKeyword("false"):
		p.advance()
		return Literal{Value: false}, nil
	case p.atKeyword("null"):
		p.advance()
		return Literal{Value: nil}, nil
	case p.atKeyword("case"):
		return p.parseCase()
	case p.atPunct("("):
		p.advance()
		if p.atKeyword("select") {
			sub, err := p.parseSelect()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return ScalarSubquery{Query: sub}, nil
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return e, nil
	case t.kind == kindIdent:
		return p.parseIdentOrCall()
	}
	return nil, fmt.Errorf("unexpected token %q in expression (line %d)", t.text, t.line)
}

func (p *parser) parseCase() (Expr, error) {
	p.advance() // CASE
	var ce CaseExpr
	for p.skipKeyword("when") {
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("then"); err != nil {
			return nil, err
		}
		then, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		ce.Whens = append(ce.Whens, CaseWhen{Cond: cond, Then: then})
	}
	if p.skipKeyword("else") {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		ce.Else = e
	}
	if err := p.expectKeyword("end"); err != nil {
		return nil, err
	}
	return ce, nil
}

func (p *parser) parseIdentOrCall() (Expr, error) {
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if p.skipPunct(".") {
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return ColumnRef{Table: name, Column: col}, nil
	}
	if p.skipPunct("(") {
		call := FuncCall{Name: strings.ToUpper(name)}
		if p.skipKeyword("distinct") {
			call.Distinct = true
		}
		if p.atPunct("*") {
			p.advance()
			call.Star = true
		} else if !p.atPunct(")") {
			for {
				arg, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				call.Args = append(call.Args, arg)
				if p.skipPunct(",") {
					continue
				}
				break
			}
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return call, nil
	}
	return ColumnRef{Column: name}, nil
}
