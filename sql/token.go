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

// kind identifies a token's lexical class.
type kind int

const (
	kindEOF kind = iota
	kindIdent
	kindNumber
	kindString
	kindParam // @SEQ:n style temporal parameter
	kindPunct // single/multi-char operator or punctuation: ( ) , . * = <> <= >= < > + - / ;
)

// token is one lexical unit. Keyword-ness is not decided here: the
// parser compares an ident token's text case-insensitively against the
// keyword it expects at that point in the grammar, the way a
// hand-rolled recursive-descent parser usually avoids reserving words
// like "key" or "level" everywhere.
type token struct {
	kind kind
	text string // original text (string tokens hold the unescaped contents)
	line int
	col  int
}
