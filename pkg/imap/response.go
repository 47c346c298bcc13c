// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package imap

import (
	"strconv"
	"strings"
)

// literal is a {N} payload embedded in a response line. Offset is the position
// in the line text where the literal appeared.
type literal struct {
	Offset int
	Data   []byte
}

// responseLine is one logical server response: the text of every physical
// line joined together, with the literals pulled out.
type responseLine struct {
	Text     string
	Literals []literal
}

// literalSize reports N if `line` ends with a "{N}" literal announcement.
func literalSize(line string) (int, bool) {
	if !strings.HasSuffix(line, "}") {
		return 0, false
	}
	open := strings.LastIndexByte(line, '{')
	if open < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(line[open+1:len(line)-1], "+"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// status splits a tagged completion line into its tag, condition, and text.
func status(line string) (tag, cond, text string) {
	tag, rest, _ := strings.Cut(line, " ")
	cond, text, _ = strings.Cut(rest, " ")
	return tag, strings.ToUpper(cond), text
}

// isGreeting reports whether an untagged line ends the server greeting.
func isGreeting(line string) (cond string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "*" {
		return "", false
	}
	switch c := strings.ToUpper(fields[1]); c {
	case "OK", "PREAUTH", "BYE":
		return c, true
	}
	return "", false
}

// headerBlock returns the payload that follows the BODY[...] item of a FETCH
// response, either the literal announced after it or an inline quoted string.
func headerBlock(resp responseLine) (string, bool) {
	idx := strings.Index(strings.ToUpper(resp.Text), "BODY[")
	if idx < 0 {
		return "", false
	}
	for _, lit := range resp.Literals {
		if lit.Offset > idx {
			return string(lit.Data), true
		}
	}

	end := strings.IndexByte(resp.Text[idx:], ']')
	if end < 0 {
		return "", false
	}
	rest := strings.TrimLeft(resp.Text[idx+end+1:], " ")
	if !strings.HasPrefix(rest, `"`) {
		return "", false
	}
	var b strings.Builder
	for i := 1; i < len(rest); i++ {
		switch rest[i] {
		case '\\':
			if i+1 < len(rest) {
				i++
				b.WriteByte(rest[i])
			}
		case '"':
			return b.String(), true
		default:
			b.WriteByte(rest[i])
		}
	}
	return "", false
}

// quote renders `s` as an IMAP quoted string.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
