// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package imap

import "fmt"

// tagGenerator issues A000, A001, ... and is owned by exactly one Session.
// Past A999 the counter keeps growing with more digits.
type tagGenerator struct {
	next int
}

func (g *tagGenerator) Next() string {
	tag := fmt.Sprintf("A%03d", g.next)
	g.next++
	return tag
}
