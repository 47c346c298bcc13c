// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package message holds the mail data exchanged with the protocol engines:
// summaries scanned from fetched header blocks and outgoing MIME messages.
package message

import (
	"strings"

	"go.uber.org/zap"

	"src.bluestatic.org/mailclerk/pkg/rfc2047"
)

// NotAvailable is the value of a summary field missing from the header.
const NotAvailable = "N/A"

// Summary describes one fetched message.
type Summary struct {
	// Number is the IMAP sequence number or POP3 message number.
	Number  int
	From    string
	Date    string
	Subject string
}

// SplitLines splits `text` on LF, dropping the CR of CRLF line endings.
func SplitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// ParseSummary scans header `lines` up to the first blank line, which ends the
// header block, and extracts From, Date, and Subject. Folded continuation
// lines are joined to the field they continue. From and Subject are decoded as
// RFC 2047; a word that fails to decode is kept as-is and logged.
func ParseSummary(number int, lines []string, log *zap.Logger) Summary {
	s := Summary{
		Number:  number,
		From:    NotAvailable,
		Date:    NotAvailable,
		Subject: NotAvailable,
	}

	fields := unfold(lines)
	seen := make(map[string]bool)
	for _, field := range fields {
		name, value, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if seen[name] {
			continue
		}
		value = strings.TrimSpace(value)
		switch name {
		case "from":
			s.From = decode(value, "from", log)
		case "date":
			s.Date = value
		case "subject":
			s.Subject = decode(value, "subject", log)
		default:
			continue
		}
		seen[name] = true
	}
	return s
}

func unfold(lines []string) []string {
	var fields []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			break
		}
		if (line[0] == ' ' || line[0] == '\t') && len(fields) > 0 {
			fields[len(fields)-1] += " " + strings.TrimLeft(line, " \t")
			continue
		}
		fields = append(fields, line)
	}
	return fields
}

func decode(value, field string, log *zap.Logger) string {
	out, err := rfc2047.DecodeHeader(value)
	if err != nil && log != nil {
		log.Warn("Header left partially encoded", zap.String("field", field), zap.Error(err))
	}
	return out
}
