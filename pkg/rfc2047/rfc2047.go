// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package rfc2047 encodes and decodes RFC 2047 encoded words,
// `=?charset?B|Q?text?=`, in header values.
//
// Decoding is always best effort: a word that cannot be decoded is kept
// verbatim and the failure is reported separately, never in place of a value.
package rfc2047

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"go.uber.org/multierr"

	"src.bluestatic.org/mailclerk/pkg/mailerr"
)

// Decode returns `s` with every decodable encoded word replaced by its text.
func Decode(s string) string {
	out, _ := DecodeHeader(s)
	return out
}

// DecodeHeader is Decode that also reports, as mailerr.DecodeFailure errors,
// every encoded word that was left untouched.
func DecodeHeader(s string) (string, error) {
	if !strings.Contains(s, "=?") {
		return s, nil
	}

	var (
		b        strings.Builder
		errs     error
		pending  string // whitespace seen after the last encoded word
		lastWord bool   // the last encoded word decoded
	)
	for len(s) > 0 {
		start := strings.Index(s, "=?")
		if start < 0 {
			b.WriteString(pending)
			b.WriteString(s)
			pending = ""
			break
		}

		word, ok := scanWord(s[start:])
		if !ok {
			b.WriteString(pending)
			b.WriteString(s[:start+2])
			pending = ""
			lastWord = false
			s = s[start+2:]
			continue
		}

		text, err := DecodeWord(word)
		between := s[:start]
		if lastWord && err == nil && isSpace(between) {
			// Linear whitespace separating two decoded words is not part of
			// the text.
		} else {
			b.WriteString(pending)
			b.WriteString(between)
		}
		pending = ""

		if err != nil {
			errs = multierr.Append(errs, err)
			text = word
		}
		b.WriteString(text)
		lastWord = err == nil
		s = s[start+len(word):]

		if next := strings.Index(s, "=?"); next >= 0 && isSpace(s[:next]) {
			pending = s[:next]
			s = s[next:]
		}
	}
	b.WriteString(pending)
	return b.String(), errs
}

// scanWord returns the encoded word at the start of `s`, which begins with
// "=?". The charset may not be empty, the encoding is a single letter, and the
// encoded text may not be empty or contain '?'.
func scanWord(s string) (string, bool) {
	rest := s[2:]
	q := strings.IndexByte(rest, '?')
	if q <= 0 || !validCharset(rest[:q]) {
		return "", false
	}
	rest = rest[q+1:]
	if len(rest) < 2 || rest[1] != '?' {
		return "", false
	}
	switch rest[0] {
	case 'B', 'b', 'Q', 'q':
	default:
		return "", false
	}
	rest = rest[2:]
	end := strings.Index(rest, "?=")
	if end <= 0 || strings.ContainsAny(rest[:end], "? \t\r\n") {
		return "", false
	}
	n := len(s) - len(rest) + end + 2
	return s[:n], true
}

func validCharset(cs string) bool {
	for _, r := range cs {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':', r == '*':
		default:
			return false
		}
	}
	return true
}

func isSpace(s string) bool {
	return strings.Trim(s, " \t\r\n") == ""
}

// DecodeWord decodes a single encoded word. The error is always of kind
// mailerr.DecodeFailure.
func DecodeWord(word string) (string, error) {
	fail := func(format string, args ...any) (string, error) {
		return "", mailerr.Errorf(mailerr.DecodeFailure, "", word, format, args...)
	}

	if !strings.HasPrefix(word, "=?") || !strings.HasSuffix(word, "?=") {
		return fail("not an encoded word")
	}
	parts := strings.Split(word[2:len(word)-2], "?")
	if len(parts) != 3 || parts[0] == "" || len(parts[1]) != 1 || parts[2] == "" {
		return fail("malformed encoded word")
	}
	cs := parts[0]
	// RFC 2231 language suffix: charset*lang.
	if i := strings.IndexByte(cs, '*'); i >= 0 {
		cs = cs[:i]
	}

	var (
		raw []byte
		err error
	)
	switch parts[1] {
	case "B", "b":
		raw, err = decodeB(parts[2])
	case "Q", "q":
		raw, err = decodeQ(parts[2])
	default:
		return fail("unknown encoding %q", parts[1])
	}
	if err != nil {
		return fail("%v", err)
	}

	text, err := toUTF8(cs, raw)
	if err != nil {
		return fail("%v", err)
	}
	return text, nil
}

func decodeB(text string) ([]byte, error) {
	if len(text)%4 != 0 {
		return base64.RawStdEncoding.DecodeString(strings.TrimRight(text, "="))
	}
	return base64.StdEncoding.DecodeString(text)
}

// decodeQ reverses the "Q" encoding: '_' is a space, "=XX" is one byte given
// in hex, and every other character stands for its own byte.
func decodeQ(text string) ([]byte, error) {
	text = strings.ReplaceAll(text, "_", " ")
	out := make([]byte, 0, len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '=' {
			out = append(out, c)
			continue
		}
		if i+2 >= len(text) {
			return nil, fmt.Errorf("truncated escape at offset %d", i)
		}
		hi, ok1 := unhex(text[i+1])
		lo, ok2 := unhex(text[i+2])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("invalid escape %q", text[i:i+3])
		}
		out = append(out, hi<<4|lo)
		i += 2
	}
	return out, nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func toUTF8(cs string, raw []byte) (string, error) {
	switch strings.ToLower(cs) {
	case "utf-8", "utf8":
		if !utf8.Valid(raw) {
			return "", fmt.Errorf("invalid UTF-8 in %s text", cs)
		}
		return string(raw), nil
	case "us-ascii", "ascii":
		return string(raw), nil
	}
	r, err := charset.Reader(cs, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// maxWordBytes keeps every generated "=?utf-8?B?...?=" word within the 75
// character limit: 45 bytes encode to 60 base64 characters.
const maxWordBytes = 45

// Encode returns `s` unchanged when it is pure ASCII. Otherwise it returns one
// or more UTF-8 "B" encoded words separated by spaces, each split on a rune
// boundary.
func Encode(s string) string {
	if isASCII(s) {
		return s
	}
	var words []string
	for len(s) > 0 {
		n := 0
		for n < len(s) {
			_, size := utf8.DecodeRuneInString(s[n:])
			if n+size > maxWordBytes && n > 0 {
				break
			}
			n += size
		}
		words = append(words, "=?utf-8?B?"+base64.StdEncoding.EncodeToString([]byte(s[:n]))+"?=")
		s = s[n:]
	}
	return strings.Join(words, " ")
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
