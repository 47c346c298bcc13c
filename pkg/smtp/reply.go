// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package smtp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"src.bluestatic.org/mailclerk/pkg/mailerr"
)

// Reply is a complete, possibly multi-line, server response.
type Reply struct {
	Code  int
	Lines []string
}

// Text is the message of the final line, without the status code.
func (r *Reply) Text() string {
	if len(r.Lines) == 0 {
		return ""
	}
	return r.Lines[len(r.Lines)-1]
}

func (r *Reply) String() string {
	return fmt.Sprintf("%d %s", r.Code, r.Text())
}

type lineReader interface {
	ReadLine() (string, error)
}

// parseReplyLine splits a single response line. `final` is false when the
// fourth character is '-' and more lines of the same reply follow.
func parseReplyLine(line string) (code int, final bool, text string, err error) {
	if len(line) < 3 {
		return 0, false, "", fmt.Errorf("reply line too short")
	}
	code, err = strconv.Atoi(line[:3])
	if err != nil || code < 100 || code > 599 {
		return 0, false, "", fmt.Errorf("invalid status code %q", line[:3])
	}
	if len(line) == 3 {
		return code, true, "", nil
	}
	switch line[3] {
	case ' ':
		return code, true, line[4:], nil
	case '-':
		return code, false, line[4:], nil
	}
	return 0, false, "", fmt.Errorf("invalid separator %q after status code", line[3])
}

// readReply reads lines until the final line of a reply and checks its code
// against `expect`. A mismatch is a ProtocolViolation carrying the final line.
func readReply(r lineReader, command string, expect ...int) (*Reply, error) {
	reply := &Reply{}
	for {
		line, err := r.ReadLine()
		if err != nil {
			var me *mailerr.Error
			if errors.As(err, &me) && me.Command == "" {
				me.Command = command
			}
			return nil, err
		}
		code, final, text, err := parseReplyLine(line)
		if err != nil {
			return nil, mailerr.New(mailerr.ProtocolViolation, command, line, err)
		}
		if len(reply.Lines) > 0 && code != reply.Code {
			return nil, mailerr.Errorf(mailerr.ProtocolViolation, command, line,
				"status code changed from %d within a multi-line reply", reply.Code)
		}
		reply.Code = code
		reply.Lines = append(reply.Lines, text)
		if !final {
			continue
		}
		for _, want := range expect {
			if code == want {
				return reply, nil
			}
		}
		return reply, mailerr.Errorf(mailerr.ProtocolViolation, command, line,
			"expected status %s", codeList(expect))
	}
}

func codeList(codes []int) string {
	s := make([]string, len(codes))
	for i, c := range codes {
		s[i] = strconv.Itoa(c)
	}
	return strings.Join(s, " or ")
}
