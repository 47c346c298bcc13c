// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package pop3

import (
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"testing"
)

type state int

const (
	stateAuth state = iota
	stateTxn
)

const (
	errStateAuth = "not in AUTHORIZATION"
	errStateTxn  = "not in TRANSACTION"
	errSyntax    = "syntax error"
)

// testServer is a small POP3 maildrop used to exercise the client.
type testServer struct {
	user, pass string
	msgs       []string
	greeting   string

	// hangupOn closes the connection instead of answering this command.
	hangupOn string
	// raw replaces the whole reply to this command.
	raw           map[string]string
	closeAfterRaw bool

	commands []string
}

type connection struct {
	s    *testServer
	tp   *textproto.Conn
	line string
	user string
	state
}

func (s *testServer) accept(nc net.Conn) {
	conn := connection{s: s, tp: textproto.NewConn(nc), state: stateAuth}
	defer conn.tp.Close()

	greeting := s.greeting
	if greeting == "" {
		greeting = "+OK POP3 test server ready"
	}
	conn.tp.PrintfLine("%s", greeting)

	for {
		var err error
		conn.line, err = conn.tp.ReadLine()
		if err != nil {
			return
		}
		s.commands = append(s.commands, conn.line)

		var cmd string
		if _, err := fmt.Sscanf(conn.line, "%s", &cmd); err != nil {
			conn.err("invalid command")
			continue
		}
		cmd = strings.ToUpper(cmd)
		if cmd == s.hangupOn {
			return
		}
		if reply, ok := s.raw[cmd]; ok {
			io.WriteString(conn.tp.W, reply)
			conn.tp.W.Flush()
			if s.closeAfterRaw {
				return
			}
			continue
		}

		switch cmd {
		case "QUIT":
			conn.ok("goodbye")
			return
		case "USER":
			conn.doUSER()
		case "PASS":
			conn.doPASS()
		case "STAT":
			conn.doSTAT()
		case "RETR":
			conn.doRETR()
		default:
			conn.err("unknown command")
		}
	}
}

func (conn *connection) ok(msg string) {
	if len(msg) > 0 {
		msg = " " + msg
	}
	conn.tp.PrintfLine("+OK%s", msg)
}

func (conn *connection) err(msg string) {
	conn.tp.PrintfLine("-ERR %s", msg)
}

func (conn *connection) doUSER() {
	if conn.state != stateAuth {
		conn.err(errStateAuth)
		return
	}
	conn.user = strings.TrimPrefix(conn.line, "USER ")
	conn.ok("")
}

func (conn *connection) doPASS() {
	if conn.state != stateAuth {
		conn.err(errStateAuth)
		return
	}
	if conn.user != conn.s.user || strings.TrimPrefix(conn.line, "PASS ") != conn.s.pass {
		conn.err("[AUTH] invalid credentials")
		return
	}
	conn.state = stateTxn
	conn.ok("maildrop locked and ready")
}

func (conn *connection) doSTAT() {
	if conn.state != stateTxn {
		conn.err(errStateTxn)
		return
	}
	size := 0
	for _, m := range conn.s.msgs {
		size += len(m)
	}
	conn.ok(fmt.Sprintf("%d %d", len(conn.s.msgs), size))
}

func (conn *connection) doRETR() {
	if conn.state != stateTxn {
		conn.err(errStateTxn)
		return
	}
	var cmd string
	var idx int
	if _, err := fmt.Sscanf(conn.line, "%s %d", &cmd, &idx); err != nil {
		conn.err(errSyntax)
		return
	}
	if idx < 1 || idx > len(conn.s.msgs) {
		conn.err("no such message")
		return
	}
	body := conn.s.msgs[idx-1]
	conn.ok(fmt.Sprintf("%d octets", len(body)))

	w := conn.tp.DotWriter()
	io.WriteString(w, body)
	w.Close()
}

// runServer serves a single client connection.
func runServer(t *testing.T, s *testServer) (string, <-chan struct{}) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer l.Close()
		nc, err := l.Accept()
		if err != nil {
			return
		}
		s.accept(nc)
	}()
	return l.Addr().String(), done
}
