// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package imap

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"src.bluestatic.org/mailclerk/pkg/auth"
	"src.bluestatic.org/mailclerk/pkg/mailerr"
	"src.bluestatic.org/mailclerk/pkg/transport"
)

func _fl(depth int) string {
	_, file, line, _ := runtime.Caller(depth + 1)
	return fmt.Sprintf("[%s:%d]", filepath.Base(file), line)
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Errorf("%s unexpected error: %v", _fl(1), err)
	}
}

// handlerFunc answers one tagged command. The returned text is written
// verbatim; returning io.EOF closes the connection instead.
type handlerFunc func(tag, cmd string, r *textproto.Reader, w io.Writer) error

type fakeServer struct {
	greeting string
	handler  handlerFunc
	commands []string
}

func (s *fakeServer) serve(nc net.Conn) {
	r := textproto.NewReader(bufio.NewReader(nc))
	io.WriteString(nc, s.greeting)
	for {
		line, err := r.ReadLine()
		if err != nil {
			return
		}
		s.commands = append(s.commands, line)
		tag, cmd, _ := strings.Cut(line, " ")
		if err := s.handler(tag, cmd, r, nc); err != nil {
			return
		}
	}
}

func runServer(t *testing.T, s *fakeServer) (string, <-chan struct{}) {
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
		defer nc.Close()
		s.serve(nc)
	}()
	return l.Addr().String(), done
}

func testConfig(addr string) Config {
	return Config{
		Transport: transport.Config{
			Addr:     addr,
			Security: transport.Plain,
			Timeout:  5 * time.Second,
		},
		Credentials: auth.Credentials{Username: "u", Password: "p"},
		Log:         zap.NewNop(),
	}
}

var testHeaders = map[string]string{
	"1": "From: =?UTF-8?B?SsO8cmdlbg==?= <j@example.com>\r\nDate: Mon, 2 Jun 2025 10:00:00 +0000\r\nSubject: =?ISO-8859-1?Q?Caf=E9?=\r\n\r\n",
	"2": "From: plain@example.com\r\nSubject: Second\r\n\r\n",
	"3": "subject: =?utf-8?q?third_one?=\r\nDATE: Wed, 4 Jun 2025 12:00:00 +0000\r\n\r\n",
}

// mailboxHandler serves a three-message INBOX.
func mailboxHandler(tag, cmd string, r *textproto.Reader, w io.Writer) error {
	verb, arg, _ := strings.Cut(cmd, " ")
	switch verb {
	case "LOGIN":
		if arg != `"u" "p"` {
			fmt.Fprintf(w, "%s NO [AUTHENTICATIONFAILED] Invalid credentials\r\n", tag)
			return nil
		}
		fmt.Fprintf(w, "%s OK LOGIN completed\r\n", tag)
	case "SELECT":
		fmt.Fprintf(w, "* 3 EXISTS\r\n* FLAGS (\\Seen)\r\n%s OK [READ-WRITE] SELECT completed\r\n", tag)
	case "SEARCH":
		fmt.Fprintf(w, "* SEARCH 3 1\r\n* SEARCH 2 3\r\n%s OK SEARCH completed\r\n", tag)
	case "FETCH":
		num, _, _ := strings.Cut(arg, " ")
		hdr := testHeaders[num]
		fmt.Fprintf(w, "* %s FETCH (BODY[HEADER.FIELDS (FROM DATE SUBJECT)] {%d}\r\n%s)\r\n%s OK FETCH completed\r\n",
			num, len(hdr), hdr, tag)
	case "LOGOUT":
		fmt.Fprintf(w, "* BYE logging out\r\n%s OK LOGOUT completed\r\n", tag)
		return io.EOF
	default:
		fmt.Fprintf(w, "%s BAD unknown command\r\n", tag)
	}
	return nil
}

func TestFetchEndToEnd(t *testing.T) {
	s := &fakeServer{greeting: "* OK IMAP4rev1 ready\r\n", handler: mailboxHandler}
	addr, done := runServer(t, s)

	sums, err := Fetch(context.Background(), testConfig(addr), "INBOX", "ALL")
	ok(t, err)
	<-done

	wantCmds := []string{
		`A000 LOGIN "u" "p"`,
		`A001 SELECT "INBOX"`,
		`A002 SEARCH ALL`,
		`A003 FETCH 1 BODY.PEEK[HEADER.FIELDS (FROM DATE SUBJECT)]`,
		`A004 FETCH 2 BODY.PEEK[HEADER.FIELDS (FROM DATE SUBJECT)]`,
		`A005 FETCH 3 BODY.PEEK[HEADER.FIELDS (FROM DATE SUBJECT)]`,
		`A006 LOGOUT`,
	}
	if got, want := strings.Join(s.commands, "\n"), strings.Join(wantCmds, "\n"); got != want {
		t.Errorf("Unexpected commands:\n%s\nwant:\n%s", got, want)
	}

	if len(sums) != 3 {
		t.Fatalf("Expected 3 summaries, got %d", len(sums))
	}
	for i, sum := range sums {
		if sum.Number != i+1 {
			t.Errorf("Summary %d has number %d", i, sum.Number)
		}
	}
	if sums[0].From != "Jürgen <j@example.com>" || sums[0].Subject != "Café" {
		t.Errorf("Unexpected first summary %+v", sums[0])
	}
	if sums[1].Date != "N/A" || sums[1].Subject != "Second" {
		t.Errorf("Unexpected second summary %+v", sums[1])
	}
	if sums[2].From != "N/A" || sums[2].Subject != "third one" || sums[2].Date != "Wed, 4 Jun 2025 12:00:00 +0000" {
		t.Errorf("Unexpected third summary %+v", sums[2])
	}
}

func TestLoginRejected(t *testing.T) {
	s := &fakeServer{greeting: "* OK ready\r\n", handler: mailboxHandler}
	addr, done := runServer(t, s)

	cfg := testConfig(addr)
	cfg.Credentials.Password = "wrong"
	_, err := Fetch(context.Background(), cfg, "INBOX", "ALL")
	<-done

	var me *mailerr.Error
	if !errors.As(err, &me) || me.Kind != mailerr.AuthenticationFailed {
		t.Fatalf("Expected AuthenticationFailed, got %v", err)
	}
	if strings.Contains(me.Command, "wrong") {
		t.Errorf("Password leaked into error: %q", me.Command)
	}
	if me.Command != `A000 LOGIN "u" ***` {
		t.Errorf("Unexpected command context %q", me.Command)
	}
}

func TestCredentialLineBreakNotSent(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Credentials.Password = "p\r\nA001 DELETE INBOX" },
		func(c *Config) { c.Credentials.Username = "u\nA001 DELETE INBOX" },
	}
	for i, mutate := range cases {
		s := &fakeServer{greeting: "* OK ready\r\n", handler: mailboxHandler}
		addr, done := runServer(t, s)

		cfg := testConfig(addr)
		mutate(&cfg)
		_, err := Fetch(context.Background(), cfg, "INBOX", "ALL")
		<-done

		if !errors.Is(err, transport.ErrLineBreak) {
			t.Errorf("%d: Expected ErrLineBreak, got %v", i, err)
		}
		for _, cmd := range s.commands {
			if strings.Contains(cmd, "DELETE") || strings.Contains(cmd, "LOGIN") {
				t.Errorf("%d: Unexpected command on the wire %q", i, cmd)
			}
		}
	}
}

func TestFolderLineBreakNotSent(t *testing.T) {
	s := &fakeServer{greeting: "* OK ready\r\n", handler: mailboxHandler}
	addr, done := runServer(t, s)

	_, err := Fetch(context.Background(), testConfig(addr), "INBOX\r\nA009 DELETE INBOX", "ALL")
	<-done
	if !errors.Is(err, transport.ErrLineBreak) {
		t.Errorf("Expected ErrLineBreak, got %v", err)
	}
	for _, cmd := range s.commands {
		if strings.Contains(cmd, "DELETE") || strings.HasPrefix(cmd, "A001 SELECT") {
			t.Errorf("Unexpected command on the wire %q", cmd)
		}
	}
}

func TestBadCompletionIsProtocolViolation(t *testing.T) {
	s := &fakeServer{greeting: "* OK ready\r\n", handler: mailboxHandler}
	addr, done := runServer(t, s)

	sess, err := Dial(context.Background(), testConfig(addr))
	if err != nil {
		t.Fatal(err)
	}
	ok(t, sess.Login())
	_, err = sess.command("NOOP", "", nil)
	sess.Close()
	<-done

	if !errors.Is(err, mailerr.ProtocolViolation) {
		t.Errorf("Expected ProtocolViolation for BAD, got %v", err)
	}
}

func TestSelectNoIsRejected(t *testing.T) {
	s := &fakeServer{greeting: "* OK ready\r\n", handler: func(tag, cmd string, r *textproto.Reader, w io.Writer) error {
		if strings.HasPrefix(cmd, "SELECT") {
			fmt.Fprintf(w, "%s NO Mailbox does not exist\r\n", tag)
			return nil
		}
		return mailboxHandler(tag, cmd, r, w)
	}}
	addr, done := runServer(t, s)

	_, err := Fetch(context.Background(), testConfig(addr), "Missing", "ALL")
	<-done
	if !errors.Is(err, mailerr.Rejected) {
		t.Errorf("Expected Rejected, got %v", err)
	}
}

func TestTagDesync(t *testing.T) {
	s := &fakeServer{greeting: "* OK ready\r\n", handler: func(tag, cmd string, r *textproto.Reader, w io.Writer) error {
		fmt.Fprintf(w, "Z999 OK not yours\r\n")
		return nil
	}}
	addr, done := runServer(t, s)

	_, err := Fetch(context.Background(), testConfig(addr), "INBOX", "ALL")
	<-done
	var me *mailerr.Error
	if !errors.As(err, &me) || me.Kind != mailerr.ProtocolViolation || me.Response != "Z999 OK not yours" {
		t.Errorf("Expected ProtocolViolation on tag mismatch, got %v", err)
	}
}

// The blank-line limit is a guard against a desynchronized stream, not part of
// IMAP: these tests only pin the configured behavior.
func TestBlankLineGuard(t *testing.T) {
	blanks := func(n int) handlerFunc {
		return func(tag, cmd string, r *textproto.Reader, w io.Writer) error {
			io.WriteString(w, strings.Repeat("\r\n", n))
			fmt.Fprintf(w, "%s OK done\r\n", tag)
			return nil
		}
	}
	cases := []struct {
		blanks, limit int
		fail          bool
	}{
		{5, 0, false},
		{6, 0, true},
		{2, 1, true},
		{50, -1, false},
	}
	for i, c := range cases {
		s := &fakeServer{greeting: "* OK ready\r\n", handler: blanks(c.blanks)}
		addr, done := runServer(t, s)

		cfg := testConfig(addr)
		cfg.MaxBlankLines = c.limit
		sess, err := Dial(context.Background(), cfg)
		if err != nil {
			t.Fatal(err)
		}
		_, err = sess.command("NOOP", "", nil)
		sess.Close()
		<-done

		if c.fail && !errors.Is(err, mailerr.ProtocolViolation) {
			t.Errorf("case %d: expected ProtocolViolation, got %v", i, err)
		} else if !c.fail {
			ok(t, err)
		}
	}
}

func TestGreetingBye(t *testing.T) {
	s := &fakeServer{greeting: "* BYE too busy\r\n", handler: mailboxHandler}
	addr, done := runServer(t, s)
	_, err := Dial(context.Background(), testConfig(addr))
	<-done
	if !errors.Is(err, mailerr.Rejected) {
		t.Errorf("Expected Rejected for BYE greeting, got %v", err)
	}
}

func TestGreetingSkipsOtherUntagged(t *testing.T) {
	s := &fakeServer{greeting: "* CAPABILITY IMAP4rev1\r\n\r\n* PREAUTH welcome back\r\n", handler: mailboxHandler}
	addr, done := runServer(t, s)

	sess, err := Dial(context.Background(), testConfig(addr))
	if err != nil {
		t.Fatal(err)
	}
	ok(t, sess.Login())
	ok(t, sess.Select("INBOX"))
	sess.Close()
	<-done

	if len(s.commands) != 1 || !strings.HasPrefix(s.commands[0], "A000 SELECT") {
		t.Errorf("Expected LOGIN to be skipped after PREAUTH, got %q", s.commands)
	}
}

func TestPrematureCloseDuringSearch(t *testing.T) {
	s := &fakeServer{greeting: "* OK ready\r\n", handler: func(tag, cmd string, r *textproto.Reader, w io.Writer) error {
		if strings.HasPrefix(cmd, "SEARCH") {
			io.WriteString(w, "* SEARCH 1 2")
			return io.EOF
		}
		return mailboxHandler(tag, cmd, r, w)
	}}
	addr, done := runServer(t, s)

	_, err := Fetch(context.Background(), testConfig(addr), "INBOX", "ALL")
	<-done
	var me *mailerr.Error
	if !errors.As(err, &me) || me.Kind != mailerr.PrematureClose {
		t.Fatalf("Expected PrematureClose, got %v", err)
	}
	if me.Command != "A002 SEARCH ALL" {
		t.Errorf("Expected last command in error, got %q", me.Command)
	}
}

func TestLogoutFailureIsNotFatal(t *testing.T) {
	s := &fakeServer{greeting: "* OK ready\r\n", handler: func(tag, cmd string, r *textproto.Reader, w io.Writer) error {
		if cmd == "LOGOUT" {
			return io.EOF
		}
		return mailboxHandler(tag, cmd, r, w)
	}}
	addr, done := runServer(t, s)

	sums, err := Fetch(context.Background(), testConfig(addr), "INBOX", "ALL")
	<-done
	ok(t, err)
	if len(sums) != 3 {
		t.Errorf("Expected 3 summaries, got %d", len(sums))
	}
}

func TestAuthenticatePlain(t *testing.T) {
	s := &fakeServer{greeting: "* OK ready\r\n", handler: func(tag, cmd string, r *textproto.Reader, w io.Writer) error {
		if cmd != "AUTHENTICATE PLAIN" {
			return mailboxHandler(tag, cmd, r, w)
		}
		io.WriteString(w, "+ \r\n")
		line, err := r.ReadLine()
		if err != nil {
			return err
		}
		b, _ := base64.StdEncoding.DecodeString(line)
		if string(b) != "\x00u\x00p" {
			fmt.Fprintf(w, "%s NO bad credentials\r\n", tag)
			return nil
		}
		fmt.Fprintf(w, "%s OK authenticated\r\n", tag)
		return nil
	}}
	addr, done := runServer(t, s)

	cfg := testConfig(addr)
	cfg.Credentials.Mechanism = auth.Plain
	sess, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	ok(t, sess.Login())
	ok(t, sess.Logout())
	sess.Close()
	<-done
}

func TestUnexpectedContinuation(t *testing.T) {
	s := &fakeServer{greeting: "* OK ready\r\n", handler: func(tag, cmd string, r *textproto.Reader, w io.Writer) error {
		io.WriteString(w, "+ go ahead\r\n")
		return nil
	}}
	addr, done := runServer(t, s)

	sess, err := Dial(context.Background(), testConfig(addr))
	if err != nil {
		t.Fatal(err)
	}
	err = sess.Select("INBOX")
	sess.Close()
	<-done
	if !errors.Is(err, mailerr.ProtocolViolation) {
		t.Errorf("Expected ProtocolViolation, got %v", err)
	}
}
