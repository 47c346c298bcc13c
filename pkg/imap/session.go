// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package imap is a minimal IMAP4rev1 client: it logs in, selects a folder,
// searches it, and fetches the From, Date, and Subject headers of the newest
// matches. Every command waits for its own tagged completion before the next
// one is sent.
package imap

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	"src.bluestatic.org/mailclerk/pkg/auth"
	"src.bluestatic.org/mailclerk/pkg/mailerr"
	"src.bluestatic.org/mailclerk/pkg/message"
	"src.bluestatic.org/mailclerk/pkg/transport"
)

const (
	// DefaultMaxBlankLines is the number of consecutive blank lines tolerated
	// while waiting for a response.
	DefaultMaxBlankLines = 5
	// DefaultLimit is the number of newest matches fetched.
	DefaultLimit = 10

	headerFields = "BODY.PEEK[HEADER.FIELDS (FROM DATE SUBJECT)]"
)

type Config struct {
	Transport   transport.Config
	Credentials auth.Credentials

	// MaxBlankLines aborts a read after this many consecutive blank lines,
	// which only happens on a desynchronized stream. Zero selects
	// DefaultMaxBlankLines; a negative value disables the check.
	MaxBlankLines int
	// Limit caps the number of messages fetched. Zero selects DefaultLimit.
	Limit int

	Log *zap.Logger
}

// Session is one IMAP connection. It is not safe for concurrent use.
type Session struct {
	cfg  Config
	conn *transport.Conn
	log  *zap.Logger
	tags tagGenerator

	preauth bool
	last    string
}

// result is everything received for one command.
type result struct {
	Untagged []responseLine
	Status   string
}

// Dial connects and reads the server greeting.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("protocol", "imap"))
	tcfg := cfg.Transport
	tcfg.Log = log

	conn, err := transport.Dial(ctx, tcfg)
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:  cfg,
		conn: conn,
		log:  log.With(zap.String("server", tcfg.Addr)),
	}
	if err := s.readGreeting(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection without sending LOGOUT.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) maxBlankLines() int {
	if s.cfg.MaxBlankLines == 0 {
		return DefaultMaxBlankLines
	}
	return s.cfg.MaxBlankLines
}

// readResponse reads one logical response, consuming any {N} literals it
// announces.
func (s *Session) readResponse() (responseLine, error) {
	var resp responseLine
	var text strings.Builder
	blanks := 0
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			var me *mailerr.Error
			if errors.As(err, &me) && me.Command == "" {
				me.Command = s.last
			}
			return resp, err
		}
		if text.Len() == 0 && strings.TrimSpace(line) == "" {
			blanks++
			if limit := s.maxBlankLines(); limit >= 0 && blanks > limit {
				return resp, mailerr.Errorf(mailerr.ProtocolViolation, s.last, line,
					"more than %d consecutive blank lines", limit)
			}
			continue
		}
		blanks = 0

		text.WriteString(line)
		n, ok := literalSize(line)
		if !ok {
			resp.Text = text.String()
			return resp, nil
		}
		data, err := s.conn.ReadFull(n)
		if err != nil {
			return resp, err
		}
		resp.Literals = append(resp.Literals, literal{Offset: text.Len(), Data: data})
	}
}

func (s *Session) readGreeting() error {
	for {
		resp, err := s.readResponse()
		if err != nil {
			s.log.Error("Failed to read greeting", zap.Error(err))
			return err
		}
		cond, ok := isGreeting(resp.Text)
		if !ok {
			continue
		}
		switch cond {
		case "BYE":
			return mailerr.New(mailerr.Rejected, "", resp.Text, errors.New("server refused the connection"))
		case "PREAUTH":
			s.preauth = true
		}
		s.log.Debug("Greeting", zap.String("greeting", resp.Text))
		return nil
	}
}

// command sends one tagged command and reads until its completion. `logAs`
// replaces the command text in logs and errors. Continuation requests are
// passed to `cont`; without one they are a protocol violation.
func (s *Session) command(cmd, logAs string, cont func(text string) error) (*result, error) {
	tag := s.tags.Next()
	if logAs == "" {
		logAs = cmd
	}
	s.last = tag + " " + logAs
	if err := s.conn.WriteSecret(tag+" "+cmd, s.last); err != nil {
		return nil, err
	}

	res := &result{}
	for {
		resp, err := s.readResponse()
		if err != nil {
			return nil, err
		}
		line := resp.Text

		switch {
		case strings.HasPrefix(line, "* "):
			res.Untagged = append(res.Untagged, resp)
		case line == "+" || strings.HasPrefix(line, "+ "):
			if cont == nil {
				return nil, mailerr.New(mailerr.ProtocolViolation, s.last, line,
					errors.New("unexpected continuation request"))
			}
			if err := cont(strings.TrimPrefix(strings.TrimPrefix(line, "+"), " ")); err != nil {
				return nil, err
			}
		default:
			gotTag, cond, text := status(line)
			if gotTag != tag {
				return nil, mailerr.Errorf(mailerr.ProtocolViolation, s.last, line,
					"expected completion for tag %s", tag)
			}
			res.Status = text
			switch cond {
			case "OK":
				return res, nil
			case "NO":
				return res, mailerr.New(mailerr.Rejected, s.last, line, nil)
			case "BAD":
				return res, mailerr.New(mailerr.ProtocolViolation, s.last, line, errors.New("server reported a malformed command"))
			}
			return nil, mailerr.Errorf(mailerr.ProtocolViolation, s.last, line, "unknown completion %q", cond)
		}
	}
}

// Login authenticates with LOGIN, or with AUTHENTICATE for any other SASL
// mechanism. It is a no-op after a PREAUTH greeting.
func (s *Session) Login() error {
	if s.preauth {
		return nil
	}
	creds := s.cfg.Credentials

	var err error
	if creds.UsesLogin() {
		_, err = s.command(
			fmt.Sprintf("LOGIN %s %s", quote(creds.Username), quote(creds.Password)),
			fmt.Sprintf("LOGIN %s ***", quote(creds.Username)), nil)
	} else {
		host, portStr, _ := net.SplitHostPort(s.cfg.Transport.Addr)
		port, _ := strconv.Atoi(portStr)
		var sc sasl.Client
		if sc, err = creds.Client(host, port); err == nil {
			err = s.authenticate(sc)
		}
	}

	if err != nil {
		var me *mailerr.Error
		if errors.As(err, &me) && me.Kind == mailerr.Rejected {
			me.Kind = mailerr.AuthenticationFailed
		} else if !errors.As(err, &me) {
			err = mailerr.New(mailerr.AuthenticationFailed, s.last, "", err)
		}
		s.log.Error("Login failed", zap.Error(err))
		return err
	}
	s.log.Info("Authenticated", zap.String("user", creds.Username))
	return nil
}

func (s *Session) authenticate(sc sasl.Client) error {
	mech, ir, err := sc.Start()
	if err != nil {
		return err
	}
	sentIR := false
	_, err = s.command("AUTHENTICATE "+mech, "", func(text string) error {
		var resp []byte
		if ir != nil && !sentIR {
			resp, sentIR = ir, true
		} else {
			challenge, err := base64.StdEncoding.DecodeString(text)
			if err != nil {
				return mailerr.New(mailerr.ProtocolViolation, s.last, "+ "+text, err)
			}
			if resp, err = sc.Next(challenge); err != nil {
				s.conn.WriteLine("*")
				return mailerr.New(mailerr.AuthenticationFailed, s.last, "+ "+text, err)
			}
		}
		return s.conn.WriteSecret(base64.StdEncoding.EncodeToString(resp), "***")
	})
	return err
}

// Select opens `folder` read-write.
func (s *Session) Select(folder string) error {
	_, err := s.command("SELECT "+quote(folder), "", nil)
	return err
}

// Search returns the message numbers matching `criteria`, which is sent
// verbatim.
func (s *Session) Search(criteria string) ([]int, error) {
	res, err := s.command("SEARCH "+criteria, "", nil)
	if err != nil {
		return nil, err
	}
	lines := make([]string, len(res.Untagged))
	for i, u := range res.Untagged {
		lines[i] = u.Text
	}
	return parseSearch(lines), nil
}

// FetchSummary fetches the From, Date, and Subject headers of message `num`
// without setting the \Seen flag.
func (s *Session) FetchSummary(num int) (message.Summary, error) {
	res, err := s.command(fmt.Sprintf("FETCH %d %s", num, headerFields), "", nil)
	if err != nil {
		return message.Summary{}, err
	}
	var block string
	for _, u := range res.Untagged {
		if b, ok := headerBlock(u); ok {
			block = b
			break
		}
	}
	if block == "" {
		s.log.Warn("FETCH returned no header block", zap.Int("message", num))
	}
	return message.ParseSummary(num, message.SplitLines(block), s.log), nil
}

// Logout ends the session. The server may close the stream right after its
// BYE, so a premature close is not reported.
func (s *Session) Logout() error {
	_, err := s.command("LOGOUT", "", nil)
	if errors.Is(err, mailerr.PrematureClose) {
		return nil
	}
	return err
}

// Fetch runs the whole sequence: LOGIN, SELECT, SEARCH, FETCH for the newest
// matches in ascending order, then LOGOUT. A failed LOGOUT is only logged.
func Fetch(ctx context.Context, cfg Config, folder, criteria string) ([]message.Summary, error) {
	s, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.Close(); err != nil {
			s.log.Debug("Close failed", zap.Error(err))
		}
	}()

	if err := s.Login(); err != nil {
		return nil, err
	}
	if err := s.Select(folder); err != nil {
		return nil, err
	}
	nums, err := s.Search(criteria)
	if err != nil {
		return nil, err
	}

	limit := cfg.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	selected := SelectRecent(nums, limit)
	s.log.Info("Search complete", zap.String("folder", folder), zap.Int("matches", len(nums)), zap.Int("fetching", len(selected)))

	summaries := make([]message.Summary, 0, len(selected))
	for _, n := range selected {
		sum, err := s.FetchSummary(n)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}

	if err := s.Logout(); err != nil {
		s.log.Warn("LOGOUT failed", zap.Error(err))
	}
	return summaries, nil
}
