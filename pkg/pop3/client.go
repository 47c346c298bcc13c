// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package pop3 is a POP3 client that downloads the newest messages of a
// maildrop over a transport.Conn.
package pop3

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"src.bluestatic.org/mailclerk/pkg/mailerr"
	"src.bluestatic.org/mailclerk/pkg/message"
	"src.bluestatic.org/mailclerk/pkg/transport"
)

// DefaultLimit is the number of newest messages retrieved.
const DefaultLimit = 10

type Config struct {
	Transport transport.Config
	Username  string
	Password  string
	// Limit caps the number of messages retrieved. Zero selects DefaultLimit.
	Limit int
	Log   *zap.Logger
}

// Client is one POP3 session. It is not safe for concurrent use.
type Client struct {
	conn     *transport.Conn
	log      *zap.Logger
	greeting string
	last     string
}

// Connect dials the server and reads its greeting.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("protocol", "pop3"))
	tcfg := cfg.Transport
	tcfg.Log = log

	conn, err := transport.Dial(ctx, tcfg)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn: conn,
		log:  log.With(zap.String("server", tcfg.Addr)),
	}
	c.greeting, err = c.readReplyLine()
	if err != nil {
		c.log.Error("Failed to read greeting", zap.Error(err))
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Greeting is the text of the server's +OK greeting.
func (c *Client) Greeting() string {
	return c.greeting
}

// Close releases the connection without sending QUIT.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Login sends USER and PASS. A -ERR reply to either is AuthenticationFailed.
func (c *Client) Login(user, pass string) error {
	if _, err := c.transaction("USER "+user, ""); err != nil {
		return authFailed(err)
	}
	if _, err := c.transaction("PASS "+pass, "PASS ***"); err != nil {
		return authFailed(err)
	}
	c.log.Info("Opened mailbox", zap.String("user", user))
	return nil
}

func authFailed(err error) error {
	var me *mailerr.Error
	if errors.As(err, &me) && me.Kind == mailerr.Rejected {
		me.Kind = mailerr.AuthenticationFailed
	}
	return err
}

// Stat returns the number of messages in the maildrop and their total size.
func (c *Client) Stat() (count, size int, err error) {
	reply, err := c.transaction("STAT", "")
	if err != nil {
		return 0, 0, err
	}
	if n, serr := fmt.Sscanf(reply, "%d %d", &count, &size); n != 2 || serr != nil {
		return 0, 0, mailerr.Errorf(mailerr.ProtocolViolation, c.last, "+OK "+reply, "malformed STAT reply")
	}
	return count, size, nil
}

// Retrieve downloads message `n`. The returned lines have the byte-stuffing
// removed and exclude the terminating ".".
func (c *Client) Retrieve(n int) ([]string, error) {
	if _, err := c.transaction(fmt.Sprintf("RETR %d", n), ""); err != nil {
		return nil, err
	}
	return c.readMultiLine()
}

// Quit ends the session.
func (c *Client) Quit() error {
	_, err := c.transaction("QUIT", "")
	return err
}

func (c *Client) transaction(cmd, logAs string) (string, error) {
	if logAs == "" {
		logAs = cmd
	}
	c.last = logAs
	log := c.log.With(zap.String("command", logAs))
	log.Debug("Sending transaction")
	if err := c.conn.WriteSecret(cmd, logAs); err != nil {
		log.Error("Failed to send command", zap.Error(err))
		return "", err
	}
	reply, err := c.readReplyLine()
	if err != nil {
		log.Error("Command failed", zap.Error(err))
		return reply, err
	}
	log.Debug("Command succeeded", zap.String("reply", reply))
	return reply, nil
}

// readReplyLine reads a status line and returns the text after "+OK".
func (c *Client) readReplyLine() (string, error) {
	line, err := c.conn.ReadLine()
	if err != nil {
		var me *mailerr.Error
		if errors.As(err, &me) && me.Command == "" {
			me.Command = c.last
		}
		return "", err
	}
	if strings.HasPrefix(line, "+OK") {
		return strings.TrimPrefix(line[3:], " "), nil
	}
	if strings.HasPrefix(line, "-ERR") {
		return "", mailerr.New(mailerr.Rejected, c.last, line, nil)
	}
	return "", mailerr.New(mailerr.ProtocolViolation, c.last, line, errors.New("reply is neither +OK nor -ERR"))
}

// readMultiLine reads a dot-terminated block. A leading ".." is unstuffed to
// a single ".".
func (c *Client) readMultiLine() ([]string, error) {
	var lines []string
	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			var me *mailerr.Error
			if errors.As(err, &me) && me.Command == "" {
				me.Command = c.last
			}
			return nil, err
		}
		if line == "." {
			return lines, nil
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		lines = append(lines, line)
	}
}

// Retrieved is a downloaded message and the summary of its headers.
type Retrieved struct {
	Summary message.Summary
	Lines   []string
}

// Raw joins the message lines with CRLF.
func (r Retrieved) Raw() []byte {
	if len(r.Lines) == 0 {
		return nil
	}
	return []byte(strings.Join(r.Lines, "\r\n") + "\r\n")
}

// Fetch logs in, retrieves the newest messages in ascending order, and quits.
// A failed QUIT is only logged.
func Fetch(ctx context.Context, cfg Config) ([]Retrieved, error) {
	c, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := c.Close(); err != nil {
			c.log.Debug("Close failed", zap.Error(err))
		}
	}()

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		return nil, err
	}
	count, size, err := c.Stat()
	if err != nil {
		return nil, err
	}

	limit := cfg.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	first := max(1, count-limit+1)
	c.log.Info("Maildrop status", zap.Int("messages", count), zap.Int("octets", size), zap.Int("first", first))

	var msgs []Retrieved
	for i := first; i <= count; i++ {
		lines, err := c.Retrieve(i)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, Retrieved{
			Summary: message.ParseSummary(i, lines, c.log),
			Lines:   lines,
		})
	}

	if err := c.Quit(); err != nil {
		c.log.Warn("QUIT failed", zap.Error(err))
	}
	return msgs, nil
}
