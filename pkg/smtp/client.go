// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package smtp is a submission client that drives one message through the
// greeting, EHLO, STARTTLS, AUTH, envelope, DATA, and QUIT steps over a
// transport.Conn, checking the status code of every reply.
package smtp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"strconv"

	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	"src.bluestatic.org/mailclerk/pkg/auth"
	"src.bluestatic.org/mailclerk/pkg/mailerr"
	"src.bluestatic.org/mailclerk/pkg/message"
	"src.bluestatic.org/mailclerk/pkg/transport"
)

// DefaultHello is the EHLO argument used when Config.Hello is empty.
const DefaultHello = "[127.0.0.1]"

type Config struct {
	Transport transport.Config
	// Hello is the client identity sent with EHLO.
	Hello string
	// Credentials are skipped entirely when Username is empty.
	Credentials auth.Credentials
	Log         *zap.Logger
}

type client struct {
	conn *transport.Conn
	log  *zap.Logger
}

// Send delivers `msg` to the server in `cfg`. The connection is closed before
// Send returns, on every path.
func Send(ctx context.Context, cfg Config, msg *message.Outgoing) error {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("protocol", "smtp"))
	tcfg := cfg.Transport
	tcfg.Log = log

	from, err := envelopeAddress(msg.From)
	if err != nil {
		return err
	}
	to, err := envelopeAddress(msg.To)
	if err != nil {
		return err
	}

	conn, err := transport.Dial(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug("Close failed", zap.Error(err))
		}
	}()

	c := &client{conn: conn, log: log.With(zap.String("server", tcfg.Addr))}
	if err = c.handshake(ctx, cfg); err != nil {
		return err
	}
	if cfg.Credentials.Username != "" {
		if err = c.login(cfg); err != nil {
			return err
		}
	}

	if _, err = c.transaction(250, "MAIL FROM:<%s>", from); err != nil {
		return err
	}
	if _, err = c.transaction(250, "RCPT TO:<%s>", to); err != nil {
		return err
	}
	if _, err = c.transaction(354, "DATA"); err != nil {
		return err
	}
	if err = c.data(msg); err != nil {
		return err
	}
	if _, err = c.transaction(221, "QUIT"); err != nil {
		return err
	}

	c.log.Info("Message sent", zap.String("from", from), zap.String("to", to))
	return nil
}

func envelopeAddress(s string) (string, error) {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", mailerr.New(mailerr.ProtocolViolation, "", "", fmt.Errorf("invalid address %q: %w", s, err))
	}
	return addr.Address, nil
}

func (c *client) handshake(ctx context.Context, cfg Config) error {
	hello := cfg.Hello
	if hello == "" {
		hello = DefaultHello
	}

	if _, err := readReply(c.conn, "", 220); err != nil {
		c.log.Error("Bad greeting", zap.Error(err))
		return err
	}
	if _, err := c.transaction(250, "EHLO %s", hello); err != nil {
		return err
	}

	if cfg.Transport.Security != transport.StartTLS {
		return nil
	}
	if _, err := c.transaction(220, "STARTTLS"); err != nil {
		return err
	}
	if err := c.conn.StartTLS(ctx); err != nil {
		return err
	}
	_, err := c.transaction(250, "EHLO %s", hello)
	return err
}

// transaction sends one command and reads its reply.
func (c *client) transaction(expect int, format string, args ...any) (*Reply, error) {
	cmd := fmt.Sprintf(format, args...)
	if err := c.conn.WriteLine("%s", cmd); err != nil {
		return nil, err
	}
	reply, err := readReply(c.conn, cmd, expect)
	if err != nil {
		c.log.Error("Command failed", zap.String("command", cmd), zap.Error(err))
		return nil, err
	}
	c.log.Debug("Command OK", zap.String("command", cmd), zap.Int("code", reply.Code))
	return reply, nil
}

func (c *client) login(cfg Config) error {
	host, portStr, _ := net.SplitHostPort(cfg.Transport.Addr)
	port, _ := strconv.Atoi(portStr)
	sc, err := cfg.Credentials.Client(host, port)
	if err != nil {
		return mailerr.New(mailerr.AuthenticationFailed, "AUTH", "", err)
	}
	if err := c.authenticate(sc); err != nil {
		return err
	}
	c.log.Info("Authenticated", zap.String("user", cfg.Credentials.Username))
	return nil
}

// loginSteps is the number of responses LOGIN sends: username, then password.
const loginSteps = 2

// expectAuth returns the codes acceptable after `sent` client responses. LOGIN
// has a fixed shape, so 235 is only valid once both responses are out and 334
// only before that.
func expectAuth(mech string, sent int) []int {
	if mech != string(auth.Login) {
		return []int{235, 334}
	}
	if sent < loginSteps {
		return []int{334}
	}
	return []int{235}
}

// authenticate runs the AUTH exchange: every 334 challenge is answered by the
// SASL client until the server accepts with 235.
func (c *client) authenticate(sc sasl.Client) error {
	mech, ir, err := sc.Start()
	if err != nil {
		return mailerr.New(mailerr.AuthenticationFailed, "AUTH", "", err)
	}

	cmd := "AUTH " + mech
	line := cmd
	if ir != nil {
		line += " " + encodeResponse(ir)
		cmd += " ***"
	}
	if err := c.conn.WriteSecret(line, cmd); err != nil {
		return err
	}
	sent := 0
	if ir != nil {
		sent++
	}

	for {
		reply, err := readReply(c.conn, cmd, expectAuth(mech, sent)...)
		if err != nil {
			return authError(err)
		}
		if reply.Code == 235 {
			if sent == 0 {
				return mailerr.New(mailerr.ProtocolViolation, cmd, reply.String(),
					errors.New("server accepted authentication before any credentials were sent"))
			}
			return nil
		}

		challenge, err := base64.StdEncoding.DecodeString(reply.Text())
		if err != nil {
			return mailerr.New(mailerr.ProtocolViolation, cmd, reply.String(), fmt.Errorf("decode challenge: %w", err))
		}
		resp, err := sc.Next(challenge)
		if err != nil {
			c.conn.WriteLine("*")
			return mailerr.New(mailerr.AuthenticationFailed, cmd, reply.String(), err)
		}
		cmd = "AUTH " + mech + " (response)"
		if err := c.conn.WriteSecret(encodeResponse(resp), "***"); err != nil {
			return err
		}
		sent++
	}
}

func encodeResponse(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}

// authError turns a well-formed 4xx/5xx refusal during AUTH into
// AuthenticationFailed.
func authError(err error) error {
	var me *mailerr.Error
	if !errors.As(err, &me) || me.Kind != mailerr.ProtocolViolation || len(me.Response) < 3 {
		return err
	}
	if code, _, _, perr := parseReplyLine(me.Response); perr == nil && code >= 400 {
		me.Kind = mailerr.AuthenticationFailed
	}
	return err
}

func (c *client) data(msg *message.Outgoing) error {
	w := c.conn.DotWriter()
	if _, err := msg.WriteTo(w); err != nil {
		w.Close()
		return mailerr.New(mailerr.ConnectionError, "DATA", "", err)
	}
	if err := w.Close(); err != nil {
		return mailerr.New(mailerr.ConnectionError, "DATA", "", err)
	}
	_, err := readReply(c.conn, ".", 250)
	if err != nil {
		c.log.Error("Message not accepted", zap.Error(err))
	}
	return err
}
