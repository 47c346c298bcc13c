// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package mailer is the caller-facing API: send one message over SMTP, or
// fetch the summaries of the newest messages over IMAP or POP3.
package mailer

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"src.bluestatic.org/mailclerk/pkg/auth"
	"src.bluestatic.org/mailclerk/pkg/imap"
	"src.bluestatic.org/mailclerk/pkg/message"
	"src.bluestatic.org/mailclerk/pkg/pop3"
	"src.bluestatic.org/mailclerk/pkg/smtp"
	"src.bluestatic.org/mailclerk/pkg/transport"
)

type Protocol int

const (
	IMAP Protocol = iota
	POP3
)

func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "imap", "":
		return IMAP, nil
	case "pop3", "pop":
		return POP3, nil
	}
	return IMAP, fmt.Errorf("unknown protocol %q", s)
}

func (p Protocol) String() string {
	switch p {
	case IMAP:
		return "imap"
	case POP3:
		return "pop3"
	}
	return fmt.Sprintf("Protocol(%d)", int(p))
}

// Server is one endpoint.
type Server struct {
	Addr     string
	Security transport.Security
}

type Config struct {
	SMTP Server
	IMAP Server
	POP3 Server

	// Hello is the SMTP EHLO identity.
	Hello string
	// Trust validates server certificates. Nil verifies against the system
	// roots.
	Trust   transport.TrustPolicy
	Timeout time.Duration

	// Mechanism selects SMTP AUTH and IMAP authentication. POP3 always uses
	// USER/PASS.
	Mechanism auth.Mechanism
	// TokenSource supplies OAUTHBEARER access tokens.
	TokenSource oauth2.TokenSource

	MaxBlankLines int
	Limit         int

	Log *zap.Logger
}

// DefaultConfig returns the Gmail endpoints.
func DefaultConfig() Config {
	return Config{
		SMTP:    Server{Addr: "smtp.gmail.com:587", Security: transport.StartTLS},
		IMAP:    Server{Addr: "imap.gmail.com:993", Security: transport.ImplicitTLS},
		POP3:    Server{Addr: "pop.gmail.com:995", Security: transport.ImplicitTLS},
		Hello:   smtp.DefaultHello,
		Timeout: 30 * time.Second,
		Limit:   10,
	}
}

func (c Config) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

func (c Config) transport(s Server) transport.Config {
	return transport.Config{
		Addr:     s.Addr,
		Security: s.Security,
		Trust:    c.Trust,
		Timeout:  c.Timeout,
	}
}

func (c Config) credentials(user, password string) auth.Credentials {
	return auth.Credentials{
		Username:    user,
		Password:    password,
		Mechanism:   c.Mechanism,
		TokenSource: c.TokenSource,
	}
}

type SendRequest struct {
	From    string
	To      string
	Subject string
	Body    string
	// AttachmentPath is attached when it names an existing file.
	AttachmentPath string
	// Password authenticates the address in From.
	Password string
}

// SendEmail builds the MIME message and submits it. The sender's address is
// also the login name.
func SendEmail(ctx context.Context, cfg Config, req SendRequest) error {
	log := cfg.log()

	att, err := message.LoadAttachment(req.AttachmentPath)
	if err != nil {
		return err
	}
	if att == nil && req.AttachmentPath != "" {
		log.Warn("Attachment not found, sending without it", zap.String("path", req.AttachmentPath))
	}

	from, err := mail.ParseAddress(req.From)
	if err != nil {
		return fmt.Errorf("invalid sender %q: %w", req.From, err)
	}

	msg := &message.Outgoing{
		From:       req.From,
		To:         req.To,
		Subject:    req.Subject,
		Body:       req.Body,
		Attachment: att,
	}
	return smtp.Send(ctx, smtp.Config{
		Transport:   cfg.transport(cfg.SMTP),
		Hello:       cfg.Hello,
		Credentials: cfg.credentials(from.Address, req.Password),
		Log:         log,
	}, msg)
}

type FetchRequest struct {
	User     string
	Password string
	Protocol Protocol
	// Folder is the IMAP mailbox. Defaults to "INBOX".
	Folder string
	// Search is sent verbatim as IMAP SEARCH criteria. Defaults to "ALL".
	Search string
	// ArchivePath names an mbox file that POP3 retrievals are appended to.
	ArchivePath string
}

// FetchEmails returns the summaries of the newest messages in ascending order.
func FetchEmails(ctx context.Context, cfg Config, req FetchRequest) ([]message.Summary, error) {
	log := cfg.log()
	if req.Folder == "" {
		req.Folder = "INBOX"
	}
	if req.Search == "" {
		req.Search = "ALL"
	}

	switch req.Protocol {
	case IMAP:
		if req.ArchivePath != "" {
			log.Warn("IMAP fetches only headers, archive ignored", zap.String("archive", req.ArchivePath))
		}
		return imap.Fetch(ctx, imap.Config{
			Transport:     cfg.transport(cfg.IMAP),
			Credentials:   cfg.credentials(req.User, req.Password),
			MaxBlankLines: cfg.MaxBlankLines,
			Limit:         cfg.Limit,
			Log:           log,
		}, req.Folder, req.Search)

	case POP3:
		msgs, err := pop3.Fetch(ctx, pop3.Config{
			Transport: cfg.transport(cfg.POP3),
			Username:  req.User,
			Password:  req.Password,
			Limit:     cfg.Limit,
			Log:       log,
		})
		if err != nil {
			return nil, err
		}
		if req.ArchivePath != "" {
			if err := archive(req.ArchivePath, msgs, log); err != nil {
				return nil, err
			}
		}
		sums := make([]message.Summary, len(msgs))
		for i, m := range msgs {
			sums[i] = m.Summary
		}
		return sums, nil
	}
	return nil, fmt.Errorf("unknown protocol %v", req.Protocol)
}
