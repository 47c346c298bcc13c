// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package auth turns user credentials into SASL clients for the SMTP AUTH and
// IMAP AUTHENTICATE exchanges.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"
)

type Mechanism string

const (
	Login       Mechanism = "LOGIN"
	Plain       Mechanism = "PLAIN"
	OAuthBearer Mechanism = "OAUTHBEARER"
)

// ParseMechanism accepts a mechanism name in any case. The empty string
// selects LOGIN.
func ParseMechanism(s string) (Mechanism, error) {
	switch m := Mechanism(strings.ToUpper(s)); m {
	case "":
		return Login, nil
	case Login, Plain, OAuthBearer:
		return m, nil
	}
	return "", fmt.Errorf("unsupported SASL mechanism %q", s)
}

// Credentials identify the mailbox owner.
type Credentials struct {
	Username string
	Password string

	// Mechanism defaults to LOGIN.
	Mechanism Mechanism
	// TokenSource supplies the access token for OAUTHBEARER.
	TokenSource oauth2.TokenSource
}

// Mechanism returns the configured mechanism, LOGIN when unset.
func (c Credentials) mechanism() Mechanism {
	if c.Mechanism == "" {
		return Login
	}
	return c.Mechanism
}

// UsesLogin reports whether the plain username/password exchange is used.
func (c Credentials) UsesLogin() bool {
	return c.mechanism() == Login
}

// Client builds a SASL client for the server at host:port.
func (c Credentials) Client(host string, port int) (sasl.Client, error) {
	switch c.mechanism() {
	case Login:
		return NewLoginClient(c.Username, c.Password), nil
	case Plain:
		return sasl.NewPlainClient("", c.Username, c.Password), nil
	case OAuthBearer:
		if c.TokenSource == nil {
			return nil, errors.New("OAUTHBEARER requires a token source")
		}
		token, err := c.TokenSource.Token()
		if err != nil {
			return nil, fmt.Errorf("obtain OAuth token: %w", err)
		}
		return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: c.Username,
			Token:    token.AccessToken,
			Host:     host,
			Port:     port,
		}), nil
	}
	return nil, fmt.Errorf("unsupported SASL mechanism %q", c.Mechanism)
}
