// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package auth

import (
	"errors"

	"github.com/emersion/go-sasl"
)

var errLoginDone = errors.New("LOGIN exchange already sent username and password")

// loginClient implements the LOGIN mechanism without an initial response: the
// first server challenge is answered with the username and the second with the
// password, whatever the prompt text says.
type loginClient struct {
	username, password string
	step               int
}

// NewLoginClient returns a LOGIN client.
func NewLoginClient(username, password string) sasl.Client {
	return &loginClient{username: username, password: password}
}

func (c *loginClient) Start() (string, []byte, error) {
	c.step = 0
	return string(Login), nil, nil
}

func (c *loginClient) Next(challenge []byte) ([]byte, error) {
	c.step++
	switch c.step {
	case 1:
		return []byte(c.username), nil
	case 2:
		return []byte(c.password), nil
	}
	return nil, errLoginDone
}
