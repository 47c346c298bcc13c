// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"fmt"
	"os"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

const keyringService = "mailclerk"

// openKeyring is a variable so tests can substitute an in-memory ring.
var openKeyring = func() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailclerk/credentials",
		FilePasswordFunc:         keyring.TerminalPrompt,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func getPassword(user string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(user)
	if err != nil {
		return "", fmt.Errorf("getting password for %q: %w", user, err)
	}
	return string(item.Data), nil
}

func setPassword(user, password string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	if err := ring.Set(keyring.Item{Key: user, Data: []byte(password), Label: "mailclerk " + user}); err != nil {
		return fmt.Errorf("setting password for %q: %w", user, err)
	}
	return nil
}

func deletePassword(user string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	if err := ring.Remove(user); err != nil {
		return fmt.Errorf("deleting password for %q: %w", user, err)
	}
	return nil
}

func promptPassword(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

// resolvePassword prefers the flag, then an interactive prompt, then the
// keyring.
func resolvePassword(user, flag string, prompt bool) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if prompt {
		return promptPassword("Password for " + user)
	}
	return getPassword(user)
}
