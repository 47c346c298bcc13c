// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package mailer

import (
	"bytes"
	"fmt"
	"net/mail"
	"os"
	"time"

	"github.com/emersion/go-mbox"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"src.bluestatic.org/mailclerk/pkg/pop3"
)

// archive appends `msgs` to the mbox file at `path`, creating it if needed.
func archive(path string, msgs []pop3.Retrieved, log *zap.Logger) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	mw := mbox.NewWriter(f)
	for _, m := range msgs {
		raw := m.Raw()
		from, date := envelope(raw)
		w, err := mw.CreateMessage(from, date)
		if err != nil {
			return fmt.Errorf("archive message %d: %w", m.Summary.Number, err)
		}
		if _, err := w.Write(raw); err != nil {
			return fmt.Errorf("archive message %d: %w", m.Summary.Number, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	log.Info("Archived messages", zap.String("path", path), zap.Int("count", len(msgs)))
	return nil
}

// envelope extracts the mbox "From " line fields from a raw message.
func envelope(raw []byte) (string, time.Time) {
	from, date := "MAILER-DAEMON", time.Now()
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return from, date
	}
	if addr, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		from = addr.Address
	}
	if t, err := mail.ParseDate(msg.Header.Get("Date")); err == nil {
		date = t
	}
	return from, date
}
