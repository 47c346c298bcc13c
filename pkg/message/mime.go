// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package message

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"src.bluestatic.org/mailclerk/pkg/rfc2047"
)

// Attachment is a file carried as an application/octet-stream part.
type Attachment struct {
	Name string
	Data []byte
}

// LoadAttachment reads the file at `path`. A missing file is not an error: it
// yields a nil Attachment and the message is sent without one.
func LoadAttachment(path string) (*Attachment, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	return &Attachment{Name: filepath.Base(path), Data: data}, nil
}

// Outgoing is a message to be sent over SMTP.
type Outgoing struct {
	From    string
	To      string
	Subject string
	Body    string

	Attachment *Attachment

	// Boundary separates the parts of a multipart message. It is generated
	// when empty.
	Boundary string
}

// NewBoundary returns a random multipart boundary token.
func NewBoundary() string {
	return "----=_Part_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Bytes renders the message with CRLF line endings. Without an attachment the
// body is a flat text/plain entity; with one, a multipart/mixed entity holding
// the text part and the base64 attachment part.
func (m *Outgoing) Bytes() []byte {
	var b bytes.Buffer
	m.WriteTo(&b)
	return b.Bytes()
}

func (m *Outgoing) WriteTo(w io.Writer) (int64, error) {
	var b bytes.Buffer
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteString("\r\n")
	}

	line("From: %s", m.From)
	line("To: %s", m.To)
	line("Subject: %s", rfc2047.Encode(m.Subject))
	line("MIME-Version: 1.0")

	if m.Attachment == nil {
		line("Content-Type: text/plain; charset=utf-8")
		line("Content-Transfer-Encoding: 8bit")
		line("")
		line("%s", crlf(m.Body))
		return b.WriteTo(w)
	}

	if m.Boundary == "" {
		m.Boundary = NewBoundary()
	}
	name := quote(rfc2047.Encode(m.Attachment.Name))

	line("Content-Type: multipart/mixed; boundary=\"%s\"", m.Boundary)
	line("")

	line("--%s", m.Boundary)
	line("Content-Type: text/plain; charset=utf-8")
	line("Content-Transfer-Encoding: 8bit")
	line("")
	line("%s", crlf(m.Body))
	line("")

	line("--%s", m.Boundary)
	line("Content-Type: application/octet-stream; name=%s", name)
	line("Content-Transfer-Encoding: base64")
	line("Content-Disposition: attachment; filename=%s", name)
	line("")
	writeBase64(&b, m.Attachment.Data)
	line("")
	line("--%s--", m.Boundary)

	return b.WriteTo(w)
}

func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// base64 bodies are wrapped at 76 columns.
const base64LineLen = 76

func writeBase64(b *bytes.Buffer, data []byte) {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > base64LineLen {
		b.WriteString(enc[:base64LineLen])
		b.WriteString("\r\n")
		enc = enc[base64LineLen:]
	}
	b.WriteString(enc)
	b.WriteString("\r\n")
}
