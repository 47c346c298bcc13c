// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package transport provides the line-oriented byte stream that the mail
// protocol engines speak over. A Conn is either encrypted from the start
// (implicit TLS) or upgraded exactly once with StartTLS.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"src.bluestatic.org/mailclerk/pkg/mailerr"
)

// Security selects when the TLS handshake happens.
type Security int

const (
	// Plain never encrypts unless StartTLS is called.
	Plain Security = iota
	// ImplicitTLS performs the handshake immediately after connecting.
	ImplicitTLS
	// StartTLS connects in plaintext; the protocol engine upgrades in-band.
	StartTLS
)

// ParseSecurity maps a configuration string to a Security mode.
func ParseSecurity(s string) (Security, error) {
	switch s {
	case "plain", "none":
		return Plain, nil
	case "tls", "implicit", "ssl":
		return ImplicitTLS, nil
	case "starttls":
		return StartTLS, nil
	}
	return Plain, fmt.Errorf("unknown security mode %q", s)
}

func (s Security) String() string {
	switch s {
	case Plain:
		return "plain"
	case ImplicitTLS:
		return "tls"
	case StartTLS:
		return "starttls"
	}
	return fmt.Sprintf("Security(%d)", int(s))
}

// ErrAlreadyEncrypted is returned by StartTLS on an encrypted connection.
var ErrAlreadyEncrypted = errors.New("connection is already encrypted")

// ErrLineBreak is returned, before anything is written, for a command line
// containing CR or LF.
var ErrLineBreak = errors.New("command line contains CR or LF")

type Config struct {
	// Addr is the host:port of the server.
	Addr     string
	Security Security
	// Trust validates the server certificate. Nil means VerifySystemRoots.
	Trust TrustPolicy
	// Timeout bounds every single read and write. Zero disables it.
	Timeout time.Duration
	// Dialer is used to open the raw connection. Nil uses a net.Dialer.
	Dialer interface {
		DialContext(ctx context.Context, network, address string) (net.Conn, error)
	}
	Log *zap.Logger
}

// Conn is a single-owner, bidirectional line stream. It is not safe for
// concurrent use except for Close, which may be called at any time to abort an
// in-flight read.
type Conn struct {
	cfg  Config
	host string
	log  *zap.Logger
	ctx  context.Context

	raw     net.Conn
	mu      sync.Mutex
	tlsConn *tls.Conn
	tp      *textproto.Conn

	stop      func() bool
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to cfg.Addr, performing the TLS handshake first when
// cfg.Security is ImplicitTLS. Cancelling `ctx` closes the connection, which
// aborts any blocked read.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, mailerr.New(mailerr.ConnectionError, "", "", fmt.Errorf("invalid address %q: %w", cfg.Addr, err))
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("server", cfg.Addr))

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: cfg.Timeout}
	}
	raw, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		log.Error("Failed to dial", zap.Error(err))
		return nil, mailerr.New(mailerr.ConnectionError, "", "", fmt.Errorf("dial %s: %w", cfg.Addr, err))
	}
	log.Debug("Connected", zap.Stringer("security", cfg.Security))

	c := &Conn{
		cfg:  cfg,
		host: host,
		log:  log,
		ctx:  ctx,
		raw:  raw,
		tp:   textproto.NewConn(raw),
	}
	c.stop = context.AfterFunc(ctx, func() { c.Close() })

	if cfg.Security == ImplicitTLS {
		if err := c.handshake(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Encrypted reports whether the TLS handshake has completed.
func (c *Conn) Encrypted() bool {
	return c.tlsConn != nil
}

// Host is the server name used for certificate validation.
func (c *Conn) Host() string {
	return c.host
}

// StartTLS upgrades the plaintext stream in place. It fails without side
// effects if the connection is already encrypted.
func (c *Conn) StartTLS(ctx context.Context) error {
	if c.Encrypted() {
		return mailerr.New(mailerr.ConnectionError, "STARTTLS", "", ErrAlreadyEncrypted)
	}
	// Bytes read ahead of the handshake would have been injected in plaintext.
	if n := c.tp.R.Buffered(); n > 0 {
		return mailerr.Errorf(mailerr.ProtocolViolation, "STARTTLS", "", "%d unexpected bytes buffered before TLS handshake", n)
	}
	return c.handshake(ctx)
}

func (c *Conn) handshake(ctx context.Context) error {
	policy := c.cfg.Trust
	if policy == nil {
		policy = VerifySystemRoots
	}
	log := c.log.With(zap.String("trust", policy.Name()))
	if policy.Insecure() {
		log.Warn("TLS certificate verification is disabled")
	}

	tc := tls.Client(c.raw, policy.TLSConfig(c.host))
	if c.cfg.Timeout > 0 {
		c.raw.SetDeadline(time.Now().Add(c.cfg.Timeout))
		defer c.raw.SetDeadline(time.Time{})
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		log.Error("TLS handshake failed", zap.Error(err))
		return mailerr.New(mailerr.ConnectionError, "", "", fmt.Errorf("TLS handshake with %s: %w", c.host, err))
	}
	state := tc.ConnectionState()
	log.Debug("TLS established", zap.String("version", tls.VersionName(state.Version)),
		zap.String("cipher", tls.CipherSuiteName(state.CipherSuite)))

	c.mu.Lock()
	c.tlsConn = tc
	c.mu.Unlock()
	c.tp = textproto.NewConn(tc)
	return nil
}

func (c *Conn) netConn() net.Conn {
	if c.tlsConn != nil {
		return c.tlsConn
	}
	return c.raw
}

func (c *Conn) setDeadline(read bool) {
	if c.cfg.Timeout <= 0 {
		return
	}
	t := time.Now().Add(c.cfg.Timeout)
	if read {
		c.netConn().SetReadDeadline(t)
	} else {
		c.netConn().SetWriteDeadline(t)
	}
}

// ReadLine reads one line, stripping the trailing CRLF. The end of the stream
// is reported as mailerr.PrematureClose.
func (c *Conn) ReadLine() (string, error) {
	c.setDeadline(true)
	line, err := c.tp.ReadLine()
	if err != nil {
		return line, c.readError(err)
	}
	c.log.Debug("S: " + line)
	return line, nil
}

// ReadFull reads exactly `n` raw bytes, as needed for IMAP literals.
func (c *Conn) ReadFull(n int) ([]byte, error) {
	c.setDeadline(true)
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.tp.R, buf); err != nil {
		return nil, c.readError(err)
	}
	c.log.Debug("S: literal", zap.Int("bytes", n))
	return buf, nil
}

func (c *Conn) readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return mailerr.New(mailerr.PrematureClose, "", "", err)
	}
	if cerr := c.ctx.Err(); cerr != nil {
		return mailerr.New(mailerr.ConnectionError, "", "", cerr)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return mailerr.New(mailerr.ConnectionError, "", "", fmt.Errorf("read timed out after %s: %w", c.cfg.Timeout, err))
	}
	return mailerr.New(mailerr.ConnectionError, "", "", err)
}

// WriteLine formats and sends one line terminated by CRLF.
func (c *Conn) WriteLine(format string, args ...any) error {
	line := fmt.Sprintf(format, args...)
	return c.writeLine(line, line)
}

// WriteSecret sends `line` but logs `logAs`, for commands carrying credentials.
func (c *Conn) WriteSecret(line, logAs string) error {
	return c.writeLine(line, logAs)
}

func (c *Conn) writeLine(line, logAs string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("%s: %w", logAs, ErrLineBreak)
	}
	c.log.Debug("C: " + logAs)
	c.setDeadline(false)
	if err := c.tp.PrintfLine("%s", line); err != nil {
		return mailerr.New(mailerr.ConnectionError, logAs, "", err)
	}
	return nil
}

// DotWriter returns a writer for a dot-terminated data block: lines starting
// with "." are doubled and Close sends the lone "." terminator.
func (c *Conn) DotWriter() io.WriteCloser {
	c.setDeadline(false)
	return c.tp.DotWriter()
}

// Close releases the connection exactly once: the line reader and writer are
// dropped, then the TLS layer is shut down, then the raw socket is closed.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.stop != nil {
			c.stop()
		}
		c.mu.Lock()
		tc := c.tlsConn
		c.mu.Unlock()
		var err error
		if tc != nil {
			tc.SetDeadline(time.Now().Add(time.Second))
			err = multierr.Append(err, tc.Close())
		}
		if cerr := c.raw.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
		c.closeErr = err
		c.log.Debug("Connection closed", zap.Error(err))
	})
	return c.closeErr
}
