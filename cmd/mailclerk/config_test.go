// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"go.uber.org/zap"

	"src.bluestatic.org/mailclerk/pkg/auth"
	"src.bluestatic.org/mailclerk/pkg/transport"
)

func _fl(depth int) string {
	_, file, line, _ := runtime.Caller(depth + 1)
	return fmt.Sprintf("[%s:%d]", filepath.Base(file), line)
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Errorf("%s unexpected error: %v", _fl(1), err)
	}
}

func defaultConfig(t *testing.T) *Config {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := defaultConfig(t)
	ok(t, cfg.Validate())

	if cfg.SMTP.Addr != "smtp.gmail.com:587" || cfg.SMTP.Security != "starttls" {
		t.Errorf("Unexpected SMTP default: %+v", cfg.SMTP)
	}
	if cfg.IMAP.Addr != "imap.gmail.com:993" || cfg.IMAP.MaxBlankLines != 5 {
		t.Errorf("Unexpected IMAP default: %+v", cfg.IMAP)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Expected 30s timeout, got %v", cfg.Timeout)
	}
	if cfg.Fetch.Limit != 10 {
		t.Errorf("Expected fetch limit 10, got %d", cfg.Fetch.Limit)
	}

	mc, err := cfg.MailerConfig(zap.NewNop(), nil)
	ok(t, err)
	if mc.SMTP.Security != transport.StartTLS {
		t.Errorf("Expected STARTTLS for SMTP, got %v", mc.SMTP.Security)
	}
	if mc.IMAP.Security != transport.ImplicitTLS {
		t.Errorf("Expected TLS for IMAP, got %v", mc.IMAP.Security)
	}
	if mc.Mechanism != auth.Login {
		t.Errorf("Expected LOGIN mechanism, got %v", mc.Mechanism)
	}
	if mc.Trust == nil {
		t.Errorf("Expected a trust policy")
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailclerk.yaml")
	err := os.WriteFile(path, []byte(`
smtp:
  addr: mail.example.com:465
  security: tls
imap:
  addr: mail.example.com:143
  security: plain
  max_blank_lines: -1
timeout: 5s
fetch:
  limit: 3
log_level: debug
`), 0o644)
	ok(t, err)

	cfg, err := LoadConfig(path)
	ok(t, err)
	ok(t, cfg.Validate())

	if cfg.SMTP.Addr != "mail.example.com:465" || cfg.SMTP.Security != "tls" {
		t.Errorf("Unexpected SMTP: %+v", cfg.SMTP)
	}
	if cfg.IMAP.Security != "plain" || cfg.IMAP.MaxBlankLines != -1 {
		t.Errorf("Unexpected IMAP: %+v", cfg.IMAP)
	}
	// Untouched keys keep their defaults.
	if cfg.POP3.Addr != "pop.gmail.com:995" {
		t.Errorf("Unexpected POP3: %+v", cfg.POP3)
	}
	if cfg.Timeout != 5*time.Second || cfg.Fetch.Limit != 3 || cfg.LogLevel != "debug" {
		t.Errorf("Unexpected config: %+v", cfg)
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("MAILCLERK_POP3_ADDR", "pop.example.com:110")
	t.Setenv("MAILCLERK_FETCH_LIMIT", "25")

	cfg := defaultConfig(t)
	ok(t, cfg.Validate())
	if cfg.POP3.Addr != "pop.example.com:110" {
		t.Errorf("Expected env override of pop3.addr, got %q", cfg.POP3.Addr)
	}
	if cfg.Fetch.Limit != 25 {
		t.Errorf("Expected env override of fetch.limit, got %d", cfg.Fetch.Limit)
	}
}

func TestMissingConfigFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Errorf("Expected error for missing file")
	}
}

func TestInvalidConfigs(t *testing.T) {
	mutations := []func(c *Config){
		// Missing addr.
		func(c *Config) { c.SMTP.Addr = "" },
		// No port.
		func(c *Config) { c.IMAP.Addr = "imap.example.com" },
		// Unknown security.
		func(c *Config) { c.POP3.Security = "ssl3" },
		func(c *Config) { c.Timeout = -time.Second },
		func(c *Config) { c.Fetch.Limit = 0 },
		func(c *Config) { c.Auth.Mechanism = "CRAM-MD5" },
		// OAUTHBEARER without OAuth paths.
		func(c *Config) { c.Auth.Mechanism = "oauthbearer" },
		func(c *Config) { c.LogLevel = "loud" },
	}
	for i, mutate := range mutations {
		cfg := defaultConfig(t)
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("Expected error for config %d, got nil", i)
		}
	}
}

func TestTrustPolicyFromCAFile(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.CAFile = filepath.Join(t.TempDir(), "empty.pem")
	ok(t, os.WriteFile(cfg.CAFile, []byte("not a certificate"), 0o644))
	if _, err := cfg.MailerConfig(zap.NewNop(), nil); err == nil {
		t.Errorf("Expected error for CA file without certificates")
	}

	cfg.CAFile = ""
	cfg.InsecureSkipVerify = false
	_, err := cfg.MailerConfig(zap.NewNop(), nil)
	ok(t, err)
}

func TestBuildLogger(t *testing.T) {
	log, err := buildLogger("warn")
	ok(t, err)
	if log.Core().Enabled(zap.InfoLevel) {
		t.Errorf("Info should be disabled at warn level")
	}
	if !log.Core().Enabled(zap.ErrorLevel) {
		t.Errorf("Error should be enabled at warn level")
	}
	if _, err := buildLogger("chatty"); err == nil {
		t.Errorf("Expected error for unknown level")
	}
}
