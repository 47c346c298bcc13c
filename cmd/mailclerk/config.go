// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/oauth2"

	"src.bluestatic.org/mailclerk/pkg/auth"
	"src.bluestatic.org/mailclerk/pkg/mailer"
	"src.bluestatic.org/mailclerk/pkg/transport"
)

type ServerConfig struct {
	Addr     string `mapstructure:"addr"`
	Security string `mapstructure:"security"`
}

type IMAPConfig struct {
	ServerConfig  `mapstructure:",squash"`
	MaxBlankLines int `mapstructure:"max_blank_lines"`
}

type OAuthConfig struct {
	CredentialsPath string `mapstructure:"credentials_path"`
	TokenStore      string `mapstructure:"token_store"`
	RedirectURL     string `mapstructure:"redirect_url"`
	ListenAddr      string `mapstructure:"listen_addr"`
}

type Config struct {
	SMTP ServerConfig `mapstructure:"smtp"`
	IMAP IMAPConfig   `mapstructure:"imap"`
	POP3 ServerConfig `mapstructure:"pop3"`

	Hello   string        `mapstructure:"hello"`
	Timeout time.Duration `mapstructure:"timeout"`

	// InsecureSkipVerify accepts any server certificate. CAFile takes
	// precedence when set.
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	CAFile             string `mapstructure:"ca_file"`

	Auth struct {
		Mechanism string `mapstructure:"mechanism"`
	} `mapstructure:"auth"`

	Fetch struct {
		Limit int `mapstructure:"limit"`
	} `mapstructure:"fetch"`

	OAuth OAuthConfig `mapstructure:"oauth"`

	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("smtp.addr", "smtp.gmail.com:587")
	v.SetDefault("smtp.security", "starttls")
	v.SetDefault("imap.addr", "imap.gmail.com:993")
	v.SetDefault("imap.security", "tls")
	v.SetDefault("imap.max_blank_lines", 5)
	v.SetDefault("pop3.addr", "pop.gmail.com:995")
	v.SetDefault("pop3.security", "tls")
	v.SetDefault("hello", "[127.0.0.1]")
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("insecure_skip_verify", true)
	v.SetDefault("ca_file", "")
	v.SetDefault("auth.mechanism", "login")
	v.SetDefault("fetch.limit", 10)
	v.SetDefault("oauth.credentials_path", "")
	v.SetDefault("oauth.token_store", "")
	v.SetDefault("oauth.redirect_url", "http://localhost:8025/")
	v.SetDefault("oauth.listen_addr", "localhost:8025")
	v.SetDefault("log_level", "info")
}

// LoadConfig layers the defaults, the optional config file at `path`, and
// MAILCLERK_* environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MAILCLERK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	servers := map[string]ServerConfig{"smtp": c.SMTP, "imap": c.IMAP.ServerConfig, "pop3": c.POP3}
	for name, s := range servers {
		if err := validateServer(s); err != nil {
			return fmt.Errorf("Invalid %s server: %w", name, err)
		}
	}
	if c.Timeout < 0 {
		return fmt.Errorf("Negative timeout")
	}
	if c.Fetch.Limit < 1 {
		return fmt.Errorf("fetch.limit must be positive, got %d", c.Fetch.Limit)
	}
	mech, err := auth.ParseMechanism(c.Auth.Mechanism)
	if err != nil {
		return err
	}
	if mech == auth.OAuthBearer && (c.OAuth.CredentialsPath == "" || c.OAuth.TokenStore == "") {
		return fmt.Errorf("OAUTHBEARER requires oauth.credentials_path and oauth.token_store")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("Invalid log_level: %w", err)
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if s.Addr == "" {
		return fmt.Errorf("Missing addr")
	}
	if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		return err
	}
	_, err := transport.ParseSecurity(s.Security)
	return err
}

func (c *Config) trustPolicy() (transport.TrustPolicy, error) {
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", c.CAFile)
		}
		return transport.RootCAs(pool), nil
	}
	if c.InsecureSkipVerify {
		return transport.InsecureAcceptAll, nil
	}
	return transport.VerifySystemRoots, nil
}

// MailerConfig converts a validated Config. `ts` is only used for OAUTHBEARER.
func (c *Config) MailerConfig(log *zap.Logger, ts oauth2.TokenSource) (mailer.Config, error) {
	trust, err := c.trustPolicy()
	if err != nil {
		return mailer.Config{}, err
	}
	mech, _ := auth.ParseMechanism(c.Auth.Mechanism)
	server := func(s ServerConfig) mailer.Server {
		sec, _ := transport.ParseSecurity(s.Security)
		return mailer.Server{Addr: s.Addr, Security: sec}
	}
	return mailer.Config{
		SMTP:          server(c.SMTP),
		IMAP:          server(c.IMAP.ServerConfig),
		POP3:          server(c.POP3),
		Hello:         c.Hello,
		Trust:         trust,
		Timeout:       c.Timeout,
		Mechanism:     mech,
		TokenSource:   ts,
		MaxBlankLines: c.IMAP.MaxBlankLines,
		Limit:         c.Fetch.Limit,
		Log:           log,
	}, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	err := lvl.UnmarshalText([]byte(s))
	return lvl, err
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	logConfig := zap.NewDevelopmentConfig()
	logConfig.Development = false
	logConfig.DisableStacktrace = true
	logConfig.Level.SetLevel(lvl)
	return logConfig.Build()
}
