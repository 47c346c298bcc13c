// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"fmt"
	"net/mail"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"src.bluestatic.org/mailclerk/pkg/auth"
	"src.bluestatic.org/mailclerk/pkg/mailer"
	"src.bluestatic.org/mailclerk/pkg/version"
)

type app struct {
	configPath string
	logLevel   string

	cfg *Config
	log *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a := &app{}
	if err := a.rootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "mailclerk",
		Short:        "Send mail over SMTP and list recent mail over IMAP or POP3",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to a JSON, YAML, or TOML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override log_level (debug, info, warn, error)")

	root.AddCommand(a.sendCommand(), a.fetchCommand(), a.authorizeCommand(), a.credentialCommand(), versionCommand())
	return root
}

// setup loads and validates the config and builds the logger.
func (a *app) setup() error {
	cfg, err := LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	a.cfg, a.log = cfg, log
	return nil
}

func (a *app) usesOAuth() bool {
	mech, _ := auth.ParseMechanism(a.cfg.Auth.Mechanism)
	return mech == auth.OAuthBearer
}

// mailerConfig builds the library config, with an OAuth token source for
// `user` when OAUTHBEARER is configured.
func (a *app) mailerConfig(ctx context.Context, user string) (mailer.Config, error) {
	var ts oauth2.TokenSource
	if a.usesOAuth() {
		o2c, err := loadOAuthConfig(a.cfg.OAuth)
		if err != nil {
			return mailer.Config{}, err
		}
		if ts, err = tokenSource(ctx, a.cfg.OAuth, o2c, user); err != nil {
			return mailer.Config{}, err
		}
	}
	return a.cfg.MailerConfig(a.log, ts)
}

// password resolves the password for `user`, which OAUTHBEARER does not need.
func (a *app) password(user, flag string, prompt bool) (string, error) {
	if a.usesOAuth() {
		return "", nil
	}
	return resolvePassword(user, flag, prompt)
}

// loginName is the bare address of `from`, which keys both the keyring and
// the token store.
func loginName(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return addr.Address
	}
	return from
}

func (a *app) sendCommand() *cobra.Command {
	var (
		req            mailer.SendRequest
		bodyFile       string
		passwordPrompt bool
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(); err != nil {
				return err
			}
			defer a.log.Sync()

			if bodyFile != "" {
				b, err := os.ReadFile(bodyFile)
				if err != nil {
					return fmt.Errorf("read body: %w", err)
				}
				req.Body = string(b)
			}
			user := loginName(req.From)
			var err error
			if req.Password, err = a.password(user, req.Password, passwordPrompt); err != nil {
				return err
			}
			mcfg, err := a.mailerConfig(cmd.Context(), user)
			if err != nil {
				return err
			}
			if err := mailer.SendEmail(cmd.Context(), mcfg, req); err != nil {
				a.log.Error("Send failed", zap.Error(err))
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Message sent.")
			return nil
		},
	}
	cmd.Flags().StringVar(&req.From, "from", "", "Sender address, also the login name")
	cmd.Flags().StringVar(&req.To, "to", "", "Recipient address")
	cmd.Flags().StringVar(&req.Subject, "subject", "", "Subject line")
	cmd.Flags().StringVar(&req.Body, "body", "", "Message body")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "Read the message body from a file")
	cmd.Flags().StringVar(&req.AttachmentPath, "attach", "", "File to attach")
	cmd.Flags().StringVar(&req.Password, "password", "", "Password (default: keyring)")
	cmd.Flags().BoolVar(&passwordPrompt, "password-prompt", false, "Prompt for the password (no echo)")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

func (a *app) fetchCommand() *cobra.Command {
	var (
		req            mailer.FetchRequest
		protocol       string
		passwordPrompt bool
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "List the newest messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(); err != nil {
				return err
			}
			defer a.log.Sync()

			var err error
			if req.Protocol, err = mailer.ParseProtocol(protocol); err != nil {
				return err
			}
			if req.Password, err = a.password(req.User, req.Password, passwordPrompt); err != nil {
				return err
			}
			mcfg, err := a.mailerConfig(cmd.Context(), req.User)
			if err != nil {
				return err
			}
			sums, err := mailer.FetchEmails(cmd.Context(), mcfg, req)
			if err != nil {
				a.log.Error("Fetch failed", zap.Error(err))
				return err
			}
			renderSummaries(cmd.OutOrStdout(), sums)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.User, "user", "", "Login name")
	cmd.Flags().StringVar(&protocol, "protocol", "imap", "imap or pop3")
	cmd.Flags().StringVar(&req.Folder, "folder", "INBOX", "IMAP folder")
	cmd.Flags().StringVar(&req.Search, "search", "ALL", "IMAP SEARCH criteria")
	cmd.Flags().StringVar(&req.ArchivePath, "archive", "", "Append POP3 messages to this mbox file")
	cmd.Flags().StringVar(&req.Password, "password", "", "Password (default: keyring)")
	cmd.Flags().BoolVar(&passwordPrompt, "password-prompt", false, "Prompt for the password (no echo)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func (a *app) authorizeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "authorize <user>",
		Short: "Obtain and store an OAuth token for OAUTHBEARER",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(); err != nil {
				return err
			}
			defer a.log.Sync()

			o2c, err := loadOAuthConfig(a.cfg.OAuth)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			s := newOAuthServer(a.cfg.OAuth, o2c, a.log)
			s.Run(ctx)
			_, err = s.Authorize(ctx, args[0], func(url string) {
				fmt.Fprintf(cmd.OutOrStdout(), "Open this URL to authorize %s:\n\n  %s\n\n", args[0], url)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token stored in %s\n", a.cfg.OAuth.TokenStore)
			return nil
		},
	}
}

func (a *app) credentialCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage passwords in the OS keyring",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <user>",
		Short: "Store the password for a login name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := promptPassword("Password for " + args[0])
			if err != nil {
				return err
			}
			return setPassword(args[0], pw)
		},
	}, &cobra.Command{
		Use:   "delete <user>",
		Short: "Remove the stored password for a login name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deletePassword(args[0])
		},
	})
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), version.VersionString)
		},
	}
}
