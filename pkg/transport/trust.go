// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package transport

import (
	"crypto/tls"
	"crypto/x509"
)

// TrustPolicy decides how the server certificate is validated during a TLS
// handshake.
type TrustPolicy interface {
	// Name identifies the policy in logs.
	Name() string
	// Insecure reports whether the policy skips certificate verification.
	// Dialing with an insecure policy always logs a warning.
	Insecure() bool
	// TLSConfig returns the client configuration for `serverName`.
	TLSConfig(serverName string) *tls.Config
}

// VerifySystemRoots validates the server chain against the host's root pool
// and checks the host name. It is used when no policy is configured.
var VerifySystemRoots TrustPolicy = systemRoots{}

// InsecureAcceptAll accepts whatever certificate the server presents. The
// connection is still encrypted but is open to interception.
var InsecureAcceptAll TrustPolicy = acceptAll{}

// RootCAs validates the server chain against `pool` only.
func RootCAs(pool *x509.CertPool) TrustPolicy {
	return customRoots{pool: pool}
}

type systemRoots struct{}

func (systemRoots) Name() string   { return "system-roots" }
func (systemRoots) Insecure() bool { return false }
func (systemRoots) TLSConfig(serverName string) *tls.Config {
	return &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
}

type acceptAll struct{}

func (acceptAll) Name() string   { return "insecure-accept-all" }
func (acceptAll) Insecure() bool { return true }
func (acceptAll) TLSConfig(serverName string) *tls.Config {
	return &tls.Config{ServerName: serverName, InsecureSkipVerify: true}
}

type customRoots struct {
	pool *x509.CertPool
}

func (customRoots) Name() string   { return "custom-roots" }
func (customRoots) Insecure() bool { return false }
func (p customRoots) TLSConfig(serverName string) *tls.Config {
	return &tls.Config{ServerName: serverName, RootCAs: p.pool, MinVersion: tls.VersionTLS12}
}
