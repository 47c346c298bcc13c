// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
)

var errNoToken = errors.New("no OAuth token stored for user; run `mailclerk authorize`")

const tokenStoreVersion = 1

type (
	tokenMap map[string]*oauth2.Token

	tokenStore struct {
		Version int
		Tokens  tokenMap
	}
)

func readTokenStore(path string) (*tokenStore, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &tokenStore{Version: tokenStoreVersion, Tokens: make(tokenMap)}, nil
		}
		return nil, err
	}
	defer f.Close()
	var ts *tokenStore
	if err := json.NewDecoder(f).Decode(&ts); err != nil {
		return nil, err
	}
	if ts.Version != tokenStoreVersion {
		return nil, fmt.Errorf("Invalid tokenStore version, got %d, expected %d", ts.Version, tokenStoreVersion)
	}
	if ts.Tokens == nil {
		ts.Tokens = make(tokenMap)
	}
	return ts, nil
}

func (ts *tokenStore) Save(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(ts)
}

// loadOAuthConfig reads the Google client secret JSON and requests full IMAP
// and SMTP access.
func loadOAuthConfig(c OAuthConfig) (*oauth2.Config, error) {
	secret, err := os.ReadFile(c.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read client secret: %w", err)
	}
	o2c, err := google.ConfigFromJSON(secret, gmail.MailGoogleComScope)
	if err != nil {
		return nil, fmt.Errorf("load OAuth config: %w", err)
	}
	o2c.RedirectURL = c.RedirectURL
	return o2c, nil
}

// tokenSource returns a refreshing source for the stored token of `user`.
func tokenSource(ctx context.Context, c OAuthConfig, o2c *oauth2.Config, user string) (oauth2.TokenSource, error) {
	ts, err := readTokenStore(c.TokenStore)
	if err != nil {
		return nil, err
	}
	token, ok := ts.Tokens[user]
	if !ok {
		return nil, errNoToken
	}
	return o2c.TokenSource(ctx, token), nil
}

// oauthServer receives the authorization redirect and trades the code for a
// token, which is kept in the token store.
type oauthServer struct {
	log       *zap.Logger
	sc        OAuthConfig
	o2c       *oauth2.Config
	mu        sync.Mutex
	tokenReqs map[string]chan<- string
}

func newOAuthServer(sc OAuthConfig, o2c *oauth2.Config, log *zap.Logger) *oauthServer {
	return &oauthServer{
		sc:        sc,
		o2c:       o2c,
		log:       log,
		tokenReqs: make(map[string]chan<- string),
	}
}

// Run serves redirects on sc.ListenAddr until `ctx` is done.
func (s *oauthServer) Run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRequest)
	srv := &http.Server{
		Handler: mux,
		Addr:    s.sc.ListenAddr,
	}
	go func() {
		s.log.Info("Starting OAuth server", zap.String("addr", srv.Addr))
		err := srv.ListenAndServe()
		if err == http.ErrServerClosed {
			s.log.Info("Stopping OAuth server")
		} else {
			s.log.Error("ListenAndServe", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
}

// Authorize returns the stored token for `user`, or walks the user through the
// consent screen and stores the new one. `prompt` receives the URL to open.
func (s *oauthServer) Authorize(ctx context.Context, user string, prompt func(url string)) (*oauth2.Token, error) {
	log := s.log.With(zap.String("user", user))

	s.mu.Lock()
	ts, err := readTokenStore(s.sc.TokenStore)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if token, ok := ts.Tokens[user]; ok {
		s.mu.Unlock()
		return token, nil
	}

	nonce := fmt.Sprintf("rd%d", rand.Int63())
	codeCh := make(chan string, 1)
	s.tokenReqs[nonce] = codeCh
	s.mu.Unlock()

	// `ApprovalForce` is needed in combination with `AccessTypeOffline` in order
	// to get a refresh token.
	url := s.o2c.AuthCodeURL(nonce, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	log.Info("Requesting authorization", zap.String("nonce", nonce))
	prompt(url)

	var code string
	select {
	case code = <-codeCh:
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.tokenReqs, nonce)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
	log.Info("Received code, exchanging for token")
	token, err := s.o2c.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ts, err = readTokenStore(s.sc.TokenStore)
	if err != nil {
		return nil, err
	}
	ts.Tokens[user] = token
	if err := ts.Save(s.sc.TokenStore); err != nil {
		return nil, err
	}
	return token, nil
}

func (s *oauthServer) handleRequest(rw http.ResponseWriter, req *http.Request) {
	id := req.FormValue("state")
	s.mu.Lock()
	ch, ok := s.tokenReqs[id]
	if ok {
		delete(s.tokenReqs, id)
	}
	s.mu.Unlock()

	log := s.log.With(zap.String("id", id))

	if !ok {
		log.Error("No channel for token")
		http.Error(rw, "Invalid State", http.StatusBadRequest)
		return
	}
	if code := req.FormValue("code"); code != "" {
		fmt.Fprintln(rw, "<h1>Authorized! You can close this window.</h1>")
		log.Info("Received authorization code")
		ch <- code
		return
	}
	log.Error("Invalid request - missing code")
	http.Error(rw, "Invalid Code", http.StatusBadRequest)
}
