/*
Mailmirror - one-way IMAP mailbox replication tool.
Copyright © 2024 Max Mazurov <fox.cpp@disroot.org>, Mailmirror contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	gmailConsentPort     = 8765
	microsoftConsentPort = 8766

	consentTimeout = 3 * time.Minute
)

// InteractiveConfig drives the one-time authorization-code consent
// flow: print a URL, catch the redirect on localhost, exchange the code
// for a refresh token.
type InteractiveConfig struct {
	Conf       *oauth2.Config
	ListenAddr string
	AuthOpts   []oauth2.AuthCodeOption

	// Out receives the authorization URL the operator must open.
	// nil means os.Stdout.
	Out io.Writer

	// Timeout bounds the wait for the browser redirect. Zero means
	// three minutes.
	Timeout time.Duration
}

// GmailConsent builds the consent flow for a Gmail source account.
// prompt=consent forces Google to mint a fresh refresh token even when
// the account already authorized this client.
func GmailConsent(clientID, clientSecret string) InteractiveConfig {
	return InteractiveConfig{
		Conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       []string{GmailScope},
			Endpoint:     endpoints.Google,
			RedirectURL:  fmt.Sprintf("http://127.0.0.1:%d/callback", gmailConsentPort),
		},
		ListenAddr: fmt.Sprintf("127.0.0.1:%d", gmailConsentPort),
		AuthOpts: []oauth2.AuthCodeOption{
			oauth2.AccessTypeOffline,
			oauth2.SetAuthURLParam("prompt", "consent"),
		},
	}
}

// MicrosoftConsent builds the consent flow for the Outlook destination
// account. The offline_access scope is what makes the response carry a
// refresh token.
func MicrosoftConsent(tenant, clientID, clientSecret string) InteractiveConfig {
	return InteractiveConfig{
		Conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       strings.Fields(MicrosoftScope),
			Endpoint:     endpoints.AzureAD(tenant),
			RedirectURL:  fmt.Sprintf("http://localhost:%d/callback", microsoftConsentPort),
		},
		ListenAddr: fmt.Sprintf("localhost:%d", microsoftConsentPort),
	}
}

type callbackResult struct {
	code string
	err  error
}

// Interactive runs the consent flow to completion and returns the token
// response, which includes the refresh token to persist.
func (cfg InteractiveConfig) Interactive(ctx context.Context) (*oauth2.Token, error) {
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = consentTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	state := uuid.New().String()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("oauth: listen on %s: %w", cfg.ListenAddr, err)
	}

	results := make(chan callbackResult, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errCode := q.Get("error"); errCode != "" {
			http.Error(w, "Authorization failed. Check terminal output.", http.StatusBadRequest)
			results <- callbackResult{err: fmt.Errorf("oauth: authorization failed: %s", errCode)}
			return
		}
		if q.Get("state") != state {
			http.Error(w, "State mismatch.", http.StatusBadRequest)
			results <- callbackResult{err: errors.New("oauth: state mismatch; possible CSRF or stale callback")}
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "Missing authorization code.", http.StatusBadRequest)
			results <- callbackResult{err: errors.New("oauth: callback did not include an authorization code")}
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "Authorization complete. You can close this tab.")
		results <- callbackResult{code: code}
	})}
	go func() {
		_ = srv.Serve(ln)
	}()
	defer srv.Close()

	fmt.Fprintf(out, "Open this URL to authorize IMAP access:\n%s\n",
		cfg.Conf.AuthCodeURL(state, cfg.AuthOpts...))

	var res callbackResult
	select {
	case res = <-results:
	case <-ctx.Done():
		return nil, errors.New("oauth: timed out waiting for OAuth callback")
	}
	if res.err != nil {
		return nil, res.err
	}

	token, err := cfg.Conf.Exchange(ctx, res.code)
	if err != nil {
		return nil, fmt.Errorf("oauth: code exchange: %w", err)
	}
	if token.RefreshToken == "" {
		return nil, errors.New("oauth: token response did not include refresh_token; " +
			"confirm offline access was granted")
	}
	return token, nil
}
