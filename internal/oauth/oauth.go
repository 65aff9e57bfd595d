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

// Package oauth obtains OAuth2 bearer tokens for the Gmail and
// Office 365 IMAP endpoints.
//
// The refresh grant is implemented as a plain form POST instead of
// x/oauth2's TokenSource: Microsoft requires the scope parameter to be
// repeated on refresh requests and x/oauth2 never sends it there.
// The one-time interactive consent flow does use x/oauth2, see
// interactive.go.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/foxcpp/mailmirror/framework/exterrors"
)

const (
	GmailTokenURL = "https://oauth2.googleapis.com/token"
	GmailScope    = "https://mail.google.com/"

	MicrosoftScope = "https://outlook.office.com/IMAP.AccessAsUser.All offline_access"

	requestTimeout = 10 * time.Second
)

func MicrosoftTokenURL(tenant string) string {
	return "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0/token"
}

// Token is a short-lived access token for SASL XOAUTH2.
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// RefreshRequest describes one refresh_token grant.
type RefreshRequest struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string

	// Scope is sent when non-empty. Microsoft requires it, Google
	// ignores it.
	Scope string
}

// GmailRefresh builds the refresh grant for a Gmail account.
func GmailRefresh(clientID, clientSecret, refreshToken string) RefreshRequest {
	return RefreshRequest{
		TokenURL:     GmailTokenURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RefreshToken: refreshToken,
	}
}

// MicrosoftRefresh builds the refresh grant for the Outlook account.
func MicrosoftRefresh(tenant, clientID, clientSecret, refreshToken string) RefreshRequest {
	return RefreshRequest{
		TokenURL:     MicrosoftTokenURL(tenant),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RefreshToken: refreshToken,
		Scope:        MicrosoftScope,
	}
}

// Refresh exchanges a long-lived refresh token for an access token.
//
// A nil client uses a private http.Client with a bounded timeout.
// Transport faults and 5xx responses are marked temporary; an OAuth
// protocol error such as invalid_grant is permanent, the refresh token
// is gone and no amount of retrying brings it back.
func Refresh(ctx context.Context, hc *http.Client, req RefreshRequest) (Token, error) {
	if hc == nil {
		hc = &http.Client{Timeout: requestTimeout}
	}

	form := url.Values{
		"client_id":     {req.ClientID},
		"refresh_token": {req.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	if req.ClientSecret != "" {
		form.Set("client_secret", req.ClientSecret)
	}
	if req.Scope != "" {
		form.Set("scope", req.Scope)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("oauth: build refresh request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := hc.Do(httpReq)
	if err != nil {
		return Token{}, exterrors.WithTemporary(fmt.Errorf("oauth: token refresh: %w", err), true)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, exterrors.WithTemporary(fmt.Errorf("oauth: read token response: %w", err), true)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
		ErrorDesc   string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Token{}, exterrors.WithTemporary(
			fmt.Errorf("oauth: token endpoint returned invalid JSON (status %d)", resp.StatusCode), true)
	}

	if resp.StatusCode != http.StatusOK || parsed.AccessToken == "" {
		err := fmt.Errorf("oauth: token refresh failed (status %d): %s %s",
			resp.StatusCode, parsed.Error, parsed.ErrorDesc)
		temporary := resp.StatusCode >= 500 || parsed.Error == "" || isTransientOAuthError(parsed.Error)
		return Token{}, exterrors.WithTemporary(err, temporary)
	}

	tokenType := parsed.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	expiresIn := parsed.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	return Token{
		AccessToken: parsed.AccessToken,
		TokenType:   tokenType,
		ExpiresAt:   time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func isTransientOAuthError(code string) bool {
	// invalid_grant, invalid_client and friends are configuration
	// problems. Only server-side hiccups are worth a retry.
	return code == "temporarily_unavailable" || code == "server_error"
}
