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
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/foxcpp/mailmirror/framework/exterrors"
	"golang.org/x/oauth2"
)

func TestRefresh(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3599}`))
	}))
	defer srv.Close()

	req := MicrosoftRefresh("common", "cid", "csec", "rt-1")
	req.TokenURL = srv.URL

	tok, err := Refresh(context.Background(), srv.Client(), req)
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "at-1" || tok.TokenType != "Bearer" {
		t.Errorf("token = %+v", tok)
	}
	if time.Until(tok.ExpiresAt) > time.Hour || time.Until(tok.ExpiresAt) < 50*time.Minute {
		t.Errorf("ExpiresAt = %v", tok.ExpiresAt)
	}

	if gotForm.Get("grant_type") != "refresh_token" {
		t.Errorf("grant_type = %q", gotForm.Get("grant_type"))
	}
	if gotForm.Get("refresh_token") != "rt-1" {
		t.Errorf("refresh_token = %q", gotForm.Get("refresh_token"))
	}
	// Microsoft rejects refresh grants without an explicit scope.
	if gotForm.Get("scope") != MicrosoftScope {
		t.Errorf("scope = %q", gotForm.Get("scope"))
	}
}

func TestRefresh_GmailOmitsScope(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotForm = r.PostForm
		w.Write([]byte(`{"access_token":"at-2"}`))
	}))
	defer srv.Close()

	req := GmailRefresh("cid", "csec", "rt-2")
	req.TokenURL = srv.URL
	tok, err := Refresh(context.Background(), srv.Client(), req)
	if err != nil {
		t.Fatal(err)
	}
	if tok.TokenType != "Bearer" {
		t.Errorf("default token type = %q", tok.TokenType)
	}
	if _, sent := gotForm["scope"]; sent {
		t.Error("scope sent on a Gmail refresh grant")
	}
}

func TestRefresh_InvalidGrantIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	defer srv.Close()

	req := GmailRefresh("cid", "csec", "rt-dead")
	req.TokenURL = srv.URL
	_, err := Refresh(context.Background(), srv.Client(), req)
	if err == nil {
		t.Fatal("revoked refresh token accepted")
	}
	if exterrors.IsTemporary(err) {
		t.Error("invalid_grant marked temporary")
	}
}

func TestRefresh_ServerErrorIsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"temporarily_unavailable"}`))
	}))
	defer srv.Close()

	req := GmailRefresh("cid", "csec", "rt-3")
	req.TokenURL = srv.URL
	_, err := Refresh(context.Background(), srv.Client(), req)
	if err == nil {
		t.Fatal("5xx accepted")
	}
	if !exterrors.IsTemporary(err) {
		t.Error("5xx not marked temporary")
	}
}

// urlCapture extracts the state parameter from the printed consent URL.
type urlCapture struct {
	mu    sync.Mutex
	once  sync.Once
	state chan string
	buf   []byte
}

var stateRe = regexp.MustCompile(`state=([A-Za-z0-9-]+)`)

func (c *urlCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, p...)
	if m := stateRe.FindSubmatch(c.buf); m != nil {
		c.once.Do(func() { c.state <- string(m[1]) })
	}
	return len(p), nil
}

func TestInteractive(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("code") != "authcode-1" {
			t.Errorf("code = %q", r.PostForm.Get("code"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-i","refresh_token":"rt-i","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	capture := &urlCapture{state: make(chan string, 1)}
	cfg := InteractiveConfig{
		Conf: &oauth2.Config{
			ClientID:    "cid",
			Endpoint:    oauth2.Endpoint{AuthURL: "https://auth.example.org/authorize", TokenURL: tokenSrv.URL},
			RedirectURL: "http://127.0.0.1:18765/callback",
		},
		ListenAddr: "127.0.0.1:18765",
		Out:        capture,
		Timeout:    10 * time.Second,
	}

	type result struct {
		tok *oauth2.Token
		err error
	}
	done := make(chan result, 1)
	go func() {
		tok, err := cfg.Interactive(context.Background())
		done <- result{tok, err}
	}()

	state := <-capture.state
	resp, err := http.Get("http://127.0.0.1:18765/callback?code=authcode-1&state=" + state)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("callback status = %d", resp.StatusCode)
	}

	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.tok.RefreshToken != "rt-i" || res.tok.AccessToken != "at-i" {
		t.Errorf("token = %+v", res.tok)
	}
}

func TestInteractive_StateMismatch(t *testing.T) {
	capture := &urlCapture{state: make(chan string, 1)}
	cfg := InteractiveConfig{
		Conf: &oauth2.Config{
			ClientID:    "cid",
			Endpoint:    oauth2.Endpoint{AuthURL: "https://auth.example.org/authorize", TokenURL: "https://auth.example.org/token"},
			RedirectURL: "http://127.0.0.1:18766/callback",
		},
		ListenAddr: "127.0.0.1:18766",
		Out:        capture,
		Timeout:    10 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		_, err := cfg.Interactive(context.Background())
		done <- err
	}()

	<-capture.state
	resp, err := http.Get("http://127.0.0.1:18766/callback?code=x&state=forged")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("callback status = %d", resp.StatusCode)
	}
	if err := <-done; err == nil {
		t.Error("forged state accepted")
	}
}
