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

// Package imap wraps the emersion/go-imap client into the two narrow
// roles the replicator needs: a read-only message source and an
// append-only destination.
package imap

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"

	"github.com/foxcpp/mailmirror/framework/exterrors"
)

// Ops is the slice of the go-imap client surface used by Source and
// Dest. Tests substitute scripted implementations through Dial.
type Ops interface {
	Authenticate(a sasl.Client) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Create(name string) error
	Append(mbox string, flags []string, date time.Time, msg imap.Literal) error
	Logout() error
}

// Dial is a function pointer to simplify testing. The production
// implementation always uses implicit TLS, both providers have retired
// cleartext IMAP.
var Dial = func(host string, port int, timeout time.Duration) (Ops, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	c, err := client.DialTLS(addr, &tls.Config{ServerName: host})
	if err != nil {
		return nil, exterrors.WithTemporary(fmt.Errorf("imap: dial %s: %w", addr, err), true)
	}
	c.Timeout = timeout
	return c, nil
}

func authenticate(conn Ops, email, accessToken string) error {
	if err := conn.Authenticate(XOAUTH2(email, accessToken)); err != nil {
		// Expired or revoked tokens surface here as a tagged NO. The
		// next cycle refreshes the token, so let the retry layer treat
		// this as transient rather than aborting the whole run.
		return exterrors.WithTemporary(fmt.Errorf("imap: authenticate %s: %w", email, err), true)
	}
	return nil
}
