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

package imap

import (
	"fmt"
	"io"

	"github.com/emersion/go-sasl"
)

// xoauth2Client speaks the SASL XOAUTH2 mechanism used by both Gmail and
// Office 365 IMAP endpoints. The whole exchange is the initial response;
// a server challenge only ever carries a JSON error blob, which per the
// mechanism must be answered with an empty line so the server gets to
// report the failure as a tagged NO.
type xoauth2Client struct {
	email string
	token string
	done  bool
}

// XOAUTH2 builds a one-shot sasl.Client for the given account and OAuth2
// bearer token.
func XOAUTH2(email, accessToken string) sasl.Client {
	return &xoauth2Client{email: email, token: accessToken}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.email, c.token)
	return "XOAUTH2", []byte(ir), nil
}

func (c *xoauth2Client) Next(_ []byte) ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}
	c.done = true
	return nil, nil
}
