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
	"bytes"
	"fmt"
	"time"

	"github.com/foxcpp/mailmirror/framework/exterrors"
	"github.com/foxcpp/mailmirror/framework/log"
)

// Dest is the append-only side of the replicator: one Outlook account
// shared by every route. It never reads messages back.
type Dest struct {
	Email   string
	Host    string
	Port    int
	Timeout time.Duration
	Log     log.Logger

	conn Ops
}

// Connect dials the server and authenticates. No mailbox is selected,
// APPEND does not require one.
func (d *Dest) Connect(accessToken string) error {
	conn, err := Dial(d.Host, d.Port, d.Timeout)
	if err != nil {
		return err
	}
	if err := authenticate(conn, d.Email, accessToken); err != nil {
		_ = conn.Logout()
		return err
	}
	d.conn = conn
	d.Log.DebugMsg("dest_connected", "email", d.Email)
	return nil
}

// FolderExists probes the target folder with a read-only SELECT. Any
// server refusal counts as missing, same as the EnsureFolder create
// path.
func (d *Dest) FolderExists(folder string) bool {
	_, err := d.conn.Select(folder, true)
	return err == nil
}

// EnsureFolder verifies the target folder exists, creating it when
// createIfMissing is set. A missing folder without the create option is
// a permanent error: the route is misconfigured and retrying cannot
// help.
func (d *Dest) EnsureFolder(folder string, createIfMissing bool) error {
	_, err := d.conn.Select(folder, true)
	if err == nil {
		return nil
	}
	if !createIfMissing {
		return fmt.Errorf("imap: target folder %q does not exist: %w", folder, err)
	}

	if err := d.conn.Create(folder); err != nil {
		return exterrors.WithTemporary(fmt.Errorf("imap: create folder %q: %w", folder, err), true)
	}
	d.Log.Msg("folder_created", "folder", folder)
	if _, err := d.conn.Select(folder, true); err != nil {
		return exterrors.WithTemporary(fmt.Errorf("imap: select created folder %q: %w", folder, err), true)
	}
	return nil
}

// AppendRaw stores the message into folder. No flags are set so the
// copy lands unread; the date is left to the server.
func (d *Dest) AppendRaw(folder string, raw []byte) error {
	err := d.conn.Append(folder, nil, time.Time{}, bytes.NewBuffer(raw))
	if err != nil {
		return exterrors.WithTemporary(fmt.Errorf("imap: append to %q: %w", folder, err), true)
	}
	return nil
}

// Close logs out. Safe to call multiple times and on a never-connected
// Dest.
func (d *Dest) Close() {
	if d.conn == nil {
		return
	}
	if err := d.conn.Logout(); err != nil {
		d.Log.Error("dest logout failed", err, "email", d.Email)
	}
	d.conn = nil
}
