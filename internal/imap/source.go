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
	"sort"
	"time"

	"github.com/emersion/go-imap"

	"github.com/foxcpp/mailmirror/framework/exterrors"
	"github.com/foxcpp/mailmirror/framework/log"
)

const sourceMailbox = "INBOX"

// Source is a read-only view of one Gmail account's INBOX. It never
// writes: the mailbox is selected with EXAMINE semantics and all fetches
// use BODY.PEEK so \Seen flags stay untouched.
type Source struct {
	Email   string
	Host    string
	Port    int
	Timeout time.Duration
	Log     log.Logger

	conn        Ops
	uidValidity uint32
}

// Connect dials the server, authenticates and selects INBOX read-only.
func (s *Source) Connect(accessToken string) error {
	conn, err := Dial(s.Host, s.Port, s.Timeout)
	if err != nil {
		return err
	}
	if err := authenticate(conn, s.Email, accessToken); err != nil {
		_ = conn.Logout()
		return err
	}

	status, err := conn.Select(sourceMailbox, true)
	if err != nil {
		_ = conn.Logout()
		return exterrors.WithTemporary(fmt.Errorf("imap: select %s: %w", sourceMailbox, err), true)
	}

	s.conn = conn
	s.uidValidity = status.UidValidity
	s.Log.DebugMsg("source_connected", "email", s.Email, "uidvalidity", status.UidValidity,
		"messages", status.Messages)
	return nil
}

// UIDValidity reports the epoch of the selected mailbox. Valid only
// after Connect.
func (s *Source) UIDValidity() uint32 {
	return s.uidValidity
}

// SearchAfter returns the UIDs of all messages above lastUID, ascending.
//
// The UID range lastUID+1:* always matches at least the highest-UID
// message in the mailbox even when nothing is new, so results at or
// below the watermark are dropped here rather than trusted from the
// server.
func (s *Source) SearchAfter(lastUID uint32) ([]uint32, error) {
	seq := new(imap.SeqSet)
	seq.AddRange(lastUID+1, 0)
	criteria := imap.NewSearchCriteria()
	criteria.Uid = seq

	uids, err := s.conn.UidSearch(criteria)
	if err != nil {
		return nil, exterrors.WithTemporary(fmt.Errorf("imap: uid search: %w", err), true)
	}

	filtered := uids[:0]
	for _, uid := range uids {
		if uid > lastUID {
			filtered = append(filtered, uid)
		}
	}
	return normalizeUIDs(filtered), nil
}

// SearchSince returns the UIDs of all messages whose internal date is on
// or after since, ascending. SINCE has day granularity; the resync
// window is deliberately generous so that does not matter.
func (s *Source) SearchSince(since time.Time) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	uids, err := s.conn.UidSearch(criteria)
	if err != nil {
		return nil, exterrors.WithTemporary(fmt.Errorf("imap: uid search since: %w", err), true)
	}
	return normalizeUIDs(uids), nil
}

// FetchRaw downloads the full RFC 822 payload of one message.
func (s *Source) FetchRaw(uid uint32) ([]byte, error) {
	seq := new(imap.SeqSet)
	seq.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.conn.UidFetch(seq, items, ch)
	}()

	var raw []byte
	for msg := range ch {
		if msg == nil {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, exterrors.WithTemporary(fmt.Errorf("imap: fetch uid %d: %w", uid, err), true)
		}
		raw = data
	}
	if err := <-done; err != nil {
		return nil, exterrors.WithTemporary(fmt.Errorf("imap: fetch uid %d: %w", uid, err), true)
	}
	if raw == nil {
		// The message vanished between search and fetch (expunged).
		return nil, fmt.Errorf("imap: uid %d not found in %s", uid, sourceMailbox)
	}
	return raw, nil
}

// Close logs out. Safe to call multiple times and on a never-connected
// Source.
func (s *Source) Close() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Logout(); err != nil {
		s.Log.Error("source logout failed", err, "email", s.Email)
	}
	s.conn = nil
}

// normalizeUIDs sorts ascending and drops repeated tokens. Servers are
// not required to return each matching UID exactly once.
func normalizeUIDs(uids []uint32) []uint32 {
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	out := uids[:0]
	for i, uid := range uids {
		if i > 0 && uid == out[len(out)-1] {
			continue
		}
		out = append(out, uid)
	}
	return out
}
