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

// Package fingerprint computes stable identifiers for raw RFC 822 messages.
//
// Two identifiers are used for duplicate detection across UIDVALIDITY
// changes: the SHA-256 of the raw message bytes and, when present, the
// Message-ID header value.
package fingerprint

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// Hash returns the lowercase hex SHA-256 of the raw message bytes.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// MessageID extracts the Message-ID header value from the raw message,
// trimmed of surrounding whitespace. It returns "" when the header is
// absent or the header block cannot be parsed at all.
//
// Only the header block is read. A malformed body never causes an error
// here - a missing Message-ID merely weakens resync dedupe down to the
// content hash.
func MessageID(raw []byte) string {
	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil && hdr.Len() == 0 {
		return ""
	}
	return strings.TrimSpace(hdr.Get("Message-Id"))
}
