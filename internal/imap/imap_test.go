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
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-sasl"

	"github.com/foxcpp/mailmirror/framework/exterrors"
	"github.com/foxcpp/mailmirror/internal/testutils"
)

type appendCall struct {
	mbox  string
	flags []string
	raw   string
}

type fakeOps struct {
	authClient sasl.Client
	authErr    error

	selectErr    map[string]error
	selectStatus *imap.MailboxStatus
	selected     []string

	searchUIDs    []uint32
	searchErr     error
	lastCriteria  *imap.SearchCriteria

	fetchBodies map[uint32]string

	created   []string
	appends   []appendCall
	loggedOut int
}

func (f *fakeOps) Authenticate(a sasl.Client) error {
	f.authClient = a
	return f.authErr
}

func (f *fakeOps) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	f.selected = append(f.selected, name)
	if err := f.selectErr[name]; err != nil {
		return nil, err
	}
	if f.selectStatus != nil {
		return f.selectStatus, nil
	}
	return &imap.MailboxStatus{Name: name, ReadOnly: readOnly}, nil
}

func (f *fakeOps) UidSearch(criteria *imap.SearchCriteria) ([]uint32, error) {
	f.lastCriteria = criteria
	return f.searchUIDs, f.searchErr
}

func (f *fakeOps) UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	defer close(ch)
	// Servers answer BODY.PEEK[] requests with plain BODY[] sections.
	section := &imap.BodySectionName{}
	for uid, body := range f.fetchBodies {
		if !seqset.Contains(uid) {
			continue
		}
		ch <- &imap.Message{
			Uid: uid,
			Body: map[*imap.BodySectionName]imap.Literal{
				section: bytes.NewBufferString(body),
			},
		}
	}
	return nil
}

func (f *fakeOps) Create(name string) error {
	f.created = append(f.created, name)
	delete(f.selectErr, name)
	return nil
}

func (f *fakeOps) Append(mbox string, flags []string, _ time.Time, msg imap.Literal) error {
	raw, err := io.ReadAll(msg)
	if err != nil {
		return err
	}
	f.appends = append(f.appends, appendCall{mbox: mbox, flags: flags, raw: string(raw)})
	return nil
}

func (f *fakeOps) Logout() error {
	f.loggedOut++
	return nil
}

func dialFake(t *testing.T, f *fakeOps) func() {
	t.Helper()
	orig := Dial
	Dial = func(host string, port int, timeout time.Duration) (Ops, error) {
		return f, nil
	}
	return func() { Dial = orig }
}

func TestXOAUTH2(t *testing.T) {
	c := XOAUTH2("user@example.org", "tok123")
	mech, ir, err := c.Start()
	if err != nil {
		t.Fatal(err)
	}
	if mech != "XOAUTH2" {
		t.Errorf("mech = %q", mech)
	}
	want := "user=user@example.org\x01auth=Bearer tok123\x01\x01"
	if string(ir) != want {
		t.Errorf("initial response = %q, want %q", ir, want)
	}

	// Error challenge gets an empty line, then the exchange is over.
	resp, err := c.Next([]byte(`{"status":"400"}`))
	if err != nil || resp != nil {
		t.Errorf("first Next = %v, %v", resp, err)
	}
	if _, err := c.Next(nil); err != io.EOF {
		t.Errorf("second Next err = %v, want io.EOF", err)
	}
}

func TestSourceConnect(t *testing.T) {
	f := &fakeOps{selectStatus: &imap.MailboxStatus{UidValidity: 777}}
	defer dialFake(t, f)()

	src := Source{Email: "src@gmail.com", Log: testutils.Logger(t, "source")}
	if err := src.Connect("tok"); err != nil {
		t.Fatal(err)
	}
	if src.UIDValidity() != 777 {
		t.Errorf("UIDValidity = %d", src.UIDValidity())
	}
	if len(f.selected) != 1 || f.selected[0] != "INBOX" {
		t.Errorf("selected = %v", f.selected)
	}

	src.Close()
	src.Close()
	if f.loggedOut != 1 {
		t.Errorf("loggedOut = %d, want 1", f.loggedOut)
	}
}

func TestSourceConnect_AuthFailureClosesConn(t *testing.T) {
	f := &fakeOps{authErr: errors.New("NO AUTHENTICATE failed")}
	defer dialFake(t, f)()

	src := Source{Email: "src@gmail.com", Log: testutils.Logger(t, "source")}
	err := src.Connect("tok")
	if err == nil {
		t.Fatal("auth failure not reported")
	}
	if !exterrors.IsTemporary(err) {
		t.Error("auth failure not marked temporary")
	}
	if f.loggedOut != 1 {
		t.Errorf("loggedOut = %d, want 1", f.loggedOut)
	}
}

func TestSourceSearchAfter(t *testing.T) {
	// The server echoes back the boundary message even when nothing is
	// new, result order is not guaranteed, and a UID may be repeated.
	f := &fakeOps{searchUIDs: []uint32{104, 100, 102, 103, 102}}
	defer dialFake(t, f)()

	src := Source{Email: "src@gmail.com", Log: testutils.Logger(t, "source")}
	if err := src.Connect("tok"); err != nil {
		t.Fatal(err)
	}

	uids, err := src.SearchAfter(100)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(uids, []uint32{102, 103, 104}) {
		t.Errorf("uids = %v", uids)
	}
	if f.lastCriteria.Uid.String() != "101:*" {
		t.Errorf("criteria UID set = %q", f.lastCriteria.Uid.String())
	}
}

func TestSourceSearchAfter_RepeatedTokens(t *testing.T) {
	f := &fakeOps{searchUIDs: []uint32{103, 101, 101}}
	defer dialFake(t, f)()

	src := Source{Email: "src@gmail.com", Log: testutils.Logger(t, "source")}
	if err := src.Connect("tok"); err != nil {
		t.Fatal(err)
	}

	uids, err := src.SearchAfter(100)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(uids, []uint32{101, 103}) {
		t.Errorf("uids = %v, want [101 103]", uids)
	}
}

func TestSourceSearchSince(t *testing.T) {
	f := &fakeOps{searchUIDs: []uint32{3, 1, 2, 3}}
	defer dialFake(t, f)()

	src := Source{Email: "src@gmail.com", Log: testutils.Logger(t, "source")}
	if err := src.Connect("tok"); err != nil {
		t.Fatal(err)
	}

	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	uids, err := src.SearchSince(since)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(uids, []uint32{1, 2, 3}) {
		t.Errorf("uids = %v", uids)
	}
	if !f.lastCriteria.Since.Equal(since) {
		t.Errorf("criteria Since = %v", f.lastCriteria.Since)
	}
}

func TestSourceFetchRaw(t *testing.T) {
	f := &fakeOps{fetchBodies: map[uint32]string{42: "From: a@b\r\n\r\nhi"}}
	defer dialFake(t, f)()

	src := Source{Email: "src@gmail.com", Log: testutils.Logger(t, "source")}
	if err := src.Connect("tok"); err != nil {
		t.Fatal(err)
	}

	raw, err := src.FetchRaw(42)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "From: a@b\r\n\r\nhi" {
		t.Errorf("raw = %q", raw)
	}

	// Expunged between search and fetch.
	if _, err := src.FetchRaw(43); err == nil {
		t.Error("missing message fetch succeeded")
	}
}

func TestDestFolderExists(t *testing.T) {
	f := &fakeOps{selectErr: map[string]error{"Missing": errors.New("NO no such mailbox")}}
	defer dialFake(t, f)()

	dst := Dest{Email: "dst@outlook.com", Log: testutils.Logger(t, "dest")}
	if err := dst.Connect("tok"); err != nil {
		t.Fatal(err)
	}

	if !dst.FolderExists("Archive") {
		t.Error("existing folder reported missing")
	}
	if dst.FolderExists("Missing") {
		t.Error("missing folder reported present")
	}
	if len(f.created) != 0 {
		t.Errorf("probe created folders: %v", f.created)
	}
}

func TestDestEnsureFolder(t *testing.T) {
	f := &fakeOps{selectErr: map[string]error{"Archive": errors.New("NO no such mailbox")}}
	defer dialFake(t, f)()

	dst := Dest{Email: "dst@outlook.com", Log: testutils.Logger(t, "dest")}
	if err := dst.Connect("tok"); err != nil {
		t.Fatal(err)
	}

	err := dst.EnsureFolder("Archive", false)
	if err == nil {
		t.Fatal("missing folder not reported")
	}
	if exterrors.IsTemporary(err) {
		t.Error("misconfigured folder marked temporary")
	}
	if len(f.created) != 0 {
		t.Errorf("created = %v without create option", f.created)
	}

	if err := dst.EnsureFolder("Archive", true); err != nil {
		t.Fatal("EnsureFolder with create:", err)
	}
	if !reflect.DeepEqual(f.created, []string{"Archive"}) {
		t.Errorf("created = %v", f.created)
	}
}

func TestDestAppendRaw(t *testing.T) {
	f := &fakeOps{}
	defer dialFake(t, f)()

	dst := Dest{Email: "dst@outlook.com", Log: testutils.Logger(t, "dest")}
	if err := dst.Connect("tok"); err != nil {
		t.Fatal(err)
	}

	if err := dst.AppendRaw("Archive", []byte("raw message")); err != nil {
		t.Fatal(err)
	}
	if len(f.appends) != 1 {
		t.Fatalf("appends = %d", len(f.appends))
	}
	got := f.appends[0]
	if got.mbox != "Archive" || got.raw != "raw message" {
		t.Errorf("append = %+v", got)
	}
	// nil flags: the copy must land unread.
	if got.flags != nil {
		t.Errorf("flags = %v, want nil", got.flags)
	}
}
