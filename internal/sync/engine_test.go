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

package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/foxcpp/mailmirror/framework/exterrors"
	"github.com/foxcpp/mailmirror/framework/log"
	"github.com/foxcpp/mailmirror/internal/config"
	"github.com/foxcpp/mailmirror/internal/fingerprint"
	"github.com/foxcpp/mailmirror/internal/state"
	"github.com/foxcpp/mailmirror/internal/testutils"
)

type fakeSource struct {
	uidValidity uint32
	afterUIDs   []uint32
	sinceUIDs   []uint32
	messages    map[uint32][]byte

	connectErr error

	connected       int
	closed          int
	afterCalledWith []uint32
	sinceCalled     int
}

func (f *fakeSource) Connect(token string) error {
	f.connected++
	return f.connectErr
}

func (f *fakeSource) UIDValidity() uint32 { return f.uidValidity }

func (f *fakeSource) SearchAfter(lastUID uint32) ([]uint32, error) {
	f.afterCalledWith = append(f.afterCalledWith, lastUID)
	return f.afterUIDs, nil
}

func (f *fakeSource) SearchSince(since time.Time) ([]uint32, error) {
	f.sinceCalled++
	return f.sinceUIDs, nil
}

func (f *fakeSource) FetchRaw(uid uint32) ([]byte, error) {
	raw, ok := f.messages[uid]
	if !ok {
		return nil, fmt.Errorf("uid %d not found", uid)
	}
	return raw, nil
}

func (f *fakeSource) Close() { f.closed++ }

type destAppend struct {
	folder string
	raw    string
}

type fakeDest struct {
	failRaw map[string]bool
	missing map[string]bool

	connected int
	closed    int
	checked   []string
	ensured   []string
	appends   []destAppend
}

func (f *fakeDest) Connect(token string) error { f.connected++; return nil }

func (f *fakeDest) FolderExists(folder string) bool {
	f.checked = append(f.checked, folder)
	return !f.missing[folder]
}

func (f *fakeDest) EnsureFolder(folder string, createIfMissing bool) error {
	f.ensured = append(f.ensured, folder)
	return nil
}

func (f *fakeDest) AppendRaw(folder string, raw []byte) error {
	if f.failRaw[string(raw)] {
		return exterrors.WithTemporary(errors.New("APPEND failed"), true)
	}
	f.appends = append(f.appends, destAppend{folder: folder, raw: string(raw)})
	return nil
}

func (f *fakeDest) Close() { f.closed++ }

func testRoute(gmail, folder string) config.Route {
	return config.Route{
		GmailEmail:    gmail,
		OutlookEmail:  "dst@outlook.com",
		OutlookFolder: folder,
	}
}

func testConfig(routes ...config.Route) *config.Config {
	return &config.Config{
		OutlookEmail:  "dst@outlook.com",
		Routes:        routes,
		ResyncWindow:  24 * time.Hour,
		UIDRecordTTL:  365,
		FailRecordTTL: 14,
		IMAPRetries:   3,
		IMAPRetryBase: time.Millisecond,
	}
}

func testEngine(t *testing.T, cfg *config.Config, store state.Store, srcs map[string]*fakeSource, dest *fakeDest) *Engine {
	return &Engine{
		Cfg:   cfg,
		Store: store,
		Log:   testutils.Logger(t, "sync"),
		NewSource: func(route *config.Route, _ log.Logger) SourceClient {
			src, ok := srcs[route.GmailEmail]
			if !ok {
				t.Fatalf("no fake source for %s", route.GmailEmail)
			}
			return src
		},
		NewDest: func(_ log.Logger) DestClient {
			return dest
		},
		SourceToken: func(context.Context, *config.Route) (string, error) { return "src-token", nil },
		DestToken:   func(context.Context) (string, error) { return "dst-token", nil },
		Now:         func() time.Time { return time.Unix(1700000000, 0) },
		Sleep:       func(time.Duration) {},
	}
}

func routePK(route config.Route) string {
	return state.RoutePK(route.GmailEmail, "dst@outlook.com", route.OutlookFolder)
}

func TestRunCycle_SteadyStateAppend(t *testing.T) {
	route := testRoute("src@gmail.com", "Archive")
	store := testutils.NewMemStore()
	pk := routePK(route)
	store.Watermarks[pk] = state.Watermark{UIDValidity: 300, KnownValidity: true, LastUID: 100}

	src := &fakeSource{
		uidValidity: 300,
		afterUIDs:   []uint32{101, 102, 103},
		messages: map[uint32][]byte{
			101: []byte("msg-101"), 102: []byte("msg-102"), 103: []byte("msg-103"),
		},
	}
	dest := &fakeDest{}
	eng := testEngine(t, testConfig(route), store, map[string]*fakeSource{"src@gmail.com": src}, dest)

	result, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed() {
		t.Errorf("result = %+v", result)
	}
	res := result.Routes[0]
	if res.Status != StatusOK || res.Copied != 3 || res.SkippedDuplicates != 0 || res.Failed != 0 {
		t.Errorf("route result = %+v", res)
	}

	if len(src.afterCalledWith) != 1 || src.afterCalledWith[0] != 100 {
		t.Errorf("SearchAfter called with %v", src.afterCalledWith)
	}
	if len(dest.appends) != 3 {
		t.Errorf("appends = %v", dest.appends)
	}
	for _, uid := range []uint32{101, 102, 103} {
		rec := store.UIDs[fmt.Sprintf("%s|300|%d", pk, uid)]
		if rec == nil || rec.Status != "DONE" {
			t.Errorf("uid %d record = %+v", uid, rec)
		}
	}
	wm := store.Watermarks[pk]
	if wm.UIDValidity != 300 || wm.LastUID != 103 {
		t.Errorf("watermark = %+v", wm)
	}
	if src.closed != 1 || dest.closed != 1 {
		t.Errorf("closed: src=%d dest=%d", src.closed, dest.closed)
	}
}

func TestRunCycle_PartialFailureKeepsReplayWindow(t *testing.T) {
	route := testRoute("src@gmail.com", "Archive")
	store := testutils.NewMemStore()
	pk := routePK(route)
	store.Watermarks[pk] = state.Watermark{UIDValidity: 300, KnownValidity: true, LastUID: 100}

	src := &fakeSource{
		uidValidity: 300,
		afterUIDs:   []uint32{101, 102, 103},
		messages: map[uint32][]byte{
			101: []byte("msg-101"), 102: []byte("msg-102"), 103: []byte("msg-103"),
		},
	}
	dest := &fakeDest{failRaw: map[string]bool{"msg-102": true}}
	eng := testEngine(t, testConfig(route), store, map[string]*fakeSource{"src@gmail.com": src}, dest)

	result, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	res := result.Routes[0]
	if res.Status != StatusPartialFailure || res.Copied != 2 || res.Failed != 1 {
		t.Errorf("route result = %+v", res)
	}

	// The failed claim must be abandoned and the failure recorded.
	if rec := store.UIDs[fmt.Sprintf("%s|300|102", pk)]; rec != nil {
		t.Errorf("uid 102 record = %+v, want abandoned", rec)
	}
	fail := store.Fails[fmt.Sprintf("%s|300|102", pk)]
	if fail == nil || fail.RetryCount != 1 {
		t.Errorf("fail record = %+v", fail)
	}

	// Watermark stays below the smallest failed UID.
	wm := store.Watermarks[pk]
	if wm.LastUID != 101 {
		t.Errorf("watermark = %+v, want last_uid 101", wm)
	}
}

func TestRunCycle_UIDValidityChangeResync(t *testing.T) {
	route := testRoute("src@gmail.com", "Archive")
	store := testutils.NewMemStore()
	pk := routePK(route)
	store.Watermarks[pk] = state.Watermark{UIDValidity: 100, KnownValidity: true, LastUID: 50}

	raw60 := []byte("msg-60-already-copied")
	raw61 := []byte("msg-61-new")
	// UID 5 under the old namespace already delivered the same payload.
	store.UIDs[fmt.Sprintf("%s|100|5", pk)] = &testutils.UIDRecord{
		Status:      "DONE",
		ContentHash: fingerprint.Hash(raw60),
	}

	src := &fakeSource{
		uidValidity: 200,
		sinceUIDs:   []uint32{60, 61},
		messages:    map[uint32][]byte{60: raw60, 61: raw61},
	}
	dest := &fakeDest{}
	eng := testEngine(t, testConfig(route), store, map[string]*fakeSource{"src@gmail.com": src}, dest)

	result, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	res := result.Routes[0]
	if res.Copied != 1 || res.SkippedDuplicates != 1 || res.Failed != 0 {
		t.Errorf("route result = %+v", res)
	}
	if src.sinceCalled != 1 || len(src.afterCalledWith) != 0 {
		t.Errorf("search calls: since=%d after=%v", src.sinceCalled, src.afterCalledWith)
	}
	if len(dest.appends) != 1 || dest.appends[0].raw != string(raw61) {
		t.Errorf("appends = %v", dest.appends)
	}
	wm := store.Watermarks[pk]
	if wm.UIDValidity != 200 || wm.LastUID != 61 {
		t.Errorf("watermark = %+v", wm)
	}
}

func TestRunCycle_MultiRouteIsolation(t *testing.T) {
	route1 := testRoute("g1@gmail.com", "folder1")
	route2 := testRoute("g2@gmail.com", "folder2")
	store := testutils.NewMemStore()
	pk1, pk2 := routePK(route1), routePK(route2)
	store.Watermarks[pk1] = state.Watermark{UIDValidity: 700, KnownValidity: true, LastUID: 10}
	store.Watermarks[pk2] = state.Watermark{UIDValidity: 800, KnownValidity: true, LastUID: 20}

	srcs := map[string]*fakeSource{
		"g1@gmail.com": {uidValidity: 700, afterUIDs: []uint32{11}, messages: map[uint32][]byte{11: []byte("m-11")}},
		"g2@gmail.com": {uidValidity: 800, afterUIDs: []uint32{21}, messages: map[uint32][]byte{21: []byte("m-21")}},
	}
	dest := &fakeDest{}
	eng := testEngine(t, testConfig(route1, route2), store, srcs, dest)

	result, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.RoutesProcessed != 2 {
		t.Fatalf("routes processed = %d", result.RoutesProcessed)
	}
	for _, res := range result.Routes {
		if res.Status != StatusOK || res.Copied != 1 {
			t.Errorf("route result = %+v", res)
		}
	}

	if store.UIDs[pk1+"|700|11"] == nil || store.UIDs[pk2+"|800|21"] == nil {
		t.Error("finalized records not under their own route partitions")
	}
	if store.Watermarks[pk1].LastUID != 11 || store.Watermarks[pk2].LastUID != 21 {
		t.Errorf("watermarks = %+v / %+v", store.Watermarks[pk1], store.Watermarks[pk2])
	}
	if dest.appends[0].folder != "folder1" || dest.appends[1].folder != "folder2" {
		t.Errorf("appends = %v", dest.appends)
	}
}

func TestRunCycle_FailSafeAbort(t *testing.T) {
	route := testRoute("src@gmail.com", "Archive")
	store := testutils.NewMemStore()
	store.Errs["check"] = &state.UnavailableError{Table: "state-table", Err: errors.New("connection refused")}

	constructed := 0
	eng := testEngine(t, testConfig(route), store, nil, nil)
	eng.NewSource = func(*config.Route, log.Logger) SourceClient {
		constructed++
		return nil
	}
	eng.NewDest = func(log.Logger) DestClient {
		constructed++
		return nil
	}

	result, err := eng.RunCycle(context.Background())
	var unavailable *state.UnavailableError
	if !errors.As(err, &unavailable) {
		t.Errorf("err = %v, want *state.UnavailableError", err)
	}
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
	if constructed != 0 {
		t.Errorf("%d clients constructed before the gate", constructed)
	}
}

func TestRunCycle_ClaimContention(t *testing.T) {
	route := testRoute("src@gmail.com", "Archive")
	store := testutils.NewMemStore()
	pk := routePK(route)
	store.Watermarks[pk] = state.Watermark{UIDValidity: 200, KnownValidity: true, LastUID: 900}
	// Another concurrent cycle holds the claim.
	store.UIDs[pk+"|200|999"] = &testutils.UIDRecord{Status: "PENDING"}

	src := &fakeSource{
		uidValidity: 200,
		afterUIDs:   []uint32{999},
		messages:    map[uint32][]byte{999: []byte("m-999")},
	}
	dest := &fakeDest{}
	eng := testEngine(t, testConfig(route), store, map[string]*fakeSource{"src@gmail.com": src}, dest)

	result, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	res := result.Routes[0]
	if res.SkippedDuplicates != 1 || res.Copied != 0 || res.Failed != 0 {
		t.Errorf("route result = %+v", res)
	}
	if len(dest.appends) != 0 {
		t.Errorf("appends = %v", dest.appends)
	}
}

func TestRunCycle_DryRunPurity(t *testing.T) {
	route := testRoute("src@gmail.com", "Archive")
	store := testutils.NewMemStore()
	pk := routePK(route)
	store.Watermarks[pk] = state.Watermark{UIDValidity: 300, KnownValidity: true, LastUID: 100}
	store.UIDs[pk+"|300|101"] = &testutils.UIDRecord{Status: "DONE"}

	src := &fakeSource{
		uidValidity: 300,
		afterUIDs:   []uint32{101, 102},
		messages:    map[uint32][]byte{101: []byte("m-101"), 102: []byte("m-102")},
	}
	dest := &fakeDest{}
	cfg := testConfig(route)
	cfg.DryRun = true
	eng := testEngine(t, cfg, store, map[string]*fakeSource{"src@gmail.com": src}, dest)

	result, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	res := result.Routes[0]
	if res.Copied != 1 || res.SkippedDuplicates != 1 {
		t.Errorf("route result = %+v", res)
	}

	if len(store.Mutations) != 0 {
		t.Errorf("dry run mutated the store: %v", store.Mutations)
	}
	if len(dest.appends) != 0 || len(dest.ensured) != 0 {
		t.Errorf("dry run touched the destination: appends=%v ensured=%v", dest.appends, dest.ensured)
	}
	// The read-only folder probe still happens.
	if len(dest.checked) != 1 || dest.checked[0] != "Archive" {
		t.Errorf("checked = %v", dest.checked)
	}
	if wm := store.Watermarks[pk]; wm.LastUID != 100 {
		t.Errorf("dry run advanced the watermark: %+v", wm)
	}
}

func TestRunCycle_DryRunMissingFolder(t *testing.T) {
	route := testRoute("src@gmail.com", "Archive")
	store := testutils.NewMemStore()
	src := &fakeSource{uidValidity: 300}
	dest := &fakeDest{missing: map[string]bool{"Archive": true}}
	cfg := testConfig(route)
	cfg.DryRun = true
	eng := testEngine(t, cfg, store, map[string]*fakeSource{"src@gmail.com": src}, dest)

	// Without the create option the route is misconfigured and dry-run
	// must say so.
	result, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Routes[0].Status != StatusRouteError {
		t.Errorf("route result = %+v", result.Routes[0])
	}
	if len(dest.ensured) != 0 {
		t.Errorf("dry run created a folder: %v", dest.ensured)
	}

	// With the create option the missing folder is a would-create, not
	// an error.
	cfg.Routes[0].CreateFolder = true
	result, err = eng.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Routes[0].Status != StatusOK {
		t.Errorf("route result = %+v", result.Routes[0])
	}
	if len(dest.ensured) != 0 || len(store.Mutations) != 0 {
		t.Errorf("dry run mutated: ensured=%v store=%v", dest.ensured, store.Mutations)
	}
}

func TestRunCycle_RouteErrorIsolation(t *testing.T) {
	route1 := testRoute("bad@gmail.com", "folder1")
	route2 := testRoute("good@gmail.com", "folder2")
	store := testutils.NewMemStore()

	srcs := map[string]*fakeSource{
		"bad@gmail.com":  {connectErr: errors.New("LOGIN refused")},
		"good@gmail.com": {uidValidity: 1, afterUIDs: []uint32{1}, messages: map[uint32][]byte{1: []byte("m-1")}},
	}
	dest := &fakeDest{}
	eng := testEngine(t, testConfig(route1, route2), store, srcs, dest)

	result, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Routes[0].Status != StatusRouteError || result.Routes[0].Failed != 1 {
		t.Errorf("route1 result = %+v", result.Routes[0])
	}
	if result.Routes[0].Detail == "" {
		t.Error("route_error carries no detail")
	}
	if result.Routes[1].Status != StatusOK || result.Routes[1].Copied != 1 {
		t.Errorf("route2 result = %+v", result.Routes[1])
	}
	if !result.Failed() {
		t.Error("cycle with a route_error reported as clean")
	}
}

func TestRunCycle_DestSetupFailureIsFatal(t *testing.T) {
	route := testRoute("src@gmail.com", "Archive")
	store := testutils.NewMemStore()
	eng := testEngine(t, testConfig(route), store, nil, &fakeDest{})
	eng.DestToken = func(context.Context) (string, error) {
		return "", errors.New("invalid_grant")
	}

	if _, err := eng.RunCycle(context.Background()); err == nil {
		t.Error("destination token failure not fatal to the cycle")
	}
}

func TestRunCycle_DestTokenRetried(t *testing.T) {
	route := testRoute("src@gmail.com", "Archive")
	store := testutils.NewMemStore()
	src := &fakeSource{uidValidity: 1}
	dest := &fakeDest{}
	eng := testEngine(t, testConfig(route), store, map[string]*fakeSource{"src@gmail.com": src}, dest)

	calls := 0
	eng.DestToken = func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", exterrors.WithTemporary(errors.New("503"), true)
		}
		return "dst-token", nil
	}

	if _, err := eng.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("DestToken calls = %d, want 2", calls)
	}
}

func TestRunCycle_EmptySearchStillAdoptsNamespace(t *testing.T) {
	route := testRoute("src@gmail.com", "Archive")
	store := testutils.NewMemStore()
	pk := routePK(route)
	store.Watermarks[pk] = state.Watermark{UIDValidity: 100, KnownValidity: true, LastUID: 50}

	src := &fakeSource{uidValidity: 200, sinceUIDs: nil}
	dest := &fakeDest{}
	eng := testEngine(t, testConfig(route), store, map[string]*fakeSource{"src@gmail.com": src}, dest)

	if _, err := eng.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	wm := store.Watermarks[pk]
	if wm.UIDValidity != 200 || wm.LastUID != 50 {
		t.Errorf("watermark = %+v, want ns adopted with cursor kept", wm)
	}
}
