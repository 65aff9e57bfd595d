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

// Package sync contains the cycle driver and route runner: the
// orchestration core that copies new source messages into the
// destination mailbox with at-most-once semantics.
//
// A cycle is single-threaded: routes run sequentially, UIDs within a
// route run sequentially. Multiple independent cycles may overlap;
// cross-cycle exclusion rests entirely on the state store's conditional
// claim write.
package sync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/foxcpp/mailmirror/framework/log"
	"github.com/foxcpp/mailmirror/internal/config"
	"github.com/foxcpp/mailmirror/internal/imap"
	"github.com/foxcpp/mailmirror/internal/oauth"
	"github.com/foxcpp/mailmirror/internal/retry"
	"github.com/foxcpp/mailmirror/internal/state"
)

// SourceClient is the read-only per-account IMAP surface consumed by
// the route runner. Implemented by imap.Source.
type SourceClient interface {
	Connect(accessToken string) error
	UIDValidity() uint32
	SearchAfter(lastUID uint32) ([]uint32, error)
	SearchSince(since time.Time) ([]uint32, error)
	FetchRaw(uid uint32) ([]byte, error)
	Close()
}

// DestClient is the append-only IMAP surface shared by all routes of a
// cycle. Implemented by imap.Dest.
type DestClient interface {
	Connect(accessToken string) error
	FolderExists(folder string) bool
	EnsureFolder(folder string, createIfMissing bool) error
	AppendRaw(folder string, raw []byte) error
	Close()
}

// Engine drives sync cycles. The function fields exist so tests can
// substitute scripted clients and token sources; New wires the
// production implementations.
type Engine struct {
	Cfg   *config.Config
	Store state.Store
	Log   log.Logger

	NewSource   func(route *config.Route, l log.Logger) SourceClient
	NewDest     func(l log.Logger) DestClient
	SourceToken func(ctx context.Context, route *config.Route) (string, error)
	DestToken   func(ctx context.Context) (string, error)

	Now   func() time.Time
	Sleep func(time.Duration)
}

// New builds an Engine backed by real IMAP connections and OAuth token
// refreshes.
func New(cfg *config.Config, store state.Store, logger log.Logger) *Engine {
	return &Engine{
		Cfg:   cfg,
		Store: store,
		Log:   logger,
		NewSource: func(route *config.Route, l log.Logger) SourceClient {
			return &imap.Source{
				Email:   route.GmailEmail,
				Host:    cfg.GmailIMAPHost,
				Port:    cfg.GmailIMAPPort,
				Timeout: cfg.IMAPTimeout,
				Log:     l,
			}
		},
		NewDest: func(l log.Logger) DestClient {
			return &imap.Dest{
				Email:   cfg.OutlookEmail,
				Host:    cfg.OutlookIMAPHost,
				Port:    cfg.OutlookIMAPPort,
				Timeout: cfg.IMAPTimeout,
				Log:     l,
			}
		},
		SourceToken: func(ctx context.Context, route *config.Route) (string, error) {
			tok, err := oauth.Refresh(ctx, nil, oauth.GmailRefresh(
				route.GmailClientID, route.GmailClientSecret, route.GmailRefreshToken))
			if err != nil {
				return "", err
			}
			return tok.AccessToken, nil
		},
		DestToken: func(ctx context.Context) (string, error) {
			tok, err := oauth.Refresh(ctx, nil, oauth.MicrosoftRefresh(
				cfg.MSTenant, cfg.MSClientID, cfg.MSClientSecret, cfg.MSRefreshToken))
			if err != nil {
				return "", err
			}
			return tok.AccessToken, nil
		},
		Now: time.Now,
	}
}

func (e *Engine) retryPolicy(l log.Logger) retry.Policy {
	return retry.Policy{
		MaxAttempts: e.Cfg.IMAPRetries,
		BaseDelay:   e.Cfg.IMAPRetryBase,
		Log:         l,
		Sleep:       e.Sleep,
	}
}

// RunCycle executes one full sync pass over all configured routes.
//
// A nil error does not mean every route succeeded, see
// CycleResult.Failed. A non-nil error means the cycle aborted before or
// during destination setup; *state.UnavailableError specifically means
// the fail-safe gate stopped the cycle before any IMAP activity.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	cycleID := uuid.New().String()
	clog := e.Log.Sublogger("", "cycle_id", cycleID)

	result := &CycleResult{
		CycleID:      cycleID,
		StartedEpoch: e.Now().Unix(),
		DryRun:       e.Cfg.DryRun,
	}
	clog.Msg("sync_cycle_started", "routes", len(e.Cfg.Routes), "dry_run", e.Cfg.DryRun)

	// Fail-safe gate: no mailbox I/O unless the state store is
	// reachable and healthy.
	if err := e.Store.CheckAvailable(ctx); err != nil {
		clog.Error("state store unavailable, aborting cycle", err)
		return nil, err
	}

	pol := e.retryPolicy(clog)
	var destToken string
	err := pol.Do("dest_token_refresh", func() error {
		tok, err := e.DestToken(ctx)
		if err != nil {
			return err
		}
		destToken = tok
		return nil
	})
	if err != nil {
		return nil, err
	}

	dest := e.NewDest(clog.Sublogger("dest"))
	if err := pol.Do("dest_connect", func() error { return dest.Connect(destToken) }); err != nil {
		return nil, err
	}
	defer dest.Close()

	for i := range e.Cfg.Routes {
		route := &e.Cfg.Routes[i]
		rlog := clog.Sublogger("", "route_id", route.ID())
		rlog.Msg("route_cycle_started")

		res, err := e.runRoute(ctx, route, dest, rlog)
		if err != nil {
			rlog.Error("route cycle failed", err)
			rlog.Msg("route_cycle_failed")
			res = RouteResult{
				RouteID: route.ID(),
				Status:  StatusRouteError,
				Failed:  1,
				Detail:  err.Error(),
			}
		} else {
			rlog.Msg("route_cycle_finished", "status", res.Status,
				"copied", res.Copied, "skipped", res.SkippedDuplicates, "failed", res.Failed)
		}
		result.Routes = append(result.Routes, res)
	}

	result.RoutesProcessed = len(result.Routes)
	result.FinishedEpoch = e.Now().Unix()
	clog.Msg("sync_cycle_finished", "routes_processed", result.RoutesProcessed)
	return result, nil
}
