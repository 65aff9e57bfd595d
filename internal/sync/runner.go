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
	"fmt"

	"github.com/foxcpp/mailmirror/framework/log"
	"github.com/foxcpp/mailmirror/internal/config"
	"github.com/foxcpp/mailmirror/internal/fingerprint"
	"github.com/foxcpp/mailmirror/internal/state"
)

// runRoute executes one route end-to-end. A returned error means the
// route aborted before completing its UID loop and the cycle driver
// records it as route_error; per-message append failures never surface
// here, they are counted and the loop continues.
func (e *Engine) runRoute(ctx context.Context, route *config.Route, dest DestClient, rlog log.Logger) (RouteResult, error) {
	res := RouteResult{RouteID: route.ID(), Status: StatusOK}
	pol := e.retryPolicy(rlog)

	pk := state.RoutePK(route.GmailEmail, e.Cfg.OutlookEmail, route.OutlookFolder)
	wm, err := e.Store.Watermark(ctx, pk)
	if err != nil {
		return res, err
	}

	var srcToken string
	err = pol.Do("source_token_refresh", func() error {
		tok, err := e.SourceToken(ctx, route)
		if err != nil {
			return err
		}
		srcToken = tok
		return nil
	})
	if err != nil {
		return res, err
	}

	src := e.NewSource(route, rlog.Sublogger("source"))
	if err := pol.Do("source_connect", func() error { return src.Connect(srcToken) }); err != nil {
		return res, err
	}
	defer src.Close()

	// The existence probe is read-only; only CREATE mutates, so dry-run
	// still surfaces a misconfigured target folder.
	if e.Cfg.DryRun {
		if !dest.FolderExists(route.OutlookFolder) {
			if !route.CreateFolder {
				return res, fmt.Errorf("sync: target folder %q does not exist", route.OutlookFolder)
			}
			rlog.Msg("dry_run_would_create_folder", "folder", route.OutlookFolder)
		}
	} else {
		err = pol.Do("ensure_folder", func() error {
			return dest.EnsureFolder(route.OutlookFolder, route.CreateFolder)
		})
		if err != nil {
			return res, err
		}
	}

	currentNS := src.UIDValidity()

	var uids []uint32
	resync := wm.KnownValidity && wm.UIDValidity != currentNS
	if resync {
		since := e.Now().Add(-e.Cfg.ResyncWindow)
		rlog.Msg("uidvalidity_changed_resync", "old", wm.UIDValidity, "new", currentNS,
			"since", since.Format("02-Jan-2006"))
		err = pol.Do("search_since", func() error {
			var searchErr error
			uids, searchErr = src.SearchSince(since)
			return searchErr
		})
	} else {
		err = pol.Do("search_after", func() error {
			var searchErr error
			uids, searchErr = src.SearchAfter(wm.LastUID)
			return searchErr
		})
	}
	if err != nil {
		return res, err
	}

	var (
		maxSeen   uint32
		minFailed uint32
		seen      bool
	)
	for _, uid := range uids {
		var raw []byte
		err := pol.Do("fetch_raw", func() error {
			var fetchErr error
			raw, fetchErr = src.FetchRaw(uid)
			return fetchErr
		})
		if err != nil {
			return res, err
		}
		seen = true
		if uid > maxSeen {
			maxSeen = uid
		}

		mid := fingerprint.MessageID(raw)
		hash := fingerprint.Hash(raw)

		if resync {
			copied, err := e.Store.PayloadAlreadyCopied(ctx, pk, mid, hash)
			if err != nil {
				return res, err
			}
			if copied {
				rlog.Msg("resync_duplicate_detected", "uid", uid, "message_id", mid)
				res.SkippedDuplicates++
				continue
			}
		}

		if e.Cfg.DryRun {
			exists, err := e.Store.UIDRecordExists(ctx, pk, currentNS, uid)
			if err != nil {
				return res, err
			}
			if exists {
				res.SkippedDuplicates++
			} else {
				rlog.Msg("dry_run_would_copy", "uid", uid, "message_id", mid)
				res.Copied++
			}
			continue
		}

		claimed, err := e.Store.ClaimUID(ctx, pk, currentNS, uid)
		if err != nil {
			return res, err
		}
		if !claimed {
			rlog.Msg("uid_already_claimed_or_done_skip", "uid", uid)
			res.SkippedDuplicates++
			continue
		}

		appendErr := pol.Do("append_raw", func() error {
			return dest.AppendRaw(route.OutlookFolder, raw)
		})
		if appendErr != nil {
			rlog.Error("message copy failed, continuing", appendErr, "uid", uid)
			rlog.Msg("message_copy_failed_continue", "uid", uid)
			if err := e.Store.AbandonPending(ctx, pk, currentNS, uid); err != nil {
				rlog.Error("failed to abandon pending claim", err, "uid", uid)
			}
			if err := e.Store.RecordFailure(ctx, pk, currentNS, uid, appendErr, e.Cfg.FailRecordTTL); err != nil {
				rlog.Error("failed to record failure", err, "uid", uid)
			}
			res.Failed++
			if minFailed == 0 || uid < minFailed {
				minFailed = uid
			}
			continue
		}

		if err := e.Store.FinalizeUID(ctx, pk, currentNS, uid, mid, hash, e.Cfg.UIDRecordTTL); err != nil {
			return res, err
		}
		res.Copied++
	}

	if !e.Cfg.DryRun {
		newLast := wm.LastUID
		switch {
		case !seen:
			// Keep the cursor; still adopt the current namespace.
		case minFailed != 0:
			// Stay below the smallest failed UID so the next cycle
			// re-searches it.
			if minFailed-1 > newLast {
				newLast = minFailed - 1
			}
		default:
			if maxSeen > newLast {
				newLast = maxSeen
			}
		}
		if err := e.Store.SetWatermark(ctx, pk, currentNS, newLast); err != nil {
			return res, err
		}
	}

	if res.Failed > 0 {
		res.Status = StatusPartialFailure
	}
	return res, nil
}
