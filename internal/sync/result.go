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

// Route statuses reported in RouteResult.
const (
	StatusOK             = "ok"
	StatusPartialFailure = "partial_failure"
	StatusRouteError     = "route_error"
)

// RouteResult is the per-route breakdown of one cycle.
type RouteResult struct {
	RouteID           string `json:"route_id"`
	Status            string `json:"status"`
	Copied            int    `json:"copied"`
	SkippedDuplicates int    `json:"skipped_duplicates"`
	Failed            int    `json:"failed"`
	Detail            string `json:"detail,omitempty"`
}

// CycleResult is the aggregate report of one cycle, serialized as-is by
// the CLI.
type CycleResult struct {
	CycleID         string        `json:"cycle_id"`
	StartedEpoch    int64         `json:"started_epoch"`
	FinishedEpoch   int64         `json:"finished_epoch"`
	RoutesProcessed int           `json:"routes_processed"`
	DryRun          bool          `json:"dry_run"`
	Routes          []RouteResult `json:"routes"`
}

// Failed reports whether any route ended in a non-ok status.
func (r *CycleResult) Failed() bool {
	for _, route := range r.Routes {
		if route.Status != StatusOK {
			return true
		}
	}
	return false
}
