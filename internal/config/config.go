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

// Package config builds the immutable runtime configuration from an
// environment snapshot.
//
// No package in this repository reads process environment directly, the
// snapshot is captured once at startup (after the secrets overlay is
// applied) and passed down through constructors.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default IMAP endpoints for the source (Gmail) and destination (Outlook)
// sides. Overridable via GMAIL_IMAP_HOST/PORT and OUTLOOK_IMAP_HOST/PORT
// for tests against local servers.
const (
	DefaultGmailIMAPHost   = "imap.gmail.com"
	DefaultOutlookIMAPHost = "outlook.office365.com"
	DefaultIMAPPort        = 993
)

// Error is returned for missing or ill-formed runtime configuration.
// The CLI maps it to exit code 2.
type Error struct {
	Reason string
}

func (e Error) Error() string {
	return "config: " + e.Reason
}

func errorf(format string, args ...interface{}) error {
	return Error{Reason: fmt.Sprintf(format, args...)}
}

// Route is a single Gmail source account replicated into one folder of the
// shared Outlook mailbox. Route values are immutable after Load.
type Route struct {
	GmailEmail        string `json:"gmail_email"`
	GmailClientID     string `json:"gmail_client_id"`
	GmailClientSecret string `json:"gmail_client_secret"`
	GmailRefreshToken string `json:"gmail_refresh_token"`
	OutlookEmail      string `json:"outlook_email"`
	OutlookFolder     string `json:"outlook_target_folder"`
	CreateFolder      bool   `json:"create_target_folder"`
}

// ID returns the stable route identity used in logs and as the state store
// partition key prefix.
func (r *Route) ID() string {
	return "gmail=" + r.GmailEmail + "|outlook=" + r.OutlookEmail + "|folder=" + r.OutlookFolder
}

type Config struct {
	AWSRegion     string
	DynamoDBTable string

	OutlookEmail   string
	MSClientID     string
	MSClientSecret string // optional for public clients
	MSTenant       string
	MSRefreshToken string

	Routes []Route

	SyncInterval    time.Duration
	ResyncWindow    time.Duration // lookback for UIDVALIDITY resync
	UIDRecordTTL    int           // days
	FailRecordTTL   int           // days
	PendingClaimTTL time.Duration // stale PENDING reclaim threshold

	IMAPTimeout   time.Duration
	IMAPRetries   int
	IMAPRetryBase time.Duration

	GmailIMAPHost   string
	GmailIMAPPort   int
	OutlookIMAPHost string
	OutlookIMAPPort int

	LogLevel string
	DryRun   bool
}

// Environ captures the process environment as a snapshot map.
func Environ() map[string]string {
	env := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	return env
}

// Load validates the environment snapshot and builds the Config.
//
// Route definitions are taken from SYNC_ROUTES_JSON (a JSON array of route
// objects), SYNC_ROUTES_FILE (path to the same), or, failing both, from the
// single-route GMAIL_* variables. Fields omitted from a route object fall
// back to the corresponding environment variable.
func Load(env map[string]string) (*Config, error) {
	outlookEmail, err := required(env, "OUTLOOK_EMAIL")
	if err != nil {
		return nil, err
	}

	routes, err := loadRoutes(env, outlookEmail)
	if err != nil {
		return nil, err
	}
	for i := range routes {
		if routes[i].OutlookEmail != outlookEmail {
			return nil, errorf("all routes must target one shared Outlook mailbox; expected %s, found %s",
				outlookEmail, routes[i].OutlookEmail)
		}
	}

	cfg := &Config{
		OutlookEmail: outlookEmail,
		Routes:       routes,
		MSTenant:     getDefault(env, "MS_TENANT", "consumers"),
		LogLevel:     getDefault(env, "LOG_LEVEL", "info"),
		DryRun:       parseBool(env["DRY_RUN"]),

		MSClientSecret: strings.TrimSpace(env["MS_CLIENT_SECRET"]),

		GmailIMAPHost:   getDefault(env, "GMAIL_IMAP_HOST", DefaultGmailIMAPHost),
		OutlookIMAPHost: getDefault(env, "OUTLOOK_IMAP_HOST", DefaultOutlookIMAPHost),
	}

	for _, req := range []struct {
		name string
		dst  *string
	}{
		{"AWS_REGION", &cfg.AWSRegion},
		{"DYNAMODB_TABLE", &cfg.DynamoDBTable},
		{"MS_CLIENT_ID", &cfg.MSClientID},
		{"MS_REFRESH_TOKEN", &cfg.MSRefreshToken},
	} {
		value, err := required(env, req.name)
		if err != nil {
			return nil, err
		}
		*req.dst = value
	}

	type intOpt struct {
		name string
		def  int
		min  int
		dst  *int
	}
	var (
		syncIntervalSecs int
		resyncHours      int
		pendingHours     int
		timeoutSecs      int
	)
	for _, opt := range []intOpt{
		{"SYNC_INTERVAL_SECONDS", 300, 1, &syncIntervalSecs},
		{"UIDVALIDITY_RESYNC_HOURS", 24, 1, &resyncHours},
		{"UID_RECORD_TTL_DAYS", 365, 1, &cfg.UIDRecordTTL},
		{"FAIL_RECORD_TTL_DAYS", 14, 1, &cfg.FailRecordTTL},
		{"PENDING_CLAIM_TTL_HOURS", 6, 1, &pendingHours},
		{"IMAP_TIMEOUT_SECONDS", 30, 1, &timeoutSecs},
		{"IMAP_MAX_RETRIES", 3, 1, &cfg.IMAPRetries},
		{"GMAIL_IMAP_PORT", DefaultIMAPPort, 1, &cfg.GmailIMAPPort},
		{"OUTLOOK_IMAP_PORT", DefaultIMAPPort, 1, &cfg.OutlookIMAPPort},
	} {
		value, err := intEnv(env, opt.name, opt.def)
		if err != nil {
			return nil, err
		}
		if value < opt.min {
			return nil, errorf("%s must be at least %d", opt.name, opt.min)
		}
		*opt.dst = value
	}
	cfg.SyncInterval = time.Duration(syncIntervalSecs) * time.Second
	cfg.ResyncWindow = time.Duration(resyncHours) * time.Hour
	cfg.PendingClaimTTL = time.Duration(pendingHours) * time.Hour
	cfg.IMAPTimeout = time.Duration(timeoutSecs) * time.Second

	retryBase, err := floatEnv(env, "IMAP_RETRY_BASE_SECONDS", 1.0)
	if err != nil {
		return nil, err
	}
	if retryBase <= 0 {
		return nil, errorf("IMAP_RETRY_BASE_SECONDS must be greater than zero")
	}
	cfg.IMAPRetryBase = time.Duration(retryBase * float64(time.Second))

	return cfg, nil
}

// DryRunEnabled reports the DRY_RUN flag from the snapshot without running
// full config validation. Used by the CLI before Load.
func DryRunEnabled(env map[string]string) bool {
	return parseBool(env["DRY_RUN"])
}

func loadRoutes(env map[string]string, defaultOutlook string) ([]Route, error) {
	var (
		objects []json.RawMessage
		source  string
	)
	switch {
	case strings.TrimSpace(env["SYNC_ROUTES_JSON"]) != "":
		source = "SYNC_ROUTES_JSON"
		if err := json.Unmarshal([]byte(env["SYNC_ROUTES_JSON"]), &objects); err != nil {
			return nil, errorf("invalid JSON in SYNC_ROUTES_JSON: %v", err)
		}
	case strings.TrimSpace(env["SYNC_ROUTES_FILE"]) != "":
		source = "SYNC_ROUTES_FILE"
		raw, err := os.ReadFile(strings.TrimSpace(env["SYNC_ROUTES_FILE"]))
		if err != nil {
			return nil, errorf("cannot read SYNC_ROUTES_FILE: %v", err)
		}
		if err := json.Unmarshal(raw, &objects); err != nil {
			return nil, errorf("invalid JSON in SYNC_ROUTES_FILE: %v", err)
		}
	default:
		// Single-route mode using flat variables.
		route, err := singleRoute(env, defaultOutlook)
		if err != nil {
			return nil, err
		}
		return []Route{route}, nil
	}

	if len(objects) == 0 {
		return nil, errorf("%s must contain at least one route", source)
	}

	routes := make([]Route, 0, len(objects))
	for i, obj := range objects {
		var route Route
		if err := json.Unmarshal(obj, &route); err != nil {
			return nil, errorf("%s: route %d is not a valid route object: %v", source, i, err)
		}
		if err := fillRoute(&route, env, defaultOutlook); err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, nil
}

func singleRoute(env map[string]string, defaultOutlook string) (Route, error) {
	route := Route{
		OutlookEmail: defaultOutlook,
		CreateFolder: parseBool(env["CREATE_TARGET_FOLDER"]),
	}
	return route, fillRoute(&route, env, defaultOutlook)
}

// fillRoute substitutes environment fallbacks for fields missing from the
// route object and verifies everything required ends up non-empty.
func fillRoute(route *Route, env map[string]string, defaultOutlook string) error {
	if route.OutlookEmail == "" {
		route.OutlookEmail = defaultOutlook
	}
	for _, field := range []struct {
		name string
		dst  *string
	}{
		{"GMAIL_EMAIL", &route.GmailEmail},
		{"GMAIL_CLIENT_ID", &route.GmailClientID},
		{"GMAIL_CLIENT_SECRET", &route.GmailClientSecret},
		{"GMAIL_REFRESH_TOKEN", &route.GmailRefreshToken},
		{"OUTLOOK_TARGET_FOLDER", &route.OutlookFolder},
	} {
		*field.dst = strings.TrimSpace(*field.dst)
		if *field.dst == "" {
			value, err := required(env, field.name)
			if err != nil {
				return err
			}
			*field.dst = value
		}
	}
	return nil
}

func required(env map[string]string, name string) (string, error) {
	value := strings.TrimSpace(env[name])
	if value == "" {
		return "", errorf("missing required environment variable: %s", name)
	}
	return value, nil
}

func getDefault(env map[string]string, name, def string) string {
	if value := strings.TrimSpace(env[name]); value != "" {
		return value
	}
	return def
}

func intEnv(env map[string]string, name string, def int) (int, error) {
	raw := strings.TrimSpace(env[name])
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errorf("%s must be an integer", name)
	}
	return value, nil
}

func floatEnv(env map[string]string, name string, def float64) (float64, error) {
	raw := strings.TrimSpace(env[name])
	if raw == "" {
		return def, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errorf("%s must be a number", name)
	}
	return value, nil
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
