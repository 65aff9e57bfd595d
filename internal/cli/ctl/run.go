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

package ctl

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/foxcpp/mailmirror/framework/log"
	mailmirrorcli "github.com/foxcpp/mailmirror/internal/cli"
	"github.com/foxcpp/mailmirror/internal/config"
	"github.com/foxcpp/mailmirror/internal/secrets"
	"github.com/foxcpp/mailmirror/internal/state"
	"github.com/foxcpp/mailmirror/internal/sync"
)

// Exit codes. Route-level failures do not affect the code, they are
// reported in the JSON result instead.
const (
	exitConfigError      = 2
	exitStoreUnavailable = 3
)

func init() {
	mailmirrorcli.AddSubcommand(
		&cli.Command{
			Name:  "run",
			Usage: "Execute sync cycles",
			Description: `Runs one sync cycle over all configured routes and prints the cycle
result as JSON to stdout. With --loop, keeps running a cycle every
SYNC_INTERVAL_SECONDS until interrupted.

All configuration is read from the environment, optionally overlaid
with AWS Secrets Manager secrets (AWS_SECRETS_MANAGER_SECRET_IDS).
`,
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "loop",
					Usage: "run continuously instead of a single cycle",
				},
				&cli.BoolFlag{
					Name:    "dry-run",
					Usage:   "plan copies without mutating anything",
					EnvVars: []string{"DRY_RUN"},
				},
			},
			Action: runSync,
		})
}

func runSync(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	if c.Bool("dry-run") {
		cfg.DryRun = true
	}

	logger := log.DefaultLogger
	logger.Debug = logger.Debug || strings.EqualFold(cfg.LogLevel, "debug")

	store, err := state.NewDynamoStore(ctx, cfg.AWSRegion, cfg.DynamoDBTable, cfg.PendingClaimTTL)
	if err != nil {
		return cli.Exit(err.Error(), exitStoreUnavailable)
	}

	eng := sync.New(cfg, store, logger)

	if !c.Bool("loop") {
		return runOneCycle(ctx, eng)
	}

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()
	for {
		if err := runOneCycle(ctx, eng); err != nil {
			// Keep the loop alive through transient store outages; the
			// next tick probes again.
			logger.Error("cycle failed", err)
		}
		select {
		case <-ctx.Done():
			logger.Msg("shutdown_requested")
			return nil
		case <-ticker.C:
		}
	}
}

func runOneCycle(ctx context.Context, eng *sync.Engine) error {
	result, err := eng.RunCycle(ctx)
	if err != nil {
		var unavailable *state.UnavailableError
		if errors.As(err, &unavailable) {
			return cli.Exit(err.Error(), exitStoreUnavailable)
		}
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func loadConfig(ctx context.Context) (*config.Config, error) {
	env := config.Environ()
	var smClient secrets.SecretsAPI
	if strings.TrimSpace(env[secrets.EnvSecretIDs]) != "" {
		var err error
		smClient, err = secrets.NewSecretsClient(ctx, env["AWS_REGION"])
		if err != nil {
			return nil, err
		}
	}
	env, err := secrets.ResolveEnviron(ctx, env, smClient)
	if err != nil {
		return nil, err
	}
	return config.Load(env)
}
