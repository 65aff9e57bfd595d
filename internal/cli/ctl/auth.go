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
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	mailmirrorcli "github.com/foxcpp/mailmirror/internal/cli"
	"github.com/foxcpp/mailmirror/internal/oauth"
	"github.com/foxcpp/mailmirror/internal/secrets"
)

func init() {
	mailmirrorcli.AddSubcommand(
		&cli.Command{
			Name:  "auth",
			Usage: "Obtain OAuth refresh tokens interactively",
			Description: `These subcommands run the one-time browser consent flow for a mailbox
account and print the resulting refresh token. The token can optionally
be written to an AWS Secrets Manager secret or an SSM SecureString
parameter, both holding a JSON object keyed by environment variable
name.
`,
			Subcommands: []*cli.Command{
				{
					Name:  "gmail",
					Usage: "Authorize a Gmail source account",
					Flags: append([]cli.Flag{
						&cli.StringFlag{
							Name:     "client-id",
							Usage:    "OAuth client ID",
							EnvVars:  []string{"GMAIL_CLIENT_ID"},
							Required: true,
						},
						&cli.StringFlag{
							Name:    "client-secret",
							Usage:   "OAuth client secret",
							EnvVars: []string{"GMAIL_CLIENT_SECRET"},
						},
					}, writebackFlags()...),
					Action: func(c *cli.Context) error {
						cfg := oauth.GmailConsent(c.String("client-id"), c.String("client-secret"))
						return authorize(c, cfg, "GMAIL_REFRESH_TOKEN")
					},
				},
				{
					Name:  "microsoft",
					Usage: "Authorize the Outlook destination account",
					Flags: append([]cli.Flag{
						&cli.StringFlag{
							Name:     "client-id",
							Usage:    "OAuth client ID",
							EnvVars:  []string{"MS_CLIENT_ID"},
							Required: true,
						},
						&cli.StringFlag{
							Name:    "client-secret",
							Usage:   "OAuth client secret (empty for public clients)",
							EnvVars: []string{"MS_CLIENT_SECRET"},
						},
						&cli.StringFlag{
							Name:    "tenant",
							Usage:   "Azure AD tenant",
							EnvVars: []string{"MS_TENANT"},
							Value:   "common",
						},
					}, writebackFlags()...),
					Action: func(c *cli.Context) error {
						cfg := oauth.MicrosoftConsent(c.String("tenant"),
							c.String("client-id"), c.String("client-secret"))
						return authorize(c, cfg, "MS_REFRESH_TOKEN")
					},
				},
			},
		})
}

func writebackFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "write-secret-id",
			Usage: "Secrets Manager secret to store the refresh token in",
		},
		&cli.StringFlag{
			Name:  "write-parameter-name",
			Usage: "SSM SecureString parameter to store the refresh token in",
		},
		&cli.StringFlag{
			Name:  "write-key",
			Usage: "JSON key to store the token under (defaults per provider)",
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "AWS region for token writeback",
			EnvVars: []string{"AWS_REGION"},
		},
	}
}

func authorize(c *cli.Context, cfg oauth.InteractiveConfig, defaultKey string) error {
	ctx := context.Background()
	token, err := cfg.Interactive(ctx)
	if err != nil {
		return err
	}

	if err := printToken(token); err != nil {
		return err
	}

	key := c.String("write-key")
	if key == "" {
		key = defaultKey
	}
	region := c.String("region")

	if secretID := c.String("write-secret-id"); secretID != "" {
		api, err := secrets.NewSecretsClient(ctx, region)
		if err != nil {
			return err
		}
		if err := secrets.WriteSecretKey(ctx, api, secretID, key, token.RefreshToken); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Stored %s in secret %s\n", key, secretID)
	}
	if paramName := c.String("write-parameter-name"); paramName != "" {
		api, err := secrets.NewSSMClient(ctx, region)
		if err != nil {
			return err
		}
		if err := secrets.WriteParameterKey(ctx, api, paramName, key, token.RefreshToken); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Stored %s in parameter %s\n", key, paramName)
	}
	return nil
}

func printToken(token *oauth2.Token) error {
	out := struct {
		RefreshToken string `json:"refresh_token"`
		AccessToken  string `json:"access_token"`
		Expiry       int64  `json:"expires_at_epoch"`
	}{
		RefreshToken: token.RefreshToken,
		AccessToken:  token.AccessToken,
		Expiry:       token.Expiry.Unix(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
