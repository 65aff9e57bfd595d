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

// Package secrets overlays AWS Secrets Manager payloads onto the
// process environment and persists refreshed OAuth credentials back to
// Secrets Manager or SSM Parameter Store.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// EnvSecretIDs names the variable holding a comma-separated list of
// Secrets Manager secret IDs or ARNs to overlay.
const EnvSecretIDs = "AWS_SECRETS_MANAGER_SECRET_IDS"

// SecretsAPI is the Secrets Manager surface used here.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
}

// SSMAPI is the Parameter Store surface used here.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, opts ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, opts ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// NewSecretsClient builds the production Secrets Manager client.
func NewSecretsClient(ctx context.Context, region string) (SecretsAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("secrets: load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// NewSSMClient builds the production Parameter Store client.
func NewSSMClient(ctx context.Context, region string) (SSMAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("secrets: load AWS config: %w", err)
	}
	return ssm.NewFromConfig(cfg), nil
}

// ResolveEnviron merges Secrets Manager overlays into env.
//
// Each listed secret must hold a JSON object; its keys become
// environment values. Explicit environment variables always win over
// secret values so local overrides stay easy. With no secret IDs
// configured env is returned unchanged and api is never touched.
func ResolveEnviron(ctx context.Context, env map[string]string, api SecretsAPI) (map[string]string, error) {
	idsRaw := strings.TrimSpace(env[EnvSecretIDs])
	if idsRaw == "" {
		return env, nil
	}

	resolved := map[string]string{}
	for _, id := range strings.Split(idsRaw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		payload, err := loadSecretObject(ctx, api, id)
		if err != nil {
			return nil, err
		}
		for key, value := range payload {
			str, ok := stringifyValue(value)
			if !ok {
				continue
			}
			resolved[key] = str
		}
	}

	for key, value := range env {
		resolved[key] = value
	}
	return resolved, nil
}

func loadSecretObject(ctx context.Context, api SecretsAPI, secretID string) (map[string]interface{}, error) {
	out, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("secrets: load secret %s: %w", secretID, err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return nil, fmt.Errorf("secrets: secret %s has no SecretString; binary secrets are unsupported", secretID)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(*out.SecretString), &payload); err != nil {
		return nil, fmt.Errorf("secrets: secret %s must contain a JSON object: %w", secretID, err)
	}
	return payload, nil
}

func stringifyValue(value interface{}) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
}

// WriteSecretKey sets one key inside the JSON object stored in the
// secret, preserving the other keys. A failed read falls through to a
// plain write attempt so the final error comes from the write path.
func WriteSecretKey(ctx context.Context, api SecretsAPI, secretID, key, value string) error {
	current := map[string]interface{}{}
	out, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err == nil && out.SecretString != nil {
		if jsonErr := json.Unmarshal([]byte(*out.SecretString), &current); jsonErr != nil {
			return fmt.Errorf("secrets: secret %s holds non-object content, refusing to overwrite: %w", secretID, jsonErr)
		}
	}

	current[key] = value
	raw, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("secrets: encode secret %s: %w", secretID, err)
	}
	_, err = api.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(secretID),
		SecretString: aws.String(string(raw)),
	})
	if err != nil {
		return fmt.Errorf("secrets: write secret %s: %w", secretID, err)
	}
	return nil
}

// WriteParameterKey sets one key inside the JSON object stored in an
// SSM SecureString parameter, creating the parameter when missing.
func WriteParameterKey(ctx context.Context, api SSMAPI, parameterName, key, value string) error {
	current := map[string]interface{}{}
	out, err := api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(parameterName),
		WithDecryption: aws.Bool(true),
	})
	switch {
	case err == nil:
		if out.Parameter != nil && out.Parameter.Value != nil {
			if jsonErr := json.Unmarshal([]byte(*out.Parameter.Value), &current); jsonErr != nil {
				return fmt.Errorf("secrets: parameter %s holds non-object content, refusing to overwrite: %w", parameterName, jsonErr)
			}
		}
	case isParameterNotFound(err):
		// First write creates it.
	default:
		return fmt.Errorf("secrets: read parameter %s: %w", parameterName, err)
	}

	current[key] = value
	raw, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("secrets: encode parameter %s: %w", parameterName, err)
	}
	_, err = api.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(parameterName),
		Type:      ssmtypes.ParameterTypeSecureString,
		Value:     aws.String(string(raw)),
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("secrets: write parameter %s: %w", parameterName, err)
	}
	return nil
}

func isParameterNotFound(err error) bool {
	var notFound *ssmtypes.ParameterNotFound
	return errors.As(err, &notFound)
}
