/*
Copyright 2025 Impalah

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package aws

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	secretstypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/gravitational/trace"
)

// SecretsClient is the subset of the Secrets Manager API the secret store
// uses. Tests substitute a fake.
type SecretsClient interface {
	CreateSecret(ctx context.Context, in *secretsmanager.CreateSecretInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	DeleteSecret(ctx context.Context, in *secretsmanager.DeleteSecretInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
	ListSecrets(ctx context.Context, in *secretsmanager.ListSecretsInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// SecretStoreConfig holds parameters for the Secrets Manager secret store.
type SecretStoreConfig struct {
	// Prefix namespaces every secret name, e.g. "apuntador/".
	Prefix string
	// Client is the Secrets Manager API client.
	Client SecretsClient
}

// CheckAndSetDefaults validates the config.
func (c *SecretStoreConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	return nil
}

// NewSecretStore creates the Secrets Manager secret store.
func NewSecretStore(cfg SecretStoreConfig) (*SecretStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &SecretStore{cfg: cfg}, nil
}

// SecretStore keeps secrets in AWS Secrets Manager, versioned and
// encrypted by the service.
type SecretStore struct {
	cfg SecretStoreConfig
}

func (s *SecretStore) name(key string) string {
	return s.cfg.Prefix + key
}

// Get returns the secret value, or a NotFound error.
func (s *SecretStore) Get(ctx context.Context, key string) (string, error) {
	out, err := s.cfg.Client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.name(key)),
	})
	if err != nil {
		return "", trace.Wrap(convertSecretsError(err, key))
	}
	return aws.ToString(out.SecretString), nil
}

// Put creates the secret or adds a new version to an existing one.
func (s *SecretStore) Put(ctx context.Context, key, value string) error {
	_, err := s.cfg.Client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(s.name(key)),
		SecretString: aws.String(value),
	})
	if err == nil {
		return nil
	}
	var exists *secretstypes.ResourceExistsException
	if !errors.As(err, &exists) {
		return trace.Wrap(convertSecretsError(err, key))
	}
	_, err = s.cfg.Client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(s.name(key)),
		SecretString: aws.String(value),
	})
	if err != nil {
		return trace.Wrap(convertSecretsError(err, key))
	}
	return nil
}

// Delete removes the secret without a recovery window. The CA key is only
// deleted during decommission or forced rotation, both of which re-enroll
// every device anyway.
func (s *SecretStore) Delete(ctx context.Context, key string) error {
	_, err := s.cfg.Client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(s.name(key)),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil {
		return trace.Wrap(convertSecretsError(err, key))
	}
	return nil
}

// List returns the known secret keys under the configured prefix.
func (s *SecretStore) List(ctx context.Context) ([]string, error) {
	var keys []string
	var nextToken *string
	for {
		out, err := s.cfg.Client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{
			Filters: []secretstypes.Filter{{
				Key:    secretstypes.FilterNameStringTypeName,
				Values: []string{s.cfg.Prefix},
			}},
			NextToken: nextToken,
		})
		if err != nil {
			return nil, trace.Wrap(convertSecretsError(err, ""))
		}
		for _, entry := range out.SecretList {
			keys = append(keys, strings.TrimPrefix(aws.ToString(entry.Name), s.cfg.Prefix))
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	return keys, nil
}

// convertSecretsError translates Secrets Manager API errors into trace
// types.
func convertSecretsError(err error, key string) error {
	var notFound *secretstypes.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return trace.NotFound("secret %q is not provisioned", key)
	}
	var invalid *secretstypes.InvalidRequestException
	if errors.As(err, &invalid) {
		return trace.BadParameter("%s", aws.ToString(invalid.Message))
	}
	return err
}
