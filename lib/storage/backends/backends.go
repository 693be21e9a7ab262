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

// Package backends is the factory selecting a concrete repository family
// from configuration: filesystem repositories for development and
// single-node deployments, AWS managed services for cloud deployments.
package backends

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/impalah/apuntador-backend"
	"github.com/impalah/apuntador-backend/lib/storage"
	awsstore "github.com/impalah/apuntador-backend/lib/storage/aws"
	"github.com/impalah/apuntador-backend/lib/storage/local"
)

// Config selects and parameterizes a repository family.
type Config struct {
	// Provider is the implementation family, "local" or "cloud".
	Provider string
	// BaseDir is the state directory for the local family.
	BaseDir string
	// Region is the AWS region for the cloud family.
	Region string
	// TableName is the DynamoDB certificate table.
	TableName string
	// BucketName is the S3 blob bucket.
	BucketName string
	// SecretsPrefix namespaces Secrets Manager entries.
	SecretsPrefix string
	// AutoCreate provisions missing cloud resources on first use.
	AutoCreate bool
	// Clock overrides time for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	switch c.Provider {
	case apuntador.StorageProviderLocal:
		if c.BaseDir == "" {
			return trace.BadParameter("missing parameter BaseDir for local storage")
		}
	case apuntador.StorageProviderCloud:
		if c.TableName == "" {
			return trace.BadParameter("missing parameter TableName for cloud storage")
		}
		if c.BucketName == "" {
			return trace.BadParameter("missing parameter BucketName for cloud storage")
		}
	default:
		return trace.BadParameter("unknown storage provider %q, expected %q or %q",
			c.Provider, apuntador.StorageProviderLocal, apuntador.StorageProviderCloud)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// New builds the repository bundle for the configured family. Cloud
// resource provisioning failures surface as PROVISIONING_FAILED at the API
// boundary.
func New(ctx context.Context, cfg Config) (*storage.Stores, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	switch cfg.Provider {
	case apuntador.StorageProviderLocal:
		return newLocal(cfg)
	case apuntador.StorageProviderCloud:
		return newCloud(ctx, cfg)
	}
	return nil, trace.BadParameter("unknown storage provider %q", cfg.Provider)
}

func newLocal(cfg Config) (*storage.Stores, error) {
	localCfg := local.Config{Dir: cfg.BaseDir, Clock: cfg.Clock}
	certs, err := local.NewCertificateStore(localCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	secrets, err := local.NewSecretStore(localCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	blobs, err := local.NewBlobStore(localCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &storage.Stores{
		Certificates: certs,
		Secrets:      secrets,
		Blobs:        blobs,
	}, nil
}

func newCloud(ctx context.Context, cfg Config) (*storage.Stores, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, trace.Wrap(err, "loading AWS configuration")
	}

	certs, err := awsstore.NewCertificateStore(ctx, awsstore.CertificateStoreConfig{
		TableName:  cfg.TableName,
		AutoCreate: cfg.AutoCreate,
		Client:     dynamodb.NewFromConfig(awsCfg),
		Clock:      cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	secrets, err := awsstore.NewSecretStore(awsstore.SecretStoreConfig{
		Prefix: cfg.SecretsPrefix,
		Client: secretsmanager.NewFromConfig(awsCfg),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s3Client := s3.NewFromConfig(awsCfg)
	blobs, err := awsstore.NewBlobStore(ctx, awsstore.BlobStoreConfig{
		Bucket:     cfg.BucketName,
		Region:     cfg.Region,
		AutoCreate: cfg.AutoCreate,
		Versioning: true,
		Client:     s3Client,
		Presigner:  s3.NewPresignClient(s3Client),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &storage.Stores{
		Certificates: certs,
		Secrets:      secrets,
		Blobs:        blobs,
	}, nil
}
