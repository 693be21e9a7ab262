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

// Command apuntador runs the device identity control plane: the device
// certificate authority, the mTLS validation gateway and the OAuth broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"

	"github.com/impalah/apuntador-backend"
	"github.com/impalah/apuntador-backend/lib/attest"
	"github.com/impalah/apuntador-backend/lib/ca"
	"github.com/impalah/apuntador-backend/lib/config"
	"github.com/impalah/apuntador-backend/lib/defaults"
	"github.com/impalah/apuntador-backend/lib/enroll"
	"github.com/impalah/apuntador-backend/lib/mtls"
	"github.com/impalah/apuntador-backend/lib/oauth"
	"github.com/impalah/apuntador-backend/lib/storage/backends"
	logutils "github.com/impalah/apuntador-backend/lib/utils/log"
	"github.com/impalah/apuntador-backend/lib/web"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := logutils.Initialize(cfg.LogLevel, cfg.LogFormat); err != nil {
		return trace.Wrap(err)
	}
	log := logutils.NewPackageLogger(apuntador.ComponentKey, apuntador.Component("main"))
	log.InfoContext(ctx, "Starting apuntador.",
		"version", cfg.ProjectVersion,
		"provider", cfg.InfrastructureProvider)

	stores, err := backends.New(ctx, backends.Config{
		Provider:      cfg.InfrastructureProvider,
		BaseDir:       cfg.InfrastructureBaseDir,
		Region:        cfg.CloudRegion,
		TableName:     cfg.CloudTableName,
		BucketName:    cfg.CloudBucketName,
		SecretsPrefix: cfg.CloudSecretsPrefix,
		AutoCreate:    cfg.AutoCreateResources,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	// A local deployment provisions its own CA on first start. Cloud
	// deployments expect the key material to be provisioned out of band.
	if cfg.InfrastructureProvider == apuntador.StorageProviderLocal {
		if _, err := stores.Secrets.Get(ctx, apuntador.SecretCAPrivateKey); trace.IsNotFound(err) {
			log.InfoContext(ctx, "No CA key material found, provisioning a new CA.")
			if err := ca.GenerateCA(ctx, stores.Secrets, "Apuntador Device CA"); err != nil {
				return trace.Wrap(err)
			}
		} else if err != nil {
			return trace.Wrap(err)
		}
	}

	authority, err := ca.New(ca.Config{
		Secrets:      stores.Secrets,
		Certificates: stores.Certificates,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	codec, err := oauth.NewStateCodec(oauth.StateCodecConfig{
		Secret: []byte(cfg.SecretKey),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	broker, err := oauth.NewBroker(oauth.BrokerConfig{
		Registry: oauth.NewRegistry(map[string]oauth.Credentials{
			oauth.ProviderGoogleDrive: {
				ClientID:     cfg.GoogleClientID,
				ClientSecret: cfg.GoogleClientSecret,
				RedirectURI:  cfg.GoogleRedirectURI,
			},
			oauth.ProviderDropbox: {
				ClientID:     cfg.DropboxClientID,
				ClientSecret: cfg.DropboxClientSecret,
				RedirectURI:  cfg.DropboxRedirectURI,
			},
			oauth.ProviderOneDrive: {
				ClientID:     cfg.OneDriveClientID,
				ClientSecret: cfg.OneDriveClientSecret,
				RedirectURI:  cfg.OneDriveRedirectURI,
			},
		}),
		StateCodec: codec,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	attestor, err := attest.NewService(attest.Config{
		Blobs: stores.Blobs,
		Apple: attest.AppleCredentials{
			TeamID:        cfg.AppleTeamID,
			KeyID:         cfg.AppleKeyID,
			PrivateKeyPEM: cfg.ApplePrivateKey,
		},
		CacheTTL: cfg.AttestationCacheTTL,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	coordinator, err := enroll.NewCoordinator(enroll.Config{
		Authority:    authority,
		Certificates: stores.Certificates,
		Attestor:     attestor,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	gateway, err := mtls.NewMiddleware(mtls.Config{
		Certificates: stores.Certificates,
		Authority:    authority,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	handler, _, err := web.NewHandler(web.Config{
		AppConfig:   cfg,
		Authority:   authority,
		Coordinator: coordinator,
		Broker:      broker,
		Attestor:    attestor,
		MTLS:        gateway,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%v:%v", cfg.Host, cfg.Port),
		Handler: handler,
	}
	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "Listening.", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	log.InfoContext(ctx, "Shutting down.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.HTTPShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return trace.Wrap(err)
	}
	return nil
}
