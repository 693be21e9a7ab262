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

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecretKey = "0123456789abcdef0123456789abcdef"

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("SECRET_KEY", testSecretKey)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "1.0.0", cfg.ProjectVersion)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "local", cfg.InfrastructureProvider)
	assert.Equal(t, "./data", cfg.InfrastructureBaseDir)
	assert.Equal(t, time.Hour, cfg.AttestationCacheTTL)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Contains(t, cfg.CORSAllowedMethods, "OPTIONS")
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("SECRET_KEY", testSecretKey)
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9443")
	t.Setenv("DEBUG", "true")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com,")
	t.Setenv("ATTESTATION_CACHE_TTL_SECONDS", "120")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9443, cfg.Port)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 2*time.Minute, cfg.AttestationCacheTTL)
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("SECRET_KEY", testSecretKey)

	t.Setenv("PORT", "not-a-port")
	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.True(t, trace.IsBadParameter(err))

	t.Setenv("PORT", "70000")
	_, err = LoadFromEnv()
	require.Error(t, err)
	assert.True(t, trace.IsBadParameter(err))

	t.Setenv("PORT", "8000")
	t.Setenv("DEBUG", "maybe")
	_, err = LoadFromEnv()
	require.Error(t, err)
	assert.True(t, trace.IsBadParameter(err))
}

func TestSecretKeyLength(t *testing.T) {
	t.Setenv("SECRET_KEY", "too-short")
	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.True(t, trace.IsBadParameter(err))
	assert.Contains(t, err.Error(), "SECRET_KEY")
}

func TestInfrastructureProvider(t *testing.T) {
	t.Setenv("SECRET_KEY", testSecretKey)

	t.Setenv("INFRASTRUCTURE_PROVIDER", "azure")
	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.True(t, trace.IsBadParameter(err))

	// Cloud requires the table and bucket names.
	t.Setenv("INFRASTRUCTURE_PROVIDER", "cloud")
	_, err = LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLOUD_TABLE_NAME")

	t.Setenv("CLOUD_TABLE_NAME", "apuntador-certificates")
	_, err = LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLOUD_BUCKET_NAME")

	t.Setenv("CLOUD_BUCKET_NAME", "apuntador-blobs")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "cloud", cfg.InfrastructureProvider)
}

func TestEnabledProviders(t *testing.T) {
	cfg := Config{SecretKey: strings.Repeat("k", 32)}
	require.NoError(t, cfg.CheckAndSetDefaults())
	assert.Empty(t, cfg.EnabledProviders())

	cfg.GoogleClientID = "google-id"
	cfg.OneDriveClientID = "onedrive-id"
	assert.Equal(t, []string{"googledrive", "onedrive"}, cfg.EnabledProviders())

	cfg.DropboxClientID = "dropbox-id"
	assert.Equal(t, []string{"googledrive", "dropbox", "onedrive"}, cfg.EnabledProviders())
}
