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

// Package config loads the server configuration from environment
// variables. Every recognized key has an uppercase environment variable of
// the same name, e.g. GOOGLE_CLIENT_ID.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/impalah/apuntador-backend"
	"github.com/impalah/apuntador-backend/lib/defaults"
)

// Config is the full server configuration.
type Config struct {
	ProjectVersion string

	Host       string
	Port       int
	Debug      bool
	EnableDocs bool

	// SecretKey signs OAuth state tokens and doubles as the API key for
	// the configuration endpoints.
	SecretKey string

	LogLevel  string
	LogFormat string

	AllowedOrigins     []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string

	// InfrastructureProvider selects the storage family, local or cloud.
	InfrastructureProvider string
	InfrastructureBaseDir  string
	CloudRegion            string
	CloudTableName         string
	CloudBucketName        string
	CloudSecretsPrefix     string
	AutoCreateResources    bool

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string

	DropboxClientID     string
	DropboxClientSecret string
	DropboxRedirectURI  string

	OneDriveClientID     string
	OneDriveClientSecret string
	OneDriveRedirectURI  string

	AppleTeamID     string
	AppleKeyID      string
	ApplePrivateKey string
	GoogleAPIKey    string

	AttestationCacheTTL time.Duration
}

// LoadFromEnv reads the configuration from the process environment.
// Unset keys keep their zero value and are filled by CheckAndSetDefaults.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ProjectVersion: os.Getenv("PROJECT_VERSION"),
		Host:           os.Getenv("HOST"),
		SecretKey:      os.Getenv("SECRET_KEY"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		LogFormat:      os.Getenv("LOG_FORMAT"),

		InfrastructureProvider: os.Getenv("INFRASTRUCTURE_PROVIDER"),
		InfrastructureBaseDir:  os.Getenv("INFRASTRUCTURE_BASE_DIR"),
		CloudRegion:            os.Getenv("CLOUD_REGION"),
		CloudTableName:         os.Getenv("CLOUD_TABLE_NAME"),
		CloudBucketName:        os.Getenv("CLOUD_BUCKET_NAME"),
		CloudSecretsPrefix:     os.Getenv("CLOUD_SECRETS_PREFIX"),

		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURI:  os.Getenv("GOOGLE_REDIRECT_URI"),

		DropboxClientID:     os.Getenv("DROPBOX_CLIENT_ID"),
		DropboxClientSecret: os.Getenv("DROPBOX_CLIENT_SECRET"),
		DropboxRedirectURI:  os.Getenv("DROPBOX_REDIRECT_URI"),

		OneDriveClientID:     os.Getenv("ONEDRIVE_CLIENT_ID"),
		OneDriveClientSecret: os.Getenv("ONEDRIVE_CLIENT_SECRET"),
		OneDriveRedirectURI:  os.Getenv("ONEDRIVE_REDIRECT_URI"),

		AppleTeamID:     os.Getenv("APPLE_TEAM_ID"),
		AppleKeyID:      os.Getenv("APPLE_KEY_ID"),
		ApplePrivateKey: os.Getenv("APPLE_PRIVATE_KEY"),
		GoogleAPIKey:    os.Getenv("GOOGLE_API_KEY"),
	}

	var err error
	if cfg.Port, err = envInt("PORT", 0); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.Debug, err = envBool("DEBUG", false); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.EnableDocs, err = envBool("ENABLE_DOCS", false); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.AutoCreateResources, err = envBool("AUTO_CREATE_RESOURCES", false); err != nil {
		return nil, trace.Wrap(err)
	}
	ttlSeconds, err := envInt("ATTESTATION_CACHE_TTL_SECONDS", 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.AttestationCacheTTL = time.Duration(ttlSeconds) * time.Second

	cfg.AllowedOrigins = envList("ALLOWED_ORIGINS")
	cfg.CORSAllowedMethods = envList("CORS_ALLOWED_METHODS")
	cfg.CORSAllowedHeaders = envList("CORS_ALLOWED_HEADERS")

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the configuration and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ProjectVersion == "" {
		c.ProjectVersion = "1.0.0"
	}
	if c.Host == "" {
		c.Host = defaults.HTTPListenHost
	}
	if c.Port == 0 {
		c.Port = defaults.HTTPListenPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return trace.BadParameter("invalid port %v", c.Port)
	}
	if len(c.SecretKey) < defaults.SignedStateMinSecretLen {
		return trace.BadParameter("SECRET_KEY must be at least %d characters",
			defaults.SignedStateMinSecretLen)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	switch c.InfrastructureProvider {
	case "":
		c.InfrastructureProvider = apuntador.StorageProviderLocal
	case apuntador.StorageProviderLocal, apuntador.StorageProviderCloud:
	default:
		return trace.BadParameter("unknown infrastructure provider %q, expected %q or %q",
			c.InfrastructureProvider, apuntador.StorageProviderLocal, apuntador.StorageProviderCloud)
	}
	if c.InfrastructureBaseDir == "" {
		c.InfrastructureBaseDir = "./data"
	}
	if c.InfrastructureProvider == apuntador.StorageProviderCloud {
		if c.CloudTableName == "" {
			return trace.BadParameter("cloud provider requires CLOUD_TABLE_NAME")
		}
		if c.CloudBucketName == "" {
			return trace.BadParameter("cloud provider requires CLOUD_BUCKET_NAME")
		}
	}
	if c.AttestationCacheTTL <= 0 {
		c.AttestationCacheTTL = defaults.AttestationCacheTTL
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if len(c.CORSAllowedMethods) == 0 {
		c.CORSAllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if len(c.CORSAllowedHeaders) == 0 {
		c.CORSAllowedHeaders = []string{"*"}
	}
	return nil
}

// EnabledProviders returns the names of OAuth providers that have a client
// id configured.
func (c *Config) EnabledProviders() []string {
	var names []string
	if c.GoogleClientID != "" {
		names = append(names, "googledrive")
	}
	if c.DropboxClientID != "" {
		names = append(names, "dropbox")
	}
	if c.OneDriveClientID != "" {
		names = append(names, "onedrive")
	}
	return names
}

func envInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, trace.BadParameter("%v must be an integer, got %q", key, value)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, trace.BadParameter("%v must be a boolean, got %q", key, value)
	}
	return b, nil
}

func envList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
