// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mealmate/frontend/gateway"
	"github.com/mealmate/frontend/relay"
	"github.com/mealmate/frontend/session"
	"github.com/mealmate/frontend/validator"
)

const (
	relayCloudinary = "cloudinary"
	relayBucket     = "bucket"
	relayNone       = "none"

	storeMemory   = "memory"
	storePostgres = "postgres"
	storeSQLite   = "sqlite"
)

type config struct {
	port       string
	listenAddr string
	baseURL    string
	production bool

	backendURL     string
	backendTimeout time.Duration
	maxUploadBytes int64

	relayProvider        string
	cloudinary           relay.CloudinaryConfig
	cloudinarySecretName string
	bucket               relay.BucketConfig

	storeKind     string
	databaseURL   string
	alloyDBURI    string
	sqlitePath    string
	sessionTTL    time.Duration
	sweepInterval time.Duration

	enableTracing  bool
	enableProfiler bool
	collectorAddr  string
}

// loadConfig reads the environment. BACKEND_URL is required; everything
// else has a default.
func loadConfig() (config, error) {
	cfg := config{
		port:       getEnv("PORT", port),
		listenAddr: os.Getenv("LISTEN_ADDR"),
		baseURL:    strings.TrimRight(os.Getenv("BASE_URL"), "/"),
		production: os.Getenv("APP_ENV") == "production",

		relayProvider: strings.ToLower(getEnv("RELAY_PROVIDER", relayCloudinary)),
		cloudinary: relay.CloudinaryConfig{
			CloudName:    os.Getenv("CLOUDINARY_CLOUD_NAME"),
			UploadPreset: getEnv("CLOUDINARY_UPLOAD_PRESET", relay.DefaultUploadPreset),
			Folder:       getEnv("CLOUDINARY_FOLDER", relay.DefaultFolder),
			APIKey:       os.Getenv("CLOUDINARY_API_KEY"),
			APISecret:    os.Getenv("CLOUDINARY_API_SECRET"),
			BaseURL:      os.Getenv("CLOUDINARY_API_BASE_URL"),
		},
		cloudinarySecretName: os.Getenv("CLOUDINARY_API_SECRET_NAME"),
		bucket: relay.BucketConfig{
			Endpoint:      os.Getenv("R2_ENDPOINT"),
			AccessKey:     os.Getenv("R2_ACCESS_KEY"),
			SecretKey:     os.Getenv("R2_SECRET_KEY"),
			Bucket:        os.Getenv("R2_BUCKET_NAME"),
			PublicBaseURL: os.Getenv("R2_PUBLIC_BASE_URL"),
			Prefix:        getEnv("R2_PREFIX", relay.DefaultFolder),
		},

		storeKind:   strings.ToLower(getEnv("SESSION_STORE", storeMemory)),
		databaseURL: os.Getenv("DATABASE_URL"),
		alloyDBURI:  os.Getenv("ALLOYDB_INSTANCE_URI"),
		sqlitePath:  getEnv("SQLITE_PATH", "mealmate-sessions.db"),

		enableTracing:  os.Getenv("ENABLE_TRACING") == "1",
		enableProfiler: os.Getenv("ENABLE_PROFILER") == "1",
		collectorAddr:  os.Getenv("COLLECTOR_SERVICE_ADDR"),
	}
	mustMapEnv(&cfg.backendURL, "BACKEND_URL")
	cfg.backendURL = strings.TrimRight(cfg.backendURL, "/")

	var err error
	if cfg.backendTimeout, err = getEnvDuration("BACKEND_TIMEOUT", gateway.DefaultTimeout); err != nil {
		return cfg, err
	}
	if cfg.sessionTTL, err = getEnvDuration("SESSION_TTL", session.DefaultTTL); err != nil {
		return cfg, err
	}
	if cfg.sweepInterval, err = getEnvDuration("SESSION_SWEEP_INTERVAL", session.DefaultSweepInterval); err != nil {
		return cfg, err
	}
	if cfg.maxUploadBytes, err = getEnvInt64("MAX_UPLOAD_BYTES", validator.DefaultMaxUploadBytes); err != nil {
		return cfg, err
	}

	switch cfg.relayProvider {
	case relayCloudinary, relayBucket, relayNone:
	default:
		return cfg, errors.Errorf("RELAY_PROVIDER must be one of %s, %s or %s, got %q", relayCloudinary, relayBucket, relayNone, cfg.relayProvider)
	}
	switch cfg.storeKind {
	case storeMemory, storeSQLite:
	case storePostgres:
		if cfg.databaseURL == "" {
			return cfg, errors.New("SESSION_STORE=postgres requires DATABASE_URL")
		}
	default:
		return cfg, errors.Errorf("SESSION_STORE must be one of %s, %s or %s, got %q", storeMemory, storePostgres, storeSQLite, cfg.storeKind)
	}
	if cfg.enableTracing && cfg.collectorAddr == "" {
		return cfg, errors.New("ENABLE_TRACING=1 requires COLLECTOR_SERVICE_ADDR")
	}
	return cfg, nil
}

func mustMapEnv(target *string, envKey string) {
	v := os.Getenv(envKey)
	if v == "" {
		panic(fmt.Sprintf("environment variable %q not set", envKey))
	}
	*target = v
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	if d <= 0 {
		return 0, errors.Errorf("%s must be positive, got %s", key, value)
	}
	return d, nil
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	if n <= 0 {
		return 0, errors.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}
