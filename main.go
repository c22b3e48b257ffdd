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
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/profiler"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mealmate/frontend/display"
	"github.com/mealmate/frontend/gateway"
	"github.com/mealmate/frontend/relay"
	"github.com/mealmate/frontend/session"
)

const (
	port    = "8080"
	version = "1.0.0"

	cookieSessionID = "mealmate_session"
)

type frontendServer struct {
	cfg config

	gateway *gateway.Gateway
	store   session.Store
	display *display.Materializer

	relayProvider string
	platform      platformDetails

	collectorConn *grpc.ClientConn
}

func main() {
	ctx := context.Background()
	log := logrus.New()
	log.Level = logrus.DebugLevel
	log.Formatter = &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "severity",
			logrus.FieldKeyMsg:   "message",
		},
		TimestampFormat: time.RFC3339Nano,
	}
	log.Out = os.Stdout

	if os.Getenv("APP_ENV") != "production" {
		if err := godotenv.Load(); err == nil {
			log.Info("loaded environment from .env")
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	svc := &frontendServer{cfg: cfg}

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}))

	if cfg.enableTracing {
		log.Info("Tracing enabled.")
		if _, err := initTracing(log, ctx, svc); err != nil {
			log.WithError(err).Warn("tracing not fully initialized")
		}
	} else {
		log.Info("Tracing disabled.")
	}

	if cfg.enableProfiler {
		log.Info("Profiling enabled.")
		go initProfiling(log, "mealmate-frontend", version)
	} else {
		log.Info("Profiling disabled.")
	}

	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	if err := resolveCloudinarySecret(ctx, &svc.cfg, accessSecretVersion); err != nil {
		log.WithError(err).Warn("could not read cloudinary api secret, uploads will be unsigned")
	}

	relayClient := &http.Client{
		Timeout:   svc.cfg.backendTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	rl, err := newRelay(ctx, svc.cfg, relayClient, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize image relay")
	}
	svc.relayProvider = relayName(svc.cfg.relayProvider, rl)

	store, closeStore, err := newStore(ctx, svc.cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize session store")
	}
	defer closeStore()
	svc.store = store
	svc.display = display.NewMaterializer(store)

	svc.gateway, err = gateway.New(svc.cfg.backendURL, svc.cfg.backendTimeout, httpClient, rl, log)
	if err != nil {
		log.WithError(err).Fatal("invalid backend url")
	}

	session.NewSweeper(store, svc.cfg.sweepInterval, log).Start(ctx)
	svc.platform = detectPlatform(log)

	addr := svc.cfg.listenAddr + ":" + svc.cfg.port
	log.WithFields(logrus.Fields{
		"backend":  svc.cfg.backendURL,
		"relay":    svc.relayProvider,
		"store":    svc.cfg.storeKind,
		"platform": svc.platform.provider,
	}).Infof("starting server on %s", addr)
	log.Fatal(http.ListenAndServe(addr, svc.handler(log)))
}

func (fe *frontendServer) router() *mux.Router {
	baseURL := fe.cfg.baseURL
	r := mux.NewRouter()
	r.HandleFunc(baseURL+"/api/upload", fe.uploadHandler).Methods(http.MethodPost)
	r.HandleFunc(baseURL+"/api/session", fe.storeSessionHandler).Methods(http.MethodPost)
	r.HandleFunc(baseURL+"/api/session", fe.loadSessionHandler).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc(baseURL+"/api/result", fe.resultHandler).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc(baseURL+"/api/generate-recipe", fe.generateRecipeHandler).Methods(http.MethodPost)
	r.HandleFunc(baseURL+"/api/status", fe.statusHandler).Methods(http.MethodGet)
	r.HandleFunc(baseURL+"/robots.txt", func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, "User-agent: *\nDisallow: /") })
	r.HandleFunc(baseURL+"/_healthz", func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, "ok") })
	return r
}

// handler is the full middleware chain around the router.
func (fe *frontendServer) handler(log *logrus.Logger) http.Handler {
	var handler http.Handler = fe.router()
	handler = recoverHandler(handler)                           // turn panics into 500s
	handler = &logHandler{log: log, next: handler}              // add logging
	handler = readSessionID(handler)                            // add session ID
	handler = otelhttp.NewHandler(handler, "mealmate-frontend") // add OTel tracing
	return handler
}

func newRelay(ctx context.Context, cfg config, client *http.Client, log logrus.FieldLogger) (relay.Relay, error) {
	log = log.WithField("relay", cfg.relayProvider)
	switch cfg.relayProvider {
	case relayCloudinary:
		return relay.NewCloudinary(cfg.cloudinary, client, log), nil
	case relayBucket:
		b, err := relay.NewBucket(ctx, cfg.bucket, client, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return relay.Disabled{}, nil
}

// relayName reports the configured provider, or "none" when it is
// missing credentials and every upload goes straight to the backend.
func relayName(provider string, rl relay.Relay) string {
	if e, ok := rl.(interface{ Enabled() bool }); ok && !e.Enabled() {
		return relayNone
	}
	if _, ok := rl.(relay.Disabled); ok {
		return relayNone
	}
	return provider
}

func newStore(ctx context.Context, cfg config, log logrus.FieldLogger) (session.Store, func(), error) {
	opts := []session.Option{session.WithTTL(cfg.sessionTTL)}
	switch cfg.storeKind {
	case storePostgres:
		s, err := session.NewPostgresStore(ctx, session.PostgresConfig{
			DSN:                cfg.databaseURL,
			AlloyDBInstanceURI: cfg.alloyDBURI,
		}, log, opts...)
		if err != nil {
			return nil, nil, err
		}
		return s, closer(s, log), nil
	case storeSQLite:
		s, err := session.NewSQLiteStore(cfg.sqlitePath, opts...)
		if err != nil {
			return nil, nil, err
		}
		log.WithField("path", cfg.sqlitePath).Info("sqlite session store ready")
		return s, closer(s, log), nil
	}
	return session.NewMemoryStore(opts...), func() {}, nil
}

func closer(c io.Closer, log logrus.FieldLogger) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("failed to close session store")
		}
	}
}

func initTracing(log logrus.FieldLogger, ctx context.Context, svc *frontendServer) (*sdktrace.TracerProvider, error) {
	mustConnGRPC(&svc.collectorConn, svc.cfg.collectorAddr)
	exporter, err := otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithGRPCConn(svc.collectorConn))
	if err != nil {
		log.Warnf("warn: Failed to create trace exporter: %v", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)

	return tp, err
}

func initProfiling(log logrus.FieldLogger, service, version string) {
	for i := 1; i <= 3; i++ {
		log = log.WithField("retry", i)
		if err := profiler.Start(profiler.Config{
			Service:        service,
			ServiceVersion: version,
		}); err != nil {
			log.Warnf("warn: failed to start profiler: %+v", err)
		} else {
			log.Info("started Stackdriver profiler")
			return
		}
		d := time.Second * 10 * time.Duration(i)
		log.Debugf("sleeping %v to retry initializing Stackdriver profiler", d)
		time.Sleep(d)
	}
	log.Warn("warning: could not initialize Stackdriver profiler after retrying, giving up")
}

func mustConnGRPC(conn **grpc.ClientConn, addr string) {
	var err error
	*conn, err = grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
	if err != nil {
		panic(errors.Wrapf(err, "grpc: failed to connect %s", addr))
	}
}
