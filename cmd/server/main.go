package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"remote-access-trust/backend/internal/approval"
	"remote-access-trust/backend/internal/approval/hostkey"
	"remote-access-trust/backend/internal/config"
	"remote-access-trust/backend/internal/github"
	identityservice "remote-access-trust/backend/internal/identity/service"
	"remote-access-trust/backend/internal/server"
	"remote-access-trust/backend/internal/session/repository"
	sessionservice "remote-access-trust/backend/internal/session/service"
	"remote-access-trust/backend/internal/telemetry"
	oteltelemetry "remote-access-trust/backend/internal/telemetry/otel"
	"remote-access-trust/backend/internal/telemetry/producer"
)

const serviceName = "remote-access-trust"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		emitters  telemetry.MultiEmitter
		providers *oteltelemetry.Providers
	)
	if cfg.OTLPEndpoint != "" {
		providers, err = oteltelemetry.NewProviders(context.Background(), cfg.OTLPEndpoint, serviceName, cfg.OTLPInsecure)
		if err != nil {
			log.Printf("telemetry: otel disabled: %v", err)
		} else {
			providers.SetGlobal()
			emitters = append(emitters, oteltelemetry.NewEventEmitter(providers.LoggerProvider))
		}
	}
	kafkaProducer, err := producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic)
	if err != nil {
		log.Printf("telemetry: kafka disabled: %v", err)
	} else if kafkaProducer != nil {
		emitters = append(emitters, kafkaProducer)
	}
	var emitter telemetry.EventEmitter
	if len(emitters) > 0 {
		emitter = emitters
	}

	broker := approval.NewBroker(cfg.ApprovalTimeout(), emitter)

	store := repository.NewFileRepository(cfg.SessionStorePath)
	if err := store.Ping(context.Background()); err != nil {
		log.Printf("sessions: store %s not readable yet: %v", store.Path(), err)
	}
	sessions := sessionservice.NewManager(store, cfg.SessionMaxAge(), emitter)

	var provider identityservice.DeviceProvider
	if cfg.DeviceLoginEnabled() {
		client, err := github.NewClient(github.Config{
			ClientID:     cfg.GitHubClientID,
			OAuthBaseURL: cfg.GitHubOAuthURL,
			APIBaseURL:   cfg.GitHubAPIURL,
			HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		})
		if err != nil {
			log.Fatalf("github: %v", err)
		}
		provider = client
	} else {
		log.Println("device login disabled: DEVICE_LOGIN_OWNER is not set")
	}
	opts := identityservice.DefaultOptions()
	opts.MaxConcurrentFlows = cfg.DeviceFlowMaxConcurrent
	authority := identityservice.NewDeviceFlowAuthority(cfg.DeviceLoginOwner, provider, sessions, opts, emitter)

	verifier := hostkey.NewVerifier(cfg.KnownHostsPath, broker)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.NewRouter(server.Deps{
		Authority:          authority,
		Broker:             broker,
		HostTruster:        verifier,
		StorePinger:        store,
		Emitter:            emitter,
		CookieSecure:       cfg.CookieSecure,
		SessionMaxAge:      sessions.MaxAge(),
		LoginRatePerMinute: cfg.LoginRatePerMinute,
		TrustedProxies:     cfg.TrustedProxiesList(),
	})

	// Cancelled on shutdown so long-lived approval streams return.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down HTTP server...")
	authority.Dispose()
	broker.Close()
	cancelBase()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("HTTP server stopped")

	if providers != nil || kafkaProducer != nil {
		time.Sleep(telemetry.ShutdownDrainDuration)
	}
	if providers != nil && providers.Shutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := providers.Shutdown(otelCtx); err != nil {
			log.Printf("telemetry: otel shutdown: %v", err)
		}
		otelCancel()
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Printf("telemetry: kafka close: %v", err)
		}
	}
}
