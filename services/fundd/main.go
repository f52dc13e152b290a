package fundd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fundmgr/observability/logging"
	telemetry "fundmgr/observability/otel"
)

// Main initialises and runs the disbursement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/fundd/config.yaml", "path to fundd configuration (yaml or toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(cfg.Environment)
	if value := strings.TrimSpace(os.Getenv("FUNDD_ENV")); value != "" {
		env = value
	}
	logger := logging.Setup("fundd", env, logging.OptionsFromEnv())

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("fundd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(stopCtx, 10*time.Second)
	svc, err := NewService(dialCtx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer func() { _ = svc.Close() }()

	auth, err := NewAuthenticator(AuthConfig{
		BearerToken: cfg.Admin.BearerToken,
		AllowMTLS:   cfg.Admin.MTLS.Enabled,
		JWT:         cfg.Admin.JWT,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("admin auth: %w", err)
	}
	admin := NewAdminServer(AdminServerConfig{
		Coordinator: svc.Coordinator,
		Chains:      svc.Chains,
		Reconciler:  svc.Reconciler,
		Auth:        auth,
		RateLimit:   NewRateLimiter(cfg.Admin.RateLimit),
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      admin,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if !cfg.Admin.TLS.Disable {
		tlsConfig, err := adminTLSConfig(cfg.Admin)
		if err != nil {
			return err
		}
		httpServer.TLSConfig = tlsConfig
	}

	if svc.Scheduler != nil {
		go svc.Scheduler.Start(stopCtx)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("fundd listening",
			slog.String("addr", cfg.ListenAddress),
			slog.Any("chains", svc.Chains.Names()),
			slog.Bool("tls", !cfg.Admin.TLS.Disable))
		if cfg.Admin.TLS.Disable {
			errs <- httpServer.ListenAndServe()
			return
		}
		errs <- httpServer.ListenAndServeTLS(cfg.Admin.TLS.CertPath, cfg.Admin.TLS.KeyPath)
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func adminTLSConfig(cfg AdminConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if !cfg.MTLS.Enabled {
		return tlsConfig, nil
	}
	pem, err := os.ReadFile(cfg.MTLS.ClientCAPath)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("client ca %s contains no certificates", cfg.MTLS.ClientCAPath)
	}
	tlsConfig.ClientCAs = pool
	// Bearer and JWT callers may still connect without a certificate.
	tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	return tlsConfig, nil
}
