// Package main initializes and starts the data upload portal server,
// setting up configuration, logging, the user directory, storage,
// the approval queue, services, handlers, and TLS.
package main

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"github.com/ddp/uploadportal/internal/audit"
	"github.com/ddp/uploadportal/internal/auth"
	"github.com/ddp/uploadportal/internal/certgen"
	"github.com/ddp/uploadportal/internal/config"
	"github.com/ddp/uploadportal/internal/db"
	"github.com/ddp/uploadportal/internal/directory"
	"github.com/ddp/uploadportal/internal/ingest"
	"github.com/ddp/uploadportal/internal/logger"
	"github.com/ddp/uploadportal/internal/models"
	"github.com/ddp/uploadportal/internal/queue"
	"github.com/ddp/uploadportal/internal/repository"
	"github.com/ddp/uploadportal/internal/server/handler/http"
	"github.com/ddp/uploadportal/internal/service"
	"github.com/ddp/uploadportal/internal/session"
	"github.com/ddp/uploadportal/internal/storage"
	"github.com/ddp/uploadportal/internal/submission"
	"go.uber.org/zap"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	// Parse command-line, .env and environment configuration.
	options := config.Parse()

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		log.Log.Fatal("failed to init logger", zap.Error(err))
	}
	zapLogger := log.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Approver relationships and the identity gates.
	users := make([]models.User, 0, len(options.Users))
	for _, u := range options.Users {
		users = append(users, models.User{ID: u.ID, DisplayName: u.Name, ApproverID: u.Approver})
	}
	dir := directory.New(users)
	identity := auth.NewIdentityGate(newCredentialDirectory(options, zapLogger), options.LDAP.Timeout.Duration, zapLogger)
	secondFactor := auth.NewSecondFactorGate(auth.StaticCode(options.SecondFactorCode))

	// Object storage for approved packages.
	objects, err := newObjectStore(options.S3, zapLogger)
	if err != nil {
		zapLogger.Fatal("cannot init object storage", zap.Error(err))
	}

	// History: PostgreSQL when a DSN is configured, memory otherwise.
	history := audit.NewLog(newHistoryStore(options.DatabaseDSN, zapLogger), zapLogger)

	// Initialize the approval queue and submission pipeline.
	approvals := queue.New(objects, history, dir, options.S3.Timeout.Duration, zapLogger)
	builder := submission.NewBuilder(ingest.NewParser(), dir, approvals, zapLogger)

	// Sessions expire after SessionIdle without requests.
	sessions := session.NewStore()
	session.StartIdleReaper(ctx, sessions, options.ReaperInterval.Duration, options.SessionIdle.Duration, zapLogger)

	// Initialize business-logic services.
	authService := service.NewAuthService(identity, secondFactor, sessions, zapLogger)
	portalService := service.NewPortalService(builder, approvals, history, dir, zapLogger)

	tlsConfig, err := newTLSConfig(options, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to configure TLS", zap.Error(err))
	}

	// Create HTTP handlers for auth and portal endpoints.
	authHandler := &http.AuthHandler{AuthService: authService, SecureCookie: tlsConfig != nil, Log: zapLogger}
	portalHandler := &http.PortalHandler{PortalService: portalService, Log: zapLogger}

	// Build the router with middleware and routes.
	router := http.NewRouter(authHandler, portalHandler, zapLogger)

	server := &nethttp.Server{
		Addr:              options.Addr,
		Handler:           router,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if tlsConfig != nil {
		zapLogger.Info("starting HTTPS server", zap.String("addr", options.Addr))
		err = server.ListenAndServeTLS("", "")
	} else {
		zapLogger.Warn("starting plain HTTP server, no TLS certificate configured", zap.String("addr", options.Addr))
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		zapLogger.Fatal("server failed", zap.Error(err))
	}
	zapLogger.Info("server stopped")
}

// newCredentialDirectory returns the LDAP directory when one is configured,
// otherwise the static credentials of the configured users.
func newCredentialDirectory(options *config.Options, log *zap.Logger) auth.Directory {
	if options.UseLDAP() {
		l := options.LDAP
		log.Info("using LDAP directory", zap.String("url", l.URL))
		return auth.NewLDAPDirectory(auth.LDAPConfig{
			URL:             l.URL,
			BindDN:          l.BindDN,
			BindPassword:    l.BindPassword,
			BaseDN:          l.BaseDN,
			UserAttribute:   l.UserAttribute,
			GroupFilter:     l.GroupFilter,
			GroupDN:         l.GroupDN,
			MemberAttribute: l.MemberAttribute,
			CAFile:          l.CAFile,
			Timeout:         l.Timeout.Duration,
		})
	}

	creds := make([]auth.StaticCredential, 0, len(options.Users))
	for _, u := range options.Users {
		if u.PasswordHash == "" {
			continue
		}
		creds = append(creds, auth.StaticCredential{Username: u.ID, PasswordHash: u.PasswordHash, Member: u.IsMember()})
	}
	log.Warn("no LDAP server configured, using static credentials", zap.Int("users", len(creds)))
	return auth.NewStaticDirectory(creds)
}

func newObjectStore(cfg config.S3, log *zap.Logger) (queue.ObjectStore, error) {
	if cfg.Endpoint == "" {
		log.Warn("no S3 endpoint configured, approved packages are kept in memory")
		return storage.NewMemoryStore(), nil
	}
	log.Info("using S3 object storage", zap.String("endpoint", cfg.Endpoint), zap.String("bucket", cfg.Bucket))
	return storage.NewMinioStore(storage.MinioConfig{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		UseSSL:    cfg.UseSSL,
	})
}

func newHistoryStore(dsn string, log *zap.Logger) audit.Store {
	if dsn == "" {
		log.Warn("no database configured, history is kept in memory")
		return audit.NewMemoryStore()
	}
	postgresDB, err := db.InitPostgres(dsn)
	if err != nil {
		log.Fatal("cannot init database", zap.Error(err))
	}
	return repository.NewPostgresHistoryRepository(postgresDB)
}

// newTLSConfig loads the server certificate. With SelfSignedTLS a missing
// pair is generated first. It returns nil when no certificate is available.
func newTLSConfig(options *config.Options, log *zap.Logger) (*tls.Config, error) {
	if options.SelfSignedTLS {
		created, err := certgen.EnsureSelfSigned(options.TLSCert, options.TLSKey, options.TLSHosts)
		if err != nil {
			return nil, err
		}
		if created {
			log.Info("generated self-signed certificate", zap.String("cert", options.TLSCert))
		}
	}

	cert, err := tls.LoadX509KeyPair(options.TLSCert, options.TLSKey)
	if err != nil {
		if !options.SelfSignedTLS && errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("load server TLS cert/key: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
