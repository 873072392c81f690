package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/atvirokodosprendimai/keyauth/internal/adapters/events"
	"github.com/atvirokodosprendimai/keyauth/internal/adapters/httpapi"
	"github.com/atvirokodosprendimai/keyauth/internal/adapters/jsonfile"
	sqliteadapter "github.com/atvirokodosprendimai/keyauth/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/keyauth/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
	"github.com/atvirokodosprendimai/keyauth/internal/core/ports"
	"github.com/atvirokodosprendimai/keyauth/internal/core/usecase"
	"github.com/atvirokodosprendimai/keyauth/migrations"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	keysFile = "keys.json"
	logsFile = "logs.json"
)

type resourceCloser struct {
	closers []io.Closer
}

func (r resourceCloser) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stores is the configured storage backend.
type Stores struct {
	Keys ports.KeyStore
	Logs ports.LogStore
}

// OpenStores opens the backend selected by cfg.Storage. For sqlite the schema
// is migrated before returning.
func OpenStores(ctx context.Context, cfg Config, logger *slog.Logger) (Stores, io.Closer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Storage {
	case StorageJSONFile:
		return OpenJSONFiles(filepath.Join(cfg.DataDir, keysFile), filepath.Join(cfg.DataDir, logsFile), cfg.LogRetention)
	case StorageSQLite, "":
	default:
		return Stores{}, nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}

	db, err := gormsqlite.Open(cfg.DBPath, gormsqlite.Options{Logger: logger, Debug: cfg.DBDebug})
	if err != nil {
		return Stores{}, nil, fmt.Errorf("open sqlite: %w", err)
	}

	writeSQLDB, err := db.WriteSQLDB()
	if err != nil {
		_ = db.Close()
		return Stores{}, nil, fmt.Errorf("resolve writer sql db: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	version, err := migrations.Up(migrateCtx, writeSQLDB)
	if err != nil {
		_ = db.Close()
		return Stores{}, nil, err
	}
	logger.Info("key store ready", "backend", StorageSQLite, "path", cfg.DBPath, "schema_version", version)

	return Stores{
		Keys: sqliteadapter.NewKeyRepository(db),
		Logs: sqliteadapter.NewLogRepository(db, cfg.LogRetention),
	}, resourceCloser{closers: []io.Closer{db}}, nil
}

// OpenJSONFiles opens a key file and a log file directly. logsPath may be
// empty, in which case Logs is nil.
func OpenJSONFiles(keysPath, logsPath string, retention int) (Stores, io.Closer, error) {
	codec := usecase.DefaultRecordCodec()
	keys, err := jsonfile.OpenKeyStore(keysPath, codec)
	if err != nil {
		return Stores{}, nil, fmt.Errorf("open key file: %w", err)
	}
	stores := Stores{Keys: keys}
	if logsPath != "" {
		logs, err := jsonfile.OpenLogStore(logsPath, codec, retention)
		if err != nil {
			return Stores{}, nil, fmt.Errorf("open log file: %w", err)
		}
		stores.Logs = logs
	}
	return stores, resourceCloser{}, nil
}

// Services bundles the use cases built over one Stores value.
type Services struct {
	Audit    *usecase.AuditService
	Issuance *usecase.IssuanceService
	Verifier *usecase.VerificationService
	Admin    *usecase.AdminService
	Auth     *usecase.AuthService
}

func NewServices(cfg Config, stores Stores, logger *slog.Logger) Services {
	publisher := newPublisher(cfg, logger)
	audit := usecase.NewAuditService(stores.Logs, publisher, logger, nil)
	policy := usecase.IssuancePolicy{
		DefaultUsername: cfg.DefaultUsername,
		DefaultPlan:     cfg.DefaultPlan,
		DefaultDays:     cfg.DefaultDays,
		DefaultMaxUses:  cfg.DefaultMaxUses,
	}
	return Services{
		Audit:    audit,
		Issuance: usecase.NewIssuanceService(stores.Keys, audit, policy, nil),
		Verifier: usecase.NewVerificationService(stores.Keys, audit, nil),
		Admin:    usecase.NewAdminService(stores.Keys, audit, nil),
		Auth: usecase.NewAuthService(domain.Credentials{
			OwnerID:   cfg.OwnerID,
			AppSecret: cfg.AppSecret,
			APIKey:    cfg.APIKey,
		}),
	}
}

func newPublisher(cfg Config, logger *slog.Logger) ports.EventPublisher {
	logPub := events.NewLogPublisher(logger)
	if cfg.WebhookURL == "" {
		return logPub
	}
	// Delivery happens inline, so every audited request can wait up to the
	// webhook timeout.
	logger.Warn("webhook delivery is synchronous; audited requests wait for it",
		"webhook_url", cfg.WebhookURL, "webhook_timeout", cfg.WebhookTimeout.String())
	return events.Fanout{logPub, events.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout)}
}

func NewServer(ctx context.Context, cfg Config, logger *slog.Logger) (*http.Server, io.Closer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.CredentialsConfigured() {
		logger.Warn("operator credentials not configured; admin endpoints will reject every request")
	}

	stores, closer, err := OpenStores(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	svc := NewServices(cfg, stores, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler, err := httpapi.NewHandler(httpapi.Deps{
		Issuance: svc.Issuance,
		Verifier: svc.Verifier,
		Admin:    svc.Admin,
		Audit:    svc.Audit,
		Auth:     svc.Auth,
		Info:     httpapi.Info{AppName: cfg.AppName, OwnerID: cfg.OwnerID},
		Logger:   logger,
		Registry: registry,
	})
	if err != nil {
		_ = closer.Close()
		return nil, nil, fmt.Errorf("build handler: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return server, closer, nil
}
