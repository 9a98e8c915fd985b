// Verdict attestation server
// HTTP API for device enrollment, evidence appraisal and policy management
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gobeyondidentity/verdict/internal/api"
	"github.com/gobeyondidentity/verdict/internal/config"
	"github.com/gobeyondidentity/verdict/internal/version"
	"github.com/gobeyondidentity/verdict/pkg/attestation"
	"github.com/gobeyondidentity/verdict/pkg/audit"
	"github.com/gobeyondidentity/verdict/pkg/credential"
	"github.com/gobeyondidentity/verdict/pkg/keymutex"
	"github.com/gobeyondidentity/verdict/pkg/lifecycle"
	"github.com/gobeyondidentity/verdict/pkg/store"
)

var (
	listenAddr  = flag.String("listen", "", "HTTP listen address (overrides config, default :18080)")
	dbPath      = flag.String("db", "", "Database path (default: ~/.local/share/verdict/verdict.db)")
	configPath  = flag.String("config", "", "Path to YAML config file")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// shutdownTimeout bounds how long in-flight requests may run after a signal.
const shutdownTimeout = 10 * time.Second

func main() {
	flag.CommandLine.SetOutput(os.Stdout)
	flag.Parse()

	if *showVersion {
		fmt.Printf("verdictd %s\n", version.Full())
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "verdictd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}
	if *dbPath != "" {
		cfg.Database = *dbPath
	}
	if cfg.Database == "" {
		cfg.Database = store.DefaultPath()
	}

	logger, err := newLogger(os.Stderr, cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("verdictd starting", "version", version.Full(), "database", cfg.Database)

	db, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	issuer, err := newIssuer(ctx, db, cfg)
	if err != nil {
		return err
	}

	emitter, closeAudit := newAuditEmitter(db, cfg.Audit, logger)
	defer closeAudit()

	locks := keymutex.New()
	engine := attestation.NewEngine(db, locks, attestation.EngineConfig{
		AppraisalTTL: cfg.Appraisal.TTL,
		Validator:    cfg.ValidatorConfig(),
	}, emitter, logger)
	manager := lifecycle.NewManager(db, engine, locks, issuer, lifecycle.Config{
		TemplatePCRs: cfg.Enrollment.TemplatePCRs,
	}, emitter, logger)

	server := api.NewServer(db, engine, manager, issuer, logger)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
			httpServer.Close()
		}
	}

	logger.Info("verdictd stopped")
	return nil
}

func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// newIssuer loads the credential signing key, sealing it with the master key.
// The master key comes from VERDICT_MASTER_KEY or a key file next to the
// database; in insecure mode without VERDICT_MASTER_KEY it is stored unsealed.
func newIssuer(ctx context.Context, db *store.Store, cfg config.Config) (*credential.Issuer, error) {
	masterKey := os.Getenv(store.EnvMasterKey)
	if masterKey == "" && !cfg.Insecure {
		var err error
		masterKey, err = store.LoadOrGenerateKey(filepath.Join(filepath.Dir(cfg.Database), "key"))
		if err != nil {
			return nil, fmt.Errorf("failed to load master key: %w", err)
		}
	}
	sealer := store.NewSealer(masterKey, cfg.Insecure)
	if !sealer.Enabled() {
		slog.Warn("issuer key is stored unencrypted (insecure mode)")
	}

	key, err := credential.LoadOrCreateKey(ctx, db, sealer)
	if err != nil {
		return nil, fmt.Errorf("failed to load issuer key: %w", err)
	}
	return credential.NewIssuer(key, "verdictd", credential.DefaultAudience, cfg.Enrollment.CredentialTTL), nil
}

// newAuditEmitter fans audit events out to the log, the database and, when
// configured, the local syslog daemon. A missing syslog socket degrades to
// the other backends.
func newAuditEmitter(db *store.Store, cfg config.AuditConfig, logger *slog.Logger) (audit.EventEmitter, func()) {
	backends := []audit.EventEmitter{
		audit.NewLogEmitter(logger),
		store.NewAuditSink(db),
	}
	closer := func() {}

	if cfg.Syslog {
		sys, err := audit.NewSyslogEmitter(audit.SyslogConfig{SocketPath: cfg.SyslogSocket})
		if err != nil {
			logger.Warn("syslog unavailable, auditing to log and database only", "error", err)
		} else {
			backends = append(backends, sys)
			closer = func() { sys.Close() }
		}
	}
	return audit.NewMultiEmitter(logger, backends...), closer
}
