package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/liminal-technologies/readylab-curriculum/internal/catalog"
	"github.com/liminal-technologies/readylab-curriculum/internal/config"
	"github.com/liminal-technologies/readylab-curriculum/internal/httpapi"
	"github.com/liminal-technologies/readylab-curriculum/internal/mediaupload"
	"github.com/liminal-technologies/readylab-curriculum/internal/platform/logger"
	"github.com/liminal-technologies/readylab-curriculum/internal/platform/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "catalogd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	v, err := config.New(".env")
	if err != nil {
		return err
	}
	cfg := config.LoadServer(v)

	fs := flag.NewFlagSet("catalogd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address (CURRICULUM_ADDR)")
	fs.StringVar(&cfg.CatalogDSN, "catalog", cfg.CatalogDSN, "catalog store: memory:// or postgres:// (CURRICULUM_CATALOG_DSN)")
	fs.StringVar(&cfg.LogMode, "log", cfg.LogMode, "log mode: dev, debug or prod")
	fs.BoolVar(&cfg.Trace, "trace", cfg.Trace, "export spans to stderr")
	mintSubject := fs.String("mint-token", "", "print a bearer token for this subject and exit")
	mintScopes := fs.String("scopes", httpapi.ScopeCatalogRead+","+httpapi.ScopeCatalogWrite, "comma separated scopes for -mint-token")
	mintTTL := fs.Duration("ttl", 24*time.Hour, "lifetime of a minted token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	defaulted, err := resolveSecrets(&cfg)
	if err != nil {
		return err
	}

	if *mintSubject != "" {
		token, err := httpapi.MintToken(cfg.JWTSecret, *mintSubject, parseScopes(*mintScopes), *mintTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, token)
		return nil
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()
	for _, key := range defaulted {
		log.Warn("using development secret", "setting", key)
	}
	shutdownTracing, err := tracing.Init(log, tracing.Config{ServiceName: "catalogd", Enabled: cfg.Trace, Writer: stderr})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	store, err := openStore(cfg.CatalogDSN)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer store.Close()
	tickets, err := buildTicketIssuer(cfg)
	if err != nil {
		return fmt.Errorf("init media tickets: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	server := httpapi.NewServer(store, tickets, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Policy:          mediaupload.DefaultPolicy(),
	}, log)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("catalogd listening", "addr", cfg.Addr, "catalog", catalogKind(cfg.CatalogDSN))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	log.Info("catalogd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

const (
	devJWTSecret    = "dev-secret"
	devUploadSecret = "dev-upload-secret"
)

// resolveSecrets fills missing signing secrets with fixed development values
// in dev log mode and fails in any other mode. It returns the keys it filled.
func resolveSecrets(cfg *config.Server) ([]string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.LogMode))
	dev := mode == "" || mode == "dev"
	var defaulted []string
	if cfg.JWTSecret == "" {
		if !dev {
			return nil, errors.New("jwt_secret is required (CURRICULUM_JWT_SECRET) unless log mode is dev")
		}
		cfg.JWTSecret = devJWTSecret
		defaulted = append(defaulted, "jwt_secret")
	}
	if cfg.GCSBucket == "" && cfg.UploadSecret == "" {
		if !dev {
			return nil, errors.New("upload_secret is required (CURRICULUM_UPLOAD_SECRET) for local uploads unless log mode is dev")
		}
		cfg.UploadSecret = devUploadSecret
		defaulted = append(defaulted, "upload_secret")
	}
	return defaulted, nil
}

func openStore(dsn string) (catalog.Store, error) {
	switch catalogKind(dsn) {
	case "memory":
		return catalog.NewMemoryStore(), nil
	case "postgres":
		return catalog.OpenGormStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported catalog dsn %q", dsn)
	}
}

func catalogKind(dsn string) string {
	dsn = strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case dsn == "" || strings.HasPrefix(dsn, "memory://"):
		return "memory"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	default:
		return "unknown"
	}
}

func buildTicketIssuer(cfg config.Server) (httpapi.TicketIssuer, error) {
	if cfg.GCSBucket != "" {
		return httpapi.NewGCSIssuer(cfg.GCSBucket, cfg.GCSAccessID, cfg.GCSPrivateKeyFile)
	}
	return httpapi.NewLocalIssuer(cfg.MediaPublicURL, cfg.UploadSecret, cfg.MediaDir)
}

func parseScopes(raw string) []string {
	var scopes []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}
