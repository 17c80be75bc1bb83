package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/atticmail/atticmail/internal/config"
	"github.com/atticmail/atticmail/internal/drive"
	"github.com/atticmail/atticmail/internal/graph"
	"github.com/atticmail/atticmail/internal/httpapi"
	natsjs "github.com/atticmail/atticmail/internal/nats"
	"github.com/atticmail/atticmail/internal/poller"
	"github.com/atticmail/atticmail/internal/store"
	"github.com/atticmail/atticmail/internal/tokens"
	"github.com/atticmail/atticmail/internal/usage"
	"github.com/atticmail/atticmail/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("exiting", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "atticmail.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	ledger := usage.NewLedger(st, logger)

	// Outbox rows accumulate without a broker; the dispatcher drains them
	// once NATS is configured.
	if cfg.NATSURL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		go usage.NewDispatcher(st, pub, logger).Run(ctx)
	} else {
		logger.Warn("NATS_URL not set, usage events stay queued in the outbox")
	}

	manager := tokens.NewManager(v, st, cfg.OAuth, logger)
	uploader := drive.NewUploader(cfg.ArchiveRoot, logger)
	newMail := func(accessToken string) (poller.MailClient, error) {
		return graph.NewMail(accessToken)
	}

	p := poller.New(st, manager, newMail, uploader, ledger, logger)
	p.Start(cfg.PollInterval)
	defer p.Stop()

	var verifier *httpapi.TokenVerifier
	if cfg.JWKSURL != "" {
		verifier, err = httpapi.NewTokenVerifier(ctx, cfg.JWKSURL)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("JWKS_URL not set, admin API runs unauthenticated")
	}

	server := httpapi.NewServer(st, v, ledger, p, cfg.PollInterval, logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(verifier),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
