package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livechat/internal/api"
	"livechat/internal/config"
	"livechat/internal/filestore"
	"livechat/internal/http"
	"livechat/internal/logging"
	"livechat/internal/notify"
	"livechat/internal/relay"
	"livechat/internal/storage"

	"golang.org/x/sync/errgroup"
)

// relayServices is everything the relay process serves from.
type relayServices struct {
	storage *storage.BboltStorage
	hub     *relay.Hub
	api     *api.API
	admin   *api.AdminHandler
}

func newRelayServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*relayServices, error) {
	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return nil, err
	}

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		_ = bbStorage.Close()
		return nil, fmt.Errorf("failed to open uploads: %w", err)
	}

	hub := relay.NewHub(logger)

	var notifier api.Notifier
	if cfg.PushEnabled() {
		notifier = notify.NewWebPush(notify.Config{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.VAPIDSubscriber,
		}, bbStorage, logger)
	}

	apiHandlers := api.New(ctx, api.Config{
		MaxUploadBytes: cfg.MaxUploadBytes,
		BaseURL:        cfg.BaseURL,
		VAPIDPublicKey: cfg.VAPIDPublicKey,
		Logger:         logger,
	}, bbStorage, files, hub, notifier)

	return &relayServices{
		storage: bbStorage,
		hub:     hub,
		api:     apiHandlers,
		admin:   api.NewAdminHandler(bbStorage, hub, logger),
	}, nil
}

func run(ctx context.Context) error {
	logger := logging.NewLogger("relay")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	services, err := newRelayServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = services.storage.Close() }()

	adminServer := http.NewAdminServer(services.admin, cfg.AdminAddr, logger)
	apiServer := http.NewAPIServer(services.api, services.hub, cfg.APIAddr, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(adminServer.Start)
	g.Go(apiServer.Start)

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
