package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"livechat/internal/api"
)

type AdminServer struct {
	server *http.Server
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewAdminServer(adminHandler *api.AdminHandler, addr string, logger *slog.Logger) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/presence", adminHandler.PresenceHandler)
	mux.HandleFunc("POST /admin/rooms/{room}/messages", adminHandler.AnnounceHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger,
	}
}

func (s *AdminServer) Start() error {
	s.logger.Info("Admin API started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
