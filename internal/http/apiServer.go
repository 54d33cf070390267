package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"livechat/internal/api"
	"livechat/internal/relay"
)

type APIServer struct {
	server *http.Server
	hub    *relay.Hub
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewAPIServer(apiHandlers *api.API, hub *relay.Hub, addr string, logger *slog.Logger) *APIServer {
	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: NewAPIHandler(apiHandlers, hub, logger),
		},
		hub:    hub,
		logger: logger,
	}
}

// NewAPIHandler routes the history, file, push and realtime endpoints.
func NewAPIHandler(apiHandlers *api.API, hub *relay.Hub, logger *slog.Logger) http.Handler {
	realtime := relay.NewServer(hub, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/messages", apiHandlers.RequireIdentity(apiHandlers.MessagesHandler))
	mux.HandleFunc("POST /api/messages", apiHandlers.RequireIdentity(apiHandlers.SendMessageHandler))
	mux.HandleFunc("POST /api/files", apiHandlers.RequireIdentity(apiHandlers.UploadFileHandler))
	mux.HandleFunc("GET /api/files/{id}", apiHandlers.GetFileHandler)
	mux.HandleFunc("GET /api/push/key", apiHandlers.PushKeyHandler)
	mux.HandleFunc("POST /api/push/subscriptions", apiHandlers.RequireIdentity(apiHandlers.PushSubscribeHandler))

	// WebSocket endpoint
	mux.HandleFunc("GET /api/realtime", realtime.HandleConnections)

	return mux
}

func (s *APIServer) Start() error {
	s.logger.Info("API server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown closes the hub first so websocket handlers return and the server can drain.
func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	s.hub.Close()
	return s.server.Shutdown(ctx)
}
