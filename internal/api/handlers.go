package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"livechat/internal/content"
	"livechat/internal/filestore"
	"livechat/internal/logging"
	"livechat/internal/models"
	"livechat/internal/storage"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

const (
	maxMessageBytes   = 64 << 10
	maxHistoryLimit   = 1000
	fileCacheTTL      = 10 * time.Minute
	pushNotifyTimeout = 15 * time.Second
	sniffLen          = 262
)

// Publisher fans stored messages out to connected clients. *relay.Hub satisfies it.
type Publisher interface {
	Publish(msg models.Message)
	IsOnline(userID string) bool
}

// Notifier pushes a message to a recipient who is not connected. *notify.WebPush satisfies it.
type Notifier interface {
	NotifyMessage(ctx context.Context, recipientID string, msg models.Message) error
}

type Config struct {
	MaxUploadBytes int64
	// BaseURL prefixes returned file URLs. Empty yields relative URLs.
	BaseURL        string
	VAPIDPublicKey string
	Logger         *slog.Logger
	Now            func() time.Time
}

type API struct {
	storage   *storage.BboltStorage
	files     filestore.FileStore
	hub       Publisher
	notifier  Notifier
	fileCache geche.Geche[string, models.FileInfo]
	cfg       Config
	logger    *slog.Logger
}

// New builds the handlers. notifier may be nil when push is not configured.
// The file metadata cache is cleaned up until ctx is done.
func New(ctx context.Context, cfg Config, st *storage.BboltStorage, files filestore.FileStore, hub Publisher, notifier Notifier) *API {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &API{
		storage:   st,
		files:     files,
		hub:       hub,
		notifier:  notifier,
		fileCache: geche.NewMapTTLCache[string, models.FileInfo](ctx, fileCacheTTL, time.Minute),
		cfg:       cfg,
		logger:    cfg.Logger,
	}
}

type contextKey struct{}

// RequireIdentity rejects requests without a valid identity header.
func (a *API) RequireIdentity(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(models.IdentityHeader)
		if err := content.ValidateUserID(userID); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, userID)))
	}
}

func identityFrom(r *http.Request) string {
	userID, _ := r.Context().Value(contextKey{}).(string)
	return userID
}

// MessagesHandler returns the history of the conversation with ?with=, oldest first.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	userID := identityFrom(r)
	with := r.URL.Query().Get("with")
	if err := content.ValidateCounterpart(with); err != nil || with == userID {
		http.Error(w, "Invalid counterpart", http.StatusBadRequest)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > maxHistoryLimit {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	messages, err := a.storage.ListMessages(models.ConversationID(userID, with), limit)
	if err != nil {
		a.logger.Error("failed to list messages", "user_id", userID, "with", with, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	a.writeJSON(w, http.StatusOK, messages)
}

// SendMessageHandler persists a message, publishes it to connected clients and
// pushes it to an offline DM recipient.
func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	userID := identityFrom(r)

	var msg models.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&msg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	prepared, err := content.Prepare(userID, msg, a.cfg.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := a.storage.AppendMessage(prepared); err != nil {
		a.logger.Error("failed to store message", "conversation_id", prepared.ConversationID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	a.hub.Publish(prepared)
	a.notifyOffline(r.Context(), prepared)

	a.writeJSON(w, http.StatusCreated, prepared)
}

func (a *API) notifyOffline(ctx context.Context, msg models.Message) {
	if a.notifier == nil || models.IsRoom(msg.RecipientID) || a.hub.IsOnline(msg.RecipientID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushNotifyTimeout)
	go func() {
		defer cancel()
		if err := a.notifier.NotifyMessage(ctx, msg.RecipientID, msg); err != nil {
			a.logger.Warn("failed to push message", "recipient_id", msg.RecipientID, "error", err)
		}
	}()
}

type uploadResponse struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// UploadFileHandler stores the request body as a file named by ?name= and
// returns its durable download URL.
func (a *API) UploadFileHandler(w http.ResponseWriter, r *http.Request) {
	userID := identityFrom(r)
	name := content.Sanitize(strings.TrimSpace(r.URL.Query().Get("name")))
	if name == "" {
		http.Error(w, "Missing file name", http.StatusBadRequest)
		return
	}
	if r.ContentLength > a.cfg.MaxUploadBytes {
		http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
		return
	}

	body := bufio.NewReaderSize(http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes), sniffLen)
	head, _ := body.Peek(sniffLen)
	mimeType := detectMIME(head, name)

	hash, size, err := a.files.Put(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
			return
		}
		a.logger.Error("failed to store file", "user_id", userID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	info := models.FileInfo{
		ID:        uuid.NewString(),
		Hash:      hash,
		Name:      name,
		MimeType:  mimeType,
		Size:      size,
		OwnerID:   userID,
		CreatedAt: a.cfg.Now().UnixMilli(),
	}
	if err := a.storage.UpsertFileMetadata(info); err != nil {
		a.logger.Error("failed to store file metadata", "file_id", info.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	a.fileCache.Set(info.ID, info)

	a.logger.Info("file uploaded", "file_id", info.ID, "user_id", userID, "size", size, "mime", mimeType)
	a.writeJSON(w, http.StatusCreated, uploadResponse{
		ID:       info.ID,
		URL:      a.fileURL(info.ID),
		Name:     info.Name,
		MimeType: info.MimeType,
		Size:     info.Size,
	})
}

func (a *API) fileURL(id string) string {
	return fmt.Sprintf("%s/api/files/%s", a.cfg.BaseURL, id)
}

func detectMIME(head []byte, name string) string {
	if match, err := filetype.Match(head); err == nil && match != filetype.Unknown {
		return match.MIME.Value
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		if byExt := mime.TypeByExtension(name[i:]); byExt != "" {
			return byExt
		}
	}
	return http.DetectContentType(head)
}

// GetFileHandler streams a previously uploaded file.
func (a *API) GetFileHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := uuid.Validate(id); err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	info, err := a.fileInfo(id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		a.logger.Error("failed to load file metadata", "file_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	f, err := a.files.Get(info.Hash)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		a.logger.Error("failed to open file", "file_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = f.Close() }()

	disposition := "attachment"
	if strings.HasPrefix(info.MimeType, "image/") {
		disposition = "inline"
	}

	w.Header().Set("Content-Type", info.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	if header := mime.FormatMediaType(disposition, map[string]string{"filename": info.Name}); header != "" {
		w.Header().Set("Content-Disposition", header)
	}
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := io.Copy(w, f); err != nil {
		a.logger.Debug("file download interrupted", "file_id", id, "error", err)
	}
}

func (a *API) fileInfo(id string) (models.FileInfo, error) {
	if info, err := a.fileCache.Get(id); err == nil {
		return info, nil
	}
	info, err := a.storage.GetFileMetadata(id)
	if err != nil {
		return models.FileInfo{}, err
	}
	a.fileCache.Set(id, info)
	return info, nil
}

// PushSubscribeHandler registers a browser push subscription for the caller.
func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var sub models.PushSubscription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&sub); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(sub.Endpoint, "https://") || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		http.Error(w, "Invalid subscription", http.StatusBadRequest)
		return
	}
	sub.UserID = identityFrom(r)

	if err := a.storage.UpsertPushSubscription(sub); err != nil {
		a.logger.Error("failed to store push subscription", "user_id", sub.UserID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// PushKeyHandler returns the VAPID public key browsers subscribe with.
func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	if a.cfg.VAPIDPublicKey == "" {
		http.Error(w, "Push is not configured", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"publicKey": a.cfg.VAPIDPublicKey})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to encode response", "error", err)
	}
}
