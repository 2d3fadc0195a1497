package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"gwi.com/polychat/internal/auth"
	"gwi.com/polychat/internal/chaterr"
	"gwi.com/polychat/internal/config"
	"gwi.com/polychat/internal/core"
	"gwi.com/polychat/internal/llm"
	"gwi.com/polychat/internal/store"
)

type APIHandler struct {
	chatService *core.ChatService
	store       *store.SQLiteStore
	registry    *llm.Registry
	limiter     *limiterPool
}

func NewAPIHandler(cs *core.ChatService, db *store.SQLiteStore, registry *llm.Registry) *APIHandler {
	return &APIHandler{
		chatService: cs,
		store:       db,
		registry:    registry,
		limiter:     newLimiterPool(config.AppConfig.RateLimitRPS, config.AppConfig.RateLimitBurst),
	}
}

// JWTAuthMiddleware resolves the bearer token into a stored user. Requests
// without a token pass through as anonymous; a token that fails validation is
// rejected.
func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		identity, err := auth.ValidateJWT(tokenString)
		if err != nil {
			chaterr.Write(w, chaterr.New(chaterr.Unauthorized, chaterr.SurfaceAuth, "invalid token"))
			return
		}

		user, err := h.store.StoreUser(r.Context(), identity)
		if err != nil {
			log.Printf("[API] Error storing user %s: %v", identity.TokenIdentifier, err)
			chaterr.Write(w, chaterr.Wrap(chaterr.BadRequest, chaterr.SurfaceDatabase, err))
			return
		}

		next.ServeHTTP(w, r.WithContext(store.ContextWithUser(r.Context(), user)))
	})
}

// RequireUser rejects anonymous callers.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store.UserFromContext(r.Context()) == nil {
			chaterr.Write(w, chaterr.New(chaterr.Unauthorized, chaterr.SurfaceAuth, "sign-in required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return chaterr.New(chaterr.BadRequest, chaterr.SurfaceAPI, "Invalid request body: "+err.Error())
	}
	return nil
}

// storeError passes classified errors through and marks the rest as database
// failures so their details stay in the log.
func storeError(err error) error {
	if _, ok := chaterr.As(err); ok {
		return err
	}
	log.Printf("[API] Store error: %v", err)
	return chaterr.Wrap(chaterr.BadRequest, chaterr.SurfaceDatabase, err)
}

// canRead: public and anonymous chats are readable by anyone; private owned
// chats only by their owner.
func canRead(chat *store.Chat, user *store.User) bool {
	if chat.Visibility == store.VisibilityPublic || chat.UserID == nil {
		return true
	}
	return user != nil && user.ID == *chat.UserID
}

func canWrite(chat *store.Chat, user *store.User) bool {
	if chat.UserID == nil {
		return true
	}
	return user != nil && user.ID == *chat.UserID
}

// writableChat loads the chat and checks the caller may write to it.
func (h *APIHandler) writableChat(r *http.Request, chatID string) error {
	chat, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		return storeError(err)
	}
	if chat == nil {
		return chaterr.New(chaterr.NotFound, chaterr.SurfaceChat, "chat "+chatID+" not found")
	}
	if !canWrite(chat, store.UserFromContext(r.Context())) {
		return forbidden(chatID)
	}
	return nil
}

func forbidden(chatID string) error {
	return chaterr.New(chaterr.Forbidden, chaterr.SurfaceChat, "no access to chat "+chatID)
}

type CreateChatRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (h *APIHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if err := decodeBody(r, &req); err != nil {
		chaterr.Write(w, err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		chaterr.Write(w, chaterr.New(chaterr.BadRequest, chaterr.SurfaceChat, "chat id is required"))
		return
	}

	chat, err := h.store.CreateChat(r.Context(), req.ID, req.Title)
	if err != nil {
		chaterr.Write(w, storeError(err))
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	user := store.UserFromContext(r.Context())

	chats, err := h.store.ListChats(r.Context(), user.ID)
	if err != nil {
		chaterr.Write(w, storeError(err))
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *APIHandler) GetChatHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	chat, err := h.store.GetChatByClientID(r.Context(), chatID)
	if err != nil {
		chaterr.Write(w, storeError(err))
		return
	}
	if chat == nil {
		chaterr.Write(w, chaterr.New(chaterr.NotFound, chaterr.SurfaceChat, "chat "+chatID+" not found"))
		return
	}
	if !canRead(chat.Chat, store.UserFromContext(r.Context())) {
		chaterr.Write(w, forbidden(chatID))
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

type UpdateChatRequest struct {
	Title      *string `json:"title,omitempty"`
	Visibility *string `json:"visibility,omitempty"`
}

func (h *APIHandler) UpdateChatHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var req UpdateChatRequest
	if err := decodeBody(r, &req); err != nil {
		chaterr.Write(w, err)
		return
	}

	chat, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		chaterr.Write(w, storeError(err))
		return
	}
	if chat == nil {
		chaterr.Write(w, chaterr.New(chaterr.NotFound, chaterr.SurfaceChat, "chat "+chatID+" not found"))
		return
	}
	if !canWrite(chat, store.UserFromContext(r.Context())) {
		chaterr.Write(w, forbidden(chatID))
		return
	}

	if req.Title != nil {
		if err := h.store.UpdateChatTitle(r.Context(), chatID, *req.Title); err != nil {
			chaterr.Write(w, storeError(err))
			return
		}
	}
	if req.Visibility != nil {
		if err := h.store.SetVisibility(r.Context(), chatID, *req.Visibility); err != nil {
			chaterr.Write(w, storeError(err))
			return
		}
	}

	updated, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		chaterr.Write(w, storeError(err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type ForkChatRequest struct {
	ID string `json:"id"`
}

func (h *APIHandler) ForkChatHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var req ForkChatRequest
	if err := decodeBody(r, &req); err != nil {
		chaterr.Write(w, err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		chaterr.Write(w, chaterr.New(chaterr.BadRequest, chaterr.SurfaceChat, "fork id is required"))
		return
	}

	source, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		chaterr.Write(w, storeError(err))
		return
	}
	if source != nil && !canRead(source, store.UserFromContext(r.Context())) {
		chaterr.Write(w, forbidden(chatID))
		return
	}

	fork, err := h.store.ForkChat(r.Context(), chatID, req.ID)
	if err != nil {
		chaterr.Write(w, storeError(err))
		return
	}
	writeJSON(w, http.StatusCreated, fork)
}

type UpsertMessageRequest struct {
	Role          string `json:"role"`
	Content       string `json:"content"`
	ModelID       string `json:"model_id"`
	ModelProvider string `json:"model_provider"`
}

func (h *APIHandler) UpsertMessageHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	messageID := chi.URLParam(r, "messageID")

	var req UpsertMessageRequest
	if err := decodeBody(r, &req); err != nil {
		chaterr.Write(w, err)
		return
	}
	if err := h.writableChat(r, chatID); err != nil {
		chaterr.Write(w, err)
		return
	}

	_, err := h.store.UpsertMessage(r.Context(), store.UpsertMessageInput{
		ChatClientID:    chatID,
		MessageClientID: messageID,
		Role:            req.Role,
		Content:         req.Content,
		ModelID:         req.ModelID,
		ModelProvider:   req.ModelProvider,
	})
	if err != nil {
		chaterr.Write(w, storeError(err))
		return
	}

	msg, err := h.store.GetMessage(r.Context(), messageID)
	if err != nil {
		chaterr.Write(w, storeError(err))
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

func (h *APIHandler) EditMessageHandler(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	var req EditMessageRequest
	if err := decodeBody(r, &req); err != nil {
		chaterr.Write(w, err)
		return
	}

	msg, err := h.store.GetMessage(r.Context(), messageID)
	if err != nil {
		chaterr.Write(w, storeError(err))
		return
	}
	if msg == nil {
		chaterr.Write(w, chaterr.New(chaterr.NotFound, chaterr.SurfaceMessage, "message "+messageID+" not found"))
		return
	}
	if err := h.writableChat(r, msg.ChatUUID); err != nil {
		chaterr.Write(w, err)
		return
	}

	if err := h.store.EditMessage(r.Context(), messageID, req.Content); err != nil {
		chaterr.Write(w, storeError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) MeHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, store.UserFromContext(r.Context()))
}
