package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"gwi.com/polychat/internal/chaterr"
	"gwi.com/polychat/internal/store"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// LiveFrame is one live-query push.
type LiveFrame struct {
	Type string          `json:"type"`
	Data []store.Message `json:"data"`
}

// LiveHandler upgrades to a websocket and pushes the chat's message list every
// time it changes.
func (h *APIHandler) LiveHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	chat, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		chaterr.Write(w, storeError(err))
		return
	}
	// Access is decided once, so there is nothing to subscribe to before the
	// chat exists and has an owner.
	if chat == nil {
		chaterr.Write(w, chaterr.New(chaterr.NotFound, chaterr.SurfaceChat, "chat "+chatID+" not found"))
		return
	}
	if !canRead(chat, store.UserFromContext(r.Context())) {
		chaterr.Write(w, forbidden(chatID))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Live] Upgrade failed for chat %s: %v", chatID, err)
		return
	}
	defer conn.Close()

	// The request context is not cancelled when a hijacked client goes away.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots, err := h.store.Watch(ctx, chatID)
	if err != nil {
		log.Printf("[Live] Watch failed for chat %s: %v", chatID, err)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "watch failed"))
		return
	}

	go func() {
		defer cancel()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msgs, ok := <-snapshots:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(LiveFrame{Type: "messages", Data: msgs}); err != nil {
				log.Printf("[Live] Write failed for chat %s: %v", chatID, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
