package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})
		r.Get("/models", apiHandler.ModelsHandler)
		r.Put("/preferences/model", apiHandler.SetModelPreferenceHandler)

		// Anonymous callers are allowed; a bearer token attaches the user.
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Post("/chat", apiHandler.ChatStreamHandler)

			r.Post("/chats", apiHandler.CreateChatHandler)
			r.Get("/chats/{chatID}", apiHandler.GetChatHandler)
			r.Patch("/chats/{chatID}", apiHandler.UpdateChatHandler)
			r.Post("/chats/{chatID}/fork", apiHandler.ForkChatHandler)
			r.Get("/chats/{chatID}/live", apiHandler.LiveHandler)
			r.Put("/chats/{chatID}/messages/{messageID}", apiHandler.UpsertMessageHandler)
			r.Patch("/messages/{messageID}", apiHandler.EditMessageHandler)

			r.Group(func(r chi.Router) {
				r.Use(RequireUser)
				r.Get("/chats", apiHandler.ListChatsHandler)
				r.Get("/users/me", apiHandler.MeHandler)
			})
		})
	})

	return r
}
