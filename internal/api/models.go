package api

import (
	"net/http"
	"time"

	"gwi.com/polychat/internal/chaterr"
	"gwi.com/polychat/internal/config"
)

const (
	ModelCookie    = "selected-model"
	modelCookieTTL = 365 * 24 * time.Hour
)

type ModelsResponse struct {
	Allowed  []config.ProviderModels `json:"allowed"`
	Selected string                  `json:"selected"`
	Provider string                  `json:"provider"`
}

func (h *APIHandler) ModelsHandler(w http.ResponseWriter, r *http.Request) {
	allowed := h.registry.Allowed()

	selected := config.DefaultModel
	if c, err := r.Cookie(ModelCookie); err == nil && h.registry.ProviderFor(c.Value) != "" {
		selected = c.Value
	}
	writeJSON(w, http.StatusOK, ModelsResponse{
		Allowed:  allowed,
		Selected: selected,
		Provider: h.registry.ProviderFor(selected),
	})
}

type ModelPreferenceRequest struct {
	Model string `json:"model"`
}

func (h *APIHandler) SetModelPreferenceHandler(w http.ResponseWriter, r *http.Request) {
	var req ModelPreferenceRequest
	if err := decodeBody(r, &req); err != nil {
		chaterr.Write(w, err)
		return
	}
	if h.registry.ProviderFor(req.Model) == "" {
		chaterr.Write(w, chaterr.New(chaterr.BadRequest, chaterr.SurfaceModel, "Unknown model: "+req.Model))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     ModelCookie,
		Value:    req.Model,
		Path:     "/",
		Expires:  time.Now().Add(modelCookieTTL),
		MaxAge:   int(modelCookieTTL.Seconds()),
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}
