package app

import (
	"net/http"

	"github.com/putto11262002/realtime/core"
	"github.com/putto11262002/realtime/pkg/router"
)

type AuthHandler struct {
	store core.AuthStore
}

func NewAuthHandler(store core.AuthStore) *AuthHandler {
	return &AuthHandler{store: store}
}

type SigninPayload struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *AuthHandler) SigninHandler(w http.ResponseWriter, r *http.Request) error {
	var payload SigninPayload
	if err := bind(r, &payload); err != nil {
		return err
	}

	session, err := h.store.NewSession(r.Context(), payload.Username, payload.Password)
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, session)
}
