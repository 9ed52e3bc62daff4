package app

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/putto11262002/realtime/core"
	"github.com/putto11262002/realtime/pkg/router"
)

type UserHandler struct {
	store core.UserStore
}

func NewUserHandler(store core.UserStore) *UserHandler {
	return &UserHandler{store: store}
}

func (h *UserHandler) RegisterUserHandler(w http.ResponseWriter, r *http.Request) error {
	var user core.User
	if err := bind(r, &user); err != nil {
		return err
	}

	if err := h.store.CreateUser(r.Context(), user); err != nil {
		return err
	}
	return router.JSON(w, http.StatusCreated, core.UserWithoutSecrets{Name: user.Name, Username: user.Username})
}

func (h *UserHandler) MeHandler(w http.ResponseWriter, r *http.Request) error {
	return h.writeUser(w, r, core.SessionFromRequest(r).Username)
}

func (h *UserHandler) GetUserByUsernameHandler(w http.ResponseWriter, r *http.Request) error {
	return h.writeUser(w, r, chi.URLParam(r, "username"))
}

func (h *UserHandler) writeUser(w http.ResponseWriter, r *http.Request, username string) error {
	user, err := h.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		return err
	}
	if user == nil {
		return core.ErrUserNotFound
	}
	return router.JSON(w, http.StatusOK, user)
}

func (h *UserHandler) GetUsersHandler(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	users, err := h.store.GetUsers(r.Context(), &core.GetUsersOptions{
		Q:      q.Get("q"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, users)
}
