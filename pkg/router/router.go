package router

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"runtime"
	"sync"

	"github.com/go-chi/chi/v5"
)

var DefaultError = JsonError{
	Code: http.StatusInternalServerError,
	Err:  "internal server error",
}

// Router is a wrapper around chi.Router that provides error handling.
// Handlers return an error that is mapped to a JSON error response.
// Error mappers are matched with errors.Is, in registration order, and
// are shared by every sub-router created from the same root.
type Router struct {
	chi.Router
	mappers *mappers
	logger  *slog.Logger
}

type mapping struct {
	target error
	fn     ErrorMapper
}

type mappers struct {
	mu           sync.RWMutex
	list         []mapping
	defaultError JsonError
}

func New(opts ...RouterOption) *Router {
	r := &Router{
		Router:  chi.NewRouter(),
		mappers: &mappers{defaultError: DefaultError},
		logger:  slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type RouterOption func(*Router)

func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

func WithDefaultError(err JsonError) RouterOption {
	return func(r *Router) {
		r.mappers.defaultError = err
	}
}

// derive wraps a chi sub-router, keeping the mappers and logger.
func (a *Router) derive(r chi.Router) *Router {
	return &Router{Router: r, mappers: a.mappers, logger: a.logger}
}

// HandlerFunc handles an HTTP request and returns an error.
// A handler that fails must not write to the response writer; the returned
// error is mapped to an error response instead.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

type Middleware func(http.Handler) HandlerFunc

// ErrorMapper maps go errors to API errors.
type ErrorMapper func(error) Error

// StatusMapper returns an ErrorMapper that responds with code and the
// error's message.
func StatusMapper(code int) ErrorMapper {
	return func(err error) Error {
		return NewJsonError(code, err.Error())
	}
}

func (a *Router) RegisterErrorMapper(err error, fn ErrorMapper) {
	a.mappers.mu.Lock()
	defer a.mappers.mu.Unlock()
	a.mappers.list = append(a.mappers.list, mapping{target: err, fn: fn})
}

// mapError maps a go error to an API error:
//   - an error that is (or wraps) an Error is returned as is.
//   - otherwise the first mapper whose target matches errors.Is is used.
//   - if none matches the default error is returned.
func (a *Router) mapError(err error) Error {
	var apiErr Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	a.mappers.mu.RLock()
	defer a.mappers.mu.RUnlock()
	for _, m := range a.mappers.list {
		if errors.Is(err, m.target) {
			return m.fn(err)
		}
	}
	return a.mappers.defaultError
}

func (a *Router) handleWithErr(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		handlerFn := runtime.FuncForPC(reflect.ValueOf(h).Pointer())
		resError := a.mapError(err)
		if resError.StatusCode() >= http.StatusInternalServerError {
			a.logger.Error(err.Error(), slog.String("handler", handlerFn.Name()))
		} else {
			a.logger.Debug(err.Error(), slog.String("handler", handlerFn.Name()))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resError.StatusCode())
		if err := resError.Encode(w); err != nil {
			a.logger.Error("encode error response: " + err.Error())
		}
	}
}

func (a *Router) Get(path string, h HandlerFunc) {
	a.Router.Get(path, a.handleWithErr(h))
}

func (a *Router) Post(path string, h HandlerFunc) {
	a.Router.Post(path, a.handleWithErr(h))
}

func (a *Router) Put(path string, h HandlerFunc) {
	a.Router.Put(path, a.handleWithErr(h))
}

func (a *Router) Delete(path string, h HandlerFunc) {
	a.Router.Delete(path, a.handleWithErr(h))
}

func (a *Router) Route(path string, f func(r *Router)) {
	a.Router.Route(path, func(r chi.Router) {
		f(a.derive(r))
	})
}

func (a *Router) Group(f func(r *Router)) *Router {
	ch := a.Router.Group(func(r chi.Router) {
		f(a.derive(r))
	})
	return a.derive(ch)
}

func (a *Router) Use(middleware Middleware) {
	a.Router.Use(func(h http.Handler) http.Handler {
		return a.handleWithErr(middleware(h))
	})
}

func (a *Router) With(middleware Middleware) *Router {
	ch := a.Router.With(func(h http.Handler) http.Handler {
		return a.handleWithErr(middleware(h))
	})
	return a.derive(ch)
}

// JSON writes v with the given status code.
func JSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

// Bind decodes the request body into v. A malformed body maps to 400.
func Bind(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return NewJsonError(http.StatusBadRequest, "malformed body: "+err.Error())
	}
	return nil
}
