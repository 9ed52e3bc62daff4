package router

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Error is an error that carries its HTTP status and writes its own body.
type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

// JsonError is written as {"code": 404, "error": "..."}. An empty message
// falls back to the status text.
type JsonError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
}

func NewJsonError(code int, msg string) JsonError {
	return JsonError{Code: code, Err: msg}
}

func Errorf(code int, format string, args ...any) JsonError {
	return JsonError{Code: code, Err: fmt.Sprintf(format, args...)}
}

func (e JsonError) StatusCode() int {
	return e.Code
}

func (e JsonError) Error() string {
	if e.Err == "" {
		return http.StatusText(e.Code)
	}
	return e.Err
}

func (e JsonError) Encode(w io.Writer) error {
	e.Err = e.Error()
	return json.NewEncoder(w).Encode(e)
}
