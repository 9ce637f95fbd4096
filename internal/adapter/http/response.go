package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/chiwei-platform/topology-engine/internal/domain"
)

type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// errorStatuses 按顺序匹配，未命中的错误一律 500 且不回显内容。
var errorStatuses = []struct {
	target error
	status int
}{
	{domain.ErrNotFound, http.StatusNotFound},
	{domain.ErrAlreadyExists, http.StatusConflict},
	{domain.ErrInvalidInput, http.StatusBadRequest},
	{domain.ErrInvalidConfig, http.StatusBadRequest},
	{domain.ErrBuildFailed, http.StatusUnprocessableEntity},
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	for _, m := range errorStatuses {
		if errors.Is(err, m.target) {
			writeEnvelope(w, m.status, envelope{Error: err.Error()})
			return
		}
	}
	slog.Error("internal error", "error", err)
	writeEnvelope(w, http.StatusInternalServerError, envelope{Error: "internal server error"})
}

func writeEnvelope(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
