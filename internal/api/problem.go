package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"crowdease/internal/model"
)

// Problem is an application/problem+json document.
type Problem struct {
	Type     string              `json:"type,omitempty"`
	Title    string              `json:"title,omitempty"`
	Status   int                 `json:"status,omitempty"`
	Detail   string              `json:"detail,omitempty"`
	Instance string              `json:"instance,omitempty"`
	Errors   map[string][]string `json:"errors,omitempty"`
	Meta     map[string]any      `json:"meta,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, title, detail string, errs map[string][]string) {
	writeProblem(w, Problem{Title: title, Status: status, Detail: detail, Errors: errs})
}

func writeProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeError maps err onto a problem response.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var ve *model.ValidationError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &ve):
		field := ve.Field
		if field == "" {
			field = "body"
		}
		writeProblem(w, Problem{
			Title:  "validation failed",
			Status: http.StatusBadRequest,
			Detail: ve.Message,
			Errors: map[string][]string{field: {ve.Message}},
			Meta:   map[string]any{"category": ve.Category},
		})
	case errors.As(err, &tooLarge):
		WriteProblem(w, http.StatusRequestEntityTooLarge, "request too large", err.Error(), nil)
	case errors.Is(err, model.ErrNotFound):
		WriteProblem(w, http.StatusNotFound, "not found", err.Error(), nil)
	case errors.Is(err, model.ErrCooldown):
		detail := err.Error()
		if i := strings.Index(detail, "try again"); i >= 0 {
			detail = detail[i:]
		}
		WriteProblem(w, http.StatusTooManyRequests, "report cooldown active", detail, nil)
	case errors.Is(err, model.ErrUnavailable):
		if logger != nil {
			logger.Warn("collaborator unavailable", "err", err)
		}
		WriteProblem(w, http.StatusServiceUnavailable, "service unavailable", "please retry later", nil)
	default:
		if logger != nil {
			logger.Error("request failed", "err", err)
		}
		WriteProblem(w, http.StatusInternalServerError, "internal error", "the request could not be processed", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
