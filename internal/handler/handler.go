// Package handler exposes the admin and user services over HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/hezzy93/library-app-1/internal/events"
	"github.com/hezzy93/library-app-1/internal/models"
	"github.com/hezzy93/library-app-1/internal/relay"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// MessageResponse acknowledges a write.
type MessageResponse struct {
	Message string `json:"message"`
}

// BookView is a book as the API shows it, with calendar dates.
type BookView struct {
	ID         int64   `json:"id"`
	Title      string  `json:"title"`
	Publisher  string  `json:"publisher"`
	Category   string  `json:"category"`
	Available  bool    `json:"available"`
	BorrowerID *int64  `json:"borrower_id"`
	BorrowDate *string `json:"borrow_date"`
	ReturnDate *string `json:"return_date"`
}

func viewBook(b *models.Book) BookView {
	v := BookView{
		ID:         b.ID,
		Title:      b.Title,
		Publisher:  b.Publisher,
		Category:   b.Category,
		Available:  b.Available,
		BorrowerID: b.BorrowerID(),
	}
	if b.Loan != nil {
		borrowed := b.Loan.BorrowDate.Format(events.DateLayout)
		due := b.Loan.ReturnDate.Format(events.DateLayout)
		v.BorrowDate, v.ReturnDate = &borrowed, &due
	}
	return v
}

func viewBooks(books []models.Book) []BookView {
	out := make([]BookView, 0, len(books))
	for i := range books {
		out = append(out, viewBook(&books[i]))
	}
	return out
}

// StatsSource reports the outbox relay running beside the server, if any.
type StatsSource interface {
	Stats() relay.Stats
}

// base carries what the admin and user handlers share.
type base struct {
	service string
	welcome string
	relay   StatsSource
	logger  *slog.Logger
}

func (h *base) writeErrorResponse(w http.ResponseWriter, statusCode int, err string, message string) {
	h.writeJSONResponse(w, statusCode, ErrorResponse{Error: err, Message: message})
}

func (h *base) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}

// internalError logs err and answers 500 without leaking it.
func (h *base) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	h.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "The request could not be completed")
}

// Root handles GET /
func (h *base) Root(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, map[string]string{"Hello": h.welcome})
}

// Health handles GET /health
func (h *base) Health(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   h.service,
	}
	if h.relay != nil {
		response["relay"] = h.relay.Stats()
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

func pathID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("id must be a positive integer, got %q", raw)
	}
	return id, nil
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("request body must be valid JSON")
	}
	return nil
}
